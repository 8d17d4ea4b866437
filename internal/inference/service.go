// Package inference talks to the model host that serves the face detector and
// the occlusion and liveness classifiers over gRPC.
//
// The wire contract uses protobuf well-known types so neither side needs
// generated stubs: tensors travel as little-endian float32 bytes in a
// BytesValue, classifier outputs come back as a ListValue of numbers and face
// detection as a Struct with "present" and "count" fields.
package inference

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "liveness.inference.v1.Inference"

// Full method names.
const (
	MethodOcclusion   = "/" + ServiceName + "/Occlusion"
	MethodLiveness    = "/" + ServiceName + "/Liveness"
	MethodDetectFaces = "/" + ServiceName + "/DetectFaces"
)

// InferenceServer is implemented by model hosts.
type InferenceServer interface {
	Occlusion(ctx context.Context, tensor *wrapperspb.BytesValue) (*structpb.ListValue, error)
	Liveness(ctx context.Context, tensor *wrapperspb.BytesValue) (*structpb.ListValue, error)
	DetectFaces(ctx context.Context, image *wrapperspb.BytesValue) (*structpb.Struct, error)
}

// RegisterInferenceServer registers srv on s.
func RegisterInferenceServer(s grpc.ServiceRegistrar, srv InferenceServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InferenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Occlusion", Handler: unaryHandler(MethodOcclusion, InferenceServer.Occlusion)},
		{MethodName: "Liveness", Handler: unaryHandler(MethodLiveness, InferenceServer.Liveness)},
		{MethodName: "DetectFaces", Handler: unaryHandler(MethodDetectFaces, InferenceServer.DetectFaces)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "liveness/inference/v1/inference.proto",
}

func unaryHandler[Resp any](fullMethod string, call func(InferenceServer, context.Context, *wrapperspb.BytesValue) (Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(InferenceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(InferenceServer), ctx, req.(*wrapperspb.BytesValue))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// EncodeTensor serializes values as little-endian float32.
func EncodeTensor(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// DecodeTensor is the inverse of EncodeTensor.
func DecodeTensor(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("tensor payload length %d is not a multiple of 4", len(data))
	}
	values := make([]float32, len(data)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return values, nil
}
