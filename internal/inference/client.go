package inference

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/liveness-check/internal/apperrors"
	"github.com/example/liveness-check/internal/imaging"
	"github.com/example/liveness-check/internal/quality"
	"github.com/example/liveness-check/internal/tensor"
)

// RemoteModel is a classifier served by the model host. It is safe for
// concurrent use; each call serializes its own tensor.
type RemoteModel struct {
	name    string
	method  string
	session *session
	logger  *zap.Logger
}

// NewRemoteModel returns a model bound to a full gRPC method name. The
// connection is dialed on the first Infer call.
func NewRemoteModel(name, method string, opts Options, logger *zap.Logger) *RemoteModel {
	logger = logger.Named("inference").With(zap.String("model", name))
	return &RemoteModel{
		name:    name,
		method:  method,
		session: newSession(name, opts, logger),
		logger:  logger,
	}
}

// NewOcclusionModel returns the remote occlusion classifier.
func NewOcclusionModel(opts Options, logger *zap.Logger) *RemoteModel {
	return NewRemoteModel("occlusion", MethodOcclusion, opts, logger)
}

// NewLivenessModel returns the remote liveness classifier.
func NewLivenessModel(opts Options, logger *zap.Logger) *RemoteModel {
	return NewRemoteModel("liveness", MethodLiveness, opts, logger)
}

// Name identifies the model in logs and errors.
func (m *RemoteModel) Name() string {
	return m.name
}

// Infer sends t to the model host and returns the raw output values.
func (m *RemoteModel) Infer(ctx context.Context, t *tensor.Tensor) ([]float32, error) {
	conn, err := m.session.acquire(ctx)
	if err != nil {
		return nil, err
	}

	resp := new(structpb.ListValue)
	if err := conn.Invoke(ctx, m.method, wrapperspb.Bytes(EncodeTensor(t.Data())), resp); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		m.logger.Error("inference call failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %w", apperrors.ErrInferenceFailure, m.name, err)
	}

	out := make([]float32, 0, len(resp.GetValues()))
	for i, v := range resp.GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("%w: %s: output %d is not a number", apperrors.ErrInferenceFailure, m.name, i)
		}
		out = append(out, float32(n.NumberValue))
	}
	return out, nil
}

// Close releases the model session.
func (m *RemoteModel) Close() error {
	return m.session.Close()
}

// RemoteFaceDetector asks the model host whether an image contains a face.
type RemoteFaceDetector struct {
	session *session
	logger  *zap.Logger
}

// NewRemoteFaceDetector returns a detector that dials lazily.
func NewRemoteFaceDetector(opts Options, logger *zap.Logger) *RemoteFaceDetector {
	logger = logger.Named("inference").With(zap.String("model", "face_detector"))
	return &RemoteFaceDetector{session: newSession("face_detector", opts, logger), logger: logger}
}

// Detect sends img as PNG and reads back presence and face count.
func (d *RemoteFaceDetector) Detect(ctx context.Context, img *imaging.Image) (quality.FaceDetection, error) {
	conn, err := d.session.acquire(ctx)
	if err != nil {
		return quality.FaceDetection{}, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img.RGBA()); err != nil {
		return quality.FaceDetection{}, fmt.Errorf("%w: encode png: %v", apperrors.ErrInvalidImage, err)
	}

	resp := new(structpb.Struct)
	if err := conn.Invoke(ctx, MethodDetectFaces, wrapperspb.Bytes(buf.Bytes()), resp); err != nil {
		return quality.FaceDetection{}, fmt.Errorf("%w: face_detector: %w", apperrors.ErrInferenceFailure, err)
	}

	fields := resp.GetFields()
	detection := quality.FaceDetection{
		Present: fields["present"].GetBoolValue(),
		Count:   int(fields["count"].GetNumberValue()),
	}
	if detection.Count > 0 {
		detection.Present = true
	}
	return detection, nil
}

// Close releases the detector session.
func (d *RemoteFaceDetector) Close() error {
	return d.session.Close()
}
