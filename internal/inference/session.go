package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/example/liveness-check/internal/apperrors"
	"github.com/example/liveness-check/internal/logging"
)

// DefaultDialTimeout bounds the lazy connection attempt.
const DefaultDialTimeout = 5 * time.Second

// DefaultRedialBackoff is how long a failed dial is reported before the next
// call dials again.
const DefaultRedialBackoff = 2 * time.Second

var errSessionClosed = errors.New("session closed")

// Options configures the connection to the model host.
type Options struct {
	Addr          string
	DialTimeout   time.Duration
	RedialBackoff time.Duration
	// DialOptions are appended to the defaults (insecure transport, blocking dial).
	DialOptions []grpc.DialOption
}

// session is a lazily dialed connection. Dials are serialized under mu. A
// failed dial is reported as unavailable until RedialBackoff has passed, after
// which the next caller dials again.
type session struct {
	name   string
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	conn     *grpc.ClientConn
	dialErr  error
	failedAt time.Time
	closed   bool
}

func newSession(name string, opts Options, logger *zap.Logger) *session {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.RedialBackoff <= 0 {
		opts.RedialBackoff = DefaultRedialBackoff
	}
	return &session{name: name, opts: opts, logger: logger, now: time.Now}
}

func (s *session) acquire(ctx context.Context) (*grpc.ClientConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: %s: %w", apperrors.ErrModelUnavailable, s.name, errSessionClosed)
	}
	if s.conn != nil {
		return s.conn, nil
	}
	if s.dialErr != nil && s.now().Sub(s.failedAt) < s.opts.RedialBackoff {
		return nil, fmt.Errorf("%w: %s: %w", apperrors.ErrModelUnavailable, s.name, s.dialErr)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		s.dialErr = err
		s.failedAt = s.now()
		return nil, fmt.Errorf("%w: %s: %w", apperrors.ErrModelUnavailable, s.name, err)
	}
	s.conn, s.dialErr = conn, nil
	return conn, nil
}

func (s *session) dial(ctx context.Context) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DialTimeout)
	defer cancel()

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, s.opts.DialOptions...)

	start := time.Now()
	conn, err := grpc.DialContext(dialCtx, s.opts.Addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("inference.dial_"+s.name, "", err)
		s.logger.Error("failed to dial model host", zap.Error(wrapped), zap.String("addr", s.opts.Addr))
		return nil, wrapped
	}
	s.logger.Info("model session acquired", zap.String("addr", s.opts.Addr), zap.Duration("elapsed", time.Since(start)))
	return conn, nil
}

// Close releases the connection. It waits for an in-flight dial, prevents any
// later dial and is safe to call more than once.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return logging.NewOperationError("inference.close_"+s.name, "", err)
	}
	return nil
}
