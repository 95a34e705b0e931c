// Package grpcserver exposes a segmentation Provider as the segmask.v1.Segmenter service.
package grpcserver

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/segmask/internal/imagecodec"
	"github.com/example/segmask/internal/logging"
	"github.com/example/segmask/internal/segmentapi"
	"github.com/example/segmask/internal/segmentation"
)

// Server keeps one backend per client session. A session's SetImage and
// QueryPoint calls are serialized on that backend.
type Server struct {
	provider segmentation.Provider
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu       sync.Mutex
	backend  segmentation.Backend
	lastUsed time.Time
}

var _ segmentapi.SegmenterServer = (*Server)(nil)

// New builds a Server. Sessions idle for longer than ttl are dropped.
func New(provider segmentation.Provider, ttl time.Duration, logger *zap.Logger) *Server {
	return &Server{
		provider: provider,
		ttl:      ttl,
		logger:   logger.Named("segmenter_server"),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// SetImage decodes the PNG payload and primes the session's backend.
func (s *Server) SetImage(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	id, err := segmentapi.SessionFromContext(ctx)
	if err != nil {
		return nil, err
	}
	img, err := imagecodec.Decode(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.sweep()
	sess, err := s.session(ctx, id)
	if err != nil {
		s.logger.Error("failed to create backend", zap.Error(logging.NewOperationError("grpcserver.set_image", id, err)))
		return nil, status.Error(codes.Unavailable, err.Error())
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastUsed = s.now()
	if err := sess.backend.SetImage(ctx, img); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Debug("image primed",
		zap.String("session", id),
		zap.Int("width", img.Width),
		zap.Int("height", img.Height))
	return &emptypb.Empty{}, nil
}

// QueryPoint returns the session backend's mask for {x, y} as a grayscale PNG.
func (s *Server) QueryPoint(ctx context.Context, in *structpb.Struct) (*wrapperspb.BytesValue, error) {
	id, err := segmentapi.SessionFromContext(ctx)
	if err != nil {
		return nil, err
	}
	p, err := pointFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, status.Error(codes.FailedPrecondition, segmentation.ErrNotPrimed.Error())
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastUsed = s.now()
	mask, err := sess.backend.QueryPoint(ctx, p)
	if err != nil {
		return nil, toStatus(err)
	}
	data, err := imagecodec.EncodeMask(mask)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(data), nil
}

// Release drops the session and its backend.
func (s *Server) Release(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	id, err := segmentapi.SessionFromContext(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		s.closeSession(id, sess)
	}
	return &emptypb.Empty{}, nil
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close releases every session.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	for id, sess := range sessions {
		s.closeSession(id, sess)
	}
}

func (s *Server) session(ctx context.Context, id string) (*session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		return sess, nil
	}

	backend, err := s.provider(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[id]; ok {
		closeBackend(backend)
		return existing, nil
	}
	sess = &session{backend: backend, lastUsed: s.now()}
	s.sessions[id] = sess
	return sess, nil
}

func (s *Server) sweep() {
	if s.ttl <= 0 {
		return
	}
	cutoff := s.now().Add(-s.ttl)
	expired := map[string]*session{}

	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.mu.TryLock() {
			if sess.lastUsed.Before(cutoff) {
				expired[id] = sess
				delete(s.sessions, id)
			}
			sess.mu.Unlock()
		}
	}
	s.mu.Unlock()

	for id, sess := range expired {
		s.logger.Info("idle session expired", zap.String("session", id))
		s.closeSession(id, sess)
	}
}

func (s *Server) closeSession(id string, sess *session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := closeBackend(sess.backend); err != nil {
		s.logger.Warn("failed to close backend", zap.String("session", id), zap.Error(err))
	}
}

func closeBackend(b segmentation.Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func pointFromStruct(in *structpb.Struct) (segmentation.Point, error) {
	fields := in.GetFields()
	x, okX := fields["x"].GetKind().(*structpb.Value_NumberValue)
	y, okY := fields["y"].GetKind().(*structpb.Value_NumberValue)
	if !okX || !okY {
		return segmentation.Point{}, errors.New("numeric x and y are required")
	}
	return segmentation.Point{X: x.NumberValue, Y: y.NumberValue}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, segmentation.ErrOutOfBounds):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, segmentation.ErrNotPrimed):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
