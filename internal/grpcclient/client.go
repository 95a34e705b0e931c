package grpcclient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/segmask/internal/imagecodec"
	"github.com/example/segmask/internal/logging"
	"github.com/example/segmask/internal/raster"
	"github.com/example/segmask/internal/segmentapi"
	"github.com/example/segmask/internal/segmentation"
)

const releaseTimeout = 5 * time.Second

// DialSegmenter returns a ready connection to the segmenter worker.
func DialSegmenter(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(segmentapi.MaxMessageSize),
			grpc.MaxCallSendMsgSize(segmentapi.MaxMessageSize),
		),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_segmenter", "", err)
		logger.Error("failed to dial segmenter", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return conn, nil
}

// Provider creates remote backends that share conn, each with its own session.
func Provider(conn grpc.ClientConnInterface, logger *zap.Logger) segmentation.Provider {
	return func(context.Context) (segmentation.Backend, error) {
		return NewBackend(conn, logger), nil
	}
}

// Backend is a segmentation.Backend served by a remote segmenter worker.
type Backend struct {
	conn      grpc.ClientConnInterface
	sessionID string
	logger    *zap.Logger
}

var _ segmentation.Backend = (*Backend)(nil)

// NewBackend opens a new session on conn.
func NewBackend(conn grpc.ClientConnInterface, logger *zap.Logger) *Backend {
	id := uuid.NewString()
	return &Backend{
		conn:      conn,
		sessionID: id,
		logger:    logger.Named("remote_backend").With(zap.String("session", id)),
	}
}

// SessionID identifies this backend's primed state on the worker.
func (b *Backend) SessionID() string { return b.sessionID }

// SetImage uploads img losslessly and primes the remote backend.
func (b *Backend) SetImage(ctx context.Context, img *raster.Buffer) error {
	data, err := imagecodec.Encode(img)
	if err != nil {
		return segmentation.NewBackendError("set_image", nil, err)
	}
	ctx = segmentapi.WithSession(ctx, b.sessionID)
	if err := b.conn.Invoke(ctx, segmentapi.SetImageMethod, wrapperspb.Bytes(data), &emptypb.Empty{}); err != nil {
		wrapped := logging.NewOperationError("grpcclient.set_image", b.sessionID, err)
		b.logger.Error("segmenter rejected image", zap.Error(wrapped))
		return segmentation.NewBackendError("set_image", nil, wrapped)
	}
	return nil
}

// QueryPoint requests the single mask for p.
func (b *Backend) QueryPoint(ctx context.Context, p segmentation.Point) (*raster.Mask, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"x": p.X, "y": p.Y})
	if err != nil {
		return nil, segmentation.NewBackendError("query_point", &p, err)
	}
	out := &wrapperspb.BytesValue{}
	ctx = segmentapi.WithSession(ctx, b.sessionID)
	if err := b.conn.Invoke(ctx, segmentapi.QueryPointMethod, in, out); err != nil {
		if status.Code(err) == codes.InvalidArgument {
			err = fmt.Errorf("%w: %v", segmentation.ErrOutOfBounds, err)
		}
		wrapped := logging.NewOperationError("grpcclient.query_point", b.sessionID, err)
		b.logger.Error("segmenter query failed", zap.Error(wrapped), zap.Float64("x", p.X), zap.Float64("y", p.Y))
		return nil, segmentation.NewBackendError("query_point", &p, wrapped)
	}
	mask, err := imagecodec.DecodeMask(out.GetValue())
	if err != nil {
		return nil, segmentation.NewBackendError("query_point", &p, err)
	}
	return mask, nil
}

// Close releases the remote session.
func (b *Backend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	ctx = segmentapi.WithSession(ctx, b.sessionID)
	if err := b.conn.Invoke(ctx, segmentapi.ReleaseMethod, &emptypb.Empty{}, &emptypb.Empty{}); err != nil {
		return logging.NewOperationError("grpcclient.release", b.sessionID, err)
	}
	return nil
}
