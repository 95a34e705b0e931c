// Command segmenter serves point-prompted segmentation over gRPC for the API workers.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/segmask/internal/config"
	"github.com/example/segmask/internal/grpcserver"
	"github.com/example/segmask/internal/logging"
	"github.com/example/segmask/internal/segmentapi"
	"github.com/example/segmask/internal/segmentation"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Server.Mode)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	listener, err := net.Listen("tcp", cfg.Segmenter.ListenAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.Error(err), zap.String("addr", cfg.Segmenter.ListenAddr))
	}

	segmenter := grpcserver.New(segmentation.FloodFillProvider(cfg.Segmenter.Tolerance), cfg.Segmenter.SessionTTL, logger)
	defer segmenter.Close()

	server, healthSrv := newGRPCServer(segmenter)

	logger.Info("segmenter listening",
		zap.String("addr", listener.Addr().String()),
		zap.Float64("tolerance", cfg.Segmenter.Tolerance),
		zap.Duration("session_ttl", cfg.Segmenter.SessionTTL))
	if err := serveGRPCServer(server, healthSrv, listener, cfg.Server.ShutdownTimeout, logger, nil); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newGRPCServer(segmenter segmentapi.SegmenterServer) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(segmentapi.MaxMessageSize),
		grpc.MaxSendMsgSize(segmentapi.MaxMessageSize),
	)
	segmentapi.RegisterSegmenterServer(server, segmenter)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(segmentapi.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthSrv)
	return server, healthSrv
}

// serveGRPCServer serves until the listener fails or a signal arrives. On a
// signal, health flips to NOT_SERVING and in-flight calls get shutdownTimeout
// to finish before the server is stopped hard.
func serveGRPCServer(server *grpc.Server, healthSrv *health.Server, listener net.Listener, shutdownTimeout time.Duration, logger *zap.Logger, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	if signalCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		signalCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-signalCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	healthSrv.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		logger.Warn("graceful stop timed out, forcing")
		server.Stop()
	}
	return <-errCh
}
