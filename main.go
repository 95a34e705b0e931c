package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/segmask/internal/config"
	"github.com/example/segmask/internal/grpcclient"
	"github.com/example/segmask/internal/handlers"
	"github.com/example/segmask/internal/logging"
	"github.com/example/segmask/internal/middleware"
	"github.com/example/segmask/internal/repository"
	"github.com/example/segmask/internal/segmentation"
	"github.com/example/segmask/internal/storage"
	"github.com/example/segmask/internal/usecase"
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

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.Database, cfg.Server.Mode, logger)
	repo := repository.NewExtractionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.Redis, logger)
	defer redisClient.Close()

	pool, conn, err := initBackendPool(ctx, cfg.Segmenter, logger)
	if err != nil {
		logger.Fatal("failed to initialise segmentation backend", zap.Error(err))
	}
	defer pool.Close()
	if conn != nil {
		defer conn.Close()
	}

	opts := usecase.Options{
		ResultTTL:      cfg.Redis.ResultTTL,
		AcquireTimeout: cfg.Segmenter.AcquireTimeout,
		MaxPixels:      cfg.Server.MaxPixels,
	}
	if cfg.Storage.Enabled() {
		store, err := storage.NewObjectStore(ctx, cfg.Storage, logger)
		if err != nil {
			logger.Fatal("failed to initialise object storage", zap.Error(err))
		}
		opts.Store = store
	}

	uc := usecase.NewExtractionUseCase(repo, usecase.NewRedisCache(redisClient), pool, logger, opts)

	if cfg.Server.Mode != gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(logger), middleware.CORS(cfg.Server.CORSOrigins))
	r.MaxMultipartMemory = cfg.Server.MaxUploadSize

	handlers.RegisterRoutes(r, uc, handlers.Limits{
		MaxUploadSize:  cfg.Server.MaxUploadSize,
		DefaultMinArea: cfg.Segmenter.MinArea,
	})

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	logger.Info("segmask API listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("backend", cfg.Segmenter.Backend),
		zap.Int("pool_size", pool.Size()),
		zap.Bool("object_storage", cfg.Storage.Enabled()))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, mode string, zapLogger *zap.Logger) *gorm.DB {
	level := gormlogger.Warn
	if mode == gin.DebugMode {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err), zap.String("addr", cfg.Addr))
	}
	return client
}

// initBackendPool builds the backend pool for cfg.Backend. The returned
// connection is non-nil only for the grpc backend and must be closed after the pool.
func initBackendPool(ctx context.Context, cfg config.SegmenterConfig, logger *zap.Logger) (*segmentation.Pool, *grpc.ClientConn, error) {
	switch cfg.Backend {
	case config.BackendFloodFill:
		pool, err := segmentation.NewPool(ctx, segmentation.FloodFillProvider(cfg.Tolerance), cfg.PoolSize, logger)
		return pool, nil, err
	case config.BackendGRPC:
		conn, err := grpcclient.DialSegmenter(ctx, cfg.Addr, logger)
		if err != nil {
			return nil, nil, err
		}
		pool, err := segmentation.NewPool(ctx, grpcclient.Provider(conn, logger), cfg.PoolSize, logger)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return pool, conn, nil
	default:
		return nil, nil, fmt.Errorf("unknown segmenter backend %q", cfg.Backend)
	}
}

// serveHTTPServer runs server until it fails or SIGINT/SIGTERM arrives, then
// drains in-flight requests for up to shutdownTimeout.
func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
