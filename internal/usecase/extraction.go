package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/segmask/internal/imagecodec"
	"github.com/example/segmask/internal/logging"
	"github.com/example/segmask/internal/pipeline"
	"github.com/example/segmask/internal/repository"
	"github.com/example/segmask/internal/retry"
	"github.com/example/segmask/internal/segmentation"
	"github.com/example/segmask/internal/transport"
)

const processingMarker = "processing"

// ErrResultPending is returned by GetResult while a request is still running.
var ErrResultPending = errors.New("result is still processing")

// ExtractionRepository defines the persistence operations needed by the use case.
type ExtractionRepository interface {
	SaveLog(ctx context.Context, log *repository.ExtractionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.ExtractionLog, error)
	FindDuplicatesByHash(ctx context.Context, hash, excludeRequestID string) ([]*repository.ExtractionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// BackendPool hands out exclusive segmentation backends.
type BackendPool interface {
	Acquire(ctx context.Context) (segmentation.Backend, error)
	Release(b segmentation.Backend)
}

// ObjectStore keeps request artifacts. It is optional.
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, data []byte) error
	PresignGet(ctx context.Context, key, contentType string) (string, error)
}

// Options tunes an ExtractionUseCase. Zero values fall back to defaults.
type Options struct {
	ResultTTL      time.Duration
	AcquireTimeout time.Duration
	MaxPixels      int
	Store          ObjectStore
}

// ExtractionUseCase runs selection requests and records their outcome.
type ExtractionUseCase struct {
	repo           ExtractionRepository
	cache          Cache
	pool           BackendPool
	processor      *pipeline.Processor
	store          ObjectStore
	logger         *zap.Logger
	retry          retry.Policy
	resultTTL      time.Duration
	acquireTimeout time.Duration
	now            func() time.Time
}

// Extraction is the outcome of a successful request.
type Extraction struct {
	RequestID string
	Result    *pipeline.Result
	ResultURL string
	MaskURL   string
}

// Response converts e to its wire-independent form.
func (e *Extraction) Response() *transport.Response {
	return &transport.Response{
		RequestID:   e.RequestID,
		ResultImage: e.Result.ResultImage,
		MaskImage:   e.Result.MaskImage,
		ResultURL:   e.ResultURL,
		MaskURL:     e.MaskURL,
	}
}

type cachedExtraction struct {
	RequestID    string    `json:"request_id"`
	Hash         string    `json:"sha1_hash"`
	Filename     string    `json:"filename,omitempty"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	PointCount   int       `json:"point_count"`
	MinArea      int       `json:"min_area"`
	SelectedArea int       `json:"selected_area"`
	Degenerate   bool      `json:"degenerate"`
	Success      bool      `json:"success"`
	Details      string    `json:"details"`
	ResultURL    string    `json:"result_url,omitempty"`
	MaskURL      string    `json:"mask_url,omitempty"`
	LatencyMs    int64     `json:"processing_latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewExtractionUseCase constructs a new use case instance.
func NewExtractionUseCase(repo ExtractionRepository, cache Cache, pool BackendPool, logger *zap.Logger, opts Options) *ExtractionUseCase {
	uc := &ExtractionUseCase{
		repo:           repo,
		cache:          cache,
		pool:           pool,
		processor:      pipeline.NewProcessor(logger).WithMaxPixels(opts.MaxPixels),
		store:          opts.Store,
		logger:         logger.Named("extraction_usecase"),
		retry:          retry.DefaultPolicy,
		resultTTL:      opts.ResultTTL,
		acquireTimeout: opts.AcquireTimeout,
		now:            time.Now,
	}
	if uc.resultTTL <= 0 {
		uc.resultTTL = 5 * time.Minute
	}
	return uc
}

// Extract runs one selection request. Decode and backend failures are
// returned unchanged inside an OperationError so callers can classify them.
func (uc *ExtractionUseCase) Extract(ctx context.Context, req *transport.Request, filename string) (*Extraction, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.extract", requestID)
	started := uc.now()

	if err := retry.Do(ctx, uc.logger, uc.retry, "cache.set.processing", requestID, func() error {
		return uc.cache.Set(ctx, resultKey(requestID), processingMarker, time.Minute)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	hash := sha1.Sum(req.Image)
	log := &repository.ExtractionLog{
		RequestID:  requestID,
		SHA1Hash:   hex.EncodeToString(hash[:]),
		Filename:   filename,
		PointCount: len(req.Points),
		MinArea:    req.MinArea,
		CreatedAt:  started.UTC(),
	}

	result, err := uc.process(ctx, requestID, req)
	if err != nil {
		opLogger.Warn("extraction failed", zap.Error(err))
		log.Details = err.Error()
		log.ProcessingLatencyMs = uc.now().Sub(started).Milliseconds()
		if saveErr := uc.repo.SaveLog(ctx, log); saveErr != nil {
			opLogger.Error("failed to persist failed extraction", zap.Error(saveErr))
		}
		_ = uc.cacheRecord(ctx, log)
		return nil, err
	}

	extraction := &Extraction{RequestID: requestID, Result: result}
	if uc.store != nil {
		if err := uc.archive(ctx, requestID, req.Image, extraction); err != nil {
			wrapped := logging.NewOperationError("usecase.archive", requestID, err)
			opLogger.Error("failed to archive extraction", zap.Error(wrapped))
			return nil, wrapped
		}
	}

	log.Width = result.Width
	log.Height = result.Height
	log.SelectedArea = result.SelectedArea
	log.Degenerate = result.Degenerate
	log.Success = true
	log.ResultURL = extraction.ResultURL
	log.MaskURL = extraction.MaskURL
	log.Details = fmt.Sprintf("points:%d selected:%d degenerate:%t hash:%s",
		log.PointCount, log.SelectedArea, log.Degenerate, log.SHA1Hash)
	log.ProcessingLatencyMs = uc.now().Sub(started).Milliseconds()

	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist extraction log", zap.Error(wrapped))
		return nil, wrapped
	}

	if err := uc.cacheRecord(ctx, log); err != nil {
		return nil, err
	}

	opLogger.Info("extraction complete",
		zap.Int("points", log.PointCount),
		zap.Int("selected_area", log.SelectedArea),
		zap.Bool("degenerate", log.Degenerate),
		zap.Int64("latency_ms", log.ProcessingLatencyMs))
	return extraction, nil
}

// cacheRecord replaces the processing marker with the final record.
func (uc *ExtractionUseCase) cacheRecord(ctx context.Context, log *repository.ExtractionLog) error {
	opLogger := logging.WithOperation(uc.logger, "usecase.cache_record", log.RequestID)
	serialized, err := json.Marshal(toCached(log))
	if err != nil {
		opLogger.Error("failed to serialize extraction result", zap.Error(err))
		return err
	}
	if err := retry.Do(ctx, uc.logger, uc.retry, "cache.set.result", log.RequestID, func() error {
		return uc.cache.Set(ctx, resultKey(log.RequestID), string(serialized), uc.resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache extraction result", zap.Error(err))
		return err
	}
	return nil
}

func (uc *ExtractionUseCase) process(ctx context.Context, requestID string, req *transport.Request) (*pipeline.Result, error) {
	acquireCtx := ctx
	if uc.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, uc.acquireTimeout)
		defer cancel()
	}

	backend, err := uc.pool.Acquire(acquireCtx)
	if err != nil {
		return nil, logging.NewOperationError("usecase.acquire_backend", requestID, err)
	}
	defer uc.pool.Release(backend)

	result, err := uc.processor.Process(ctx, backend, req.Image, req.Points, req.MinArea)
	if err != nil {
		return nil, logging.NewOperationError("usecase.process", requestID, err)
	}
	return result, nil
}

// archive uploads the original, the visualization and the mask concurrently
// and fills in presigned URLs for the two outputs.
func (uc *ExtractionUseCase) archive(ctx context.Context, requestID string, original []byte, e *Extraction) error {
	processedKey := "processed/" + requestID + ".png"
	maskKey := "mask/" + requestID + ".png"

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return uc.store.Upload(gctx, "original/"+requestID, http.DetectContentType(original), original)
	})
	g.Go(func() error {
		return uc.store.Upload(gctx, processedKey, imagecodec.ContentType, e.Result.ResultImage)
	})
	g.Go(func() error {
		return uc.store.Upload(gctx, maskKey, imagecodec.ContentType, e.Result.MaskImage)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	var err error
	if e.ResultURL, err = uc.store.PresignGet(ctx, processedKey, imagecodec.ContentType); err != nil {
		return err
	}
	if e.MaskURL, err = uc.store.PresignGet(ctx, maskKey, imagecodec.ContentType); err != nil {
		return err
	}
	return nil
}

// GetResult retrieves a cached extraction record or loads it from persistence.
func (uc *ExtractionUseCase) GetResult(ctx context.Context, requestID string) (*repository.ExtractionLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	var cached string
	err := retry.Do(ctx, uc.logger, uc.retry, "cache.get.result", requestID, func() error {
		value, err := uc.cache.Get(ctx, resultKey(requestID))
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	switch {
	case err == nil && cached == processingMarker:
		return nil, ErrResultPending
	case err == nil:
		var payload cachedExtraction
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else {
			return payload.toLog(), nil
		}
	case !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestID(ctx, requestID)
}

// DuplicateReport lists earlier extractions run on the same image as Request.
type DuplicateReport struct {
	Request    *repository.ExtractionLog
	Duplicates []*repository.ExtractionLog
}

// GetDuplicateReport builds a duplicate detection report for an extraction request.
func (uc *ExtractionUseCase) GetDuplicateReport(ctx context.Context, requestID string) (*DuplicateReport, error) {
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Request:    log,
		Duplicates: duplicates,
	}, nil
}

func toCached(log *repository.ExtractionLog) cachedExtraction {
	return cachedExtraction{
		RequestID:    log.RequestID,
		Hash:         log.SHA1Hash,
		Filename:     log.Filename,
		Width:        log.Width,
		Height:       log.Height,
		PointCount:   log.PointCount,
		MinArea:      log.MinArea,
		SelectedArea: log.SelectedArea,
		Degenerate:   log.Degenerate,
		Success:      log.Success,
		Details:      log.Details,
		ResultURL:    log.ResultURL,
		MaskURL:      log.MaskURL,
		LatencyMs:    log.ProcessingLatencyMs,
		CreatedAt:    log.CreatedAt,
	}
}

func (c cachedExtraction) toLog() *repository.ExtractionLog {
	return &repository.ExtractionLog{
		RequestID:           c.RequestID,
		SHA1Hash:            c.Hash,
		Filename:            c.Filename,
		Width:               c.Width,
		Height:              c.Height,
		PointCount:          c.PointCount,
		MinArea:             c.MinArea,
		SelectedArea:        c.SelectedArea,
		Degenerate:          c.Degenerate,
		Success:             c.Success,
		Details:             c.Details,
		ResultURL:           c.ResultURL,
		MaskURL:             c.MaskURL,
		ProcessingLatencyMs: c.LatencyMs,
		CreatedAt:           c.CreatedAt,
	}
}
