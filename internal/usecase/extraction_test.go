package usecase

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/segmask/internal/imagecodec"
	"github.com/example/segmask/internal/logging"
	"github.com/example/segmask/internal/raster"
	"github.com/example/segmask/internal/repository"
	"github.com/example/segmask/internal/segmentation"
	"github.com/example/segmask/internal/transport"
)

type stubRepository struct {
	savedLogs []*repository.ExtractionLog
	saveErr   error
	findLog   *repository.ExtractionLog
	findErr   error
	findCalls int
	agg       *repository.MetricsAggregation
	dupHash   string
	dupSkip   string
	dups      []*repository.ExtractionLog
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.ExtractionLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.ExtractionLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepository) FindDuplicatesByHash(ctx context.Context, hash, excludeRequestID string) ([]*repository.ExtractionLog, error) {
	s.dupHash, s.dupSkip = hash, excludeRequestID
	return s.dups, nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.agg == nil {
		return nil, errors.New("no metrics")
	}
	return s.agg, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []interface{}
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.setValues = append(s.setValues, value)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type fullMaskBackend struct {
	img *raster.Buffer
	err error
}

func (b *fullMaskBackend) SetImage(ctx context.Context, img *raster.Buffer) error {
	b.img = img
	return nil
}

func (b *fullMaskBackend) QueryPoint(ctx context.Context, p segmentation.Point) (*raster.Mask, error) {
	if b.err != nil {
		return nil, b.err
	}
	m := raster.MaskFor(b.img)
	for i := range m.Bits {
		m.Bits[i] = true
	}
	return m, nil
}

type stubPool struct {
	backend    segmentation.Backend
	acquireErr error
	released   int
}

func (p *stubPool) Acquire(ctx context.Context) (segmentation.Backend, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return p.backend, nil
}

func (p *stubPool) Release(b segmentation.Backend) { p.released++ }

type stubStore struct {
	mu      sync.Mutex
	uploads map[string]string
	err     error
}

func (s *stubStore) Upload(ctx context.Context, key, contentType string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploads == nil {
		s.uploads = map[string]string{}
	}
	s.uploads[key] = contentType
	return s.err
}

func (s *stubStore) PresignGet(ctx context.Context, key, contentType string) (string, error) {
	return "https://bucket.example/" + key + "?sig=1", nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 3, 3))); err != nil {
		t.Fatalf("failed to encode fixture: %v", err)
	}
	return buf.Bytes()
}

func newTestUseCase(repo *stubRepository, cache *stubCache, pool *stubPool, opts Options) *ExtractionUseCase {
	uc := NewExtractionUseCase(repo, cache, pool, zap.NewNop(), opts)
	uc.retry.InitialBackoff = time.Millisecond
	uc.retry.MaxBackoff = 2 * time.Millisecond
	return uc
}

func TestExtractRetriesRedisSet(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	repo := &stubRepository{}
	pool := &stubPool{backend: &fullMaskBackend{}}
	uc := newTestUseCase(repo, cache, pool, Options{})

	req := &transport.Request{Image: testPNG(t), Points: []segmentation.Point{{X: 1, Y: 1}}}
	out, err := uc.Extract(context.Background(), req, "cat.png")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if out.Result.SelectedArea != 9 || out.Result.Degenerate {
		t.Fatalf("unexpected result %+v", out.Result)
	}
	if len(cache.setKeys) < 3 {
		t.Fatalf("expected at least 3 cache set calls (retry + result), got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
	if len(repo.savedLogs) != 1 || !repo.savedLogs[0].Success {
		t.Fatalf("expected one successful log, got %+v", repo.savedLogs)
	}
	if repo.savedLogs[0].Filename != "cat.png" || repo.savedLogs[0].SHA1Hash == "" {
		t.Fatalf("unexpected log %+v", repo.savedLogs[0])
	}
	if pool.released != 1 {
		t.Fatalf("expected backend to be released once, got %d", pool.released)
	}
}

func TestExtractReturnsOperationErrorOnCacheFailure(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	uc := newTestUseCase(&stubRepository{}, cache, &stubPool{backend: &fullMaskBackend{}}, Options{})

	_, err := uc.Extract(context.Background(), &transport.Request{Image: testPNG(t)}, "")
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.processing" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestExtractRecordsBackendFailure(t *testing.T) {
	repo := &stubRepository{}
	pool := &stubPool{backend: &fullMaskBackend{err: errors.New("cuda oom")}}
	uc := newTestUseCase(repo, &stubCache{}, pool, Options{})

	req := &transport.Request{Image: testPNG(t), Points: []segmentation.Point{{X: 0, Y: 0}}}
	_, err := uc.Extract(context.Background(), req, "")

	var backendErr *segmentation.BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Success {
		t.Fatalf("expected one failed log, got %+v", repo.savedLogs)
	}
	if pool.released != 1 {
		t.Fatal("backend must be released after a failure")
	}
}

func TestExtractSurfacesDecodeError(t *testing.T) {
	uc := newTestUseCase(&stubRepository{}, &stubCache{}, &stubPool{backend: &fullMaskBackend{}}, Options{})

	_, err := uc.Extract(context.Background(), &transport.Request{Image: []byte("not an image")}, "")
	var decErr *imagecodec.DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestExtractFailsWhenPoolIsExhausted(t *testing.T) {
	pool := &stubPool{acquireErr: context.DeadlineExceeded}
	uc := newTestUseCase(&stubRepository{}, &stubCache{}, pool, Options{AcquireTimeout: time.Millisecond})

	_, err := uc.Extract(context.Background(), &transport.Request{Image: testPNG(t)}, "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if pool.released != 0 {
		t.Fatal("nothing was acquired, nothing should be released")
	}
}

func TestExtractArchivesToObjectStore(t *testing.T) {
	store := &stubStore{}
	repo := &stubRepository{}
	uc := newTestUseCase(repo, &stubCache{}, &stubPool{backend: &fullMaskBackend{}}, Options{Store: store})

	out, err := uc.Extract(context.Background(), &transport.Request{Image: testPNG(t), Points: []segmentation.Point{{X: 1, Y: 1}}}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.uploads) != 3 {
		t.Fatalf("expected 3 uploads, got %v", store.uploads)
	}
	if store.uploads["original/"+out.RequestID] != "image/png" {
		t.Fatalf("original upload has wrong content type: %v", store.uploads)
	}
	if !strings.Contains(out.ResultURL, "processed/"+out.RequestID) || !strings.Contains(out.MaskURL, "mask/"+out.RequestID) {
		t.Fatalf("unexpected urls %q %q", out.ResultURL, out.MaskURL)
	}
	if repo.savedLogs[0].ResultURL != out.ResultURL {
		t.Fatal("persisted log must carry the presigned url")
	}
}

func TestExtractFailsWhenArchiveFails(t *testing.T) {
	store := &stubStore{err: errors.New("bucket missing")}
	repo := &stubRepository{}
	uc := newTestUseCase(repo, &stubCache{}, &stubPool{backend: &fullMaskBackend{}}, Options{Store: store})

	_, err := uc.Extract(context.Background(), &transport.Request{Image: testPNG(t)}, "")
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.archive" {
		t.Fatalf("expected archive OperationError, got %v", err)
	}
	if len(repo.savedLogs) != 0 {
		t.Fatal("no log should be saved when archiving fails")
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	expected := &repository.ExtractionLog{RequestID: "req", Details: "from-db"}
	repo := &stubRepository{findLog: expected}
	uc := newTestUseCase(repo, cache, &stubPool{}, Options{})

	log, err := uc.GetResult(context.Background(), "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetResultReportsPending(t *testing.T) {
	uc := newTestUseCase(&stubRepository{}, &stubCache{getValues: []string{processingMarker}}, &stubPool{}, Options{})

	if _, err := uc.GetResult(context.Background(), "req"); !errors.Is(err, ErrResultPending) {
		t.Fatalf("expected ErrResultPending, got %v", err)
	}
}

func TestGetResultReadsCachedRecord(t *testing.T) {
	cache := &stubCache{}
	repo := &stubRepository{}
	uc := newTestUseCase(repo, cache, &stubPool{backend: &fullMaskBackend{}}, Options{})

	out, err := uc.Extract(context.Background(), &transport.Request{Image: testPNG(t), Points: []segmentation.Point{{X: 1, Y: 1}}}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache.getValues = []string{cache.setValues[len(cache.setValues)-1].(string)}

	log, err := uc.GetResult(context.Background(), out.RequestID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.RequestID != out.RequestID || log.SelectedArea != 9 || !log.Success {
		t.Fatalf("unexpected cached record %+v", log)
	}
	if repo.findCalls != 0 {
		t.Fatal("repository must not be queried on a cache hit")
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{agg: &repository.MetricsAggregation{
		TotalCount:                 4,
		SuccessCount:               3,
		DegenerateCount:            1,
		AverageProcessingLatencyMs: 12.5,
		AverageSelectedRatio:       0.25,
	}}
	uc := newTestUseCase(repo, &stubCache{}, &stubPool{}, Options{})

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.SuccessRate != 0.75 || summary.DegenerateRequests != 1 || summary.AverageSelectedRatio != 0.25 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestGetDuplicateReportLooksUpByHash(t *testing.T) {
	earlier := &repository.ExtractionLog{RequestID: "old", SHA1Hash: "abc"}
	repo := &stubRepository{
		findLog: &repository.ExtractionLog{RequestID: "new", SHA1Hash: "abc"},
		dups:    []*repository.ExtractionLog{earlier},
	}
	uc := newTestUseCase(repo, &stubCache{}, &stubPool{}, Options{})

	report, err := uc.GetDuplicateReport(context.Background(), "new")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.dupHash != "abc" || repo.dupSkip != "new" {
		t.Fatalf("unexpected lookup hash=%q exclude=%q", repo.dupHash, repo.dupSkip)
	}
	if report.Request.RequestID != "new" || len(report.Duplicates) != 1 || report.Duplicates[0] != earlier {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestGetDuplicateReportPropagatesMissingRequest(t *testing.T) {
	repo := &stubRepository{findErr: errors.New("not found")}
	uc := newTestUseCase(repo, &stubCache{}, &stubPool{}, Options{})

	if _, err := uc.GetDuplicateReport(context.Background(), "missing"); err == nil {
		t.Fatal("expected error")
	}
	if repo.dupHash != "" {
		t.Fatal("duplicates must not be queried without the request")
	}
}
