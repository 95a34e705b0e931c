package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/example/segmask/internal/imagecodec"
	"github.com/example/segmask/internal/repository"
	"github.com/example/segmask/internal/segmentation"
	"github.com/example/segmask/internal/transport"
	"github.com/example/segmask/internal/usecase"
)

// MaxUploadSize is the default request body limit.
const MaxUploadSize = 20 << 20

// ExtractionService is the use case surface served over HTTP.
type ExtractionService interface {
	Extract(ctx context.Context, req *transport.Request, filename string) (*usecase.Extraction, error)
	GetResult(ctx context.Context, requestID string) (*repository.ExtractionLog, error)
	GetDuplicateReport(ctx context.Context, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Limits bounds incoming requests.
type Limits struct {
	MaxUploadSize  int64
	DefaultMinArea int
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc ExtractionService, limits Limits) {
	if limits.MaxUploadSize <= 0 {
		limits.MaxUploadSize = MaxUploadSize
	}

	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", health)
	router.GET("/healthz", health)

	router.POST("/process", func(c *gin.Context) {
		if c.Request.ContentLength > limits.MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limits.MaxUploadSize)

		mediaType, _, err := mime.ParseMediaType(c.GetHeader("Content-Type"))
		if err != nil {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "content type is required"})
			return
		}

		var (
			req      *transport.Request
			filename string
			zipped   bool
		)
		switch mediaType {
		case "multipart/form-data":
			if err = c.Request.ParseMultipartForm(limits.MaxUploadSize); err == nil {
				req, filename, err = transport.DecodeMultipart(c.Request.MultipartForm, limits.DefaultMinArea)
			}
		case transport.ContentTypeZip, "application/x-zip-compressed":
			zipped = true
			var body []byte
			if body, err = io.ReadAll(c.Request.Body); err == nil {
				req, err = transport.DecodeZipBundle(body, limits.DefaultMinArea)
			}
		case "application/json":
			var body []byte
			if body, err = io.ReadAll(c.Request.Body); err == nil {
				req, err = transport.DecodeJSON(body, limits.DefaultMinArea)
			}
		default:
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type " + mediaType})
			return
		}
		if err != nil {
			writeError(c, err)
			return
		}

		extraction, err := uc.Extract(c.Request.Context(), req, filename)
		if err != nil {
			writeError(c, err)
			return
		}

		c.Header("X-Request-ID", extraction.RequestID)
		if zipped {
			bundle, err := transport.EncodeZipBundle(extraction.Response())
			if err != nil {
				writeError(c, err)
				return
			}
			c.Data(http.StatusOK, transport.ContentTypeZip, bundle)
			return
		}
		c.JSON(http.StatusOK, transport.NewJSONResponse(extraction.Response()))
	})

	router.GET("/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		log, err := uc.GetResult(c.Request.Context(), requestID)
		switch {
		case errors.Is(err, usecase.ErrResultPending):
			c.JSON(http.StatusAccepted, gin.H{"request_id": requestID, "status": "processing"})
			return
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		case err != nil:
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":            log.RequestID,
			"sha1_hash":             log.SHA1Hash,
			"width":                 log.Width,
			"height":                log.Height,
			"point_count":           log.PointCount,
			"min_area":              log.MinArea,
			"selected_area":         log.SelectedArea,
			"degenerate":            log.Degenerate,
			"success":               log.Success,
			"details":               log.Details,
			"result_url":            log.ResultURL,
			"mask_url":              log.MaskURL,
			"processing_latency_ms": log.ProcessingLatencyMs,
			"created_at":            log.CreatedAt,
		})
	})

	router.GET("/duplicates/:id", func(c *gin.Context) {
		report, err := uc.GetDuplicateReport(c.Request.Context(), c.Param("id"))
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		case err != nil:
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load duplicates"})
			return
		}

		duplicates := make([]gin.H, 0, len(report.Duplicates))
		for _, d := range report.Duplicates {
			duplicates = append(duplicates, gin.H{
				"request_id":    d.RequestID,
				"point_count":   d.PointCount,
				"selected_area": d.SelectedArea,
				"success":       d.Success,
				"created_at":    d.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id": report.Request.RequestID,
			"sha1_hash":  report.Request.SHA1Hash,
			"duplicates": duplicates,
		})
	})

	router.GET("/metrics", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func writeError(c *gin.Context, err error) {
	c.Error(err)

	var (
		tooLarge   *http.MaxBytesError
		decodeErr  *imagecodec.DecodeError
		backendErr *segmentation.BackendError
	)
	switch {
	case errors.As(err, &tooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
	case errors.Is(err, transport.ErrUnsupportedMediaType):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
	case errors.Is(err, transport.ErrInvalidRequest), errors.As(err, &decodeErr),
		errors.Is(err, segmentation.ErrOutOfBounds):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &backendErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, segmentation.ErrPoolClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "segmentation backend unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
