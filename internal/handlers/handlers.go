package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/liveness-check/internal/apperrors"
	"github.com/example/liveness-check/internal/auth"
	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/logging"
	"github.com/example/liveness-check/internal/pipeline"
	"github.com/example/liveness-check/internal/quality"
	"github.com/example/liveness-check/internal/repository"
	"github.com/example/liveness-check/internal/usecase"
)

// MaxUploadSize bounds the accepted image part.
const MaxUploadSize = 10 << 20

// multipartOverhead is the body slack allowed on top of MaxUploadSize for
// boundaries and part headers.
const multipartOverhead = 64 << 10

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/webp": true,
}

// LivenessService is the use case surface served over HTTP.
type LivenessService interface {
	CheckLiveness(ctx context.Context, clientID string, imageBytes []byte) (*usecase.CheckResult, error)
	CheckQuality(ctx context.Context, imageBytes []byte) (quality.Score, error)
	GetResult(ctx context.Context, clientID, requestID string) (*repository.LivenessLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Routes under /v1
// require authMiddleware.
func RegisterRoutes(router *gin.Engine, svc LivenessService, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": pipeline.GetVersion()})
	})

	v1 := router.Group("/v1", authMiddleware)

	v1.POST("/liveness", func(c *gin.Context) {
		clientID, ok := auth.GetClientID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		data, ok := readImage(c)
		if !ok {
			return
		}

		result, err := svc.CheckLiveness(c.Request.Context(), clientID, data)
		if err != nil {
			respondError(c, err)
			return
		}

		verdict := result.Verdict
		c.JSON(http.StatusOK, gin.H{
			"request_id":     result.RequestID,
			"prediction":     verdict.Prediction,
			"is_live":        verdict.Prediction == liveness.Live,
			"confidence":     verdict.Confidence,
			"quality":        verdict.Quality,
			"failure_reason": verdict.FailureReason,
			"latency_ms":     result.LatencyMs,
		})
	})

	v1.POST("/quality", func(c *gin.Context) {
		data, ok := readImage(c)
		if !ok {
			return
		}

		score, err := svc.CheckQuality(c.Request.Context(), data)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"quality":    score,
			"acceptable": score.Acceptable(),
		})
	})

	v1.GET("/results/:id", func(c *gin.Context) {
		clientID, ok := auth.GetClientID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		log, err := svc.GetResult(c.Request.Context(), clientID, requestID)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":      log.RequestID,
			"prediction":      log.Prediction,
			"confidence":      log.Confidence,
			"quality_overall": log.QualityOverall,
			"failure_reason":  log.FailureReason,
			"sha1_hash":       log.SHA1Hash,
			"latency_ms":      log.LatencyMs,
			"created_at":      log.CreatedAt,
		})
	})

	v1.GET("/metrics", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// readImage extracts the "image" multipart part. On failure it writes the
// response and returns false.
func readImage(c *gin.Context) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return nil, false
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
		return nil, false
	}
	if !allowedContentTypes[file.Header.Get("Content-Type")] {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type"})
		return nil, false
	}

	data, err := readPart(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, false
	}
	return data, true
}

func readPart(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

func respondError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	if requestID, ok := logging.RequestID(err); ok {
		body["request_id"] = requestID
	}
	c.JSON(statusFor(err), body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrInvalidImage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrInferenceFailure):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
