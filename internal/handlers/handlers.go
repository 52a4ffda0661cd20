package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/ripeness-api/internal/usecase"
)

// DefaultMaxRequestBytes caps the JSON body of an inference request.
const DefaultMaxRequestBytes = 20 << 20

// ImageField is the request field carrying the base64 image.
const ImageField = "image_base64"

type inferenceRequest struct {
	ImageBase64 *string `json:"image_base64"`
}

// Options configure the routes.
type Options struct {
	MaxRequestBytes int64
	// Auth guards the inference route. Nil means no authentication.
	Auth gin.HandlerFunc
}

// RegisterRoutes wires the HTTP handlers to the Gin router. metrics may be
// nil when no audit store is configured.
func RegisterRoutes(router *gin.Engine, uc *usecase.InferenceUseCase, metrics *usecase.MetricsUseCase, opts Options) {
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = DefaultMaxRequestBytes
	}
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	infer := func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxRequestBytes)

		var req inferenceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}
		if req.ImageBase64 == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing key: " + ImageField})
			return
		}

		outcome := uc.Run(c.Request.Context(), *req.ImageBase64)
		c.Header("X-Request-ID", outcome.RequestID)
		c.JSON(http.StatusOK, gin.H{"results": outcome})
	}
	if opts.Auth != nil {
		router.POST("/", opts.Auth, infer)
	} else {
		router.POST("/", infer)
	}

	router.GET("/metrics", func(c *gin.Context) {
		if metrics == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics are not enabled"})
			return
		}
		summary, err := metrics.GetMetricsSummary(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}
