package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/shelfscan/internal/classifier"
	"github.com/example/shelfscan/internal/repository"
	"github.com/example/shelfscan/internal/usecase"
)

// PredictionService exposes the subset of the use case the HTTP layer needs.
type PredictionService interface {
	Classify(ctx context.Context, imageData string) (string, []classifier.Prediction, error)
	GetResult(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

type predictRequest struct {
	ImageData string `json:"image_data"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
//
// Every pipeline or inference failure on /predict is reported uniformly as
// a 500 with an error body, matching the service's long-standing contract.
func RegisterRoutes(router *gin.Engine, svc PredictionService, logger *zap.Logger) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/predict", func(c *gin.Context) {
		var req predictRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.Error("failed to parse predict request", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		requestID, predictions, err := svc.Classify(c.Request.Context(), req.ImageData)
		if err != nil {
			logger.Error("prediction failed",
				zap.String("request_id", requestID),
				zap.Error(err),
				zap.Stack("stack"))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.Header("X-Request-Id", requestID)
		c.JSON(http.StatusOK, gin.H{"predictions": predictions})
	})

	router.GET("/predictions/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		log, err := svc.GetResult(c.Request.Context(), requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}

		var predictions json.RawMessage
		if log.Predictions != "" {
			predictions = json.RawMessage(log.Predictions)
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":      log.RequestID,
			"image_sha1":      log.ImageSHA1,
			"top_class":       log.TopClass,
			"top_probability": log.TopProbability,
			"predictions":     predictions,
			"latency_ms":      log.LatencyMs,
			"created_at":      log.CreatedAt,
		})
	})

	router.GET("/metrics", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			logger.Error("failed to aggregate metrics", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}
