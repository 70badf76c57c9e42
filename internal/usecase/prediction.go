package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/shelfscan/internal/classifier"
	"github.com/example/shelfscan/internal/imagecodec"
	"github.com/example/shelfscan/internal/logging"
	"github.com/example/shelfscan/internal/repository"
)

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// PredictionUseCase orchestrates decoding, inference, persistence, and caching.
type PredictionUseCase struct {
	repo           PredictionRepository
	cache          Cache
	model          classifier.Model
	logger         *zap.Logger
	resultTTL      time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type cachedPrediction struct {
	RequestID   string                  `json:"request_id"`
	ImageSHA1   string                  `json:"image_sha1"`
	Predictions []classifier.Prediction `json:"predictions"`
	LatencyMs   int64                   `json:"latency_ms"`
	CreatedAt   time.Time               `json:"created_at"`
}

// NewPredictionUseCase constructs a new use case instance.
func NewPredictionUseCase(repo PredictionRepository, cache Cache, model classifier.Model, logger *zap.Logger, resultTTL time.Duration) *PredictionUseCase {
	if resultTTL <= 0 {
		resultTTL = 5 * time.Minute
	}
	return &PredictionUseCase{
		repo:           repo,
		cache:          cache,
		model:          model,
		logger:         logger.Named("prediction_usecase"),
		resultTTL:      resultTTL,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Classify runs the full pipeline for one request: decode the payload,
// run inference, shape the scores, persist the outcome, and cache it.
// An image already classified recently is served from the cache.
func (uc *PredictionUseCase) Classify(ctx context.Context, imageData string) (string, []classifier.Prediction, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID)

	raw, err := imagecodec.DecodePayload(imageData)
	if err != nil {
		opLogger.Error("failed to decode image payload", zap.Error(err))
		return "", nil, logging.NewOperationError("usecase.decode_payload", requestID, err)
	}

	digest := sha1.Sum(raw)
	imageSHA1 := hex.EncodeToString(digest[:])

	if cachedValue, err := uc.withRedisGet(ctx, requestID, "cache.get.image", imageKey(imageSHA1)); err == nil {
		var payload cachedPrediction
		if jsonErr := json.Unmarshal([]byte(cachedValue), &payload); jsonErr == nil && len(payload.Predictions) == len(classifier.Labels) {
			// Hand back the request id the result is actually stored under,
			// so a follow-up lookup resolves.
			if payload.RequestID != "" {
				requestID = payload.RequestID
			}
			opLogger.Info("served from image cache",
				zap.String("image_sha1", imageSHA1),
				zap.String("cached_request_id", requestID))
			return requestID, payload.Predictions, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read image cache", zap.Error(err))
	}

	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, resultKey(requestID), "processing", time.Minute)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return "", nil, err
	}

	tensor, err := imagecodec.ToTensor(raw)
	if err != nil {
		opLogger.Error("failed to build input tensor", zap.Error(err))
		return "", nil, logging.NewOperationError("usecase.build_tensor", requestID, err)
	}

	start := time.Now()
	rawOutput, err := uc.model.Run(ctx, tensor)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.model_run", requestID, err)
		opLogger.Error("inference failed", zap.Error(wrapped))
		return "", nil, wrapped
	}

	predictions, err := classifier.Format(rawOutput, classifier.Labels)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.format_output", requestID, err)
		opLogger.Error("failed to format model output", zap.Error(wrapped))
		return "", nil, wrapped
	}
	latency := time.Since(start)

	serializedPredictions, err := json.Marshal(predictions)
	if err != nil {
		opLogger.Error("failed to serialize predictions", zap.Error(err))
		return "", nil, err
	}

	log := &repository.PredictionLog{
		RequestID:      requestID,
		ImageSHA1:      imageSHA1,
		TopClass:       predictions[0].Class,
		TopProbability: predictions[0].Probability,
		Predictions:    string(serializedPredictions),
		LatencyMs:      latency.Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist prediction log", zap.Error(wrapped))
		return "", nil, wrapped
	}

	cached := cachedPrediction{
		RequestID:   requestID,
		ImageSHA1:   imageSHA1,
		Predictions: predictions,
		LatencyMs:   log.LatencyMs,
		CreatedAt:   log.CreatedAt,
	}
	serialized, err := json.Marshal(cached)
	if err != nil {
		opLogger.Error("failed to serialize cached result", zap.Error(err))
		return "", nil, err
	}

	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultKey(requestID), string(serialized), uc.resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache prediction result", zap.Error(err))
		return "", nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.image", func() error {
		return uc.cache.Set(ctx, imageKey(imageSHA1), string(serialized), uc.resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache by image digest", zap.Error(err))
	}

	opLogger.Info("prediction complete",
		zap.String("top_class", log.TopClass),
		zap.Float64("top_probability", log.TopProbability),
		zap.Int64("latency_ms", log.LatencyMs))

	return requestID, predictions, nil
}

// GetResult retrieves a cached prediction outcome or loads it from persistence.
func (uc *PredictionUseCase) GetResult(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	if cachedValue, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID)); err == nil {
		var payload cachedPrediction
		if jsonErr := json.Unmarshal([]byte(cachedValue), &payload); jsonErr != nil {
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(jsonErr))
		} else if len(payload.Predictions) > 0 {
			serialized, _ := json.Marshal(payload.Predictions)
			return &repository.PredictionLog{
				RequestID:      payload.RequestID,
				ImageSHA1:      payload.ImageSHA1,
				TopClass:       payload.Predictions[0].Class,
				TopProbability: payload.Predictions[0].Probability,
				Predictions:    string(serialized),
				LatencyMs:      payload.LatencyMs,
				CreatedAt:      payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestID(ctx, requestID)
}

func (uc *PredictionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *PredictionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
