package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/shelfscan/internal/classifier"
	"github.com/example/shelfscan/internal/imagecodec"
	"github.com/example/shelfscan/internal/logging"
	"github.com/example/shelfscan/internal/repository"
)

type stubRepository struct {
	savedLogs []*repository.PredictionLog
	saveErr   error
	findLog   *repository.PredictionLog
	findErr   error
	findCalls int
	agg       *repository.MetricsAggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.PredictionLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.agg != nil {
		return s.agg, nil
	}
	return &repository.MetricsAggregation{}, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
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

type stubModel struct {
	raw   classifier.RawOutput
	err   error
	calls int
}

func (s *stubModel) Run(ctx context.Context, input *imagecodec.Tensor) (classifier.RawOutput, error) {
	s.calls++
	if s.err != nil {
		return classifier.RawOutput{}, s.err
	}
	return s.raw, nil
}

func (s *stubModel) Close() error { return nil }

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func testImagePayload(t *testing.T) string {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 90, G: 90, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func sixScores() classifier.RawOutput {
	return classifier.RawOutput{Rows: [][]float32{{0.05, 0.6, 0.1, 0.02, 0.2, 0.03}}}
}

func TestClassifyRetriesRedisSet(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	repo := &stubRepository{}
	model := &stubModel{raw: sixScores()}
	uc := NewPredictionUseCase(repo, cache, model, zap.NewNop(), 0)
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond

	requestID, predictions, err := uc.Classify(context.Background(), testImagePayload(t))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if requestID == "" {
		t.Fatal("expected a request id")
	}
	if len(predictions) != len(classifier.Labels) {
		t.Fatalf("expected %d predictions, got %d", len(classifier.Labels), len(predictions))
	}
	if predictions[0].Class != "Prima_noodles" {
		t.Fatalf("expected Prima_noodles first, got %s", predictions[0].Class)
	}
	if len(cache.setKeys) < 3 {
		t.Fatalf("expected at least 3 cache set calls (retry + result + image), got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected log to be saved, got %d entries", len(repo.savedLogs))
	}
	if repo.savedLogs[0].TopClass != "Prima_noodles" {
		t.Fatalf("unexpected persisted top class: %s", repo.savedLogs[0].TopClass)
	}
}

func TestClassifyReturnsOperationErrorOnCacheFailure(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	repo := &stubRepository{}
	model := &stubModel{raw: sixScores()}
	uc := NewPredictionUseCase(repo, cache, model, zap.NewNop(), 0)

	_, _, err := uc.Classify(context.Background(), testImagePayload(t))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.processing" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestClassifyRejectsMissingImageData(t *testing.T) {
	cache := &stubCache{}
	model := &stubModel{raw: sixScores()}
	uc := NewPredictionUseCase(&stubRepository{}, cache, model, zap.NewNop(), 0)

	_, _, err := uc.Classify(context.Background(), "")
	if !errors.Is(err, imagecodec.ErrMissingImageData) {
		t.Fatalf("expected ErrMissingImageData, got %v", err)
	}
	if model.calls != 0 {
		t.Fatalf("model should not be invoked, got %d calls", model.calls)
	}
	if len(cache.setKeys) != 0 {
		t.Fatalf("cache should not be written, got keys %v", cache.setKeys)
	}
}

func TestClassifyServesFromImageCache(t *testing.T) {
	predictions := []classifier.Prediction{
		{Class: "Prima_noodles", Probability: 0.6},
		{Class: "Signal_toothbrush", Probability: 0.2},
		{Class: "Raigam_soya_meat", Probability: 0.1},
		{Class: "Comfort_fabric_conditioner", Probability: 0.05},
		{Class: "Vim_dishwash_bar", Probability: 0.03},
		{Class: "Safe_guard_soap", Probability: 0.02},
	}
	serialized, err := json.Marshal(cachedPrediction{
		RequestID:   "earlier-request",
		Predictions: predictions,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to serialize cached prediction: %v", err)
	}

	cache := &stubCache{getValues: []string{string(serialized)}}
	model := &stubModel{raw: sixScores()}
	uc := NewPredictionUseCase(&stubRepository{}, cache, model, zap.NewNop(), 0)

	requestID, got, err := uc.Classify(context.Background(), testImagePayload(t))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if model.calls != 0 {
		t.Fatalf("expected cache hit to skip inference, got %d model calls", model.calls)
	}
	if len(got) != len(predictions) || got[0].Class != predictions[0].Class {
		t.Fatalf("unexpected predictions from cache: %v", got)
	}
	if requestID != "earlier-request" {
		t.Fatalf("expected the cached request id, got %s", requestID)
	}
}

// mapCache is a minimal in-memory Cache with redis miss semantics.
type mapCache struct{ values map[string]string }

func (c *mapCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if c.values == nil {
		c.values = make(map[string]string)
	}
	if s, ok := value.(string); ok {
		c.values[key] = s
	}
	return nil
}

func (c *mapCache) Get(ctx context.Context, key string) (string, error) {
	if v, ok := c.values[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func TestGetResultResolvesAfterImageCacheHit(t *testing.T) {
	cache := &mapCache{}
	repo := &stubRepository{findErr: errors.New("not found")}
	model := &stubModel{raw: sixScores()}
	uc := NewPredictionUseCase(repo, cache, model, zap.NewNop(), time.Minute)

	payload := testImagePayload(t)

	firstID, _, err := uc.Classify(context.Background(), payload)
	if err != nil {
		t.Fatalf("first classify failed: %v", err)
	}
	if model.calls != 1 {
		t.Fatalf("expected 1 model call, got %d", model.calls)
	}

	secondID, _, err := uc.Classify(context.Background(), payload)
	if err != nil {
		t.Fatalf("second classify failed: %v", err)
	}
	if model.calls != 1 {
		t.Fatalf("expected cache hit to skip inference, got %d model calls", model.calls)
	}
	if secondID != firstID {
		t.Fatalf("expected cached request id %s, got %s", firstID, secondID)
	}

	log, err := uc.GetResult(context.Background(), secondID)
	if err != nil {
		t.Fatalf("result lookup for returned request id failed: %v", err)
	}
	if log.RequestID != firstID {
		t.Fatalf("expected log for %s, got %s", firstID, log.RequestID)
	}
}

func TestClassifyWrapsModelError(t *testing.T) {
	cache := &stubCache{}
	model := &stubModel{err: errors.New("session exploded")}
	uc := NewPredictionUseCase(&stubRepository{}, cache, model, zap.NewNop(), 0)

	_, _, err := uc.Classify(context.Background(), testImagePayload(t))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "usecase.model_run" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestClassifySurfacesMissingNamedOutput(t *testing.T) {
	cache := &stubCache{}
	model := &stubModel{raw: classifier.RawOutput{Named: map[string][][]float32{
		"logits": {{0.1, 0.2, 0.3, 0.15, 0.05, 0.2}},
	}}}
	uc := NewPredictionUseCase(&stubRepository{}, cache, model, zap.NewNop(), 0)

	_, _, err := uc.Classify(context.Background(), testImagePayload(t))
	if !errors.Is(err, classifier.ErrMissingOutput) {
		t.Fatalf("expected ErrMissingOutput, got %v", err)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	expected := &repository.PredictionLog{RequestID: "req", TopClass: "Prima_noodles"}
	repo := &stubRepository{findLog: expected}
	uc := NewPredictionUseCase(repo, cache, &stubModel{raw: sixScores()}, zap.NewNop(), 0)

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

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{agg: &repository.MetricsAggregation{
		TotalCount:         10,
		AverageProbability: 0.42,
		AverageLatencyMs:   120,
	}}
	uc := NewPredictionUseCase(repo, &stubCache{}, &stubModel{}, zap.NewNop(), 0)

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if summary.TotalRequests != 10 || summary.AverageTopProbability != 0.42 || summary.AverageLatencyMs != 120 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}
