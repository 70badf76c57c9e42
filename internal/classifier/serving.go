package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/example/shelfscan/internal/imagecodec"
)

// ServingModel serves predictions from a remote model server speaking the
// TF-Serving REST protocol. The response carries scores either as named
// output tensors or as a bare predictions array.
type ServingModel struct {
	client *resty.Client
	name   string
	logger *zap.Logger
}

// NewServingModel builds a client for the model server at baseURL.
func NewServingModel(baseURL, name string, timeout time.Duration, logger *zap.Logger) *ServingModel {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)
	logger.Info("model serving client configured", zap.String("url", baseURL), zap.String("model", name))
	return &ServingModel{client: client, name: name, logger: logger}
}

type servingRequest struct {
	Instances [][][][]float32 `json:"instances"`
}

type servingResponse struct {
	Outputs     json.RawMessage `json:"outputs"`
	Predictions json.RawMessage `json:"predictions"`
	Error       string          `json:"error"`
}

// Run posts the tensor to the model server's predict endpoint.
func (m *ServingModel) Run(ctx context.Context, input *imagecodec.Tensor) (RawOutput, error) {
	resp, err := m.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(servingRequest{Instances: nestBatch(input)}).
		Post(fmt.Sprintf("/v1/models/%s:predict", m.name))
	if err != nil {
		return RawOutput{}, fmt.Errorf("model server request failed: %w", err)
	}

	if resp.IsError() {
		m.logger.Error("model server returned error",
			zap.Int("status", resp.StatusCode()),
			zap.String("model", m.name))
		// Error bodies are not always JSON (a proxy may answer in plain
		// text), so the status failure wins over any decode failure.
		var payload servingResponse
		if err := json.Unmarshal(resp.Body(), &payload); err == nil && payload.Error != "" {
			return RawOutput{}, fmt.Errorf("model server error: %s", payload.Error)
		}
		return RawOutput{}, fmt.Errorf("model server returned status %d", resp.StatusCode())
	}

	var payload servingResponse
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return RawOutput{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	switch {
	case len(payload.Outputs) > 0:
		return decodeOutputs(payload.Outputs)
	case len(payload.Predictions) > 0:
		return decodeRows(payload.Predictions)
	}
	return RawOutput{}, ErrInvalidOutput
}

// Close is a no-op; the HTTP client holds no long-lived resources.
func (m *ServingModel) Close() error { return nil }

// decodeOutputs accepts either a name-to-rows mapping or a bare batched
// array under "outputs", matching how model servers vary with the number
// of exported output tensors.
func decodeOutputs(raw json.RawMessage) (RawOutput, error) {
	var named map[string][][]float32
	if err := json.Unmarshal(raw, &named); err == nil {
		return RawOutput{Named: named}, nil
	}
	var rows [][]float32
	if err := json.Unmarshal(raw, &rows); err == nil {
		return RawOutput{Rows: rows}, nil
	}
	return RawOutput{}, ErrInvalidOutput
}

func decodeRows(raw json.RawMessage) (RawOutput, error) {
	var rows [][]float32
	if err := json.Unmarshal(raw, &rows); err != nil {
		return RawOutput{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return RawOutput{Rows: rows}, nil
}

// nestBatch reshapes the flat HWC tensor into the nested JSON layout the
// REST protocol expects: (1, Size, Size, Channels).
func nestBatch(t *imagecodec.Tensor) [][][][]float32 {
	rows := make([][][]float32, imagecodec.Size)
	for y := 0; y < imagecodec.Size; y++ {
		cols := make([][]float32, imagecodec.Size)
		for x := 0; x < imagecodec.Size; x++ {
			offset := (y*imagecodec.Size + x) * imagecodec.Channels
			cols[x] = t.Data[offset : offset+imagecodec.Channels]
		}
		rows[y] = cols
	}
	return [][][][]float32{rows}
}
