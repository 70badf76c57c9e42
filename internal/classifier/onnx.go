package classifier

import (
	"context"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/shelfscan/internal/imagecodec"
)

// ONNXModel serves predictions from an ONNX artifact loaded in-process.
// The session and its tensors live for the whole process; inference does
// not mutate the artifact, and thread-safety is whatever the runtime
// guarantees.
type ONNXModel struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	logger       *zap.Logger
}

// NewONNXModel initializes the runtime and creates a session over the
// artifact at artifactPath. Any failure here is a startup failure.
func NewONNXModel(artifactPath string, logger *zap.Logger) (*ONNXModel, error) {
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize onnx runtime: %w", err)
	}

	inputShape := ort.NewShape(1, imagecodec.Size, imagecodec.Size, imagecodec.Channels)
	outputShape := ort.NewShape(1, int64(len(Labels)))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(artifactPath,
		[]string{"input_image"}, []string{OutputKey},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to load model artifact %s: %w", artifactPath, err)
	}

	logger.Info("onnx model loaded", zap.String("artifact", artifactPath))

	return &ONNXModel{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		logger:       logger,
	}, nil
}

// Run copies the input into the session tensor and executes a forward pass.
func (m *ONNXModel) Run(ctx context.Context, input *imagecodec.Tensor) (RawOutput, error) {
	if err := ctx.Err(); err != nil {
		return RawOutput{}, err
	}

	copy(m.inputTensor.GetData(), input.Data)

	if err := m.session.Run(); err != nil {
		return RawOutput{}, fmt.Errorf("inference failed: %w", err)
	}

	out := m.outputTensor.GetData()
	scores := make([]float32, len(out))
	copy(scores, out)

	return RawOutput{Rows: [][]float32{scores}}, nil
}

// Close releases the session and runtime resources.
func (m *ONNXModel) Close() error {
	if m.inputTensor != nil {
		m.inputTensor.Destroy()
	}
	if m.outputTensor != nil {
		m.outputTensor.Destroy()
	}
	if m.session != nil {
		m.session.Destroy()
	}
	return ort.DestroyEnvironment()
}
