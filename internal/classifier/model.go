// Package classifier runs the pre-trained product classifier and shapes its
// raw scores into labeled predictions.
package classifier

import (
	"context"

	"github.com/example/shelfscan/internal/imagecodec"
)

// Labels is the fixed class ordering the model was trained with. The index
// of each label matches the index of its score in the model output.
var Labels = []string{
	"Comfort_fabric_conditioner",
	"Prima_noodles",
	"Raigam_soya_meat",
	"Safe_guard_soap",
	"Signal_toothbrush",
	"Vim_dishwash_bar",
}

// RawOutput is the untyped result of a forward pass. Depending on the
// backend the scores arrive either under named output tensors or as a bare
// batched array; exactly one of Named or Rows is set.
type RawOutput struct {
	Named map[string][][]float32
	Rows  [][]float32
}

// Model runs a forward pass over a preprocessed input tensor.
type Model interface {
	Run(ctx context.Context, input *imagecodec.Tensor) (RawOutput, error)
	Close() error
}

// Prediction pairs a class label with its probability.
type Prediction struct {
	Class       string  `json:"class"`
	Probability float64 `json:"probability"`
}
