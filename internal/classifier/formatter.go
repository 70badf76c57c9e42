package classifier

import (
	"errors"
	"fmt"
	"sort"
)

// OutputKey is the named output tensor carrying the class scores.
const OutputKey = "output_0"

var (
	ErrMissingOutput = errors.New(`missing "output_0" in model output`)
	ErrInvalidOutput = errors.New("model output is not a numeric array")
)

// Format resolves a raw model output to its score array, pairs each score
// with the label at the same index, and sorts descending by probability.
// Ties keep the original label order.
func Format(raw RawOutput, labels []string) ([]Prediction, error) {
	rows := raw.Rows
	if raw.Named != nil {
		var ok bool
		rows, ok = raw.Named[OutputKey]
		if !ok {
			return nil, ErrMissingOutput
		}
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, ErrInvalidOutput
	}

	scores := rows[0]
	if len(scores) != len(labels) {
		return nil, fmt.Errorf("model returned %d scores for %d labels", len(scores), len(labels))
	}

	predictions := make([]Prediction, len(scores))
	for i, score := range scores {
		predictions[i] = Prediction{Class: labels[i], Probability: float64(score)}
	}

	sort.SliceStable(predictions, func(i, j int) bool {
		return predictions[i].Probability > predictions[j].Probability
	})

	return predictions, nil
}
