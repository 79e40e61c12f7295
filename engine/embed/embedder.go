package embed

import (
	"context"
	"math"
)

// ModelLimits documents a model's batching and input constraints.
type ModelLimits struct {
	// MaxBatchSize is the largest number of texts accepted per call.
	MaxBatchSize int
	// MaxInputChars is the largest input length per text; longer inputs are
	// truncated before the call.
	MaxInputChars int
	// Dim is the output dimensionality.
	Dim int
}

// Embedder is the consumed embedding-model interface.
type Embedder interface {
	Embed(ctx context.Context, texts []string, modelID string) ([][]float32, error)
	Limits(modelID string) ModelLimits
}

// normalizeL2 scales a vector to unit L2 norm in place. Zero vectors are left
// untouched.
func normalizeL2(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

// normalizeMinMax rescales components to [0,1] in place. Constant vectors are
// left untouched.
func normalizeMinMax(v []float32) {
	if len(v) == 0 {
		return
	}
	lo, hi := v[0], v[0]
	for _, x := range v[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	if hi == lo {
		return
	}
	span := hi - lo
	for i := range v {
		v[i] = (v[i] - lo) / span
	}
}
