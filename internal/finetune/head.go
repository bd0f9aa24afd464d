package finetune

import (
	"github.com/scttfrdmn/protoclr/internal/nn"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// NewHead returns a linear layer that scores like a squared-Euclidean
// prototype classifier:
//
//	x·(2p) - ‖p‖² = -‖x - p‖² + ‖x‖²
//
// and ‖x‖² is constant across classes, so arg-max agrees with the nearest
// prototype. protos is (ways, D); the head maps (N, D) to (N, ways).
func NewHead(protos *tensor.Tensor) *nn.Linear {
	ways, dim := protos.Rows(), protos.Cols()
	w := tensor.NewParam(dim, ways)
	b := tensor.NewParam(1, ways)
	p := protos.Data()
	for c := 0; c < ways; c++ {
		norm := 0.0
		for d := 0; d < dim; d++ {
			v := p[c*dim+d]
			w.Data()[d*ways+c] = 2 * v
			norm += v * v
		}
		b.Data()[c] = -norm
	}
	return &nn.Linear{W: w, B: b}
}

// Result is the outcome of one evaluation episode.
type Result struct {
	Loss     float64
	Accuracy float64
}

func score(logits *tensor.Tensor, labels []int) Result {
	loss := tensor.CrossEntropy(logits, labels)
	pred := tensor.ArgmaxRows(logits)
	hit := 0
	for i, c := range pred {
		if c == labels[i] {
			hit++
		}
	}
	return Result{Loss: loss.Item(), Accuracy: float64(hit) / float64(len(labels))}
}
