package nn

import (
	"math/rand"

	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// Augmenter produces a perturbed view of a batch of flat inputs: additive
// Gaussian noise followed by feature dropout. Views are plain data, never
// part of the autograd tape.
type Augmenter struct {
	NoiseStd float64
	DropProb float64
	rng      *rand.Rand
}

// NewAugmenter returns an augmenter drawing from rng.
func NewAugmenter(rng *rand.Rand, noiseStd, dropProb float64) *Augmenter {
	return &Augmenter{NoiseStd: noiseStd, DropProb: dropProb, rng: rng}
}

// View returns an augmented copy of x.
func (a *Augmenter) View(x *tensor.Tensor) *tensor.Tensor {
	out := x.Detach().Clone()
	data := out.Data()
	for i := range data {
		if a.DropProb > 0 && a.rng.Float64() < a.DropProb {
			data[i] = 0
			continue
		}
		data[i] += a.NoiseStd * a.rng.NormFloat64()
	}
	return out
}
