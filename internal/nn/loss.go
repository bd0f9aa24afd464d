package nn

import (
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// LossFn scores logits (B, C) against integer targets and returns a scalar.
type LossFn func(logits *tensor.Tensor, targets []int) *tensor.Tensor

// CrossEntropy is the default LossFn: mean softmax cross-entropy.
func CrossEntropy(logits *tensor.Tensor, targets []int) *tensor.Tensor {
	return tensor.CrossEntropy(logits, targets)
}

// SupConTemperature is the default supervised contrastive temperature.
const SupConTemperature = 0.1

// SupCon is the supervised contrastive loss over L2-normalised embeddings.
//
// For each anchor i with at least one positive (same label, j ≠ i):
//
//	ℓ_i = -1/|P(i)| Σ_{p∈P(i)} log( exp(s_ip/τ) / Σ_{a≠i} exp(s_ia/τ) )
//
// The loss is the mean of ℓ_i over those anchors. A batch without any
// positive pair yields a constant zero.
func SupCon(z *tensor.Tensor, labels []int, temperature float64) *tensor.Tensor {
	n := z.Rows()
	self := make([]bool, n*n)
	for i := 0; i < n; i++ {
		self[i*n+i] = true
	}

	weights := make([]float64, n*n)
	anchors := 0
	for i := 0; i < n; i++ {
		pos := 0
		for j := 0; j < n; j++ {
			if j != i && labels[j] == labels[i] {
				pos++
			}
		}
		if pos == 0 {
			continue
		}
		anchors++
		for j := 0; j < n; j++ {
			if j != i && labels[j] == labels[i] {
				weights[i*n+j] = -1 / float64(pos)
			}
		}
	}
	if anchors == 0 {
		return tensor.NewTensor(1, 1)
	}
	for i := range weights {
		weights[i] /= float64(anchors)
	}

	zn := tensor.NormalizeRows(z, 1e-12)
	sim := tensor.Scale(tensor.MatMulT(zn, zn), 1/temperature)
	logProb := tensor.MaskedLogSoftmaxRows(sim, self)
	return tensor.WeightedSum(logProb, weights)
}
