// Package nn holds the trainable building blocks: layers, the MLP backbone,
// optimizers, learning-rate schedules, losses and input augmentation.
package nn

import (
	"math"
	"math/rand"

	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// Module is anything that owns trainable parameters.
//
// Buffers are non-trainable state that still belongs to the model (running
// statistics). Snapshots must cover both.
type Module interface {
	Parameters() []*tensor.Tensor
	Buffers() []*tensor.Tensor
}

// Encoder maps a batch of flat inputs (N, P) to embeddings (N, D).
type Encoder interface {
	Module
	Forward(x *tensor.Tensor) *tensor.Tensor
	SetTraining(training bool)
	OutDim() int
	CloneEncoder() Encoder
}

// CopyParams deep-copies a parameter list, keeping requiresGrad.
func CopyParams(ps []*tensor.Tensor) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(ps))
	for i, p := range ps {
		out[i] = p.Clone()
	}
	return out
}

// SetRequiresGrad freezes (false) or unfreezes (true) every parameter of m.
func SetRequiresGrad(m Module, v bool) {
	for _, p := range m.Parameters() {
		p.SetRequiresGrad(v)
	}
}

// ===========================================================================
// LINEAR
// ===========================================================================

// Linear is y = x @ W + b.
type Linear struct {
	W *tensor.Tensor // (in, out)
	B *tensor.Tensor // (1, out)
}

// NewLinear initialises W with Glorot-normal values and b with zeros.
func NewLinear(rng *rand.Rand, in, out int) *Linear {
	w := tensor.NewTensorRand(rng, math.Sqrt(2/float64(in+out)), in, out)
	w.SetRequiresGrad(true)
	return &Linear{W: w, B: tensor.NewParam(1, out)}
}

// Forward applies the layer to x (N, in).
func (l *Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.AddRow(tensor.MatMul(x, l.W), l.B)
}

// Parameters returns W and b.
func (l *Linear) Parameters() []*tensor.Tensor { return []*tensor.Tensor{l.W, l.B} }

// Buffers returns nil; Linear has no running state.
func (l *Linear) Buffers() []*tensor.Tensor { return nil }

// Clone returns an independent copy.
func (l *Linear) Clone() *Linear {
	return &Linear{W: l.W.Clone(), B: l.B.Clone()}
}

// ===========================================================================
// LAYER NORM
// ===========================================================================

// LayerNorm normalises each row and applies a learned affine transform.
type LayerNorm struct {
	Gamma *tensor.Tensor
	Beta  *tensor.Tensor
	Eps   float64
}

// NewLayerNorm returns a LayerNorm with gamma = 1 and beta = 0.
func NewLayerNorm(dim int) *LayerNorm {
	g := tensor.NewParam(1, dim)
	for i := range g.Data() {
		g.Data()[i] = 1
	}
	return &LayerNorm{Gamma: g, Beta: tensor.NewParam(1, dim), Eps: 1e-5}
}

func (ln *LayerNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.LayerNorm(x, ln.Gamma, ln.Beta, ln.Eps)
}

func (ln *LayerNorm) Parameters() []*tensor.Tensor { return []*tensor.Tensor{ln.Gamma, ln.Beta} }

func (ln *LayerNorm) Buffers() []*tensor.Tensor { return nil }

func (ln *LayerNorm) Clone() *LayerNorm {
	return &LayerNorm{Gamma: ln.Gamma.Clone(), Beta: ln.Beta.Clone(), Eps: ln.Eps}
}

// ===========================================================================
// BATCH NORM
// ===========================================================================

// BatchNorm normalises each feature column.
//
// In training mode it uses batch statistics and updates the running mean and
// (unbiased) running variance with an exponential moving average. In
// evaluation mode it uses the running statistics only, so a forward pass
// never changes its state.
type BatchNorm struct {
	Gamma       *tensor.Tensor
	Beta        *tensor.Tensor
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
	Momentum    float64
	Eps         float64

	training bool
}

// NewBatchNorm returns a BatchNorm in training mode.
func NewBatchNorm(dim int) *BatchNorm {
	g := tensor.NewParam(1, dim)
	rv := tensor.NewTensor(1, dim)
	for i := 0; i < dim; i++ {
		g.Data()[i] = 1
		rv.Data()[i] = 1
	}
	return &BatchNorm{
		Gamma:       g,
		Beta:        tensor.NewParam(1, dim),
		RunningMean: tensor.NewTensor(1, dim),
		RunningVar:  rv,
		Momentum:    0.1,
		Eps:         1e-5,
		training:    true,
	}
}

// SetTraining switches between batch statistics and running statistics.
func (bn *BatchNorm) SetTraining(training bool) { bn.training = training }

// Training reports the current mode.
func (bn *BatchNorm) Training() bool { return bn.training }

func (bn *BatchNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	n := x.Rows()
	if bn.training && n > 1 {
		out, mean, variance := tensor.BatchNorm(x, bn.Gamma, bn.Beta, bn.Eps)
		unbias := float64(n) / float64(n-1)
		rm, rv := bn.RunningMean.Data(), bn.RunningVar.Data()
		for j := range rm {
			rm[j] = (1-bn.Momentum)*rm[j] + bn.Momentum*mean[j]
			rv[j] = (1-bn.Momentum)*rv[j] + bn.Momentum*variance[j]*unbias
		}
		return out
	}

	// y = (x - mean) * invStd * gamma + beta, with mean/invStd constant.
	dim := x.Cols()
	shift := tensor.NewTensor(1, dim)
	invStd := tensor.NewTensor(1, dim)
	for j := 0; j < dim; j++ {
		shift.Data()[j] = -bn.RunningMean.Data()[j]
		invStd.Data()[j] = 1 / math.Sqrt(bn.RunningVar.Data()[j]+bn.Eps)
	}
	xhat := tensor.MulRow(tensor.AddRow(x, shift), invStd)
	return tensor.AddRow(tensor.MulRow(xhat, bn.Gamma), bn.Beta)
}

func (bn *BatchNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.Gamma, bn.Beta}
}

func (bn *BatchNorm) Buffers() []*tensor.Tensor {
	return []*tensor.Tensor{bn.RunningMean, bn.RunningVar}
}

func (bn *BatchNorm) Clone() *BatchNorm {
	return &BatchNorm{
		Gamma:       bn.Gamma.Clone(),
		Beta:        bn.Beta.Clone(),
		RunningMean: bn.RunningMean.Clone(),
		RunningVar:  bn.RunningVar.Clone(),
		Momentum:    bn.Momentum,
		Eps:         bn.Eps,
		training:    bn.training,
	}
}
