package nn

import (
	"math/rand"

	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// MLPEncoder is the default backbone: [Linear → BatchNorm → ReLU] per hidden
// width, then a Linear projection to the embedding size.
type MLPEncoder struct {
	Hidden []*Linear
	Norms  []*BatchNorm
	Out    *Linear
}

// NewMLPEncoder builds an encoder from inDim through hidden widths to outDim.
func NewMLPEncoder(rng *rand.Rand, inDim int, hidden []int, outDim int) *MLPEncoder {
	e := &MLPEncoder{}
	prev := inDim
	for _, h := range hidden {
		e.Hidden = append(e.Hidden, NewLinear(rng, prev, h))
		e.Norms = append(e.Norms, NewBatchNorm(h))
		prev = h
	}
	e.Out = NewLinear(rng, prev, outDim)
	return e
}

// Forward embeds x (N, inDim) into (N, outDim).
func (e *MLPEncoder) Forward(x *tensor.Tensor) *tensor.Tensor {
	h := x
	for i, l := range e.Hidden {
		h = tensor.ReLU(e.Norms[i].Forward(l.Forward(h)))
	}
	return e.Out.Forward(h)
}

func (e *MLPEncoder) Parameters() []*tensor.Tensor {
	var ps []*tensor.Tensor
	for i, l := range e.Hidden {
		ps = append(ps, l.Parameters()...)
		ps = append(ps, e.Norms[i].Parameters()...)
	}
	return append(ps, e.Out.Parameters()...)
}

func (e *MLPEncoder) Buffers() []*tensor.Tensor {
	var bs []*tensor.Tensor
	for _, n := range e.Norms {
		bs = append(bs, n.Buffers()...)
	}
	return bs
}

// SetTraining switches every BatchNorm layer.
func (e *MLPEncoder) SetTraining(training bool) {
	for _, n := range e.Norms {
		n.SetTraining(training)
	}
}

func (e *MLPEncoder) OutDim() int { return e.Out.W.Shape()[1] }

func (e *MLPEncoder) CloneEncoder() Encoder {
	c := &MLPEncoder{Out: e.Out.Clone()}
	for i, l := range e.Hidden {
		c.Hidden = append(c.Hidden, l.Clone())
		c.Norms = append(c.Norms, e.Norms[i].Clone())
	}
	return c
}
