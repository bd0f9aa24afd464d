// Package finetune adapts a copy of the model to one evaluation episode:
// prototype-initialised linear heads tuned on the support set (prototune)
// and proto-MAML. The canonical model is never trained here.
package finetune

import (
	"github.com/pkg/errors"

	"github.com/scttfrdmn/protoclr/internal/nn"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// ErrRestoreFailed means a snapshot no longer fits the model it came from.
// Parameter integrity is lost; the evaluation run must stop.
var ErrRestoreFailed = errors.New("finetune: snapshot restore failed")

// Snapshot is a detached copy of every parameter and buffer value of a
// module, plus each parameter's trainable flag.
type Snapshot struct {
	params    [][]float64
	buffers   [][]float64
	trainable []bool
}

// Take copies the state of m.
func Take(m nn.Module) *Snapshot {
	ps := m.Parameters()
	s := &Snapshot{
		params:    make([][]float64, len(ps)),
		trainable: make([]bool, len(ps)),
	}
	for i, p := range ps {
		s.params[i] = append([]float64(nil), p.Data()...)
		s.trainable[i] = p.RequiresGrad()
	}
	for _, b := range m.Buffers() {
		s.buffers = append(s.buffers, append([]float64(nil), b.Data()...))
	}
	return s
}

// Restore writes the snapshot back into m. Gradients are cleared.
func (s *Snapshot) Restore(m nn.Module) error {
	ps, bs := m.Parameters(), m.Buffers()
	if len(ps) != len(s.params) || len(bs) != len(s.buffers) {
		return errors.Wrapf(ErrRestoreFailed, "snapshot has %d parameters and %d buffers, model %d and %d",
			len(s.params), len(s.buffers), len(ps), len(bs))
	}
	if err := restoreInto(ps, s.params); err != nil {
		return err
	}
	if err := restoreInto(bs, s.buffers); err != nil {
		return err
	}
	for i, p := range ps {
		p.SetRequiresGrad(s.trainable[i])
		p.ZeroGrad()
	}
	return nil
}

func restoreInto(dst []*tensor.Tensor, src [][]float64) error {
	for i, t := range dst {
		if t.Size() != len(src[i]) {
			return errors.Wrapf(ErrRestoreFailed, "tensor %d holds %d values, snapshot %d", i, t.Size(), len(src[i]))
		}
	}
	for i, t := range dst {
		copy(t.Data(), src[i])
	}
	return nil
}
