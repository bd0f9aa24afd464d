package episode

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// Batch is the self-supervised framing: one original per instance plus
// several augmented views of each. Every instance is its own class.
type Batch struct {
	Origs  *tensor.Tensor // (B, P)
	Views  *tensor.Tensor // (B*NViews, P), instance-major
	NViews int
}

// Validate checks that views line up with originals.
func (b Batch) Validate() error {
	if b.Origs == nil || b.Views == nil || b.NViews <= 0 {
		return tensor.ErrEmptyInput
	}
	if b.Views.Rows() != b.Origs.Rows()*b.NViews {
		return errors.Wrapf(tensor.ErrShapeMismatch,
			"%d views for %d originals x %d", b.Views.Rows(), b.Origs.Rows(), b.NViews)
	}
	if b.Views.Cols() != b.Origs.Cols() {
		return errors.Wrapf(tensor.ErrShapeMismatch, "view width %d, original width %d", b.Views.Cols(), b.Origs.Cols())
	}
	return nil
}

// Ways is the number of instances (classes) in the batch.
func (b Batch) Ways() int { return b.Origs.Rows() }

// FromViews turns a batch into a 1-shot episode: the originals are the
// support set and the views are the query set, sharing the instance label.
func FromViews(b Batch) (*Episode, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return New(b.Ways(), b.Origs, b.Views)
}

// Task is one inner/outer pair for bi-level training. Both episodes share
// the same support set; their query views are disjoint.
type Task struct {
	Inner *Episode
	Outer *Episode
}

// ViewTaskSampler draws tasks from a batch for the inner/outer loop.
type ViewTaskSampler struct {
	Ways       int // instances per task
	InnerViews int // views per instance used for adaptation
	OuterViews int // views per instance held out for the outer loss

	rng *rand.Rand
}

// NewViewTaskSampler returns a sampler drawing from rng.
func NewViewTaskSampler(rng *rand.Rand, ways, innerViews, outerViews int) *ViewTaskSampler {
	return &ViewTaskSampler{Ways: ways, InnerViews: innerViews, OuterViews: outerViews, rng: rng}
}

// Sample draws Ways distinct instances from b and splits a random
// permutation of each instance's views into inner and outer query rows.
func (s *ViewTaskSampler) Sample(b Batch) (*Task, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if s.Ways <= 0 || s.Ways > b.Ways() {
		return nil, errors.Wrapf(ErrInsufficientSupport, "task needs %d instances, batch has %d", s.Ways, b.Ways())
	}
	if s.InnerViews <= 0 || s.OuterViews <= 0 || s.InnerViews+s.OuterViews > b.NViews {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch,
			"%d inner + %d outer views from %d per instance", s.InnerViews, s.OuterViews, b.NViews)
	}

	instances := s.rng.Perm(b.Ways())[:s.Ways]
	var innerIdx, outerIdx []int
	for _, inst := range instances {
		perm := s.rng.Perm(b.NViews)
		for k, v := range perm[:s.InnerViews+s.OuterViews] {
			row := inst*b.NViews + v
			if k < s.InnerViews {
				innerIdx = append(innerIdx, row)
			} else {
				outerIdx = append(outerIdx, row)
			}
		}
	}

	support := tensor.GatherRows(b.Origs, instances).Detach()
	inner, err := New(s.Ways, support, tensor.GatherRows(b.Views, innerIdx).Detach())
	if err != nil {
		return nil, err
	}
	outer, err := New(s.Ways, support, tensor.GatherRows(b.Views, outerIdx).Detach())
	if err != nil {
		return nil, err
	}
	return &Task{Inner: inner, Outer: outer}, nil
}
