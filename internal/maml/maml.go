// Package maml implements first-order bi-level (inner/outer loop) training.
package maml

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// One outer step:
//
//   acc = 0
//   for each of TaskSize sampled tasks, strictly one after another:
//       learner = clone(model)                 // own buffers, copied values
//       repeat Steps times:
//           learner -= InnerLR * ∇ loss(learner, task.Inner)
//       acc += ∇ loss(learner, task.Outer)     // gradient at adapted params
//   model.grad = acc / TaskSize
//   optimizer.Step(model)
//
// First order: the outer gradient is taken at the adapted parameters and
// credited to the matching outer parameter, with no second-order terms
// through the inner updates. Inner updates live only in the clone; the only
// write to the model is the final optimizer step.
//
// Clones must list their parameters in the same order as the model.
//
// ===========================================================================

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/scttfrdmn/protoclr/internal/episode"
	"github.com/scttfrdmn/protoclr/internal/nn"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// ErrCloneLayout indicates a clone whose parameters do not line up with the
// model's.
var ErrCloneLayout = errors.New("maml: clone parameter layout differs from model")

// Model is anything with an ordered parameter list.
type Model interface {
	Parameters() []*tensor.Tensor
}

// TaskSource yields one task per call.
type TaskSource interface {
	Next() (*episode.Task, error)
}

// LossFunc evaluates a model on one episode, returning a scalar loss on the
// tape and the episode accuracy.
type LossFunc[M Model] func(m M, ep *episode.Episode) (*tensor.Tensor, float64, error)

// FastAdapter runs outer steps for models of type M.
type FastAdapter[M Model] struct {
	TaskSize int
	Steps    int
	InnerLR  float64

	Clone func(M) M
	Loss  LossFunc[M]

	Logger *slog.Logger
}

// Outcome summarises one outer step: mean outer loss and accuracy over tasks.
type Outcome struct {
	Loss     float64
	Accuracy float64
	Tasks    int
}

// Accumulate runs every task and returns the averaged outer gradient, one
// slice per model parameter. The model is not modified.
func (fa *FastAdapter[M]) Accumulate(ctx context.Context, model M, tasks TaskSource) ([][]float64, Outcome, error) {
	if fa.TaskSize <= 0 {
		return nil, Outcome{}, errors.Errorf("maml: task size %d", fa.TaskSize)
	}
	params := model.Parameters()
	acc := make([][]float64, len(params))
	for i, p := range params {
		acc[i] = make([]float64, p.Size())
	}

	var out Outcome
	for t := 0; t < fa.TaskSize; t++ {
		if err := ctx.Err(); err != nil {
			return nil, Outcome{}, err
		}
		task, err := tasks.Next()
		if err != nil {
			return nil, Outcome{}, errors.Wrapf(err, "sample task %d", t)
		}
		loss, accuracy, err := fa.adaptOne(model, task, acc)
		if err != nil {
			return nil, Outcome{}, errors.Wrapf(err, "task %d", t)
		}
		out.Loss += loss
		out.Accuracy += accuracy
		out.Tasks++
	}

	scale := 1 / float64(fa.TaskSize)
	for _, a := range acc {
		for j := range a {
			a[j] *= scale
		}
	}
	out.Loss *= scale
	out.Accuracy *= scale
	return acc, out, nil
}

// adaptOne clones model, adapts the clone on task.Inner and adds the outer
// gradient at the adapted parameters into acc.
func (fa *FastAdapter[M]) adaptOne(model M, task *episode.Task, acc [][]float64) (float64, float64, error) {
	if err := task.Inner.RequireSupport(); err != nil {
		return 0, 0, err
	}
	if err := task.Outer.RequireSupport(); err != nil {
		return 0, 0, err
	}

	learner := fa.Clone(model)
	params := learner.Parameters()
	if len(params) != len(acc) {
		return 0, 0, errors.Wrapf(ErrCloneLayout, "%d parameters, model has %d", len(params), len(acc))
	}

	for step := 0; step < fa.Steps; step++ {
		zero(params)
		loss, _, err := fa.Loss(learner, task.Inner)
		if err != nil {
			return 0, 0, err
		}
		if err := tensor.Backward(loss); err != nil {
			return 0, 0, errors.Wrapf(err, "inner step %d", step)
		}
		for _, p := range params {
			if !p.RequiresGrad() {
				continue
			}
			d, g := p.Data(), p.Grad()
			for j := range d {
				d[j] -= fa.InnerLR * g[j]
			}
		}
		if fa.Logger != nil {
			fa.Logger.Debug("inner step", "step", step, "loss", loss.Item())
		}
	}

	zero(params)
	loss, accuracy, err := fa.Loss(learner, task.Outer)
	if err != nil {
		return 0, 0, err
	}
	if err := tensor.Backward(loss); err != nil {
		return 0, 0, errors.Wrap(err, "outer loss")
	}
	for i, p := range params {
		if len(acc[i]) != p.Size() {
			return 0, 0, errors.Wrapf(ErrCloneLayout, "parameter %d has %d values, want %d", i, p.Size(), len(acc[i]))
		}
		for j, g := range p.Grad() {
			acc[i][j] += g
		}
	}
	return loss.Item(), accuracy, nil
}

// Step runs Accumulate, installs the averaged gradient on the model and
// applies one optimizer step at lr.
func (fa *FastAdapter[M]) Step(ctx context.Context, model M, tasks TaskSource, opt nn.Optimizer, lr float64) (Outcome, error) {
	acc, out, err := fa.Accumulate(ctx, model, tasks)
	if err != nil {
		return Outcome{}, err
	}
	params := model.Parameters()
	opt.ZeroGrad(params)
	for i, p := range params {
		copy(p.Grad(), acc[i])
	}
	opt.Step(params, lr)
	return out, nil
}

func zero(params []*tensor.Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// SliceSource replays a fixed list of tasks, cycling when exhausted.
type SliceSource struct {
	Tasks []*episode.Task
	next  int
}

// Next returns the following task.
func (s *SliceSource) Next() (*episode.Task, error) {
	if len(s.Tasks) == 0 {
		return nil, errors.Wrap(episode.ErrInsufficientSupport, "no tasks")
	}
	t := s.Tasks[s.next%len(s.Tasks)]
	s.next++
	return t, nil
}

// SamplerSource draws tasks from a batch with a view sampler.
type SamplerSource struct {
	Sampler *episode.ViewTaskSampler
	Batch   episode.Batch
}

// Next samples a fresh task.
func (s SamplerSource) Next() (*episode.Task, error) {
	return s.Sampler.Sample(s.Batch)
}
