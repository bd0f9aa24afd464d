package finetune

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Evaluation-time fine-tuning, one episode at a time.
//
// The learner owns the canonical model. A tuner receives it read-only and
// does all of its training on a scratch clone that is dropped afterwards.
// On top of that the canonical state is snapshotted before and restored
// after every run, so an interrupted or failed episode cannot leave
// anything behind. Snapshot and restore run under the tuner's mutex: two
// episodes never interleave on the same model.
//
// Four strategies:
//
//   prototune        prototype-initialised linear head tuned on mini-batches
//                    of the support set, optionally together with the
//                    refiner and behind a fresh projector.
//   proto_maml       refiner and head tuned full-batch on the support set
//                    over a graph that also spans the queries.
//   sinkhorn         the head is also fitted to query pseudo-labels read off
//                    a transport plan between queries and classes.
//   label_cleansing  nothing is trained: labels propagate over a k-NN graph
//                    of support and query (see cleansing.go).
//
// ===========================================================================

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/scttfrdmn/protoclr/internal/adapt"
	"github.com/scttfrdmn/protoclr/internal/episode"
	"github.com/scttfrdmn/protoclr/internal/model"
	"github.com/scttfrdmn/protoclr/internal/nn"
	"github.com/scttfrdmn/protoclr/internal/proto"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// Options configures both strategies.
type Options struct {
	// Policy is how prototune embeds support and query.
	Policy adapt.Policy

	Epochs int

	// HeadLR is the head learning rate; RefinerLR is used for refiner
	// parameters.
	HeadLR      float64
	RefinerLR   float64
	WeightDecay float64

	// FreezeBackbone keeps the refiner fixed in prototune and drops the
	// contrastive term.
	FreezeBackbone bool

	// FinetuneBatchNorm lets batch-norm layers use batch statistics while
	// tuning. Off by default: per-episode batches are tiny.
	FinetuneBatchNorm bool

	// Augment, when set, doubles every prototune mini-batch with a view.
	Augment *nn.Augmenter

	// ProjectorDim > 0 puts a freshly initialised two-layer projector of
	// that width between the embedding and the prototune head.
	ProjectorDim int

	// Cleansing configures label_cleansing. The zero value means
	// DefaultCleansing.
	Cleansing Cleansing
}

// Tuner runs fine-tuning strategies against a model it does not own.
type Tuner struct {
	mu     sync.Mutex
	opts   Options
	rng    *rand.Rand
	logger *slog.Logger
}

// NewTuner returns a tuner. A nil logger discards output.
func NewTuner(opts Options, rng *rand.Rand, logger *slog.Logger) *Tuner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tuner{opts: opts, rng: rng, logger: logger}
}

// guarded runs fn on a scratch clone of m inside the critical section and
// restores m's snapshot on every exit path.
func (t *Tuner) guarded(m *model.Model, fn func(scratch *model.Model) (Result, error)) (res Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Take(m)
	defer func() {
		if rerr := snap.Restore(m); rerr != nil {
			err = rerr
		}
	}()
	return fn(m.Clone())
}

func (t *Tuner) newAdam() *nn.Adam {
	return nn.NewAdam(0.9, 0.999, 1e-8, t.opts.WeightDecay)
}

// Prototune fine-tunes a prototype-initialised head on ep's support set and
// scores ep's queries with it.
func (t *Tuner) Prototune(ctx context.Context, m *model.Model, ep *episode.Episode) (Result, error) {
	if err := ep.RequireSupport(); err != nil {
		return Result{}, err
	}
	return t.guarded(m, func(scratch *model.Model) (Result, error) {
		return t.prototune(ctx, scratch, ep)
	})
}

func (t *Tuner) prototune(ctx context.Context, m *model.Model, ep *episode.Episode) (Result, error) {
	policy := t.opts.Policy
	m.SetTraining(false)
	init, err := m.Adapt(policy, ep, false)
	if err != nil {
		return Result{}, err
	}
	protos := init.Prototypes.Detach()
	var projector *nn.MLPEncoder
	if t.opts.ProjectorDim > 0 {
		projector = nn.NewMLPEncoder(t.rng, protos.Cols(), []int{protos.Cols()}, t.opts.ProjectorDim)
		projector.SetTraining(false)
		protos = projector.Forward(protos).Detach()
	}
	project := func(z *tensor.Tensor) *tensor.Tensor {
		if projector == nil {
			return z
		}
		return projector.Forward(z)
	}
	head := NewHead(protos)
	headOpt, projOpt := t.newAdam(), t.newAdam()

	for _, p := range m.Backbone.Parameters() {
		p.SetRequiresGrad(false)
	}
	tuneRefiner := !t.opts.FreezeBackbone && policy.Refines()
	refParams := m.RefinerParameters()
	for _, p := range refParams {
		p.SetRequiresGrad(tuneRefiner)
	}
	refOpt := t.newAdam()

	m.SetTraining(t.opts.FinetuneBatchNorm)
	if projector != nil {
		projector.SetTraining(t.opts.FinetuneBatchNorm)
	}
	n := ep.NumSupport()
	for epoch := 0; epoch < t.opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		perm := t.rng.Perm(n)
		for lo := 0; lo < n; lo += ep.Ways {
			hi := min(lo+ep.Ways, n)
			idx := perm[lo:hi]
			x := tensor.GatherRows(ep.Support, idx)
			y := make([]int, len(idx))
			for i, j := range idx {
				y[i] = ep.SupportLabels[j]
			}
			if t.opts.Augment != nil {
				x = tensor.ConcatRows(x, t.opts.Augment.View(x))
				y = append(y, y...)
			}

			var z *tensor.Tensor
			if policy.Refines() {
				if z, err = m.RefineBatch(x, y); err != nil {
					return Result{}, err
				}
			} else {
				z = m.Embed(x)
			}
			z = project(z)
			loss := tensor.CrossEntropy(head.Forward(z), y)
			if !t.opts.FreezeBackbone || projector != nil {
				loss = tensor.Add(loss, nn.SupCon(z, y, nn.SupConTemperature))
			}

			headOpt.ZeroGrad(head.Parameters())
			refOpt.ZeroGrad(refParams)
			if projector != nil {
				projOpt.ZeroGrad(projector.Parameters())
			}
			if err := tensor.Backward(loss); err != nil {
				return Result{}, err
			}
			headOpt.Step(head.Parameters(), t.opts.HeadLR)
			if projector != nil {
				projOpt.Step(projector.Parameters(), t.opts.HeadLR)
			}
			if tuneRefiner {
				refOpt.Step(refParams, t.opts.RefinerLR)
			}
		}
		t.logger.Debug("prototune epoch", "epoch", epoch, "policy", policy.String())
	}

	m.SetTraining(false)
	out, err := m.Adapt(policy, ep, false)
	if err != nil {
		return Result{}, err
	}
	if projector != nil {
		projector.SetTraining(false)
	}
	return score(head.Forward(project(out.Query)), ep.QueryLabels), nil
}

// ProtoMAML tunes the refiner and a prototype-initialised head on ep's
// support set, then scores ep's queries with the tuned copy. The backbone
// stays fixed.
func (t *Tuner) ProtoMAML(ctx context.Context, m *model.Model, ep *episode.Episode) (Result, error) {
	if err := ep.RequireSupport(); err != nil {
		return Result{}, err
	}
	return t.guarded(m, func(scratch *model.Model) (Result, error) {
		return t.protoMAML(ctx, scratch, ep)
	})
}

func (t *Tuner) protoMAML(ctx context.Context, m *model.Model, ep *episode.Episode) (Result, error) {
	x, _ := ep.Inputs()
	ns := ep.NumSupport()

	m.SetTraining(false)
	z, err := m.RefineBatch(x, nil)
	if err != nil {
		return Result{}, err
	}
	protos, err := proto.Prototypes(tensor.SliceRows(z, 0, ns).Detach(), ep.SupportLabels, ep.Ways)
	if err != nil {
		return Result{}, err
	}
	head := NewHead(protos)

	for _, p := range m.Backbone.Parameters() {
		p.SetRequiresGrad(false)
	}
	refParams := m.RefinerParameters()
	for _, p := range refParams {
		p.SetRequiresGrad(true)
	}
	refOpt, headOpt := t.newAdam(), t.newAdam()

	m.SetTraining(t.opts.FinetuneBatchNorm)
	for epoch := 0; epoch < t.opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		out, err := m.RefineBatch(x, nil)
		if err != nil {
			return Result{}, err
		}
		zs := tensor.SliceRows(out, 0, ns)
		loss := tensor.Add(
			tensor.CrossEntropy(head.Forward(zs), ep.SupportLabels),
			nn.SupCon(zs, ep.SupportLabels, nn.SupConTemperature),
		)
		refOpt.ZeroGrad(refParams)
		headOpt.ZeroGrad(head.Parameters())
		if err := tensor.Backward(loss); err != nil {
			return Result{}, err
		}
		refOpt.Step(refParams, t.opts.RefinerLR)
		headOpt.Step(head.Parameters(), t.opts.HeadLR)
		t.logger.Debug("proto_maml epoch", "epoch", epoch, "loss", loss.Item())
	}

	m.SetTraining(false)
	zq, err := m.RefineBatch(ep.Query, nil)
	if err != nil {
		return Result{}, err
	}
	return score(head.Forward(zq), ep.QueryLabels), nil
}

// Sinkhorn fits a prototype-initialised head to the support labels and to
// query pseudo-labels taken from a transport plan between queries and
// classes, recomputed every epoch. The backbone stays fixed; the refiner is
// tuned alongside when the policy refines and the backbone is not frozen.
func (t *Tuner) Sinkhorn(ctx context.Context, m *model.Model, ep *episode.Episode) (Result, error) {
	if err := ep.RequireSupport(); err != nil {
		return Result{}, err
	}
	return t.guarded(m, func(scratch *model.Model) (Result, error) {
		return t.sinkhorn(ctx, scratch, ep)
	})
}

func (t *Tuner) sinkhorn(ctx context.Context, m *model.Model, ep *episode.Episode) (Result, error) {
	x, _ := ep.Inputs()
	ns := ep.NumSupport()
	refines := t.opts.Policy.Refines()
	embed := func() (*tensor.Tensor, error) {
		if refines {
			return m.RefineBatch(x, nil)
		}
		return m.Embed(x), nil
	}

	m.SetTraining(false)
	z, err := embed()
	if err != nil {
		return Result{}, err
	}
	protos, err := proto.Prototypes(tensor.SliceRows(z, 0, ns).Detach(), ep.SupportLabels, ep.Ways)
	if err != nil {
		return Result{}, err
	}
	head := NewHead(protos)

	for _, p := range m.Backbone.Parameters() {
		p.SetRequiresGrad(false)
	}
	tuneRefiner := !t.opts.FreezeBackbone && refines
	refParams := m.RefinerParameters()
	for _, p := range refParams {
		p.SetRequiresGrad(tuneRefiner)
	}
	refOpt, headOpt := t.newAdam(), t.newAdam()

	m.SetTraining(t.opts.FinetuneBatchNorm)
	for epoch := 0; epoch < t.opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		z, err := embed()
		if err != nil {
			return Result{}, err
		}
		zs, zq := tensor.SliceRows(z, 0, ns), tensor.SliceRows(z, ns, z.Rows())
		logits := head.Forward(zq)
		pseudo, err := t.pseudoLabels(m, logits)
		if err != nil {
			return Result{}, err
		}
		loss := tensor.Add(
			tensor.CrossEntropy(head.Forward(zs), ep.SupportLabels),
			tensor.CrossEntropy(logits, pseudo),
		)
		headOpt.ZeroGrad(head.Parameters())
		refOpt.ZeroGrad(refParams)
		if err := tensor.Backward(loss); err != nil {
			return Result{}, err
		}
		headOpt.Step(head.Parameters(), t.opts.HeadLR)
		if tuneRefiner {
			refOpt.Step(refParams, t.opts.RefinerLR)
		}
		t.logger.Debug("sinkhorn epoch", "epoch", epoch, "loss", loss.Item())
	}

	m.SetTraining(false)
	z, err = embed()
	if err != nil {
		return Result{}, err
	}
	return score(head.Forward(tensor.SliceRows(z, ns, z.Rows())), ep.QueryLabels), nil
}

// pseudoLabels balances the head's query predictions across classes: the
// cost of sending query i to class k is -log softmax(logits)[i, k], scaled
// to a maximum of 1, and each query takes its heaviest plan entry.
func (t *Tuner) pseudoLabels(m *model.Model, logits *tensor.Tensor) ([]int, error) {
	rows, cols := logits.Rows(), logits.Cols()
	cost := tensor.Scale(tensor.LogSoftmaxRows(logits.Detach()), -1).Data()
	if hi := floats.Max(cost); hi > 0 {
		floats.Scale(1/hi, cost)
	}
	plan, err := m.Transport.Solve(cost, rows, cols)
	if err != nil {
		return nil, err
	}
	out := make([]int, rows)
	for i := range out {
		out[i] = floats.MaxIdx(plan.P[i*cols : (i+1)*cols])
	}
	return out, nil
}

// LabelCleansing labels ep's queries by propagation from the support set
// with iterative cleaning. The model is only read.
func (t *Tuner) LabelCleansing(ctx context.Context, m *model.Model, ep *episode.Episode) (Result, error) {
	if err := ep.RequireSupport(); err != nil {
		return Result{}, err
	}
	return t.guarded(m, func(scratch *model.Model) (Result, error) {
		x, _ := ep.Inputs()
		ns := ep.NumSupport()
		scratch.SetTraining(false)
		var z *tensor.Tensor
		if t.opts.Policy.Refines() {
			var err error
			if z, err = scratch.RefineBatch(x, nil); err != nil {
				return Result{}, err
			}
		} else {
			z = scratch.Embed(x)
		}
		z = z.Detach()

		c := t.opts.Cleansing
		if c == (Cleansing{}) {
			c = DefaultCleansing()
		}
		if c.ReRep == (adapt.ReRepresentation{}) {
			c.ReRep = DefaultCleansing().ReRep
		}
		zs, zq := c.ReRep.Apply(tensor.SliceRows(z, 0, ns), tensor.SliceRows(z, ns, z.Rows()))
		labels, err := c.Run(ctx, zs.Detach(), ep.SupportLabels, zq.Detach(), ep.Ways)
		if err != nil {
			return Result{}, err
		}
		t.logger.Debug("label cleansing", "queries", len(labels.Predictions), "k", c.K)
		return scoreLabels(labels, ep.QueryLabels), nil
	})
}
