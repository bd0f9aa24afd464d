// Package learner owns the canonical model and its optimizer, and exposes
// the two entry points callers drive: TrainingStep and EvaluateEpisode.
package learner

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Two training strategies share one model:
//
//   clr_gat  a batch of {origs, views} becomes a 1-shot episode (origs are
//            the support set, views the queries). Backbone, graph and
//            refiner are trained end to end on the prototypical loss of the
//            refined embeddings, optionally plus a scaled prototypical loss
//            on the raw backbone embeddings (loss_cnn).
//
//   maml     tasks are sampled from the batch, adapted on a private clone
//            for a few SGD steps and scored on held-out views; the averaged
//            outer gradient drives one optimizer step (first order).
//
// Evaluation never trains the canonical model. std_proto scores the
// episode directly; prototune, proto_maml, sinkhorn and label_cleansing
// hand a read-only model to the finetune package, which works on its own
// copy.
//
// A mutex serialises training steps and evaluations on the same learner.
//
// ===========================================================================

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/scttfrdmn/protoclr/internal/adapt"
	"github.com/scttfrdmn/protoclr/internal/config"
	"github.com/scttfrdmn/protoclr/internal/episode"
	"github.com/scttfrdmn/protoclr/internal/finetune"
	"github.com/scttfrdmn/protoclr/internal/gnn"
	"github.com/scttfrdmn/protoclr/internal/graph"
	"github.com/scttfrdmn/protoclr/internal/maml"
	"github.com/scttfrdmn/protoclr/internal/model"
	"github.com/scttfrdmn/protoclr/internal/nn"
	"github.com/scttfrdmn/protoclr/internal/ot"
	"github.com/scttfrdmn/protoclr/internal/proto"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// Metrics is what one step or one episode reports.
type Metrics struct {
	Loss     float64
	Accuracy float64
	LR       float64 // zero for evaluation
}

// Learner trains and evaluates one model.
type Learner struct {
	mu sync.Mutex

	cfg   *config.Config
	model *model.Model

	opt   nn.Optimizer
	sched *nn.LRScheduler

	trainPolicy adapt.Policy
	evalPolicy  adapt.Policy
	classifier  proto.Classifier

	adapter *maml.FastAdapter[*model.Model]
	sampler *episode.ViewTaskSampler
	tuner   *finetune.Tuner

	logger *slog.Logger
	step   int
}

// New builds the model and optimizer described by cfg. A nil logger
// discards output.
func New(cfg *config.Config, logger *slog.Logger) (*Learner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	m, err := buildModel(rng, cfg)
	if err != nil {
		return nil, err
	}

	trainPolicy, _ := adapt.ParsePolicy(cfg.Adapt.Train)
	evalPolicy, _ := adapt.ParsePolicy(cfg.Adapt.Eval)
	distance, _ := proto.ParseDistance(cfg.Train.Distance)

	opt, err := nn.NewOptimizer(cfg.Train.Optim, cfg.Train.WeightDecay)
	if err != nil {
		return nil, err
	}
	sched, err := nn.NewSchedule(nn.ScheduleConfig{
		Name:          cfg.Train.LRSchedule,
		BaseLR:        cfg.Train.LR,
		MinLR:         cfg.Train.EtaMin,
		WarmupSteps:   cfg.Train.WarmupSteps,
		WarmupStartLR: cfg.Train.WarmupStartLR,
		TotalSteps:    cfg.Train.Steps,
		DecayEvery:    max(cfg.Train.LRDecayStep, 1),
		DecayRate:     cfg.Train.LRDecayRate,
	})
	if err != nil {
		return nil, err
	}

	l := &Learner{
		cfg:         cfg,
		model:       m,
		opt:         opt,
		sched:       nn.NewLRScheduler(sched),
		trainPolicy: trainPolicy,
		evalPolicy:  evalPolicy,
		classifier:  proto.Classifier{Distance: distance, Temperature: cfg.Train.Temperature},
		logger:      logger,
	}

	if cfg.Train.Strategy == config.StrategyMAML {
		l.sampler = episode.NewViewTaskSampler(rand.New(rand.NewSource(cfg.Seed+1)),
			cfg.Train.TaskWays, cfg.Train.InnerViews, cfg.Train.OuterViews)
		l.adapter = &maml.FastAdapter[*model.Model]{
			TaskSize: cfg.Train.TaskSize,
			Steps:    cfg.Train.AdaptationSteps,
			InnerLR:  cfg.Train.InnerLR,
			Clone:    (*model.Model).Clone,
			Loss:     l.episodeLoss,
			Logger:   logger,
		}
	}

	tuneRNG := rand.New(rand.NewSource(cfg.Seed + 2))
	opts := finetune.Options{
		Policy:            evalPolicy,
		Epochs:            cfg.Eval.SupFinetuneEpochs,
		HeadLR:            cfg.Eval.SupFinetuneLR,
		RefinerLR:         cfg.Train.LR,
		WeightDecay:       cfg.Train.WeightDecay,
		FreezeBackbone:    cfg.Eval.FreezeBackbone,
		FinetuneBatchNorm: cfg.Eval.FinetuneBatchNorm,
		ProjectorDim:      cfg.Eval.ProjectorDim,
		Cleansing: finetune.Cleansing{
			K:     cfg.Eval.LPK,
			Alpha: cfg.Eval.LPAlpha,
			ReRep: finetune.DefaultCleansing().ReRep,
		},
	}
	if cfg.Eval.UseAugs {
		opts.Augment = nn.NewAugmenter(rand.New(rand.NewSource(cfg.Seed+3)), cfg.Eval.AugNoise, cfg.Eval.AugDrop)
	}
	l.tuner = finetune.NewTuner(opts, tuneRNG, logger)

	logger.Info("learner ready",
		"strategy", cfg.Train.Strategy,
		"train_policy", trainPolicy.String(),
		"eval_policy", evalPolicy.String(),
		"parameters", countParams(m.Parameters()))
	return l, nil
}

func buildModel(rng *rand.Rand, cfg *config.Config) (*model.Model, error) {
	metric, err := graph.ParseMetric(cfg.Graph.Metric)
	if err != nil {
		return nil, err
	}
	ref, err := gnn.New(rng, cfg.GNN.Kind, gnn.Config{
		InDim:          cfg.Model.EmbDim,
		Hidden:         cfg.GNN.Hidden,
		Heads:          cfg.GNN.Heads,
		Layers:         cfg.GNN.Layers,
		Residual:       cfg.GNN.Residual,
		LayerNorm:      cfg.GNN.LayerNorm,
		LastActivation: cfg.GNN.LastActivation,
	})
	if err != nil {
		return nil, err
	}
	return &model.Model{
		Backbone:  nn.NewMLPEncoder(rng, cfg.Data.InputDim, cfg.Model.Hidden, cfg.Model.EmbDim),
		Graph:     graph.NewGenerator(metric, cfg.Graph.TopK, cfg.Graph.SelfLoops, cfg.Graph.LabelMask, cfg.Model.EmbDim),
		Refiner:   ref,
		Transport: ot.Sinkhorn{Reg: cfg.OT.Reg, MaxIter: cfg.OT.MaxIter, Tol: cfg.OT.Tol},
		ReRep: adapt.ReRepresentation{
			Alpha1:      cfg.Adapt.ReRepAlpha1,
			Alpha2:      cfg.Adapt.ReRepAlpha2,
			Temperature: cfg.Adapt.ReRepTemperature,
		},
		FinalReLU: cfg.GNN.FinalReLU,
	}, nil
}

func countParams(ps []*tensor.Tensor) int {
	n := 0
	for _, p := range ps {
		n += p.Size()
	}
	return n
}

// Model returns the canonical model. Callers must not train it.
func (l *Learner) Model() *model.Model { return l.model }

// Steps is the number of training steps taken so far.
func (l *Learner) Steps() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.step
}

// episodeLoss is the training loss of m on ep under the training policy.
// Query labels reach the graph generator; this is only ever called on
// training data.
func (l *Learner) episodeLoss(m *model.Model, ep *episode.Episode) (*tensor.Tensor, float64, error) {
	if err := ep.Validate(); err != nil {
		return nil, 0, err
	}
	zs, zq := m.EmbedEpisode(ep)
	out, err := l.trainPolicy.Apply(m.Context(), adapt.Input{
		Ways:          ep.Ways,
		Support:       zs,
		SupportLabels: ep.SupportLabels,
		Query:         zq,
		QueryLabels:   ep.QueryLabels,
	})
	if err != nil {
		return nil, 0, err
	}
	res, err := l.classifier.Classify(out.Prototypes, out.Query, ep.QueryLabels)
	if err != nil {
		return nil, 0, err
	}
	loss := res.Loss

	if l.cfg.Train.LossCNN {
		protos, err := proto.Prototypes(zs, ep.SupportLabels, ep.Ways)
		if err != nil {
			return nil, 0, err
		}
		cnn, err := l.classifier.Classify(protos, zq, ep.QueryLabels)
		if err != nil {
			return nil, 0, err
		}
		loss = tensor.Add(loss, tensor.Scale(cnn.Loss, l.cfg.Train.ScalingCE))
	}
	return loss, res.Accuracy, nil
}

// TrainingStep runs one outer step on b with the configured strategy.
func (l *Learner) TrainingStep(ctx context.Context, b episode.Batch) (Metrics, error) {
	if err := ctx.Err(); err != nil {
		return Metrics{}, err
	}
	if err := b.Validate(); err != nil {
		return Metrics{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.model.SetTraining(true)
	lr := l.sched.GetLR()

	var (
		met Metrics
		err error
	)
	switch l.cfg.Train.Strategy {
	case config.StrategyMAML:
		met, err = l.mamlStep(ctx, b, lr)
	default:
		met, err = l.clrStep(b, lr)
	}
	if err != nil {
		return Metrics{}, errors.Wrapf(err, "training step %d", l.step)
	}
	met.LR = lr
	l.step++

	if every := l.cfg.Train.LogEvery; every > 0 && l.step%every == 0 {
		l.logger.Info("train", "step", l.step, "loss", met.Loss, "accuracy", met.Accuracy, "lr", lr)
	} else {
		l.logger.Debug("train", "step", l.step, "loss", met.Loss, "accuracy", met.Accuracy, "lr", lr)
	}
	return met, nil
}

func (l *Learner) clrStep(b episode.Batch, lr float64) (Metrics, error) {
	ep, err := episode.FromViews(b)
	if err != nil {
		return Metrics{}, err
	}
	params := l.model.Parameters()
	l.opt.ZeroGrad(params)

	loss, acc, err := l.episodeLoss(l.model, ep)
	if err != nil {
		return Metrics{}, err
	}
	if err := tensor.Backward(loss); err != nil {
		return Metrics{}, err
	}
	if c := l.cfg.Train.GradClip; c > 0 {
		nn.ClipGradients(params, c)
	}
	l.opt.Step(params, lr)
	return Metrics{Loss: loss.Item(), Accuracy: acc}, nil
}

func (l *Learner) mamlStep(ctx context.Context, b episode.Batch, lr float64) (Metrics, error) {
	out, err := l.adapter.Step(ctx, l.model, maml.SamplerSource{Sampler: l.sampler, Batch: b}, l.opt, lr)
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{Loss: out.Loss, Accuracy: out.Accuracy}, nil
}

// EvaluateEpisode scores ep with the configured evaluation strategy. The
// canonical model's parameters are unchanged afterwards.
func (l *Learner) EvaluateEpisode(ctx context.Context, ep *episode.Episode) (Metrics, error) {
	if err := ctx.Err(); err != nil {
		return Metrics{}, err
	}
	if err := ep.RequireSupport(); err != nil {
		return Metrics{}, err
	}
	if err := ep.Validate(); err != nil {
		return Metrics{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		res finetune.Result
		err error
	)
	switch l.cfg.Eval.SupFinetune {
	case config.FinetunePrototune:
		res, err = l.tuner.Prototune(ctx, l.model, ep)
	case config.FinetuneProtoMAML:
		res, err = l.tuner.ProtoMAML(ctx, l.model, ep)
	case config.FinetuneSinkhorn:
		res, err = l.tuner.Sinkhorn(ctx, l.model, ep)
	case config.FinetuneLabelCleansing:
		res, err = l.tuner.LabelCleansing(ctx, l.model, ep)
	default:
		res, err = l.stdProto(ep)
	}
	if err != nil {
		return Metrics{}, err
	}
	l.logger.Debug("eval episode", "strategy", l.cfg.Eval.SupFinetune, "loss", res.Loss, "accuracy", res.Accuracy)
	return Metrics{Loss: res.Loss, Accuracy: res.Accuracy}, nil
}

func (l *Learner) stdProto(ep *episode.Episode) (finetune.Result, error) {
	l.model.SetTraining(false)
	out, err := l.model.Adapt(l.evalPolicy, ep, false)
	if err != nil {
		return finetune.Result{}, err
	}
	res, err := l.classifier.Classify(out.Prototypes, out.Query, ep.QueryLabels)
	if err != nil {
		return finetune.Result{}, err
	}
	return finetune.Result{Loss: res.Loss.Item(), Accuracy: res.Accuracy}, nil
}
