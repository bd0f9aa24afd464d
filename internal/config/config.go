// Package config loads run configuration from defaults, an optional YAML
// file and PROTOCLR_* environment variables, in increasing precedence.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/scttfrdmn/protoclr/internal/adapt"
	"github.com/scttfrdmn/protoclr/internal/graph"
	"github.com/scttfrdmn/protoclr/internal/nn"
	"github.com/scttfrdmn/protoclr/internal/proto"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid value")

// EnvPrefix is prepended to every environment override: train.lr is read
// from PROTOCLR_TRAIN_LR.
const EnvPrefix = "PROTOCLR"

// Training strategies.
const (
	StrategyCLRGAT = "clr_gat"
	StrategyMAML   = "maml"
)

// Evaluation strategies.
const (
	FinetuneStdProto       = "std_proto"
	FinetunePrototune      = "prototune"
	FinetuneProtoMAML      = "proto_maml"
	FinetuneSinkhorn       = "sinkhorn"
	FinetuneLabelCleansing = "label_cleansing"
)

// Config is the full run configuration.
type Config struct {
	Seed int64 `mapstructure:"seed"`

	Data    DataConfig    `mapstructure:"data"`
	Model   ModelConfig   `mapstructure:"model"`
	Graph   GraphConfig   `mapstructure:"graph"`
	GNN     GNNConfig     `mapstructure:"gnn"`
	Adapt   AdaptConfig   `mapstructure:"adapt"`
	OT      OTConfig      `mapstructure:"ot"`
	Train   TrainConfig   `mapstructure:"train"`
	Eval    EvalConfig    `mapstructure:"eval"`
	RunLog  RunLogConfig  `mapstructure:"runlog"`
	Compute ComputeConfig `mapstructure:"compute"`
}

// DataConfig shapes the synthetic input stream.
type DataConfig struct {
	InputDim int     `mapstructure:"input_dim"`
	Spread   float64 `mapstructure:"spread"`
	Noise    float64 `mapstructure:"noise"`
}

// ModelConfig shapes the MLP backbone.
type ModelConfig struct {
	Hidden []int `mapstructure:"hidden"`
	EmbDim int   `mapstructure:"emb_dim"`
}

// GraphConfig configures the graph generator.
type GraphConfig struct {
	Metric    string `mapstructure:"metric"`
	TopK      int    `mapstructure:"top_k"`
	SelfLoops bool   `mapstructure:"self_loops"`
	LabelMask bool   `mapstructure:"label_mask"`
}

// GNNConfig configures the relational refiner.
type GNNConfig struct {
	Kind           string `mapstructure:"kind"`
	Hidden         int    `mapstructure:"hidden"`
	Heads          int    `mapstructure:"heads"`
	Layers         int    `mapstructure:"layers"`
	Residual       bool   `mapstructure:"residual"`
	LayerNorm      bool   `mapstructure:"layer_norm"`
	LastActivation bool   `mapstructure:"last_activation"`
	FinalReLU      bool   `mapstructure:"final_relu"`
}

// AdaptConfig selects the adaptation policy for training and evaluation.
type AdaptConfig struct {
	Train string `mapstructure:"train"`
	Eval  string `mapstructure:"eval"`

	// re_rep mixing weights and attention temperature.
	ReRepAlpha1      float64 `mapstructure:"rerep_alpha1"`
	ReRepAlpha2      float64 `mapstructure:"rerep_alpha2"`
	ReRepTemperature float64 `mapstructure:"rerep_temperature"`
}

// OTConfig configures the Sinkhorn solver.
type OTConfig struct {
	Reg     float64 `mapstructure:"reg"`
	MaxIter int     `mapstructure:"max_iter"`
	Tol     float64 `mapstructure:"tol"`
}

// TrainConfig holds outer-loop and inner-loop hyper-parameters.
type TrainConfig struct {
	Strategy string `mapstructure:"strategy"`
	Steps    int    `mapstructure:"steps"`

	// Each batch holds Ways instances: one original and NQuery views each.
	Ways   int `mapstructure:"ways"`
	NQuery int `mapstructure:"n_query"`

	LR            float64 `mapstructure:"lr"`
	WeightDecay   float64 `mapstructure:"weight_decay"`
	Optim         string  `mapstructure:"optim"`
	LRSchedule    string  `mapstructure:"lr_sch"`
	WarmupSteps   int     `mapstructure:"warmup_steps"`
	WarmupStartLR float64 `mapstructure:"warmup_start_lr"`
	EtaMin        float64 `mapstructure:"eta_min"`
	LRDecayStep   int     `mapstructure:"lr_decay_step"`
	LRDecayRate   float64 `mapstructure:"lr_decay_rate"`
	GradClip      float64 `mapstructure:"grad_clip"`

	Distance    string  `mapstructure:"distance"`
	Temperature float64 `mapstructure:"temperature"`
	LossCNN     bool    `mapstructure:"loss_cnn"`
	ScalingCE   float64 `mapstructure:"scaling_ce"`

	// MAML only.
	TaskSize        int     `mapstructure:"task_size"`
	AdaptationSteps int     `mapstructure:"adaptation_steps"`
	InnerLR         float64 `mapstructure:"inner_lr"`
	TaskWays        int     `mapstructure:"task_ways"`
	InnerViews      int     `mapstructure:"inner_views"`
	OuterViews      int     `mapstructure:"outer_views"`

	LogEvery int `mapstructure:"log_every"`
}

// EvalConfig configures episode evaluation.
type EvalConfig struct {
	Episodes int `mapstructure:"episodes"`
	Ways     int `mapstructure:"ways"`
	NSupport int `mapstructure:"n_support"`
	NQuery   int `mapstructure:"n_query"`

	SupFinetune       string  `mapstructure:"sup_finetune"`
	SupFinetuneLR     float64 `mapstructure:"sup_finetune_lr"`
	SupFinetuneEpochs int     `mapstructure:"sup_finetune_epochs"`
	FreezeBackbone    bool    `mapstructure:"ft_freeze_backbone"`
	FinetuneBatchNorm bool    `mapstructure:"finetune_batch_norm"`
	UseAugs           bool    `mapstructure:"prototune_use_augs"`
	AugNoise          float64 `mapstructure:"aug_noise"`
	AugDrop           float64 `mapstructure:"aug_drop"`

	// ProjectorDim > 0 tunes prototune behind a fresh projector.
	ProjectorDim int `mapstructure:"finetune_use_projector"`

	// label_cleansing neighbours and propagation strength.
	LPK     int     `mapstructure:"lp_k"`
	LPAlpha float64 `mapstructure:"lp_alpha"`
}

// RunLogConfig selects the metrics store. An empty DSN disables it.
type RunLogConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// ComputeConfig sizes the tensor backend.
type ComputeConfig struct {
	Parallel bool `mapstructure:"parallel"`
	Workers  int  `mapstructure:"workers"`
	Tuned    bool `mapstructure:"tuned"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Seed: 42,
		Data: DataConfig{InputDim: 32, Spread: 1.0, Noise: 0.3},
		Model: ModelConfig{
			Hidden: []int{64},
			EmbDim: 32,
		},
		Graph: GraphConfig{Metric: "learned", SelfLoops: true},
		GNN: GNNConfig{
			Kind:     "gat",
			Hidden:   32,
			Heads:    4,
			Layers:   1,
			Residual: true,
		},
		Adapt: AdaptConfig{Train: "instance", Eval: "task", ReRepAlpha1: 0.5, ReRepAlpha2: 0.5, ReRepTemperature: 0.1},
		OT:    OTConfig{Reg: 0.05, MaxIter: 1000, Tol: 1e-4},
		Train: TrainConfig{
			Strategy: StrategyCLRGAT,
			Steps:    200,
			Ways:     20,
			NQuery:   3,

			LR:            1e-3,
			WeightDecay:   0.01,
			Optim:         "adam",
			LRSchedule:    "cos",
			WarmupSteps:   10,
			WarmupStartLR: 1e-3,
			EtaMin:        1e-5,
			LRDecayStep:   50,
			LRDecayRate:   0.5,

			Distance:    "euclidean",
			Temperature: 1,
			ScalingCE:   1,

			TaskSize:        4,
			AdaptationSteps: 1,
			InnerLR:         1e-3,
			TaskWays:        5,
			InnerViews:      2,
			OuterViews:      1,

			LogEvery: 10,
		},
		Eval: EvalConfig{
			Episodes: 100,
			Ways:     5,
			NSupport: 5,
			NQuery:   15,

			SupFinetune:       FinetuneStdProto,
			SupFinetuneLR:     1e-3,
			SupFinetuneEpochs: 15,
			FreezeBackbone:    true,
			AugNoise:          0.1,
			AugDrop:           0.1,
			LPK:               10,
			LPAlpha:           0.8,
		},
		RunLog:  RunLogConfig{Driver: "sqlite"},
		Compute: ComputeConfig{Parallel: true},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// NewViper returns a viper instance with defaults, the optional file and
// environment overrides in place. Callers may bind flags on it before
// FromViper.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
	}
	return v, nil
}

// FromViper decodes and validates whatever v holds.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults registers every key of Default on v. Keys must be registered
// for AutomaticEnv to see them during Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("seed", d.Seed)

	v.SetDefault("data.input_dim", d.Data.InputDim)
	v.SetDefault("data.spread", d.Data.Spread)
	v.SetDefault("data.noise", d.Data.Noise)

	v.SetDefault("model.hidden", d.Model.Hidden)
	v.SetDefault("model.emb_dim", d.Model.EmbDim)

	v.SetDefault("graph.metric", d.Graph.Metric)
	v.SetDefault("graph.top_k", d.Graph.TopK)
	v.SetDefault("graph.self_loops", d.Graph.SelfLoops)
	v.SetDefault("graph.label_mask", d.Graph.LabelMask)

	v.SetDefault("gnn.kind", d.GNN.Kind)
	v.SetDefault("gnn.hidden", d.GNN.Hidden)
	v.SetDefault("gnn.heads", d.GNN.Heads)
	v.SetDefault("gnn.layers", d.GNN.Layers)
	v.SetDefault("gnn.residual", d.GNN.Residual)
	v.SetDefault("gnn.layer_norm", d.GNN.LayerNorm)
	v.SetDefault("gnn.last_activation", d.GNN.LastActivation)
	v.SetDefault("gnn.final_relu", d.GNN.FinalReLU)

	v.SetDefault("adapt.train", d.Adapt.Train)
	v.SetDefault("adapt.eval", d.Adapt.Eval)
	v.SetDefault("adapt.rerep_alpha1", d.Adapt.ReRepAlpha1)
	v.SetDefault("adapt.rerep_alpha2", d.Adapt.ReRepAlpha2)
	v.SetDefault("adapt.rerep_temperature", d.Adapt.ReRepTemperature)

	v.SetDefault("ot.reg", d.OT.Reg)
	v.SetDefault("ot.max_iter", d.OT.MaxIter)
	v.SetDefault("ot.tol", d.OT.Tol)

	t := d.Train
	v.SetDefault("train.strategy", t.Strategy)
	v.SetDefault("train.steps", t.Steps)
	v.SetDefault("train.ways", t.Ways)
	v.SetDefault("train.n_query", t.NQuery)
	v.SetDefault("train.lr", t.LR)
	v.SetDefault("train.weight_decay", t.WeightDecay)
	v.SetDefault("train.optim", t.Optim)
	v.SetDefault("train.lr_sch", t.LRSchedule)
	v.SetDefault("train.warmup_steps", t.WarmupSteps)
	v.SetDefault("train.warmup_start_lr", t.WarmupStartLR)
	v.SetDefault("train.eta_min", t.EtaMin)
	v.SetDefault("train.lr_decay_step", t.LRDecayStep)
	v.SetDefault("train.lr_decay_rate", t.LRDecayRate)
	v.SetDefault("train.grad_clip", t.GradClip)
	v.SetDefault("train.distance", t.Distance)
	v.SetDefault("train.temperature", t.Temperature)
	v.SetDefault("train.loss_cnn", t.LossCNN)
	v.SetDefault("train.scaling_ce", t.ScalingCE)
	v.SetDefault("train.task_size", t.TaskSize)
	v.SetDefault("train.adaptation_steps", t.AdaptationSteps)
	v.SetDefault("train.inner_lr", t.InnerLR)
	v.SetDefault("train.task_ways", t.TaskWays)
	v.SetDefault("train.inner_views", t.InnerViews)
	v.SetDefault("train.outer_views", t.OuterViews)
	v.SetDefault("train.log_every", t.LogEvery)

	e := d.Eval
	v.SetDefault("eval.episodes", e.Episodes)
	v.SetDefault("eval.ways", e.Ways)
	v.SetDefault("eval.n_support", e.NSupport)
	v.SetDefault("eval.n_query", e.NQuery)
	v.SetDefault("eval.sup_finetune", e.SupFinetune)
	v.SetDefault("eval.sup_finetune_lr", e.SupFinetuneLR)
	v.SetDefault("eval.sup_finetune_epochs", e.SupFinetuneEpochs)
	v.SetDefault("eval.ft_freeze_backbone", e.FreezeBackbone)
	v.SetDefault("eval.finetune_batch_norm", e.FinetuneBatchNorm)
	v.SetDefault("eval.prototune_use_augs", e.UseAugs)
	v.SetDefault("eval.aug_noise", e.AugNoise)
	v.SetDefault("eval.aug_drop", e.AugDrop)
	v.SetDefault("eval.finetune_use_projector", e.ProjectorDim)
	v.SetDefault("eval.lp_k", e.LPK)
	v.SetDefault("eval.lp_alpha", e.LPAlpha)

	v.SetDefault("runlog.driver", d.RunLog.Driver)
	v.SetDefault("runlog.dsn", d.RunLog.DSN)

	v.SetDefault("compute.parallel", d.Compute.Parallel)
	v.SetDefault("compute.workers", d.Compute.Workers)
	v.SetDefault("compute.tuned", d.Compute.Tuned)
}

func invalid(format string, args ...any) error {
	return errors.Wrapf(ErrInvalid, format, args...)
}

// Validate rejects unknown names and non-positive sizes.
func (c *Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"data.input_dim", c.Data.InputDim},
		{"model.emb_dim", c.Model.EmbDim},
		{"train.steps", c.Train.Steps},
		{"train.ways", c.Train.Ways},
		{"train.n_query", c.Train.NQuery},
		{"eval.episodes", c.Eval.Episodes},
		{"eval.ways", c.Eval.Ways},
		{"eval.n_support", c.Eval.NSupport},
		{"eval.n_query", c.Eval.NQuery},
		{"ot.max_iter", c.OT.MaxIter},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return invalid("%s must be positive, got %d", p.name, p.v)
		}
	}
	for i, h := range c.Model.Hidden {
		if h <= 0 {
			return invalid("model.hidden[%d] must be positive, got %d", i, h)
		}
	}
	if c.Train.LR <= 0 || c.Train.Temperature <= 0 || c.OT.Reg <= 0 {
		return invalid("train.lr, train.temperature and ot.reg must be positive")
	}

	if _, err := graph.ParseMetric(c.Graph.Metric); err != nil {
		return invalid("graph.metric: %v", err)
	}
	if _, err := proto.ParseDistance(c.Train.Distance); err != nil {
		return invalid("train.distance: %v", err)
	}
	if _, err := adapt.ParsePolicy(c.Adapt.Train); err != nil {
		return invalid("adapt.train: %v", err)
	}
	if _, err := adapt.ParsePolicy(c.Adapt.Eval); err != nil {
		return invalid("adapt.eval: %v", err)
	}
	if _, err := nn.NewOptimizer(c.Train.Optim, 0); err != nil {
		return invalid("train.optim: %v", err)
	}
	if _, err := nn.NewSchedule(nn.ScheduleConfig{Name: c.Train.LRSchedule, BaseLR: c.Train.LR, TotalSteps: c.Train.Steps, DecayEvery: max(c.Train.LRDecayStep, 1)}); err != nil {
		return invalid("train.lr_sch: %v", err)
	}

	if c.Adapt.ReRepTemperature <= 0 {
		return invalid("adapt.rerep_temperature must be positive, got %g", c.Adapt.ReRepTemperature)
	}

	switch c.GNN.Kind {
	case "gat", "gat_v2", "identity", "skip":
	default:
		return invalid("gnn.kind %q", c.GNN.Kind)
	}
	if c.GNN.Kind == "gat" || c.GNN.Kind == "gat_v2" {
		if c.GNN.Hidden <= 0 || c.GNN.Heads <= 0 || c.GNN.Layers <= 0 {
			return invalid("gnn.hidden, gnn.heads and gnn.layers must be positive")
		}
		// proto_only scores refined prototypes against raw queries.
		for _, p := range []struct{ name, policy string }{{"adapt.train", c.Adapt.Train}, {"adapt.eval", c.Adapt.Eval}} {
			if p.policy == adapt.ProtoOnly.String() && c.GNN.Hidden != c.Model.EmbDim {
				return invalid("%s proto_only needs gnn.hidden (%d) equal to model.emb_dim (%d)", p.name, c.GNN.Hidden, c.Model.EmbDim)
			}
		}
	}

	switch c.Train.Strategy {
	case StrategyCLRGAT:
	case StrategyMAML:
		if c.Train.TaskSize <= 0 || c.Train.AdaptationSteps < 0 || c.Train.InnerLR <= 0 {
			return invalid("maml needs task_size > 0, adaptation_steps >= 0 and inner_lr > 0")
		}
		if c.Train.TaskWays <= 0 || c.Train.TaskWays > c.Train.Ways {
			return invalid("train.task_ways must be in [1, %d], got %d", c.Train.Ways, c.Train.TaskWays)
		}
		if c.Train.InnerViews <= 0 || c.Train.OuterViews <= 0 || c.Train.InnerViews+c.Train.OuterViews > c.Train.NQuery {
			return invalid("inner_views + outer_views must fit in n_query (%d)", c.Train.NQuery)
		}
	default:
		return invalid("train.strategy %q", c.Train.Strategy)
	}

	switch c.Eval.SupFinetune {
	case FinetuneStdProto, FinetunePrototune, FinetuneProtoMAML, FinetuneSinkhorn, FinetuneLabelCleansing:
	default:
		return invalid("eval.sup_finetune %q", c.Eval.SupFinetune)
	}
	if c.Eval.SupFinetune != FinetuneStdProto && c.Eval.SupFinetuneEpochs < 0 {
		return invalid("eval.sup_finetune_epochs must not be negative")
	}
	if c.Eval.ProjectorDim < 0 {
		return invalid("eval.finetune_use_projector must not be negative")
	}
	if c.Eval.SupFinetune == FinetuneLabelCleansing && (c.Eval.LPK <= 0 || c.Eval.LPAlpha <= 0 || c.Eval.LPAlpha >= 1) {
		return invalid("label_cleansing needs lp_k > 0 and lp_alpha in (0, 1)")
	}

	switch c.RunLog.Driver {
	case "sqlite", "postgres":
	default:
		return invalid("runlog.driver %q", c.RunLog.Driver)
	}
	return nil
}
