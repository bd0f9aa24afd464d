package learner

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"

	"github.com/scttfrdmn/protoclr/internal/config"
	"github.com/scttfrdmn/protoclr/internal/episode"
	"github.com/scttfrdmn/protoclr/internal/synth"
)

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.Data.InputDim = 8
	cfg.Model.Hidden = []int{12}
	cfg.Model.EmbDim = 8
	cfg.GNN.Hidden = 8
	cfg.GNN.Heads = 2
	cfg.Train.Steps = 20
	cfg.Train.Ways = 6
	cfg.Train.NQuery = 3
	cfg.Train.TaskWays = 3
	cfg.Train.TaskSize = 2
	cfg.Eval.Ways = 3
	cfg.Eval.NSupport = 2
	cfg.Eval.NQuery = 2
	cfg.Eval.SupFinetuneEpochs = 2
	return &cfg
}

func params(l *Learner) [][]float64 {
	var out [][]float64
	for _, p := range l.Model().Parameters() {
		out = append(out, append([]float64(nil), p.Data()...))
	}
	return out
}

func changed(a, b [][]float64) bool {
	for i := range a {
		for j := range a[i] {
			if math.Float64bits(a[i][j]) != math.Float64bits(b[i][j]) {
				return true
			}
		}
	}
	return false
}

func TestTrainingStepUpdatesModel(t *testing.T) {
	for _, strategy := range []string{config.StrategyCLRGAT, config.StrategyMAML} {
		t.Run(strategy, func(t *testing.T) {
			cfg := smallConfig()
			cfg.Train.Strategy = strategy
			cfg.Train.LossCNN = true
			l, err := New(cfg, nil)
			if err != nil {
				t.Fatal(err)
			}
			src := synth.New(rand.New(rand.NewSource(1)), cfg.Data.InputDim, 1, 0.1)
			b, err := src.Batch(cfg.Train.Ways, cfg.Train.NQuery)
			if err != nil {
				t.Fatal(err)
			}

			before := params(l)
			met, err := l.TrainingStep(context.Background(), b)
			if err != nil {
				t.Fatal(err)
			}
			if math.IsNaN(met.Loss) || met.Accuracy < 0 || met.Accuracy > 1 || met.LR <= 0 {
				t.Errorf("metrics %+v", met)
			}
			if !changed(before, params(l)) {
				t.Error("training step left every parameter unchanged")
			}
			if l.Steps() != 1 {
				t.Errorf("steps = %d", l.Steps())
			}
		})
	}
}

func TestEvaluateEpisodeNeverTrains(t *testing.T) {
	for _, ft := range []string{config.FinetuneStdProto, config.FinetunePrototune, config.FinetuneProtoMAML,
		config.FinetuneSinkhorn, config.FinetuneLabelCleansing} {
		for _, policy := range []string{"none", "task", "proto_only", "instance", "ot", "re_rep"} {
			cfg := smallConfig()
			cfg.Eval.SupFinetune = ft
			cfg.Eval.FreezeBackbone = false
			cfg.Eval.UseAugs = true
			cfg.Adapt.Eval = policy
			cfg.Eval.ProjectorDim = 4
			l, err := New(cfg, nil)
			if err != nil {
				t.Fatal(err)
			}
			ep, err := synth.New(rand.New(rand.NewSource(2)), cfg.Data.InputDim, 1, 0.1).
				Episode(cfg.Eval.Ways, cfg.Eval.NSupport, cfg.Eval.NQuery)
			if err != nil {
				t.Fatal(err)
			}

			before := params(l)
			met, err := l.EvaluateEpisode(context.Background(), ep)
			if err != nil {
				t.Fatalf("%s/%s: %v", ft, policy, err)
			}
			if met.Accuracy < 0 || met.Accuracy > 1 || math.IsNaN(met.Loss) {
				t.Errorf("%s/%s: metrics %+v", ft, policy, met)
			}
			if changed(before, params(l)) {
				t.Errorf("%s/%s: evaluation changed the model", ft, policy)
			}
		}
	}
}

func TestInvalidInputs(t *testing.T) {
	l, err := New(smallConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := l.TrainingStep(ctx, episode.Batch{}); err == nil {
		t.Error("empty batch accepted")
	}

	ep, err := synth.New(rand.New(rand.NewSource(4)), 8, 1, 0.1).Episode(2, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	ep.SupportLabels = []int{1, 1}
	ep.QueryLabels = []int{1, 1}
	if _, err := l.EvaluateEpisode(ctx, ep); !errors.Is(err, episode.ErrInsufficientSupport) {
		t.Errorf("got %v, want ErrInsufficientSupport", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	b, err := synth.New(rand.New(rand.NewSource(5)), 8, 1, 0.1).Batch(6, 3)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.TrainingStep(cancelled, b); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.Adapt.Train = "bogus"
	if _, err := New(cfg, nil); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("got %v", err)
	}

	// Refined prototypes would be wider than the raw queries.
	cfg = smallConfig()
	cfg.Adapt.Eval = "proto_only"
	cfg.GNN.Hidden = cfg.Model.EmbDim * 2
	if _, err := New(cfg, nil); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("proto_only width: got %v", err)
	}
}

func TestGATv2Learner(t *testing.T) {
	cfg := smallConfig()
	cfg.GNN.Kind = "gat_v2"
	cfg.Adapt.Train = "re_rep"
	l, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := synth.New(rand.New(rand.NewSource(7)), cfg.Data.InputDim, 1, 0.1).Batch(cfg.Train.Ways, cfg.Train.NQuery)
	if err != nil {
		t.Fatal(err)
	}
	before := params(l)
	if _, err := l.TrainingStep(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if !changed(before, params(l)) {
		t.Error("gat_v2 training step left every parameter unchanged")
	}
}

func TestSupportlessClassWithQueriesIsInsufficientSupport(t *testing.T) {
	for _, ft := range []string{config.FinetuneStdProto, config.FinetunePrototune, config.FinetuneProtoMAML,
		config.FinetuneLabelCleansing, config.FinetuneSinkhorn} {
		cfg := smallConfig()
		cfg.Eval.SupFinetune = ft
		l, err := New(cfg, nil)
		if err != nil {
			t.Fatal(err)
		}
		ep, err := synth.New(rand.New(rand.NewSource(6)), cfg.Data.InputDim, 1, 0.1).Episode(2, 1, 1)
		if err != nil {
			t.Fatal(err)
		}
		// Class 0 keeps its query but loses its only support example.
		ep.SupportLabels = []int{1, 1}

		_, err = l.EvaluateEpisode(context.Background(), ep)
		if !errors.Is(err, episode.ErrInsufficientSupport) {
			t.Errorf("%s: got %v, want ErrInsufficientSupport", ft, err)
		}
		if err := ep.Validate(); !errors.Is(err, episode.ErrInsufficientSupport) {
			t.Errorf("%s: Validate returned %v, want ErrInsufficientSupport", ft, err)
		}
	}
}
