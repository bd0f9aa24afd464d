package finetune

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"

	"github.com/scttfrdmn/protoclr/internal/adapt"
	"github.com/scttfrdmn/protoclr/internal/episode"
	"github.com/scttfrdmn/protoclr/internal/gnn"
	"github.com/scttfrdmn/protoclr/internal/graph"
	"github.com/scttfrdmn/protoclr/internal/model"
	"github.com/scttfrdmn/protoclr/internal/nn"
	"github.com/scttfrdmn/protoclr/internal/ot"
	"github.com/scttfrdmn/protoclr/internal/proto"
	"github.com/scttfrdmn/protoclr/internal/synth"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

func newModel(t *testing.T, seed int64, in, emb int) *model.Model {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	ref, err := gnn.NewGAT(rng, gnn.Config{InDim: emb, Hidden: emb, Heads: 2, Layers: 1, Residual: true})
	if err != nil {
		t.Fatal(err)
	}
	return &model.Model{
		Backbone:  nn.NewMLPEncoder(rng, in, []int{16}, emb),
		Graph:     graph.NewGenerator(graph.Learned, 0, true, false, emb),
		Refiner:   ref,
		Transport: ot.Default(),
	}
}

func state(m *model.Model) [][]float64 {
	var out [][]float64
	for _, p := range append(m.Parameters(), m.Buffers()...) {
		out = append(out, append([]float64(nil), p.Data()...))
	}
	return out
}

func sameBits(t *testing.T, before, after [][]float64) {
	t.Helper()
	if len(before) != len(after) {
		t.Fatalf("tensor count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		for j := range before[i] {
			if math.Float64bits(before[i][j]) != math.Float64bits(after[i][j]) {
				t.Fatalf("tensor %d element %d changed: %v -> %v", i, j, before[i][j], after[i][j])
			}
		}
	}
}

func TestHeadMatchesNearestPrototype(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	protos := tensor.NewTensorRand(rng, 1, 4, 5)
	query := tensor.NewTensorRand(rng, 1, 12, 5)

	head := NewHead(protos)
	got := tensor.ArgmaxRows(head.Forward(query))
	want := tensor.ArgmaxRows(proto.Classifier{Temperature: 1}.Scores(protos, query))
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("query %d: head picks %d, nearest prototype is %d", i, got[i], want[i])
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := newModel(t, 2, 6, 4)
	before := state(m)
	snap := Take(m)
	for _, p := range m.Parameters() {
		p.Data()[0] += 1
	}
	m.Backbone.Buffers()[0].Data()[0] = 42
	if err := snap.Restore(m); err != nil {
		t.Fatal(err)
	}
	sameBits(t, before, state(m))
}

func TestRestoreIntoDifferentModelFails(t *testing.T) {
	snap := Take(newModel(t, 3, 6, 4))
	if err := snap.Restore(newModel(t, 3, 6, 8)); !errors.Is(err, ErrRestoreFailed) {
		t.Fatalf("got %v, want ErrRestoreFailed", err)
	}
}

func TestPrototuneLeavesModelBitIdentical(t *testing.T) {
	src := synth.New(rand.New(rand.NewSource(4)), 6, 2, 0.2)
	ep, err := src.Episode(3, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []adapt.Policy{adapt.Task, adapt.Instance, adapt.None} {
		m := newModel(t, 5, 6, 4)
		before := state(m)
		tuner := NewTuner(Options{
			Policy:    p,
			Epochs:    3,
			HeadLR:    1e-2,
			RefinerLR: 1e-2,
			Augment:   nn.NewAugmenter(rand.New(rand.NewSource(6)), 0.1, 0),
		}, rand.New(rand.NewSource(7)), nil)
		res, err := tuner.Prototune(context.Background(), m, ep)
		if err != nil {
			t.Fatalf("%v: %v", p, err)
		}
		if res.Accuracy < 0 || res.Accuracy > 1 || math.IsNaN(res.Loss) {
			t.Errorf("%v: result %+v", p, res)
		}
		sameBits(t, before, state(m))
	}
}

func TestPrototuneSeparatesClusters(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	m := &model.Model{Backbone: nn.NewMLPEncoder(rng, 16, nil, 16)}
	src := synth.New(rand.New(rand.NewSource(9)), 16, 3, 0.05)
	ep, err := src.Episode(5, 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	tuner := NewTuner(Options{Policy: adapt.None, Epochs: 5, HeadLR: 1e-3, FreezeBackbone: true}, rand.New(rand.NewSource(10)), nil)
	res, err := tuner.Prototune(context.Background(), m, ep)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accuracy < 0.9 {
		t.Errorf("accuracy %.2f on well separated clusters", res.Accuracy)
	}
}

func TestProtoMAMLRestoresModel(t *testing.T) {
	m := newModel(t, 11, 6, 4)
	before := state(m)
	ep, err := synth.New(rand.New(rand.NewSource(12)), 6, 2, 0.2).Episode(3, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	tuner := NewTuner(Options{Epochs: 3, HeadLR: 1e-2, RefinerLR: 1e-3}, rand.New(rand.NewSource(13)), nil)
	res, err := tuner.ProtoMAML(context.Background(), m, ep)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accuracy < 0 || res.Accuracy > 1 {
		t.Errorf("accuracy %v", res.Accuracy)
	}
	sameBits(t, before, state(m))
}

func TestCancelledRunStillRestores(t *testing.T) {
	m := newModel(t, 14, 6, 4)
	before := state(m)
	ep, err := synth.New(rand.New(rand.NewSource(15)), 6, 2, 0.2).Episode(2, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tuner := NewTuner(Options{Policy: adapt.Task, Epochs: 2, HeadLR: 1e-2, RefinerLR: 1e-2}, rand.New(rand.NewSource(16)), nil)
	if _, err := tuner.Prototune(ctx, m, ep); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	sameBits(t, before, state(m))
}

func TestMissingSupportClass(t *testing.T) {
	m := newModel(t, 17, 6, 4)
	ep, err := synth.New(rand.New(rand.NewSource(18)), 6, 2, 0.2).Episode(2, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	ep.SupportLabels = []int{0, 0}
	tuner := NewTuner(Options{Epochs: 1}, rand.New(rand.NewSource(19)), nil)
	if _, err := tuner.Prototune(context.Background(), m, ep); !errors.Is(err, episode.ErrInsufficientSupport) {
		t.Errorf("prototune: got %v", err)
	}
	if _, err := tuner.ProtoMAML(context.Background(), m, ep); !errors.Is(err, episode.ErrInsufficientSupport) {
		t.Errorf("proto_maml: got %v", err)
	}
}

func TestSinkhornAndProjectorLeaveModelBitIdentical(t *testing.T) {
	ep, err := synth.New(rand.New(rand.NewSource(20)), 6, 2, 0.2).Episode(3, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []adapt.Policy{adapt.None, adapt.Task} {
		m := newModel(t, 21, 6, 4)
		before := state(m)
		tuner := NewTuner(Options{
			Policy:       p,
			Epochs:       3,
			HeadLR:       1e-2,
			RefinerLR:    1e-2,
			ProjectorDim: 5,
		}, rand.New(rand.NewSource(22)), nil)

		res, err := tuner.Sinkhorn(context.Background(), m, ep)
		if err != nil {
			t.Fatalf("sinkhorn %v: %v", p, err)
		}
		if res.Accuracy < 0 || res.Accuracy > 1 || math.IsNaN(res.Loss) {
			t.Errorf("sinkhorn %v: result %+v", p, res)
		}
		sameBits(t, before, state(m))

		res, err = tuner.Prototune(context.Background(), m, ep)
		if err != nil {
			t.Fatalf("projected prototune %v: %v", p, err)
		}
		if res.Accuracy < 0 || res.Accuracy > 1 || math.IsNaN(res.Loss) {
			t.Errorf("projected prototune %v: result %+v", p, res)
		}
		sameBits(t, before, state(m))
	}
}

func TestCleansingLabelsSeparatedClusters(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	const ways, shots, queries, dim = 3, 2, 4, 5
	sample := func(per int) (*tensor.Tensor, []int) {
		var rows [][]float64
		var labels []int
		for c := 0; c < ways; c++ {
			for k := 0; k < per; k++ {
				r := make([]float64, dim)
				for f := range r {
					r[f] = 0.05 * rng.NormFloat64()
				}
				r[c] += 1
				rows = append(rows, r)
				labels = append(labels, c)
			}
		}
		x, _ := tensor.FromRows(rows)
		return x, labels
	}
	s, sl := sample(shots)
	q, ql := sample(queries)

	c := Cleansing{K: 4, Alpha: 0.8}
	out, err := c.Run(context.Background(), s, sl, q, ways)
	if err != nil {
		t.Fatal(err)
	}
	res := scoreLabels(out, ql)
	if res.Accuracy != 1 {
		t.Errorf("accuracy %.2f, predictions %v", res.Accuracy, out.Predictions)
	}
	if math.IsNaN(res.Loss) || res.Loss < 0 {
		t.Errorf("loss %v", res.Loss)
	}
	for i, p := range out.Initial {
		if sum := p[0] + p[1] + p[2]; math.Abs(sum-1) > 1e-9 {
			t.Errorf("query %d: probabilities sum to %v", i, sum)
		}
	}

	if _, err := (Cleansing{K: 4, Alpha: 1}).Run(context.Background(), s, sl, q, ways); !errors.Is(err, ErrPropagation) {
		t.Errorf("alpha 1: got %v, want ErrPropagation", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Run(ctx, s, sl, q, ways); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestLabelCleansingReadsOnly(t *testing.T) {
	m := newModel(t, 24, 6, 4)
	before := state(m)
	ep, err := synth.New(rand.New(rand.NewSource(25)), 6, 2, 0.2).Episode(3, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []adapt.Policy{adapt.None, adapt.Instance} {
		tuner := NewTuner(Options{Policy: p}, rand.New(rand.NewSource(26)), nil)
		res, err := tuner.LabelCleansing(context.Background(), m, ep)
		if err != nil {
			t.Fatalf("%v: %v", p, err)
		}
		if res.Accuracy < 0 || res.Accuracy > 1 || math.IsNaN(res.Loss) {
			t.Errorf("%v: result %+v", p, res)
		}
		sameBits(t, before, state(m))
	}

	ep.SupportLabels = make([]int, len(ep.SupportLabels))
	tuner := NewTuner(Options{Epochs: 1}, rand.New(rand.NewSource(27)), nil)
	if _, err := tuner.LabelCleansing(context.Background(), m, ep); !errors.Is(err, episode.ErrInsufficientSupport) {
		t.Errorf("label_cleansing: got %v", err)
	}
	if _, err := tuner.Sinkhorn(context.Background(), m, ep); !errors.Is(err, episode.ErrInsufficientSupport) {
		t.Errorf("sinkhorn: got %v", err)
	}
}
