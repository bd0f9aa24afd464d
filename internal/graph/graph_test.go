package graph

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

var rows = [][]float64{
	{1, 0, 0},
	{0.9, 0.1, 0},
	{0, 1, 0},
	{0, 0.9, 0.1},
}

func TestDenseGraph(t *testing.T) {
	g, err := NewGenerator(Cosine, 0, true, false, 3).BuildRows(rows, nil)
	if err != nil {
		t.Fatal(err)
	}
	if g.NumEdges() != 16 {
		t.Errorf("expected 16 edges with self loops, got %d", g.NumEdges())
	}
	if g.EdgeTargets != nil {
		t.Errorf("edge targets set without labels")
	}
	for i, e := range g.EdgeIndex {
		if e[0] == e[1] && math.Abs(g.EdgeAttr.At(i, 0)-1) > 1e-12 {
			t.Errorf("self loop %v has similarity %f", e, g.EdgeAttr.At(i, 0))
		}
	}
}

func TestTopKKeepsNearestNeighbour(t *testing.T) {
	for _, m := range []Metric{Cosine, Euclidean, Learned} {
		g, err := NewGenerator(m, 1, false, false, 3).BuildRows(rows, nil)
		if err != nil {
			t.Fatal(err)
		}
		if g.NumEdges() != 4 {
			t.Fatalf("%v: expected 4 edges, got %d", m, g.NumEdges())
		}
		want := map[int]int{0: 1, 1: 0, 2: 3, 3: 2}
		for _, e := range g.EdgeIndex {
			if want[e[1]] != e[0] {
				t.Errorf("%v: node %d linked to %d, want %d", m, e[1], e[0], want[e[1]])
			}
		}
	}
}

func TestLabelMaskAndTargets(t *testing.T) {
	labels := []int{0, 0, 1, Unlabelled}

	g, err := NewGenerator(Cosine, 0, false, true, 3).BuildRows(rows, labels)
	if err != nil {
		t.Fatal(err)
	}
	for i, e := range g.EdgeIndex {
		a, b := labels[e[0]], labels[e[1]]
		if a != Unlabelled && b != Unlabelled && a != b {
			t.Errorf("cross-class edge %v survived the mask", e)
		}
		want := 1
		if a == Unlabelled || b == Unlabelled {
			want = Unlabelled
		}
		if g.EdgeTargets[i] != want {
			t.Errorf("edge %v target %d, want %d", e, g.EdgeTargets[i], want)
		}
	}

	unmasked, _ := NewGenerator(Cosine, 0, false, false, 3).BuildRows(rows, labels)
	if unmasked.NumEdges() != 12 {
		t.Errorf("labels without masking must not drop edges, got %d", unmasked.NumEdges())
	}
}

func TestBuildFailures(t *testing.T) {
	gen := NewGenerator(Cosine, 0, false, false, 3)

	if _, err := gen.BuildRows(nil, nil); !errors.Is(err, tensor.ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
	if _, err := gen.BuildRows([][]float64{{1, 2}, {1, 2, 3}}, nil); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := gen.BuildRows(rows, []int{0}); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for label count, got %v", err)
	}
	if _, err := ParseMetric("hamming"); !errors.Is(err, ErrUnknownMetric) {
		t.Errorf("expected ErrUnknownMetric, got %v", err)
	}
}

func TestSingleNode(t *testing.T) {
	g, err := NewGenerator(Cosine, 0, false, false, 3).BuildRows(rows[:1], nil)
	if err != nil {
		t.Fatal(err)
	}
	if g.NumEdges() != 0 || g.EdgeAttr != nil {
		t.Errorf("single node without self loops should have no edges")
	}
}
