package gnn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/scttfrdmn/protoclr/internal/graph"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

func testGAT(t *testing.T, inDim int) *GAT {
	t.Helper()
	g, err := NewGAT(rand.New(rand.NewSource(1)), Config{
		InDim: inDim, Hidden: 8, Heads: 2, Layers: 2, Residual: true, LayerNorm: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestGATShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x := tensor.NewTensorRand(rng, 1, 5, 6)
	gr, err := graph.NewGenerator(graph.Cosine, 2, true, false, 6).Build(x, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := testGAT(t, 6).Refine(x, gr)
	if err != nil {
		t.Fatal(err)
	}
	if s := out.Shape(); s[0] != 5 || s[1] != 8 {
		t.Errorf("expected (5, 8), got %v", s)
	}
}

// TestGATPermutationEquivariance permutes the nodes and relabels edge_index
// accordingly; every node must get the same refined vector.
func TestGATPermutationEquivariance(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const n = 6
	x := tensor.NewTensorRand(rng, 1, n, 4)
	gr, err := graph.NewGenerator(graph.Cosine, 3, true, false, 4).Build(x, nil)
	if err != nil {
		t.Fatal(err)
	}
	model := testGAT(t, 4)
	out, err := model.Refine(x, gr)
	if err != nil {
		t.Fatal(err)
	}

	perm := []int{3, 0, 5, 1, 4, 2} // new row i holds old node perm[i]
	inv := make([]int, n)
	for i, p := range perm {
		inv[p] = i
	}
	px := tensor.GatherRows(x, perm)
	pg := &graph.Graph{NumNodes: n}
	attr := make([]float64, gr.NumEdges())
	for e := gr.NumEdges() - 1; e >= 0; e-- { // reversed edge order too
		pair := gr.EdgeIndex[e]
		pg.EdgeIndex = append(pg.EdgeIndex, [2]int{inv[pair[0]], inv[pair[1]]})
		attr[len(pg.EdgeIndex)-1] = gr.EdgeAttr.At(e, 0)
	}
	pg.EdgeAttr, _ = tensor.FromSlice(attr, len(attr), 1)

	pout, err := model.Refine(px, pg)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		for f := 0; f < out.Cols(); f++ {
			if math.Abs(pout.At(i, f)-out.At(perm[i], f)) > 1e-9 {
				t.Fatalf("node %d feature %d: %f vs %f", perm[i], f, out.At(perm[i], f), pout.At(i, f))
			}
		}
	}
}

func TestGATRejectsOutOfRangeEdges(t *testing.T) {
	x := tensor.NewTensor(3, 4)
	bad := &graph.Graph{NumNodes: 3, EdgeIndex: [][2]int{{0, 1}, {2, 3}}}
	if _, err := testGAT(t, 4).Refine(x, bad); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := (Identity{}).Refine(x, bad); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("identity: expected ErrDimensionMismatch, got %v", err)
	}
	ok := &graph.Graph{NumNodes: 3}
	if _, err := testGAT(t, 5).Refine(x, ok); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch for input width, got %v", err)
	}
}

func TestGATGradientsReachEveryParameter(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	x := tensor.NewTensorRand(rng, 1, 5, 4)
	gr, _ := graph.NewGenerator(graph.Cosine, 0, true, false, 4).Build(x, nil)
	model := testGAT(t, 4)

	out, err := model.Refine(x, gr)
	if err != nil {
		t.Fatal(err)
	}
	w := make([]float64, out.Size())
	for i := range w {
		w[i] = rng.NormFloat64()
	}
	if err := tensor.Backward(tensor.WeightedSum(out, w)); err != nil {
		t.Fatal(err)
	}
	// AttDst only acts through the LeakyReLU kink (softmax is shift
	// invariant per destination), so it is not required to move here.
	var checked []*tensor.Tensor
	for _, l := range model.Layers {
		checked = append(checked, l.W, l.AttSrc, l.AttEdge, l.Out.W)
	}
	for i, p := range checked {
		nonzero := false
		for _, g := range p.Grad() {
			if g != 0 {
				nonzero = true
				break
			}
		}
		if !nonzero {
			t.Errorf("parameter %d (%v) received no gradient", i, p.Shape())
		}
	}
}

func TestIdentityAndClone(t *testing.T) {
	x := tensor.NewTensor(2, 3)
	out, err := (Identity{}).Refine(x, &graph.Graph{NumNodes: 2})
	if err != nil || out != x {
		t.Errorf("identity should return its input, got %v %v", out, err)
	}

	model := testGAT(t, 3)
	clone := model.CloneRefiner()
	clone.Parameters()[0].Data()[0] += 1
	if model.Parameters()[0].Data()[0] == clone.Parameters()[0].Data()[0] {
		t.Errorf("clone shares storage")
	}

	if _, err := New(nil, "gcn", Config{}); !errors.Is(err, ErrUnknownRefiner) {
		t.Errorf("expected ErrUnknownRefiner, got %v", err)
	}
}

func TestGATv2(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const n = 6
	x := tensor.NewTensorRand(rng, 1, n, 4)
	gr, err := graph.NewGenerator(graph.Euclidean, 3, true, false, 4).Build(x, nil)
	if err != nil {
		t.Fatal(err)
	}
	ref, err := New(rand.New(rand.NewSource(6)), "gat_v2", Config{InDim: 4, Hidden: 4, Heads: 2, Layers: 2, Residual: true})
	if err != nil {
		t.Fatal(err)
	}
	v2 := ref.(*GAT)
	for i, l := range v2.Layers {
		if l.WDst == nil || l.EdgeW == nil || l.AttDst != nil || l.AttEdge != nil {
			t.Fatalf("layer %d is not a v2 layer", i)
		}
	}

	out, err := v2.Refine(x, gr)
	if err != nil {
		t.Fatal(err)
	}
	if s := out.Shape(); s[0] != n || s[1] != 4 {
		t.Fatalf("expected (%d, 4), got %v", n, s)
	}

	// Same equivariance check as v1, on a reversed edge list.
	perm := []int{5, 2, 0, 4, 1, 3}
	inv := make([]int, n)
	for i, p := range perm {
		inv[p] = i
	}
	pg := &graph.Graph{NumNodes: n}
	attr := make([]float64, gr.NumEdges())
	for e := gr.NumEdges() - 1; e >= 0; e-- {
		pair := gr.EdgeIndex[e]
		pg.EdgeIndex = append(pg.EdgeIndex, [2]int{inv[pair[0]], inv[pair[1]]})
		attr[len(pg.EdgeIndex)-1] = gr.EdgeAttr.At(e, 0)
	}
	pg.EdgeAttr, _ = tensor.FromSlice(attr, len(attr), 1)
	pout, err := v2.Refine(tensor.GatherRows(x, perm), pg)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		for f := 0; f < out.Cols(); f++ {
			if math.Abs(pout.At(i, f)-out.At(perm[i], f)) > 1e-9 {
				t.Fatalf("node %d feature %d: %f vs %f", perm[i], f, out.At(perm[i], f), pout.At(i, f))
			}
		}
	}

	w := make([]float64, out.Size())
	for i := range w {
		w[i] = rng.NormFloat64()
	}
	if err := tensor.Backward(tensor.WeightedSum(out, w)); err != nil {
		t.Fatal(err)
	}
	for _, l := range v2.Layers {
		for _, p := range []*tensor.Tensor{l.W, l.WDst, l.AttSrc, l.EdgeW} {
			nonzero := false
			for _, g := range p.Grad() {
				if g != 0 {
					nonzero = true
					break
				}
			}
			if !nonzero {
				t.Errorf("v2 parameter %v received no gradient", p.Shape())
			}
		}
	}

	clone := v2.CloneRefiner()
	if len(clone.Parameters()) != len(v2.Parameters()) {
		t.Errorf("clone lists %d parameters, original %d", len(clone.Parameters()), len(v2.Parameters()))
	}
}
