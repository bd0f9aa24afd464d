// Package graph builds task-specific graphs over node embeddings.
//
// A graph lives for exactly one forward pass: it is derived from the
// embeddings it connects and is discarded with them.
package graph

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// ErrUnknownMetric is returned by ParseMetric.
var ErrUnknownMetric = errors.New("graph: unknown metric")

// Unlabelled marks a node whose class is unknown (a query at test time).
const Unlabelled = -1

// Metric selects the node similarity used for edges.
type Metric int

const (
	// Cosine similarity of the two embeddings.
	Cosine Metric = iota
	// Euclidean similarity exp(-‖a-b‖²/D).
	Euclidean
	// Learned similarity exp(-‖w∘(a-b)‖²/D) with a trainable scale w.
	Learned
)

func (m Metric) String() string {
	switch m {
	case Cosine:
		return "cosine"
	case Euclidean:
		return "euclidean"
	case Learned:
		return "learned"
	}
	return "unknown"
}

// ParseMetric maps a config string to a Metric.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(s) {
	case "cosine", "":
		return Cosine, nil
	case "euclidean":
		return Euclidean, nil
	case "learned":
		return Learned, nil
	}
	return 0, errors.Wrapf(ErrUnknownMetric, "%q", s)
}

// Graph is a directed graph over N nodes. Edge e carries a message from
// EdgeIndex[e][0] (source) to EdgeIndex[e][1] (destination).
type Graph struct {
	NumNodes  int
	EdgeIndex [][2]int
	EdgeAttr  *tensor.Tensor // (E, 1) similarity, on the tape

	// EdgeTargets is set when labels were supplied: 1 for same-class
	// edges, 0 for cross-class edges, Unlabelled when either end is unknown.
	EdgeTargets []int
}

// NumEdges returns the number of edges.
func (g *Graph) NumEdges() int { return len(g.EdgeIndex) }

// Sources returns the source node of every edge.
func (g *Graph) Sources() []int {
	out := make([]int, len(g.EdgeIndex))
	for i, e := range g.EdgeIndex {
		out[i] = e[0]
	}
	return out
}

// Targets returns the destination node of every edge.
func (g *Graph) Targets() []int {
	out := make([]int, len(g.EdgeIndex))
	for i, e := range g.EdgeIndex {
		out[i] = e[1]
	}
	return out
}

// Generator turns N embeddings into a graph.
type Generator struct {
	Metric Metric

	// TopK keeps, for every destination, the K most similar other nodes.
	// 0 (or K ≥ N-1) keeps every pair.
	TopK int

	// SelfLoops adds an i → i edge for every node.
	SelfLoops bool

	// LabelMask drops edges between nodes with different known labels.
	LabelMask bool

	// Scale is the trainable per-dimension weight of the Learned metric.
	Scale *tensor.Tensor
}

// NewGenerator returns a generator. dim is only needed by the Learned metric.
func NewGenerator(metric Metric, topK int, selfLoops, labelMask bool, dim int) *Generator {
	g := &Generator{Metric: metric, TopK: topK, SelfLoops: selfLoops, LabelMask: labelMask}
	if metric == Learned {
		g.Scale = tensor.NewParam(1, dim)
		for i := range g.Scale.Data() {
			g.Scale.Data()[i] = 1
		}
	}
	return g
}

// Parameters returns the trainable metric weights, if any.
func (gen *Generator) Parameters() []*tensor.Tensor {
	if gen.Scale == nil {
		return nil
	}
	return []*tensor.Tensor{gen.Scale}
}

// Clone returns an independent copy.
func (gen *Generator) Clone() *Generator {
	c := *gen
	if gen.Scale != nil {
		c.Scale = gen.Scale.Clone()
	}
	return &c
}

// BuildRows is Build for raw vectors. Rows must share one dimensionality.
func (gen *Generator) BuildRows(rows [][]float64, labels []int) (*Graph, error) {
	z, err := tensor.FromRows(rows)
	if err != nil {
		return nil, err
	}
	return gen.Build(z, labels)
}

// Build connects the rows of z (N, D). labels may be nil; otherwise it holds
// one label per node, Unlabelled where unknown. Labels shape edges and
// targets only; z is never modified.
func (gen *Generator) Build(z *tensor.Tensor, labels []int) (*Graph, error) {
	if z == nil {
		return nil, tensor.ErrEmptyInput
	}
	if z.Dims() != 2 {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "embeddings of shape %v", z.Shape())
	}
	n := z.Rows()
	if labels != nil && len(labels) != n {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "%d labels for %d nodes", len(labels), n)
	}
	if gen.Metric == Learned && (gen.Scale == nil || gen.Scale.Size() != z.Cols()) {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "learned metric width does not match %d", z.Cols())
	}

	sim := gen.similarity(z)
	s := sim.Data()

	var edges [][2]int
	for dst := 0; dst < n; dst++ {
		var cands []int
		for src := 0; src < n; src++ {
			if src == dst {
				continue
			}
			if gen.LabelMask && labels != nil && known(labels, src, dst) && labels[src] != labels[dst] {
				continue
			}
			cands = append(cands, src)
		}
		if gen.TopK > 0 && gen.TopK < len(cands) {
			sort.SliceStable(cands, func(a, b int) bool {
				return s[dst*n+cands[a]] > s[dst*n+cands[b]]
			})
			cands = cands[:gen.TopK]
			sort.Ints(cands)
		}
		if gen.SelfLoops {
			cands = append(cands, dst)
			sort.Ints(cands)
		}
		for _, src := range cands {
			edges = append(edges, [2]int{src, dst})
		}
	}

	g := &Graph{NumNodes: n, EdgeIndex: edges}
	if len(edges) > 0 {
		// GatherElems reads sim[row, col]; row = dst keeps the attr aligned
		// with what top-k ranked.
		pairs := make([][2]int, len(edges))
		for i, e := range edges {
			pairs[i] = [2]int{e[1], e[0]}
		}
		g.EdgeAttr = tensor.GatherElems(sim, pairs)
	}
	if labels != nil {
		g.EdgeTargets = make([]int, len(edges))
		for i, e := range edges {
			switch {
			case !known(labels, e[0], e[1]):
				g.EdgeTargets[i] = Unlabelled
			case labels[e[0]] == labels[e[1]]:
				g.EdgeTargets[i] = 1
			}
		}
	}
	return g, nil
}

func known(labels []int, a, b int) bool {
	return labels[a] != Unlabelled && labels[b] != Unlabelled
}

func (gen *Generator) similarity(z *tensor.Tensor) *tensor.Tensor {
	switch gen.Metric {
	case Euclidean:
		return tensor.Exp(tensor.Scale(tensor.PairwiseSqDist(z, z), -1/float64(z.Cols())))
	case Learned:
		w := tensor.MulRow(z, gen.Scale)
		return tensor.Exp(tensor.Scale(tensor.PairwiseSqDist(w, w), -1/float64(z.Cols())))
	default:
		zn := tensor.NormalizeRows(z, 1e-12)
		return tensor.MatMulT(zn, zn)
	}
}
