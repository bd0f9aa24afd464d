// Package gnn refines node embeddings by message passing over a task graph.
package gnn

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A multi-head graph attention network (GAT) over the graph built for one
// episode. Per layer, with H heads of width Dh:
//
//   h      = x W                                   (N, H*Dh)
//   e_ij   = LeakyReLU(a_src·h_i + a_dst·h_j + a_edge * attr_ij)   per head
//   α_ij   = softmax over the incoming edges of j  (SegmentSoftmax)
//   m_j    = Σ_i α_ij h_i                          (SegmentSum)
//   out_j  = m_j W_o + b_o  [+ residual x_j]  → LayerNorm → ReLU
//
// The v2 variant (GATv2) scores an edge after the nonlinearity, so the
// ranking of neighbours can depend on the destination:
//
//   e_ij   = a · LeakyReLU(W_s x_i + W_d x_j + W_e attr_ij)   per head
//   m_j    = Σ_i α_ij (W_s x_i)
//
// i → j is an edge from source i to destination j. Every op is recorded on
// the tape so gradients reach x, the layer weights and, through attr, any
// parameters of the graph generator.
//
// INTUITION:
// A support embedding that sits between two classes gets pulled toward the
// neighbours the attention trusts most, so prototypes computed after
// refinement are tighter than prototypes of raw backbone embeddings.
//
// Row order of the output equals row order of the input. Nothing here
// depends on node order except through edge_index, which makes the layer
// permutation equivariant.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "Graph Attention Networks" by Veličković et al. (2018)
//   https://arxiv.org/abs/1710.10903
// - "How Attentive are Graph Attention Networks?" by Brody et al. (2022)
//   https://arxiv.org/abs/2105.14491
// ===========================================================================

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/scttfrdmn/protoclr/internal/graph"
	"github.com/scttfrdmn/protoclr/internal/nn"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// ErrDimensionMismatch indicates an edge that points outside [0, N), or an
// input width the refiner was not built for.
var ErrDimensionMismatch = errors.New("gnn: dimension mismatch")

// Refiner maps N embeddings and their graph to N refined embeddings.
type Refiner interface {
	Refine(x *tensor.Tensor, g *graph.Graph) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	CloneRefiner() Refiner
}

// Config sizes a GAT refiner.
type Config struct {
	InDim  int
	Hidden int // output width of every layer
	Heads  int
	Layers int

	Residual  bool
	LayerNorm bool

	// LastActivation applies the nonlinearity after the final layer too.
	LastActivation bool

	// V2 selects GATv2 scoring.
	V2 bool
}

// GATLayer is one multi-head attention message-passing layer.
//
// A v1 layer uses AttDst and AttEdge; a v2 layer uses WDst and EdgeW and
// reads AttSrc as its single attention vector.
type GATLayer struct {
	W       *tensor.Tensor // (in, H*Dh)
	AttSrc  *tensor.Tensor // (H, Dh)
	AttDst  *tensor.Tensor // (H, Dh)
	AttEdge *tensor.Tensor // (1, H)
	WDst    *tensor.Tensor // (in, H*Dh)
	EdgeW   *tensor.Tensor // (1, H*Dh)
	Out     *nn.Linear     // (H*Dh, out)
	Res     *nn.Linear     // projection for the residual when in != out
	Norm    *nn.LayerNorm

	heads, headDim int
}

// GAT stacks GAT layers.
type GAT struct {
	Layers []*GATLayer
	cfg    Config
}

// NewGAT initialises a GAT. Hidden must be divisible by Heads.
func NewGAT(rng *rand.Rand, cfg Config) (*GAT, error) {
	if cfg.Layers <= 0 || cfg.Heads <= 0 || cfg.InDim <= 0 || cfg.Hidden <= 0 {
		return nil, errors.Wrapf(ErrDimensionMismatch, "invalid GAT config %+v", cfg)
	}
	if cfg.Hidden%cfg.Heads != 0 {
		return nil, errors.Wrapf(ErrDimensionMismatch, "hidden %d not divisible by %d heads", cfg.Hidden, cfg.Heads)
	}

	g := &GAT{cfg: cfg}
	in := cfg.InDim
	dh := cfg.Hidden / cfg.Heads
	for l := 0; l < cfg.Layers; l++ {
		std := math.Sqrt(2 / float64(in+cfg.Hidden))
		layer := &GATLayer{
			W:       param(rng, std, in, cfg.Hidden),
			AttSrc:  param(rng, math.Sqrt(1/float64(dh)), cfg.Heads, dh),
			Out:     nn.NewLinear(rng, cfg.Hidden, cfg.Hidden),
			heads:   cfg.Heads,
			headDim: dh,
		}
		if cfg.V2 {
			layer.WDst = param(rng, std, in, cfg.Hidden)
			layer.EdgeW = param(rng, 0.1, 1, cfg.Hidden)
		} else {
			layer.AttDst = param(rng, math.Sqrt(1/float64(dh)), cfg.Heads, dh)
			layer.AttEdge = param(rng, 0.1, 1, cfg.Heads)
		}
		if cfg.Residual && in != cfg.Hidden {
			layer.Res = nn.NewLinear(rng, in, cfg.Hidden)
		}
		if cfg.LayerNorm {
			layer.Norm = nn.NewLayerNorm(cfg.Hidden)
		}
		g.Layers = append(g.Layers, layer)
		in = cfg.Hidden
	}
	return g, nil
}

func param(rng *rand.Rand, std float64, shape ...int) *tensor.Tensor {
	t := tensor.NewTensorRand(rng, std, shape...)
	t.SetRequiresGrad(true)
	return t
}

// Refine runs every layer over g.
func (m *GAT) Refine(x *tensor.Tensor, g *graph.Graph) (*tensor.Tensor, error) {
	if err := checkGraph(x, g); err != nil {
		return nil, err
	}
	if x.Cols() != m.cfg.InDim {
		return nil, errors.Wrapf(ErrDimensionMismatch, "input width %d, refiner built for %d", x.Cols(), m.cfg.InDim)
	}

	h := x
	for l, layer := range m.Layers {
		last := l == len(m.Layers)-1
		h = layer.forward(h, g, m.cfg.Residual, !last || m.cfg.LastActivation)
	}
	return h, nil
}

func (l *GATLayer) forward(x *tensor.Tensor, g *graph.Graph, residual, activate bool) *tensor.Tensor {
	n := x.Rows()
	h := tensor.MatMul(x, l.W)

	var agg *tensor.Tensor
	if g.NumEdges() == 0 {
		agg = tensor.NewTensor(n, l.heads*l.headDim)
	} else {
		src, dst := g.Sources(), g.Targets()
		var scores *tensor.Tensor
		if l.WDst != nil {
			scores = l.scoresV2(x, h, g, src, dst)
		} else {
			scores = l.scoresV1(h, g, src, dst)
		}
		alpha := tensor.SegmentSoftmax(scores, dst, n)
		agg = tensor.SegmentSum(tensor.HeadScale(tensor.GatherRows(h, src), alpha), dst, n)
	}

	out := l.Out.Forward(agg)
	if residual {
		skip := x
		if l.Res != nil {
			skip = l.Res.Forward(x)
		}
		out = tensor.Add(out, skip)
	}
	if l.Norm != nil {
		out = l.Norm.Forward(out)
	}
	if activate {
		out = tensor.ReLU(out)
	}
	return out
}

// scoresV1 returns LeakyReLU(a_src·h_i + a_dst·h_j + a_edge*attr), (E, H).
func (l *GATLayer) scoresV1(h *tensor.Tensor, g *graph.Graph, src, dst []int) *tensor.Tensor {
	scores := tensor.Add(
		tensor.GatherRows(tensor.HeadDot(h, l.AttSrc), src),
		tensor.GatherRows(tensor.HeadDot(h, l.AttDst), dst),
	)
	if g.EdgeAttr != nil {
		scores = tensor.Add(scores, tensor.MatMul(g.EdgeAttr, l.AttEdge))
	}
	return tensor.LeakyReLU(scores, 0.2)
}

// scoresV2 returns a·LeakyReLU(h_i + W_d x_j + W_e attr), (E, H).
func (l *GATLayer) scoresV2(x, h *tensor.Tensor, g *graph.Graph, src, dst []int) *tensor.Tensor {
	pre := tensor.Add(tensor.GatherRows(h, src), tensor.GatherRows(tensor.MatMul(x, l.WDst), dst))
	if g.EdgeAttr != nil {
		pre = tensor.Add(pre, tensor.MatMul(g.EdgeAttr, l.EdgeW))
	}
	return tensor.HeadDot(tensor.LeakyReLU(pre, 0.2), l.AttSrc)
}

// Parameters returns every trainable tensor of every layer.
func (m *GAT) Parameters() []*tensor.Tensor {
	var ps []*tensor.Tensor
	for _, l := range m.Layers {
		ps = append(ps, l.W, l.AttSrc)
		for _, p := range []*tensor.Tensor{l.AttDst, l.AttEdge, l.WDst, l.EdgeW} {
			if p != nil {
				ps = append(ps, p)
			}
		}
		ps = append(ps, l.Out.Parameters()...)
		if l.Res != nil {
			ps = append(ps, l.Res.Parameters()...)
		}
		if l.Norm != nil {
			ps = append(ps, l.Norm.Parameters()...)
		}
	}
	return ps
}

// CloneRefiner returns an independent deep copy.
func (m *GAT) CloneRefiner() Refiner {
	c := &GAT{cfg: m.cfg}
	for _, l := range m.Layers {
		cl := &GATLayer{
			W:       l.W.Clone(),
			AttSrc:  l.AttSrc.Clone(),
			AttDst:  cloneOpt(l.AttDst),
			AttEdge: cloneOpt(l.AttEdge),
			WDst:    cloneOpt(l.WDst),
			EdgeW:   cloneOpt(l.EdgeW),
			Out:     l.Out.Clone(),
			heads:   l.heads,
			headDim: l.headDim,
		}
		if l.Res != nil {
			cl.Res = l.Res.Clone()
		}
		if l.Norm != nil {
			cl.Norm = l.Norm.Clone()
		}
		c.Layers = append(c.Layers, cl)
	}
	return c
}

func cloneOpt(t *tensor.Tensor) *tensor.Tensor {
	if t == nil {
		return nil
	}
	return t.Clone()
}

// OutDim is the width of refined embeddings.
func (m *GAT) OutDim() int { return m.cfg.Hidden }

func checkGraph(x *tensor.Tensor, g *graph.Graph) error {
	if x == nil || g == nil {
		return tensor.ErrEmptyInput
	}
	n := x.Rows()
	if g.NumNodes != n {
		return errors.Wrapf(ErrDimensionMismatch, "graph has %d nodes, input has %d rows", g.NumNodes, n)
	}
	for e, pair := range g.EdgeIndex {
		if pair[0] < 0 || pair[0] >= n || pair[1] < 0 || pair[1] >= n {
			return errors.Wrapf(ErrDimensionMismatch, "edge %d (%d→%d) outside [0,%d)", e, pair[0], pair[1], n)
		}
	}
	if g.EdgeAttr != nil && g.EdgeAttr.Rows() != g.NumEdges() {
		return errors.Wrapf(ErrDimensionMismatch, "%d edge attributes for %d edges", g.EdgeAttr.Rows(), g.NumEdges())
	}
	return nil
}

// Identity is the ablation refiner: embeddings pass through unchanged.
type Identity struct{}

// Refine validates the graph and returns x as is.
func (Identity) Refine(x *tensor.Tensor, g *graph.Graph) (*tensor.Tensor, error) {
	if err := checkGraph(x, g); err != nil {
		return nil, err
	}
	return x, nil
}

func (Identity) Parameters() []*tensor.Tensor { return nil }

func (Identity) CloneRefiner() Refiner { return Identity{} }
