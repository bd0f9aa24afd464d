package finetune

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Transductive label propagation with iterative cleaning. No parameter is
// trained; the queries are labelled through the support set and through
// each other.
//
//   1. Embed support ∪ query and re-represent the two sets through each
//      other (adapt.ReRepresentation).
//   2. Build a cosine k-NN graph over all rows, W_ij = max(cos, 0)^3,
//      symmetrised and normalised: Ŵ = D^-1/2 W D^-1/2.
//   3. Propagate one-hot labels: F = (I - αŴ)^-1 Y, one row per node.
//   4. Cleaning: for every class, the unlabelled query that is most
//      confidently assigned to it becomes labelled, then propagate again.
//      Repeat until every query carries a label.
//
// The reported loss is the cross-entropy of the first propagation (support
// labels only) against the true query labels.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "Learning with Local and Global Consistency" by Zhou et al. (2004)
// - "Iterative label cleaning for transductive and semi-supervised few-shot
//   learning" by Lazarou et al. (2021) https://arxiv.org/abs/2012.07962
// ===========================================================================

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/scttfrdmn/protoclr/internal/adapt"
	"github.com/scttfrdmn/protoclr/internal/graph"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// ErrPropagation indicates a propagation system that could not be solved.
var ErrPropagation = errors.New("finetune: label propagation failed")

// Cleansing configures label propagation.
type Cleansing struct {
	K     int     // neighbours per node
	Alpha float64 // propagation strength, in (0, 1)
	ReRep adapt.ReRepresentation
}

// DefaultCleansing uses 10 neighbours, α = 0.8 and re-representation at
// temperature 0.07.
func DefaultCleansing() Cleansing {
	return Cleansing{K: 10, Alpha: 0.8, ReRep: adapt.ReRepresentation{Alpha1: 0.5, Alpha2: 0.5, Temperature: 0.07}}
}

// Labels is the outcome of Cleansing.Run.
type Labels struct {
	// Predictions holds one label per query row.
	Predictions []int

	// Initial holds the class probabilities of the first propagation, one
	// row per query.
	Initial [][]float64
}

// Run labels every query row. support and query are embeddings on plain
// values; labels are the support labels in [0, ways).
func (c Cleansing) Run(ctx context.Context, support *tensor.Tensor, labels []int, query *tensor.Tensor, ways int) (*Labels, error) {
	if c.K <= 0 || c.Alpha <= 0 || c.Alpha >= 1 {
		return nil, errors.Wrapf(ErrPropagation, "k %d, alpha %g", c.K, c.Alpha)
	}
	ns, nq := support.Rows(), query.Rows()
	n := ns + nq
	w, err := c.affinity(tensor.ConcatRows(support, query))
	if err != nil {
		return nil, err
	}
	a := mat.NewDense(n, n, nil)
	a.Scale(-c.Alpha, w)
	for i := 0; i < n; i++ {
		a.Set(i, i, a.At(i, i)+1)
	}

	assigned := make([]int, nq)
	for i := range assigned {
		assigned[i] = -1
	}
	out := &Labels{Predictions: assigned}
	for left := nq; ; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		probs, err := propagate(a, labels, assigned, ways)
		if err != nil {
			return nil, err
		}
		if out.Initial == nil {
			out.Initial = probs
		}
		if left == 0 {
			return out, nil
		}

		best := make([]int, ways)
		for k := range best {
			best[k] = -1
		}
		for i, p := range probs {
			if assigned[i] >= 0 {
				continue
			}
			k := floats.MaxIdx(p)
			if best[k] < 0 || p[k] > probs[best[k]][k] {
				best[k] = i
			}
		}
		for k, i := range best {
			if i >= 0 {
				assigned[i] = k
				left--
			}
		}
	}
}

// affinity returns Ŵ for the rows of z.
func (c Cleansing) affinity(z *tensor.Tensor) (*mat.Dense, error) {
	n := z.Rows()
	g, err := graph.NewGenerator(graph.Cosine, c.K, false, false, z.Cols()).Build(z.Detach(), nil)
	if err != nil {
		return nil, err
	}
	w := mat.NewDense(n, n, nil)
	for e, pair := range g.EdgeIndex {
		v := math.Max(g.EdgeAttr.At(e, 0), 0)
		v = v * v * v
		w.Set(pair[0], pair[1], w.At(pair[0], pair[1])+v)
		w.Set(pair[1], pair[0], w.At(pair[1], pair[0])+v)
	}
	inv := make([]float64, n)
	for i := range inv {
		if d := floats.Sum(w.RawRowView(i)); d > 0 {
			inv[i] = 1 / math.Sqrt(d)
		}
	}
	w.Apply(func(i, j int, v float64) float64 { return v * inv[i] * inv[j] }, w)
	return w, nil
}

// propagate solves (I - αŴ) F = Y and returns normalised query rows of F.
// Support row i is labelled labels[i]; query row i is labelled assigned[i]
// when that is not negative.
func propagate(a *mat.Dense, labels, assigned []int, ways int) ([][]float64, error) {
	n, _ := a.Dims()
	ns := len(labels)
	y := mat.NewDense(n, ways, nil)
	for i, l := range labels {
		y.Set(i, l, 1)
	}
	for i, l := range assigned {
		if l >= 0 {
			y.Set(ns+i, l, 1)
		}
	}
	var f mat.Dense
	if err := f.Solve(a, y); err != nil {
		return nil, errors.Wrap(ErrPropagation, err.Error())
	}

	probs := make([][]float64, len(assigned))
	for i := range probs {
		p := make([]float64, ways)
		for k := range p {
			p[k] = math.Max(f.At(ns+i, k), 0)
		}
		if s := floats.Sum(p); s > 0 {
			floats.Scale(1/s, p)
		} else {
			for k := range p {
				p[k] = 1 / float64(ways)
			}
		}
		probs[i] = p
	}
	return probs, nil
}

// scoreLabels turns a cleansing outcome into a Result against the true
// query labels.
func scoreLabels(l *Labels, truth []int) Result {
	loss, hit := 0.0, 0
	for i, y := range truth {
		loss -= math.Log(math.Max(l.Initial[i][y], 1e-12))
		if l.Predictions[i] == y {
			hit++
		}
	}
	n := float64(len(truth))
	return Result{Loss: loss / n, Accuracy: float64(hit) / n}
}
