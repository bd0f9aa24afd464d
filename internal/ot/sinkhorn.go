// Package ot re-aligns support embeddings onto the query distribution with
// entropically regularised optimal transport.
package ot

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Given support rows s_i and query rows q_j, find the plan P that moves
// uniform mass 1/S from every support row to uniform mass 1/Q at every query
// row at minimum cost, with an entropy bonus:
//
//   min_P  Σ P_ij C_ij - reg * H(P)     C_ij = ‖s_i - q_j‖² / max C
//
// Sinkhorn alternates between matching row and column marginals. We run it
// in the log domain on the dual potentials f, g:
//
//   f_i = reg log a_i - reg LSE_j((g_j - C_ij) / reg)
//   g_j = reg log b_j - reg LSE_i((f_i - C_ij) / reg)
//   P_ij = exp((f_i + g_j - C_ij) / reg)
//
// so tiny regularisation does not underflow. Each support row is then
// replaced by the barycentre of the queries it sends mass to:
//
//   s'_i = Σ_j P_ij q_j / Σ_j P_ij
//
// The plan itself is computed on plain values; s' stays on the tape through
// the queries. Row i of the output always corresponds to support row i.
//
// ===========================================================================

import (
	"math"

	"github.com/pkg/errors"
	"github.com/scttfrdmn/protoclr/internal/tensor"
	"gonum.org/v1/gonum/floats"
)

// ErrInvalidParams indicates a non-positive regularisation or iteration cap.
var ErrInvalidParams = errors.New("ot: invalid sinkhorn parameters")

// Sinkhorn holds the solver settings.
type Sinkhorn struct {
	Reg     float64
	MaxIter int
	Tol     float64
}

// Default returns reg 0.05, 1000 iterations and tolerance 1e-4.
func Default() Sinkhorn {
	return Sinkhorn{Reg: 0.05, MaxIter: 1000, Tol: 1e-4}
}

// Plan is a solved transport problem.
type Plan struct {
	Rows, Cols int
	P          []float64 // row-major (Rows, Cols)
	Iterations int
	Converged  bool
}

// At returns P[i, j].
func (p *Plan) At(i, j int) float64 { return p.P[i*p.Cols+j] }

// Solve computes the regularised plan between a and b for a flat (rows, cols)
// cost matrix, with uniform marginals.
func (s Sinkhorn) Solve(cost []float64, rows, cols int) (*Plan, error) {
	if s.Reg <= 0 || s.MaxIter <= 0 {
		return nil, errors.Wrapf(ErrInvalidParams, "reg %g, max iter %d", s.Reg, s.MaxIter)
	}
	if rows <= 0 || cols <= 0 {
		return nil, tensor.ErrEmptyInput
	}
	if len(cost) != rows*cols {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "%d costs for %dx%d", len(cost), rows, cols)
	}

	logA := math.Log(1 / float64(rows))
	logB := math.Log(1 / float64(cols))
	f := make([]float64, rows)
	g := make([]float64, cols)
	rowBuf := make([]float64, cols)
	colBuf := make([]float64, rows)

	plan := &Plan{Rows: rows, Cols: cols, P: make([]float64, rows*cols)}
	for it := 1; it <= s.MaxIter; it++ {
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				rowBuf[j] = (g[j] - cost[i*cols+j]) / s.Reg
			}
			f[i] = s.Reg*logA - s.Reg*floats.LogSumExp(rowBuf)
		}
		for j := 0; j < cols; j++ {
			for i := 0; i < rows; i++ {
				colBuf[i] = (f[i] - cost[i*cols+j]) / s.Reg
			}
			g[j] = s.Reg*logB - s.Reg*floats.LogSumExp(colBuf)
		}

		// Columns match exactly after the g update; check the rows.
		plan.Iterations = it
		errSum := 0.0
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				rowBuf[j] = (f[i] + g[j] - cost[i*cols+j]) / s.Reg
			}
			errSum += math.Abs(math.Exp(floats.LogSumExp(rowBuf)) - math.Exp(logA))
		}
		if errSum < s.Tol {
			plan.Converged = true
			break
		}
	}

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			plan.P[i*cols+j] = math.Exp((f[i] + g[j] - cost[i*cols+j]) / s.Reg)
		}
	}
	return plan, nil
}

// Transport moves every support row to the plan-weighted mean of the query
// rows. Output row i corresponds to support row i.
func (s Sinkhorn) Transport(support, query *tensor.Tensor) (*tensor.Tensor, *Plan, error) {
	if support == nil || query == nil {
		return nil, nil, tensor.ErrEmptyInput
	}
	if support.Cols() != query.Cols() {
		return nil, nil, errors.Wrapf(tensor.ErrShapeMismatch, "support width %d, query width %d", support.Cols(), query.Cols())
	}

	rows, cols := support.Rows(), query.Rows()
	cost := append([]float64(nil), tensor.PairwiseSqDist(support.Detach(), query.Detach()).Data()...)
	if m := floats.Max(cost); m > 0 {
		floats.Scale(1/m, cost)
	}

	plan, err := s.Solve(cost, rows, cols)
	if err != nil {
		return nil, nil, err
	}

	weights := tensor.NewTensor(rows, cols)
	w := weights.Data()
	copy(w, plan.P)
	for i := 0; i < rows; i++ {
		row := w[i*cols : (i+1)*cols]
		if sum := floats.Sum(row); sum > 0 {
			floats.Scale(1/sum, row)
		}
	}
	return tensor.MatMul(weights, query), plan, nil
}
