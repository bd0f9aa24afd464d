package tensor

import (
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The compute backend. Control flow in the rest of the repo is single
// threaded; data parallelism lives here and nowhere else.
//
//   - Matrix products go through gonum's BLAS (Gemm with transpose flags, so
//     backward passes never materialise a transposed copy).
//   - Row-wise kernels (pairwise distances, softmax, normalisation) split
//     rows across goroutines once a problem is big enough to pay for them.
//
// Every kernel either writes disjoint rows or runs serially, so results do
// not depend on the worker count.
//
// ===========================================================================

// ComputeConfig controls parallelization behavior for tensor operations.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of row kernels.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU().
	NumWorkers int

	// MinRowsForParallel is the row count below which kernels stay serial.
	MinRowsForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0,
		MinRowsForParallel: 64,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:   false,
		NumWorkers: 1,
	}
}

func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

func (c ComputeConfig) shouldParallelize(rows int) bool {
	return c.Parallel && rows >= c.MinRowsForParallel && c.numWorkers() > 1
}

var globalComputeConfig = DefaultComputeConfig()

// SetComputeConfig replaces the process-wide compute configuration.
// Call it before any training starts.
func SetComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

// CurrentComputeConfig returns the process-wide compute configuration.
func CurrentComputeConfig() ComputeConfig {
	return globalComputeConfig
}

// parallelRows runs work over [0, rows) in contiguous chunks.
func parallelRows(rows int, work func(lo, hi int)) {
	cfg := globalComputeConfig
	if !cfg.shouldParallelize(rows) {
		work(0, rows)
		return
	}

	workers := cfg.numWorkers()
	if workers > rows {
		workers = rows
	}
	chunk := (rows + workers - 1) / workers

	var g errgroup.Group
	for lo := 0; lo < rows; lo += chunk {
		lo, hi := lo, lo+chunk
		if hi > rows {
			hi = rows
		}
		g.Go(func() error {
			work(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

func general(rows, cols int, data []float64) blas64.General {
	return blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// gemm computes c = alpha * op(a) @ op(b) + beta * c on row-major buffers.
// a is (ar, ac) before the optional transpose, likewise b.
func gemm(transA, transB bool, alpha float64, a []float64, ar, ac int, b []float64, br, bc int, beta float64, c []float64, cr, cc int) {
	ta, tb := blas.NoTrans, blas.NoTrans
	if transA {
		ta = blas.Trans
	}
	if transB {
		tb = blas.Trans
	}
	blas64.Gemm(ta, tb, alpha, general(ar, ac, a), general(br, bc, b), beta, general(cr, cc, c))
}
