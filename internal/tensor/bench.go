package tensor

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A small benchmark suite for the kernels an episode spends its time in:
// BLAS matrix products (backbone and attention projections), pairwise
// squared distances (prototype scoring, graph similarity) and row softmax
// (attention, losses).
//
// Row-parallel kernels run twice per size: once single threaded and once
// with the compute configuration in force. Speedup is serial time over
// configured time, so it shows directly whether the row-parallel cut-over
// is worth it on this machine.
//
// matmul goes through gonum's BLAS, which never looks at the compute
// configuration. It runs once, reported as serial on one worker, and
// carries no speedup.
//
// ===========================================================================

import (
	"encoding/json"
	"math/rand"
	"time"
)

// BenchResult is one kernel at one size under one configuration.
type BenchResult struct {
	Kernel     string        `json:"kernel"`
	Size       int           `json:"size"`
	Parallel   bool          `json:"parallel"`
	Workers    int           `json:"workers"`
	Iterations int           `json:"iterations"`
	AvgTime    time.Duration `json:"avg_time_ns"`
	GFLOPS     float64       `json:"gflops"`

	// Speedup is zero for kernels that ignore the compute configuration.
	Speedup float64 `json:"speedup_vs_serial,omitempty"`
}

// BenchSuite is a full run plus the machine it ran on.
type BenchSuite struct {
	Timestamp time.Time     `json:"timestamp"`
	Backend   BackendInfo   `json:"backend"`
	Results   []BenchResult `json:"results"`
}

type benchKernel struct {
	name  string
	flops func(n int) float64
	run   func(a, b *Tensor)

	// blas kernels do not go through parallelRows.
	blas bool
}

var benchKernels = []benchKernel{
	{"matmul", func(n int) float64 { return 2 * float64(n) * float64(n) * float64(n) }, func(a, b *Tensor) { MatMul(a, b) }, true},
	{"pairwise_sqdist", func(n int) float64 { return 3 * float64(n) * float64(n) * float64(n) }, func(a, b *Tensor) { PairwiseSqDist(a, b) }, false},
	{"softmax_rows", func(n int) float64 { return 4 * float64(n) * float64(n) }, func(a, _ *Tensor) { SoftmaxRows(a) }, false},
}

// RunBenchmarks times every kernel on n×n inputs for each size. The global
// compute configuration is restored before returning.
func RunBenchmarks(sizes []int, iterations int) *BenchSuite {
	if iterations <= 0 {
		iterations = 1
	}
	configured := CurrentComputeConfig()
	defer SetComputeConfig(configured)

	suite := &BenchSuite{Timestamp: time.Now(), Backend: DetectBackend()}
	rng := rand.New(rand.NewSource(1))

	for _, n := range sizes {
		if n <= 0 {
			continue
		}
		a := NewTensorRand(rng, 1, n, n)
		b := NewTensorRand(rng, 1, n, n)
		for _, k := range benchKernels {
			var serial time.Duration
			cfgs := []ComputeConfig{SingleThreadedConfig(), configured}
			if k.blas {
				cfgs = []ComputeConfig{configured}
			}
			for _, cfg := range cfgs {
				SetComputeConfig(cfg)
				start := time.Now()
				for i := 0; i < iterations; i++ {
					k.run(a, b)
				}
				avg := time.Since(start) / time.Duration(iterations)
				if avg <= 0 {
					avg = time.Nanosecond
				}
				if !cfg.Parallel {
					serial = avg
				}
				r := BenchResult{
					Kernel:     k.name,
					Size:       n,
					Parallel:   cfg.Parallel,
					Workers:    cfg.numWorkers(),
					Iterations: iterations,
					AvgTime:    avg,
					GFLOPS:     k.flops(n) / avg.Seconds() / 1e9,
				}
				if k.blas {
					r.Parallel, r.Workers = false, 1
				} else {
					r.Speedup = float64(serial) / float64(avg)
				}
				suite.Results = append(suite.Results, r)
			}
		}
	}
	return suite
}

// JSON renders the suite for archiving next to results from other machines.
func (s *BenchSuite) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
