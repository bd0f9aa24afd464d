package tensor

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
)

// TestTensorBasics tests basic tensor creation and access.
func TestTensorBasics(t *testing.T) {
	tensor := NewTensor(2, 3)

	if s := tensor.Shape(); len(s) != 2 || s[0] != 2 || s[1] != 3 {
		t.Errorf("expected shape [2 3], got %v", s)
	}
	if tensor.Size() != 6 {
		t.Errorf("expected size 6, got %d", tensor.Size())
	}

	tensor.Set(1.5, 0, 0)
	tensor.Set(2.5, 1, 2)

	if v := tensor.At(0, 0); v != 1.5 {
		t.Errorf("expected 1.5, got %f", v)
	}
	if v := tensor.At(1, 2); v != 2.5 {
		t.Errorf("expected 2.5, got %f", v)
	}
}

func TestFromRows(t *testing.T) {
	x, err := FromRows([][]float64{{1, 2}, {3, 4}, {5, 6}})
	if err != nil {
		t.Fatalf("FromRows: %v", err)
	}
	if x.Rows() != 3 || x.Cols() != 2 {
		t.Errorf("expected 3x2, got %v", x.Shape())
	}
	if v := x.At(2, 1); v != 6 {
		t.Errorf("expected 6, got %f", v)
	}

	if _, err := FromRows(nil); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
	if _, err := FromRows([][]float64{{1, 2}, {3}}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

// TestMatMul tests matrix multiplication.
func TestMatMul(t *testing.T) {
	a, _ := FromSlice([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b, _ := FromSlice([]float64{1, 2, 3, 4, 5, 6}, 3, 2)

	c := MatMul(a, b)

	// C[0,0] = 1*1 + 2*3 + 3*5 = 22
	// C[0,1] = 1*2 + 2*4 + 3*6 = 28
	// C[1,0] = 4*1 + 5*3 + 6*5 = 49
	// C[1,1] = 4*2 + 5*4 + 6*6 = 64
	expected := [][]float64{{22, 28}, {49, 64}}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if v := c.At(i, j); v != expected[i][j] {
				t.Errorf("C[%d,%d]: expected %f, got %f", i, j, expected[i][j], v)
			}
		}
	}

	// A @ (B^T)^T must agree with A @ B.
	ct := MatMulT(a, Transpose(b))
	for i := range c.Data() {
		if ct.Data()[i] != c.Data()[i] {
			t.Errorf("MatMulT[%d]: expected %f, got %f", i, c.Data()[i], ct.Data()[i])
		}
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x, _ := FromSlice([]float64{1, 2, 3, 1000, 1001, 1002}, 2, 3)
	y := SoftmaxRows(x)
	for r := 0; r < 2; r++ {
		sum := 0.0
		for _, v := range y.Row(r) {
			sum += v
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("row %d sums to %f", r, sum)
		}
	}
	// Softmax is shift invariant.
	for c := 0; c < 3; c++ {
		if math.Abs(y.At(0, c)-y.At(1, c)) > 1e-12 {
			t.Errorf("col %d: %f vs %f", c, y.At(0, c), y.At(1, c))
		}
	}
}

func TestMaskedLogSoftmaxIgnoresMaskedEntries(t *testing.T) {
	x, _ := FromSlice([]float64{0.3, 50, -0.2}, 1, 3)
	y := MaskedLogSoftmaxRows(x, []bool{false, true, false})
	want := -math.Log(1 + math.Exp(-0.5))
	if math.Abs(y.At(0, 0)-want) > 1e-12 {
		t.Errorf("expected %f, got %f", want, y.At(0, 0))
	}
	if y.At(0, 1) != 0 {
		t.Errorf("masked entry should be 0, got %f", y.At(0, 1))
	}
}

func TestPairwiseSqDist(t *testing.T) {
	a, _ := FromSlice([]float64{0, 0, 1, 1}, 2, 2)
	b, _ := FromSlice([]float64{3, 4}, 1, 2)
	d := PairwiseSqDist(a, b)
	if d.At(0, 0) != 25 {
		t.Errorf("expected 25, got %f", d.At(0, 0))
	}
	if d.At(1, 0) != 13 {
		t.Errorf("expected 13, got %f", d.At(1, 0))
	}
}

func TestPairwiseSqDistParallelMatchesSerial(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := NewTensorRand(rng, 1, 300, 8)
	b := NewTensorRand(rng, 1, 20, 8)

	prev := CurrentComputeConfig()
	defer SetComputeConfig(prev)

	SetComputeConfig(SingleThreadedConfig())
	serial := PairwiseSqDist(a, b)

	SetComputeConfig(ComputeConfig{Parallel: true, NumWorkers: 4, MinRowsForParallel: 1})
	parallel := PairwiseSqDist(a, b)

	for i, v := range serial.Data() {
		if parallel.Data()[i] != v {
			t.Fatalf("element %d: serial %f, parallel %f", i, v, parallel.Data()[i])
		}
	}
}

func TestGroupMeanAndGather(t *testing.T) {
	x, _ := FromSlice([]float64{1, 1, 3, 3, 10, 20}, 3, 2)
	m := GroupMean(x, []int{0, 0, 1}, 2)
	if m.At(0, 0) != 2 || m.At(0, 1) != 2 {
		t.Errorf("group 0 mean: got %v", m.Row(0))
	}
	if m.At(1, 0) != 10 || m.At(1, 1) != 20 {
		t.Errorf("group 1 mean: got %v", m.Row(1))
	}

	g := GatherRows(x, []int{2, 0})
	if g.At(0, 1) != 20 || g.At(1, 0) != 1 {
		t.Errorf("gather: got %v %v", g.Row(0), g.Row(1))
	}
}

func TestSegmentSoftmaxPerSegment(t *testing.T) {
	x, _ := FromSlice([]float64{1, 2, 5, 0}, 4, 1)
	y := SegmentSoftmax(x, []int{0, 0, 1, 1}, 2)
	if math.Abs(y.At(0, 0)+y.At(1, 0)-1) > 1e-12 {
		t.Errorf("segment 0 does not sum to 1")
	}
	if math.Abs(y.At(2, 0)+y.At(3, 0)-1) > 1e-12 {
		t.Errorf("segment 1 does not sum to 1")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	x := NewParam(2, 2)
	x.Data()[0] = 1
	c := x.Clone()
	c.Data()[0] = 5
	if x.Data()[0] != 1 {
		t.Errorf("clone shares storage with original")
	}
	if !c.RequiresGrad() {
		t.Errorf("clone lost requiresGrad")
	}
}

func TestComputeConfigWorkers(t *testing.T) {
	if SingleThreadedConfig().numWorkers() != 1 {
		t.Errorf("single threaded config should use 1 worker")
	}
	cfg := ComputeConfig{Parallel: true, NumWorkers: 3, MinRowsForParallel: 10}
	if cfg.shouldParallelize(5) {
		t.Errorf("5 rows is below the threshold")
	}
	if !cfg.shouldParallelize(10) {
		t.Errorf("10 rows should parallelize")
	}
}

func TestDetectBackend(t *testing.T) {
	info := DetectBackend()
	if info.Arch == "" {
		t.Errorf("expected an architecture")
	}
	if info.Workers < 1 {
		t.Errorf("expected at least one worker, got %d", info.Workers)
	}
}

func TestRunBenchmarksRestoresConfig(t *testing.T) {
	before := CurrentComputeConfig()
	suite := RunBenchmarks([]int{4, 0}, 2)
	if got := CurrentComputeConfig(); got != before {
		t.Errorf("compute config not restored: %+v", got)
	}
	if want := 2*len(benchKernels) - 1; len(suite.Results) != want {
		t.Fatalf("%d results, want %d", len(suite.Results), want)
	}
	matmul := 0
	for _, r := range suite.Results {
		if r.AvgTime <= 0 || r.Size != 4 {
			t.Errorf("result %+v", r)
		}
		if r.Kernel == "matmul" {
			// BLAS ignores the compute configuration; no serial baseline.
			matmul++
			if r.Speedup != 0 || r.Parallel {
				t.Errorf("matmul result %+v", r)
			}
			continue
		}
		if !r.Parallel && r.Speedup != 1 {
			t.Errorf("serial speedup %v", r.Speedup)
		}
	}
	if matmul != 1 {
		t.Errorf("%d matmul results, want 1", matmul)
	}
	if _, err := suite.JSON(); err != nil {
		t.Fatal(err)
	}
}
