package ot

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

func clusters(rng *rand.Rand, centres [][]float64, perClass int, noise float64) *tensor.Tensor {
	var rows [][]float64
	for _, c := range centres {
		for k := 0; k < perClass; k++ {
			r := make([]float64, len(c))
			for f := range c {
				r[f] = c[f] + noise*rng.NormFloat64()
			}
			rows = append(rows, r)
		}
	}
	x, _ := tensor.FromRows(rows)
	return x
}

func TestPlanMarginals(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cost := make([]float64, 4*6)
	for i := range cost {
		cost[i] = rng.Float64()
	}
	plan, err := Default().Solve(cost, 4, 6)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Converged {
		t.Fatalf("did not converge in %d iterations", plan.Iterations)
	}
	for i := 0; i < 4; i++ {
		sum := 0.0
		for j := 0; j < 6; j++ {
			sum += plan.At(i, j)
		}
		if math.Abs(sum-0.25) > 1e-3 {
			t.Errorf("row %d mass %f, want 0.25", i, sum)
		}
	}
	for j := 0; j < 6; j++ {
		sum := 0.0
		for i := 0; i < 4; i++ {
			sum += plan.At(i, j)
		}
		if math.Abs(sum-1.0/6) > 1e-9 {
			t.Errorf("col %d mass %f, want 1/6", j, sum)
		}
	}
}

// TestVanishingRegMatchesNearestCluster: with almost no entropy every
// support row lands on the queries of its own cluster.
func TestVanishingRegMatchesNearestCluster(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	centres := [][]float64{{0, 0}, {10, 0}, {0, 10}}
	support := clusters(rng, centres, 1, 0.1)
	query := clusters(rng, centres, 4, 0.1)

	out, plan, err := Sinkhorn{Reg: 1e-3, MaxIter: 1000, Tol: 1e-6}.Transport(support, query)
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range centres {
		for j := 0; j < query.Rows(); j++ {
			if j/4 != i && plan.At(i, j) > 1e-6 {
				t.Errorf("support %d sends %g mass to query %d of another class", i, plan.At(i, j), j)
			}
		}
		for f := range c {
			if math.Abs(out.At(i, f)-c[f]) > 0.5 {
				t.Errorf("support %d moved to %v, want near %v", i, out.Row(i), c)
			}
		}
	}
}

// TestTransportPreservesSupportOrder pins the output order: permuting the
// support rows permutes the transported rows the same way.
func TestTransportPreservesSupportOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	centres := [][]float64{{0, 0}, {5, 5}, {-5, 5}}
	support := clusters(rng, centres, 2, 0.5)
	query := clusters(rng, centres, 3, 0.5)
	s := Default()

	out, _, err := s.Transport(support, query)
	if err != nil {
		t.Fatal(err)
	}
	perm := []int{5, 2, 0, 4, 1, 3}
	pout, _, err := s.Transport(tensor.GatherRows(support, perm), query)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range perm {
		for f := 0; f < 2; f++ {
			if math.Abs(pout.At(i, f)-out.At(p, f)) > 1e-6 {
				t.Errorf("row %d (support %d) feature %d: %f vs %f", i, p, f, pout.At(i, f), out.At(p, f))
			}
		}
	}
}

func TestTransportIsDifferentiableInQuery(t *testing.T) {
	support, _ := tensor.FromRows([][]float64{{0, 0}, {1, 1}})
	query, _ := tensor.FromRows([][]float64{{0, 0.1}, {1, 0.9}})
	query.SetRequiresGrad(true)

	out, _, err := Default().Transport(support, query)
	if err != nil {
		t.Fatal(err)
	}
	if err := tensor.Backward(tensor.Sum(out)); err != nil {
		t.Fatal(err)
	}
	// Each transport row sums to 1, so Σ out = Σ_j (Σ_i w_ij) q_j: the
	// gradient mass per feature is the row count.
	total := 0.0
	for _, g := range query.Grad() {
		total += g
	}
	if math.Abs(total-4) > 1e-9 {
		t.Errorf("gradient mass %f, want 4", total)
	}
}

func TestInvalidParams(t *testing.T) {
	if _, err := (Sinkhorn{Reg: 0, MaxIter: 10}).Solve([]float64{1}, 1, 1); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams, got %v", err)
	}
	if _, err := Default().Solve([]float64{1, 2}, 1, 1); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	a, b := tensor.NewTensor(2, 2), tensor.NewTensor(2, 3)
	if _, _, err := Default().Transport(a, b); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}
