package episode

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

func TestSyntheticLabelsAreClassMajor(t *testing.T) {
	got := SyntheticLabels(3, 2)
	want := []int{0, 0, 1, 1, 2, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("labels = %v, want %v", got, want)
		}
	}
}

func TestNewValidates(t *testing.T) {
	support := tensor.NewTensor(6, 4)
	query := tensor.NewTensor(9, 4)
	ep, err := New(3, support, query)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ep.NSupport != 2 || ep.NQuery != 3 {
		t.Errorf("NSupport=%d NQuery=%d, want 2 and 3", ep.NSupport, ep.NQuery)
	}

	if _, err := New(4, support, query); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := New(3, support, tensor.NewTensor(9, 5)); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for width mismatch, got %v", err)
	}
}

func TestValidateLabels(t *testing.T) {
	ep, _ := New(2, tensor.NewTensor(2, 3), tensor.NewTensor(2, 3))

	ep.QueryLabels = []int{0, 2}
	if err := ep.Validate(); !errors.Is(err, ErrLabelOutOfRange) {
		t.Errorf("expected ErrLabelOutOfRange, got %v", err)
	}

	ep.SupportLabels = []int{0, 0}
	ep.QueryLabels = []int{0, 1}
	if err := ep.Validate(); !errors.Is(err, ErrInsufficientSupport) {
		t.Errorf("expected ErrInsufficientSupport, got %v", err)
	}
	if err := ep.RequireSupport(); !errors.Is(err, ErrInsufficientSupport) {
		t.Errorf("expected ErrInsufficientSupport, got %v", err)
	}
}

func TestFromViews(t *testing.T) {
	origs := tensor.NewTensor(4, 3)
	views := tensor.NewTensor(12, 3)
	ep, err := FromViews(Batch{Origs: origs, Views: views, NViews: 3})
	if err != nil {
		t.Fatal(err)
	}
	if ep.Ways != 4 || ep.NSupport != 1 || ep.NQuery != 3 {
		t.Errorf("got ways=%d nsupport=%d nquery=%d", ep.Ways, ep.NSupport, ep.NQuery)
	}
	if ep.QueryLabels[5] != 1 {
		t.Errorf("view 5 belongs to instance 1, got label %d", ep.QueryLabels[5])
	}

	if _, err := FromViews(Batch{Origs: origs, Views: views, NViews: 2}); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

// TestTaskSamplerDisjointViews tags every view with its row index and checks
// that inner and outer queries never share a view and stay with their instance.
func TestTaskSamplerDisjointViews(t *testing.T) {
	const instances, nViews = 6, 5
	origs := tensor.NewTensor(instances, 1)
	views := tensor.NewTensor(instances*nViews, 1)
	for i := 0; i < instances; i++ {
		origs.Data()[i] = float64(i)
	}
	for r := 0; r < instances*nViews; r++ {
		views.Data()[r] = float64(r)
	}
	b := Batch{Origs: origs, Views: views, NViews: nViews}

	s := NewViewTaskSampler(rand.New(rand.NewSource(1)), 3, 2, 3)
	task, err := s.Sample(b)
	if err != nil {
		t.Fatal(err)
	}

	used := make(map[float64]bool)
	for _, ep := range []*Episode{task.Inner, task.Outer} {
		for r := 0; r < ep.Query.Rows(); r++ {
			v := ep.Query.At(r, 0)
			if used[v] {
				t.Errorf("view %v used twice", v)
			}
			used[v] = true

			inst := int(v) / nViews
			if ep.Support.At(ep.QueryLabels[r], 0) != float64(inst) {
				t.Errorf("view %v labelled with the wrong instance", v)
			}
		}
	}
	if task.Inner.NQuery != 2 || task.Outer.NQuery != 3 {
		t.Errorf("inner %d / outer %d views, want 2 / 3", task.Inner.NQuery, task.Outer.NQuery)
	}

	if _, err := NewViewTaskSampler(rand.New(rand.NewSource(1)), 7, 1, 1).Sample(b); !errors.Is(err, ErrInsufficientSupport) {
		t.Errorf("expected ErrInsufficientSupport, got %v", err)
	}
}
