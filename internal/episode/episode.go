// Package episode describes few-shot tasks: a support set and a query set
// over `ways` classes, with labels in [0, ways).
//
// Support and query rows are class-major: all rows of class 0 first, then
// class 1, and so on. Everything downstream that splits a concatenated
// embedding matrix back into support and query relies on that ordering.
package episode

import (
	"github.com/pkg/errors"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

var (
	// ErrInsufficientSupport indicates a class with no support examples.
	ErrInsufficientSupport = errors.New("episode: insufficient support")

	// ErrLabelOutOfRange indicates a label outside [0, ways).
	ErrLabelOutOfRange = errors.New("episode: label out of range")
)

// Episode is one sampled few-shot classification problem.
type Episode struct {
	Ways     int
	NSupport int // support rows per class
	NQuery   int // query rows per class

	Support       *tensor.Tensor // (Ways*NSupport, P)
	SupportLabels []int
	Query         *tensor.Tensor // (Ways*NQuery, P)
	QueryLabels   []int
}

// SyntheticLabels returns class-major labels: perClass copies of 0, then of
// 1, up to ways-1.
func SyntheticLabels(ways, perClass int) []int {
	labels := make([]int, 0, ways*perClass)
	for c := 0; c < ways; c++ {
		for k := 0; k < perClass; k++ {
			labels = append(labels, c)
		}
	}
	return labels
}

// New builds an episode with synthetic class-major labels.
func New(ways int, support, query *tensor.Tensor) (*Episode, error) {
	if ways <= 0 || support == nil || query == nil {
		return nil, tensor.ErrEmptyInput
	}
	if support.Rows()%ways != 0 || query.Rows()%ways != 0 {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch,
			"%d support and %d query rows do not split into %d ways", support.Rows(), query.Rows(), ways)
	}
	ep := &Episode{
		Ways:     ways,
		NSupport: support.Rows() / ways,
		NQuery:   query.Rows() / ways,
		Support:  support,
		Query:    query,
	}
	ep.SupportLabels = SyntheticLabels(ways, ep.NSupport)
	ep.QueryLabels = SyntheticLabels(ways, ep.NQuery)
	return ep, ep.Validate()
}

// Validate checks the size and label invariants.
func (e *Episode) Validate() error {
	if e.Ways <= 0 || e.Support == nil || e.Query == nil {
		return tensor.ErrEmptyInput
	}
	if e.Support.Rows() != e.Ways*e.NSupport || len(e.SupportLabels) != e.Support.Rows() {
		return errors.Wrapf(tensor.ErrShapeMismatch,
			"support has %d rows and %d labels, want %d", e.Support.Rows(), len(e.SupportLabels), e.Ways*e.NSupport)
	}
	if e.Query.Rows() != e.Ways*e.NQuery || len(e.QueryLabels) != e.Query.Rows() {
		return errors.Wrapf(tensor.ErrShapeMismatch,
			"query has %d rows and %d labels, want %d", e.Query.Rows(), len(e.QueryLabels), e.Ways*e.NQuery)
	}
	if e.Support.Cols() != e.Query.Cols() {
		return errors.Wrapf(tensor.ErrShapeMismatch,
			"support width %d, query width %d", e.Support.Cols(), e.Query.Cols())
	}

	seen := make([]bool, e.Ways)
	for i, l := range e.SupportLabels {
		if l < 0 || l >= e.Ways {
			return errors.Wrapf(ErrLabelOutOfRange, "support label %d at %d", l, i)
		}
		seen[l] = true
	}
	for i, l := range e.QueryLabels {
		if l < 0 || l >= e.Ways {
			return errors.Wrapf(ErrLabelOutOfRange, "query label %d at %d", l, i)
		}
		if !seen[l] {
			return errors.Wrapf(ErrInsufficientSupport, "query label %d at %d has no support examples", l, i)
		}
	}
	return nil
}

// RequireSupport fails with ErrInsufficientSupport unless every class in
// [0, Ways) has at least one support example.
func (e *Episode) RequireSupport() error {
	counts := make([]int, e.Ways)
	for _, l := range e.SupportLabels {
		if l >= 0 && l < e.Ways {
			counts[l]++
		}
	}
	for c, n := range counts {
		if n < 1 {
			return errors.Wrapf(ErrInsufficientSupport, "class %d has no support examples", c)
		}
	}
	return nil
}

// Inputs returns support and query stacked into one (S+Q, P) tensor, support
// first, with labels in the same order.
func (e *Episode) Inputs() (*tensor.Tensor, []int) {
	labels := make([]int, 0, len(e.SupportLabels)+len(e.QueryLabels))
	labels = append(labels, e.SupportLabels...)
	labels = append(labels, e.QueryLabels...)
	return tensor.ConcatRows(e.Support, e.Query), labels
}

// NumSupport is the number of support rows.
func (e *Episode) NumSupport() int { return e.Support.Rows() }
