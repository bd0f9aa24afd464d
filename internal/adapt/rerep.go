package adapt

import (
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// ReRepresentation pulls support and query embeddings toward each other.
// Every support row is mixed with an attention-weighted mean of the queries,
// then every query row with an attention-weighted mean of the new support
// rows:
//
//	s' = α1 s + (1-α1) softmax(cos(s, q)/T) q
//	q' = α2 q + (1-α2) softmax(cos(q, s')/T) s'
//
// Rows keep their input order. Everything stays on the tape.
type ReRepresentation struct {
	Alpha1      float64 // share of the original support row kept
	Alpha2      float64 // share of the original query row kept
	Temperature float64
}

// DefaultReRepresentation keeps half of each row at temperature 0.1.
func DefaultReRepresentation() ReRepresentation {
	return ReRepresentation{Alpha1: 0.5, Alpha2: 0.5, Temperature: 0.1}
}

// Apply re-represents support (S, D) and query (Q, D).
func (r ReRepresentation) Apply(support, query *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	attend := func(from, to *tensor.Tensor) *tensor.Tensor {
		sim := tensor.MatMulT(tensor.NormalizeRows(from, 1e-12), tensor.NormalizeRows(to, 1e-12))
		return tensor.MatMul(tensor.SoftmaxRows(tensor.Scale(sim, 1/r.Temperature)), to)
	}
	s := tensor.Add(tensor.Scale(support, r.Alpha1), tensor.Scale(attend(support, query), 1-r.Alpha1))
	q := tensor.Add(tensor.Scale(query, r.Alpha2), tensor.Scale(attend(query, s), 1-r.Alpha2))
	return s, q
}
