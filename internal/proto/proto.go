// Package proto implements prototype-based few-shot classification: one
// mean embedding per class, queries scored by negative scaled distance.
package proto

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/scttfrdmn/protoclr/internal/nn"
	"github.com/scttfrdmn/protoclr/internal/tensor"
	"gonum.org/v1/gonum/floats"
)

var (
	// ErrClassCountMismatch indicates a class in [0, ways) without support
	// examples, or a label outside that range.
	ErrClassCountMismatch = errors.New("proto: class count mismatch")

	// ErrUnknownDistance is returned by ParseDistance.
	ErrUnknownDistance = errors.New("proto: unknown distance")
)

// Distance selects how queries are compared to prototypes.
type Distance int

const (
	// SquaredEuclidean is ‖q - p‖².
	SquaredEuclidean Distance = iota
	// Cosine is 1 - cos(q, p).
	Cosine
)

func (d Distance) String() string {
	if d == Cosine {
		return "cosine"
	}
	return "euclidean"
}

// ParseDistance maps a config string to a Distance.
func ParseDistance(s string) (Distance, error) {
	switch strings.ToLower(s) {
	case "euclidean", "sq_euclidean", "":
		return SquaredEuclidean, nil
	case "cosine":
		return Cosine, nil
	}
	return 0, errors.Wrapf(ErrUnknownDistance, "%q", s)
}

// Prototypes returns one row per class in ascending class order: the mean of
// the support rows labelled with that class.
//
// When every class has exactly one support row the prototypes are those rows
// copied as they are, with no averaging.
func Prototypes(support *tensor.Tensor, labels []int, ways int) (*tensor.Tensor, error) {
	if support == nil || ways <= 0 {
		return nil, tensor.ErrEmptyInput
	}
	if len(labels) != support.Rows() {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "%d labels for %d support rows", len(labels), support.Rows())
	}

	counts := make([]int, ways)
	first := make([]int, ways)
	for i, l := range labels {
		if l < 0 || l >= ways {
			return nil, errors.Wrapf(ErrClassCountMismatch, "support label %d outside [0,%d)", l, ways)
		}
		if counts[l] == 0 {
			first[l] = i
		}
		counts[l]++
	}

	oneShot := true
	for c, n := range counts {
		if n == 0 {
			return nil, errors.Wrapf(ErrClassCountMismatch, "class %d has no support examples", c)
		}
		if n != 1 {
			oneShot = false
		}
	}

	if oneShot {
		return tensor.GatherRows(support, first), nil
	}
	return tensor.GroupMean(support, labels, ways), nil
}

// Result is the outcome of scoring one query set.
type Result struct {
	Loss        *tensor.Tensor // scalar, on the tape
	Accuracy    float64
	Logits      *tensor.Tensor // (Q, ways)
	Predictions []int
}

// Classifier scores queries against prototypes.
type Classifier struct {
	Distance    Distance
	Temperature float64
	Loss        nn.LossFn // nil means softmax cross-entropy
}

// Scores returns -Temperature * distance(query_i, proto_c) as (Q, ways).
func (c Classifier) Scores(protos, query *tensor.Tensor) *tensor.Tensor {
	switch c.Distance {
	case Cosine:
		cos := tensor.MatMulT(tensor.NormalizeRows(query, 1e-12), tensor.NormalizeRows(protos, 1e-12))
		shift := tensor.NewTensor(1, protos.Rows())
		for i := range shift.Data() {
			shift.Data()[i] = -c.Temperature
		}
		return tensor.AddRow(tensor.Scale(cos, c.Temperature), shift)
	default:
		return tensor.Scale(tensor.PairwiseSqDist(query, protos), -c.Temperature)
	}
}

// Classify scores query rows against protos and computes the loss against
// labels plus arg-max accuracy.
func (c Classifier) Classify(protos, query *tensor.Tensor, labels []int) (*Result, error) {
	if protos == nil || query == nil {
		return nil, tensor.ErrEmptyInput
	}
	if protos.Cols() != query.Cols() {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "prototype width %d, query width %d", protos.Cols(), query.Cols())
	}
	if len(labels) != query.Rows() {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "%d labels for %d queries", len(labels), query.Rows())
	}
	ways := protos.Rows()
	for _, l := range labels {
		if l < 0 || l >= ways {
			return nil, errors.Wrapf(ErrClassCountMismatch, "query label %d outside [0,%d)", l, ways)
		}
	}

	logits := c.Scores(protos, query)
	lossFn := c.Loss
	if lossFn == nil {
		lossFn = nn.CrossEntropy
	}

	preds := make([]int, query.Rows())
	correct := 0
	for i := range preds {
		preds[i] = floats.MaxIdx(logits.Row(i))
		if preds[i] == labels[i] {
			correct++
		}
	}

	return &Result{
		Loss:        lossFn(logits, labels),
		Accuracy:    float64(correct) / float64(len(labels)),
		Logits:      logits,
		Predictions: preds,
	}, nil
}

// Episode splits z into its first nSupport rows (support) and the rest
// (query), builds prototypes and classifies the queries.
func (c Classifier) Episode(z *tensor.Tensor, nSupport int, supportLabels, queryLabels []int, ways int) (*Result, error) {
	if z == nil || nSupport <= 0 || nSupport >= z.Rows() {
		return nil, errors.Wrapf(tensor.ErrEmptyInput, "split at %d", nSupport)
	}
	protos, err := Prototypes(tensor.SliceRows(z, 0, nSupport), supportLabels, ways)
	if err != nil {
		return nil, err
	}
	return c.Classify(protos, tensor.SliceRows(z, nSupport, z.Rows()), queryLabels)
}
