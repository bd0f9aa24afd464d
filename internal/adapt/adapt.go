// Package adapt decides, per episode, how backbone embeddings, the graph
// generator and the refiner are composed into prototypes and query
// embeddings.
package adapt

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/scttfrdmn/protoclr/internal/gnn"
	"github.com/scttfrdmn/protoclr/internal/graph"
	"github.com/scttfrdmn/protoclr/internal/ot"
	"github.com/scttfrdmn/protoclr/internal/proto"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

var (
	// ErrUnknownPolicy is returned by ParsePolicy and Apply.
	ErrUnknownPolicy = errors.New("adapt: unknown policy")

	// ErrNoRefiner indicates a graph policy on a context without a graph
	// generator or refiner.
	ErrNoRefiner = errors.New("adapt: graph policy needs a generator and a refiner")
)

// Policy is one of the mutually exclusive adaptation strategies.
type Policy int

const (
	// None scores raw backbone embeddings.
	None Policy = iota
	// Task refines class means together with the queries.
	Task
	// ProtoOnly refines class means alone; queries stay as they are.
	ProtoOnly
	// Instance refines every support and query row, then pools.
	Instance
	// OT transports support rows onto the query distribution, then pools.
	OT
	// ReRep refines like Instance, then re-represents support and query
	// through each other before pooling.
	ReRep
)

var policyNames = [...]string{"none", "task", "proto_only", "instance", "ot", "re_rep"}

func (p Policy) String() string {
	if p < 0 || int(p) >= len(policyNames) {
		return "unknown"
	}
	return policyNames[p]
}

// Refines reports whether the policy runs the graph refiner.
func (p Policy) Refines() bool {
	return p == Task || p == ProtoOnly || p == Instance || p == ReRep
}

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	for i, name := range policyNames {
		if strings.EqualFold(s, name) {
			return Policy(i), nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownPolicy, "%q", s)
}

// Context is what a policy may use besides the embeddings.
type Context struct {
	Graph     *graph.Generator
	Refiner   gnn.Refiner
	Transport ot.Sinkhorn

	// FinalReLU clamps refined embeddings at zero.
	FinalReLU bool

	// ReRep configures the re_rep policy. The zero value means
	// DefaultReRepresentation.
	ReRep ReRepresentation
}

// Input holds backbone embeddings for one episode.
type Input struct {
	Ways          int
	Support       *tensor.Tensor // (S, D)
	SupportLabels []int
	Query         *tensor.Tensor // (Q, D)

	// QueryLabels are only handed to the graph generator, and only when
	// known (training). nil marks every query as unlabelled.
	QueryLabels []int
}

// Output is ready for proto.Classifier.Classify: Prototypes row c is class c
// and Query row i is query i of the input.
type Output struct {
	Prototypes *tensor.Tensor
	Query      *tensor.Tensor

	// Support holds the per-row support embeddings the prototypes were pooled
	// from (refined or transported), or nil when the policy pools first.
	Support *tensor.Tensor
}

type handler func(ctx *Context, in Input) (*Output, error)

var handlers = [...]handler{
	None:      applyNone,
	Task:      applyTask,
	ProtoOnly: applyProtoOnly,
	Instance:  applyInstance,
	OT:        applyOT,
	ReRep:     applyReRep,
}

// Apply runs the policy. The backbone has already been applied to in.
func (p Policy) Apply(ctx *Context, in Input) (*Output, error) {
	if p < 0 || int(p) >= len(handlers) {
		return nil, errors.Wrapf(ErrUnknownPolicy, "policy %d", int(p))
	}
	if in.Support == nil || in.Query == nil {
		return nil, tensor.ErrEmptyInput
	}
	if in.Support.Cols() != in.Query.Cols() {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch,
			"support width %d, query width %d", in.Support.Cols(), in.Query.Cols())
	}
	if in.QueryLabels != nil && len(in.QueryLabels) != in.Query.Rows() {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch,
			"%d query labels for %d queries", len(in.QueryLabels), in.Query.Rows())
	}
	return handlers[p](ctx, in)
}

// Refine builds the graph over nodes and runs the refiner on it.
func (ctx *Context) Refine(nodes *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
	if ctx.Graph == nil || ctx.Refiner == nil {
		return nil, ErrNoRefiner
	}
	g, err := ctx.Graph.Build(nodes, labels)
	if err != nil {
		return nil, err
	}
	out, err := ctx.Refiner.Refine(nodes, g)
	if err != nil {
		return nil, err
	}
	if ctx.FinalReLU {
		out = tensor.ReLU(out)
	}
	return out, nil
}

func queryGraphLabels(in Input) []int {
	if in.QueryLabels != nil {
		return in.QueryLabels
	}
	out := make([]int, in.Query.Rows())
	for i := range out {
		out[i] = graph.Unlabelled
	}
	return out
}

func applyNone(_ *Context, in Input) (*Output, error) {
	protos, err := proto.Prototypes(in.Support, in.SupportLabels, in.Ways)
	if err != nil {
		return nil, err
	}
	return &Output{Prototypes: protos, Query: in.Query, Support: in.Support}, nil
}

func applyTask(ctx *Context, in Input) (*Output, error) {
	means, err := proto.Prototypes(in.Support, in.SupportLabels, in.Ways)
	if err != nil {
		return nil, err
	}
	labels := make([]int, 0, in.Ways+in.Query.Rows())
	for c := 0; c < in.Ways; c++ {
		labels = append(labels, c)
	}
	labels = append(labels, queryGraphLabels(in)...)

	refined, err := ctx.Refine(tensor.ConcatRows(means, in.Query), labels)
	if err != nil {
		return nil, err
	}
	return &Output{
		Prototypes: tensor.SliceRows(refined, 0, in.Ways),
		Query:      tensor.SliceRows(refined, in.Ways, refined.Rows()),
	}, nil
}

func applyProtoOnly(ctx *Context, in Input) (*Output, error) {
	means, err := proto.Prototypes(in.Support, in.SupportLabels, in.Ways)
	if err != nil {
		return nil, err
	}
	labels := make([]int, in.Ways)
	for c := range labels {
		labels[c] = c
	}
	refined, err := ctx.Refine(means, labels)
	if err != nil {
		return nil, err
	}
	if refined.Cols() != in.Query.Cols() {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch,
			"proto_only needs a width preserving refiner: %d → %d", in.Query.Cols(), refined.Cols())
	}
	return &Output{Prototypes: refined, Query: in.Query}, nil
}

func applyInstance(ctx *Context, in Input) (*Output, error) {
	labels := make([]int, 0, in.Support.Rows()+in.Query.Rows())
	labels = append(labels, in.SupportLabels...)
	labels = append(labels, queryGraphLabels(in)...)

	refined, err := ctx.Refine(tensor.ConcatRows(in.Support, in.Query), labels)
	if err != nil {
		return nil, err
	}
	ns := in.Support.Rows()
	support := tensor.SliceRows(refined, 0, ns)
	protos, err := proto.Prototypes(support, in.SupportLabels, in.Ways)
	if err != nil {
		return nil, err
	}
	return &Output{
		Prototypes: protos,
		Query:      tensor.SliceRows(refined, ns, refined.Rows()),
		Support:    support,
	}, nil
}

func applyOT(ctx *Context, in Input) (*Output, error) {
	moved, _, err := ctx.Transport.Transport(in.Support, in.Query)
	if err != nil {
		return nil, err
	}
	protos, err := proto.Prototypes(moved, in.SupportLabels, in.Ways)
	if err != nil {
		return nil, err
	}
	return &Output{Prototypes: protos, Query: in.Query, Support: moved}, nil
}

func applyReRep(ctx *Context, in Input) (*Output, error) {
	refined, err := applyInstance(ctx, in)
	if err != nil {
		return nil, err
	}
	r := ctx.ReRep
	if r.Temperature <= 0 {
		r = DefaultReRepresentation()
	}
	support, query := r.Apply(refined.Support, refined.Query)
	protos, err := proto.Prototypes(support, in.SupportLabels, in.Ways)
	if err != nil {
		return nil, err
	}
	return &Output{Prototypes: protos, Query: query, Support: support}, nil
}
