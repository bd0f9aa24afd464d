// Package model bundles the backbone, graph generator and refiner that every
// training and evaluation path composes.
package model

import (
	"github.com/scttfrdmn/protoclr/internal/adapt"
	"github.com/scttfrdmn/protoclr/internal/episode"
	"github.com/scttfrdmn/protoclr/internal/gnn"
	"github.com/scttfrdmn/protoclr/internal/graph"
	"github.com/scttfrdmn/protoclr/internal/nn"
	"github.com/scttfrdmn/protoclr/internal/ot"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// Model is backbone → (graph → refiner). The backbone always runs first;
// what happens after it is up to an adapt.Policy.
type Model struct {
	Backbone  nn.Encoder
	Graph     *graph.Generator
	Refiner   gnn.Refiner
	Transport ot.Sinkhorn
	ReRep     adapt.ReRepresentation
	FinalReLU bool
}

// Parameters lists backbone, graph and refiner parameters in that order.
// Clones list theirs in the same order.
func (m *Model) Parameters() []*tensor.Tensor {
	ps := append([]*tensor.Tensor(nil), m.Backbone.Parameters()...)
	if m.Graph != nil {
		ps = append(ps, m.Graph.Parameters()...)
	}
	if m.Refiner != nil {
		ps = append(ps, m.Refiner.Parameters()...)
	}
	return ps
}

// Buffers lists non-trainable state (backbone running statistics).
func (m *Model) Buffers() []*tensor.Tensor {
	return m.Backbone.Buffers()
}

// RefinerParameters lists only the parameters tuned at evaluation time.
func (m *Model) RefinerParameters() []*tensor.Tensor {
	var ps []*tensor.Tensor
	if m.Graph != nil {
		ps = append(ps, m.Graph.Parameters()...)
	}
	if m.Refiner != nil {
		ps = append(ps, m.Refiner.Parameters()...)
	}
	return ps
}

// SetTraining switches batch-norm layers between batch and running
// statistics.
func (m *Model) SetTraining(training bool) {
	m.Backbone.SetTraining(training)
}

// Clone returns a model that shares no mutable storage with m.
func (m *Model) Clone() *Model {
	c := &Model{
		Backbone:  m.Backbone.CloneEncoder(),
		Transport: m.Transport,
		ReRep:     m.ReRep,
		FinalReLU: m.FinalReLU,
	}
	if m.Graph != nil {
		c.Graph = m.Graph.Clone()
	}
	if m.Refiner != nil {
		c.Refiner = m.Refiner.CloneRefiner()
	}
	return c
}

// Context exposes the graph half of the model to adaptation policies.
func (m *Model) Context() *adapt.Context {
	return &adapt.Context{
		Graph:     m.Graph,
		Refiner:   m.Refiner,
		Transport: m.Transport,
		ReRep:     m.ReRep,
		FinalReLU: m.FinalReLU,
	}
}

// Embed runs the backbone only.
func (m *Model) Embed(x *tensor.Tensor) *tensor.Tensor {
	return m.Backbone.Forward(x)
}

// EmbedEpisode runs the backbone once over support and query together and
// splits the result.
func (m *Model) EmbedEpisode(ep *episode.Episode) (support, query *tensor.Tensor) {
	x, _ := ep.Inputs()
	z := m.Backbone.Forward(x)
	ns := ep.NumSupport()
	return tensor.SliceRows(z, 0, ns), tensor.SliceRows(z, ns, z.Rows())
}

// Adapt embeds ep and applies policy. withQueryLabels hands the query
// labels to the graph generator; only training may do that.
func (m *Model) Adapt(policy adapt.Policy, ep *episode.Episode, withQueryLabels bool) (*adapt.Output, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	zs, zq := m.EmbedEpisode(ep)
	in := adapt.Input{
		Ways:          ep.Ways,
		Support:       zs,
		SupportLabels: ep.SupportLabels,
		Query:         zq,
	}
	if withQueryLabels {
		in.QueryLabels = ep.QueryLabels
	}
	return policy.Apply(m.Context(), in)
}

// RefineBatch embeds x and refines it over a graph spanning the batch.
func (m *Model) RefineBatch(x *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
	return m.Context().Refine(m.Backbone.Forward(x), labels)
}
