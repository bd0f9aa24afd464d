package model

import (
	"math/rand"
	"testing"

	"github.com/scttfrdmn/protoclr/internal/adapt"
	"github.com/scttfrdmn/protoclr/internal/episode"
	"github.com/scttfrdmn/protoclr/internal/gnn"
	"github.com/scttfrdmn/protoclr/internal/graph"
	"github.com/scttfrdmn/protoclr/internal/nn"
	"github.com/scttfrdmn/protoclr/internal/ot"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

func testModel(t *testing.T) *Model {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	ref, err := gnn.NewGAT(rng, gnn.Config{InDim: 4, Hidden: 4, Heads: 2, Layers: 1, Residual: true})
	if err != nil {
		t.Fatal(err)
	}
	return &Model{
		Backbone:  nn.NewMLPEncoder(rng, 6, []int{8}, 4),
		Graph:     graph.NewGenerator(graph.Learned, 0, true, false, 4),
		Refiner:   ref,
		Transport: ot.Default(),
	}
}

func TestCloneKeepsParameterOrder(t *testing.T) {
	m := testModel(t)
	c := m.Clone()
	mp, cp := m.Parameters(), c.Parameters()
	if len(mp) != len(cp) {
		t.Fatalf("clone has %d parameters, model %d", len(cp), len(mp))
	}
	for i := range mp {
		if mp[i] == cp[i] {
			t.Fatalf("parameter %d shared with clone", i)
		}
		for j, v := range mp[i].Data() {
			if cp[i].Data()[j] != v {
				t.Fatalf("parameter %d differs in clone", i)
			}
		}
	}
	if len(m.RefinerParameters()) != len(m.Parameters())-len(m.Backbone.Parameters()) {
		t.Errorf("refiner parameters should be everything after the backbone")
	}
}

func TestAdaptRunsEveryPolicy(t *testing.T) {
	m := testModel(t)
	rng := rand.New(rand.NewSource(2))
	ep, err := episode.New(3, tensor.NewTensorRand(rng, 1, 6, 6), tensor.NewTensorRand(rng, 1, 9, 6))
	if err != nil {
		t.Fatal(err)
	}
	m.SetTraining(false)
	for _, p := range []adapt.Policy{adapt.None, adapt.Task, adapt.ProtoOnly, adapt.Instance, adapt.OT, adapt.ReRep} {
		out, err := m.Adapt(p, ep, false)
		if err != nil {
			t.Fatalf("%v: %v", p, err)
		}
		if out.Query.Rows() != 9 || out.Prototypes.Rows() != 3 {
			t.Errorf("%v: got %d queries and %d prototypes", p, out.Query.Rows(), out.Prototypes.Rows())
		}
	}
}
