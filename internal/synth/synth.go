// Package synth generates clustered data in the shapes the learner consumes:
// labelled episodes for evaluation and {origs, views} batches for
// self-supervised training. It stands in for an image pipeline in the CLI
// and in end-to-end tests.
package synth

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/scttfrdmn/protoclr/internal/episode"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// ErrInvalidSize indicates a non-positive dimension or count.
var ErrInvalidSize = errors.New("synth: sizes must be positive")

// Source draws from a mixture of isotropic Gaussian clusters. Every call
// draws fresh cluster centres, so classes never repeat across episodes.
type Source struct {
	Dim    int
	Spread float64 // std of cluster centres around the origin
	Noise  float64 // std of samples around their centre

	rng *rand.Rand
}

// New returns a source drawing from rng.
func New(rng *rand.Rand, dim int, spread, noise float64) *Source {
	return &Source{Dim: dim, Spread: spread, Noise: noise, rng: rng}
}

func (s *Source) centre() []float64 {
	c := make([]float64, s.Dim)
	for i := range c {
		c[i] = s.Spread * s.rng.NormFloat64()
	}
	return c
}

func (s *Source) around(c []float64, std float64) []float64 {
	x := make([]float64, len(c))
	for i, v := range c {
		x[i] = v + std*s.rng.NormFloat64()
	}
	return x
}

// Episode draws ways clusters with nSupport support and nQuery query rows
// each, class-major.
func (s *Source) Episode(ways, nSupport, nQuery int) (*episode.Episode, error) {
	if s.Dim <= 0 || ways <= 0 || nSupport <= 0 || nQuery <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "dim %d, %d ways, %d support, %d query", s.Dim, ways, nSupport, nQuery)
	}
	var sup, qry [][]float64
	for c := 0; c < ways; c++ {
		mu := s.centre()
		for k := 0; k < nSupport; k++ {
			sup = append(sup, s.around(mu, s.Noise))
		}
		for k := 0; k < nQuery; k++ {
			qry = append(qry, s.around(mu, s.Noise))
		}
	}
	support, err := tensor.FromRows(sup)
	if err != nil {
		return nil, err
	}
	query, err := tensor.FromRows(qry)
	if err != nil {
		return nil, err
	}
	return episode.New(ways, support, query)
}

// Batch draws ways instances and views noisy views of each. Views are
// perturbed originals, instance-major.
func (s *Source) Batch(ways, views int) (episode.Batch, error) {
	if s.Dim <= 0 || ways <= 0 || views <= 0 {
		return episode.Batch{}, errors.Wrapf(ErrInvalidSize, "dim %d, %d ways, %d views", s.Dim, ways, views)
	}
	origs := make([][]float64, ways)
	var vs [][]float64
	for i := range origs {
		origs[i] = s.around(s.centre(), s.Noise)
		for k := 0; k < views; k++ {
			vs = append(vs, s.around(origs[i], s.Noise))
		}
	}
	o, err := tensor.FromRows(origs)
	if err != nil {
		return episode.Batch{}, err
	}
	v, err := tensor.FromRows(vs)
	if err != nil {
		return episode.Batch{}, err
	}
	return episode.Batch{Origs: o, Views: v, NViews: views}, nil
}

// BatchSource adapts a Source to a stream of fixed-size batches.
type BatchSource struct {
	Source *Source
	Ways   int
	Views  int
}

// Next draws the next batch.
func (b BatchSource) Next() (episode.Batch, error) {
	return b.Source.Batch(b.Ways, b.Views)
}
