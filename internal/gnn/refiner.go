package gnn

import (
	"math/rand"

	"github.com/pkg/errors"
)

// ErrUnknownRefiner is returned by New for an unrecognised kind.
var ErrUnknownRefiner = errors.New("gnn: unknown refiner")

// New returns the refiner called kind: "gat", "gat_v2", or "identity" /
// "skip".
func New(rng *rand.Rand, kind string, cfg Config) (Refiner, error) {
	switch kind {
	case "gat", "":
		cfg.V2 = false
		return NewGAT(rng, cfg)
	case "gat_v2":
		cfg.V2 = true
		return NewGAT(rng, cfg)
	case "identity", "skip":
		return Identity{}, nil
	}
	return nil, errors.Wrapf(ErrUnknownRefiner, "%q", kind)
}
