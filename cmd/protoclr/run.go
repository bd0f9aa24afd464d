package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The loops behind `train` and `eval`. Data is synthetic: each training batch
// is a fresh set of Gaussian instances with noisy views, each evaluation
// episode a fresh set of clusters. Checkpoints are not written; `train`
// evaluates the model it just trained, `eval` scores a freshly initialised
// model as a baseline.
//
// Both loops check the context between steps, so Ctrl-C stops at the next
// boundary with the model and the run log in a consistent state.
//
// ===========================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"

	"github.com/google/uuid"

	"github.com/scttfrdmn/protoclr/internal/config"
	"github.com/scttfrdmn/protoclr/internal/learner"
	"github.com/scttfrdmn/protoclr/internal/runlog"
	"github.com/scttfrdmn/protoclr/internal/synth"
)

// session bundles what both commands need.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	learn  *learner.Learner
	store  *runlog.Store // nil when the run log is disabled
	run    uuid.UUID
}

func openSession(ctx context.Context, cfg *config.Config, logger *slog.Logger, kind string) (*session, error) {
	l, err := learner.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logger: logger, learn: l, run: uuid.New()}
	if cfg.RunLog.DSN == "" {
		return s, nil
	}

	store, err := runlog.Open(ctx, cfg.RunLog.Driver, cfg.RunLog.DSN)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	run, err := store.StartRun(ctx, kind, string(raw))
	if err != nil {
		store.Close()
		return nil, err
	}
	s.store, s.run = store, run
	return s, nil
}

func (s *session) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

func (s *session) train(ctx context.Context) error {
	cfg := s.cfg
	src := synth.BatchSource{
		Source: synth.New(rand.New(rand.NewSource(cfg.Seed+10)), cfg.Data.InputDim, cfg.Data.Spread, cfg.Data.Noise),
		Ways:   cfg.Train.Ways,
		Views:  cfg.Train.NQuery,
	}
	s.logger.Info("training", "run", s.run, "strategy", cfg.Train.Strategy, "steps", cfg.Train.Steps)

	for step := 1; step <= cfg.Train.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := src.Next()
		if err != nil {
			return err
		}
		met, err := s.learn.TrainingStep(ctx, b)
		if err != nil {
			return err
		}
		if s.store != nil {
			if err := s.store.LogStep(ctx, s.run, step, met.Loss, met.Accuracy, met.LR); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *session) evaluate(ctx context.Context, out io.Writer, episodes int) error {
	cfg := s.cfg
	src := synth.New(rand.New(rand.NewSource(cfg.Seed+20)), cfg.Data.InputDim, cfg.Data.Spread, cfg.Data.Noise)
	s.logger.Info("evaluating", "run", s.run, "strategy", cfg.Eval.SupFinetune, "policy", cfg.Adapt.Eval, "episodes", episodes)

	losses := make([]float64, 0, episodes)
	accs := make([]float64, 0, episodes)
	for i := 0; i < episodes; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ep, err := src.Episode(cfg.Eval.Ways, cfg.Eval.NSupport, cfg.Eval.NQuery)
		if err != nil {
			return err
		}
		met, err := s.learn.EvaluateEpisode(ctx, ep)
		if err != nil {
			return err
		}
		losses = append(losses, met.Loss)
		accs = append(accs, met.Accuracy)
		if s.store != nil {
			if err := s.store.LogEpisode(ctx, s.run, i, met.Loss, met.Accuracy); err != nil {
				return err
			}
		}
	}

	sum := runlog.Summarize(losses, accs)
	if s.store != nil {
		stored, err := s.store.Summary(ctx, s.run)
		if err != nil {
			return err
		}
		sum = stored
	}
	fmt.Fprintf(out, "run %s: %d-way %d-shot, %d episodes\n", s.run, cfg.Eval.Ways, cfg.Eval.NSupport, sum.Episodes)
	fmt.Fprintf(out, "accuracy %.2f%% ± %.2f%%  loss %.4f\n", 100*sum.MeanAccuracy, 100*sum.CI95, sum.MeanLoss)
	return nil
}
