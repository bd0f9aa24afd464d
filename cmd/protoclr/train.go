package main

import (
	"github.com/spf13/cobra"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train an encoder on synthetic batches, then evaluate it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, map[string]string{
			"train.strategy": "strategy",
			"train.steps":    "steps",
			"train.lr":       "lr",
			"adapt.train":    "adapt",
		})
		if err != nil {
			return err
		}
		logger, err := newLogger(cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		s, err := openSession(ctx, cfg, logger, cfg.Train.Strategy)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.train(ctx); err != nil {
			return err
		}
		episodes, _ := cmd.Flags().GetInt("eval-episodes")
		if episodes <= 0 {
			return nil
		}
		return s.evaluate(ctx, cmd.OutOrStdout(), episodes)
	},
}

func init() {
	f := trainCmd.Flags()
	f.String("strategy", "clr_gat", "training strategy: clr_gat or maml")
	f.Int("steps", 200, "outer training steps")
	f.Float64("lr", 1e-3, "outer learning rate")
	f.String("adapt", "instance", "training adaptation policy")
	f.Int("eval-episodes", 100, "episodes to evaluate after training (0 skips)")
}
