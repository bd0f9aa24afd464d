package main

import (
	"github.com/spf13/cobra"
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate a freshly initialised model on synthetic episodes",
	Long: `Evaluate scores synthetic few-shot episodes with the configured
evaluation strategy and adaptation policy, and prints mean accuracy with a
95% confidence interval. With no checkpoint to load, the model is freshly
initialised, which makes this a baseline for train.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, map[string]string{
			"eval.sup_finetune": "finetune",
			"eval.episodes":     "episodes",
			"eval.ways":         "ways",
			"eval.n_support":    "shots",
			"adapt.eval":        "adapt",
		})
		if err != nil {
			return err
		}
		logger, err := newLogger(cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		s, err := openSession(ctx, cfg, logger, "eval")
		if err != nil {
			return err
		}
		defer s.Close()
		return s.evaluate(ctx, cmd.OutOrStdout(), cfg.Eval.Episodes)
	},
}

func init() {
	f := evalCmd.Flags()
	f.String("finetune", "std_proto", "evaluation strategy: std_proto, prototune, proto_maml, sinkhorn or label_cleansing")
	f.Int("episodes", 100, "number of episodes")
	f.Int("ways", 5, "classes per episode")
	f.Int("shots", 5, "support examples per class")
	f.String("adapt", "task", "evaluation adaptation policy: none, task, proto_only, instance, ot or re_rep")
}
