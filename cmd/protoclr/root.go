package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scttfrdmn/protoclr/internal/config"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

var version = "0.1.0"

var (
	configPath string
	logFormat  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "protoclr",
	Short: "Few-shot episodic meta-learning with graph-refined prototypes",
	Long: `protoclr trains an encoder for few-shot classification.

Every step samples a small task, builds a graph over its embeddings, refines
them with graph attention and scores queries against class prototypes.

Training strategies:
  - clr_gat: end-to-end prototypical training on {origs, views} batches
  - maml:    first-order bi-level training over sampled tasks

Evaluation strategies:
  - std_proto, prototune, proto_maml, sinkhorn, label_cleansing

Settings come from defaults, --config (YAML) and PROTOCLR_* variables, e.g.
PROTOCLR_TRAIN_LR=0.01.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "YAML config file")
	pf.StringVar(&logFormat, "log-format", "text", "log format: text or json")
	pf.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	pf.String("runlog-driver", "sqlite", "metrics store driver: sqlite or postgres")
	pf.String("runlog-dsn", "", "metrics store DSN (empty disables the run log)")
	pf.Int64("seed", 42, "random seed")

	rootCmd.AddCommand(trainCmd, evalCmd, infoCmd)
}

// newLogger builds the slog logger selected by --log-format and --log-level.
func newLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, errors.Wrapf(err, "log level %q", logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(logFormat) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, errors.Errorf("log format %q", logFormat)
	}
}

// loadConfig layers command flags over file and environment settings.
// bind maps viper keys to flag names.
func loadConfig(cmd *cobra.Command, bind map[string]string) (*config.Config, error) {
	v, err := config.NewViper(configPath)
	if err != nil {
		return nil, err
	}
	bind["runlog.driver"] = "runlog-driver"
	bind["runlog.dsn"] = "runlog-dsn"
	bind["seed"] = "seed"
	if err := bindFlags(v, cmd, bind); err != nil {
		return nil, err
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	applyCompute(cfg.Compute)
	return cfg, nil
}

// bindFlags binds only flags the user set, so unset flags never shadow the
// file or the environment.
func bindFlags(v *viper.Viper, cmd *cobra.Command, bind map[string]string) error {
	for key, name := range bind {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			return errors.Errorf("no flag %q", name)
		}
		if !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind %s", name)
		}
	}
	return nil
}

func applyCompute(c config.ComputeConfig) {
	if c.Tuned {
		tensor.SetComputeConfig(tensor.TunedComputeConfig())
		return
	}
	cc := tensor.DefaultComputeConfig()
	cc.Parallel = c.Parallel
	cc.NumWorkers = c.Workers
	tensor.SetComputeConfig(cc)
}
