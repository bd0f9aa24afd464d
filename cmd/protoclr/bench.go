package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/scttfrdmn/protoclr/internal/tensor"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Time the tensor kernels serially and with the configured workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd, map[string]string{}); err != nil {
			return err
		}
		sizes, _ := cmd.Flags().GetIntSlice("sizes")
		iters, _ := cmd.Flags().GetInt("iterations")
		out, _ := cmd.Flags().GetString("json")

		suite := tensor.RunBenchmarks(sizes, iters)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KERNEL\tSIZE\tWORKERS\tTIME\tGFLOPS\tSPEEDUP")
		for _, r := range suite.Results {
			speedup := "-"
			if r.Speedup > 0 {
				speedup = fmt.Sprintf("%.2fx", r.Speedup)
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%v\t%.2f\t%s\n", r.Kernel, r.Size, r.Workers, r.AvgTime, r.GFLOPS, speedup)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if out == "" {
			return nil
		}
		data, err := suite.JSON()
		if err != nil {
			return err
		}
		return errors.Wrapf(os.WriteFile(out, data, 0o644), "write %s", out)
	},
}

func init() {
	f := benchCmd.Flags()
	f.IntSlice("sizes", []int{64, 128, 256}, "square input sizes")
	f.Int("iterations", 10, "runs per kernel and size")
	f.String("json", "", "also write results to this JSON file")
	rootCmd.AddCommand(benchCmd)
}
