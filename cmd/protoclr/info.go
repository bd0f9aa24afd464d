package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/protoclr/internal/tensor"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the compute backend and CPU features",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd, map[string]string{}); err != nil {
			return err
		}
		b := tensor.DetectBackend()
		cc := tensor.CurrentComputeConfig()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "CPU\t%s\n", b.Brand)
		fmt.Fprintf(w, "Vendor\t%s\n", b.Vendor)
		fmt.Fprintf(w, "Arch\t%s\n", b.Arch)
		fmt.Fprintf(w, "Cores\t%d physical, %d logical\n", b.PhysicalCores, b.LogicalCores)
		fmt.Fprintf(w, "L2 cache\t%d KiB\n", b.L2CacheBytes/1024)
		fmt.Fprintf(w, "AVX2 / FMA / AVX-512\t%v / %v / %v\n", b.HasAVX2, b.HasFMA, b.HasAVX512)
		fmt.Fprintf(w, "NEON\t%v\n", b.HasNEON)
		fmt.Fprintf(w, "Parallel kernels\t%v (%d workers, >= %d rows)\n", cc.Parallel, b.Workers, cc.MinRowsForParallel)
		return w.Flush()
	},
}
