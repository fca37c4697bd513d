package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/DavidWarrenKatz/hypermatrix/pkg/pipeline"
	"github.com/DavidWarrenKatz/hypermatrix/pkg/store"
	"github.com/DavidWarrenKatz/hypermatrix/pkg/store/h5"
)

func newProcessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process [path resolutions chromosomes dataTypes]",
		Short: "Estimate correlation and cumulant for every key of a batch",
		Long: `
Process function:
For every combination of resolution, chromosome and data type, load the
contact matrix and its dark bins from

  {path}Workspaces/individual/ch{chr}_res{res}_{type}_KR.h5
  {path}Workspaces/individual/ch{chr}_res{res}_darkBins.h5

drop the dark bins and write the correlation matrix (..._KR_corr.h5) and
the cumulant tensor (..._KR_cumulant.h5) alongside. A key that fails is
logged and the batch goes on with the rest.

The selection comes from flags, the config file, or four positional
arguments with comma-separated lists:

  hypermatrix process /data/ 1000000,500000 1,2,X oe
`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 4 {
				return fmt.Errorf("expected 0 or 4 positional arguments, got %d", len(args))
			}
			return nil
		},
		RunE: runProcess,
	}

	flags := cmd.Flags()
	flags.String("path", "", "Base path containing Workspaces/individual/")
	flags.StringSlice("resolutions", nil, "Resolutions in base pairs, e.g. 1000000,500000")
	flags.StringSlice("chromosomes", nil, "Chromosome labels, e.g. 1,2,X")
	flags.StringSlice("data-types", nil, "Data types, e.g. oe,observed")
	flags.Int("workers", cfg.Workers(), "Keys processed concurrently")
	flags.Int("cumulant-workers", cfg.CumulantWorkers(), "Goroutines per cumulant estimate")
	flags.Duration("key-timeout", cfg.KeyTimeout(), "Deadline for a single key, 0 disables")
	flags.Float64("max-failure-rate", cfg.MaxFailureRate(), "Abort once more than this share of keys failed")

	mustBind("data.path", flags.Lookup("path"))
	mustBind("data.resolutions", flags.Lookup("resolutions"))
	mustBind("data.chromosomes", flags.Lookup("chromosomes"))
	mustBind("data.data_types", flags.Lookup("data-types"))
	mustBind("pipeline.workers", flags.Lookup("workers"))
	mustBind("pipeline.cumulant_workers", flags.Lookup("cumulant-workers"))
	mustBind("pipeline.key_timeout", flags.Lookup("key-timeout"))
	mustBind("pipeline.max_failure_rate", flags.Lookup("max-failure-rate"))

	return cmd
}

func runProcess(cmd *cobra.Command, args []string) error {
	if len(args) == 4 {
		cfg.Set("data.path", args[0])
		cfg.Set("data.resolutions", args[1])
		cfg.Set("data.chromosomes", args[2])
		cfg.Set("data.data_types", args[3])
	}

	batch, err := cfg.Batch()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver := pipeline.NewDriver(openStore(cfg.DataPath()), pipelineOptions(), logger)
	summary, err := driver.Run(ctx, batch)
	if summary != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d keys, %d succeeded, %d failed, %d skipped in %s\n",
			summary.RunID, summary.Total, summary.Succeeded, summary.Failed, summary.Skipped, summary.Duration)
	}
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d keys failed", summary.Failed, summary.Total)
	}
	return nil
}

// openStore returns the HDF5 store rooted at base, wrapped with the TSV
// exporter when enabled.
func openStore(base string) store.Store {
	st := h5.NewStore(base)
	if cfg.ExportTSV() {
		return store.NewTSVExporter(st, st.Layout)
	}
	return st
}
