// Copyright KnightForest, 2026. All rights reserved.

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/KnightForest/qctools/internal/dataset"
	"github.com/KnightForest/qctools/internal/extract"
	"github.com/KnightForest/qctools/internal/live"
	"github.com/KnightForest/qctools/internal/sweep"
	"github.com/KnightForest/qctools/pkg/types"
)

var saveCmd = &cobra.Command{
	Use:   "save <plan.yaml>",
	Short: "Record an already measured array as a new run",
	Long: `Save reads a YAML file holding an N-dimensional data array and its
axes and records it as a run in the database given by --db, exactly as a
sweep over those axes would have. Complex data (an imag list next to
values) is stored as magnitude and phase.

Unless --no-extract is given, the run is extracted to .dat files while it
is being written and once more when it is complete.`,
	Args: cobra.ExactArgs(1),
	RunE: runSave,
}

func runSave(cmd *cobra.Command, args []string) error {
	dbPath, _ := cmd.Flags().GetString("db")
	experiment, _ := cmd.Flags().GetString("experiment")
	sample, _ := cmd.Flags().GetString("sample")
	interval, _ := cmd.Flags().GetDuration("live-interval")
	noExtract, _ := cmd.Flags().GetBool("no-extract")
	out := cmd.OutOrStdout()

	plan, err := sweep.LoadArrayPlan(args[0])
	if err != nil {
		return err
	}
	s, err := plan.Sweep()
	if err != nil {
		return err
	}
	s.Config = types.DefaultSweepConfig()
	s.Config.WaitFirst = 0

	if !noExtract && filepath.Ext(dbPath) != ".db" {
		warnf("%s does not end in .db, runs will not be extracted", dbPath)
		noExtract = true
	}
	if experiment == "" {
		experiment = plan.Experiment
	}
	if sample == "" {
		sample = plan.Sample
	}
	if experiment == "" {
		experiment = "saved_arrays"
	}
	if sample == "" {
		sample = "unknown"
	}

	store, err := dataset.Create(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	expID, err := store.NewExperiment(ctx, experiment, sample)
	if err != nil {
		return err
	}

	measure := func(ctx context.Context) error {
		id, err := s.Run(ctx, store, expID, out)
		if err == nil {
			color.New(color.FgGreen).Fprintf(out, "saved run %d to %s\n", id, dbPath)
		}
		return err
	}
	if noExtract {
		return measure(ctx)
	}

	s.Handle = live.NewHandle()
	extractRun := func(ctx context.Context, runID int64, final bool) error {
		cfg, err := extractionConfig(viper.GetViper(), dbPath)
		if err != nil {
			return err
		}
		cfg.RunIDs = []int64{runID}
		cfg.Overwrite = true
		cfg.SuppressOutput = cfg.SuppressOutput || !final
		summary, err := extract.Run(ctx, cfg, out)
		if err != nil {
			return err
		}
		return reportFailures(summary)
	}
	return live.Session(ctx, s.Handle, interval, measure, extractRun, os.Stderr)
}

func init() {
	saveCmd.Flags().String("db", "", "measurement database to record into (created if missing)")
	saveCmd.Flags().String("experiment", "", "experiment name (default: from the plan)")
	saveCmd.Flags().String("sample", "", "sample name (default: from the plan)")
	saveCmd.Flags().Duration("live-interval", 30*time.Second, "time between extractions while recording")
	saveCmd.Flags().Bool("no-extract", false, "only record, do not write .dat files")
	_ = saveCmd.MarkFlagRequired("db")

	rootCmd.AddCommand(saveCmd)
}

// warnf prints a warning line in yellow.
func warnf(format string, args ...any) {
	color.New(color.FgYellow).Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}
