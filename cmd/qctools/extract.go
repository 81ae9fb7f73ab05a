// Copyright KnightForest, 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/KnightForest/qctools/internal/extract"
	"github.com/KnightForest/qctools/pkg/types"
)

var extractCmd = &cobra.Command{
	Use:   "extract <database.db>",
	Short: "Write the runs of a measurement database as .dat files",
	Long: `Extract reads every run with results and writes one tab-separated
.dat file per group of measured parameters that share set axes, plus a
run_snapshot.json with the run description and instrument snapshot.

Files go into Exp<NN>(<experiment>)-Sample(<sample>)/<NNN>_<timestamp>_<run>/
below the output root, which defaults to the database path without its
extension. Existing .dat files are kept unless --overwrite is given.

Settings can also come from the extract section of qctools.yaml or from
QCTOOLS_EXTRACT_* environment variables; keys use the field names
of the extraction settings (extract_path, run_ids, suppress_output, ...).`,
	Args: cobra.ExactArgs(1),
	RunE: runExtract,
}

func runExtract(cmd *cobra.Command, args []string) error {
	cfg, err := extractionConfig(viper.GetViper(), args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	summary, err := extract.Run(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	return reportFailures(summary)
}

// extractionConfig builds the settings from flags, config file and environment.
// Keys live under "extract" and use the yaml names of types.ExtractionConfig.
func extractionConfig(v *viper.Viper, dbPath string) (types.ExtractionConfig, error) {
	cfg := types.DefaultExtractionConfig()
	cfg.DBPath = dbPath
	cfg.ExtractPath = v.GetString("extract.extract_path")
	cfg.Overwrite = v.GetBool("extract.overwrite")
	cfg.ParamsInFilename = v.GetBool("extract.params_in_filename")
	cfg.NoFolders = v.GetBool("extract.no_folders")
	cfg.SuppressOutput = v.GetBool("extract.suppress_output")
	if v.IsSet("extract.timestamp") {
		cfg.Timestamp = v.GetBool("extract.timestamp")
	}
	if v.IsSet("extract.newline_slow_axes") {
		cfg.NewlineSlowAxes = v.GetBool("extract.newline_slow_axes")
	}

	ids, err := parseRunIDs(runIDSelection(v.Get("extract.run_ids")))
	if err != nil {
		return cfg, err
	}
	cfg.RunIDs = ids
	return cfg, nil
}

// runIDSelection turns the run_ids setting into "3,5-8" form. It comes in
// as a string from the flag or environment and as a list from YAML.
func runIDSelection(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		parts := make([]string, len(v))
		for i, id := range v {
			parts[i] = fmt.Sprint(id)
		}
		return strings.Join(parts, ",")
	case []int:
		parts := make([]string, len(v))
		for i, id := range v {
			parts[i] = strconv.Itoa(id)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}

// parseRunIDs parses a run selection such as "3,5-8". Empty selects all runs.
func parseRunIDs(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	seen := make(map[int64]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid run id %q", part)
		}
		last := first
		if isRange {
			if last, err = strconv.ParseInt(strings.TrimSpace(hi), 10, 64); err != nil {
				return nil, fmt.Errorf("invalid run id range %q", part)
			}
		}
		if first < 1 || last < first {
			return nil, fmt.Errorf("invalid run id range %q", part)
		}
		for id := first; id <= last; id++ {
			seen[id] = true
		}
	}

	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// reportFailures prints failed runs in red and turns them into an error.
func reportFailures(summary extract.Summary) error {
	if !summary.HasFailures() {
		return nil
	}
	red := color.New(color.FgRed)
	for _, err := range summary.Errors {
		red.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return fmt.Errorf("%d run(s) failed extraction", summary.Failed)
}

func init() {
	extractCmd.Flags().String("out", "", "output root (default: database path without .db)")
	extractCmd.Flags().String("ids", "", "runs to extract, e.g. 3,5-8 (default: all)")
	extractCmd.Flags().Bool("overwrite", false, "rewrite .dat files that already exist")
	extractCmd.Flags().Bool("timestamp", true, "add the run start time to folder names")
	extractCmd.Flags().Bool("params-in-filename", false, "append parameter names to .dat file names")
	extractCmd.Flags().Bool("newline-slow-axes", true, "insert a blank line when a slow axis changes")
	extractCmd.Flags().Bool("no-folders", false, "write all files into the output root")
	extractCmd.Flags().BoolP("quiet", "q", false, "suppress progress output")

	for key, flag := range map[string]string{
		"extract.extract_path":       "out",
		"extract.run_ids":            "ids",
		"extract.overwrite":          "overwrite",
		"extract.timestamp":          "timestamp",
		"extract.params_in_filename": "params-in-filename",
		"extract.newline_slow_axes":  "newline-slow-axes",
		"extract.no_folders":         "no-folders",
		"extract.suppress_output":    "quiet",
	} {
		_ = viper.BindPFlag(key, extractCmd.Flags().Lookup(flag))
	}

	rootCmd.AddCommand(extractCmd)
}
