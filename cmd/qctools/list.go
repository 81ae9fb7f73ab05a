// Copyright KnightForest, 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/KnightForest/qctools/internal/dataset"
	"github.com/KnightForest/qctools/internal/extract"
)

var listCmd = &cobra.Command{
	Use:   "list <database.db>",
	Short: "List the experiments and runs of a measurement database",
	Long: `List prints every experiment of a database with its runs: id, name,
number of results, whether the run completed, and its parameters.
Use --format yaml or json for machine-readable output.`,
	Args: cobra.ExactArgs(1),
	RunE: runList,
}

// runListing is one run in list output.
type runListing struct {
	ID         int64     `json:"id" yaml:"id"`
	Counter    int       `json:"counter" yaml:"counter"`
	Name       string    `json:"name" yaml:"name"`
	Results    int       `json:"results" yaml:"results"`
	Completed  bool      `json:"completed" yaml:"completed"`
	Started    time.Time `json:"started" yaml:"started"`
	Comment    string    `json:"comment,omitempty" yaml:"comment,omitempty"`
	Parameters []string  `json:"parameters" yaml:"parameters"`
}

// experimentListing is one experiment in list output.
type experimentListing struct {
	ID     int64        `json:"id" yaml:"id"`
	Name   string       `json:"name" yaml:"name"`
	Sample string       `json:"sample" yaml:"sample"`
	Runs   []runListing `json:"runs" yaml:"runs"`
}

func runList(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	if err := extract.CheckSource(args[0]); err != nil {
		return err
	}
	store, err := dataset.Open(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	listing, err := listDatabase(context.Background(), store)
	if err != nil {
		return err
	}
	return formatListing(cmd.OutOrStdout(), listing, format)
}

func listDatabase(ctx context.Context, store *dataset.Store) ([]experimentListing, error) {
	exps, err := store.Experiments(ctx)
	if err != nil {
		return nil, err
	}

	listing := make([]experimentListing, 0, len(exps))
	for _, exp := range exps {
		runs, err := store.Runs(ctx, exp.ID)
		if err != nil {
			return nil, err
		}
		entry := experimentListing{ID: exp.ID, Name: exp.Name, Sample: exp.SampleName}
		for _, run := range runs {
			entry.Runs = append(entry.Runs, runListing{
				ID:         run.ID,
				Counter:    run.Counter,
				Name:       run.Name,
				Results:    run.ResultCount,
				Completed:  run.Completed,
				Started:    run.Timestamp,
				Comment:    run.Comment,
				Parameters: run.ParameterNames(),
			})
		}
		listing = append(listing, entry)
	}
	return listing, nil
}

func formatListing(w io.Writer, listing []experimentListing, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(listing)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(listing); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
	default:
		return fmt.Errorf("unsupported format %q: use table, yaml or json", format)
	}

	if len(listing) == 0 {
		fmt.Fprintln(w, "No experiments found.")
		return nil
	}

	bold := color.New(color.Bold)
	runs := 0
	for _, exp := range listing {
		bold.Fprintf(w, "Exp %d: %s (sample %s)\n", exp.ID, exp.Name, exp.Sample)
		fmt.Fprintf(w, "  %-5s  %-30s  %-8s  %-4s  %s\n", "Run", "Name", "Results", "Done", "Parameters")
		fmt.Fprintln(w, "  "+strings.Repeat("-", 80))
		for _, r := range exp.Runs {
			name := r.Name
			if len(name) > 30 {
				name = name[:27] + "..."
			}
			done := "no"
			if r.Completed {
				done = "yes"
			}
			fmt.Fprintf(w, "  %-5d  %-30s  %-8d  %-4s  %s\n",
				r.ID, name, r.Results, done, strings.Join(r.Parameters, ", "))
		}
		fmt.Fprintln(w)
		runs += len(exp.Runs)
	}
	fmt.Fprintf(w, "%d experiments, %d runs\n", len(listing), runs)
	return nil
}

func init() {
	listCmd.Flags().String("format", "table", "output format: table, yaml or json")

	rootCmd.AddCommand(listCmd)
}
