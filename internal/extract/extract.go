// Copyright KnightForest, 2026. All rights reserved.

// Package extract turns measurement runs into tab-delimited .dat files.
//
// Each run's measured parameters are grouped by their dependency list;
// every group becomes one file whose columns are the group's set axes
// followed by its measured quantities. Whenever a slow set axis changes
// value a blank line is inserted, so 2-column plotting tools draw each
// line of a 2-D (or higher) sweep separately. The run description and
// snapshot are written next to the data as run_snapshot.json.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/KnightForest/qctools/internal/dataset"
	"github.com/KnightForest/qctools/pkg/types"
)

var (
	// ErrSourceNotFound is returned before any run is touched when the
	// database path does not exist or is not a .db file.
	ErrSourceNotFound = errors.New("measurement database not found")

	// ErrUnknownDependency marks a run whose measured parameter names a
	// dependency that is not a parameter of the run. That run is not
	// extracted; the rest of the batch continues.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Source is the read side of a measurement database.
type Source interface {
	Experiments(ctx context.Context) ([]types.Experiment, error)
	Runs(ctx context.Context, expID int64) ([]types.Run, error)
	ParameterData(ctx context.Context, run types.Run, name string) (map[string][]float64, error)
}

// RunError records why one run of a batch could not be extracted.
type RunError struct {
	RunID int64
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %d: %v", e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Summary holds counts from an extraction call. Written and Skipped count
// .dat files; Empty and Failed count runs.
type Summary struct {
	Written int
	Skipped int
	Empty   int
	Failed  int
	Errors  []error
}

// HasFailures reports whether any run failed.
func (s Summary) HasFailures() bool {
	return s.Failed > 0
}

// CheckSource verifies that path names an existing .db file.
func CheckSource(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || filepath.Ext(path) != ".db" {
		return fmt.Errorf("%s: %w", path, ErrSourceNotFound)
	}
	return nil
}

// Run opens cfg.DBPath read-only and extracts the selected runs.
func Run(ctx context.Context, cfg types.ExtractionConfig, w io.Writer) (Summary, error) {
	if err := CheckSource(cfg.DBPath); err != nil {
		return Summary{}, err
	}
	if !cfg.SuppressOutput {
		fmt.Fprintf(w, "found %s, extracting\n", cfg.DBPath)
	}

	store, err := dataset.Open(cfg.DBPath)
	if err != nil {
		return Summary{}, err
	}
	defer store.Close()

	return Extract(ctx, store, cfg, w)
}

// Extract writes every selected run of src with at least one result.
// Runs that fail are recorded in the summary and do not stop the batch;
// an error is returned only when src itself cannot be listed or ctx ends.
// Every call rereads the run, so it is safe to repeat while a sweep is
// still recording.
func Extract(ctx context.Context, src Source, cfg types.ExtractionConfig, w io.Writer) (Summary, error) {
	if cfg.SuppressOutput {
		w = io.Discard
	}

	exps, err := src.Experiments(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("listing experiments: %w", err)
	}

	var summary Summary
	for _, exp := range exps {
		runs, err := src.Runs(ctx, exp.ID)
		if err != nil {
			return summary, fmt.Errorf("listing runs of experiment %d: %w", exp.ID, err)
		}

		for _, run := range runs {
			if !cfg.WantsRun(run.ID) {
				continue
			}
			if run.ResultCount == 0 {
				summary.Empty++
				continue
			}

			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			default:
			}

			written, skipped, err := extractRun(ctx, src, cfg, exp, run, w)
			summary.Written += written
			summary.Skipped += skipped
			if err != nil {
				fmt.Fprintf(w, "failed  run %d: %v\n", run.ID, err)
				summary.Failed++
				summary.Errors = append(summary.Errors, &RunError{RunID: run.ID, Err: err})
			}
		}
	}

	fmt.Fprintf(w, "written: %d, skipped: %d, empty: %d, failed: %d\n",
		summary.Written, summary.Skipped, summary.Empty, summary.Failed)
	return summary, nil
}

// extractRun writes one .dat file (and snapshot) per dependency group.
func extractRun(ctx context.Context, src Source, cfg types.ExtractionConfig, exp types.Experiment, run types.Run, w io.Writer) (written, skipped int, err error) {
	groups, err := BuildGroups(run.Parameters)
	if err != nil {
		return 0, 0, err
	}

	for n, g := range groups {
		paths := pathsFor(cfg, exp, run, n, len(groups))
		if err := os.MkdirAll(paths.Dir, 0o755); err != nil {
			return written, skipped, fmt.Errorf("creating %s: %w", paths.Dir, err)
		}

		if !cfg.Overwrite {
			if _, err := os.Stat(paths.Dat); err == nil {
				skipped++
				continue
			}
		}

		m, err := groupMatrix(ctx, src, run, g)
		if err != nil {
			return written, skipped, err
		}

		var bounds []int
		if cfg.NewlineSlowAxes && len(g.Axes) > 1 {
			bounds = SliceBoundaries(m, len(g.Axes)-1)
		}

		fmt.Fprintf(w, "saving run %d to %s\n", run.ID, paths.Dat)
		if err := writeDat(paths.Dat, headerLines(exp, run, g), Split(m, bounds)); err != nil {
			return written, skipped, err
		}
		if err := writeSnapshot(paths.Snapshot, run, w); err != nil {
			return written, skipped, err
		}
		written++
	}
	return written, skipped, nil
}

// groupMatrix reads the columns of a group. The set axes come from the
// first measured parameter's rows, which also fix the row count; other
// measured columns are padded or cut to match.
func groupMatrix(ctx context.Context, src Source, run types.Run, g Group) (Matrix, error) {
	first := g.Measured[0].Name
	setData, err := src.ParameterData(ctx, run, first)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", first, err)
	}

	columns := make([][]float64, 0, len(g.Axes)+len(g.Measured))
	for _, axis := range g.Axes {
		columns = append(columns, setData[axis.Name])
	}
	for _, p := range g.Measured {
		data := setData
		if p.Name != first {
			if data, err = src.ParameterData(ctx, run, p.Name); err != nil {
				return nil, fmt.Errorf("reading %s: %w", p.Name, err)
			}
		}
		columns = append(columns, data[p.Name])
	}
	return NewMatrix(columns, len(g.Axes)), nil
}
