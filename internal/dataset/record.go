// Copyright KnightForest, 2026. All rights reserved.

package dataset

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/KnightForest/qctools/pkg/types"
)

// Description is the structural run description stored with every run.
// Extraction merges it into run_snapshot.json so plotting tools can rebuild
// the axes.
type Description struct {
	Version           int               `json:"version"`
	Interdependencies Interdependencies `json:"interdependencies"`
}

// Interdependencies lists the parameter specs of a run.
type Interdependencies struct {
	Paramspecs []ParamSpec `json:"paramspecs"`
}

// ParamSpec describes one parameter in the run description.
type ParamSpec struct {
	Name         string   `json:"name"`
	Paramtype    string   `json:"paramtype"`
	Label        string   `json:"label"`
	Unit         string   `json:"unit"`
	InferredFrom []string `json:"inferred_from"`
	DependsOn    []string `json:"depends_on"`
}

func describe(params []types.Parameter) Description {
	specs := make([]ParamSpec, len(params))
	for i, p := range params {
		deps := p.Dependencies()
		if deps == nil {
			deps = []string{}
		}
		specs[i] = ParamSpec{
			Name:         p.Name,
			Paramtype:    "numeric",
			Label:        p.Label,
			Unit:         p.Unit,
			InferredFrom: []string{},
			DependsOn:    deps,
		}
	}
	return Description{Version: 0, Interdependencies: Interdependencies{Paramspecs: specs}}
}

// NewExperiment returns the id of the experiment with the given name and
// sample, creating it if it does not exist yet.
func (s *Store) NewExperiment(ctx context.Context, name, sample string) (int64, error) {
	if s.readOnly {
		return 0, ErrReadOnly
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT exp_id FROM experiments WHERE name = ? AND sample_name = ? ORDER BY exp_id LIMIT 1`,
		name, sample,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("looking up experiment %q: %w", name, err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO experiments (name, sample_name, start_time, format_string, run_counter)
		 VALUES (?, ?, ?, ?, 0)`,
		name, sample, toUnix(s.now()), "{}-{}-{}",
	)
	if err != nil {
		return 0, fmt.Errorf("inserting experiment %q: %w", name, err)
	}
	return res.LastInsertId()
}

// validateParameters checks for duplicate names and dependencies that do
// not name another parameter of the same run.
func validateParameters(params []types.Parameter) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters: %w", ErrInvalidParameters)
	}
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if p.Name == "" {
			return fmt.Errorf("empty parameter name: %w", ErrInvalidParameters)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %q: %w", p.Name, ErrInvalidParameters)
		}
		seen[p.Name] = true
	}
	for _, p := range params {
		for _, dep := range p.Dependencies() {
			if !seen[dep] || dep == p.Name {
				return fmt.Errorf("parameter %q depends on %q: %w", p.Name, dep, ErrInvalidParameters)
			}
		}
	}
	return nil
}

// NewRun registers a run in an experiment: it bumps the experiment's run
// counter, creates the results table, and stores the parameter layouts,
// their dependencies and the run description.
func (s *Store) NewRun(ctx context.Context, expID int64, name string, params []types.Parameter) (types.Run, error) {
	if s.readOnly {
		return types.Run{}, ErrReadOnly
	}
	if err := validateParameters(params); err != nil {
		return types.Run{}, err
	}

	descJSON, err := json.Marshal(describe(params))
	if err != nil {
		return types.Run{}, fmt.Errorf("marshaling run description: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Run{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE experiments SET run_counter = run_counter + 1 WHERE exp_id = ?`, expID,
	); err != nil {
		return types.Run{}, fmt.Errorf("bumping run counter: %w", err)
	}
	var counter int
	if err := tx.QueryRowContext(ctx,
		`SELECT run_counter FROM experiments WHERE exp_id = ?`, expID,
	).Scan(&counter); err != nil {
		return types.Run{}, fmt.Errorf("experiment %d: %w", expID, err)
	}

	started := s.now()
	run := types.Run{
		ExpID:       expID,
		Counter:     counter,
		Name:        name,
		GUID:        uuid.NewString(),
		ResultTable: fmt.Sprintf("results-%d-%d", expID, counter),
		ParamNames:  strings.Join(paramNames(params), ","),
		Timestamp:   fromUnix(toUnix(started)),
		Parameters:  append([]types.Parameter(nil), params...),
		Description: descJSON,
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs (exp_id, name, result_table_name, result_counter, run_timestamp,
			is_completed, parameters, guid, run_description, captured_counter)
		 VALUES (?, ?, ?, 0, ?, 0, ?, ?, ?, ?)`,
		expID, name, run.ResultTable, toUnix(started), run.ParamNames, run.GUID,
		string(descJSON), counter,
	)
	if err != nil {
		return types.Run{}, fmt.Errorf("inserting run: %w", err)
	}
	if run.ID, err = res.LastInsertId(); err != nil {
		return types.Run{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET captured_run_id = run_id WHERE run_id = ?`, run.ID,
	); err != nil {
		return types.Run{}, fmt.Errorf("setting captured run id: %w", err)
	}

	cols := make([]string, len(params))
	for i, p := range params {
		cols[i] = quoteIdent(p.Name) + " NUMERIC"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE %s (id INTEGER PRIMARY KEY AUTOINCREMENT, %s)`,
		quoteIdent(run.ResultTable), strings.Join(cols, ", "),
	)); err != nil {
		return types.Run{}, fmt.Errorf("creating results table: %w", err)
	}

	layoutIDs := make(map[string]int64, len(params))
	for _, p := range params {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO layouts (run_id, parameter, label, unit, inferred_from) VALUES (?, ?, ?, ?, ?)`,
			run.ID, p.Name, p.Label, p.Unit, p.InferredFrom,
		)
		if err != nil {
			return types.Run{}, fmt.Errorf("inserting layout %s: %w", p.Name, err)
		}
		if layoutIDs[p.Name], err = res.LastInsertId(); err != nil {
			return types.Run{}, err
		}
	}
	for _, p := range params {
		for axis, dep := range p.Dependencies() {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO dependencies (dependent, independent, axis_num) VALUES (?, ?, ?)`,
				layoutIDs[p.Name], layoutIDs[dep], axis,
			); err != nil {
				return types.Run{}, fmt.Errorf("inserting dependency %s -> %s: %w", p.Name, dep, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return types.Run{}, fmt.Errorf("committing run: %w", err)
	}
	return run, nil
}

// AddResults appends rows to a run's results table. Each row maps
// parameter names to values; parameters absent from a row are stored as
// NULL, and NaN is stored as NULL too.
func (s *Store) AddResults(ctx context.Context, run types.Run, rows []map[string]float64) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if len(rows) == 0 {
		return nil
	}

	order := make(map[string]int, len(run.Parameters))
	for i, p := range run.Parameters {
		order[p.Name] = i
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := make(map[string]*sql.Stmt)
	defer func() {
		for _, st := range stmts {
			st.Close()
		}
	}()

	for _, row := range rows {
		names := make([]string, 0, len(row))
		for name := range row {
			if _, ok := order[name]; !ok {
				return fmt.Errorf("run %d: %q: %w", run.ID, name, ErrUnknownParameter)
			}
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool { return order[names[i]] < order[names[j]] })

		key := strings.Join(names, "\x00")
		stmt, ok := stmts[key]
		if !ok {
			quoted := make([]string, len(names))
			for i, n := range names {
				quoted[i] = quoteIdent(n)
			}
			query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
				quoteIdent(run.ResultTable), strings.Join(quoted, ", "),
				strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", "))
			if len(names) == 0 {
				query = fmt.Sprintf(`INSERT INTO %s DEFAULT VALUES`, quoteIdent(run.ResultTable))
			}
			if stmt, err = tx.PrepareContext(ctx, query); err != nil {
				return fmt.Errorf("preparing insert: %w", err)
			}
			stmts[key] = stmt
		}

		args := make([]any, len(names))
		for i, n := range names {
			if v := row[n]; !math.IsNaN(v) {
				args[i] = v
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("inserting result row: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET result_counter = result_counter + ? WHERE run_id = ?`, len(rows), run.ID,
	); err != nil {
		return fmt.Errorf("updating result counter: %w", err)
	}
	return tx.Commit()
}

// SetMetadata stores a text value under key for a run, adding the column
// to the runs table the first time the key is used.
func (s *Store) SetMetadata(ctx context.Context, runID int64, key, value string) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if key == "" {
		return fmt.Errorf("empty metadata key")
	}

	exists, err := s.hasColumn(ctx, "runs", key)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`ALTER TABLE runs ADD COLUMN %s TEXT`, quoteIdent(key)),
		); err != nil {
			return fmt.Errorf("adding metadata column %s: %w", key, err)
		}
	}

	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE runs SET %s = ? WHERE run_id = ?`, quoteIdent(key)), value, runID,
	); err != nil {
		return fmt.Errorf("setting metadata %s on run %d: %w", key, runID, err)
	}
	return nil
}

// SetSnapshot stores the station snapshot of a run as JSON.
func (s *Store) SetSnapshot(ctx context.Context, runID int64, snapshot map[string]any) error {
	if s.readOnly {
		return ErrReadOnly
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET snapshot = ? WHERE run_id = ?`, string(data), runID,
	); err != nil {
		return fmt.Errorf("storing snapshot of run %d: %w", runID, err)
	}
	return nil
}

// CompleteRun marks a run finished.
func (s *Store) CompleteRun(ctx context.Context, runID int64) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET is_completed = 1, completed_timestamp = ? WHERE run_id = ?`,
		toUnix(s.now()), runID,
	); err != nil {
		return fmt.Errorf("completing run %d: %w", runID, err)
	}
	return nil
}

func paramNames(params []types.Parameter) []string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	return names
}
