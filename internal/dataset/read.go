// Copyright KnightForest, 2026. All rights reserved.

package dataset

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/KnightForest/qctools/pkg/types"
)

const commentColumn = "Comment"

// optionalRunColumns are runs columns that older databases, or databases
// where no run ever stored the value, may lack.
var optionalRunColumns = []string{"captured_counter", "guid", "run_description", "snapshot", commentColumn}

// Experiments lists every experiment in the database ordered by id.
func (s *Store) Experiments(ctx context.Context) ([]types.Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT exp_id, name, sample_name, run_counter, start_time
		 FROM experiments ORDER BY exp_id`)
	if err != nil {
		return nil, fmt.Errorf("querying experiments: %w", err)
	}
	defer rows.Close()

	var exps []types.Experiment
	for rows.Next() {
		var (
			exp     types.Experiment
			name    sql.NullString
			sample  sql.NullString
			counter sql.NullInt64
			start   sql.NullFloat64
		)
		if err := rows.Scan(&exp.ID, &name, &sample, &counter, &start); err != nil {
			return nil, fmt.Errorf("scanning experiment: %w", err)
		}
		exp.Name = name.String
		exp.SampleName = sample.String
		exp.RunCounter = int(counter.Int64)
		if start.Valid {
			exp.StartTime = fromUnix(start.Float64)
		}
		exps = append(exps, exp)
	}
	return exps, rows.Err()
}

// Runs loads every run of an experiment in recording order, including its
// parameter list, comment, run description and snapshot. Metadata columns
// that the database never created read as empty.
func (s *Store) Runs(ctx context.Context, expID int64) ([]types.Run, error) {
	optional := make(map[string]bool, len(optionalRunColumns))
	for _, col := range optionalRunColumns {
		ok, err := s.hasColumn(ctx, "runs", col)
		if err != nil {
			return nil, err
		}
		optional[col] = ok
	}
	column := func(name string) string {
		if optional[name] {
			return quoteIdent(name)
		}
		return "NULL"
	}

	order := "run_id"
	if optional["captured_counter"] {
		order = "captured_counter, run_id"
	}
	query := fmt.Sprintf(`SELECT run_id, exp_id, %s, name, %s, result_table_name,
		result_counter, parameters, run_timestamp, is_completed, %s, %s, %s
		FROM runs WHERE exp_id = ? ORDER BY %s`,
		column("captured_counter"), column("guid"), column("run_description"),
		column("snapshot"), column(commentColumn), order)

	rows, err := s.db.QueryContext(ctx, query, expID)
	if err != nil {
		return nil, fmt.Errorf("querying runs of experiment %d: %w", expID, err)
	}

	var runs []types.Run
	for rows.Next() {
		var (
			run         types.Run
			counter     sql.NullInt64
			name        sql.NullString
			guid        sql.NullString
			table       sql.NullString
			results     sql.NullInt64
			params      sql.NullString
			timestamp   sql.NullFloat64
			completed   sql.NullInt64
			description sql.NullString
			snapshot    sql.NullString
			comment     sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.ExpID, &counter, &name, &guid, &table,
			&results, &params, &timestamp, &completed, &description, &snapshot, &comment); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning run: %w", err)
		}

		run.Counter = int(counter.Int64)
		run.Name = name.String
		run.GUID = guid.String
		run.ResultTable = table.String
		run.ResultCount = int(results.Int64)
		run.ParamNames = params.String
		run.Completed = completed.Int64 != 0
		if timestamp.Valid {
			run.Timestamp = fromUnix(timestamp.Float64)
		}
		if description.Valid && description.String != "" {
			run.Description = json.RawMessage(description.String)
		}
		if snapshot.Valid && snapshot.String != "" {
			run.Snapshot = json.RawMessage(snapshot.String)
		}
		if comment.Valid {
			run.Comment = comment.String
			run.HasComment = true
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range runs {
		params, err := s.Parameters(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Parameters = params
	}
	return runs, nil
}

// Parameters returns a run's parameters in declared order with DependsOn
// rebuilt from the dependencies table.
func (s *Store) Parameters(ctx context.Context, runID int64) ([]types.Parameter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT layout_id, parameter, label, unit, inferred_from
		 FROM layouts WHERE run_id = ? ORDER BY layout_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying layouts of run %d: %w", runID, err)
	}

	var (
		params    []types.Parameter
		layoutIDs []int64
	)
	for rows.Next() {
		var (
			id                          int64
			name, label, unit, inferred sql.NullString
		)
		if err := rows.Scan(&id, &name, &label, &unit, &inferred); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning layout: %w", err)
		}
		params = append(params, types.Parameter{
			Name:         name.String,
			Label:        label.String,
			Unit:         unit.String,
			InferredFrom: inferred.String,
		})
		layoutIDs = append(layoutIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	deps, err := s.dependencies(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i, id := range layoutIDs {
		params[i].DependsOn = strings.Join(deps[id], types.DependencySeparator)
	}
	return params, nil
}

// dependencies maps each dependent layout id to its independent parameter
// names ordered by axis number.
func (s *Store) dependencies(ctx context.Context, runID int64) (map[int64][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.dependent, l.parameter
		 FROM dependencies d
		 JOIN layouts l ON l.layout_id = d.independent
		 WHERE l.run_id = ?
		 ORDER BY d.dependent, d.axis_num`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying dependencies of run %d: %w", runID, err)
	}
	defer rows.Close()

	deps := make(map[int64][]string)
	for rows.Next() {
		var (
			dependent int64
			name      sql.NullString
		)
		if err := rows.Scan(&dependent, &name); err != nil {
			return nil, fmt.Errorf("scanning dependency: %w", err)
		}
		deps[dependent] = append(deps[dependent], name.String)
	}
	return deps, rows.Err()
}

// ParameterData returns the recorded values of a parameter together with
// the set axes it depends on, keyed by column name. Only rows where the
// parameter itself was written are returned, so every column of the
// result has the same length. Missing set-axis values become NaN.
func (s *Store) ParameterData(ctx context.Context, run types.Run, name string) (map[string][]float64, error) {
	var param *types.Parameter
	for i := range run.Parameters {
		if run.Parameters[i].Name == name {
			param = &run.Parameters[i]
			break
		}
	}
	if param == nil {
		return nil, fmt.Errorf("run %d: %q: %w", run.ID, name, ErrUnknownParameter)
	}

	columns := append([]string{name}, param.Dependencies()...)
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s IS NOT NULL ORDER BY id`,
		strings.Join(quoted, ", "), quoteIdent(run.ResultTable), quoted[0])

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying %s of run %d: %w", name, run.ID, err)
	}
	defer rows.Close()

	data := make(map[string][]float64, len(columns))
	for _, c := range columns {
		data[c] = []float64{}
	}

	values := make([]sql.NullFloat64, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning %s of run %d: %w", name, run.ID, err)
		}
		for i, c := range columns {
			v := math.NaN()
			if values[i].Valid {
				v = values[i].Float64
			}
			data[c] = append(data[c], v)
		}
	}
	return data, rows.Err()
}
