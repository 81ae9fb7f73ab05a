// Copyright KnightForest, 2026. All rights reserved.

// Package sweep steps set axes through a grid of setpoints, reads every
// meter at each point, and records the results as a run.
//
// Axes are set slow to fast on the first point and fast to slow after
// that, and only when their value changes. Cancellation is cooperative:
// the context is checked before every point and during settle waits, and
// an interrupted sweep still flushes what it measured.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/KnightForest/qctools/internal/live"
	"github.com/KnightForest/qctools/pkg/types"
)

var (
	// ErrInvalidPlan is returned before anything is recorded when axes,
	// setpoints and meters do not fit together.
	ErrInvalidPlan = errors.New("invalid sweep plan")

	// ErrInterrupted is returned when the context ends mid-sweep.
	ErrInterrupted = errors.New("sweep interrupted")
)

// Recorder stores runs. *dataset.Store implements it.
type Recorder interface {
	NewRun(ctx context.Context, expID int64, name string, params []types.Parameter) (types.Run, error)
	AddResults(ctx context.Context, run types.Run, rows []map[string]float64) error
	SetMetadata(ctx context.Context, runID int64, key, value string) error
	SetSnapshot(ctx context.Context, runID int64, snapshot map[string]any) error
	CompleteRun(ctx context.Context, runID int64) error
}

// Axis is a set parameter and the values it is stepped through.
type Axis struct {
	Param types.Parameter

	// Set moves the instrument to v.
	Set func(ctx context.Context, v float64) error

	// Points are the values of this axis for grid sweeps.
	Points []float64

	// Settle is waited after every change of this axis.
	Settle time.Duration
}

// Sweep describes one measurement.
type Sweep struct {
	Name    string
	Comment string
	Axes    []Axis
	Meters  []Meter

	// Meander runs every second pass of the fastest axis backwards.
	Meander bool

	// Setpoints replaces the grid built from Axes[i].Points with an
	// explicit list of points, one value per axis each.
	Setpoints [][]float64

	// BeforeRead, if set, runs before meter i is read at each point.
	BeforeRead func(ctx context.Context, meter int) error

	// Snapshot is stored with the run alongside a description of the sweep.
	Snapshot map[string]any

	Config types.SweepConfig

	// Handle, if set, receives the run id and a signal after every flush.
	Handle *live.Handle
}

// points returns the setpoint list of the sweep.
func (s *Sweep) points() ([][]float64, error) {
	if s.Setpoints != nil {
		for i, p := range s.Setpoints {
			if len(p) != len(s.Axes) {
				return nil, fmt.Errorf("setpoint %d has %d values for %d axes: %w", i, len(p), len(s.Axes), ErrInvalidPlan)
			}
		}
		return s.Setpoints, nil
	}

	spaces := make([][]float64, len(s.Axes))
	for i, a := range s.Axes {
		if len(a.Points) == 0 {
			return nil, fmt.Errorf("axis %s has no points: %w", a.Param.Name, ErrInvalidPlan)
		}
		spaces[i] = a.Points
	}
	if s.Meander {
		return Meander(spaces...), nil
	}
	return CartProd(spaces...), nil
}

// parameters returns the run's parameter list: set axes first, then the
// parameters of every meter.
func (s *Sweep) parameters() ([]types.Parameter, error) {
	if len(s.Meters) == 0 {
		return nil, fmt.Errorf("no meters: %w", ErrInvalidPlan)
	}

	axes := make([]string, len(s.Axes))
	params := make([]types.Parameter, 0, len(s.Axes)+len(s.Meters))
	for i, a := range s.Axes {
		if a.Set == nil {
			return nil, fmt.Errorf("axis %s has no setter: %w", a.Param.Name, ErrInvalidPlan)
		}
		p := a.Param
		p.DependsOn = ""
		params = append(params, p)
		axes[i] = p.Name
	}

	seen := make(map[string]bool)
	for _, p := range params {
		seen[p.Name] = true
	}
	for _, m := range s.Meters {
		if m.Read == nil {
			return nil, fmt.Errorf("meter %s has no reader: %w", m.Param.Name, ErrInvalidPlan)
		}
		for _, p := range m.parameters(axes) {
			if seen[p.Name] {
				return nil, fmt.Errorf("parameter %s registered twice: %w", p.Name, ErrInvalidPlan)
			}
			seen[p.Name] = true
			params = append(params, p)
		}
	}
	return params, nil
}

// snapshot describes the sweep for the run's snapshot JSON.
func (s *Sweep) snapshot(npoints int) map[string]any {
	snap := make(map[string]any, len(s.Snapshot)+1)
	for k, v := range s.Snapshot {
		snap[k] = v
	}

	axes := make([]map[string]any, len(s.Axes))
	for i, a := range s.Axes {
		axes[i] = map[string]any{
			"name":     a.Param.Name,
			"label":    a.Param.Label,
			"unit":     a.Param.Unit,
			"settle_s": a.Settle.Seconds(),
		}
	}
	meters := make([]string, len(s.Meters))
	for i, m := range s.Meters {
		meters[i] = m.Param.Name
	}
	snap["sweep"] = map[string]any{
		"name":      s.Name,
		"comment":   s.Comment,
		"meander":   s.Meander,
		"manual":    s.Setpoints != nil,
		"setpoints": npoints,
		"axes":      axes,
		"meters":    meters,
	}
	return snap
}

// Run validates the sweep, registers a run in experiment expID, and
// measures every point. Progress is written to w. It returns the run id,
// which is also set when the sweep was interrupted.
func (s *Sweep) Run(ctx context.Context, rec Recorder, expID int64, w io.Writer) (int64, error) {
	points, err := s.points()
	if err != nil {
		return 0, err
	}
	if len(s.Axes) == 0 {
		points = [][]float64{{}}
	}
	params, err := s.parameters()
	if err != nil {
		return 0, err
	}

	run, err := rec.NewRun(ctx, expID, s.Name, params)
	if err != nil {
		return 0, fmt.Errorf("registering run: %w", err)
	}
	if err := rec.SetMetadata(ctx, run.ID, "Comment", s.Comment); err != nil {
		return run.ID, err
	}
	if err := rec.SetSnapshot(ctx, run.ID, s.snapshot(len(points))); err != nil {
		return run.ID, err
	}
	if s.Handle != nil {
		s.Handle.Start(run.ID)
	}

	m := &measurement{sweep: s, rec: rec, run: run, points: points, w: w}
	runErr := m.loop(ctx)

	// Keep what was measured even when interrupted.
	saveCtx := context.WithoutCancel(ctx)
	if err := m.flush(saveCtx); err != nil && runErr == nil {
		runErr = err
	}
	if err := rec.CompleteRun(saveCtx, run.ID); err != nil && runErr == nil {
		runErr = err
	}
	return run.ID, runErr
}

// measurement is the state of one sweep in progress.
type measurement struct {
	sweep   *Sweep
	rec     Recorder
	run     types.Run
	points  [][]float64
	w       io.Writer
	pending []map[string]float64

	lastWrite time.Time
	progress  progress
}

func (m *measurement) loop(ctx context.Context) error {
	s := m.sweep
	changes := Changes(m.points)
	last := make([][]float64, len(s.Meters))

	for i, point := range m.points {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w at setpoint %d of %d", ErrInterrupted, i+1, len(m.points))
		}

		if err := m.setAxes(ctx, i, point, changes[i]); err != nil {
			return err
		}
		if i == 0 {
			if err := wait(ctx, s.Config.WaitFirst); err != nil {
				return fmt.Errorf("%w before the first setpoint", ErrInterrupted)
			}
			m.progress.start(time.Now())
			m.lastWrite = time.Now()
		}

		row := make(map[string]float64, len(point)+len(s.Meters))
		for a, v := range point {
			row[s.Axes[a].Param.Name] = v
		}
		var extra []map[string]float64
		for k, meter := range s.Meters {
			if s.BeforeRead != nil {
				if err := s.BeforeRead(ctx, k); err != nil {
					return fmt.Errorf("before reading %s: %w", meter.Param.Name, err)
				}
			}
			values, err := meter.Read(ctx)
			if err != nil {
				return fmt.Errorf("reading %s: %w", meter.Param.Name, err)
			}
			rows, err := meter.record(row, values)
			if err != nil {
				return err
			}
			extra = append(extra, rows...)
			last[k] = values
		}
		if len(row) > len(point) {
			m.pending = append(m.pending, row)
		}
		m.pending = append(m.pending, extra...)

		now := time.Now()
		if now.Sub(m.lastWrite) >= s.Config.WritePeriod {
			if err := m.flush(ctx); err != nil {
				return err
			}
			m.lastWrite = now
		}
		m.progress.report(m.w, s, m.run.ID, point, last, i, len(m.points), now, s.Config.PrintInterval)
	}
	return nil
}

// setAxes moves the changed axes of point i. The first point is set from
// the slowest axis to the fastest, every later point the other way round.
func (m *measurement) setAxes(ctx context.Context, i int, point []float64, changed []bool) error {
	s := m.sweep
	n := len(s.Axes)
	for k := 0; k < n; k++ {
		axis := n - 1 - k
		if i == 0 {
			axis = k
		}
		if !changed[axis] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w while setting %s", ErrInterrupted, s.Axes[axis].Param.Name)
		}
		if err := s.Axes[axis].Set(ctx, point[axis]); err != nil {
			return fmt.Errorf("setting %s to %g: %w", s.Axes[axis].Param.Name, point[axis], err)
		}
		if err := wait(ctx, s.Axes[axis].Settle); err != nil {
			return fmt.Errorf("%w while %s settled", ErrInterrupted, s.Axes[axis].Param.Name)
		}
	}
	return nil
}

// flush writes buffered rows and tells the live handle about them.
func (m *measurement) flush(ctx context.Context) error {
	if len(m.pending) == 0 {
		return nil
	}
	if err := m.rec.AddResults(ctx, m.run, m.pending); err != nil {
		return fmt.Errorf("writing results: %w", err)
	}
	m.pending = m.pending[:0]
	if m.sweep.Handle != nil {
		m.sweep.Handle.Updated()
	}
	return nil
}

// wait sleeps for d or until ctx ends.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
