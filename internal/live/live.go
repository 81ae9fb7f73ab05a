// Copyright KnightForest, 2026. All rights reserved.

// Package live keeps the text export of a measurement current while the
// measurement is still recording.
//
// A sweep publishes the id of the run it is writing and signals every time
// it flushes rows, through a Handle. A Poller reads the handle on a fixed
// interval and re-extracts the run when new rows have arrived. Session runs
// a measurement and a poller side by side and does one last extraction
// when the measurement ends, whether it finished or was interrupted.
package live

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultInterval is used when a Poller has no interval set.
const DefaultInterval = 30 * time.Second

// Handle carries the current run id from a sweep to a poller.
// The zero value is not usable; call NewHandle.
type Handle struct {
	runID   atomic.Int64
	updates chan struct{}
}

// NewHandle returns a handle with no run published.
func NewHandle() *Handle {
	return &Handle{updates: make(chan struct{}, 1)}
}

// Start publishes the id of the run being recorded and signals an update.
func (h *Handle) Start(runID int64) {
	h.runID.Store(runID)
	h.Updated()
}

// Updated signals that new rows were written. It never blocks; several
// updates between two polls collapse into one.
func (h *Handle) Updated() {
	select {
	case h.updates <- struct{}{}:
	default:
	}
}

// RunID returns the published run id and whether one was published.
func (h *Handle) RunID() (int64, bool) {
	id := h.runID.Load()
	return id, id != 0
}

// Updates delivers one value per batch of update signals.
func (h *Handle) Updates() <-chan struct{} {
	return h.updates
}

// ExtractFunc extracts one run. final is set for the last call of a
// session, after the measurement stopped.
type ExtractFunc func(ctx context.Context, runID int64, final bool) error

// Poller re-extracts the published run on a fixed interval.
type Poller struct {
	Handle   *Handle
	Interval time.Duration
	Extract  ExtractFunc

	// Out receives failures of individual extractions; they do not stop
	// the poller. Nil discards them.
	Out io.Writer
}

// Run polls until ctx is done. Each tick extracts the published run if
// an update arrived since the previous extraction.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	out := p.Out
	if out == nil {
		out = io.Discard
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		select {
		case <-p.Handle.Updates():
		default:
			continue
		}

		id, ok := p.Handle.RunID()
		if !ok {
			continue
		}
		if err := p.Extract(ctx, id, false); err != nil && ctx.Err() == nil {
			fmt.Fprintf(out, "warning: live extraction of run %d failed: %v\n", id, err)
		}
	}
}

// Session runs measure and a poller concurrently. When measure returns
// the poller is stopped and, if a run was published, extracted one final
// time. The error of measure is returned, joined with a failure of the
// final extraction.
func Session(ctx context.Context, h *Handle, interval time.Duration, measure func(ctx context.Context) error, extract ExtractFunc, out io.Writer) error {
	g, gctx := errgroup.WithContext(ctx)
	pollCtx, stopPolling := context.WithCancel(gctx)
	defer stopPolling()

	var measureErr error
	g.Go(func() error {
		defer stopPolling()
		measureErr = measure(gctx)
		return nil
	})
	g.Go(func() error {
		p := &Poller{Handle: h, Interval: interval, Extract: extract, Out: out}
		return p.Run(pollCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	id, ok := h.RunID()
	if !ok {
		return measureErr
	}
	if err := extract(context.WithoutCancel(ctx), id, true); err != nil {
		if measureErr != nil {
			return fmt.Errorf("%w (final extraction of run %d: %v)", measureErr, id, err)
		}
		return fmt.Errorf("final extraction of run %d: %w", id, err)
	}
	return measureErr
}
