// Copyright KnightForest, 2026. All rights reserved.

package sweep

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// progress prints a status table with an ETA while a sweep runs.
type progress struct {
	started   time.Time
	lastPrint time.Time
}

func (p *progress) start(now time.Time) {
	p.started = now
	p.lastPrint = time.Time{}
}

// report prints the table for point i of n when interval has passed since
// the previous print, and always for the last point.
func (p *progress) report(w io.Writer, s *Sweep, runID int64, point []float64, last [][]float64, i, n int, now time.Time, interval time.Duration) {
	final := i == n-1
	if !final && !p.lastPrint.IsZero() && now.Sub(p.lastPrint) < interval {
		return
	}
	p.lastPrint = now

	frac := float64(i+1) / float64(n)
	elapsed := now.Sub(p.started)
	total := time.Duration(float64(elapsed) / frac)
	remaining := total - elapsed

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	row := func(k, v string) { fmt.Fprintf(tw, "%s\t%s\t\n", k, v) }

	row("Run id:", fmt.Sprint(runID))
	row("Name:", s.Name)
	row("Comment:", s.Comment)
	for a, axis := range s.Axes {
		row(axis.Param.Name+":", strings.TrimSpace(fmt.Sprintf("%.6g %s", point[a], axis.Param.Unit)))
	}
	for k, meter := range s.Meters {
		row(meter.Param.Name+":", meter.describe(last[k]))
	}
	row(fmt.Sprintf("Setpoint %d of %d", i+1, n), fmt.Sprintf("%.2f %% complete", 100*frac))
	row("Started:", p.started.Format("2006-01-02 15:04:05"))
	if final {
		row("Finished:", now.Format("2006-01-02 15:04:05"))
	} else {
		row("ETA:", p.started.Add(total).Format("2006-01-02 15:04:05"))
	}
	row("Total duration:", total.Round(time.Second).String())
	row("Elapsed time:", elapsed.Round(time.Second).String())
	row("Remaining time:", remaining.Round(time.Second).String())
	fmt.Fprintln(tw)
	tw.Flush()
}
