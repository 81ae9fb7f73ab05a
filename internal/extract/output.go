// Copyright KnightForest, 2026. All rights reserved.

package extract

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KnightForest/qctools/pkg/types"
)

const (
	datExt       = ".dat"
	snapshotName = "run_snapshot.json"
)

var pathReplacer = strings.NewReplacer(" ", "_", "?", "_")

// sanitize makes a generated path component safe for the file name
// conventions used by the lab's analysis scripts.
func sanitize(s string) string {
	return pathReplacer.Replace(s)
}

// outputPaths holds where one group of a run is written.
type outputPaths struct {
	Dir      string
	Dat      string
	Snapshot string
}

// outputRoot is the directory all extracted files go under.
func outputRoot(cfg types.ExtractionConfig) string {
	if cfg.ExtractPath != "" {
		return cfg.ExtractPath
	}
	return strings.TrimSuffix(cfg.DBPath, filepath.Ext(cfg.DBPath))
}

// timestampTag renders the run start as YYYYMMDD-HHMMSS.
func timestampTag(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format("20060102-150405")
}

// pathsFor computes the file locations of group n out of groups for a run.
func pathsFor(cfg types.ExtractionConfig, exp types.Experiment, run types.Run, n, groups int) outputPaths {
	params := ""
	if cfg.ParamsInFilename {
		params = "_" + run.ParamNames
	}

	var dir, dat, snap string
	if cfg.NoFolders {
		prefix := fmt.Sprintf("%03d-", run.ID)
		if groups > 1 {
			prefix += fmt.Sprintf("%d_", n)
		}
		dir = outputRoot(cfg)
		dat = prefix + run.Name + params + datExt
		snap = prefix + snapshotName
	} else {
		ts := ""
		if cfg.Timestamp {
			ts = timestampTag(run.Timestamp, cfg.Location)
		}
		expDir := fmt.Sprintf("Exp%02d(%s)-Sample(%s)", exp.ID, exp.Name, exp.SampleName)
		runDir := fmt.Sprintf("%03d_%s_%s", run.ID, ts, run.Name)
		dir = filepath.Join(outputRoot(cfg), sanitize(expDir), sanitize(runDir))

		prefix := ""
		if groups > 1 {
			prefix = fmt.Sprintf("%d_", n)
		}
		dat = prefix + run.Name + params + datExt
		snap = prefix + snapshotName
	}

	return outputPaths{
		Dir:      dir,
		Dat:      filepath.Join(dir, sanitize(dat)),
		Snapshot: filepath.Join(dir, sanitize(snap)),
	}
}

// headerLines builds the commented header of a .dat file: identification,
// optional comment, column names, and "label (unit)" per column.
func headerLines(exp types.Experiment, run types.Run, g Group) []string {
	lines := []string{fmt.Sprintf("Run #%d: %s, Experiment: %s, Sample name: %s, Number of values: %d",
		run.ID, run.Name, exp.Name, exp.SampleName, run.ResultCount)}
	if run.HasComment {
		lines = append(lines, "Comment: "+run.Comment)
	}

	cols := g.Columns()
	names := make([]string, len(cols))
	labels := make([]string, len(cols))
	for i, p := range cols {
		names[i] = p.Name
		labels[i] = fmt.Sprintf("%s (%s)", p.Label, p.Unit)
	}
	return append(lines, strings.Join(names, "\t"), strings.Join(labels, "\t"))
}

// writeDat writes header and row blocks to path, replacing any existing file.
func writeDat(path string, header []string, blocks []Matrix) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	bw := bufio.NewWriter(f)
	for _, line := range header {
		bw.WriteString("# " + line + "\n")
	}
	if err := WriteBlocks(bw, blocks); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// mergeMetadata combines the run description and snapshot into one JSON
// object, snapshot keys winning on conflict. It returns nil data when the
// run carries neither. Warnings are written to w.
func mergeMetadata(run types.Run, w io.Writer) ([]byte, error) {
	hasDesc := len(run.Description) > 0
	hasSnap := len(run.Snapshot) > 0

	switch {
	case !hasDesc && !hasSnap:
		fmt.Fprintf(w, "warning: run %d has no snapshot or run description, axes for plotting cannot be extracted\n", run.ID)
		return nil, nil
	case !hasSnap:
		fmt.Fprintf(w, "warning: run %d has no snapshot\n", run.ID)
	case !hasDesc:
		fmt.Fprintf(w, "warning: run %d has no run description\n", run.ID)
	}

	merged := make(map[string]json.RawMessage)
	for _, src := range []json.RawMessage{run.Description, run.Snapshot} {
		if len(src) == 0 {
			continue
		}
		var part map[string]json.RawMessage
		if err := json.Unmarshal(src, &part); err != nil {
			return nil, fmt.Errorf("decoding metadata of run %d: %w", run.ID, err)
		}
		for k, v := range part {
			merged[k] = v
		}
	}

	data, err := json.MarshalIndent(merged, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encoding metadata of run %d: %w", run.ID, err)
	}
	return data, nil
}

// writeSnapshot writes the merged metadata of a run next to its .dat file.
// Undecodable metadata is reported as a warning; the data file stands alone.
func writeSnapshot(path string, run types.Run, w io.Writer) error {
	data, err := mergeMetadata(run, w)
	if err != nil {
		fmt.Fprintf(w, "warning: %v\n", err)
		return nil
	}
	if data == nil {
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
