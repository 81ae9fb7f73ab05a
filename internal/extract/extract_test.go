// Copyright KnightForest, 2026. All rights reserved.

package extract

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KnightForest/qctools/internal/dataset"
	"github.com/KnightForest/qctools/pkg/types"
)

// --- fixtures ---

type fixture struct {
	store  *dataset.Store
	dbPath string
	outDir string
	expID  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "lab.db")
	store, err := dataset.Create(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	expID, err := store.NewExperiment(context.Background(), "cooldown 1", "chip?A")
	require.NoError(t, err)
	return &fixture{store: store, dbPath: dbPath, outDir: filepath.Join(tmp, "out"), expID: expID}
}

func (f *fixture) addRun(t *testing.T, name string, params []types.Parameter, rows []map[string]float64) types.Run {
	t.Helper()
	ctx := context.Background()
	run, err := f.store.NewRun(ctx, f.expID, name, params)
	require.NoError(t, err)
	require.NoError(t, f.store.AddResults(ctx, run, rows))
	return run
}

func (f *fixture) config() types.ExtractionConfig {
	cfg := types.DefaultExtractionConfig()
	cfg.DBPath = f.dbPath
	cfg.ExtractPath = f.outDir
	cfg.SuppressOutput = true
	cfg.Location = time.UTC
	return cfg
}

func gateParams() []types.Parameter {
	return []types.Parameter{
		{Name: "gate", Label: "Gate", Unit: "V"},
		{Name: "current", Label: "Current", Unit: "A", DependsOn: "gate"},
	}
}

func gateRows() []map[string]float64 {
	return []map[string]float64{
		{"gate": 0, "current": 1e-9},
		{"gate": 1, "current": 2e-9},
		{"gate": 2, "current": 3e-9},
	}
}

// datFiles lists every .dat file under root, sorted by path.
func datFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, datExt) {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

// splitDat separates the commented header from the body of a .dat file.
func splitDat(t *testing.T, path string) (header []string, body string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var bodyLines []string
	for _, line := range strings.SplitAfter(string(data), "\n") {
		if strings.HasPrefix(line, "# ") {
			header = append(header, strings.TrimSuffix(strings.TrimPrefix(line, "# "), "\n"))
			continue
		}
		bodyLines = append(bodyLines, line)
	}
	return header, strings.Join(bodyLines, "")
}

func snapshotTree(t *testing.T, root string) map[string][]byte {
	t.Helper()
	tree := make(map[string][]byte)
	require.NoError(t, filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		tree[path] = data
		return err
	}))
	return tree
}

// --- fake source ---

type fakeSource struct {
	exps []types.Experiment
	runs map[int64][]types.Run
	data map[int64]map[string]map[string][]float64
}

func (f *fakeSource) Experiments(context.Context) ([]types.Experiment, error) {
	return f.exps, nil
}

func (f *fakeSource) Runs(_ context.Context, expID int64) ([]types.Run, error) {
	return f.runs[expID], nil
}

func (f *fakeSource) ParameterData(_ context.Context, run types.Run, name string) (map[string][]float64, error) {
	d, ok := f.data[run.ID][name]
	if !ok {
		return nil, errors.New("no data for " + name)
	}
	return d, nil
}

// --- end to end ---

func TestExtractSingleAxisSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Four empty runs first so the sweep gets run id 5.
	for i := 0; i < 4; i++ {
		f.addRun(t, "empty", gateParams(), nil)
	}
	run := f.addRun(t, "sweep", gateParams(), gateRows())
	require.Equal(t, int64(5), run.ID)

	summary, err := Run(ctx, f.config(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
	assert.Equal(t, 4, summary.Empty)
	assert.False(t, summary.HasFailures())

	files := datFiles(t, f.outDir)
	require.Len(t, files, 1)

	runDir := "005_" + timestampTag(run.Timestamp, time.UTC) + "_sweep"
	assert.Equal(t, filepath.Join(f.outDir, "Exp01(cooldown_1)-Sample(chip_A)", runDir, "sweep.dat"), files[0])

	header, body := splitDat(t, files[0])
	assert.Equal(t, "0\t1e-09\n1\t2e-09\n2\t3e-09\n", body)
	assert.Equal(t, []string{
		"Run #5: sweep, Experiment: cooldown 1, Sample name: chip?A, Number of values: 3",
		"gate\tcurrent",
		"Gate (V)\tCurrent (A)",
	}, header)

	_, err = os.Stat(filepath.Join(filepath.Dir(files[0]), snapshotName))
	assert.NoError(t, err, "run description alone still produces a snapshot file")
}

func TestExtractZeroResultRunsWriteNothing(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "empty", gateParams(), nil)
	f.addRun(t, "also empty", gateParams(), nil)

	summary, err := Run(context.Background(), f.config(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Empty)
	assert.Equal(t, 0, summary.Written)

	_, err = os.Stat(f.outDir)
	assert.True(t, os.IsNotExist(err), "no directories or files for empty runs")
}

func TestExtractGroupsPerDependencyList(t *testing.T) {
	tests := []struct {
		name      string
		params    []types.Parameter
		rows      []map[string]float64
		wantFiles map[string]string // file name -> names header line
	}{
		{
			name: "identical depends_on share a file",
			params: append(gateParams(),
				types.Parameter{Name: "voltage", Label: "Voltage", Unit: "V", DependsOn: "gate"}),
			rows: []map[string]float64{
				{"gate": 0, "current": 1, "voltage": 4},
				{"gate": 1, "current": 2, "voltage": 5},
			},
			wantFiles: map[string]string{"005-sweep.dat": "gate\tcurrent\tvoltage"},
		},
		{
			name: "different depends_on get their own files",
			params: []types.Parameter{
				{Name: "gate", Label: "Gate", Unit: "V"},
				{Name: "bias", Label: "Bias", Unit: "V"},
				{Name: "current", Label: "Current", Unit: "A", DependsOn: "gate"},
				{Name: "conductance", Label: "G", Unit: "S", DependsOn: "gate, bias"},
			},
			rows: []map[string]float64{
				{"gate": 0, "bias": 0, "current": 1, "conductance": 7},
				{"gate": 0, "bias": 1, "conductance": 8},
			},
			wantFiles: map[string]string{
				"005-0_sweep.dat": "gate\tcurrent",
				"005-1_sweep.dat": "gate\tbias\tconductance",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for i := 0; i < 4; i++ {
				f.addRun(t, "empty", gateParams(), nil)
			}
			f.addRun(t, "sweep", tt.params, tt.rows)

			cfg := f.config()
			cfg.NoFolders = true
			summary, err := Run(context.Background(), cfg, &bytes.Buffer{})
			require.NoError(t, err)
			assert.Equal(t, len(tt.wantFiles), summary.Written)

			files := datFiles(t, f.outDir)
			require.Len(t, files, len(tt.wantFiles))
			for _, path := range files {
				want, ok := tt.wantFiles[filepath.Base(path)]
				require.True(t, ok, "unexpected file %s", path)
				header, _ := splitDat(t, path)
				assert.Equal(t, want, header[1])
			}
		})
	}
}

func TestExtractIdempotentWithoutOverwrite(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "sweep", gateParams(), gateRows())
	cfg := f.config()

	first, err := Run(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Written)
	before := snapshotTree(t, f.outDir)

	second, err := Run(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Written)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, before, snapshotTree(t, f.outDir))
}

func TestExtractOverwriteRewrites(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "sweep", gateParams(), gateRows())
	cfg := f.config()
	cfg.NoFolders = true

	_, err := Run(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)
	path := filepath.Join(f.outDir, "001-sweep.dat")
	want, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))
	cfg.Overwrite = true
	summary, err := Run(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestExtractHeaderRoundTrip(t *testing.T) {
	f := newFixture(t)
	params := []types.Parameter{
		{Name: "field", Label: "Magnetic field", Unit: "T"},
		{Name: "gate", Label: "Gate", Unit: "V"},
		{Name: "x", Label: "Lock-in X", Unit: "V", DependsOn: "field, gate"},
		{Name: "y", Label: "Lock-in Y", Unit: "V", DependsOn: "field, gate"},
	}
	run := f.addRun(t, "map", params, []map[string]float64{{"field": 0, "gate": 0, "x": 1, "y": 2}})
	require.NoError(t, f.store.SetMetadata(context.Background(), run.ID, "Comment", "after anneal"))

	cfg := f.config()
	cfg.NoFolders = true
	_, err := Run(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)

	header, _ := splitDat(t, filepath.Join(f.outDir, "001-map.dat"))
	require.Len(t, header, 4)
	assert.Equal(t, "Comment: after anneal", header[1])
	assert.Equal(t, []string{"field", "gate", "x", "y"}, strings.Split(header[2], "\t"))

	labels := strings.Split(header[3], "\t")
	require.Len(t, labels, 4)
	for i, p := range params {
		assert.Equal(t, p.Label+" ("+p.Unit+")", labels[i])
	}
}

func TestExtractSlowAxisSegmentation(t *testing.T) {
	a := []float64{0, 0, 0, 1, 1, 1, 1, 2, 2}
	b := []float64{0, 1, 2, 0, 1, 2, 3, 0, 1}
	params := []types.Parameter{
		{Name: "a", Label: "A", Unit: "V"},
		{Name: "b", Label: "B", Unit: "V"},
		{Name: "r", Label: "R", Unit: "Ohm", DependsOn: "a, b"},
	}
	rows := make([]map[string]float64, len(a))
	for i := range a {
		rows[i] = map[string]float64{"a": a[i], "b": b[i], "r": float64(i)}
	}

	tests := []struct {
		name       string
		newline    bool
		wantBlanks int
	}{
		{name: "enabled", newline: true, wantBlanks: 2},
		{name: "disabled", newline: false, wantBlanks: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addRun(t, "cube", params, rows)
			cfg := f.config()
			cfg.NoFolders = true
			cfg.NewlineSlowAxes = tt.newline

			_, err := Run(context.Background(), cfg, &bytes.Buffer{})
			require.NoError(t, err)

			_, body := splitDat(t, filepath.Join(f.outDir, "001-cube.dat"))
			lines := strings.Split(strings.TrimSuffix(body, "\n"), "\n")
			blanks := 0
			for _, l := range lines {
				if l == "" {
					blanks++
				}
			}
			assert.Equal(t, tt.wantBlanks, blanks)
			assert.Equal(t, len(a)+tt.wantBlanks, len(lines))
			if tt.newline {
				assert.Equal(t, "", lines[3])
				assert.Equal(t, "", lines[8])
			}
		})
	}
}

func TestExtractRunIDFilter(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "first", gateParams(), gateRows())
	f.addRun(t, "second", gateParams(), gateRows())

	cfg := f.config()
	cfg.NoFolders = true
	cfg.RunIDs = []int64{2}
	summary, err := Run(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)

	files := datFiles(t, f.outDir)
	require.Len(t, files, 1)
	assert.Equal(t, "002-second.dat", filepath.Base(files[0]))
}

func TestExtractSnapshotMerge(t *testing.T) {
	f := newFixture(t)
	run := f.addRun(t, "sweep", gateParams(), gateRows())
	require.NoError(t, f.store.SetSnapshot(context.Background(), run.ID, map[string]any{
		"station": map[string]any{"instruments": map[string]any{"lockin": "SR830"}},
	}))

	cfg := f.config()
	cfg.NoFolders = true
	_, err := Run(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.outDir, "001-run_snapshot.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n    \"interdependencies\"", "four-space indent")

	var merged map[string]any
	require.NoError(t, json.Unmarshal(data, &merged))
	assert.Contains(t, merged, "interdependencies")
	assert.Contains(t, merged, "station")
}

func TestExtractWithoutMetadataWarns(t *testing.T) {
	src := &fakeSource{
		exps: []types.Experiment{{ID: 1, Name: "exp", SampleName: "s"}},
		runs: map[int64][]types.Run{1: {{
			ID: 3, Name: "bare", ResultCount: 2, Parameters: gateParams(),
		}}},
		data: map[int64]map[string]map[string][]float64{3: {
			"current": {"current": {1, 2}, "gate": {0, 1}},
		}},
	}
	out := t.TempDir()
	cfg := types.ExtractionConfig{DBPath: "lab.db", ExtractPath: out, NoFolders: true}

	var log bytes.Buffer
	summary, err := Extract(context.Background(), src, cfg, &log)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
	assert.Contains(t, log.String(), "warning: run 3 has no snapshot or run description")

	_, err = os.Stat(filepath.Join(out, "003-run_snapshot.json"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(out, "003-bare.dat"))
	assert.NoError(t, err)
}

func TestExtractSnapshotOnlyWarns(t *testing.T) {
	src := &fakeSource{
		exps: []types.Experiment{{ID: 1, Name: "exp", SampleName: "s"}},
		runs: map[int64][]types.Run{1: {{
			ID: 4, Name: "snap", ResultCount: 2, Parameters: gateParams(),
			Snapshot: json.RawMessage(`{"station": {"lockin": "SR830"}}`),
		}}},
		data: map[int64]map[string]map[string][]float64{4: {
			"current": {"current": {1, 2}, "gate": {0, 1}},
		}},
	}
	out := t.TempDir()
	cfg := types.ExtractionConfig{DBPath: "lab.db", ExtractPath: out, NoFolders: true}

	var log bytes.Buffer
	summary, err := Extract(context.Background(), src, cfg, &log)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
	assert.Contains(t, log.String(), "warning: run 4 has no run description\n")
	assert.NotContains(t, log.String(), "no snapshot")

	data, err := os.ReadFile(filepath.Join(out, "004-run_snapshot.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"station": {"lockin": "SR830"}}`, string(data))
}

func TestExtractDatabaseNameWithURICharacters(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "run #2 what?.db")
	store, err := dataset.Create(dbPath)
	require.NoError(t, err)
	ctx := context.Background()
	expID, err := store.NewExperiment(ctx, "exp", "chip")
	require.NoError(t, err)
	run, err := store.NewRun(ctx, expID, "sweep", gateParams())
	require.NoError(t, err)
	require.NoError(t, store.AddResults(ctx, run, gateRows()))
	require.NoError(t, store.Close())

	cfg := types.DefaultExtractionConfig()
	cfg.DBPath = dbPath
	cfg.ExtractPath = filepath.Join(tmp, "out")
	cfg.SuppressOutput = true

	summary, err := Run(ctx, cfg, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
}

func TestExtractDatabaseWithoutSnapshotColumn(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "sweep", gateParams(), gateRows())

	raw, err := sql.Open("sqlite3", f.dbPath)
	require.NoError(t, err)
	_, err = raw.Exec(`ALTER TABLE runs DROP COLUMN snapshot`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	summary, err := Run(context.Background(), f.config(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
	assert.False(t, summary.HasFailures())
}

func TestExtractPadsShortColumns(t *testing.T) {
	params := []types.Parameter{
		{Name: "gate", Label: "Gate", Unit: "V"},
		{Name: "i", Label: "I", Unit: "A", DependsOn: "gate"},
		{Name: "v", Label: "V", Unit: "V", DependsOn: "gate"},
	}
	src := &fakeSource{
		exps: []types.Experiment{{ID: 1, Name: "exp", SampleName: "s"}},
		runs: map[int64][]types.Run{1: {{ID: 1, Name: "live", ResultCount: 3, Parameters: params}}},
		data: map[int64]map[string]map[string][]float64{1: {
			"i": {"i": {1, 2, 3}, "gate": {0, 1, 2}},
			"v": {"v": {4, 5}, "gate": {0, 1}},
		}},
	}
	out := t.TempDir()
	cfg := types.ExtractionConfig{DBPath: "lab.db", ExtractPath: out, NoFolders: true, SuppressOutput: true}

	summary, err := Extract(context.Background(), src, cfg, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)

	_, body := splitDat(t, filepath.Join(out, "001-live.dat"))
	assert.Equal(t, "0\t1\t4\n1\t2\t5\n2\t3\tnan\n", body)
}

func TestExtractUnknownDependencyFailsOnlyThatRun(t *testing.T) {
	broken := []types.Parameter{
		{Name: "gate", Label: "Gate", Unit: "V"},
		{Name: "current", Label: "Current", Unit: "A", DependsOn: "gate, bias"},
	}
	src := &fakeSource{
		exps: []types.Experiment{{ID: 1, Name: "exp", SampleName: "s"}},
		runs: map[int64][]types.Run{1: {
			{ID: 1, Name: "broken", ResultCount: 1, Parameters: broken},
			{ID: 2, Name: "fine", ResultCount: 3, Parameters: gateParams()},
		}},
		data: map[int64]map[string]map[string][]float64{2: {
			"current": {"current": {1, 2, 3}, "gate": {0, 1, 2}},
		}},
	}
	out := t.TempDir()
	cfg := types.ExtractionConfig{DBPath: "lab.db", ExtractPath: out, NoFolders: true, SuppressOutput: true}

	summary, err := Extract(context.Background(), src, cfg, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Written)
	require.Len(t, summary.Errors, 1)
	assert.ErrorIs(t, summary.Errors[0], ErrUnknownDependency)

	var runErr *RunError
	require.ErrorAs(t, summary.Errors[0], &runErr)
	assert.Equal(t, int64(1), runErr.RunID)

	files := datFiles(t, out)
	require.Len(t, files, 1)
	assert.Equal(t, "002-fine.dat", filepath.Base(files[0]))
}

func TestRunMissingSource(t *testing.T) {
	tmp := t.TempDir()
	notDB := filepath.Join(tmp, "data.sqlite")
	require.NoError(t, os.WriteFile(notDB, nil, 0o644))

	for _, path := range []string{filepath.Join(tmp, "missing.db"), notDB, tmp} {
		cfg := types.ExtractionConfig{DBPath: path}
		_, err := Run(context.Background(), cfg, &bytes.Buffer{})
		assert.ErrorIs(t, err, ErrSourceNotFound, path)
	}
}

// --- paths ---

func TestPathsFor(t *testing.T) {
	exp := types.Experiment{ID: 3, Name: "cool down", SampleName: "dev?1"}
	run := types.Run{
		ID:         7,
		Name:       "gate sweep",
		ParamNames: "gate,current",
		Timestamp:  time.Date(2019, 3, 28, 14, 5, 9, 0, time.UTC),
	}

	tests := []struct {
		name     string
		cfg      types.ExtractionConfig
		n        int
		groups   int
		wantDat  string
		wantSnap string
	}{
		{
			name:     "per-run folder",
			cfg:      types.ExtractionConfig{DBPath: "/data/lab.db", Timestamp: true},
			groups:   1,
			wantDat:  "/data/lab/Exp03(cool_down)-Sample(dev_1)/007_20190328-140509_gate_sweep/gate_sweep.dat",
			wantSnap: "/data/lab/Exp03(cool_down)-Sample(dev_1)/007_20190328-140509_gate_sweep/run_snapshot.json",
		},
		{
			name:     "per-run folder without timestamp, second group",
			cfg:      types.ExtractionConfig{DBPath: "/data/lab.db", ExtractPath: "/out"},
			n:        1,
			groups:   2,
			wantDat:  "/out/Exp03(cool_down)-Sample(dev_1)/007__gate_sweep/1_gate_sweep.dat",
			wantSnap: "/out/Exp03(cool_down)-Sample(dev_1)/007__gate_sweep/1_run_snapshot.json",
		},
		{
			name:     "flat",
			cfg:      types.ExtractionConfig{DBPath: "/data/lab.db", NoFolders: true, Timestamp: true},
			groups:   1,
			wantDat:  "/data/lab/007-gate_sweep.dat",
			wantSnap: "/data/lab/007-run_snapshot.json",
		},
		{
			name:     "flat with parameter names, first of two groups",
			cfg:      types.ExtractionConfig{DBPath: "/data/lab.db", NoFolders: true, ParamsInFilename: true},
			groups:   2,
			wantDat:  "/data/lab/007-0_gate_sweep_gate,current.dat",
			wantSnap: "/data/lab/007-0_run_snapshot.json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Location = time.UTC
			got := pathsFor(tt.cfg, exp, run, tt.n, tt.groups)
			assert.Equal(t, filepath.FromSlash(tt.wantDat), got.Dat)
			assert.Equal(t, filepath.FromSlash(tt.wantSnap), got.Snapshot)
			assert.Equal(t, filepath.Dir(got.Dat), got.Dir)
		})
	}
}
