// Copyright KnightForest, 2026. All rights reserved.

package types

import "time"

// ExtractionConfig holds settings for converting a measurement database
// into .dat text files and snapshot JSON.
type ExtractionConfig struct {
	// DBPath is the SQLite database to read. It must exist and end in .db.
	DBPath string `json:"db_path" yaml:"db_path"`

	// ExtractPath is the output root. Empty means DBPath without its extension.
	ExtractPath string `json:"extract_path" yaml:"extract_path"`

	// RunIDs restricts extraction to these runs. Empty extracts every run.
	RunIDs []int64 `json:"run_ids" yaml:"run_ids"`

	// Overwrite rewrites .dat files that already exist.
	Overwrite bool `json:"overwrite" yaml:"overwrite"`

	// Timestamp adds the run start time to the per-run folder name.
	Timestamp bool `json:"timestamp" yaml:"timestamp"`

	// ParamsInFilename appends the run's parameter names to each .dat name.
	ParamsInFilename bool `json:"params_in_filename" yaml:"params_in_filename"`

	// NewlineSlowAxes inserts a blank line whenever a slow set axis changes.
	NewlineSlowAxes bool `json:"newline_slow_axes" yaml:"newline_slow_axes"`

	// NoFolders writes every file into the output root and encodes the run
	// id in the file name instead of creating per-run folders.
	NoFolders bool `json:"no_folders" yaml:"no_folders"`

	// SuppressOutput silences progress lines and warnings.
	SuppressOutput bool `json:"suppress_output" yaml:"suppress_output"`

	// Location is the time zone used for folder timestamps (default local).
	Location *time.Location `json:"-" yaml:"-"`
}

// DefaultExtractionConfig returns the settings used when nothing is configured.
func DefaultExtractionConfig() ExtractionConfig {
	return ExtractionConfig{
		Timestamp:       true,
		NewlineSlowAxes: true,
	}
}

// WantsRun reports whether id passes the RunIDs filter.
func (c ExtractionConfig) WantsRun(id int64) bool {
	if len(c.RunIDs) == 0 {
		return true
	}
	for _, want := range c.RunIDs {
		if want == id {
			return true
		}
	}
	return false
}

// LiveConfig holds settings for extraction while a sweep is still recording.
type LiveConfig struct {
	// Interval is the time between extractions of the running measurement (default 30s).
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// SweepConfig holds recorder settings shared by every sweep.
type SweepConfig struct {
	// WritePeriod is how often buffered rows are flushed to the database (default 1s).
	WritePeriod time.Duration `json:"write_period" yaml:"write_period"`

	// WaitFirst is the pause before the first readout (default 1s).
	WaitFirst time.Duration `json:"wait_first" yaml:"wait_first"`

	// PrintInterval throttles the progress table (default 25ms).
	PrintInterval time.Duration `json:"print_interval" yaml:"print_interval"`
}

// DefaultSweepConfig returns the recorder settings used when nothing is configured.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		WritePeriod:   time.Second,
		WaitFirst:     time.Second,
		PrintInterval: 25 * time.Millisecond,
	}
}
