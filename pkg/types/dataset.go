// Copyright KnightForest, 2026. All rights reserved.

package types

import (
	"encoding/json"
	"strings"
	"time"
)

// DependencySeparator joins the names in Parameter.DependsOn.
const DependencySeparator = ", "

// Experiment groups runs recorded against one sample.
type Experiment struct {
	// ID is the experiment's sequence number in the database, starting at 1.
	ID int64 `json:"id" yaml:"id"`

	// Name is the experiment name chosen when the experiment was created.
	Name string `json:"name" yaml:"name"`

	// SampleName identifies the device or sample under test.
	SampleName string `json:"sample_name" yaml:"sample_name"`

	// RunCounter is the number of runs created in this experiment.
	RunCounter int `json:"run_counter" yaml:"run_counter"`

	// StartTime is when the experiment was created.
	StartTime time.Time `json:"start_time" yaml:"start_time"`
}

// Parameter is a named quantity recorded in a run.
type Parameter struct {
	// Name is unique within the run and doubles as the result column name.
	Name string `json:"name" yaml:"name"`

	// Label is the human-readable axis label.
	Label string `json:"label" yaml:"label"`

	// Unit is the physical unit, e.g. "V" or "A".
	Unit string `json:"unit" yaml:"unit"`

	// DependsOn is empty for set axes. For measured quantities it lists
	// the set axes the value was read out against, joined by ", ".
	DependsOn string `json:"depends_on" yaml:"depends_on"`

	// InferredFrom is carried through from the layout table and unused here.
	InferredFrom string `json:"inferred_from,omitempty" yaml:"inferred_from,omitempty"`
}

// IsMeasured reports whether p depends on at least one set axis.
func (p Parameter) IsMeasured() bool {
	return p.DependsOn != ""
}

// Dependencies splits DependsOn into its ordered list of names.
func (p Parameter) Dependencies() []string {
	if p.DependsOn == "" {
		return nil
	}
	return strings.Split(p.DependsOn, DependencySeparator)
}

// Run is one measurement stored in the dataset. Runs are created by the
// sweep recorder and only ever read by extraction.
type Run struct {
	// ID is the database-wide run id.
	ID int64 `json:"id" yaml:"id"`

	// ExpID is the owning experiment.
	ExpID int64 `json:"exp_id" yaml:"exp_id"`

	// Counter is the run's sequence number within its experiment.
	Counter int `json:"counter" yaml:"counter"`

	// Name is the display name of the measurement.
	Name string `json:"name" yaml:"name"`

	// GUID uniquely identifies the run across databases.
	GUID string `json:"guid" yaml:"guid"`

	// ResultTable is the name of the table holding the run's rows.
	ResultTable string `json:"result_table" yaml:"result_table"`

	// ResultCount is the number of rows written so far.
	ResultCount int `json:"result_count" yaml:"result_count"`

	// ParamNames is the comma-separated parameter list stored with the run.
	ParamNames string `json:"parameters" yaml:"parameters"`

	// Timestamp is the run start; zero when the run never started.
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`

	// Completed reports whether the recorder marked the run finished.
	Completed bool `json:"completed" yaml:"completed"`

	// Comment holds the free-text Comment metadata when HasComment is set.
	Comment    string `json:"comment,omitempty" yaml:"comment,omitempty"`
	HasComment bool   `json:"-" yaml:"-"`

	// Parameters lists the run's parameters in declared order.
	Parameters []Parameter `json:"parameters_list" yaml:"parameters_list"`

	// Description is the structural run description (parameter graph), if any.
	Description json.RawMessage `json:"-" yaml:"-"`

	// Snapshot is the free-form station snapshot, if any.
	Snapshot json.RawMessage `json:"-" yaml:"-"`
}

// ParameterNames returns the names of the run's parameters in declared order.
func (r Run) ParameterNames() []string {
	names := make([]string, len(r.Parameters))
	for i, p := range r.Parameters {
		names[i] = p.Name
	}
	return names
}
