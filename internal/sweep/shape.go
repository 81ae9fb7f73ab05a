// Copyright KnightForest, 2026. All rights reserved.

package sweep

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/KnightForest/qctools/pkg/types"
)

// ErrBadReadout is returned when a meter returns the wrong number of values.
var ErrBadReadout = errors.New("readout does not match meter shape")

// Shape says what a meter returns on each read. It is one of Scalar,
// Vector or ArrayWithSetpoints and is fixed when the meter is registered.
type Shape interface {
	shape()
}

// Scalar meters return exactly one value.
type Scalar struct{}

// Vector meters return one value per name, e.g. the X, Y, R and phase of
// a lock-in amplifier. Each name is recorded as its own parameter.
type Vector struct {
	Names  []string
	Labels []string
	Units  []string
}

// ArrayWithSetpoints meters return a whole trace per read, one value per
// point of their own internal axis (e.g. a spectrum analyser's frequency
// axis). Each trace is stored as len(Points) rows.
type ArrayWithSetpoints struct {
	Axis   types.Parameter
	Points []float64
}

func (Scalar) shape()             {}
func (Vector) shape()             {}
func (ArrayWithSetpoints) shape() {}

// Meter is a quantity read out at every setpoint.
type Meter struct {
	// Param names the quantity. For Vector meters only Name is used, as a
	// prefix-free group name for progress output.
	Param types.Parameter

	Shape Shape

	// Read performs one readout.
	Read func(ctx context.Context) ([]float64, error)
}

// parameters returns the parameters a meter records, depending on axes.
func (m Meter) parameters(axes []string) []types.Parameter {
	deps := strings.Join(axes, types.DependencySeparator)

	switch s := m.Shape.(type) {
	case Vector:
		params := make([]types.Parameter, len(s.Names))
		for i, name := range s.Names {
			params[i] = types.Parameter{Name: name, Label: name, DependsOn: deps}
			if i < len(s.Labels) {
				params[i].Label = s.Labels[i]
			}
			if i < len(s.Units) {
				params[i].Unit = s.Units[i]
			}
		}
		return params
	case ArrayWithSetpoints:
		axis := s.Axis
		axis.DependsOn = ""
		p := m.Param
		p.DependsOn = strings.Join(append(append([]string(nil), axes...), axis.Name), types.DependencySeparator)
		return []types.Parameter{axis, p}
	default:
		p := m.Param
		p.DependsOn = deps
		return []types.Parameter{p}
	}
}

// record adds one readout to the point row, or returns extra rows for
// array meters.
func (m Meter) record(point map[string]float64, values []float64) ([]map[string]float64, error) {
	switch s := m.Shape.(type) {
	case Vector:
		if len(values) != len(s.Names) {
			return nil, fmt.Errorf("%s: got %d values for %d names: %w", m.Param.Name, len(values), len(s.Names), ErrBadReadout)
		}
		for i, name := range s.Names {
			point[name] = values[i]
		}
		return nil, nil
	case ArrayWithSetpoints:
		if len(values) != len(s.Points) {
			return nil, fmt.Errorf("%s: got %d values for %d setpoints: %w", m.Param.Name, len(values), len(s.Points), ErrBadReadout)
		}
		rows := make([]map[string]float64, len(values))
		for k, v := range values {
			row := make(map[string]float64, len(point)+2)
			for name, sv := range point {
				row[name] = sv
			}
			row[s.Axis.Name] = s.Points[k]
			row[m.Param.Name] = v
			rows[k] = row
		}
		return rows, nil
	default:
		if len(values) != 1 {
			return nil, fmt.Errorf("%s: got %d values: %w", m.Param.Name, len(values), ErrBadReadout)
		}
		point[m.Param.Name] = values[0]
		return nil, nil
	}
}

// describe formats the last readout for the progress table.
func (m Meter) describe(values []float64) string {
	switch s := m.Shape.(type) {
	case Vector:
		parts := make([]string, len(s.Names))
		for i, name := range s.Names {
			unit := ""
			if i < len(s.Units) {
				unit = s.Units[i]
			}
			v := "-"
			if i < len(values) {
				v = fmt.Sprintf("%.6g", values[i])
			}
			parts[i] = strings.TrimSpace(fmt.Sprintf("%s %s %s", name, v, unit))
		}
		return strings.Join(parts, ", ")
	case ArrayWithSetpoints:
		return "{parameter with setpoints, not shown}"
	default:
		if len(values) == 0 {
			return "-"
		}
		return strings.TrimSpace(fmt.Sprintf("%.6g %s", values[0], m.Param.Unit))
	}
}
