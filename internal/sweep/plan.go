// Copyright KnightForest, 2026. All rights reserved.

package sweep

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/KnightForest/qctools/pkg/types"
)

// ArrayPlan stores an already measured N-dimensional array as a run, so
// data taken outside a sweep ends up in the same database and text format.
type ArrayPlan struct {
	Name       string `yaml:"name"`
	Comment    string `yaml:"comment"`
	Experiment string `yaml:"experiment"`
	Sample     string `yaml:"sample"`
	DataName   string `yaml:"data_name"`
	DataUnit   string `yaml:"data_unit"`

	// Axes gives the set values per dimension, slowest first.
	Axes []PlanAxis `yaml:"axes"`

	// Shape is used to generate index axes when Axes is empty.
	Shape []int `yaml:"shape,omitempty"`

	// Values holds the real part of the data flattened in row-major order.
	Values []float64 `yaml:"values"`

	// Imag, when present, makes the data complex; magnitude and phase are
	// stored as Abs_<data_name> and Arg_<data_name>.
	Imag []float64 `yaml:"imag,omitempty"`
}

// PlanAxis is one dimension of an ArrayPlan.
type PlanAxis struct {
	Name   string    `yaml:"name"`
	Label  string    `yaml:"label,omitempty"`
	Unit   string    `yaml:"unit"`
	Values []float64 `yaml:"values"`
}

// LoadArrayPlan reads an ArrayPlan from a YAML file.
func LoadArrayPlan(path string) (*ArrayPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}
	var plan ArrayPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	return &plan, nil
}

func (p *ArrayPlan) applyDefaults() {
	if p.Name == "" {
		p.Name = "measurement_name"
	}
	if p.DataName == "" {
		p.DataName = "measured_data"
	}
	if p.DataUnit == "" {
		p.DataUnit = "a.u."
	}
	if len(p.Axes) == 0 {
		for i, n := range p.Shape {
			values := make([]float64, n)
			for k := range values {
				values[k] = float64(k)
			}
			p.Axes = append(p.Axes, PlanAxis{Name: fmt.Sprintf("Set_Param_%d", i), Unit: "a.u.", Values: values})
		}
	}
	for i := range p.Axes {
		if p.Axes[i].Unit == "" {
			p.Axes[i].Unit = "a.u."
		}
		if p.Axes[i].Label == "" {
			p.Axes[i].Label = p.Axes[i].Name
		}
	}
}

// Sweep turns the plan into a sweep whose setters do nothing and whose
// meters replay the stored values point by point.
func (p *ArrayPlan) Sweep() (*Sweep, error) {
	p.applyDefaults()
	if len(p.Axes) == 0 {
		return nil, fmt.Errorf("plan %q has neither axes nor shape: %w", p.Name, ErrInvalidPlan)
	}

	size := 1
	axes := make([]Axis, len(p.Axes))
	for i, a := range p.Axes {
		if a.Name == "" || len(a.Values) == 0 {
			return nil, fmt.Errorf("axis %d needs a name and values: %w", i, ErrInvalidPlan)
		}
		size *= len(a.Values)
		axes[i] = Axis{
			Param:  types.Parameter{Name: a.Name, Label: a.Label, Unit: a.Unit},
			Set:    func(context.Context, float64) error { return nil },
			Points: a.Values,
		}
	}
	if len(p.Values) != size {
		return nil, fmt.Errorf("plan %q has %d values for %d setpoints: %w", p.Name, len(p.Values), size, ErrInvalidPlan)
	}
	if p.Imag != nil && len(p.Imag) != size {
		return nil, fmt.Errorf("plan %q has %d imaginary values for %d setpoints: %w", p.Name, len(p.Imag), size, ErrInvalidPlan)
	}

	var meters []Meter
	if p.Imag == nil {
		meters = []Meter{replay(types.Parameter{Name: p.DataName, Label: p.DataName, Unit: p.DataUnit}, p.Values)}
	} else {
		abs := make([]float64, size)
		arg := make([]float64, size)
		for i := range p.Values {
			z := complex(p.Values[i], p.Imag[i])
			abs[i] = cmplx.Abs(z)
			arg[i] = math.Atan2(imag(z), real(z))
		}
		meters = []Meter{
			replay(types.Parameter{Name: "Abs_" + p.DataName, Label: "Abs_" + p.DataName, Unit: p.DataUnit}, abs),
			replay(types.Parameter{Name: "Arg_" + p.DataName, Label: "Arg_" + p.DataName, Unit: "rad"}, arg),
		}
	}

	return &Sweep{
		Name:    p.Name,
		Comment: p.Comment,
		Axes:    axes,
		Meters:  meters,
		Snapshot: map[string]any{
			"source": "array",
		},
	}, nil
}

// replay returns a scalar meter that yields values in order, one per read.
func replay(param types.Parameter, values []float64) Meter {
	next := 0
	return Meter{
		Param: param,
		Shape: Scalar{},
		Read: func(context.Context) ([]float64, error) {
			if next >= len(values) {
				return nil, fmt.Errorf("%s: read past the end of the data: %w", param.Name, ErrBadReadout)
			}
			v := values[next]
			next++
			return []float64{v}, nil
		},
	}
}
