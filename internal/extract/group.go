// Copyright KnightForest, 2026. All rights reserved.

package extract

import (
	"fmt"
	"slices"

	"github.com/KnightForest/qctools/pkg/types"
)

// Group is one output file: the measured parameters that share an
// identical dependency list, and the set axes they were swept against.
type Group struct {
	// Measured lists the measured parameters in declared order.
	Measured []types.Parameter

	// Axes lists the set axes in the order the dependency list names them.
	// The last axis is the fastest.
	Axes []types.Parameter
}

// Columns returns the group's parameters in file column order.
func (g Group) Columns() []types.Parameter {
	cols := make([]types.Parameter, 0, len(g.Axes)+len(g.Measured))
	cols = append(cols, g.Axes...)
	return append(cols, g.Measured...)
}

// BuildGroups partitions a run's measured parameters by dependency list.
// Two parameters share a group only when their dependency lists are equal
// element by element, in order; "x, y" and "y, x" produce two groups.
// Groups are returned in creation order. A dependency naming no parameter
// of the run fails with ErrUnknownDependency.
func BuildGroups(params []types.Parameter) ([]Group, error) {
	index := make(map[string]int, len(params))
	for i, p := range params {
		index[p.Name] = i
	}

	var (
		groups []Group
		keys   [][]string
	)
	for _, p := range params {
		if !p.IsMeasured() {
			continue
		}
		deps := p.Dependencies()

		axes := make([]types.Parameter, len(deps))
		for i, dep := range deps {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("%q depends on %q: %w", p.Name, dep, ErrUnknownDependency)
			}
			axes[i] = params[j]
		}

		joined := false
		for gi, key := range keys {
			if slices.Equal(key, deps) {
				groups[gi].Measured = append(groups[gi].Measured, p)
				joined = true
				break
			}
		}
		if !joined {
			keys = append(keys, deps)
			groups = append(groups, Group{Measured: []types.Parameter{p}, Axes: axes})
		}
	}
	return groups, nil
}
