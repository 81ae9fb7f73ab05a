// Copyright KnightForest, 2026. All rights reserved.

package sweep

// CartProd returns every combination of the given axis values, one row per
// point. The first axis is the slowest and the last axis the fastest.
func CartProd(spaces ...[]float64) [][]float64 {
	if len(spaces) == 0 {
		return nil
	}
	total := 1
	for _, s := range spaces {
		total *= len(s)
	}

	points := make([][]float64, total)
	for i := range points {
		row := make([]float64, len(spaces))
		rem := i
		for axis := len(spaces) - 1; axis >= 0; axis-- {
			n := len(spaces[axis])
			row[axis] = spaces[axis][rem%n]
			rem /= n
		}
		points[i] = row
	}
	return points
}

// Meander is CartProd with every second pass of the fastest axis run
// backwards, so the fast axis never jumps back to its start value.
func Meander(spaces ...[]float64) [][]float64 {
	points := CartProd(spaces...)
	if len(points) == 0 {
		return points
	}
	fast := len(spaces) - 1
	n := len(spaces[fast])
	for block := 1; (block+1)*n <= len(points); block += 2 {
		for k := 0; k < n; k++ {
			points[block*n+k][fast] = spaces[fast][n-1-k]
		}
	}
	return points
}

// Changes marks, for each point, which axes differ from the previous
// point. Every axis of the first point is marked so it is always set.
func Changes(points [][]float64) [][]bool {
	changes := make([][]bool, len(points))
	for i, p := range points {
		row := make([]bool, len(p))
		for axis := range p {
			row[axis] = i == 0 || p[axis] != points[i-1][axis]
		}
		changes[i] = row
	}
	return changes
}
