// Copyright KnightForest, 2026. All rights reserved.

package extract

import (
	"bufio"
	"io"
	"math"
	"slices"
	"strconv"
)

// Matrix is a dense table of rows; Matrix[i][j] is column j of row i.
type Matrix [][]float64

// NewMatrix transposes columns into rows. The row count is the length of
// column anchor; shorter columns are padded with NaN and longer ones are
// cut, because a sweep may still be appending while we read.
func NewMatrix(columns [][]float64, anchor int) Matrix {
	if len(columns) == 0 {
		return nil
	}
	n := len(columns[anchor])
	m := make(Matrix, n)
	for i := range m {
		row := make([]float64, len(columns))
		for j, col := range columns {
			if i < len(col) {
				row[j] = col[i]
			} else {
				row[j] = math.NaN()
			}
		}
		m[i] = row
	}
	return m
}

// SliceBoundaries returns the sorted row indices at which any of the
// first slowAxes columns differs from the previous row. Row 0 is never a
// boundary. Pass the number of set axes minus one so the fastest axis is
// ignored.
func SliceBoundaries(m Matrix, slowAxes int) []int {
	var bounds []int
	for col := 0; col < slowAxes; col++ {
		for i := 1; i < len(m); i++ {
			if m[i][col] != m[i-1][col] {
				bounds = append(bounds, i)
			}
		}
	}
	slices.Sort(bounds)
	return slices.Compact(bounds)
}

// Split cuts m into consecutive blocks starting at each boundary.
func Split(m Matrix, bounds []int) []Matrix {
	blocks := make([]Matrix, 0, len(bounds)+1)
	start := 0
	for _, b := range bounds {
		blocks = append(blocks, m[start:b])
		start = b
	}
	return append(blocks, m[start:])
}

// WriteBlocks writes each block as tab-delimited rows and puts a single
// empty line between consecutive blocks.
func WriteBlocks(w io.Writer, blocks []Matrix) error {
	bw := bufio.NewWriter(w)
	for bi, block := range blocks {
		for _, row := range block {
			for j, v := range row {
				if j > 0 {
					bw.WriteByte('\t')
				}
				bw.WriteString(FormatValue(v))
			}
			bw.WriteByte('\n')
		}
		if bi != len(blocks)-1 {
			bw.WriteByte('\n')
		}
	}
	return bw.Flush()
}

// FormatValue renders v in the shortest form that parses back to the same
// float64. NaN and infinities use the spelling text loaders expect.
func FormatValue(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
