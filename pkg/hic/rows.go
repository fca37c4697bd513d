package hic

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// centeredRows holds every row of a matrix with its mean subtracted, plus the
// per-row sum of squared deviations. Constant rows are stored as exact zeros
// so that rounding in the mean cannot turn a zero variance into a tiny one.
type centeredRows struct {
	rows [][]float64
	ss   []float64
}

func centerRows(m mat.Matrix) centeredRows {
	r, c := m.Dims()
	cr := centeredRows{
		rows: make([][]float64, r),
		ss:   make([]float64, r),
	}

	for i := 0; i < r; i++ {
		row := make([]float64, c)
		mat.Row(row, i, m)
		cr.rows[i] = row

		if isConstant(row) {
			for j := range row {
				row[j] = 0
			}
			continue
		}

		floats.AddConst(-stat.Mean(row, nil), row)
		cr.ss[i] = floats.Dot(row, row)
	}
	return cr
}

func isConstant(x []float64) bool {
	if len(x) == 0 {
		return true
	}
	for _, v := range x[1:] {
		if v != x[0] {
			return false
		}
	}
	return true
}
