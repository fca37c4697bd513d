package hic

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CorrelationMatrix returns the Pearson correlation between every pair of rows
// of m. Only the upper triangle is computed; mat.SymDense mirrors it, so the
// result is exactly symmetric.
//
// A row with zero variance correlates 0 with every row, itself included. All
// other diagonal entries are 1. Off-diagonal values are clamped to [-1, 1].
// An empty matrix yields an empty *mat.SymDense.
func CorrelationMatrix(m mat.Matrix) (*mat.SymDense, error) {
	r, _ := m.Dims()
	if r == 0 {
		return &mat.SymDense{}, nil
	}

	cr := centerRows(m)
	corr := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		if cr.ss[i] == 0 {
			// Row stays zero.
			continue
		}
		corr.SetSym(i, i, 1)
		for j := i + 1; j < r; j++ {
			if cr.ss[j] == 0 {
				continue
			}
			v := floats.Dot(cr.rows[i], cr.rows[j]) / math.Sqrt(cr.ss[i]*cr.ss[j])
			corr.SetSym(i, j, clamp(v, -1, 1))
		}
	}
	return corr, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
