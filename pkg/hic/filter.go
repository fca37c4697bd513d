package hic

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// RemoveDarkBins drops the rows and columns listed in darkBins from a square
// contact matrix. Both axes are filtered with the same keep-mask so the result
// stays square. Duplicate indices are harmless; an index outside [0, n) is an
// error. When every bin is dark the result is an empty *mat.Dense (IsEmpty
// reports true).
func RemoveDarkBins(m mat.Matrix, darkBins []int) (*mat.Dense, error) {
	n, c := m.Dims()
	if n != c {
		return nil, fmt.Errorf("%w: %w: got %dx%d", ErrFilter, ErrNotSquare, n, c)
	}

	keep := make([]bool, n)
	for i := range keep {
		keep[i] = true
	}
	for _, b := range darkBins {
		if b < 0 || b >= n {
			return nil, fmt.Errorf("%w: %w: index %d for %d bins", ErrFilter, ErrDarkBinOutOfRange, b, n)
		}
		keep[b] = false
	}

	kept := make([]int, 0, n)
	for i, ok := range keep {
		if ok {
			kept = append(kept, i)
		}
	}
	if len(kept) == 0 {
		return &mat.Dense{}, nil
	}

	out := mat.NewDense(len(kept), len(kept), nil)
	for r, i := range kept {
		row := out.RawRowView(r)
		for col, j := range kept {
			row[col] = m.At(i, j)
		}
	}
	return out, nil
}

// KeptBins returns the number of bins that survive filtering, counting each
// valid dark index once.
func KeptBins(n int, darkBins []int) int {
	dark := make(map[int]struct{}, len(darkBins))
	for _, b := range darkBins {
		if b >= 0 && b < n {
			dark[b] = struct{}{}
		}
	}
	return n - len(dark)
}
