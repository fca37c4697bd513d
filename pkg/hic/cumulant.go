package hic

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Tensor3 is a dense n×n×n tensor stored row-major.
type Tensor3 struct {
	n    int
	data []float64
}

// NewTensor3 allocates a zeroed n×n×n tensor. n may be 0.
func NewTensor3(n int) *Tensor3 {
	return &Tensor3{n: n, data: make([]float64, n*n*n)}
}

// Dim returns the length of each axis.
func (t *Tensor3) Dim() int { return t.n }

// At returns element (i, j, k).
func (t *Tensor3) At(i, j, k int) float64 { return t.data[t.offset(i, j, k)] }

// Set sets element (i, j, k).
func (t *Tensor3) Set(i, j, k int, v float64) { t.data[t.offset(i, j, k)] = v }

// RawData returns the backing slice in (i, j, k) row-major order.
func (t *Tensor3) RawData() []float64 { return t.data }

func (t *Tensor3) offset(i, j, k int) int {
	if i < 0 || i >= t.n || j < 0 || j >= t.n || k < 0 || k >= t.n {
		panic(fmt.Sprintf("hic: tensor index (%d, %d, %d) out of range for dim %d", i, j, k, t.n))
	}
	return (i*t.n+j)*t.n + k
}

// Degree2Cumulant computes the normalized third joint central moment of every
// triple of rows of m:
//
//	T[i,j,k] = Σ_c ci[c]·cj[c]·ck[c] / sqrt(Σ ci² · Σ cj² · Σ ck²)
//
// where cx is row x minus its mean. Entries whose denominator is zero are 0,
// so any triple touching a constant row is 0. The artifact keeps its
// historical "degree 2" name even though the moment is of order three.
//
// Centered rows and their sums of squares are computed once. Only sorted
// triples i <= j <= k are evaluated and each value is written to all of its
// permutations, which makes the tensor exactly symmetric. Outer indices are
// spread over up to workers goroutines (runtime.NumCPU() when workers <= 0);
// every sorted triple is owned by one outer index, so writes never overlap.
// Cancellation of ctx is observed between outer indices. A panic in a worker
// is returned as ErrEstimate.
func Degree2Cumulant(ctx context.Context, m mat.Matrix, workers int) (*Tensor3, error) {
	r, c := m.Dims()
	t := NewTensor3(r)
	if r == 0 {
		return t, nil
	}

	cr := centerRows(m)
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > r {
		workers = r
	}

	rowChannel := make(chan int, r)
	for i := 0; i < r; i++ {
		rowChannel <- i
	}
	close(rowChannel)

	var (
		wg        sync.WaitGroup
		panicOnce sync.Once
		panicErr  error
		failed    = make(chan struct{})
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panicOnce.Do(func() {
						panicErr = fmt.Errorf("%w: panic in cumulant worker: %v", ErrEstimate, r)
						close(failed)
					})
				}
			}()

			prod := make([]float64, c)
			for i := range rowChannel {
				select {
				case <-failed:
					return
				default:
				}
				if ctx.Err() != nil {
					return
				}
				fillSlab(t, cr, i, prod)
			}
		}()
	}
	wg.Wait()

	if panicErr != nil {
		return nil, panicErr
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: cumulant of %d rows: %w", ErrEstimate, r, err)
	}
	return t, nil
}

// fillSlab is swapped out in tests.
var fillSlab = cumulantSlab

// cumulantSlab fills every permutation of the sorted triples whose smallest
// index is i. prod is scratch space of the row length.
func cumulantSlab(t *Tensor3, cr centeredRows, i int, prod []float64) {
	n := t.n
	if cr.ss[i] == 0 {
		// Tensor is zero-initialized; nothing to scatter.
		return
	}
	for j := i; j < n; j++ {
		if cr.ss[j] == 0 {
			continue
		}
		floats.MulTo(prod, cr.rows[i], cr.rows[j])
		ssij := cr.ss[i] * cr.ss[j]
		for k := j; k < n; k++ {
			if cr.ss[k] == 0 {
				continue
			}
			den := math.Sqrt(ssij * cr.ss[k])
			if den == 0 {
				continue
			}
			v := floats.Dot(prod, cr.rows[k]) / den

			t.Set(i, j, k, v)
			t.Set(i, k, j, v)
			t.Set(j, i, k, v)
			t.Set(j, k, i, v)
			t.Set(k, i, j, v)
			t.Set(k, j, i, v)
		}
	}
}
