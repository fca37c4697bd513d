package store

import (
	"context"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/DavidWarrenKatz/hypermatrix/pkg/hic"
)

// MemoryStore keeps datasets in memory, addressed by the same paths an
// on-disk store would use. Failures can be injected per path.
type MemoryStore struct {
	Layout Layout

	mu       sync.RWMutex
	datasets map[string]any // path + "#" + dataset
	failures map[string]error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(layout Layout) *MemoryStore {
	return &MemoryStore{
		Layout:   layout,
		datasets: make(map[string]any),
		failures: make(map[string]error),
	}
}

func datasetKey(path, dataset string) string {
	return path + "#" + dataset
}

// PutMatrix stores a contact matrix for key.
func (s *MemoryStore) PutMatrix(key hic.Key, m *mat.Dense) {
	s.put(s.Layout.MatrixPath(key), DatasetMatrix, mat.DenseCopyOf(m))
}

// PutDarkBins stores a dark-bin list for key.
func (s *MemoryStore) PutDarkBins(key hic.Key, bins []int) {
	s.put(s.Layout.DarkBinsPath(key), DatasetDarkBins, append([]int(nil), bins...))
}

// Delete removes a dataset, simulating a file without it.
func (s *MemoryStore) Delete(path, dataset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.datasets, datasetKey(path, dataset))
}

// Fail makes every read or write of path return err.
func (s *MemoryStore) Fail(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = err
}

// Correlation returns a saved correlation matrix.
func (s *MemoryStore) Correlation(key hic.Key) (*mat.SymDense, bool) {
	v, ok := s.get(s.Layout.CorrelationPath(key), DatasetCorrelation)
	if !ok {
		return nil, false
	}
	corr, ok := v.(*mat.SymDense)
	return corr, ok
}

// Cumulant returns a saved cumulant tensor.
func (s *MemoryStore) Cumulant(key hic.Key) (*hic.Tensor3, bool) {
	v, ok := s.get(s.Layout.CumulantPath(key), DatasetCumulant)
	if !ok {
		return nil, false
	}
	t, ok := v.(*hic.Tensor3)
	return t, ok
}

func (s *MemoryStore) LoadMatrix(ctx context.Context, key hic.Key) (*mat.Dense, error) {
	path := s.Layout.MatrixPath(key)
	v, err := s.load(ctx, path, DatasetMatrix)
	if err != nil {
		return nil, err
	}
	m := v.(*mat.Dense)
	if r, c := m.Dims(); r != c {
		return nil, fmt.Errorf("%w: %w: %s is %dx%d", hic.ErrLoad, hic.ErrNotSquare, path, r, c)
	}
	return mat.DenseCopyOf(m), nil
}

func (s *MemoryStore) LoadDarkBins(ctx context.Context, key hic.Key) ([]int, error) {
	v, err := s.load(ctx, s.Layout.DarkBinsPath(key), DatasetDarkBins)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), v.([]int)...), nil
}

func (s *MemoryStore) SaveCorrelation(ctx context.Context, key hic.Key, corr *mat.SymDense) error {
	path := s.Layout.CorrelationPath(key)
	if err := s.checkWrite(ctx, path); err != nil {
		return err
	}
	clone := &mat.SymDense{}
	if corr.SymmetricDim() > 0 {
		clone = mat.NewSymDense(corr.SymmetricDim(), nil)
		clone.CopySym(corr)
	}
	s.put(path, DatasetCorrelation, clone)
	return nil
}

func (s *MemoryStore) SaveCumulant(ctx context.Context, key hic.Key, cumulant *hic.Tensor3) error {
	path := s.Layout.CumulantPath(key)
	if err := s.checkWrite(ctx, path); err != nil {
		return err
	}
	s.put(path, DatasetCumulant, cumulant)
	return nil
}

func (s *MemoryStore) put(path, dataset string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[datasetKey(path, dataset)] = v
}

func (s *MemoryStore) get(path, dataset string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.datasets[datasetKey(path, dataset)]
	return v, ok
}

func (s *MemoryStore) load(ctx context.Context, path, dataset string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", hic.ErrLoad, path, err)
	}

	s.mu.RLock()
	failure := s.failures[path]
	v, ok := s.datasets[datasetKey(path, dataset)]
	s.mu.RUnlock()

	if failure != nil {
		return nil, fmt.Errorf("%w: %s: %w", hic.ErrLoad, path, failure)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %w: dataset %q in %s", hic.ErrLoad, ErrNotFound, dataset, path)
	}
	return v, nil
}

func (s *MemoryStore) checkWrite(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", hic.ErrWrite, path, err)
	}
	s.mu.RLock()
	failure := s.failures[path]
	s.mu.RUnlock()
	if failure != nil {
		return fmt.Errorf("%w: %s: %w", hic.ErrWrite, path, failure)
	}
	return nil
}
