// Package h5 implements store.Store on HDF5 files.
package h5

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/hdf5"

	"github.com/DavidWarrenKatz/hypermatrix/pkg/hic"
	"github.com/DavidWarrenKatz/hypermatrix/pkg/store"
)

// The HDF5 C library is not reentrant in its default build, so every call
// into it goes through libMu.
var libMu sync.Mutex

// Store reads and writes HDF5 array files laid out by store.Layout.
type Store struct {
	Layout store.Layout
}

// NewStore returns a Store rooted at base.
func NewStore(base string) *Store {
	return &Store{Layout: store.Layout{Base: base}}
}

func (s *Store) LoadMatrix(ctx context.Context, key hic.Key) (*mat.Dense, error) {
	path := s.Layout.MatrixPath(key)
	data, dims, err := readFloat64(ctx, path, store.DatasetMatrix)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hic.ErrLoad, err)
	}
	if len(dims) != 2 || dims[0] != dims[1] {
		return nil, fmt.Errorf("%w: %w: %s has shape %v", hic.ErrLoad, hic.ErrNotSquare, path, dims)
	}
	n := int(dims[0])
	if n == 0 {
		return &mat.Dense{}, nil
	}
	return mat.NewDense(n, n, data), nil
}

func (s *Store) LoadDarkBins(ctx context.Context, key hic.Key) ([]int, error) {
	path := s.Layout.DarkBinsPath(key)
	raw, err := readInt64(ctx, path, store.DatasetDarkBins)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hic.ErrLoad, err)
	}
	bins := make([]int, len(raw))
	for i, v := range raw {
		bins[i] = int(v)
	}
	return bins, nil
}

func (s *Store) SaveCorrelation(ctx context.Context, key hic.Key, corr *mat.SymDense) error {
	n := corr.SymmetricDim()
	data := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			data[i*n+j] = corr.At(i, j)
		}
	}

	path := s.Layout.CorrelationPath(key)
	if err := writeFloat64(ctx, path, store.DatasetCorrelation, data, []uint{uint(n), uint(n)}); err != nil {
		return fmt.Errorf("%w: %w", hic.ErrWrite, err)
	}
	return nil
}

func (s *Store) SaveCumulant(ctx context.Context, key hic.Key, cumulant *hic.Tensor3) error {
	n := uint(cumulant.Dim())
	path := s.Layout.CumulantPath(key)
	if err := writeFloat64(ctx, path, store.DatasetCumulant, cumulant.RawData(), []uint{n, n, n}); err != nil {
		return fmt.Errorf("%w: %w", hic.ErrWrite, err)
	}
	return nil
}

// openDataset opens path read-only and returns the named dataset with its
// extent. The caller closes both handles.
func openDataset(path, name string) (*hdf5.File, *hdf5.Dataset, []uint, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil, fmt.Errorf("%w: %s", store.ErrNotFound, path)
		}
		return nil, nil, nil, err
	}

	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	dset, err := f.OpenDataset(name)
	if err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("%w: dataset %q in %s: %v", store.ErrNotFound, name, path, err)
	}

	space := dset.Space()
	dims, _, err := space.SimpleExtentDims()
	space.Close()
	if err != nil {
		dset.Close()
		f.Close()
		return nil, nil, nil, fmt.Errorf("read extent of %q in %s: %w", name, path, err)
	}
	return f, dset, dims, nil
}

func extent(dims []uint) int {
	n := 1
	for _, d := range dims {
		n *= int(d)
	}
	return n
}

func readFloat64(ctx context.Context, path, name string) ([]float64, []uint, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	libMu.Lock()
	defer libMu.Unlock()

	f, dset, dims, err := openDataset(path, name)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	defer dset.Close()

	data := make([]float64, extent(dims))
	if len(data) > 0 {
		if err := dset.Read(&data); err != nil {
			return nil, nil, fmt.Errorf("read %q in %s: %w", name, path, err)
		}
	}
	return data, dims, nil
}

func readInt64(ctx context.Context, path, name string) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	libMu.Lock()
	defer libMu.Unlock()

	f, dset, dims, err := openDataset(path, name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	defer dset.Close()

	data := make([]int64, extent(dims))
	if len(data) > 0 {
		if err := dset.Read(&data); err != nil {
			return nil, fmt.Errorf("read %q in %s: %w", name, path, err)
		}
	}
	return data, nil
}

// writeFloat64 replaces the file at path with a single float64 dataset.
func writeFloat64(ctx context.Context, path, name string, data []float64, dims []uint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	libMu.Lock()
	defer libMu.Unlock()

	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		return fmt.Errorf("dataspace for %s: %w", path, err)
	}
	defer space.Close()

	dset, err := f.CreateDataset(name, hdf5.T_NATIVE_DOUBLE, space)
	if err != nil {
		return fmt.Errorf("create dataset %q in %s: %w", name, path, err)
	}
	defer dset.Close()

	if len(data) == 0 {
		return nil
	}
	if err := dset.Write(&data); err != nil {
		return fmt.Errorf("write %q in %s: %w", name, path, err)
	}
	return nil
}

// WriteMatrix stores a contact matrix under the layout's input path. It is
// used to stage inputs, mainly in tests and fixtures.
func (s *Store) WriteMatrix(key hic.Key, m *mat.Dense) error {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, m.RawRowView(i)...)
	}
	return writeFloat64(context.Background(), s.Layout.MatrixPath(key), store.DatasetMatrix, data, []uint{uint(r), uint(c)})
}

// WriteDarkBins stores a dark-bin index list under the layout's input path.
func (s *Store) WriteDarkBins(key hic.Key, bins []int) error {
	path := s.Layout.DarkBinsPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data := make([]int64, len(bins))
	for i, b := range bins {
		data[i] = int64(b)
	}

	libMu.Lock()
	defer libMu.Unlock()

	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return err
	}
	defer f.Close()

	space, err := hdf5.CreateSimpleDataspace([]uint{uint(len(data))}, nil)
	if err != nil {
		return err
	}
	defer space.Close()

	dset, err := f.CreateDataset(store.DatasetDarkBins, hdf5.T_NATIVE_INT64, space)
	if err != nil {
		return err
	}
	defer dset.Close()

	if len(data) == 0 {
		return nil
	}
	return dset.Write(&data)
}

// ReadCorrelation reads a saved correlation matrix back.
func (s *Store) ReadCorrelation(key hic.Key) (*mat.Dense, error) {
	data, dims, err := readFloat64(context.Background(), s.Layout.CorrelationPath(key), store.DatasetCorrelation)
	if err != nil {
		return nil, err
	}
	if len(dims) != 2 || dims[0] == 0 {
		return &mat.Dense{}, nil
	}
	return mat.NewDense(int(dims[0]), int(dims[1]), data), nil
}

// ReadCumulant reads a saved cumulant tensor back.
func (s *Store) ReadCumulant(key hic.Key) (*hic.Tensor3, error) {
	data, dims, err := readFloat64(context.Background(), s.Layout.CumulantPath(key), store.DatasetCumulant)
	if err != nil {
		return nil, err
	}
	if len(dims) != 3 {
		return nil, fmt.Errorf("cumulant has rank %d", len(dims))
	}
	t := hic.NewTensor3(int(dims[0]))
	copy(t.RawData(), data)
	return t, nil
}
