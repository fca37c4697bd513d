package h5

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/DavidWarrenKatz/hypermatrix/pkg/hic"
	"github.com/DavidWarrenKatz/hypermatrix/pkg/store"
)

var key = hic.Key{Resolution: "500000", Chromosome: "X", DataType: "observed"}

func newTestStore(t *testing.T) *Store {
	return NewStore(t.TempDir() + string(filepath.Separator))
}

func TestStoreInputRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := mat.NewDense(3, 3, []float64{1, 2, 3, 2, 5, 6, 3, 6, 9})
	require.NoError(t, s.WriteMatrix(key, m))
	require.NoError(t, s.WriteDarkBins(key, []int{2, 0}))

	got, err := s.LoadMatrix(ctx, key)
	require.NoError(t, err)
	assert.True(t, mat.Equal(m, got))

	bins, err := s.LoadDarkBins(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, bins)
}

func TestStoreOutputRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	corr := mat.NewSymDense(2, []float64{1, 0.3, 0.3, 1})
	require.NoError(t, s.SaveCorrelation(ctx, key, corr))

	gotCorr, err := s.ReadCorrelation(key)
	require.NoError(t, err)
	assert.True(t, mat.Equal(corr, gotCorr))

	tensor := hic.NewTensor3(2)
	tensor.Set(0, 1, 1, 0.5)
	tensor.Set(1, 0, 1, 0.5)
	tensor.Set(1, 1, 0, 0.5)
	require.NoError(t, s.SaveCumulant(ctx, key, tensor))

	gotT, err := s.ReadCumulant(key)
	require.NoError(t, err)
	assert.Equal(t, tensor.RawData(), gotT.RawData())
}

func TestStoreMissingInputs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.LoadMatrix(ctx, key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hic.ErrLoad))
	assert.True(t, errors.Is(err, store.ErrNotFound))

	// A file that exists but lacks the expected dataset.
	require.NoError(t, s.WriteDarkBins(key, []int{1}))
	require.NoError(t, writeFloat64(ctx, s.Layout.MatrixPath(key), "other", []float64{1}, []uint{1, 1}))

	_, err = s.LoadMatrix(ctx, key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestStoreRejectsNonSquareMatrix(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WriteMatrix(key, mat.NewDense(2, 3, nil)))

	_, err := s.LoadMatrix(context.Background(), key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hic.ErrNotSquare))
}
