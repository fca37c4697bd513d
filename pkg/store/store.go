// Package store reads contact matrices and dark-bin lists and persists the
// derived correlation and cumulant artifacts. Every artifact location is
// derived from a hic.Key through Layout.
package store

import (
	"context"
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/DavidWarrenKatz/hypermatrix/pkg/hic"
)

// Dataset names inside each array file.
const (
	DatasetMatrix      = "matrix"
	DatasetDarkBins    = "dark_bins_indices"
	DatasetCorrelation = "correlation_matrix"
	DatasetCumulant    = "degree_2_cumulant"
)

// ErrNotFound reports a missing file or dataset.
var ErrNotFound = errors.New("store: not found")

// Loader supplies raw inputs.
type Loader interface {
	LoadMatrix(ctx context.Context, key hic.Key) (*mat.Dense, error)
	LoadDarkBins(ctx context.Context, key hic.Key) ([]int, error)
}

// Sink receives derived artifacts.
type Sink interface {
	SaveCorrelation(ctx context.Context, key hic.Key, corr *mat.SymDense) error
	SaveCumulant(ctx context.Context, key hic.Key, cumulant *hic.Tensor3) error
}

// Store is a Loader and a Sink backed by the same layout.
type Store interface {
	Loader
	Sink
}

// Layout maps keys to file paths. Base is used as a raw prefix, so it
// normally ends with a path separator.
type Layout struct {
	Base string
}

func (l Layout) dir() string {
	return l.Base + "Workspaces/individual/"
}

func (l Layout) stem(k hic.Key) string {
	return l.dir() + "ch" + string(k.Chromosome) + "_res" + string(k.Resolution)
}

// MatrixPath is the KR-normalized contact matrix file.
func (l Layout) MatrixPath(k hic.Key) string {
	return l.stem(k) + "_" + string(k.DataType) + "_KR.h5"
}

// DarkBinsPath is shared by every data type of a chromosome and resolution.
func (l Layout) DarkBinsPath(k hic.Key) string {
	return l.stem(k) + "_darkBins.h5"
}

func (l Layout) CorrelationPath(k hic.Key) string {
	return l.stem(k) + "_" + string(k.DataType) + "_KR_corr.h5"
}

func (l Layout) CumulantPath(k hic.Key) string {
	return l.stem(k) + "_" + string(k.DataType) + "_KR_cumulant.h5"
}

// CorrelationTSVPath is the optional gzip TSV export of the correlation matrix.
func (l Layout) CorrelationTSVPath(k hic.Key) string {
	return l.stem(k) + "_" + string(k.DataType) + "_KR_corr.tsv.gz"
}
