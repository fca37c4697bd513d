package store

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/pgzip"
	"gonum.org/v1/gonum/mat"

	"github.com/DavidWarrenKatz/hypermatrix/pkg/hic"
)

// TSVExporter wraps a Store and additionally writes every saved correlation
// matrix as a gzip-compressed, tab-separated text file next to it.
type TSVExporter struct {
	Store
	Layout Layout
}

// NewTSVExporter wraps inner.
func NewTSVExporter(inner Store, layout Layout) *TSVExporter {
	return &TSVExporter{Store: inner, Layout: layout}
}

// SaveCorrelation saves through the wrapped store first. The TSV export is
// attempted even when that fails; both errors are reported.
func (e *TSVExporter) SaveCorrelation(ctx context.Context, key hic.Key, corr *mat.SymDense) error {
	innerErr := e.Store.SaveCorrelation(ctx, key, corr)

	path := e.Layout.CorrelationTSVPath(key)
	if err := writeMatrixTSV(path, corr); err != nil {
		if innerErr != nil {
			return fmt.Errorf("%w; tsv export: %v", innerErr, err)
		}
		return fmt.Errorf("%w: %s: %w", hic.ErrWrite, path, err)
	}
	return innerErr
}

func writeMatrixTSV(path string, m mat.Matrix) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return encodeMatrixTSV(f, m)
}

// encodeMatrixTSV writes m to dst as gzip-compressed TSV. The compressor is
// always closed; the first error wins.
func encodeMatrixTSV(dst io.Writer, m mat.Matrix) (err error) {
	gz := pgzip.NewWriter(dst)
	defer func() {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}()
	w := bufio.NewWriter(gz)

	r, c := m.Dims()
	buf := make([]byte, 0, 32)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if j > 0 {
				w.WriteByte('\t')
			}
			buf = strconv.AppendFloat(buf[:0], m.At(i, j), 'g', -1, 64)
			w.Write(buf)
		}
		w.WriteByte('\n')
	}
	return w.Flush()
}
