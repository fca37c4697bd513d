package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/DavidWarrenKatz/hypermatrix/pkg/hic"
	"github.com/DavidWarrenKatz/hypermatrix/pkg/store"
)

type logCapture struct {
	buf bytes.Buffer
}

func newLogCapture() (*logCapture, zerolog.Logger) {
	lc := &logCapture{}
	return lc, zerolog.New(zerolog.SyncWriter(&lc.buf)).Level(zerolog.DebugLevel)
}

// entries returns the decoded log lines at the given level.
func (lc *logCapture) entries(t *testing.T, level string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(lc.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["level"] == level {
			out = append(out, entry)
		}
	}
	return out
}

func testMatrix(seed int64, n int) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := rng.Float64() * 100
			m.Set(i, j, v)
			m.Set(j, i, v)
		}
	}
	return m
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Workers = 2
	opts.CumulantWorkers = 2
	opts.KeyTimeout = time.Minute
	return opts
}

func mustBatch(t *testing.T, res, chr, types []string) hic.Batch {
	t.Helper()
	b, err := hic.NewBatch(res, chr, types)
	require.NoError(t, err)
	return b
}

func TestRunBatchResilience(t *testing.T) {
	st := store.NewMemoryStore(store.Layout{Base: "mem/"})
	batch := mustBatch(t, []string{"1000000"}, []string{"1", "2", "3"}, []string{"oe"})
	keys := batch.Keys()
	for i, k := range keys {
		st.PutMatrix(k, testMatrix(int64(i), 6))
		st.PutDarkBins(k, []int{0})
	}
	// Third key's matrix file lacks its dataset.
	st.Delete(st.Layout.MatrixPath(keys[2]), store.DatasetMatrix)

	logs, logger := newLogCapture()
	summary, err := NewDriver(st, testOptions(), logger).Run(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.NotEmpty(t, summary.RunID)

	for i, k := range keys[:2] {
		filtered, err := hic.RemoveDarkBins(testMatrix(int64(i), 6), []int{0})
		require.NoError(t, err)
		wantCorr, err := hic.CorrelationMatrix(filtered)
		require.NoError(t, err)
		wantCum, err := hic.Degree2Cumulant(context.Background(), filtered, 1)
		require.NoError(t, err)

		corr, ok := st.Correlation(k)
		require.True(t, ok, "correlation for %s", k)
		assert.True(t, mat.Equal(wantCorr, corr))

		cum, ok := st.Cumulant(k)
		require.True(t, ok, "cumulant for %s", k)
		assert.Equal(t, wantCum.RawData(), cum.RawData())
	}

	_, ok := st.Correlation(keys[2])
	assert.False(t, ok)
	_, ok = st.Cumulant(keys[2])
	assert.False(t, ok)

	failed := summary.Outcomes[2]
	assert.Equal(t, StageLoadMatrix, failed.Stage)
	assert.True(t, errors.Is(failed.Err, hic.ErrLoad))
	assert.True(t, errors.Is(failed.Err, store.ErrNotFound))

	errorLogs := logs.entries(t, "error")
	require.Len(t, errorLogs, 1)
	assert.Equal(t, "3", errorLogs[0]["chromosome"])
	assert.Equal(t, string(StageLoadMatrix), errorLogs[0]["stage"])
}

func TestProcessKeyScenarios(t *testing.T) {
	key := hic.Key{Resolution: "100", Chromosome: "1", DataType: "oe"}

	t.Run("no dark bins", func(t *testing.T) {
		st := store.NewMemoryStore(store.Layout{})
		st.PutMatrix(key, mat.NewDense(3, 3, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}))
		st.PutDarkBins(key, nil)

		_, logger := newLogCapture()
		outcome := NewDriver(st, testOptions(), logger).ProcessKey(context.Background(), key)
		require.False(t, outcome.Failed())
		assert.Equal(t, StageDone, outcome.Stage)
		assert.Equal(t, 3, outcome.KeptBins)

		corr, ok := st.Correlation(key)
		require.True(t, ok)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				assert.InDelta(t, 1.0, corr.At(i, j), 1e-12)
			}
		}
	})

	t.Run("all bins dark", func(t *testing.T) {
		st := store.NewMemoryStore(store.Layout{})
		st.PutMatrix(key, mat.NewDense(4, 4, nil))
		st.PutDarkBins(key, []int{0, 1, 2, 3})

		logs, logger := newLogCapture()
		outcome := NewDriver(st, testOptions(), logger).ProcessKey(context.Background(), key)
		assert.False(t, outcome.Failed())
		assert.Equal(t, StageSkipped, outcome.Stage)
		assert.Equal(t, 4, outcome.Bins)
		assert.Zero(t, outcome.KeptBins)
		assert.Empty(t, logs.entries(t, "error"))
		assert.Len(t, logs.entries(t, "warn"), 1)
	})

	t.Run("dark bin out of range", func(t *testing.T) {
		st := store.NewMemoryStore(store.Layout{})
		st.PutMatrix(key, mat.NewDense(2, 2, []float64{1, 2, 3, 4}))
		st.PutDarkBins(key, []int{5})

		_, logger := newLogCapture()
		outcome := NewDriver(st, testOptions(), logger).ProcessKey(context.Background(), key)
		assert.Equal(t, StageFilter, outcome.Stage)
		assert.True(t, errors.Is(outcome.Err, hic.ErrFilter))
		assert.True(t, errors.Is(outcome.Err, hic.ErrDarkBinOutOfRange))
	})

	t.Run("missing dark bins", func(t *testing.T) {
		st := store.NewMemoryStore(store.Layout{})
		st.PutMatrix(key, mat.NewDense(2, 2, []float64{1, 2, 3, 4}))

		_, logger := newLogCapture()
		outcome := NewDriver(st, testOptions(), logger).ProcessKey(context.Background(), key)
		assert.Equal(t, StageLoadDarkBins, outcome.Stage)
		assert.True(t, errors.Is(outcome.Err, hic.ErrLoad))
	})
}

func TestProcessKeyWriteFailureIsolated(t *testing.T) {
	key := hic.Key{Resolution: "100", Chromosome: "1", DataType: "oe"}
	st := store.NewMemoryStore(store.Layout{})
	st.PutMatrix(key, testMatrix(1, 5))
	st.PutDarkBins(key, []int{2})
	st.Fail(st.Layout.CumulantPath(key), errors.New("disk full"))

	logs, logger := newLogCapture()
	outcome := NewDriver(st, testOptions(), logger).ProcessKey(context.Background(), key)

	assert.True(t, outcome.Failed())
	assert.NoError(t, outcome.CorrelationErr)
	assert.True(t, errors.Is(outcome.CumulantErr, hic.ErrWrite))

	_, ok := st.Correlation(key)
	assert.True(t, ok, "correlation must still be written")
	assert.Len(t, logs.entries(t, "error"), 1)
}

func TestRunFailureThreshold(t *testing.T) {
	st := store.NewMemoryStore(store.Layout{})
	batch := mustBatch(t, []string{"100"}, []string{"1", "2", "3", "4", "5", "6"}, []string{"oe"})
	// Nothing is stored, so every key fails to load.

	opts := testOptions()
	opts.Workers = 1
	opts.MaxFailureRate = 0.2

	_, logger := newLogCapture()
	summary, err := NewDriver(st, opts, logger).Run(context.Background(), batch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFailureThreshold))
	require.NotNil(t, summary)

	assert.Equal(t, 6, summary.Total)
	assert.Greater(t, summary.Failed, 1)
	assert.Positive(t, summary.Skipped)
	assert.Equal(t, summary.Total, summary.Failed+summary.Skipped+summary.Succeeded)
}

func TestRunDefaultThresholdNeverAborts(t *testing.T) {
	st := store.NewMemoryStore(store.Layout{})
	batch := mustBatch(t, []string{"100"}, []string{"1", "2", "3"}, []string{"oe", "observed"})

	_, logger := newLogCapture()
	summary, err := NewDriver(st, testOptions(), logger).Run(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Failed)
	assert.Equal(t, 1.0, summary.FailureRate())
}

func TestRunRejectsEmptyBatch(t *testing.T) {
	_, logger := newLogCapture()
	summary, err := NewDriver(store.NewMemoryStore(store.Layout{}), testOptions(), logger).
		Run(context.Background(), hic.Batch{})
	assert.Nil(t, summary)
	assert.True(t, errors.Is(err, hic.ErrEmptyBatch))
}

func TestRunReportsProgress(t *testing.T) {
	st := store.NewMemoryStore(store.Layout{})
	batch := mustBatch(t, []string{"100", "200"}, []string{"1"}, []string{"oe"})
	for i, k := range batch.Keys() {
		st.PutMatrix(k, testMatrix(int64(i), 4))
		st.PutDarkBins(k, nil)
	}

	var (
		mu    sync.Mutex
		calls []int
	)
	_, logger := newLogCapture()
	driver := NewDriver(st, testOptions(), logger).WithProgress(func(done, total int, _ Outcome) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 2, total)
		calls = append(calls, done)
	})

	_, err := driver.Run(context.Background(), batch)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, calls)
}

// blockingStore never returns a matrix before the context ends.
type blockingStore struct {
	*store.MemoryStore
}

func (b blockingStore) LoadMatrix(ctx context.Context, key hic.Key) (*mat.Dense, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %w", hic.ErrLoad, ctx.Err())
}

func TestProcessKeyTimeout(t *testing.T) {
	key := hic.Key{Resolution: "100", Chromosome: "1", DataType: "oe"}
	st := blockingStore{store.NewMemoryStore(store.Layout{})}

	opts := testOptions()
	opts.KeyTimeout = 20 * time.Millisecond

	_, logger := newLogCapture()
	outcome := NewDriver(st, opts, logger).ProcessKey(context.Background(), key)
	require.True(t, outcome.Failed())
	assert.Equal(t, StageLoadMatrix, outcome.Stage)
	assert.True(t, errors.Is(outcome.Err, context.DeadlineExceeded))
}

// heldStore delays the matrix load of one chromosome until release is closed.
type heldStore struct {
	*store.MemoryStore
	held    hic.Chromosome
	release chan struct{}
}

func (h heldStore) LoadMatrix(ctx context.Context, key hic.Key) (*mat.Dense, error) {
	if key.Chromosome == h.held {
		<-h.release
	}
	return h.MemoryStore.LoadMatrix(ctx, key)
}

func TestRunThresholdLetsRunningKeysFinish(t *testing.T) {
	batch := mustBatch(t, []string{"100"}, []string{"1", "2", "3"}, []string{"oe"})
	keys := batch.Keys()

	mem := store.NewMemoryStore(store.Layout{})
	mem.PutMatrix(keys[0], testMatrix(7, 40))
	mem.PutDarkBins(keys[0], []int{3})
	// keys[1] and keys[2] have no inputs.
	st := heldStore{MemoryStore: mem, held: keys[0].Chromosome, release: make(chan struct{})}

	opts := testOptions()
	opts.Workers = 2
	opts.MaxFailureRate = 0

	var once sync.Once
	_, logger := newLogCapture()
	driver := NewDriver(st, opts, logger).WithProgress(func(_, _ int, outcome Outcome) {
		if outcome.Failed() {
			once.Do(func() { close(st.release) })
		}
	})

	summary, err := driver.Run(context.Background(), batch)
	require.True(t, errors.Is(err, ErrFailureThreshold))
	require.NotNil(t, summary)

	healthy := summary.Outcomes[0]
	assert.False(t, healthy.Failed(), "errors: %v", healthy.Errors())
	assert.Equal(t, StageDone, healthy.Stage)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)

	_, ok := mem.Cumulant(keys[0])
	assert.True(t, ok)
}
