package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/DavidWarrenKatz/hypermatrix/pkg/hic"
	"github.com/DavidWarrenKatz/hypermatrix/pkg/store"
)

// ErrFailureThreshold is returned by Run when the share of failed keys
// exceeds Options.MaxFailureRate.
var ErrFailureThreshold = errors.New("pipeline: failure rate above threshold")

// Stage names the step a key reached.
type Stage string

const (
	StageLoadMatrix   Stage = "load_matrix"
	StageLoadDarkBins Stage = "load_dark_bins"
	StageFilter       Stage = "filter"
	StageEstimate     Stage = "estimate"
	StageDone         Stage = "done"
	StageSkipped      Stage = "skipped"
)

// Options controls batch execution.
type Options struct {
	Workers         int           // keys processed concurrently; <= 0 means runtime.NumCPU()
	CumulantWorkers int           // goroutines per cumulant; <= 0 means runtime.NumCPU()
	KeyTimeout      time.Duration // per-key deadline; 0 disables
	MaxFailureRate  float64       // clamped to [0, 1]; 0 aborts on the first failure, 1 never aborts
}

// DefaultOptions returns options for a single machine.
func DefaultOptions() Options {
	return Options{
		Workers:         runtime.NumCPU(),
		CumulantWorkers: runtime.NumCPU(),
		KeyTimeout:      30 * time.Minute,
		MaxFailureRate:  1,
	}
}

// ProgressCallback is invoked after every finished key.
type ProgressCallback func(done, total int, outcome Outcome)

// Outcome is the result of processing one key.
type Outcome struct {
	Key            hic.Key       `json:"key"`
	Stage          Stage         `json:"stage"`
	Bins           int           `json:"bins"`
	KeptBins       int           `json:"keptBins"`
	Err            error         `json:"-"`
	CorrelationErr error         `json:"-"`
	CumulantErr    error         `json:"-"`
	Duration       time.Duration `json:"duration"`
}

// Failed reports whether any step of the key failed.
func (o Outcome) Failed() bool {
	return o.Err != nil || o.CorrelationErr != nil || o.CumulantErr != nil
}

// Errors returns every error recorded for the key.
func (o Outcome) Errors() []error {
	var errs []error
	for _, err := range []error{o.Err, o.CorrelationErr, o.CumulantErr} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Summary aggregates a batch run.
type Summary struct {
	RunID     string        `json:"runId"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Outcomes  []Outcome     `json:"outcomes"`
	Duration  time.Duration `json:"duration"`
}

// FailureRate is Failed / Total, or 0 for an empty summary.
func (s *Summary) FailureRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Total)
}

// Driver runs load, filter, estimate and save for every key of a batch.
type Driver struct {
	store    store.Store
	opts     Options
	logger   zerolog.Logger
	progress ProgressCallback
}

// NewDriver creates a driver over st.
func NewDriver(st store.Store, opts Options, logger zerolog.Logger) *Driver {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	opts.MaxFailureRate = math.Max(0, math.Min(1, opts.MaxFailureRate))
	return &Driver{store: st, opts: opts, logger: logger}
}

// WithProgress sets a callback for finished keys.
func (d *Driver) WithProgress(cb ProgressCallback) *Driver {
	d.progress = cb
	return d
}

// Run processes every key of batch. Keys are independent: a failing key is
// logged and does not stop the others. Once the failure rate bound is
// exceeded no further keys are dispatched: keys already running complete,
// unstarted keys are marked skipped, and the summary is returned together
// with ErrFailureThreshold.
func (d *Driver) Run(ctx context.Context, batch hic.Batch) (*Summary, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	startTime := time.Now()
	keys := batch.Keys()
	summary := &Summary{
		RunID:    uuid.New().String(),
		Total:    len(keys),
		Outcomes: make([]Outcome, len(keys)),
	}
	logger := d.logger.With().Str("run_id", summary.RunID).Logger()

	logger.Info().
		Int("keys", len(keys)).
		Int("workers", d.opts.Workers).
		Dur("key_timeout", d.opts.KeyTimeout).
		Msg("Starting batch")

	numWorkers := d.opts.Workers
	if numWorkers > len(keys) {
		numWorkers = len(keys)
	}

	indexChannel := make(chan int)
	stopDispatch := make(chan struct{})
	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		done      int
		aborted   bool
		started   = make([]bool, len(keys))
		maxFailed = int(d.opts.MaxFailureRate * float64(len(keys)))
	)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indexChannel {
				select {
				case <-stopDispatch:
					// Handed over while the threshold tripped.
					mu.Lock()
					summary.Outcomes[idx] = Outcome{Key: keys[idx], Stage: StageSkipped}
					summary.Skipped++
					mu.Unlock()
					continue
				default:
				}

				outcome := d.processKey(ctx, logger, keys[idx])

				mu.Lock()
				summary.Outcomes[idx] = outcome
				done++
				if outcome.Failed() {
					summary.Failed++
					if d.opts.MaxFailureRate < 1 && summary.Failed > maxFailed && !aborted {
						// Keys already running finish normally.
						aborted = true
						close(stopDispatch)
					}
				} else if outcome.Stage == StageSkipped {
					summary.Skipped++
				} else {
					summary.Succeeded++
				}
				finished := done
				mu.Unlock()

				if d.progress != nil {
					d.progress(finished, len(keys), outcome)
				}
			}
		}()
	}

dispatch:
	for idx := range keys {
		select {
		case indexChannel <- idx:
			mu.Lock()
			started[idx] = true
			mu.Unlock()
		case <-stopDispatch:
			break dispatch
		case <-ctx.Done():
			break dispatch
		}
	}
	close(indexChannel)
	wg.Wait()

	for idx, key := range keys {
		if !started[idx] {
			summary.Outcomes[idx] = Outcome{Key: key, Stage: StageSkipped}
			summary.Skipped++
		}
	}
	summary.Duration = time.Since(startTime)

	event := logger.Info()
	if summary.Failed > 0 {
		event = logger.Warn()
	}
	event.
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Dur("duration", summary.Duration).
		Msg("Batch completed")

	if aborted {
		return summary, fmt.Errorf("%w: %d of %d keys failed (limit %.2f)",
			ErrFailureThreshold, summary.Failed, summary.Total, d.opts.MaxFailureRate)
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// ProcessKey runs the full per-key pipeline on its own.
func (d *Driver) ProcessKey(ctx context.Context, key hic.Key) Outcome {
	return d.processKey(ctx, d.logger, key)
}

func (d *Driver) processKey(ctx context.Context, logger zerolog.Logger, key hic.Key) Outcome {
	startTime := time.Now()
	outcome := Outcome{Key: key}
	logger = logger.With().
		Str("resolution", string(key.Resolution)).
		Str("chromosome", string(key.Chromosome)).
		Str("data_type", string(key.DataType)).
		Logger()

	if ctx.Err() != nil {
		outcome.Stage = StageSkipped
		return outcome
	}

	if d.opts.KeyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.KeyTimeout)
		defer cancel()
	}

	fail := func(stage Stage, err error) Outcome {
		outcome.Stage = stage
		outcome.Err = err
		outcome.Duration = time.Since(startTime)
		logger.Error().Err(err).Str("stage", string(stage)).Msg("Key failed")
		return outcome
	}

	outcome.Stage = StageLoadMatrix
	matrix, err := d.store.LoadMatrix(ctx, key)
	if err != nil {
		return fail(StageLoadMatrix, err)
	}
	outcome.Bins, _ = matrix.Dims()

	darkBins, err := d.store.LoadDarkBins(ctx, key)
	if err != nil {
		return fail(StageLoadDarkBins, err)
	}

	filtered, err := hic.RemoveDarkBins(matrix, darkBins)
	if err != nil {
		return fail(StageFilter, err)
	}
	outcome.KeptBins, _ = filtered.Dims()

	if filtered.IsEmpty() {
		outcome.Stage = StageSkipped
		outcome.Duration = time.Since(startTime)
		logger.Warn().Int("bins", outcome.Bins).Msg("Every bin is dark, nothing to estimate")
		return outcome
	}

	outcome.Stage = StageEstimate
	outcome.CorrelationErr = d.correlate(ctx, logger, key, filtered)
	outcome.CumulantErr = d.cumulate(ctx, logger, key, filtered)

	outcome.Stage = StageDone
	outcome.Duration = time.Since(startTime)
	if !outcome.Failed() {
		logger.Info().
			Int("bins", outcome.Bins).
			Int("kept_bins", outcome.KeptBins).
			Dur("duration", outcome.Duration).
			Msg("Key processed")
	}
	return outcome
}

// correlate computes and saves the correlation matrix, logging any failure.
func (d *Driver) correlate(ctx context.Context, logger zerolog.Logger, key hic.Key, filtered *mat.Dense) error {
	corr, err := guard(func() (*mat.SymDense, error) { return hic.CorrelationMatrix(filtered) })
	if err != nil {
		logger.Error().Err(err).Str("stage", "correlation").Msg("Correlation estimation failed")
		return err
	}
	if err := d.store.SaveCorrelation(ctx, key, corr); err != nil {
		logger.Error().Err(err).Str("stage", "correlation").Msg("Failed to save correlation matrix")
		return err
	}
	logger.Debug().Int("dim", corr.SymmetricDim()).Msg("Saved correlation matrix")
	return nil
}

// cumulate computes and saves the cumulant tensor, logging any failure.
func (d *Driver) cumulate(ctx context.Context, logger zerolog.Logger, key hic.Key, filtered *mat.Dense) error {
	tensor, err := guard(func() (*hic.Tensor3, error) {
		return hic.Degree2Cumulant(ctx, filtered, d.opts.CumulantWorkers)
	})
	if err != nil {
		logger.Error().Err(err).Str("stage", "cumulant").Msg("Cumulant estimation failed")
		return err
	}
	if err := d.store.SaveCumulant(ctx, key, tensor); err != nil {
		logger.Error().Err(err).Str("stage", "cumulant").Msg("Failed to save cumulant tensor")
		return err
	}
	logger.Debug().Int("dim", tensor.Dim()).Msg("Saved cumulant tensor")
	return nil
}

// guard converts a panic inside an estimator into ErrEstimate.
func guard[T any](f func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", hic.ErrEstimate, r)
		}
	}()
	return f()
}
