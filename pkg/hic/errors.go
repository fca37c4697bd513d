package hic

import "errors"

// Stage errors. Every failure surfaced by the pipeline wraps exactly one of
// these so callers can classify it with errors.Is.
var (
	ErrLoad     = errors.New("hic: load failed")
	ErrFilter   = errors.New("hic: dark bin filtering failed")
	ErrEstimate = errors.New("hic: estimation failed")
	ErrWrite    = errors.New("hic: write failed")
)

// Detail errors, wrapped together with a stage error.
var (
	ErrDarkBinOutOfRange = errors.New("hic: dark bin index out of range")
	ErrNotSquare         = errors.New("hic: contact matrix is not square")
	ErrInvalidLabel      = errors.New("hic: invalid label")
	ErrEmptyBatch        = errors.New("hic: empty batch")
)
