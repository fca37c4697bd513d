package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DavidWarrenKatz/hypermatrix/pkg/hic"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestProcessRejectsPartialPositionalArgs(t *testing.T) {
	_, err := execute(t, "process", "/data/", "1000000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0 or 4 positional arguments")
}

func TestProcessRejectsInvalidLabels(t *testing.T) {
	_, err := execute(t, "process", "--log-level", "error", t.TempDir()+"/", "abc", "1", "oe")
	require.Error(t, err)
	assert.True(t, errors.Is(err, hic.ErrInvalidLabel))
}

func TestProcessReportsMissingInputs(t *testing.T) {
	out, err := execute(t, "process", "--log-level", "error", t.TempDir()+"/", "1000000", "1,2", "oe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 2 keys failed")
	assert.Contains(t, out, "2 failed")
}

func TestPipelineOptionsFollowConfig(t *testing.T) {
	cfg.Set("pipeline.workers", 3)
	cfg.Set("pipeline.max_failure_rate", 0.5)
	t.Cleanup(func() {
		cfg.Set("pipeline.workers", 1)
		cfg.Set("pipeline.max_failure_rate", 1.0)
	})

	opts := pipelineOptions()
	assert.Equal(t, 3, opts.Workers)
	assert.Equal(t, 0.5, opts.MaxFailureRate)
}
