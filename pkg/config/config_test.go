package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DavidWarrenKatz/hypermatrix/pkg/hic"
)

func TestDefaults(t *testing.T) {
	c := NewConfig()

	assert.Positive(t, c.Workers())
	assert.Equal(t, 30*time.Minute, c.KeyTimeout())
	assert.Equal(t, 1.0, c.MaxFailureRate())
	assert.False(t, c.ExportTSV())
	assert.Equal(t, "info", c.LogLevel())
	assert.Equal(t, ":8080", c.ServerAddress())
	assert.Equal(t, ".", c.DataRoot())
	assert.Empty(t, c.Resolutions())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hypermatrix.yaml")
	content := `
data:
  path: /data/
  resolutions: ["1000000", "500000"]
  chromosomes: ["1", "2", "X"]
  data_types: ["oe"]
pipeline:
  workers: 3
  key_timeout: 90s
  max_failure_rate: 0.25
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	c := NewConfig()
	require.NoError(t, c.LoadFromFile(path))

	assert.Equal(t, "/data/", c.DataPath())
	assert.Equal(t, 3, c.Workers())
	assert.Equal(t, 90*time.Second, c.KeyTimeout())
	assert.Equal(t, 0.25, c.MaxFailureRate())
	assert.Equal(t, zerolog.DebugLevel, c.CreateLogger().GetLevel())

	b, err := c.Batch()
	require.NoError(t, err)
	assert.Equal(t, 6, b.Size())
	assert.Equal(t, []hic.Chromosome{"1", "2", "X"}, b.Chromosomes)
}

func TestCommaSeparatedLists(t *testing.T) {
	c := NewConfig()
	c.Set("data.resolutions", []string{"1000000,500000"})
	c.Set("data.chromosomes", "1,2")
	c.Set("data.data_types", []string{"oe", " observed "})

	assert.Equal(t, []string{"1000000", "500000"}, c.Resolutions())
	assert.Equal(t, []string{"1", "2"}, c.Chromosomes())
	assert.Equal(t, []string{"oe", "observed"}, c.DataTypes())
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("HYPERMATRIX_PIPELINE_WORKERS", "7")
	t.Setenv("HYPERMATRIX_DATA_CHROMOSOMES", "3,4")

	c := NewConfig()
	assert.Equal(t, 7, c.Workers())
	assert.Equal(t, []string{"3", "4"}, c.Chromosomes())
}

func TestBatchRejectsEmptyCrossProduct(t *testing.T) {
	c := NewConfig()
	c.Set("data.resolutions", []string{"1000000"})

	_, err := c.Batch()
	assert.True(t, errors.Is(err, hic.ErrEmptyBatch))
}

func TestCreateLoggerFallsBackToInfo(t *testing.T) {
	c := NewConfig()
	c.Set("logging.level", "chatty")
	assert.Equal(t, zerolog.InfoLevel, c.CreateLogger().GetLevel())
}
