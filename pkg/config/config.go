package config

import (
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/DavidWarrenKatz/hypermatrix/pkg/hic"
)

// Config manages pipeline configuration using Viper
type Config struct {
	v *viper.Viper
}

// NewConfig creates a new configuration with defaults
func NewConfig() *Config {
	v := viper.New()

	// Input selection
	v.SetDefault("data.path", "")
	v.SetDefault("data.resolutions", []string{})
	v.SetDefault("data.chromosomes", []string{})
	v.SetDefault("data.data_types", []string{})

	// Pipeline parameters
	v.SetDefault("pipeline.workers", runtime.NumCPU())
	v.SetDefault("pipeline.cumulant_workers", runtime.NumCPU())
	v.SetDefault("pipeline.key_timeout", 30*time.Minute)
	v.SetDefault("pipeline.max_failure_rate", 1.0)

	v.SetDefault("output.export_tsv", false)

	// Logging parameters
	v.SetDefault("logging.level", "info")

	// Job server
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.data_root", ".")
	v.SetDefault("jobs.max_workers", 2)
	v.SetDefault("jobs.result_ttl", time.Hour)
	v.SetDefault("jobs.cleanup_interval", 5*time.Minute)

	v.SetEnvPrefix("HYPERMATRIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Config{v: v}
}

// LoadFromFile loads configuration from file
func (c *Config) LoadFromFile(path string) error {
	c.v.SetConfigFile(path)
	return c.v.ReadInConfig()
}

// BindFlag lets a command-line flag override key when it is set.
func (c *Config) BindFlag(key string, flag *pflag.Flag) error {
	return c.v.BindPFlag(key, flag)
}

// Set allows dynamic configuration changes
func (c *Config) Set(key string, value interface{}) {
	c.v.Set(key, value)
}

// Getters for input selection
func (c *Config) DataPath() string       { return c.v.GetString("data.path") }
func (c *Config) Resolutions() []string { return splitList(c.v.GetStringSlice("data.resolutions")) }
func (c *Config) Chromosomes() []string { return splitList(c.v.GetStringSlice("data.chromosomes")) }
func (c *Config) DataTypes() []string   { return splitList(c.v.GetStringSlice("data.data_types")) }

func (c *Config) Workers() int                { return c.v.GetInt("pipeline.workers") }
func (c *Config) CumulantWorkers() int        { return c.v.GetInt("pipeline.cumulant_workers") }
func (c *Config) KeyTimeout() time.Duration   { return c.v.GetDuration("pipeline.key_timeout") }
func (c *Config) MaxFailureRate() float64     { return c.v.GetFloat64("pipeline.max_failure_rate") }
func (c *Config) ExportTSV() bool             { return c.v.GetBool("output.export_tsv") }
func (c *Config) LogLevel() string            { return c.v.GetString("logging.level") }
func (c *Config) ServerAddress() string       { return c.v.GetString("server.address") }
func (c *Config) DataRoot() string            { return c.v.GetString("server.data_root") }
func (c *Config) ReadTimeout() time.Duration  { return c.v.GetDuration("server.read_timeout") }
func (c *Config) WriteTimeout() time.Duration { return c.v.GetDuration("server.write_timeout") }
func (c *Config) JobWorkers() int             { return c.v.GetInt("jobs.max_workers") }
func (c *Config) ResultTTL() time.Duration    { return c.v.GetDuration("jobs.result_ttl") }

func (c *Config) CleanupInterval() time.Duration {
	return c.v.GetDuration("jobs.cleanup_interval")
}

func (c *Config) AllowedOrigins() []string {
	return splitList(c.v.GetStringSlice("server.allowed_origins"))
}

// Batch parses the configured labels into a validated batch.
func (c *Config) Batch() (hic.Batch, error) {
	return hic.NewBatch(c.Resolutions(), c.Chromosomes(), c.DataTypes())
}

// CreateLogger creates a zerolog logger based on config
func (c *Config) CreateLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel())
	if err != nil {
		level = zerolog.InfoLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}).Level(level).With().Timestamp().Str("service", "hypermatrix").Logger()
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
