package main

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/DavidWarrenKatz/hypermatrix/pkg/config"
	"github.com/DavidWarrenKatz/hypermatrix/pkg/pipeline"
)

// Version of the hypermatrix binary.
const Version = "1.0.0"

var (
	cfg        = config.NewConfig()
	configFile string
	logger     zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "hypermatrix",
	Short: "Correlation and cumulant estimation for Hi-C contact matrices",
	Long: `
hypermatrix removes dark bins from Hi-C contact matrices and estimates, for
every (resolution, chromosome, data type) key of a batch, the Pearson
correlation matrix of its bins and their normalized third-order cumulant
tensor. Results are written next to the inputs as HDF5 files.
`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			if err := cfg.LoadFromFile(configFile); err != nil {
				return err
			}
		}
		logger = cfg.CreateLogger()
		log.Logger = logger
		return nil
	},
}

// Execute runs the root command and logs any error it returns.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		log.Error().Err(err).Msg("hypermatrix failed")
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("export-tsv", false, "Also write correlation matrices as gzip TSV")
	mustBind("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBind("output.export_tsv", rootCmd.PersistentFlags().Lookup("export-tsv"))

	rootCmd.AddCommand(newProcessCmd(), newServeCmd())
}

// mustBind lets flag override the configuration key; it only fails on a nil flag.
func mustBind(key string, flag *pflag.Flag) {
	if err := cfg.BindFlag(key, flag); err != nil {
		panic(err)
	}
}

// pipelineOptions collects the driver settings from the configuration.
func pipelineOptions() pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.Workers = cfg.Workers()
	opts.CumulantWorkers = cfg.CumulantWorkers()
	opts.KeyTimeout = cfg.KeyTimeout()
	opts.MaxFailureRate = cfg.MaxFailureRate()
	return opts
}
