package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DavidWarrenKatz/hypermatrix/pkg/api"
	"github.com/DavidWarrenKatz/hypermatrix/pkg/service"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the batch job HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	flags := cmd.Flags()
	flags.String("address", cfg.ServerAddress(), "Listen address")
	flags.Int("max-jobs", cfg.JobWorkers(), "Batches run concurrently")

	mustBind("server.address", flags.Lookup("address"))
	mustBind("jobs.max_workers", flags.Lookup("max-jobs"))

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	jobService := service.NewJobService(openStore, service.Options{
		DataRoot:        cfg.DataRoot(),
		MaxWorkers:      cfg.JobWorkers(),
		ResultTTL:       cfg.ResultTTL(),
		CleanupInterval: cfg.CleanupInterval(),
		Pipeline:        pipelineOptions(),
	}, logger)
	defer jobService.Close()

	server := &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      api.NewRouter(api.NewHandlers(jobService), cfg.AllowedOrigins()),
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("address", server.Addr).
			Int("max_jobs", cfg.JobWorkers()).
			Msg("HTTP server starting")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serverErr:
		return err
	case <-quit:
		logger.Info().Msg("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return err
	}

	logger.Info().Msg("Server shutdown complete")
	return nil
}
