package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"s3migrate/internal/api"
	"s3migrate/internal/config"
	"s3migrate/internal/controller"
	"s3migrate/internal/job"
	"s3migrate/internal/logger"
	"s3migrate/internal/metrics"
	"s3migrate/internal/state"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "s3migrate",
	Short: "Migrate objects between S3-compatible buckets",
	Long:  `A concurrent, resumable object migration engine with durable per-object tracking, multipart transfer with retry, and an HTTP control plane.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single migration job and wait for it to finish",
	RunE:  runJob,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control-plane daemon and resume interrupted jobs",
	RunE:  runServer,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("state-db", "./state.db", "state database file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug/info/warn/error)")

	runCmd.Flags().String("name", "", "job name (required)")

	runCmd.Flags().String("src-endpoint", "", "source endpoint")
	runCmd.Flags().String("src-access-key", "", "source access key")
	runCmd.Flags().String("src-secret-key", "", "source secret key")
	runCmd.Flags().String("src-region", "", "source region")
	runCmd.Flags().Bool("src-secure", true, "use HTTPS for source")
	runCmd.Flags().String("src-bucket", "", "source bucket (required)")

	runCmd.Flags().String("dst-endpoint", "", "destination endpoint")
	runCmd.Flags().String("dst-access-key", "", "destination access key")
	runCmd.Flags().String("dst-secret-key", "", "destination secret key")
	runCmd.Flags().Bool("dst-secure", true, "use HTTPS for destination")
	runCmd.Flags().String("dst-bucket", "", "destination bucket (defaults to source bucket)")
	runCmd.Flags().String("dst-prefix", "", "prefix prepended to destination keys")

	runCmd.Flags().String("prefix", "", "object key prefix filter")
	runCmd.Flags().StringSlice("exclude-prefix", nil, "key prefixes to exclude (repeatable)")
	runCmd.Flags().Int("workers", 16, "number of concurrent transfer workers")
	runCmd.Flags().Int64("multipart-threshold", 104857600, "multipart upload threshold in bytes")
	runCmd.Flags().Int64("part-size", 67108864, "multipart part size in bytes")
	runCmd.Flags().Int("retries", 5, "maximum retry attempts per object")
	runCmd.Flags().Int("retry-backoff-ms", 500, "initial retry backoff in milliseconds")
	runCmd.Flags().Bool("dry-run", false, "verify objects are reachable without moving data")
	runCmd.Flags().String("on-conflict", "skip", "policy when destination differs: overwrite/skip/fail")
	runCmd.Flags().Float64("failure-threshold", 0.5, "failed fraction of objects that fails the whole job")

	serveCmd.Flags().String("listen", ":8080", "control API listen address")

	rootCmd.AddCommand(runCmd, serveCmd)
}

func runJob(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	store, err := state.NewSQLiteStore(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	ctrl := controller.New(store, metrics.New(), log)

	id, err := ctrl.StartJob(cfg.Job)
	if err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("received shutdown signal, cancelling job")
		if err := ctrl.Cancel(id); err != nil && !errors.Is(err, job.ErrNotActive) {
			log.Error("failed to cancel job", zap.Error(err))
		}
	}()

	ctrl.Wait(id)

	final, err := ctrl.Status(id)
	if err != nil {
		return fmt.Errorf("failed to read final job status: %w", err)
	}
	if final.State != job.StateCompleted {
		return fmt.Errorf("job %s ended %s: %s", final.Name, final.State, final.LastError)
	}
	if final.Counters.Failed > 0 {
		return fmt.Errorf("job %s completed with %d failed objects", final.Name, final.Counters.Failed)
	}
	return nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServer(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	store, err := state.NewSQLiteStore(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	collector := metrics.New()
	ctrl := controller.New(store, collector, log)

	resumed, err := ctrl.ResumeInterrupted()
	if err != nil {
		return fmt.Errorf("failed to resume interrupted jobs: %w", err)
	}
	if resumed > 0 {
		log.Info("resumed interrupted jobs", zap.Int("count", resumed))
	}

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: api.New(ctrl, collector, log).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("control API listening", zap.String("addr", cfg.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("control API failed: %w", err)
	case <-sigChan:
		log.Info("received shutdown signal, stopping")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop control API cleanly", zap.Error(err))
	}
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		log.Error("some jobs did not stop in time", zap.Error(err))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
