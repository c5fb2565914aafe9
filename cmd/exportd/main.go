// Command exportd runs the interview export pipeline: the HTTP API, the
// export worker, or both in one process.
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

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/heimdex/exportd/internal/api"
	"github.com/heimdex/exportd/internal/config"
)

var (
	configFile string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "exportd",
		Short: "Asynchronous video export pipeline",
		Long: `exportd renders multi-participant interview recordings into a single
composited video. Jobs are queued durably, claimed by workers, and reported
through a progress API.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", config.Version, config.GitCommit, config.BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				os.Setenv(config.EnvConfigFile, configFile)
			}
			if logLevel != "" {
				os.Setenv(config.EnvLogLevel, logLevel)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(newServeCmd(), newWorkerCmd(), newRunCmd(), newSweepCmd(), newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API only",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd.Context(), processOptions{api: true})
		},
	}
}

func newWorkerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run an export worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if once {
				return drainOnce(cmd.Context())
			}
			return runProcess(cmd.Context(), processOptions{worker: true, sweeper: true})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process every queued job, then exit")
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the HTTP API and an export worker in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd.Context(), processOptions{api: true, worker: true, sweeper: true})
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.sweeper.RunOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "artifacts deleted: %d, workspaces removed: %d, errors: %d\n",
				res.ArtifactsDeleted, res.WorkspacesRemoved, res.Errors)
			if res.Errors > 0 {
				return errors.New("retention sweep finished with errors")
			}
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			database, err := openDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer database.Close()

			logger.Info("migrations applied", "driver", cfg.DBDriver())
			return nil
		},
	}
}

type processOptions struct {
	api     bool
	worker  bool
	sweeper bool
}

func runProcess(parent context.Context, opts processOptions) error {
	startTime := time.Now()
	ctx, stop := signalContext(parent)
	defer stop()

	a, err := newApp(ctx, appOptions{api: opts.api, worker: opts.worker})
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger
	logger.Info("starting exportd",
		"version", config.Version,
		"api", opts.api,
		"worker", opts.worker,
		"storage", a.cfg.StorageBackend(),
		"db", a.cfg.DBDriver(),
	)

	done := make(chan struct{}, 3)
	running := 0

	if opts.worker {
		running++
		go func() {
			a.runner.Start(ctx)
			done <- struct{}{}
		}()
	}
	if opts.sweeper {
		running++
		go func() {
			a.sweeper.Start(ctx)
			done <- struct{}{}
		}()
	}

	var server *api.Server
	serverErr := make(chan error, 1)
	if opts.api {
		server = api.NewServer(a.serverConfig(startTime))
		go func() {
			serverErr <- server.Start()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
			stop()
			drain(done, running)
			return err
		}
	}

	logger.Info("initiating graceful shutdown")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to shutdown HTTP server", "error", err)
		}
	}
	drain(done, running)

	snap := a.metrics.Snapshot()
	logger.Info("shutdown complete",
		"jobs_completed", snap.JobsCompleted,
		"jobs_failed", snap.JobsFailed,
		"uploaded", humanize.Bytes(uint64(snap.BytesUploaded)),
	)
	return nil
}

// drainOnce processes queued jobs until none are left.
func drainOnce(parent context.Context) error {
	ctx, stop := signalContext(parent)
	defer stop()

	a, err := newApp(ctx, appOptions{worker: true})
	if err != nil {
		return err
	}
	defer a.Close()

	processed := 0
	for ctx.Err() == nil {
		ok, err := a.runner.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		if !ok {
			break
		}
		processed++
	}
	a.logger.Info("queue drained", "jobs", processed)
	return nil
}

func drain(done <-chan struct{}, n int) {
	for i := 0; i < n; i++ {
		<-done
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
