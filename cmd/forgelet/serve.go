package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgelet/forgelet/pkg/api"
	"github.com/forgelet/forgelet/pkg/build"
	"github.com/forgelet/forgelet/pkg/config"
	"github.com/forgelet/forgelet/pkg/fsutil"
	"github.com/forgelet/forgelet/pkg/history"
	"github.com/forgelet/forgelet/pkg/storage"
	"github.com/forgelet/forgelet/pkg/toolchain"
	"github.com/forgelet/forgelet/pkg/upload"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds the final storage cleanup on exit.
const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the build server",
	Long:  `Start the forgelet build server: queue, toolchain worker and HTTP API.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var owner *fsutil.OwnerConfig

	if cfg.Builds.Owner != "" {
		owner, err = fsutil.ParseOwner(cfg.Builds.Owner)
		if err != nil {
			return fmt.Errorf("parsing builds owner: %w", err)
		}
	}

	store := storage.NewStore(log, cfg.Builds.Root, owner)
	if err := store.Init(); err != nil {
		return fmt.Errorf("initializing build storage: %w", err)
	}

	runner, err := newRunner(cfg)
	if err != nil {
		return fmt.Errorf("creating toolchain runner: %w", err)
	}

	hist := history.NewStore(log, &cfg.Database)
	if err := hist.Start(ctx); err != nil {
		return fmt.Errorf("starting history store: %w", err)
	}

	var uploader upload.Uploader

	if cfg.Upload.S3 != nil && cfg.Upload.S3.Enabled {
		uploader, err = upload.NewS3Uploader(log, cfg.Upload.S3)
		if err != nil {
			return fmt.Errorf("creating s3 uploader: %w", err)
		}

		if err := uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("s3 upload preflight: %w", err)
		}
	}

	registry := build.NewRegistry()

	worker := build.NewWorker(log, &build.WorkerConfig{
		Command: cfg.Toolchain.Build.Command,
		Args:    cfg.Toolchain.Build.Args,
	}, runner, store, hist, uploader)

	evictor := build.NewEvictor(log, &build.EvictorConfig{
		MaxBuildsToKeep:        cfg.Builds.MaxBuildsToKeep,
		DeleteBuildsOnShutdown: cfg.Builds.DeleteOnShutdown(),
	}, registry, store)

	queue := build.NewQueue(log, &build.QueueConfig{
		MaxBuildsInQueue: cfg.Builds.MaxBuildsInQueue,
	}, registry, store, worker, evictor)

	actions := build.NewActions(log, &build.ActionsConfig{
		AllowsEmulate: cfg.Builds.AllowsEmulate,
		Commands:      actionCommands(cfg),
	}, registry, runner)

	srv := api.NewServer(log, cfg, &api.Deps{
		Registry: registry,
		Queue:    queue,
		Actions:  actions,
		Storage:  store,
		History:  hist,
	})

	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("starting build queue: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop api server")
	}

	if err := queue.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop build queue")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := evictor.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to clean up build storage")
	}

	if err := hist.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop history store")
	}

	return nil
}

// newRunner builds the toolchain runner selected by the config.
func newRunner(cfg *config.Config) (toolchain.Runner, error) {
	switch cfg.Toolchain.Runtime {
	case "docker":
		return toolchain.NewDockerRunner(log, &toolchain.DockerConfig{
			Image:              cfg.Toolchain.Docker.Image,
			StopTimeoutSeconds: cfg.Toolchain.Docker.StopTimeoutSeconds,
		})
	default:
		return toolchain.NewExecRunner(log), nil
	}
}

// actionCommands converts the config's action table into the build
// package's typed form.
func actionCommands(cfg *config.Config) map[build.Action]build.ActionCommand {
	commands := make(map[build.Action]build.ActionCommand, len(cfg.Toolchain.Actions))

	for name, spec := range cfg.Toolchain.Actions {
		action, ok := build.ParseAction(name)
		if !ok {
			log.WithField("action", name).
				Warn("Ignoring unknown action in config")

			continue
		}

		commands[action] = build.ActionCommand{
			Command: spec.Command,
			Args:    spec.Args,
		}
	}

	return commands
}
