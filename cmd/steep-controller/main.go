// Command steep-controller drives submission lifecycle: claiming ACCEPTED
// submissions, iteratively decomposing their workflow, finalizing
// terminal status, and recovering orphaned RUNNING chains.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/steepcluster/steep/internal/agentregistry"
	"github.com/steepcluster/steep/internal/clusterbus"
	"github.com/steepcluster/steep/internal/cmdutil"
	"github.com/steepcluster/steep/internal/controller"
	"github.com/steepcluster/steep/pkg/config"
	"github.com/steepcluster/steep/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "steep-controller",
		EnableShellCompletion: true,
		Usage:                 "Drive submission lifecycle and recover orphaned process chains",
		Flags:                 config.Flags(),
		Action:                run,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	cfg := config.FromCommand(command)
	log.Setup(cfg.LogLevel)
	logger := log.WithModule("steep-controller")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := cmdutil.SetupTracing(ctx, cfg, "steep-controller")
	if err != nil {
		return fmt.Errorf("steep-controller: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.ErrorContext(ctx, "failed to shut down tracing", "error", err)
		}
	}()

	bus, err := cmdutil.NewBus(cfg, logger)
	if err != nil {
		return fmt.Errorf("steep-controller: %w", err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close bus", "error", err)
		}
	}()

	store, closeStore, err := cmdutil.NewSubmissionRegistry(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("steep-controller: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.ErrorContext(ctx, "failed to close submission registry", "error", err)
		}
	}()

	leases, err := cmdutil.NewLeaseStore(cfg)
	if err != nil {
		return fmt.Errorf("steep-controller: %w", err)
	}

	agents := agentregistry.New(bus, leases, logger)
	if err := agents.Start(ctx); err != nil {
		return fmt.Errorf("steep-controller: start agent registry: %w", err)
	}

	requester := clusterbus.NewRequester(bus, cfg.AgentBusyTimeout)

	catalog, err := cmdutil.LoadServiceCatalog(cfg.ServiceCatalogPath)
	if err != nil {
		return fmt.Errorf("steep-controller: %w", err)
	}

	ctl := controller.New(
		controller.Config{
			LookupInterval:        cfg.ControllerLookupInterval,
			LookupOrphansInterval: cfg.ControllerLookupOrphansInterval,
		},
		store,
		agents,
		requester,
		catalog,
		logger,
	)

	if err := ctl.Start(ctx); err != nil {
		return fmt.Errorf("steep-controller: start: %w", err)
	}

	logger.InfoContext(ctx, "controller running",
		"lookupInterval", cfg.ControllerLookupInterval,
		"lookupOrphansInterval", cfg.ControllerLookupOrphansInterval,
	)

	<-ctx.Done()

	logger.InfoContext(ctx, "controller shutting down")

	return nil
}
