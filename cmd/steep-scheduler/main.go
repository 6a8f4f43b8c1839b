// Command steep-scheduler runs the Scheduler loop: it pulls REGISTERED
// process chains, asks the RemoteAgentRegistry for a candidate, and
// dispatches them for execution.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/steepcluster/steep/internal/agentregistry"
	"github.com/steepcluster/steep/internal/cmdutil"
	"github.com/steepcluster/steep/internal/scheduler"
	"github.com/steepcluster/steep/pkg/config"
	"github.com/steepcluster/steep/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "steep-scheduler",
		EnableShellCompletion: true,
		Usage:                 "Dispatch registered process chains to available agents",
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
	logger := log.WithModule("steep-scheduler")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := cmdutil.SetupTracing(ctx, cfg, "steep-scheduler")
	if err != nil {
		return fmt.Errorf("steep-scheduler: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.ErrorContext(ctx, "failed to shut down tracing", "error", err)
		}
	}()

	bus, err := cmdutil.NewBus(cfg, logger)
	if err != nil {
		return fmt.Errorf("steep-scheduler: %w", err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close bus", "error", err)
		}
	}()

	store, closeStore, err := cmdutil.NewSubmissionRegistry(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("steep-scheduler: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.ErrorContext(ctx, "failed to close submission registry", "error", err)
		}
	}()

	leases, err := cmdutil.NewLeaseStore(cfg)
	if err != nil {
		return fmt.Errorf("steep-scheduler: %w", err)
	}

	agents := agentregistry.New(bus, leases, logger)
	if err := agents.Start(ctx); err != nil {
		return fmt.Errorf("steep-scheduler: start agent registry: %w", err)
	}

	s := scheduler.New(
		scheduler.Config{
			LookupInterval: cfg.SchedulerLookupInterval,
			BusyTimeout:    cfg.AgentBusyTimeout,
			IdleTimeout:    cfg.AgentIdleTimeout,
		},
		agents,
		store,
		bus,
		logger,
	)

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("steep-scheduler: start: %w", err)
	}

	logger.InfoContext(ctx, "scheduler running", "lookupInterval", cfg.SchedulerLookupInterval)

	<-ctx.Done()

	logger.InfoContext(ctx, "scheduler shutting down")

	return nil
}
