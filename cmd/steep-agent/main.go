// Command steep-agent runs one cluster node's LocalAgent: it advertises
// its capabilities, leases itself for at most one process chain at a
// time, and executes whatever the Scheduler dispatches to it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/steepcluster/steep/internal/agentregistry"
	"github.com/steepcluster/steep/internal/clusterbus"
	"github.com/steepcluster/steep/internal/cmdutil"
	"github.com/steepcluster/steep/internal/localagent"
	"github.com/steepcluster/steep/pkg/config"
	"github.com/steepcluster/steep/pkg/log"
	"github.com/steepcluster/steep/pkg/otelhelper"
)

func main() {
	command := &cli.Command{
		Name:                  "steep-agent",
		EnableShellCompletion: true,
		Usage:                 "Run a LocalAgent executing process chains dispatched by the Scheduler",
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
	logger := log.WithModule("steep-agent")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := cmdutil.SetupTracing(ctx, cfg, "steep-agent")
	if err != nil {
		return fmt.Errorf("steep-agent: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.ErrorContext(ctx, "failed to shut down tracing", "error", err)
		}
	}()

	agentID := cfg.AgentID
	if agentID == "" {
		agentID = "agent-" + uuid.New().String()[:8]
	}

	bus, err := cmdutil.NewBus(cfg, logger)
	if err != nil {
		return fmt.Errorf("steep-agent: %w", err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close bus", "error", err)
		}
	}()

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.WarnContext(ctx, "docker runtime unavailable, continuing without it", "error", err)

		dockerClient = nil
	}

	retryGauge, err := otelhelper.NewRetryGauge()
	if err != nil {
		logger.WarnContext(ctx, "retry gauge unavailable", "error", err)

		retryGauge = nil
	}

	agent, err := localagent.New(
		localagent.Config{
			ID:                   agentID,
			Capabilities:         cfg.AgentCapabilities,
			OutPath:              cfg.OutPath,
			OutputLinesToCollect: cfg.AgentOutputLinesToCollect,
			BusyTimeout:          cfg.AgentBusyTimeout,
			IdleTimeout:          cfg.AgentIdleTimeout,
		},
		localagent.NewRuntimeRegistry(dockerClient),
		localagent.NewOutputAdapterRegistry(),
		localagent.NewProgressEstimatorRegistry(),
		retryGauge,
		bus,
		logger,
	)
	if err != nil {
		return fmt.Errorf("steep-agent: build agent: %w", err)
	}

	address := clusterbus.AgentAddress(agentID)

	if err := agent.Serve(ctx); err != nil {
		return fmt.Errorf("steep-agent: serve: %w", err)
	}

	if err := agentregistry.Announce(ctx, bus, address, cfg.AgentCapabilities); err != nil {
		return fmt.Errorf("steep-agent: announce presence: %w", err)
	}

	logger.InfoContext(ctx, "agent serving", "address", address, "capabilities", cfg.AgentCapabilities)

	<-ctx.Done()

	logger.InfoContext(ctx, "agent shutting down")

	return agentregistry.Withdraw(context.Background(), bus, address)
}
