// Command steepctl is an operator CLI for submitting workflows and
// inspecting or cancelling submissions directly against the configured
// SubmissionRegistry - there is no HTTP API in front of it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/steepcluster/steep/internal/clusterbus"
	"github.com/steepcluster/steep/internal/cmdutil"
	"github.com/steepcluster/steep/internal/controller"
	"github.com/steepcluster/steep/internal/domain"
	"github.com/steepcluster/steep/pkg/config"
	"github.com/steepcluster/steep/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "steepctl",
		EnableShellCompletion: true,
		Usage:                 "Submit, inspect, and cancel workflow submissions",
		Flags:                 config.Flags(),
		Commands: []*cli.Command{
			submitCommand(),
			statusCommand(),
			cancelCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// submissionDocument is the on-disk shape steepctl submit reads: a
// workflow plus the initial known-values a user supplies, matching
// domain.Submission's own field names so a document can be produced by
// hand or generated from an earlier "steepctl status" dump.
type submissionDocument struct {
	Workflow domain.Workflow         `json:"workflow"`
	Inputs   map[string]domain.Value `json:"inputs"`
}

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit a workflow document for execution",
		ArgsUsage: "<workflow.json>",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return fmt.Errorf("steepctl submit: expected exactly one workflow.json argument")
			}

			raw, err := os.ReadFile(command.Args().First())
			if err != nil {
				return fmt.Errorf("steepctl submit: read workflow document: %w", err)
			}

			var doc submissionDocument
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("steepctl submit: parse workflow document: %w", err)
			}

			cfg := config.FromCommand(command)
			log.Setup(cfg.LogLevel)
			logger := log.WithModule("steepctl")

			bus, err := cmdutil.NewBus(cfg, logger)
			if err != nil {
				return fmt.Errorf("steepctl submit: %w", err)
			}
			defer bus.Close()

			store, closeStore, err := cmdutil.NewSubmissionRegistry(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("steepctl submit: %w", err)
			}
			defer closeStore()

			submission := domain.Submission{
				ID:       uuid.New().String(),
				Workflow: doc.Workflow,
				Status:   domain.SubmissionAccepted,
				Inputs:   doc.Inputs,
			}

			if err := store.AddSubmission(ctx, submission); err != nil {
				return fmt.Errorf("steepctl submit: %w", err)
			}

			if err := bus.Publish(ctx, clusterbus.AddressSubmissionAdded, submission); err != nil {
				logger.WarnContext(ctx, "submissionAdded publish failed", "submission", submission.ID, "error", err)
			}

			fmt.Println(submission.ID)

			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Print a submission's current record as JSON",
		ArgsUsage: "<submissionId>",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return fmt.Errorf("steepctl status: expected exactly one submissionId argument")
			}

			cfg := config.FromCommand(command)
			log.Setup(cfg.LogLevel)
			logger := log.WithModule("steepctl")

			store, closeStore, err := cmdutil.NewSubmissionRegistry(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("steepctl status: %w", err)
			}
			defer closeStore()

			submission, err := store.FindSubmissionByID(ctx, command.Args().First())
			if err != nil {
				return fmt.Errorf("steepctl status: %w", err)
			}

			encoded, err := json.MarshalIndent(submission, "", "  ")
			if err != nil {
				return fmt.Errorf("steepctl status: %w", err)
			}

			fmt.Println(string(encoded))

			return nil
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a submission and ask its running chains' agents to interrupt",
		ArgsUsage: "<submissionId>",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return fmt.Errorf("steepctl cancel: expected exactly one submissionId argument")
			}

			cfg := config.FromCommand(command)
			log.Setup(cfg.LogLevel)
			logger := log.WithModule("steepctl")

			bus, err := cmdutil.NewBus(cfg, logger)
			if err != nil {
				return fmt.Errorf("steepctl cancel: %w", err)
			}
			defer bus.Close()

			store, closeStore, err := cmdutil.NewSubmissionRegistry(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("steepctl cancel: %w", err)
			}
			defer closeStore()

			requester := clusterbus.NewRequester(bus, cfg.AgentBusyTimeout)

			// agents and catalog are nil: CancelSubmission never consults
			// either, it only marks records and signals owning agents by
			// address, which it already has from the process chains.
			ctl := controller.New(controller.Config{}, store, nil, requester, nil, logger)

			if err := ctl.CancelSubmission(ctx, command.Args().First()); err != nil {
				return fmt.Errorf("steepctl cancel: %w", err)
			}

			return nil
		},
	}
}
