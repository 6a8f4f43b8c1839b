// Package controller drives submission lifecycle (spec §4.6): claiming
// ACCEPTED submissions, iteratively decomposing their workflow into
// process chains as outputs become known, finalizing terminal status,
// handling cancellation, and recovering orphaned RUNNING chains.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/steepcluster/steep/internal/agentregistry"
	"github.com/steepcluster/steep/internal/clusterbus"
	"github.com/steepcluster/steep/internal/domain"
	"github.com/steepcluster/steep/internal/ruleengine"
	"github.com/steepcluster/steep/internal/submissionregistry"
)

// Config governs the controller's tick cadences.
type Config struct {
	LookupInterval        time.Duration
	LookupOrphansInterval time.Duration
	PollInterval          time.Duration
}

func (c Config) withDefaults() Config {
	if c.LookupInterval <= 0 {
		c.LookupInterval = 2 * time.Second
	}

	if c.LookupOrphansInterval <= 0 {
		c.LookupOrphansInterval = 5 * time.Minute
	}

	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}

	return c
}

// Controller is the tick-driven loop of spec §4.6.
type Controller struct {
	cfg       Config
	store     submissionregistry.SubmissionRegistry
	agents    *agentregistry.Registry
	requester *clusterbus.Requester
	engine    *ruleengine.Engine
	catalog   domain.ServiceCatalog
	logger    *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	drivers map[string]context.CancelFunc // submission id -> cancel its driver goroutine
}

// New builds a Controller. cfg zero-values fall back to spec defaults.
func New(
	cfg Config,
	store submissionregistry.SubmissionRegistry,
	agents *agentregistry.Registry,
	requester *clusterbus.Requester,
	catalog domain.ServiceCatalog,
	logger *slog.Logger,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		cfg:       cfg.withDefaults(),
		store:     store,
		agents:    agents,
		requester: requester,
		engine:    ruleengine.New(),
		catalog:   catalog,
		logger:    logger.With("module", "controller"),
		drivers:   make(map[string]context.CancelFunc),
	}
}

// Start runs the claim loop and the orphan scan loop until ctx is
// cancelled, and resumes any submission already RUNNING (e.g. after a
// restart) that has no driver tracking it.
func (c *Controller) Start(ctx context.Context) error {
	c.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := c.cron.AddFunc(fmt.Sprintf("@every %s", c.cfg.LookupInterval), func() {
		c.claimTick(ctx)
	}); err != nil {
		return fmt.Errorf("controller: schedule claim tick: %w", err)
	}

	if _, err := c.cron.AddFunc(fmt.Sprintf("@every %s", c.cfg.LookupOrphansInterval), func() {
		c.orphanScan(ctx)
	}); err != nil {
		return fmt.Errorf("controller: schedule orphan scan: %w", err)
	}

	c.resumeRunning(ctx)

	c.cron.Start()

	go func() {
		<-ctx.Done()
		c.cron.Stop()
	}()

	return nil
}

// claimTick implements spec §4.6's "fetchNext(ACCEPTED, RUNNING) picks
// one... hands it to the rule engine". One submission per tick; the next
// tick picks up the next if more are queued.
func (c *Controller) claimTick(ctx context.Context) {
	submission, ok, err := c.store.FetchNextSubmission(ctx, domain.SubmissionAccepted, domain.SubmissionRunning)
	if err != nil {
		c.logger.ErrorContext(ctx, "fetchNextSubmission failed", "error", err)

		return
	}

	if !ok {
		return
	}

	now := time.Now()
	if err := c.store.SetSubmissionStartTime(ctx, submission.ID, now); err != nil {
		c.logger.ErrorContext(ctx, "setSubmissionStartTime failed", "submission", submission.ID, "error", err)
	}

	c.startDriver(ctx, submission, mergeValues(nil, submission.Inputs))
}

// resumeRunning re-attaches a driver to every submission already RUNNING
// with no driver tracking it, rebuilding its known-outputs map from the
// chains already on record.
func (c *Controller) resumeRunning(ctx context.Context) {
	submissions, err := c.store.FindSubmissionsByStatus(ctx, domain.SubmissionRunning)
	if err != nil {
		c.logger.ErrorContext(ctx, "findSubmissionsByStatus(RUNNING) failed", "error", err)

		return
	}

	for _, s := range submissions {
		if c.hasDriver(s.ID) {
			continue
		}

		chains, err := c.store.FindProcessChainsBySubmissionID(ctx, s.ID)
		if err != nil {
			c.logger.ErrorContext(ctx, "findProcessChainsBySubmissionID failed", "submission", s.ID, "error", err)

			continue
		}

		known := mergeValues(nil, s.Inputs)

		for _, chain := range chains {
			if chain.Status == domain.ProcessChainSuccess {
				mergeValues(known, resultsToValues(chain.Results))
			}
		}

		c.startDriver(ctx, s, known)
	}
}

func (c *Controller) hasDriver(submissionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.drivers[submissionID]

	return ok
}

func (c *Controller) startDriver(parent context.Context, submission domain.Submission, known map[string]domain.Value) {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	c.drivers[submission.ID] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.drivers, submission.ID)
			c.mu.Unlock()
			cancel()
		}()

		d := &driver{controller: c, submission: submission, known: known}
		d.run(ctx)
	}()
}

// CancelSubmission implements spec §5's cancellation protocol: mark the
// submission CANCELLED, bulk-cancel its still-REGISTERED chains, and ask
// each RUNNING chain's owning agent to interrupt.
func (c *Controller) CancelSubmission(ctx context.Context, submissionID string) error {
	if err := c.store.SetSubmissionStatus(ctx, submissionID, domain.SubmissionCancelled); err != nil {
		return fmt.Errorf("controller: cancel submission: %w", err)
	}

	if _, err := c.store.SetAllProcessChainStatusBySubmission(
		ctx, submissionID, domain.ProcessChainRegistered, domain.ProcessChainCancelled,
	); err != nil {
		return fmt.Errorf("controller: bulk-cancel registered chains: %w", err)
	}

	chains, err := c.store.FindProcessChainsBySubmissionID(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("controller: list chains for cancellation: %w", err)
	}

	for _, chain := range chains {
		if chain.Status != domain.ProcessChainRunning || chain.Owner == "" {
			continue
		}

		if _, err := c.requester.Request(ctx, chain.Owner, clusterbus.ActionCancel, chain); err != nil {
			c.logger.ErrorContext(ctx, "cancel request failed", "chain", chain.ID, "owner", chain.Owner, "error", err)
		}
	}

	c.mu.Lock()
	if cancel, ok := c.drivers[submissionID]; ok {
		cancel()
	}
	c.mu.Unlock()

	return nil
}

// orphanScan implements spec §4.6's sole crash-recovery mechanism: any
// chain RUNNING under an address no longer advertised in the cluster is
// reset to REGISTERED via CAS, so the Scheduler can redispatch it.
func (c *Controller) orphanScan(ctx context.Context) {
	chains, err := c.store.FindProcessChainsByStatus(ctx, domain.ProcessChainRunning)
	if err != nil {
		c.logger.ErrorContext(ctx, "findProcessChainsByStatus(RUNNING) failed", "error", err)

		return
	}

	for _, chain := range chains {
		if chain.Owner != "" && c.agents.IsAdvertised(chain.Owner) {
			continue
		}

		swapped, err := c.store.CompareAndSwapProcessChainStatus(ctx, chain.ID, domain.ProcessChainRunning, domain.ProcessChainRegistered)
		if err != nil {
			c.logger.ErrorContext(ctx, "orphan reclaim failed", "chain", chain.ID, "error", err)

			continue
		}

		if swapped {
			c.logger.WarnContext(ctx, "reclaimed orphaned chain", "chain", chain.ID, "owner", chain.Owner)
		}
	}
}
