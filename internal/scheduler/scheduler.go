// Package scheduler implements spec §4.5: pulling REGISTERED process
// chains, asking the RemoteAgentRegistry for a candidate, allocating it,
// and dispatching the chain for execution.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/steepcluster/steep/internal/agentregistry"
	"github.com/steepcluster/steep/internal/clusterbus"
	"github.com/steepcluster/steep/internal/domain"
	"github.com/steepcluster/steep/internal/submissionregistry"
	"github.com/steepcluster/steep/pkg/otelhelper"
)

// tracer traces the allocate -> fetchNext -> dispatch path; it is a
// no-op until a provider is registered (pkg/otelhelper.NewTracer or a
// binary's own otel setup), same as every other component's tracer.
var tracer = otel.Tracer("steep.scheduler")

// Config governs the scheduler's tick cadence and dispatch timeouts.
type Config struct {
	LookupInterval  time.Duration
	BusyTimeout     time.Duration
	IdleTimeout     time.Duration
	DispatchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.LookupInterval <= 0 {
		c.LookupInterval = 20 * time.Second
	}

	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 30 * time.Second
	}

	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}

	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 10 * time.Minute
	}

	return c
}

// Scheduler is the tick-driven loop of spec §4.5.
type Scheduler struct {
	cfg       Config
	registry  *agentregistry.Registry
	store     submissionregistry.SubmissionRegistry
	bus       clusterbus.Bus
	requester *clusterbus.Requester
	logger    *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool // agent address -> has an active dispatch
	cron     *cron.Cron
}

// New builds a Scheduler. cfg zero-values fall back to spec defaults.
func New(
	cfg Config,
	registry *agentregistry.Registry,
	store submissionregistry.SubmissionRegistry,
	bus clusterbus.Bus,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	cfg = cfg.withDefaults()

	return &Scheduler{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		bus:       bus,
		requester: clusterbus.NewRequester(bus, cfg.DispatchTimeout),
		logger:    logger.With("module", "scheduler"),
		inFlight:  make(map[string]bool),
	}
}

// Start runs the cron tick plus an immediate-tick subscription on new
// chain registrations, until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.LookupInterval), func() {
		s.tick(ctx)
	}); err != nil {
		return fmt.Errorf("scheduler: schedule tick: %w", err)
	}

	s.cron.Start()

	err := s.bus.Subscribe(ctx, clusterbus.AddressProcessChainRegistered, func(ctx context.Context, _ []byte) error {
		go s.tick(ctx)

		return nil
	})
	if err != nil {
		s.cron.Stop()

		return fmt.Errorf("scheduler: subscribe chain registrations: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()

	return nil
}

// tick implements spec §4.5 points 1-4.
func (s *Scheduler) tick(ctx context.Context) {
	groups, err := s.groupByCapability(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to group registered chains", "error", err)

		return
	}

	if len(groups) == 0 {
		return
	}

	demand := make([]agentregistry.DemandEntry, 0, len(groups))
	for _, g := range groups {
		demand = append(demand, agentregistry.DemandEntry{Capabilities: g.capabilities, Count: g.count})
	}

	candidates, err := s.registry.SelectCandidates(ctx, demand)
	if err != nil {
		if err != agentregistry.ErrNoCandidate {
			s.logger.ErrorContext(ctx, "selectCandidates failed", "error", err)
		}

		return
	}

	for _, c := range candidates {
		if s.markInFlight(c.Address) {
			go s.dispatchOne(ctx, c)
		}
	}
}

type capabilityGroup struct {
	capabilities []string
	count        int
}

func (s *Scheduler) groupByCapability(ctx context.Context) (map[string]capabilityGroup, error) {
	chains, err := s.store.FindProcessChainsByStatus(ctx, domain.ProcessChainRegistered)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]capabilityGroup)

	for _, c := range chains {
		key := domain.CapabilityKey(c.RequiredCapabilities)

		g := groups[key]
		g.capabilities = c.RequiredCapabilities
		g.count++
		groups[key] = g
	}

	return groups, nil
}

func (s *Scheduler) markInFlight(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight[address] {
		return false
	}

	s.inFlight[address] = true

	return true
}

func (s *Scheduler) clearInFlight(address string) {
	s.mu.Lock()
	delete(s.inFlight, address)
	s.mu.Unlock()
}

// dispatchOne implements spec §4.5 point 3: allocate, then (only on
// allocation success) fetchNext, then dispatch via the agent's execute
// remote call, writing back the outcome.
func (s *Scheduler) dispatchOne(ctx context.Context, candidate agentregistry.Candidate) {
	defer s.clearInFlight(candidate.Address)

	ctx, span := otelhelper.StartSpan(ctx, tracer, "steep.chain.dispatch",
		attribute.String(otelhelper.AgentAddressKey, candidate.Address))
	defer span.End()

	ok, err := s.registry.TryAllocate(ctx, s.requester, candidate.Address, s.cfg.BusyTimeout)
	if err != nil {
		s.logger.ErrorContext(ctx, "tryAllocate failed", "address", candidate.Address, "error", err)

		return
	}

	if !ok {
		return
	}

	chain, found, err := s.store.FetchNextProcessChain(ctx, domain.ProcessChainRegistered, domain.ProcessChainRunning, candidate.Capabilities)
	if err != nil {
		s.logger.ErrorContext(ctx, "fetchNextProcessChain failed", "error", err)
		_ = s.registry.Release(ctx, candidate.Address, 0)

		return
	}

	if !found {
		// Nothing to dispatch after all; give the agent back immediately.
		_ = s.registry.Release(ctx, candidate.Address, 0)

		return
	}

	now := time.Now()

	if err := s.store.SetProcessChainOwner(ctx, chain.ID, candidate.Address); err != nil {
		s.logger.ErrorContext(ctx, "setProcessChainOwner failed", "chain", chain.ID, "error", err)
	}

	if err := s.store.SetProcessChainStartTime(ctx, chain.ID, now); err != nil {
		s.logger.ErrorContext(ctx, "setProcessChainStartTime failed", "chain", chain.ID, "error", err)
	}

	s.execute(ctx, candidate.Address, chain)
}

func (s *Scheduler) execute(ctx context.Context, address string, chain domain.ProcessChain) {
	defer func() { _ = s.registry.Release(ctx, address, s.cfg.IdleTimeout) }()

	reply, err := s.requester.Request(ctx, address, clusterbus.ActionExecute, chain)

	endTime := time.Now()

	if err != nil {
		s.finish(ctx, chain.ID, domain.ProcessChainError, endTime, nil, fmt.Sprintf("dispatch failed: %v", err))

		return
	}

	if !reply.OK {
		s.finish(ctx, chain.ID, domain.ProcessChainError, endTime, nil, reply.Error)

		return
	}

	var results map[string][]string
	if len(reply.Payload) > 0 {
		if err := json.Unmarshal(reply.Payload, &results); err != nil {
			s.finish(ctx, chain.ID, domain.ProcessChainError, endTime, nil, fmt.Sprintf("malformed execute reply: %v", err))

			return
		}
	}

	s.finish(ctx, chain.ID, domain.ProcessChainSuccess, endTime, results, "")
}

func (s *Scheduler) finish(
	ctx context.Context,
	chainID string,
	status domain.ProcessChainStatus,
	endTime time.Time,
	results map[string][]string,
	errMessage string,
) {
	if _, err := s.store.CompareAndSwapProcessChainStatus(ctx, chainID, domain.ProcessChainRunning, status); err != nil {
		s.logger.ErrorContext(ctx, "compareAndSwapProcessChainStatus failed", "chain", chainID, "error", err)
	}

	if err := s.store.SetProcessChainEndTime(ctx, chainID, endTime); err != nil {
		s.logger.ErrorContext(ctx, "setProcessChainEndTime failed", "chain", chainID, "error", err)
	}

	if results != nil {
		if err := s.store.SetProcessChainResults(ctx, chainID, results); err != nil {
			s.logger.ErrorContext(ctx, "setProcessChainResults failed", "chain", chainID, "error", err)
		}
	}

	if errMessage != "" {
		if err := s.store.SetProcessChainErrorMessage(ctx, chainID, errMessage); err != nil {
			s.logger.ErrorContext(ctx, "setProcessChainErrorMessage failed", "chain", chainID, "error", err)
		}
	}
}
