// Package agentregistry implements the cluster-wide RemoteAgentRegistry:
// the advisory directory of agents, capability-based candidate selection,
// and lease-backed allocation described in spec §4.3.
package agentregistry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/steepcluster/steep/internal/clusterbus"
)

// Agent is one node's advertised presence record.
type Agent struct {
	Address      string    `json:"address"`
	Capabilities []string  `json:"capabilities"`
	LastSeen     time.Time `json:"lastSeen"`
}

// presenceEvent is the payload published on cluster.node.added/left.
type presenceEvent struct {
	Address      string   `json:"address"`
	Capabilities []string `json:"capabilities"`
}

// Registry is the cluster-wide directory: a live set of agents (kept
// current via cluster.node.added/cluster.node.left bus events) plus the
// lease store backing tryAllocate/release.
type Registry struct {
	bus    clusterbus.Bus
	leases LeaseStore
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]Agent
}

// New builds a Registry listening on bus and allocating leases through
// leases. Call Start to begin tracking presence events.
func New(bus clusterbus.Bus, leases LeaseStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		bus:    bus,
		leases: leases,
		logger: logger.With("module", "agentregistry"),
		agents: make(map[string]Agent),
	}
}

// Start subscribes to presence events and populates the directory. It
// returns once both subscriptions are active; updates happen
// asynchronously until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.bus.Subscribe(ctx, clusterbus.AddressClusterNodeAdded, r.handleNodeAdded); err != nil {
		return err
	}

	return r.bus.Subscribe(ctx, clusterbus.AddressClusterNodeLeft, r.handleNodeLeft)
}

func (r *Registry) handleNodeAdded(ctx context.Context, payload []byte) error {
	var evt presenceEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}

	r.mu.Lock()
	r.agents[evt.Address] = Agent{
		Address:      evt.Address,
		Capabilities: evt.Capabilities,
		LastSeen:     time.Now(),
	}
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "agent joined", "address", evt.Address, "capabilities", evt.Capabilities)

	return nil
}

func (r *Registry) handleNodeLeft(ctx context.Context, payload []byte) error {
	var evt presenceEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.agents, evt.Address)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "agent left", "address", evt.Address)

	return nil
}

// Announce publishes this node's own presence on cluster.node.added;
// LocalAgent binaries call this once at startup and call Withdraw (which
// publishes to cluster.node.left) on graceful shutdown.
func Announce(ctx context.Context, bus clusterbus.Bus, address string, capabilities []string) error {
	return bus.Publish(ctx, clusterbus.AddressClusterNodeAdded, presenceEvent{
		Address:      address,
		Capabilities: capabilities,
	})
}

// Withdraw publishes the counterpart departure event.
func Withdraw(ctx context.Context, bus clusterbus.Bus, address string) error {
	return bus.Publish(ctx, clusterbus.AddressClusterNodeLeft, presenceEvent{Address: address})
}

// snapshot returns a copy of the currently known agents, safe to range
// over without holding the registry lock.
func (r *Registry) snapshot() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}

	return out
}

// IsAdvertised reports whether address is currently present in the
// directory - the Controller's orphan scan uses this to tell a crashed
// node's stale RUNNING claim from a merely slow one.
func (r *Registry) IsAdvertised(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.agents[address]

	return ok
}

// DemandEntry is one (requiredCapabilities, count) pair the Scheduler
// reports to selectCandidates: "I have count pending chains needing
// capabilities."
type DemandEntry struct {
	Capabilities []string
	Count        int
}

// Candidate is one agent eligible to serve the winning demand entry.
type Candidate struct {
	Capabilities []string
	Address      string
}

// SelectCandidates implements spec §4.3's selection policy: filter busy
// agents, pick the single requiredCapabilities entry with the largest
// product of matching-agent-count x pending-count (ties by higher count,
// then lexicographic capability key), and return its matching agents.
func (r *Registry) SelectCandidates(ctx context.Context, demand []DemandEntry) ([]Candidate, error) {
	agents := r.snapshot()

	free := make([]Agent, 0, len(agents))

	for _, a := range agents {
		leased, err := r.leases.IsLeased(ctx, a.Address)
		if err != nil {
			return nil, err
		}

		if !leased {
			free = append(free, a)
		}
	}

	winner, matching, ok := pickWinningEntry(demand, free)
	if !ok {
		return nil, ErrNoCandidate
	}

	out := make([]Candidate, 0, len(matching))
	for _, a := range matching {
		out = append(out, Candidate{Capabilities: winner.Capabilities, Address: a.Address})
	}

	return out, nil
}

// TryAllocate requests an exclusive lease on address via the agent's
// request/reply channel, then asks the lease store to record it.
// Duplicate allocation is prevented at the agent side (spec §4.3); the
// lease store here exists so the registry itself can filter busy agents
// without round-tripping every agent on every selectCandidates call.
func (r *Registry) TryAllocate(ctx context.Context, requester *clusterbus.Requester, address string, busyTimeout time.Duration) (bool, error) {
	reply, err := requester.Request(ctx, address, clusterbus.ActionAllocate, nil)
	if err != nil {
		return false, err
	}

	if !reply.OK {
		return false, nil
	}

	if err := r.leases.Acquire(ctx, address, busyTimeout); err != nil {
		return false, err
	}

	return true, nil
}

// Release returns address to the pool, to be called on normal chain
// completion (immediately, spec §4.3's "Deallocation: explicit on normal
// completion") with an idleTimeout grace lease, or with zero duration to
// clear it outright.
func (r *Registry) Release(ctx context.Context, address string, idleTimeout time.Duration) error {
	if idleTimeout <= 0 {
		return r.leases.Clear(ctx, address)
	}

	return r.leases.Acquire(ctx, address, idleTimeout)
}
