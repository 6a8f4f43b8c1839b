package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steepcluster/steep/internal/agentregistry"
	"github.com/steepcluster/steep/internal/clusterbus"
	"github.com/steepcluster/steep/internal/domain"
	"github.com/steepcluster/steep/internal/submissionregistry/inmemory"
)

// fakeAgent replies to allocate/execute requests for one address.
type fakeAgent struct {
	replier *clusterbus.Replier
	result  map[string][]string
	failure string
}

func serveFakeAgent(t *testing.T, bus clusterbus.Bus, address string, a *fakeAgent) {
	t.Helper()

	replier := clusterbus.NewReplier(bus, address)
	a.replier = replier

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	err := replier.Serve(ctx, func(_ context.Context, action string, _ json.RawMessage) clusterbus.AgentReply {
		switch action {
		case clusterbus.ActionAllocate:
			return clusterbus.AgentReply{OK: true}
		case clusterbus.ActionExecute:
			if a.failure != "" {
				return clusterbus.AgentReply{OK: false, Error: a.failure}
			}

			payload, _ := json.Marshal(a.result)

			return clusterbus.AgentReply{OK: true, Payload: payload}
		default:
			return clusterbus.AgentReply{OK: false, Error: "unknown action"}
		}
	})
	require.NoError(t, err)
}

func newTestRegistry(t *testing.T, bus clusterbus.Bus, addresses ...string) *agentregistry.Registry {
	t.Helper()

	reg := agentregistry.New(bus, agentregistry.NewInMemoryLeaseStore(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, reg.Start(ctx))

	for _, addr := range addresses {
		require.NoError(t, agentregistry.Announce(ctx, bus, addr, []string{"gpu"}))
	}

	waitFor(t, func() bool {
		for _, addr := range addresses {
			if !reg.IsAdvertised(addr) {
				return false
			}
		}

		return true
	})

	return reg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduler_DispatchesRegisteredChainToSuccess(t *testing.T) {
	bus := clusterbus.NewGoChannelBus()
	t.Cleanup(func() { _ = bus.Close() })

	agent := &fakeAgent{result: map[string][]string{"out": {"/tmp/out.txt"}}}
	serveFakeAgent(t, bus, "agent.worker-1", agent)

	reg := newTestRegistry(t, bus, "agent.worker-1")

	store := inmemory.New()

	ctx := context.Background()
	require.NoError(t, store.AddSubmission(ctx, domain.Submission{ID: "sub-1", Status: domain.SubmissionRunning}))
	_, err := store.AddProcessChains(ctx, "sub-1", []domain.ProcessChain{
		{SubmissionID: "sub-1", RequiredCapabilities: []string{"gpu"}, Status: domain.ProcessChainRegistered},
	})
	require.NoError(t, err)

	s := New(Config{DispatchTimeout: 2 * time.Second}, reg, store, bus, nil)

	waitFor(t, func() bool {
		chains, err := store.FindProcessChainsByStatus(ctx, domain.ProcessChainRegistered)

		return err == nil && len(chains) == 1
	})

	s.tick(ctx)

	waitFor(t, func() bool {
		chains, err := store.FindProcessChainsByStatus(ctx, domain.ProcessChainSuccess)

		return err == nil && len(chains) == 1
	})

	chains, err := store.FindProcessChainsByStatus(ctx, domain.ProcessChainSuccess)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Equal(t, "agent.worker-1", chains[0].Owner)
	assert.Equal(t, []string{"/tmp/out.txt"}, chains[0].Results["out"])
}

func TestScheduler_AgentFailureMarksChainError(t *testing.T) {
	bus := clusterbus.NewGoChannelBus()
	t.Cleanup(func() { _ = bus.Close() })

	agent := &fakeAgent{failure: "executable exited non-zero"}
	serveFakeAgent(t, bus, "agent.worker-2", agent)

	reg := newTestRegistry(t, bus, "agent.worker-2")

	store := inmemory.New()

	ctx := context.Background()
	require.NoError(t, store.AddSubmission(ctx, domain.Submission{ID: "sub-1", Status: domain.SubmissionRunning}))
	_, err := store.AddProcessChains(ctx, "sub-1", []domain.ProcessChain{
		{SubmissionID: "sub-1", RequiredCapabilities: []string{"gpu"}, Status: domain.ProcessChainRegistered},
	})
	require.NoError(t, err)

	s := New(Config{DispatchTimeout: 2 * time.Second}, reg, store, bus, nil)

	s.tick(ctx)

	waitFor(t, func() bool {
		chains, err := store.FindProcessChainsByStatus(ctx, domain.ProcessChainError)

		return err == nil && len(chains) == 1
	})

	chains, err := store.FindProcessChainsByStatus(ctx, domain.ProcessChainError)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Equal(t, "executable exited non-zero", chains[0].ErrorMessage)
}

func TestScheduler_FetchNextRespectsWinningCapabilityGroup(t *testing.T) {
	bus := clusterbus.NewGoChannelBus()
	t.Cleanup(func() { _ = bus.Close() })

	agent := &fakeAgent{result: map[string][]string{"out": {"/tmp/gpu-out.txt"}}}
	serveFakeAgent(t, bus, "agent.gpu-1", agent)

	reg := agentregistry.New(bus, agentregistry.NewInMemoryLeaseStore(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, reg.Start(ctx))
	require.NoError(t, agentregistry.Announce(ctx, bus, "agent.gpu-1", []string{"gpu"}))
	waitFor(t, func() bool { return reg.IsAdvertised("agent.gpu-1") })

	store := inmemory.New()
	require.NoError(t, store.AddSubmission(ctx, domain.Submission{ID: "sub-1", Status: domain.SubmissionRunning}))

	// The {docker} chain is registered first, so a naive oldest-first
	// fetch would hand it to the only agent in the cluster even though
	// that agent was allocated for the {gpu} demand group.
	_, err := store.AddProcessChains(ctx, "sub-1", []domain.ProcessChain{
		{SubmissionID: "sub-1", RequiredCapabilities: []string{"docker"}, Status: domain.ProcessChainRegistered},
		{SubmissionID: "sub-1", RequiredCapabilities: []string{"gpu"}, Status: domain.ProcessChainRegistered},
	})
	require.NoError(t, err)

	s := New(Config{DispatchTimeout: 2 * time.Second}, reg, store, bus, nil)

	s.tick(ctx)

	waitFor(t, func() bool {
		chains, err := store.FindProcessChainsByStatus(ctx, domain.ProcessChainSuccess)

		return err == nil && len(chains) == 1
	})

	dispatched, err := store.FindProcessChainsByStatus(ctx, domain.ProcessChainSuccess)
	require.NoError(t, err)
	require.Len(t, dispatched, 1)
	assert.Equal(t, []string{"gpu"}, dispatched[0].RequiredCapabilities,
		"the gpu agent must be dispatched the gpu chain, not the older docker chain")

	stillRegistered, err := store.FindProcessChainsByStatus(ctx, domain.ProcessChainRegistered)
	require.NoError(t, err)
	require.Len(t, stillRegistered, 1)
	assert.Equal(t, []string{"docker"}, stillRegistered[0].RequiredCapabilities)
}

func TestScheduler_NoCandidateLeavesChainRegistered(t *testing.T) {
	bus := clusterbus.NewGoChannelBus()
	t.Cleanup(func() { _ = bus.Close() })

	reg := newTestRegistry(t, bus) // no agents announced

	store := inmemory.New()

	ctx := context.Background()
	require.NoError(t, store.AddSubmission(ctx, domain.Submission{ID: "sub-1", Status: domain.SubmissionRunning}))
	_, err := store.AddProcessChains(ctx, "sub-1", []domain.ProcessChain{
		{SubmissionID: "sub-1", RequiredCapabilities: []string{"gpu"}, Status: domain.ProcessChainRegistered},
	})
	require.NoError(t, err)

	s := New(Config{}, reg, store, bus, nil)
	s.tick(ctx)

	chains, err := store.FindProcessChainsByStatus(ctx, domain.ProcessChainRegistered)
	require.NoError(t, err)
	assert.Len(t, chains, 1)
}
