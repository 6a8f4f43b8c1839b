// Package registrytest is a black-box conformance suite run against
// every submissionregistry.SubmissionRegistry backend.
package registrytest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steepcluster/steep/internal/domain"
	"github.com/steepcluster/steep/internal/submissionregistry"
)

// Factory builds a fresh, empty backend instance for a single test.
type Factory func(t *testing.T) submissionregistry.SubmissionRegistry

// Suite runs every backend-agnostic contract test against new(t).
func Suite(t *testing.T, newBackend Factory) {
	t.Run("SubmissionLifecycle", func(t *testing.T) { testSubmissionLifecycle(t, newBackend(t)) })
	t.Run("FetchNextSubmissionIsExclusive", func(t *testing.T) { testFetchNextSubmissionIsExclusive(t, newBackend(t)) })
	t.Run("ProcessChainOrdering", func(t *testing.T) { testProcessChainOrdering(t, newBackend(t)) })
	t.Run("FetchNextProcessChainFiltersByCapability", func(t *testing.T) { testFetchNextFiltersByCapability(t, newBackend(t)) })
	t.Run("CompareAndSwapRejectsStaleStatus", func(t *testing.T) { testCASRejectsStale(t, newBackend(t)) })
	t.Run("BulkStatusTransition", func(t *testing.T) { testBulkStatusTransition(t, newBackend(t)) })
	t.Run("NotFoundIsWrapped", func(t *testing.T) { testNotFoundIsWrapped(t, newBackend(t)) })
}

func testSubmissionLifecycle(t *testing.T, r submissionregistry.SubmissionRegistry) {
	ctx := context.Background()

	require.NoError(t, r.AddSubmission(ctx, domain.Submission{ID: "s1", Status: domain.SubmissionAccepted}))

	got, err := r.FindSubmissionByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionAccepted, got.Status)

	require.NoError(t, r.SetSubmissionStatus(ctx, "s1", domain.SubmissionRunning))

	byStatus, err := r.FindSubmissionsByStatus(ctx, domain.SubmissionRunning)
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)

	count, err := r.CountSubmissions(ctx, domain.SubmissionRunning)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, r.SetSubmissionResults(ctx, "s1", map[string]any{"out": "value"}))

	results, err := r.GetSubmissionResults(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "value", results["out"])

	require.NoError(t, r.SetExecutionState(ctx, "s1", []byte("snapshot")))

	state, err := r.GetExecutionState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot"), state)
}

func testFetchNextSubmissionIsExclusive(t *testing.T, r submissionregistry.SubmissionRegistry) {
	ctx := context.Background()

	require.NoError(t, r.AddSubmission(ctx, domain.Submission{ID: "s1", Status: domain.SubmissionAccepted}))

	claimed, ok, err := r.FetchNextSubmission(ctx, domain.SubmissionAccepted, domain.SubmissionRunning)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s1", claimed.ID)

	_, ok, err = r.FetchNextSubmission(ctx, domain.SubmissionAccepted, domain.SubmissionRunning)
	require.NoError(t, err)
	assert.False(t, ok, "a second claim against the same currentStatus must find nothing")
}

func testProcessChainOrdering(t *testing.T, r submissionregistry.SubmissionRegistry) {
	ctx := context.Background()

	require.NoError(t, r.AddSubmission(ctx, domain.Submission{ID: "s1", Status: domain.SubmissionAccepted}))

	chains, err := r.AddProcessChains(ctx, "s1", []domain.ProcessChain{
		{Status: domain.ProcessChainRegistered},
		{Status: domain.ProcessChainRegistered},
		{Status: domain.ProcessChainRegistered},
	})
	require.NoError(t, err)
	require.Len(t, chains, 3)

	for _, want := range chains {
		got, ok, err := r.FetchNextProcessChain(ctx, domain.ProcessChainRegistered, domain.ProcessChainRunning, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want.ID, got.ID, "FetchNextProcessChain must return insertion-ordered chains")
	}

	_, ok, err := r.FetchNextProcessChain(ctx, domain.ProcessChainRegistered, domain.ProcessChainRunning, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

// testFetchNextFiltersByCapability reproduces the scheduler's allocate ->
// fetchNext sequence for two disjoint capability groups: a {docker} chain
// registered before a {gpu} chain must not be handed to a caller asking
// only for {gpu}, even though it is globally older.
func testFetchNextFiltersByCapability(t *testing.T, r submissionregistry.SubmissionRegistry) {
	ctx := context.Background()

	require.NoError(t, r.AddSubmission(ctx, domain.Submission{ID: "s1", Status: domain.SubmissionAccepted}))

	chains, err := r.AddProcessChains(ctx, "s1", []domain.ProcessChain{
		{Status: domain.ProcessChainRegistered, RequiredCapabilities: []string{"docker"}},
		{Status: domain.ProcessChainRegistered, RequiredCapabilities: []string{"gpu"}},
	})
	require.NoError(t, err)
	require.Len(t, chains, 2)

	dockerChain, gpuChain := chains[0], chains[1]

	got, ok, err := r.FetchNextProcessChain(ctx, domain.ProcessChainRegistered, domain.ProcessChainRunning, []string{"gpu"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, gpuChain.ID, got.ID, "a {gpu} fetch must not claim the older {docker} chain")

	got, ok, err = r.FetchNextProcessChain(ctx, domain.ProcessChainRegistered, domain.ProcessChainRunning, []string{"docker"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dockerChain.ID, got.ID)

	_, ok, err = r.FetchNextProcessChain(ctx, domain.ProcessChainRegistered, domain.ProcessChainRunning, []string{"gpu"})
	require.NoError(t, err)
	assert.False(t, ok, "both chains are already claimed")
}

func testCASRejectsStale(t *testing.T, r submissionregistry.SubmissionRegistry) {
	ctx := context.Background()

	require.NoError(t, r.AddSubmission(ctx, domain.Submission{ID: "s1", Status: domain.SubmissionAccepted}))

	chains, err := r.AddProcessChains(ctx, "s1", []domain.ProcessChain{{Status: domain.ProcessChainRunning}})
	require.NoError(t, err)

	id := chains[0].ID

	ok, err := r.CompareAndSwapProcessChainStatus(ctx, id, domain.ProcessChainRegistered, domain.ProcessChainCancelled)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.CompareAndSwapProcessChainStatus(ctx, id, domain.ProcessChainRunning, domain.ProcessChainRegistered)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testBulkStatusTransition(t *testing.T, r submissionregistry.SubmissionRegistry) {
	ctx := context.Background()

	require.NoError(t, r.AddSubmission(ctx, domain.Submission{ID: "s1", Status: domain.SubmissionAccepted}))

	_, err := r.AddProcessChains(ctx, "s1", []domain.ProcessChain{
		{Status: domain.ProcessChainRegistered},
		{Status: domain.ProcessChainRegistered},
		{Status: domain.ProcessChainRunning},
	})
	require.NoError(t, err)

	n, err := r.SetAllProcessChainStatusBySubmission(ctx, "s1", domain.ProcessChainRegistered, domain.ProcessChainCancelled)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := r.CountProcessChainsByStatus(ctx, domain.ProcessChainCancelled)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func testNotFoundIsWrapped(t *testing.T, r submissionregistry.SubmissionRegistry) {
	ctx := context.Background()

	_, err := r.FindSubmissionByID(ctx, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, submissionregistry.ErrNotFound)

	err = r.SetProcessChainOwner(ctx, "missing", "agent-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, submissionregistry.ErrNotFound)
}
