package inmemory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steepcluster/steep/internal/domain"
	"github.com/steepcluster/steep/internal/submissionregistry"
)

func TestStore_AddAndFindSubmission(t *testing.T) {
	s := New()
	ctx := context.Background()

	sub := domain.Submission{ID: "sub-1", Status: domain.SubmissionAccepted}
	require.NoError(t, s.AddSubmission(ctx, sub))

	got, err := s.FindSubmissionByID(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionAccepted, got.Status)

	_, err = s.FindSubmissionByID(ctx, "missing")
	assert.ErrorIs(t, err, submissionregistry.ErrNotFound)
}

func TestStore_FetchNextSubmission_ClaimsAndAdvances(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AddSubmission(ctx, domain.Submission{ID: "sub-1", Status: domain.SubmissionAccepted}))

	claimed, ok, err := s.FetchNextSubmission(ctx, domain.SubmissionAccepted, domain.SubmissionRunning)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sub-1", claimed.ID)

	stored, err := s.FindSubmissionByID(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionRunning, stored.Status)

	_, ok, err = s.FetchNextSubmission(ctx, domain.SubmissionAccepted, domain.SubmissionRunning)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_AddProcessChains_AssignsSequenceAndID(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AddSubmission(ctx, domain.Submission{ID: "sub-1", Status: domain.SubmissionAccepted}))

	chains, err := s.AddProcessChains(ctx, "sub-1", []domain.ProcessChain{
		{Status: domain.ProcessChainRegistered},
		{Status: domain.ProcessChainRegistered},
	})
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.NotEmpty(t, chains[0].ID)
	assert.Less(t, chains[0].Sequence, chains[1].Sequence)

	_, err = s.AddProcessChains(ctx, "missing-sub", []domain.ProcessChain{{}})
	assert.ErrorIs(t, err, submissionregistry.ErrNotFound)
}

func TestStore_FetchNextProcessChain_OrdersBySequence(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AddSubmission(ctx, domain.Submission{ID: "sub-1", Status: domain.SubmissionAccepted}))

	chains, err := s.AddProcessChains(ctx, "sub-1", []domain.ProcessChain{
		{Status: domain.ProcessChainRegistered},
		{Status: domain.ProcessChainRegistered},
	})
	require.NoError(t, err)

	first, ok, err := s.FetchNextProcessChain(ctx, domain.ProcessChainRegistered, domain.ProcessChainRunning, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, chains[0].ID, first.ID)

	second, ok, err := s.FetchNextProcessChain(ctx, domain.ProcessChainRegistered, domain.ProcessChainRunning, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, chains[1].ID, second.ID)

	_, ok, err = s.FetchNextProcessChain(ctx, domain.ProcessChainRegistered, domain.ProcessChainRunning, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_CompareAndSwapProcessChainStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AddSubmission(ctx, domain.Submission{ID: "sub-1", Status: domain.SubmissionAccepted}))

	chains, err := s.AddProcessChains(ctx, "sub-1", []domain.ProcessChain{{Status: domain.ProcessChainRunning}})
	require.NoError(t, err)

	ok, err := s.CompareAndSwapProcessChainStatus(ctx, chains[0].ID, domain.ProcessChainRegistered, domain.ProcessChainRunning)
	require.NoError(t, err)
	assert.False(t, ok, "expected value mismatch so no swap occurs")

	ok, err = s.CompareAndSwapProcessChainStatus(ctx, chains[0].ID, domain.ProcessChainRunning, domain.ProcessChainRegistered)
	require.NoError(t, err)
	assert.True(t, ok)

	found, err := s.FindProcessChainsBySubmissionID(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, domain.ProcessChainRegistered, found[0].Status)
}

func TestStore_SetAllProcessChainStatusBySubmission(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AddSubmission(ctx, domain.Submission{ID: "sub-1", Status: domain.SubmissionAccepted}))

	_, err := s.AddProcessChains(ctx, "sub-1", []domain.ProcessChain{
		{Status: domain.ProcessChainRunning},
		{Status: domain.ProcessChainRunning},
		{Status: domain.ProcessChainSuccess},
	})
	require.NoError(t, err)

	n, err := s.SetAllProcessChainStatusBySubmission(ctx, "sub-1", domain.ProcessChainRunning, domain.ProcessChainCancelled)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cancelled, err := s.FindProcessChainsByStatus(ctx, domain.ProcessChainCancelled)
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)
}

func TestStore_ResultsAndOwnerRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AddSubmission(ctx, domain.Submission{ID: "sub-1", Status: domain.SubmissionAccepted}))

	chains, err := s.AddProcessChains(ctx, "sub-1", []domain.ProcessChain{{Status: domain.ProcessChainRunning}})
	require.NoError(t, err)

	id := chains[0].ID

	require.NoError(t, s.SetProcessChainOwner(ctx, id, "agent-1"))
	require.NoError(t, s.SetProcessChainResults(ctx, id, map[string][]string{"y": {"/out/y"}}))

	results, err := s.GetProcessChainResults(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"/out/y"}, results["y"])

	require.NoError(t, s.SetSubmissionResults(ctx, "sub-1", map[string]any{"y": []string{"/out/y"}}))

	subResults, err := s.GetSubmissionResults(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/out/y"}, subResults["y"])
}
