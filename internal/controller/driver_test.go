package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steepcluster/steep/internal/domain"
	"github.com/steepcluster/steep/internal/submissionregistry/inmemory"
)

func catalogWithOneService() domain.ServiceCatalog {
	return domain.ServiceCatalog{
		"svc-a": {
			ID:      "svc-a",
			Path:    "/bin/svc-a",
			Runtime: "other",
			Parameters: []domain.ParameterSchema{
				{Name: "in", DataType: "string", Type: domain.ArgumentInput, Required: true},
				{Name: "out", DataType: "file", Type: domain.ArgumentOutput},
			},
		},
	}
}

func singleActionWorkflow() domain.Workflow {
	return domain.Workflow{
		Actions: []domain.Action{
			domain.ExecuteAction{
				ID:        "a1",
				ServiceID: "svc-a",
				Bindings:  map[string]string{"in": "x"},
				Outputs:   map[string]string{"out": "y"},
			},
		},
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("condition never became true")
}

func TestDriver_RegistersChainAndFinalizesOnSuccess(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()

	sub := domain.Submission{ID: "sub-1", Status: domain.SubmissionRunning, Workflow: singleActionWorkflow()}
	require.NoError(t, store.AddSubmission(ctx, sub))

	ctl := New(Config{PollInterval: 10 * time.Millisecond}, store, nil, nil, catalogWithOneService(), nil)

	d := &driver{
		controller: ctl,
		submission: sub,
		known:      map[string]domain.Value{"x": domain.NewScalarValue(1)},
	}

	done := make(chan struct{})

	go func() {
		d.run(ctx)
		close(done)
	}()

	var chainID string

	waitForCondition(t, func() bool {
		chains, err := store.FindProcessChainsBySubmissionID(ctx, "sub-1")
		if err != nil || len(chains) != 1 {
			return false
		}

		chainID = chains[0].ID

		return true
	})

	require.NoError(t, store.SetProcessChainResults(ctx, chainID, map[string][]string{"y": {"/tmp/out.txt"}}))
	require.NoError(t, store.SetProcessChainStatus(ctx, chainID, domain.ProcessChainSuccess))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not finalize the submission in time")
	}

	finished, err := store.FindSubmissionByID(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionSuccess, finished.Status)
	require.NotNil(t, finished.EndTime)
}

func TestDriver_ErrorChainYieldsErrorStatus(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()

	sub := domain.Submission{ID: "sub-2", Status: domain.SubmissionRunning, Workflow: singleActionWorkflow()}
	require.NoError(t, store.AddSubmission(ctx, sub))

	ctl := New(Config{PollInterval: 10 * time.Millisecond}, store, nil, nil, catalogWithOneService(), nil)

	d := &driver{
		controller: ctl,
		submission: sub,
		known:      map[string]domain.Value{"x": domain.NewScalarValue(1)},
	}

	done := make(chan struct{})

	go func() {
		d.run(ctx)
		close(done)
	}()

	var chainID string

	waitForCondition(t, func() bool {
		chains, err := store.FindProcessChainsBySubmissionID(ctx, "sub-2")
		if err != nil || len(chains) != 1 {
			return false
		}

		chainID = chains[0].ID

		return true
	})

	require.NoError(t, store.SetProcessChainErrorMessage(ctx, chainID, "executable exited non-zero"))
	require.NoError(t, store.SetProcessChainStatus(ctx, chainID, domain.ProcessChainError))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not finalize the submission in time")
	}

	finished, err := store.FindSubmissionByID(ctx, "sub-2")
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionError, finished.Status)
}
