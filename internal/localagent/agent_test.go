package localagent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steepcluster/steep/internal/clusterbus"
	"github.com/steepcluster/steep/internal/domain"
)

func fakeRuntime(id string, invoke func(ctx context.Context, inv Invocation, out func(string)) (InvokeResult, error)) Runtime {
	return Runtime{ID: id, Invoke: invoke}
}

func newTestAgent(t *testing.T, runtimes *RuntimeRegistry) *Agent {
	t.Helper()

	bus := clusterbus.NewGoChannelBus()
	t.Cleanup(func() { bus.Close() })

	outDir := t.TempDir()

	agent, err := New(
		Config{ID: "test-agent", OutPath: outDir, OutputLinesToCollect: 10},
		runtimes,
		NewOutputAdapterRegistry(),
		NewProgressEstimatorRegistry(),
		nil,
		bus,
		nil,
	)
	require.NoError(t, err)

	return agent
}

func TestAgent_Execute_HappyPath(t *testing.T) {
	reg := &RuntimeRegistry{runtimes: map[string]Runtime{}}
	reg.Register(fakeRuntime("other", func(ctx context.Context, inv Invocation, out func(string)) (InvokeResult, error) {
		if inv.Path == "mkdir" {
			for _, p := range inv.Argv[1:] {
				_ = os.MkdirAll(p, 0o755)
			}

			return InvokeResult{ExitCode: 0}, nil
		}

		if out != nil {
			out("wrote output")
		}

		// The produced file is written by the test itself, between the
		// two Execute calls below.
		return InvokeResult{ExitCode: 0}, nil
	}))

	agent := newTestAgent(t, reg)

	chain := domain.ProcessChain{
		ID:           "chain-1",
		SubmissionID: "sub-1",
		Executables: []domain.Executable{
			{
				Path:      "svcA",
				Runtime:   "other",
				ServiceID: "svcA",
				Args: []domain.Argument{
					{Label: "x", VariableID: "x", Type: domain.ArgumentInput},
					{Label: "y", VariableID: "y", Type: domain.ArgumentOutput, DataType: "file"},
				},
			},
		},
		Bindings: map[string]domain.Value{"x": domain.NewScalarValue(1)},
	}

	results, err := agent.Execute(context.Background(), chain)
	require.NoError(t, err)

	outputPath := filepath.Join(agent.cfg.OutPath, "sub-1", "y")

	require.NoError(t, os.WriteFile(outputPath, []byte("ok"), 0o644))

	results, err = agent.Execute(context.Background(), chain)
	require.NoError(t, err)
	assert.Contains(t, results["y"], outputPath)
}

func TestAgent_Execute_RetriesThenSucceeds(t *testing.T) {
	attempts := 0

	reg := &RuntimeRegistry{runtimes: map[string]Runtime{}}
	reg.Register(fakeRuntime("other", func(ctx context.Context, inv Invocation, out func(string)) (InvokeResult, error) {
		if inv.Path == "mkdir" {
			return InvokeResult{ExitCode: 0}, nil
		}

		attempts++
		if attempts < 3 {
			return InvokeResult{ExitCode: 1}, nil
		}

		return InvokeResult{ExitCode: 0}, nil
	}))

	agent := newTestAgent(t, reg)

	chain := domain.ProcessChain{
		ID:           "chain-retry",
		SubmissionID: "sub-retry",
		Executables: []domain.Executable{
			{
				Path:      "svcB",
				Runtime:   "other",
				ServiceID: "svcB",
				Retries:   domain.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
			},
		},
	}

	_, err := agent.Execute(context.Background(), chain)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestAgent_Execute_ExhaustedRetriesReturnsExecutionError(t *testing.T) {
	reg := &RuntimeRegistry{runtimes: map[string]Runtime{}}
	reg.Register(fakeRuntime("other", func(ctx context.Context, inv Invocation, out func(string)) (InvokeResult, error) {
		if inv.Path == "mkdir" {
			return InvokeResult{ExitCode: 0}, nil
		}

		return InvokeResult{ExitCode: 132}, nil
	}))

	agent := newTestAgent(t, reg)

	chain := domain.ProcessChain{
		ID:           "chain-fail",
		SubmissionID: "sub-fail",
		Executables: []domain.Executable{
			{Path: "svcC", Runtime: "other", ServiceID: "svcC", Retries: domain.RetryPolicy{MaxAttempts: 1}},
		},
	}

	_, err := agent.Execute(context.Background(), chain)
	require.Error(t, err)

	var execErr *domain.ExecutionError

	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 132, *execErr.ExitCode)
}

func TestAgent_Execute_CancellationDuringRun(t *testing.T) {
	started := make(chan struct{})

	reg := &RuntimeRegistry{runtimes: map[string]Runtime{}}
	reg.Register(fakeRuntime("other", func(ctx context.Context, inv Invocation, out func(string)) (InvokeResult, error) {
		if inv.Path == "mkdir" {
			return InvokeResult{ExitCode: 0}, nil
		}

		close(started)
		<-ctx.Done()

		return InvokeResult{}, ctx.Err()
	}))

	agent := newTestAgent(t, reg)

	chain := domain.ProcessChain{
		ID:           "chain-cancel",
		SubmissionID: "sub-cancel",
		Executables: []domain.Executable{
			{Path: "svcD", Runtime: "other", ServiceID: "svcD"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)

	go func() {
		_, err := agent.Execute(ctx, chain)
		errCh <- err
	}()

	<-started
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, domain.ErrCancelled)
}
