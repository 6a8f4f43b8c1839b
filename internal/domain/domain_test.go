package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessChain_SerializationRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	original := ProcessChain{
		ID:                   "chain-1",
		SubmissionID:         "sub-1",
		Sequence:             7,
		RequiredCapabilities: []string{"gpu", "docker"},
		Status:               ProcessChainRunning,
		Owner:                "agent-a",
		StartTime:            &now,
		Executables: []Executable{
			{
				Path:      "/bin/convert",
				Runtime:   "docker",
				ServiceID: "svc-a",
				Args: []Argument{
					{VariableID: "x", Type: ArgumentInput, DataType: "string"},
					{VariableID: "y", Type: ArgumentOutput, DataType: "file"},
				},
			},
		},
	}

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	var roundTripped ProcessChain

	err = json.Unmarshal(raw, &roundTripped)
	require.NoError(t, err)

	assert.Equal(t, original, roundTripped)
}

func TestSubmission_SerializationRoundTrip(t *testing.T) {
	original := Submission{
		ID:     "sub-1",
		Status: SubmissionRunning,
		Workflow: Workflow{
			Actions: nil,
		},
		Results: map[string]any{"y": []any{"/tmp/out/y"}},
	}

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	var roundTripped Submission

	err = json.Unmarshal(raw, &roundTripped)
	require.NoError(t, err)

	assert.Equal(t, original.ID, roundTripped.ID)
	assert.Equal(t, original.Status, roundTripped.Status)
	assert.Equal(t, original.Results, roundTripped.Results)
}

func TestCapabilityKey_OrderIndependent(t *testing.T) {
	a := CapabilityKey([]string{"docker", "gpu"})
	b := CapabilityKey([]string{"gpu", "docker"})
	assert.Equal(t, a, b)
}

func TestProcessChainStatus_Terminal(t *testing.T) {
	assert.True(t, ProcessChainSuccess.Terminal())
	assert.True(t, ProcessChainError.Terminal())
	assert.True(t, ProcessChainCancelled.Terminal())
	assert.False(t, ProcessChainRegistered.Terminal())
	assert.False(t, ProcessChainRunning.Terminal())
}

func TestRetryPolicy_ExponentialBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, Delay: time.Second, ExponentialBackoff: true}

	assert.Equal(t, time.Second, p.DelayForAttempt(1))
	assert.Equal(t, 2*time.Second, p.DelayForAttempt(2))
	assert.Equal(t, 4*time.Second, p.DelayForAttempt(3))
}

func TestExecutionError_MessageShape(t *testing.T) {
	err := NewExecutionError("Could not generate file", "This is the last output", 132)
	assert.Equal(t, "Could not generate file\n\nExit code: 132\n\nThis is the last output", err.Error())
}
