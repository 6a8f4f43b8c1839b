// Package ruleengine turns a workflow and its known outputs into the next
// batch of registered process chains, deterministically and resumably.
package ruleengine

import "encoding/json"

// PendingCollection tracks a for-each's output collection variable until
// every per-iteration yield variable it depends on becomes known.
type PendingCollection struct {
	OutputCollection string   `json:"output_collection"`
	Sources          []string `json:"sources"`
}

// ExecutionState is the opaque (to the Controller) snapshot of
// decomposition progress that lets Decompose resume deterministically
// after a restart.
type ExecutionState struct {
	NextActionIndex    int                 `json:"next_action_index"`
	NextVarSeq         int                 `json:"next_var_seq"`
	PendingCollections []PendingCollection `json:"pending_collections,omitempty"`
	NextSequence       int64               `json:"next_sequence"`
}

// Marshal serializes the state for storage in Submission.ExecutionState.
func (s ExecutionState) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalExecutionState deserializes a previously marshaled state. An
// empty/nil blob yields the zero-value initial state.
func UnmarshalExecutionState(blob []byte) (ExecutionState, error) {
	var s ExecutionState

	if len(blob) == 0 {
		return s, nil
	}

	err := json.Unmarshal(blob, &s)

	return s, err
}
