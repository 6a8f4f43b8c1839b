package ruleengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steepcluster/steep/internal/domain"
)

func singleExecCatalog() domain.ServiceCatalog {
	return domain.ServiceCatalog{
		"svc-a": {
			ID:                   "svc-a",
			Path:                 "/bin/svc-a",
			Runtime:              "other",
			RequiredCapabilities: []string{"docker"},
			Parameters: []domain.ParameterSchema{
				{Name: "in", DataType: "string", Type: domain.ArgumentInput, Required: true},
				{Name: "out", DataType: "file", Type: domain.ArgumentOutput},
			},
		},
	}
}

func TestDecompose_HappyPathSingleChain(t *testing.T) {
	wf := domain.Workflow{
		Actions: []domain.Action{
			domain.ExecuteAction{
				ID:        "a1",
				ServiceID: "svc-a",
				Bindings:  map[string]string{"in": "x"},
				Outputs:   map[string]string{"out": "y"},
			},
		},
	}

	known := map[string]domain.Value{"x": domain.NewScalarValue(1)}

	result, err := New().Decompose("sub-1", wf, known, ExecutionState{}, singleExecCatalog())
	require.NoError(t, err)

	require.Len(t, result.Chains, 1)
	chain := result.Chains[0]
	assert.Equal(t, "sub-1", chain.SubmissionID)
	require.Len(t, chain.Executables, 1)
	assert.Equal(t, domain.ProcessChainRegistered, chain.Status)
	assert.True(t, result.Done)

	outs := chain.Executables[0].ArgumentsOfType(domain.ArgumentOutput)
	require.Len(t, outs, 1)
	assert.Contains(t, outs[0].VariableID, "y#")
}

func TestDecompose_BlockedActionStaysOnFrontier(t *testing.T) {
	wf := domain.Workflow{
		Actions: []domain.Action{
			domain.ExecuteAction{
				ID:        "a1",
				ServiceID: "svc-a",
				Bindings:  map[string]string{"in": "x"},
				Outputs:   map[string]string{"out": "y"},
			},
		},
	}

	result, err := New().Decompose("sub-1", wf, map[string]domain.Value{}, ExecutionState{}, singleExecCatalog())
	require.NoError(t, err)

	assert.Empty(t, result.Chains)
	assert.False(t, result.Done)
	assert.Equal(t, 0, result.State.NextActionIndex)
}

func TestDecompose_Deterministic(t *testing.T) {
	wf := domain.Workflow{
		Actions: []domain.Action{
			domain.ExecuteAction{
				ID:        "a1",
				ServiceID: "svc-a",
				Bindings:  map[string]string{"in": "x"},
				Outputs:   map[string]string{"out": "y"},
			},
		},
	}
	known := map[string]domain.Value{"x": domain.NewScalarValue(1)}

	r1, err := New().Decompose("sub-1", wf, known, ExecutionState{}, singleExecCatalog())
	require.NoError(t, err)

	r2, err := New().Decompose("sub-1", wf, known, ExecutionState{}, singleExecCatalog())
	require.NoError(t, err)

	assert.Equal(t, r1.Chains, r2.Chains)
	assert.Equal(t, r1.Done, r2.Done)
}

func TestDecompose_ForEachExpansion(t *testing.T) {
	catalog := singleExecCatalog()
	wf := domain.Workflow{
		Actions: []domain.Action{
			domain.ForEachAction{
				ID:               "fe1",
				InputCollection:  "coll",
				IterationVar:     "i",
				OutputCollection: "outs",
				Yield:            "o",
				Actions: []domain.Action{
					domain.ExecuteAction{
						ID:        "inner1",
						ServiceID: "svc-a",
						Bindings:  map[string]string{"in": "i"},
						Outputs:   map[string]string{"out": "o"},
					},
				},
			},
		},
	}

	known := map[string]domain.Value{
		"coll": domain.NewListValue([]domain.Value{
			domain.NewScalarValue("a"),
			domain.NewScalarValue("b"),
			domain.NewScalarValue("c"),
		}),
	}

	engine := New()

	result, err := engine.Decompose("sub-1", wf, known, ExecutionState{}, catalog)
	require.NoError(t, err)

	// One chain per iteration: each iteration's input variable is unique,
	// so the dataflow-sharing boundary check forces a flush between them.
	require.Len(t, result.Chains, 3)
	assert.False(t, result.Done, "output collection not yet resolvable: no chain has executed")

	// Simulate the three chains completing: bind each chain's OUTPUT
	// variable to a concrete value and re-decompose.
	for i, chain := range result.Chains {
		outArg := chain.Executables[0].ArgumentsOfType(domain.ArgumentOutput)[0]
		known[outArg.VariableID] = domain.NewScalarValue("out-" + string(rune('a'+i)))
	}

	result2, err := engine.Decompose("sub-1", wf, known, result.State, catalog)
	require.NoError(t, err)

	assert.Empty(t, result2.Chains)
	assert.True(t, result2.Done)
	require.Contains(t, result2.Materialized, "outs")

	outs := result2.Materialized["outs"]
	assert.Equal(t, domain.ValueKindList, outs.Kind)
	require.Len(t, outs.List, 3)
	assert.Equal(t, "out-a", outs.List[0].Scalar)
	assert.Equal(t, "out-b", outs.List[1].Scalar)
	assert.Equal(t, "out-c", outs.List[2].Scalar)
}

func TestValidate_UnknownService(t *testing.T) {
	wf := domain.Workflow{
		Actions: []domain.Action{
			domain.ExecuteAction{ID: "a1", ServiceID: "does-not-exist"},
		},
	}

	err := Validate(wf, domain.ServiceCatalog{}, nil)
	require.Error(t, err)

	var validationErr *domain.WorkflowValidationError

	require.ErrorAs(t, err, &validationErr)
	assert.NotEmpty(t, validationErr.Problems)
}

func TestValidate_MissingRequiredBinding(t *testing.T) {
	wf := domain.Workflow{
		Actions: []domain.Action{
			domain.ExecuteAction{ID: "a1", ServiceID: "svc-a", Outputs: map[string]string{"out": "y"}},
		},
	}

	err := Validate(wf, singleExecCatalog(), nil)
	require.Error(t, err)
}

func TestValidate_SchemaMismatchOnKnownInput(t *testing.T) {
	catalog := domain.ServiceCatalog{
		"svc-a": {
			ID:      "svc-a",
			Path:    "/bin/svc-a",
			Runtime: "other",
			Parameters: []domain.ParameterSchema{
				{
					Name: "in", DataType: "string", Type: domain.ArgumentInput, Required: true,
					Schema: `{"type": "integer", "minimum": 0}`,
				},
			},
		},
	}

	wf := domain.Workflow{
		Actions: []domain.Action{
			domain.ExecuteAction{ID: "a1", ServiceID: "svc-a", Bindings: map[string]string{"in": "x"}},
		},
	}

	known := map[string]domain.Value{"x": domain.NewScalarValue("not-a-number")}

	err := Validate(wf, catalog, known)
	require.Error(t, err)

	var validationErr *domain.WorkflowValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.NotEmpty(t, validationErr.Problems)

	known["x"] = domain.NewScalarValue(5)
	assert.NoError(t, Validate(wf, catalog, known))
}
