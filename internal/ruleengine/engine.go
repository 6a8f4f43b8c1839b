package ruleengine

import (
	"fmt"

	"github.com/steepcluster/steep/internal/domain"
)

// Engine decomposes a workflow into process chains given a running map of
// known variable values. It holds no per-submission state of its own -
// all progress lives in the ExecutionState it threads through.
type Engine struct{}

// New constructs a stateless Engine.
func New() *Engine {
	return &Engine{}
}

// Result is what one Decompose call produces: zero or more new chains
// ready for registration, the updated resume state, any variables the
// engine was able to materialize this pass (for-each output collections
// whose components just became known), and whether decomposition for
// this workflow can ever produce more chains.
type Result struct {
	Chains       []domain.ProcessChain
	State        ExecutionState
	Materialized map[string]domain.Value
	Done         bool
}

// scope renames variable ids local to a for-each iteration (the
// iteration variable itself, plus any output variables synthesized
// inside it) so that concurrent iterations never collide on a physical
// variable id.
type scope map[string]string

func (s scope) resolve(id string) string {
	if renamed, ok := s[id]; ok {
		return renamed
	}

	return id
}

// builder accumulates executables into the chain currently under
// construction, flushing to chainsOut whenever a boundary is crossed.
type builder struct {
	chainsOut    []domain.ProcessChain
	submissionID string
	sequence     int64

	currentExecs    []domain.Executable
	currentCaps     []string
	currentBindings map[string]domain.Value
}

func (b *builder) flush() {
	if len(b.currentExecs) == 0 {
		return
	}

	b.chainsOut = append(b.chainsOut, domain.ProcessChain{
		SubmissionID:         b.submissionID,
		Sequence:             b.sequence,
		Executables:          append([]domain.Executable(nil), b.currentExecs...),
		RequiredCapabilities: append([]string(nil), b.currentCaps...),
		Status:               domain.ProcessChainRegistered,
		Bindings:             b.currentBindings,
	})
	b.sequence++
	b.currentExecs = nil
	b.currentCaps = nil
	b.currentBindings = nil
}

// recordBindings folds values (resolved INPUT variables of the
// executable just appended) into the chain currently under
// construction, so the dispatched chain carries every concrete value its
// executables need without the agent having to resolve variable ids
// itself.
func (b *builder) recordBindings(values map[string]domain.Value) {
	if len(values) == 0 {
		return
	}

	if b.currentBindings == nil {
		b.currentBindings = make(map[string]domain.Value, len(values))
	}

	for k, v := range values {
		b.currentBindings[k] = v
	}
}

// append adds exec to the chain under construction, flushing first if
// exec's capabilities differ from the chain so far or if exec shares no
// dataflow dependency with the chain's most recent executable.
func (b *builder) append(exec domain.Executable, caps []string) {
	key := domain.CapabilityKey(caps)
	currentKey := domain.CapabilityKey(b.currentCaps)

	if len(b.currentExecs) > 0 && (key != currentKey || !b.sharesDependency(exec)) {
		b.flush()
	}

	if len(b.currentExecs) == 0 {
		b.currentCaps = caps
	}

	b.currentExecs = append(b.currentExecs, exec)
}

// sharesDependency reports whether exec consumes an output of the chain's
// most recent executable - the minimal dataflow-sharing test from spec
// §4.1 point 2.
func (b *builder) sharesDependency(exec domain.Executable) bool {
	if len(b.currentExecs) == 0 {
		return true
	}

	prev := b.currentExecs[len(b.currentExecs)-1]

	prevOutputs := map[string]struct{}{}
	for _, a := range prev.ArgumentsOfType(domain.ArgumentOutput) {
		prevOutputs[a.VariableID] = struct{}{}
	}

	for _, a := range exec.ArgumentsOfType(domain.ArgumentInput) {
		if _, ok := prevOutputs[a.VariableID]; ok {
			return true
		}
	}

	return false
}

// forEachBoundary forces a flush around for-each expansion: each
// iteration's executables never merge with executables outside the
// for-each, per spec §4.1 point 2 ("a for-each boundary is crossed").
func (b *builder) forEachBoundary() {
	b.flush()
}

// Decompose performs one pass of spec §4.1's algorithm. wf must already
// have passed Validate - Decompose itself never returns a
// WorkflowValidationError; any remaining unresolvable reference at this
// point is a programming error in the caller.
func (e *Engine) Decompose(
	submissionID string,
	wf domain.Workflow,
	known map[string]domain.Value,
	state ExecutionState,
	catalog domain.ServiceCatalog,
) (Result, error) {
	materialized := map[string]domain.Value{}

	merged := mergeKnown(known, nil)

	remainingPending := resolvePending(state.PendingCollections, merged, materialized)

	b := &builder{submissionID: submissionID, sequence: state.NextSequence}
	varSeq := state.NextVarSeq

	index := state.NextActionIndex
	for index < len(wf.Actions) {
		action := wf.Actions[index]

		blocked, err := e.processAction(action, merged, materialized, &varSeq, b, scope{}, &remainingPending, catalog)
		if err != nil {
			return Result{}, err
		}

		if blocked {
			break
		}

		index++

		for k, v := range materialized {
			merged[k] = v
		}
	}

	b.flush()

	done := index >= len(wf.Actions) && len(remainingPending) == 0

	return Result{
		Chains:       b.chainsOut,
		Materialized: materialized,
		Done:         done,
		State: ExecutionState{
			NextActionIndex:    index,
			NextVarSeq:         varSeq,
			PendingCollections: remainingPending,
			NextSequence:       b.sequence,
		},
	}, nil
}

func mergeKnown(known map[string]domain.Value, extra map[string]domain.Value) map[string]domain.Value {
	out := make(map[string]domain.Value, len(known)+len(extra))
	for k, v := range known {
		out[k] = v
	}

	for k, v := range extra {
		out[k] = v
	}

	return out
}

func resolvePending(pending []PendingCollection, known map[string]domain.Value, materialized map[string]domain.Value) []PendingCollection {
	var remaining []PendingCollection

	for _, p := range pending {
		values := make([]domain.Value, 0, len(p.Sources))

		allKnown := true

		for _, src := range p.Sources {
			v, ok := known[src]
			if !ok {
				allKnown = false

				break
			}

			values = append(values, v)
		}

		if allKnown {
			materialized[p.OutputCollection] = domain.NewListValue(values)
		} else {
			remaining = append(remaining, p)
		}
	}

	return remaining
}

// processAction handles one workflow action (recursively, for for-each).
// It returns blocked=true when the action's inputs are not yet known and
// decomposition of this branch must stop until a later call.
func (e *Engine) processAction(
	action domain.Action,
	known map[string]domain.Value,
	materialized map[string]domain.Value,
	varSeq *int,
	b *builder,
	sc scope,
	pending *[]PendingCollection,
	catalog domain.ServiceCatalog,
) (bool, error) {
	switch a := action.(type) {
	case domain.ExecuteAction:
		return e.processExecuteAction(a, known, varSeq, b, sc, catalog)
	case domain.ForEachAction:
		return e.processForEachAction(a, known, materialized, varSeq, b, sc, pending, catalog)
	default:
		return false, fmt.Errorf("ruleengine: unsupported action type %T", action)
	}
}

func (e *Engine) processExecuteAction(
	a domain.ExecuteAction,
	known map[string]domain.Value,
	varSeq *int,
	b *builder,
	sc scope,
	catalog domain.ServiceCatalog,
) (bool, error) {
	svc, ok := catalog[a.ServiceID]
	if !ok {
		return false, fmt.Errorf("ruleengine: action %q references unknown service %q", a.ID, a.ServiceID)
	}

	for _, varID := range a.Bindings {
		resolved := sc.resolve(varID)
		if _, ok := known[resolved]; !ok {
			return true, nil // input not yet known: stays on the frontier
		}
	}

	inputValues := make(map[string]domain.Value, len(a.Bindings))

	args := make([]domain.Argument, 0, len(a.Bindings)+len(a.Outputs))
	for name, varID := range a.Bindings {
		resolved := sc.resolve(varID)
		inputValues[resolved] = known[resolved]

		param, _ := svc.Parameter(name)
		args = append(args, domain.Argument{
			Label:      name,
			VariableID: resolved,
			Type:       domain.ArgumentInput,
			DataType:   param.DataType,
		})
	}

	for name, varID := range a.Outputs {
		outputID := fmt.Sprintf("%s#%d", sc.resolve(varID), *varSeq)
		*varSeq++

		// Record the synthesized physical id back into scope so that
		// later actions within the same iteration/scope referencing this
		// logical output resolve to the same physical variable.
		sc[varID] = outputID

		param, _ := svc.Parameter(name)
		args = append(args, domain.Argument{
			Label:      name,
			VariableID: outputID,
			Type:       domain.ArgumentOutput,
			DataType:   param.DataType,
		})
	}

	exec := domain.Executable{
		Path:      svc.Path,
		Runtime:   svc.Runtime,
		ServiceID: a.ServiceID,
		Args:      args,
		Retries:   svc.Retries,
	}

	b.append(exec, svc.RequiredCapabilities)
	b.recordBindings(inputValues)

	return false, nil
}

func (e *Engine) processForEachAction(
	a domain.ForEachAction,
	known map[string]domain.Value,
	materialized map[string]domain.Value,
	varSeq *int,
	b *builder,
	sc scope,
	pending *[]PendingCollection,
	catalog domain.ServiceCatalog,
) (bool, error) {
	inputID := sc.resolve(a.InputCollection)

	collection, ok := known[inputID]
	if !ok {
		return true, nil // deferred: input collection not yet known
	}

	if collection.Kind != domain.ValueKindList {
		return false, fmt.Errorf("ruleengine: for-each %q input %q is not a list", a.ID, a.InputCollection)
	}

	b.forEachBoundary()

	var yieldSources []string

	for i, item := range collection.List {
		iterScope := scope{}
		for k, v := range sc {
			iterScope[k] = v
		}

		iterVarID := fmt.Sprintf("%s#%d#%d", a.IterationVar, *varSeq, i)
		iterScope[a.IterationVar] = iterVarID
		known[iterVarID] = item

		for _, inner := range a.Actions {
			blocked, err := e.processAction(inner, known, materialized, varSeq, b, iterScope, pending, catalog)
			if err != nil {
				return false, err
			}

			if blocked {
				return false, fmt.Errorf("ruleengine: for-each %q iteration %d blocked on an unresolved inner input", a.ID, i)
			}
		}

		if a.OutputCollection != "" {
			yieldVar := a.Yield
			if yieldVar == "" {
				return false, fmt.Errorf("ruleengine: for-each %q declares an output collection but no yield variable", a.ID)
			}

			resolvedYield, ok := iterScope[yieldVar]
			if !ok {
				resolvedYield = iterScope.resolve(yieldVar)
			}

			yieldSources = append(yieldSources, resolvedYield)
		}
	}

	*varSeq++

	b.forEachBoundary()

	if a.OutputCollection != "" {
		outputID := sc.resolve(a.OutputCollection)
		*pending = append(*pending, PendingCollection{OutputCollection: outputID, Sources: yieldSources})
		*pending = resolvePending(*pending, known, materialized)
	}

	return false, nil
}
