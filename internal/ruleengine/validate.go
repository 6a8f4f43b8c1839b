package ruleengine

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/steepcluster/steep/internal/domain"
)

var structValidator = validator.New()

// Validate checks a workflow against the service catalog before any
// chains are ever emitted for it: unknown service references, missing
// required bindings, parameter type/cardinality mismatches, and - for
// any binding already resolvable from known (the submission's seeded
// inputs) - a JSON Schema mismatch, are all gathered into a single
// WorkflowValidationError. Per spec §4.1 this is the only place
// decomposition can fail - once validation passes, the engine is pure
// and cannot error. known may be nil when no input is yet resolvable.
func Validate(wf domain.Workflow, catalog domain.ServiceCatalog, known map[string]domain.Value) error {
	var problems []string

	if err := structValidator.Struct(&wf); err != nil {
		problems = append(problems, err.Error())
	}

	walkActions(wf.Actions, &problems, catalog, known)

	if len(problems) > 0 {
		return &domain.WorkflowValidationError{Problems: problems}
	}

	return nil
}

func walkActions(actions []domain.Action, problems *[]string, catalog domain.ServiceCatalog, known map[string]domain.Value) {
	for _, action := range actions {
		switch a := action.(type) {
		case domain.ExecuteAction:
			validateExecuteAction(a, problems, catalog, known)
		case domain.ForEachAction:
			if a.InputCollection == "" {
				*problems = append(*problems, fmt.Sprintf("for-each %q: empty input collection", a.ID))
			}

			if a.IterationVar == "" {
				*problems = append(*problems, fmt.Sprintf("for-each %q: empty iteration variable", a.ID))
			}

			walkActions(a.Actions, problems, catalog, known)
		default:
			*problems = append(*problems, fmt.Sprintf("unknown action type %T", action))
		}
	}
}

func validateExecuteAction(a domain.ExecuteAction, problems *[]string, catalog domain.ServiceCatalog, known map[string]domain.Value) {
	svc, ok := catalog[a.ServiceID]
	if !ok {
		*problems = append(*problems, fmt.Sprintf("action %q references unknown service %q", a.ID, a.ServiceID))

		return
	}

	for _, param := range svc.Parameters {
		switch param.Type {
		case domain.ArgumentInput, domain.ArgumentParameter:
			varID, bound := a.Bindings[param.Name]
			if param.Required && !bound {
				*problems = append(*problems, fmt.Sprintf("action %q: missing required binding for parameter %q of service %q", a.ID, param.Name, a.ServiceID))

				continue
			}

			if bound && param.Schema != "" {
				if value, resolved := known[varID]; resolved {
					if err := validateParameterSchema(param.Schema, valueToJSON(value)); err != nil {
						*problems = append(*problems, fmt.Sprintf("action %q: parameter %q of service %q: %v", a.ID, param.Name, a.ServiceID, err))
					}
				}
			}
		case domain.ArgumentOutput:
			if _, bound := a.Outputs[param.Name]; !bound {
				*problems = append(*problems, fmt.Sprintf("action %q: missing output variable for parameter %q of service %q", a.ID, param.Name, a.ServiceID))
			}
		}
	}

	for name := range a.Bindings {
		if _, declared := svc.Parameter(name); !declared {
			*problems = append(*problems, fmt.Sprintf("action %q: binding for undeclared parameter %q of service %q", a.ID, name, a.ServiceID))
		}
	}
}

// valueToJSON converts a domain.Value into the plain any shape
// gojsonschema.NewGoLoader expects, recursing through list values.
func valueToJSON(v domain.Value) any {
	switch v.Kind {
	case domain.ValueKindPath:
		return v.Path
	case domain.ValueKindList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = valueToJSON(item)
		}

		return out
	default:
		return v.Scalar
	}
}

// validateParameterSchema checks a resolved literal value against a
// service parameter's JSON Schema. Called only once a binding's variable
// is already known, since unresolved bindings have no value yet to check.
func validateParameterSchema(schemaDoc string, value any) error {
	schemaLoader := gojsonschema.NewStringLoader(schemaDoc)
	docLoader := gojsonschema.NewGoLoader(value)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		msg := "value does not satisfy parameter schema:"
		for _, e := range result.Errors() {
			msg += " " + e.String() + ";"
		}

		return fmt.Errorf("%s", msg)
	}

	return nil
}
