package controller

import "github.com/steepcluster/steep/internal/domain"

// resultsToValues converts a process chain's OUTPUT results (variable id
// -> file paths, per spec §9's filesystem contract) into the domain.Value
// shape ruleengine.Decompose expects for its known-outputs map. A single
// path materializes as a scalar path value; more than one becomes a list,
// matching the "many" cardinality case the rule engine already handles
// for for-each collections.
func resultsToValues(results map[string][]string) map[string]domain.Value {
	out := make(map[string]domain.Value, len(results))

	for id, paths := range results {
		if len(paths) == 1 {
			out[id] = domain.NewPathValue(paths[0])

			continue
		}

		values := make([]domain.Value, 0, len(paths))
		for _, p := range paths {
			values = append(values, domain.NewPathValue(p))
		}

		out[id] = domain.NewListValue(values)
	}

	return out
}

// mergeValues folds src into dst, returning dst for chaining. dst is
// mutated in place; callers that need the original untouched should copy
// first.
func mergeValues(dst map[string]domain.Value, src map[string]domain.Value) map[string]domain.Value {
	if dst == nil {
		dst = make(map[string]domain.Value, len(src))
	}

	for k, v := range src {
		dst[k] = v
	}

	return dst
}
