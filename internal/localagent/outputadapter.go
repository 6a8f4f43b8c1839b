package localagent

import (
	"context"
	"os"
	"path/filepath"
	"sort"
)

// OutputAdapter resolves one OUTPUT argument's path into the concrete
// list of produced values, keyed by the argument's declared dataType
// (spec §4.4 point 6, §9's "plugin-by-reflection replaced by a small
// capability interface").
type OutputAdapter struct {
	ID     string
	Invoke func(ctx context.Context, path string) ([]string, error)
}

// OutputAdapterRegistry stores registered adapters keyed by dataType.
// Lookup misses fall back to filesystem enumeration - spec §9's resolved
// open question that the adapter, when present, always wins and the raw
// path is never separately enumerated.
type OutputAdapterRegistry struct {
	adapters map[string]OutputAdapter
}

// NewOutputAdapterRegistry builds an empty registry; callers register
// plugin adapters via Register.
func NewOutputAdapterRegistry() *OutputAdapterRegistry {
	return &OutputAdapterRegistry{adapters: make(map[string]OutputAdapter)}
}

// Register adds or replaces the adapter for a dataType.
func (r *OutputAdapterRegistry) Register(dataType string, adapter OutputAdapter) {
	r.adapters[dataType] = adapter
}

// Resolve returns the values produced at path for dataType: the
// registered adapter's output if one exists, otherwise a recursive,
// deterministically sorted filesystem walk.
func (r *OutputAdapterRegistry) Resolve(ctx context.Context, dataType, path string) ([]string, error) {
	if adapter, ok := r.adapters[dataType]; ok {
		return adapter.Invoke(ctx, path)
	}

	return enumerateFilesystem(path)
}

// enumerateFilesystem walks path recursively and returns every regular
// file found, sorted for determinism (spec §6's "deterministic (sorted)
// order").
func enumerateFilesystem(root string) ([]string, error) {
	var out []string

	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if !info.IsDir() {
			out = append(out, p)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(out)

	return out, nil
}
