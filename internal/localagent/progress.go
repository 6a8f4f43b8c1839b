package localagent

// ProgressEstimator derives a fractional in-executable progress value
// from the lines captured so far, keyed by serviceID (spec §4.4's
// "progress estimation plugin"). Lines is a snapshot copy of the
// executable's output ring, never the live buffer.
type ProgressEstimator struct {
	ID     string
	Invoke func(lines []string) float64
}

// ProgressEstimatorRegistry stores registered estimators keyed by
// serviceID.
type ProgressEstimatorRegistry struct {
	estimators map[string]ProgressEstimator
}

// NewProgressEstimatorRegistry builds an empty registry.
func NewProgressEstimatorRegistry() *ProgressEstimatorRegistry {
	return &ProgressEstimatorRegistry{estimators: make(map[string]ProgressEstimator)}
}

// Register adds or replaces the estimator for serviceID.
func (r *ProgressEstimatorRegistry) Register(serviceID string, estimator ProgressEstimator) {
	r.estimators[serviceID] = estimator
}

// Estimate returns the estimator's fractional value for serviceID, or
// ok=false if none is registered (the executor then falls back to the
// index/chainLength formula alone).
func (r *ProgressEstimatorRegistry) Estimate(serviceID string, lines []string) (float64, bool) {
	estimator, ok := r.estimators[serviceID]
	if !ok {
		return 0, false
	}

	return estimator.Invoke(lines), true
}
