package agentregistry

import "errors"

// ErrNoCandidate is returned by selectCandidates when no advertised agent
// satisfies any requested capability set, or every matching agent is
// currently leased.
var ErrNoCandidate = errors.New("agentregistry: no candidate agent available")

// ErrAlreadyLeased is returned by a lease store when tryAllocate finds the
// address already holds an unexpired lease.
var ErrAlreadyLeased = errors.New("agentregistry: address already leased")

// LeaseError wraps a lease-store failure with the address it concerned,
// mirroring the teacher's persistence error-wrapping shape.
type LeaseError struct {
	Op      string
	Address string
	Err     error
}

func (e *LeaseError) Error() string {
	return e.Op + " lease for " + e.Address + ": " + e.Err.Error()
}

func (e *LeaseError) Unwrap() error {
	return e.Err
}

func (e *LeaseError) Is(target error) bool {
	return errors.Is(e.Err, target)
}
