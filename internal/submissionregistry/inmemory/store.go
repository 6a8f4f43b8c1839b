// Package inmemory implements submissionregistry.SubmissionRegistry with
// mutex-guarded maps, for single-process deployments (db.driver=inmemory)
// and the test suites.
package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steepcluster/steep/internal/domain"
	"github.com/steepcluster/steep/internal/submissionregistry"
)

type chainRecord struct {
	chain    domain.ProcessChain
	sequence int64
}

// Store is an in-memory, mutex-guarded SubmissionRegistry.
type Store struct {
	mu sync.Mutex

	submissions map[string]domain.Submission
	chains      map[string]*chainRecord
	nextSeq     int64
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		submissions: make(map[string]domain.Submission),
		chains:      make(map[string]*chainRecord),
	}
}

var _ submissionregistry.SubmissionRegistry = (*Store)(nil)

func notFound(op, id string) error {
	return &submissionregistry.OpError{Op: op, ID: id, Err: submissionregistry.ErrNotFound}
}

func (s *Store) AddSubmission(_ context.Context, sub domain.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}

	s.submissions[sub.ID] = sub

	return nil
}

func (s *Store) FindSubmissionByID(_ context.Context, id string) (domain.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return domain.Submission{}, notFound("FindSubmissionByID", id)
	}

	return sub, nil
}

func (s *Store) FindSubmissionsByStatus(_ context.Context, status domain.SubmissionStatus) ([]domain.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Submission

	for _, sub := range s.submissions {
		if sub.Status == status {
			out = append(out, sub)
		}
	}

	return out, nil
}

func (s *Store) CountSubmissions(_ context.Context, status domain.SubmissionStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, sub := range s.submissions {
		if sub.Status == status {
			n++
		}
	}

	return n, nil
}

func (s *Store) SetSubmissionStatus(_ context.Context, id string, status domain.SubmissionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return notFound("SetSubmissionStatus", id)
	}

	sub.Status = status
	s.submissions[id] = sub

	return nil
}

func (s *Store) SetSubmissionStartTime(_ context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return notFound("SetSubmissionStartTime", id)
	}

	sub.StartTime = &t
	s.submissions[id] = sub

	return nil
}

func (s *Store) SetSubmissionEndTime(_ context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return notFound("SetSubmissionEndTime", id)
	}

	sub.EndTime = &t
	s.submissions[id] = sub

	return nil
}

func (s *Store) SetSubmissionResults(_ context.Context, id string, results map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return notFound("SetSubmissionResults", id)
	}

	sub.Results = results
	s.submissions[id] = sub

	return nil
}

func (s *Store) GetSubmissionResults(_ context.Context, id string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return nil, notFound("GetSubmissionResults", id)
	}

	return sub.Results, nil
}

func (s *Store) SetSubmissionErrorMessage(_ context.Context, id string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return notFound("SetSubmissionErrorMessage", id)
	}

	sub.ErrorMessage = message
	s.submissions[id] = sub

	return nil
}

func (s *Store) SetExecutionState(_ context.Context, id string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return notFound("SetExecutionState", id)
	}

	sub.ExecutionState = state
	s.submissions[id] = sub

	return nil
}

func (s *Store) GetExecutionState(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return nil, notFound("GetExecutionState", id)
	}

	return sub.ExecutionState, nil
}

func (s *Store) FetchNextSubmission(_ context.Context, currentStatus, newStatus domain.SubmissionStatus) (domain.Submission, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sub := range s.submissions {
		if sub.Status == currentStatus {
			sub.Status = newStatus
			s.submissions[id] = sub

			return sub, true, nil
		}
	}

	return domain.Submission{}, false, nil
}

func (s *Store) AddProcessChains(_ context.Context, submissionID string, chains []domain.ProcessChain) ([]domain.ProcessChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.submissions[submissionID]; !ok {
		return nil, notFound("AddProcessChains", submissionID)
	}

	out := make([]domain.ProcessChain, len(chains))

	for i, c := range chains {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}

		c.SubmissionID = submissionID

		s.nextSeq++
		c.Sequence = s.nextSeq

		s.chains[c.ID] = &chainRecord{chain: c, sequence: s.nextSeq}
		out[i] = c
	}

	return out, nil
}

func (s *Store) FindProcessChainsBySubmissionID(_ context.Context, submissionID string) ([]domain.ProcessChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []chainRecord

	for _, rec := range s.chains {
		if rec.chain.SubmissionID == submissionID {
			out = append(out, *rec)
		}
	}

	sortBySequence(out)

	chains := make([]domain.ProcessChain, len(out))
	for i, rec := range out {
		chains[i] = rec.chain
	}

	return chains, nil
}

func (s *Store) FindProcessChainsByStatus(_ context.Context, status domain.ProcessChainStatus) ([]domain.ProcessChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []chainRecord

	for _, rec := range s.chains {
		if rec.chain.Status == status {
			out = append(out, *rec)
		}
	}

	sortBySequence(out)

	chains := make([]domain.ProcessChain, len(out))
	for i, rec := range out {
		chains[i] = rec.chain
	}

	return chains, nil
}

func (s *Store) CountProcessChainsByStatus(_ context.Context, status domain.ProcessChainStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, rec := range s.chains {
		if rec.chain.Status == status {
			n++
		}
	}

	return n, nil
}

func (s *Store) FetchNextProcessChain(
	_ context.Context,
	currentStatus, newStatus domain.ProcessChainStatus,
	requiredCapabilities []string,
) (domain.ProcessChain, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := domain.CapabilityKey(requiredCapabilities)

	var best *chainRecord

	for _, rec := range s.chains {
		if rec.chain.Status != currentStatus {
			continue
		}

		if domain.CapabilityKey(rec.chain.RequiredCapabilities) != key {
			continue
		}

		if best == nil || rec.sequence < best.sequence {
			best = rec
		}
	}

	if best == nil {
		return domain.ProcessChain{}, false, nil
	}

	best.chain.Status = newStatus

	return best.chain, true, nil
}

func (s *Store) SetProcessChainStatus(_ context.Context, id string, status domain.ProcessChainStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chains[id]
	if !ok {
		return notFound("SetProcessChainStatus", id)
	}

	rec.chain.Status = status

	return nil
}

func (s *Store) CompareAndSwapProcessChainStatus(_ context.Context, id string, expected, next domain.ProcessChainStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chains[id]
	if !ok {
		return false, notFound("CompareAndSwapProcessChainStatus", id)
	}

	if rec.chain.Status != expected {
		return false, nil
	}

	rec.chain.Status = next

	return true, nil
}

func (s *Store) SetAllProcessChainStatusBySubmission(_ context.Context, submissionID string, expected, next domain.ProcessChainStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, rec := range s.chains {
		if rec.chain.SubmissionID == submissionID && rec.chain.Status == expected {
			rec.chain.Status = next
			n++
		}
	}

	return n, nil
}

func (s *Store) SetProcessChainStartTime(_ context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chains[id]
	if !ok {
		return notFound("SetProcessChainStartTime", id)
	}

	rec.chain.StartTime = &t

	return nil
}

func (s *Store) SetProcessChainEndTime(_ context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chains[id]
	if !ok {
		return notFound("SetProcessChainEndTime", id)
	}

	rec.chain.EndTime = &t

	return nil
}

func (s *Store) SetProcessChainResults(_ context.Context, id string, results map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chains[id]
	if !ok {
		return notFound("SetProcessChainResults", id)
	}

	rec.chain.Results = results

	return nil
}

func (s *Store) GetProcessChainResults(_ context.Context, id string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chains[id]
	if !ok {
		return nil, notFound("GetProcessChainResults", id)
	}

	return rec.chain.Results, nil
}

func (s *Store) SetProcessChainErrorMessage(_ context.Context, id string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chains[id]
	if !ok {
		return notFound("SetProcessChainErrorMessage", id)
	}

	rec.chain.ErrorMessage = message

	return nil
}

func (s *Store) SetProcessChainOwner(_ context.Context, id string, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chains[id]
	if !ok {
		return notFound("SetProcessChainOwner", id)
	}

	rec.chain.Owner = owner

	return nil
}

func sortBySequence(recs []chainRecord) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j-1].sequence > recs[j].sequence; j-- {
			recs[j-1], recs[j] = recs[j], recs[j-1]
		}
	}
}
