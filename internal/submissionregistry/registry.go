package submissionregistry

import (
	"context"
	"time"

	"github.com/steepcluster/steep/internal/domain"
)

// SubmissionRegistry is the pluggable storage contract of spec §4.2.
// Every operation may fail with ErrNotFound, ErrConflict, or
// ErrStorageUnavailable (wrapped in an *OpError).
type SubmissionRegistry interface {
	AddSubmission(ctx context.Context, s domain.Submission) error
	FindSubmissionByID(ctx context.Context, id string) (domain.Submission, error)
	FindSubmissionsByStatus(ctx context.Context, status domain.SubmissionStatus) ([]domain.Submission, error)
	CountSubmissions(ctx context.Context, status domain.SubmissionStatus) (int, error)
	SetSubmissionStatus(ctx context.Context, id string, status domain.SubmissionStatus) error
	SetSubmissionStartTime(ctx context.Context, id string, t time.Time) error
	SetSubmissionEndTime(ctx context.Context, id string, t time.Time) error
	SetSubmissionResults(ctx context.Context, id string, results map[string]any) error
	GetSubmissionResults(ctx context.Context, id string) (map[string]any, error)
	SetSubmissionErrorMessage(ctx context.Context, id string, message string) error
	SetExecutionState(ctx context.Context, id string, state []byte) error
	GetExecutionState(ctx context.Context, id string) ([]byte, error)
	// FetchNextSubmission atomically claims one submission in currentStatus,
	// moving it to newStatus, and returns it. ok is false (with a nil
	// error) when no submission in currentStatus exists.
	FetchNextSubmission(ctx context.Context, currentStatus, newStatus domain.SubmissionStatus) (domain.Submission, bool, error)

	AddProcessChains(ctx context.Context, submissionID string, chains []domain.ProcessChain) ([]domain.ProcessChain, error)
	FindProcessChainsBySubmissionID(ctx context.Context, submissionID string) ([]domain.ProcessChain, error)
	FindProcessChainsByStatus(ctx context.Context, status domain.ProcessChainStatus) ([]domain.ProcessChain, error)
	CountProcessChainsByStatus(ctx context.Context, status domain.ProcessChainStatus) (int, error)
	// FetchNextProcessChain atomically claims the oldest (by insertion
	// sequence) chain in currentStatus whose RequiredCapabilities match
	// requiredCapabilities (order-independent, via domain.CapabilityKey),
	// moving it to newStatus. A nil/empty requiredCapabilities matches
	// only chains that themselves require no capabilities.
	FetchNextProcessChain(ctx context.Context, currentStatus, newStatus domain.ProcessChainStatus, requiredCapabilities []string) (domain.ProcessChain, bool, error)
	SetProcessChainStatus(ctx context.Context, id string, status domain.ProcessChainStatus) error
	// CompareAndSwapProcessChainStatus returns whether the swap happened.
	CompareAndSwapProcessChainStatus(ctx context.Context, id string, expected, next domain.ProcessChainStatus) (bool, error)
	SetAllProcessChainStatusBySubmission(ctx context.Context, submissionID string, expected, next domain.ProcessChainStatus) (int, error)
	SetProcessChainStartTime(ctx context.Context, id string, t time.Time) error
	SetProcessChainEndTime(ctx context.Context, id string, t time.Time) error
	SetProcessChainResults(ctx context.Context, id string, results map[string][]string) error
	GetProcessChainResults(ctx context.Context, id string) (map[string][]string, error)
	SetProcessChainErrorMessage(ctx context.Context, id string, message string) error
	SetProcessChainOwner(ctx context.Context, id string, owner string) error
}
