package mongodb

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/steepcluster/steep/internal/domain"
	"github.com/steepcluster/steep/internal/submissionregistry"
)

func TestWrapErr_MapsNoDocumentsToNotFound(t *testing.T) {
	err := wrapErr("FindSubmissionByID", "sub-1", mongo.ErrNoDocuments)

	assert.ErrorIs(t, err, submissionregistry.ErrNotFound)

	var opErr *submissionregistry.OpError

	assert.ErrorAs(t, err, &opErr)
	assert.Equal(t, "sub-1", opErr.ID)
}

func TestWrapErr_WrapsOtherErrorsAsStorageUnavailable(t *testing.T) {
	err := wrapErr("AddSubmission", "sub-1", errors.New("connection reset"))

	assert.ErrorIs(t, err, submissionregistry.ErrStorageUnavailable)
}

func TestWrapErr_NilIsNil(t *testing.T) {
	assert.NoError(t, wrapErr("AddSubmission", "sub-1", nil))
}

func TestSubmissionDoc_RoundTrip(t *testing.T) {
	now := time.Now()
	sub := domain.Submission{
		ID:        "sub-1",
		Status:    domain.SubmissionRunning,
		StartTime: &now,
		Results:   map[string]any{"out": "value"},
	}

	got := toSubmissionDoc(sub).toDomain()
	assert.Equal(t, sub.ID, got.ID)
	assert.Equal(t, sub.Status, got.Status)
	assert.Equal(t, sub.Results, got.Results)
}

func TestChainDoc_RoundTrip(t *testing.T) {
	chain := domain.ProcessChain{
		ID:                   "pc-1",
		SubmissionID:         "sub-1",
		Sequence:             3,
		RequiredCapabilities: []string{"gpu"},
		Status:               domain.ProcessChainRunning,
		Bindings:             map[string]domain.Value{"x": domain.NewScalarValue(1)},
	}

	got := toChainDoc(chain).toDomain()
	assert.Equal(t, chain.ID, got.ID)
	assert.Equal(t, chain.Sequence, got.Sequence)
	assert.Equal(t, chain.RequiredCapabilities, got.RequiredCapabilities)
	assert.Equal(t, chain.Bindings["x"], got.Bindings["x"])
}
