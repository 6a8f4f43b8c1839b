package inmemory

import (
	"testing"

	"github.com/steepcluster/steep/internal/submissionregistry"
	"github.com/steepcluster/steep/internal/submissionregistry/registrytest"
)

func TestStore_Conformance(t *testing.T) {
	registrytest.Suite(t, func(t *testing.T) submissionregistry.SubmissionRegistry {
		return New()
	})
}
