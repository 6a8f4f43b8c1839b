package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/steepcluster/steep/internal/domain"
)

func TestFinalStatus(t *testing.T) {
	cases := []struct {
		name     string
		statuses []domain.ProcessChainStatus
		want     domain.SubmissionStatus
	}{
		{"all success", []domain.ProcessChainStatus{domain.ProcessChainSuccess, domain.ProcessChainSuccess}, domain.SubmissionSuccess},
		{"mixed success and error", []domain.ProcessChainStatus{domain.ProcessChainSuccess, domain.ProcessChainError}, domain.SubmissionPartialSuccess},
		{"mixed success and cancelled", []domain.ProcessChainStatus{domain.ProcessChainSuccess, domain.ProcessChainCancelled}, domain.SubmissionPartialSuccess},
		{"zero success, all error", []domain.ProcessChainStatus{domain.ProcessChainError, domain.ProcessChainError}, domain.SubmissionError},
		{"zero success, all cancelled", []domain.ProcessChainStatus{domain.ProcessChainCancelled}, domain.SubmissionError},
		{"no chains", nil, domain.SubmissionError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, finalStatus(tc.statuses))
		})
	}
}
