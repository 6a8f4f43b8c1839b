package controller

import "github.com/steepcluster/steep/internal/domain"

// finalStatus implements spec §3's submission-termination policy: at
// least one SUCCESS chain is required for any usable result. Zero
// SUCCESS chains is always ERROR, regardless of how many were CANCELLED
// vs ERROR; one or more SUCCESS alongside any other terminal outcome is
// PARTIAL_SUCCESS, never pure SUCCESS.
func finalStatus(statuses []domain.ProcessChainStatus) domain.SubmissionStatus {
	var success, other int

	for _, s := range statuses {
		if s == domain.ProcessChainSuccess {
			success++
		} else {
			other++
		}
	}

	switch {
	case success == 0:
		return domain.SubmissionError
	case other == 0:
		return domain.SubmissionSuccess
	default:
		return domain.SubmissionPartialSuccess
	}
}
