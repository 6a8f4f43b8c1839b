package controller

import (
	"context"
	"time"

	"github.com/steepcluster/steep/internal/domain"
	"github.com/steepcluster/steep/internal/ruleengine"
)

// driver carries one submission from RUNNING to a terminal status,
// re-invoking the rule engine as previously REGISTERED chains complete.
// It is the only writer of its submission's execution state, per spec
// §5's "single writer" rule.
type driver struct {
	controller *Controller
	submission domain.Submission
	known      map[string]domain.Value
	state      ruleengine.ExecutionState
}

func (d *driver) run(ctx context.Context) {
	c := d.controller
	logger := c.logger.With("submission", d.submission.ID)

	if d.known == nil {
		d.known = map[string]domain.Value{}
	}

	if err := ruleengine.Validate(d.submission.Workflow, c.catalog, d.known); err != nil {
		logger.ErrorContext(ctx, "validate failed", "error", err)
		d.fail(ctx, err.Error())

		return
	}

	if len(d.submission.ExecutionState) > 0 {
		state, err := ruleengine.UnmarshalExecutionState(d.submission.ExecutionState)
		if err != nil {
			logger.ErrorContext(ctx, "unmarshal execution state failed", "error", err)
			d.fail(ctx, "corrupt execution state: "+err.Error())

			return
		}

		d.state = state
	}

	seen := map[string]bool{}

	for {
		result, err := c.engine.Decompose(d.submission.ID, d.submission.Workflow, d.known, d.state, c.catalog)
		if err != nil {
			logger.ErrorContext(ctx, "decompose failed", "error", err)
			d.fail(ctx, err.Error())

			return
		}

		d.state = result.State
		mergeValues(d.known, result.Materialized)

		if len(result.Chains) > 0 {
			if _, err := c.store.AddProcessChains(ctx, d.submission.ID, result.Chains); err != nil {
				logger.ErrorContext(ctx, "addProcessChains failed", "error", err)
				d.fail(ctx, err.Error())

				return
			}
		}

		if blob, err := d.state.Marshal(); err != nil {
			logger.ErrorContext(ctx, "marshal execution state failed", "error", err)
		} else if err := c.store.SetExecutionState(ctx, d.submission.ID, blob); err != nil {
			logger.ErrorContext(ctx, "setExecutionState failed", "error", err)
		}

		allTerminal, statuses, newlyDone, err := d.pollTerminal(ctx, seen)
		if err != nil {
			logger.ErrorContext(ctx, "poll process chains failed", "error", err)

			return
		}

		mergeValues(d.known, newlyDone)

		if result.Done && allTerminal {
			d.finalize(ctx, statuses)

			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// pollTerminal reports whether every chain of the submission is currently
// terminal, the full status list, and the output values of any chain
// that became terminal since the last call (tracked via seen).
func (d *driver) pollTerminal(ctx context.Context, seen map[string]bool) (bool, []domain.ProcessChainStatus, map[string]domain.Value, error) {
	chains, err := d.controller.store.FindProcessChainsBySubmissionID(ctx, d.submission.ID)
	if err != nil {
		return false, nil, nil, err
	}

	statuses := make([]domain.ProcessChainStatus, 0, len(chains))
	newlyDone := map[string]domain.Value{}
	allTerminal := true

	for _, chain := range chains {
		statuses = append(statuses, chain.Status)

		if !chain.Status.Terminal() {
			allTerminal = false

			continue
		}

		if seen[chain.ID] {
			continue
		}

		seen[chain.ID] = true

		if chain.Status == domain.ProcessChainSuccess {
			mergeValues(newlyDone, resultsToValues(chain.Results))
		}
	}

	return allTerminal, statuses, newlyDone, nil
}

func (d *driver) finalize(ctx context.Context, statuses []domain.ProcessChainStatus) {
	status := finalStatus(statuses)

	if err := d.controller.store.SetSubmissionStatus(ctx, d.submission.ID, status); err != nil {
		d.controller.logger.ErrorContext(ctx, "setSubmissionStatus failed", "submission", d.submission.ID, "error", err)
	}

	if err := d.controller.store.SetSubmissionEndTime(ctx, d.submission.ID, time.Now()); err != nil {
		d.controller.logger.ErrorContext(ctx, "setSubmissionEndTime failed", "submission", d.submission.ID, "error", err)
	}
}

func (d *driver) fail(ctx context.Context, message string) {
	if err := d.controller.store.SetSubmissionErrorMessage(ctx, d.submission.ID, message); err != nil {
		d.controller.logger.ErrorContext(ctx, "setSubmissionErrorMessage failed", "submission", d.submission.ID, "error", err)
	}

	if err := d.controller.store.SetSubmissionStatus(ctx, d.submission.ID, domain.SubmissionError); err != nil {
		d.controller.logger.ErrorContext(ctx, "setSubmissionStatus failed", "submission", d.submission.ID, "error", err)
	}

	if err := d.controller.store.SetSubmissionEndTime(ctx, d.submission.ID, time.Now()); err != nil {
		d.controller.logger.ErrorContext(ctx, "setSubmissionEndTime failed", "submission", d.submission.ID, "error", err)
	}
}
