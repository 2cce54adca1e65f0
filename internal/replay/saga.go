package replay

import (
	"context"
	"fmt"
	"log/slog"
)

// SagaStep is one unit of a multi-step workflow. Execute performs the
// step; Compensate undoes it if a later step fails. Compensate may be
// nil for steps with no side effects to undo.
type SagaStep struct {
	Name       string
	Execute    func(ctx context.Context, input any) (any, error)
	Compensate func(ctx context.Context, input any) error
}

// StepResult is the output of one completed step.
type StepResult struct {
	Step   string
	Output any
}

// SagaResult is the structured outcome of ExecuteSaga. Step and
// compensation failures are reported here, never as a Go error from
// ExecuteSaga itself, so callers can branch on them programmatically.
type SagaResult struct {
	Success     bool
	Compensated bool
	// Results holds the outputs of the steps that completed, in order.
	// On failure it covers only the steps that ran before the failure.
	Results []StepResult

	// FailedStep and Err identify the failure when Success is false.
	FailedStep string
	Err        error

	// CompensationErrs collects failures of the compensation steps
	// themselves. A failed compensation is surfaced, never swallowed.
	CompensationErrs []error
}

// ExecuteSaga runs steps strictly in order, passing input to each. If a
// step's Execute fails, no further steps run and every already-succeeded
// step's Compensate runs in strict reverse order; the failed step itself
// is not compensated, since it did not complete.
func (e *Engine) ExecuteSaga(ctx context.Context, entityID string, input any, steps []SagaStep) (SagaResult, error) {
	if len(steps) == 0 {
		return SagaResult{Success: true, Results: []StepResult{}}, nil
	}
	for i, step := range steps {
		if step.Name == "" {
			return SagaResult{}, fmt.Errorf("execute saga %s: step %d has no name", entityID, i)
		}
		if step.Execute == nil {
			return SagaResult{}, fmt.Errorf("execute saga %s: step %q has no execute func", entityID, step.Name)
		}
	}

	result := SagaResult{Results: make([]StepResult, 0, len(steps))}
	var succeeded []SagaStep

	for _, step := range steps {
		out, err := step.Execute(ctx, input)
		if err != nil {
			result.FailedStep = step.Name
			result.Err = fmt.Errorf("step %s: %w", step.Name, err)

			slog.Warn("saga step failed, compensating",
				"entity_id", entityID,
				"step", step.Name,
				"completed_steps", len(succeeded),
				"error", err,
			)

			result.Compensated = true
			result.CompensationErrs = e.compensate(ctx, entityID, input, succeeded)
			return result, nil
		}

		succeeded = append(succeeded, step)
		result.Results = append(result.Results, StepResult{Step: step.Name, Output: out})
	}

	result.Success = true
	return result, nil
}

// compensate runs the succeeded steps' Compensate funcs in reverse
// order, collecting failures. A compensation failure does not stop the
// remaining compensations.
func (e *Engine) compensate(ctx context.Context, entityID string, input any, succeeded []SagaStep) []error {
	var errs []error
	for i := len(succeeded) - 1; i >= 0; i-- {
		step := succeeded[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx, input); err != nil {
			slog.Error("saga compensation failed",
				"entity_id", entityID,
				"step", step.Name,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("compensate %s: %w", step.Name, err))
		}
	}
	return errs
}
