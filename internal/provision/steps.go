// Package provision tracks and executes project site provisioning: a fixed
// seven-step workflow recorded per project code. The Tracker observes a
// record by push + polling; the Runner is the server-side executor.
package provision

import "siteline/internal/domain"

// TotalSteps is the fixed step count of a provisioning workflow.
const TotalSteps = 7

// StepLabels in execution order. Step indexes are 1-based.
var StepLabels = [TotalSteps]string{
	"Validate project code",
	"Create site collection",
	"Apply project template",
	"Provision document libraries",
	"Configure permissions",
	"Register project metadata",
	"Link pursuit record",
}

type StepState string

const (
	StepPending StepState = "pending"
	StepCurrent StepState = "current"
	StepDone    StepState = "done"
	StepFailed  StepState = "failed"
)

// Step is the derived display state of one workflow step.
type Step struct {
	Index int
	Label string
	State StepState
}

// Steps derives per-step status purely from the operation record: a step is
// done when its index is within the completed count, failed when it matches
// the failed-step index, current when the operation is in progress at that
// index, otherwise pending.
func Steps(op domain.ProvisionOperation) []Step {
	total := op.TotalSteps
	if total <= 0 {
		total = TotalSteps
	}
	out := make([]Step, 0, total)
	for i := 1; i <= total; i++ {
		s := Step{Index: i, State: StepPending}
		if i <= len(StepLabels) {
			s.Label = StepLabels[i-1]
		}
		switch {
		case i <= op.CompletedSteps:
			s.State = StepDone
		case op.FailedStep != nil && i == *op.FailedStep:
			s.State = StepFailed
		case op.Status == domain.OperationInProgress && i == op.CurrentStep:
			s.State = StepCurrent
		}
		out = append(out, s)
	}
	return out
}
