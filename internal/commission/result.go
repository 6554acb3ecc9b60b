package commission

import (
	"errors"
	"strings"
)

// Outcome summarizes a calculation run.
type Outcome string

const (
	// OutcomeRunning marks a claimed calculation that has not finished.
	OutcomeRunning Outcome = "running"
	// OutcomeCompleted means every stage succeeded.
	OutcomeCompleted Outcome = "completed"
	// OutcomePartial means at least one stage failed; commissions from other stages stand.
	OutcomePartial Outcome = "partial"
	// OutcomeSkipped means the calculation did not run and changed nothing.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFatal means the calculation could not start because storage failed.
	OutcomeFatal Outcome = "fatal"
)

// Skip reasons reported in Result.Reason.
const (
	ReasonAlreadyCalculated = "already_calculated"
	ReasonOrderNotFound     = "order_not_found"
	ReasonNotConfirmed      = "not_confirmed"
	ReasonBuyerNotFound     = "buyer_not_found"
)

// Stage names one step of a calculation.
type Stage string

const (
	StageLoad       Stage = "load"
	StageTier       Stage = "tier_update"
	StageDirect     Stage = "direct"
	StageGroup      Stage = "group"
	StageVolume     Stage = "volume"
	StageManagement Stage = "management"
)

// StageResult records the outcome of one stage.
type StageResult struct {
	Stage Stage
	Err   error
}

// Result is the typed outcome of a calculation.
type Result struct {
	OrderID     string
	Outcome     Outcome
	Reason      string
	Stages      []StageResult
	Commissions []Commission
}

// FailedStages lists the stages that returned an error.
func (r Result) FailedStages() []Stage {
	var failed []Stage
	for _, stage := range r.Stages {
		if stage.Err != nil {
			failed = append(failed, stage.Stage)
		}
	}
	return failed
}

// Err joins the errors of every failed stage, or the fatal cause.
func (r Result) Err() error {
	errs := make([]error, 0, len(r.Stages))
	for _, stage := range r.Stages {
		if stage.Err != nil {
			errs = append(errs, stage.Err)
		}
	}
	return errors.Join(errs...)
}

func (r *Result) record(stage Stage, err error) {
	r.Stages = append(r.Stages, StageResult{Stage: stage, Err: err})
}

func joinStages(stages []Stage) string {
	names := make([]string, len(stages))
	for index, stage := range stages {
		names[index] = string(stage)
	}
	return strings.Join(names, ",")
}
