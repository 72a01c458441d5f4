package model

import "time"

// Account failure stages.
const (
	FailureStageSignals     = "signals"
	FailureStageScoring     = "scoring"
	FailureStageComposition = "composition"
	FailureStageTimeout     = "timeout"
)

// AccountFailure records one isolated per-account failure in a cycle.
type AccountFailure struct {
	AccountID  string `json:"account_id"`
	Stage      string `json:"stage"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Code       string `json:"code"`
	Detail     string `json:"detail"`
}

// CycleReport summarises one scheduler pass.
type CycleReport struct {
	CycleID             string           `json:"cycle_id"`
	AsOf                time.Time        `json:"as_of"`
	StartedAt           time.Time        `json:"started_at"`
	Duration            time.Duration    `json:"duration"`
	AccountsProcessed   int              `json:"accounts_processed"`
	AccountsMonitorOnly int              `json:"accounts_monitor_only"`
	TriggersFired       int              `json:"triggers_fired"`
	InstancesCreated    int              `json:"instances_created"`
	InstancesDeduped    int              `json:"instances_deduped"`
	Failures            []AccountFailure `json:"failures,omitempty"`
	Queue               []RankedInstance `json:"queue"`
}

// Succeeded reports whether every account was processed without failure.
func (r CycleReport) Succeeded() bool {
	return len(r.Failures) == 0
}
