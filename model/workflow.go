package model

import "time"

// Workflow instance status constants.
const (
	InstanceStatusInProgress = "in_progress"
	InstanceStatusCompleted  = "completed"
)

// StepStatus is the lifecycle status of a single step.
type StepStatus string

// Step status constants.
const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusSnoozed    StepStatus = "snoozed"
	StepStatusSkipped    StepStatus = "skipped"
	StepStatusEscalated  StepStatus = "escalated"
)

// Terminal reports whether no further transition can leave the status.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// Open reports whether the step is still actionable work.
func (s StepStatus) Open() bool {
	return s == StepStatusPending || s == StepStatusInProgress
}

// ActionType names a recorded step action.
type ActionType string

// Step action types.
const (
	ActionCreate           ActionType = "create"
	ActionOpen             ActionType = "open"
	ActionAdvance          ActionType = "advance"
	ActionSnooze           ActionType = "snooze"
	ActionSkip             ActionType = "skip"
	ActionEscalate         ActionType = "escalate"
	ActionWake             ActionType = "wake"
	ActionCompleteInstance ActionType = "complete_instance"
)

// TriggerKind is the class of workflow a determination rule fires.
type TriggerKind string

// Trigger kinds.
const (
	TriggerRisk        TriggerKind = "risk"
	TriggerOpportunity TriggerKind = "opportunity"
	TriggerRenewal     TriggerKind = "renewal"
	TriggerStrategic   TriggerKind = "strategic"
)

// TriggerVariant distinguishes risk/opportunity triggers that fall inside the
// renewal window from those that do not.
type TriggerVariant string

// Trigger variants.
const (
	VariantInBand    TriggerVariant = "in_band"
	VariantOutOfBand TriggerVariant = "out_of_band"
	VariantNone      TriggerVariant = ""
)

// WorkflowTrigger is a decision to create one workflow for an account.
type WorkflowTrigger struct {
	Kind                 TriggerKind    `json:"kind"`
	Variant              TriggerVariant `json:"variant,omitempty"`
	RenewalStage         RenewalStage   `json:"renewal_stage,omitempty"`
	WorkflowDefinitionID string         `json:"workflow_definition_id"`
	Reason               string         `json:"reason"`
}

// InstanceSignals are the account facts frozen onto an instance at creation
// time so the priority scorer can rank without re-reading the signal store.
type InstanceSignals struct {
	ARR           float64 `json:"arr"`
	DaysToRenewal int     `json:"days_to_renewal"`
	RenewalKnown  bool    `json:"renewal_known"`
	HealthDelta   float64 `json:"health_delta"`
	UsageTrendPct float64 `json:"usage_trend_pct"`
	Strategic     bool    `json:"strategic"`
}

// WorkflowInstance is one instantiated work-unit for an account.
// HasSnoozedSteps and NextDueDate are derived from the steps and are only
// ever written by the store inside a step transition.
type WorkflowInstance struct {
	ID                   string          `json:"id"`
	AccountID            string          `json:"account_id"`
	WorkflowDefinitionID string          `json:"workflow_definition_id"`
	Trigger              WorkflowTrigger `json:"trigger"`
	Signals              InstanceSignals `json:"signals"`
	PriorityScore        float64         `json:"priority_score"`
	CycleID              string          `json:"cycle_id,omitempty"`
	TotalSteps           int             `json:"total_steps"`
	Status               string          `json:"status"`
	HasSnoozedSteps      bool            `json:"has_snoozed_steps"`
	NextDueDate          *time.Time      `json:"next_due_date,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	Version              int             `json:"version"`
}

// StepState is the lifecycle record of one step of an instance.
type StepState struct {
	InstanceID      string         `json:"instance_id"`
	StepIndex       int            `json:"step_index"`
	StageID         string         `json:"stage_id"`
	Title           string         `json:"title"`
	Content         string         `json:"content"`
	Config          map[string]any `json:"config,omitempty"`
	Status          StepStatus     `json:"status"`
	SnoozeUntil     *time.Time     `json:"snooze_until,omitempty"`
	SnoozeCondition *Predicate     `json:"snooze_condition,omitempty"`
	SnoozedAt       *time.Time     `json:"snoozed_at,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	SkippedAt       *time.Time     `json:"skipped_at,omitempty"`
	EscalatedAt     *time.Time     `json:"escalated_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// StepAction is an append-only audit record of one step transition.
type StepAction struct {
	ID             string     `json:"id"`
	InstanceID     string     `json:"instance_id"`
	StepIndex      int        `json:"step_index"`
	ActorID        string     `json:"actor_id"`
	ActionType     ActionType `json:"action_type"`
	PreviousStatus StepStatus `json:"previous_status,omitempty"`
	NewStatus      StepStatus `json:"new_status"`
	Reason         string     `json:"reason,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// StepSeed is a composed, fully hydrated step ready to be persisted.
type StepSeed struct {
	StepIndex int            `json:"step_index"`
	StageID   string         `json:"stage_id"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Config    map[string]any `json:"config,omitempty"`
}

// WorkflowDocument is the structured hand-off to the UI layer.
// AllowedActions is aligned with Steps and lists what a user may do next
// with each step.
type WorkflowDocument struct {
	Instance       WorkflowInstance `json:"instance"`
	Steps          []StepState      `json:"steps"`
	AllowedActions [][]ActionType   `json:"allowed_actions"`
	History        []StepAction     `json:"history"`
}

// StepEvent is emitted to the notification collaborator on wake and
// escalation.
type StepEvent struct {
	AccountID  string     `json:"account_id"`
	InstanceID string     `json:"instance_id"`
	StepIndex  int        `json:"step_index"`
	NewStatus  StepStatus `json:"new_status"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// PriorityFactors is the per-instance breakdown of a priority score.
type PriorityFactors struct {
	ARRWeight         float64 `json:"arr_weight"`
	UrgencyWeight     float64 `json:"urgency_weight"`
	HealthDeltaWeight float64 `json:"health_delta_weight"`
	UsageDeltaWeight  float64 `json:"usage_delta_weight"`
	StrategicWeight   float64 `json:"strategic_weight"`
	Total             float64 `json:"total"`
}

// RankedInstance pairs an instance with its computed priority.
type RankedInstance struct {
	Rank     int              `json:"rank"`
	Instance WorkflowInstance `json:"instance"`
	Score    float64          `json:"score"`
	Factors  PriorityFactors  `json:"factors"`
}
