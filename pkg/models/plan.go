package models

import (
	"encoding/json"
	"time"
)

// PlanStepStatus is the lifecycle state of one plan step.
type PlanStepStatus string

const (
	StepPending    PlanStepStatus = "pending"
	StepInProgress PlanStepStatus = "in_progress"
	StepCompleted  PlanStepStatus = "completed"
	StepFailed     PlanStepStatus = "failed"
	StepSkipped    PlanStepStatus = "skipped"
)

// PlanStep is a single unit of work inside a plan.
type PlanStep struct {
	ID     int            `json:"id"`
	Title  string         `json:"title"`
	Status PlanStepStatus `json:"status"`
	Note   string         `json:"note,omitempty"`
}

// Plan is a multi-step execution plan tracked in session variables. Tools
// create and update it; completion flips the verification fast path.
type Plan struct {
	Goal      string     `json:"goal"`
	Steps     []PlanStep `json:"steps"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// PlanVariableKey is the session variable under which the active plan is
// stored.
const PlanVariableKey = "active_plan"

// HasPending reports whether any step is still pending or in progress.
func (p *Plan) HasPending() bool {
	if p == nil {
		return false
	}
	for _, s := range p.Steps {
		if s.Status == StepPending || s.Status == StepInProgress {
			return true
		}
	}
	return false
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id int) *PlanStep {
	if p == nil {
		return nil
	}
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// PlanFromVariable decodes a plan previously stored in session variables.
// Session snapshots round-trip through JSON, so the stored value may be a
// *Plan, a Plan, or a generic map. Returns nil when the value is absent or
// not a plan.
func PlanFromVariable(v any) *Plan {
	switch p := v.(type) {
	case *Plan:
		return p
	case Plan:
		return &p
	case map[string]any:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil
		}
		var plan Plan
		if err := json.Unmarshal(raw, &plan); err != nil {
			return nil
		}
		return &plan
	default:
		return nil
	}
}
