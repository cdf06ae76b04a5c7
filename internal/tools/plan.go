package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/praxisworks/praxis/internal/agent"
	"github.com/praxisworks/praxis/pkg/models"
)

// CreatePlanTool replaces the session's active plan with a fresh step list.
type CreatePlanTool struct{}

type createPlanParams struct {
	Goal  string   `json:"goal" jsonschema_description:"总体目标的一句话描述"`
	Steps []string `json:"steps" jsonschema_description:"按执行顺序排列的步骤标题"`
}

func (CreatePlanTool) Name() string { return "create_plan" }

func (CreatePlanTool) Description() string {
	return "为复杂任务创建执行计划。列出按顺序执行的步骤；后续用 update_plan 标记进度，全部完成后调用 complete_plan。"
}

func (CreatePlanTool) Schema() json.RawMessage { return schemaFor[createPlanParams]() }
func (CreatePlanTool) Handler() string         { return "" }

func (CreatePlanTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var p createPlanParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if strings.TrimSpace(p.Goal) == "" {
		return &agent.ToolOutput{Content: "goal 不能为空", IsError: true}, nil
	}
	if len(p.Steps) == 0 {
		return &agent.ToolOutput{Content: "steps 不能为空", IsError: true}, nil
	}
	if tc == nil || tc.Session == nil {
		return &agent.ToolOutput{Content: "当前会话不支持计划管理", IsError: true}, nil
	}

	now := time.Now()
	plan := &models.Plan{
		Goal:      p.Goal,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, title := range p.Steps {
		plan.Steps = append(plan.Steps, models.PlanStep{
			ID:     i + 1,
			Title:  title,
			Status: models.StepPending,
		})
	}
	tc.Session.SetVariable(models.PlanVariableKey, plan)

	tc.EmitEvent(agent.Event{Type: agent.EventPlanCreated, Data: map[string]any{
		"goal":  plan.Goal,
		"steps": len(plan.Steps),
	}})
	return &agent.ToolOutput{Content: renderPlan(plan)}, nil
}

// UpdatePlanTool changes one step's status and optional note.
type UpdatePlanTool struct{}

type updatePlanParams struct {
	StepID int    `json:"step_id" jsonschema_description:"要更新的步骤编号"`
	Status string `json:"status" jsonschema:"enum=pending,enum=in_progress,enum=completed,enum=failed,enum=skipped" jsonschema_description:"步骤的新状态"`
	Note   string `json:"note,omitempty" jsonschema_description:"可选备注，例如失败原因"`
}

func (UpdatePlanTool) Name() string { return "update_plan" }

func (UpdatePlanTool) Description() string {
	return "更新执行计划中某一步骤的状态。开始执行时标记 in_progress，结束时标记 completed、failed 或 skipped。"
}

func (UpdatePlanTool) Schema() json.RawMessage { return schemaFor[updatePlanParams]() }
func (UpdatePlanTool) Handler() string         { return "" }

func (UpdatePlanTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var p updatePlanParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	plan := activePlan(tc)
	if plan == nil {
		return &agent.ToolOutput{Content: "当前没有活动计划，请先调用 create_plan", IsError: true}, nil
	}
	step := plan.Step(p.StepID)
	if step == nil {
		return &agent.ToolOutput{Content: fmt.Sprintf("步骤 %d 不存在", p.StepID), IsError: true}, nil
	}
	status := models.PlanStepStatus(p.Status)
	switch status {
	case models.StepPending, models.StepInProgress, models.StepCompleted, models.StepFailed, models.StepSkipped:
	default:
		return &agent.ToolOutput{Content: fmt.Sprintf("无效状态 %q", p.Status), IsError: true}, nil
	}

	step.Status = status
	step.Note = p.Note
	plan.UpdatedAt = time.Now()
	tc.Session.SetVariable(models.PlanVariableKey, plan)

	tc.EmitEvent(agent.Event{Type: agent.EventPlanStepUpdated, Data: map[string]any{
		"step_id": step.ID,
		"status":  string(step.Status),
	}})
	return &agent.ToolOutput{Content: renderPlan(plan)}, nil
}

// CompletePlanTool deactivates the plan once every step is settled.
type CompletePlanTool struct{}

type completePlanParams struct {
	Summary string `json:"summary,omitempty" jsonschema_description:"可选的完成总结"`
}

func (CompletePlanTool) Name() string { return "complete_plan" }

func (CompletePlanTool) Description() string {
	return "在所有步骤都已结束后关闭当前执行计划。"
}

func (CompletePlanTool) Schema() json.RawMessage { return schemaFor[completePlanParams]() }
func (CompletePlanTool) Handler() string         { return "" }

func (CompletePlanTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var p completePlanParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	plan := activePlan(tc)
	if plan == nil {
		return &agent.ToolOutput{Content: "当前没有活动计划", IsError: true}, nil
	}
	if plan.HasPending() {
		return &agent.ToolOutput{
			Content: "计划还有未完成的步骤，请先用 update_plan 处理完所有步骤",
			IsError: true,
		}, nil
	}

	plan.Active = false
	plan.UpdatedAt = time.Now()
	tc.Session.SetVariable(models.PlanVariableKey, plan)

	out := "计划已完成"
	if p.Summary != "" {
		out += ": " + p.Summary
	}
	return &agent.ToolOutput{Content: out}, nil
}

func activePlan(tc *agent.ToolContext) *models.Plan {
	if tc == nil || tc.Session == nil {
		return nil
	}
	plan := models.PlanFromVariable(tc.Session.Variable(models.PlanVariableKey))
	if plan == nil || !plan.Active {
		return nil
	}
	return plan
}

// renderPlan formats the plan as the checklist echoed back to the model.
func renderPlan(plan *models.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "目标: %s\n", plan.Goal)
	for _, s := range plan.Steps {
		mark := " "
		switch s.Status {
		case models.StepInProgress:
			mark = ">"
		case models.StepCompleted:
			mark = "x"
		case models.StepFailed:
			mark = "!"
		case models.StepSkipped:
			mark = "-"
		}
		fmt.Fprintf(&b, "[%s] %d. %s", mark, s.ID, s.Title)
		if s.Note != "" {
			fmt.Fprintf(&b, " (%s)", s.Note)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
