package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/praxisworks/praxis/internal/agent"
	"github.com/praxisworks/praxis/pkg/models"
)

func planContext() (*agent.ToolContext, *[]agent.Event) {
	var events []agent.Event
	tc := &agent.ToolContext{
		Session: &models.Session{ID: "s1"},
		Emit:    func(ev agent.Event) { events = append(events, ev) },
	}
	return tc, &events
}

func mustExecute(t *testing.T, tool agent.Tool, tc *agent.ToolContext, params string) *agent.ToolOutput {
	t.Helper()
	out, err := tool.Execute(context.Background(), tc, json.RawMessage(params))
	if err != nil {
		t.Fatalf("%s: %v", tool.Name(), err)
	}
	return out
}

func TestCreatePlan(t *testing.T) {
	tc, events := planContext()
	out := mustExecute(t, CreatePlanTool{}, tc, `{"goal":"写周报","steps":["收集数据","起草","发送"]}`)
	if out.IsError {
		t.Fatalf("unexpected error: %s", out.Content)
	}

	plan := models.PlanFromVariable(tc.Session.Variable(models.PlanVariableKey))
	if plan == nil || !plan.Active || len(plan.Steps) != 3 {
		t.Fatalf("plan not stored: %+v", plan)
	}
	if plan.Steps[0].ID != 1 || plan.Steps[0].Status != models.StepPending {
		t.Fatalf("step ids/status wrong: %+v", plan.Steps[0])
	}
	if len(*events) != 1 || (*events)[0].Type != agent.EventPlanCreated {
		t.Fatalf("expected plan_created event, got %+v", *events)
	}
	if !strings.Contains(out.Content, "写周报") {
		t.Fatalf("checklist missing goal: %s", out.Content)
	}
}

func TestCreatePlanValidation(t *testing.T) {
	tc, _ := planContext()
	if out := mustExecute(t, CreatePlanTool{}, tc, `{"goal":"","steps":["a"]}`); !out.IsError {
		t.Fatal("empty goal should fail")
	}
	if out := mustExecute(t, CreatePlanTool{}, tc, `{"goal":"x","steps":[]}`); !out.IsError {
		t.Fatal("empty steps should fail")
	}
	noSession := &agent.ToolContext{}
	if out := mustExecute(t, CreatePlanTool{}, noSession, `{"goal":"x","steps":["a"]}`); !out.IsError {
		t.Fatal("missing session should fail")
	}
}

func TestUpdatePlanStep(t *testing.T) {
	tc, events := planContext()
	mustExecute(t, CreatePlanTool{}, tc, `{"goal":"g","steps":["a","b"]}`)

	out := mustExecute(t, UpdatePlanTool{}, tc, `{"step_id":1,"status":"completed","note":"ok"}`)
	if out.IsError {
		t.Fatalf("unexpected error: %s", out.Content)
	}
	plan := models.PlanFromVariable(tc.Session.Variable(models.PlanVariableKey))
	if plan.Steps[0].Status != models.StepCompleted || plan.Steps[0].Note != "ok" {
		t.Fatalf("step not updated: %+v", plan.Steps[0])
	}

	last := (*events)[len(*events)-1]
	if last.Type != agent.EventPlanStepUpdated {
		t.Fatalf("expected plan_step_updated event, got %s", last.Type)
	}

	if out := mustExecute(t, UpdatePlanTool{}, tc, `{"step_id":99,"status":"completed"}`); !out.IsError {
		t.Fatal("unknown step should fail")
	}
	if out := mustExecute(t, UpdatePlanTool{}, tc, `{"step_id":2,"status":"done"}`); !out.IsError {
		t.Fatal("invalid status should fail")
	}
}

func TestUpdatePlanWithoutPlan(t *testing.T) {
	tc, _ := planContext()
	if out := mustExecute(t, UpdatePlanTool{}, tc, `{"step_id":1,"status":"completed"}`); !out.IsError {
		t.Fatal("update without plan should fail")
	}
}

func TestCompletePlanRequiresSettledSteps(t *testing.T) {
	tc, _ := planContext()
	mustExecute(t, CreatePlanTool{}, tc, `{"goal":"g","steps":["a","b"]}`)

	if out := mustExecute(t, CompletePlanTool{}, tc, `{}`); !out.IsError {
		t.Fatal("complete with pending steps should fail")
	}

	mustExecute(t, UpdatePlanTool{}, tc, `{"step_id":1,"status":"completed"}`)
	mustExecute(t, UpdatePlanTool{}, tc, `{"step_id":2,"status":"skipped"}`)

	out := mustExecute(t, CompletePlanTool{}, tc, `{"summary":"全部搞定"}`)
	if out.IsError {
		t.Fatalf("unexpected error: %s", out.Content)
	}
	plan := models.PlanFromVariable(tc.Session.Variable(models.PlanVariableKey))
	if plan.Active {
		t.Fatal("plan should be deactivated")
	}

	// A second complete finds no active plan.
	if out := mustExecute(t, CompletePlanTool{}, tc, `{}`); !out.IsError {
		t.Fatal("complete without active plan should fail")
	}
}

func TestPlanSurvivesJSONRoundTrip(t *testing.T) {
	tc, _ := planContext()
	mustExecute(t, CreatePlanTool{}, tc, `{"goal":"g","steps":["a"]}`)

	// Sessions round-trip through JSON on persistence; the stored plan then
	// comes back as a generic map.
	raw, err := json.Marshal(tc.Session.Variable(models.PlanVariableKey))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	tc.Session.SetVariable(models.PlanVariableKey, generic)

	out := mustExecute(t, UpdatePlanTool{}, tc, `{"step_id":1,"status":"completed"}`)
	if out.IsError {
		t.Fatalf("update after round trip failed: %s", out.Content)
	}
}

func TestPlanSchemas(t *testing.T) {
	for _, tool := range []agent.Tool{CreatePlanTool{}, UpdatePlanTool{}, CompletePlanTool{}} {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			t.Fatalf("%s: schema not valid JSON: %v", tool.Name(), err)
		}
		if schema["type"] != "object" {
			t.Fatalf("%s: schema type = %v", tool.Name(), schema["type"])
		}
		if _, hasRef := schema["$ref"]; hasRef {
			t.Fatalf("%s: schema must be inline", tool.Name())
		}
	}
}
