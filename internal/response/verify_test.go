package response

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/praxisworks/praxis/pkg/models"
)

type fakeCompleter struct {
	reply  string
	err    error
	calls  int
	prompt string
}

func (f *fakeCompleter) CompleteText(_ context.Context, _, prompt string) (string, error) {
	f.calls++
	f.prompt = prompt
	return f.reply, f.err
}

func TestVerifyFastPositiveDeliveredArtifacts(t *testing.T) {
	llm := &fakeCompleter{}
	v := NewVerifier(llm)

	got := v.Verify(context.Background(), VerifyInput{
		AssistantText: "文件已发送。",
		ExecutedTools: []string{"browser_screenshot", "deliver_artifacts"},
		Receipts:      []models.DeliveryReceipt{{Status: models.DeliveryDelivered, Path: "/tmp/shot.png"}},
	})
	if !got.Completed {
		t.Errorf("Verify = %+v, want completed", got)
	}
	if llm.calls != 0 {
		t.Errorf("judge called %d times on fast path", llm.calls)
	}
}

func TestVerifyFastPositiveCompletePlan(t *testing.T) {
	llm := &fakeCompleter{}
	v := NewVerifier(llm)

	got := v.Verify(context.Background(), VerifyInput{
		AssistantText: "计划全部完成。",
		ExecutedTools: []string{"create_plan", "complete_plan"},
	})
	if !got.Completed {
		t.Errorf("Verify = %+v, want completed", got)
	}
	if llm.calls != 0 {
		t.Errorf("judge called %d times on fast path", llm.calls)
	}
}

func TestVerifyFastNegativeDeliveryClaimWithoutReceipts(t *testing.T) {
	llm := &fakeCompleter{reply: "STATUS: COMPLETED"}
	v := NewVerifier(llm)

	got := v.Verify(context.Background(), VerifyInput{
		AssistantText: "报告已发给您，请查收。",
		ExecutedTools: []string{"shell_exec"},
	})
	if got.Completed {
		t.Errorf("Verify = %+v, want incomplete on unbacked delivery claim", got)
	}
	if llm.calls != 0 {
		t.Errorf("judge called %d times on fast path", llm.calls)
	}
}

func TestVerifyFailedDeliveryStillCounted(t *testing.T) {
	// deliver_artifacts ran but every receipt failed: not a fast positive,
	// and the claim-without-receipts negative does not apply either since
	// receipts exist. Falls through to the judge.
	llm := &fakeCompleter{reply: "STATUS: INCOMPLETE"}
	v := NewVerifier(llm)

	got := v.Verify(context.Background(), VerifyInput{
		AssistantText: "已发送文件。",
		ExecutedTools: []string{"deliver_artifacts"},
		Receipts:      []models.DeliveryReceipt{{Status: models.DeliveryFailed, Error: "too large"}},
	})
	if got.Completed {
		t.Errorf("Verify = %+v, want incomplete", got)
	}
	if llm.calls != 1 {
		t.Errorf("judge calls = %d, want 1", llm.calls)
	}
}

func TestVerifyPlanPending(t *testing.T) {
	llm := &fakeCompleter{reply: "STATUS: COMPLETED"}
	v := NewVerifier(llm)

	got := v.Verify(context.Background(), VerifyInput{
		AssistantText:  "我先做了前两步。",
		ExecutedTools:  []string{"update_plan"},
		PlanHasPending: true,
	})
	if got.Completed {
		t.Errorf("Verify = %+v, want incomplete with pending plan", got)
	}
	if llm.calls != 0 {
		t.Errorf("judge called %d times on fast path", llm.calls)
	}
}

func TestVerifyJudgeVerdicts(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		err       error
		completed bool
	}{
		{name: "completed", reply: "STATUS: COMPLETED", completed: true},
		{name: "incomplete", reply: "STATUS: INCOMPLETE", completed: false},
		{name: "incomplete wins over substring", reply: "STATUS: INCOMPLETE (almost COMPLETED)", completed: false},
		{name: "lowercase verdict", reply: "status: completed", completed: true},
		{name: "garbage defaults incomplete", reply: "maybe?", completed: false},
		{name: "llm error defaults incomplete", err: errors.New("boom"), completed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(&fakeCompleter{reply: tt.reply, err: tt.err})
			got := v.Verify(context.Background(), VerifyInput{
				UserRequest:   "查一下明天的天气",
				AssistantText: "明天多云，18 到 24 度。",
				ExecutedTools: []string{"http_fetch"},
			})
			if got.Completed != tt.completed {
				t.Errorf("Verify completed = %v, want %v (reason %q)", got.Completed, tt.completed, got.Reason)
			}
		})
	}
}

func TestJudgePromptCarriesContext(t *testing.T) {
	llm := &fakeCompleter{reply: "STATUS: COMPLETED"}
	v := NewVerifier(llm)

	v.Verify(context.Background(), VerifyInput{
		UserRequest:   "帮我查个东西",
		AssistantText: "查到了",
		ExecutedTools: []string{"http_fetch", "shell_exec"},
	})
	for _, want := range []string{"帮我查个东西", "查到了", "http_fetch, shell_exec"} {
		if !strings.Contains(llm.prompt, want) {
			t.Errorf("judge prompt missing %q", want)
		}
	}
}
