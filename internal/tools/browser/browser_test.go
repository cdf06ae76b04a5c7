package browser

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/praxisworks/praxis/internal/agent"
)

func TestToolSetShape(t *testing.T) {
	b := New(Config{Headless: true})
	defer b.Close()

	tools := b.Tools()
	if len(tools) != 3 {
		t.Fatalf("tool count = %d, want 3", len(tools))
	}
	wantNames := map[string]bool{
		"browser_navigate":    false,
		"browser_get_content": false,
		"browser_screenshot":  false,
	}
	for _, tool := range tools {
		if tool.Handler() != "browser" {
			t.Errorf("%s: handler = %q, want browser", tool.Name(), tool.Handler())
		}
		if _, ok := wantNames[tool.Name()]; !ok {
			t.Errorf("unexpected tool %s", tool.Name())
		}
		wantNames[tool.Name()] = true
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			t.Errorf("%s: bad schema: %v", tool.Name(), err)
		}
	}
	for name, seen := range wantNames {
		if !seen {
			t.Errorf("missing tool %s", name)
		}
	}
}

func TestNavigateRejectsBadURL(t *testing.T) {
	b := New(Config{Headless: true})
	defer b.Close()
	tool := &NavigateTool{browser: b}

	// Validation happens before Chrome starts, so no browser is needed.
	out, err := tool.Execute(context.Background(), &agent.ToolContext{}, json.RawMessage(`{"url":"javascript:alert(1)"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.IsError {
		t.Fatal("non-http URL should be rejected")
	}
}

func TestClosedBrowserRefusesWork(t *testing.T) {
	b := New(Config{Headless: true})
	b.Close()
	tool := &GetContentTool{browser: b}

	out, err := tool.Execute(context.Background(), &agent.ToolContext{}, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.IsError {
		t.Fatalf("closed browser should produce an error result, got %+v", out)
	}
}

func TestCurrentURLTracking(t *testing.T) {
	b := New(Config{Headless: true})
	defer b.Close()
	if b.CurrentURL() != "" {
		t.Fatal("fresh session should have no URL")
	}
	b.setURL("https://example.com")
	if b.CurrentURL() != "https://example.com" {
		t.Fatalf("CurrentURL = %q", b.CurrentURL())
	}
}
