package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/praxisworks/praxis/internal/agent"
)

// AskUserTool pauses the task to ask the user a question. The reasoning
// engine intercepts calls to it before dispatch — Execute only runs if a
// call somehow reaches the executor, and then simply restates the question.
type AskUserTool struct{}

type askUserParams struct {
	Question string `json:"question" jsonschema_description:"需要用户回答的问题"`
}

func (AskUserTool) Name() string { return "ask_user" }

func (AskUserTool) Description() string {
	return "当缺少继续执行所必需的信息时，向用户提问并等待回复。不要用于可以自行决定的细节。"
}

func (AskUserTool) Schema() json.RawMessage { return schemaFor[askUserParams]() }
func (AskUserTool) Handler() string         { return "" }

func (AskUserTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var p askUserParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	return &agent.ToolOutput{Content: "已向用户提问: " + p.Question}, nil
}
