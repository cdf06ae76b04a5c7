package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/praxisworks/praxis/internal/agent"
)

const (
	// defaultShellTimeout bounds a single command.
	defaultShellTimeout = 60 * time.Second

	// maxShellOutput caps captured combined output.
	maxShellOutput = 32 * 1024
)

// ShellTool runs a shell command on the host. Commands in the desktop group
// serialize: two shells never race over the same working tree.
type ShellTool struct {
	// Timeout overrides defaultShellTimeout when positive.
	Timeout time.Duration

	// WorkDir, when set, is the working directory for every command.
	WorkDir string
}

type shellParams struct {
	Command string `json:"command" jsonschema_description:"要执行的 shell 命令"`
	Timeout int    `json:"timeout,omitempty" jsonschema_description:"超时秒数，默认 60"`
}

func (t *ShellTool) Name() string { return "shell_exec" }

func (t *ShellTool) Description() string {
	return "在主机上执行 shell 命令并返回输出。适合文件操作、脚本运行和系统查询；长时间任务请拆分执行。"
}

func (t *ShellTool) Schema() json.RawMessage { return schemaFor[shellParams]() }
func (t *ShellTool) Handler() string         { return "desktop" }

func (t *ShellTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var p shellParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if strings.TrimSpace(p.Command) == "" {
		return &agent.ToolOutput{Content: "command 不能为空", IsError: true}, nil
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	cmd.Dir = t.WorkDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if len(output) > maxShellOutput {
		output = output[:maxShellOutput] + "\n... (输出已截断)"
	}

	if ctx.Err() == context.DeadlineExceeded {
		return &agent.ToolOutput{
			Content: fmt.Sprintf("命令执行超时 (%s)\n%s", timeout, output),
			IsError: true,
		}, nil
	}
	if err != nil {
		return &agent.ToolOutput{
			Content: fmt.Sprintf("命令失败: %v\n%s", err, output),
			IsError: true,
		}, nil
	}
	if output == "" {
		output = "(无输出)"
	}
	return &agent.ToolOutput{Content: output}, nil
}
