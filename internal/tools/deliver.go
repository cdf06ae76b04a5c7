package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/praxisworks/praxis/internal/agent"
	"github.com/praxisworks/praxis/pkg/models"
)

// DeliverArtifactsTool pushes generated files to the user's chat through the
// gateway. The engine records the returned receipts on the task state, so
// verification can tell whether claimed deliveries actually happened.
type DeliverArtifactsTool struct{}

type deliverParams struct {
	Artifacts []deliverArtifact `json:"artifacts" jsonschema_description:"要发送的文件列表"`
}

type deliverArtifact struct {
	Type    string `json:"type" jsonschema:"enum=file,enum=image,enum=voice" jsonschema_description:"制品类型"`
	Path    string `json:"path,omitempty" jsonschema_description:"本地文件路径，与 url 二选一"`
	URL     string `json:"url,omitempty" jsonschema_description:"文件 URL，与 path 二选一"`
	Caption string `json:"caption,omitempty" jsonschema_description:"可选说明文字"`
}

func (DeliverArtifactsTool) Name() string { return "deliver_artifacts" }

func (DeliverArtifactsTool) Description() string {
	return "将生成的文件、图片或语音发送给用户。任务产出文件后必须调用本工具交付，仅在回复中提及文件路径不算交付。"
}

func (DeliverArtifactsTool) Schema() json.RawMessage { return schemaFor[deliverParams]() }
func (DeliverArtifactsTool) Handler() string         { return "" }

func (DeliverArtifactsTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var p deliverParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if len(p.Artifacts) == 0 {
		return &agent.ToolOutput{Content: "artifacts 不能为空", IsError: true}, nil
	}
	if tc == nil || tc.Gateway == nil {
		return &agent.ToolOutput{Content: "当前会话不支持文件交付", IsError: true}, nil
	}

	artifacts := make([]models.Artifact, 0, len(p.Artifacts))
	for i, a := range p.Artifacts {
		if a.Path == "" && a.URL == "" {
			return &agent.ToolOutput{
				Content: fmt.Sprintf("第 %d 个制品缺少 path 或 url", i+1),
				IsError: true,
			}, nil
		}
		artifacts = append(artifacts, models.Artifact{
			Type:    a.Type,
			Path:    a.Path,
			URL:     a.URL,
			Caption: a.Caption,
		})
	}

	receipts, err := tc.Gateway.SendArtifacts(ctx, tc.SessionKey, artifacts)
	if err != nil {
		return nil, err
	}
	for _, r := range receipts {
		tc.EmitEvent(agent.Event{Type: agent.EventArtifact, Data: map[string]any{
			"status":   r.Status,
			"path":     r.Path,
			"file_url": r.FileURL,
		}})
	}

	out, err := json.Marshal(map[string]any{"receipts": receipts})
	if err != nil {
		return nil, err
	}
	failed := 0
	for _, r := range receipts {
		if r.Status == models.DeliveryFailed {
			failed++
		}
	}
	return &agent.ToolOutput{Content: string(out), IsError: failed == len(receipts) && failed > 0}, nil
}
