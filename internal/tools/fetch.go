package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/praxisworks/praxis/internal/agent"
)

const (
	// maxFetchBody caps how much of a response body is returned.
	maxFetchBody = 256 * 1024

	defaultFetchTimeout = 30 * time.Second
)

// FetchTool performs a bounded HTTP GET.
type FetchTool struct {
	// Client overrides the default HTTP client, for tests.
	Client *http.Client
}

type fetchParams struct {
	URL string `json:"url" jsonschema_description:"要抓取的 http(s) 地址"`
}

func (t *FetchTool) Name() string { return "http_fetch" }

func (t *FetchTool) Description() string {
	return "抓取一个网页或 API 的内容（GET 请求）。返回响应状态和正文；正文过大时会被截断。"
}

func (t *FetchTool) Schema() json.RawMessage { return schemaFor[fetchParams]() }
func (t *FetchTool) Handler() string         { return "network" }

func (t *FetchTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var p fetchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	parsed, err := url.Parse(p.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return &agent.ToolOutput{Content: fmt.Sprintf("无效的 URL: %q", p.URL), IsError: true}, nil
	}

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "praxis/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return &agent.ToolOutput{Content: fmt.Sprintf("请求失败: %v", err), IsError: true}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody+1))
	if err != nil {
		return &agent.ToolOutput{Content: fmt.Sprintf("读取响应失败: %v", err), IsError: true}, nil
	}
	truncated := false
	if len(body) > maxFetchBody {
		body = body[:maxFetchBody]
		truncated = true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP %d %s\n", resp.StatusCode, resp.Header.Get("Content-Type"))
	b.Write(body)
	if truncated {
		b.WriteString("\n... (正文已截断)")
	}
	return &agent.ToolOutput{
		Content: b.String(),
		IsError: resp.StatusCode >= 400,
	}, nil
}
