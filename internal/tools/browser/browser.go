// Package browser exposes a headless-Chrome session as agent tools. One
// Browser instance backs all three tools; they share the handler group
// "browser" so the executor never races two of them inside the same tab.
//
// The Chrome process starts lazily on first use and is torn down by Close.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/praxisworks/praxis/internal/agent"
)

// defaultActionTimeout bounds a single navigation or extraction.
const defaultActionTimeout = 45 * time.Second

// Config tunes the shared browser session.
type Config struct {
	// Headless runs Chrome without a display. Default true.
	Headless bool

	// ScreenshotDir is where screenshots land; empty means the OS temp dir.
	ScreenshotDir string

	// ActionTimeout bounds each tool call. Default 45s.
	ActionTimeout time.Duration

	Logger *slog.Logger
}

// Browser owns one lazily started Chrome allocator and tab.
type Browser struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	allocCtx  context.Context
	tabCtx    context.Context
	cancelAll []context.CancelFunc
	started   bool
	closed    bool

	// currentURL tracks the last navigation for status echoes.
	currentURL string
}

// New builds a browser session without starting Chrome.
func New(cfg Config) *Browser {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Browser{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "browser"),
	}
}

// Tools returns the browser tool set bound to this session.
func (b *Browser) Tools() []agent.Tool {
	return []agent.Tool{
		&NavigateTool{browser: b},
		&GetContentTool{browser: b},
		&ScreenshotTool{browser: b},
	}
}

// Close tears down the Chrome process. The browser cannot be reused after.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for i := len(b.cancelAll) - 1; i >= 0; i-- {
		b.cancelAll[i]()
	}
	b.cancelAll = nil
	b.started = false
}

// tab returns the shared tab context, starting Chrome on first use.
func (b *Browser) tab() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("browser session closed")
	}
	if b.started {
		return b.tabCtx, nil
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	if !b.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	// Materialize the browser process now so a missing Chrome binary fails
	// here instead of mid-task.
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	b.allocCtx = allocCtx
	b.tabCtx = tabCtx
	b.cancelAll = []context.CancelFunc{cancelAlloc, cancelTab}
	b.started = true
	b.logger.Info("chrome session started", "headless", b.cfg.Headless)
	return tabCtx, nil
}

// run executes chromedp actions against the shared tab under the action
// timeout. The caller's ctx only gates the wait, not the tab lifetime.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	tab, err := b.tab()
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(tab, b.cfg.ActionTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(runCtx, actions...) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

func (b *Browser) setURL(url string) {
	b.mu.Lock()
	b.currentURL = url
	b.mu.Unlock()
}

// CurrentURL returns the last navigated URL, for loop-detection salting.
func (b *Browser) CurrentURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentURL
}

// NavigateTool opens a URL in the shared tab.
type NavigateTool struct {
	browser *Browser
}

type navigateParams struct {
	URL string `json:"url" jsonschema_description:"要打开的网页地址"`
}

func (t *NavigateTool) Name() string { return "browser_navigate" }

func (t *NavigateTool) Description() string {
	return "在浏览器中打开指定网页。打开后用 browser_get_content 读取内容，或用 browser_screenshot 截图。"
}

func (t *NavigateTool) Schema() json.RawMessage { return reflectSchema[navigateParams]() }
func (t *NavigateTool) Handler() string         { return "browser" }

func (t *NavigateTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var p navigateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
		return &agent.ToolOutput{Content: fmt.Sprintf("无效的 URL: %q", p.URL), IsError: true}, nil
	}

	var title string
	err := t.browser.run(ctx,
		chromedp.Navigate(p.URL),
		chromedp.Title(&title),
	)
	if err != nil {
		return &agent.ToolOutput{Content: fmt.Sprintf("打开页面失败: %v", err), IsError: true}, nil
	}
	t.browser.setURL(p.URL)
	return &agent.ToolOutput{Content: fmt.Sprintf("已打开 %s\n标题: %s", p.URL, title)}, nil
}

// GetContentTool extracts the visible text of the current page.
type GetContentTool struct {
	browser *Browser
}

type getContentParams struct {
	Selector string `json:"selector,omitempty" jsonschema_description:"可选的 CSS 选择器，默认取整个页面正文"`
}

// maxContentRunes caps extracted page text.
const maxContentRunes = 64 * 1024

func (t *GetContentTool) Name() string { return "browser_get_content" }

func (t *GetContentTool) Description() string {
	return "读取当前页面的可见文本内容。可以用 CSS 选择器缩小范围；内容过长时会被截断。"
}

func (t *GetContentTool) Schema() json.RawMessage { return reflectSchema[getContentParams]() }
func (t *GetContentTool) Handler() string         { return "browser" }

func (t *GetContentTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var p getContentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	selector := p.Selector
	if selector == "" {
		selector = "body"
	}

	var text string
	err := t.browser.run(ctx,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Text(selector, &text, chromedp.ByQuery),
	)
	if err != nil {
		return &agent.ToolOutput{Content: fmt.Sprintf("读取页面内容失败: %v", err), IsError: true}, nil
	}

	runes := []rune(text)
	if len(runes) > maxContentRunes {
		text = string(runes[:maxContentRunes]) + "\n... (内容已截断)"
	}
	if strings.TrimSpace(text) == "" {
		text = "(页面没有可见文本)"
	}
	return &agent.ToolOutput{Content: text}, nil
}

// ScreenshotTool captures the current viewport to a file and reports its
// path; pair it with deliver_artifacts to send the image to the user.
type ScreenshotTool struct {
	browser *Browser
}

type screenshotParams struct {
	FullPage bool `json:"full_page,omitempty" jsonschema_description:"是否截取整个页面而不只是可视区域"`
}

func (t *ScreenshotTool) Name() string { return "browser_screenshot" }

func (t *ScreenshotTool) Description() string {
	return "对当前页面截图并保存为 PNG 文件，返回文件路径。需要发送给用户时调用 deliver_artifacts。"
}

func (t *ScreenshotTool) Schema() json.RawMessage { return reflectSchema[screenshotParams]() }
func (t *ScreenshotTool) Handler() string         { return "browser" }

func (t *ScreenshotTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolOutput, error) {
	var p screenshotParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	var shot []byte
	var action chromedp.Action
	if p.FullPage {
		action = chromedp.FullScreenshot(&shot, 90)
	} else {
		action = chromedp.CaptureScreenshot(&shot)
	}
	if err := t.browser.run(ctx, action); err != nil {
		return &agent.ToolOutput{Content: fmt.Sprintf("截图失败: %v", err), IsError: true}, nil
	}

	dir := t.browser.cfg.ScreenshotDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("screenshot-%s.png", uuid.NewString()[:8]))
	if err := os.WriteFile(path, shot, 0o644); err != nil {
		return nil, err
	}

	return &agent.ToolOutput{Content: fmt.Sprintf("截图已保存: %s (%d bytes)", path, len(shot))}, nil
}

// reflectSchema mirrors the inline-schema reflection the core tool set uses.
func reflectSchema[T any]() json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("browser: reflect schema: %v", err))
	}
	return raw
}
