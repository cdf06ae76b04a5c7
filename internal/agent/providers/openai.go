package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/praxisworks/praxis/internal/agent"
	"github.com/praxisworks/praxis/internal/agent/toolconv"
	"github.com/praxisworks/praxis/pkg/models"
)

// OpenAIProvider serves models through OpenAI's chat completions API. A
// custom BaseURL points it at any OpenAI-compatible endpoint (OpenRouter,
// vLLM, Ollama's compatibility layer), so one provider type covers the whole
// family; Name and Models let the config layer register several such
// endpoints side by side.
//
// Differences from the Anthropic provider that matter here:
//   - the system prompt travels inside the messages array
//   - tool calls stream as fragments and are accumulated by index
//   - each tool result becomes its own message with role "tool"
type OpenAIProvider struct {
	BaseProvider
	client       *openai.Client
	defaultModel string
	models       []agent.Model
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey authenticates against the endpoint. May be empty for local
	// endpoints that do not check credentials.
	APIKey string

	// BaseURL overrides the API endpoint for OpenAI-compatible services.
	BaseURL string

	// Name overrides the provider name, for registering multiple
	// OpenAI-compatible endpoints. Default "openai".
	Name string

	// DefaultModel is used when a request names no model. Default "gpt-4o".
	DefaultModel string

	// Models overrides the advertised model list. Custom endpoints serve
	// their own model set, which the built-in list cannot know.
	Models []agent.Model

	// MaxRetries bounds retry attempts for transient failures. Default 3.
	MaxRetries int

	// RetryDelay is the base backoff delay, growing linearly per attempt.
	// Default 1s.
	RetryDelay time.Duration
}

// NewOpenAIProvider creates a provider from the config.
func NewOpenAIProvider(config OpenAIConfig) *OpenAIProvider {
	if config.Name == "" {
		config.Name = "openai"
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}

	models := config.Models
	if len(models) == 0 {
		models = []agent.Model{
			{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, MaxOutputTokens: 16384, SupportsVision: true},
			{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000, MaxOutputTokens: 16384, SupportsVision: true},
			{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, MaxOutputTokens: 4096, SupportsVision: true},
			{ID: "o3-mini", Name: "o3-mini", ContextSize: 200000, MaxOutputTokens: 100000, SupportsVision: false},
		}
	}

	return &OpenAIProvider{
		BaseProvider: NewBaseProvider(config.Name, config.MaxRetries, config.RetryDelay),
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
		models:       models,
	}
}

// Models returns the models this endpoint advertises.
func (p *OpenAIProvider) Models() []agent.Model {
	return p.models
}

// SupportsTools reports tool use support; always true for the chat
// completions API.
func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

// Complete sends one completion request and streams the response. Stream
// creation is retried with linear backoff for retryable failures.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chunks := make(chan *agent.CompletionChunk)

	go func() {
		defer close(chunks)

		var stream *openai.ChatCompletionStream
		err := p.Retry(ctx, IsRetryable, func() error {
			var streamErr error
			stream, streamErr = p.createStream(ctx, req)
			if streamErr != nil {
				return p.wrapError(streamErr, p.model(req.Model))
			}
			return nil
		})
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: err}
			return
		}

		p.processStream(ctx, stream, chunks, p.model(req.Model))
	}()

	return chunks, nil
}

func (p *OpenAIProvider) createStream(ctx context.Context, req *agent.CompletionRequest) (*openai.ChatCompletionStream, error) {
	request := openai.ChatCompletionRequest{
		Model:     p.model(req.Model),
		Messages:  convertOpenAIMessages(req.Messages, req.System),
		MaxTokens: maxTokensOrDefault(req.MaxTokens),
		Stream:    true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	if len(req.Tools) > 0 {
		request.Tools = toolconv.ToOpenAITools(req.Tools)
	}

	return p.client.CreateChatCompletionStream(ctx, request)
}

// processStream converts chat completion chunks into CompletionChunks.
//
// Text deltas are forwarded as they arrive. Tool calls stream as fragments
// keyed by index (id and name in the first fragment, argument JSON spread
// over the rest) and are flushed whole when the finish reason arrives or the
// stream hits EOF. Reasoning models stream their thinking through
// reasoning_content, which maps onto Thinking chunks. The usage-only chunk
// the API appends after the final choice carries the token counts for Done.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer stream.Close()

	pending := make(map[int]*models.ToolCall)
	args := make(map[int]*strings.Builder)
	inThinking := false
	var stopReason string
	var inputTokens, outputTokens int

	flushToolCalls := func() {
		indexes := make([]int, 0, len(pending))
		for idx := range pending {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			tc := pending[idx]
			if tc.ID == "" || tc.Name == "" {
				continue
			}
			tc.Input = json.RawMessage(args[idx].String())
			chunks <- &agent.CompletionChunk{ToolCall: tc}
		}
		pending = make(map[int]*models.ToolCall)
		args = make(map[int]*strings.Builder)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				if inThinking {
					chunks <- &agent.CompletionChunk{ThinkingEnd: true}
				}
				chunks <- &agent.CompletionChunk{
					Done:         true,
					StopReason:   stopReason,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
			return
		}

		// The usage chunk arrives with an empty choice list after the
		// final content chunk.
		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		delta := choice.Delta

		if delta.ReasoningContent != "" {
			if !inThinking {
				inThinking = true
				chunks <- &agent.CompletionChunk{ThinkingStart: true}
			}
			chunks <- &agent.CompletionChunk{Thinking: delta.ReasoningContent}
		}

		if delta.Content != "" {
			if inThinking {
				inThinking = false
				chunks <- &agent.CompletionChunk{ThinkingEnd: true}
			}
			chunks <- &agent.CompletionChunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if pending[index] == nil {
				pending[index] = &models.ToolCall{}
				args[index] = &strings.Builder{}
			}
			if tc.ID != "" {
				pending[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				args[index].WriteString(tc.Function.Arguments)
			}
		}

		if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
			stopReason = normalizeOpenAIFinishReason(choice.FinishReason)
			if choice.FinishReason == openai.FinishReasonToolCalls {
				flushToolCalls()
			}
		}
	}
}

// convertOpenAIMessages maps transcript messages onto the chat completions
// format. The system prompt leads the array; tool-result envelopes expand
// into one "tool" message per result.
func convertOpenAIMessages(messages []*models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg == nil || msg.Role == models.RoleSystem {
			continue
		}

		for _, tr := range msg.ToolResults {
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    tr.Content,
				ToolCallID: tr.ToolCallID,
			})
		}

		switch msg.Role {
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				arguments := string(tc.Input)
				if strings.TrimSpace(arguments) == "" {
					arguments = "{}"
				}
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: arguments,
					},
				})
			}
			if oaiMsg.Content != "" || len(oaiMsg.ToolCalls) > 0 {
				result = append(result, oaiMsg)
			}

		default:
			if msg.Content != "" {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: msg.Content,
				})
			}
		}
	}

	return result
}

// normalizeOpenAIFinishReason folds finish reasons onto the normalized set
// the engine understands.
func normalizeOpenAIFinishReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonStop:
		return "end_turn"
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return "tool_use"
	case openai.FinishReasonLength:
		return "max_tokens"
	default:
		return ""
	}
}

func (p *OpenAIProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// wrapError folds SDK errors into ProviderErrors, pulling the status and
// error fields out of API errors when present.
func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError(p.Name(), model, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if apiErr.Type != "" && providerErr.Code == "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError(p.Name(), model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewProviderError(p.Name(), model, fmt.Errorf("request failed: %w", err))
}
