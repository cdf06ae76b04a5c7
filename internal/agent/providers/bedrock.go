package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/praxisworks/praxis/internal/agent"
	"github.com/praxisworks/praxis/internal/agent/toolconv"
	"github.com/praxisworks/praxis/pkg/models"
)

// BedrockProvider serves foundation models hosted on AWS Bedrock through
// the ConverseStream API: Anthropic Claude, Amazon Nova, Meta Llama, and
// whatever else the account has model access to.
//
// Authentication follows the AWS default credential chain unless explicit
// keys are configured.
type BedrockProvider struct {
	BaseProvider
	client       *bedrockruntime.Client
	defaultModel string
	region       string
}

// BedrockConfig configures a BedrockProvider. Credentials are optional;
// when absent the default chain (environment, shared config, IAM role)
// applies.
type BedrockConfig struct {
	// Region is the AWS region. Default "us-east-1".
	Region string

	// AccessKeyID and SecretAccessKey select static credentials when both
	// are set.
	AccessKeyID     string
	SecretAccessKey string

	// SessionToken accompanies temporary static credentials.
	SessionToken string

	// DefaultModel is used when a request names no model.
	// Default "anthropic.claude-sonnet-4-20250514-v1:0".
	DefaultModel string

	// MaxRetries bounds retry attempts for throttled requests. Default 3.
	MaxRetries int

	// RetryDelay is the base backoff delay, growing linearly per attempt.
	// Default 1s.
	RetryDelay time.Duration
}

// NewBedrockProvider creates a provider from the config, loading the AWS
// SDK configuration eagerly so credential problems surface at startup.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-sonnet-4-20250514-v1:0"
	}

	options := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockProvider{
		BaseProvider: NewBaseProvider("bedrock", cfg.MaxRetries, cfg.RetryDelay),
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		region:       cfg.Region,
	}, nil
}

// Models returns the Bedrock models this provider advertises. Actual
// availability depends on the account's model access grants.
func (p *BedrockProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "anthropic.claude-sonnet-4-20250514-v1:0", Name: "Claude Sonnet 4 (Bedrock)", ContextSize: 200000, MaxOutputTokens: 64000, SupportsVision: true},
		{ID: "anthropic.claude-opus-4-20250514-v1:0", Name: "Claude Opus 4 (Bedrock)", ContextSize: 200000, MaxOutputTokens: 32000, SupportsVision: true},
		{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", Name: "Claude 3.5 Sonnet (Bedrock)", ContextSize: 200000, MaxOutputTokens: 8192, SupportsVision: true},
		{ID: "anthropic.claude-3-5-haiku-20241022-v1:0", Name: "Claude 3.5 Haiku (Bedrock)", ContextSize: 200000, MaxOutputTokens: 8192, SupportsVision: false},
		{ID: "amazon.nova-pro-v1:0", Name: "Amazon Nova Pro", ContextSize: 300000, MaxOutputTokens: 5120, SupportsVision: true},
		{ID: "amazon.nova-lite-v1:0", Name: "Amazon Nova Lite", ContextSize: 300000, MaxOutputTokens: 5120, SupportsVision: true},
		{ID: "meta.llama3-3-70b-instruct-v1:0", Name: "Llama 3.3 70B (Bedrock)", ContextSize: 128000, MaxOutputTokens: 8192, SupportsVision: false},
		{ID: "mistral.mistral-large-2407-v1:0", Name: "Mistral Large (Bedrock)", ContextSize: 128000, MaxOutputTokens: 8192, SupportsVision: false},
	}
}

// SupportsTools reports tool use support. The Converse API exposes tools
// uniformly for compatible models.
func (p *BedrockProvider) SupportsTools() bool {
	return true
}

// Complete sends one ConverseStream request and streams the response.
// Stream creation is retried for throttling and transient AWS failures.
func (p *BedrockProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.client == nil {
		return nil, NewProviderError("bedrock", req.Model, errors.New("client not initialized"))
	}

	model := p.model(req.Model)

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: convertBedrockMessages(req.Messages),
	}

	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}

	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		input.InferenceConfig = &types.InferenceConfiguration{
			// #nosec G115 -- bounded by min above
			MaxTokens: aws.Int32(int32(maxTokens)),
		}
	}

	if len(req.Tools) > 0 {
		input.ToolConfig = toolconv.ToBedrockTools(req.Tools)
	}

	var stream *bedrockruntime.ConverseStreamOutput
	err := p.Retry(ctx, p.isRetryableError, func() error {
		var streamErr error
		stream, streamErr = p.client.ConverseStream(ctx, input)
		if streamErr != nil {
			return p.wrapError(streamErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)

	return chunks, nil
}

// processStream converts ConverseStream events into CompletionChunks.
//
// Tool calls open on ContentBlockStart (id and name), accumulate input JSON
// through ContentBlockDelta, and are emitted whole on ContentBlockStop. The
// stop reason arrives in MessageStop but token usage arrives afterwards in
// the Metadata event, so both are recorded and the Done chunk is emitted
// when the event channel closes.
func (p *BedrockProvider) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var currentToolCall *models.ToolCall
	var toolInput strings.Builder
	var stopReason string
	var inputTokens, outputTokens int

	events := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err()}
			return

		case event, ok := <-events:
			if !ok {
				if currentToolCall != nil && currentToolCall.ID != "" {
					currentToolCall.Input = json.RawMessage(toolInput.String())
					chunks <- &agent.CompletionChunk{ToolCall: currentToolCall}
				}
				if err := eventStream.Err(); err != nil {
					chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
					return
				}
				chunks <- &agent.CompletionChunk{
					Done:         true,
					StopReason:   stopReason,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentToolCall = &models.ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Name: aws.ToString(toolUse.Value.Name),
					}
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						chunks <- &agent.CompletionChunk{Text: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if currentToolCall != nil && currentToolCall.ID != "" {
					currentToolCall.Input = json.RawMessage(toolInput.String())
					chunks <- &agent.CompletionChunk{ToolCall: currentToolCall}
					currentToolCall = nil
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				stopReason = normalizeBedrockStopReason(ev.Value.StopReason)

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					inputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
					outputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
				}
			}
		}
	}
}

// convertBedrockMessages maps transcript messages onto Converse content
// blocks. System messages are skipped (they travel in input.System).
func convertBedrockMessages(messages []*models.Message) []types.Message {
	result := make([]types.Message, 0, len(messages))

	for _, msg := range messages {
		if msg == nil || msg.Role == models.RoleSystem {
			continue
		}

		var content []types.ContentBlock

		for _, tr := range msg.ToolResults {
			status := types.ToolResultStatusSuccess
			if tr.IsError {
				status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(tr.ToolCallID),
					Status:    status,
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: tr.Content},
					},
				},
			})
		}

		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			var inputDoc any
			if err := json.Unmarshal(tc.Input, &inputDoc); err != nil || inputDoc == nil {
				inputDoc = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}

		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}

		result = append(result, types.Message{Role: role, Content: content})
	}

	return result
}

// normalizeBedrockStopReason folds Converse stop reasons onto the
// normalized set the engine understands.
func normalizeBedrockStopReason(reason types.StopReason) string {
	switch reason {
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return "end_turn"
	case types.StopReasonToolUse:
		return "tool_use"
	case types.StopReasonMaxTokens:
		return "max_tokens"
	default:
		return ""
	}
}

func (p *BedrockProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// isRetryableError extends the shared classification with AWS exception
// names that surface only in the error text.
func (p *BedrockProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if providerErr, ok := GetProviderError(err); ok {
		if providerErr.Reason.IsRetryable() {
			return true
		}
	}

	errMsg := err.Error()
	awsRetryable := []string{"ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException", "ModelNotReadyException"}
	for _, name := range awsRetryable {
		if strings.Contains(errMsg, name) {
			return true
		}
	}
	return false
}

func (p *BedrockProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}
	return NewProviderError("bedrock", model, err)
}
