package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/kurir/pkg/session"
)

// AnthropicBackend calls the Anthropic Messages API.
type AnthropicBackend struct {
	client    anthropic.Client
	maxTokens int64
}

// NewAnthropicBackend creates a backend. baseURL may be empty.
func NewAnthropicBackend(apiKey, baseURL string, maxTokens int) *AnthropicBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicBackend{
		client:    anthropic.NewClient(opts...),
		maxTokens: int64(maxTokens),
	}
}

func (b *AnthropicBackend) Name() string {
	return "anthropic"
}

func (b *AnthropicBackend) Complete(ctx context.Context, model string, req Request) (Reply, Usage, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages(req.Turns),
		MaxTokens: b.maxTokens,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	if len(req.Skills) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Skills))
		for _, s := range req.Skills {
			schema := s.Schema()
			tool := anthropic.ToolParam{
				Name:        wireToolName(s.Name),
				Description: anthropic.String(s.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
				},
			}
			if required, ok := schema["required"].([]string); ok {
				tool.InputSchema.Required = required
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
		}
		params.Tools = tools
	}

	message, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, Usage{}, err
	}

	usage := Usage{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}
	names := toolNameIndex(req.Skills)

	var text strings.Builder
	for _, block := range message.Content {
		switch blk := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(blk.Text)
		case anthropic.ToolUseBlock:
			args := map[string]interface{}{}
			if raw := blk.JSON.Input.Raw(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return nil, usage, fmt.Errorf("failed to parse tool input: %w", err)
				}
			}
			return ToolCallRequest{Tool: skillFromWire(names, blk.Name), Args: args}, usage, nil
		}
	}

	return FinalMessage{Text: text.String()}, usage, nil
}

func anthropicMessages(turns []session.Turn) []anthropic.MessageParam {
	merged := mergeTurns(turns)
	messages := make([]anthropic.MessageParam, 0, len(merged))
	for _, t := range merged {
		if t.Role == session.RoleAssistant {
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(t.Content)},
			})
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
	}
	return messages
}
