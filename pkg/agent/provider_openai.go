package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harun/kurir/pkg/session"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIBackend calls an OpenAI-compatible chat completions endpoint. With a
// base URL such as http://localhost:11434/v1 it serves the local tier.
type OpenAIBackend struct {
	client    openai.Client
	maxTokens int64
	name      string
}

// NewOpenAIBackend creates a backend. baseURL may be empty for api.openai.com.
func NewOpenAIBackend(apiKey, baseURL string, maxTokens int) *OpenAIBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	name := "openai"
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
		name = "openai_compat"
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &OpenAIBackend{
		client:    openai.NewClient(opts...),
		maxTokens: int64(maxTokens),
		name:      name,
	}
}

func (b *OpenAIBackend) Name() string {
	return b.name
}

func (b *OpenAIBackend) Complete(ctx context.Context, model string, req Request) (Reply, Usage, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, t := range mergeTurns(req.Turns) {
		if t.Role == session.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(t.Content))
		} else {
			messages = append(messages, openai.UserMessage(t.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(model),
		Messages:  messages,
		MaxTokens: openai.Int(b.maxTokens),
	}

	if len(req.Skills) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Skills))
		for _, s := range req.Skills {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        wireToolName(s.Name),
					Description: openai.String(s.Description),
					Parameters:  openai.FunctionParameters(s.Schema()),
				},
			})
		}
		params.Tools = tools
	}

	completion, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, Usage{}, err
	}
	if len(completion.Choices) == 0 {
		return nil, Usage{}, errors.New("no response choices returned")
	}

	usage := Usage{
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}

	msg := completion.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0]
		args := map[string]interface{}{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return nil, usage, fmt.Errorf("failed to parse tool arguments: %w", err)
			}
		}
		name := skillFromWire(toolNameIndex(req.Skills), call.Function.Name)
		return ToolCallRequest{Tool: name, Args: args}, usage, nil
	}

	return FinalMessage{Text: msg.Content}, usage, nil
}
