// Package anthropic implements llm.ModelClient on the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harunnryd/beacon/pkg/llm"
	"github.com/harunnryd/beacon/pkg/resilience"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 1024
)

type Config struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	BaseURL   string `mapstructure:"base_url"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

type Client struct {
	cfg    Config
	client sdk.Client
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	// Retries belong to the caller.
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{cfg: cfg, client: sdk.NewClient(opts...)}
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) Complete(ctx context.Context, conv *llm.Conversation, tools []llm.ToolSpec) (llm.Response, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.cfg.Model),
		MaxTokens: int64(c.cfg.MaxTokens),
		Messages:  messages(conv),
	}
	if len(params.Messages) == 0 {
		return nil, llm.Malformed(c.Name(), "empty conversation")
	}
	if sys := conv.System(); sys != "" {
		params.System = []sdk.TextBlockParam{{Text: sys}}
	}
	if len(tools) > 0 {
		params.Tools = toolDefs(tools)
	}
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, llm.Unavailable(c.Name(), classify(err))
	}
	return c.decode(msg)
}

func (c *Client) decode(msg *sdk.Message) (llm.Response, error) {
	if msg == nil || len(msg.Content) == 0 {
		return nil, llm.Malformed(c.Name(), "empty content")
	}
	usage := llm.Usage{PromptTokens: int(msg.Usage.InputTokens), CompletionTokens: int(msg.Usage.OutputTokens)}
	var text strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case sdk.ToolUseBlock:
			args := map[string]any{}
			if len(b.Input) > 0 && string(b.Input) != "null" {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					return nil, llm.Malformed(c.Name(), "tool %q input: %v", b.Name, err)
				}
			}
			return llm.ToolCallRequest{ID: b.ID, Name: b.Name, Arguments: args, Usage: usage}, nil
		case sdk.TextBlock:
			text.WriteString(b.Text)
		}
	}
	answer := strings.TrimSpace(text.String())
	if answer == "" {
		return nil, llm.Malformed(c.Name(), "no text or tool use in reply")
	}
	return llm.FinalAnswer{Text: answer, Usage: usage}, nil
}

func messages(conv *llm.Conversation) []sdk.MessageParam {
	var out []sdk.MessageParam
	for _, t := range conv.Turns() {
		switch t.Kind {
		case llm.TurnUser:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(t.Text)))
		case llm.TurnModel:
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(t.Text)))
		case llm.TurnToolResult:
			args := t.Arguments
			if args == nil {
				args = map[string]any{}
			}
			out = append(out,
				sdk.NewAssistantMessage(sdk.NewToolUseBlock(t.CallID, args, t.Tool)),
				sdk.NewUserMessage(sdk.NewToolResultBlock(t.CallID, t.Text, t.Failed)),
			)
		}
	}
	return out
}

func toolDefs(tools []llm.ToolSpec) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := sdk.ToolInputSchemaParam{Properties: map[string]any{}}
		if props, ok := t.Parameters["properties"].(map[string]any); ok {
			schema.Properties = props
		}
		if req, ok := t.Parameters["required"].([]string); ok {
			schema.Required = req
		}
		tool := sdk.ToolParam{Name: t.Name, InputSchema: schema}
		if t.Description != "" {
			tool.Description = sdk.String(t.Description)
		}
		out = append(out, sdk.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		rl := resilience.RateLimitError{Provider: "anthropic", Message: apiErr.Error()}
		if apiErr.Response != nil {
			rl.RetryAfter = resilience.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return rl
	}
	return err
}
