// Package openai implements llm.ModelClient on the OpenAI chat completions API
// and any endpoint compatible with it.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/beacon/pkg/llm"
	"github.com/harunnryd/beacon/pkg/resilience"
)

const defaultModel = "gpt-4o-mini"

type Config struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	// BaseURL points the client at an OpenAI-compatible server.
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float32 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

type Client struct {
	cfg    Config
	client *goopenai.Client
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	oc := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Client{cfg: cfg, client: goopenai.NewClientWithConfig(oc)}
}

func (c *Client) Name() string { return "openai" }

func (c *Client) Complete(ctx context.Context, conv *llm.Conversation, tools []llm.ToolSpec) (llm.Response, error) {
	req := goopenai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages(conv),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if len(tools) > 0 {
		req.Tools = toolDefs(tools)
		req.ToolChoice = "auto"
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, llm.Unavailable(c.Name(), classify(err))
	}
	return c.decode(resp)
}

func (c *Client) decode(resp goopenai.ChatCompletionResponse) (llm.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, llm.Malformed(c.Name(), "no choices")
	}
	usage := llm.Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens}
	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0]
		args := map[string]any{}
		if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, llm.Malformed(c.Name(), "tool %q arguments: %v", call.Function.Name, err)
			}
		}
		return llm.ToolCallRequest{ID: call.ID, Name: call.Function.Name, Arguments: args, Usage: usage}, nil
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return nil, llm.Malformed(c.Name(), "no content or tool call")
	}
	return llm.FinalAnswer{Text: text, Usage: usage}, nil
}

func messages(conv *llm.Conversation) []goopenai.ChatCompletionMessage {
	var out []goopenai.ChatCompletionMessage
	if sys := conv.System(); sys != "" {
		out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: sys})
	}
	for _, t := range conv.Turns() {
		switch t.Kind {
		case llm.TurnUser:
			out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: t.Text})
		case llm.TurnModel:
			out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleAssistant, Content: t.Text})
		case llm.TurnToolResult:
			args, _ := json.Marshal(t.Arguments)
			if t.Arguments == nil {
				args = []byte("{}")
			}
			out = append(out,
				goopenai.ChatCompletionMessage{
					Role: goopenai.ChatMessageRoleAssistant,
					ToolCalls: []goopenai.ToolCall{{
						ID:       t.CallID,
						Type:     goopenai.ToolTypeFunction,
						Function: goopenai.FunctionCall{Name: t.Tool, Arguments: string(args)},
					}},
				},
				goopenai.ChatCompletionMessage{
					Role:       goopenai.ChatMessageRoleTool,
					ToolCallID: t.CallID,
					Content:    t.Text,
				},
			)
		}
	}
	return out
}

func toolDefs(tools []llm.ToolSpec) []goopenai.Tool {
	out := make([]goopenai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// classify turns 429 responses into rate limit errors for the breaker.
func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "openai", Message: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "openai", Message: reqErr.Error()}
	}
	return err
}
