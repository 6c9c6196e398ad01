// Package ollama implements llm.ModelClient on a local Ollama server. Models
// with native tool support get the tools through the chat API; others run in
// ReAct mode and answer with JSON thought/action objects.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/harunnryd/beacon/pkg/llm"
	"github.com/harunnryd/beacon/pkg/resilience"
)

const (
	defaultHost  = "http://localhost:11434"
	defaultModel = "llama3.1"

	ModeNative = "native"
	ModeReAct  = "react"
)

type Config struct {
	Host  string `mapstructure:"host"`
	Model string `mapstructure:"model"`
	// Mode is "native" (default) or "react".
	Mode        string  `mapstructure:"mode"`
	Temperature float64 `mapstructure:"temperature"`
	TimeoutMS   int     `mapstructure:"timeout_ms"`
}

type Client struct {
	cfg    Config
	client *api.Client
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = defaultHost
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeNative
	case ModeNative, ModeReAct:
	default:
		return nil, fmt.Errorf("ollama: unknown mode %q", cfg.Mode)
	}
	u, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("ollama: invalid host %q: %w", cfg.Host, err)
	}
	timeout := 120 * time.Second
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return &Client{cfg: cfg, client: api.NewClient(u, &http.Client{Timeout: timeout})}, nil
}

func (c *Client) Name() string { return "ollama" }

func (c *Client) Complete(ctx context.Context, conv *llm.Conversation, tools []llm.ToolSpec) (llm.Response, error) {
	stream := false
	req := &api.ChatRequest{
		Model:  c.cfg.Model,
		Stream: &stream,
	}
	if c.cfg.Temperature > 0 {
		req.Options = map[string]any{"temperature": c.cfg.Temperature}
	}
	var err error
	if c.cfg.Mode == ModeReAct {
		req.Messages = reactMessages(conv, tools)
		req.Format = json.RawMessage(`"json"`)
	} else {
		if req.Messages, err = nativeMessages(conv); err != nil {
			return nil, llm.Unavailable(c.Name(), err)
		}
		if len(tools) > 0 {
			if req.Tools, err = toolDefs(tools); err != nil {
				return nil, llm.Unavailable(c.Name(), err)
			}
		}
	}

	var last api.ChatResponse
	var text strings.Builder
	var calls []api.ToolCall
	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		text.WriteString(resp.Message.Content)
		calls = append(calls, resp.Message.ToolCalls...)
		last = resp
		return nil
	})
	if err != nil {
		return nil, llm.Unavailable(c.Name(), classify(err))
	}
	usage := llm.Usage{PromptTokens: last.PromptEvalCount, CompletionTokens: last.EvalCount}

	if c.cfg.Mode == ModeReAct {
		resp, err := llm.ParseReAct(c.Name(), text.String())
		if err != nil {
			return nil, err
		}
		switch r := resp.(type) {
		case llm.ToolCallRequest:
			r.Usage = usage
			return r, nil
		case llm.FinalAnswer:
			r.Usage = usage
			return r, nil
		}
		return resp, nil
	}

	if len(calls) > 0 {
		args, err := decodeArgs(calls[0].Function.Arguments)
		if err != nil {
			return nil, llm.Malformed(c.Name(), "tool %q arguments: %v", calls[0].Function.Name, err)
		}
		return llm.ToolCallRequest{Name: calls[0].Function.Name, Arguments: args, Usage: usage}, nil
	}
	answer := strings.TrimSpace(text.String())
	if answer == "" {
		return nil, llm.Malformed(c.Name(), "empty reply")
	}
	return llm.FinalAnswer{Text: answer, Usage: usage}, nil
}

// wireMessage mirrors the chat message JSON so tool calls can be built without
// depending on the argument container type of the api package.
type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
}

type wireToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

func nativeMessages(conv *llm.Conversation) ([]api.Message, error) {
	var wire []wireMessage
	if sys := conv.System(); sys != "" {
		wire = append(wire, wireMessage{Role: "system", Content: sys})
	}
	for _, t := range conv.Turns() {
		switch t.Kind {
		case llm.TurnUser:
			wire = append(wire, wireMessage{Role: "user", Content: t.Text})
		case llm.TurnModel:
			wire = append(wire, wireMessage{Role: "assistant", Content: t.Text})
		case llm.TurnToolResult:
			var call wireToolCall
			call.Function.Name = t.Tool
			call.Function.Arguments = t.Arguments
			if call.Function.Arguments == nil {
				call.Function.Arguments = map[string]any{}
			}
			wire = append(wire,
				wireMessage{Role: "assistant", ToolCalls: []wireToolCall{call}},
				wireMessage{Role: "tool", Content: t.Text, ToolName: t.Tool},
			)
		}
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	var out []api.Message
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func reactMessages(conv *llm.Conversation, tools []llm.ToolSpec) []api.Message {
	system := strings.TrimSpace(conv.System() + "\n\n" + llm.ReActInstructions(tools))
	out := []api.Message{{Role: "system", Content: system}}
	for _, t := range conv.Turns() {
		switch t.Kind {
		case llm.TurnUser:
			out = append(out, api.Message{Role: "user", Content: t.Text})
		case llm.TurnModel:
			out = append(out, api.Message{Role: "assistant", Content: t.Text})
		case llm.TurnToolResult:
			action, _ := json.Marshal(map[string]any{"action": t.Tool, "actionInput": t.Arguments})
			out = append(out,
				api.Message{Role: "assistant", Content: string(action)},
				api.Message{Role: "user", Content: llm.ObservationText(t)},
			)
		}
	}
	return out
}

func toolDefs(tools []llm.ToolSpec) (api.Tools, error) {
	type fn struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	}
	type tool struct {
		Type     string `json:"type"`
		Function fn     `json:"function"`
	}
	wire := make([]tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		wire = append(wire, tool{Type: "function", Function: fn{Name: t.Name, Description: t.Description, Parameters: params}})
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	var out api.Tools
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("tool definitions: %w", err)
	}
	return out, nil
}

func decodeArgs(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	args := map[string]any{}
	if string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func classify(err error) error {
	var status api.StatusError
	if errors.As(err, &status) && status.StatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "ollama", Message: status.ErrorMessage}
	}
	return err
}
