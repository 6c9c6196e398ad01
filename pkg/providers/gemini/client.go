// Package gemini implements llm.ModelClient on the Google Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/harunnryd/beacon/pkg/llm"
	"github.com/harunnryd/beacon/pkg/resilience"
)

const defaultModel = "gemini-1.5-flash"

type Config struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
}

// generateFunc sends history plus the final message parts to the model.
type generateFunc func(ctx context.Context, model *genai.GenerativeModel, history []*genai.Content, parts []genai.Part) (*genai.GenerateContentResponse, error)

type Client struct {
	cfg      Config
	mu       sync.Mutex
	client   *genai.Client
	model    func(ctx context.Context) (*genai.GenerativeModel, error)
	generate generateFunc
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	c := &Client{cfg: cfg, generate: sendChat}
	c.model = c.remoteModel
	return c
}

func (c *Client) Name() string { return "gemini" }

// Close releases the underlying API client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) remoteModel(ctx context.Context) (*genai.GenerativeModel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client.GenerativeModel(c.cfg.Model), nil
	}
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, errors.New("missing api key")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini init: %w", err)
	}
	c.client = client
	return client.GenerativeModel(c.cfg.Model), nil
}

func (c *Client) Complete(ctx context.Context, conv *llm.Conversation, tools []llm.ToolSpec) (llm.Response, error) {
	contents := buildContents(conv)
	if len(contents) == 0 {
		return nil, llm.Malformed(c.Name(), "empty conversation")
	}
	model, err := c.model(ctx)
	if err != nil {
		return nil, llm.Unavailable(c.Name(), err)
	}
	if c.cfg.Temperature > 0 {
		model.SetTemperature(c.cfg.Temperature)
	}
	if sys := conv.System(); sys != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(sys)}}
	}
	if len(tools) > 0 {
		model.Tools = []*genai.Tool{{FunctionDeclarations: declarations(tools)}}
	}
	last := contents[len(contents)-1]
	resp, err := c.generate(ctx, model, contents[:len(contents)-1], last.Parts)
	if err != nil {
		return nil, llm.Unavailable(c.Name(), classify(err))
	}
	return c.decode(resp)
}

func sendChat(ctx context.Context, model *genai.GenerativeModel, history []*genai.Content, parts []genai.Part) (*genai.GenerateContentResponse, error) {
	cs := model.StartChat()
	cs.History = history
	return cs.SendMessage(ctx, parts...)
}

func (c *Client) decode(resp *genai.GenerateContentResponse) (llm.Response, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, llm.Malformed(c.Name(), "empty response")
	}
	var usage llm.Usage
	if md := resp.UsageMetadata; md != nil {
		usage = llm.Usage{PromptTokens: int(md.PromptTokenCount), CompletionTokens: int(md.CandidatesTokenCount)}
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.FunctionCall:
			args := p.Args
			if args == nil {
				args = map[string]any{}
			}
			return llm.ToolCallRequest{Name: p.Name, Arguments: args, Usage: usage}, nil
		case genai.Text:
			text.WriteString(string(p))
		}
	}
	answer := strings.TrimSpace(text.String())
	if answer == "" {
		return nil, llm.Malformed(c.Name(), "no text or function call in candidate")
	}
	return llm.FinalAnswer{Text: answer, Usage: usage}, nil
}

// buildContents maps the transcript to Gemini contents. A tool result becomes
// the model's function call followed by the user's function response.
func buildContents(conv *llm.Conversation) []*genai.Content {
	var out []*genai.Content
	for _, t := range conv.Turns() {
		switch t.Kind {
		case llm.TurnUser:
			out = append(out, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(t.Text)}})
		case llm.TurnModel:
			out = append(out, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(t.Text)}})
		case llm.TurnToolResult:
			args := t.Arguments
			if args == nil {
				args = map[string]any{}
			}
			out = append(out,
				&genai.Content{Role: "model", Parts: []genai.Part{genai.FunctionCall{Name: t.Tool, Args: args}}},
				&genai.Content{Role: "user", Parts: []genai.Part{genai.FunctionResponse{Name: t.Tool, Response: responseMap(t.Text)}}},
			)
		}
	}
	return out
}

func responseMap(text string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err == nil && m != nil {
		return m
	}
	return map[string]any{"result": text}
}

func declarations(tools []llm.ToolSpec) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
		if props, _ := t.Parameters["properties"].(map[string]any); len(props) > 0 {
			decl.Parameters = schema(t.Parameters)
		}
		out = append(out, decl)
	}
	return out
}

// schema converts a JSON-schema object into a genai.Schema.
func schema(js map[string]any) *genai.Schema {
	s := &genai.Schema{}
	switch js["type"] {
	case "string":
		s.Type = genai.TypeString
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
	case "object":
		s.Type = genai.TypeObject
	default:
		s.Type = genai.TypeString
	}
	s.Description, _ = js["description"].(string)
	switch enum := js["enum"].(type) {
	case []string:
		s.Enum = append(s.Enum, enum...)
	case []any:
		for _, v := range enum {
			s.Enum = append(s.Enum, fmt.Sprint(v))
		}
	}
	if items, ok := js["items"].(map[string]any); ok {
		s.Items = schema(items)
	}
	if props, ok := js["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if p, ok := props[name].(map[string]any); ok {
				s.Properties[name] = schema(p)
			}
		}
	}
	switch req := js["required"].(type) {
	case []string:
		s.Required = append(s.Required, req...)
	case []any:
		for _, v := range req {
			if name, ok := v.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	return s
}

func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "gemini", Message: gerr.Message}
	}
	if strings.Contains(err.Error(), "RESOURCE_EXHAUSTED") {
		return resilience.RateLimitError{Provider: "gemini", Message: err.Error()}
	}
	return err
}
