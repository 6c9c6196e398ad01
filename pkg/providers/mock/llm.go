package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/harunnryd/beacon/pkg/llm"
)

// Step is one scripted model reply: a Response or an error.
type Step struct {
	Response llm.Response
	Err      error
}

func Answer(text string) Step {
	return Step{Response: llm.FinalAnswer{Text: text}}
}

func CallTool(name string, args map[string]any) Step {
	return Step{Response: llm.ToolCallRequest{Name: name, Arguments: args}}
}

func Fail(err error) Step {
	return Step{Err: err}
}

// Call captures what the client was asked.
type Call struct {
	Turns []llm.Turn
	Tools []llm.ToolSpec
}

// ScriptedClient replays Steps in order. Once the script runs out it fails
// with ErrModelUnavailable.
type ScriptedClient struct {
	mu    sync.Mutex
	steps []Step
	calls []Call
	// Block, when set, makes Complete wait for ctx or for a value on the channel.
	Block chan struct{}
}

func NewScriptedClient(steps ...Step) *ScriptedClient {
	return &ScriptedClient{steps: steps}
}

func (c *ScriptedClient) Name() string { return "mock" }

func (c *ScriptedClient) Complete(ctx context.Context, conv *llm.Conversation, tools []llm.ToolSpec) (llm.Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Turns: conv.Turns(), Tools: append([]llm.ToolSpec(nil), tools...)})
	block := c.Block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return nil, llm.Unavailable(c.Name(), ctx.Err())
		case <-block:
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.steps) == 0 {
		return nil, llm.Unavailable(c.Name(), fmt.Errorf("script exhausted"))
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	return step.Response, step.Err
}

// Calls returns every request made so far.
func (c *ScriptedClient) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Remaining reports how many scripted steps are left.
func (c *ScriptedClient) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.steps)
}

// Rule maps question keywords to a tool the offline client should call.
type Rule struct {
	Keywords []string
	Tool     string
	Args     map[string]any
}

// RuleClient is a deterministic offline model. It calls the first tool whose
// rule matches the latest question and that has not been called in the
// current cycle, then answers by summarising the tool results.
type RuleClient struct {
	Rules []Rule
	// Greeting is the answer when no rule matches.
	Greeting string
}

func (c *RuleClient) Name() string { return "mock_rules" }

func (c *RuleClient) Complete(ctx context.Context, conv *llm.Conversation, tools []llm.ToolSpec) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, llm.Unavailable(c.Name(), err)
	}
	turns := conv.Turns()
	question := ""
	var results []llm.Turn
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Kind == llm.TurnUser {
			question = strings.ToLower(turns[i].Text)
			break
		}
		if turns[i].Kind == llm.TurnToolResult {
			results = append([]llm.Turn{turns[i]}, results...)
		}
	}
	offered := make(map[string]bool, len(tools))
	for _, t := range tools {
		offered[t.Name] = true
	}
	called := make(map[string]bool, len(results))
	for _, r := range results {
		called[r.Tool] = true
	}
	for _, rule := range c.Rules {
		if !offered[rule.Tool] || called[rule.Tool] || !matches(question, rule.Keywords) {
			continue
		}
		return llm.ToolCallRequest{Name: rule.Tool, Arguments: rule.Args}, nil
	}
	if len(results) == 0 {
		greeting := c.Greeting
		if greeting == "" {
			greeting = "Hello, how can I help you?"
		}
		return llm.FinalAnswer{Text: greeting}, nil
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("%s returned %s", r.Tool, r.Text))
	}
	return llm.FinalAnswer{Text: "Based on " + strings.Join(parts, "; ") + "."}, nil
}

func matches(question string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(question, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

var (
	_ llm.ModelClient = (*ScriptedClient)(nil)
	_ llm.ModelClient = (*RuleClient)(nil)
)
