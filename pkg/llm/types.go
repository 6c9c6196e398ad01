package llm

import (
	"context"
	"strings"
	"time"
)

// TurnKind identifies who produced a turn.
type TurnKind string

const (
	TurnUser       TurnKind = "user"
	TurnModel      TurnKind = "model"
	TurnToolResult TurnKind = "tool_result"
)

// Turn is one entry of a Conversation. Turns are values; a Conversation hands
// out copies so appended turns cannot be changed afterwards.
type Turn struct {
	Kind TurnKind
	// Text is the user question, the model answer, or the tool outcome text.
	Text string
	// CallID, Tool and Arguments describe the call a ToolResult answers.
	CallID    string
	Tool      string
	Arguments map[string]any
	Failed    bool
	At        time.Time
}

func UserMessage(text string) Turn {
	return Turn{Kind: TurnUser, Text: text, At: time.Now()}
}

func ModelMessage(text string) Turn {
	return Turn{Kind: TurnModel, Text: text, At: time.Now()}
}

// ToolResult records the outcome of req as a transcript turn.
func ToolResult(req ToolCallRequest, outcome string, failed bool) Turn {
	return Turn{
		Kind:      TurnToolResult,
		Text:      outcome,
		CallID:    req.ID,
		Tool:      req.Name,
		Arguments: cloneArgs(req.Arguments),
		Failed:    failed,
		At:        time.Now(),
	}
}

// Conversation is an append-only transcript. It is not safe for concurrent
// use; a session owns exactly one.
type Conversation struct {
	system string
	turns  []Turn
}

func NewConversation(system string) *Conversation {
	return &Conversation{system: strings.TrimSpace(system)}
}

// System returns the system instruction sent ahead of the turns.
func (c *Conversation) System() string {
	if c == nil {
		return ""
	}
	return c.system
}

func (c *Conversation) Append(t Turn) {
	t.Arguments = cloneArgs(t.Arguments)
	if t.At.IsZero() {
		t.At = time.Now()
	}
	c.turns = append(c.turns, t)
}

// Turns returns a copy of the transcript in order.
func (c *Conversation) Turns() []Turn {
	if c == nil {
		return nil
	}
	out := make([]Turn, len(c.turns))
	for i, t := range c.turns {
		t.Arguments = cloneArgs(t.Arguments)
		out[i] = t
	}
	return out
}

func (c *Conversation) Len() int {
	if c == nil {
		return 0
	}
	return len(c.turns)
}

// Fork returns an independent conversation with the same turns.
func (c *Conversation) Fork() *Conversation {
	return &Conversation{system: c.System(), turns: c.Turns()}
}

// Last returns the most recent turn.
func (c *Conversation) Last() (Turn, bool) {
	if c.Len() == 0 {
		return Turn{}, false
	}
	t := c.turns[len(c.turns)-1]
	t.Arguments = cloneArgs(t.Arguments)
	return t, true
}

// ToolSpec is the backend-facing description of one callable tool.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object ({"type":"object","properties":...}).
	Parameters map[string]any
}

// Usage carries token accounting when a backend reports it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is what a model returns for one completion: a FinalAnswer or a
// ToolCallRequest. The set is closed.
type Response interface {
	isResponse()
}

type FinalAnswer struct {
	Text  string
	Usage Usage
}

type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments map[string]any
	Usage     Usage
}

func (FinalAnswer) isResponse()     {}
func (ToolCallRequest) isResponse() {}

// UsageOf returns the usage attached to resp, if any.
func UsageOf(resp Response) Usage {
	switch r := resp.(type) {
	case FinalAnswer:
		return r.Usage
	case ToolCallRequest:
		return r.Usage
	}
	return Usage{}
}

// ModelClient sends a transcript and the offered tools to a model backend.
// Implementations never retry. Failures are ErrModelUnavailable or
// ErrMalformedResponse.
type ModelClient interface {
	Name() string
	Complete(ctx context.Context, conv *Conversation, tools []ToolSpec) (Response, error)
}

// NormalizeToolName canonicalizes a tool name as produced by a model: surrounding
// space and quotes are stripped, anything after a '|' is dropped, and the result
// is lower-cased.
func NormalizeToolName(name string) string {
	if i := strings.Index(name, "|"); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSpace(name)
	name = strings.Trim(name, `"'`+"`")
	return strings.ToLower(strings.TrimSpace(name))
}

func cloneArgs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
