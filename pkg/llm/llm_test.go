package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/beacon/pkg/errorsx"
	"github.com/harunnryd/beacon/pkg/metrics"
	"github.com/harunnryd/beacon/pkg/resilience"
)

func TestConversationTurnsAreCopies(t *testing.T) {
	conv := NewConversation("be brief")
	args := map[string]any{"contact_type": "primary"}
	conv.Append(UserMessage("help"))
	conv.Append(ToolResult(ToolCallRequest{ID: "1", Name: "call_emergency_contact", Arguments: args}, `{"status":"success"}`, false))

	args["contact_type"] = "medical"
	turns := conv.Turns()
	turns[1].Arguments["contact_type"] = "secondary"
	turns[0].Text = "changed"

	again := conv.Turns()
	if again[0].Text != "help" {
		t.Fatalf("expected user turn untouched, got %q", again[0].Text)
	}
	if again[1].Arguments["contact_type"] != "primary" {
		t.Fatalf("expected arguments frozen at append, got %v", again[1].Arguments["contact_type"])
	}
}

func TestConversationFork(t *testing.T) {
	conv := NewConversation("sys")
	conv.Append(UserMessage("one"))
	fork := conv.Fork()
	fork.Append(ModelMessage("two"))
	if conv.Len() != 1 || fork.Len() != 2 {
		t.Fatalf("fork must not share turns: %d %d", conv.Len(), fork.Len())
	}
	if fork.System() != "sys" {
		t.Fatalf("fork lost system prompt")
	}
	last, ok := fork.Last()
	if !ok || last.Kind != TurnModel || last.Text != "two" {
		t.Fatalf("unexpected last turn %+v", last)
	}
}

func TestToolResultPreservesNameAndOutcome(t *testing.T) {
	outcome := `{"status":"success","data":"chest pain"}`
	turn := ToolResult(ToolCallRequest{ID: "c1", Name: "get_audio_input"}, outcome, false)
	if turn.Kind != TurnToolResult || turn.Tool != "get_audio_input" || turn.Text != outcome || turn.CallID != "c1" {
		t.Fatalf("unexpected tool result turn %+v", turn)
	}
}

func TestNormalizeToolName(t *testing.T) {
	cases := map[string]string{
		"  Get_Audio_Input ":          "get_audio_input",
		`"log_incident"`:              "log_incident",
		"activate_alarm|duration=30":  "activate_alarm",
		"'get_user_location'":         "get_user_location",
		"":                            "",
	}
	for in, want := range cases {
		if got := NormalizeToolName(in); got != want {
			t.Fatalf("NormalizeToolName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseReAct(t *testing.T) {
	resp, err := ParseReAct("ollama", `{"thought":"need audio","action":"Get_Audio_Input","actionInput":{}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	call, ok := resp.(ToolCallRequest)
	if !ok || call.Name != "get_audio_input" {
		t.Fatalf("expected tool call, got %#v", resp)
	}

	resp, err = ParseReAct("ollama", "```json\n{\"answer\": \"Help is on the way.\"}\n```")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fa, ok := resp.(FinalAnswer); !ok || fa.Text != "Help is on the way." {
		t.Fatalf("expected final answer, got %#v", resp)
	}

	resp, err = ParseReAct("ollama", "thought: check location\naction: get_user_location\nactionInput: {}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call, ok := resp.(ToolCallRequest); !ok || call.Name != "get_user_location" {
		t.Fatalf("expected line-format tool call, got %#v", resp)
	}

	resp, err = ParseReAct("ollama", "Hello! How can I help?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := resp.(FinalAnswer); !ok {
		t.Fatalf("plain text must be a final answer, got %#v", resp)
	}

	_, err = ParseReAct("ollama", `{"thought": "x", "action": }`)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}
	if errorsx.Reason(err) != errorsx.ReasonMalformedResponse {
		t.Fatalf("expected malformed_response reason, got %s", errorsx.Reason(err))
	}
}

func TestReActInstructionsListsTools(t *testing.T) {
	text := ReActInstructions([]ToolSpec{{
		Name:        "activate_alarm",
		Description: "Sound the alarm",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{"duration_seconds": map[string]any{"type": "integer"}}},
	}})
	if !strings.Contains(text, "activate_alarm") || !strings.Contains(text, "duration_seconds") {
		t.Fatalf("unexpected instructions: %s", text)
	}
}

func TestUnavailableReasons(t *testing.T) {
	err := Unavailable("openai", errors.New("dial tcp: refused"))
	if !errors.Is(err, ErrModelUnavailable) || errorsx.Reason(err) != errorsx.ReasonModelUnavailable {
		t.Fatalf("unexpected error %v (%s)", err, errorsx.Reason(err))
	}
	rl := Unavailable("openai", resilience.RateLimitError{Provider: "openai"})
	if !resilience.IsRateLimit(rl) || errorsx.Reason(rl) != errorsx.ReasonModelRateLimit {
		t.Fatalf("rate limit must stay visible, got %v (%s)", rl, errorsx.Reason(rl))
	}
}

type failingClient struct {
	calls int
	err   error
}

func (f *failingClient) Name() string { return "stub" }

func (f *failingClient) Complete(context.Context, *Conversation, []ToolSpec) (Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return FinalAnswer{Text: "ok"}, nil
}

func TestCircuitBreakerClientFailsFast(t *testing.T) {
	inner := &failingClient{err: Unavailable("stub", resilience.RateLimitError{Provider: "stub"})}
	obs := metrics.NewMemoryObserver()
	client := NewCircuitBreakerClient(inner, resilience.NewCircuitBreaker(1, time.Minute))
	client.SetObserver(obs)

	if _, err := client.Complete(context.Background(), NewConversation(""), nil); err == nil {
		t.Fatalf("expected first error")
	}
	_, err := client.Complete(context.Background(), NewConversation(""), nil)
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected model unavailable while open, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("inner client must not be called while open, got %d calls", inner.calls)
	}
	if len(obs.Named(metrics.EventBreakerDenied)) != 1 {
		t.Fatalf("expected breaker_denied event")
	}
}
