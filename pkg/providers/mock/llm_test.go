package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/harunnryd/beacon/pkg/llm"
)

func TestScriptedClientReplaysInOrder(t *testing.T) {
	c := NewScriptedClient(CallTool("get_audio_input", nil), Answer("done"))
	conv := llm.NewConversation("")
	conv.Append(llm.UserMessage("hi"))

	r1, err := c.Complete(context.Background(), conv, nil)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, ok := r1.(llm.ToolCallRequest); !ok {
		t.Fatalf("expected tool call, got %#v", r1)
	}
	r2, _ := c.Complete(context.Background(), conv, nil)
	if fa, ok := r2.(llm.FinalAnswer); !ok || fa.Text != "done" {
		t.Fatalf("expected final answer, got %#v", r2)
	}
	if _, err := c.Complete(context.Background(), conv, nil); !errors.Is(err, llm.ErrModelUnavailable) {
		t.Fatalf("expected exhausted script to be unavailable, got %v", err)
	}
	if len(c.Calls()) != 3 || c.Calls()[0].Turns[0].Text != "hi" {
		t.Fatalf("calls not captured: %+v", c.Calls())
	}
}

func TestRuleClientCallsThenAnswers(t *testing.T) {
	c := &RuleClient{Rules: []Rule{{Keywords: []string{"emergency"}, Tool: "get_audio_input"}}}
	tools := []llm.ToolSpec{{Name: "get_audio_input"}}
	conv := llm.NewConversation("")
	conv.Append(llm.UserMessage("What's your emergency?"))

	resp, err := c.Complete(context.Background(), conv, tools)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	call, ok := resp.(llm.ToolCallRequest)
	if !ok || call.Name != "get_audio_input" {
		t.Fatalf("expected get_audio_input, got %#v", resp)
	}
	conv.Append(llm.ToolResult(call, `{"status":"success","data":"chest pain"}`, false))
	resp, _ = c.Complete(context.Background(), conv, tools)
	if _, ok := resp.(llm.FinalAnswer); !ok {
		t.Fatalf("expected answer after tool, got %#v", resp)
	}

	hello := llm.NewConversation("")
	hello.Append(llm.UserMessage("Just saying hello"))
	resp, _ = c.Complete(context.Background(), hello, tools)
	if _, ok := resp.(llm.FinalAnswer); !ok {
		t.Fatalf("expected greeting, got %#v", resp)
	}
}
