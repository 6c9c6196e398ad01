package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harunnryd/beacon/pkg/errorsx"
	"github.com/harunnryd/beacon/pkg/llm"
)

func chatServer(t *testing.T, status int, body string, seen *map[string]any) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func history() *llm.Conversation {
	conv := llm.NewConversation("assist in emergencies")
	conv.Append(llm.UserMessage("I fell"))
	conv.Append(llm.ToolResult(llm.ToolCallRequest{Name: "get_health_metrics", Arguments: map[string]any{}}, `{"status":"success"}`, false))
	return conv
}

func TestNativeToolCall(t *testing.T) {
	var seen map[string]any
	host := chatServer(t, http.StatusOK,
		`{"model":"m","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"activate_alarm","arguments":{"duration_seconds":30}}}]},"done":true,"prompt_eval_count":20,"eval_count":5}`,
		&seen)
	c, err := New(Config{Host: host, Model: "m"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tools := []llm.ToolSpec{{Name: "activate_alarm", Description: "alarm", Parameters: map[string]any{"type": "object", "properties": map[string]any{"duration_seconds": map[string]any{"type": "integer"}}}}}
	resp, err := c.Complete(context.Background(), history(), tools)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	call, ok := resp.(llm.ToolCallRequest)
	if !ok || call.Name != "activate_alarm" || call.Arguments["duration_seconds"] != float64(30) {
		t.Fatalf("unexpected response %#v", resp)
	}
	if call.Usage.PromptTokens != 20 || call.Usage.CompletionTokens != 5 {
		t.Fatalf("unexpected usage %+v", call.Usage)
	}
	msgs, _ := seen["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if role := msgs[3].(map[string]any)["role"]; role != "tool" {
		t.Fatalf("expected tool role, got %v", role)
	}
	if _, ok := seen["tools"]; !ok {
		t.Fatalf("tools not sent")
	}
}

func TestNativeFinalAnswerAndEmpty(t *testing.T) {
	host := chatServer(t, http.StatusOK, `{"message":{"role":"assistant","content":"Stay calm."},"done":true}`, nil)
	c, _ := New(Config{Host: host})
	resp, err := c.Complete(context.Background(), history(), nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ans, ok := resp.(llm.FinalAnswer); !ok || ans.Text != "Stay calm." {
		t.Fatalf("unexpected response %#v", resp)
	}

	host = chatServer(t, http.StatusOK, `{"message":{"role":"assistant","content":"  "},"done":true}`, nil)
	c, _ = New(Config{Host: host})
	if _, err := c.Complete(context.Background(), history(), nil); !errors.Is(err, llm.ErrMalformedResponse) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestReActMode(t *testing.T) {
	var seen map[string]any
	reply, _ := json.Marshal(map[string]any{
		"message": map[string]any{"role": "assistant", "content": `{"thought":"check","action":"get_user_location","actionInput":{}}`},
		"done":    true,
	})
	host := chatServer(t, http.StatusOK, string(reply), &seen)
	c, err := New(Config{Host: host, Mode: "ReAct"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := c.Complete(context.Background(), history(), []llm.ToolSpec{{Name: "get_user_location", Description: "where"}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if call, ok := resp.(llm.ToolCallRequest); !ok || call.Name != "get_user_location" {
		t.Fatalf("unexpected response %#v", resp)
	}
	if _, ok := seen["tools"]; ok {
		t.Fatalf("react mode must not send native tools")
	}
	msgs, _ := seen["messages"].([]any)
	system := msgs[0].(map[string]any)["content"].(string)
	if !strings.Contains(system, "get_user_location") || !strings.Contains(system, "assist in emergencies") {
		t.Fatalf("system prompt missing catalogue: %q", system)
	}
	last := msgs[len(msgs)-1].(map[string]any)["content"].(string)
	if !strings.HasPrefix(last, "Observation from get_health_metrics") {
		t.Fatalf("unexpected observation %q", last)
	}
}

func TestUnavailable(t *testing.T) {
	host := chatServer(t, http.StatusInternalServerError, `{"error":"model not loaded"}`, nil)
	c, _ := New(Config{Host: host})
	_, err := c.Complete(context.Background(), history(), nil)
	if !errors.Is(err, llm.ErrModelUnavailable) || errorsx.Reason(err) != errorsx.ReasonModelUnavailable {
		t.Fatalf("expected model_unavailable, got %v", err)
	}
}

func TestUnknownMode(t *testing.T) {
	if _, err := New(Config{Mode: "telepathy"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
