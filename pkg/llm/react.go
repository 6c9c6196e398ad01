package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ReAct support for backends whose models cannot call tools natively. The
// model is asked to reply with {"thought","action","actionInput"} objects, or
// {"answer"} once it is done.

type reactReply struct {
	Thought     string         `json:"thought"`
	Action      string         `json:"action"`
	ActionInput map[string]any `json:"actionInput"`
	Answer      string         `json:"answer"`
}

// ReActInstructions renders the tool catalogue and the reply format appended
// to the system prompt in ReAct mode.
func ReActInstructions(tools []ToolSpec) string {
	var b strings.Builder
	if len(tools) == 0 {
		b.WriteString("No tools are available. Reply only with JSON: {\"answer\": \"<final answer>\"}.\n")
		return b.String()
	}
	b.WriteString("You can use these tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s", t.Name, t.Description)
		if props, _ := t.Parameters["properties"].(map[string]any); len(props) > 0 {
			names := make([]string, 0, len(props))
			for name := range props {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintf(&b, " (arguments: %s)", strings.Join(names, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("Reply only with JSON. To use a tool: {\"thought\": \"...\", \"action\": \"<tool name>\", \"actionInput\": {...}}.\n")
	b.WriteString("Call one tool at a time and never the same tool twice. When you can answer: {\"answer\": \"<final answer>\"}.\n")
	return b.String()
}

// ObservationText renders a ToolResult turn as plain text for ReAct transcripts.
func ObservationText(t Turn) string {
	return fmt.Sprintf("Observation from %s: %s", t.Tool, t.Text)
}

// ParseReAct turns a ReAct-formatted model reply into a Response. Plain text
// without any ReAct markers is taken as the final answer.
func ParseReAct(provider, text string) (Response, error) {
	body := stripFences(strings.TrimSpace(text))
	if body == "" {
		return nil, Malformed(provider, "empty reply")
	}
	var reply reactReply
	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(body[start:end+1]), &reply); err != nil {
			parsed, ok := parseReActLines(body)
			switch {
			case ok:
				reply = parsed
			case strings.HasPrefix(body, "{"):
				return nil, Malformed(provider, "undecodable reply: %v", err)
			default:
				return FinalAnswer{Text: body}, nil
			}
		}
	} else if parsed, ok := parseReActLines(body); ok {
		reply = parsed
	} else {
		return FinalAnswer{Text: body}, nil
	}

	action := NormalizeToolName(reply.Action)
	if action == "" || action == "none" {
		switch {
		case strings.TrimSpace(reply.Answer) != "":
			return FinalAnswer{Text: strings.TrimSpace(reply.Answer)}, nil
		case strings.TrimSpace(reply.Thought) != "":
			return FinalAnswer{Text: strings.TrimSpace(reply.Thought)}, nil
		default:
			return nil, Malformed(provider, "reply has neither action nor answer")
		}
	}
	args := reply.ActionInput
	if args == nil {
		args = map[string]any{}
	}
	return ToolCallRequest{Name: action, Arguments: args}, nil
}

// parseReActLines accepts the loose `key: value` layout some local models emit.
func parseReActLines(body string) (reactReply, bool) {
	var out reactReply
	found := false
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := splitField(line)
		if !ok {
			continue
		}
		switch key {
		case "thought":
			out.Thought = value
			found = true
		case "action":
			out.Action = value
			found = true
		case "answer":
			out.Answer = value
			found = true
		case "actioninput":
			if value != "" && value != "null" {
				var args map[string]any
				if err := json.Unmarshal([]byte(value), &args); err == nil {
					out.ActionInput = args
				}
			}
			found = true
		}
	}
	return out, found
}

func splitField(line string) (string, string, bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	key := strings.ToLower(strings.Trim(strings.TrimSpace(line[:idx]), `"`))
	switch key {
	case "thought", "action", "actioninput", "answer":
	default:
		return "", "", false
	}
	value := strings.TrimSpace(line[idx+1:])
	value = strings.TrimSuffix(value, ",")
	if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
		value = value[1 : len(value)-1]
	}
	return key, value, true
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
