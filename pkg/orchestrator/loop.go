package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/beacon/pkg/errorsx"
	"github.com/harunnryd/beacon/pkg/llm"
	"github.com/harunnryd/beacon/pkg/logging"
	"github.com/harunnryd/beacon/pkg/metrics"
	"github.com/harunnryd/beacon/pkg/redact"
	"github.com/harunnryd/beacon/pkg/tools"
)

// Config bounds a question cycle.
type Config struct {
	// MaxToolCalls is the number of tool calls allowed per cycle. Once it is
	// reached the model is asked one last time with no tools offered.
	MaxToolCalls int
	SystemPrompt string
}

// Answer is the result of an Answered cycle.
type Answer struct {
	Text       string
	CycleID    string
	ToolCalls  []tools.Record
	ModelCalls int
	Duration   time.Duration
}

// Loop drives question cycles between a model client and a tool executor.
// It holds no per-session state and is shared by all sessions.
type Loop struct {
	client    llm.ModelClient
	executor  *tools.Executor
	cfg       Config
	obs       metrics.Observer
	log       *slog.Logger
	listeners []StateListener
}

type LoopOption func(*Loop)

func WithObserver(obs metrics.Observer) LoopOption {
	return func(l *Loop) { l.obs = obs }
}

func WithLogger(log *slog.Logger) LoopOption {
	return func(l *Loop) { l.log = logging.NewComponentLogger(log, "orchestrator") }
}

// WithStateListener registers a listener for every cycle's state changes.
func WithStateListener(listener StateListener) LoopOption {
	return func(l *Loop) { l.listeners = append(l.listeners, listener) }
}

func NewLoop(client llm.ModelClient, executor *tools.Executor, cfg Config, opts ...LoopOption) *Loop {
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = 3
	}
	if executor == nil {
		executor = tools.NewExecutor(tools.ExecutorOptions{})
	}
	l := &Loop{
		client:   client,
		executor: executor,
		cfg:      cfg,
		log:      logging.NewComponentLogger(nil, "orchestrator"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective cycle bounds.
func (l *Loop) Config() Config { return l.cfg }

type cycle struct {
	sessionID string
	id        string
	conv      *llm.Conversation
	set       *tools.Set
	calls     *tools.CallLog
	fsm       *cycleMachine
	start     time.Time
}

func (c *cycle) tags(extra ...string) map[string]string {
	tags := map[string]string{metrics.TagSession: c.sessionID, metrics.TagCycle: c.id}
	for i := 0; i+1 < len(extra); i += 2 {
		tags[extra[i]] = extra[i+1]
	}
	return tags
}

// run executes one cycle on conv, which already ends with the user's turn.
// conv is only appended to; calls must be empty on entry.
func (l *Loop) run(ctx context.Context, sessionID string, conv *llm.Conversation, set *tools.Set, calls *tools.CallLog) (Answer, error) {
	c := &cycle{
		sessionID: sessionID,
		id:        uuid.NewString(),
		conv:      conv,
		set:       set,
		calls:     calls,
		start:     time.Now(),
	}
	c.fsm = newCycleMachine(sessionID, c.id, append([]StateListener{l.stateRecorder()}, l.listeners...))
	metrics.Record(l.obs, metrics.EventCycleStart, 1, c.tags(), nil)
	if last, ok := conv.Last(); ok {
		l.log.Info("cycle_started", "session_id", sessionID, "cycle_id", c.id, "question", redact.Text(last.Text), "tools", set.Len())
	}
	_ = c.fsm.Transition(StateAwaitingModel, "question")

	modelCalls := 0
	for {
		if err := ctx.Err(); err != nil {
			return Answer{}, l.abort(c, errorsx.ReasonCanceled, err)
		}
		offered := set.Specs()
		if calls.Len() >= l.cfg.MaxToolCalls {
			offered = nil
		}

		resp, err := l.complete(ctx, c, offered)
		modelCalls++
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return Answer{}, l.abort(c, errorsx.ReasonCanceled, cerr)
			}
			reason := errorsx.Reason(err)
			if reason == errorsx.ReasonUnknown {
				reason = errorsx.ReasonModelUnavailable
			}
			return Answer{}, l.abort(c, reason, err)
		}

		switch r := resp.(type) {
		case llm.FinalAnswer:
			conv.Append(llm.ModelMessage(r.Text))
			_ = c.fsm.Transition(StateAnswered, "final_answer")
			ans := Answer{
				Text:       r.Text,
				CycleID:    c.id,
				ToolCalls:  calls.Records(),
				ModelCalls: modelCalls,
				Duration:   time.Since(c.start),
			}
			l.finish(c, StateAnswered, "")
			l.log.Info("cycle_answered", "session_id", sessionID, "cycle_id", c.id,
				"tool_calls", len(ans.ToolCalls), "model_calls", modelCalls, "duration_ms", ans.Duration.Milliseconds())
			return ans, nil

		case llm.ToolCallRequest:
			if llm.NormalizeToolName(r.Name) == "" {
				return Answer{}, l.abort(c, errorsx.ReasonMalformedResponse, llm.Malformed(l.client.Name(), "tool call without a name"))
			}
			if offered == nil {
				if _, err := l.executor.Admit(r.Name, set, calls); err != nil {
					return Answer{}, l.abort(c, errorsx.Reason(err), err)
				}
				err := errorsx.WrapTool(errors.New("tool requested after the tool-call limit was reached"), errorsx.ReasonIterationLimit, llm.NormalizeToolName(r.Name))
				return Answer{}, l.abort(c, errorsx.ReasonIterationLimit, err)
			}
			if r.ID == "" {
				r.ID = "call_" + uuid.NewString()
			}
			_ = c.fsm.Transition(StateToolRequested, r.Name)
			callCtx := tools.WithCallInfo(ctx, tools.CallInfo{SessionID: sessionID, CycleID: c.id, CallID: r.ID})
			out, err := l.executor.Execute(callCtx, r, set, calls)
			if err != nil {
				if cerr := ctx.Err(); cerr != nil {
					return Answer{}, l.abort(c, errorsx.ReasonCanceled, err)
				}
				return Answer{}, l.abort(c, errorsx.Reason(err), err)
			}
			status := string(tools.StatusSuccess)
			if out.Failed() {
				status = string(tools.StatusFailure)
			}
			metrics.Record(l.obs, metrics.EventToolCall, float64(out.Duration.Milliseconds()),
				c.tags(metrics.TagTool, llm.NormalizeToolName(r.Name), metrics.TagStatus, status),
				map[string]any{"arguments": r.Arguments})
			conv.Append(llm.ToolResult(r, out.Text, out.Failed()))
			_ = c.fsm.Transition(StateAwaitingModel, "tool_"+status)

		default:
			return Answer{}, l.abort(c, errorsx.ReasonMalformedResponse, llm.Malformed(l.client.Name(), "unexpected response %T", resp))
		}
	}
}

func (l *Loop) complete(ctx context.Context, c *cycle, offered []llm.ToolSpec) (llm.Response, error) {
	start := time.Now()
	resp, err := l.client.Complete(ctx, c.conv, offered)
	kind := "error"
	switch resp.(type) {
	case llm.FinalAnswer:
		kind = "answer"
	case llm.ToolCallRequest:
		kind = "tool_call"
	}
	if err != nil {
		kind = "error"
	}
	usage := llm.UsageOf(resp)
	metrics.Record(l.obs, metrics.EventModelCall, float64(time.Since(start).Milliseconds()),
		c.tags("provider", l.client.Name(), "kind", kind),
		map[string]any{
			"tools_offered":     len(offered),
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
		})
	return resp, err
}

func (l *Loop) abort(c *cycle, reason errorsx.ReasonCode, err error) error {
	ae := newAbort(reason, err)
	_ = c.fsm.Transition(StateAborted, string(ae.Reason))
	l.finish(c, StateAborted, ae.Reason)
	l.log.Warn("cycle_aborted", "session_id", c.sessionID, "cycle_id", c.id,
		"reason", ae.Reason, "tool", ae.Tool, "error", err)
	return ae
}

func (l *Loop) finish(c *cycle, state State, reason errorsx.ReasonCode) {
	tags := c.tags(metrics.TagState, state.String())
	if reason != "" {
		tags[metrics.TagReason] = string(reason)
	}
	metrics.Record(l.obs, metrics.EventCycleDone, float64(time.Since(c.start).Milliseconds()), tags, nil)
}

func (l *Loop) stateRecorder() StateListener {
	return StateListenerFunc(func(ev StateChange) {
		metrics.Record(l.obs, metrics.EventStateChange, 1, map[string]string{
			metrics.TagSession: ev.SessionID,
			metrics.TagCycle:   ev.CycleID,
			"from":             ev.FromState.String(),
			"to":               ev.ToState.String(),
			metrics.TagReason:  ev.Reason,
		}, nil)
		l.log.Debug("cycle_state_change", "session_id", ev.SessionID, "cycle_id", ev.CycleID,
			"from", ev.FromState.String(), "to", ev.ToState.String(), "reason", ev.Reason)
	})
}
