package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/harunnryd/beacon/pkg/errorsx"
	"github.com/harunnryd/beacon/pkg/llm"
	"github.com/harunnryd/beacon/pkg/logging"
	"github.com/harunnryd/beacon/pkg/redact"
)

// ErrToolTimeout is the failure reported when a handler exceeds its timeout.
var ErrToolTimeout = errors.New("tool timeout")

// Outcome is the result of a handler run. Both kinds go back to the model.
type Outcome struct {
	Status Status
	Result any
	Reason string
	// Text is the rendered outcome stored in the ToolResult turn.
	Text     string
	Duration time.Duration
}

func (o Outcome) Failed() bool { return o.Status == StatusFailure }

type ExecutorOptions struct {
	// MaxCallsPerTool bounds calls to one tool per cycle. Defaults to 1.
	MaxCallsPerTool int
	// Timeout bounds a single handler run. Zero means no limit.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Executor validates and runs tool call requests.
type Executor struct {
	opts ExecutorOptions
	log  *slog.Logger
}

func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.MaxCallsPerTool <= 0 {
		opts.MaxCallsPerTool = 1
	}
	return &Executor{opts: opts, log: logging.NewComponentLogger(opts.Logger, "tool_executor")}
}

// Execute runs req against set. Unknown tools, redundant calls and invalid
// arguments are returned as errors and nothing is recorded. Handler errors,
// panics and timeouts become failure outcomes and are recorded in called.
// If ctx ends while the handler runs, ctx's error is returned and nothing is
// recorded.
func (e *Executor) Execute(ctx context.Context, req llm.ToolCallRequest, set *Set, called *CallLog) (Outcome, error) {
	d, err := e.Admit(req.Name, set, called)
	if err != nil {
		return Outcome{}, err
	}
	args, err := d.Schema.Validate(d.Name, req.Arguments)
	if err != nil {
		return Outcome{}, err
	}

	start := time.Now()
	result, herr := e.run(ctx, d, args)
	if cerr := ctx.Err(); cerr != nil {
		return Outcome{}, errorsx.WrapTool(cerr, errorsx.ReasonCanceled, d.Name)
	}
	out := Outcome{Duration: time.Since(start)}
	rec := Record{Tool: d.Name, Arguments: map[string]any(args), At: start, Duration: out.Duration}
	if herr != nil {
		out.Status = StatusFailure
		out.Reason = herr.Error()
		out.Text = renderFailure(herr)
		rec.Status = StatusFailure
		rec.Error = herr.Error()
		e.log.Warn("tool_call_failed", "tool", d.Name, "args", redact.Args(args), "reason", errorsx.Reason(herr), "error", herr)
	} else {
		out.Status = StatusSuccess
		out.Result = result
		out.Text = renderSuccess(result)
		rec.Status = StatusSuccess
		rec.Result = out.Text
		e.log.Debug("tool_call_done", "tool", d.Name, "args", redact.Args(args), "duration_ms", out.Duration.Milliseconds())
	}
	if called != nil {
		called.Add(rec)
	}
	return out, nil
}

// Admit resolves name in set and rejects it once called already holds
// MaxCallsPerTool records for the tool. It never runs the handler.
func (e *Executor) Admit(name string, set *Set, called *CallLog) (Descriptor, error) {
	key := llm.NormalizeToolName(name)
	d, ok := set.Get(key)
	if !ok {
		return Descriptor{}, unknownTool(key)
	}
	if called != nil {
		if n := called.Count(d.Name); n >= e.opts.MaxCallsPerTool {
			return Descriptor{}, redundantCall(d.Name, n)
		}
	}
	return d, nil
}

func (e *Executor) run(ctx context.Context, d Descriptor, args Args) (any, error) {
	runCtx := ctx
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}
	type result struct {
		value any
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("tool_handler_panic", "tool", d.Name, "panic", r, "stack", string(debug.Stack()))
				ch <- result{err: errorsx.WrapTool(fmt.Errorf("tool panicked: %v", r), errorsx.ReasonToolFailure, d.Name)}
			}
		}()
		v, err := d.Handler(runCtx, args)
		ch <- result{value: v, err: err}
	}()
	select {
	case out := <-ch:
		if out.err == nil {
			return out.value, nil
		}
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, errorsx.WrapTool(ErrToolTimeout, errorsx.ReasonToolTimeout, d.Name)
		}
		return nil, errorsx.WrapTool(out.err, errorsx.ReasonToolFailure, d.Name)
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errorsx.WrapTool(ErrToolTimeout, errorsx.ReasonToolTimeout, d.Name)
	}
}

type outcomeText struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func renderSuccess(v any) string {
	b, err := json.Marshal(outcomeText{Status: "success", Data: v})
	if err != nil {
		b, _ = json.Marshal(outcomeText{Status: "success", Data: fmt.Sprint(v)})
	}
	return string(b)
}

func renderFailure(err error) string {
	b, _ := json.Marshal(outcomeText{Status: "error", Message: err.Error()})
	return string(b)
}
