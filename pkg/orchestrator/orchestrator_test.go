package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/beacon/pkg/errorsx"
	"github.com/harunnryd/beacon/pkg/llm"
	"github.com/harunnryd/beacon/pkg/metrics"
	"github.com/harunnryd/beacon/pkg/providers/mock"
	"github.com/harunnryd/beacon/pkg/resilience"
	"github.com/harunnryd/beacon/pkg/tools"
)

type fixture struct {
	registry *tools.Registry
	client   *mock.ScriptedClient
	obs      *metrics.MemoryObserver
	manager  *Manager
	calls    map[string]*int32
	states   *stateLog
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (s *stateLog) OnStateChange(ev StateChange) {
	s.mu.Lock()
	s.states = append(s.states, ev.ToState)
	s.mu.Unlock()
}

func (s *stateLog) list() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states...)
}

func newFixture(t *testing.T, cfg Config, steps ...mock.Step) *fixture {
	t.Helper()
	f := &fixture{
		registry: tools.NewRegistry(),
		client:   mock.NewScriptedClient(steps...),
		obs:      metrics.NewMemoryObserver(),
		calls:    map[string]*int32{},
		states:   &stateLog{},
	}
	add := func(name string, h tools.Handler, schema tools.Schema) {
		var n int32
		f.calls[name] = &n
		err := f.registry.Register(tools.Descriptor{
			Name:   name,
			Schema: schema,
			Handler: func(ctx context.Context, args tools.Args) (any, error) {
				atomic.AddInt32(&n, 1)
				return h(ctx, args)
			},
		})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	add("get_audio_input", func(context.Context, tools.Args) (any, error) { return "chest pain", nil }, tools.Schema{})
	add("get_user_location", func(context.Context, tools.Args) (any, error) {
		return map[string]any{"latitude": 40.7128, "longitude": -74.006}, nil
	}, tools.Schema{})
	add("get_health_metrics", func(context.Context, tools.Args) (any, error) {
		return nil, errors.New("watch not paired")
	}, tools.Schema{})
	add("call_emergency_contact", func(_ context.Context, a tools.Args) (any, error) {
		return "calling " + a.String("contact_type"), nil
	}, tools.Schema{Params: []tools.Param{{Name: "contact_type", Type: tools.TypeString, Required: true, Enum: []string{"primary", "secondary", "medical"}}}})

	loop := NewLoop(f.client, tools.NewExecutor(tools.ExecutorOptions{}), cfg,
		WithObserver(f.obs), WithStateListener(f.states))
	f.manager = NewManager(f.registry, loop)
	return f
}

func (f *fixture) session(t *testing.T) *Session {
	t.Helper()
	s, err := f.manager.Create(context.Background())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (f *fixture) handlerCalls(name string) int32 {
	return atomic.LoadInt32(f.calls[name])
}

func abortReason(t *testing.T, err error) *AbortError {
	t.Helper()
	ae, ok := AsAbort(err)
	if !ok {
		t.Fatalf("expected *AbortError, got %T %v", err, err)
	}
	return ae
}

func TestAskDirectAnswerWithoutTools(t *testing.T) {
	f := newFixture(t, Config{}, mock.Answer("Hello! I'm here if you need help."))
	s := f.session(t)
	ans, err := s.Ask(context.Background(), "Just saying hello")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.Text != "Hello! I'm here if you need help." || len(ans.ToolCalls) != 0 || ans.ModelCalls != 1 {
		t.Fatalf("unexpected answer %+v", ans)
	}
	if s.State() != StateAnswered {
		t.Fatalf("expected answered, got %s", s.State())
	}
	turns := s.Conversation()
	if len(turns) != 2 || turns[0].Kind != llm.TurnUser || turns[1].Kind != llm.TurnModel {
		t.Fatalf("unexpected transcript %+v", turns)
	}
}

func TestAskEmergencyScenario(t *testing.T) {
	f := newFixture(t, Config{},
		mock.CallTool("get_audio_input", map[string]any{}),
		mock.Answer("The person is reporting chest pain."),
	)
	s := f.session(t)
	ans, err := s.Ask(context.Background(), "What's your emergency?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.Text != "The person is reporting chest pain." {
		t.Fatalf("unexpected answer %q", ans.Text)
	}
	if len(ans.ToolCalls) != 1 || ans.ToolCalls[0].Tool != "get_audio_input" {
		t.Fatalf("expected exactly one tool call, got %+v", ans.ToolCalls)
	}
	if s.State() != StateAnswered {
		t.Fatalf("expected answered, got %s", s.State())
	}

	calls := f.client.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected two model calls, got %d", len(calls))
	}
	second := calls[1].Turns
	last := second[len(second)-1]
	if last.Kind != llm.TurnToolResult || last.Tool != "get_audio_input" || last.Text != `{"status":"success","data":"chest pain"}` {
		t.Fatalf("model did not see the enriched transcript: %+v", last)
	}

	want := []State{StateAwaitingModel, StateToolRequested, StateAwaitingModel, StateAnswered}
	got := f.states.list()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected state sequence %v", got)
	}
	if len(f.obs.Named(metrics.EventToolCall)) != 1 || len(f.obs.Named(metrics.EventCycleDone)) != 1 {
		t.Fatalf("expected tool_call and cycle_done events")
	}
}

func TestAskUnknownToolAborts(t *testing.T) {
	f := newFixture(t, Config{}, mock.CallTool("summon_helicopter", nil))
	s := f.session(t)
	_, err := s.Ask(context.Background(), "help")
	ae := abortReason(t, err)
	if ae.Reason != errorsx.ReasonUnknownTool || ae.Tool != "summon_helicopter" {
		t.Fatalf("unexpected abort %+v", ae)
	}
	if !errors.Is(err, tools.ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool in chain")
	}
	if s.State() != StateAborted {
		t.Fatalf("expected aborted, got %s", s.State())
	}
	if ae.UserMessage() != "The assistant gave an invalid tool request." {
		t.Fatalf("unexpected user message %q", ae.UserMessage())
	}
}

func TestAskRedundantCallAborts(t *testing.T) {
	f := newFixture(t, Config{},
		mock.CallTool("call_emergency_contact", map[string]any{"contact_type": "primary"}),
		mock.CallTool("call_emergency_contact", map[string]any{"contact_type": "medical"}),
	)
	s := f.session(t)
	_, err := s.Ask(context.Background(), "call someone")
	ae := abortReason(t, err)
	if ae.Reason != errorsx.ReasonRedundantCall || ae.Tool != "call_emergency_contact" {
		t.Fatalf("unexpected abort %+v", ae)
	}
	if f.handlerCalls("call_emergency_contact") != 1 {
		t.Fatalf("handler must run once, ran %d", f.handlerCalls("call_emergency_contact"))
	}
	seen := map[string]int{}
	for _, r := range s.LastCalls() {
		seen[r.Tool]++
		if seen[r.Tool] > 1 {
			t.Fatalf("call log holds duplicate tool %s", r.Tool)
		}
	}
}

func TestAskArgumentValidationAborts(t *testing.T) {
	f := newFixture(t, Config{}, mock.CallTool("call_emergency_contact", map[string]any{"contact_type": "neighbour"}))
	s := f.session(t)
	_, err := s.Ask(context.Background(), "call")
	ae := abortReason(t, err)
	if ae.Reason != errorsx.ReasonArgumentValidation || ae.Tool != "call_emergency_contact" {
		t.Fatalf("unexpected abort %+v", ae)
	}
	if f.handlerCalls("call_emergency_contact") != 0 {
		t.Fatalf("handler must not run on invalid arguments")
	}
}

func TestAskMalformedResponseAbortsWithoutRetry(t *testing.T) {
	f := newFixture(t, Config{},
		mock.Fail(llm.Malformed("mock", "no choices")),
		mock.Answer("should never be used"),
	)
	s := f.session(t)
	_, err := s.Ask(context.Background(), "hello")
	ae := abortReason(t, err)
	if ae.Reason != errorsx.ReasonMalformedResponse || !errors.Is(err, llm.ErrMalformedResponse) {
		t.Fatalf("unexpected abort %+v", ae)
	}
	if len(f.client.Calls()) != 1 || f.client.Remaining() != 1 {
		t.Fatalf("loop must not retry internally")
	}
	if !ae.Retryable() {
		t.Fatalf("malformed responses are retryable by the caller")
	}
}

func TestAskNilResponseIsMalformed(t *testing.T) {
	f := newFixture(t, Config{}, mock.Step{})
	_, err := f.session(t).Ask(context.Background(), "hello")
	if abortReason(t, err).Reason != errorsx.ReasonMalformedResponse {
		t.Fatalf("expected malformed response, got %v", err)
	}
}

func TestAskModelUnavailableAborts(t *testing.T) {
	f := newFixture(t, Config{}, mock.Fail(llm.Unavailable("mock", errors.New("connection refused"))))
	_, err := f.session(t).Ask(context.Background(), "hello")
	if abortReason(t, err).Reason != errorsx.ReasonModelUnavailable {
		t.Fatalf("expected model unavailable, got %v", err)
	}
}

func TestAskHandlerFailureIsFedBack(t *testing.T) {
	f := newFixture(t, Config{},
		mock.CallTool("get_health_metrics", nil),
		mock.Answer("I could not read your vitals, but help is coming."),
	)
	s := f.session(t)
	ans, err := s.Ask(context.Background(), "check my heart")
	if err != nil {
		t.Fatalf("handler failures must not abort: %v", err)
	}
	if len(ans.ToolCalls) != 1 || ans.ToolCalls[0].Status != tools.StatusFailure {
		t.Fatalf("expected recorded failure, got %+v", ans.ToolCalls)
	}
	turns := s.Conversation()
	tr := turns[1]
	if tr.Kind != llm.TurnToolResult || !tr.Failed || tr.Text != `{"status":"error","message":"watch not paired"}` {
		t.Fatalf("unexpected tool result turn %+v", tr)
	}
}

func TestAskTranscriptPreservesOrder(t *testing.T) {
	f := newFixture(t, Config{},
		mock.CallTool("get_audio_input", nil),
		mock.CallTool("get_user_location", nil),
		mock.Answer("Sending help to your location."),
	)
	s := f.session(t)
	if _, err := s.Ask(context.Background(), "emergency"); err != nil {
		t.Fatalf("ask: %v", err)
	}
	turns := s.Conversation()
	kinds := []llm.TurnKind{llm.TurnUser, llm.TurnToolResult, llm.TurnToolResult, llm.TurnModel}
	if len(turns) != len(kinds) {
		t.Fatalf("expected %d turns, got %d", len(kinds), len(turns))
	}
	for i, k := range kinds {
		if turns[i].Kind != k {
			t.Fatalf("turn %d: expected %s, got %s", i, k, turns[i].Kind)
		}
	}
	if turns[1].Tool != "get_audio_input" || turns[2].Tool != "get_user_location" {
		t.Fatalf("tool results reordered: %s, %s", turns[1].Tool, turns[2].Tool)
	}
	if turns[2].Text != `{"status":"success","data":{"latitude":40.7128,"longitude":-74.006}}` {
		t.Fatalf("outcome text altered: %s", turns[2].Text)
	}
}

func TestAskIterationLimit(t *testing.T) {
	f := newFixture(t, Config{MaxToolCalls: 1},
		mock.CallTool("get_audio_input", nil),
		mock.CallTool("get_user_location", nil),
	)
	_, err := f.session(t).Ask(context.Background(), "loop forever")
	ae := abortReason(t, err)
	if ae.Reason != errorsx.ReasonIterationLimit || ae.Tool != "get_user_location" {
		t.Fatalf("unexpected abort %+v", ae)
	}
	calls := f.client.Calls()
	if len(calls) != 2 || len(calls[0].Tools) == 0 || len(calls[1].Tools) != 0 {
		t.Fatalf("last model call must be offered no tools: %+v", calls)
	}
	if f.handlerCalls("get_user_location") != 0 {
		t.Fatalf("tool over the limit must not run")
	}
}

func TestAskRedundantCallAtLimit(t *testing.T) {
	f := newFixture(t, Config{MaxToolCalls: 1},
		mock.CallTool("get_audio_input", nil),
		mock.CallTool("get_audio_input", nil),
	)
	_, err := f.session(t).Ask(context.Background(), "emergency")
	ae := abortReason(t, err)
	if ae.Reason != errorsx.ReasonRedundantCall || ae.Tool != "get_audio_input" {
		t.Fatalf("expected redundant_call at the limit, got %+v", ae)
	}
	if !errors.Is(err, tools.ErrRedundantCall) {
		t.Fatalf("expected ErrRedundantCall, got %v", err)
	}
	if f.handlerCalls("get_audio_input") != 1 {
		t.Fatalf("handler must run once, got %d", f.handlerCalls("get_audio_input"))
	}
}

func TestAskUnknownToolAtLimit(t *testing.T) {
	f := newFixture(t, Config{MaxToolCalls: 1},
		mock.CallTool("get_audio_input", nil),
		mock.CallTool("no_such_tool", nil),
	)
	_, err := f.session(t).Ask(context.Background(), "emergency")
	ae := abortReason(t, err)
	if ae.Reason != errorsx.ReasonUnknownTool || ae.Tool != "no_such_tool" {
		t.Fatalf("expected unknown_tool at the limit, got %+v", ae)
	}
	if !errors.Is(err, tools.ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestAskIterationLimitFinalAnswer(t *testing.T) {
	f := newFixture(t, Config{MaxToolCalls: 1},
		mock.CallTool("get_audio_input", nil),
		mock.Answer("Chest pain reported."),
	)
	ans, err := f.session(t).Ask(context.Background(), "emergency")
	if err != nil || ans.Text != "Chest pain reported." {
		t.Fatalf("expected answer at the limit, got %+v %v", ans, err)
	}
}

func TestAbortedCycleIsNotCommitted(t *testing.T) {
	f := newFixture(t, Config{},
		mock.CallTool("get_audio_input", nil),
		mock.Fail(llm.Unavailable("mock", errors.New("timeout"))),
		mock.Answer("Retry worked."),
	)
	s := f.session(t)
	if _, err := s.Ask(context.Background(), "emergency"); err == nil {
		t.Fatalf("expected abort")
	}
	if len(s.Conversation()) != 0 {
		t.Fatalf("aborted cycle must leave the transcript untouched, got %d turns", len(s.Conversation()))
	}
	ans, err := s.Ask(context.Background(), "emergency")
	if err != nil || ans.Text != "Retry worked." {
		t.Fatalf("expected second ask to succeed, got %+v %v", ans, err)
	}
	if len(s.Conversation()) != 2 {
		t.Fatalf("expected user and model turns only, got %d", len(s.Conversation()))
	}
}

func TestCallLogResetPerQuestion(t *testing.T) {
	f := newFixture(t, Config{},
		mock.CallTool("get_audio_input", nil),
		mock.Answer("first"),
		mock.CallTool("get_audio_input", nil),
		mock.Answer("second"),
	)
	s := f.session(t)
	if _, err := s.Ask(context.Background(), "one"); err != nil {
		t.Fatalf("first ask: %v", err)
	}
	if _, err := s.Ask(context.Background(), "two"); err != nil {
		t.Fatalf("same tool in a new question must be allowed: %v", err)
	}
	if len(s.LastCalls()) != 1 {
		t.Fatalf("expected call log reset, got %d records", len(s.LastCalls()))
	}
}

func TestAskCancellation(t *testing.T) {
	f := newFixture(t, Config{})
	f.client.Block = make(chan struct{})
	s := f.session(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := s.Ask(ctx, "hello")
	ae := abortReason(t, err)
	if ae.Reason != errorsx.ReasonCanceled {
		t.Fatalf("expected canceled, got %+v", ae)
	}
	if len(s.LastCalls()) != 0 || len(s.Conversation()) != 0 {
		t.Fatalf("cancelled cycle must record nothing")
	}
}

func TestManagerRemoveCancelsSession(t *testing.T) {
	f := newFixture(t, Config{})
	f.client.Block = make(chan struct{})
	s := f.session(t)
	if f.manager.Count() != 1 {
		t.Fatalf("expected one session")
	}
	done := make(chan error, 1)
	go func() {
		_, err := s.Ask(context.Background(), "hello")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if !f.manager.Remove(s.ID()) {
		t.Fatalf("expected remove to find session")
	}
	select {
	case err := <-done:
		if abortReason(t, err).Reason != errorsx.ReasonCanceled {
			t.Fatalf("expected canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("ask did not return after remove")
	}
	if _, ok := f.manager.Get(s.ID()); ok || f.manager.Count() != 0 {
		t.Fatalf("session must be forgotten")
	}
	if _, err := s.Ask(context.Background(), "again"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed session error, got %v", err)
	}
}

func TestManagerCreateWithSelection(t *testing.T) {
	f := newFixture(t, Config{})
	s, err := f.manager.Create(context.Background(), "get_user_location", "get_audio_input")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	active := s.ActiveTools()
	if len(active) != 2 || active[0].Name != "get_user_location" {
		t.Fatalf("unexpected active tools %+v", active)
	}
	if _, err := f.manager.Create(context.Background(), "nope"); !errors.Is(err, tools.ErrUnknownTool) {
		t.Fatalf("expected unknown tool, got %v", err)
	}
	if err := s.SelectTools("get_audio_input"); err != nil || len(s.ActiveTools()) != 1 {
		t.Fatalf("select tools: %v", err)
	}
	f.manager.SetDraining(true)
	if _, err := f.manager.Create(context.Background()); !errors.Is(err, ErrDraining) {
		t.Fatalf("expected draining error, got %v", err)
	}
	f.manager.CloseAll()
	if !f.manager.WaitForEmpty(context.Background(), time.Millisecond) {
		t.Fatalf("expected empty manager")
	}
}

func TestUnselectedToolIsUnknown(t *testing.T) {
	f := newFixture(t, Config{}, mock.CallTool("get_audio_input", nil))
	s, err := f.manager.Create(context.Background(), "get_user_location")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = s.Ask(context.Background(), "emergency")
	if abortReason(t, err).Reason != errorsx.ReasonUnknownTool || f.handlerCalls("get_audio_input") != 0 {
		t.Fatalf("tool outside the session set must be unknown, got %v", err)
	}
}

func TestAskWithRetry(t *testing.T) {
	f := newFixture(t, Config{},
		mock.Fail(llm.Unavailable("mock", errors.New("503"))),
		mock.Answer("recovered"),
	)
	policy := resilience.NewRetryPolicy(2, time.Millisecond)
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	ans, err := AskWithRetry(context.Background(), f.session(t), "hello", policy)
	if err != nil || ans.Text != "recovered" {
		t.Fatalf("expected recovery, got %+v %v", ans, err)
	}
	if len(f.obs.Named(metrics.EventQuestionRetry)) != 1 {
		t.Fatalf("expected one question_retry event")
	}

	g := newFixture(t, Config{}, mock.CallTool("summon_helicopter", nil), mock.Answer("unused"))
	_, err = AskWithRetry(context.Background(), g.session(t), "hello", policy)
	if abortReason(t, err).Reason != errorsx.ReasonUnknownTool || len(g.client.Calls()) != 1 {
		t.Fatalf("policy violations must not be retried")
	}

	m := newFixture(t, Config{},
		mock.Fail(llm.Malformed("mock", "no content or tool call")),
		mock.Answer("unused"),
	)
	_, err = AskWithRetry(context.Background(), m.session(t), "hello", policy)
	if abortReason(t, err).Reason != errorsx.ReasonMalformedResponse || len(m.client.Calls()) != 1 {
		t.Fatalf("malformed replies must not be retried, calls=%d", len(m.client.Calls()))
	}
}

func TestSessionsRunConcurrently(t *testing.T) {
	reg := tools.NewRegistry()
	_ = reg.Register(tools.Descriptor{Name: "get_audio_input", Handler: func(context.Context, tools.Args) (any, error) {
		return "chest pain", nil
	}})
	client := &mock.RuleClient{Rules: []mock.Rule{{Keywords: []string{"emergency"}, Tool: "get_audio_input"}}}
	m := NewManager(reg, NewLoop(client, nil, Config{}))
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Create(context.Background())
			if err != nil {
				errs <- err
				return
			}
			ans, err := s.Ask(context.Background(), "What's your emergency?")
			if err != nil {
				errs <- err
				return
			}
			if len(ans.ToolCalls) != 1 {
				errs <- fmt.Errorf("expected one tool call, got %d", len(ans.ToolCalls))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent session: %v", err)
	}
	if m.Count() != 8 {
		t.Fatalf("expected 8 sessions, got %d", m.Count())
	}
}
