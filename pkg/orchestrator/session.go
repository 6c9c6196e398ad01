package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/beacon/pkg/errorsx"
	"github.com/harunnryd/beacon/pkg/llm"
	"github.com/harunnryd/beacon/pkg/tools"
)

// ErrSessionClosed is wrapped in the AbortError returned by Ask after Close.
var ErrSessionClosed = errors.New("session closed")

// Session owns one conversation, its active tool set and the call log of
// the current question. Ask runs one cycle at a time.
type Session struct {
	id       string
	loop     *Loop
	registry *tools.Registry
	created  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conv  *llm.Conversation
	set   *tools.Set
	calls *tools.CallLog
	state State
}

func newSession(id string, loop *Loop, registry *tools.Registry, set *tools.Set) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       id,
		loop:     loop,
		registry: registry,
		created:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		conv:     llm.NewConversation(loop.cfg.SystemPrompt),
		set:      set,
		calls:    tools.NewCallLog(),
		state:    StateIdle,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Created() time.Time { return s.created }

// Ask appends text as a new question and runs a cycle until the model answers
// or the cycle aborts. The error, when non-nil, is an *AbortError. Only an
// answered cycle changes the stored conversation, so an aborted question can
// be asked again as is.
func (s *Session) Ask(ctx context.Context, text string) (Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return Answer{}, &AbortError{Reason: errorsx.ReasonCanceled, Err: ErrSessionClosed}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.calls.Reset()
	work := s.conv.Fork()
	work.Append(llm.UserMessage(text))
	ans, err := s.loop.run(ctx, s.id, work, s.set, s.calls)
	if err != nil {
		s.state = StateAborted
		return Answer{}, err
	}
	s.conv = work
	s.state = StateAnswered
	return ans, nil
}

// State is the terminal state of the last cycle, or StateIdle before the first.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation returns a copy of the committed transcript.
func (s *Session) Conversation() []llm.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Turns()
}

// LastCalls returns the calls made by the most recent cycle.
func (s *Session) LastCalls() []tools.Record {
	return s.calls.Records()
}

// ActiveTools lists the tools enabled for this session in selection order.
func (s *Session) ActiveTools() []tools.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.List()
}

// SelectTools replaces the active tool set with a fresh snapshot of the
// registry. With no names every registered tool is enabled.
func (s *Session) SelectTools(names ...string) error {
	set, err := s.registry.Snapshot(names...)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.set = set
	s.mu.Unlock()
	return nil
}

// Reset drops the conversation history.
func (s *Session) Reset() {
	s.mu.Lock()
	s.conv = llm.NewConversation(s.loop.cfg.SystemPrompt)
	s.calls.Reset()
	s.state = StateIdle
	s.mu.Unlock()
}

// Close cancels any running cycle. Later calls to Ask fail.
func (s *Session) Close() {
	s.cancel()
}

func (s *Session) Closed() bool {
	return s.ctx.Err() != nil
}
