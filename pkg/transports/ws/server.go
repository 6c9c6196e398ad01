// Package ws serves orchestrator sessions over websockets. Each connection
// owns one session; questions on a connection are answered in order.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/beacon/pkg/errorsx"
	"github.com/harunnryd/beacon/pkg/logging"
	"github.com/harunnryd/beacon/pkg/orchestrator"
	"github.com/harunnryd/beacon/pkg/tools"
)

// Message types exchanged on the socket.
const (
	TypeAsk    = "ask"
	TypeReset  = "reset"
	TypeSelect = "select"
	TypeReady  = "ready"
	TypeAnswer = "answer"
	TypeAbort  = "abort"
	TypeError  = "error"
)

// Backend is the part of the engine the server drives.
type Backend interface {
	NewSession(ctx context.Context) (*orchestrator.Session, error)
	Ask(ctx context.Context, sess *orchestrator.Session, text string) (orchestrator.Answer, error)
	EndSession(id string)
	Registry() *tools.Registry
}

type Config struct {
	Addr           string   `mapstructure:"addr"`
	Path           string   `mapstructure:"path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// WriteTimeoutMS bounds a single socket write.
	WriteTimeoutMS int `mapstructure:"write_timeout_ms"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	if c.WriteTimeoutMS <= 0 {
		c.WriteTimeoutMS = 10000
	}
	return c
}

// ClientMessage is sent by the caller.
type ClientMessage struct {
	Type  string   `json:"type"`
	Text  string   `json:"text,omitempty"`
	Tools []string `json:"tools,omitempty"`
}

// ServerMessage is sent to the caller.
type ServerMessage struct {
	Type      string     `json:"type"`
	SessionID string     `json:"session_id,omitempty"`
	CycleID   string     `json:"cycle_id,omitempty"`
	Text      string     `json:"text,omitempty"`
	Tools     []ToolCall `json:"tools,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	Message   string     `json:"message,omitempty"`
	Retryable bool       `json:"retryable,omitempty"`
}

// ToolCall summarises one tool call of an answered cycle.
type ToolCall struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
}

type Server struct {
	cfg      Config
	backend  Backend
	log      *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.Mutex
	conns map[string]*conn

	draining atomic.Bool
}

func New(cfg Config, backend Backend, log *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		backend: backend,
		log:     logging.NewComponentLogger(log, "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[string]*conn),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

// Handler routes the websocket path, GET /tools and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	mux.HandleFunc("/tools", s.handleTools)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ws_server_error", "error", err.Error())
		}
	}()
	s.log.Info("ws_server_started", "addr", s.cfg.Addr, "path", s.cfg.Path)
	return nil
}

// Stop refuses new connections and closes the open ones, which ends their
// sessions.
func (s *Server) Stop() error {
	if !s.draining.CompareAndSwap(false, true) {
		return nil
	}
	if s.server != nil {
		_ = s.server.Close()
	}
	s.mu.Lock()
	open := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()
	for _, c := range open {
		_ = c.ws.Close()
	}
	return nil
}

// Connections reports how many sockets are open.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	sess, err := s.backend.NewSession(r.Context())
	if err != nil {
		if errors.Is(err, orchestrator.ErrDraining) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		s.log.Error("ws_session_failed", "error", err.Error())
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.backend.EndSession(sess.ID())
		return
	}
	c := newConn(ws, time.Duration(s.cfg.WriteTimeoutMS)*time.Millisecond)
	go c.writeLoop()
	s.track(sess.ID(), c)
	log := s.log.With("session_id", sess.ID())
	log.Info("ws_connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	inbox := make(chan ClientMessage, 8)
	worked := make(chan struct{})
	go func() {
		defer close(worked)
		for msg := range inbox {
			s.handle(ctx, c, sess, msg)
		}
	}()

	c.send(ServerMessage{Type: TypeReady, SessionID: sess.ID()})
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.send(ServerMessage{Type: TypeError, Message: "invalid message"})
			continue
		}
		select {
		case inbox <- msg:
		default:
			c.send(ServerMessage{Type: TypeError, Message: "too many pending messages"})
		}
	}

	cancel()
	close(inbox)
	<-worked
	s.untrack(sess.ID())
	s.backend.EndSession(sess.ID())
	c.close()
	log.Info("ws_disconnected")
}

func (s *Server) handle(ctx context.Context, c *conn, sess *orchestrator.Session, msg ClientMessage) {
	switch strings.ToLower(strings.TrimSpace(msg.Type)) {
	case TypeAsk:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			c.send(ServerMessage{Type: TypeError, Message: "text is required"})
			return
		}
		ans, err := s.backend.Ask(ctx, sess, text)
		if err != nil {
			c.send(abortMessage(err))
			return
		}
		c.send(answerMessage(ans))
	case TypeReset:
		sess.Reset()
		c.send(ServerMessage{Type: TypeReset, SessionID: sess.ID()})
	case TypeSelect:
		if err := sess.SelectTools(msg.Tools...); err != nil {
			c.send(ServerMessage{Type: TypeError, Message: err.Error()})
			return
		}
		c.send(ServerMessage{Type: TypeSelect, SessionID: sess.ID()})
	default:
		c.send(ServerMessage{Type: TypeError, Message: "unknown message type"})
	}
}

func answerMessage(ans orchestrator.Answer) ServerMessage {
	calls := make([]ToolCall, 0, len(ans.ToolCalls))
	for _, rec := range ans.ToolCalls {
		calls = append(calls, ToolCall{
			Name:       rec.Tool,
			Status:     string(rec.Status),
			DurationMS: rec.Duration.Milliseconds(),
		})
	}
	return ServerMessage{Type: TypeAnswer, CycleID: ans.CycleID, Text: ans.Text, Tools: calls}
}

func abortMessage(err error) ServerMessage {
	ae, ok := orchestrator.AsAbort(err)
	if !ok {
		return ServerMessage{
			Type:    TypeAbort,
			Reason:  string(errorsx.Reason(err)),
			Message: "The assistant could not complete the request.",
		}
	}
	return ServerMessage{
		Type:      TypeAbort,
		Reason:    string(ae.Reason),
		Tool:      ae.Tool,
		Message:   ae.UserMessage(),
		Retryable: ae.Retryable(),
	}
}

type toolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Source      string         `json:"source,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	set, err := s.backend.Registry().Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]toolInfo, 0, set.Len())
	for _, d := range set.List() {
		out = append(out, toolInfo{
			Name:        d.Name,
			Description: d.Description,
			Source:      d.Source,
			Parameters:  d.Schema.JSONSchema(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) track(id string, c *conn) {
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

// conn serialises writes to one socket through a queue.
type conn struct {
	ws      *websocket.Conn
	sendCh  chan []byte
	timeout time.Duration
	closed  atomic.Bool
	done    chan struct{}
}

func newConn(ws *websocket.Conn, timeout time.Duration) *conn {
	return &conn{ws: ws, sendCh: make(chan []byte, 32), timeout: timeout, done: make(chan struct{})}
}

// send queues msg for the writer. Error notices are dropped when the queue
// is full. Every other message waits up to the write timeout; if the queue is
// still full the socket is closed so the client sees the failure.
func (c *conn) send(msg ServerMessage) {
	if c.closed.Load() {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if msg.Type == TypeError {
		select {
		case c.sendCh <- b:
		default:
		}
		return
	}
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case c.sendCh <- b:
	case <-c.done:
	case <-timer.C:
		_ = c.ws.Close()
	}
}

func (c *conn) writeLoop() {
	defer close(c.done)
	for msg := range c.sendCh {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// close is called once every sender has stopped.
func (c *conn) close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.sendCh)
		<-c.done
	}
	_ = c.ws.Close()
}
