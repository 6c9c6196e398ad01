package beacon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/beacon/pkg/configutil"
	"github.com/harunnryd/beacon/pkg/incident"
	"github.com/harunnryd/beacon/pkg/llm"
	"github.com/harunnryd/beacon/pkg/logging"
	"github.com/harunnryd/beacon/pkg/mcp"
	"github.com/harunnryd/beacon/pkg/metrics"
	"github.com/harunnryd/beacon/pkg/observers"
	"github.com/harunnryd/beacon/pkg/orchestrator"
	"github.com/harunnryd/beacon/pkg/redact"
	"github.com/harunnryd/beacon/pkg/resilience"
	"github.com/harunnryd/beacon/pkg/runner"
	"github.com/harunnryd/beacon/pkg/tools"
	"github.com/harunnryd/beacon/pkg/tools/emergency"
)

type Options struct {
	Config    Config
	Providers *ProviderRegistry
	// Model replaces the client built from vendors.llm.
	Model llm.ModelClient
	// Incidents replaces the store opened from the incidents section.
	Incidents incident.Store
	// Tools are registered after the emergency tool set.
	Tools []tools.Descriptor
	// MCPDialer replaces the stdio launcher for servers in mcp.config_file.
	MCPDialer mcp.DialFunc
	// Logger is used as is; when nil one is built from log_level/log_format.
	Logger         *slog.Logger
	Banner         io.Writer
	StateListeners []orchestrator.StateListener
}

// Engine owns every long-lived component: the tool registry, the session
// manager and the loop behind it, observers and external connections.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	providers *ProviderRegistry
	registry  *tools.Registry
	loop      *orchestrator.Loop
	manager   *orchestrator.Manager
	client    llm.ModelClient
	incidents incident.Store
	mcpConfig *mcp.ConfigStore
	hub       *mcp.Hub
	mcpDial   mcp.DialFunc
	monitorMu sync.Mutex
	monitor   func()
	stopped   bool
	async     *metrics.AsyncObserver
	timeline  *observers.TimelineObserver
	usage     *observers.UsageObserver
	metricsW  *os.File
	runner    *runner.LifecycleRunner
	retry     resilience.RetryPolicy
	enabled   []string
}

func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = logging.InitLogger(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)
	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	e := &Engine{cfg: cfg, log: log, providers: providers, enabled: cfg.Tools.Enabled, mcpDial: opts.MCPDialer}

	log.Info("beacon_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"telephony", cfg.Telephony.Provider,
		"audio", cfg.Audio.Provider,
		"incidents", cfg.Incidents.Driver,
	)

	obs, err := e.buildObservers()
	if err != nil {
		return nil, err
	}
	e.async = metrics.NewAsyncObserver(obs, 2048)

	if err := e.buildModel(ctx, opts.Model); err != nil {
		e.closeObservers()
		return nil, err
	}

	e.incidents = opts.Incidents
	if e.incidents == nil {
		store, err := incident.Open(ctx, incident.Config{
			Driver:     cfg.Incidents.Driver,
			DSN:        cfg.Incidents.DSN,
			Database:   cfg.Incidents.Database,
			Collection: cfg.Incidents.Collection,
		})
		if err != nil {
			e.closeObservers()
			return nil, fmt.Errorf("open incident store: %w", err)
		}
		e.incidents = store
	}

	if err := e.buildTools(ctx, opts.Tools); err != nil {
		e.shutdown()
		return nil, err
	}

	executor := tools.NewExecutor(tools.ExecutorOptions{
		MaxCallsPerTool: cfg.Orchestrator.MaxCallsPerTool,
		Timeout:         time.Duration(cfg.Orchestrator.ToolTimeoutMS) * time.Millisecond,
		Logger:          log,
	})
	loopOpts := []orchestrator.LoopOption{orchestrator.WithObserver(e.async), orchestrator.WithLogger(log)}
	for _, l := range opts.StateListeners {
		loopOpts = append(loopOpts, orchestrator.WithStateListener(l))
	}
	e.loop = orchestrator.NewLoop(e.client, executor, orchestrator.Config{
		MaxToolCalls: cfg.Orchestrator.MaxToolCalls,
		SystemPrompt: cfg.Orchestrator.SystemPrompt,
	}, loopOpts...)
	e.manager = orchestrator.NewManager(e.registry, e.loop)
	e.retry = resilience.NewRetryPolicy(cfg.Orchestrator.QuestionRetries,
		configutil.DurationMS(cfg.Orchestrator.RetryBackoffMS, 500*time.Millisecond))

	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(e.drain), runner.Hooks{
		OnStart: func() {
			e.startMonitor()
			e.log.Info("engine_ready", "tools", e.registry.Names(), "model", e.client.Name())
		},
		OnStop: e.shutdown,
	}, 30*time.Second)
	e.runner.SetBanner(opts.Banner)
	return e, nil
}

func (e *Engine) buildObservers() (metrics.Observer, error) {
	logObs := metrics.Observer(observers.NewLoggerObserver(e.log))
	if rate := e.cfg.Observability.SampleRate; rate > 0 && rate < 1 {
		logObs = metrics.NewSamplingObserver(logObs, rate,
			metrics.EventCycleDone, metrics.EventBreakerOpen, metrics.EventBreakerClose, metrics.EventRateLimit)
	}
	list := []metrics.Observer{observers.NewLatencyObserver(e.log), logObs}
	if dir := strings.TrimSpace(e.cfg.Observability.ArtifactsDir); dir != "" {
		if days := e.cfg.Observability.RetentionDays; days > 0 {
			report, err := observers.PurgeArtifacts(dir, time.Duration(days)*24*time.Hour)
			if err != nil {
				e.log.Warn("artifacts_purge_failed", "dir", dir, "error", err)
			} else if report.Files > 0 {
				e.log.Info("artifacts_purged", "dir", dir, "sessions", report.Sessions, "files", report.Files)
			}
		}
		e.timeline = observers.NewTimelineObserver(dir)
		e.usage = observers.NewUsageObserver(dir)
		list = append(list, e.timeline, e.usage)
	}
	if path := strings.TrimSpace(e.cfg.Observability.MetricsFile); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("metrics file: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("metrics file: %w", err)
		}
		e.metricsW = f
		list = append(list, metrics.NewJSONLObserver(f))
	}
	return observers.NewMultiObserver(list...), nil
}

func (e *Engine) buildModel(ctx context.Context, override llm.ModelClient) error {
	client := override
	if client == nil {
		built, err := e.providers.BuildModel(ctx, e.cfg.Vendors.LLM)
		if err != nil {
			return fmt.Errorf("build model client: %w", err)
		}
		client = built
	}
	if t := e.cfg.Orchestrator.BreakerThreshold; t > 0 {
		breaker := resilience.NewCircuitBreaker(t, configutil.DurationMS(e.cfg.Orchestrator.BreakerCooldownMS, 30*time.Second))
		cb := llm.NewCircuitBreakerClient(client, breaker)
		cb.SetObserver(e.async)
		client = cb
	}
	e.client = client
	return nil
}

func (e *Engine) buildTools(ctx context.Context, extra []tools.Descriptor) error {
	dialer, err := e.providers.BuildDialer(e.cfg.Telephony)
	if err != nil {
		return fmt.Errorf("build telephony: %w", err)
	}
	transcriber, err := e.providers.BuildTranscriber(e.cfg.Audio)
	if err != nil {
		return fmt.Errorf("build audio: %w", err)
	}
	e.registry = tools.NewRegistry()
	em := e.cfg.Emergency
	err = emergency.Register(e.registry, emergency.Deps{
		Incidents:       e.incidents,
		Dialer:          dialer,
		Transcriber:     transcriber,
		Contacts:        em.Contacts,
		RecordingPath:   em.RecordingPath,
		SampleImagesDir: em.SampleImagesDir,
		Profile:         em.Profile,
		Location:        em.Location,
		Metrics:         em.Metrics,
		Phrases:         em.Phrases,
		Logger:          e.log,
	})
	if err != nil {
		return err
	}
	for _, d := range extra {
		if err := e.registry.Register(d); err != nil {
			return err
		}
	}
	if path := strings.TrimSpace(e.cfg.MCP.ConfigFile); path != "" {
		store, err := mcp.LoadConfig(path, e.log)
		if err != nil {
			return err
		}
		e.mcpConfig = store
		e.hub = mcp.NewHub(e.registry, e.log, mcp.WithDialer(e.mcpDial))
		if err := e.hub.ConnectAll(ctx, store); err != nil {
			e.log.Warn("mcp_connect_partial", "error", err)
		}
	}
	return nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Registry() *tools.Registry {
	return e.registry
}

func (e *Engine) Manager() *orchestrator.Manager {
	return e.manager
}

func (e *Engine) Model() llm.ModelClient {
	return e.client
}

func (e *Engine) Incidents() incident.Store {
	return e.incidents
}

func (e *Engine) MCP() *mcp.Hub {
	return e.hub
}

func (e *Engine) MCPConfig() *mcp.ConfigStore {
	return e.mcpConfig
}

func (e *Engine) Logger() *slog.Logger {
	return e.log
}

func (e *Engine) Observer() metrics.Observer {
	return e.async
}

func (e *Engine) RetryPolicy() resilience.RetryPolicy {
	return e.retry
}

// NewSession creates a session with the tools listed in tools.enabled.
func (e *Engine) NewSession(ctx context.Context) (*orchestrator.Session, error) {
	sess, err := e.manager.Create(ctx, e.enabled...)
	if err != nil {
		return nil, err
	}
	e.log.Info("session_created", "session_id", sess.ID(), "tools", len(sess.ActiveTools()))
	return sess, nil
}

// Ask runs one question, retrying backend failures per the orchestrator config.
func (e *Engine) Ask(ctx context.Context, sess *orchestrator.Session, text string) (orchestrator.Answer, error) {
	return orchestrator.AskWithRetry(ctx, sess, text, e.retry)
}

// EndSession removes the session and flushes its usage summary.
func (e *Engine) EndSession(id string) {
	if !e.manager.Remove(id) {
		return
	}
	if e.usage != nil {
		if sum, ok := e.usage.Summary(id); ok {
			e.log.Info("session_usage", "session_id", id, "cycles", sum.Cycles, "answered", sum.Answered,
				"aborted", sum.Aborted, "tool_calls", sum.ToolCalls, "prompt_tokens", sum.PromptTokens)
		}
	}
}

// Run blocks until ctx ends or Stop is called, then drains sessions.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

// Stop drains sessions and releases every resource. It is safe to call more
// than once and without Run.
func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) drain() error {
	e.manager.SetDraining(true)
	e.manager.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if !e.manager.WaitForEmpty(ctx, 100*time.Millisecond) {
		return errors.New("sessions still active after drain")
	}
	return nil
}

// startMonitor polls MCP server status until shutdown.
func (e *Engine) startMonitor() {
	interval := time.Duration(e.cfg.MCP.CheckIntervalMS) * time.Millisecond
	if e.hub == nil || interval <= 0 {
		return
	}
	e.monitorMu.Lock()
	defer e.monitorMu.Unlock()
	if e.stopped || e.monitor != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.hub.Monitor(ctx, interval)
	}()
	e.monitor = func() {
		cancel()
		<-done
	}
	e.log.Info("mcp_monitor_started", "interval_ms", interval.Milliseconds())
}

func (e *Engine) stopMonitor() {
	e.monitorMu.Lock()
	stop := e.monitor
	e.monitor = nil
	e.stopped = true
	e.monitorMu.Unlock()
	if stop != nil {
		stop()
	}
}

func (e *Engine) shutdown() {
	e.stopMonitor()
	if e.hub != nil {
		if err := e.hub.Close(); err != nil {
			e.log.Warn("mcp_close_failed", "error", err)
		}
	}
	if e.incidents != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.incidents.Close(ctx); err != nil {
			e.log.Warn("incident_store_close_failed", "error", err)
		}
		cancel()
	}
	if closer, ok := e.client.(io.Closer); ok {
		_ = closer.Close()
	}
	e.closeObservers()
	active := int64(0)
	if e.manager != nil {
		active = e.manager.Count()
	}
	e.log.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_sessions", active)
}

func (e *Engine) closeObservers() {
	if e.async != nil {
		e.async.Close()
	}
	if e.timeline != nil {
		_ = e.timeline.Close()
	}
	if e.usage != nil {
		_ = e.usage.Close()
	}
	if e.metricsW != nil {
		_ = e.metricsW.Close()
	}
}
