package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/beacon/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// ErrNoSpeech is returned when a recording produced no final transcript.
var ErrNoSpeech = errors.New("no speech recognized")

type Config struct {
	APIKey         string
	Model          string
	Language       string
	Encoding       string
	SampleRate     int
	UtteranceEndMS int
	// Settle is how long to wait for trailing transcripts after the audio is sent.
	Settle time.Duration
}

// wsClient is the part of *client.WSCallback the transcriber drives.
type wsClient interface {
	Connect() bool
	Stream(r io.Reader) error
	Stop()
}

type dialFunc func(ctx context.Context, cb msginterfaces.LiveMessageCallback) (wsClient, error)

// Transcriber turns a recording into text over Deepgram's live websocket API.
type Transcriber struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc
}

func New(cfg Config) *Transcriber {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 1500 * time.Millisecond
	}
	t := &Transcriber{
		cfg:    cfg,
		logger: logging.NewComponentLogger(nil, "deepgram_stt"),
	}
	t.dial = t.dialDeepgram
	return t
}

func (t *Transcriber) Name() string { return "deepgram" }

func (t *Transcriber) dialDeepgram(ctx context.Context, cb msginterfaces.LiveMessageCallback) (wsClient, error) {
	clientOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:       t.cfg.Model,
		Language:    t.cfg.Language,
		Encoding:    t.cfg.Encoding,
		SampleRate:  t.cfg.SampleRate,
		SmartFormat: true,
		VadEvents:   true,
	}
	if t.cfg.UtteranceEndMS > 0 {
		transcriptOptions.InterimResults = true
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", t.cfg.UtteranceEndMS)
	}
	return client.NewWSUsingCallback(ctx, t.cfg.APIKey, clientOptions, transcriptOptions, cb)
}

// TranscribeFile transcribes the recording stored at path.
func (t *Transcriber) TranscribeFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return t.Transcribe(ctx, f)
}

// Transcribe streams audio to Deepgram and returns the joined final transcripts.
func (t *Transcriber) Transcribe(ctx context.Context, audio io.Reader) (string, error) {
	if strings.TrimSpace(t.cfg.APIKey) == "" {
		return "", errors.New("deepgram api key is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	col := newCollector(t.logger)
	ws, err := t.dial(ctx, col)
	if err != nil {
		t.logger.Error("deepgram_client_create_error", "error", err)
		return "", err
	}
	defer ws.Stop()
	if !ws.Connect() {
		t.logger.Error("deepgram_connect_failed")
		return "", fmt.Errorf("deepgram connection failed")
	}
	t.logger.Info("deepgram_connected", "model", t.cfg.Model, "sample_rate", t.cfg.SampleRate)

	streamErr := make(chan error, 1)
	go func() { streamErr <- ws.Stream(audio) }()
	select {
	case err := <-streamErr:
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("deepgram stream: %w", err)
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}

	settle := time.NewTimer(t.cfg.Settle)
	defer settle.Stop()
	select {
	case <-col.done:
	case <-settle.C:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if err := col.failure(); err != nil {
		return "", err
	}
	text := col.text()
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}

// collector gathers final transcripts from websocket callbacks.
type collector struct {
	logger *slog.Logger
	mu     sync.Mutex
	finals []string
	err    error
	done   chan struct{}
	once   sync.Once
}

func newCollector(logger *slog.Logger) *collector {
	return &collector{logger: logger, done: make(chan struct{})}
}

func (c *collector) add(transcript string, final bool) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" || !final {
		return
	}
	c.mu.Lock()
	c.finals = append(c.finals, transcript)
	c.mu.Unlock()
}

func (c *collector) finish(err error) {
	c.mu.Lock()
	if err != nil && c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *collector) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.finals, " ")
}

func (c *collector) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *collector) Open(*msginterfaces.OpenResponse) error {
	c.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *collector) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	c.add(mr.Channel.Alternatives[0].Transcript, mr.IsFinal || mr.SpeechFinal)
	return nil
}

func (c *collector) Metadata(md *msginterfaces.MetadataResponse) error {
	c.logger.Debug("deepgram_metadata_received", "request_id", md.RequestID)
	return nil
}

func (c *collector) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *collector) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.finish(nil)
	return nil
}

func (c *collector) Close(*msginterfaces.CloseResponse) error {
	c.logger.Debug("deepgram_connection_closed")
	c.finish(nil)
	return nil
}

func (c *collector) Error(er *msginterfaces.ErrorResponse) error {
	c.logger.Error("deepgram_error", "error_code", er.ErrCode, "error_message", er.ErrMsg)
	c.finish(fmt.Errorf("deepgram error %s: %s", er.ErrCode, er.ErrMsg))
	return nil
}

func (c *collector) UnhandledEvent(byData []byte) error {
	c.logger.Debug("deepgram_unhandled_event", "data", string(byData))
	return nil
}

var _ msginterfaces.LiveMessageCallback = (*collector)(nil)
