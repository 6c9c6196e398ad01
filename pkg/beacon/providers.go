package beacon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/beacon/pkg/configutil"
	"github.com/harunnryd/beacon/pkg/llm"
	"github.com/harunnryd/beacon/pkg/providers/anthropic"
	"github.com/harunnryd/beacon/pkg/providers/deepgram"
	"github.com/harunnryd/beacon/pkg/providers/gemini"
	"github.com/harunnryd/beacon/pkg/providers/mock"
	"github.com/harunnryd/beacon/pkg/providers/ollama"
	"github.com/harunnryd/beacon/pkg/providers/openai"
	"github.com/harunnryd/beacon/pkg/providers/twilio"
	"github.com/harunnryd/beacon/pkg/tools/emergency"
)

type ModelFactory func(ctx context.Context, cfg VendorConfig) (llm.ModelClient, error)
type DialerFactory func(cfg VendorConfig) (emergency.Dialer, error)
type TranscriberFactory func(cfg VendorConfig) (emergency.Transcriber, error)

// ProviderRegistry maps provider names from the config to constructors.
type ProviderRegistry struct {
	models       map[string]ModelFactory
	dialers      map[string]DialerFactory
	transcribers map[string]TranscriberFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		models:       make(map[string]ModelFactory),
		dialers:      make(map[string]DialerFactory),
		transcribers: make(map[string]TranscriberFactory),
	}
}

func providerKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *ProviderRegistry) RegisterModel(name string, factory ModelFactory) {
	r.models[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterDialer(name string, factory DialerFactory) {
	r.dialers[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTranscriber(name string, factory TranscriberFactory) {
	r.transcribers[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildModel(ctx context.Context, cfg VendorConfig) (llm.ModelClient, error) {
	fn := r.models[providerKey(cfg.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", cfg.Provider)
	}
	return fn(ctx, cfg)
}

// BuildDialer returns nil without error when no telephony provider is set.
func (r *ProviderRegistry) BuildDialer(cfg VendorConfig) (emergency.Dialer, error) {
	key := providerKey(cfg.Provider)
	if key == "" || key == "none" {
		return nil, nil
	}
	fn := r.dialers[key]
	if fn == nil {
		return nil, fmt.Errorf("telephony provider not registered: %s", cfg.Provider)
	}
	return fn(cfg)
}

// BuildTranscriber returns nil without error when no audio provider is set.
func (r *ProviderRegistry) BuildTranscriber(cfg VendorConfig) (emergency.Transcriber, error) {
	key := providerKey(cfg.Provider)
	if key == "" || key == "none" {
		return nil, nil
	}
	fn := r.transcribers[key]
	if fn == nil {
		return nil, fmt.Errorf("audio provider not registered: %s", cfg.Provider)
	}
	return fn(cfg)
}

// DefaultProviders registers every built-in backend.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterModel("mock", newMockModel)
	r.RegisterModel("openai", newOpenAIModel)
	r.RegisterModel("ollama", newOllamaModel)
	r.RegisterModel("gemini", newGeminiModel)
	r.RegisterModel("anthropic", newAnthropicModel)
	r.RegisterDialer("twilio", newTwilioDialer)
	r.RegisterTranscriber("deepgram", newDeepgramTranscriber)
	return r
}

const settingsPath = "vendors.llm.settings"

func newMockModel(_ context.Context, cfg VendorConfig) (llm.ModelClient, error) {
	if err := configutil.Validate(settingsPath, cfg.Settings, configutil.Schema{Optional: []string{"greeting"}}); err != nil {
		return nil, err
	}
	var s struct {
		Greeting string `mapstructure:"greeting"`
	}
	if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	return &mock.RuleClient{Rules: EmergencyRules(), Greeting: s.Greeting}, nil
}

func newOpenAIModel(_ context.Context, cfg VendorConfig) (llm.ModelClient, error) {
	schema := configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url", "temperature", "max_tokens"},
	}
	if err := configutil.Validate(settingsPath, cfg.Settings, schema); err != nil {
		return nil, err
	}
	var c openai.Config
	if err := configutil.DecodeSettings(cfg.Settings, &c); err != nil {
		return nil, err
	}
	return openai.New(c), nil
}

func newOllamaModel(_ context.Context, cfg VendorConfig) (llm.ModelClient, error) {
	schema := configutil.Schema{
		Optional: []string{"host", "model", "mode", "temperature", "timeout_ms"},
		Enums:    map[string][]string{"mode": {ollama.ModeNative, ollama.ModeReAct}},
	}
	if err := configutil.Validate(settingsPath, cfg.Settings, schema); err != nil {
		return nil, err
	}
	var c ollama.Config
	if err := configutil.DecodeSettings(cfg.Settings, &c); err != nil {
		return nil, err
	}
	client, err := ollama.New(c)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newGeminiModel(_ context.Context, cfg VendorConfig) (llm.ModelClient, error) {
	schema := configutil.Schema{Required: []string{"api_key"}, Optional: []string{"model", "temperature"}}
	if err := configutil.Validate(settingsPath, cfg.Settings, schema); err != nil {
		return nil, err
	}
	var c gemini.Config
	if err := configutil.DecodeSettings(cfg.Settings, &c); err != nil {
		return nil, err
	}
	return gemini.New(c), nil
}

func newAnthropicModel(_ context.Context, cfg VendorConfig) (llm.ModelClient, error) {
	schema := configutil.Schema{Required: []string{"api_key"}, Optional: []string{"model", "base_url", "max_tokens"}}
	if err := configutil.Validate(settingsPath, cfg.Settings, schema); err != nil {
		return nil, err
	}
	var c anthropic.Config
	if err := configutil.DecodeSettings(cfg.Settings, &c); err != nil {
		return nil, err
	}
	return anthropic.New(c), nil
}

func newTwilioDialer(cfg VendorConfig) (emergency.Dialer, error) {
	schema := configutil.Schema{
		Required: []string{"account_sid", "auth_token", "from"},
		Optional: []string{"voice"},
	}
	if err := configutil.Validate("telephony.settings", cfg.Settings, schema); err != nil {
		return nil, err
	}
	var s struct {
		AccountSID string `mapstructure:"account_sid"`
		AuthToken  string `mapstructure:"auth_token"`
		From       string `mapstructure:"from"`
		Voice      string `mapstructure:"voice"`
	}
	if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	return twilio.NewDialer(twilio.Config{AccountSID: s.AccountSID, AuthToken: s.AuthToken, From: s.From, Voice: s.Voice}), nil
}

func newDeepgramTranscriber(cfg VendorConfig) (emergency.Transcriber, error) {
	schema := configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "encoding", "sample_rate", "utterance_end_ms", "settle_ms"},
		Enums:    map[string][]string{"encoding": {"linear16", "mulaw", "flac", "opus", "mp3", "wav"}},
	}
	if err := configutil.Validate("audio.settings", cfg.Settings, schema); err != nil {
		return nil, err
	}
	var s struct {
		APIKey         string `mapstructure:"api_key"`
		Model          string `mapstructure:"model"`
		Language       string `mapstructure:"language"`
		Encoding       string `mapstructure:"encoding"`
		SampleRate     int    `mapstructure:"sample_rate"`
		UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
		SettleMS       int    `mapstructure:"settle_ms"`
	}
	if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	return deepgram.New(deepgram.Config{
		APIKey:         s.APIKey,
		Model:          s.Model,
		Language:       s.Language,
		Encoding:       s.Encoding,
		SampleRate:     s.SampleRate,
		UtteranceEndMS: s.UtteranceEndMS,
		Settle:         configutil.DurationMS(s.SettleMS, 1500*time.Millisecond),
	}), nil
}

// EmergencyRules drive the offline model: each rule maps distress keywords to
// the tool an operator would reach for first.
func EmergencyRules() []mock.Rule {
	return []mock.Rule{
		{Keywords: []string{"chest", "heart", "breath", "dizzy", "pain"}, Tool: "get_health_metrics"},
		{Keywords: []string{"where", "location", "lost", "address"}, Tool: "get_user_location"},
		{Keywords: []string{"hear", "listen", "say"}, Tool: "get_audio_input"},
		{Keywords: []string{"see", "look", "camera", "fire", "smoke"}, Tool: "get_video_input"},
		{Keywords: []string{"who am i", "medical history", "allerg", "medication"}, Tool: "get_user_details"},
		{Keywords: []string{"call", "contact", "family", "doctor"}, Tool: "call_emergency_contact", Args: map[string]any{"contact_type": "primary"}},
		{Keywords: []string{"alarm", "alert", "attention"}, Tool: "activate_alarm", Args: map[string]any{"duration_seconds": 60}},
		{Keywords: []string{"heart attack", "fell", "fall", "accident", "emergency"}, Tool: "log_incident", Args: map[string]any{"incident_type": "medical", "severity": "high"}},
	}
}
