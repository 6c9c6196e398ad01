package configutil

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateSettingsMissingAndUnknown(t *testing.T) {
	err := ValidateSettings(map[string]any{
		"Model":   "llama3.2",
		"api-key": "",
		"colour":  "red",
	}, Schema{
		Required: []string{"api_key", "model"},
		Optional: []string{"base_url"},
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "missing: api_key") {
		t.Fatalf("expected missing api_key, got %s", msg)
	}
	if !strings.Contains(msg, "unknown: colour") {
		t.Fatalf("expected unknown colour, got %s", msg)
	}
}

func TestValidatePrefixesPath(t *testing.T) {
	err := Validate("vendors.llm.settings", map[string]any{}, Schema{Required: []string{"model"}})
	if err == nil || !strings.HasPrefix(err.Error(), "vendors.llm.settings: ") {
		t.Fatalf("expected path prefix, got %v", err)
	}
}

func TestDecodeSettingsNormalizesKeys(t *testing.T) {
	var out struct {
		BaseURL   string        `mapstructure:"base_url"`
		TimeoutMS int           `mapstructure:"timeout_ms"`
		Settle    time.Duration `mapstructure:"settle"`
		Args      []string      `mapstructure:"args"`
	}
	err := DecodeSettings(map[string]any{
		"BASE-URL":   "http://localhost:11434",
		"timeout_ms": "2500",
		"settle":     "2s",
		"args":       "-y,@modelcontextprotocol/server-fetch",
	}, &out)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if out.BaseURL != "http://localhost:11434" || out.TimeoutMS != 2500 {
		t.Fatalf("unexpected decode result: %+v", out)
	}
	if out.Settle != 2*time.Second || len(out.Args) != 2 {
		t.Fatalf("hooks not applied: %+v", out)
	}
}

func TestDecodeSettingsBadValue(t *testing.T) {
	var out struct {
		MaxTokens int `mapstructure:"max_tokens"`
	}
	err := DecodeSettings(map[string]any{"max_tokens": "lots"}, &out)
	if !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}
}

func TestDurationMS(t *testing.T) {
	if DurationMS(0, time.Second) != time.Second {
		t.Fatalf("expected fallback")
	}
	if DurationMS(250, time.Second) != 250*time.Millisecond {
		t.Fatalf("expected 250ms")
	}
}

func TestValidateSettingsEnums(t *testing.T) {
	schema := Schema{Optional: []string{"mode"}, Enums: map[string][]string{"mode": {"native", "react"}}}
	if err := ValidateSettings(map[string]any{"mode": "ReAct"}, schema); err != nil {
		t.Fatalf("enum match should ignore case: %v", err)
	}
	if err := ValidateSettings(map[string]any{}, schema); err != nil {
		t.Fatalf("absent optional enum is fine: %v", err)
	}
	err := ValidateSettings(map[string]any{"mode": "stream"}, schema)
	if !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}
	var serr *SettingsError
	if !errors.As(err, &serr) || len(serr.Invalid) != 1 || !strings.Contains(serr.Invalid[0], "want native|react") {
		t.Fatalf("unexpected error detail: %v", err)
	}
}
