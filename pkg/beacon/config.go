// Package beacon assembles the orchestrator, providers, tools and observers
// from a single configuration file.
package beacon

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/harunnryd/beacon/pkg/tools/emergency"
)

type Config struct {
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Orchestrator  OrchestratorConfig  `mapstructure:"orchestrator"`
	Tools         ToolsConfig         `mapstructure:"tools"`
	Incidents     IncidentsConfig     `mapstructure:"incidents"`
	Telephony     VendorConfig        `mapstructure:"telephony"`
	Audio         VendorConfig        `mapstructure:"audio"`
	Emergency     EmergencyConfig     `mapstructure:"emergency"`
	MCP           MCPConfig           `mapstructure:"mcp"`
	Server        ServerConfig        `mapstructure:"server"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	LLM VendorConfig `mapstructure:"llm"`
}

type OrchestratorConfig struct {
	MaxToolCalls      int    `mapstructure:"max_tool_calls"`
	MaxCallsPerTool   int    `mapstructure:"max_calls_per_tool"`
	ToolTimeoutMS     int    `mapstructure:"tool_timeout_ms"`
	QuestionRetries   int    `mapstructure:"question_retries"`
	RetryBackoffMS    int    `mapstructure:"retry_backoff_ms"`
	SystemPrompt      string `mapstructure:"system_prompt"`
	BreakerThreshold  int    `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int    `mapstructure:"breaker_cooldown_ms"`
}

type ToolsConfig struct {
	// Enabled limits new sessions to these tools. Empty means every tool.
	Enabled []string `mapstructure:"enabled"`
}

type IncidentsConfig struct {
	Driver     string `mapstructure:"driver"`
	DSN        string `mapstructure:"dsn"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type EmergencyConfig struct {
	Contacts        map[string]string        `mapstructure:"contacts"`
	RecordingPath   string                   `mapstructure:"recording_path"`
	SampleImagesDir string                   `mapstructure:"sample_images_dir"`
	Phrases         []string                 `mapstructure:"phrases"`
	Profile         *emergency.Profile       `mapstructure:"profile"`
	Location        *emergency.Location      `mapstructure:"location"`
	Metrics         *emergency.HealthMetrics `mapstructure:"metrics"`
}

type MCPConfig struct {
	ConfigFile string `mapstructure:"config_file"`
	// CheckIntervalMS is the status poll period for connected servers. Zero
	// disables polling.
	CheckIntervalMS int `mapstructure:"check_interval_ms"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string  `mapstructure:"artifacts_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
	SampleRate    float64 `mapstructure:"sample_rate"`
	MetricsFile   string  `mapstructure:"metrics_file"`
}

const DefaultSystemPrompt = "You are an emergency assistant. Use the available tools to assess the situation " +
	"and take action. Call one tool at a time and never call the same tool twice. " +
	"When you have enough information, answer with clear, calm instructions."

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is given: the
// offline rule-based model with simulated tools.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("vendors.llm.provider", "mock")
	v.SetDefault("orchestrator.max_tool_calls", 3)
	v.SetDefault("orchestrator.max_calls_per_tool", 1)
	v.SetDefault("orchestrator.tool_timeout_ms", 10000)
	v.SetDefault("orchestrator.question_retries", 1)
	v.SetDefault("orchestrator.retry_backoff_ms", 500)
	v.SetDefault("orchestrator.system_prompt", DefaultSystemPrompt)
	v.SetDefault("orchestrator.breaker_threshold", 3)
	v.SetDefault("orchestrator.breaker_cooldown_ms", 30000)
	v.SetDefault("mcp.check_interval_ms", 30000)
	v.SetDefault("incidents.driver", "memory")
	v.SetDefault("incidents.database", "beacon")
	v.SetDefault("incidents.collection", "incidents")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.path", "/ws")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.sample_rate", 1.0)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if c.Orchestrator.MaxToolCalls < 1 {
		return fmt.Errorf("orchestrator.max_tool_calls must be at least 1")
	}
	if c.Orchestrator.MaxCallsPerTool < 1 {
		return fmt.Errorf("orchestrator.max_calls_per_tool must be at least 1")
	}
	if c.Orchestrator.QuestionRetries < 0 {
		return fmt.Errorf("orchestrator.question_retries must not be negative")
	}
	if c.MCP.CheckIntervalMS < 0 {
		return fmt.Errorf("mcp.check_interval_ms must not be negative")
	}
	if r := c.Observability.SampleRate; r < 0 || r > 1 {
		return fmt.Errorf("observability.sample_rate must be within [0,1]")
	}
	switch strings.ToLower(strings.TrimSpace(c.Incidents.Driver)) {
	case "", "memory":
	case "postgres", "postgresql", "pgx", "mongo", "mongodb":
		if strings.TrimSpace(c.Incidents.DSN) == "" {
			return fmt.Errorf("incidents.dsn is required for driver %q", c.Incidents.Driver)
		}
	default:
		return fmt.Errorf("incidents.driver %q is not supported", c.Incidents.Driver)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Telephony.Settings = expandSettings(cfg.Telephony.Settings)
	cfg.Audio.Settings = expandSettings(cfg.Audio.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				v.SetMapIndex(key, reflect.ValueOf(os.ExpandEnv(v.MapIndex(key).String())))
			}
		}
	}
}
