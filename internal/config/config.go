package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the CallSight server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Worker   WorkerConfig
	Stall    StallConfig
	AI       AIConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// WorkerConfig controls how analysis work is dispatched and executed.
// Mode "local" runs the worker in-process; mode "http" fires a request at an
// out-of-process worker function identified by URL + Credential.
type WorkerConfig struct {
	Mode              string
	URL               string
	Credential        string
	HeartbeatInterval time.Duration
	AnalysesPerMinute int
}

// StallConfig holds the heartbeat-age thresholds for stall detection. The
// magnitudes are policy, not protocol, so they are configurable rather than
// hardcoded: generic jobs are cheap to cancel and restart, user-owned call
// analyses are not, hence the much larger call threshold.
type StallConfig struct {
	ScanInterval  time.Duration
	JobThreshold  time.Duration
	CallThreshold time.Duration
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	Anthropic        AnthropicConfig
	OpenAI           OpenAIConfig
}

type AnthropicConfig struct {
	APIKey string
	Model  string
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

var validProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"mock":      true,
}

var validWorkerModes = map[string]bool{
	"local": true,
	"http":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("CALLSIGHT_PORT", 8080),
			Env:  envString("CALLSIGHT_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Worker: WorkerConfig{
			Mode:              envString("CALLSIGHT_WORKER_MODE", "local"),
			URL:               os.Getenv("CALLSIGHT_WORKER_URL"),
			Credential:        os.Getenv("CALLSIGHT_WORKER_CREDENTIAL"),
			HeartbeatInterval: envDuration("CALLSIGHT_WORKER_HEARTBEAT", 15*time.Second),
			AnalysesPerMinute: envInt("CALLSIGHT_ANALYSES_PER_MINUTE", 10),
		},
		Stall: StallConfig{
			ScanInterval:  envDuration("CALLSIGHT_STALL_SCAN_INTERVAL", 30*time.Second),
			JobThreshold:  envDuration("CALLSIGHT_JOB_STALL_THRESHOLD", 60*time.Second),
			CallThreshold: envDuration("CALLSIGHT_CALL_STALL_THRESHOLD", 5*time.Minute),
		},
		AI: AIConfig{
			Provider:         os.Getenv("AI_PROVIDER"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 60*time.Second),
			Anthropic: AnthropicConfig{
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
				Model:  envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
				Model:   envString("OPENAI_MODEL", "gpt-4o"),
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validWorkerModes[c.Worker.Mode] {
		return fmt.Errorf("CALLSIGHT_WORKER_MODE must be local or http; got %q", c.Worker.Mode)
	}
	if c.Worker.Mode == "http" {
		if c.Worker.URL == "" {
			return fmt.Errorf("CALLSIGHT_WORKER_URL is required when CALLSIGHT_WORKER_MODE is http")
		}
		if !strings.HasPrefix(c.Worker.URL, "http://") && !strings.HasPrefix(c.Worker.URL, "https://") {
			return fmt.Errorf("CALLSIGHT_WORKER_URL must start with http:// or https://, got %q", c.Worker.URL)
		}
		if c.Worker.Credential == "" {
			return fmt.Errorf("CALLSIGHT_WORKER_CREDENTIAL is required when CALLSIGHT_WORKER_MODE is http")
		}
	}

	if c.Stall.ScanInterval <= 0 {
		return fmt.Errorf("CALLSIGHT_STALL_SCAN_INTERVAL must be positive")
	}
	if c.Stall.JobThreshold <= 0 || c.Stall.CallThreshold <= 0 {
		return fmt.Errorf("stall thresholds must be positive")
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of anthropic, openai, mock; got %q", c.AI.Provider)
	}

	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
