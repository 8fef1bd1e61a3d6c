// Package config provides configuration loading for healopsd.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	envPrefix = "HEALOPS_"
)

// defaultsYAML is the lowest-precedence configuration layer. Keeping the
// true-by-default booleans here means an unset value and an explicit false
// stay distinguishable through the koanf merge.
const defaultsYAML = `
healing:
  enabled: true
  max_attempts: 3
  safe_mode: true
  worker_count: 3
ai:
  provider: anthropic
  temperature: 0.2
  max_tokens: 2000
workflow:
  engine_enabled: false
  task_queue: healops-attempts
github:
  enabled: false
  base_branch: main
validation:
  required: true
  timeout: 900s
queue:
  nats_url: nats://127.0.0.1:4222
  embedded: true
  stream: HEALOPS
  subject_prefix: healops
store:
  path: healops.db
memory:
  provider: chromem
  path: healops-memory
  collection: attempt_memories
  similarity_threshold: 0.65
  top_k: 3
  qdrant_host: localhost
  qdrant_port: 6334
  embeddings_base_url: http://localhost:8080/v1
  embeddings_model: BAAI/bge-small-en-v1.5
server:
  host: 0.0.0.0
  port: 8844
  read_timeout: 10s
  write_timeout: 30s
  shutdown_timeout: 10s
  rate_limit: 5
  rate_burst: 10
log:
  level: info
  format: json
`

// Config is the top-level healopsd configuration.
type Config struct {
	Healing    HealingConfig    `koanf:"healing"`
	AI         AIConfig         `koanf:"ai"`
	Workflow   WorkflowConfig   `koanf:"workflow"`
	GitHub     GitHubConfig     `koanf:"github"`
	Validation ValidationConfig `koanf:"validation"`
	Queue      QueueConfig      `koanf:"queue"`
	Store      StoreConfig      `koanf:"store"`
	Memory     MemoryConfig     `koanf:"memory"`
	Notify     NotifyConfig     `koanf:"notify"`
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
}

// HealingConfig controls webhook ingestion and the retry policy.
type HealingConfig struct {
	// Enabled gates all ingestion. Disabled rejects webhooks before any
	// side effect.
	Enabled bool `koanf:"enabled"`

	// MaxAttempts is the retry budget per run, clamped to [1,5].
	MaxAttempts int `koanf:"max_attempts"`

	// SafeMode appends a no-auto-push note to every proposed fix.
	SafeMode bool `koanf:"safe_mode"`

	// SigningSecret verifies webhook signatures when set. Empty skips the
	// signature check entirely.
	SigningSecret Secret `koanf:"signing_secret"`

	// WorkerCount bounds concurrent attempt processing.
	WorkerCount int `koanf:"worker_count"`
}

// AIConfig selects the chat-completion provider.
type AIConfig struct {
	Provider    string  `koanf:"provider"`
	Model       string  `koanf:"model"`
	APIKey      Secret  `koanf:"api_key"`
	BaseURL     string  `koanf:"base_url"`
	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
}

// WorkflowConfig selects the attempt execution engine.
type WorkflowConfig struct {
	EngineEnabled    bool   `koanf:"engine_enabled"`
	TemporalHostPort string `koanf:"temporal_host_port"`
	TaskQueue        string `koanf:"task_queue"`
}

// GitHubConfig controls pull-request automation.
type GitHubConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Token      Secret `koanf:"token"`
	BaseBranch string `koanf:"base_branch"`
}

// ValidationConfig controls the container-validation gate.
type ValidationConfig struct {
	Required bool          `koanf:"required"`
	Command  string        `koanf:"command"`
	Workdir  string        `koanf:"workdir"`
	Timeout  time.Duration `koanf:"timeout"`
}

// QueueConfig controls the NATS connection and the attempt-job stream.
type QueueConfig struct {
	NATSURL       string `koanf:"nats_url"`
	Embedded      bool   `koanf:"embedded"`
	Stream        string `koanf:"stream"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// StoreConfig locates the SQLite run repository.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// MemoryConfig controls the attempt-memory corpus and embeddings.
type MemoryConfig struct {
	Provider            string  `koanf:"provider"`
	Path                string  `koanf:"path"`
	Collection          string  `koanf:"collection"`
	SimilarityThreshold float32 `koanf:"similarity_threshold"`
	TopK                int     `koanf:"top_k"`

	QdrantHost   string `koanf:"qdrant_host"`
	QdrantPort   int    `koanf:"qdrant_port"`
	QdrantAPIKey Secret `koanf:"qdrant_api_key"`

	EmbeddingsBaseURL string `koanf:"embeddings_base_url"`
	EmbeddingsModel   string `koanf:"embeddings_model"`
	EmbeddingsAPIKey  Secret `koanf:"embeddings_api_key"`
}

// NotifyConfig points at the outbound chat webhook. Empty disables it.
type NotifyConfig struct {
	WebhookURL Secret `koanf:"webhook_url"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// RateLimit/RateBurst bound webhook ingestion per client IP.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// LogConfig controls process logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load builds the configuration from three layers, lowest precedence first:
// built-in defaults, the optional YAML file at configPath, and HEALOPS_*
// environment variables (HEALOPS_HEALING_MAX_ATTEMPTS -> healing.max_attempts).
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaultsYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	// Environment variables use underscore separator and are uppercased.
	// Split on the first underscore only: section, then field name.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// readConfigFile reads the file if it exists, returning nil content when it
// does not. The open file descriptor is used for the size check to avoid a
// stat/read race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// applyDefaults fills computed values the YAML defaults layer cannot express.
func applyDefaults(cfg *Config) {
	// An explicit zero means "use the default budget"; out-of-range values
	// are clamped rather than rejected.
	if cfg.Healing.MaxAttempts == 0 {
		cfg.Healing.MaxAttempts = 3
	}
	if cfg.Healing.MaxAttempts < 1 {
		cfg.Healing.MaxAttempts = 1
	}
	if cfg.Healing.MaxAttempts > 5 {
		cfg.Healing.MaxAttempts = 5
	}

	if cfg.Healing.WorkerCount <= 0 {
		cfg.Healing.WorkerCount = 3
	}
	if cfg.Validation.Timeout <= 0 {
		cfg.Validation.Timeout = 15 * time.Minute
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = defaultModelFor(cfg.AI.Provider)
	}
	if cfg.Memory.TopK <= 0 {
		cfg.Memory.TopK = 3
	}
	if cfg.Memory.SimilarityThreshold <= 0 {
		cfg.Memory.SimilarityThreshold = 0.65
	}
}

// defaultModelFor maps a provider label to its default model string.
func defaultModelFor(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-3-5-sonnet-20241022"
	case "openai":
		return "gpt-4o"
	case "gemini":
		return "gemini-1.5-pro"
	case "grok":
		return "grok-2-latest"
	default:
		return ""
	}
}

// Validate rejects configurations that cannot produce a working daemon.
func (c *Config) Validate() error {
	switch c.AI.Provider {
	case "anthropic", "openai", "gemini", "grok":
	default:
		return fmt.Errorf("ai.provider must be one of anthropic, openai, gemini, grok (got %q)", c.AI.Provider)
	}

	switch c.Memory.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("memory.provider must be chromem or qdrant (got %q)", c.Memory.Provider)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console (got %q)", c.Log.Format)
	}

	if c.GitHub.Enabled && !c.GitHub.Token.IsSet() {
		return fmt.Errorf("github.enabled requires github.token")
	}
	if c.Workflow.EngineEnabled && c.Workflow.TemporalHostPort == "" {
		return fmt.Errorf("workflow.engine_enabled requires workflow.temporal_host_port")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Queue.SubjectPrefix == "" {
		return fmt.Errorf("queue.subject_prefix must not be empty")
	}
	if c.Queue.Stream == "" {
		return fmt.Errorf("queue.stream must not be empty")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	return nil
}

// ListenAddr returns the host:port pair for the HTTP listener.
func (c ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
