// Package config provides configuration loading, validation, and access for storyloom.
//
// A single process-wide Config is loaded once at startup from a YAML file,
// defaults are applied, environment overrides are layered on top, and the
// result is validated. GetConfig returns the config BY VALUE so callers
// cannot mutate shared state.
//
//	err := config.LoadConfig(path)   // "" or a missing file means defaults
//	cfg, err := config.GetConfig()
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"storyloom/pkg/logx"
)

// Provider identifiers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Environment variable names.
const (
	EnvConfigPath     = "STORYLOOM_CONFIG"
	EnvAddr           = "STORYLOOM_ADDR"
	EnvDB             = "STORYLOOM_DB"
	EnvCreativeModel  = "STORYLOOM_CREATIVE_MODEL"
	EnvFastModel      = "STORYLOOM_FAST_MODEL"
	EnvPassword       = "STORYLOOM_PASSWORD"
	EnvAnthropicKey   = "ANTHROPIC_API_KEY"
	EnvOpenAIKey      = "OPENAI_API_KEY"
	EnvGoogleKey      = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost     = "OLLAMA_HOST"
	DefaultOllamaHost = "http://localhost:11434"
)

// Default values.
const (
	DefaultConfigFile      = "storyloom.yaml"
	DefaultDataDir         = ".storyloom"
	DefaultCreativeModel   = "claude-sonnet-4-5"
	DefaultFastModel       = "claude-haiku-4-5"
	DefaultAddr            = ":8000"
	DefaultCORSOrigin      = "http://localhost:3000"
	DefaultMetricsNS       = "storyloom"
	PatchShapeNarrative    = "narrative"
	PatchShapeAdditive     = "additive"
	StoreDriverSQLite      = "sqlite"
	StoreDriverFile        = "file"
	defaultProseTailChars  = 500
	defaultSegmentTokens   = 250
	defaultResolutionToken = 700
	defaultWorldTokens     = 500
	defaultExtractTokens   = 400
)

//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config *Config
	logger *logx.Logger
	mu     sync.RWMutex
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// ModelsConfig names the model serving each tier.
type ModelsConfig struct {
	Creative string `yaml:"creative"` // world building and prose
	Fast     string `yaml:"fast"`     // state extraction
}

// RetryConfig mirrors the retry middleware settings.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        bool          `yaml:"jitter"`
}

// CircuitConfig mirrors the circuit breaker settings. A negative
// failure_threshold disables the breaker.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// BackendConfig controls how backend calls are wrapped.
type BackendConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry"`
	Circuit CircuitConfig `yaml:"circuit"`
}

// StoryConfig holds story policy and generation budgets.
type StoryConfig struct {
	PatchShape          string `yaml:"patch_shape"`
	MaxTurns            int    `yaml:"max_turns"`
	ProseTailChars      int    `yaml:"prose_tail_chars"`
	SegmentMaxTokens    int    `yaml:"segment_max_tokens"`
	ResolutionMaxTokens int    `yaml:"resolution_max_tokens"`
	WorldMaxTokens      int    `yaml:"world_max_tokens"`
	ExtractMaxTokens    int    `yaml:"extract_max_tokens"`
	ResolveOpenTension  *bool  `yaml:"resolve_open_tension"`
}

// ShouldResolveOpenTension reports the resolve_open_tension setting, defaulting to true.
func (s StoryConfig) ShouldResolveOpenTension() bool {
	return s.ResolveOpenTension == nil || *s.ResolveOpenTension
}

// StoreConfig selects the checkpoint store.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
	Password    string   `yaml:"password"`
}

// OrchestratorConfig bounds per-thread serialization.
type OrchestratorConfig struct {
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// MetricsConfig controls Prometheus instrumentation.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Namespace     string `yaml:"namespace"`
	PrometheusURL string `yaml:"prometheus_url"`
}

// Config is the complete storyloom configuration.
type Config struct {
	Models       ModelsConfig       `yaml:"models"`
	Backend      BackendConfig      `yaml:"backend"`
	Story        StoryConfig        `yaml:"story"`
	Store        StoreConfig        `yaml:"store"`
	Server       ServerConfig       `yaml:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	DataDir      string             `yaml:"data_dir"`
}

// GetConfig returns the current global config BY VALUE.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return *config, nil
}

// SetConfigForTesting sets the global config. Pass nil to reset.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
}

// LoadConfig loads the YAML file at path into the global singleton.
// An empty path falls back to $STORYLOOM_CONFIG, then ./storyloom.yaml.
// A missing file is not an error; an unparseable or invalid one is.
func LoadConfig(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	mu.Lock()
	config = cfg
	mu.Unlock()
	return nil
}

// Load reads, defaults, overrides and validates a config without touching the singleton.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultConfigFile
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		getLogger().Info("Config file %s not found, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML %s: %w", path, err)
		}
		getLogger().Info("Loaded config from %s", path)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Marshal renders cfg as YAML, used by `storyloom config` to print the effective config.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Models.Creative == "" {
		cfg.Models.Creative = DefaultCreativeModel
	}
	if cfg.Models.Fast == "" {
		cfg.Models.Fast = DefaultFastModel
	}

	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 60 * time.Second
	}
	if cfg.Backend.Retry.MaxAttempts == 0 {
		cfg.Backend.Retry.MaxAttempts = 1
	}
	if cfg.Backend.Retry.InitialDelay == 0 {
		cfg.Backend.Retry.InitialDelay = 500 * time.Millisecond
	}
	if cfg.Backend.Retry.MaxDelay == 0 {
		cfg.Backend.Retry.MaxDelay = 10 * time.Second
	}
	if cfg.Backend.Retry.BackoffFactor == 0 {
		cfg.Backend.Retry.BackoffFactor = 2.0
	}
	if cfg.Backend.Circuit.FailureThreshold == 0 {
		cfg.Backend.Circuit.FailureThreshold = 5
	}
	if cfg.Backend.Circuit.Cooldown == 0 {
		cfg.Backend.Circuit.Cooldown = 30 * time.Second
	}

	if cfg.Story.PatchShape == "" {
		cfg.Story.PatchShape = PatchShapeNarrative
	}
	if cfg.Story.ProseTailChars == 0 {
		cfg.Story.ProseTailChars = defaultProseTailChars
	}
	if cfg.Story.SegmentMaxTokens == 0 {
		cfg.Story.SegmentMaxTokens = defaultSegmentTokens
	}
	if cfg.Story.ResolutionMaxTokens == 0 {
		cfg.Story.ResolutionMaxTokens = defaultResolutionToken
	}
	if cfg.Story.WorldMaxTokens == 0 {
		cfg.Story.WorldMaxTokens = defaultWorldTokens
	}
	if cfg.Story.ExtractMaxTokens == 0 {
		cfg.Story.ExtractMaxTokens = defaultExtractTokens
	}

	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreDriverSQLite
	}
	if cfg.Store.Path == "" {
		if cfg.Store.Driver == StoreDriverFile {
			cfg.Store.Path = cfg.DataDir + "/threads"
		} else {
			cfg.Store.Path = cfg.DataDir + "/stories.db"
		}
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{DefaultCORSOrigin}
	}

	if cfg.Orchestrator.LockTimeout == 0 {
		cfg.Orchestrator.LockTimeout = 2 * time.Minute
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNS
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvAddr); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv(EnvDB); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv(EnvCreativeModel); v != "" {
		cfg.Models.Creative = v
	}
	if v := os.Getenv(EnvFastModel); v != "" {
		cfg.Models.Fast = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		cfg.Server.Password = v
	}
	if v := os.Getenv("STORYLOOM_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Story.MaxTurns = n
		} else {
			getLogger().Warn("Ignoring STORYLOOM_MAX_TURNS=%q: %v", v, err)
		}
	}
}

func validateConfig(cfg *Config) error {
	var problems []string

	for tier, model := range map[string]string{"creative": cfg.Models.Creative, "fast": cfg.Models.Fast} {
		if _, err := GetModelProvider(model); err != nil {
			problems = append(problems, fmt.Sprintf("models.%s: %v", tier, err))
		}
	}

	switch cfg.Story.PatchShape {
	case PatchShapeNarrative, PatchShapeAdditive:
	default:
		problems = append(problems, fmt.Sprintf("story.patch_shape must be %q or %q, got %q",
			PatchShapeNarrative, PatchShapeAdditive, cfg.Story.PatchShape))
	}
	if cfg.Story.MaxTurns < 0 {
		problems = append(problems, "story.max_turns must not be negative")
	}
	if cfg.Story.ProseTailChars < 0 {
		problems = append(problems, "story.prose_tail_chars must not be negative")
	}

	switch cfg.Store.Driver {
	case StoreDriverSQLite, StoreDriverFile:
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be %q or %q, got %q",
			StoreDriverSQLite, StoreDriverFile, cfg.Store.Driver))
	}

	if cfg.Backend.Retry.MaxAttempts < 1 {
		problems = append(problems, "backend.retry.max_attempts must be at least 1")
	}
	if cfg.Backend.Timeout < 0 {
		problems = append(problems, "backend.timeout must not be negative")
	}
	if cfg.Backend.Circuit.Cooldown < 0 {
		problems = append(problems, "backend.circuit.cooldown must not be negative")
	}
	if cfg.Orchestrator.LockTimeout < 0 {
		problems = append(problems, "orchestrator.lock_timeout must not be negative")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// GetAPIKey returns the credential for a provider: secrets file first, then env.
// For Ollama it returns the host URL instead.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicKey
	case ProviderOpenAI:
		envVar = EnvOpenAIKey
	case ProviderGoogle:
		envVar = EnvGoogleKey
	case ProviderOllama:
		if host, err := GetSecret(EnvOllamaHost); err == nil {
			return host, nil
		}
		return DefaultOllamaHost, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	key, err := GetSecret(envVar)
	if err != nil {
		return "", fmt.Errorf("API key not found: %w", err)
	}
	return key, nil
}

// GetServerPassword returns the Basic auth password: config/env first, then the secrets file.
func GetServerPassword(cfg *Config) string {
	if cfg != nil && cfg.Server.Password != "" {
		return cfg.Server.Password
	}
	if password, err := GetSecret(EnvPassword); err == nil {
		return password
	}
	return ""
}
