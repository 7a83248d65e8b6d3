package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storyloom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultCreativeModel, cfg.Models.Creative)
	assert.Equal(t, DefaultFastModel, cfg.Models.Fast)
	assert.Equal(t, PatchShapeNarrative, cfg.Story.PatchShape)
	assert.Equal(t, 0, cfg.Story.MaxTurns)
	assert.Equal(t, 500, cfg.Story.ProseTailChars)
	assert.Equal(t, 250, cfg.Story.SegmentMaxTokens)
	assert.Equal(t, 700, cfg.Story.ResolutionMaxTokens)
	assert.Equal(t, 500, cfg.Story.WorldMaxTokens)
	assert.Equal(t, 400, cfg.Story.ExtractMaxTokens)
	assert.True(t, cfg.Story.ShouldResolveOpenTension())
	assert.Equal(t, StoreDriverSQLite, cfg.Store.Driver)
	assert.Equal(t, ".storyloom/stories.db", cfg.Store.Path)
	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 2*time.Minute, cfg.Orchestrator.LockTimeout)
	assert.Equal(t, 60*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 1, cfg.Backend.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Backend.Circuit.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Backend.Circuit.Cooldown)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
models:
  creative: gpt-4o
  fast: gemini-2.5-flash
backend:
  timeout: 30s
  retry:
    max_attempts: 3
story:
  max_turns: 5
  patch_shape: additive
  resolve_open_tension: false
store:
  driver: file
server:
  addr: ":9000"
orchestrator:
  lock_timeout: 5s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", cfg.Models.Creative)
	assert.Equal(t, "gemini-2.5-flash", cfg.Models.Fast)
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 3, cfg.Backend.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Story.MaxTurns)
	assert.Equal(t, PatchShapeAdditive, cfg.Story.PatchShape)
	assert.False(t, cfg.Story.ShouldResolveOpenTension())
	assert.Equal(t, StoreDriverFile, cfg.Store.Driver)
	assert.Equal(t, ".storyloom/threads", cfg.Store.Path)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Orchestrator.LockTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvAddr, ":7777")
	t.Setenv(EnvDB, "/tmp/x.db")
	t.Setenv(EnvCreativeModel, "llama3.2")
	t.Setenv(EnvPassword, "secret")
	t.Setenv("STORYLOOM_MAX_TURNS", "4")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "/tmp/x.db", cfg.Store.Path)
	assert.Equal(t, "llama3.2", cfg.Models.Creative)
	assert.Equal(t, "secret", GetServerPassword(cfg))
	assert.Equal(t, 4, cfg.Story.MaxTurns)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown model", "models:\n  creative: mystery-model\n", "models.creative"},
		{"bad patch shape", "story:\n  patch_shape: freeform\n", "story.patch_shape"},
		{"negative turns", "story:\n  max_turns: -1\n", "story.max_turns"},
		{"bad driver", "store:\n  driver: postgres\n", "store.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "models: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestGlobalConfigIsCopied(t *testing.T) {
	defer SetConfigForTesting(nil)

	SetConfigForTesting(nil)
	_, err := GetConfig()
	require.Error(t, err)

	require.NoError(t, LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")))
	cfg, err := GetConfig()
	require.NoError(t, err)

	cfg.Server.Addr = "mutated"
	again, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8000", again.Server.Addr)
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Marshal(Default())
	require.NoError(t, err)
	assert.Contains(t, string(data), "claude-sonnet-4-5")
}

func TestModelRegistry(t *testing.T) {
	tests := []struct {
		model    string
		provider string
	}{
		{"claude-sonnet-4-5", ProviderAnthropic},
		{"claude-3-haiku", ProviderAnthropic},
		{"gpt-4o-mini", ProviderOpenAI},
		{"o3-mini", ProviderOpenAI},
		{"gemini-2.0-flash", ProviderGoogle},
		{"llama3.2", ProviderOllama},
		{"ollama:phi4", ProviderOllama},
	}
	for _, tt := range tests {
		got, err := GetModelProvider(tt.model)
		require.NoError(t, err, tt.model)
		assert.Equal(t, tt.provider, got, tt.model)
	}

	_, err := GetModelProvider("mystery")
	assert.Error(t, err)

	info, known := GetModelInfo("claude-haiku-4-5")
	assert.True(t, known)
	assert.Equal(t, ProviderAnthropic, info.Provider)

	info, known = GetModelInfo("qwen2.5")
	assert.False(t, known)
	assert.Equal(t, ProviderOllama, info.Provider)
}

func TestCalculateCost(t *testing.T) {
	assert.InDelta(t, 3.0+15.0, CalculateCost("claude-sonnet-4-5", 1_000_000, 1_000_000), 1e-9)
	assert.Zero(t, CalculateCost("mystery", 1000, 1000))
}

func TestGetAPIKey(t *testing.T) {
	SetDecryptedSecrets(nil)
	defer SetDecryptedSecrets(nil)

	t.Setenv(EnvAnthropicKey, "sk-ant")
	key, err := GetAPIKey(ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant", key)

	t.Setenv(EnvOpenAIKey, "")
	_, err = GetAPIKey(ProviderOpenAI)
	assert.Error(t, err)

	t.Setenv(EnvOllamaHost, "")
	host, err := GetAPIKey(ProviderOllama)
	require.NoError(t, err)
	assert.Equal(t, DefaultOllamaHost, host)

	_, err = GetAPIKey("carrier-pigeon")
	assert.Error(t, err)
}
