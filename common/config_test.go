package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	config := DefaultConfig()
	assert.NoError(t, config.Validate())
	assert.Equal(t, 25, config.History.MaxMessages)
	assert.Equal(t, 80000, config.History.SummaryThreshold)
	assert.Equal(t, 3, config.Continuation.MaxAttempts)
	assert.True(t, config.History.StrategyEnabled(StrategySmartSummary))
	assert.False(t, HistoryConfig{Strategies: []string{StrategyErrorRetry}}.StrategyEnabled(StrategySmartSummary))
}

func TestLoadConfigFromYamlFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modelgate.yaml")
	content := `
server:
  port: 9090
history:
  max_messages: 10
  max_chars: 50000
model_routing:
  opus_model: opus-test
  sonnet_model: sonnet-test
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, 10, config.History.MaxMessages)
	assert.Equal(t, 50000, config.History.MaxChars)
	assert.Equal(t, "opus-test", config.Routing.OpusModel)
	// untouched fields keep defaults
	assert.Equal(t, 8, config.History.SummaryKeepRecent)
	assert.Equal(t, 1000, config.Upstream.MaxConnections)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("MODELGATE_PORT", "7070")
	t.Setenv("HTTP_POOL_MAX_CONNECTIONS", "42")
	t.Setenv("NATIVE_TOOLS_ENABLED", "false")
	t.Setenv("MAX_CONTINUATION_ATTEMPTS", "5")

	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7070, config.Server.Port)
	assert.Equal(t, 42, config.Upstream.MaxConnections)
	assert.False(t, config.Tools.NativeEnabled)
	assert.Equal(t, 5, config.Continuation.MaxAttempts)
}

func TestLoadConfigRejectsUnknownStrategy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modelgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("history:\n  strategies: [bogus]\n"), 0644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "unknown history strategy")
}

func TestLoadConfigUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modelgate.ini")
	require.NoError(t, os.WriteFile(path, []byte(""), 0644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "unsupported config file extension")
}

func TestSanitizedMasksAPIKey(t *testing.T) {
	config := DefaultConfig()
	config.Upstream.APIKey = "sk-secret"
	assert.Equal(t, "***", config.Sanitized().Upstream.APIKey)
	assert.Equal(t, "sk-secret", config.Upstream.APIKey)
}
