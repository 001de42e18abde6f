package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/yourneighborhoodchef/nodeping/internal/heartbeat"
	"github.com/yourneighborhoodchef/nodeping/internal/monitor"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "token.txt", cfg.TokensFile)
	assert.Equal(t, "proxy.txt", cfg.ProxiesFile)
	assert.Equal(t, heartbeat.DefaultURL, cfg.PingURL)
	assert.Equal(t, 60*time.Second, cfg.PingInterval)
	assert.Equal(t, "2.2.7", cfg.PingVersion)
	assert.Equal(t, 3, cfg.Attempts)
	assert.Equal(t, monitor.DefaultMaxPerToken, cfg.MaxPerToken)
	assert.Equal(t, 3*time.Second, cfg.Settle)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.SessionCachePath)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	content := `
[ping]
interval = "90s"

[supervisor]
max_per_token = 2

[metrics]
addr = "127.0.0.1:9464"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodeping.toml"), []byte(content), 0o600))
	t.Setenv("NODEPING_SUPERVISOR_MAX_PER_TOKEN", "1")
	t.Setenv("NODEPING_LOG_LEVEL", "debug")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.PingInterval)
	assert.Equal(t, 1, cfg.MaxPerToken, "environment overrides the file")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9464", cfg.MetricsAddr)
}

func TestLoadExplicitConfigFileMustExist(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := Load(viper.New(), "missing.toml")
	assert.Error(t, err)
}

func TestLoadFlagsWin(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("NODEPING_TOKENS_FILE", "env.txt")

	v := viper.New()
	v.Set(KeyTokensFile, "flag.txt")

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "flag.txt", cfg.TokensFile)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg := Config{
		TokensFile:     "token.txt",
		ProxiesFile:    "proxy.txt",
		SessionURL:     "http://s",
		PingURL:        "http://p",
		PingInterval:   0,
		PingPoll:       time.Second,
		Timeout:        time.Second,
		Attempts:       0,
		MaxPerToken:    1,
		Cycle:          time.Second,
		Settle:         -time.Second,
		EstablishRate:  1,
		EstablishBurst: 1,
		MetricsAddr:    "nope",
	}

	err := cfg.Validate()
	require.Error(t, err)
	errs := multierr.Errors(err)
	assert.Len(t, errs, 4)
	assert.Contains(t, err.Error(), "ping interval")
	assert.Contains(t, err.Error(), "transport attempts")
	assert.Contains(t, err.Error(), "supervisor settle")
	assert.Contains(t, err.Error(), "metrics addr")
}

func TestValidateMaxPerTokenBounds(t *testing.T) {
	t.Parallel()

	base := Config{
		TokensFile:   "token.txt",
		ProxiesFile:  "proxy.txt",
		SessionURL:   "http://s",
		PingURL:      "http://p",
		PingInterval: time.Minute,
		PingPoll:     time.Second,
		Timeout:      time.Second,
		Attempts:     3,
		Cycle:        time.Second,
	}

	tests := []struct {
		max     int
		wantErr bool
	}{
		{0, true},
		{1, false},
		{3, false},
		{4, true},
		{10, true},
	}
	for _, tt := range tests {
		cfg := base
		cfg.MaxPerToken = tt.max
		err := cfg.Validate()
		if tt.wantErr {
			assert.ErrorContains(t, err, "max proxies per token", "max=%d", tt.max)
		} else {
			assert.NoError(t, err, "max=%d", tt.max)
		}
	}
}

func TestLoadRejectsMaxPerTokenFromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("NODEPING_SUPERVISOR_MAX_PER_TOKEN", "5")

	_, err := Load(viper.New(), "")
	assert.ErrorContains(t, err, "max proxies per token")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("NODEPING_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("NODEPING_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("NODEPING_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "absent.env")))
	assert.Equal(t, "loaded", os.Getenv("NODEPING_TEST_DOTENV"))
}
