package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 40*time.Second, cfg.ElementTimeout())
	assert.Equal(t, 40*time.Second, cfg.DashboardTimeout())
	assert.Equal(t, 40*time.Second, cfg.APITriggerTimeout())
	assert.Equal(t, 400*time.Second, cfg.ExtractionTimeout())
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 1500*time.Millisecond, cfg.SlowMo())
	assert.True(t, cfg.Headless)
	assert.Equal(t, "+05:30", cfg.APITimeZone)
}

func TestConfigPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"

	assert.Equal(t, filepath.Join("/data", "auth_token.json"), cfg.TokenPath())
	assert.Equal(t, filepath.Join("/data", "runs.db"), cfg.JournalPath())
	assert.Equal(t, filepath.Join("/data", "debug_error.png"), cfg.ScreenshotPath())

	cfg.TokenFile = "/elsewhere/token.json"
	assert.Equal(t, "/elsewhere/token.json", cfg.TokenPath())
}

func TestIdentityProviderHost(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "auth0.com", cfg.IdentityProviderHost())

	cfg.LoginURL = "https://sharp.eu.auth0.com/login?state=x"
	assert.Equal(t, "sharp.eu.auth0.com", cfg.IdentityProviderHost())
}

func TestValidate(t *testing.T) {
	t.Run("defaults with data dir", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DataDir = t.TempDir()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("non-positive timeouts", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DataDir = t.TempDir()
		cfg.ElementTimeoutMS = 0
		cfg.RequestTimeoutS = -1
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "element_timeout")
		assert.Contains(t, err.Error(), "request_timeout")
	})

	t.Run("sample rate out of range", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DataDir = t.TempDir()
		cfg.TracingSampleRate = 1.5
		assert.ErrorContains(t, cfg.Validate(), "tracing_sample_rate")
	})
}

func TestValidateCredentials(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ValidateCredentials()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH0_LOGIN_URL, USERNAME_1, PASSWORD_1, API_BASE_URL")

	cfg.LoginURL = "https://idp.example.com/login"
	cfg.Username = "user"
	cfg.Password = "pass"
	cfg.APIBaseURL = "https://api.example.com"
	assert.NoError(t, cfg.ValidateCredentials())
}

func TestLoad_Environment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("AUTH0_LOGIN_URL", "https://idp.example.com/login")
	t.Setenv("ELEMENT_TIMEOUT", "5000")
	t.Setenv("HEADLESS", "false")
	t.Setenv("MCPRMM_TEST_PASSWORD", "hunter2")
	t.Setenv("PASSWORD_1", "${env:MCPRMM_TEST_PASSWORD}")

	cfg, err := Load(context.Background(), LoadOptions{EnvFile: filepath.Join(dir, "missing.env")})
	require.Error(t, err, "explicit env file must exist")
	assert.Nil(t, cfg)

	cfg, err = Load(context.Background(), LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "https://idp.example.com/login", cfg.LoginURL)
	assert.Equal(t, 5*time.Second, cfg.ElementTimeout())
	assert.False(t, cfg.Headless)
	assert.Equal(t, "hunter2", cfg.Password)
}

func TestLoad_ConfigFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("SLOW_MO", "250")

	path := filepath.Join(dir, "custom.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"api_base_url": "https://api.example.com",
		"tenant_list_endpoint": "/tenants",
		"slow_mo": 900,
		"viewport_width": 1280
	}`), 0600))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Bool("headless", true, "")
	flags.Int("viewport-width", 0, "")
	flags.String("unrelated", "", "")
	require.NoError(t, flags.Parse([]string{"--headless=false", "--viewport-width=800"}))

	cfg, err := Load(context.Background(), LoadOptions{ConfigPath: path, Flags: flags})
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/tenants", cfg.TenantListURL())
	assert.Equal(t, 250*time.Millisecond, cfg.SlowMo(), "environment overrides the file")
	assert.Equal(t, 800, cfg.ViewportWidth, "flags override everything")
	assert.False(t, cfg.Headless)
	assert.Equal(t, 1080, cfg.ViewportHeight)
}

func TestLoad_EnvFileDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("USERNAME_1", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("API_TIME_ZONE") })

	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("USERNAME_1=from-file\nAPI_TIME_ZONE=+01:00\n"), 0600))

	cfg, err := Load(context.Background(), LoadOptions{EnvFile: envFile})
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Username)
	assert.Equal(t, "+01:00", cfg.APITimeZone)
}

func TestLoad_InvalidConfig(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("DASHBOARD_TIMEOUT", "0")

	_, err := Load(context.Background(), LoadOptions{})
	assert.ErrorContains(t, err, "dashboard_timeout")
}

func TestLoad_UnresolvedSecret(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("SUBSCRIPTION_KEY", "${env:MCPRMM_TEST_UNSET_KEY}")

	_, err := Load(context.Background(), LoadOptions{})
	assert.ErrorContains(t, err, "failed to resolve secret reference")
}
