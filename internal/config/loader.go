package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"mcprmm-go/internal/secret"
)

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// ConfigPath is an optional JSON config file. Empty means DataDir/mcprmm.json when present.
	ConfigPath string
	// EnvFile is loaded into the process environment without overriding existing values.
	// Empty means ".env" in the working directory; a missing file is ignored.
	EnvFile string
	// Flags are bound by their long name with dashes mapped to underscores.
	Flags *pflag.FlagSet
	// Resolver expands ${env:..} and ${keyring:..} references. Nil uses secret.NewResolver.
	Resolver *secret.Resolver
}

// Load reads configuration in order: defaults, JSON file, .env, environment, flags.
func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if opts.Flags != nil {
		if err := bindFlags(v, opts.Flags); err != nil {
			return nil, err
		}
	}

	if configPath := resolveConfigPath(v, opts.ConfigPath); configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, DefaultDataDir)
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = secret.NewResolver()
	}
	if err := resolver.ExpandAll(ctx, &cfg.Username, &cfg.Password, &cfg.SubscriptionKey); err != nil {
		return nil, fmt.Errorf("failed to resolve secret reference: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load env file %s: %w", path, err)
}

// resolveConfigPath falls back to DataDir/mcprmm.json when no path was given and the file exists.
func resolveConfigPath(v *viper.Viper, explicit string) string {
	if explicit != "" {
		return explicit
	}
	dataDir := v.GetString("data_dir")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dataDir = filepath.Join(home, DefaultDataDir)
	}
	candidate := filepath.Join(dataDir, ConfigFileName)
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if !isKnownKey(key) {
			return
		}
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

func isKnownKey(key string) bool {
	_, ok := defaultValues()[key]
	return ok
}

func setDefaults(v *viper.Viper) {
	for key, value := range defaultValues() {
		v.SetDefault(key, value)
	}
}

// defaultValues lists every key so AutomaticEnv can see it during Unmarshal.
func defaultValues() map[string]any {
	d := DefaultConfig()
	return map[string]any{
		"auth0_login_url":      d.LoginURL,
		"username_1":           d.Username,
		"password_1":           d.Password,
		"api_base_url":         d.APIBaseURL,
		"tenant_list_endpoint": d.TenantListEndpoint,
		"token_file":           d.TokenFile,
		"element_timeout":      d.ElementTimeoutMS,
		"dashboard_timeout":    d.DashboardTimeoutMS,
		"api_trigger_timeout":  d.APITriggerTimeoutMS,
		"navigation_timeout":   d.NavigationTimeoutMS,
		"extraction_timeout":   d.ExtractionTimeoutS,
		"request_timeout":      d.RequestTimeoutS,
		"headless":             d.Headless,
		"slow_mo":              d.SlowMoMS,
		"viewport_width":       d.ViewportWidth,
		"viewport_height":      d.ViewportHeight,
		"browser_path":         d.BrowserPath,
		"browser_no_sandbox":   d.BrowserNoSandbox,
		"subscription_key":     d.SubscriptionKey,
		"api_origin":           d.APIOrigin,
		"api_time_zone":        d.APITimeZone,
		"data_dir":             d.DataDir,
		"log_level":            d.LogLevel,
		"log_to_file":          d.LogToFile,
		"log_dir":              d.LogDir,
		"journal_retain":       d.JournalRetain,
		"metrics_listen":       d.MetricsListen,
		"tracing_enabled":      d.TracingEnabled,
		"tracing_endpoint":     d.TracingEndpoint,
		"tracing_sample_rate":  d.TracingSampleRate,
	}
}
