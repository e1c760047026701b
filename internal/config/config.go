package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	DefaultDataDir       = ".mcprmm"
	DefaultTokenFileName = "auth_token.json"
	ConfigFileName       = "mcprmm.json"

	defaultPhaseTimeoutMS = 40000
	defaultOrigin         = "https://dev7-smartoffice.sharpb2bcloud.com"
	defaultTimeZone       = "+05:30"
)

// Config holds every tunable of the credential broker. Keys double as environment variable
// names when upper-cased (AUTH0_LOGIN_URL, USERNAME_1, ...).
type Config struct {
	LoginURL           string `json:"auth0_login_url" mapstructure:"auth0_login_url"`
	Username           string `json:"username_1" mapstructure:"username_1"`
	Password           string `json:"password_1" mapstructure:"password_1"`
	APIBaseURL         string `json:"api_base_url" mapstructure:"api_base_url"`
	TenantListEndpoint string `json:"tenant_list_endpoint" mapstructure:"tenant_list_endpoint"`
	TokenFile          string `json:"token_file" mapstructure:"token_file"`

	// Phase timeouts in milliseconds; extraction and request timeouts in seconds.
	ElementTimeoutMS    int `json:"element_timeout" mapstructure:"element_timeout"`
	DashboardTimeoutMS  int `json:"dashboard_timeout" mapstructure:"dashboard_timeout"`
	APITriggerTimeoutMS int `json:"api_trigger_timeout" mapstructure:"api_trigger_timeout"`
	NavigationTimeoutMS int `json:"navigation_timeout" mapstructure:"navigation_timeout"`
	ExtractionTimeoutS  int `json:"extraction_timeout" mapstructure:"extraction_timeout"`
	RequestTimeoutS     int `json:"request_timeout" mapstructure:"request_timeout"`

	Headless         bool   `json:"headless" mapstructure:"headless"`
	SlowMoMS         int    `json:"slow_mo" mapstructure:"slow_mo"`
	ViewportWidth    int    `json:"viewport_width" mapstructure:"viewport_width"`
	ViewportHeight   int    `json:"viewport_height" mapstructure:"viewport_height"`
	BrowserPath      string `json:"browser_path,omitempty" mapstructure:"browser_path"`
	BrowserNoSandbox bool   `json:"browser_no_sandbox" mapstructure:"browser_no_sandbox"`

	SubscriptionKey string `json:"subscription_key" mapstructure:"subscription_key"`
	APIOrigin       string `json:"api_origin" mapstructure:"api_origin"`
	APITimeZone     string `json:"api_time_zone" mapstructure:"api_time_zone"`

	DataDir       string `json:"data_dir" mapstructure:"data_dir"`
	LogLevel      string `json:"log_level" mapstructure:"log_level"`
	LogToFile     bool   `json:"log_to_file" mapstructure:"log_to_file"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log_dir"`
	JournalRetain int    `json:"journal_retain" mapstructure:"journal_retain"`

	MetricsListen     string  `json:"metrics_listen,omitempty" mapstructure:"metrics_listen"`
	TracingEnabled    bool    `json:"tracing_enabled" mapstructure:"tracing_enabled"`
	TracingEndpoint   string  `json:"tracing_endpoint" mapstructure:"tracing_endpoint"`
	TracingSampleRate float64 `json:"tracing_sample_rate" mapstructure:"tracing_sample_rate"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level"`
	EnableFile    bool   `json:"enable_file"`
	EnableConsole bool   `json:"enable_console"`
	Filename      string `json:"filename"`
	LogDir        string `json:"log_dir,omitempty"`
	MaxSize       int    `json:"max_size"`    // MB
	MaxBackups    int    `json:"max_backups"` // number of backup files
	MaxAge        int    `json:"max_age"`     // days
	Compress      bool   `json:"compress"`
	JSONFormat    bool   `json:"json_format"`
}

// DefaultConfig returns a Config populated with defaults
func DefaultConfig() *Config {
	return &Config{
		ElementTimeoutMS:    defaultPhaseTimeoutMS,
		DashboardTimeoutMS:  defaultPhaseTimeoutMS,
		APITriggerTimeoutMS: defaultPhaseTimeoutMS,
		NavigationTimeoutMS: defaultPhaseTimeoutMS,
		ExtractionTimeoutS:  400,
		RequestTimeoutS:     30,

		Headless:       true,
		SlowMoMS:       1500,
		ViewportWidth:  1920,
		ViewportHeight: 1080,

		APIOrigin:   defaultOrigin,
		APITimeZone: defaultTimeZone,

		LogLevel:      "info",
		JournalRetain: 100,

		TracingEndpoint:   "localhost:4318",
		TracingSampleRate: 1.0,
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) ElementTimeout() time.Duration    { return ms(c.ElementTimeoutMS) }
func (c *Config) DashboardTimeout() time.Duration  { return ms(c.DashboardTimeoutMS) }
func (c *Config) APITriggerTimeout() time.Duration { return ms(c.APITriggerTimeoutMS) }
func (c *Config) NavigationTimeout() time.Duration { return ms(c.NavigationTimeoutMS) }
func (c *Config) SlowMo() time.Duration            { return ms(c.SlowMoMS) }

func (c *Config) ExtractionTimeout() time.Duration {
	return time.Duration(c.ExtractionTimeoutS) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutS) * time.Second
}

// TenantListURL is the probe endpoint used to test a freshly extracted token.
func (c *Config) TenantListURL() string {
	return c.APIBaseURL + c.TenantListEndpoint
}

// TokenPath returns the cache file location, defaulting into the data directory.
func (c *Config) TokenPath() string {
	if c.TokenFile != "" {
		return c.TokenFile
	}
	return filepath.Join(c.DataDir, DefaultTokenFileName)
}

// JournalPath returns the bbolt extraction journal location.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "runs.db")
}

// ScreenshotPath is where the last failed login is captured.
func (c *Config) ScreenshotPath() string {
	return filepath.Join(c.DataDir, "debug_error.png")
}

// IdentityProviderHost is the host of the login URL, used to detect a stalled login.
func (c *Config) IdentityProviderHost() string {
	u, err := url.Parse(c.LoginURL)
	if err != nil || u.Hostname() == "" {
		return "auth0.com"
	}
	return u.Hostname()
}

// CredentialScope identifies the account an extraction runs for.
func (c *Config) CredentialScope() string {
	return c.LoginURL + "|" + c.Username
}

// Logging builds the logger configuration.
func (c *Config) Logging() *LogConfig {
	return &LogConfig{
		Level:         c.LogLevel,
		EnableFile:    c.LogToFile,
		EnableConsole: true,
		Filename:      "mcprmm.log",
		LogDir:        c.LogDir,
		MaxSize:       10,
		MaxBackups:    5,
		MaxAge:        30,
		Compress:      true,
	}
}

// Validate checks settings that must hold for any command.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"element_timeout":     c.ElementTimeoutMS,
		"dashboard_timeout":   c.DashboardTimeoutMS,
		"api_trigger_timeout": c.APITriggerTimeoutMS,
		"navigation_timeout":  c.NavigationTimeoutMS,
		"extraction_timeout":  c.ExtractionTimeoutS,
		"request_timeout":     c.RequestTimeoutS,
		"viewport_width":      c.ViewportWidth,
		"viewport_height":     c.ViewportHeight,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, positive[key]))
		}
	}
	if c.SlowMoMS < 0 {
		errs = append(errs, fmt.Errorf("slow_mo must not be negative"))
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing_sample_rate must be within [0, 1]"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	return errors.Join(errs...)
}

// ValidateCredentials checks what a login automation run needs.
func (c *Config) ValidateCredentials() error {
	var missing []string
	if c.LoginURL == "" {
		missing = append(missing, "AUTH0_LOGIN_URL")
	}
	if c.Username == "" {
		missing = append(missing, "USERNAME_1")
	}
	if c.Password == "" {
		missing = append(missing, "PASSWORD_1")
	}
	if c.APIBaseURL == "" {
		missing = append(missing, "API_BASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
