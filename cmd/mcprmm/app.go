package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	bolterrors "go.etcd.io/bbolt/errors"
	"go.uber.org/zap"

	"mcprmm-go/internal/apiclient"
	"mcprmm-go/internal/automation"
	"mcprmm-go/internal/browser"
	"mcprmm-go/internal/capture"
	"mcprmm-go/internal/config"
	"mcprmm-go/internal/lifecycle"
	"mcprmm-go/internal/logs"
	"mcprmm-go/internal/observability"
	"mcprmm-go/internal/storage"
	"mcprmm-go/internal/tokenstore"
)

// app holds every wired component for one command invocation.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *tokenstore.Store
	journal *storage.Journal
	manager *lifecycle.Manager
	client  *apiclient.Client
	metrics *observability.MetricsManager
	tracing *observability.TracingManager
	health  *observability.HealthManager
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Context(), config.LoadOptions{
		ConfigPath: configFile,
		EnvFile:    envFile,
		Flags:      cmd.Flags(),
	})
	if err != nil {
		return nil, withExitCode(ExitCodeConfigError, err)
	}
	return cfg, nil
}

// newApp loads configuration and builds the broker: browser, login engine, token cache,
// journal, lifecycle manager and API client.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, err := logs.SetupLogger(cfg.Logging(), cfg.Password, cfg.SubscriptionKey)
	if err != nil {
		return nil, withExitCode(ExitCodeConfigError, fmt.Errorf("failed to setup logger: %w", err))
	}
	logger = logger.With(zap.String("version", version))
	sugar := logger.Sugar()

	tracing, err := observability.NewTracingManager(sugar, observability.TracingConfig{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "mcprmm",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.TracingEndpoint,
		SampleRate:     cfg.TracingSampleRate,
	})
	if err != nil {
		return nil, err
	}
	metrics := observability.NewMetricsManager(sugar)

	journal, err := storage.OpenJournal(cfg.JournalPath(), logger)
	if err != nil {
		if errors.Is(err, bolterrors.ErrTimeout) {
			return nil, withExitCode(ExitCodeJournalLocked, err)
		}
		return nil, err
	}
	store := tokenstore.New(cfg.TokenPath(), logger)

	launcher := browser.NewLauncher(browser.Options{
		Headless:       cfg.Headless,
		SlowMo:         cfg.SlowMo(),
		ViewportWidth:  cfg.ViewportWidth,
		ViewportHeight: cfg.ViewportHeight,
		ExecPath:       cfg.BrowserPath,
		NoSandbox:      cfg.BrowserNoSandbox,
	}, logger)
	engine := automation.NewEngine(automation.Options{
		LoginURL:             cfg.LoginURL,
		IdentityProviderHost: cfg.IdentityProviderHost(),
		Credentials:          automation.Credentials{Username: cfg.Username, Password: cfg.Password},
		Timeouts: automation.Timeouts{
			Element:    cfg.ElementTimeout(),
			Dashboard:  cfg.DashboardTimeout(),
			Navigation: cfg.NavigationTimeout(),
		},
		Pacing: automation.DefaultPacing(),
	}, logger)
	extractor := automation.NewExtractor(launcher, engine, automation.ExtractorOptions{
		APIURL:         cfg.APIBaseURL,
		Capture:        capture.DefaultOptions(cfg.NavigationTimeout(), cfg.APITriggerTimeout()),
		ScreenshotPath: cfg.ScreenshotPath(),
	}, logger)

	httpOpts := apiclient.Options{
		BaseURL:         cfg.APIBaseURL,
		Origin:          cfg.APIOrigin,
		TimeZone:        cfg.APITimeZone,
		SubscriptionKey: cfg.SubscriptionKey,
		UserAgent:       browser.DefaultUserAgent,
		Timeout:         cfg.RequestTimeout(),
		Metrics:         metrics,
		Tracing:         tracing,
	}
	manager := lifecycle.NewManager(store, extractor, lifecycle.Options{
		Scope:               cfg.CredentialScope(),
		ExtractionTimeout:   cfg.ExtractionTimeout(),
		ValidateCredentials: cfg.ValidateCredentials,
		Prober:              apiclient.NewProber(cfg.TenantListURL(), httpOpts, logger),
		Journal:             journal,
		JournalRetain:       cfg.JournalRetain,
		Metrics:             metrics,
		Tracing:             tracing,
	}, logger)

	health := observability.NewHealthManager(sugar)
	health.AddHealthChecker(observability.NewJournalHealthChecker("run_journal", journal))
	health.AddHealthChecker(observability.NewCacheHealthChecker("token_cache", func() error {
		_, err := store.Load()
		return err
	}))

	health.SetTokenReporter(func() observability.TokenStatus {
		return tokenStatus(manager)
	})

	logger.Debug("Configuration loaded",
		zap.String("data_dir", cfg.DataDir),
		zap.String("token_file", cfg.TokenPath()),
		zap.Bool("headless", cfg.Headless),
		zap.Duration("extraction_timeout", cfg.ExtractionTimeout()))

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		journal: journal,
		manager: manager,
		client:  apiclient.New(manager, store, httpOpts, logger),
		metrics: metrics,
		tracing: tracing,
		health:  health,
	}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracing.Close(ctx); err != nil {
		a.logger.Warn("Failed to flush traces", zap.Error(err))
	}
	if err := a.journal.Close(); err != nil {
		a.logger.Warn("Failed to close run journal", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func tokenStatus(manager *lifecycle.Manager) observability.TokenStatus {
	stored, err := manager.StoredToken()
	switch {
	case err != nil:
		return observability.TokenStatus{State: observability.TokenFailed, Error: err.Error()}
	case stored == nil:
		return observability.TokenStatus{State: observability.TokenMissing}
	case stored.Failure != nil:
		return observability.TokenStatus{State: observability.TokenFailed, Error: stored.Failure.Error}
	}
	status := observability.TokenStatus{State: observability.TokenValid}
	if stored.Expired {
		status.State = observability.TokenExpired
	}
	if stored.Claims != nil {
		status.ExpiresAt = stored.Claims.ExpiresAt
	}
	return status
}
