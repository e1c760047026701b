// Package capture obtains the bearer token from an authenticated browser session. Techniques
// run in a fixed order and the first one to produce a token wins.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mcprmm-go/internal/browser"
	"mcprmm-go/internal/logs"
)

// Source tags recorded with a captured token.
const (
	SourceNetworkIntercept    = "api_request_interception"
	SourceTriggeredIntercept  = "api_call_triggered"
	SourceURLFragment         = "url_fragment"
	SourceStorage             = "browser_storage"
	SourceCookie              = "cookies"
	SourceInterceptedFallback = "intercepted_fallback"
)

// ErrCaptureExhausted is returned when every technique came back empty.
var ErrCaptureExhausted = errors.New("no token found")

// PartialSuccess reports a login that reached the application but only left an OAuth
// authorization code behind.
type PartialSuccess struct {
	AuthorizationCode string
	URL               string
	Title             string
}

func (p *PartialSuccess) Error() string {
	return "login successful but JWT token not found, authorization code available"
}

// Result is a captured token and where it came from.
type Result struct {
	Token  string
	Source string
	URL    string
	Title  string
}

// Session is the state shared by the techniques of one run.
type Session struct {
	Page browser.Page
	// StartURL is the page address when capture began.
	StartURL string
}

// Strategy is one capture technique. An empty token with a nil error means "nothing here".
type Strategy interface {
	Source() string
	Capture(ctx context.Context, s *Session) (string, error)
}

// Options tunes the triggered-interaction technique and the initial settle delay.
type Options struct {
	Triggers            []browser.Locator
	TriggerProbeTimeout time.Duration
	TriggerPause        time.Duration
	DeepLinkRoutes      []string
	NavigationTimeout   time.Duration
	DeepLinkPause       time.Duration
	ReloadWait          time.Duration
	Settle              time.Duration
}

// DefaultTriggers are clicked in order to make the application call its API.
var DefaultTriggers = []browser.Locator{
	browser.HasText("button", "Refresh"),
	browser.HasText("button", "Reload"),
	browser.CSS(".refresh-button"),
	browser.CSS(".reload-button"),
	browser.CSS(`[data-testid*="refresh"]`),
	browser.CSS(`a[href*="dashboard"]`),
	browser.CSS(`a[href*="tenant"]`),
	browser.CSS(".nav-link"),
	browser.CSS(".menu-item"),
	browser.CSS(".dashboard-card"),
	browser.CSS(".tenant-list"),
	browser.CSS(".data-grid"),
}

// DefaultDeepLinkRoutes replace "#/" in the current address.
var DefaultDeepLinkRoutes = []string{"#/dashboard", "#/tenants", "#/manage"}

// DefaultOptions returns the production pacing. navigation and reloadWait come from the
// configured phase timeouts.
func DefaultOptions(navigation, reloadWait time.Duration) Options {
	return Options{
		Triggers:            DefaultTriggers,
		TriggerProbeTimeout: time.Second,
		TriggerPause:        3 * time.Second,
		DeepLinkRoutes:      DefaultDeepLinkRoutes,
		NavigationTimeout:   navigation,
		DeepLinkPause:       5 * time.Second,
		ReloadWait:          reloadWait,
		Settle:              5 * time.Second,
	}
}

// Chain runs the techniques in their fixed order.
type Chain struct {
	interceptor *Interceptor
	strategies  []Strategy
	settle      time.Duration
	logger      *zap.Logger
}

// NewChain builds the chain: network interception, triggered interception, URL fragment,
// browser storage, cookies.
func NewChain(interceptor *Interceptor, opts Options, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("capture")
	return &Chain{
		interceptor: interceptor,
		strategies: []Strategy{
			&networkStrategy{interceptor: interceptor},
			&triggeredStrategy{interceptor: interceptor, opts: opts, logger: logger},
			fragmentStrategy{},
			storageStrategy{},
			cookieStrategy{},
		},
		settle: opts.Settle,
		logger: logger,
	}
}

// Sources lists the technique tags in run order.
func (c *Chain) Sources() []string {
	sources := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		sources[i] = s.Source()
	}
	return sources
}

// Run captures a token from page. It returns *PartialSuccess when only an authorization
// code is available and ErrCaptureExhausted when nothing was found.
func (c *Chain) Run(ctx context.Context, page browser.Page) (*Result, error) {
	if err := browser.Sleep(ctx, c.settle); err != nil {
		return nil, err
	}

	startURL, err := page.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read page address: %w", err)
	}
	c.logger.Info("Capturing token", zap.String("url", logs.Redact(startURL)))

	code, hasCode := AuthorizationCode(startURL)
	if hasCode {
		c.logger.Info("Authorization code present", zap.String("code", logs.MaskToken(code)))
	}

	session := &Session{Page: page, StartURL: startURL}
	for _, strategy := range c.strategies {
		token, err := strategy.Capture(ctx, session)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			c.logger.Warn("Capture technique failed", zap.String("source", strategy.Source()), zap.Error(err))
			continue
		}
		if token != "" {
			c.logger.Info("Token captured",
				zap.String("source", strategy.Source()),
				zap.String("token", logs.MaskToken(token)))
			return c.result(ctx, page, token, strategy.Source()), nil
		}
		c.logger.Debug("Capture technique found nothing", zap.String("source", strategy.Source()))
	}

	if token := c.interceptor.Token(); token != "" {
		c.logger.Info("Using token intercepted earlier in the login",
			zap.String("origin", logs.Redact(c.interceptor.Origin())))
		return c.result(ctx, page, token, SourceInterceptedFallback), nil
	}

	finalURL, _ := page.URL(ctx)
	if !hasCode {
		code, hasCode = AuthorizationCode(finalURL)
	}
	if hasCode {
		title, _ := page.Title(ctx)
		return nil, &PartialSuccess{AuthorizationCode: code, URL: finalURL, Title: title}
	}
	return nil, ErrCaptureExhausted
}

func (c *Chain) result(ctx context.Context, page browser.Page, token, source string) *Result {
	url, _ := page.URL(ctx)
	title, _ := page.Title(ctx)
	return &Result{Token: token, Source: source, URL: url, Title: title}
}
