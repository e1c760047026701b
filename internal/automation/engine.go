// Package automation drives the single-sign-on login in a browser page: the identity provider
// form, the federated provider button, the downstream credential form and the redirect back
// to the application.
package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcprmm-go/internal/browser"
	"mcprmm-go/internal/logs"
)

// State is a position in the login flow.
type State string

const (
	StateInit                           State = "init"
	StateIdentityProviderFormFilled     State = "identity_provider_form_filled"
	StateProviderRedirectTriggered      State = "provider_redirect_triggered"
	StateFederatedProviderSelected      State = "federated_provider_selected"
	StateDownstreamCredentialsSubmitted State = "downstream_credentials_submitted"
	StateDashboardReached               State = "dashboard_reached"
	StateSuccess                        State = "success"
	StateFailed                         State = "failed"
)

// ErrStillOnIdentityProvider is returned when the dashboard wait times out on the login host.
var ErrStillOnIdentityProvider = errors.New("still on identity provider after timeout")

// StepFailure reports the state the login could not reach.
type StepFailure struct {
	State State
	URL   string
	Err   error
}

func (f *StepFailure) Error() string {
	return fmt.Sprintf("login step %s failed: %v", f.State, f.Err)
}

func (f *StepFailure) Unwrap() error { return f.Err }

// Credentials are typed into both login forms.
type Credentials struct {
	Username string
	Password string
}

// Timeouts bound the waits of each phase.
type Timeouts struct {
	Element    time.Duration
	Dashboard  time.Duration
	Navigation time.Duration
}

// Pacing holds the fixed delays and fallback probe waits between steps.
type Pacing struct {
	BeforeEmail      time.Duration
	BeforeContinue   time.Duration
	AfterContinue    time.Duration
	BeforeProvider   time.Duration
	BeforeDownstream time.Duration

	FallbackFill   time.Duration
	FallbackClick  time.Duration
	DownstreamForm time.Duration
	Submit         time.Duration

	DashboardPoll time.Duration
}

// DefaultPacing returns the delays the hosted login pages need in practice.
func DefaultPacing() Pacing {
	return Pacing{
		BeforeEmail:      3 * time.Second,
		BeforeContinue:   time.Second,
		AfterContinue:    3 * time.Second,
		BeforeProvider:   2 * time.Second,
		BeforeDownstream: 5 * time.Second,
		FallbackFill:     5 * time.Second,
		FallbackClick:    time.Second,
		DownstreamForm:   15 * time.Second,
		Submit:           5 * time.Second,
		DashboardPoll:    250 * time.Millisecond,
	}
}

// Options configure an Engine.
type Options struct {
	LoginURL             string
	IdentityProviderHost string
	Credentials          Credentials
	Timeouts             Timeouts
	Pacing               Pacing
}

// Engine runs the login state machine.
type Engine struct {
	opts   Options
	logger *zap.Logger
}

// NewEngine creates an engine. An empty IdentityProviderHost defaults to auth0.com.
func NewEngine(opts Options, logger *zap.Logger) *Engine {
	if opts.IdentityProviderHost == "" {
		opts.IdentityProviderHost = "auth0.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{opts: opts, logger: logger.Named("automation")}
}

// Login navigates to the login URL and walks every step until the application dashboard is
// reached. Any failure is a *StepFailure naming the state that was not reached, except
// context errors which are returned as they are.
func (e *Engine) Login(ctx context.Context, page browser.Page) error {
	e.logger.Info("Navigating to login page", zap.String("url", logs.Redact(e.opts.LoginURL)))
	if err := e.navigate(ctx, page); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return e.fail(ctx, page, StateInit, err)
	}
	e.transition(StateInit)

	for _, step := range e.Steps() {
		if err := browser.Sleep(ctx, step.Settle); err != nil {
			return err
		}
		for _, action := range step.Actions {
			err := action.run(ctx, page, e.logger)
			if err == nil {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if action.Optional {
				e.logger.Warn("Optional action skipped", zap.String("action", action.Name), zap.Error(err))
				continue
			}
			return e.fail(ctx, page, step.Target, err)
		}
		e.transition(step.Target)
	}

	if err := e.waitDashboard(ctx, page); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return e.fail(ctx, page, StateDashboardReached, err)
	}
	e.transition(StateDashboardReached)
	return nil
}

// Steps returns the declarative login flow for the configured credentials.
func (e *Engine) Steps() []Step {
	t, p, creds := e.opts.Timeouts, e.opts.Pacing, e.opts.Credentials

	emailProbes := []Probe{{Locator: EmailInput, Kind: Fill, Value: creds.Username, Timeout: t.Element}}
	for _, loc := range EmailFallbacks {
		emailProbes = append(emailProbes, Probe{Locator: loc, Kind: Fill, Value: creds.Username, Timeout: p.FallbackFill})
	}

	var continueProbes []Probe
	for _, loc := range ContinueButtons {
		continueProbes = append(continueProbes, Probe{Locator: loc, Kind: Click, Timeout: p.FallbackClick})
	}

	providerProbes := []Probe{{
		Locator: ProviderButton,
		Kind:    Click,
		Timeout: t.Element,
		Verify:  textContains(ProviderButtonText),
	}}
	for _, loc := range ProviderFallbacks {
		providerProbes = append(providerProbes, Probe{Locator: loc, Kind: Click, Timeout: p.FallbackClick})
	}

	return []Step{
		{
			Target:  StateIdentityProviderFormFilled,
			Settle:  p.BeforeEmail,
			Actions: []Action{{Name: "email", Probes: emailProbes}},
		},
		{
			Target: StateProviderRedirectTriggered,
			Actions: []Action{{
				Name:     "continue",
				Probes:   continueProbes,
				Optional: true,
				Before:   p.BeforeContinue,
				After:    p.AfterContinue,
			}},
		},
		{
			Target:  StateFederatedProviderSelected,
			Settle:  p.BeforeProvider,
			Actions: []Action{{Name: "provider", Probes: providerProbes}},
		},
		{
			Target: StateDownstreamCredentialsSubmitted,
			Settle: p.BeforeDownstream,
			Actions: []Action{
				{Name: "username", Probes: []Probe{{Locator: DownstreamUsername, Kind: Fill, Value: creds.Username, Timeout: p.DownstreamForm}}},
				{Name: "password", Probes: []Probe{{Locator: DownstreamPassword, Kind: Fill, Value: creds.Password, Timeout: t.Element}}},
				{Name: "submit", Probes: []Probe{{Locator: DownstreamSubmit, Kind: Click, Timeout: p.Submit}}},
			},
		},
	}
}

func (e *Engine) navigate(ctx context.Context, page browser.Page) error {
	if e.opts.Timeouts.Navigation <= 0 {
		return page.Navigate(ctx, e.opts.LoginURL)
	}
	navCtx, cancel := context.WithTimeout(ctx, e.opts.Timeouts.Navigation)
	defer cancel()
	return page.Navigate(navCtx, e.opts.LoginURL)
}

// waitDashboard polls the page address for a dashboard pattern. When none shows up in time the
// login only counts as failed if the page is still on the identity provider.
func (e *Engine) waitDashboard(ctx context.Context, page browser.Page) error {
	e.logger.Info("Waiting for dashboard redirect", zap.Duration("timeout", e.opts.Timeouts.Dashboard))

	poll := e.opts.Pacing.DashboardPoll
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	deadline := time.Now().Add(e.opts.Timeouts.Dashboard)

	for {
		current, err := page.URL(ctx)
		if err != nil {
			return err
		}
		if matchesDashboard(current) {
			e.logger.Info("Login successful", zap.String("url", logs.Redact(current)))
			return nil
		}
		if !time.Now().Before(deadline) {
			if strings.Contains(current, e.opts.IdentityProviderHost) {
				return ErrStillOnIdentityProvider
			}
			e.logger.Warn("Dashboard pattern not seen, continuing", zap.String("url", logs.Redact(current)))
			return nil
		}
		if err := browser.Sleep(ctx, poll); err != nil {
			return err
		}
	}
}

func matchesDashboard(url string) bool {
	for _, pattern := range DashboardPatterns {
		if strings.Contains(url, pattern) {
			return true
		}
	}
	return false
}

func (e *Engine) transition(s State) {
	e.logger.Info("Login state reached", zap.String("state", string(s)))
}

func (e *Engine) fail(ctx context.Context, page browser.Page, s State, err error) error {
	current, _ := page.URL(ctx)
	e.logger.Error("Login step failed",
		zap.String("state", string(s)),
		zap.String("url", logs.Redact(current)),
		zap.Error(err))
	return &StepFailure{State: s, URL: current, Err: err}
}
