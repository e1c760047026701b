package automation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mcprmm-go/internal/browser"
	"mcprmm-go/internal/browser/browsertest"
	"mcprmm-go/internal/capture"
)

const (
	loginURL = "https://sharp.auth0.com/authorize?client_id=abc"
	appURL   = "https://dev7-smartoffice.example.com/#/"
	apiURL   = "https://api.example.com"
	username = "admin@example.com"
	password = "hunter2"
	jwtToken = "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJhZG1pbiJ9.c2ln"
)

// loginPage is a fake of the whole hosted login flow on one page.
type loginPage struct {
	page     *browsertest.Page
	email    *browsertest.Element
	cont     *browsertest.Element
	provider *browsertest.Element
	user     *browsertest.Element
	pass     *browsertest.Element
	submit   *browsertest.Element

	// landing is where the submit button leads.
	landing string
}

func newLoginPage() *loginPage {
	lp := &loginPage{page: browsertest.NewPage("about:blank"), landing: appURL}
	lp.email = browsertest.NewInput(EmailInput.CSS)
	lp.cont = browsertest.NewButton(".auth0-lock-submit", "Continue", nil)
	lp.provider = browsertest.NewButton(ProviderButton.CSS, "Sign in with Sharp-Start", func() {
		lp.page.SetURL("https://sso.sharp.example.com/login")
	})
	lp.user = browsertest.NewInput(DownstreamUsername.CSS)
	lp.pass = browsertest.NewInput(DownstreamPassword.CSS)
	lp.submit = browsertest.NewButton(DownstreamSubmit.CSS, "", func() {
		lp.page.SetURL(lp.landing)
	})
	lp.page.Add(lp.email, lp.cont, lp.provider, lp.user, lp.pass, lp.submit)
	return lp
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(Options{
		LoginURL:    loginURL,
		Credentials: Credentials{Username: username, Password: password},
		Timeouts:    Timeouts{Dashboard: 50 * time.Millisecond},
	}, zaptest.NewLogger(t))
}

func TestEngineLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		lp := newLoginPage()
		require.NoError(t, newTestEngine(t).Login(ctx, lp.page))

		assert.Equal(t, []string{loginURL}, lp.page.Navigations())
		email, _ := lp.email.Value(ctx)
		assert.Equal(t, username, email)
		user, _ := lp.user.Value(ctx)
		assert.Equal(t, username, user)
		pass, _ := lp.pass.Value(ctx)
		assert.Equal(t, password, pass)
		assert.Equal(t, 1, lp.cont.Clicks())
		assert.Equal(t, 1, lp.provider.Clicks())
		assert.Equal(t, 1, lp.submit.Clicks())
	})

	t.Run("email fallback after value mismatch", func(t *testing.T) {
		lp := newLoginPage()
		lp.email.Sticky = false
		fallback := browsertest.NewInput(`input[name="username"]`)
		lp.page.Add(fallback)

		require.NoError(t, newTestEngine(t).Login(ctx, lp.page))
		value, _ := fallback.Value(ctx)
		assert.Equal(t, username, value)
	})

	t.Run("missing continue button is tolerated", func(t *testing.T) {
		lp := newLoginPage()
		lp.page.Remove(".auth0-lock-submit")
		assert.NoError(t, newTestEngine(t).Login(ctx, lp.page))
	})

	t.Run("provider fallback by text", func(t *testing.T) {
		lp := newLoginPage()
		lp.page.Remove(ProviderButton.CSS)
		other := browsertest.NewButton(".auth0-lock-social-button", "Google", nil)
		sharp := browsertest.NewButton("button", "Sign in with Sharp-Start", nil)
		lp.page.Add(other, sharp)

		require.NoError(t, newTestEngine(t).Login(ctx, lp.page))
		assert.Zero(t, other.Clicks())
		assert.Equal(t, 1, sharp.Clicks())
	})

	t.Run("provider text mismatch fails federated selection", func(t *testing.T) {
		lp := newLoginPage()
		lp.provider.Label = "Continue with Google"

		err := newTestEngine(t).Login(ctx, lp.page)
		var failure *StepFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, StateFederatedProviderSelected, failure.State)
		assert.ErrorIs(t, err, ErrTextMismatch)
		assert.Zero(t, lp.provider.Clicks())
		user, _ := lp.user.Value(ctx)
		assert.Empty(t, user)
	})

	t.Run("downstream form missing", func(t *testing.T) {
		lp := newLoginPage()
		lp.page.Remove(DownstreamUsername.CSS)

		err := newTestEngine(t).Login(ctx, lp.page)
		var failure *StepFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, StateDownstreamCredentialsSubmitted, failure.State)
		assert.ErrorIs(t, err, browser.ErrElementNotFound)
		assert.Equal(t, "https://sso.sharp.example.com/login", failure.URL)
	})

	t.Run("stuck on identity provider", func(t *testing.T) {
		lp := newLoginPage()
		lp.landing = "https://sharp.auth0.com/u/login?error=invalid"

		err := newTestEngine(t).Login(ctx, lp.page)
		var failure *StepFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, StateDashboardReached, failure.State)
		assert.ErrorIs(t, err, ErrStillOnIdentityProvider)
	})

	t.Run("unknown landing page off the identity provider", func(t *testing.T) {
		lp := newLoginPage()
		lp.landing = "https://portal.example.com/home"
		assert.NoError(t, newTestEngine(t).Login(ctx, lp.page))
	})

	t.Run("navigation failure", func(t *testing.T) {
		lp := newLoginPage()
		lp.page.NavigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")

		err := newTestEngine(t).Login(ctx, lp.page)
		var failure *StepFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, StateInit, failure.State)
	})

	t.Run("cancelled context is not a step failure", func(t *testing.T) {
		lp := newLoginPage()
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := newTestEngine(t).Login(cctx, lp.page)
		assert.ErrorIs(t, err, context.Canceled)
		var failure *StepFailure
		assert.False(t, errors.As(err, &failure))
	})
}

func TestStepsOrder(t *testing.T) {
	steps := newTestEngine(t).Steps()
	targets := make([]State, len(steps))
	for i, s := range steps {
		targets[i] = s.Target
	}
	assert.Equal(t, []State{
		StateIdentityProviderFormFilled,
		StateProviderRedirectTriggered,
		StateFederatedProviderSelected,
		StateDownstreamCredentialsSubmitted,
	}, targets)
	assert.True(t, steps[1].Actions[0].Optional)
	assert.Len(t, steps[0].Actions[0].Probes, 1+len(EmailFallbacks))
}

func newTestExtractor(t *testing.T, runner *browsertest.Runner, screenshot string) *Extractor {
	t.Helper()
	return NewExtractor(runner, newTestEngine(t), ExtractorOptions{
		APIURL: apiURL,
		Capture: capture.Options{
			Triggers:       capture.DefaultTriggers,
			DeepLinkRoutes: capture.DefaultDeepLinkRoutes,
		},
		ScreenshotPath: screenshot,
	}, zaptest.NewLogger(t))
}

func TestExtractor(t *testing.T) {
	ctx := context.Background()

	t.Run("token from intercepted api request", func(t *testing.T) {
		lp := newLoginPage()
		runner := &browsertest.Runner{Page: lp.page}
		lp.submit.OnClick = func() {
			lp.page.SetURL(appURL)
			runner.Observer.ObserveRequest(apiURL+"/tenants", map[string]string{"authorization": "Bearer " + jwtToken})
		}

		result, err := newTestExtractor(t, runner, "").Extract(ctx)
		require.NoError(t, err)
		assert.Equal(t, jwtToken, result.Token)
		assert.Equal(t, capture.SourceNetworkIntercept, result.Source)
		assert.Equal(t, appURL, result.URL)
		assert.Equal(t, 1, runner.Sessions())
		assert.Equal(t, 1, runner.Released())
	})

	t.Run("login failure saves screenshot", func(t *testing.T) {
		lp := newLoginPage()
		lp.page.Remove(ProviderButton.CSS)
		runner := &browsertest.Runner{Page: lp.page}
		shot := filepath.Join(t.TempDir(), "debug", "debug_error.png")

		_, err := newTestExtractor(t, runner, shot).Extract(ctx)
		var failure *StepFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, StateFederatedProviderSelected, failure.State)

		data, readErr := os.ReadFile(shot)
		require.NoError(t, readErr)
		assert.Equal(t, lp.page.ScreenshotPNG, data)
		assert.Equal(t, 1, runner.Released())
	})

	t.Run("authorization code only", func(t *testing.T) {
		lp := newLoginPage()
		lp.landing = "https://dev7-smartoffice.example.com/callback?code=abc123"
		runner := &browsertest.Runner{Page: lp.page}

		_, err := newTestExtractor(t, runner, "").Extract(ctx)
		var partial *capture.PartialSuccess
		require.ErrorAs(t, err, &partial)
		assert.Equal(t, "abc123", partial.AuthorizationCode)
		var failure *StepFailure
		assert.False(t, errors.As(err, &failure), "partial success is not a step failure")
	})

	t.Run("session panic is released", func(t *testing.T) {
		runner := &browsertest.Runner{Page: browsertest.NewPage("about:blank")}
		runner.Page.OnNavigate = func(string) { panic("renderer crashed") }

		_, err := newTestExtractor(t, runner, "").Extract(ctx)
		assert.ErrorIs(t, err, browser.ErrSessionPanic)
		assert.Equal(t, 1, runner.Released())
	})

	t.Run("session start failure", func(t *testing.T) {
		runner := &browsertest.Runner{Page: browsertest.NewPage("about:blank"), StartErr: errors.New("chrome not found")}

		_, err := newTestExtractor(t, runner, "").Extract(ctx)
		assert.EqualError(t, err, "chrome not found")
	})
}
