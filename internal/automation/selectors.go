package automation

import "mcprmm-go/internal/browser"

// Identity provider (Auth0 Lock) screen.
var (
	EmailInput = browser.CSS(`input[type="email"][id="1-email"][inputmode="email"][name="email"]`)

	EmailFallbacks = []browser.Locator{
		browser.CSS(".auth0-lock-input-email input"),
		browser.CSS(`.auth0-lock-input input[type="email"]`),
		browser.CSS(`input[type="email"]`),
		browser.CSS(".auth0-lock-input input"),
		browser.CSS(`input[placeholder*="email"]`),
		browser.CSS(`input[name="email"]`),
		browser.CSS(`input[name="username"]`),
	}

	ContinueButtons = []browser.Locator{
		browser.CSS(".auth0-lock-submit"),
		browser.CSS(`button[type="submit"]`),
		browser.CSS(".auth0-lock-submit-button"),
		browser.HasText("button", "Continue"),
		browser.HasText("button", "Log In"),
		browser.CSS(".auth0-lock .auth0-lock-widget button"),
	}
)

// Federated provider selection.
var (
	ProviderButton = browser.CSS(`a.auth0-lock-social-button.auth0-lock-social-big-button[data-provider="oauth2"]`)

	// ProviderButtonText must appear in the primary button's text.
	ProviderButtonText = "sharp-start"

	ProviderFallbacks = []browser.Locator{
		browser.HasText("button", "Sharp-Start"),
		browser.HasText("button", "Sign in with Sharp-Start"),
		browser.HasText(".auth0-lock-social-button", "sharp", "start"),
		browser.HasText(".auth0-lock-social-buttons button", "sharp", "start"),
		browser.HasText(`[data-provider*="sharp"]`, "sharp", "start"),
		browser.HasText(`[data-provider*="saml"]`, "sharp", "start"),
		browser.HasText(`button[title*="Sharp"]`, "sharp", "start"),
		browser.HasText(".auth0-lock .auth0-lock-social-buttons .auth0-lock-social-button", "sharp", "start"),
	}
)

// Downstream (federated) login form.
var (
	DownstreamUsername = browser.CSS(`input[name="dnn$ctr752$CustomLogin_View$txtUsername"]`)
	DownstreamPassword = browser.CSS(`input[name="dnn$ctr752$CustomLogin_View$txtPassword"]`)
	DownstreamSubmit   = browser.CSS(`input[type="submit"][name="dnn$ctr752$CustomLogin_View$cmdLogin"]`)
)

// DashboardPatterns mark a completed login when found in the page address.
var DashboardPatterns = []string{"/callback", "/dashboard", "/manage", "smartoffice"}
