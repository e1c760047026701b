package capture

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mcprmm-go/internal/browser"
	"mcprmm-go/internal/logs"
)

// networkStrategy returns whatever the interceptor saw passively during login.
type networkStrategy struct {
	interceptor *Interceptor
}

func (s *networkStrategy) Source() string { return SourceNetworkIntercept }

func (s *networkStrategy) Capture(context.Context, *Session) (string, error) {
	return s.interceptor.Token(), nil
}

// triggeredStrategy pokes the application into calling its API: trigger clicks first, then
// hash-route deep links, then a reload. The interceptor is checked after each action.
type triggeredStrategy struct {
	interceptor *Interceptor
	opts        Options
	logger      *zap.Logger
}

func (s *triggeredStrategy) Source() string { return SourceTriggeredIntercept }

func (s *triggeredStrategy) Capture(ctx context.Context, sess *Session) (string, error) {
	page := sess.Page

	for _, loc := range s.opts.Triggers {
		el, err := page.Find(ctx, loc, s.opts.TriggerProbeTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		s.logger.Info("Clicking element to trigger API calls", zap.Stringer("locator", loc))
		if err := el.Click(ctx); err != nil {
			s.logger.Warn("Trigger click failed", zap.Stringer("locator", loc), zap.Error(err))
			continue
		}
		if err := browser.Sleep(ctx, s.opts.TriggerPause); err != nil {
			return "", err
		}
		if token := s.interceptor.Token(); token != "" {
			return token, nil
		}
	}

	current, err := page.URL(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read page address: %w", err)
	}
	for _, target := range deepLinks(current, s.opts.DeepLinkRoutes) {
		s.logger.Info("Navigating to deep link", zap.String("url", logs.Redact(target)))
		if err := s.navigate(ctx, page, target); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			s.logger.Warn("Deep link navigation failed", zap.String("url", logs.Redact(target)), zap.Error(err))
			continue
		}
		if err := browser.Sleep(ctx, s.opts.DeepLinkPause); err != nil {
			return "", err
		}
		if token := s.interceptor.Token(); token != "" {
			return token, nil
		}
	}

	s.logger.Info("Reloading page to trigger initialization API calls")
	if err := page.Reload(ctx); err != nil {
		return "", fmt.Errorf("reload failed: %w", err)
	}
	if err := browser.Sleep(ctx, s.opts.ReloadWait); err != nil {
		return "", err
	}
	return s.interceptor.Token(), nil
}

func (s *triggeredStrategy) navigate(ctx context.Context, page browser.Page, target string) error {
	if s.opts.NavigationTimeout <= 0 {
		return page.Navigate(ctx, target)
	}
	navCtx, cancel := context.WithTimeout(ctx, s.opts.NavigationTimeout)
	defer cancel()
	return page.Navigate(navCtx, target)
}

// deepLinks rewrites every "#/" in current to each route. Variants identical to current or
// to an earlier variant are dropped.
func deepLinks(current string, routes []string) []string {
	seen := map[string]bool{current: true}
	var links []string
	for _, route := range routes {
		link := strings.ReplaceAll(current, "#/", route)
		if seen[link] {
			continue
		}
		seen[link] = true
		links = append(links, link)
	}
	return links
}

// fragmentStrategy reads access_token from the URL fragment, first of the address capture
// started on and then of the current one.
type fragmentStrategy struct{}

func (fragmentStrategy) Source() string { return SourceURLFragment }

func (fragmentStrategy) Capture(ctx context.Context, sess *Session) (string, error) {
	if token, ok := FragmentToken(sess.StartURL); ok {
		return token, nil
	}
	current, err := sess.Page.URL(ctx)
	if err != nil {
		return "", err
	}
	if token, ok := FragmentToken(current); ok {
		return token, nil
	}
	return "", nil
}

// storageStrategy scans local and session storage values.
type storageStrategy struct{}

func (storageStrategy) Source() string { return SourceStorage }

func (storageStrategy) Capture(ctx context.Context, sess *Session) (string, error) {
	values, err := sess.Page.StorageValues(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read browser storage: %w", err)
	}
	for _, v := range values {
		if token, ok := TokenFromStorageValue(v); ok {
			return token, nil
		}
	}
	return "", nil
}

// cookieStrategy scans cookie values.
type cookieStrategy struct{}

func (cookieStrategy) Source() string { return SourceCookie }

func (cookieStrategy) Capture(ctx context.Context, sess *Session) (string, error) {
	cookies, err := sess.Page.Cookies(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read cookies: %w", err)
	}
	for _, c := range cookies {
		if token, ok := TokenFromCookieValue(c.Value); ok {
			return token, nil
		}
	}
	return "", nil
}
