// Package browser abstracts the headless browser session used by the login automation and
// the token capture strategies. The chromedp implementation lives in chrome.go; tests use
// the in-memory page from the browsertest package.
package browser

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrElementNotFound is returned by Page.Find when no visible element matches before the timeout.
var ErrElementNotFound = errors.New("element not found")

// Locator selects the first visible element matching CSS. When Text is non-empty the element's
// text must also contain one of the entries, compared case-insensitively.
type Locator struct {
	CSS  string
	Text []string
}

// CSS builds a plain CSS locator.
func CSS(selector string) Locator {
	return Locator{CSS: selector}
}

// HasText builds a locator that also requires one of words in the element text.
func HasText(selector string, words ...string) Locator {
	return Locator{CSS: selector, Text: words}
}

func (l Locator) String() string {
	if len(l.Text) == 0 {
		return l.CSS
	}
	return l.CSS + ` has-text("` + strings.Join(l.Text, `"|"`) + `")`
}

// MatchesText reports whether text satisfies the locator's text filter.
func (l Locator) MatchesText(text string) bool {
	if len(l.Text) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, word := range l.Text {
		if strings.Contains(lower, strings.ToLower(word)) {
			return true
		}
	}
	return false
}

// Cookie is a browser cookie.
type Cookie struct {
	Name   string
	Value  string
	Domain string
}

// Element is a resolved page element.
type Element interface {
	Fill(ctx context.Context, value string) error
	Value(ctx context.Context) (string, error)
	Click(ctx context.Context) error
	Text(ctx context.Context) (string, error)
}

// Page is a live browser tab. Every method is a suspension point and honours ctx.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Find(ctx context.Context, loc Locator, timeout time.Duration) (Element, error)
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	StorageValues(ctx context.Context) ([]string, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// NetworkObserver receives request and response headers seen by the session.
type NetworkObserver interface {
	ObserveRequest(url string, headers map[string]string)
	ObserveResponse(url string, headers map[string]string)
}

// SessionFunc runs against a live page. ctx is the session context and must be used
// (or derived from) for every page call.
type SessionFunc func(ctx context.Context, page Page) error

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
