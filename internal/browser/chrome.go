package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// DefaultUserAgent is presented by every session unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"

const (
	probeAttribute = "data-mcprmm-probe"
	pollInterval   = 250 * time.Millisecond
)

// ErrSessionPanic wraps a panic recovered inside a session callback.
var ErrSessionPanic = errors.New("browser session panicked")

// Options configure the browser process and tab.
type Options struct {
	Headless       bool
	SlowMo         time.Duration
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	ExecPath       string
	NoSandbox      bool
}

// Launcher starts one Chrome process per session.
type Launcher struct {
	opts   Options
	logger *zap.Logger
}

// NewLauncher creates a launcher. Zero viewport dimensions fall back to 1920x1080.
func NewLauncher(opts Options, logger *zap.Logger) *Launcher {
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = 1920
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = 1080
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{opts: opts, logger: logger.Named("browser")}
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", l.opts.Headless),
		chromedp.Flag("disable-web-security", true),
		chromedp.WindowSize(l.opts.ViewportWidth, l.opts.ViewportHeight),
		chromedp.UserAgent(l.opts.UserAgent),
	)
	if l.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.opts.ExecPath))
	}
	if l.opts.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// WithSession starts a browser, runs fn against its first tab and tears everything down
// when fn returns, panics, or ctx is cancelled.
func (l *Launcher) WithSession(ctx context.Context, observer NetworkObserver, fn SessionFunc) (err error) {
	started := time.Now()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, l.allocatorOptions()...)
	defer cancelAlloc()

	sugar := l.logger.Sugar()
	sessCtx, cancelSess := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)
	defer cancelSess()

	defer func() {
		if cerr := chromedp.Cancel(sessCtx); cerr != nil && !errors.Is(cerr, context.Canceled) {
			l.logger.Debug("Browser did not close gracefully", zap.Error(cerr))
		}
		l.logger.Debug("Browser session released", zap.Duration("duration", time.Since(started)))
	}()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered panic in browser session", zap.Any("panic", r))
			err = fmt.Errorf("%w: %v", ErrSessionPanic, r)
		}
	}()

	if observer != nil {
		listenNetwork(sessCtx, observer)
	}

	if err := chromedp.Run(sessCtx, network.Enable()); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}

	l.logger.Debug("Browser session started",
		zap.Bool("headless", l.opts.Headless),
		zap.Int("viewport_width", l.opts.ViewportWidth),
		zap.Int("viewport_height", l.opts.ViewportHeight))

	return fn(sessCtx, &chromePage{slowMo: l.opts.SlowMo, logger: l.logger})
}

// listenNetwork forwards request and response headers to observer. Extra-info events carry
// the headers actually sent on the wire, which include ones added by the network stack.
func listenNetwork(ctx context.Context, observer NetworkObserver) {
	var mu sync.Mutex
	urls := make(map[network.RequestID]string)

	chromedp.ListenTarget(ctx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			if e.Request == nil {
				return
			}
			mu.Lock()
			urls[e.RequestID] = e.Request.URL
			mu.Unlock()
			observer.ObserveRequest(e.Request.URL, flattenHeaders(e.Request.Headers))
		case *network.EventRequestWillBeSentExtraInfo:
			mu.Lock()
			url := urls[e.RequestID]
			mu.Unlock()
			if url != "" {
				observer.ObserveRequest(url, flattenHeaders(e.Headers))
			}
		case *network.EventResponseReceived:
			if e.Response == nil {
				return
			}
			observer.ObserveResponse(e.Response.URL, flattenHeaders(e.Response.Headers))
		}
	})
}

func flattenHeaders(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

type chromePage struct {
	slowMo time.Duration
	logger *zap.Logger
	marks  atomic.Int64
}

func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := Sleep(ctx, p.slowMo); err != nil {
		return err
	}
	return chromedp.Run(ctx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	p.logger.Debug("Navigating", zap.String("url", url))
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) Reload(ctx context.Context) error {
	return p.run(ctx, chromedp.Reload())
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var url string
	err := chromedp.Run(ctx, chromedp.Location(&url))
	return url, err
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	err := chromedp.Run(ctx, chromedp.Title(&title))
	return title, err
}

// findScript tags the first visible element matching the CSS and text filter.
const findScript = `(function(css, words, mark, attr) {
  const nodes = document.querySelectorAll(css);
  for (const el of nodes) {
    const rect = el.getBoundingClientRect();
    const style = window.getComputedStyle(el);
    if (rect.width === 0 || rect.height === 0 || style.visibility === 'hidden' || style.display === 'none') {
      continue;
    }
    if (words.length > 0) {
      const text = ((el.textContent || '') + ' ' + (el.value || '')).toLowerCase();
      if (!words.some(w => text.includes(w))) {
        continue;
      }
    }
    el.setAttribute(attr, mark);
    return true;
  }
  return false;
})(%s, %s, %s, %s)`

func (p *chromePage) Find(ctx context.Context, loc Locator, timeout time.Duration) (Element, error) {
	words := make([]string, 0, len(loc.Text))
	for _, w := range loc.Text {
		words = append(words, strings.ToLower(w))
	}
	mark := strconv.FormatInt(p.marks.Add(1), 10)
	expr := fmt.Sprintf(findScript, jsValue(loc.CSS), jsValue(words), jsValue(mark), jsValue(probeAttribute))

	findCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		var found bool
		err := chromedp.Run(findCtx, chromedp.Evaluate(expr, &found))
		if err == nil && found {
			return &chromeElement{page: p, selector: fmt.Sprintf(`[%s="%s"]`, probeAttribute, mark)}, nil
		}
		if err != nil && findCtx.Err() == nil {
			// The document may be mid-navigation; keep polling.
			lastErr = err
		}
		if Sleep(findCtx, pollInterval) != nil {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s within %s (last error: %v)", ErrElementNotFound, loc, timeout, lastErr)
	}
	return nil, fmt.Errorf("%w: %s within %s", ErrElementNotFound, loc, timeout)
}

const storageScript = `(function() {
  const out = [];
  for (const s of [window.localStorage, window.sessionStorage]) {
    try {
      for (let i = 0; i < s.length; i++) {
        const v = s.getItem(s.key(i));
        if (v) { out.push(v); }
      }
    } catch (e) {}
  }
  return out;
})()`

func (p *chromePage) StorageValues(ctx context.Context) ([]string, error) {
	var values []string
	err := chromedp.Run(ctx, chromedp.Evaluate(storageScript, &values))
	return values, err
}

func (p *chromePage) Cookies(ctx context.Context) ([]Cookie, error) {
	var cookies []Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		raw, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range raw {
			cookies = append(cookies, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
		}
		return nil
	}))
	return cookies, err
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := chromedp.Run(ctx, chromedp.FullScreenshot(&buf, 100))
	return buf, err
}

type chromeElement struct {
	page     *chromePage
	selector string
}

func (e *chromeElement) Fill(ctx context.Context, value string) error {
	return e.page.run(ctx,
		chromedp.ScrollIntoView(e.selector, chromedp.ByQuery),
		chromedp.Clear(e.selector, chromedp.ByQuery),
		chromedp.SendKeys(e.selector, value, chromedp.ByQuery),
	)
}

func (e *chromeElement) Value(ctx context.Context) (string, error) {
	var value string
	err := chromedp.Run(ctx, chromedp.Value(e.selector, &value, chromedp.ByQuery))
	return value, err
}

func (e *chromeElement) Click(ctx context.Context) error {
	return e.page.run(ctx,
		chromedp.ScrollIntoView(e.selector, chromedp.ByQuery),
		chromedp.Click(e.selector, chromedp.ByQuery),
	)
}

func (e *chromeElement) Text(ctx context.Context) (string, error) {
	var text string
	err := chromedp.Run(ctx, chromedp.TextContent(e.selector, &text, chromedp.ByQuery))
	return text, err
}

func jsValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
