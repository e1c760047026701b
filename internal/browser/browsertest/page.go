// Package browsertest provides an in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mcprmm-go/internal/browser"
)

// Element is a fake DOM element matched by exact CSS string.
type Element struct {
	CSS    string
	Label  string
	Hidden bool

	// Sticky false makes Fill appear to succeed while the value never changes.
	Sticky  bool
	OnClick func()

	mu     sync.Mutex
	value  string
	clicks int
}

// NewInput returns a visible input whose value sticks when filled.
func NewInput(css string) *Element {
	return &Element{CSS: css, Sticky: true}
}

// NewButton returns a visible element with text that runs onClick when clicked.
func NewButton(css, text string, onClick func()) *Element {
	return &Element{CSS: css, Label: text, Sticky: true, OnClick: onClick}
}

func (e *Element) Fill(ctx context.Context, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Sticky {
		e.value = value
	}
	return nil
}

func (e *Element) Value(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, ctx.Err()
}

func (e *Element) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	e.clicks++
	hook := e.OnClick
	e.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (e *Element) Text(ctx context.Context) (string, error) {
	return e.Label, ctx.Err()
}

// Clicks returns how many times the element was clicked.
func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

// Page implements browser.Page over a list of fake elements.
type Page struct {
	mu sync.Mutex

	url      string
	title    string
	elements []*Element
	storage  []string
	cookies  []browser.Cookie

	navigations []string
	reloads     int
	finds       []browser.Locator

	// OnNavigate and OnReload run after the page state is updated.
	OnNavigate    func(url string)
	OnReload      func()
	NavigateErr   error
	ScreenshotPNG []byte
}

// NewPage creates a page showing url.
func NewPage(url string) *Page {
	return &Page{url: url, ScreenshotPNG: []byte("\x89PNG")}
}

// Add appends elements in document order.
func (p *Page) Add(elements ...*Element) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements = append(p.elements, elements...)
	return p
}

// Remove drops every element with the given CSS.
func (p *Page) Remove(css string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.elements[:0]
	for _, e := range p.elements {
		if e.CSS != css {
			kept = append(kept, e)
		}
	}
	p.elements = kept
}

// SetURL changes the current address without recording a navigation.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// SetTitle sets the document title.
func (p *Page) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
}

// SetStorage replaces the local and session storage values.
func (p *Page) SetStorage(values ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.storage = values
}

// SetCookies replaces the cookie jar.
func (p *Page) SetCookies(cookies ...browser.Cookie) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = cookies
}

// Navigations returns every URL passed to Navigate.
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Reloads returns the number of Reload calls.
func (p *Page) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

// Finds returns every locator passed to Find.
func (p *Page) Finds() []browser.Locator {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Locator(nil), p.finds...)
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.NavigateErr != nil {
		err := p.NavigateErr
		p.mu.Unlock()
		return err
	}
	p.navigations = append(p.navigations, url)
	p.url = url
	hook := p.OnNavigate
	p.mu.Unlock()

	if hook != nil {
		hook(url)
	}
	return nil
}

func (p *Page) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.reloads++
	hook := p.OnReload
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// Find returns the first visible matching element immediately; it never waits.
func (p *Page) Find(ctx context.Context, loc browser.Locator, _ time.Duration) (browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finds = append(p.finds, loc)

	for _, e := range p.elements {
		if e.CSS != loc.CSS || e.Hidden || !loc.MatchesText(e.Label) {
			continue
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s", browser.ErrElementNotFound, loc)
}

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, ctx.Err()
}

func (p *Page) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, ctx.Err()
}

func (p *Page) StorageValues(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.storage...), ctx.Err()
}

func (p *Page) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Cookie(nil), p.cookies...), ctx.Err()
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	return p.ScreenshotPNG, ctx.Err()
}

// Runner implements a session runner that hands out a fixed page.
type Runner struct {
	Page     *Page
	StartErr error

	// Observer is the network observer passed to the most recent session.
	Observer browser.NetworkObserver

	mu       sync.Mutex
	sessions int
	released int
}

// WithSession runs fn against r.Page, counting acquisitions and releases.
func (r *Runner) WithSession(ctx context.Context, observer browser.NetworkObserver, fn browser.SessionFunc) (err error) {
	r.mu.Lock()
	r.sessions++
	r.Observer = observer
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.released++
		r.mu.Unlock()
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", browser.ErrSessionPanic, rec)
		}
	}()

	if r.StartErr != nil {
		return r.StartErr
	}
	return fn(ctx, r.Page)
}

// Sessions returns how many sessions were started.
func (r *Runner) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}

// Released returns how many sessions were torn down.
func (r *Runner) Released() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}
