package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcprmm-go/internal/browser"
)

var (
	// ErrValueMismatch is returned when a filled input does not hold the intended value.
	ErrValueMismatch = errors.New("filled value does not match")

	// ErrTextMismatch is returned when an element's text lacks the expected words.
	ErrTextMismatch = errors.New("element text does not match")
)

// ActionKind is what a probe does with the element it finds.
type ActionKind int

const (
	Fill ActionKind = iota
	Click
)

func (k ActionKind) String() string {
	if k == Click {
		return "click"
	}
	return "fill"
}

// Probe waits for one locator, acts on it and checks a post-condition. Verify runs after a
// fill and before a click; a fill without Verify checks the input value.
type Probe struct {
	Locator browser.Locator
	Kind    ActionKind
	Value   string
	Timeout time.Duration
	Verify  func(ctx context.Context, el browser.Element) error
}

func (p Probe) run(ctx context.Context, page browser.Page) error {
	el, err := page.Find(ctx, p.Locator, p.Timeout)
	if err != nil {
		return err
	}

	switch p.Kind {
	case Click:
		if p.Verify != nil {
			if err := p.Verify(ctx, el); err != nil {
				return err
			}
		}
		return el.Click(ctx)
	default:
		if err := el.Fill(ctx, p.Value); err != nil {
			return err
		}
		verify := p.Verify
		if verify == nil {
			verify = valueEquals(p.Value)
		}
		return verify(ctx, el)
	}
}

func valueEquals(want string) func(context.Context, browser.Element) error {
	return func(ctx context.Context, el browser.Element) error {
		got, err := el.Value(ctx)
		if err != nil {
			return err
		}
		if got != want {
			return ErrValueMismatch
		}
		return nil
	}
}

func textContains(word string) func(context.Context, browser.Element) error {
	return func(ctx context.Context, el browser.Element) error {
		text, err := el.Text(ctx)
		if err != nil {
			return err
		}
		if !strings.Contains(strings.ToLower(text), strings.ToLower(word)) {
			return fmt.Errorf("%w: %q lacks %q", ErrTextMismatch, strings.TrimSpace(text), word)
		}
		return nil
	}
}

// Action tries its probes in order until one succeeds. Before runs ahead of the first
// probe; After only once a probe succeeded.
type Action struct {
	Name     string
	Probes   []Probe
	Optional bool
	Before   time.Duration
	After    time.Duration
}

func (a Action) run(ctx context.Context, page browser.Page, logger *zap.Logger) error {
	if err := browser.Sleep(ctx, a.Before); err != nil {
		return err
	}

	var errs []error
	for _, p := range a.Probes {
		err := p.run(ctx, page)
		if err == nil {
			logger.Info("Probe succeeded",
				zap.String("action", a.Name),
				zap.String("kind", p.Kind.String()),
				zap.Stringer("locator", p.Locator))
			return browser.Sleep(ctx, a.After)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logger.Debug("Probe failed",
			zap.String("action", a.Name),
			zap.Stringer("locator", p.Locator),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", p.Locator, err))
	}
	return fmt.Errorf("%s: all %d probes failed: %w", a.Name, len(a.Probes), errors.Join(errs...))
}

// Step is a group of actions that together reach Target. Settle is waited first.
type Step struct {
	Target  State
	Settle  time.Duration
	Actions []Action
}
