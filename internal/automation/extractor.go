package automation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"mcprmm-go/internal/browser"
	"mcprmm-go/internal/capture"
)

// SessionRunner scopes a browser session around fn. browser.Launcher implements it.
type SessionRunner interface {
	WithSession(ctx context.Context, observer browser.NetworkObserver, fn browser.SessionFunc) error
}

// ExtractorOptions configure an Extractor.
type ExtractorOptions struct {
	// APIURL is matched against intercepted request addresses.
	APIURL  string
	Capture capture.Options
	// ScreenshotPath receives a full-page PNG when the login fails. Empty disables it.
	ScreenshotPath string
}

// Extractor logs in and captures the bearer token inside one browser session.
type Extractor struct {
	runner SessionRunner
	engine *Engine
	opts   ExtractorOptions
	logger *zap.Logger
}

// NewExtractor creates an extractor.
func NewExtractor(runner SessionRunner, engine *Engine, opts ExtractorOptions, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{runner: runner, engine: engine, opts: opts, logger: logger}
}

// Extract runs one full login and capture. Failures are *StepFailure, *capture.PartialSuccess,
// capture.ErrCaptureExhausted, or the session/context error.
func (x *Extractor) Extract(ctx context.Context) (*capture.Result, error) {
	interceptor := capture.NewInterceptor(x.opts.APIURL, x.logger)
	chain := capture.NewChain(interceptor, x.opts.Capture, x.logger)

	var result *capture.Result
	err := x.runner.WithSession(ctx, interceptor, func(ctx context.Context, page browser.Page) error {
		if err := x.engine.Login(ctx, page); err != nil {
			var failure *StepFailure
			if errors.As(err, &failure) {
				x.screenshot(ctx, page)
			}
			return err
		}

		r, err := chain.Run(ctx, page)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (x *Extractor) screenshot(ctx context.Context, page browser.Page) {
	if x.opts.ScreenshotPath == "" {
		return
	}
	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	png, err := page.Screenshot(shotCtx)
	if err != nil {
		x.logger.Warn("Failed to capture debug screenshot", zap.Error(err))
		return
	}
	if err := writeScreenshot(x.opts.ScreenshotPath, png); err != nil {
		x.logger.Warn("Failed to save debug screenshot", zap.Error(err))
		return
	}
	x.logger.Info("Saved debug screenshot", zap.String("path", x.opts.ScreenshotPath))
}

func writeScreenshot(path string, png []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	return os.WriteFile(path, png, 0600)
}
