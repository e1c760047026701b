// Package lifecycle hands out a valid bearer token, running the browser extraction only when
// the cached one is missing, failed, or expired.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"mcprmm-go/internal/automation"
	"mcprmm-go/internal/capture"
	"mcprmm-go/internal/claims"
	"mcprmm-go/internal/logs"
	"mcprmm-go/internal/observability"
	"mcprmm-go/internal/reqcontext"
	"mcprmm-go/internal/storage"
	"mcprmm-go/internal/tokenstore"
)

var (
	ErrExtractionFailed = errors.New("token extraction failed")
	ErrNoStoredToken    = errors.New("no valid token found in stored data")
)

// Extractor runs one login and token capture. *automation.Extractor implements it.
type Extractor interface {
	Extract(ctx context.Context) (*capture.Result, error)
}

// Prober tests a freshly captured token. *apiclient.Prober implements it.
type Prober interface {
	Probe(ctx context.Context, tok *oauth2.Token) *tokenstore.APITestResult
}

// Options configure a Manager. Every field except Scope is optional.
type Options struct {
	// Scope identifies the credentials; concurrent extractions for one scope collapse.
	Scope             string
	ExtractionTimeout time.Duration
	// ValidateCredentials is checked before a browser is launched.
	ValidateCredentials func() error

	Prober        Prober
	Journal       *storage.Journal
	JournalRetain int
	Metrics       *observability.MetricsManager
	Tracing       *observability.TracingManager
}

// Manager owns the check-then-extract sequence and every write of an extraction result.
type Manager struct {
	store     *tokenstore.Store
	extractor Extractor
	opts      Options
	logger    *zap.Logger
	group     singleflight.Group
	now       func() time.Time
}

// NewManager creates a manager.
func NewManager(store *tokenstore.Store, extractor Extractor, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		extractor: extractor,
		opts:      opts,
		logger:    logger.Named("lifecycle"),
		now:       time.Now,
	}
}

// Store returns the token cache the manager writes to.
func (m *Manager) Store() *tokenstore.Store {
	return m.store
}

// GetValidToken returns the cached token while it is unexpired and otherwise extracts a new
// one. A cache hit never runs the browser.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	if rec := m.validCached(); rec != nil {
		m.opts.Metrics.RecordCacheLookup(true)
		return rec.Token, nil
	}
	m.opts.Metrics.RecordCacheLookup(false)

	res, err := m.extract(ctx, false)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("%w: %s", ErrExtractionFailed, res.Error)
	}
	if claims.IsExpiredAt(res.Token, m.now()) {
		return "", fmt.Errorf("%w: captured token is already expired", ErrExtractionFailed)
	}
	return res.Token, nil
}

// ExtractToken returns the cached token unless force is set or the cache is invalid, in which
// case it runs the browser. Automation failures are reported in the result; the error is
// reserved for configuration and cache write failures.
func (m *Manager) ExtractToken(ctx context.Context, force bool) (*ExtractionResult, error) {
	if !force {
		if rec := m.validCached(); rec != nil {
			m.opts.Metrics.RecordCacheLookup(true)
			return cachedResult(rec), nil
		}
		m.opts.Metrics.RecordCacheLookup(false)
	}

	res, err := m.extract(ctx, force)
	if err == nil && force && res.Cached {
		// joined a non-forced flight that was answered from the cache
		res, err = m.extract(ctx, true)
	}
	return res, err
}

// Token implements apiclient.TokenProvider.
func (m *Manager) Token(ctx context.Context) (*oauth2.Token, error) {
	token, err := m.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}
	return bearer(token), nil
}

// Refresh implements apiclient.TokenProvider by forcing a new extraction.
func (m *Manager) Refresh(ctx context.Context) (*oauth2.Token, error) {
	res, err := m.ExtractToken(ctx, true)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("%w: %s", ErrExtractionFailed, res.Error)
	}
	return bearer(res.Token), nil
}

func bearer(token string) *oauth2.Token {
	tok := &oauth2.Token{AccessToken: token, TokenType: "Bearer"}
	if exp, ok := claims.DecodeExpiry(token); ok {
		tok.Expiry = exp
	}
	return tok
}

// validCached returns the cached token record when it holds an unexpired token.
func (m *Manager) validCached() *tokenstore.Extraction {
	doc, err := m.store.Load()
	if err != nil {
		m.logger.Warn("Token cache unreadable, treating as empty", zap.Error(err))
		return nil
	}
	token := doc.CandidateToken()
	if token == "" {
		return nil
	}
	if claims.IsExpiredAt(token, m.now()) {
		m.logger.Info("Cached token expired")
		return nil
	}
	return doc.TokenExtraction
}

// extract joins or starts the single flight for the scope. The shared run is detached from
// any one caller's cancellation and bounded by ExtractionTimeout; each caller waits only as
// long as its own context allows.
func (m *Manager) extract(ctx context.Context, force bool) (*ExtractionResult, error) {
	runCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(m.opts.Scope, func() (interface{}, error) {
		return m.run(runCtx, force)
	})
	select {
	case <-ctx.Done():
		m.logger.Debug("Caller stopped waiting for extraction", zap.Error(ctx.Err()))
		return nil, fmt.Errorf("waiting for token extraction: %w", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			m.logger.Debug("Joined in-flight extraction")
		}
		return r.Val.(*ExtractionResult), nil
	}
}

// run is the body of one single-flight extraction.
func (m *Manager) run(ctx context.Context, force bool) (*ExtractionResult, error) {
	if !force {
		if rec := m.validCached(); rec != nil {
			return cachedResult(rec), nil
		}
	}
	if m.opts.ValidateCredentials != nil {
		if err := m.opts.ValidateCredentials(); err != nil {
			m.rejected(err)
			return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
		}
	}

	correlationID := reqcontext.CorrelationIDOrNew(ctx)
	logger := m.logger.With(zap.String("correlation_id", correlationID))
	ctx, span := m.opts.Tracing.TraceExtraction(ctx, correlationID, force)
	defer span.End()

	logger.Info("Starting token extraction", zap.Bool("force", force))
	started := m.now()

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if m.opts.ExtractionTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, m.opts.ExtractionTimeout)
	}
	captured, extractErr := m.extractor.Extract(runCtx)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	duration := m.now().Sub(started)
	res := &ExtractionResult{
		CorrelationID: correlationID,
		DurationMs:    duration.Milliseconds(),
		ExtractedAt:   m.now(),
	}

	var rec *tokenstore.Extraction
	if extractErr == nil && captured != nil && captured.Token != "" {
		rec = m.succeeded(ctx, res, captured)
	} else {
		if extractErr == nil {
			extractErr = capture.ErrCaptureExhausted
		}
		rec = m.failed(res, extractErr, timedOut)
		m.opts.Tracing.SetSpanError(ctx, extractErr)
		logger.Warn("Token extraction failed",
			zap.String("outcome", res.Outcome),
			zap.String("failed_state", res.FailedState),
			zap.String("error", logs.Redact(res.Error)))
	}

	if err := m.store.Update(func(doc *tokenstore.Document) error {
		doc.TokenExtraction = rec
		doc.APITest = res.APITest
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to persist extraction result: %w", err)
	}

	m.opts.Metrics.RecordExtraction(res.Outcome, res.Source, duration)
	if res.FailedState != "" {
		m.opts.Metrics.RecordStepFailure(res.FailedState)
	}
	if res.ExpiresAt != nil {
		m.opts.Metrics.SetTokenExpiry(*res.ExpiresAt)
	}
	m.journal(logger, res, force, started, reqcontext.GetRequestSource(ctx))

	if res.Success {
		logger.Info("Token extraction completed",
			zap.String("source", res.Source),
			zap.String("token", logs.MaskToken(res.Token)),
			zap.Duration("duration", duration))
	}
	return res, nil
}

// rejected records a credential check failure in the cache so readers see why no token exists.
func (m *Manager) rejected(cause error) {
	rec := tokenstore.NewErrorRecord(cause.Error(), m.now())
	if err := m.store.Update(func(doc *tokenstore.Document) error {
		doc.TokenExtraction = rec
		return nil
	}); err != nil {
		m.logger.Warn("Failed to persist credential error", zap.Error(err))
	}
	m.opts.Metrics.RecordExtraction(storage.OutcomeFailed, "", 0)
}

func (m *Manager) succeeded(ctx context.Context, res *ExtractionResult, captured *capture.Result) *tokenstore.Extraction {
	res.Success = true
	res.Outcome = storage.OutcomeSuccess
	res.Token = captured.Token
	res.Source = captured.Source
	res.Method = tokenstore.MethodAutomation
	res.URL = captured.URL
	res.withClaims()

	rec := tokenstore.NewTokenRecord(captured.Token, captured.Source, res.ExtractedAt)
	rec.URL = captured.URL
	rec.FinalPageTitle = captured.Title

	if m.opts.Prober != nil {
		res.APITest = m.opts.Prober.Probe(ctx, bearer(captured.Token))
	}
	return rec
}

func (m *Manager) failed(res *ExtractionResult, err error, timedOut bool) *tokenstore.Extraction {
	res.Outcome = storage.OutcomeFailed
	res.Error = err.Error()

	var partial *capture.PartialSuccess
	var step *automation.StepFailure
	switch {
	case errors.As(err, &partial):
		res.Outcome = storage.OutcomePartial
		res.AuthorizationCode = partial.AuthorizationCode
		res.URL = partial.URL
		res.Message = "Authorization code found - may need to exchange for token"
	case errors.As(err, &step):
		res.FailedState = string(step.State)
		res.URL = step.URL
	case timedOut:
		res.Error = fmt.Sprintf("extraction timed out after %s", m.opts.ExtractionTimeout)
	case errors.Is(err, context.Canceled):
		res.Outcome = storage.OutcomeCancelled
	}

	rec := tokenstore.NewErrorRecord(res.Error, res.ExtractedAt)
	rec.FailedState = res.FailedState
	rec.AuthorizationCode = res.AuthorizationCode
	rec.Message = res.Message
	rec.URL = res.URL
	if partial != nil {
		rec.FinalPageTitle = partial.Title
	}
	return rec
}

func (m *Manager) journal(logger *zap.Logger, res *ExtractionResult, force bool, started time.Time, trigger reqcontext.RequestSource) {
	if m.opts.Journal == nil {
		return
	}
	run := &storage.RunRecord{
		CorrelationID: res.CorrelationID,
		Scope:         m.opts.Scope,
		Forced:        force,
		Trigger:       string(trigger),
		Outcome:       res.Outcome,
		Source:        res.Source,
		FailedState:   res.FailedState,
		Error:         logs.Redact(res.Error),
		StartedAt:     started.UTC(),
		DurationMs:    res.DurationMs,
	}
	if err := m.opts.Journal.SaveRun(run); err != nil {
		logger.Warn("Failed to record extraction run", zap.Error(err))
		return
	}
	if m.opts.JournalRetain > 0 {
		if _, err := m.opts.Journal.PruneRuns(m.opts.JournalRetain); err != nil {
			logger.Warn("Failed to prune extraction journal", zap.Error(err))
		}
	}
}
