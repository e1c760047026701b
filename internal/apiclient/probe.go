package apiclient

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mcprmm-go/internal/logs"
	"mcprmm-go/internal/tokenstore"
)

// Prober checks a token against the tenant-list endpoint. Unlike Call it never refreshes
// and never touches the call history.
type Prober struct {
	url    string
	opts   Options
	http   *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewProber creates a prober for the absolute probe URL.
func NewProber(probeURL string, opts Options, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		url:    probeURL,
		opts:   opts,
		http:   opts.httpClient(),
		logger: logger.Named("prober"),
		now:    time.Now,
	}
}

// Probe sends a GET with tok. Only 200 counts as success; the body is decoded as JSON on 200
// and kept as text otherwise.
func (p *Prober) Probe(ctx context.Context, tok *oauth2.Token) *tokenstore.APITestResult {
	result := &tokenstore.APITestResult{TestedAt: tokenstore.Timestamp{Time: p.now()}}

	ctx, span := p.opts.Tracing.TraceAPICall(ctx, http.MethodGet, p.url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	p.opts.setHeaders(req, tok)

	p.logger.Info("Testing token against API", zap.String("url", logs.Redact(p.url)))
	resp, err := p.http.Do(req)
	if err != nil {
		result.Error = err.Error()
		p.opts.Tracing.SetSpanError(ctx, err)
		p.logger.Warn("API test failed", zap.Error(err))
		return result
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	result.StatusCode = &status
	result.Success = status == http.StatusOK
	p.opts.Tracing.SetHTTPStatus(ctx, status)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		result.Error = err.Error()
		result.Success = false
		return result
	}
	if result.Success {
		result.ResponseData = decodeBody(raw)
	} else {
		result.ResponseData = string(raw)
	}

	p.logger.Info("API test completed", zap.Int("status", status), zap.Bool("success", result.Success))
	return result
}
