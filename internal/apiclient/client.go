// Package apiclient sends bearer-authenticated requests to the device-management API and
// records every call in the token cache history.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mcprmm-go/internal/logs"
	"mcprmm-go/internal/observability"
	"mcprmm-go/internal/tokenstore"
)

var (
	ErrUnsupportedMethod = errors.New("unsupported HTTP method")
	ErrTransport         = errors.New("transport error")
	ErrNoToken           = errors.New("no valid token")
	ErrInvalidEndpoint   = errors.New("invalid endpoint")
)

// DefaultAppVersion is the web client version the API expects in x-app-version.
const DefaultAppVersion = "4.16.0-SNAPSHOT-20250717-110003"

const maxResponseBytes = 10 << 20

var supportedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// TokenProvider hands out bearer tokens. Refresh discards the cached token and runs a new
// extraction.
type TokenProvider interface {
	Token(ctx context.Context) (*oauth2.Token, error)
	Refresh(ctx context.Context) (*oauth2.Token, error)
}

// Options configure the fixed request headers and transport.
type Options struct {
	BaseURL         string
	Origin          string
	TimeZone        string
	SubscriptionKey string
	UserAgent       string
	AppVersion      string
	Timeout         time.Duration

	HTTPClient *http.Client
	Metrics    *observability.MetricsManager
	Tracing    *observability.TracingManager
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: o.Timeout}
}

// setHeaders applies the header set the web application itself sends.
func (o Options) setHeaders(req *http.Request, tok *oauth2.Token) {
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.6")
	req.Header.Set("Content-Type", "application/json")
	if o.Origin != "" {
		req.Header.Set("Origin", o.Origin)
	}
	if o.UserAgent != "" {
		req.Header.Set("User-Agent", o.UserAgent)
	}
	if o.TimeZone != "" {
		req.Header.Set("X-Time-Zone", o.TimeZone)
	}
	if o.AppVersion != "" {
		req.Header.Set("X-App-Version", o.AppVersion)
	}
	if o.SubscriptionKey != "" {
		req.Header.Set("Ocp-Apim-Subscription-Key", o.SubscriptionKey)
	}
	tok.SetAuthHeader(req)
}

// Client is the authenticated request facade.
type Client struct {
	tokens TokenProvider
	store  *tokenstore.Store
	opts   Options
	http   *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// New creates a client that takes tokens from tokens and records calls in store.
func New(tokens TokenProvider, store *tokenstore.Store, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		tokens: tokens,
		store:  store,
		opts:   opts,
		http:   opts.httpClient(),
		logger: logger.Named("apiclient"),
		now:    time.Now,
	}
}

// ResolveURL turns a path relative to the base URL into an absolute one. Absolute URLs pass
// through unchanged.
func (c *Client) ResolveURL(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if c.opts.BaseURL == "" {
		return "", fmt.Errorf("%w: relative endpoint %q without API base URL", ErrInvalidEndpoint, endpoint)
	}
	return strings.TrimRight(c.opts.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/"), nil
}

// Call performs one request. The returned entry is the one appended to the call history; it
// is nil only when the method or endpoint is rejected before any I/O. A non-2xx status is
// reported through entry.Success, not the error. A 401 triggers one token refresh and retry.
func (c *Client) Call(ctx context.Context, endpoint, method string, body any) (*tokenstore.APICallLogEntry, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if !supportedMethods[method] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	target, err := c.ResolveURL(endpoint)
	if err != nil {
		return nil, err
	}

	ctx, span := c.opts.Tracing.TraceAPICall(ctx, method, target)
	defer span.End()

	entry := &tokenstore.APICallLogEntry{
		Endpoint:    target,
		Method:      method,
		RequestedAt: tokenstore.Timestamp{Time: c.now()},
	}
	start := time.Now()
	callErr := c.perform(ctx, entry, target, method, body)
	c.opts.Metrics.RecordAPICall(method, entry.StatusCode, time.Since(start))
	if entry.StatusCode != nil {
		c.opts.Tracing.SetHTTPStatus(ctx, *entry.StatusCode)
	}
	c.opts.Tracing.SetSpanError(ctx, callErr)

	if err := c.store.AppendCall(*entry); err != nil {
		c.logger.Error("Failed to record API call", zap.String("endpoint", logs.Redact(target)), zap.Error(err))
		callErr = errors.Join(callErr, fmt.Errorf("failed to record API call: %w", err))
	}
	return entry, callErr
}

func (c *Client) perform(ctx context.Context, entry *tokenstore.APICallLogEntry, target, method string, body any) error {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		entry.Error = fmt.Sprintf("%s: %v", ErrNoToken, err)
		return fmt.Errorf("%w: %w", ErrNoToken, err)
	}

	status, data, err := c.do(ctx, target, method, body, tok)
	if err == nil && status == http.StatusUnauthorized {
		c.logger.Info("Token rejected, refreshing and retrying once", zap.String("endpoint", logs.Redact(target)))
		fresh, refreshErr := c.tokens.Refresh(ctx)
		if refreshErr != nil {
			c.logger.Warn("Token refresh failed", zap.Error(refreshErr))
		} else {
			status, data, err = c.do(ctx, target, method, body, fresh)
		}
	}
	if err != nil {
		entry.Error = err.Error()
		c.logger.Warn("API call failed", zap.String("method", method), zap.String("endpoint", logs.Redact(target)), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	entry.StatusCode = &status
	entry.Success = isSuccess(status)
	entry.ResponseData = data
	c.logger.Debug("API call completed",
		zap.String("method", method),
		zap.String("endpoint", logs.Redact(target)),
		zap.Int("status", status))
	return nil
}

func (c *Client) do(ctx context.Context, target, method string, body any, tok *oauth2.Token) (int, any, error) {
	var reader io.Reader
	if body != nil && (method == http.MethodPost || method == http.MethodPut) {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, err
	}
	c.opts.setHeaders(req, tok)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, decodeBody(raw), nil
}

// History returns the recorded calls, oldest first.
func (c *Client) History() ([]tokenstore.APICallLogEntry, error) {
	doc, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return doc.APICalls, nil
}

func isSuccess(status int) bool {
	return status == http.StatusOK || status == http.StatusCreated || status == http.StatusNoContent
}

// decodeBody returns parsed JSON when the body is valid JSON and the text otherwise.
func decodeBody(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return v
		}
	}
	return string(raw)
}
