package capture

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"mcprmm-go/internal/logs"
)

// Interceptor watches session traffic for bearer credentials. A bearer on a request to the
// API overrides anything seen before; a bearer on any response is only kept when nothing was
// captured yet.
type Interceptor struct {
	apiURL string
	logger *zap.Logger

	mu     sync.Mutex
	token  string
	origin string
}

// NewInterceptor creates an interceptor matching requests whose URL contains apiURL.
func NewInterceptor(apiURL string, logger *zap.Logger) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{apiURL: apiURL, logger: logger.Named("interceptor")}
}

func (i *Interceptor) ObserveRequest(url string, headers map[string]string) {
	if i.apiURL == "" || !strings.Contains(url, i.apiURL) {
		return
	}
	token, ok := BearerToken(headerValue(headers, "authorization"))
	if !ok {
		return
	}

	i.mu.Lock()
	i.token = token
	i.origin = url
	i.mu.Unlock()

	i.logger.Info("Bearer token captured from API request",
		zap.String("url", url),
		zap.String("token", logs.MaskToken(token)))
}

func (i *Interceptor) ObserveResponse(url string, headers map[string]string) {
	if i.apiURL != "" && strings.Contains(url, i.apiURL) {
		i.logger.Debug("Response from API", zap.String("url", url))
	}
	token, ok := BearerToken(headerValue(headers, "authorization"))
	if !ok {
		return
	}

	i.mu.Lock()
	if i.token != "" {
		i.mu.Unlock()
		return
	}
	i.token = token
	i.origin = url
	i.mu.Unlock()

	i.logger.Info("Bearer token captured from response",
		zap.String("url", url),
		zap.String("token", logs.MaskToken(token)))
}

// Token returns the captured credential, or "".
func (i *Interceptor) Token() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.token
}

// Origin returns the URL the current token was seen on.
func (i *Interceptor) Origin() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.origin
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
