package lifecycle

import (
	"time"

	"mcprmm-go/internal/claims"
	"mcprmm-go/internal/tokenstore"
)

// ExtractionResult is the outcome of ExtractToken. Failures are values, not errors.
type ExtractionResult struct {
	Success bool `json:"success"`
	// Cached is true when the token came from the cache and no browser ran.
	Cached            bool                      `json:"cached"`
	Token             string                    `json:"token,omitempty"`
	Source            string                    `json:"source,omitempty"`
	Method            string                    `json:"method,omitempty"`
	ExpiresAt         *time.Time                `json:"expires_at,omitempty"`
	TenantID          string                    `json:"tenant_id,omitempty"`
	Outcome           string                    `json:"outcome,omitempty"`
	Error             string                    `json:"error,omitempty"`
	FailedState       string                    `json:"failed_state,omitempty"`
	AuthorizationCode string                    `json:"authorization_code,omitempty"`
	Message           string                    `json:"message,omitempty"`
	URL               string                    `json:"url,omitempty"`
	CorrelationID     string                    `json:"correlation_id,omitempty"`
	DurationMs        int64                     `json:"duration_ms,omitempty"`
	APITest           *tokenstore.APITestResult `json:"api_test,omitempty"`
	ExtractedAt       time.Time                 `json:"extracted_at"`
}

// withClaims fills the expiry and tenant from the token payload.
func (r *ExtractionResult) withClaims() *ExtractionResult {
	if r.Token == "" {
		return r
	}
	if view, err := claims.DecodeView(r.Token); err == nil {
		r.ExpiresAt = view.ExpiresAt
		r.TenantID = view.TenantID
	}
	return r
}

func cachedResult(rec *tokenstore.Extraction) *ExtractionResult {
	res := &ExtractionResult{
		Success:     true,
		Cached:      true,
		Token:       rec.Token,
		Source:      rec.Source,
		Method:      rec.Method,
		URL:         rec.URL,
		ExtractedAt: rec.ExtractedAt.Time,
	}
	return res.withClaims()
}
