package lifecycle

import (
	"context"
	"fmt"

	"mcprmm-go/internal/claims"
	"mcprmm-go/internal/storage"
	"mcprmm-go/internal/tokenstore"
)

// StoredToken is the cached token with its decoded claims, whether or not it is still valid.
type StoredToken struct {
	Token       string                 `json:"token,omitempty"`
	Source      string                 `json:"source,omitempty"`
	Method      string                 `json:"method,omitempty"`
	ExtractedAt tokenstore.Timestamp   `json:"extracted_at"`
	Expired     bool                   `json:"expired"`
	Claims      *claims.View           `json:"claims,omitempty"`
	Failure     *tokenstore.Extraction `json:"failure,omitempty"`
}

// StoredToken reads the cache without running any extraction. It returns nil when no cache
// file exists.
func (m *Manager) StoredToken() (*StoredToken, error) {
	doc, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.TokenExtraction == nil {
		return nil, nil
	}
	rec := doc.TokenExtraction
	if rec.IsError() {
		return &StoredToken{ExtractedAt: rec.ExtractedAt, Expired: true, Failure: rec}, nil
	}
	st := &StoredToken{
		Token:       doc.CandidateToken(),
		Source:      rec.Source,
		Method:      rec.Method,
		ExtractedAt: rec.ExtractedAt,
		Expired:     claims.IsExpiredAt(rec.Token, m.now()),
	}
	if view, err := claims.DecodeView(rec.Token); err == nil {
		st.Claims = view
	}
	return st, nil
}

// TestStoredToken probes the API with the cached token and stores the result as the latest
// API test. It does not extract.
func (m *Manager) TestStoredToken(ctx context.Context) (*tokenstore.APITestResult, error) {
	if m.opts.Prober == nil {
		return nil, fmt.Errorf("no API probe configured")
	}
	doc, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	token := doc.CandidateToken()
	if token == "" {
		return nil, ErrNoStoredToken
	}

	result := m.opts.Prober.Probe(ctx, bearer(token))
	if err := m.store.Update(func(doc *tokenstore.Document) error {
		doc.APITest = result
		return nil
	}); err != nil {
		return result, fmt.Errorf("failed to save API test result: %w", err)
	}
	return result, nil
}

// Clear removes the cache file. It reports whether one existed.
func (m *Manager) Clear() (bool, error) {
	return m.store.Clear()
}

// ReadCacheFileAsText returns the cache file contents or a placeholder document.
func (m *Manager) ReadCacheFileAsText() (string, error) {
	return m.store.ReadRaw()
}

// Runs lists journaled extraction runs, newest first. It returns nil without a journal.
func (m *Manager) Runs(limit int) ([]*storage.RunRecord, error) {
	if m.opts.Journal == nil {
		return nil, nil
	}
	return m.opts.Journal.ListRuns(limit)
}

// Run returns one journaled run by ID.
func (m *Manager) Run(id string) (*storage.RunRecord, error) {
	if m.opts.Journal == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrRunNotFound, id)
	}
	return m.opts.Journal.GetRun(id)
}

// RunCount returns how many runs the journal holds.
func (m *Manager) RunCount() (int, error) {
	if m.opts.Journal == nil {
		return 0, nil
	}
	return m.opts.Journal.CountRuns()
}
