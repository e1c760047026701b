package tokenstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxAPICalls bounds the call history kept in the cache document.
const MaxAPICalls = 10

// MethodAutomation tags extractions produced by a full login automation run.
const MethodAutomation = "automation"

// Document is the on-disk cache unit. It is always written whole.
type Document struct {
	TokenExtraction *Extraction       `json:"token_extraction,omitempty"`
	APITest         *APITestResult    `json:"api_test,omitempty"`
	APICalls        []APICallLogEntry `json:"api_calls"`
	SavedAt         Timestamp         `json:"saved_at"`
}

// Extraction is either a token record (Success true) or an error record.
type Extraction struct {
	Success           bool      `json:"success"`
	Token             string    `json:"token,omitempty"`
	Source            string    `json:"source,omitempty"`
	Method            string    `json:"method,omitempty"`
	Error             string    `json:"error,omitempty"`
	FailedState       string    `json:"failed_state,omitempty"`
	AuthorizationCode string    `json:"authorization_code,omitempty"`
	Message           string    `json:"message,omitempty"`
	URL               string    `json:"url,omitempty"`
	FinalPageTitle    string    `json:"final_page_title,omitempty"`
	ExtractedAt       Timestamp `json:"extracted_at"`
}

// APITestResult records the probe call made right after a successful extraction.
type APITestResult struct {
	Success      bool      `json:"success"`
	StatusCode   *int      `json:"status_code,omitempty"`
	ResponseData any       `json:"response_data,omitempty"`
	Error        string    `json:"error,omitempty"`
	TestedAt     Timestamp `json:"tested_at"`
}

// APICallLogEntry is one downstream call in the bounded history.
type APICallLogEntry struct {
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	StatusCode   *int      `json:"status_code,omitempty"`
	Success      bool      `json:"success"`
	RequestedAt  Timestamp `json:"requested_at"`
	ResponseData any       `json:"response_data,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// NewTokenRecord builds a successful extraction record.
func NewTokenRecord(token, source string, at time.Time) *Extraction {
	return &Extraction{
		Success:     true,
		Token:       token,
		Source:      source,
		Method:      MethodAutomation,
		ExtractedAt: Timestamp{at},
	}
}

// NewErrorRecord builds a failed extraction record.
func NewErrorRecord(msg string, at time.Time) *Extraction {
	return &Extraction{
		Success:     false,
		Error:       msg,
		ExtractedAt: Timestamp{at},
	}
}

// IsError reports whether the record describes a failed extraction.
func (e *Extraction) IsError() bool {
	return e != nil && !e.Success
}

// CandidateToken returns the stored token, if the record carries one. Error records never do.
func (d *Document) CandidateToken() string {
	if d == nil || d.TokenExtraction == nil || d.TokenExtraction.IsError() {
		return ""
	}
	return strings.TrimSpace(d.TokenExtraction.Token)
}

// AppendCall adds entry and evicts the oldest entries beyond MaxAPICalls.
func (d *Document) AppendCall(entry APICallLogEntry) {
	d.APICalls = append(d.APICalls, entry)
	d.trimCalls()
}

func (d *Document) trimCalls() {
	if over := len(d.APICalls) - MaxAPICalls; over > 0 {
		kept := make([]APICallLogEntry, MaxAPICalls)
		copy(kept, d.APICalls[over:])
		d.APICalls = kept
	}
}

// Timestamp accepts both RFC 3339 and the naive ISO-8601 form older cache files used.
type Timestamp struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// MarshalJSON writes RFC 3339 with nanoseconds, or null for the zero time.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// UnmarshalJSON parses RFC 3339 first, then the naive layouts in local time.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}

	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
