// Package tokenstore persists the credential cache document as a single JSON file.
package tokenstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCorrupt is matched by read errors caused by an unparseable cache file.
var ErrCorrupt = errors.New("token cache is corrupt")

// emptyPlaceholder is returned by ReadRaw when no cache file exists.
const emptyPlaceholder = "{\n  \"message\": \"No token data available\"\n}"

// ReadError describes a failed Load.
type ReadError struct {
	Path    string
	Corrupt bool
	Err     error
}

func (e *ReadError) Error() string {
	if e.Corrupt {
		return fmt.Sprintf("token cache %s is corrupt: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("failed to read token cache %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrCorrupt) match corrupt-file failures.
func (e *ReadError) Is(target error) bool {
	return e.Corrupt && target == ErrCorrupt
}

// Store reads and writes the cache file. All operations are serialized by mu; writes go
// through a temp file and rename so other processes never observe a partial document.
type Store struct {
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New creates a store backed by path. The parent directory is created on first save.
func New(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:   path,
		logger: logger.Named("tokenstore"),
		now:    time.Now,
	}
}

// Path returns the cache file location.
func (s *Store) Path() string {
	return s.path
}

// Load returns the cached document, or (nil, nil) when no file exists.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save trims the call history and atomically replaces the cache file with doc.
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(doc)
}

// Update loads the document, applies fn and saves the result under one lock. fn receives an
// empty document when no file exists. A corrupt file is replaced rather than reported.
func (s *Store) Update(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		if !errors.Is(err, ErrCorrupt) {
			return err
		}
		s.logger.Warn("Replacing corrupt token cache", zap.String("path", s.path), zap.Error(err))
		doc = nil
	}
	if doc == nil {
		doc = &Document{}
	}

	if err := fn(doc); err != nil {
		return err
	}
	return s.save(doc)
}

// AppendCall adds entry to the call history and persists the document.
func (s *Store) AppendCall(entry APICallLogEntry) error {
	return s.Update(func(doc *Document) error {
		doc.AppendCall(entry)
		return nil
	})
}

// Clear removes the cache file. It reports whether a file was present.
func (s *Store) Clear() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	switch {
	case err == nil:
		s.logger.Info("Token cache cleared", zap.String("path", s.path))
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to remove token cache: %w", err)
	}
}

// ReadRaw returns the file contents verbatim, or a JSON placeholder when absent.
func (s *Store) ReadRaw() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return emptyPlaceholder, nil
	}
	if err != nil {
		return "", &ReadError{Path: s.path, Err: err}
	}
	return string(data), nil
}

// rawDocument mirrors Document plus the legacy key names.
type rawDocument struct {
	TokenExtraction  json.RawMessage   `json:"token_extraction"`
	ExtractionResult json.RawMessage   `json:"extraction_result"`
	APITest          json.RawMessage   `json:"api_test"`
	LatestAPITest    json.RawMessage   `json:"latest_api_test"`
	APICalls         []APICallLogEntry `json:"api_calls"`
	SavedAt          Timestamp         `json:"saved_at"`
}

func (s *Store) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &ReadError{Path: s.path, Err: err}
	}

	doc, err := decodeDocument(data)
	if err != nil {
		return nil, &ReadError{Path: s.path, Corrupt: true, Err: err}
	}
	return doc, nil
}

func decodeDocument(data []byte) (*Document, error) {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	doc := &Document{
		APICalls: raw.APICalls,
		SavedAt:  raw.SavedAt,
	}

	extraction := raw.TokenExtraction
	if !isObject(extraction) {
		extraction = raw.ExtractionResult
	}
	if isObject(extraction) {
		var e Extraction
		if err := json.Unmarshal(extraction, &e); err != nil {
			return nil, fmt.Errorf("token_extraction: %w", err)
		}
		doc.TokenExtraction = &e
	}

	apiTest := raw.APITest
	if !isObject(apiTest) {
		apiTest = raw.LatestAPITest
	}
	if isObject(apiTest) {
		var t APITestResult
		if err := json.Unmarshal(apiTest, &t); err != nil {
			return nil, fmt.Errorf("api_test: %w", err)
		}
		doc.APITest = &t
	}

	return doc, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func (s *Store) save(doc *Document) error {
	if doc == nil {
		return errors.New("nil document")
	}

	out := *doc
	out.APICalls = append([]APICallLogEntry(nil), doc.APICalls...)
	out.trimCalls()
	if out.APICalls == nil {
		out.APICalls = []APICallLogEntry{}
	}
	out.SavedAt = Timestamp{s.now()}

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token cache: %w", err)
	}

	if err := writeFileAtomic(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write token cache: %w", err)
	}

	*doc = out
	s.logger.Debug("Token cache saved",
		zap.String("path", s.path),
		zap.Int("api_calls", len(out.APICalls)))
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
