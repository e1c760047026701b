package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "auth_token.json"), zap.NewNop())
}

func intPtr(v int) *int { return &v }

func TestLoad_AbsentFile(t *testing.T) {
	store := newTestStore(t)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestLoad_CorruptFile(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0600))

	doc, err := store.Load()
	assert.Nil(t, doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)

	var readErr *ReadError
	require.True(t, errors.As(err, &readErr))
	assert.Equal(t, store.Path(), readErr.Path)
	assert.True(t, readErr.Corrupt)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	extractedAt := time.Date(2025, 7, 10, 9, 30, 0, 123000000, time.UTC)

	original := &Document{
		TokenExtraction: NewTokenRecord("eyJa.eyJb.c", "api_request_interception", extractedAt),
		APITest: &APITestResult{
			Success:      true,
			StatusCode:   intPtr(200),
			ResponseData: "ok",
			TestedAt:     Timestamp{extractedAt.Add(time.Second)},
		},
		APICalls: []APICallLogEntry{{
			Endpoint:    "https://api.example/tenants",
			Method:      "GET",
			StatusCode:  intPtr(204),
			Success:     true,
			RequestedAt: Timestamp{extractedAt.Add(2 * time.Second)},
		}},
	}
	require.NoError(t, store.Save(original))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)

	require.NotNil(t, loaded.TokenExtraction)
	assert.True(t, loaded.TokenExtraction.Success)
	assert.Equal(t, "eyJa.eyJb.c", loaded.TokenExtraction.Token)
	assert.Equal(t, "api_request_interception", loaded.TokenExtraction.Source)
	assert.Equal(t, MethodAutomation, loaded.TokenExtraction.Method)
	assert.True(t, extractedAt.Equal(loaded.TokenExtraction.ExtractedAt.Time))

	require.NotNil(t, loaded.APITest)
	assert.Equal(t, 200, *loaded.APITest.StatusCode)
	assert.Equal(t, "ok", loaded.APITest.ResponseData)

	require.Len(t, loaded.APICalls, 1)
	assert.Equal(t, 204, *loaded.APICalls[0].StatusCode)
	assert.False(t, loaded.SavedAt.IsZero())
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(&Document{}))
	}

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "auth_token.json", entries[0].Name())
}

func TestSave_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "auth_token.json")
	store := New(path, nil)

	require.NoError(t, store.Save(&Document{}))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestSave_TrimsHistoryToLastTen(t *testing.T) {
	store := newTestStore(t)
	doc := &Document{}
	for i := 0; i < 15; i++ {
		doc.APICalls = append(doc.APICalls, APICallLogEntry{Endpoint: fmt.Sprintf("/e/%d", i), Method: "GET"})
	}
	require.NoError(t, store.Save(doc))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded.APICalls, MaxAPICalls)
	assert.Equal(t, "/e/5", loaded.APICalls[0].Endpoint)
	assert.Equal(t, "/e/14", loaded.APICalls[MaxAPICalls-1].Endpoint)
}

func TestLoad_LegacyKeys(t *testing.T) {
	store := newTestStore(t)
	legacy := `{
  "extraction_result": {
    "success": true,
    "token": "eyJlegacy.eyJp.s",
    "source": "url_fragment",
    "extracted_at": "2025-07-10T12:34:56.123456"
  },
  "latest_api_test": {
    "success": false,
    "status_code": 401,
    "error": "unauthorized",
    "tested_at": "2025-07-10T12:35:00"
  }
}`
	require.NoError(t, os.WriteFile(store.Path(), []byte(legacy), 0600))

	doc, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, doc.TokenExtraction)
	assert.Equal(t, "eyJlegacy.eyJp.s", doc.CandidateToken())
	assert.Equal(t, "url_fragment", doc.TokenExtraction.Source)
	assert.Equal(t, 2025, doc.TokenExtraction.ExtractedAt.Year())
	assert.Equal(t, 56, doc.TokenExtraction.ExtractedAt.Second())

	require.NotNil(t, doc.APITest)
	assert.Equal(t, 401, *doc.APITest.StatusCode)
	assert.Empty(t, doc.APICalls)
}

func TestLoad_CanonicalKeyWins(t *testing.T) {
	store := newTestStore(t)
	content := `{
  "token_extraction": {"success": true, "token": "eyJnew.eyJ.s"},
  "extraction_result": {"success": true, "token": "eyJold.eyJ.s"}
}`
	require.NoError(t, os.WriteFile(store.Path(), []byte(content), 0600))

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "eyJnew.eyJ.s", doc.CandidateToken())
}

func TestLoad_NonObjectExtractionIsAbsent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"token_extraction": "oops", "api_calls": []}`), 0600))

	doc, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Nil(t, doc.TokenExtraction)
	assert.Empty(t, doc.CandidateToken())
}

func TestCandidateToken_ErrorRecordHasNone(t *testing.T) {
	doc := &Document{TokenExtraction: NewErrorRecord("login failed", time.Now())}
	assert.True(t, doc.TokenExtraction.IsError())
	assert.Empty(t, doc.CandidateToken())

	var nilDoc *Document
	assert.Empty(t, nilDoc.CandidateToken())
}

func TestAppendCall_PersistsAndKeepsExtraction(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(&Document{
		TokenExtraction: NewTokenRecord("eyJtok.eyJ.s", "cookies", time.Now()),
	}))

	for i := 0; i < 12; i++ {
		require.NoError(t, store.AppendCall(APICallLogEntry{
			Endpoint: fmt.Sprintf("/calls/%d", i),
			Method:   "GET",
		}))
	}

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "eyJtok.eyJ.s", doc.CandidateToken())
	require.Len(t, doc.APICalls, MaxAPICalls)
	assert.Equal(t, "/calls/2", doc.APICalls[0].Endpoint)
	assert.Equal(t, "/calls/11", doc.APICalls[MaxAPICalls-1].Endpoint)
}

func TestAppendCall_Concurrent(t *testing.T) {
	store := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.AppendCall(APICallLogEntry{Endpoint: fmt.Sprintf("/c/%d", i), Method: "GET"}))
		}(i)
	}
	wg.Wait()

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, doc.APICalls, 8)
}

func TestUpdate_ReplacesCorruptFile(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte("]]]"), 0600))

	require.NoError(t, store.AppendCall(APICallLogEntry{Endpoint: "/x", Method: "GET"}))

	doc, err := store.Load()
	require.NoError(t, err)
	require.Len(t, doc.APICalls, 1)
}

func TestClearAndReadRaw(t *testing.T) {
	store := newTestStore(t)

	raw, err := store.ReadRaw()
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"No token data available"}`, raw)

	require.NoError(t, store.Save(&Document{TokenExtraction: NewErrorRecord("boom", time.Now())}))
	raw, err = store.ReadRaw()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Contains(t, decoded, "token_extraction")
	assert.Contains(t, decoded, "saved_at")

	removed, err := store.Clear()
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Clear()
	require.NoError(t, err)
	assert.False(t, removed)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestTimestamp_Formats(t *testing.T) {
	cases := map[string]string{
		"rfc3339":            `"2025-07-10T12:34:56Z"`,
		"rfc3339 offset":     `"2025-07-10T12:34:56.5+05:30"`,
		"naive microseconds": `"2025-07-10T12:34:56.123456"`,
		"naive seconds":      `"2025-07-10T12:34:56"`,
		"space separated":    `"2025-07-10 12:34:56"`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(input), &ts))
			assert.Equal(t, 2025, ts.Year())
			assert.Equal(t, time.July, ts.Month())
			assert.Equal(t, 34, ts.Minute())
		})
	}

	t.Run("null", func(t *testing.T) {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(`null`), &ts))
		assert.True(t, ts.IsZero())
	})

	t.Run("garbage", func(t *testing.T) {
		var ts Timestamp
		assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
	})
}

// The history after n appends is exactly the last min(n, 10) entries in order.
func TestAppendCall_FIFOProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(rt, "n")
		doc := &Document{}
		for i := 0; i < n; i++ {
			doc.AppendCall(APICallLogEntry{Endpoint: fmt.Sprintf("/%d", i)})
		}

		want := n
		if want > MaxAPICalls {
			want = MaxAPICalls
		}
		if len(doc.APICalls) != want {
			rt.Fatalf("len = %d, want %d", len(doc.APICalls), want)
		}
		for i, entry := range doc.APICalls {
			expected := fmt.Sprintf("/%d", n-want+i)
			if entry.Endpoint != expected {
				rt.Fatalf("entry %d = %s, want %s", i, entry.Endpoint, expected)
			}
		}
	})
}
