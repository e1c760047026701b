package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"

	"mcprmm-go/internal/tokenstore"
)

type fakeTokens struct {
	mu         sync.Mutex
	current    string
	next       string
	tokenErr   error
	refreshErr error
	refreshes  int
}

func (f *fakeTokens) Token(context.Context) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return &oauth2.Token{AccessToken: f.current}, nil
}

func (f *fakeTokens) Refresh(context.Context) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.current = f.next
	return &oauth2.Token{AccessToken: f.current}, nil
}

func newTestClient(t *testing.T, tokens TokenProvider, baseURL string) (*Client, *tokenstore.Store) {
	t.Helper()
	store := tokenstore.New(filepath.Join(t.TempDir(), "auth_token.json"), zaptest.NewLogger(t))
	client := New(tokens, store, Options{
		BaseURL:         baseURL,
		Origin:          "https://app.example.com",
		TimeZone:        "+05:30",
		SubscriptionKey: "sub-key",
		UserAgent:       "test-agent",
		AppVersion:      DefaultAppVersion,
		Timeout:         5 * time.Second,
	}, zaptest.NewLogger(t))
	return client, store
}

func TestCall(t *testing.T) {
	t.Run("headers and json response", func(t *testing.T) {
		headers := make(chan http.Header, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			headers <- r.Header.Clone()
			assert.Equal(t, "/v1/tenants", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"tenants":[{"id":"t1"}]}`))
		}))
		defer srv.Close()

		client, store := newTestClient(t, &fakeTokens{current: "tok-1"}, srv.URL)
		entry, err := client.Call(context.Background(), "/v1/tenants", "get", nil)
		require.NoError(t, err)

		assert.True(t, entry.Success)
		assert.Equal(t, "GET", entry.Method)
		assert.Equal(t, srv.URL+"/v1/tenants", entry.Endpoint)
		require.NotNil(t, entry.StatusCode)
		assert.Equal(t, 200, *entry.StatusCode)
		assert.Equal(t, map[string]any{"tenants": []any{map[string]any{"id": "t1"}}}, entry.ResponseData)

		got := <-headers
		assert.Equal(t, "Bearer tok-1", got.Get("Authorization"))
		assert.Equal(t, "https://app.example.com", got.Get("Origin"))
		assert.Equal(t, "+05:30", got.Get("X-Time-Zone"))
		assert.Equal(t, "sub-key", got.Get("Ocp-Apim-Subscription-Key"))
		assert.Equal(t, "test-agent", got.Get("User-Agent"))
		assert.Equal(t, DefaultAppVersion, got.Get("X-App-Version"))

		history, err := client.History()
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, srv.URL+"/v1/tenants", history[0].Endpoint)

		doc, err := store.Load()
		require.NoError(t, err)
		assert.Nil(t, doc.TokenExtraction)
	})

	t.Run("post body and created status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			var body map[string]any
			assert.NoError(t, json.Unmarshal(data, &body))
			assert.Equal(t, "x", body["name"])
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("created"))
		}))
		defer srv.Close()

		client, _ := newTestClient(t, &fakeTokens{current: "tok"}, "")
		entry, err := client.Call(context.Background(), srv.URL+"/things", "POST", map[string]any{"name": "x"})
		require.NoError(t, err)
		assert.True(t, entry.Success)
		assert.Equal(t, 201, *entry.StatusCode)
		assert.Equal(t, "created", entry.ResponseData)
	})

	t.Run("no content is success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		client, _ := newTestClient(t, &fakeTokens{current: "tok"}, srv.URL)
		entry, err := client.Call(context.Background(), "items/1", http.MethodDelete, nil)
		require.NoError(t, err)
		assert.True(t, entry.Success)
		assert.Nil(t, entry.ResponseData)
	})

	t.Run("server error is recorded not returned", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		client, _ := newTestClient(t, &fakeTokens{current: "tok"}, srv.URL)
		entry, err := client.Call(context.Background(), "/x", "PUT", map[string]int{"a": 1})
		require.NoError(t, err)
		assert.False(t, entry.Success)
		assert.Equal(t, 500, *entry.StatusCode)
	})

	t.Run("unauthorized refreshes once", func(t *testing.T) {
		var mu sync.Mutex
		var seen []string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			seen = append(seen, r.Header.Get("Authorization"))
			mu.Unlock()
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer srv.Close()

		tokens := &fakeTokens{current: "stale", next: "fresh"}
		client, _ := newTestClient(t, tokens, srv.URL)
		entry, err := client.Call(context.Background(), "/x", "GET", nil)
		require.NoError(t, err)
		assert.True(t, entry.Success)
		assert.Equal(t, 1, tokens.refreshes)
		mu.Lock()
		assert.Equal(t, []string{"Bearer stale", "Bearer fresh"}, seen)
		mu.Unlock()

		history, err := client.History()
		require.NoError(t, err)
		assert.Len(t, history, 1, "a retried call is one history entry")
	})

	t.Run("unauthorized twice is not retried again", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		tokens := &fakeTokens{current: "a", next: "b"}
		client, _ := newTestClient(t, tokens, srv.URL)
		entry, err := client.Call(context.Background(), "/x", "GET", nil)
		require.NoError(t, err)
		assert.False(t, entry.Success)
		assert.Equal(t, 401, *entry.StatusCode)
		assert.Equal(t, int32(2), hits.Load())
		assert.Equal(t, 1, tokens.refreshes)
	})

	t.Run("refresh failure keeps the 401", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		tokens := &fakeTokens{current: "a", refreshErr: errors.New("login failed")}
		client, _ := newTestClient(t, tokens, srv.URL)
		entry, err := client.Call(context.Background(), "/x", "GET", nil)
		require.NoError(t, err)
		assert.Equal(t, 401, *entry.StatusCode)
	})

	t.Run("transport error is recorded and returned", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		url := srv.URL
		srv.Close()

		client, _ := newTestClient(t, &fakeTokens{current: "tok"}, url)
		entry, err := client.Call(context.Background(), "/x", "GET", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTransport)
		require.NotNil(t, entry)
		assert.False(t, entry.Success)
		assert.Nil(t, entry.StatusCode)
		assert.NotEmpty(t, entry.Error)

		history, err := client.History()
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("missing token is recorded", func(t *testing.T) {
		client, _ := newTestClient(t, &fakeTokens{tokenErr: errors.New("extraction failed")}, "https://api.example.com")
		entry, err := client.Call(context.Background(), "/x", "GET", nil)
		assert.ErrorIs(t, err, ErrNoToken)
		require.NotNil(t, entry)
		assert.Contains(t, entry.Error, "extraction failed")

		history, err := client.History()
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("unsupported method fails before any io", func(t *testing.T) {
		tokens := &fakeTokens{tokenErr: errors.New("must not be asked")}
		client, store := newTestClient(t, tokens, "https://api.example.com")
		entry, err := client.Call(context.Background(), "/x", "PATCH", nil)
		assert.ErrorIs(t, err, ErrUnsupportedMethod)
		assert.Nil(t, entry)

		doc, err := store.Load()
		require.NoError(t, err)
		assert.Nil(t, doc, "nothing written")
	})

	t.Run("relative endpoint without base url", func(t *testing.T) {
		client, _ := newTestClient(t, &fakeTokens{current: "tok"}, "")
		_, err := client.Call(context.Background(), "/x", "GET", nil)
		assert.ErrorIs(t, err, ErrInvalidEndpoint)
	})
}

func TestCall_HistoryKeepsLastTen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, _ := newTestClient(t, &fakeTokens{current: "tok"}, srv.URL)
	for i := 0; i < 12; i++ {
		_, err := client.Call(context.Background(), "/item/"+string(rune('a'+i)), "GET", nil)
		require.NoError(t, err)
	}

	history, err := client.History()
	require.NoError(t, err)
	require.Len(t, history, tokenstore.MaxAPICalls)
	assert.Equal(t, srv.URL+"/item/c", history[0].Endpoint)
	assert.Equal(t, srv.URL+"/item/l", history[9].Endpoint)
}

func TestResolveURL(t *testing.T) {
	client, _ := newTestClient(t, &fakeTokens{}, "https://api.example.com/base/")

	tests := []struct {
		endpoint string
		want     string
	}{
		{"/v1/tenants", "https://api.example.com/base/v1/tenants"},
		{"v1/tenants", "https://api.example.com/base/v1/tenants"},
		{"https://other.example.com/x?y=1", "https://other.example.com/x?y=1"},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			got, err := client.ResolveURL(tt.endpoint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := client.ResolveURL("  ")
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestProbe(t *testing.T) {
	t.Run("ok parses json", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`[{"id":"t1"}]`))
		}))
		defer srv.Close()

		p := NewProber(srv.URL+"/tenants", Options{Timeout: time.Second}, zaptest.NewLogger(t))
		res := p.Probe(context.Background(), &oauth2.Token{AccessToken: "tok"})
		assert.True(t, res.Success)
		assert.Equal(t, 200, *res.StatusCode)
		assert.Equal(t, []any{map[string]any{"id": "t1"}}, res.ResponseData)
		assert.False(t, res.TestedAt.IsZero())
	})

	t.Run("created is not success and keeps text", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"a":1}`))
		}))
		defer srv.Close()

		p := NewProber(srv.URL, Options{}, nil)
		res := p.Probe(context.Background(), &oauth2.Token{AccessToken: "tok"})
		assert.False(t, res.Success)
		assert.Equal(t, `{"a":1}`, res.ResponseData)
	})

	t.Run("transport error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		url := srv.URL
		srv.Close()

		p := NewProber(url, Options{}, nil)
		res := p.Probe(context.Background(), &oauth2.Token{AccessToken: "tok"})
		assert.False(t, res.Success)
		assert.Nil(t, res.StatusCode)
		assert.NotEmpty(t, res.Error)
	})
}
