package claims

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type helperT interface {
	require.TestingT
	Helper()
}

func makeToken(t helperT, payload map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(body) + ".c2lnbmF0dXJl"
}

func TestIsExpired_FailClosed(t *testing.T) {
	noExp := makeToken(t, map[string]any{"sub": "user"})
	badJSON := "eyJhbGciOiJIUzI1NiJ9." + base64.RawURLEncoding.EncodeToString([]byte("not json")) + ".sig"
	stringExp := makeToken(t, map[string]any{"exp": "tomorrow"})

	cases := map[string]string{
		"empty":            "",
		"whitespace":       "   ",
		"single segment":   "abc",
		"empty payload":    "abc..def",
		"bad base64":       "abc.!!!!.def",
		"payload not json": badJSON,
		"missing exp":      noExp,
		"non numeric exp":  stringExp,
		"array payload":    "x." + base64.RawURLEncoding.EncodeToString([]byte(`[1,2]`)) + ".y",
	}

	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			assert.True(t, IsExpired(token))
		})
	}
}

func TestIsExpired_Boundaries(t *testing.T) {
	fixed := time.Unix(1_750_000_000, 0)
	orig := now
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = orig })

	t.Run("exp in the past", func(t *testing.T) {
		token := makeToken(t, map[string]any{"exp": fixed.Unix() - 1})
		assert.True(t, IsExpired(token))
	})

	t.Run("exp equal to now is expired", func(t *testing.T) {
		token := makeToken(t, map[string]any{"exp": fixed.Unix()})
		assert.True(t, IsExpired(token))
	})

	t.Run("exp an hour ahead", func(t *testing.T) {
		token := makeToken(t, map[string]any{"exp": fixed.Unix() + 3600})
		assert.False(t, IsExpired(token))
		assert.Equal(t, time.Hour, TimeUntilExpiry(token, fixed))
	})
}

func TestDecode_RestoresPadding(t *testing.T) {
	// Payload lengths chosen so the raw segment length is not a multiple of four.
	for _, sub := range []string{"a", "ab", "abc", "abcd"} {
		token := makeToken(t, map[string]any{"sub": sub, "exp": 4_102_444_800})
		exp, ok := DecodeExpiry(token)
		require.True(t, ok, "sub=%s", sub)
		assert.Equal(t, int64(4_102_444_800), exp.Unix())
	}
}

func TestDecode_PaddedSegment(t *testing.T) {
	body := base64.URLEncoding.EncodeToString([]byte(`{"exp":4102444800,"s":"x"}`))
	_, ok := DecodeExpiry("h." + body + ".s")
	assert.True(t, ok)
}

func TestDecode_ErrorsWrapErrDecode(t *testing.T) {
	_, err := Decode("a.%%%.b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))

	_, err = Decode("")
	assert.ErrorIs(t, err, ErrMalformed)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeTenantID(t *testing.T) {
	t.Run("plain claim", func(t *testing.T) {
		tenant, ok := DecodeTenantID(makeToken(t, map[string]any{"tenant_id": "t-1"}))
		require.True(t, ok)
		assert.Equal(t, "t-1", tenant)
	})

	t.Run("namespaced claim", func(t *testing.T) {
		tenant, ok := DecodeTenantID(makeToken(t, map[string]any{"https://sharp.example/tenant_id": "t-2"}))
		require.True(t, ok)
		assert.Equal(t, "t-2", tenant)
	})

	t.Run("absent", func(t *testing.T) {
		_, ok := DecodeTenantID(makeToken(t, map[string]any{"sub": "x"}))
		assert.False(t, ok)
	})

	t.Run("undecodable", func(t *testing.T) {
		_, ok := DecodeTenantID("garbage")
		assert.False(t, ok)
	})
}

func TestDecodeView(t *testing.T) {
	token := makeToken(t, map[string]any{"exp": 4_102_444_800, "tid": "tenant", "sub": "me", "iss": "https://idp"})
	view, err := DecodeView(token)
	require.NoError(t, err)
	require.NotNil(t, view.ExpiresAt)
	assert.Equal(t, int64(4_102_444_800), view.ExpiresAt.Unix())
	assert.Equal(t, "tenant", view.TenantID)
	assert.Equal(t, "me", view.Subject)
	assert.Equal(t, "https://idp", view.Issuer)
}

func TestIsExpiredAt_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		exp := rapid.Int64Range(1, 4_000_000_000).Draw(rt, "exp")
		at := rapid.Int64Range(1, 4_000_000_000).Draw(rt, "at")
		token := makeToken(rt, map[string]any{"exp": exp})
		want := at >= exp
		if got := IsExpiredAt(token, time.Unix(at, 0)); got != want {
			rt.Fatalf("IsExpiredAt(exp=%d, at=%d) = %v, want %v", exp, at, got, want)
		}
	})
}

func TestIsExpired_ArbitraryInputProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.StringMatching(`[A-Za-z0-9_\-]{0,40}`).Draw(rt, "token")
		if !IsExpired(s) {
			rt.Fatalf("expected undotted input %q to be expired", s)
		}
	})
}
