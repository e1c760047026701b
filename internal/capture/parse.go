package capture

import (
	"encoding/json"
	"regexp"
	"strings"
)

// JWTPrefix is the base64url encoding of `{"`, which starts every JWT header.
const JWTPrefix = "eyJ"

var (
	jwtPattern      = regexp.MustCompile(`eyJ[A-Za-z0-9\-_=]+\.eyJ[A-Za-z0-9\-_=]+\.[A-Za-z0-9\-_.+/=]*`)
	fragmentPattern = regexp.MustCompile(`access_token=([^&]+)`)
	codePattern     = regexp.MustCompile(`[?&#]code=([^&#]+)`)
)

// BearerToken returns the credential from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// FragmentToken returns the access_token parameter from the URL fragment.
func FragmentToken(rawURL string) (string, bool) {
	_, fragment, ok := strings.Cut(rawURL, "#")
	if !ok {
		return "", false
	}
	m := fragmentPattern.FindStringSubmatch(fragment)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// AuthorizationCode returns the OAuth code parameter from the query or fragment.
func AuthorizationCode(rawURL string) (string, bool) {
	m := codePattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// TokenFromStorageValue accepts a JWT-prefixed value, a JSON object holding one under
// access_token or token, or any JWT-shaped substring.
func TokenFromStorageValue(value string) (string, bool) {
	if value == "" {
		return "", false
	}
	if strings.HasPrefix(value, JWTPrefix) {
		return value, true
	}

	var obj map[string]any
	if json.Unmarshal([]byte(value), &obj) == nil {
		for _, key := range []string{"access_token", "token"} {
			if s, ok := obj[key].(string); ok && strings.HasPrefix(s, JWTPrefix) {
				return s, true
			}
		}
	}

	return matchJWT(value)
}

// TokenFromCookieValue accepts a JWT-prefixed value or a JWT-shaped substring.
func TokenFromCookieValue(value string) (string, bool) {
	if strings.HasPrefix(value, JWTPrefix) {
		return value, true
	}
	return matchJWT(value)
}

func matchJWT(value string) (string, bool) {
	if !strings.Contains(value, JWTPrefix) {
		return "", false
	}
	if m := jwtPattern.FindString(value); m != "" {
		return m, true
	}
	return "", false
}
