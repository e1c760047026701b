// Package claims reads the payload segment of a JWT without verifying its signature.
//
// The decoded claims only drive caching and refresh decisions. Anything that cannot be
// decoded is treated as expired.
package claims

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrDecode is the root of every decoding failure.
	ErrDecode = errors.New("token claims could not be decoded")

	// ErrMalformed indicates the token does not have a payload segment.
	ErrMalformed = fmt.Errorf("%w: malformed token", ErrDecode)
)

// tenantClaimKeys are checked in order; the first non-empty string wins.
var tenantClaimKeys = []string{"tenant_id", "tenantId", "tid", "org_id"}

// namespacedTenantSuffix matches custom claims such as "https://example.com/tenant_id".
const namespacedTenantSuffix = "/tenant_id"

// segmentParser restores base64 padding before decoding.
var segmentParser = jwt.NewParser(jwt.WithPaddingAllowed())

// now is swapped in tests.
var now = time.Now

// View is the subset of claims the rest of the system cares about.
type View struct {
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	TenantID  string     `json:"tenant_id,omitempty"`
	Subject   string     `json:"subject,omitempty"`
	Issuer    string     `json:"issuer,omitempty"`
}

// Decode parses the payload segment of token.
func Decode(token string) (jwt.MapClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMalformed
	}

	parts := strings.Split(token, ".")
	if len(parts) < 2 || parts[1] == "" {
		return nil, ErrMalformed
	}

	payload, err := segmentParser.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload segment: %v", ErrDecode, err)
	}

	var mc jwt.MapClaims
	if err := json.Unmarshal(payload, &mc); err != nil {
		return nil, fmt.Errorf("%w: payload json: %v", ErrDecode, err)
	}
	if mc == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrDecode)
	}

	return mc, nil
}

// DecodeView returns the claims view for token.
func DecodeView(token string) (*View, error) {
	mc, err := Decode(token)
	if err != nil {
		return nil, err
	}

	view := &View{TenantID: tenantFrom(mc)}
	if exp, ok := expiryFrom(mc); ok {
		view.ExpiresAt = &exp
	}
	view.Subject, _ = mc.GetSubject()
	view.Issuer, _ = mc.GetIssuer()

	return view, nil
}

// DecodeExpiry returns the exp claim, or false when it is absent or unreadable.
func DecodeExpiry(token string) (time.Time, bool) {
	mc, err := Decode(token)
	if err != nil {
		return time.Time{}, false
	}
	return expiryFrom(mc)
}

// DecodeTenantID returns the tenant claim, or false when none is present.
func DecodeTenantID(token string) (string, bool) {
	mc, err := Decode(token)
	if err != nil {
		return "", false
	}
	tenant := tenantFrom(mc)
	return tenant, tenant != ""
}

// IsExpired reports whether token is expired at the current time.
func IsExpired(token string) bool {
	return IsExpiredAt(token, now())
}

// IsExpiredAt reports whether token is expired at t. Tokens without a readable exp claim
// are always expired.
func IsExpiredAt(token string, t time.Time) bool {
	exp, ok := DecodeExpiry(token)
	if !ok {
		return true
	}
	return !t.Before(exp)
}

// TimeUntilExpiry returns the remaining lifetime, or zero for expired or undecodable tokens.
func TimeUntilExpiry(token string, t time.Time) time.Duration {
	exp, ok := DecodeExpiry(token)
	if !ok || !t.Before(exp) {
		return 0
	}
	return exp.Sub(t)
}

func expiryFrom(mc jwt.MapClaims) (time.Time, bool) {
	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func tenantFrom(mc jwt.MapClaims) string {
	for _, key := range tenantClaimKeys {
		if v, ok := mc[key].(string); ok && v != "" {
			return v
		}
	}
	for key, value := range mc {
		if !strings.HasSuffix(key, namespacedTenantSuffix) {
			continue
		}
		if v, ok := value.(string); ok && v != "" {
			return v
		}
	}
	return ""
}
