package logs

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// SecretSanitizer wraps a zapcore.Core to mask bearer tokens, JWTs, subscription keys and
// passwords before they reach any output.
type SecretSanitizer struct {
	zapcore.Core
	patterns      []*secretPattern
	resolvedCache *sync.Map
}

type secretPattern struct {
	name     string
	regex    *regexp.Regexp
	maskFunc func(string) string
}

var defaultPatterns = []*secretPattern{
	{
		name:  "bearer_token",
		regex: regexp.MustCompile(`\bBearer\s+[A-Za-z0-9\-\._~\+\/]+=*`),
		maskFunc: func(match string) string {
			fields := strings.Fields(match)
			if len(fields) != 2 {
				return "Bearer ****"
			}
			return "Bearer " + MaskToken(fields[1])
		},
	},
	{
		name:     "jwt",
		regex:    regexp.MustCompile(`\beyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]*`),
		maskFunc: MaskToken,
	},
	// header or JSON field carrying the API management key
	assignmentPattern("subscription_key", `(?i)((?:ocp-apim-subscription-key|subscription_key)["']?\s*[:=]\s*["']?)([A-Za-z0-9]{8,})`),
	assignmentPattern("password", `(?i)((?:password|password_1|passwd)["']?\s*[:=]\s*["']?)([^\s"'&,}]+)`),
}

// NewSecretSanitizer creates a new sanitizing core that wraps the provided core
func NewSecretSanitizer(core zapcore.Core) *SecretSanitizer {
	return &SecretSanitizer{
		Core:          core,
		patterns:      defaultPatterns,
		resolvedCache: &sync.Map{},
	}
}

// RegisterResolvedSecret registers a secret value resolved from keyring or env so it is
// masked wherever it appears.
func (s *SecretSanitizer) RegisterResolvedSecret(value string) {
	if len(value) < 4 {
		return
	}
	s.resolvedCache.Store(value, true)
}

// UnregisterResolvedSecret removes a secret from the mask cache
func (s *SecretSanitizer) UnregisterResolvedSecret(value string) {
	s.resolvedCache.Delete(value)
}

func (s *SecretSanitizer) sanitizeString(str string) string {
	result := str
	s.resolvedCache.Range(func(key, _ any) bool {
		if secretValue, ok := key.(string); ok && secretValue != "" {
			result = strings.ReplaceAll(result, secretValue, maskValue(secretValue))
		}
		return true
	})
	return applyPatterns(s.patterns, result)
}

// Write sanitizes the entry before writing
func (s *SecretSanitizer) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = s.sanitizeString(entry.Message)
	return s.Core.Write(entry, s.sanitizeFields(fields))
}

func (s *SecretSanitizer) sanitizeFields(fields []zapcore.Field) []zapcore.Field {
	sanitized := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		sanitized[i] = s.sanitizeField(field)
	}
	return sanitized
}

func (s *SecretSanitizer) sanitizeField(field zapcore.Field) zapcore.Field {
	switch field.Type {
	case zapcore.StringType:
		field.String = s.sanitizeString(field.String)
	case zapcore.ByteStringType:
		if b, ok := field.Interface.([]byte); ok {
			field.Interface = []byte(s.sanitizeString(string(b)))
		}
	case zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok {
			original := err.Error()
			if sanitized := s.sanitizeString(original); sanitized != original {
				return zapcore.Field{Key: field.Key, Type: zapcore.StringType, String: sanitized}
			}
		}
	case zapcore.StringerType, zapcore.ReflectType:
		if stringer, ok := field.Interface.(interface{ String() string }); ok {
			original := stringer.String()
			if sanitized := s.sanitizeString(original); sanitized != original {
				return zapcore.Field{Key: field.Key, Type: zapcore.StringType, String: sanitized}
			}
		}
	}
	return field
}

// With creates a sanitizing child core
func (s *SecretSanitizer) With(fields []zapcore.Field) zapcore.Core {
	return &SecretSanitizer{
		Core:          s.Core.With(s.sanitizeFields(fields)),
		patterns:      s.patterns,
		resolvedCache: s.resolvedCache,
	}
}

// Check delegates to the wrapped core
func (s *SecretSanitizer) Check(entry zapcore.Entry, checkedEntry *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return checkedEntry.AddCore(entry, s)
	}
	return checkedEntry
}

// MaskToken shortens a credential for display: the first ten and last four characters of
// long values, stars otherwise.
func MaskToken(token string) string {
	switch {
	case token == "":
		return "<none>"
	case len(token) <= 20:
		return "****"
	default:
		return token[:10] + "..." + token[len(token)-4:]
	}
}

// Redact masks every bearer token, JWT, subscription key and password assignment in text.
func Redact(text string) string {
	return applyPatterns(defaultPatterns, text)
}

func applyPatterns(patterns []*secretPattern, text string) string {
	for _, pattern := range patterns {
		text = pattern.regex.ReplaceAllStringFunc(text, pattern.maskFunc)
	}
	return text
}

// assignmentPattern keeps the key part of a key=value match and masks the value.
func assignmentPattern(name, expr string) *secretPattern {
	re := regexp.MustCompile(expr)
	return &secretPattern{
		name:  name,
		regex: re,
		maskFunc: func(match string) string {
			parts := re.FindStringSubmatch(match)
			if len(parts) < 3 {
				return match
			}
			return parts[1] + maskValue(parts[2])
		},
	}
}

// maskValue shows the first 3 and last 2 characters of long values
func maskValue(value string) string {
	if len(value) <= 5 {
		return "****"
	}
	if len(value) <= 8 {
		return value[:2] + "****"
	}
	return value[:3] + "***" + value[len(value)-2:]
}
