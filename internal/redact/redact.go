// Package redact masks credential material before it reaches the audit log
// or leaves the process in error payloads.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// Mask replaces sensitive values.
	Mask = "[REDACTED]"

	// MaxStringLen bounds every string that survives redaction.
	MaxStringLen = 500
)

var (
	sensitiveKeyRE = regexp.MustCompile(`(?i)(key|token|secret|pass|pwd|auth|authorization)`)

	// Keys that match the sensitive pattern but carry no secret material.
	allowedKeys = map[string]struct{}{
		"public_key": {},
		"key_path":   {},
		"key_file":   {},
		"author":     {},
		"authors":    {},
	}

	// Maps whose values are redacted wholesale regardless of key names.
	opaqueMaps = map[string]struct{}{
		"env":       {},
		"variables": {},
	}

	// Binary-bearing keys replaced by size placeholders instead of content.
	binaryKeys = map[string]string{
		"body_base64":    "base64",
		"content_base64": "base64",
		"stdin":          "stdin",
		"patch":          "patch",
	}
)

// SensitiveKey reports whether a field name matches the credential pattern.
func SensitiveKey(key string) bool {
	if _, ok := allowedKeys[strings.ToLower(key)]; ok {
		return false
	}
	return sensitiveKeyRE.MatchString(key)
}

// Value deep-copies v with credential fields masked, opaque maps blanked,
// binary bodies replaced by placeholders, and long strings truncated. The
// input is never mutated.
func Value(v any) any {
	return redactValue(v, false)
}

func redactValue(v any, maskAll bool) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			switch {
			case maskAll:
				out[k] = Mask
			case isBinaryKey(k):
				out[k] = binaryPlaceholder(k, item)
			case SensitiveKey(k):
				out[k] = Mask
			default:
				_, opaque := opaqueMaps[strings.ToLower(k)]
				out[k] = redactValue(item, opaque)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item, maskAll)
		}
		return out
	case string:
		if maskAll {
			return Mask
		}
		return Truncate(val, MaxStringLen)
	default:
		if maskAll {
			return Mask
		}
		return v
	}
}

func isBinaryKey(key string) bool {
	_, ok := binaryKeys[strings.ToLower(key)]
	return ok
}

func binaryPlaceholder(key string, v any) any {
	label := binaryKeys[strings.ToLower(key)]
	if s, ok := v.(string); ok {
		return fmt.Sprintf("[%s:%d]", label, len(s))
	}
	return fmt.Sprintf("[%s]", label)
}

// Truncate bounds a string to max bytes on a UTF-8 boundary, appending a
// marker when it was cut.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	const marker = "...[truncated]"
	cut := max - len(marker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

var (
	// PEM blocks are redacted whole; they are almost always key material.
	pemBeginRE = regexp.MustCompile(`(?m)^-----BEGIN [A-Z0-9 ][A-Z0-9 ]+-----\s*$`)
	pemEndRE   = regexp.MustCompile(`(?m)^-----END [A-Z0-9 ][A-Z0-9 ]+-----\s*$`)

	kvSecretRE = regexp.MustCompile(`(?i)\b(password|passwd|passphrase|secret|token|api[_-]?key|client[_-]?secret|private[_-]?key)\b\s*[:=]\s*(.+)$`)
	bearerRE   = regexp.MustCompile(`(?i)\bauthorization\s*:\s*bearer\s+([A-Za-z0-9\-._~+/]+=*)`)

	awsAccessKeyRE = regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`)
	jwtRE          = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`)
)

// Text removes likely-secret material from free-form text (command output,
// error messages). It is intentionally conservative: anything that looks
// sensitive is replaced. Returns the redacted text and the replacement count.
func Text(input string) (string, int) {
	if input == "" {
		return input, 0
	}

	lines := strings.Split(input, "\n")
	redactions := 0
	pemDropped := false

	inPEM := false
	for i, line := range lines {
		if !inPEM && pemBeginRE.MatchString(line) {
			inPEM = true
			pemDropped = true
			lines[i] = "[REDACTED PEM BLOCK]"
			redactions++
			continue
		}
		if inPEM {
			if pemEndRE.MatchString(line) {
				inPEM = false
			}
			lines[i] = ""
			continue
		}

		if m := kvSecretRE.FindStringSubmatchIndex(line); m != nil {
			valueStart, valueEnd := m[4], m[5]
			if valueStart >= 0 && valueEnd > valueStart {
				lines[i] = line[:valueStart] + Mask
				redactions++
				continue
			}
		}

		if bearerRE.MatchString(line) {
			lines[i] = bearerRE.ReplaceAllString(line, "Authorization: Bearer "+Mask)
			redactions++
			continue
		}

		if awsAccessKeyRE.MatchString(line) {
			lines[i] = awsAccessKeyRE.ReplaceAllString(line, "[REDACTED_AWS_ACCESS_KEY]")
			redactions++
		}
		if jwtRE.MatchString(lines[i]) {
			lines[i] = jwtRE.ReplaceAllString(lines[i], "[REDACTED_JWT]")
			redactions++
		}
	}

	if !pemDropped {
		return strings.Join(lines, "\n"), redactions
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l == "" {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n"), redactions
}
