package validate

import (
	"strings"
)

// MaxIdentifierLength caps SanitizeIdentifier output.
const MaxIdentifierLength = 100

// MaxFileNameLength caps SanitizeFileName output.
const MaxFileNameLength = 255

var markupEscaper = strings.NewReplacer(
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
)

// Sanitize strips ASCII control characters, escapes markup-significant
// characters and trims surrounding whitespace. Ampersands are left as is so
// that Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(input string) string {
	return strings.TrimSpace(markupEscaper.Replace(stripControl(input)))
}

// SanitizeIdentifier keeps only [a-zA-Z0-9_-] and truncates to
// MaxIdentifierLength. Use it wherever a string becomes a storage key.
func SanitizeIdentifier(input string) string {
	return keep(input, MaxIdentifierLength, func(r rune) bool {
		return isAlnum(r) || r == '_' || r == '-'
	}, false)
}

// SanitizeFileName replaces anything outside [a-zA-Z0-9._-] with an
// underscore, drops leading dots and truncates to MaxFileNameLength.
func SanitizeFileName(input string) string {
	name := strings.TrimLeft(input, ".")
	return keep(name, MaxFileNameLength, func(r rune) bool {
		return isAlnum(r) || r == '_' || r == '-' || r == '.'
	}, true)
}

// SanitizeMap applies Sanitize to every string value in m, recursing into
// nested maps and slices. Keys go through SanitizeIdentifier. The input is
// not modified.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := SanitizeIdentifier(k)
		if key == "" {
			continue
		}
		out[key] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return Sanitize(val)
	case map[string]any:
		return SanitizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

func keep(s string, max int, allowed func(rune) bool, replace bool) string {
	var b strings.Builder
	n := 0
	for _, r := range s {
		if n >= max {
			break
		}
		switch {
		case allowed(r):
			b.WriteRune(r)
		case replace:
			b.WriteByte('_')
		default:
			continue
		}
		n++
	}
	return b.String()
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
