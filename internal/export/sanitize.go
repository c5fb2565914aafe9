package export

import (
	"strings"
	"unicode"
)

const maxObjectNameLen = 80

func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}

// ObjectName derives a URL-safe artifact base name from a room id. Spaces
// become underscores, and leading dots are stripped so the name is never
// hidden or relative.
func ObjectName(roomID string) string {
	name := SanitizeName(roomID, maxObjectNameLen)
	name = strings.Map(func(r rune) rune {
		switch r {
		case ' ', ',', '(', ')':
			return '_'
		}
		return r
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "export"
	}
	return name
}
