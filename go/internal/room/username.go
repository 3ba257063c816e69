package room

import (
	"strings"
	"unicode"
)

const (
	maxDisplayNameRunes = 24
	defaultDisplayName  = "anonymous"
)

// SanitizeDisplayName trims a requested display name, strips control
// characters and anything that could break downstream rendering, and
// truncates to a fixed rune limit. A name that is empty after sanitization
// falls back to the default label.
func SanitizeDisplayName(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if unicode.IsControl(r) {
			continue
		}
		switch r {
		case '<', '>', '&', '"', '\'':
			continue
		}
		b.WriteRune(r)
	}

	name := strings.TrimSpace(b.String())
	if runes := []rune(name); len(runes) > maxDisplayNameRunes {
		name = string(runes[:maxDisplayNameRunes])
	}
	if name == "" {
		return defaultDisplayName
	}
	return name
}
