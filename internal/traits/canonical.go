package traits

import (
	"strings"
	"unicode"
)

// Canonical normalizes a raw trait name to its registry key: strip a trailing
// "Trait", break camel-case boundaries with underscores, lower-case. The
// function is idempotent, so "ResourceDiversifierTrait", "ResourceDiversifier"
// and "resource_diversifier" all collide to one family.
func Canonical(raw string) string {
	name := strings.TrimSuffix(raw, "Trait")
	runes := []rune(name)

	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return strings.Trim(b.String(), "_")
}
