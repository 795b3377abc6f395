package util

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// Slugify lowercases name and collapses every run of non-alphanumerics into
// a single hyphen.
func Slugify(name string) string {
	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			hyphen = false
			continue
		}
		if !hyphen && b.Len() > 0 {
			b.WriteByte('-')
			hyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// UniqueSlug appends a short random suffix to the slug of name.
func UniqueSlug(name string) string {
	base := Slugify(name)
	if base == "" {
		base = "org"
	}
	if len(base) > 48 {
		base = strings.TrimSuffix(base[:48], "-")
	}
	return base + "-" + uuid.New().String()[:8]
}
