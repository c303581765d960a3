package storage

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const maxNameLength = 80

var (
	nonWordRe    = regexp.MustCompile(`[^\w\s-]+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// SanitizeFilename strips non-word characters, turns whitespace runs into
// underscores and caps the length. It never returns "".
func SanitizeFilename(title string) string {
	name := nonWordRe.ReplaceAllString(title, "")
	name = whitespaceRe.ReplaceAllString(strings.TrimSpace(name), "_")
	if len(name) > maxNameLength {
		name = strings.TrimRight(name[:maxNameLength], "_-")
	}
	if name == "" {
		name = "book"
	}
	return name
}

// ObjectName is a collision-free storage name: a fresh uuid, the sanitized
// title and the lower-cased format extension.
func ObjectName(title string, format string) string {
	ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	name := uuid.NewString() + "_" + SanitizeFilename(title)
	if ext != "" {
		name += "." + ext
	}
	return name
}
