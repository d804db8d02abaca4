package utils

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`) // Invalid in Windows or Unix file names
	underscoreRuns      = regexp.MustCompile(`_{2,}`)
)

// maxStemLength keeps a sanitized stem plus the url_hash suffix and extension well under 255 bytes
const maxStemLength = 100

// SanitizeFilename turns a URL path segment into a file name component that is safe on any
// local filesystem. Unsafe characters become underscores and long names are cut on a rune
// boundary. An empty result becomes "untitled".
func SanitizeFilename(name string) string {
	s := unsafeFilenameChars.ReplaceAllString(name, "_")
	s = underscoreRuns.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_ ")

	if len(s) > maxStemLength {
		cut := maxStemLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = strings.Trim(s[:cut], "_ ")
	}

	if s == "" {
		return "untitled"
	}
	return s
}
