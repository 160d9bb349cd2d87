package util

import (
	"os"
	"unicode/utf8"
)

const binaryDataNotice = "output contains binary data -- use file staging directives"

// TailFile returns the last maxBytes of the named file, so that captured
// stdout/stderr attached to unit records stays bounded. A missing file reads
// as empty; binary content is replaced with a fixed notice because unit
// records must stay valid UTF-8.
func TailFile(path string, maxBytes int) string {
	content, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if !utf8.Valid(content) {
		return binaryDataNotice
	}
	return Tail(string(content), maxBytes)
}

// Tail returns the trailing maxBytes of s, aligned to the rune boundary that
// follows the cut.
func Tail(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := s[len(s)-maxBytes:]
	for len(cut) > 0 && !utf8.RuneStart(cut[0]) {
		cut = cut[1:]
	}
	return cut
}
