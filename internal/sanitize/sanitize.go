// Package sanitize scrubs execution output before it crosses the trust
// boundary: absolute paths, container identifiers, and interpreter frame
// references are replaced with generic placeholders, and each stream is
// truncated independently. Sanitization never fabricates content and is
// idempotent; scrubbing already-scrubbed text is a no-op.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// TruncationMarker is appended exactly once when a stream is cut.
const TruncationMarker = "\n... [output truncated]"

var (
	// CPython traceback frame headers leak the script's host path.
	framePattern = regexp.MustCompile(`File "[^"\[][^"]*", line (\d+)`)

	// sandbox-<uuid> container names and bare uuids identify the runtime
	// instance.
	containerPattern = regexp.MustCompile(`\b(?:sandbox-)?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)

	// Absolute filesystem paths with at least two components. Single-slash
	// fragments like "1/2" or "a/b" stay untouched.
	pathPattern = regexp.MustCompile(`/[\w.+-]+(?:/[\w.+-]+)+`)

	// repr() object addresses ("<object at 0x7f...>").
	addrPattern = regexp.MustCompile(`at 0x[0-9a-fA-F]+`)
)

// Sanitizer applies the redaction and truncation rules. maxBytes bounds each
// stream independently.
type Sanitizer struct {
	maxBytes int
}

func New(maxBytes int) *Sanitizer {
	if maxBytes < 1 {
		maxBytes = 64 * 1024
	}
	return &Sanitizer{maxBytes: maxBytes}
}

// Scrub redacts internal identifiers from text without truncating. Every
// replacement is a fixed point of its own pattern, so repeated scrubbing
// changes nothing.
func (s *Sanitizer) Scrub(text string) string {
	if text == "" {
		return ""
	}
	text = framePattern.ReplaceAllString(text, `File "[script]", line $1`)
	text = containerPattern.ReplaceAllString(text, "[container]")
	text = pathPattern.ReplaceAllString(text, "[path]")
	text = addrPattern.ReplaceAllString(text, "at [addr]")
	return text
}

// Clean scrubs and then truncates one stream. A stream already carrying the
// truncation marker is never cut again.
func (s *Sanitizer) Clean(text string) string {
	text = s.Scrub(text)
	if strings.HasSuffix(text, TruncationMarker) {
		return text
	}
	if len(text) <= s.maxBytes {
		return text
	}
	// Back off to a rune boundary so the cut never emits a partial UTF-8
	// sequence.
	cut := s.maxBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + TruncationMarker
}
