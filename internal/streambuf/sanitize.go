// ABOUTME: Strips binary and audio payloads smuggled into streamed text fragments
// ABOUTME: Adapters occasionally leak data URIs or raw control bytes into the text channel

package streambuf

import (
	"regexp"
	"strings"
)

// dataURIPattern matches inline base64 payloads (audio blobs and other
// binary content some adapters embed in the text stream).
var dataURIPattern = regexp.MustCompile(`data:[a-zA-Z0-9.+/-]+;base64,[A-Za-z0-9+/=]+`)

// bareBase64Pattern matches long uninterrupted base64 runs with no
// surrounding prose. 256 is well past anything that occurs in natural text.
var bareBase64Pattern = regexp.MustCompile(`[A-Za-z0-9+/]{256,}={0,2}`)

// Sanitize removes embedded binary payloads and control characters from a
// streamed text fragment, preserving all printable content including
// non-ASCII text, newlines and tabs.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}

	text = dataURIPattern.ReplaceAllString(text, "")
	text = bareBase64Pattern.ReplaceAllString(text, "")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' || r == '\r' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
