package mcperr

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxErrorLength bounds the size of error text surfaced in status events.
const MaxErrorLength = 500

// HTMLResponseHint replaces error text that turned out to be an HTML page.
const HTMLResponseHint = "server returned an HTML page instead of an MCP response; check that the URL points at an MCP endpoint"

var htmlMarkers = []string{"<!doctype html", "<html", "<head", "<body", "<?xml"}

// LooksLikeHTML reports whether s begins with an HTML document or fragment
// marker. Markers later in the text do not count, so relayed errors that
// merely mention a tag pass through.
func LooksLikeHTML(s string) bool {
	lower := strings.ToLower(strings.TrimSpace(s))
	for _, marker := range htmlMarkers {
		if strings.HasPrefix(lower, marker) {
			return true
		}
	}
	return false
}

// Sanitize turns raw error text into something safe to show in a status
// line: HTML documents become HTMLResponseHint and everything else is
// truncated to MaxErrorLength bytes on a rune boundary.
func Sanitize(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return ""
	}
	if LooksLikeHTML(msg) {
		return HTMLResponseHint
	}
	return Truncate(msg, MaxErrorLength)
}

// SanitizeError is Sanitize applied to err.Error(); nil yields "". Errors
// wrapping ErrHTMLResponse always yield the bare hint.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrHTMLResponse) {
		return HTMLResponseHint
	}
	return Sanitize(err.Error())
}

// Truncate shortens s to at most limit bytes, appending an ellipsis when
// anything was cut.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	const ellipsis = "…"
	cut := limit - len(ellipsis)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
