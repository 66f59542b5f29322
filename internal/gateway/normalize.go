package gateway

import "strings"

// NormalizeBody puts outgoing plain text into the block-tagged form the
// server stores, so queued text can be compared byte-for-byte against
// server-confirmed bodies when building the de-duplication window.
func NormalizeBody(body string) string {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "<") {
		return trimmed
	}
	return "<p>" + trimmed + "</p>"
}
