package util

import "fmt"

// DefaultLogMaxLen caps provider-supplied text in log lines. Providers can
// return arbitrarily long error descriptions and HTML bodies.
const DefaultLogMaxLen = 256

// TruncateLog truncates long strings for log output.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}
