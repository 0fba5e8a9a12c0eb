package logutil

import "strings"

// maxLogField caps user-provided values (session names, reasons) in log lines.
const maxLogField = 200

// SanitizeForLog flattens a user-provided string onto one line so it cannot
// forge extra log entries: newlines and tabs become spaces, other control
// characters are dropped, and overly long values are cut with an ellipsis.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			r = ' '
		case r < 32 || r == 0x7f:
			continue
		}
		if n == maxLogField {
			b.WriteString("...")
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}
