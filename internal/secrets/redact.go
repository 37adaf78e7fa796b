package secrets

import "regexp"

// Patterns that must never reach a log line: connection-string
// credentials, bearer tokens, and key=value credential assignments.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(postgres|redis|mysql)://[^:/\s]+:[^@\s]+@`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-._~+/]+=*`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)=[^\s&"']+`),
}

// Redact scrubs credential material from a string before it is logged.
func Redact(s string) string {
	for _, pattern := range redactPatterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
