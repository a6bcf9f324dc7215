// Package redact strips credentials from strings before they are
// logged. Errors wrapped around connection failures tend to carry the
// full DSN or token that caused them.
package redact

import "regexp"

// Redaction placeholders
const (
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedTokenPlaceholder      = "[REDACTED_JWT]"
)

var (
	// Connection strings with inline credentials
	connStringRegex = regexp.MustCompile(`(?i)(postgres|postgresql|redis|rediss)://[^@\s]+@`)

	// API keys and secrets in key=value or key: value form
	secretRegex = regexp.MustCompile(
		`(?i)(api[_-]?key|token|secret|password|auth)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`,
	)

	// Three-part base64url JWT tokens
	jwtRegex = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`)
)

// String redacts credentials from the input string.
func String(input string) string {
	if input == "" {
		return input
	}

	result := connStringRegex.ReplaceAllString(input, RedactedCredentialPlaceholder)
	result = secretRegex.ReplaceAllString(result, "$1$2"+RedactedKeyPlaceholder)
	result = jwtRegex.ReplaceAllString(result, RedactedTokenPlaceholder)
	return result
}

// Error redacts credentials from an error's Error() output.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
