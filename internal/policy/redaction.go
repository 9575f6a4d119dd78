package policy

import "regexp"

var (
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`)
	jwtPattern    = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`)
	queryPattern  = regexp.MustCompile(`(?i)((?:access_|refresh_)?token=)[^&\s"]+`)
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// RedactSecrets masks credentials and e-mail addresses before text reaches
// logs or user-visible task state.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := bearerPattern.ReplaceAllString(out, "Bearer [REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	// Query params first so the JWT pass does not leave a dangling "token=".
	next = queryPattern.ReplaceAllString(out, "${1}[REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = jwtPattern.ReplaceAllString(out, "[REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	return out, changed
}

// Redact is RedactSecrets without the change flag.
func Redact(input string) string {
	out, _ := RedactSecrets(input)
	return out
}
