package policy

import "regexp"

var (
	cookiePairPattern = regexp.MustCompile(`\b(c_user|xs|fr|datr|sb|presence|i_user|spin|wd)=([^;\s"']+)`)
	jsonValuePattern  = regexp.MustCompile(`("value"\s*:\s*")[^"]*(")`)
	emailPattern      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// RedactCredential masks session cookie values and e-mail addresses in text
// that may surface in logs or operator views.
func RedactCredential(input string) string {
	out := cookiePairPattern.ReplaceAllString(input, "$1=[REDACTED]")
	out = jsonValuePattern.ReplaceAllString(out, "${1}[REDACTED]${2}")
	return emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
}
