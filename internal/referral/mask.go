package referral

import "strings"

// Mask redacts an email for display: the first and last character of the
// local part survive, the domain is kept. Local parts of one or two
// characters keep only the first.
func Mask(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "***"
	}
	local, domain := []rune(email[:at]), email[at+1:]
	if domain == "" {
		return "***"
	}
	switch {
	case len(local) == 0:
		return "***@" + domain
	case len(local) <= 2:
		return string(local[0]) + "***@" + domain
	default:
		return string(local[0]) + "***" + string(local[len(local)-1]) + "@" + domain
	}
}
