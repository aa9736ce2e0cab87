package emailutil

import "strings"

// Normalize lowercases and trims an email address for comparison.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ExtractDomain returns the part after "@", or "" when email is malformed.
func ExtractDomain(email string) string {
	local, domain, ok := strings.Cut(Normalize(email), "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return ""
	}
	return domain
}

// DomainAllowed reports whether email belongs to one of domains. An empty
// list admits any address that has a domain at all.
func DomainAllowed(email string, domains []string) bool {
	domain := ExtractDomain(email)
	if domain == "" {
		return false
	}
	if len(domains) == 0 {
		return true
	}
	for _, d := range domains {
		if strings.EqualFold(strings.TrimSpace(d), domain) {
			return true
		}
	}
	return false
}
