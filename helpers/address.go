package helpers

import (
	"net/mail"
	"strings"
)

// NormalizeAddress trims whitespace and angle brackets from an SMTP envelope
// address and lowercases it.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

// SplitEmailAddress splits an address into its local part and domain.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(email)
	local, domain, _ := strings.Cut(email, "@")
	return local, domain
}

// IsValidAddress reports whether s has the basic shape of an email address.
// Template-evaluated recipient lists are filtered through this before any
// relay attempt.
func IsValidAddress(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	a, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	// ParseAddress accepts some forms without a domain; require one.
	_, domain, found := strings.Cut(a.Address, "@")
	return found && domain != ""
}
