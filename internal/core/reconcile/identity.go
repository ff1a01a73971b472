package reconcile

import (
	"strings"

	"github.com/Ning0612/dirsync/internal/domain"
)

// NormalizeEmail picks the primary address, falling back to the principal
// name, trimmed and lowercased. Returns "" when both are blank.
func NormalizeEmail(primary, fallback string) string {
	if email := strings.ToLower(strings.TrimSpace(primary)); email != "" {
		return email
	}
	return strings.ToLower(strings.TrimSpace(fallback))
}

// DeriveNames returns first and last name. Missing parts are taken from the
// display name split at the first space. Results are trimmed and capped.
func DeriveNames(given, surname, display string) (first, last string) {
	first = strings.TrimSpace(given)
	last = strings.TrimSpace(surname)

	if first == "" || last == "" {
		parts := strings.Fields(display)
		if first == "" && len(parts) > 0 {
			first = parts[0]
		}
		if last == "" && len(parts) > 1 {
			last = strings.Join(parts[1:], " ")
		}
	}
	return truncate(first, domain.MaxNameLength), truncate(last, domain.MaxNameLength)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// DomainAllowed reports whether the email's domain is in allowed.
// An empty allow list admits every domain.
func DomainAllowed(email string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	d := domain.DomainOf(email)
	if d == "" {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimPrefix(strings.TrimSpace(a), "@"), d) {
			return true
		}
	}
	return false
}
