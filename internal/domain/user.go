package domain

import (
	"strings"
	"time"
)

// IdentitySource tells where a local user's identity is mastered
type IdentitySource string

const (
	SourceLocal  IdentitySource = "LOCAL"
	SourceAzure  IdentitySource = "AZURE"
	SourceGoogle IdentitySource = "GOOGLE"
)

// MaxNameLength caps first and last names
const MaxNameLength = 150

// User is a record in the local user store
type User struct {
	ID             int64
	Email          string
	EmailDomain    string
	IdentitySource IdentitySource
	Active         bool

	// ExternalID is the provider object id, unique per identity source
	ExternalID string
	TenantID   string

	FirstName    string
	LastName     string
	JobTitle     string
	Department   string
	ManagerEmail string

	Licenses []string
	Groups   []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DomainOf returns the lowercase part after the last @, or ""
func DomainOf(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 || i == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[i+1:])
}
