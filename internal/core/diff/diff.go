package diff

import (
	"slices"

	"github.com/Ning0612/dirsync/internal/domain"
)

// Field names a user attribute managed by directory sync
type Field string

const (
	FieldIdentitySource Field = "identity_source"
	FieldActive         Field = "active"
	FieldExternalID     Field = "external_id"
	FieldTenantID       Field = "tenant_id"
	FieldFirstName      Field = "first_name"
	FieldLastName       Field = "last_name"
	FieldJobTitle       Field = "job_title"
	FieldDepartment     Field = "department"
	FieldManagerEmail   Field = "manager_email"
	FieldLicenses       Field = "licenses"
	FieldGroups         Field = "groups"
)

// Users returns the synced fields that differ between the stored and the
// incoming version of a user. A nil stored user differs in every field.
func Users(stored, incoming *domain.User) []Field {
	if incoming == nil {
		return nil
	}
	if stored == nil {
		stored = &domain.User{}
	}

	var changed []Field
	add := func(differs bool, f Field) {
		if differs {
			changed = append(changed, f)
		}
	}

	add(stored.IdentitySource != incoming.IdentitySource, FieldIdentitySource)
	add(stored.Active != incoming.Active, FieldActive)
	add(stored.ExternalID != incoming.ExternalID, FieldExternalID)
	add(stored.TenantID != incoming.TenantID, FieldTenantID)
	add(stored.FirstName != incoming.FirstName, FieldFirstName)
	add(stored.LastName != incoming.LastName, FieldLastName)
	add(stored.JobTitle != incoming.JobTitle, FieldJobTitle)
	add(stored.Department != incoming.Department, FieldDepartment)
	add(stored.ManagerEmail != incoming.ManagerEmail, FieldManagerEmail)
	add(!sameSet(stored.Licenses, incoming.Licenses), FieldLicenses)
	add(!sameSet(stored.Groups, incoming.Groups), FieldGroups)

	return changed
}

// sameSet compares string lists ignoring order; nil equals empty
func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

// Names converts fields to strings for logging
func Names(fields []Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out
}
