package domain

import "fmt"

// SyncResult is what a provider syncer reports for one run
type SyncResult struct {
	Created     int
	Updated     int
	Deactivated int

	// Notes carries the per-record error summary, if any
	Notes string
}

// Total returns the number of users touched
func (r SyncResult) Total() int {
	return r.Created + r.Updated + r.Deactivated
}

// String renders the counters for logs and CLI output
func (r SyncResult) String() string {
	return fmt.Sprintf("created=%d updated=%d deactivated=%d", r.Created, r.Updated, r.Deactivated)
}

// Outcome returns the success outcome a job ledger records for this result
func (r SyncResult) Outcome() JobOutcome {
	return JobOutcome{
		Status:      JobSuccess,
		Created:     r.Created,
		Updated:     r.Updated,
		Deactivated: r.Deactivated,
		Notes:       r.Notes,
	}
}
