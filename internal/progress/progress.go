package progress

import (
	"fmt"
	"sync"
	"time"
)

// Reporter receives progress of a directory sync as it walks upstream pages
type Reporter interface {
	// Begin starts tracking a run of the named directory
	Begin(directory string)
	// Page reports that a page with the given number of records was fetched
	Page(records int)
	// Record reports the outcome of one upstream record
	Record(ident string, outcome Outcome)
	// Error reports a per-record failure
	Error(ident string, err error)
	// Done marks the end of the run
	Done()
}

// Outcome is what happened to one upstream record
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeUpdated
	OutcomeDeactivated
	OutcomeSkipped
)

// String returns the outcome name
func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeDeactivated:
		return "deactivated"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Callback is a function that receives progress updates
type Callback func(update Update)

// UpdateType indicates the type of progress update
type UpdateType int

const (
	UpdateBegin UpdateType = iota
	UpdatePage
	UpdateRecord
	UpdateError
	UpdateDone
)

// Update is a snapshot of run progress
type Update struct {
	Type      UpdateType
	Directory string
	Ident     string
	Outcome   Outcome
	Err       error

	Pages       int
	Fetched     int
	Created     int
	Updated     int
	Deactivated int
	Skipped     int
	Errors      int

	RecordsPerSecond float64
}

// Processed returns the number of records handled so far
func (u Update) Processed() int {
	return u.Created + u.Updated + u.Deactivated + u.Skipped + u.Errors
}

// CallbackReporter implements Reporter with a callback function
type CallbackReporter struct {
	callback Callback
	mu       sync.Mutex
	state    Update
	started  time.Time
}

// NewCallbackReporter creates a new CallbackReporter
func NewCallbackReporter(callback Callback) *CallbackReporter {
	return &CallbackReporter{callback: callback}
}

// Begin resets counters for a new run
func (r *CallbackReporter) Begin(directory string) {
	r.emit(func(s *Update) {
		*s = Update{Directory: directory}
		r.started = time.Now()
	}, UpdateBegin)
}

// Page records a fetched page
func (r *CallbackReporter) Page(records int) {
	r.emit(func(s *Update) {
		s.Pages++
		s.Fetched += records
	}, UpdatePage)
}

// Record counts one record outcome
func (r *CallbackReporter) Record(ident string, outcome Outcome) {
	r.emit(func(s *Update) {
		s.Ident = ident
		s.Outcome = outcome
		switch outcome {
		case OutcomeCreated:
			s.Created++
		case OutcomeUpdated:
			s.Updated++
		case OutcomeDeactivated:
			s.Deactivated++
		case OutcomeSkipped:
			s.Skipped++
		}
	}, UpdateRecord)
}

// Error counts one failed record
func (r *CallbackReporter) Error(ident string, err error) {
	r.emit(func(s *Update) {
		s.Ident = ident
		s.Err = err
		s.Errors++
	}, UpdateError)
}

// Done emits the final snapshot
func (r *CallbackReporter) Done() {
	r.emit(func(s *Update) {}, UpdateDone)
}

// emit applies change under the lock and calls back outside it
func (r *CallbackReporter) emit(change func(s *Update), typ UpdateType) {
	r.mu.Lock()
	change(&r.state)
	r.state.Type = typ
	if elapsed := time.Since(r.started).Seconds(); !r.started.IsZero() && elapsed > 0 {
		r.state.RecordsPerSecond = float64(r.state.Processed()) / elapsed
	}
	update := r.state
	r.state.Ident = ""
	r.state.Err = nil
	callback := r.callback
	r.mu.Unlock()

	// Call callback outside lock to prevent deadlock
	if callback != nil {
		callback(update)
	}
}

// NullReporter is a no-op reporter
type NullReporter struct{}

func (NullReporter) Begin(directory string)               {}
func (NullReporter) Page(records int)                     {}
func (NullReporter) Record(ident string, outcome Outcome) {}
func (NullReporter) Error(ident string, err error)        {}
func (NullReporter) Done()                                {}

// OrNull returns r, or a NullReporter when r is nil
func OrNull(r Reporter) Reporter {
	if r == nil {
		return NullReporter{}
	}
	return r
}

// FormatCounts renders the counters of an update on one line
func FormatCounts(u Update) string {
	return fmt.Sprintf("pages=%d fetched=%d created=%d updated=%d deactivated=%d skipped=%d errors=%d (%s)",
		u.Pages, u.Fetched, u.Created, u.Updated, u.Deactivated, u.Skipped, u.Errors, FormatRate(u.RecordsPerSecond))
}

// FormatRate formats records per second
func FormatRate(perSecond float64) string {
	if perSecond >= 100 {
		return fmt.Sprintf("%.0f rec/s", perSecond)
	}
	return fmt.Sprintf("%.1f rec/s", perSecond)
}
