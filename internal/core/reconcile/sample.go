package reconcile

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultSampleLimit is how many error messages a run keeps
const DefaultSampleLimit = 5

// ErrorSampler counts per-record errors and keeps the first few messages
type ErrorSampler struct {
	mu      sync.Mutex
	limit   int
	count   int
	samples []string
}

// NewErrorSampler creates a sampler; limit <= 0 uses DefaultSampleLimit
func NewErrorSampler(limit int) *ErrorSampler {
	if limit <= 0 {
		limit = DefaultSampleLimit
	}
	return &ErrorSampler{limit: limit}
}

// Add records one error for the given record identifier
func (s *ErrorSampler) Add(ident string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	if len(s.samples) < s.limit {
		s.samples = append(s.samples, fmt.Sprintf("%s: %v", ident, err))
	}
}

// Count returns the number of errors seen
func (s *ErrorSampler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Samples returns a copy of the kept messages
func (s *ErrorSampler) Samples() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.samples...)
}

// Notes renders "errors=N; samples: a; b", or "" when there were none
func (s *ErrorSampler) Notes() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return ""
	}
	return fmt.Sprintf("errors=%d; samples: %s", s.count, strings.Join(s.samples, "; "))
}
