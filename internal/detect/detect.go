// Package detect provides stateless completion and rate-limit detection
// over accumulated agent output. Both runtimes share these predicates, so
// the marker heuristics live here rather than inline in the I/O loops.
package detect

import "strings"

// Default markers for the plain-text channel protocol. Agents end a turn
// with a separator row or a checkmark; failures surface as prefixed error
// lines. These are best-effort defaults and callers can override them.
var (
	DefaultSuccessMarkers = []string{
		"════════",
		"────────",
		"========",
		"--------",
		"✓",
	}
	DefaultErrorMarkers = []string{
		"Error:",
		"Exception:",
		"Traceback (most recent call last)",
	}
	DefaultRateLimitPatterns = []string{
		"rate limit",
		"rate-limited",
		"too many requests",
		"overloaded",
		"quota exceeded",
	}
)

// Detector matches completion and rate-limit markers in a text buffer.
// The zero value matches nothing; use New for the default marker sets.
type Detector struct {
	SuccessMarkers    []string
	ErrorMarkers      []string
	RateLimitPatterns []string
}

// New returns a Detector with the default marker sets.
func New() *Detector {
	return &Detector{
		SuccessMarkers:    DefaultSuccessMarkers,
		ErrorMarkers:      DefaultErrorMarkers,
		RateLimitPatterns: DefaultRateLimitPatterns,
	}
}

// IsComplete reports whether the buffer contains a turn boundary.
// Error markers count as completion: a failed turn is still a finished
// turn, not a still-running one. failed is true only when an error marker
// matched and no success marker did.
func (d *Detector) IsComplete(buffer string) (done bool, failed bool) {
	for _, m := range d.SuccessMarkers {
		if m != "" && strings.Contains(buffer, m) {
			return true, false
		}
	}
	for _, m := range d.ErrorMarkers {
		if m != "" && strings.Contains(buffer, m) {
			return true, true
		}
	}
	return false, false
}

// IsRateLimited reports whether the buffer mentions upstream throttling.
// Matching is case-insensitive substring search.
func (d *Detector) IsRateLimited(buffer string) bool {
	lower := strings.ToLower(buffer)
	for _, p := range d.RateLimitPatterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
