package agent

// RepetitionTracker detects a model stuck issuing the same action.
type RepetitionTracker struct {
	threshold int
	last      string
	count     int
}

// NewRepetitionTracker escalates on the threshold-th identical action.
func NewRepetitionTracker(threshold int) *RepetitionTracker {
	if threshold <= 0 {
		threshold = DefaultRepeatThreshold
	}
	return &RepetitionTracker{threshold: threshold}
}

// Observe records an action signature and reports whether the loop must
// escalate instead of executing it. Escalation resets the counter, so the
// next identical action counts from 1 again.
func (r *RepetitionTracker) Observe(sig string) bool {
	if sig == r.last && r.count > 0 {
		r.count++
	} else {
		r.last = sig
		r.count = 1
	}
	if r.count >= r.threshold {
		r.count = 0
		return true
	}
	return false
}

// Count is the current run length of identical signatures.
func (r *RepetitionTracker) Count() int {
	return r.count
}
