package store

// Field names one of the two monotonic numbers of a counter.
type Field string

const (
	FieldIssued Field = "issued"
	FieldCalled Field = "called"
)

// CounterState is the current numbering of one counter.
type CounterState struct {
	Slug                string
	LastIssued          int64
	LastCalled          int64
	Active              bool
	Epoch               int64
	NeedsReconciliation bool
}

// Consistent reports whether 0 <= called <= issued holds.
func (s CounterState) Consistent() bool {
	return s.LastCalled >= 0 && s.LastCalled <= s.LastIssued
}

// Waiting is the number of issued tickets that have not been called yet.
func (s CounterState) Waiting() int64 {
	if s.LastIssued <= s.LastCalled {
		return 0
	}
	return s.LastIssued - s.LastCalled
}

// After reports whether s is strictly later than prev. States are ordered by
// epoch first, then by both numbers; a state where one number went down within
// the same epoch is never later.
func (s CounterState) After(prev CounterState) bool {
	if s.Epoch != prev.Epoch {
		return s.Epoch > prev.Epoch
	}
	if s.LastIssued < prev.LastIssued || s.LastCalled < prev.LastCalled {
		return false
	}
	return s.LastIssued != prev.LastIssued || s.LastCalled != prev.LastCalled
}
