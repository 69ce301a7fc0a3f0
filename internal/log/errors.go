package log

import "errors"

// ErrExpectationFailed is returned by Extend when the caller's view of the
// collection's last counter is stale relative to the current index tail.
var ErrExpectationFailed = errors.New("log: expectation failed")

// ErrStructural is returned by Open when the index file's size is not a
// whole number of 12-byte entries. Offsets and counters inside the index
// are not validated. It is fatal for the collection; callers should not
// attempt to retry.
var ErrStructural = errors.New("log: structural corruption")

// ErrTruncatedFile is returned when the index file is shorter than the
// mandatory dummy entry.
var ErrTruncatedFile = errors.New("log: index file truncated")

// ErrCounterNotMonotonic is returned by Extend(withCounters=true) when a
// caller-supplied counter does not strictly exceed the running counter.
var ErrCounterNotMonotonic = errors.New("log: supplied counter is not strictly increasing")
