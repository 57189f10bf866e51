package session

// Detector decides, from a consistent pair of counters, whether a session
// has reached completion. It must be pure: the registry calls it while
// holding the session's lock.
type Detector func(contributions, expected int) bool

// ExpectedCount completes a session once the number of contributions equals
// the expected contributor count. A session expecting zero contributors only
// completes through an explicit finish.
func ExpectedCount(contributions, expected int) bool {
	return expected > 0 && contributions == expected
}
