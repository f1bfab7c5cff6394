package sample

import (
	"github.com/lims/lims/internal/platform/apperr"
)

// Forward order of the main sample path.
var sampleRank = map[string]int{
	StatusReceived:         0,
	StatusInProgress:       1,
	StatusTestingCompleted: 2,
	StatusVerified:         3,
	StatusValidated:        4,
	StatusReported:         5,
}

var testRank = map[string]int{
	TestAssigned:  0,
	TestMeasured:  1,
	TestVerified:  2,
	TestValidated: 3,
}

// IsSampleStatus reports whether s is one of the closed set of sample states.
func IsSampleStatus(s string) bool {
	_, ok := sampleRank[s]
	return ok || s == StatusReturned || s == StatusRejected
}

func IsTestStatus(s string) bool {
	_, ok := testRank[s]
	return ok
}

// IsTerminal reports whether no further sample transition is possible.
func IsTerminal(status string) bool {
	return status == StatusReported || status == StatusReturned || status == StatusRejected
}

// CheckSampleTransition validates ordering only. from == to is handled by
// the caller as a no-op.
func CheckSampleTransition(from, to string) error {
	if !IsSampleStatus(to) {
		return apperr.InvalidTransition("unknown sample state %q", to)
	}
	if IsTerminal(from) {
		return apperr.InvalidTransition("sample is %s; no further transitions", from)
	}
	if to == StatusReturned || to == StatusRejected {
		if from != StatusReceived {
			return apperr.InvalidTransition("sample can only be %s from %s, not %s", to, StatusReceived, from)
		}
		return nil
	}
	if sampleRank[to] != sampleRank[from]+1 {
		return apperr.InvalidTransition("sample cannot move from %s to %s", from, to)
	}
	return nil
}

func CheckTestTransition(from, to string) error {
	if !IsTestStatus(to) {
		return apperr.InvalidTransition("unknown test state %q", to)
	}
	if testRank[to] != testRank[from]+1 {
		return apperr.InvalidTransition("test cannot move from %s to %s", from, to)
	}
	return nil
}

// TestReached reports whether status is at or beyond min.
func TestReached(status, min string) bool {
	return testRank[status] >= testRank[min]
}
