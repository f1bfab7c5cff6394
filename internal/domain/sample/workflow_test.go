package sample

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lims/lims/internal/platform/apperr"
)

func TestCheckSampleTransition(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{StatusReceived, StatusInProgress, true},
		{StatusInProgress, StatusTestingCompleted, true},
		{StatusTestingCompleted, StatusVerified, true},
		{StatusVerified, StatusValidated, true},
		{StatusValidated, StatusReported, true},
		{StatusReceived, StatusReturned, true},
		{StatusReceived, StatusRejected, true},

		{StatusReceived, StatusValidated, false},
		{StatusInProgress, StatusVerified, false},
		{StatusVerified, StatusInProgress, false},
		{StatusInProgress, StatusRejected, false},
		{StatusReported, StatusValidated, false},
		{StatusRejected, StatusInProgress, false},
		{StatusReturned, StatusReceived, false},
		{StatusReceived, "archived", false},
	}
	for _, tc := range cases {
		err := CheckSampleTransition(tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
			continue
		}
		assert.True(t, apperr.Is(err, apperr.KindInvalidTransition), "%s -> %s: got %v", tc.from, tc.to, err)
	}
}

func TestCheckTestTransition(t *testing.T) {
	assert.NoError(t, CheckTestTransition(TestAssigned, TestMeasured))
	assert.NoError(t, CheckTestTransition(TestMeasured, TestVerified))
	assert.NoError(t, CheckTestTransition(TestVerified, TestValidated))

	for _, bad := range [][2]string{
		{TestAssigned, TestVerified},
		{TestAssigned, TestValidated},
		{TestValidated, TestMeasured},
		{TestMeasured, "done"},
	} {
		err := CheckTestTransition(bad[0], bad[1])
		assert.True(t, apperr.Is(err, apperr.KindInvalidTransition), "%s -> %s", bad[0], bad[1])
	}
}

func TestTestReached(t *testing.T) {
	assert.True(t, TestReached(TestValidated, TestMeasured))
	assert.True(t, TestReached(TestMeasured, TestMeasured))
	assert.False(t, TestReached(TestAssigned, TestMeasured))
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StatusReported, StatusReturned, StatusRejected} {
		assert.True(t, IsTerminal(s), s)
	}
	assert.False(t, IsTerminal(StatusValidated))
}
