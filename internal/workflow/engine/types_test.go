package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kandev-labs/agentsquad/internal/domain"
)

func TestIsValidTransition_HappyPathEdges(t *testing.T) {
	cases := []struct {
		from, to domain.WorkflowState
	}{
		{domain.StatePending, domain.StateAnalyzing},
		{domain.StateAnalyzing, domain.StatePlanning},
		{domain.StatePlanning, domain.StateDelegated},
		{domain.StateDelegated, domain.StateInProgress},
		{domain.StateInProgress, domain.StateReviewing},
		{domain.StateReviewing, domain.StateTesting},
		{domain.StateTesting, domain.StateCompleted},
	}
	for _, c := range cases {
		assert.True(t, IsValidTransition(c.from, c.to, ""), "%s -> %s should be valid", c.from, c.to)
	}
}

func TestIsValidTransition_RejectsSkippedStates(t *testing.T) {
	assert.False(t, IsValidTransition(domain.StatePending, domain.StateCompleted, ""))
	assert.False(t, IsValidTransition(domain.StatePending, domain.StatePending, ""))
	assert.False(t, IsValidTransition(domain.StateCompleted, domain.StatePending, ""))
}

func TestIsValidTransition_BlockedResumesOnlyToPreBlockState(t *testing.T) {
	assert.True(t, IsValidTransition(domain.StateBlocked, domain.StateInProgress, domain.StateInProgress))
	assert.False(t, IsValidTransition(domain.StateBlocked, domain.StateReviewing, domain.StateInProgress))
	assert.True(t, IsValidTransition(domain.StateBlocked, domain.StateFailed, domain.StateInProgress))
}

// PENDING and TESTING have no BLOCKED edge, so they are not listed here.
func TestIsValidTransition_BlockableStatesCanBlock(t *testing.T) {
	blockable := []domain.WorkflowState{
		domain.StateAnalyzing, domain.StatePlanning, domain.StateDelegated,
		domain.StateInProgress, domain.StateReviewing,
	}
	for _, s := range blockable {
		assert.True(t, IsValidTransition(s, domain.StateBlocked, ""), "%s should be able to block", s)
	}
}

func TestProgressFor_MatchesDeterministicTable(t *testing.T) {
	cases := map[domain.WorkflowState]int{
		domain.StatePending:    0,
		domain.StateAnalyzing:  12,
		domain.StatePlanning:   25,
		domain.StateDelegated:  37,
		domain.StateInProgress: 62,
		domain.StateReviewing:  75,
		domain.StateTesting:    87,
		domain.StateCompleted:  100,
	}
	for state, want := range cases {
		got, ok := ProgressFor(state)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestProgressFor_BlockedAndFailedLeaveProgressUnchanged(t *testing.T) {
	_, ok := ProgressFor(domain.StateBlocked)
	assert.False(t, ok)
	_, ok = ProgressFor(domain.StateFailed)
	assert.False(t, ok)
}
