// Package engine implements the Workflow Engine (spec §4.E): the fixed
// finite state machine over TaskExecution.WorkflowState, its deterministic
// progress function, and the single atomic transition operation.
package engine

import (
	"errors"

	"github.com/kandev-labs/agentsquad/internal/domain"
)

// ErrIllegalTransition is returned when a requested transition is not in
// the fixed table below.
var ErrIllegalTransition = errors.New("engine: illegal transition")

// transitions enumerates every valid (from, to) pair. BLOCKED's outgoing
// edges are handled specially (see IsValidTransition) since its
// destination depends on the pre-block state rather than being fixed.
var transitions = map[domain.WorkflowState]map[domain.WorkflowState]bool{
	domain.StatePending: {
		domain.StateAnalyzing: true,
	},
	domain.StateAnalyzing: {
		domain.StatePlanning: true,
		domain.StateFailed:   true,
		domain.StateBlocked:  true,
	},
	domain.StatePlanning: {
		domain.StateDelegated: true,
		domain.StateBlocked:   true,
		domain.StateFailed:    true,
	},
	domain.StateDelegated: {
		domain.StateInProgress: true,
		domain.StateBlocked:    true,
	},
	domain.StateInProgress: {
		domain.StateReviewing: true,
		domain.StateBlocked:   true,
		domain.StateFailed:    true,
	},
	domain.StateReviewing: {
		domain.StateTesting:    true,
		domain.StateInProgress: true,
		domain.StateBlocked:    true,
		domain.StateFailed:     true,
	},
	domain.StateTesting: {
		domain.StateCompleted:  true,
		domain.StateInProgress: true,
		domain.StateFailed:     true,
	},
	// BLOCKED -> (pre-block state) | FAILED; validated dynamically.
	domain.StateBlocked: {
		domain.StateFailed: true,
	},
}

// progressByState is the deterministic progress_pct function named in
// spec §4.E. BLOCKED and FAILED are intentionally absent: BLOCKED leaves
// progress_pct unchanged and FAILED freezes whatever value was last set.
var progressByState = map[domain.WorkflowState]int{
	domain.StatePending:    0,
	domain.StateAnalyzing:  12,
	domain.StatePlanning:   25,
	domain.StateDelegated:  37,
	domain.StateInProgress: 62,
	domain.StateReviewing:  75,
	domain.StateTesting:    87,
	domain.StateCompleted:  100,
}

// IsValidTransition reports whether from -> to is a legal edge, given the
// execution's currently recorded pre-block state (used only when from is
// BLOCKED).
func IsValidTransition(from, to, preBlockState domain.WorkflowState) bool {
	if from == domain.StateBlocked && to != domain.StateFailed {
		return to == preBlockState
	}
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// ProgressFor returns the progress_pct that a transition into state should
// record, or (0, false) when state doesn't alter progress (BLOCKED,
// FAILED), signaling the caller to leave progress_pct untouched.
func ProgressFor(state domain.WorkflowState) (int, bool) {
	pct, ok := progressByState[state]
	return pct, ok
}
