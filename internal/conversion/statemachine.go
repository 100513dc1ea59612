// Package conversion implements the Stars->TON conversion engine: the pure
// conversion state machine, the in-memory rate lock registry and the
// orchestrator driving conversions through settlement and on-chain
// confirmation.
package conversion

import (
	"fmt"
	"time"

	"github.com/telepay/stargate/pkg/models"
)

// ErrInvalidTransition is wrapped by StateMachine.Transition on any move not
// present in the adjacency table.
type ErrInvalidTransition struct {
	From string
	To   string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid conversion transition %s -> %s", e.From, e.To)
}

// transitions is the adjacency table. Terminal states (completed, failed) have
// no outgoing edges; every non-terminal state may fail.
var transitions = map[string][]string{
	models.ConversionStatusPending: {
		models.ConversionStatusRateLocked,
		models.ConversionStatusPhase1Prepared,
		models.ConversionStatusFailed,
	},
	models.ConversionStatusRateLocked: {
		models.ConversionStatusPhase1Prepared,
		models.ConversionStatusFailed,
	},
	models.ConversionStatusPhase1Prepared: {
		models.ConversionStatusPhase2Committed,
		models.ConversionStatusPhase2Queued,
		models.ConversionStatusFailed,
	},
	models.ConversionStatusPhase2Queued: {
		models.ConversionStatusPhase2Committed,
		models.ConversionStatusFailed,
	},
	models.ConversionStatusPhase2Committed: {
		models.ConversionStatusPhase3Confirmed,
		models.ConversionStatusFailed,
	},
	models.ConversionStatusPhase3Confirmed: {
		models.ConversionStatusInProgress,
		models.ConversionStatusFailed,
	},
	models.ConversionStatusInProgress: {
		models.ConversionStatusConfirmed,
		models.ConversionStatusFailed,
	},
	models.ConversionStatusConfirmed: {
		models.ConversionStatusCompleted,
		models.ConversionStatusFailed,
	},
	models.ConversionStatusCompleted: {},
	models.ConversionStatusFailed:    {},
}

// happyPath is the canonical ordering used for progress reporting.
var happyPath = []string{
	models.ConversionStatusPending,
	models.ConversionStatusPhase1Prepared,
	models.ConversionStatusPhase2Committed,
	models.ConversionStatusPhase3Confirmed,
	models.ConversionStatusInProgress,
	models.ConversionStatusConfirmed,
	models.ConversionStatusCompleted,
}

// phaseDurations holds average per-phase durations used by
// EstimatedCompletion. Rough operational averages, not guarantees.
var phaseDurations = map[string]time.Duration{
	models.ConversionStatusPending:         2 * time.Second,
	models.ConversionStatusPhase1Prepared:  3 * time.Second,
	models.ConversionStatusPhase2Committed: 15 * time.Second,
	models.ConversionStatusPhase3Confirmed: 10 * time.Second,
	models.ConversionStatusInProgress:      20 * time.Second,
	models.ConversionStatusConfirmed:       5 * time.Second,
}

var phaseNames = map[string]string{
	models.ConversionStatusPending:         "Pending",
	models.ConversionStatusRateLocked:      "Rate Locked",
	models.ConversionStatusPhase1Prepared:  "Preparing Settlement",
	models.ConversionStatusPhase2Queued:    "Queued for Settlement",
	models.ConversionStatusPhase2Committed: "Awaiting Confirmation",
	models.ConversionStatusPhase3Confirmed: "Confirmed On-Chain",
	models.ConversionStatusInProgress:      "Finalizing",
	models.ConversionStatusConfirmed:       "Settled",
	models.ConversionStatusCompleted:       "Completed",
	models.ConversionStatusFailed:          "Failed",
}

// TransitionRecord captures one applied transition.
type TransitionRecord struct {
	From     string
	To       string
	At       time.Time
	Metadata map[string]string
}

// StateMachine validates and records status transitions for one conversion.
// It holds no side effects; the orchestrator persists the state it produces.
type StateMachine struct {
	state   string
	history []TransitionRecord
}

// NewStateMachine starts a machine in the given state. An empty state starts
// at pending.
func NewStateMachine(state string) *StateMachine {
	if state == "" {
		state = models.ConversionStatusPending
	}
	return &StateMachine{state: state}
}

// State returns the current state.
func (m *StateMachine) State() string { return m.state }

// IsTerminal reports whether the current state has no outgoing transitions.
func (m *StateMachine) IsTerminal() bool {
	return len(transitions[m.state]) == 0
}

// CanTransition reports whether the adjacency table allows moving to target.
func (m *StateMachine) CanTransition(target string) bool {
	for _, next := range transitions[m.state] {
		if next == target {
			return true
		}
	}
	return false
}

// Transition moves to target, recording the move. It returns
// *ErrInvalidTransition when the adjacency table forbids the move; it never
// silently clamps.
func (m *StateMachine) Transition(target string, metadata map[string]string) error {
	if !m.CanTransition(target) {
		return &ErrInvalidTransition{From: m.state, To: target}
	}
	m.history = append(m.history, TransitionRecord{
		From:     m.state,
		To:       target,
		At:       time.Now(),
		Metadata: metadata,
	})
	m.state = target
	return nil
}

// History returns the applied transitions in order.
func (m *StateMachine) History() []TransitionRecord { return m.history }

// ProgressPercentage maps the current state's position on the happy path to
// 0..100. Failed reports 100 (the conversion is over); off-path states report
// the progress of the nearest preceding happy-path state.
func (m *StateMachine) ProgressPercentage() int {
	switch m.state {
	case models.ConversionStatusFailed:
		return 100
	case models.ConversionStatusRateLocked:
		return m.pathPercent(models.ConversionStatusPending)
	case models.ConversionStatusPhase2Queued:
		return m.pathPercent(models.ConversionStatusPhase1Prepared)
	}
	return m.pathPercent(m.state)
}

func (m *StateMachine) pathPercent(state string) int {
	for i, s := range happyPath {
		if s == state {
			return i * 100 / (len(happyPath) - 1)
		}
	}
	return 0
}

// PhaseName returns a display label for the current state.
func (m *StateMachine) PhaseName() string {
	if name, ok := phaseNames[m.state]; ok {
		return name
	}
	return m.state
}

// EstimatedCompletion sums the average durations of the remaining happy-path
// phases. It returns nil once the machine is terminal.
func (m *StateMachine) EstimatedCompletion() *time.Time {
	if m.IsTerminal() {
		return nil
	}
	var remaining time.Duration
	started := false
	for _, s := range happyPath {
		if s == m.state {
			started = true
		}
		if started {
			remaining += phaseDurations[s]
		}
	}
	if !started {
		// Off-path states (rate_locked, phase2_queued) estimate from the
		// full remaining path.
		for _, s := range happyPath {
			remaining += phaseDurations[s]
		}
	}
	eta := time.Now().Add(remaining)
	return &eta
}
