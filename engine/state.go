// Package engine implements the target scheduling core: the target model,
// the pure state-machine step function, and the batched concurrent driver
// that advances targets through their lifecycle.
package engine

import "time"

// StateKind is the tag of the target lifecycle tagged union.
//
// A target's state is always exactly one of these kinds at a time. The
// kind determines which payload fields on State are meaningful.
type StateKind int

const (
	// Passive means the target is known to the store but not activated.
	Passive StateKind = iota
	// Activable means the target has been activated but its dependencies
	// are not yet resolved.
	Activable
	// Active means the target is ready to be evaluated by the next step.
	Active
	// TriedToEvaluateCondition means a readiness-condition probe is in flight.
	TriedToEvaluateCondition
	// AlreadyDone means the readiness condition was satisfied before running.
	AlreadyDone
	// Building means dependencies are ensured and the target is about to start.
	Building
	// TriedToStart means a start call is in flight.
	TriedToStart
	// StartedRunning means a long-running process is active (RunHandle set).
	StartedRunning
	// TriedToCheckProcess means a probe call is in flight.
	TriedToCheckProcess
	// RanSuccessfully means the process reported success; condition re-check pending.
	RanSuccessfully
	// VerifiedSuccess means the condition held after the process ran.
	VerifiedSuccess
	// Successful is terminal: final success.
	Successful
	// FailedRunning means the process reported failure (Reason set).
	FailedRunning
	// FailedToVerifySuccess means the process succeeded but the condition is still false.
	FailedToVerifySuccess
	// FailedFromDependencies means one or more dependencies reached Dead.
	FailedFromDependencies
	// TriedToKill means a kill call is in flight.
	TriedToKill
	// Killing means the kill request was accepted and is being carried out.
	Killing
	// Killed means the target was terminated, by user request or by the
	// orphan sweep.
	Killed
	// Dead is terminal: final failure or kill (Reason set).
	Dead
)

// terminalKinds marks the kinds after which a target never transitions again.
var terminalKinds = map[StateKind]bool{
	Successful: true,
	Dead:       true,
}

// IsTerminal reports whether k is a terminal lifecycle kind.
func (k StateKind) IsTerminal() bool { return terminalKinds[k] }

// String renders a StateKind for logs and the wire protocol.
func (k StateKind) String() string {
	switch k {
	case Passive:
		return "Passive"
	case Activable:
		return "Activable"
	case Active:
		return "Active"
	case TriedToEvaluateCondition:
		return "Tried_to_evaluate_condition"
	case AlreadyDone:
		return "Already_done"
	case Building:
		return "Building"
	case TriedToStart:
		return "Tried_to_start"
	case StartedRunning:
		return "Started_running"
	case TriedToCheckProcess:
		return "Tried_to_check_process"
	case RanSuccessfully:
		return "Ran_successfully"
	case VerifiedSuccess:
		return "Verified_success"
	case Successful:
		return "Successful"
	case FailedRunning:
		return "Failed_running"
	case FailedToVerifySuccess:
		return "Failed_to_verify_success"
	case FailedFromDependencies:
		return "Failed_from_dependencies"
	case TriedToKill:
		return "Tried_to_kill"
	case Killing:
		return "Killing"
	case Killed:
		return "Killed"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Cause identifies what triggered a transition, for audit/debugging.
type Cause string

const (
	CauseUser         Cause = "user"
	CauseDependency   Cause = "dependency"
	CauseProbe        Cause = "probe"
	CauseStart        Cause = "start"
	CauseRun          Cause = "run"
	CauseOrphanReaper Cause = "orphan_reaper"
	CauseRestart      Cause = "restart"
)

// State is one entry in a target's append-only lifecycle history.
//
// Only the fields relevant to Kind are meaningful: RunHandle is set on
// the StartedRunning and TriedToCheckProcess entries of a run (and on a
// TriedToKill entry that interrupts one), Reason is set on FailedRunning
// and Dead, Attempts is the non-fatal-failure counter.
type State struct {
	Kind      StateKind `json:"kind"`
	Time      time.Time `json:"time"`
	Cause     Cause     `json:"cause"`
	Attempts  int       `json:"attempts,omitempty"`
	RunHandle string    `json:"run_handle,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}
