package engine

import (
	"time"

	"github.com/dshills/targetflow/engine/executor"
)

// ActionKind tags the side effects Step can request. The driver dispatches
// these through an executor.Executor and calls Step again with the result
// as part of the same batch.
type ActionKind int

const (
	// ActionNone means the transition needed no external call.
	ActionNone ActionKind = iota
	// ActionCheckCondition requests executor.CheckCondition.
	ActionCheckCondition
	// ActionStart requests executor.Start.
	ActionStart
	// ActionProbe requests executor.Probe on the target's current RunHandle.
	ActionProbe
	// ActionKill requests executor.Kill on the target's current RunHandle.
	ActionKill
	// ActionActivateTargets asks the driver to ensure every listed target
	// id is activated (dependency cascade or failure fallback), exactly
	// once per id.
	ActionActivateTargets
)

// String renders an ActionKind for emitted events and logs.
func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionCheckCondition:
		return "check_condition"
	case ActionStart:
		return "start"
	case ActionProbe:
		return "probe"
	case ActionKill:
		return "kill"
	case ActionActivateTargets:
		return "activate_targets"
	default:
		return "unknown"
	}
}

// Action is one side effect Step asks the driver to perform.
type Action struct {
	Kind ActionKind

	// Condition/BuildProcess/Handle parameterize the executor call for
	// ActionCheckCondition/ActionStart/ActionProbe/ActionKill respectively.
	Condition    *executor.Condition
	BuildProcess executor.BuildProcess
	Handle       executor.RunHandle

	// TargetIDs parameterizes ActionActivateTargets.
	TargetIDs []string
}

// DependencyState summarizes a single dependency's lifecycle for Step's
// dependency-resolution logic.
type DependencyState struct {
	ID       string
	Kind     StateKind
	Terminal bool
}

// ExternalResult carries the outcome of a previously requested Action,
// ready to be consumed by the next Step call for the same target.
type ExternalResult struct {
	Kind ActionKind

	ConditionHeld bool              // ActionCheckCondition
	Handle        executor.RunHandle // ActionStart
	Probe         executor.ProbeResult // ActionProbe
	Err           *Error            // any action, classified
}

// Observation is everything Step needs beyond the target itself: the
// resolved state of its dependencies, the result of any previously
// requested action, and a kill request flag.
type Observation struct {
	Now time.Time

	Dependencies []DependencyState

	// External is non-nil when the driver is resuming a target after
	// performing the action requested by the previous Step call.
	External *ExternalResult

	// KillRequested is set once a Kill_targets request names this target
	// and remains set until the target reaches Dead.
	KillRequested bool

	Policy FailurePolicy
}

// preStartKinds are states before a process has been started; a kill
// request observed in one of these short-circuits to Killed and then
// Dead rather than going through Tried_to_kill/Killing.
var preStartKinds = map[StateKind]bool{
	Activable:                true,
	Active:                   true,
	TriedToEvaluateCondition: true,
	Building:                 true,
	TriedToStart:             true,
}

// Step is the automaton's pure core: given a target snapshot and an
// observation bundle, it returns the next target value (with its history
// extended by zero or more entries) and the side effects to perform.
//
// Step never suspends and never mutates shared state; the driver is
// responsible for dispatching the returned actions and calling Step again
// with the result.
func Step(t Target, obs Observation) (Target, []Action) {
	cur := t.Current()
	if cur.Kind.IsTerminal() {
		return t, nil
	}

	// A Tried_to_kill target is always completing a kill already in
	// flight, independent of whether KillRequested is still set on this
	// observation (the driver clears the request once Dead is reached,
	// not before).
	if cur.Kind == TriedToKill {
		if obs.External != nil && obs.External.Kind == ActionKill {
			t.Append(State{Kind: Killing, Time: obs.Now, Cause: CauseUser})
			t.Append(State{Kind: Killed, Time: obs.Now, Cause: CauseUser})
			t.Append(State{Kind: Dead, Time: obs.Now, Cause: CauseUser, Reason: "killed by user"})
			return activateFallbacks(t, obs.Now)
		}
		return t, nil
	}

	// A kill request preempts everything except states already unwinding
	// toward Dead and terminal states.
	if obs.KillRequested && cur.Kind != Killing && cur.Kind != Killed {
		if preStartKinds[cur.Kind] || cur.Kind == Passive {
			t.Append(State{Kind: Killed, Time: obs.Now, Cause: CauseUser})
			t.Append(State{Kind: Dead, Time: obs.Now, Cause: CauseUser, Reason: "killed by user"})
			return activateFallbacks(t, obs.Now)
		}
		if cur.Kind == StartedRunning || cur.Kind == TriedToCheckProcess || cur.Kind == RanSuccessfully {
			t.Append(State{Kind: TriedToKill, Time: obs.Now, Cause: CauseUser, RunHandle: cur.RunHandle})
			return t, []Action{{Kind: ActionKill, Handle: executor.RunHandle(cur.RunHandle)}}
		}
	}

	switch cur.Kind {
	case Passive:
		// Activation itself is driven by the driver setting obs via a
		// dedicated ActionActivateTargets round-trip from a parent; Step
		// only performs the Passive -> Activable transition when asked.
		if obs.External != nil && obs.External.Kind == ActionActivateTargets {
			t.Append(State{Kind: Activable, Time: obs.Now, Cause: CauseDependency})
		}
		return t, nil

	case Activable:
		return stepActivable(t, obs)

	case Active:
		return stepActive(t, obs)

	case TriedToEvaluateCondition:
		return stepTriedToEvaluateCondition(t, obs)

	case Building:
		return stepBuilding(t, obs)

	case TriedToStart:
		return stepTriedToStart(t, obs)

	case StartedRunning:
		if obs.External == nil {
			t.Append(State{Kind: TriedToCheckProcess, Time: obs.Now, Cause: CauseProbe, RunHandle: cur.RunHandle})
			return t, []Action{{Kind: ActionProbe, Handle: executor.RunHandle(cur.RunHandle)}}
		}
		return t, nil

	case TriedToCheckProcess:
		return stepTriedToCheckProcess(t, obs)

	case RanSuccessfully:
		return stepRanSuccessfully(t, obs)

	case FailedRunning, FailedToVerifySuccess:
		return stepRetryOrDie(t, obs, cur.Reason)

	case AlreadyDone, VerifiedSuccess:
		t.Append(State{Kind: Successful, Time: obs.Now, Cause: cur.Cause})
		return t, nil

	case Killing, Killed:
		return t, nil

	default:
		return t, nil
	}
}

func stepActivable(t Target, obs Observation) (Target, []Action) {
	allSuccessful := true
	var unresolvedDeps []string
	for _, d := range obs.Dependencies {
		if d.Kind == Dead {
			t.Append(State{Kind: FailedFromDependencies, Time: obs.Now, Cause: CauseDependency})
			t.Append(State{Kind: Dead, Time: obs.Now, Cause: CauseDependency, Reason: "dependency " + d.ID + " died"})
			return activateFallbacks(t, obs.Now)
		}
		if d.Kind != Successful {
			allSuccessful = false
		}
		if !d.Terminal {
			unresolvedDeps = append(unresolvedDeps, d.ID)
		}
	}
	if allSuccessful {
		t.Append(State{Kind: Active, Time: obs.Now, Cause: CauseDependency})
		return t, nil
	}
	if len(unresolvedDeps) > 0 {
		return t, []Action{{Kind: ActionActivateTargets, TargetIDs: unresolvedDeps}}
	}
	return t, nil
}

func stepActive(t Target, obs Observation) (Target, []Action) {
	if t.Condition != nil {
		t.Append(State{Kind: TriedToEvaluateCondition, Time: obs.Now, Cause: CauseProbe})
		return t, []Action{{Kind: ActionCheckCondition, Condition: t.Condition}}
	}
	t.Append(State{Kind: Building, Time: obs.Now, Cause: CauseRun})
	return t, nil
}

func stepTriedToEvaluateCondition(t Target, obs Observation) (Target, []Action) {
	if obs.External == nil || obs.External.Kind != ActionCheckCondition {
		return t, nil
	}
	if res := obs.External; res.Err != nil {
		return applyEnvironmentalFailure(t, obs, res.Err, Active)
	}
	if obs.External.ConditionHeld {
		t.Append(State{Kind: AlreadyDone, Time: obs.Now, Cause: CauseProbe})
		t.Append(State{Kind: Successful, Time: obs.Now, Cause: CauseProbe})
		return t, nil
	}
	t.Append(State{Kind: Building, Time: obs.Now, Cause: CauseProbe})
	return t, nil
}

func stepBuilding(t Target, obs Observation) (Target, []Action) {
	if t.BuildProcess.Kind == executor.NoOperation {
		t.Append(State{Kind: Successful, Time: obs.Now, Cause: CauseRun})
		return t, nil
	}
	t.Append(State{Kind: TriedToStart, Time: obs.Now, Cause: CauseStart})
	return t, []Action{{Kind: ActionStart, BuildProcess: t.BuildProcess}}
}

func stepTriedToStart(t Target, obs Observation) (Target, []Action) {
	if obs.External == nil || obs.External.Kind != ActionStart {
		return t, nil
	}
	if res := obs.External; res.Err != nil {
		// No process is running after a failed start. With
		// TurnUnixSSHFailureIntoTargetFailure unset the target returns to
		// Building without counting an attempt; otherwise it counts one
		// and goes back to Active, or to Dead once attempts run out.
		return stepStartFailure(t, obs, res.Err)
	}
	t.Append(State{
		Kind:      StartedRunning,
		Time:      obs.Now,
		Cause:     CauseStart,
		RunHandle: string(obs.External.Handle),
	})
	return t, nil
}

func stepStartFailure(t Target, obs Observation, errv *Error) (Target, []Action) {
	if !obs.Policy.TurnUnixSSHFailureIntoTargetFailure {
		// Environmental hiccup: retry the start without counting an attempt.
		t.Append(State{Kind: Building, Time: obs.Now, Cause: CauseStart, LastError: errv.Error()})
		return t, nil
	}
	return stepRetryOrDie(t, obs, errv.Error())
}

func stepTriedToCheckProcess(t Target, obs Observation) (Target, []Action) {
	if obs.External == nil || obs.External.Kind != ActionProbe {
		return t, nil
	}
	cur := t.Current()
	if res := obs.External; res.Err != nil {
		return applyEnvironmentalFailureRunning(t, obs, res.Err, cur.RunHandle)
	}
	switch obs.External.Probe.Status {
	case executor.FinishedSuccessfully:
		t.Append(State{Kind: RanSuccessfully, Time: obs.Now, Cause: CauseProbe})
		if t.Condition == nil {
			t.Append(State{Kind: VerifiedSuccess, Time: obs.Now, Cause: CauseProbe})
			t.Append(State{Kind: Successful, Time: obs.Now, Cause: CauseProbe})
			return t, nil
		}
		return t, nil
	case executor.FinishedWithFailure:
		t.Append(State{Kind: FailedRunning, Time: obs.Now, Cause: CauseRun, Reason: obs.External.Probe.Reason})
		return stepRetryOrDie(t, obs, obs.External.Probe.Reason)
	default: // StillRunning
		t.Append(State{Kind: StartedRunning, Time: obs.Now, Cause: CauseProbe, RunHandle: cur.RunHandle})
		return t, nil
	}
}

func stepRanSuccessfully(t Target, obs Observation) (Target, []Action) {
	if obs.External == nil {
		t.Append(State{Kind: TriedToEvaluateCondition, Time: obs.Now, Cause: CauseProbe})
		return t, []Action{{Kind: ActionCheckCondition, Condition: t.Condition}}
	}
	if obs.External.Kind != ActionCheckCondition {
		return t, nil
	}
	if res := obs.External; res.Err != nil {
		return applyEnvironmentalFailure(t, obs, res.Err, RanSuccessfully)
	}
	if obs.External.ConditionHeld {
		t.Append(State{Kind: VerifiedSuccess, Time: obs.Now, Cause: CauseProbe})
		t.Append(State{Kind: Successful, Time: obs.Now, Cause: CauseProbe})
		return t, nil
	}
	t.Append(State{Kind: FailedToVerifySuccess, Time: obs.Now, Cause: CauseProbe})
	return stepRetryOrDie(t, obs, "process succeeded but condition not verified")
}

// applyEnvironmentalFailure handles a classified executor error observed
// while probing the readiness condition, returning to retryKind without
// counting an attempt unless the policy says otherwise.
func applyEnvironmentalFailure(t Target, obs Observation, errv *Error, retryKind StateKind) (Target, []Action) {
	if !obs.Policy.TurnUnixSSHFailureIntoTargetFailure {
		t.Append(State{Kind: retryKind, Time: obs.Now, Cause: CauseProbe, LastError: errv.Error()})
		return t, nil
	}
	return stepRetryOrDie(t, obs, errv.Error())
}

// applyEnvironmentalFailureRunning handles a classified executor error
// observed while probing a started process.
func applyEnvironmentalFailureRunning(t Target, obs Observation, errv *Error, handle string) (Target, []Action) {
	if !obs.Policy.TurnUnixSSHFailureIntoTargetFailure {
		t.Append(State{Kind: StartedRunning, Time: obs.Now, Cause: CauseProbe, RunHandle: handle, LastError: errv.Error()})
		return t, nil
	}
	return stepRetryOrDie(t, obs, errv.Error())
}

// stepRetryOrDie increments the attempts counter and either returns the
// target to Active for another attempt, or kills it once
// MaximumSuccessiveAttempts is reached.
func stepRetryOrDie(t Target, obs Observation, reason string) (Target, []Action) {
	attempts := t.Attempts() + 1
	max := obs.Policy.MaximumSuccessiveAttempts
	if max <= 0 {
		max = DefaultFailurePolicy().MaximumSuccessiveAttempts
	}
	if attempts >= max {
		t.Append(State{Kind: Dead, Time: obs.Now, Cause: CauseRun, Reason: reason, Attempts: attempts})
		return activateFallbacks(t, obs.Now)
	}
	t.Append(State{Kind: Active, Time: obs.Now, Cause: CauseRun, Attempts: attempts, LastError: reason})
	return t, nil
}

// activateFallbacks marks a freshly-dead target's if_fails_activate list
// for activation, exactly once, via an ActionActivateTargets side effect.
func activateFallbacks(t Target, now time.Time) (Target, []Action) {
	if t.FallbacksActivated || len(t.IfFailsActivate) == 0 {
		return t, nil
	}
	t.FallbacksActivated = true
	return t, []Action{{Kind: ActionActivateTargets, TargetIDs: append([]string(nil), t.IfFailsActivate...)}}
}
