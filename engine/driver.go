package engine

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/dshills/targetflow/engine/executor"
)

// DriverConfig bundles the concurrency and timing knobs a configuration
// profile supplies to the batch loop.
type DriverConfig struct {
	// EngineStepBatchSize bounds the work set selected per RunBatch call.
	EngineStepBatchSize int
	// ConcurrentAutomatonSteps bounds the number of targets processed in
	// parallel within a batch.
	ConcurrentAutomatonSteps int
	// HostTimeoutUpperBound caps every individual executor call.
	HostTimeoutUpperBound time.Duration
	// OrphanKillingWait is the minimum interval between orphan sweeps.
	OrphanKillingWait time.Duration
	// Policy is the failure/retry policy applied to every target.
	Policy FailurePolicy
}

// DefaultDriverConfig returns the documented defaults: batch size 64,
// four concurrent workers, a 60s host timeout, and a 30s orphan sweep
// interval.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		EngineStepBatchSize:      64,
		ConcurrentAutomatonSteps: 4,
		HostTimeoutUpperBound:    60 * time.Second,
		OrphanKillingWait:        30 * time.Second,
		Policy:                   DefaultFailurePolicy(),
	}
}

// Driver runs the batched concurrent step loop: each RunBatch call selects
// a bounded work set of alive targets, advances each through the
// automaton, dispatches any requested side effect through the executor,
// commits the result, and periodically sweeps for orphans.
//
// A bounded worker pool drains a frontier of ready work each call,
// generalized here from a single run's node frontier (drained once) to
// the whole store's alive set (re-selected every batch, for as long as
// the process runs).
type Driver struct {
	Store    Store
	Executor executor.Executor
	Config   DriverConfig
	Metrics  *Metrics
	Emitter  Emitter

	mu         sync.Mutex
	locks      map[string]*sync.Mutex
	killFlags  map[string]bool
	backoff    map[string]time.Time
	lastOrphan time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewDriver constructs a Driver over the given store and executor.
func NewDriver(s Store, ex executor.Executor, cfg DriverConfig) *Driver {
	return &Driver{
		Store:     s,
		Executor:  ex,
		Config:    cfg,
		Metrics:   NewMetrics(),
		Emitter:   noopEmitter{},
		locks:     make(map[string]*sync.Mutex),
		killFlags: make(map[string]bool),
		backoff:   make(map[string]time.Time),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (d *Driver) idLock(id string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[id]
	if !ok {
		l = &sync.Mutex{}
		d.locks[id] = l
	}
	return l
}

// RequestKill marks ids for asynchronous termination. The request is
// acknowledged immediately; the state transition for each id happens the
// next time that id is selected into a batch.
func (d *Driver) RequestKill(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.killFlags[id] = true
	}
	d.Metrics.KillsRequested.Add(float64(len(ids)))
}

func (d *Driver) killRequested(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.killFlags[id]
}

func (d *Driver) clearKill(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.killFlags, id)
}

// backoffReady reports whether id's retry backoff (if any) has elapsed.
func (d *Driver) backoffReady(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.backoff[id]
	if !ok {
		return true
	}
	if now.Before(until) {
		return false
	}
	delete(d.backoff, id)
	return true
}

// setBackoff schedules id to be skipped from batches until delay elapses,
// computed with the same exponential-with-jitter formula computeBackoff
// uses to pace retries of a single node call, applied here to pace
// retries of a whole target.
func (d *Driver) setBackoff(id string, attempts int) {
	policy := d.Config.Policy
	d.rngMu.Lock()
	delay := computeBackoff(attempts, policy.RetryBaseDelay, policy.RetryMaxDelay, d.rng)
	d.rngMu.Unlock()
	if delay <= 0 {
		return
	}
	d.mu.Lock()
	d.backoff[id] = time.Now().Add(delay)
	d.mu.Unlock()
}

// Activate transitions id from Passive to Activable and records that the
// activation was user-initiated, which exempts it from the orphan sweep.
// A target already past Passive is left untouched beyond that flag: the
// ActionActivateTargets cascade only ever needs to unstick a Passive
// target, never to re-evaluate one already in flight.
func (d *Driver) Activate(ctx context.Context, id string) error {
	_, err := d.Store.Update(ctx, id, func(cur Target) (Target, error) {
		cur.ActivatedByUser = true
		if cur.Current().Kind != Passive {
			return cur, nil
		}
		next, _ := Step(cur, Observation{Now: time.Now(), External: &ExternalResult{Kind: ActionActivateTargets}})
		return next, nil
	})
	return err
}

// activateTarget is the cascade path used by dependency resolution and
// failure fallbacks: it activates a target without marking it as
// user-activated, and is a no-op once the target is past Passive (the
// cascade may legitimately name an id more than once across batches).
func (d *Driver) activateTarget(ctx context.Context, id string) error {
	_, err := d.Store.Update(ctx, id, func(cur Target) (Target, error) {
		if cur.Current().Kind != Passive {
			return cur, nil
		}
		next, _ := Step(cur, Observation{Now: time.Now(), External: &ExternalResult{Kind: ActionActivateTargets}})
		return next, nil
	})
	return err
}

func (d *Driver) cascadeActivate(ctx context.Context, ids []string) error {
	var firstErr error
	for _, id := range ids {
		if err := d.activateTarget(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// batchPriority favors transitions that resolve without a blocking
// executor call (Activable, purely dependency-driven), then transitions
// likely to issue a fresh executor call (Active), then targets merely
// awaiting a probe on already-running work.
var batchPriority = map[StateKind]int{
	Activable:      0,
	Active:         1,
	StartedRunning: 2,
}

func selectBatch(active []Target, limit int) []Target {
	sort.SliceStable(active, func(i, j int) bool {
		return batchPriority[active[i].Current().Kind] < batchPriority[active[j].Current().Kind]
	})
	if limit > 0 && len(active) > limit {
		active = active[:limit]
	}
	return active
}

// RunBatch selects up to Config.EngineStepBatchSize alive targets, steps
// each through the automaton with at most Config.ConcurrentAutomatonSteps
// workers in flight, and commits the results. It runs an orphan sweep if
// Config.OrphanKillingWait has elapsed since the last one.
func (d *Driver) RunBatch(ctx context.Context) error {
	active, err := d.Store.IterActive(ctx)
	if err != nil {
		return err
	}
	d.Metrics.ActiveTargets.Set(float64(len(active)))

	now := time.Now()
	ready := active[:0]
	for _, t := range active {
		if d.backoffReady(t.ID, now) {
			ready = append(ready, t)
		}
	}

	batch := selectBatch(ready, d.Config.EngineStepBatchSize)
	d.Metrics.BatchSize.Set(float64(len(batch)))

	workers := d.Config.ConcurrentAutomatonSteps
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, t := range batch {
		id := t.ID
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := d.processTarget(ctx, id); err != nil {
				d.Metrics.ProcessErrors.Inc()
			}
		}()
	}
	wg.Wait()

	if time.Since(d.lastOrphan) >= d.Config.OrphanKillingWait {
		if err := d.sweepOrphans(ctx); err != nil {
			return err
		}
		d.lastOrphan = time.Now()
	}
	return nil
}

// processTarget advances a single target one step, dispatching at most
// one executor call and resolving its result before committing, holding
// the per-id lock so no more than one outstanding external operation
// runs against a given target at a time.
func (d *Driver) processTarget(ctx context.Context, id string) error {
	lock := d.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	defer func() { d.Metrics.RecordStepLatency(time.Since(started)) }()

	cur, err := d.Store.Get(ctx, id)
	if err != nil {
		return err
	}

	prevAttempts := cur.Attempts()
	obs := d.observe(ctx, cur)
	next, actions := Step(cur, obs)

	if len(actions) == 0 {
		if next.Attempts() > prevAttempts {
			d.Metrics.Attempts.Inc()
		}
		return d.finish(ctx, id, next, nil)
	}

	action := actions[0]
	if action.Kind == ActionActivateTargets {
		return d.finish(ctx, id, next, action.TargetIDs)
	}

	d.emit(Event{TargetID: id, Msg: "action_dispatched", Meta: map[string]interface{}{"action": action.Kind.String()}})
	result := d.dispatch(ctx, action)
	obs2 := obs
	obs2.External = &result
	final, actions2 := Step(next, obs2)

	var cascade []string
	if len(actions2) == 1 && actions2[0].Kind == ActionActivateTargets {
		cascade = actions2[0].TargetIDs
	}
	if final.Attempts() > prevAttempts {
		d.Metrics.Attempts.Inc()
	}
	if final.Current().Kind == Active && final.Current().Attempts > 0 {
		d.setBackoff(id, final.Current().Attempts)
	}
	return d.finish(ctx, id, final, cascade)
}

func (d *Driver) finish(ctx context.Context, id string, next Target, cascade []string) error {
	if err := d.commit(ctx, id, next); err != nil {
		return err
	}
	cur := next.Current()
	d.emit(Event{
		TargetID: id,
		Kind:     cur.Kind,
		Msg:      "state_transition",
		Attempts: next.Attempts(),
		Meta:     stateMeta(cur),
	})
	if kind := cur.Kind; kind == Dead || kind == Successful {
		d.clearKill(id)
	}
	if len(cascade) > 0 {
		return d.cascadeActivate(ctx, cascade)
	}
	return nil
}

// stateMeta builds Event.Meta from the fields State carries beyond its
// Kind, so an emitted event can show a failure's reason without the
// subscriber needing to reach back into the store.
func stateMeta(s State) map[string]interface{} {
	meta := make(map[string]interface{})
	if s.Reason != "" {
		meta["reason"] = s.Reason
	}
	if s.LastError != "" {
		meta["last_error"] = s.LastError
	}
	if s.RunHandle != "" {
		meta["run_handle"] = s.RunHandle
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// emit forwards an event to the configured Emitter, tolerating a
// zero-value Driver (no Emitter set) used directly in tests.
func (d *Driver) emit(event Event) {
	if d.Emitter == nil {
		return
	}
	d.Emitter.Emit(event)
}

func (d *Driver) commit(ctx context.Context, id string, next Target) error {
	write := func(Target) (Target, error) { return next, nil }
	_, err := d.Store.Update(ctx, id, write)
	if errors.Is(err, ErrConflict) {
		// A conflict under the single-writer assumption is retried once; a
		// second occurrence means another writer exists and the engine's
		// invariants no longer hold.
		if _, err = d.Store.Update(ctx, id, write); errors.Is(err, ErrConflict) {
			return Wrap(CodeFatal, "repeated store conflict committing "+id, err)
		}
	}
	return err
}

// observe builds the Observation bundle Step needs: resolved dependency
// states, the kill-request flag, and the active failure policy.
func (d *Driver) observe(ctx context.Context, cur Target) Observation {
	obs := Observation{
		Now:           time.Now(),
		KillRequested: d.killRequested(cur.ID),
		Policy:        d.Config.Policy,
	}
	for _, depID := range cur.Dependencies {
		dep, err := d.Store.Get(ctx, depID)
		if err != nil {
			continue
		}
		st := dep.Current()
		obs.Dependencies = append(obs.Dependencies, DependencyState{
			ID:       depID,
			Kind:     st.Kind,
			Terminal: dep.IsTerminal(),
		})
	}
	return obs
}

// dispatch performs the single executor call a Step result requested,
// bounded by Config.HostTimeoutUpperBound, and classifies the outcome
// into an ExternalResult ready for the resuming Step call.
func (d *Driver) dispatch(ctx context.Context, a Action) ExternalResult {
	cctx, cancel := context.WithTimeout(ctx, d.Config.HostTimeoutUpperBound)
	defer cancel()

	switch a.Kind {
	case ActionCheckCondition:
		held, err := d.Executor.CheckCondition(cctx, *a.Condition)
		return ExternalResult{Kind: a.Kind, ConditionHeld: held, Err: classifyExecErr(err)}
	case ActionStart:
		handle, err := d.Executor.Start(cctx, a.BuildProcess)
		return ExternalResult{Kind: a.Kind, Handle: handle, Err: classifyExecErr(err)}
	case ActionProbe:
		probe, err := d.Executor.Probe(cctx, a.Handle)
		return ExternalResult{Kind: a.Kind, Probe: probe, Err: classifyExecErr(err)}
	case ActionKill:
		err := d.Executor.Kill(cctx, a.Handle)
		return ExternalResult{Kind: a.Kind, Err: classifyExecErr(err)}
	default:
		return ExternalResult{Kind: a.Kind}
	}
}

// classifyExecErr maps an executor.Error into the engine's single Error
// type, preserving its classification code so the automaton's fatal/
// non-fatal retry policy can switch on it.
func classifyExecErr(err error) *Error {
	if err == nil {
		return nil
	}
	var execErr *executor.Error
	if errors.As(err, &execErr) {
		switch execErr.Kind {
		case executor.ErrUnix:
			return Wrap(CodeUnixError, "unix probe failed", execErr)
		case executor.ErrStart:
			return Wrap(CodeStartError, "start failed", execErr)
		case executor.ErrProbe:
			return Wrap(CodeProbeError, "probe failed", execErr)
		case executor.ErrKill:
			return Wrap(CodeKillError, "kill failed", execErr)
		}
	}
	return Wrap(CodeFatal, "unclassified executor error", err)
}

// sweepOrphans reaps alive targets that no live target depends on and
// that were not directly activated by a user: nothing can ever observe
// their result, so there is no reason to keep driving them.
func (d *Driver) sweepOrphans(ctx context.Context) error {
	all, err := d.Store.IterAll(ctx)
	if err != nil {
		return err
	}

	referenced := make(map[string]bool, len(all))
	for _, t := range all {
		// A dead dependent no longer protects its dependencies: once every
		// dependent is terminal, the dependency is an orphan.
		if t.IsAlive() {
			for _, dep := range t.Dependencies {
				referenced[dep] = true
			}
		}
		// A fallback edge protects forever, including after its owner dies:
		// the owner's death is precisely the moment the fallback is
		// activated to run.
		for _, fb := range t.IfFailsActivate {
			referenced[fb] = true
		}
	}

	for _, t := range all {
		if !t.IsAlive() || t.ActivatedByUser || referenced[t.ID] {
			continue
		}
		if t.Current().Kind == Passive {
			continue
		}
		if err := d.reapOrphan(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) reapOrphan(ctx context.Context, id string) error {
	var cascade []string
	_, err := d.Store.Update(ctx, id, func(cur Target) (Target, error) {
		if cur.IsTerminal() {
			return cur, nil
		}
		now := time.Now()
		cur.Append(State{Kind: Killed, Time: now, Cause: CauseOrphanReaper})
		cur.Append(State{Kind: Dead, Time: now, Cause: CauseOrphanReaper, Reason: "orphaned: no live dependent"})
		next, actions := activateFallbacks(cur, now)
		if len(actions) == 1 {
			cascade = actions[0].TargetIDs
		}
		return next, nil
	})
	if err != nil {
		return err
	}
	d.Metrics.OrphansReaped.Inc()
	d.emit(Event{TargetID: id, Kind: Dead, Msg: "orphan_reaped"})
	return d.cascadeActivate(ctx, cascade)
}
