package protocol

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dshills/targetflow/engine"
	"github.com/dshills/targetflow/engine/store"
)

// Dispatcher translates Up_messages into target-store operations and
// produces Down_messages, independent of transport (protocol/server.go
// wires it to HTTP).
type Dispatcher struct {
	Store    store.Store
	Driver   *engine.Driver
	Deferred *DeferredStore

	// ReadOnly rejects Submit_targets, Kill_targets, Restart_targets, and
	// Call_query when true.
	ReadOnly bool

	// MaxBlockingTime caps any Block_if_empty_at_most request regardless
	// of what the client asked for.
	MaxBlockingTime time.Duration

	// DeferThreshold is the id-list size above which Get_target_ids
	// returns Deferred_list_of_target_ids instead of the list inline.
	DeferThreshold int

	// TLSKind and Database feed Get_server_status's report of the
	// listening transport and backend in use.
	TLSKind  TLSKind
	Database string
}

// NewDispatcher constructs a Dispatcher with the documented defaults: a
// 1000-id defer threshold and a 30s max blocking time.
func NewDispatcher(s store.Store, d *engine.Driver) *Dispatcher {
	return &Dispatcher{
		Store:           s,
		Driver:          d,
		Deferred:        NewDeferredStore(),
		MaxBlockingTime: 30 * time.Second,
		DeferThreshold:  1000,
		TLSKind:         TLSNone,
	}
}

var mutatingKinds = map[UpKind]bool{
	UpSubmitTargets:  true,
	UpKillTargets:    true,
	UpRestartTargets: true,
	UpCallQuery:      true,
}

// Dispatch handles a single Up_message and produces its Down_message.
// A non-nil error means a transport-level failure (not a protocol error
// reply); callers should translate it into an Error Down_message
// themselves, mirroring how the automaton never surfaces classified
// failures as exceptions.
func (d *Dispatcher) Dispatch(ctx context.Context, up UpMessage) (DownMessage, error) {
	if d.ReadOnly && mutatingKinds[up.Kind] {
		return errorMessage(CodeReadOnly, "server is in read-only mode"), nil
	}

	switch up.Kind {
	case UpGetTargets:
		return d.getTargets(ctx, up.GetTargets)
	case UpGetTargetSummaries:
		return d.getTargetSummaries(ctx, up.GetTargetSummaries)
	case UpGetTargetFlatStates:
		return d.getTargetFlatStates(ctx, up.GetTargetFlatStates)
	case UpGetAvailableQueries:
		return d.getAvailableQueries(ctx, up.GetAvailableQueries)
	case UpCallQuery:
		return d.callQuery(ctx, up.CallQuery)
	case UpSubmitTargets:
		return d.submitTargets(ctx, up.SubmitTargets)
	case UpKillTargets:
		return d.killTargets(up.KillTargets)
	case UpRestartTargets:
		return d.restartTargets(ctx, up.RestartTargets)
	case UpGetTargetIDs:
		return d.getTargetIDs(ctx, up.GetTargetIDs)
	case UpGetServerStatus:
		return d.getServerStatus(), nil
	case UpGetDeferred:
		return d.getDeferred(up.GetDeferred), nil
	case UpProcess:
		// The SSH-connection subprotocol lives behind the executor; this
		// dispatcher only guarantees the envelope round-trips.
		return DownMessage{Kind: DownProcess, Process: up.Process}, nil
	default:
		return errorMessage(CodeProtocolError, fmt.Sprintf("unhandled Up_message kind %q", up.Kind)), nil
	}
}

// CodeReadOnly, CodeNotFoundWire and CodeProtocolError are the dispatcher's
// wire-level error codes. CodeReadOnly has no engine.Code counterpart
// (read-only rejection isn't a failure the automaton needs to classify).
const (
	CodeReadOnly      = "ReadOnly"
	CodeNotFoundWire  = "NotFound"
	CodeProtocolError = "ProtocolError"
)

func errorMessage(code, detail string) DownMessage {
	return DownMessage{Kind: DownError, Error: &ErrorMessage{Code: code, Detail: detail}}
}

func (d *Dispatcher) resolveIDs(ctx context.Context, ids []string) ([]engine.Target, error) {
	if len(ids) == 0 {
		return d.Store.IterAll(ctx)
	}
	out := make([]engine.Target, 0, len(ids))
	for _, id := range ids {
		t, err := d.Store.Get(ctx, id)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (d *Dispatcher) getTargets(ctx context.Context, req *GetTargetsRequest) (DownMessage, error) {
	targets, err := d.resolveIDs(ctx, req.IDs)
	if err != nil {
		return DownMessage{}, err
	}
	sortTargetsByID(targets)
	return DownMessage{Kind: DownListOfTargets, ListOfTargets: &ListOfTargets{Targets: targets}}, nil
}

func (d *Dispatcher) getTargetSummaries(ctx context.Context, req *GetTargetSummariesRequest) (DownMessage, error) {
	targets, err := d.resolveIDs(ctx, req.IDs)
	if err != nil {
		return DownMessage{}, err
	}
	sortTargetsByID(targets)
	summaries := make([]TargetSummary, 0, len(targets))
	for _, t := range targets {
		summaries = append(summaries, summarize(t))
	}
	return DownMessage{Kind: DownListOfTargetSummaries, ListOfTargetSummaries: &ListOfTargetSummaries{Summaries: summaries}}, nil
}

func summarize(t engine.Target) TargetSummary {
	status := string(classifySimple(t))
	return TargetSummary{ID: t.ID, Name: t.Name, Tags: t.Tags, Status: status, Attempts: t.Attempts()}
}

func classifySimple(t engine.Target) StatusSimpleKind {
	cur := t.Current().Kind
	switch {
	case cur == engine.Passive || cur == engine.Activable:
		return SimpleActivable
	case cur == engine.Successful:
		return SimpleSuccessful
	case cur == engine.Dead:
		return SimpleFailed
	default:
		return SimpleInProgress
	}
}

func (d *Dispatcher) getTargetFlatStates(ctx context.Context, req *GetTargetFlatStatesRequest) (DownMessage, error) {
	targets, err := d.blockingResolve(ctx, req.IDs, req.Options, func(ts []engine.Target) bool {
		return len(flatten(ts, req.Since)) > 0
	})
	if err != nil {
		return DownMessage{}, err
	}
	return DownMessage{Kind: DownListOfTargetFlatStates, ListOfTargetFlatStates: &ListOfTargetFlatStates{States: flatten(targets, req.Since)}}, nil
}

func flatten(targets []engine.Target, since Since) []FlatState {
	var out []FlatState
	for _, t := range targets {
		for _, h := range t.History {
			if since.Kind == SinceSince && !h.Time.After(since.Time) {
				continue
			}
			out = append(out, FlatState{ID: t.ID, Kind: h.Kind.String(), Time: h.Time, Cause: string(h.Cause)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// queryableNames lists the Call_query names every target supports;
// targets with a Product additionally expose the product_* queries.
var queryableNames = []string{"status", "attempts", "dependencies"}
var productQueryNames = []string{"product_kind", "product_location"}

func (d *Dispatcher) getAvailableQueries(ctx context.Context, req *GetAvailableQueriesRequest) (DownMessage, error) {
	t, err := d.Store.Get(ctx, req.ID)
	if err != nil {
		if err == store.ErrNotFound {
			return errorMessage(CodeNotFoundWire, "no such target "+req.ID), nil
		}
		return DownMessage{}, err
	}
	names := append([]string(nil), queryableNames...)
	if t.Product != nil {
		names = append(names, productQueryNames...)
	}
	return DownMessage{Kind: DownAvailableQueries, AvailableQueries: &AvailableQueries{Names: names}}, nil
}

func (d *Dispatcher) callQuery(ctx context.Context, req *CallQueryRequest) (DownMessage, error) {
	t, err := d.Store.Get(ctx, req.ID)
	if err != nil {
		if err == store.ErrNotFound {
			return errorMessage(CodeNotFoundWire, "no such target "+req.ID), nil
		}
		return DownMessage{}, err
	}
	switch req.QueryName {
	case "status":
		return DownMessage{Kind: DownQueryResult, QueryResult: &QueryResult{Value: t.Current().Kind.String()}}, nil
	case "attempts":
		return DownMessage{Kind: DownQueryResult, QueryResult: &QueryResult{Value: fmt.Sprintf("%d", t.Attempts())}}, nil
	case "dependencies":
		return DownMessage{Kind: DownQueryResult, QueryResult: &QueryResult{Value: fmt.Sprintf("%v", t.Dependencies)}}, nil
	case "product_kind":
		if t.Product == nil {
			return DownMessage{Kind: DownQueryError, QueryError: &QueryError{Detail: "target has no product"}}, nil
		}
		return DownMessage{Kind: DownQueryResult, QueryResult: &QueryResult{Value: t.Product.Kind}}, nil
	case "product_location":
		if t.Product == nil {
			return DownMessage{Kind: DownQueryError, QueryError: &QueryError{Detail: "target has no product"}}, nil
		}
		return DownMessage{Kind: DownQueryResult, QueryResult: &QueryResult{Value: t.Product.Location}}, nil
	default:
		return DownMessage{Kind: DownQueryError, QueryError: &QueryError{Detail: "unknown query " + req.QueryName}}, nil
	}
}

func (d *Dispatcher) submitTargets(ctx context.Context, req *SubmitTargetsRequest) (DownMessage, error) {
	canonical, err := engine.SubmitTargets(ctx, d.Store, d.Driver, req.Targets)
	if err != nil {
		return errorMessage(CodeProtocolError, err.Error()), nil
	}
	ids := make([]string, 0, len(canonical))
	seen := make(map[string]bool, len(canonical))
	for _, id := range canonical {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	targets, err := d.resolveIDs(ctx, ids)
	if err != nil {
		return DownMessage{}, err
	}
	return DownMessage{Kind: DownListOfTargets, ListOfTargets: &ListOfTargets{Targets: targets, SubmittedIDs: canonical}}, nil
}

func (d *Dispatcher) killTargets(req *KillTargetsRequest) (DownMessage, error) {
	d.Driver.RequestKill(req.IDs)
	return DownMessage{Kind: DownOk, Ok: &struct{}{}}, nil
}

// restartTargets never mutates the existing target: it submits a fresh
// equivalent-by-dependency target and activates it, leaving the old
// target's history intact.
func (d *Dispatcher) restartTargets(ctx context.Context, req *RestartTargetsRequest) (DownMessage, error) {
	var fresh []engine.Target
	mapping := make(map[string]string, len(req.IDs))
	for _, id := range req.IDs {
		old, err := d.Store.Get(ctx, id)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return DownMessage{}, err
		}
		newID := old.ID + "-restart-" + restartSuffix()
		fresh = append(fresh, engine.Target{
			ID:              newID,
			Name:            old.Name,
			Tags:            old.Tags,
			Metadata:        old.Metadata,
			Dependencies:    old.Dependencies,
			IfFailsActivate: old.IfFailsActivate,
			Equivalence:     old.Equivalence,
			Condition:       old.Condition,
			BuildProcess:    old.BuildProcess,
			ActivatedByUser: true,
		})
		mapping[id] = newID
	}
	canonical, err := engine.SubmitTargets(ctx, d.Store, d.Driver, fresh)
	if err != nil {
		return errorMessage(CodeProtocolError, err.Error()), nil
	}
	for old, submitted := range mapping {
		if c, ok := canonical[submitted]; ok {
			mapping[old] = c
		}
	}
	targets, err := d.resolveIDs(ctx, valuesOf(mapping))
	if err != nil {
		return DownMessage{}, err
	}
	return DownMessage{Kind: DownListOfTargets, ListOfTargets: &ListOfTargets{Targets: targets, SubmittedIDs: mapping}}, nil
}

func valuesOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

var restartCounter int64

// restartSuffix derives a disambiguator for a restarted target's fresh
// id: a nanosecond timestamp plus an atomically incremented counter, so
// two concurrent restart requests never collide even if they land in
// the same nanosecond.
func restartSuffix() string {
	n := atomic.AddInt64(&restartCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), n)
}

func (d *Dispatcher) getTargetIDs(ctx context.Context, req *GetTargetIDsRequest) (DownMessage, error) {
	filter := req.TargetQuery.Filter
	if filter.Kind == "" {
		filter.Kind = FilterTrue
	}
	match := func() ([]string, error) {
		all, err := d.Store.IterAll(ctx)
		if err != nil {
			return nil, err
		}
		var ids []string
		for _, t := range all {
			if !matchesTimeConstraint(t, req.TargetQuery.TimeConstraint) {
				continue
			}
			ok, err := filter.Eval(t)
			if err != nil {
				return nil, err
			}
			if ok {
				ids = append(ids, t.ID)
			}
		}
		sort.Strings(ids)
		return ids, nil
	}

	ids, err := d.blockUntilNonEmpty(ctx, req.Options, match)
	if err != nil {
		return DownMessage{}, err
	}

	if len(ids) > d.DeferThreshold {
		token, total, err := d.Deferred.Defer(ids)
		if err != nil {
			return DownMessage{}, err
		}
		return DownMessage{Kind: DownDeferredListOfTargetIDs, DeferredListOfTargetIDs: &DeferredListOfTargetIDs{Token: token, Total: total}}, nil
	}
	return DownMessage{Kind: DownListOfTargetIDs, ListOfTargetIDs: &ListOfTargetIDs{IDs: ids}}, nil
}

func matchesTimeConstraint(t engine.Target, tc TimeConstraint) bool {
	switch tc.Kind {
	case TCAll, "":
		return true
	case TCCreatedAfter:
		return len(t.History) > 0 && t.History[0].Time.After(tc.Time)
	case TCNotFinishedBefore:
		if !t.IsTerminal() {
			return true
		}
		return t.Current().Time.After(tc.Time) || t.Current().Time.Equal(tc.Time)
	case TCStatusChangedSince:
		return len(t.History) > 0 && t.Current().Time.After(tc.Time)
	default:
		return true
	}
}

// blockUntilNonEmpty implements the Block_if_empty_at_most(t) option:
// it polls match at a short interval until it returns a
// non-empty result or the (server-capped) timeout elapses, returning
// immediately on the first non-empty result or on BlockNone.
func (d *Dispatcher) blockUntilNonEmpty(ctx context.Context, opts QueryOptions, match func() ([]string, error)) ([]string, error) {
	ids, err := match()
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 || opts.Block != BlockIfEmptyAtMost {
		return ids, nil
	}

	deadline := time.Now().Add(d.boundedBlock(opts.Seconds))
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ids, nil
		case <-ticker.C:
			ids, err = match()
			if err != nil {
				return nil, err
			}
			if len(ids) > 0 {
				return ids, nil
			}
		}
	}
	return ids, nil
}

func (d *Dispatcher) boundedBlock(seconds float64) time.Duration {
	want := time.Duration(seconds * float64(time.Second))
	if want <= 0 {
		return 0
	}
	if d.MaxBlockingTime > 0 && want > d.MaxBlockingTime {
		return d.MaxBlockingTime
	}
	return want
}

// blockingResolve is getTargetFlatStates's analog of blockUntilNonEmpty,
// operating on resolved targets rather than bare ids.
func (d *Dispatcher) blockingResolve(ctx context.Context, ids []string, opts QueryOptions, nonEmpty func([]engine.Target) bool) ([]engine.Target, error) {
	targets, err := d.resolveIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if nonEmpty(targets) || opts.Block != BlockIfEmptyAtMost {
		return targets, nil
	}

	deadline := time.Now().Add(d.boundedBlock(opts.Seconds))
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return targets, nil
		case <-ticker.C:
			targets, err = d.resolveIDs(ctx, ids)
			if err != nil {
				return nil, err
			}
			if nonEmpty(targets) {
				return targets, nil
			}
		}
	}
	return targets, nil
}

func (d *Dispatcher) getServerStatus() DownMessage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return DownMessage{Kind: DownServerStatus, ServerStatus: &ServerStatus{
		Time:          time.Now(),
		ReadOnly:      d.ReadOnly,
		TLS:           d.TLSKind,
		PreemptiveQueue: 0,
		Libev:         "n/a",
		Database:      d.Database,
		MemAllocBytes: ms.Alloc,
		MemSysBytes:   ms.Sys,
		NumGoroutine:  runtime.NumGoroutine(),
		NumGC:         ms.NumGC,
	}}
}

func (d *Dispatcher) getDeferred(req *GetDeferredRequest) DownMessage {
	ids, ok := d.Deferred.Page(req.ID, req.Index, req.Length)
	if !ok {
		return DownMessage{Kind: DownMissingDeferred, MissingDeferred: &struct{}{}}
	}
	return DownMessage{Kind: DownListOfTargetIDs, ListOfTargetIDs: &ListOfTargetIDs{IDs: ids}}
}

func sortTargetsByID(ts []engine.Target) {
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}
