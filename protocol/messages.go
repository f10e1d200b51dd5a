// Package protocol implements the client wire protocol: the versioned
// Up_message/Down_message tagged unions, the target-query filter algebra,
// and the HTTP(S) dispatcher that translates them into target-store
// operations.
//
// The core (engine package) never imports protocol; protocol depends on
// engine and engine/store only, keeping the automaton testable without a
// transport.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dshills/targetflow/engine"
)

// UpKind tags an UpMessage's payload, one constant per request kind.
type UpKind string

const (
	UpGetTargets          UpKind = "Get_targets"
	UpGetTargetSummaries  UpKind = "Get_target_summaries"
	UpGetTargetFlatStates UpKind = "Get_target_flat_states"
	UpGetAvailableQueries UpKind = "Get_available_queries"
	UpCallQuery           UpKind = "Call_query"
	UpSubmitTargets       UpKind = "Submit_targets"
	UpKillTargets         UpKind = "Kill_targets"
	UpRestartTargets      UpKind = "Restart_targets"
	UpGetTargetIDs        UpKind = "Get_target_ids"
	UpGetServerStatus     UpKind = "Get_server_status"
	UpGetDeferred         UpKind = "Get_deferred"
	UpProcess             UpKind = "Process"
)

// BlockMode tags the blocking-query option a Get_target_ids/
// Get_target_flat_states request may carry.
type BlockMode string

const (
	// BlockNone means return immediately, even with an empty result.
	BlockNone BlockMode = "None"
	// BlockIfEmptyAtMost means await up to Seconds for a non-empty
	// result before returning, bounded by the server's max_blocking_time.
	BlockIfEmptyAtMost BlockMode = "Block_if_empty_at_most"
)

// QueryOptions parameterizes the blocking behavior of a query request.
type QueryOptions struct {
	Block   BlockMode `json:"block"`
	Seconds float64   `json:"seconds,omitempty"`
}

// SinceKind tags Get_target_flat_states's time filter.
type SinceKind string

const (
	SinceAll   SinceKind = "All"
	SinceSince SinceKind = "Since"
)

// Since is the {All|Since(t)} time filter on Get_target_flat_states.
type Since struct {
	Kind SinceKind `json:"kind"`
	Time time.Time `json:"time,omitempty"`
}

// TimeConstraintKind tags Get_target_ids's target_query time restriction.
type TimeConstraintKind string

const (
	TCAll                TimeConstraintKind = "All"
	TCNotFinishedBefore  TimeConstraintKind = "Not_finished_before"
	TCCreatedAfter       TimeConstraintKind = "Created_after"
	TCStatusChangedSince TimeConstraintKind = "Status_changed_since"
)

// TimeConstraint is the time half of a target_query.
type TimeConstraint struct {
	Kind TimeConstraintKind `json:"kind"`
	Time time.Time          `json:"time,omitempty"`
}

// TargetQuery is Get_target_ids's {time_constraint, filter} argument.
type TargetQuery struct {
	TimeConstraint TimeConstraint `json:"time_constraint"`
	Filter         Filter         `json:"filter"`
}

// Request payloads, one struct per Up_message tag.

type GetTargetsRequest struct {
	IDs []string `json:"ids"`
}

type GetTargetSummariesRequest struct {
	IDs []string `json:"ids"`
}

type GetTargetFlatStatesRequest struct {
	Since   Since        `json:"since"`
	IDs     []string     `json:"ids"`
	Options QueryOptions `json:"options"`
}

type GetAvailableQueriesRequest struct {
	ID string `json:"id"`
}

type CallQueryRequest struct {
	ID        string `json:"id"`
	QueryName string `json:"query_name"`
}

type SubmitTargetsRequest struct {
	Targets []engine.Target `json:"targets"`
}

type KillTargetsRequest struct {
	IDs []string `json:"ids"`
}

type RestartTargetsRequest struct {
	IDs []string `json:"ids"`
}

type GetTargetIDsRequest struct {
	TargetQuery TargetQuery  `json:"target_query"`
	Options     QueryOptions `json:"options"`
}

type GetDeferredRequest struct {
	ID     string `json:"id"`
	Index  int    `json:"index"`
	Length int    `json:"length"`
}

// ProcessMessage carries the peripheral SSH/process diagnostic
// subprotocol payload opaquely; the core never interprets it.
type ProcessMessage struct {
	Sub json.RawMessage `json:"subprotocol"`
}

// UpMessage is the client->server request tagged union. Exactly one of
// the typed fields is populated, selected by Kind; MarshalJSON/
// UnmarshalJSON encode it as the single-key object {"<Kind>": payload}.
type UpMessage struct {
	Kind UpKind

	GetTargets          *GetTargetsRequest
	GetTargetSummaries  *GetTargetSummariesRequest
	GetTargetFlatStates *GetTargetFlatStatesRequest
	GetAvailableQueries *GetAvailableQueriesRequest
	CallQuery           *CallQueryRequest
	SubmitTargets       *SubmitTargetsRequest
	KillTargets         *KillTargetsRequest
	RestartTargets      *RestartTargetsRequest
	GetTargetIDs        *GetTargetIDsRequest
	GetServerStatus     *struct{}
	GetDeferred         *GetDeferredRequest
	Process             *ProcessMessage
}

func (m UpMessage) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch m.Kind {
	case UpGetTargets:
		payload = m.GetTargets
	case UpGetTargetSummaries:
		payload = m.GetTargetSummaries
	case UpGetTargetFlatStates:
		payload = m.GetTargetFlatStates
	case UpGetAvailableQueries:
		payload = m.GetAvailableQueries
	case UpCallQuery:
		payload = m.CallQuery
	case UpSubmitTargets:
		payload = m.SubmitTargets
	case UpKillTargets:
		payload = m.KillTargets
	case UpRestartTargets:
		payload = m.RestartTargets
	case UpGetTargetIDs:
		payload = m.GetTargetIDs
	case UpGetServerStatus:
		payload = struct{}{}
	case UpGetDeferred:
		payload = m.GetDeferred
	case UpProcess:
		payload = m.Process
	default:
		return nil, fmt.Errorf("protocol: unknown UpMessage kind %q", m.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{string(m.Kind): raw})
}

func (m *UpMessage) UnmarshalJSON(b []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if len(obj) != 1 {
		return fmt.Errorf("protocol: expected single-key tagged object for Up_message, got %d keys", len(obj))
	}
	for k, raw := range obj {
		m.Kind = UpKind(k)
		switch m.Kind {
		case UpGetTargets:
			m.GetTargets = &GetTargetsRequest{}
			return json.Unmarshal(raw, m.GetTargets)
		case UpGetTargetSummaries:
			m.GetTargetSummaries = &GetTargetSummariesRequest{}
			return json.Unmarshal(raw, m.GetTargetSummaries)
		case UpGetTargetFlatStates:
			m.GetTargetFlatStates = &GetTargetFlatStatesRequest{}
			return json.Unmarshal(raw, m.GetTargetFlatStates)
		case UpGetAvailableQueries:
			m.GetAvailableQueries = &GetAvailableQueriesRequest{}
			return json.Unmarshal(raw, m.GetAvailableQueries)
		case UpCallQuery:
			m.CallQuery = &CallQueryRequest{}
			return json.Unmarshal(raw, m.CallQuery)
		case UpSubmitTargets:
			m.SubmitTargets = &SubmitTargetsRequest{}
			return json.Unmarshal(raw, m.SubmitTargets)
		case UpKillTargets:
			m.KillTargets = &KillTargetsRequest{}
			return json.Unmarshal(raw, m.KillTargets)
		case UpRestartTargets:
			m.RestartTargets = &RestartTargetsRequest{}
			return json.Unmarshal(raw, m.RestartTargets)
		case UpGetTargetIDs:
			m.GetTargetIDs = &GetTargetIDsRequest{}
			return json.Unmarshal(raw, m.GetTargetIDs)
		case UpGetServerStatus:
			m.GetServerStatus = &struct{}{}
			return nil
		case UpGetDeferred:
			m.GetDeferred = &GetDeferredRequest{}
			return json.Unmarshal(raw, m.GetDeferred)
		case UpProcess:
			m.Process = &ProcessMessage{}
			return json.Unmarshal(raw, m.Process)
		default:
			return fmt.Errorf("protocol: unknown Up_message tag %q", k)
		}
	}
	return nil
}

// DownKind tags a DownMessage's payload, one constant per response kind.
type DownKind string

const (
	DownListOfTargets          DownKind = "List_of_targets"
	DownListOfTargetSummaries  DownKind = "List_of_target_summaries"
	DownListOfTargetFlatStates DownKind = "List_of_target_flat_states"
	DownListOfTargetIDs        DownKind = "List_of_target_ids"
	DownDeferredListOfTargetIDs DownKind = "Deferred_list_of_target_ids"
	DownQueryResult            DownKind = "Query_result"
	DownQueryError             DownKind = "Query_error"
	DownAvailableQueries       DownKind = "Available_queries"
	DownServerStatus           DownKind = "Server_status"
	DownOk                     DownKind = "Ok"
	DownMissingDeferred        DownKind = "Missing_deferred"
	DownProcess                DownKind = "Process"
	DownError                  DownKind = "Error"
)

// TargetSummary is the condensed per-target projection
// Get_target_summaries returns.
type TargetSummary struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Tags     []string `json:"tags,omitempty"`
	Status   string   `json:"status"`
	Attempts int      `json:"attempts"`
}

// FlatState is one entry of a target's state history, flattened for a
// Get_target_flat_states response.
type FlatState struct {
	ID    string    `json:"id"`
	Kind  string    `json:"kind"`
	Time  time.Time `json:"time"`
	Cause string    `json:"cause"`
}

// TLSKind names the transport the server status reports the listening
// socket as using.
type TLSKind string

const (
	TLSOpenSSL TLSKind = "OpenSSL"
	TLSNative  TLSKind = "Native"
	TLSNone    TLSKind = "None"
)

// ServerStatus is the Get_server_status response payload.
type ServerStatus struct {
	Time               time.Time `json:"time"`
	ReadOnly           bool      `json:"read_only"`
	TLS                TLSKind   `json:"tls"`
	PreemptiveBoundLo  int       `json:"preemptive_bound_lo"`
	PreemptiveBoundHi  int       `json:"preemptive_bound_hi"`
	PreemptiveQueue    int       `json:"preemptive_queue"`
	Libev              string    `json:"libev"`
	Database           string    `json:"database"`
	MemAllocBytes      uint64    `json:"mem_alloc_bytes"`
	MemSysBytes        uint64    `json:"mem_sys_bytes"`
	NumGoroutine       int       `json:"num_goroutine"`
	NumGC              uint32    `json:"num_gc"`
}

type ListOfTargets struct {
	Targets      []engine.Target   `json:"targets"`
	SubmittedIDs map[string]string `json:"submitted_ids,omitempty"`
}

type ListOfTargetSummaries struct {
	Summaries []TargetSummary `json:"summaries"`
}

type ListOfTargetFlatStates struct {
	States []FlatState `json:"states"`
}

type ListOfTargetIDs struct {
	IDs []string `json:"ids"`
}

type DeferredListOfTargetIDs struct {
	Token string `json:"token"`
	Total int    `json:"total"`
}

type QueryResult struct {
	Value string `json:"value"`
}

type QueryError struct {
	Detail string `json:"detail"`
}

type AvailableQueries struct {
	Names []string `json:"names"`
}

type ErrorMessage struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// DownMessage is the server->client response tagged union, with the same
// single-key-object encoding as UpMessage.
type DownMessage struct {
	Kind DownKind

	ListOfTargets           *ListOfTargets
	ListOfTargetSummaries   *ListOfTargetSummaries
	ListOfTargetFlatStates  *ListOfTargetFlatStates
	ListOfTargetIDs         *ListOfTargetIDs
	DeferredListOfTargetIDs *DeferredListOfTargetIDs
	QueryResult             *QueryResult
	QueryError              *QueryError
	AvailableQueries        *AvailableQueries
	ServerStatus            *ServerStatus
	Ok                      *struct{}
	MissingDeferred         *struct{}
	Process                 *ProcessMessage
	Error                   *ErrorMessage
}

func (m DownMessage) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch m.Kind {
	case DownListOfTargets:
		payload = m.ListOfTargets
	case DownListOfTargetSummaries:
		payload = m.ListOfTargetSummaries
	case DownListOfTargetFlatStates:
		payload = m.ListOfTargetFlatStates
	case DownListOfTargetIDs:
		payload = m.ListOfTargetIDs
	case DownDeferredListOfTargetIDs:
		payload = m.DeferredListOfTargetIDs
	case DownQueryResult:
		payload = m.QueryResult
	case DownQueryError:
		payload = m.QueryError
	case DownAvailableQueries:
		payload = m.AvailableQueries
	case DownServerStatus:
		payload = m.ServerStatus
	case DownOk:
		payload = struct{}{}
	case DownMissingDeferred:
		payload = struct{}{}
	case DownProcess:
		payload = m.Process
	case DownError:
		payload = m.Error
	default:
		return nil, fmt.Errorf("protocol: unknown DownMessage kind %q", m.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{string(m.Kind): raw})
}

func (m *DownMessage) UnmarshalJSON(b []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if len(obj) != 1 {
		return fmt.Errorf("protocol: expected single-key tagged object for Down_message, got %d keys", len(obj))
	}
	for k, raw := range obj {
		m.Kind = DownKind(k)
		switch m.Kind {
		case DownListOfTargets:
			m.ListOfTargets = &ListOfTargets{}
			return json.Unmarshal(raw, m.ListOfTargets)
		case DownListOfTargetSummaries:
			m.ListOfTargetSummaries = &ListOfTargetSummaries{}
			return json.Unmarshal(raw, m.ListOfTargetSummaries)
		case DownListOfTargetFlatStates:
			m.ListOfTargetFlatStates = &ListOfTargetFlatStates{}
			return json.Unmarshal(raw, m.ListOfTargetFlatStates)
		case DownListOfTargetIDs:
			m.ListOfTargetIDs = &ListOfTargetIDs{}
			return json.Unmarshal(raw, m.ListOfTargetIDs)
		case DownDeferredListOfTargetIDs:
			m.DeferredListOfTargetIDs = &DeferredListOfTargetIDs{}
			return json.Unmarshal(raw, m.DeferredListOfTargetIDs)
		case DownQueryResult:
			m.QueryResult = &QueryResult{}
			return json.Unmarshal(raw, m.QueryResult)
		case DownQueryError:
			m.QueryError = &QueryError{}
			return json.Unmarshal(raw, m.QueryError)
		case DownAvailableQueries:
			m.AvailableQueries = &AvailableQueries{}
			return json.Unmarshal(raw, m.AvailableQueries)
		case DownServerStatus:
			m.ServerStatus = &ServerStatus{}
			return json.Unmarshal(raw, m.ServerStatus)
		case DownOk:
			m.Ok = &struct{}{}
			return nil
		case DownMissingDeferred:
			m.MissingDeferred = &struct{}{}
			return nil
		case DownProcess:
			m.Process = &ProcessMessage{}
			return json.Unmarshal(raw, m.Process)
		case DownError:
			m.Error = &ErrorMessage{}
			return json.Unmarshal(raw, m.Error)
		default:
			return fmt.Errorf("protocol: unknown Down_message tag %q", k)
		}
	}
	return nil
}

// envelopeVersion is the only wire version this reader/writer pair
// knows. The reader accepts any known version; for now that is just
// "V0".
const envelopeVersion = "V0"

// UpEnvelope is the versioned wrapper every request carries on the wire:
// {"V0": <UpMessage>}.
type UpEnvelope struct {
	Message UpMessage
}

func (e UpEnvelope) MarshalJSON() ([]byte, error) {
	inner, err := json.Marshal(e.Message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{envelopeVersion: inner})
}

func (e *UpEnvelope) UnmarshalJSON(b []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	raw, ok := obj[envelopeVersion]
	if !ok {
		return fmt.Errorf("protocol: unrecognized envelope version (want %q)", envelopeVersion)
	}
	return json.Unmarshal(raw, &e.Message)
}

// DownEnvelope is the versioned wrapper every response carries.
type DownEnvelope struct {
	Message DownMessage
}

func (e DownEnvelope) MarshalJSON() ([]byte, error) {
	inner, err := json.Marshal(e.Message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{envelopeVersion: inner})
}

func (e *DownEnvelope) UnmarshalJSON(b []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	raw, ok := obj[envelopeVersion]
	if !ok {
		return fmt.Errorf("protocol: unrecognized envelope version (want %q)", envelopeVersion)
	}
	return json.Unmarshal(raw, &e.Message)
}
