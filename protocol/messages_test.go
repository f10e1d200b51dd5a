package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dshills/targetflow/engine"
	"github.com/dshills/targetflow/engine/executor"
	"github.com/dshills/targetflow/protocol"
)

// TestUpMessageRoundTrip checks that encoding then decoding an
// Up_message is the identity, for each variant in the table below.
func TestUpMessageRoundTrip(t *testing.T) {
	cases := []protocol.UpMessage{
		{Kind: protocol.UpGetTargets, GetTargets: &protocol.GetTargetsRequest{IDs: []string{"a", "b"}}},
		{Kind: protocol.UpGetTargetSummaries, GetTargetSummaries: &protocol.GetTargetSummariesRequest{IDs: []string{"a"}}},
		{Kind: protocol.UpGetAvailableQueries, GetAvailableQueries: &protocol.GetAvailableQueriesRequest{ID: "a"}},
		{Kind: protocol.UpCallQuery, CallQuery: &protocol.CallQueryRequest{ID: "a", QueryName: "status"}},
		{Kind: protocol.UpKillTargets, KillTargets: &protocol.KillTargetsRequest{IDs: []string{"a"}}},
		{Kind: protocol.UpRestartTargets, RestartTargets: &protocol.RestartTargetsRequest{IDs: []string{"a"}}},
		{Kind: protocol.UpGetServerStatus, GetServerStatus: &struct{}{}},
		{Kind: protocol.UpGetDeferred, GetDeferred: &protocol.GetDeferredRequest{ID: "tok", Index: 0, Length: 10}},
		{
			Kind: protocol.UpSubmitTargets,
			SubmitTargets: &protocol.SubmitTargetsRequest{Targets: []engine.Target{{
				ID:           "x",
				Name:         "x",
				BuildProcess: executor.BuildProcess{Kind: executor.DirectCommand, Host: "h", Program: "true"},
				History:      []engine.State{{Kind: engine.Passive, Time: time.Now().UTC(), Cause: engine.CauseUser}},
			}}},
		},
		{
			Kind: protocol.UpGetTargetIDs,
			GetTargetIDs: &protocol.GetTargetIDsRequest{
				TargetQuery: protocol.TargetQuery{
					TimeConstraint: protocol.TimeConstraint{Kind: protocol.TCAll},
					Filter:         protocol.Filter{Kind: protocol.FilterTrue},
				},
				Options: protocol.QueryOptions{Block: protocol.BlockNone},
			},
		},
	}

	for _, want := range cases {
		t.Run(string(want.Kind), func(t *testing.T) {
			raw, err := json.Marshal(want)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got protocol.UpMessage
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Kind != want.Kind {
				t.Fatalf("kind mismatch: got %s want %s", got.Kind, want.Kind)
			}
			roundTrip, err := json.Marshal(got)
			if err != nil {
				t.Fatalf("re-marshal: %v", err)
			}
			if string(roundTrip) != string(raw) {
				t.Fatalf("round trip mismatch:\n got %s\nwant %s", roundTrip, raw)
			}
		})
	}
}

func TestDownMessageRoundTrip(t *testing.T) {
	cases := []protocol.DownMessage{
		{Kind: protocol.DownOk, Ok: &struct{}{}},
		{Kind: protocol.DownMissingDeferred, MissingDeferred: &struct{}{}},
		{Kind: protocol.DownError, Error: &protocol.ErrorMessage{Code: "ProtocolError", Detail: "bad"}},
		{Kind: protocol.DownListOfTargetIDs, ListOfTargetIDs: &protocol.ListOfTargetIDs{IDs: []string{"a", "b"}}},
		{Kind: protocol.DownAvailableQueries, AvailableQueries: &protocol.AvailableQueries{Names: []string{"status"}}},
		{Kind: protocol.DownDeferredListOfTargetIDs, DeferredListOfTargetIDs: &protocol.DeferredListOfTargetIDs{Token: "tok", Total: 5000}},
	}

	for _, want := range cases {
		t.Run(string(want.Kind), func(t *testing.T) {
			raw, err := json.Marshal(want)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got protocol.DownMessage
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			roundTrip, err := json.Marshal(got)
			if err != nil {
				t.Fatalf("re-marshal: %v", err)
			}
			if string(roundTrip) != string(raw) {
				t.Fatalf("round trip mismatch:\n got %s\nwant %s", roundTrip, raw)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	up := protocol.UpEnvelope{Message: protocol.UpMessage{Kind: protocol.UpGetServerStatus, GetServerStatus: &struct{}{}}}
	raw, err := json.Marshal(up)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("unmarshal to map: %v", err)
	}
	if _, ok := obj["V0"]; !ok {
		t.Fatalf("expected V0 envelope key, got %s", raw)
	}

	var decoded protocol.UpEnvelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if decoded.Message.Kind != protocol.UpGetServerStatus {
		t.Fatalf("expected Get_server_status, got %s", decoded.Message.Kind)
	}
}

func TestEnvelopeUnknownVersionRejected(t *testing.T) {
	var env protocol.UpEnvelope
	err := json.Unmarshal([]byte(`{"V99": {"Get_server_status": {}}}`), &env)
	if err == nil {
		t.Fatal("expected error decoding unrecognized envelope version")
	}
}
