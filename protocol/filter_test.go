package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dshills/targetflow/engine"
	"github.com/dshills/targetflow/engine/executor"
	"github.com/dshills/targetflow/protocol"
)

func aliveTarget(id string, kind engine.StateKind, tags ...string) engine.Target {
	return engine.Target{
		ID:           id,
		Name:         id,
		Tags:         tags,
		BuildProcess: executor.BuildProcess{Kind: executor.NoOperation},
		History:      []engine.State{{Kind: kind, Time: time.Now(), Cause: engine.CauseUser}},
	}
}

// TestFilterAndNotIsEmpty verifies And[f, Not f] never matches, for any f.
func TestFilterAndNotIsEmpty(t *testing.T) {
	targets := []engine.Target{
		aliveTarget("a", engine.Active, "blue"),
		aliveTarget("b", engine.Successful, "red"),
		aliveTarget("c", engine.Dead),
	}

	f := protocol.Filter{Kind: protocol.FilterHasTag, Pattern: &protocol.Pattern{Kind: protocol.PatternEquals, Value: "blue"}}
	combined := protocol.Filter{Kind: protocol.FilterAnd, Sub: []protocol.Filter{
		f,
		{Kind: protocol.FilterNot, Negated: &f},
	}}

	for _, target := range targets {
		ok, err := combined.Eval(target)
		if err != nil {
			t.Fatalf("eval: %v", err)
		}
		if ok {
			t.Fatalf("And[f, Not f] matched target %q, want no matches ever", target.ID)
		}
	}
}

// TestFilterOrNotCoversEverything verifies Or[f, Not f] matches every target.
func TestFilterOrNotCoversEverything(t *testing.T) {
	targets := []engine.Target{
		aliveTarget("a", engine.Active, "blue"),
		aliveTarget("b", engine.Successful, "red"),
		aliveTarget("c", engine.Dead),
	}

	f := protocol.Filter{Kind: protocol.FilterStatus, Status: &protocol.Status{Kind: protocol.StatusSimpleK, Simple: protocol.SimpleSuccessful}}
	combined := protocol.Filter{Kind: protocol.FilterOr, Sub: []protocol.Filter{
		f,
		{Kind: protocol.FilterNot, Negated: &f},
	}}

	for _, target := range targets {
		ok, err := combined.Eval(target)
		if err != nil {
			t.Fatalf("eval: %v", err)
		}
		if !ok {
			t.Fatalf("Or[f, Not f] failed to match target %q, want a match on every target", target.ID)
		}
	}
}

func TestFilterTrueFalse(t *testing.T) {
	tgt := aliveTarget("a", engine.Active)

	if ok, _ := (protocol.Filter{Kind: protocol.FilterTrue}).Eval(tgt); !ok {
		t.Fatal("True filter should always match")
	}
	if ok, _ := (protocol.Filter{Kind: protocol.FilterFalse}).Eval(tgt); ok {
		t.Fatal("False filter should never match")
	}
}

func TestFilterNamePattern(t *testing.T) {
	tgt := aliveTarget("build-123", engine.Active)

	matches := protocol.Filter{Kind: protocol.FilterName, Pattern: &protocol.Pattern{Kind: protocol.PatternMatches, Value: `^build-\d+$`}}
	ok, err := matches.Eval(tgt)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatal("expected regex pattern to match build-123")
	}

	literal := protocol.Filter{Kind: protocol.FilterName, Pattern: &protocol.Pattern{Kind: protocol.PatternEquals, Value: "build-999"}}
	ok, err = literal.Eval(tgt)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if ok {
		t.Fatal("expected literal mismatch to not match")
	}
}

func TestFilterIDPattern(t *testing.T) {
	tgt := aliveTarget("abc", engine.Active)
	f := protocol.Filter{Kind: protocol.FilterID, Pattern: &protocol.Pattern{Kind: protocol.PatternEquals, Value: "abc"}}
	ok, err := f.Eval(tgt)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatal("expected Id filter to match target's id")
	}
}

// TestFilterWireEncoding verifies the single-key-object wire shape for a
// handful of representative filter kinds.
func TestFilterWireEncoding(t *testing.T) {
	cases := []struct {
		name   string
		filter protocol.Filter
	}{
		{"true", protocol.Filter{Kind: protocol.FilterTrue}},
		{"false", protocol.Filter{Kind: protocol.FilterFalse}},
		{"id", protocol.Filter{Kind: protocol.FilterID, Pattern: &protocol.Pattern{Kind: protocol.PatternEquals, Value: "x"}}},
		{"and", protocol.Filter{Kind: protocol.FilterAnd, Sub: []protocol.Filter{{Kind: protocol.FilterTrue}, {Kind: protocol.FilterFalse}}}},
		{"not", protocol.Filter{Kind: protocol.FilterNot, Negated: &protocol.Filter{Kind: protocol.FilterTrue}}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			raw, err := json.Marshal(c.filter)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var decoded protocol.Filter
			if err := json.Unmarshal(raw, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if decoded.Kind != c.filter.Kind {
				t.Fatalf("kind mismatch: got %s want %s", decoded.Kind, c.filter.Kind)
			}
			reencoded, err := json.Marshal(decoded)
			if err != nil {
				t.Fatalf("re-marshal: %v", err)
			}
			if string(reencoded) != string(raw) {
				t.Fatalf("round trip mismatch:\n got %s\nwant %s", reencoded, raw)
			}
		})
	}
}

func TestFilterUnknownObjectRejected(t *testing.T) {
	var f protocol.Filter
	err := json.Unmarshal([]byte(`{"Bogus": {}}`), &f)
	if err == nil {
		t.Fatal("expected error decoding unrecognized filter tag")
	}
}
