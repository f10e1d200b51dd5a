package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/dshills/targetflow/engine"
)

// PatternKind tags how a Pattern compares a string field.
type PatternKind string

const (
	PatternEquals  PatternKind = "Equals"
	PatternMatches PatternKind = "Matches"
)

// Pattern is the string-matching leaf used by Has_tag/Name/Id filters:
// exact equality or a regular expression.
type Pattern struct {
	Kind  PatternKind `json:"kind"`
	Value string      `json:"value"`
}

// Match reports whether s satisfies the pattern.
func (p Pattern) Match(s string) (bool, error) {
	switch p.Kind {
	case PatternEquals:
		return s == p.Value, nil
	case PatternMatches:
		re, err := regexp.Compile(p.Value)
		if err != nil {
			return false, fmt.Errorf("protocol: invalid regex %q: %w", p.Value, err)
		}
		return re.MatchString(s), nil
	default:
		return false, fmt.Errorf("protocol: unknown pattern kind %q", p.Kind)
	}
}

// StatusSimpleKind is the Simple sub-case of Status.
type StatusSimpleKind string

const (
	SimpleActivable  StatusSimpleKind = "Activable"
	SimpleInProgress StatusSimpleKind = "In_progress"
	SimpleSuccessful StatusSimpleKind = "Successful"
	SimpleFailed     StatusSimpleKind = "Failed"
)

// StatusKind tags the Status sum type.
type StatusKind string

const (
	StatusSimpleK                  StatusKind = "Simple"
	StatusReallyRunning             StatusKind = "Really_running"
	StatusKillable                  StatusKind = "Killable"
	StatusDeadBecauseOfDependencies StatusKind = "Dead_because_of_dependencies"
	StatusActivatedByUser           StatusKind = "Activated_by_user"
)

// Status is the target-status predicate leaf of the filter algebra.
type Status struct {
	Kind   StatusKind       `json:"kind"`
	Simple StatusSimpleKind `json:"simple,omitempty"`
}

// Match evaluates the status predicate against t.
func (s Status) Match(t engine.Target) (bool, error) {
	cur := t.Current()
	switch s.Kind {
	case StatusSimpleK:
		switch s.Simple {
		case SimpleActivable:
			return cur.Kind == engine.Passive || cur.Kind == engine.Activable, nil
		case SimpleSuccessful:
			return cur.Kind == engine.Successful, nil
		case SimpleFailed:
			return cur.Kind == engine.Dead, nil
		case SimpleInProgress:
			return !t.IsTerminal() && cur.Kind != engine.Passive && cur.Kind != engine.Activable, nil
		default:
			return false, fmt.Errorf("protocol: unknown simple status %q", s.Simple)
		}
	case StatusReallyRunning:
		return cur.Kind == engine.StartedRunning || cur.Kind == engine.TriedToCheckProcess, nil
	case StatusKillable:
		return !t.IsTerminal() && cur.Kind != engine.Killing && cur.Kind != engine.Killed, nil
	case StatusDeadBecauseOfDependencies:
		return cur.Kind == engine.Dead && historyContains(t, engine.FailedFromDependencies), nil
	case StatusActivatedByUser:
		return t.ActivatedByUser, nil
	default:
		return false, fmt.Errorf("protocol: unknown status kind %q", s.Kind)
	}
}

func historyContains(t engine.Target, kind engine.StateKind) bool {
	for _, h := range t.History {
		if h.Kind == kind {
			return true
		}
	}
	return false
}

// FilterKind tags the recursive filter algebra:
// True | False | And[...] | Or[...] | Not f | Status s | Has_tag p |
// Name p | Id p.
type FilterKind string

const (
	FilterTrue   FilterKind = "True"
	FilterFalse  FilterKind = "False"
	FilterAnd    FilterKind = "And"
	FilterOr     FilterKind = "Or"
	FilterNot    FilterKind = "Not"
	FilterStatus FilterKind = "Status"
	FilterHasTag FilterKind = "Has_tag"
	FilterName   FilterKind = "Name"
	FilterID     FilterKind = "Id"
)

// Filter is a node in the recursive target-query filter algebra: a
// JSON-encodable predicate tree evaluated against one target at a time.
type Filter struct {
	Kind FilterKind

	Sub     []Filter // And, Or
	Negated *Filter  // Not
	Status  *Status
	Pattern *Pattern // Has_tag, Name, Id
}

// Eval evaluates the filter tree against t.
func (f Filter) Eval(t engine.Target) (bool, error) {
	switch f.Kind {
	case FilterTrue:
		return true, nil
	case FilterFalse:
		return false, nil
	case FilterAnd:
		for _, sub := range f.Sub {
			ok, err := sub.Eval(t)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case FilterOr:
		for _, sub := range f.Sub {
			ok, err := sub.Eval(t)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case FilterNot:
		if f.Negated == nil {
			return false, fmt.Errorf("protocol: Not filter missing operand")
		}
		ok, err := f.Negated.Eval(t)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case FilterStatus:
		if f.Status == nil {
			return false, fmt.Errorf("protocol: Status filter missing operand")
		}
		return f.Status.Match(t)
	case FilterHasTag:
		if f.Pattern == nil {
			return false, fmt.Errorf("protocol: Has_tag filter missing pattern")
		}
		for _, tag := range t.Tags {
			ok, err := f.Pattern.Match(tag)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case FilterName:
		if f.Pattern == nil {
			return false, fmt.Errorf("protocol: Name filter missing pattern")
		}
		return f.Pattern.Match(t.Name)
	case FilterID:
		if f.Pattern == nil {
			return false, fmt.Errorf("protocol: Id filter missing pattern")
		}
		return f.Pattern.Match(t.ID)
	default:
		return false, fmt.Errorf("protocol: unknown filter kind %q", f.Kind)
	}
}

// filterWire is Filter's JSON shape: a single-key object whose key is the
// kind and whose value is the kind-specific payload.
type filterWire struct {
	And    []Filter `json:"And,omitempty"`
	Or     []Filter `json:"Or,omitempty"`
	Not    *Filter  `json:"Not,omitempty"`
	Status *Status  `json:"Status,omitempty"`
	HasTag *Pattern `json:"Has_tag,omitempty"`
	Name   *Pattern `json:"Name,omitempty"`
	ID     *Pattern `json:"Id,omitempty"`
}

func (f Filter) MarshalJSON() ([]byte, error) {
	switch f.Kind {
	case FilterTrue:
		return json.Marshal("True")
	case FilterFalse:
		return json.Marshal("False")
	case FilterAnd:
		return json.Marshal(map[string][]Filter{"And": f.Sub})
	case FilterOr:
		return json.Marshal(map[string][]Filter{"Or": f.Sub})
	case FilterNot:
		return json.Marshal(map[string]*Filter{"Not": f.Negated})
	case FilterStatus:
		return json.Marshal(map[string]*Status{"Status": f.Status})
	case FilterHasTag:
		return json.Marshal(map[string]*Pattern{"Has_tag": f.Pattern})
	case FilterName:
		return json.Marshal(map[string]*Pattern{"Name": f.Pattern})
	case FilterID:
		return json.Marshal(map[string]*Pattern{"Id": f.Pattern})
	default:
		return nil, fmt.Errorf("protocol: unknown filter kind %q", f.Kind)
	}
}

func (f *Filter) UnmarshalJSON(b []byte) error {
	var tag string
	if err := json.Unmarshal(b, &tag); err == nil {
		switch tag {
		case "True":
			f.Kind = FilterTrue
			return nil
		case "False":
			f.Kind = FilterFalse
			return nil
		default:
			return fmt.Errorf("protocol: unknown nullary filter %q", tag)
		}
	}

	var w filterWire
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("protocol: decode filter: %w", err)
	}
	switch {
	case w.And != nil:
		f.Kind, f.Sub = FilterAnd, w.And
	case w.Or != nil:
		f.Kind, f.Sub = FilterOr, w.Or
	case w.Not != nil:
		f.Kind, f.Negated = FilterNot, w.Not
	case w.Status != nil:
		f.Kind, f.Status = FilterStatus, w.Status
	case w.HasTag != nil:
		f.Kind, f.Pattern = FilterHasTag, w.HasTag
	case w.Name != nil:
		f.Kind, f.Pattern = FilterName, w.Name
	case w.ID != nil:
		f.Kind, f.Pattern = FilterID, w.ID
	default:
		return fmt.Errorf("protocol: empty or unrecognized filter object")
	}
	return nil
}
