package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Kaffe-diem/kaffediem/internal/collection"
)

// Scenario is one sync scenario.
type Scenario struct {
	// Name identifies the scenario and its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario shows.
	Description string `yaml:"description"`

	// Seed holds wire records per collection, stored before any step.
	Seed map[string][]map[string]any `yaml:"seed,omitempty"`

	// MirrorJoinItems makes join replies carry the current records.
	MirrorJoinItems bool `yaml:"mirror_join_items,omitempty"`

	// Stores declares the stores steps may open, one per collection.
	Stores []StoreSpec `yaml:"stores"`

	// Steps run in order; the loop is drained after each.
	Steps []Step `yaml:"steps"`

	// Assertions are checked against the final state and trace.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// StoreSpec declares a store.
type StoreSpec struct {
	Collection string `yaml:"collection"`
	// Sort is a collection.ParseSort name.
	Sort  string            `yaml:"sort"`
	Query map[string]string `yaml:"query,omitempty"`
	// JoinOnly opens the store without a fetcher, so the join reply is
	// the snapshot.
	JoinOnly bool `yaml:"join_only,omitempty"`
}

// Step is one scenario operation. Exactly one operation field is set.
type Step struct {
	Open         string        `yaml:"open,omitempty"`
	Close        string        `yaml:"close,omitempty"`
	Push         *PushStep     `yaml:"push,omitempty"`
	PushRaw      *PushRawStep  `yaml:"push_raw,omitempty"`
	Create       *MutationStep `yaml:"create,omitempty"`
	Update       *MutationStep `yaml:"update,omitempty"`
	Delete       *MutationStep `yaml:"delete,omitempty"`
	Hold         string        `yaml:"hold,omitempty"`
	Release      string        `yaml:"release,omitempty"`
	FailList     *FailStep     `yaml:"fail_list,omitempty"`
	FailJoin     *FailStep     `yaml:"fail_join,omitempty"`
	FailRequests string        `yaml:"fail_requests,omitempty"`
	Disconnect   string        `yaml:"disconnect,omitempty"`
	Echo         string        `yaml:"echo,omitempty"`
	FlushEchoes  bool          `yaml:"flush_echoes,omitempty"`

	// ExpectError is an error kind, or "any". Empty expects success.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// PushStep delivers a change event.
type PushStep struct {
	Collection string         `yaml:"collection"`
	Action     string         `yaml:"action"`
	Record     map[string]any `yaml:"record"`
}

// PushRawStep delivers a change event with an unparsed record.
type PushRawStep struct {
	Collection string `yaml:"collection"`
	Action     string `yaml:"action"`
	Raw        string `yaml:"raw"`
}

// MutationStep sends a request through a store.
type MutationStep struct {
	Collection string         `yaml:"collection"`
	ID         string         `yaml:"id,omitempty"`
	Fields     map[string]any `yaml:"fields,omitempty"`
}

// FailStep sets (or with an empty error clears) a transport failure.
type FailStep struct {
	Collection string `yaml:"collection"`
	Error      string `yaml:"error"`
}

// Assertion validates the final state or the trace.
type Assertion struct {
	// Type is one of the Assert constants.
	Type       string `yaml:"type"`
	Collection string `yaml:"collection,omitempty"`

	// IDs is the expected cache order (items).
	IDs []string `yaml:"ids,omitempty"`

	// Stale is the expected flag (stale).
	Stale bool `yaml:"stale,omitempty"`

	// Source and Outcomes select trace events (outcomes).
	Source   string   `yaml:"source,omitempty"`
	Outcomes []string `yaml:"outcomes,omitempty"`

	// ID, Field and Value address a cached field (field).
	ID    string `yaml:"id,omitempty"`
	Field string `yaml:"field,omitempty"`
	Value any    `yaml:"value,omitempty"`

	// Key and Count check request counts (requests).
	Key   string `yaml:"key,omitempty"`
	Count int    `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertItems    = "items"
	AssertStale    = "stale"
	AssertOutcomes = "outcomes"
	AssertField    = "field"
	AssertRequests = "requests"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos do not silently pass.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}

	declared := make(map[string]bool, len(s.Stores))
	for i, st := range s.Stores {
		if st.Collection == "" {
			return fmt.Errorf("stores[%d]: collection is required", i)
		}
		if declared[st.Collection] {
			return fmt.Errorf("stores[%d]: collection %s declared twice", i, st.Collection)
		}
		if _, err := collection.ParseSort(st.Sort); err != nil {
			return fmt.Errorf("stores[%d]: %w", i, err)
		}
		declared[st.Collection] = true
	}

	for i, step := range s.Steps {
		if n := step.operations(); n != 1 {
			return fmt.Errorf("steps[%d]: exactly one operation required, found %d", i, n)
		}
		for _, coll := range []string{step.Open, step.Close} {
			if coll != "" && !declared[coll] {
				return fmt.Errorf("steps[%d]: store %s is not declared", i, coll)
			}
		}
		for _, m := range []*MutationStep{step.Create, step.Update, step.Delete} {
			if m != nil && !declared[m.Collection] {
				return fmt.Errorf("steps[%d]: store %s is not declared", i, m.Collection)
			}
		}
		if (step.Update != nil && step.Update.ID == "") || (step.Delete != nil && step.Delete.ID == "") {
			return fmt.Errorf("steps[%d]: id is required", i)
		}
		switch step.Echo {
		case "", "before_response", "after_response", "none":
		default:
			return fmt.Errorf("steps[%d]: unknown echo mode %q", i, step.Echo)
		}
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case AssertItems, AssertStale, AssertOutcomes, AssertField:
			if !declared[a.Collection] {
				return fmt.Errorf("assertions[%d]: store %s is not declared", i, a.Collection)
			}
		case AssertRequests:
			if a.Key == "" {
				return fmt.Errorf("assertions[%d]: key is required", i)
			}
		default:
			return fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type)
		}
	}
	return nil
}

// operations counts the operation fields set on a step.
func (s Step) operations() int {
	n := 0
	for _, set := range []bool{
		s.Open != "", s.Close != "", s.Push != nil, s.PushRaw != nil,
		s.Create != nil, s.Update != nil, s.Delete != nil,
		s.Hold != "", s.Release != "", s.FailList != nil, s.FailJoin != nil,
		s.FailRequests != "", s.Disconnect != "", s.Echo != "", s.FlushEchoes,
	} {
		if set {
			n++
		}
	}
	return n
}
