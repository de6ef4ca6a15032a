package harness

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/Kaffe-diem/kaffediem/internal/ir"
	"github.com/Kaffe-diem/kaffediem/internal/transport/memory"
)

// AssertionContext gives assertions access to final caches and the
// backend.
type AssertionContext struct {
	Backend *memory.Backend
	// Records holds the final cache contents by collection.
	Records map[string][]ir.Record
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", event)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i+1, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertItems:
		return assertItems(result, a)
	case AssertStale:
		return assertStale(result, a)
	case AssertOutcomes:
		return assertOutcomes(result.Trace, a)
	case AssertField:
		return assertField(actx, a)
	case AssertRequests:
		return assertRequests(actx, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func cacheState(result *Result, coll string) (CacheState, bool) {
	for _, s := range result.State {
		if s.Collection == coll {
			return s, true
		}
	}
	return CacheState{}, false
}

func assertItems(result *Result, a Assertion) error {
	s, _ := cacheState(result, a.Collection)
	want := a.IDs
	if want == nil {
		want = []string{}
	}
	if !reflect.DeepEqual(s.IDs, want) {
		return &AssertionError{
			Type:     AssertItems,
			Expected: fmt.Sprintf("%s ids %v", a.Collection, want),
			Actual:   fmt.Sprintf("%v", s.IDs),
		}
	}
	return nil
}

func assertStale(result *Result, a Assertion) error {
	s, _ := cacheState(result, a.Collection)
	if s.Stale != a.Stale {
		return &AssertionError{
			Type:     AssertStale,
			Expected: fmt.Sprintf("%s stale=%t", a.Collection, a.Stale),
			Actual:   fmt.Sprintf("stale=%t", s.Stale),
		}
	}
	return nil
}

// assertOutcomes compares the outcomes of one source in trace order.
func assertOutcomes(trace []TraceEvent, a Assertion) error {
	var got []string
	for _, e := range trace {
		if e.Type == "event" && e.Collection == a.Collection && (a.Source == "" || e.Source == a.Source) {
			got = append(got, e.Outcome)
		}
	}
	if (len(got) > 0 || len(a.Outcomes) > 0) && !reflect.DeepEqual(got, a.Outcomes) {
		return &AssertionError{
			Type:     AssertOutcomes,
			Expected: fmt.Sprintf("%s %s outcomes %v", a.Collection, a.Source, a.Outcomes),
			Actual:   fmt.Sprintf("%v", got),
			Trace:    trace,
		}
	}
	return nil
}

func assertField(actx *AssertionContext, a Assertion) error {
	for _, r := range actx.Records[a.Collection] {
		if string(r.ID) != a.ID {
			continue
		}
		want, err := ir.FromGo(a.Value)
		if err != nil {
			return fmt.Errorf("field %s: %w", a.Field, err)
		}
		got := r.Fields[a.Field]
		if !reflect.DeepEqual(got, want) {
			return &AssertionError{
				Type:     AssertField,
				Expected: fmt.Sprintf("%s/%s.%s = %v", a.Collection, a.ID, a.Field, ir.ToGo(want)),
				Actual:   fmt.Sprintf("%v", toGoOrNil(got)),
			}
		}
		return nil
	}
	return &AssertionError{
		Type:     AssertField,
		Expected: fmt.Sprintf("%s/%s cached", a.Collection, a.ID),
		Actual:   "not found",
	}
}

func toGoOrNil(v ir.Value) any {
	if v == nil {
		return nil
	}
	return ir.ToGo(v)
}

func assertRequests(actx *AssertionContext, a Assertion) error {
	if got := actx.Backend.Requests(a.Key); got != a.Count {
		return &AssertionError{
			Type:     AssertRequests,
			Expected: fmt.Sprintf("%d %s requests", a.Count, a.Key),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}
