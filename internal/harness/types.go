package harness

import (
	"fmt"
	"strings"
)

// TraceEvent is one observed store event or published state.
type TraceEvent struct {
	Seq        int64  `json:"seq"`
	Step       int    `json:"step"`
	Type       string `json:"type"` // "event" or "state"
	Collection string `json:"collection"`
	Source     string `json:"source,omitempty"`
	Action     string `json:"action,omitempty"`
	ID         string `json:"id,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Version    uint64 `json:"version"`
	Size       int    `json:"size,omitempty"`
	Stale      bool   `json:"stale,omitempty"`
}

// String renders the event as one trace line.
func (e TraceEvent) String() string {
	if e.Type == "state" {
		return fmt.Sprintf("%04d step=%d %s state size=%d v%d stale=%t",
			e.Seq, e.Step, e.Collection, e.Size, e.Version, e.Stale)
	}
	return fmt.Sprintf("%04d step=%d %s %s %s %s %s v%d",
		e.Seq, e.Step, e.Collection, e.Source, dash(e.Action), dash(e.ID), e.Outcome, e.Version)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// CacheState is the final state of one store.
type CacheState struct {
	Collection string   `json:"collection"`
	IDs        []string `json:"ids"`
	Version    uint64   `json:"version"`
	Stale      bool     `json:"stale"`
}

// String renders the state as one line.
func (c CacheState) String() string {
	return fmt.Sprintf("final %s v%d stale=%t ids=[%s]", c.Collection, c.Version, c.Stale, strings.Join(c.IDs, ","))
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step met its expectation and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace holds events and states in seq order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`

	// State holds the final caches, by collection name.
	State []CacheState `json:"state"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  []CacheState{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Render formats the trace and final state as text, one line each.
func (r *Result) Render(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s\n", name)
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	for _, s := range r.State {
		b.WriteString(s.String())
		b.WriteByte('\n')
	}
	return b.String()
}
