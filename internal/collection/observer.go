package collection

import "github.com/Kaffe-diem/kaffediem/internal/ir"

// Source says where an input to a cache came from.
type Source string

const (
	SourceSnapshot Source = "snapshot"
	SourceEvent    Source = "event"
	SourceResponse Source = "response"
	SourceReplay   Source = "replay"
)

// Event describes one input processed by a Store. Observers receive it on
// the loop goroutine after the cache has been updated.
type Event struct {
	Collection string
	Source     Source
	Action     ir.Action
	ID         ir.RecordID
	Outcome    Outcome
	// Version is the cache version after the input was processed.
	Version uint64
	// Record is the decoded record for creates and updates.
	Record ir.Record
	// Records holds the applied snapshot, in cache order, for snapshot
	// events.
	Records     []ir.Record
	Diagnostics []string
}

// State is a cache summary published after every change.
type State struct {
	Collection string
	Size       int
	Version    uint64
	Stale      bool
}

// Observer receives store activity. Implementations must not block; they
// run on the loop.
type Observer interface {
	Observe(Event)
	ObserveState(State)
}

// Observers fans out to several observers in order.
type Observers []Observer

// Observe implements Observer.
func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}

// ObserveState implements Observer.
func (o Observers) ObserveState(s State) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveState(s)
		}
	}
}

type nopObserver struct{}

func (nopObserver) Observe(Event)      {}
func (nopObserver) ObserveState(State) {}
