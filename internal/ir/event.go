package ir

import "fmt"

// Action is the kind of change carried by a ChangeEvent.
type Action int

const (
	// ActionCreate is a newly created record.
	ActionCreate Action = iota + 1
	// ActionUpdate is an in-place update of an existing record.
	ActionUpdate
	// ActionDelete removes a record.
	ActionDelete
)

// String returns the wire name of the action.
func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction parses a wire action name.
func ParseAction(s string) (Action, error) {
	switch s {
	case "create":
		return ActionCreate, nil
	case "update":
		return ActionUpdate, nil
	case "delete":
		return ActionDelete, nil
	default:
		return 0, fmt.Errorf("unknown change action %q", s)
	}
}

// ChangeEvent is a decoded change delivered over the realtime channel.
type ChangeEvent struct {
	Action Action
	Record Record
}
