package ovpn

import "fmt"

// fsmCallback runs the side effect associated with an fsm transition.
type fsmCallback func(args []interface{})

// eventDesc describes a single table-driven fsm transition: in state
// from, any of events drives a transition to state to, running cb.
type eventDesc struct {
	from, to string
	events   []string
	cb       fsmCallback
}

// fsm is a minimal table-driven finite state machine, used by
// KeyContext to implement the state machine.
type fsm struct {
	current string
	table   []eventDesc
}

func (f *fsm) handleEvent(e string, args ...interface{}) error {
	for _, t := range f.table {
		if f.current == t.from {
			for _, event := range t.events {
				if e == event {
					f.current = t.to
					if t.cb != nil {
						t.cb(args)
					}
					return nil
				}
			}
		}
	}
	return fmt.Errorf("no transition defined for event %v in state %v", e, f.current)
}
