package events

import "sync"

// Event represents a structured notification dispatched to other node subsystems.
type Event interface {
	EventType() string
}

// Dispatcher delivers events to downstream subscribers (peer manager, monitors).
// Implementations must not block the caller for long.
type Dispatcher interface {
	Dispatch(Event)
}

// NoopDispatcher satisfies the Dispatcher interface while discarding all events.
type NoopDispatcher struct{}

// Dispatch implements the Dispatcher interface.
func (NoopDispatcher) Dispatch(Event) {}

// Recorder keeps every dispatched event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Dispatch implements the Dispatcher interface.
func (r *Recorder) Dispatch(ev Event) {
	if r == nil || ev == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events in dispatch order.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many recorded events carry the given type.
func (r *Recorder) Count(eventType string) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.EventType() == eventType {
			n++
		}
	}
	return n
}
