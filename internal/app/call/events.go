package call

import (
	"sync"

	"github.com/dkeye/Televisit/internal/domain"
)

type EventKind string

const (
	EventStateChanged   EventKind = "state_changed"
	EventRemotePresence EventKind = "remote_presence"
	EventChat           EventKind = "chat"
	EventRemoteTrack    EventKind = "remote_track"
	EventQuality        EventKind = "quality"
	EventError          EventKind = "error"
)

// Event is what the UI layer observes. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind     EventKind
	State    domain.State
	Reason   domain.ReasonCode
	Presence *domain.Presence
	Chat     *domain.ChatMessage
	Track    domain.TrackKind
	Quality  *domain.QualitySample
	Err      error
}

// emitter delivers events in emit order on its own goroutine so handlers
// never run under controller locks.
type emitter struct {
	mu      sync.Mutex
	handler func(Event)
	pending []Event
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newEmitter() *emitter {
	e := &emitter{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go e.run()
	return e
}

func (e *emitter) setHandler(fn func(Event)) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.pending = append(e.pending, ev)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) run() {
	defer close(e.done)
	for range e.wake {
		for {
			e.mu.Lock()
			if len(e.pending) == 0 {
				closed := e.closed
				e.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := e.pending[0]
			e.pending = e.pending[1:]
			fn := e.handler
			e.mu.Unlock()
			if fn != nil {
				fn(ev)
			}
		}
	}
}

// close delivers what is pending and stops the goroutine.
func (e *emitter) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
