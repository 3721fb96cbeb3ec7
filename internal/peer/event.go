package peer

import (
	"sync"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// EventType identifies what happened on a Connection.
type EventType int

const (
	EventOpen    EventType = iota + 1 // data channel open, PostMessage sends immediately
	EventMessage                      // a complete message arrived
	EventClose                        // the transport closed or negotiation failed
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is delivered on the channel returned by Connection.Events.
type Event struct {
	Type    EventType
	Message *protocol.Message // EventMessage only
	Err     error             // EventClose after an unrecoverable negotiation error
}

// emitter forwards events to a channel from its own goroutine so the
// connection loop never blocks on a slow reader.
type emitter struct {
	box  *util.Mailbox[Event]
	out  chan Event
	done chan struct{}
	once sync.Once
}

func newEmitter() *emitter {
	e := &emitter{
		box:  util.NewMailbox[Event](),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *emitter) emit(ev Event) {
	e.box.Push(ev)
}

func (e *emitter) close() {
	e.once.Do(func() { close(e.done) })
}

func (e *emitter) loop() {
	defer close(e.out)
	for {
		select {
		case <-e.box.Wait():
			for _, ev := range e.box.Drain() {
				select {
				case e.out <- ev:
				case <-e.done:
					return
				}
			}
		case <-e.done:
			return
		}
	}
}
