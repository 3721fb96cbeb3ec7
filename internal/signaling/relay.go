package signaling

import (
	"errors"
	"sync"

	"github.com/1ureka/peerlink/internal/util"
)

// ErrRelayClosed is returned when sending on a closed relay.
var ErrRelayClosed = errors.New("relay closed")

// Relay is the out-of-band channel that ferries opaque signals to the other
// peer. Implementations deliver signals in the order they were sent and
// hold signals that arrive before OnSignal is registered.
type Relay interface {
	// SendReady tells the other peer that this side is listening.
	SendReady() error

	// SendSignal delivers an opaque payload to the other peer.
	SendSignal(data string) error

	// OnSignal registers the handler for inbound payloads, replacing any
	// previous one. Handlers run on a relay goroutine, one at a time.
	OnSignal(fn func(data string))
}

// EnvelopeType identifies the kind of relay envelope.
type EnvelopeType string

const (
	EnvReady  EnvelopeType = "ready"
	EnvSignal EnvelopeType = "signal"
	EnvLeave  EnvelopeType = "leave"
)

// Envelope is the JSON structure exchanged with the relay server.
type Envelope struct {
	Type EnvelopeType `json:"type"`
	Data string       `json:"data,omitempty"` // opaque signal payload (EnvSignal only)
	From string       `json:"from,omitempty"` // filled in by the server
}

// dispatcher delivers inbound payloads to the registered handler on its own
// goroutine, in arrival order. Payloads wait in the mailbox until a handler
// exists.
type dispatcher struct {
	mu      sync.Mutex
	handler func(string)
	box     *util.Mailbox[string]
	done    chan struct{}
	once    sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		box:  util.NewMailbox[string](),
		done: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) push(data string) {
	d.box.Push(data)
}

func (d *dispatcher) setHandler(fn func(string)) {
	d.mu.Lock()
	d.handler = fn
	d.mu.Unlock()
	d.box.Notify()
}

func (d *dispatcher) close() {
	d.once.Do(func() { close(d.done) })
}

func (d *dispatcher) loop() {
	for {
		select {
		case <-d.box.Wait():
		case <-d.done:
			return
		}

		d.mu.Lock()
		h := d.handler
		d.mu.Unlock()
		if h == nil {
			continue
		}

		for _, data := range d.box.Drain() {
			h(data)
		}
	}
}
