// Package peer drives one peer-to-peer connection: it negotiates the
// transport with the remote side over a signaling relay, resolving
// simultaneous offers by priority, and then frames application messages
// over the resulting data channel.
//
// All state of a Connection belongs to a single event-loop goroutine.
// Transport callbacks, relay callbacks and the public methods only post
// closures to that loop, so handlers may close or restart the connection
// from inside a callback without locking.
package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

var (
	// ErrAlreadyOpen is returned by Open while a transport is live.
	ErrAlreadyOpen = errors.New("connection already open")

	// ErrNoTransport is returned by PostMessage before Open or after Close.
	ErrNoTransport = errors.New("no transport")

	// ErrClosed is returned for messages still queued when the connection
	// closed, and by Open once the connection's context is done.
	ErrClosed = errors.New("connection closed")
)

// noPriority is lower than any priority rand.Float64 can produce.
const noPriority = -1.0

// DefaultLabel is the data channel label used when none is configured.
const DefaultLabel = "peerlink"

// State is the negotiation state of a Connection.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateAnswerSent
	StateNegotiating
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerSent:
		return "answer-sent"
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures a Connection.
type Option func(*Connection)

// WithFactory sets the transport factory. The default creates pion
// PeerConnections using the default STUN servers.
func WithFactory(f transport.Factory) Option {
	return func(c *Connection) { c.factory = f }
}

// WithPriority fixes the tie-breaking priority instead of drawing one.
func WithPriority(p float64) Option {
	return func(c *Connection) { c.localPriority = p }
}

// WithLabel sets the outbound data channel label.
func WithLabel(label string) Option {
	return func(c *Connection) { c.label = label }
}

// WithPacing inserts a delay between consecutive frames of one message.
func WithPacing(d time.Duration) Option {
	return func(c *Connection) { c.pacing = d }
}

// request is one PostMessage call.
type request struct {
	msg       protocol.Message
	result    chan error
	abandoned atomic.Bool
}

func (r *request) finish(err error) {
	select {
	case r.result <- err:
	default:
	}
}

// Connection is one logical peer pairing.
type Connection struct {
	relay   signaling.Relay
	factory transport.Factory
	label   string
	pacing  time.Duration

	tasks  *util.Mailbox[func()]
	done   chan struct{}
	events *emitter

	// Everything below is owned by the loop goroutine.
	localPriority  float64
	remotePriority float64
	state          State
	peer           transport.Peer
	channel        transport.Channel
	sender         *transport.Sender
	generation     uint64
	reasm          *protocol.Reassembler
	pending        []*request
	held           []string
	bound          bool

	log util.Logger
}

// New creates an idle Connection bound to relay. The connection's loop runs
// until ctx is cancelled, which also closes the Events channel.
func New(ctx context.Context, relay signaling.Relay, opts ...Option) *Connection {
	c := &Connection{
		relay:          relay,
		label:          DefaultLabel,
		tasks:          util.NewMailbox[func()](),
		done:           make(chan struct{}),
		events:         newEmitter(),
		localPriority:  rand.Float64(),
		remotePriority: noPriority,
		state:          StateIdle,
		reasm:          protocol.NewReassembler(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.factory == nil {
		c.factory = transport.NewFactory(transport.Options{STUNServers: transport.DefaultSTUNServers})
	}
	c.log = util.Scoped("peer").With(fmt.Sprintf("%.4f", c.localPriority))

	go c.run(ctx)
	return c
}

// ──────────────────────────────────────────────────────────────────────────────
// Event loop
// ──────────────────────────────────────────────────────────────────────────────

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-c.tasks.Wait():
			for _, task := range c.tasks.Drain() {
				task()
			}
		case <-ctx.Done():
			c.teardown(ErrClosed)
			c.events.close()
			return
		}
	}
}

// post schedules task on the loop without waiting.
func (c *Connection) post(task func()) {
	c.tasks.Push(task)
}

// do runs task on the loop and waits for it. It reports false if the loop
// has exited.
func (c *Connection) do(task func()) bool {
	finished := make(chan struct{})
	c.post(func() {
		task()
		close(finished)
	})

	select {
	case <-finished:
		return true
	case <-c.done:
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Public API
// ──────────────────────────────────────────────────────────────────────────────

// Open binds the relay, announces readiness, creates the transport as
// initiator and sends an offer if this side may. It returns without
// waiting for the channel; EventOpen reports completion.
func (c *Connection) Open() error {
	err := ErrClosed
	if !c.do(func() { err = c.open() }) {
		return ErrClosed
	}
	return err
}

// PostMessage sends msg. Before the channel is open the message waits in
// order with other early messages. It returns once every frame has been
// handed to the transport, which is not a delivery guarantee. Text that is
// not valid UTF-8 is rejected with protocol.ErrInvalidText.
func (c *Connection) PostMessage(ctx context.Context, msg protocol.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	req := &request{msg: msg, result: make(chan error, 1)}
	if !c.do(func() { c.submit(req) }) {
		return ErrNoTransport
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		req.abandoned.Store(true)
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-req.result:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close releases the channel and the transport. It always succeeds and may
// be called in any state, any number of times.
func (c *Connection) Close() error {
	c.do(func() {
		if c.state != StateClosed {
			c.log.Info("closing connection")
		}
		c.teardown(ErrClosed)
	})
	return nil
}

// Events returns the event stream. It is closed when the context passed to
// New is cancelled.
func (c *Connection) Events() <-chan Event {
	return c.events.out
}

// Done returns a channel closed when the connection's loop has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// State returns the current negotiation state.
func (c *Connection) State() State {
	s := StateClosed
	c.do(func() { s = c.state })
	return s
}

// Priority returns the local tie-breaking priority.
func (c *Connection) Priority() float64 {
	return c.localPriority
}

// RemotePriority returns the last priority learned from the peer, or a
// negative value if none is known.
func (c *Connection) RemotePriority() float64 {
	p := noPriority
	c.do(func() { p = c.remotePriority })
	return p
}
