package signaling

import (
	"sync"
)

// Compile-time interface check.
var _ Relay = (*MemoryRelay)(nil)

// MemoryRelay is an in-process Relay. Two relays created by
// NewMemoryRelayPair deliver to each other in order, each on its own
// goroutine, so two connections in one process can negotiate without a
// server.
type MemoryRelay struct {
	peer *MemoryRelay
	in   *dispatcher

	mu      sync.Mutex
	sent    []string
	readies int
	closed  bool
	filter  func(data string) bool
}

// NewMemoryRelayPair creates two linked relays.
func NewMemoryRelayPair() (a, b *MemoryRelay) {
	a = &MemoryRelay{in: newDispatcher()}
	b = &MemoryRelay{in: newDispatcher()}
	a.peer = b
	b.peer = a
	return a, b
}

// SendReady records a ready notification on the other side.
func (r *MemoryRelay) SendReady() error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrRelayClosed
	}

	r.peer.mu.Lock()
	r.peer.readies++
	r.peer.mu.Unlock()
	return nil
}

// SendSignal queues data for the other side's handler.
func (r *MemoryRelay) SendSignal(data string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	r.sent = append(r.sent, data)
	filter := r.filter
	r.mu.Unlock()

	if filter != nil && !filter(data) {
		return nil
	}
	r.peer.in.push(data)
	return nil
}

// OnSignal registers the inbound handler.
func (r *MemoryRelay) OnSignal(fn func(string)) {
	r.in.setHandler(fn)
}

// Inject delivers data to this relay's handler as if the peer had sent it.
func (r *MemoryRelay) Inject(data string) {
	r.in.push(data)
}

// SetFilter installs a predicate on outbound signals; signals for which it
// returns false are recorded but not delivered.
func (r *MemoryRelay) SetFilter(fn func(data string) bool) {
	r.mu.Lock()
	r.filter = fn
	r.mu.Unlock()
}

// Sent returns a copy of every signal sent through this relay.
func (r *MemoryRelay) Sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

// Readies reports how many ready notifications the peer has sent.
func (r *MemoryRelay) Readies() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readies
}

// Close stops delivery to this relay and rejects further sends.
func (r *MemoryRelay) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.in.close()
}
