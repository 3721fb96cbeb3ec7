package util

import "sync"

// Mailbox is an unbounded FIFO used to hand work between goroutines without
// ever blocking the producer. Consumers wait on Wait() and then Drain().
type Mailbox[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{wake: make(chan struct{}, 1)}
}

// Push appends v and wakes the consumer.
func (m *Mailbox[T]) Push(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()
	m.Notify()
}

// Notify wakes the consumer without adding an item.
func (m *Mailbox[T]) Notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Wait returns a channel that receives after at least one Push or Notify.
func (m *Mailbox[T]) Wait() <-chan struct{} {
	return m.wake
}

// Drain removes and returns every queued item in insertion order.
func (m *Mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// Len reports the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
