package transport

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

// Compile-time interface check.
var _ Channel = (*mockChannel)(nil)

// mockChannel records sent frames and lets a test hold the buffered amount
// above the high water mark.
type mockChannel struct {
	mu       sync.Mutex
	sent     [][]byte
	buffered uint64
	failAt   int // 1-based Send call that fails; 0 disables
	calls    int
	lowFn    func()
	th       uint64
}

func (m *mockChannel) Label() string                       { return "mock" }
func (m *mockChannel) ReadyState() webrtc.DataChannelState { return webrtc.DataChannelStateOpen }
func (m *mockChannel) OnOpen(func())                       {}
func (m *mockChannel) OnMessage(func([]byte))              {}
func (m *mockChannel) OnClose(func())                      {}
func (m *mockChannel) Close() error                        { return nil }

func (m *mockChannel) SendText(data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failAt > 0 && m.calls == m.failAt {
		return errors.New("boom")
	}
	m.sent = append(m.sent, append([]byte(nil), data...))
	return nil
}

func (m *mockChannel) BufferedAmount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffered
}

func (m *mockChannel) SetBufferedAmountLowThreshold(th uint64) {
	m.mu.Lock()
	m.th = th
	m.mu.Unlock()
}

func (m *mockChannel) OnBufferedAmountLow(fn func()) {
	m.mu.Lock()
	m.lowFn = fn
	m.mu.Unlock()
}

// drain simulates the SCTP buffer emptying.
func (m *mockChannel) drain() {
	m.mu.Lock()
	m.buffered = 0
	fn := m.lowFn
	m.mu.Unlock()
	fn()
}

func (m *mockChannel) frames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, f := range m.sent {
		out[i] = string(f)
	}
	return out
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for batch completion")
		return nil
	}
}

// TestSenderPreservesOrder enqueues many batches and checks that frames leave
// in enqueue order and every completion fires.
func TestSenderPreservesOrder(t *testing.T) {
	ch := &mockChannel{}
	s := NewSender(ch, 0)
	defer s.Close()

	if ch.th != lowWaterMark {
		t.Errorf("low threshold = %d, want %d", ch.th, lowWaterMark)
	}

	var results []chan error
	for i := 0; i < 20; i++ {
		done := make(chan error, 1)
		results = append(results, done)
		s.Enqueue([][]byte{
			[]byte(fmt.Sprintf("%d-a", i)),
			[]byte(fmt.Sprintf("%d-b", i)),
		}, func(err error) { done <- err })
	}

	for i, done := range results {
		if err := waitDone(t, done); err != nil {
			t.Fatalf("batch %d failed: %v", i, err)
		}
	}

	got := ch.frames()
	if len(got) != 40 {
		t.Fatalf("sent %d frames, want 40", len(got))
	}
	for i := 0; i < 20; i++ {
		if got[2*i] != fmt.Sprintf("%d-a", i) || got[2*i+1] != fmt.Sprintf("%d-b", i) {
			t.Fatalf("frames out of order at batch %d: %v", i, got[2*i:2*i+2])
		}
	}
}

// TestSenderBackpressure holds the buffer above the high water mark and
// checks that nothing is sent until it drains.
func TestSenderBackpressure(t *testing.T) {
	ch := &mockChannel{buffered: highWaterMark + 1}
	s := NewSender(ch, 0)
	defer s.Close()

	done := make(chan error, 1)
	s.Enqueue([][]byte{[]byte("x")}, func(err error) { done <- err })

	select {
	case <-done:
		t.Fatal("batch completed while the channel was above the high water mark")
	case <-time.After(100 * time.Millisecond):
	}
	if n := len(ch.frames()); n != 0 {
		t.Fatalf("sent %d frames under backpressure", n)
	}

	ch.drain()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if got := ch.frames(); len(got) != 1 || got[0] != "x" {
		t.Errorf("sent %v, want [x]", got)
	}
}

func TestSenderReportsSendError(t *testing.T) {
	ch := &mockChannel{failAt: 2}
	s := NewSender(ch, 0)
	defer s.Close()

	done := make(chan error, 1)
	s.Enqueue([][]byte{[]byte("1"), []byte("2"), []byte("3")}, func(err error) { done <- err })

	if err := waitDone(t, done); err == nil {
		t.Fatal("expected a send error")
	}
	if got := ch.frames(); len(got) != 1 {
		t.Errorf("sent %v, want only the first frame", got)
	}
}

// TestSenderCloseFailsPending closes while a batch is blocked on
// backpressure and after closing.
func TestSenderCloseFailsPending(t *testing.T) {
	ch := &mockChannel{buffered: highWaterMark + 1}
	s := NewSender(ch, 0)

	blocked := make(chan error, 1)
	s.Enqueue([][]byte{[]byte("x")}, func(err error) { blocked <- err })
	time.Sleep(50 * time.Millisecond)

	s.Close()
	if err := waitDone(t, blocked); !errors.Is(err, ErrSenderClosed) {
		t.Errorf("blocked batch error = %v, want ErrSenderClosed", err)
	}

	late := make(chan error, 1)
	s.Enqueue([][]byte{[]byte("y")}, func(err error) { late <- err })
	if err := waitDone(t, late); !errors.Is(err, ErrSenderClosed) {
		t.Errorf("late batch error = %v, want ErrSenderClosed", err)
	}
}

func TestSenderPacing(t *testing.T) {
	ch := &mockChannel{}
	s := NewSender(ch, 20*time.Millisecond)
	defer s.Close()

	start := time.Now()
	done := make(chan error, 1)
	s.Enqueue([][]byte{[]byte("a"), []byte("b"), []byte("c")}, func(err error) { done <- err })
	if err := waitDone(t, done); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("3 paced frames took %v, want at least 40ms", elapsed)
	}
}

func TestChannelInit(t *testing.T) {
	init := channelInit(Options{})
	if init.Ordered == nil || !*init.Ordered {
		t.Error("default channels should be ordered")
	}
	if init.MaxRetransmits != nil {
		t.Error("default channels should be fully reliable")
	}

	zero := uint16(0)
	init = channelInit(Options{Unordered: true, MaxRetransmits: &zero})
	if *init.Ordered {
		t.Error("Unordered option ignored")
	}
	if init.MaxRetransmits == nil || *init.MaxRetransmits != 0 {
		t.Error("MaxRetransmits option ignored")
	}
}

// TestSenderFailureStopsLaterBatches checks that once a batch breaks off
// midway, nothing more is written: the receiver is still waiting for the
// missing chunks and would read the next message as chunk data.
func TestSenderFailureStopsLaterBatches(t *testing.T) {
	ch := &mockChannel{failAt: 2}
	s := NewSender(ch, 0)
	defer s.Close()

	first := make(chan error, 1)
	second := make(chan error, 1)
	s.Enqueue([][]byte{[]byte(`{"binary":2}`), []byte("chunk-1"), []byte("chunk-2")}, func(err error) { first <- err })
	s.Enqueue([][]byte{[]byte(`{"text":"next"}`)}, func(err error) { second <- err })

	firstErr := waitDone(t, first)
	if firstErr == nil {
		t.Fatal("expected the first batch to fail")
	}
	if err := waitDone(t, second); err == nil || err.Error() != firstErr.Error() {
		t.Errorf("second batch error = %v, want %v", err, firstErr)
	}

	late := make(chan error, 1)
	s.Enqueue([][]byte{[]byte("late")}, func(err error) { late <- err })
	if err := waitDone(t, late); err == nil {
		t.Error("batch enqueued after a failure succeeded")
	}

	if got := ch.frames(); len(got) != 1 || got[0] != `{"binary":2}` {
		t.Errorf("sent %q, want only the count frame", got)
	}
}

// TestSenderSendsFramesAsText checks that chunk fragments go out as text
// messages unchanged, byte for byte.
func TestSenderSendsFramesAsText(t *testing.T) {
	ch := &mockChannel{}
	s := NewSender(ch, 0)
	defer s.Close()

	fragment := []byte(`{"mime":"image/png","binary":[137,80,`)
	done := make(chan error, 1)
	s.Enqueue([][]byte{[]byte(`{"binary":1}`), fragment}, func(err error) { done <- err })
	if err := waitDone(t, done); err != nil {
		t.Fatal(err)
	}

	got := ch.frames()
	if len(got) != 2 || got[1] != string(fragment) {
		t.Errorf("sent %q", got)
	}
}
