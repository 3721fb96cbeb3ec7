package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/peerlink/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
)

// ErrSenderClosed is reported for batches that were not fully written
// before the sender was closed.
var ErrSenderClosed = errors.New("sender closed")

// batch is the frames of one application message.
type batch struct {
	frames [][]byte
	done   func(error)
}

// Sender is a goroutine-based frame writer that serializes all writes to a
// single Channel. Frames leave in exactly the order they were enqueued;
// writing pauses while the channel's buffered amount is above the high
// water mark.
type Sender struct {
	ch     Channel
	pacing time.Duration

	mu     sync.Mutex
	closed bool
	failed error // first write error; the peer's reassembly is out of step after it
	inbox  *util.Mailbox[*batch]

	drainSignal chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc

	log util.Logger
}

// NewSender wires the backpressure callbacks on ch and starts the writer.
// A positive pacing inserts that delay between consecutive frames.
func NewSender(ch Channel, pacing time.Duration) *Sender {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		ch:          ch,
		pacing:      pacing,
		inbox:       util.NewMailbox[*batch](),
		drainSignal: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		log:         util.Scoped("sender " + ch.Label()),
	}

	ch.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	ch.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop()

	return s
}

// Enqueue schedules frames for transmission. done is called exactly once,
// after the last frame was handed to the channel or with the error that
// stopped the batch. Once a batch has failed, every later batch fails with
// the same error.
func (s *Sender) Enqueue(frames [][]byte, done func(error)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		done(ErrSenderClosed)
		return
	}
	if s.failed != nil {
		err := s.failed
		s.mu.Unlock()
		done(err)
		return
	}
	s.inbox.Push(&batch{frames: frames, done: done})
	s.mu.Unlock()
}

// Close stops the writer. Batches still queued fail with ErrSenderClosed.
// It does not close the channel.
func (s *Sender) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

// loop is the single-writer goroutine.
func (s *Sender) loop() {
	for {
		select {
		case <-s.inbox.Wait():
			for _, b := range s.inbox.Drain() {
				if s.ctx.Err() != nil {
					b.done(ErrSenderClosed)
					continue
				}
				if err := s.failure(); err != nil {
					b.done(err)
					continue
				}
				err := s.write(b.frames)
				if err != nil && !errors.Is(err, ErrSenderClosed) {
					s.mu.Lock()
					s.failed = err
					s.mu.Unlock()
				}
				b.done(err)
			}

		case <-s.ctx.Done():
			for _, b := range s.inbox.Drain() {
				b.done(ErrSenderClosed)
			}
			return
		}
	}
}

func (s *Sender) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// write sends one batch with backpressure and optional pacing.
func (s *Sender) write(frames [][]byte) error {
	for i, frame := range frames {
		if i > 0 && s.pacing > 0 {
			timer := time.NewTimer(s.pacing)
			select {
			case <-timer.C:
			case <-s.ctx.Done():
				timer.Stop()
				return ErrSenderClosed
			}
		}

		if s.ch.BufferedAmount() > uint64(highWaterMark) {
			select {
			case <-s.drainSignal:
			case <-s.ctx.Done():
				return ErrSenderClosed
			}
		}

		if err := s.ch.SendText(string(frame)); err != nil {
			s.log.Error("failed to send frame %d/%d: %v", i+1, len(frames), err)
			return fmt.Errorf("send frame %d/%d: %w", i+1, len(frames), err)
		}

		util.Stats.AddSent(len(frame))
	}
	return nil
}
