package peer

import (
	"errors"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

// attachChannel registers channel callbacks. They only post to the loop.
func (c *Connection) attachChannel(gen uint64, ch transport.Channel) {
	ch.OnOpen(func() {
		c.post(func() { c.onChannelOpen(gen, ch) })
	})
	ch.OnMessage(func(data []byte) {
		frame := append([]byte(nil), data...)
		c.post(func() { c.onFrame(gen, frame) })
	})
	ch.OnClose(func() {
		c.post(func() { c.onChannelClose(gen) })
	})
}

// adoptChannel takes an inbound channel if it belongs to the live
// transport.
func (c *Connection) adoptChannel(gen uint64, ch transport.Channel) {
	if gen != c.generation {
		ch.Close()
		return
	}
	if c.channel != nil && c.channel != ch {
		c.log.Debug("ignoring extra channel %q", ch.Label())
		ch.Close()
		return
	}
	c.channel = ch
}

func (c *Connection) onChannelOpen(gen uint64, ch transport.Channel) {
	if gen != c.generation || c.state == StateOpen || c.state == StateClosed {
		return
	}

	c.channel = ch
	c.sender = transport.NewSender(ch, c.pacing)
	c.state = StateOpen
	c.log.Info("data channel %q open", ch.Label())
	c.events.emit(Event{Type: EventOpen})

	pending := c.pending
	c.pending = nil
	for _, req := range pending {
		c.submit(req)
	}
}

func (c *Connection) onFrame(gen uint64, frame []byte) {
	if gen != c.generation {
		return
	}
	util.Stats.AddRecv(len(frame))

	msg, err := c.reasm.Feed(frame)
	if err != nil {
		c.log.Debug("dropping frame: %v", err)
		return
	}
	if msg == nil {
		return
	}
	util.Stats.AddMessageRecv()
	c.events.emit(Event{Type: EventMessage, Message: msg})
}

func (c *Connection) onChannelClose(gen uint64) {
	if gen != c.generation || c.state == StateClosed {
		return
	}
	c.log.Info("data channel closed")
	c.events.emit(Event{Type: EventClose})
	c.teardown(ErrClosed)
}

// submit sends req now, queues it until the channel opens, or rejects it
// when there is no transport.
func (c *Connection) submit(req *request) {
	if req.abandoned.Load() {
		req.finish(nil)
		return
	}
	if c.peer == nil {
		req.finish(ErrNoTransport)
		return
	}
	if c.state != StateOpen || c.sender == nil {
		c.pending = append(c.pending, req)
		return
	}

	frames := protocol.Encode(req.msg)
	c.sender.Enqueue(frames, func(err error) {
		switch {
		case err == nil:
			util.Stats.AddMessageSent()
		case errors.Is(err, transport.ErrSenderClosed):
			err = ErrClosed
		}
		req.finish(err)
	})
}
