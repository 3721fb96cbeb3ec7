package peer

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/transport"
)

var errPeerFailed = errors.New("peer connection failed")

// maxHeld bounds the signals kept while no transport is live.
const maxHeld = 64

// open runs on the loop.
func (c *Connection) open() error {
	if c.peer != nil {
		return ErrAlreadyOpen
	}

	// A new session learns the remote priority afresh.
	c.remotePriority = noPriority

	if !c.bound {
		c.relay.OnSignal(func(data string) {
			c.post(func() { c.onSignal(data) })
		})
		c.bound = true
	}
	if err := c.relay.SendReady(); err != nil {
		c.log.Warn("failed to send ready notification: %v", err)
	}

	if err := c.createTransport(true); err != nil {
		c.fail(err)
		return err
	}
	c.state = StateNegotiating

	if err := c.makeOffer(); err != nil {
		c.fail(err)
		return err
	}

	held := c.held
	c.held = nil
	for _, data := range held {
		c.onSignal(data)
	}
	return nil
}

// createTransport replaces any live transport with a fresh one. The
// initiator creates the outbound channel itself; the other side adopts the
// channel the remote opens.
func (c *Connection) createTransport(asInitiator bool) error {
	c.releaseTransport()

	p, err := c.factory()
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	c.generation++
	gen := c.generation
	c.peer = p

	p.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		c.post(func() { c.forwardCandidate(gen, candidate) })
	})
	p.OnStateChange(func(state webrtc.PeerConnectionState) {
		c.post(func() { c.onPeerState(gen, state) })
	})

	if asInitiator {
		ch, err := p.CreateChannel(c.label)
		if err != nil {
			c.releaseTransport()
			return fmt.Errorf("create channel: %w", err)
		}
		c.channel = ch
		c.attachChannel(gen, ch)
		c.log.Debug("transport #%d created as initiator", gen)
		return nil
	}

	p.OnChannel(func(ch transport.Channel) {
		c.post(func() { c.adoptChannel(gen, ch) })
		c.attachChannel(gen, ch)
	})
	c.log.Debug("transport #%d created as answerer", gen)
	return nil
}

// releaseTransport closes the channel and the transport. Events still in
// flight from them are ignored afterwards.
func (c *Connection) releaseTransport() {
	if c.sender != nil {
		c.sender.Close()
		c.sender = nil
	}

	var errs []error
	if c.channel != nil {
		errs = append(errs, c.channel.Close())
		c.channel = nil
	}
	if c.peer != nil {
		errs = append(errs, c.peer.Close())
		c.peer = nil
	}
	if err := errors.Join(errs...); err != nil {
		c.log.Debug("error while releasing transport: %v", err)
	}

	c.generation++
	c.reasm.Reset()
}

// teardown releases the transport and settles every queued message.
func (c *Connection) teardown(cause error) {
	c.releaseTransport()
	for _, req := range c.pending {
		req.finish(cause)
	}
	c.pending = nil
	c.state = StateClosed
}

// fail closes the connection after an unrecoverable negotiation error.
func (c *Connection) fail(err error) {
	c.log.Error("negotiation failed: %v", err)
	c.events.emit(Event{Type: EventClose, Err: err})
	c.teardown(ErrClosed)
}

// makeOffer sends an offer unless the peer is already known to win.
func (c *Connection) makeOffer() error {
	if c.remotePriority >= c.localPriority {
		c.log.Debug("remote priority %.4f wins, waiting for its offer", c.remotePriority)
		return nil
	}

	offer, err := c.peer.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.peer.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	c.sendSignal(signaling.Offer(c.localPriority, offer.SDP))
	c.state = StateOfferSent
	return nil
}

func (c *Connection) makeAnswer() error {
	answer, err := c.peer.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.peer.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	c.sendSignal(signaling.Answer(c.localPriority, answer.SDP))
	c.state = StateAnswerSent
	return nil
}

func (c *Connection) sendSignal(sig signaling.Signal) {
	data, err := sig.Encode()
	if err != nil {
		c.log.Error("failed to encode %s: %v", sig.Kind, err)
		return
	}
	if err := c.relay.SendSignal(data); err != nil {
		c.log.Warn("failed to send %s: %v", sig.Kind, err)
	}
}

func (c *Connection) forwardCandidate(gen uint64, candidate webrtc.ICECandidateInit) {
	if gen != c.generation {
		return
	}
	c.sendSignal(signaling.Candidate(candidate))
}

// onSignal applies one inbound signal. Signals that fail to parse never
// change state.
func (c *Connection) onSignal(data string) {
	sig, err := signaling.Parse(data)
	if err != nil {
		c.log.Warn("ignoring signal: %v", err)
		return
	}
	if c.peer == nil {
		c.hold(sig.Kind, data)
		return
	}

	switch sig.Kind {
	case signaling.KindCandidate:
		if err := c.peer.AddICECandidate(sig.Candidate); err != nil {
			c.log.Debug("failed to add candidate: %v", err)
		}

	case signaling.KindOffer:
		if sig.Priority == c.localPriority {
			c.log.Debug("ignoring own offer")
			return
		}
		c.remotePriority = sig.Priority
		if c.remotePriority >= c.localPriority {
			// The peer answers our offer instead.
			c.log.Debug("ignoring offer with higher priority %.4f", sig.Priority)
			return
		}
		c.acceptOffer(sig)

	case signaling.KindAnswer:
		if sig.Priority == c.localPriority {
			c.log.Debug("ignoring own answer")
			return
		}
		c.remotePriority = sig.Priority
		if err := c.peer.SetRemoteDescription(sig.Description()); err != nil {
			c.log.Error("remote answer rejected: %v", err)
			return
		}
		c.state = StateNegotiating
	}
}

// hold keeps the latest offer that arrived while no transport was live,
// with the candidates that follow it, so Open can still answer a peer that
// offered first.
func (c *Connection) hold(kind signaling.Kind, data string) {
	switch {
	case kind == signaling.KindOffer:
		c.log.Debug("holding offer until open")
		c.held = []string{data}
	case kind == signaling.KindCandidate && len(c.held) > 0 && len(c.held) < maxHeld:
		c.held = append(c.held, data)
	default:
		c.log.Debug("dropping %s: no transport", kind)
	}
}

// acceptOffer restarts the transport as answerer and replies.
func (c *Connection) acceptOffer(offer signaling.Signal) {
	c.log.Debug("accepting offer with priority %.4f", offer.Priority)
	if err := c.createTransport(false); err != nil {
		c.fail(err)
		return
	}
	c.state = StateNegotiating

	if err := c.peer.SetRemoteDescription(offer.Description()); err != nil {
		c.log.Error("remote offer rejected: %v", err)
		return
	}
	if err := c.makeAnswer(); err != nil {
		c.fail(err)
	}
}

func (c *Connection) onPeerState(gen uint64, state webrtc.PeerConnectionState) {
	if gen != c.generation {
		return
	}
	c.log.Debug("peer connection %s", state)
	if state == webrtc.PeerConnectionStateFailed {
		c.fail(errPeerFailed)
	}
}
