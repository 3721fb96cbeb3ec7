// Package transport wraps pion/webrtc behind the small capability surface
// the negotiation controller drives: a Peer that produces and consumes
// session descriptions and candidates and owns data channels, and a Channel
// that sends and receives byte frames.
package transport

import (
	"github.com/pion/webrtc/v4"
)

// Peer is one PeerConnection-like transport handle.
type Peer interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error

	// AddICECandidate applies a candidate received through signaling.
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate registers a callback for each locally gathered
	// candidate. End-of-gathering is not reported.
	OnICECandidate(func(webrtc.ICECandidateInit))

	// CreateChannel creates an outbound data channel.
	CreateChannel(label string) (Channel, error)

	// OnChannel registers a callback for data channels opened by the
	// remote side.
	OnChannel(func(Channel))

	// OnStateChange registers a callback for connection state changes.
	OnStateChange(func(webrtc.PeerConnectionState))

	Close() error
}

// Channel is one bidirectional data channel.
type Channel interface {
	Label() string
	// SendText sends one frame as a text message. Peers parse every
	// frame as a string, chunk fragments included.
	SendText(s string) error
	ReadyState() webrtc.DataChannelState

	OnOpen(func())
	OnMessage(func(data []byte))
	OnClose(func())

	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(func())

	Close() error
}

// Factory creates a fresh Peer. A Connection calls it once per
// (re)negotiation.
type Factory func() (Peer, error)

// Compile-time interface checks.
var (
	_ Peer    = (*pionPeer)(nil)
	_ Channel = (*pionChannel)(nil)
)

// pionPeer adapts *webrtc.PeerConnection to Peer.
type pionPeer struct {
	pc   *webrtc.PeerConnection
	init webrtc.DataChannelInit
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

func (p *pionPeer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) CreateChannel(label string) (Channel, error) {
	init := p.init
	dc, err := p.pc.CreateDataChannel(label, &init)
	if err != nil {
		return nil, err
	}
	return &pionChannel{dc: dc}, nil
}

func (p *pionPeer) OnChannel(fn func(Channel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionChannel{dc: dc})
	})
}

func (p *pionPeer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// pionChannel adapts *webrtc.DataChannel to Channel.
type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string                       { return c.dc.Label() }
func (c *pionChannel) ReadyState() webrtc.DataChannelState { return c.dc.ReadyState() }
func (c *pionChannel) OnOpen(fn func())                    { c.dc.OnOpen(fn) }
func (c *pionChannel) OnClose(fn func())                   { c.dc.OnClose(fn) }
func (c *pionChannel) BufferedAmount() uint64              { return c.dc.BufferedAmount() }
func (c *pionChannel) OnBufferedAmountLow(fn func())       { c.dc.OnBufferedAmountLow(fn) }
func (c *pionChannel) Close() error                        { return c.dc.Close() }

func (c *pionChannel) SendText(s string) error {
	return c.dc.SendText(s)
}

func (c *pionChannel) SetBufferedAmountLowThreshold(th uint64) {
	c.dc.SetBufferedAmountLowThreshold(th)
}

func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}
