package peer

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/transport"
)

// fakeNet links the fake peers its factories create. Setting a remote
// answer connects the offerer's channel to the answerer, fires the
// answerer's OnChannel and opens both ends.
type fakeNet struct {
	mu    sync.Mutex
	byID  map[string]*fakePeer
	all   []*fakePeer
	seq   int
	fails bool
}

func newFakeNet() *fakeNet {
	return &fakeNet{byID: make(map[string]*fakePeer)}
}

func (n *fakeNet) factory(owner string) transport.Factory {
	return func() (transport.Peer, error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.fails {
			return nil, errors.New("factory disabled")
		}
		n.seq++
		p := &fakePeer{net: n, id: fmt.Sprintf("%s#%d", owner, n.seq), owner: owner}
		n.byID[p.id] = p
		n.all = append(n.all, p)
		return p, nil
	}
}

// peersOf returns owner's peers in creation order.
func (n *fakeNet) peersOf(owner string) []*fakePeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*fakePeer
	for _, p := range n.all {
		if p.owner == owner {
			out = append(out, p)
		}
	}
	return out
}

func (n *fakeNet) lookup(id string) *fakePeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.byID[id]
}

// connect pairs offerer's outbound channel with answerer.
func (n *fakeNet) connect(offerer *fakePeer, answererID string) {
	answerer := n.lookup(answererID)
	if answerer == nil {
		return
	}

	offerer.mu.Lock()
	local := offerer.local
	a := offerer.outbound
	offerer.mu.Unlock()

	answerer.mu.Lock()
	accepted := answerer.remote != nil && local != nil && answerer.remote.SDP == local.SDP
	onChannel := answerer.onChannel
	answerer.mu.Unlock()

	if !accepted || a == nil {
		return
	}

	b := newFakeChannel(a.label)
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()

	go func() {
		if onChannel != nil {
			onChannel(b)
		}
		a.setOpen()
		b.setOpen()
	}()
}

type fakePeer struct {
	net   *fakeNet
	id    string
	owner string

	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	outbound    *fakeChannel
	onCandidate func(webrtc.ICECandidateInit)
	onChannel   func(transport.Channel)
	onState     func(webrtc.PeerConnectionState)
	offers      int
	answers     int
	closed      bool
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer " + p.id}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	if p.remote == nil || p.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer " + p.id}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("closed")
	}
	p.local = &d
	fn := p.onCandidate
	p.mu.Unlock()

	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: "candidate " + p.id})
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("closed")
	}
	if d.SDP == "" {
		p.mu.Unlock()
		return errors.New("empty description")
	}
	if d.Type == webrtc.SDPTypeAnswer && (p.local == nil || p.local.Type != webrtc.SDPTypeOffer) {
		p.mu.Unlock()
		return errors.New("answer without local offer")
	}
	p.remote = &d
	p.mu.Unlock()

	if d.Type == webrtc.SDPTypeAnswer {
		p.net.connect(p, strings.TrimPrefix(d.SDP, "answer "))
	}
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) CreateChannel(label string) (transport.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outbound = newFakeChannel(label)
	return p.outbound, nil
}

func (p *fakePeer) OnChannel(fn func(transport.Channel)) {
	p.mu.Lock()
	p.onChannel = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// reportState fires the state-change callback as the transport would.
func (p *fakePeer) reportState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *fakePeer) snapshot() (offers, answers int, closed bool, remote string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote != nil {
		remote = p.remote.SDP
	}
	return p.offers, p.answers, p.closed, remote
}

func (p *fakePeer) channel() *fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outbound
}

type fakeChannel struct {
	label string

	mu        sync.Mutex
	state     webrtc.DataChannelState
	peer      *fakeChannel
	sent      [][]byte
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
}

func newFakeChannel(label string) *fakeChannel {
	return &fakeChannel{label: label, state: webrtc.DataChannelStateConnecting}
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) SendText(s string) error {
	data := []byte(s)
	c.mu.Lock()
	if c.state != webrtc.DataChannelStateOpen {
		c.mu.Unlock()
		return errors.New("channel not open")
	}
	frame := append([]byte(nil), data...)
	c.sent = append(c.sent, frame)
	peer := c.peer
	c.mu.Unlock()

	if peer != nil {
		peer.deliver(frame)
	}
	return nil
}

func (c *fakeChannel) deliver(frame []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

func (c *fakeChannel) setOpen() {
	c.mu.Lock()
	if c.state != webrtc.DataChannelStateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = webrtc.DataChannelStateOpen
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *fakeChannel) BufferedAmount() uint64               { return 0 }
func (c *fakeChannel) SetBufferedAmountLowThreshold(uint64) {}
func (c *fakeChannel) OnBufferedAmountLow(func())           {}

func (c *fakeChannel) Close() error {
	peer := c.shut()
	if peer != nil {
		peer.shut()
	}
	return nil
}

// shut closes this end only and returns the other end if this call closed
// it.
func (c *fakeChannel) shut() *fakeChannel {
	c.mu.Lock()
	if c.state == webrtc.DataChannelStateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = webrtc.DataChannelStateClosed
	fn := c.onClose
	peer := c.peer
	c.mu.Unlock()
	if fn != nil {
		go fn()
	}
	return peer
}

func (c *fakeChannel) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, f := range c.sent {
		out[i] = string(f)
	}
	return out
}
