package transport

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used for ICE candidate gathering when no servers
// are configured. No TURN: the connection is meant to be direct.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Options configures the PeerConnections and data channels a Factory
// creates.
type Options struct {
	// STUNServers lists ICE server URLs. Empty means host candidates only.
	STUNServers []string

	// IncludeLoopback gathers loopback candidates, needed when both peers
	// run on one machine with no other interface.
	IncludeLoopback bool

	// Unordered disables in-order delivery on outbound channels.
	Unordered bool

	// MaxRetransmits, when set, makes outbound channels partially
	// reliable. Zero retransmits gives a fully unreliable channel.
	MaxRetransmits *uint16
}

// NewFactory returns a Factory creating pion-backed Peers.
func NewFactory(opts Options) Factory {
	return func() (Peer, error) {
		pc, err := newPeerConnection(opts)
		if err != nil {
			return nil, err
		}
		return &pionPeer{pc: pc, init: channelInit(opts)}, nil
	}
}

// newPeerConnection creates a PeerConnection configured with the given ICE
// servers.
func newPeerConnection(opts Options) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(opts.STUNServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{
			{URLs: opts.STUNServers},
		}
	}

	settingEngine := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// channelInit builds the DataChannelInit for outbound channels. Ordered is
// the default because binary messages are reassembled in arrival order.
func channelInit(opts Options) webrtc.DataChannelInit {
	ordered := !opts.Unordered
	init := webrtc.DataChannelInit{Ordered: &ordered}
	if opts.MaxRetransmits != nil {
		retransmits := *opts.MaxRetransmits
		init.MaxRetransmits = &retransmits
	}
	return init
}
