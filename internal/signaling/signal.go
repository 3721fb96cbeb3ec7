// Package signaling carries negotiation messages between the two peers.
//
// A Signal is a closed union of Candidate, Offer and Answer. Offers and
// answers are tagged with the sender's priority, which the negotiation
// controller uses to resolve simultaneous offers. Signals are serialized to
// opaque strings and handed to a Relay, which delivers them to the other
// peer in order. Two relays are provided: Client, a WebSocket client for
// Server, and MemoryRelay for in-process use.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/pion/webrtc/v4"
)

// ErrUnrecognized is returned by Parse for payloads that are not a
// candidate, offer or answer.
var ErrUnrecognized = errors.New("unrecognized signal")

// Kind identifies the variant of a Signal.
type Kind int

const (
	KindCandidate Kind = iota + 1
	KindOffer
	KindAnswer
)

func (k Kind) String() string {
	switch k {
	case KindCandidate:
		return "candidate"
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Signal is one negotiation message. Priority and SDP are set for offers
// and answers; Candidate is set for candidates.
type Signal struct {
	Kind      Kind
	Priority  float64
	SDP       string
	Candidate webrtc.ICECandidateInit
}

// Offer builds an offer signal.
func Offer(priority float64, sdp string) Signal {
	return Signal{Kind: KindOffer, Priority: priority, SDP: sdp}
}

// Answer builds an answer signal.
func Answer(priority float64, sdp string) Signal {
	return Signal{Kind: KindAnswer, Priority: priority, SDP: sdp}
}

// Candidate builds a candidate signal.
func Candidate(c webrtc.ICECandidateInit) Signal {
	return Signal{Kind: KindCandidate, Candidate: c}
}

// Description returns the session description carried by an offer or
// answer.
func (s Signal) Description() webrtc.SessionDescription {
	typ := webrtc.SDPTypeOffer
	if s.Kind == KindAnswer {
		typ = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: typ, SDP: s.SDP}
}

// wireSignal is the JSON shape on the relay. Descriptions look like a
// browser RTCSessionDescription plus a "pid" priority; candidates look like
// RTCIceCandidateInit.
type wireSignal struct {
	Type             string   `json:"type,omitempty"`
	SDP              string   `json:"sdp,omitempty"`
	Priority         *float64 `json:"pid,omitempty"`
	Candidate        *string  `json:"candidate,omitempty"`
	SDPMid           *string  `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16  `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string  `json:"usernameFragment,omitempty"`
}

// Encode serializes s for the relay.
func (s Signal) Encode() (string, error) {
	var w wireSignal

	switch s.Kind {
	case KindOffer, KindAnswer:
		if s.SDP == "" {
			return "", fmt.Errorf("encode %s: empty SDP", s.Kind)
		}
		priority := s.Priority
		w.Type = s.Kind.String()
		w.SDP = s.SDP
		w.Priority = &priority

	case KindCandidate:
		candidate := s.Candidate.Candidate
		w.Candidate = &candidate
		w.SDPMid = s.Candidate.SDPMid
		w.SDPMLineIndex = s.Candidate.SDPMLineIndex
		w.UsernameFragment = s.Candidate.UsernameFragment

	default:
		return "", fmt.Errorf("encode: %w: kind %d", ErrUnrecognized, int(s.Kind))
	}

	data, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Parse decodes a relay payload. Shapes other than a non-empty candidate,
// or an offer/answer with an SDP and a finite priority, are rejected.
func Parse(data string) (Signal, error) {
	var w wireSignal
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}

	switch w.Type {
	case "":
		if w.Candidate == nil || *w.Candidate == "" {
			return Signal{}, ErrUnrecognized
		}
		return Candidate(webrtc.ICECandidateInit{
			Candidate:        *w.Candidate,
			SDPMid:           w.SDPMid,
			SDPMLineIndex:    w.SDPMLineIndex,
			UsernameFragment: w.UsernameFragment,
		}), nil

	case "offer", "answer":
		if w.SDP == "" {
			return Signal{}, fmt.Errorf("%w: %s without sdp", ErrUnrecognized, w.Type)
		}
		if w.Priority == nil || math.IsNaN(*w.Priority) || math.IsInf(*w.Priority, 0) {
			return Signal{}, fmt.Errorf("%w: %s without priority", ErrUnrecognized, w.Type)
		}
		if w.Type == "offer" {
			return Offer(*w.Priority, w.SDP), nil
		}
		return Answer(*w.Priority, w.SDP), nil

	default:
		return Signal{}, fmt.Errorf("%w: type %q", ErrUnrecognized, w.Type)
	}
}
