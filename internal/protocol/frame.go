// Package protocol defines the application-message wire format carried over
// the data channel: text frames, chunk-count frames and raw chunk frames.
//
// A text message travels as a single frame:
//
//	{"text":"hello"}
//
// A binary message is serialized into a descriptor,
//
//	{"mime":"image/png","binary":[137,80,78,71,...]}
//
// which is announced by a chunk-count frame {"binary":N} and then sent as N
// raw fragments of at most MaxLen bytes each. The receiver concatenates the
// fragments in arrival order, so the channel must preserve order for binary
// messages to survive.
package protocol

import (
	"errors"
	"io"
	"unicode/utf8"
)

// Wire constants. They must match on both ends of a channel.
const (
	// MaxLen is the largest chunk frame, chosen to stay below the path MTU.
	MaxLen = 512

	// Step is the wall-clock inter-chunk pacing, in milliseconds, used by
	// peers that pace by timer. Sending here is paced by channel
	// backpressure instead.
	Step = 300
)

// Blob is a typed binary payload.
type Blob struct {
	Mime string
	Data []byte
}

// Message is one application-level message. It is binary when Binary is
// non-nil and text otherwise.
type Message struct {
	Text   string
	Binary *Blob
}

// TextMessage builds a text message.
func TextMessage(text string) Message {
	return Message{Text: text}
}

// BinaryMessage builds a binary message.
func BinaryMessage(mime string, data []byte) Message {
	return Message{Binary: &Blob{Mime: mime, Data: data}}
}

// ReadBinary reads r to EOF and wraps its content as a binary message.
func ReadBinary(mime string, r io.Reader) (Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Message{}, err
	}
	return BinaryMessage(mime, data), nil
}

// ErrInvalidText is returned by Validate for strings JSON cannot carry
// unchanged.
var ErrInvalidText = errors.New("text is not valid UTF-8")

// Validate reports whether m survives encoding byte for byte. Text and MIME
// types travel as JSON strings, which replace invalid UTF-8 with U+FFFD.
func (m Message) Validate() error {
	if m.Binary != nil {
		if !utf8.ValidString(m.Binary.Mime) {
			return ErrInvalidText
		}
		return nil
	}
	if !utf8.ValidString(m.Text) {
		return ErrInvalidText
	}
	return nil
}

// IsBinary reports whether m carries a binary payload.
func (m Message) IsBinary() bool {
	return m.Binary != nil
}

// Len returns the payload size in bytes.
func (m Message) Len() int {
	if m.Binary != nil {
		return len(m.Binary.Data)
	}
	return len(m.Text)
}
