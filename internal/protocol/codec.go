package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrMalformedFrame is returned for frames that are neither text-bearing
	// nor a valid chunk-count.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrMalformedDescriptor is returned when reassembled chunks do not form
	// a binary descriptor.
	ErrMalformedDescriptor = errors.New("malformed binary descriptor")
)

// header is the JSON shape shared by text and chunk-count frames.
type header struct {
	Text   *string `json:"text,omitempty"`
	Binary *int    `json:"binary,omitempty"`
}

// descriptor is the serialized form of a binary payload before chunking.
type descriptor struct {
	Mime   string `json:"mime"`
	Binary octets `json:"binary"`
}

// octets marshals as a JSON array of byte values and accepts either that
// form or a base64 string when unmarshalling.
type octets []byte

func (o octets) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(o)*4 + 2)
	buf.WriteByte('[')
	for i, b := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(int(b)))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (o *octets) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return err
		}
		*o = raw
		return nil
	}

	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value %d out of range at index %d", v, i)
		}
		out[i] = byte(v)
	}
	*o = out
	return nil
}

// Frame kinds produced by DecodeFrame.
const (
	FrameText = iota + 1
	FrameCount
)

// Frame is a decoded text or chunk-count frame. Chunk frames have no shape
// of their own and are only meaningful to a Reassembler.
type Frame struct {
	Kind  int
	Text  string
	Parts int
}

// EncodeText returns the single frame carrying text. Invalid UTF-8 is
// replaced with U+FFFD; see Message.Validate.
func EncodeText(text string) []byte {
	data, _ := json.Marshal(header{Text: &text})
	return data
}

// EncodeCount returns a chunk-count frame announcing parts chunks.
func EncodeCount(parts int) []byte {
	data, _ := json.Marshal(header{Binary: &parts})
	return data
}

// EncodeDescriptor serializes a binary payload into the byte string that is
// later split into chunk frames.
func EncodeDescriptor(b *Blob) []byte {
	data, _ := json.Marshal(descriptor{Mime: b.Mime, Binary: b.Data})
	return data
}

// DecodeDescriptor parses a reassembled descriptor.
func DecodeDescriptor(data []byte) (*Blob, error) {
	var d descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	if d.Binary == nil {
		return nil, fmt.Errorf("%w: missing binary field", ErrMalformedDescriptor)
	}
	return &Blob{Mime: d.Mime, Data: []byte(d.Binary)}, nil
}

// Parts returns how many chunk frames a descriptor of n bytes needs.
func Parts(n int) int {
	return (n + MaxLen - 1) / MaxLen
}

// Split cuts data into consecutive slices of at most MaxLen bytes. The
// slices alias data.
func Split(data []byte) [][]byte {
	chunks := make([][]byte, 0, Parts(len(data)))
	for len(data) > 0 {
		n := min(len(data), MaxLen)
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// Encode turns a message into the ordered list of frames to send.
// Text yields one frame; binary yields a chunk-count frame followed by the
// chunk frames.
func Encode(msg Message) [][]byte {
	if msg.Binary == nil {
		return [][]byte{EncodeText(msg.Text)}
	}

	chunks := Split(EncodeDescriptor(msg.Binary))
	frames := make([][]byte, 0, len(chunks)+1)
	frames = append(frames, EncodeCount(len(chunks)))
	return append(frames, chunks...)
}

// DecodeFrame parses a frame received while no reassembly is in progress.
// A frame carrying a text field is text, even if it also carries a count.
func DecodeFrame(data []byte) (Frame, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch {
	case h.Text != nil:
		return Frame{Kind: FrameText, Text: *h.Text}, nil
	case h.Binary != nil && *h.Binary > 0:
		return Frame{Kind: FrameCount, Parts: *h.Binary}, nil
	default:
		return Frame{}, ErrMalformedFrame
	}
}
