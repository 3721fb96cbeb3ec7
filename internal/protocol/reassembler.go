package protocol

// buffer is the in-flight state of one multi-part binary message.
type buffer struct {
	remaining   int
	accumulated []byte
}

// Reassembler turns inbound frames back into messages. At most one binary
// message is in flight at a time; when none is, there is no buffer at all.
// It is owned by a single goroutine and needs no locking.
type Reassembler struct {
	buf *buffer
}

// NewReassembler creates a reassembler with no message in flight.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed processes one inbound frame. It returns a message once one is
// complete and nil otherwise. A frame that cannot be interpreted returns
// ErrMalformedFrame and leaves the state untouched. If the reassembled
// descriptor is unreadable the partial message is discarded and
// ErrMalformedDescriptor is returned.
func (r *Reassembler) Feed(frame []byte) (*Message, error) {
	if r.buf != nil {
		r.buf.accumulated = append(r.buf.accumulated, frame...)
		r.buf.remaining--
		if r.buf.remaining > 0 {
			return nil, nil
		}

		data := r.buf.accumulated
		r.buf = nil

		blob, err := DecodeDescriptor(data)
		if err != nil {
			return nil, err
		}
		return &Message{Binary: blob}, nil
	}

	f, err := DecodeFrame(frame)
	if err != nil {
		return nil, err
	}

	switch f.Kind {
	case FrameText:
		return &Message{Text: f.Text}, nil
	case FrameCount:
		r.buf = &buffer{remaining: f.Parts, accumulated: make([]byte, 0, min(f.Parts, 64)*MaxLen)}
	}
	return nil, nil
}

// Pending returns the number of chunk frames still expected, 0 when no
// binary message is in flight.
func (r *Reassembler) Pending() int {
	if r.buf == nil {
		return 0
	}
	return r.buf.remaining
}

// Active reports whether a binary message is being reassembled.
func (r *Reassembler) Active() bool {
	return r.buf != nil
}

// Reset discards any partially reassembled message.
func (r *Reassembler) Reset() {
	r.buf = nil
}
