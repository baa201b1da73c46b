package wire

import (
	"bufio"
	"io"
)

// An Encoder writes whole messages to a stream, splitting any payload
// larger than the connection's TUS across CONTINUATION frames.
//
// An Encoder is not safe for concurrent use; callers serialise access,
// normally by giving each connection a single writer goroutine.
type Encoder struct {
	w   *bufio.Writer
	tus int
	hdr [HeaderSize]byte
}

// NewEncoder returns an Encoder writing to w with the default TUS.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w), tus: DefaultTUS}
}

// SetTUS adjusts the transmit-unit size after hello negotiation. Values
// below MinTUS are clamped.
func (e *Encoder) SetTUS(n int) {
	if n < MinTUS {
		n = MinTUS
	}
	e.tus = n
}

// TUS returns the current transmit-unit size.
func (e *Encoder) TUS() int { return e.tus }

// Encode writes m as one or more frames and flushes the stream.
func (e *Encoder) Encode(m *Message) error {
	chunk := e.tus - HeaderSize
	p := m.Payload
	for {
		n := len(p)
		flags := uint8(FlagLast)
		if n > chunk {
			n = chunk
			flags = FlagContinuation
		}
		putHeader(e.hdr[:], m.Cmd, m.TagID, flags, uint32(n), m.TimeUS, m.BusID)
		if _, err := e.w.Write(e.hdr[:]); err != nil {
			return err
		}
		if _, err := e.w.Write(p[:n]); err != nil {
			return err
		}
		p = p[n:]
		if flags == FlagLast {
			break
		}
	}
	return e.w.Flush()
}
