package wire

import (
	"bufio"
	"io"
)

// pending reassembly is keyed per (command, tag) so that interleaved
// fragment streams for different tags cannot corrupt each other.
type pendingKey struct {
	cmd   Command
	tagID uint16
}

// A Decoder reads whole messages from a stream, reassembling fragmented
// payloads. Successive calls to Next fetch messages until EOF or an
// error; the error is reported by Err.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	br      *bufio.Reader
	msg     Message
	err     error
	pending map[pendingKey][]byte
	hdr     [HeaderSize]byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		br:      bufio.NewReaderSize(r, 1<<16),
		pending: make(map[pendingKey][]byte),
	}
}

// Err returns the first error encountered. A clean EOF at a message
// boundary is not an error. EOF in the middle of a frame is reported as
// io.ErrUnexpectedEOF.
func (d *Decoder) Err() error {
	if d.err == io.EOF {
		return nil
	}
	return d.err
}

// Message returns the last decoded message. It is valid only after Next
// has returned true, and only until the next call to Next.
func (d *Decoder) Message() *Message { return &d.msg }

// Next fetches the next whole message. It returns false on EOF or
// error; Err distinguishes the two.
func (d *Decoder) Next() bool {
	if d.err != nil {
		return false
	}
	for {
		// io.ReadFull yields io.EOF only at a frame boundary and
		// io.ErrUnexpectedEOF when the peer died mid-header.
		if _, err := io.ReadFull(d.br, d.hdr[:]); err != nil {
			d.err = err
			return false
		}
		h, err := parseHeader(d.hdr[:])
		if err != nil {
			d.err = err
			return false
		}
		payload := make([]byte, h.length)
		if _, err := io.ReadFull(d.br, payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			d.err = err
			return false
		}
		key := pendingKey{h.cmd, h.tagID}
		if h.flags == FlagContinuation {
			buf := d.pending[key]
			if len(buf)+len(payload) > MaxMessageSize {
				d.err = ErrMessageTooBig
				return false
			}
			d.pending[key] = append(buf, payload...)
			continue
		}
		if buf, ok := d.pending[key]; ok {
			if len(buf)+len(payload) > MaxMessageSize {
				d.err = ErrMessageTooBig
				return false
			}
			payload = append(buf, payload...)
			delete(d.pending, key)
		}
		d.msg = Message{
			Cmd:     h.cmd,
			TagID:   h.tagID,
			TimeUS:  h.timeUS,
			BusID:   h.busID,
			Payload: payload,
		}
		return true
	}
}
