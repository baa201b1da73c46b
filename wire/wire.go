// Package wire implements the tag bus framing and value codec. A single
// TCP byte stream carries length-prefixed frames; messages whose payload
// exceeds the transmit-unit size (TUS) of a connection are split across
// several frames and reassembled by the Decoder.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command is the message kind carried in the first header byte.
type Command uint8

// The six protocol commands.
const (
	CmdID  Command = 0x01 // tag name to ID resolution
	CmdSET Command = 0x02 // value update
	CmdGET Command = 0x03 // request the current value
	CmdRTA Command = 0x04 // request to author
	CmdSUB Command = 0x05 // subscribe to a tag
	CmdERR Command = 0x06 // server diagnostic
)

func (c Command) String() string {
	switch c {
	case CmdID:
		return "ID"
	case CmdSET:
		return "SET"
	case CmdGET:
		return "GET"
	case CmdRTA:
		return "RTA"
	case CmdSUB:
		return "SUB"
	case CmdERR:
		return "ERR"
	}
	return fmt.Sprintf("Command(%#02x)", uint8(c))
}

// Frame flag bits.
const (
	FlagContinuation = 0x01 // more frames of this message follow
	FlagLast         = 0x02 // final frame of this message
)

// HeaderSize is the length of the fixed-width fields of every frame:
// command[1] tagID[2] flags[1] length[4] timeUS[8] busID[2].
const HeaderSize = 1 + 2 + 1 + 4 + 8 + 2

const (
	// DefaultTUS is the transmit-unit size used when the peers have not
	// negotiated one.
	DefaultTUS = 55000

	// MinTUS bounds negotiation from below so that a broken hello cannot
	// force degenerate one-byte fragmentation.
	MinTUS = 512

	// MaxFramePayload is the largest single-frame payload a Decoder will
	// accept, regardless of the sender's TUS.
	MaxFramePayload = 1 << 20

	// MaxMessageSize caps a reassembled message. History blobs run to a
	// few MiB; anything approaching this limit is a protocol error.
	MaxMessageSize = 64 << 20
)

// DefaultPort is the bus server's default TCP port.
const DefaultPort = 1324

// Package error values. Decoder errors other than I/O errors are
// protocol violations; the peer should send ERR and close.
var (
	ErrBadCommand    = errors.New("wire: unknown command")
	ErrBadFlags      = errors.New("wire: invalid frame flag combination")
	ErrFrameTooBig   = errors.New("wire: frame payload exceeds maximum")
	ErrMessageTooBig = errors.New("wire: reassembled message exceeds maximum")
	ErrBadKind       = errors.New("wire: unknown value kind")
	ErrShortValue    = errors.New("wire: truncated value payload")
)

// Message is a whole protocol message, after any reassembly.
type Message struct {
	Cmd     Command
	TagID   uint16
	TimeUS  int64
	BusID   uint16
	Payload []byte
}

func putHeader(b []byte, cmd Command, tagID uint16, flags uint8, length uint32, timeUS int64, busID uint16) {
	b[0] = uint8(cmd)
	binary.BigEndian.PutUint16(b[1:3], tagID)
	b[3] = flags
	binary.BigEndian.PutUint32(b[4:8], length)
	binary.BigEndian.PutUint64(b[8:16], uint64(timeUS))
	binary.BigEndian.PutUint16(b[16:18], busID)
}

type header struct {
	cmd    Command
	tagID  uint16
	flags  uint8
	length uint32
	timeUS int64
	busID  uint16
}

func parseHeader(b []byte) (header, error) {
	h := header{
		cmd:    Command(b[0]),
		tagID:  binary.BigEndian.Uint16(b[1:3]),
		flags:  b[3],
		length: binary.BigEndian.Uint32(b[4:8]),
		timeUS: int64(binary.BigEndian.Uint64(b[8:16])),
		busID:  binary.BigEndian.Uint16(b[16:18]),
	}
	if h.cmd < CmdID || h.cmd > CmdERR {
		return h, ErrBadCommand
	}
	switch h.flags {
	case FlagContinuation, FlagLast:
	default:
		return h, ErrBadFlags
	}
	if h.length > MaxFramePayload {
		return h, ErrFrameTooBig
	}
	return h, nil
}
