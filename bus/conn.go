package bus

import (
	"log"
	"net"

	"github.com/m-lab/uuid"

	"github.com/mscada/tagbus/metrics"
	"github.com/mscada/tagbus/wire"
)

// conn is the server side of one client connection. The reader
// goroutine feeds whole messages to the dispatch loop; the writer
// goroutine drains the bounded out queue. All other fields are touched
// only by the dispatch goroutine.
type conn struct {
	id   uint16
	uuid string
	nc   net.Conn
	out  chan *wire.Message

	// dead is set by dispatch when the connection is being torn down
	// or has proven itself a slow consumer. Dispatch-owned.
	dead bool
}

func newConn(id uint16, nc net.Conn) *conn {
	c := &conn{
		id:   id,
		nc:   nc,
		out:  make(chan *wire.Message, writeQueueDepth),
		uuid: connUUID(nc),
	}
	return c
}

// connUUID derives a durable identity for logging. Falls back to the
// remote address for non-TCP sockets (tests use loopback TCP, where
// SO_COOKIE works; net.Pipe does not).
func connUUID(nc net.Conn) string {
	if tc, ok := nc.(*net.TCPConn); ok {
		if id, err := uuid.FromTCPConn(tc); err == nil {
			return id
		}
	}
	return nc.RemoteAddr().String()
}

// writeLoop serialises outbound messages. It exits when the out queue
// is closed by dispatch, or keeps draining after a write error so that
// dispatch never blocks.
func (c *conn) writeLoop(tus int) {
	enc := wire.NewEncoder(c.nc)
	enc.SetTUS(tus)
	var dead bool
	for m := range c.out {
		if dead {
			continue
		}
		if err := enc.Encode(m); err != nil {
			log.Printf("write to %v failed: %v", c.uuid, err)
			c.nc.Close()
			dead = true
			continue
		}
		metrics.MessagesSent.WithLabelValues(m.Cmd.String()).Inc()
	}
}

// readLoop decodes messages until the connection breaks or the peer
// violates the protocol, then reports the close to dispatch. Transient
// I/O errors are not worth distinguishing here; protocol violations
// are, because the peer gets a final ERR frame.
func (c *conn) readLoop(s *Server) {
	dec := wire.NewDecoder(c.nc)
	for dec.Next() {
		m := *dec.Message()
		if !s.post(event{src: c, msg: &m}) {
			return
		}
	}
	s.post(event{src: c, err: protocolError(dec.Err())})
}

// protocolError filters a decoder error down to the protocol
// violations; broken sockets and truncation report as a plain close.
func protocolError(err error) error {
	switch err {
	case wire.ErrBadCommand, wire.ErrBadFlags, wire.ErrFrameTooBig, wire.ErrMessageTooBig:
		return err
	}
	return nil
}
