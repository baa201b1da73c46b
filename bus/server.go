// Package bus implements the tag bus server: an in-memory last-value
// store plus subscribe/publish fabric. Clients register tag names,
// receive 16-bit tag IDs, and exchange SET/GET/SUB/RTA messages; the
// server fans SET updates out to every subscriber except the author.
package bus

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/mscada/tagbus/metrics"
	"github.com/mscada/tagbus/wire"
)

// writeQueueDepth bounds each connection's outbound queue. A subscriber
// that falls this far behind is disconnected rather than allowed to
// stall fan-out for everyone else.
const writeQueueDepth = 1024

// busTag is the server-side record of one tag.
type busTag struct {
	name   string
	id     uint16
	value  []byte // encoded value payload; nil until first SET
	timeUS int64
	author uint16 // connection that last set a non-stale value
	subs   map[uint16]struct{}
}

// event is the dispatch loop's input: a new connection, a message from
// a connection, or (msg == nil) a connection closing.
type event struct {
	conn *conn
	src  *conn
	msg  *wire.Message
	err  error
}

// Server is the bus server. Make one with NewServer, then call Listen
// followed by Serve.
type Server struct {
	addr     string
	tus      int
	listener net.Listener
	inbox    chan event
	done     chan struct{}

	// Dispatch-goroutine state. The name/ID maps are mutual inverses;
	// tag IDs are assigned monotonically from 1 and never reused.
	conns    map[uint16]*conn
	byName   map[string]*busTag
	byID     map[uint16]*busTag
	nextTag  uint32
	nextConn uint32

	servingWG sync.WaitGroup
}

// NewServer returns a server that will bind to addr, e.g.
// "127.0.0.1:1324".
func NewServer(addr string) *Server {
	return &Server{
		addr:     addr,
		tus:      wire.DefaultTUS,
		inbox:    make(chan event, 128),
		done:     make(chan struct{}),
		conns:    make(map[uint16]*conn),
		byName:   make(map[string]*busTag),
		byID:     make(map[uint16]*busTag),
		nextTag:  1,
		nextConn: 1,
	}
}

// Listen binds the TCP listener. After Listen returns, connections will
// not be refused; they are served once Serve is called.
func (s *Server) Listen() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	return err
}

// Addr returns the bound address, useful with a ":0" listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// post delivers an event to the dispatch loop, giving up when the
// server has shut down. Reports whether the event was accepted.
func (s *Server) post(ev event) bool {
	select {
	case s.inbox <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Serve accepts and dispatches until the context is canceled or a
// fatal fault occurs (connection ID space exhausted). It is expected to
// be called in a goroutine, after Listen.
func (s *Server) Serve(ctx context.Context) error {
	derivedCtx, derivedCancel := context.WithCancel(ctx)
	defer derivedCancel()

	s.servingWG.Add(1)
	go func() {
		defer s.servingWG.Done()
		s.dispatch(derivedCtx)
	}()

	// Closing the listener unblocks Accept when the context ends.
	s.servingWG.Add(1)
	go func() {
		defer s.servingWG.Done()
		<-derivedCtx.Done()
		s.listener.Close()
	}()

	var err error
	for derivedCtx.Err() == nil {
		var nc net.Conn
		nc, err = s.listener.Accept()
		if err != nil {
			break
		}
		if s.nextConn > 0xffff {
			// 16-bit identity space exhausted; restart is the recovery.
			nc.Close()
			err = fmt.Errorf("connection IDs exhausted at %d", s.nextConn)
			break
		}
		c := newConn(uint16(s.nextConn), nc)
		s.nextConn++
		log.Printf("connection %d (%s) accepted", c.id, c.uuid)

		s.servingWG.Add(1)
		go func() {
			defer s.servingWG.Done()
			c.writeLoop(s.tus)
		}()
		s.hello(c)
		// The add event must reach dispatch before anything the reader
		// can post, or an immediate disconnect would report the close of
		// a connection dispatch has never seen.
		if !s.post(event{conn: c}) {
			c.nc.Close()
			close(c.out)
			break
		}
		s.servingWG.Add(1)
		go func() {
			defer s.servingWG.Done()
			c.readLoop(s)
		}()
	}
	derivedCancel()
	s.servingWG.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// hello advertises the transmit-unit size and the assigned connection
// ID: an ID frame with tagID 0 (real tag IDs start at 1), busID set to
// the connection's identity, and a big-endian uint32 TUS payload.
func (s *Server) hello(c *conn) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(s.tus))
	c.out <- &wire.Message{Cmd: wire.CmdID, TagID: 0, BusID: c.id, Payload: payload}
}

// dispatch owns every map on the server. Running it on a single
// goroutine is what lets the handlers below mutate state without
// locks.
func (s *Server) dispatch(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			for _, c := range s.conns {
				c.nc.Close()
				close(c.out)
			}
			// Connections accepted but not yet registered still need
			// their write queues closed.
			for {
				select {
				case ev := <-s.inbox:
					if ev.conn != nil {
						ev.conn.nc.Close()
						close(ev.conn.out)
					}
				default:
					return
				}
			}
		case ev := <-s.inbox:
			switch {
			case ev.conn != nil:
				s.conns[ev.conn.id] = ev.conn
				metrics.ConnectionCount.Set(float64(len(s.conns)))
			case ev.msg == nil:
				s.dropConn(ev.src, ev.err)
			default:
				s.handle(ev.src, ev.msg)
			}
		}
	}
}

// dropConn tears down a closed connection: its subscriptions die with
// it, its authored tags keep their last value.
func (s *Server) dropConn(c *conn, err error) {
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	delete(s.conns, c.id)
	if err != nil {
		log.Printf("connection %d (%s) violated the protocol: %v", c.id, c.uuid, err)
		metrics.ErrorCount.WithLabelValues("protocol").Inc()
		// Best-effort diagnostic before the queue closes.
		if !c.dead {
			select {
			case c.out <- &wire.Message{Cmd: wire.CmdERR, Payload: []byte(err.Error())}:
			default:
			}
		}
	} else {
		log.Printf("connection %d (%s) closed", c.id, c.uuid)
	}
	c.dead = true
	c.nc.Close()
	close(c.out)
	for _, bt := range s.byID {
		delete(bt.subs, c.id)
	}
	metrics.ConnectionCount.Set(float64(len(s.conns)))
}

func (s *Server) handle(c *conn, m *wire.Message) {
	if c.dead {
		return
	}
	metrics.MessagesReceived.WithLabelValues(m.Cmd.String()).Inc()
	switch m.Cmd {
	case wire.CmdID:
		s.handleID(c, m)
	case wire.CmdSET:
		s.handleSET(c, m)
	case wire.CmdGET:
		s.handleGET(c, m)
	case wire.CmdSUB:
		s.handleSUB(c, m)
	case wire.CmdRTA:
		s.handleRTA(c, m)
	default:
		// ERR is server-to-client only.
		s.errTo(c, m.TagID, "unexpected %v from client", m.Cmd)
	}
}

// handleID resolves a tag name to an ID, allocating on first sight.
// The reply is broadcast so every peer learns new mappings without
// per-peer negotiation.
func (s *Server) handleID(c *conn, m *wire.Message) {
	name := string(m.Payload)
	if name == "" {
		s.errTo(c, 0, "ID with empty tag name")
		return
	}
	bt, ok := s.byName[name]
	if !ok {
		if s.nextTag > 0xffff {
			s.errTo(c, 0, "tag IDs exhausted")
			return
		}
		bt = &busTag{
			name: name,
			id:   uint16(s.nextTag),
			subs: make(map[uint16]struct{}),
		}
		s.nextTag++
		s.byName[name] = bt
		s.byID[bt.id] = bt
		metrics.TagCount.Set(float64(len(s.byID)))
	}
	reply := &wire.Message{
		Cmd:     wire.CmdID,
		TagID:   bt.id,
		TimeUS:  bt.timeUS,
		Payload: []byte(name),
	}
	for _, peer := range s.conns {
		s.send(peer, reply)
	}
}

// handleSET stores a non-stale value and fans it out to every
// subscriber other than the author.
func (s *Server) handleSET(c *conn, m *wire.Message) {
	bt, ok := s.byID[m.TagID]
	if !ok {
		s.errTo(c, m.TagID, "SET unknown tag %d", m.TagID)
		return
	}
	busID := m.BusID
	if busID == 0 {
		busID = c.id
	}
	if m.TimeUS < bt.timeUS {
		metrics.StaleDrops.Inc()
		return
	}
	bt.value = m.Payload
	bt.timeUS = m.TimeUS
	bt.author = busID
	metrics.PayloadSizeHistogram.Observe(float64(len(m.Payload)))

	fwd := &wire.Message{
		Cmd:     wire.CmdSET,
		TagID:   bt.id,
		TimeUS:  bt.timeUS,
		BusID:   busID,
		Payload: bt.value,
	}
	for subID := range bt.subs {
		if subID == busID {
			continue
		}
		if peer, ok := s.conns[subID]; ok {
			s.send(peer, fwd)
			metrics.FanoutCount.Inc()
		}
	}
}

// handleGET answers with the stored value, or a null SET for a tag
// that has never been set.
func (s *Server) handleGET(c *conn, m *wire.Message) {
	bt, ok := s.byID[m.TagID]
	if !ok {
		s.errTo(c, m.TagID, "GET unknown tag %d", m.TagID)
		return
	}
	s.sendCurrent(c, bt)
}

// handleSUB adds the connection to the subscriber set and immediately
// answers as GET would: the current value, or a null SET for a tag that
// has never been set, so the subscriber can tell "no value yet" from
// silence.
func (s *Server) handleSUB(c *conn, m *wire.Message) {
	bt, ok := s.byID[m.TagID]
	if !ok {
		s.errTo(c, m.TagID, "SUB unknown tag %d", m.TagID)
		return
	}
	bt.subs[c.id] = struct{}{}
	s.sendCurrent(c, bt)
}

// handleRTA forwards a request to whichever connection last authored
// the tag. The busID field carries the requester's identity so the
// author can target its response.
func (s *Server) handleRTA(c *conn, m *wire.Message) {
	bt, ok := s.byID[m.TagID]
	if !ok {
		s.errTo(c, m.TagID, "RTA unknown tag %d", m.TagID)
		return
	}
	author, ok := s.conns[bt.author]
	if bt.author == 0 || !ok {
		s.errTo(c, m.TagID, "RTA no author for tag %d", m.TagID)
		return
	}
	busID := m.BusID
	if busID == 0 {
		busID = c.id
	}
	s.send(author, &wire.Message{
		Cmd:     wire.CmdRTA,
		TagID:   bt.id,
		TimeUS:  m.TimeUS,
		BusID:   busID,
		Payload: m.Payload,
	})
}

func (s *Server) sendCurrent(c *conn, bt *busTag) {
	s.send(c, &wire.Message{
		Cmd:     wire.CmdSET,
		TagID:   bt.id,
		TimeUS:  bt.timeUS,
		BusID:   bt.author,
		Payload: bt.value, // nil encodes as the null value
	})
}

// send enqueues without blocking. A full queue means the peer has
// stopped draining; it is cut off so one stuck subscriber cannot stall
// the bus.
func (s *Server) send(c *conn, m *wire.Message) {
	if c.dead {
		return
	}
	select {
	case c.out <- m:
	default:
		log.Printf("connection %d (%s) is a slow consumer, dropping it", c.id, c.uuid)
		metrics.ErrorCount.WithLabelValues("slow_consumer").Inc()
		c.dead = true
		c.nc.Close()
	}
}

func (s *Server) errTo(c *conn, tagID uint16, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	log.Printf("connection %d: %s", c.id, text)
	metrics.ErrorCount.WithLabelValues("request").Inc()
	s.send(c, &wire.Message{Cmd: wire.CmdERR, TagID: tagID, Payload: []byte(text)})
}
