// Package client implements the library side of the tag bus: one TCP
// connection to the bus server per process. The client registers every
// tag in its Registry, publishes locally authored changes, materialises
// remote changes onto local Tag objects, and routes request-to-author
// traffic both ways. A broken connection is redialed with exponential
// backoff and all tags are re-registered.
package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"aqwari.net/retry"

	"github.com/mscada/tagbus/metrics"
	"github.com/mscada/tagbus/tag"
	"github.com/mscada/tagbus/wire"
)

const (
	dialTimeout = 5 * time.Second
	// readIdleLimit bounds read silence before the connection is
	// presumed dead. Deployments keep a heartbeat tag changing well
	// inside this window.
	readIdleLimit = 60 * time.Second
	queueDepth    = 1024
)

// ErrNotRegistered is returned for an RTA on a tag that has no bus ID
// yet.
var ErrNotRegistered = errors.New("client: tag has no bus ID yet")

// A Client connects a Registry to a bus server. Create one with New
// and drive it with Run.
type Client struct {
	addr   string
	reg    *tag.Registry
	out    *queue
	cookie uint32

	mu     sync.Mutex
	byID   map[uint16]*tag.Tag
	subbed map[uint16]bool // tags subscribed on the current connection
	connID uint16
}

// New returns a client for the bus at addr serving reg. Every tag
// already in the registry, and every tag declared later, is registered
// with the bus once Run establishes a connection.
func New(addr string, reg *tag.Registry) *Client {
	c := &Client{
		addr:   addr,
		reg:    reg,
		out:    newQueue(queueDepth),
		byID:   make(map[uint16]*tag.Tag),
		subbed: make(map[uint16]bool),
	}
	for _, t := range reg.All() {
		c.adopt(t)
	}
	reg.SetNotify(func(t *tag.Tag) {
		c.adopt(t)
		c.out.push(&wire.Message{Cmd: wire.CmdID, Payload: []byte(t.Name())})
	})
	return c
}

// adopt hooks a tag's change stream into the bus.
func (c *Client) adopt(t *tag.Tag) {
	t.AddCallback(c.publish, 0)
}

// publish forwards locally authored changes to the bus. Changes that
// arrived from the bus carry a nonzero bus ID and must not bounce back.
func (c *Client) publish(t *tag.Tag) {
	if t.BusID() != 0 {
		return
	}
	id := t.ID()
	if id == 0 {
		// Not registered yet; the value is published on the ID reply.
		return
	}
	payload, err := wire.AppendValue(nil, t.Value())
	if err != nil {
		log.Printf("could not encode %q: %v", t.Name(), err)
		return
	}
	c.out.push(&wire.Message{
		Cmd:     wire.CmdSET,
		TagID:   id,
		TimeUS:  t.TimeUS(),
		Payload: payload,
	})
}

// RTA sends a request-to-author for t. The response convention is up to
// the tag's author; include a cookie from NextCookie so the response
// can be matched (see wire.SetJSONCookie and wire.PrependCookie).
func (c *Client) RTA(t *tag.Tag, req wire.Value) error {
	id := t.ID()
	if id == 0 {
		return ErrNotRegistered
	}
	payload, err := wire.AppendValue(nil, req)
	if err != nil {
		return err
	}
	c.out.push(&wire.Message{
		Cmd:     wire.CmdRTA,
		TagID:   id,
		TimeUS:  time.Now().UnixMicro(),
		Payload: payload,
	})
	return nil
}

// NextCookie returns a monotonically increasing nonzero requester
// cookie. Cookie 0 means broadcast by convention.
func (c *Client) NextCookie() uint16 {
	for {
		n := uint16(atomic.AddUint32(&c.cookie, 1))
		if n != 0 {
			return n
		}
	}
}

// ConnID returns the connection ID assigned by the server's hello, 0
// while disconnected.
func (c *Client) ConnID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Run dials and serves until the context ends. Broken connections are
// redialed with exponential backoff (100 ms to 30 s, full jitter) and
// all tags re-registered.
func (c *Client) Run(ctx context.Context) error {
	backoff := retry.Exponential(100 * time.Millisecond).Max(30 * time.Second)
	try := 0
	for ctx.Err() == nil {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			break
		}
		if connected {
			try = 0
		}
		if err != nil {
			log.Printf("bus session ended: %v", err)
		}
		metrics.ReconnectCount.Inc()
		delay := time.Duration(rand.Int63n(int64(backoff(try)) + 1))
		try++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}
	return ctx.Err()
}

// session runs one connection to completion. connected reports whether
// the hello was received, which resets the backoff.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	nc, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		return false, err
	}
	defer nc.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			nc.Close()
		case <-stop:
		}
	}()

	dec := wire.NewDecoder(nc)
	enc := wire.NewEncoder(nc)

	// The server speaks first: an ID frame with tagID 0 carrying our
	// connection ID and its transmit-unit size.
	nc.SetReadDeadline(time.Now().Add(dialTimeout))
	if !dec.Next() {
		return false, fmt.Errorf("no hello: %v", dec.Err())
	}
	hello := dec.Message()
	if hello.Cmd != wire.CmdID || hello.TagID != 0 || len(hello.Payload) != 4 {
		return false, fmt.Errorf("malformed hello %+v", hello)
	}
	tus := int(binary.BigEndian.Uint32(hello.Payload))
	if tus < wire.DefaultTUS {
		enc.SetTUS(tus)
	}
	c.mu.Lock()
	c.connID = hello.BusID
	// Subscriptions did not survive the old connection.
	c.subbed = make(map[uint16]bool)
	c.mu.Unlock()
	log.Printf("connected to %s as connection %d", c.addr, hello.BusID)

	// Register everything, then let the writer drain the queue.
	for _, t := range c.reg.All() {
		c.out.push(&wire.Message{Cmd: wire.CmdID, Payload: []byte(t.Name())})
	}
	go func() {
		for {
			m := c.out.pop(stop)
			if m == nil {
				return
			}
			if err := enc.Encode(m); err != nil {
				// Breaking the socket ends the read loop too; the
				// message is re-sent after the reconnect re-registers.
				log.Printf("bus write failed: %v", err)
				nc.Close()
				return
			}
			metrics.MessagesSent.WithLabelValues(m.Cmd.String()).Inc()
		}
	}()

	for {
		nc.SetReadDeadline(time.Now().Add(readIdleLimit))
		if !dec.Next() {
			err = dec.Err()
			break
		}
		c.dispatch(dec.Message())
	}
	c.mu.Lock()
	c.connID = 0
	c.mu.Unlock()
	return true, err
}

// dispatch materialises one server message onto local state.
func (c *Client) dispatch(m *wire.Message) {
	metrics.MessagesReceived.WithLabelValues(m.Cmd.String()).Inc()
	switch m.Cmd {
	case wire.CmdID:
		if m.TagID == 0 {
			return // duplicate hello
		}
		t := c.reg.Lookup(string(m.Payload))
		if t == nil {
			// Broadcast mapping for a tag some other process owns.
			return
		}
		c.mu.Lock()
		already := c.subbed[m.TagID] && c.byID[m.TagID] == t
		if !already {
			c.byID[m.TagID] = t
			c.subbed[m.TagID] = true
		}
		c.mu.Unlock()
		if already {
			// A later peer registering the same name re-broadcasts the
			// mapping; the subscription already exists.
			return
		}
		t.SetID(m.TagID)
		c.out.push(&wire.Message{Cmd: wire.CmdSUB, TagID: m.TagID})
		// A locally authored value (config init, or set while
		// disconnected) is published now that the tag has an ID. The
		// server's monotone-time rule arbitrates against whatever the
		// bus already holds.
		if t.BusID() == 0 && !t.Value().IsNull() {
			c.publish(t)
		}
	case wire.CmdSET:
		c.applySet(m)
	case wire.CmdRTA:
		t := c.lookupID(m.TagID)
		if t == nil {
			log.Printf("RTA for unknown tag id %d", m.TagID)
			return
		}
		req, err := wire.ParseValue(m.Payload)
		if err != nil {
			log.Printf("bad RTA payload for %q: %v", t.Name(), err)
			return
		}
		t.HandleRTA(req, m.BusID)
	case wire.CmdERR:
		metrics.ErrorCount.WithLabelValues("server").Inc()
		log.Printf("bus server error on tag id %d: %s", m.TagID, m.Payload)
	default:
		log.Printf("unexpected %v from server", m.Cmd)
	}
}

func (c *Client) applySet(m *wire.Message) {
	t := c.lookupID(m.TagID)
	if t == nil {
		log.Printf("SET for unknown tag id %d", m.TagID)
		return
	}
	v, err := wire.ParseValue(m.Payload)
	if err != nil {
		log.Printf("bad SET payload for %q: %v", t.Name(), err)
		metrics.ErrorCount.WithLabelValues("payload").Inc()
		return
	}
	// The authoring bus ID rides along so local callbacks can filter
	// and publish knows not to echo the change back.
	if err := t.SetAt(v, m.TimeUS, m.BusID); err != nil {
		log.Printf("could not apply SET to %q: %v", t.Name(), err)
		metrics.ErrorCount.WithLabelValues("apply").Inc()
	}
}

func (c *Client) lookupID(id uint16) *tag.Tag {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byID[id]
}

