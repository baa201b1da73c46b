package bus

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mscada/tagbus/metrics"
	"github.com/mscada/tagbus/wire"
)

// testPeer is a raw wire-level bus client for exercising the server
// without the client package.
type testPeer struct {
	nc     net.Conn
	enc    *wire.Encoder
	msgs   chan wire.Message
	connID uint16
	tus    uint32
}

func startServer(t *testing.T) (*Server, context.CancelFunc) {
	t.Helper()
	srv := NewServer("127.0.0.1:0")
	rtx.Must(srv.Listen(), "Could not listen")
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	return srv, cancel
}

func dialPeer(t *testing.T, srv *Server) *testPeer {
	t.Helper()
	nc, err := net.Dial("tcp", srv.Addr().String())
	rtx.Must(err, "Could not dial bus")
	p := &testPeer{nc: nc, enc: wire.NewEncoder(nc), msgs: make(chan wire.Message, 64)}
	go func() {
		dec := wire.NewDecoder(nc)
		for dec.Next() {
			p.msgs <- *dec.Message()
		}
		close(p.msgs)
	}()
	hello := p.next(t)
	if hello.Cmd != wire.CmdID || hello.TagID != 0 || len(hello.Payload) != 4 {
		t.Fatalf("bad hello: %+v", hello)
	}
	p.connID = hello.BusID
	p.tus = binary.BigEndian.Uint32(hello.Payload)
	return p
}

func (p *testPeer) send(t *testing.T, m wire.Message) {
	t.Helper()
	rtx.Must(p.enc.Encode(&m), "Could not send %v", m.Cmd)
}

// next returns the next message of any kind.
func (p *testPeer) next(t *testing.T) wire.Message {
	t.Helper()
	select {
	case m, ok := <-p.msgs:
		if !ok {
			t.Fatal("connection closed while waiting for a message")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	panic("unreachable")
}

// recv returns the next message of the wanted kind, skipping broadcast
// ID replies for other peers' registrations.
func (p *testPeer) recv(t *testing.T, cmd wire.Command) wire.Message {
	t.Helper()
	for {
		m := p.next(t)
		if m.Cmd == cmd {
			return m
		}
		if m.Cmd != wire.CmdID {
			t.Fatalf("got %v while waiting for %v", m.Cmd, cmd)
		}
	}
}

// expectNone asserts no message of the given kind arrives for a while.
func (p *testPeer) expectNone(t *testing.T, cmd wire.Command) {
	t.Helper()
	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case m, ok := <-p.msgs:
			if ok && m.Cmd == cmd {
				t.Fatalf("unexpected %v: %+v", cmd, m)
			}
			if !ok {
				return
			}
		case <-deadline:
			return
		}
	}
}

// register resolves a name and subscribes, returning the tag ID and the
// subscription's immediate current-value replay (a null SET when the
// tag has never been set).
func (p *testPeer) register(t *testing.T, name string) (uint16, wire.Message) {
	t.Helper()
	p.send(t, wire.Message{Cmd: wire.CmdID, Payload: []byte(name)})
	for {
		m := p.recv(t, wire.CmdID)
		if string(m.Payload) == name {
			p.send(t, wire.Message{Cmd: wire.CmdSUB, TagID: m.TagID})
			return m.TagID, p.recv(t, wire.CmdSET)
		}
	}
}

func setPayload(t *testing.T, v wire.Value) []byte {
	t.Helper()
	enc, err := wire.AppendValue(nil, v)
	rtx.Must(err, "Could not encode value")
	return enc
}

func TestHelloAssignsDistinctConnIDs(t *testing.T) {
	srv, cancel := startServer(t)
	defer cancel()
	a := dialPeer(t, srv)
	b := dialPeer(t, srv)
	if a.connID == 0 || b.connID == 0 || a.connID == b.connID {
		t.Errorf("connection IDs %d and %d are not distinct nonzero", a.connID, b.connID)
	}
	if a.tus == 0 {
		t.Error("hello advertised a zero TUS")
	}
}

func TestIDAssignmentAndBroadcast(t *testing.T) {
	srv, cancel := startServer(t)
	defer cancel()
	a := dialPeer(t, srv)
	b := dialPeer(t, srv)

	a.send(t, wire.Message{Cmd: wire.CmdID, Payload: []byte("IntVal")})
	ra := a.recv(t, wire.CmdID)
	if ra.TagID != 1 || string(ra.Payload) != "IntVal" {
		t.Errorf("first tag: id %d name %q, want 1 IntVal", ra.TagID, ra.Payload)
	}
	// The mapping is broadcast, so B learns it without asking.
	rb := b.recv(t, wire.CmdID)
	if rb.TagID != ra.TagID || string(rb.Payload) != "IntVal" {
		t.Errorf("broadcast mismatch: %+v", rb)
	}

	// Same name resolves to the same ID; a new name gets the next one.
	a.send(t, wire.Message{Cmd: wire.CmdID, Payload: []byte("IntVal")})
	if again := a.recv(t, wire.CmdID); again.TagID != ra.TagID {
		t.Errorf("re-registration changed the ID: %d", again.TagID)
	}
	a.send(t, wire.Message{Cmd: wire.CmdID, Payload: []byte("FloatVal")})
	for {
		m := a.recv(t, wire.CmdID)
		if string(m.Payload) == "FloatVal" {
			if m.TagID != 2 {
				t.Errorf("second tag id = %d, want 2", m.TagID)
			}
			break
		}
	}
}

// TestSetFanout: the author's peer sees the update, the
// author does not.
func TestSetFanout(t *testing.T) {
	srv, cancel := startServer(t)
	defer cancel()
	a := dialPeer(t, srv)
	b := dialPeer(t, srv)

	id, _ := a.register(t, "IntVal")
	b.register(t, "IntVal")

	a.send(t, wire.Message{Cmd: wire.CmdSET, TagID: id, TimeUS: 1000000,
		Payload: setPayload(t, wire.Int(7))})

	m := b.recv(t, wire.CmdSET)
	if m.TagID != id || m.TimeUS != 1000000 || m.BusID != a.connID {
		t.Errorf("B got %+v, want tag %d t=1000000 bus %d", m, id, a.connID)
	}
	v, err := wire.ParseValue(m.Payload)
	rtx.Must(err, "Could not parse forwarded value")
	if v.Int != 7 {
		t.Errorf("B got value %d, want 7", v.Int)
	}
	// Loop suppression: the author never sees its own SET.
	a.expectNone(t, wire.CmdSET)
}

// TestStaleDrop: an older timestamp is silently ignored.
func TestStaleDrop(t *testing.T) {
	srv, cancel := startServer(t)
	defer cancel()
	a := dialPeer(t, srv)
	b := dialPeer(t, srv)
	id, _ := a.register(t, "IntVal")
	b.register(t, "IntVal")

	a.send(t, wire.Message{Cmd: wire.CmdSET, TagID: id, TimeUS: 1000000,
		Payload: setPayload(t, wire.Int(7))})
	b.recv(t, wire.CmdSET)

	a.send(t, wire.Message{Cmd: wire.CmdSET, TagID: id, TimeUS: 500000,
		Payload: setPayload(t, wire.Int(9))})
	b.expectNone(t, wire.CmdSET)

	// The server still stores 7.
	a.send(t, wire.Message{Cmd: wire.CmdGET, TagID: id})
	m := a.recv(t, wire.CmdSET)
	v, err := wire.ParseValue(m.Payload)
	rtx.Must(err, "Could not parse GET reply")
	if v.Int != 7 || m.TimeUS != 1000000 {
		t.Errorf("stored value is (%d, %d), want (7, 1000000)", v.Int, m.TimeUS)
	}
}

// TestLateSubscriber: SUB delivers the current value
// unsolicited.
func TestLateSubscriber(t *testing.T) {
	srv, cancel := startServer(t)
	defer cancel()
	a := dialPeer(t, srv)
	id, _ := a.register(t, "IntVal")
	a.send(t, wire.Message{Cmd: wire.CmdSET, TagID: id, TimeUS: 1000000,
		Payload: setPayload(t, wire.Int(7))})

	c := dialPeer(t, srv)
	_, m := c.register(t, "IntVal")
	if m.TimeUS != 1000000 || m.BusID != a.connID {
		t.Errorf("late subscriber got %+v, want t=1000000 bus %d", m, a.connID)
	}
	v, err := wire.ParseValue(m.Payload)
	rtx.Must(err, "Could not parse")
	if v.Int != 7 {
		t.Errorf("late subscriber got %d, want 7", v.Int)
	}
}

// TestReconnect: a reconnected author re-registers under
// a fresh connection ID and its updates still fan out.
func TestReconnect(t *testing.T) {
	srv, cancel := startServer(t)
	defer cancel()
	a := dialPeer(t, srv)
	b := dialPeer(t, srv)
	id, _ := a.register(t, "IntVal")
	b.register(t, "IntVal")
	a.send(t, wire.Message{Cmd: wire.CmdSET, TagID: id, TimeUS: 1000000,
		Payload: setPayload(t, wire.Int(7))})
	b.recv(t, wire.CmdSET)

	a.nc.Close()
	a2 := dialPeer(t, srv)
	if a2.connID == a.connID {
		t.Errorf("connection ID %d was reused immediately", a2.connID)
	}
	id2, replay := a2.register(t, "IntVal")
	if id2 != id {
		t.Errorf("tag ID changed across reconnect: %d != %d", id2, id)
	}
	// SUB replays the retained value to the reconnected client.
	if replay.TimeUS != 1000000 {
		t.Errorf("replay after reconnect: %+v", replay)
	}

	a2.send(t, wire.Message{Cmd: wire.CmdSET, TagID: id2, TimeUS: 2000000,
		Payload: setPayload(t, wire.Int(11))})
	got := b.recv(t, wire.CmdSET)
	if got.BusID != a2.connID || got.TimeUS != 2000000 {
		t.Errorf("B got %+v, want bus %d t=2000000", got, a2.connID)
	}
}

func TestGetNeverSet(t *testing.T) {
	srv, cancel := startServer(t)
	defer cancel()
	a := dialPeer(t, srv)
	a.send(t, wire.Message{Cmd: wire.CmdID, Payload: []byte("Unset")})
	id := a.recv(t, wire.CmdID).TagID
	a.send(t, wire.Message{Cmd: wire.CmdGET, TagID: id})
	m := a.recv(t, wire.CmdSET)
	if len(m.Payload) != 0 {
		t.Errorf("GET of a never-set tag returned payload %x, want none", m.Payload)
	}
	v, err := wire.ParseValue(m.Payload)
	rtx.Must(err, "Could not parse null")
	if !v.IsNull() {
		t.Errorf("value = %+v, want null", v)
	}
}

func TestUnknownTagErrors(t *testing.T) {
	srv, cancel := startServer(t)
	defer cancel()
	a := dialPeer(t, srv)
	for _, m := range []wire.Message{
		{Cmd: wire.CmdSET, TagID: 999, TimeUS: 1, Payload: setPayload(t, wire.Int(1))},
		{Cmd: wire.CmdGET, TagID: 999},
		{Cmd: wire.CmdSUB, TagID: 999},
		{Cmd: wire.CmdRTA, TagID: 999},
	} {
		a.send(t, m)
		e := a.recv(t, wire.CmdERR)
		if e.TagID != 999 || len(e.Payload) == 0 {
			t.Errorf("%v: ERR = %+v", m.Cmd, e)
		}
	}
}

// TestRTARouting: RTA goes to the last author and only the last
// author; with no author it fails.
func TestRTARouting(t *testing.T) {
	srv, cancel := startServer(t)
	defer cancel()
	a := dialPeer(t, srv)
	b := dialPeer(t, srv)
	c := dialPeer(t, srv)

	id, _ := a.register(t, "__history__")
	b.register(t, "__history__")
	c.register(t, "__history__")

	// No author yet.
	b.send(t, wire.Message{Cmd: wire.CmdRTA, TagID: id,
		Payload: setPayload(t, wire.Text("early"))})
	if e := b.recv(t, wire.CmdERR); e.TagID != id {
		t.Errorf("RTA before authorship: %+v", e)
	}

	// A authors the tag.
	a.send(t, wire.Message{Cmd: wire.CmdSET, TagID: id, TimeUS: 1000000,
		Payload: setPayload(t, wire.Bytes([]byte{0}))})
	b.recv(t, wire.CmdSET)
	c.recv(t, wire.CmdSET)

	b.send(t, wire.Message{Cmd: wire.CmdRTA, TagID: id,
		Payload: setPayload(t, wire.Text("req"))})
	m := a.recv(t, wire.CmdRTA)
	if m.BusID != b.connID {
		t.Errorf("RTA carried requester %d, want %d", m.BusID, b.connID)
	}
	v, err := wire.ParseValue(m.Payload)
	rtx.Must(err, "Could not parse RTA request")
	if v.Text != "req" {
		t.Errorf("RTA payload = %+v", v)
	}
	// Only the author hears about it.
	c.expectNone(t, wire.CmdRTA)

	// C takes over authorship; RTA now goes to C.
	c.send(t, wire.Message{Cmd: wire.CmdSET, TagID: id, TimeUS: 2000000,
		Payload: setPayload(t, wire.Bytes([]byte{1}))})
	a.recv(t, wire.CmdSET)
	b.recv(t, wire.CmdSET)
	b.send(t, wire.Message{Cmd: wire.CmdRTA, TagID: id,
		Payload: setPayload(t, wire.Text("again"))})
	if m := c.recv(t, wire.CmdRTA); m.BusID != b.connID {
		t.Errorf("RTA after takeover carried requester %d, want %d", m.BusID, b.connID)
	}
	a.expectNone(t, wire.CmdRTA)

	// The author disconnecting orphans the tag again.
	c.nc.Close()
	b.send(t, wire.Message{Cmd: wire.CmdRTA, TagID: id,
		Payload: setPayload(t, wire.Text("gone"))})
	if e := b.recv(t, wire.CmdERR); e.TagID != id {
		t.Errorf("RTA to a gone author: %+v", e)
	}
}

// TestFragmentedSetThroughServer checks that a payload far larger than
// the TUS crosses the server intact.
func TestFragmentedSetThroughServer(t *testing.T) {
	srv, cancel := startServer(t)
	defer cancel()
	a := dialPeer(t, srv)
	b := dialPeer(t, srv)
	id, _ := a.register(t, "__history__")
	b.register(t, "__history__")

	blob := make([]byte, 2<<20)
	for i := range blob {
		blob[i] = byte(i * 7)
	}
	a.send(t, wire.Message{Cmd: wire.CmdSET, TagID: id, TimeUS: 1000000,
		Payload: setPayload(t, wire.Bytes(blob))})

	m := b.recv(t, wire.CmdSET)
	v, err := wire.ParseValue(m.Payload)
	rtx.Must(err, "Could not parse blob")
	if len(v.Bytes) != len(blob) {
		t.Fatalf("blob arrived with %d bytes, want %d", len(v.Bytes), len(blob))
	}
	for i := range blob {
		if v.Bytes[i] != blob[i] {
			t.Fatalf("blob differs at byte %d", i)
		}
	}
}

func TestProtocolViolationGetsErrAndClose(t *testing.T) {
	srv, cancel := startServer(t)
	defer cancel()
	a := dialPeer(t, srv)
	// A bogus command byte in an otherwise well-formed header.
	raw := make([]byte, wire.HeaderSize)
	raw[0] = 0x7f
	raw[3] = wire.FlagLast
	_, err := a.nc.Write(raw)
	rtx.Must(err, "Could not write garbage")
	for {
		m, ok := <-a.msgs
		if !ok {
			return // closed, as required
		}
		if m.Cmd == wire.CmdERR {
			return
		}
	}
}

// TestSubNeverSetRepliesNull: a SUB on a never-set tag still answers,
// with a null SET, so the subscriber can tell "no value yet" from
// silence.
func TestSubNeverSetRepliesNull(t *testing.T) {
	srv, cancel := startServer(t)
	defer cancel()
	a := dialPeer(t, srv)
	_, replay := a.register(t, "Unset")
	if len(replay.Payload) != 0 {
		t.Errorf("SUB replay carried payload %x, want none", replay.Payload)
	}
	v, err := wire.ParseValue(replay.Payload)
	rtx.Must(err, "Could not parse replay")
	if !v.IsNull() {
		t.Errorf("SUB replay = %+v, want null", v)
	}
}

// TestImmediateDisconnectTearsDown: a peer that vanishes right after
// accept must still be removed from the connection table, however the
// add and close events interleave.
func TestImmediateDisconnectTearsDown(t *testing.T) {
	srv, cancel := startServer(t)
	defer cancel()
	for i := 0; i < 20; i++ {
		nc, err := net.Dial("tcp", srv.Addr().String())
		rtx.Must(err, "Could not dial")
		nc.Close()
	}
	p := dialPeer(t, srv)
	p.register(t, "IntVal")

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(metrics.ConnectionCount) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("connection gauge stuck at %v, want 1",
				testutil.ToFloat64(metrics.ConnectionCount))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
