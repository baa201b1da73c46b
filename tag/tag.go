// Package tag implements the process-local tag abstraction: named,
// typed value holders with change callbacks, authorship tracking and an
// optional request-to-author handler. Tags are created through a
// Registry and are singletons by name within it.
package tag

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mscada/tagbus/wire"
)

// Package error values.
var (
	ErrBadName       = errors.New("tag: name must be non-empty printable ASCII")
	ErrKindMismatch  = errors.New("tag: declared kind differs from existing tag")
	ErrValueMismatch = errors.New("tag: value kind does not match declared kind")
	ErrReentrantSet  = errors.New("tag: set of a tag from inside its own callback")
	ErrRTAHandler    = errors.New("tag: tag already has an RTA handler")
)

// A Callback observes a tag change. Callbacks run synchronously on the
// goroutine that performed the set, before the change leaves the
// process. They must not set the same tag again; setting other tags is
// the normal chaining mechanism.
type Callback func(*Tag)

// An RTAHandler answers request-to-author messages for a tag. requester
// is the bus connection ID of the asking peer; a response is produced
// by setting the tag's value, which travels back as an ordinary SET.
type RTAHandler func(t *Tag, req wire.Value, requester uint16)

type callback struct {
	fn     Callback
	filter uint16
}

// A Tag is a typed value holder. The zero value is not usable; create
// tags with Registry.Tag.
//
// A tag's mutable state is guarded for concurrent reads, but all sets
// are expected to come from a single goroutine per process (the event
// loop model the bus is built around). A set attempted while the tag's
// own callbacks are running fails with ErrReentrantSet.
type Tag struct {
	name string
	kind wire.Kind

	// Metadata from configuration; attached before the tag is used,
	// never on the hot path.
	Desc   string
	Units  string
	Format string
	Min    *float64
	Max    *float64
	DP     int
	Multi  []string

	mu        sync.Mutex
	id        uint16
	value     wire.Value
	timeUS    int64
	busID     uint16
	firing    bool
	callbacks []callback
	rta       RTAHandler
}

// Name returns the tag's immutable name.
func (t *Tag) Name() string { return t.name }

// Kind returns the declared value kind.
func (t *Tag) Kind() wire.Kind { return t.kind }

// ID returns the bus-assigned tag ID, 0 until assigned.
func (t *Tag) ID() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// SetID records the bus-assigned ID. The bus client calls this on an ID
// reply; applications have no reason to.
func (t *Tag) SetID(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.id = id
}

// Value returns the current value, Null before the first set.
func (t *Tag) Value() wire.Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// TimeUS returns the microsecond timestamp of the last accepted set.
func (t *Tag) TimeUS() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeUS
}

// BusID returns the connection ID that authored the current value, 0
// for a value that never crossed the bus.
func (t *Tag) BusID() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busID
}

// AddCallback registers fn to run on every change whose authoring bus
// ID is filterBusID, or on every change when filterBusID is 0.
// Callbacks run in registration order.
func (t *Tag) AddCallback(fn Callback, filterBusID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, callback{fn, filterBusID})
}

// SetRTAHandler marks this process as the author of the tag for RTA
// routing. At most one handler per tag; a nil handler clears it.
func (t *Tag) SetRTAHandler(h RTAHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h != nil && t.rta != nil {
		return ErrRTAHandler
	}
	t.rta = h
	return nil
}

// HandleRTA delivers a request-to-author to the tag's handler, if any.
// The bus client calls this for inbound RTA messages.
func (t *Tag) HandleRTA(req wire.Value, requester uint16) {
	t.mu.Lock()
	h := t.rta
	t.mu.Unlock()
	if h == nil {
		log.Printf("RTA for %q dropped: no handler", t.name)
		return
	}
	h(t, req, requester)
}

// Set stores v stamped with the current time, authored locally.
func (t *Tag) Set(v wire.Value) error {
	return t.SetAt(v, time.Now().UnixMicro(), 0)
}

// SetAt stores v with an explicit timestamp and authoring bus ID. A
// timestamp older than the stored one is dropped silently. A null v is
// ignored. The change is delivered to matching callbacks before SetAt
// returns.
func (t *Tag) SetAt(v wire.Value, timeUS int64, busID uint16) error {
	if v.IsNull() {
		return nil
	}
	t.mu.Lock()
	if t.firing {
		t.mu.Unlock()
		return ErrReentrantSet
	}
	v, err := t.conform(v)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if timeUS < t.timeUS {
		// Stale write.
		t.mu.Unlock()
		return nil
	}
	t.value = v
	t.timeUS = timeUS
	t.busID = busID
	cbs := make([]callback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.firing = true
	t.mu.Unlock()

	for _, cb := range cbs {
		if cb.filter == 0 || cb.filter == busID {
			t.fire(cb.fn)
		}
	}

	t.mu.Lock()
	t.firing = false
	t.mu.Unlock()
	return nil
}

// fire runs one callback, isolating a panic so the rest of the batch
// and the outbound publish still happen.
func (t *Tag) fire(fn Callback) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("callback for %q panicked: %v", t.name, r)
		}
	}()
	fn(t)
}

// conform validates v against the declared kind, widening int to float
// where the declaration asks for float, and clamps numeric values to
// the configured min/max.
func (t *Tag) conform(v wire.Value) (wire.Value, error) {
	if v.Kind == wire.KindInt64 && t.kind == wire.KindFloat64 {
		v = wire.Float(float64(v.Int))
	}
	if v.Kind != t.kind {
		return v, ErrValueMismatch
	}
	switch v.Kind {
	case wire.KindInt64:
		if t.Min != nil && float64(v.Int) < *t.Min {
			v.Int = int64(*t.Min)
		}
		if t.Max != nil && float64(v.Int) > *t.Max {
			v.Int = int64(*t.Max)
		}
	case wire.KindFloat64:
		if t.Min != nil && v.Float < *t.Min {
			v.Float = *t.Min
		}
		if t.Max != nil && v.Float > *t.Max {
			v.Float = *t.Max
		}
	}
	return v, nil
}

// SetMulti declares the ordered state labels of an int tag and bounds
// its value to the label range.
func (t *Tag) SetMulti(labels []string) error {
	if t.kind != wire.KindInt64 {
		return ErrValueMismatch
	}
	lo, hi := 0.0, float64(len(labels)-1)
	t.Multi = labels
	t.Min = &lo
	t.Max = &hi
	return nil
}
