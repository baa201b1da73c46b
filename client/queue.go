package client

import (
	"sync"

	"github.com/mscada/tagbus/metrics"
	"github.com/mscada/tagbus/wire"
)

// queue is the client's bounded outbound queue. It survives
// reconnects. A SET for a tag already queued replaces the queued one,
// so the newest value is never lost; under overflow the oldest queued
// SET is evicted. Registration traffic (ID, SUB, GET, RTA) is never
// dropped.
type queue struct {
	mu     sync.Mutex
	items  []*wire.Message
	setIdx map[uint16]int // tag ID -> index of its queued SET
	notify chan struct{}
	limit  int
}

func newQueue(limit int) *queue {
	return &queue{
		setIdx: make(map[uint16]int),
		notify: make(chan struct{}, 1),
		limit:  limit,
	}
}

func (q *queue) push(m *wire.Message) {
	q.mu.Lock()
	if m.Cmd == wire.CmdSET {
		if i, ok := q.setIdx[m.TagID]; ok {
			q.items[i] = m
			q.mu.Unlock()
			metrics.CoalescedSets.Inc()
			q.kick()
			return
		}
	}
	q.items = append(q.items, m)
	if m.Cmd == wire.CmdSET {
		q.setIdx[m.TagID] = len(q.items) - 1
	}
	if len(q.items) > q.limit {
		q.evictOldestSet()
	}
	q.mu.Unlock()
	q.kick()
}

// evictOldestSet removes the SET nearest the head. Called with the lock
// held. If the overflow is all registration traffic there is nothing
// safe to drop and the queue simply grows; that traffic is bounded by
// the tag count.
func (q *queue) evictOldestSet() {
	for i, m := range q.items {
		if m.Cmd == wire.CmdSET {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.reindex()
			metrics.CoalescedSets.Inc()
			return
		}
	}
}

// reindex rebuilds setIdx after a removal. Called with the lock held.
func (q *queue) reindex() {
	for k := range q.setIdx {
		delete(q.setIdx, k)
	}
	for i, m := range q.items {
		if m.Cmd == wire.CmdSET {
			q.setIdx[m.TagID] = i
		}
	}
}

func (q *queue) kick() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks for the next message, returning nil when stop closes.
func (q *queue) pop(stop <-chan struct{}) *wire.Message {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items = q.items[1:]
			q.reindex()
			q.mu.Unlock()
			return m
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
		case <-stop:
			return nil
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
