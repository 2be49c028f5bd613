// Package history keeps a short memory of recently seen publications so
// loops can be suppressed and acknowledgements routed back along the
// path a publication arrived on.
package history

import (
	"container/list"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity bounds the number of remembered publications.
const DefaultCapacity = 1024

type entry struct {
	id      uuid.UUID
	sn      uint32
	ingress string
	expires time.Time
}

// History is a capacity-bounded LRU of (publication id, sequence number)
// pairs. Not safe for concurrent use; callers serialize on the node loop.
type History struct {
	capacity int
	ttl      time.Duration
	order    *list.List
	byID     map[uuid.UUID]*list.Element
}

// New returns an empty history. A zero capacity selects the default; a
// zero ttl keeps entries until they are evicted by capacity.
func New(capacity int, ttl time.Duration) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		byID:     make(map[uuid.UUID]*list.Element),
	}
}

// Len returns the number of remembered publications.
func (h *History) Len() int {
	return h.order.Len()
}

// Add records that sn for the given publication was seen, arriving from
// ingress (empty for locally published). A later sequence number
// replaces an earlier one.
func (h *History) Add(id uuid.UUID, sn uint32, ingress string) {
	if el, ok := h.byID[id]; ok {
		e := el.Value.(*entry)
		if sn >= e.sn {
			e.sn = sn
			e.ingress = ingress
			e.expires = h.deadline()
		}
		h.order.MoveToFront(el)
		return
	}
	for h.order.Len() >= h.capacity {
		h.evict(h.order.Back())
	}
	h.byID[id] = h.order.PushFront(&entry{id: id, sn: sn, ingress: ingress, expires: h.deadline()})
}

func (h *History) deadline() time.Time {
	if h.ttl == 0 {
		return time.Time{}
	}
	return time.Now().Add(h.ttl)
}

func (h *History) evict(el *list.Element) {
	if el == nil {
		return
	}
	h.order.Remove(el)
	delete(h.byID, el.Value.(*entry).id)
}

func (h *History) lookup(id uuid.UUID) *entry {
	el, ok := h.byID[id]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		h.evict(el)
		return nil
	}
	return e
}

// Stale reports whether sn is at or behind the remembered sequence
// number for the publication.
func (h *History) Stale(id uuid.UUID, sn uint32) bool {
	e := h.lookup(id)
	return e != nil && sn <= e.sn
}

// SeqNum returns the last remembered sequence number for a publication.
func (h *History) SeqNum(id uuid.UUID) (uint32, bool) {
	e := h.lookup(id)
	if e == nil {
		return 0, false
	}
	return e.sn, true
}

// Ingress returns the address the publication arrived from, if it is
// still remembered and sn is not ahead of what was seen. Used to route
// an acknowledgement one hop back; the path is per publication, so a
// newer sequence number having arrived does not invalidate it.
func (h *History) Ingress(id uuid.UUID, sn uint32) (string, bool) {
	e := h.lookup(id)
	if e == nil || sn > e.sn || e.ingress == "" {
		return "", false
	}
	return e.ingress, true
}

// Expire drops entries past their deadline.
func (h *History) Expire() {
	var next *list.Element
	for el := h.order.Front(); el != nil; el = next {
		next = el.Next()
		e := el.Value.(*entry)
		if !e.expires.IsZero() && time.Now().After(e.expires) {
			h.evict(el)
		}
	}
}
