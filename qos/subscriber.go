package qos

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/01org/dps-for-iot/dps"
	"github.com/01org/dps-for-iot/internal/snset"
)

// DataHandler is called with each reliably delivered payload, in
// sequence order per publisher.
type DataHandler func(pub uuid.UUID, sn uint32, payload []byte)

// LossHandler is called when the publisher gave up on a gap and the
// sequence numbers in [from, to] were lost.
type LossHandler func(pub uuid.UUID, from, to uint32)

// registration states for a subscriber's view of one publisher.
const (
	stateUnregistered = iota
	stateRegistering
	stateRegistered
)

// SubscriberOptions configures a reliable subscriber.
type SubscriberOptions struct {
	// Depth bounds the out-of-order buffer per publisher.
	Depth int
	// OnLoss is called when messages are given up. May be nil.
	OnLoss LossHandler
}

// Subscriber receives reliably: gaps are reported back to the publisher
// through acknowledgements carrying the missing sequence numbers, and
// delivery to the handler is strictly in order.
type Subscriber struct {
	node    *dps.Node
	sub     *dps.Subscription
	id      uuid.UUID
	depth   int
	handler DataHandler
	onLoss  LossHandler

	mu      sync.Mutex
	remotes map[uuid.UUID]*remotePublisher
	closed  bool
}

// remotePublisher tracks one publisher's stream.
type remotePublisher struct {
	state     int
	first     uint32 // last advertised range
	last      uint32
	received  map[uint32]bool
	pending   map[uint32][]byte // buffered out-of-order payloads
	delivered uint32            // all sns <= delivered went to the app
	haveBase  bool
}

// NewSubscriber creates a reliable subscriber on the given topics.
func NewSubscriber(node *dps.Node, topics []string, handler DataHandler, opts SubscriberOptions) (*Subscriber, error) {
	if handler == nil {
		return nil, dps.ErrNull
	}
	depth := opts.Depth
	if depth <= 0 {
		depth = DefaultDepth
	}
	s := &Subscriber{
		node:    node,
		id:      uuid.New(),
		depth:   depth,
		handler: handler,
		onLoss:  opts.OnLoss,
		remotes: make(map[uuid.UUID]*remotePublisher),
	}
	sub, err := node.Subscribe(topics, s.onPublication)
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return s, nil
}

// ID returns the subscriber's identity sent with every acknowledgement.
func (s *Subscriber) ID() uuid.UUID {
	return s.id
}

func (s *Subscriber) remote(pub uuid.UUID) *remotePublisher {
	r, ok := s.remotes[pub]
	if !ok {
		r = &remotePublisher{
			received: make(map[uint32]bool),
			pending:  make(map[uint32][]byte),
		}
		s.remotes[pub] = r
	}
	return r
}

func (s *Subscriber) onPublication(_ *dps.Subscription, pub *dps.Publication, payload []byte) {
	h, err := decodeHeader(payload)
	if err != nil {
		log.Debug().Err(err).Msg("dropping malformed qos publication")
		return
	}
	id := pub.ID()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	r := s.remote(id)
	r.first, r.last = h.First, h.Last

	switch h.Type {
	case typeData:
		if r.state == stateUnregistered {
			r.state = stateRegistering
		}
		s.acceptData(id, r, h)
	case typeHeartbeat:
		if r.state != stateRegistered {
			// The heartbeat doubles as the registration ack.
			r.state = stateRegistered
		}
	default:
		s.mu.Unlock()
		return
	}
	s.giveUpBelow(id, r, h.First)
	missing := s.missing(r)
	s.mu.Unlock()

	ack := &ackBody{Subscriber: s.id, Missing: missing}
	if err := pub.Copy().Ack(encodeAckBody(ack)); err != nil {
		log.Debug().Err(err).Msg("qos ack failed")
	}
}

// acceptData buffers a DATA message if there is room for it and every
// missing message before it. Called with the lock held.
func (s *Subscriber) acceptData(id uuid.UUID, r *remotePublisher, h *header) {
	if !r.haveBase {
		// Recover everything the publisher still caches.
		r.delivered = h.First - 1
		r.haveBase = true
	}
	if h.SN <= r.delivered || r.received[h.SN] {
		return
	}
	// Room must remain for the missing messages before this one, or
	// the publisher retransmit would have nowhere to go.
	need := 1
	for sn := maxU32(h.First, r.delivered+1); sn < h.SN; sn++ {
		if !r.received[sn] {
			need++
		}
	}
	if need > s.depth-len(r.pending) {
		log.Debug().Uint32("sn", h.SN).Msg("no room, dropping so publisher resends")
		return
	}
	r.received[h.SN] = true
	r.pending[h.SN] = h.Payload
	s.deliverContiguous(id, r)
}

// deliverContiguous hands buffered messages to the application while
// the sequence is unbroken. Called with the lock held.
func (s *Subscriber) deliverContiguous(id uuid.UUID, r *remotePublisher) {
	for {
		payload, ok := r.pending[r.delivered+1]
		if !ok {
			return
		}
		sn := r.delivered + 1
		delete(r.pending, sn)
		r.delivered = sn
		handler := s.handler
		// Handlers run without the lock; delivery order is preserved
		// because this loop is the only producer for this publisher.
		s.mu.Unlock()
		handler(id, sn, payload)
		s.mu.Lock()
	}
}

// giveUpBelow advances past messages the publisher no longer caches,
// surfacing the loss. Called with the lock held.
func (s *Subscriber) giveUpBelow(id uuid.UUID, r *remotePublisher, first uint32) {
	if !r.haveBase || first == 0 || r.delivered+1 >= first {
		return
	}
	lostFrom, lostTo := uint32(0), uint32(0)
	for sn := r.delivered + 1; sn < first; sn++ {
		if r.received[sn] {
			continue
		}
		if lostFrom == 0 {
			lostFrom = sn
		}
		lostTo = sn
	}
	// Deliver anything buffered below first, then advance the base.
	for sn := r.delivered + 1; sn < first; sn++ {
		if payload, ok := r.pending[sn]; ok {
			delete(r.pending, sn)
			r.delivered = sn
			handler := s.handler
			s.mu.Unlock()
			handler(id, sn, payload)
			s.mu.Lock()
		} else {
			r.delivered = sn
		}
		delete(r.received, sn)
	}
	if lostFrom != 0 && s.onLoss != nil {
		onLoss := s.onLoss
		s.mu.Unlock()
		onLoss(id, lostFrom, lostTo)
		s.mu.Lock()
	}
	s.deliverContiguous(id, r)
}

// missing computes the complement of received within the advertised
// range, bounded by the buffer space available. Called with the lock
// held.
func (s *Subscriber) missing(r *remotePublisher) *snset.Set {
	set := snset.New(maxU32(r.first, r.delivered+1))
	avail := s.depth - len(r.pending)
	for sn := set.Base(); avail > 0 && sn <= r.last && sn != 0; sn++ {
		if sn <= r.delivered || r.received[sn] {
			continue
		}
		set.Insert(sn)
		avail--
	}
	return set
}

// Close destroys the underlying subscription.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.sub.Destroy()
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
