package qos

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/rs/zerolog/log"

	"github.com/01org/dps-for-iot/dps"
	"github.com/01org/dps-for-iot/keystore"
)

// HeartbeatPolicy controls when a publisher heartbeats.
type HeartbeatPolicy int

const (
	// HeartbeatAlways sends a heartbeat every interval.
	HeartbeatAlways HeartbeatPolicy = iota
	// HeartbeatUnacknowledged sends heartbeats only while no subscriber
	// is registered or some registered subscriber has not acknowledged
	// the full cache.
	HeartbeatUnacknowledged
)

// DefaultHeartbeat is the default heartbeat interval.
const DefaultHeartbeat = time.Second

// PublisherOptions configures a reliable publisher.
type PublisherOptions struct {
	// Depth is the send cache depth.
	Depth int
	// Policy selects the heartbeat behavior.
	Policy HeartbeatPolicy
	// Heartbeat is the interval between heartbeats.
	Heartbeat time.Duration
	// KeyID encrypts the underlying publications when set.
	KeyID keystore.KeyID
}

// Publisher publishes reliably: every message is cached and any
// subscriber reporting a gap gets the missing messages again, as long
// as they are still cached.
type Publisher struct {
	node *dps.Node
	pub  *dps.Publication

	mu         sync.Mutex
	cache      *Cache
	sn         uint32
	policy     HeartbeatPolicy
	registered mapset.Set // subscriber uuids (as strings)
	acked      map[string]uint32
	closed     bool

	hbStop chan struct{}
}

// NewPublisher creates a reliable publisher on the given topics.
func NewPublisher(node *dps.Node, topics []string, opts PublisherOptions) (*Publisher, error) {
	hb := opts.Heartbeat
	if hb <= 0 {
		hb = DefaultHeartbeat
	}
	p := &Publisher{
		node:       node,
		cache:      NewCache(opts.Depth),
		policy:     opts.Policy,
		registered: mapset.NewSet(),
		acked:      make(map[string]uint32),
		hbStop:     make(chan struct{}),
	}
	pub := node.NewPublication()
	if err := pub.Init(topics, false, opts.KeyID, p.onAck); err != nil {
		return nil, err
	}
	p.pub = pub
	go p.heartbeatLoop(hb)
	return p, nil
}

// SN returns the sequence number of the last published message.
func (p *Publisher) SN() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sn
}

// Subscribers returns the number of registered subscribers.
func (p *Publisher) Subscribers() int {
	return p.registered.Cardinality()
}

// Publish sends a payload reliably. The message enters the send cache;
// once it falls out, gaps covering it are given up.
func (p *Publisher) Publish(payload []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return dps.ErrInvalid
	}
	p.sn++
	cp := append([]byte(nil), payload...)
	p.cache.Add(p.sn, cp)
	h := &header{
		Type:    typeData,
		First:   p.cache.MinSN(),
		Last:    p.cache.MaxSN(),
		SN:      p.sn,
		Payload: cp,
	}
	p.mu.Unlock()
	return p.pub.Publish(encodeHeader(h), 0)
}

func (p *Publisher) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Heartbeat()
		case <-p.hbStop:
			return
		}
	}
}

// Heartbeat advertises the current cache range so subscribers can
// detect and report gaps.
func (p *Publisher) Heartbeat() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.policy == HeartbeatUnacknowledged && p.allAcked() {
		p.mu.Unlock()
		return
	}
	h := &header{Type: typeHeartbeat}
	if p.cache.Empty() {
		h.First, h.Last = p.sn, p.sn
	} else {
		h.First, h.Last = p.cache.MinSN(), p.cache.MaxSN()
	}
	p.mu.Unlock()
	if err := p.pub.Publish(encodeHeader(h), 0); err != nil {
		log.Debug().Err(err).Msg("heartbeat publish failed")
	}
}

// allAcked reports whether every registered subscriber has acknowledged
// the whole cache. It is false while no subscriber is registered.
// Called with the lock held.
func (p *Publisher) allAcked() bool {
	if p.registered.Cardinality() == 0 || p.cache.Empty() {
		return p.registered.Cardinality() > 0
	}
	max := p.cache.MaxSN()
	for _, v := range p.registered.ToSlice() {
		if p.acked[v.(string)] < max {
			return false
		}
	}
	return true
}

// onAck handles a subscriber acknowledgement: registration, gap
// retransmission and acked high-water tracking.
func (p *Publisher) onAck(_ *dps.Publication, payload []byte) {
	ack, err := decodeAckBody(payload)
	if err != nil {
		log.Debug().Err(err).Msg("dropping malformed qos ack")
		return
	}
	key := ack.Subscriber.String()
	var resend []*header
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	first := !p.registered.Contains(key)
	p.registered.Add(key)
	if ack.Missing.Empty() {
		if !p.cache.Empty() {
			p.acked[key] = p.cache.MaxSN()
		} else {
			p.acked[key] = p.sn
		}
	} else {
		gaveUp := false
		ack.Missing.Each(func(sn uint32) {
			payload, ok := p.cache.Get(sn)
			if !ok {
				// Fallen out of the cache; the next heartbeat range
				// tells the subscriber to give the message up.
				gaveUp = true
				return
			}
			resend = append(resend, &header{
				Type:    typeData,
				First:   p.cache.MinSN(),
				Last:    p.cache.MaxSN(),
				SN:      sn,
				Payload: payload,
			})
		})
		if gaveUp {
			log.Warn().Str("subscriber", key).Msg("gap below cache, subscriber will give up")
		}
	}
	p.mu.Unlock()

	for _, h := range resend {
		log.Debug().Uint32("sn", h.SN).Str("subscriber", key).Msg("retransmitting")
		if err := p.pub.Publish(encodeHeader(h), 0); err != nil {
			log.Debug().Err(err).Uint32("sn", h.SN).Msg("retransmit failed")
		}
	}
	if first {
		// A fresh subscriber learns the current range right away.
		p.Heartbeat()
	}
}

// Close stops heartbeats and destroys the underlying publication.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.hbStop)
	return p.pub.Destroy()
}
