package dps

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/01org/dps-for-iot/internal/bitvec"
	"github.com/01org/dps-for-iot/internal/cbor"
	"github.com/01org/dps-for-iot/keystore"
	"github.com/01org/dps-for-iot/transport"
)

// AckHandler is called for each acknowledgement received for a
// publication. It runs on the node's callback dispatcher.
type AckHandler func(pub *Publication, payload []byte)

// Publication is a stream of messages under a stable id. Local
// publications are created with NewPublication and published
// repeatedly; inbound publications are read-only views handed to
// subscription handlers.
type Publication struct {
	node         *Node
	id           uuid.UUID
	seqNum       uint32
	topics       []string
	noWildCard   bool
	keyID        keystore.KeyID
	ackHandler   AckHandler
	ackRequested bool
	bf           *bitvec.BitVector
	needs        *bitvec.BitVector
	local        bool
	initialized  bool
	destroyed    bool

	// Retained state.
	retained bool
	expires  time.Time
	ttl      int16
	lastBody []byte // encoded body of the last send, for replay

	// Ingress of an inbound publication, for ack routing.
	senderAddr string
}

// NewPublication allocates an idle publication owned by this node.
func (n *Node) NewPublication() *Publication {
	return &Publication{node: n, local: true}
}

// ID returns the publication's UUID.
func (p *Publication) ID() uuid.UUID {
	return p.id
}

// SeqNum returns the sequence number of the last send, or of the
// received message for inbound views.
func (p *Publication) SeqNum() uint32 {
	return p.seqNum
}

// Topics returns the publication's topic strings.
func (p *Publication) Topics() []string {
	return append([]string(nil), p.topics...)
}

// AckRequested reports whether the publisher asked for acknowledgements.
func (p *Publication) AckRequested() bool {
	return p.ackRequested
}

// Node returns the local node this publication is attached to.
func (p *Publication) Node() *Node {
	return p.node
}

// Init assigns topics and a fresh id to an idle publication. Wildcards
// are subscription-side syntax and are rejected here. An ack handler
// marks the publication as requesting acknowledgements.
func (p *Publication) Init(topics []string, noWildCard bool, keyID keystore.KeyID, handler AckHandler) error {
	return p.node.do(func() error {
		if p.destroyed || !p.local {
			return ErrInvalid
		}
		if p.initialized {
			return ErrExists
		}
		if err := validateTopics(topics, p.node.separators, false); err != nil {
			return err
		}
		p.id = p.node.uuids.New()
		p.seqNum = 0
		p.topics = append([]string(nil), topics...)
		p.noWildCard = noWildCard
		p.keyID = append(keystore.KeyID(nil), keyID...)
		if len(keyID) == 0 {
			p.keyID = nil
		}
		p.ackHandler = handler
		p.ackRequested = handler != nil
		p.bf = pubBitVector(p.topics, p.node.separators, p.node.interestBits)
		p.needs = pubNeedsVector(p.topics, p.node.separators)
		p.initialized = true
		p.node.pubs[p.id] = p
		return nil
	})
}

// Publish sends the payload to all matching local subscriptions and
// remote candidates. Each call increments the sequence number. A
// positive ttl retains the publication for late subscribers; a zero
// ttl expires any retained state.
func (p *Publication) Publish(payload []byte, ttl int16) error {
	return p.node.do(func() error {
		n := p.node
		if p.destroyed {
			return ErrInvalid
		}
		if !p.initialized {
			return ErrNotInitialized
		}
		if ttl < 0 {
			return ErrArgs
		}
		if n.perms != nil && !n.perms.Allow(nil, p.keyID, PermPub, p.topics) {
			return ErrMissing
		}
		p.seqNum++
		p.ttl = ttl
		if ttl > 0 {
			p.retained = true
			p.expires = time.Now().Add(time.Duration(ttl) * time.Second)
			n.afterFunc(time.Duration(ttl)*time.Second, func() { n.expireRetained(p.id) })
		} else {
			p.retained = false
		}
		n.hist.Add(p.id, p.seqNum, "")

		msg := &pubMsg{
			TTL:        ttl,
			PubID:      p.id,
			SeqNum:     p.seqNum,
			AckReq:     p.ackRequested,
			NoWildCard: p.noWildCard,
			Interests:  p.bf.Serialize(),
			Needs:      p.needs.Serialize(),
			Topics:     p.topics,
			Payload:    payload,
		}
		body, err := n.encodePubBody(msg, p.keyID)
		if err != nil {
			return err
		}
		p.lastBody = body

		// Local subscriptions always see their own node's publications,
		// through a snapshot so a later send cannot change what a queued
		// handler sees.
		view := p.Copy()
		view.local = true
		n.deliverToSubs(view, payload)
		n.forwardPub(msg, body, p.keyID, "", PermPub)
		return nil
	})
}

// Destroy releases the publication. Retained state is removed; expiring
// a live retained publication instead is done by publishing with a zero
// ttl.
func (p *Publication) Destroy() error {
	return p.node.do(func() error {
		if p.destroyed {
			return nil
		}
		p.destroyed = true
		if p.initialized && p.local {
			delete(p.node.pubs, p.id)
		}
		return nil
	})
}

// Copy returns a read-only snapshot of an inbound publication that can
// be used to acknowledge it after the handler returns.
func (p *Publication) Copy() *Publication {
	return &Publication{
		node:         p.node,
		id:           p.id,
		seqNum:       p.seqNum,
		topics:       append([]string(nil), p.topics...),
		noWildCard:   p.noWildCard,
		keyID:        append(keystore.KeyID(nil), p.keyID...),
		ackRequested: p.ackRequested,
		senderAddr:   p.senderAddr,
		initialized:  true,
	}
}

// Ack sends an acknowledgement for an inbound publication back along
// the path it arrived on.
func (p *Publication) Ack(payload []byte) error {
	return p.node.do(func() error {
		n := p.node
		if p.local {
			return ErrInvalid
		}
		if !p.ackRequested {
			return ErrInvalid
		}
		if n.perms != nil && !n.perms.Allow(nil, p.keyID, PermAck, p.topics) {
			return ErrMissing
		}
		ackPayload := payload
		if len(p.keyID) > 0 {
			if n.cose == nil {
				return ErrMissing
			}
			sealed, err := n.cose.Seal(p.keyID, makeNonce(p.id, p.seqNum, MsgAck), nil, payload)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMissing, err)
			}
			ackPayload = sealed
		}
		body := encodeAckMsg(&ackMsg{PubID: p.id, SeqNum: p.seqNum, Payload: ackPayload})
		return n.routeAck(p.id, p.seqNum, encodeEnvelope(MsgAck, body), "")
	})
}

// routeAck sends an encoded ACK one hop toward the publisher, following
// the ingress recorded in history.
func (n *Node) routeAck(id uuid.UUID, sn uint32, wire []byte, exclude string) error {
	ingress, ok := n.hist.Ingress(id, sn)
	if !ok || ingress == exclude {
		log.Warn().Str("pub", id.String()).Uint32("sn", sn).Msg("no route for ack")
		return ErrNoRoute
	}
	ep := n.endpointFor(ingress)
	if ep == nil {
		return ErrNoRoute
	}
	n.sendTo(ep, wire)
	return nil
}

func (n *Node) endpointFor(addr string) *transport.Endpoint {
	if r := n.remotes.get(addr); r != nil {
		return r.ep
	}
	return transport.NewEndpoint(addr, nil)
}

// encodePubBody serializes a publication body, sealing it when a key id
// is attached.
func (n *Node) encodePubBody(msg *pubMsg, keyID keystore.KeyID) ([]byte, error) {
	inner := encodePubMsg(msg)
	if len(keyID) == 0 {
		return inner, nil
	}
	if n.cose == nil {
		return nil, ErrMissing
	}
	sealed, err := n.cose.Seal(keyID, makeNonce(msg.PubID, msg.SeqNum, MsgPub), nil, inner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissing, err)
	}
	return sealed, nil
}

// openPubBody reverses encodePubBody. A 3-element array is a COSE
// envelope, a 9-element array the plaintext body.
func (n *Node) openPubBody(body []byte) (*pubMsg, keystore.KeyID, error) {
	d := cbor.NewDecoder(body)
	count, err := d.DecodeArray()
	if err != nil {
		return nil, nil, err
	}
	if count == pubMsgLen {
		msg, err := decodePubMsg(body)
		return msg, nil, err
	}
	if n.cose == nil {
		return nil, nil, ErrMissing
	}
	inner, keyID, nonce, err := n.cose.Open(body, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMissing, err)
	}
	msg, err := decodePubMsg(inner)
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(nonce, makeNonce(msg.PubID, msg.SeqNum, MsgPub)) {
		return nil, nil, fmt.Errorf("nonce mismatch: %w", ErrInvalid)
	}
	return msg, keyID, nil
}

// forwardPub fans an encoded publication out to every candidate remote.
// Per-destination failures are logged without aborting the fanout.
func (n *Node) forwardPub(msg *pubMsg, body []byte, keyID keystore.KeyID, ingress string, perm Permission) {
	bf, _ := bitvec.NewSize(n.interestBits, bitvec.DefaultHashes)
	if err := bf.Deserialize(msg.Interests); err != nil {
		return
	}
	needs := bitvec.NewNeeds()
	if err := needs.Deserialize(msg.Needs); err != nil {
		return
	}
	wire := encodeEnvelope(MsgPub, body)
	n.remotes.each(func(r *RemoteNode) {
		if !n.pubCandidate(r, bf, needs, msg.Topics, keyID, ingress, perm) {
			return
		}
		log.Debug().Str("pub", msg.PubID.String()).Uint32("sn", msg.SeqNum).
			Str("to", r.addr).Msg("forwarding publication")
		n.sendTo(r.ep, wire)
	})
}

// pubCandidate applies the routing decision for one remote: interest
// intersection, needs coverage, loop suppression and permissions.
func (n *Node) pubCandidate(r *RemoteNode, bf, needs *bitvec.BitVector, topics []string,
	keyID keystore.KeyID, ingress string, perm Permission) bool {
	if r.muted || r.addr == ingress {
		return false
	}
	if r.inbound.interests == nil || !r.inbound.interests.Intersects(bf) {
		return false
	}
	if !needs.Includes(r.inbound.needs) {
		return false
	}
	if n.perms != nil && !n.perms.Allow(nil, keyID, perm, topics) {
		return false
	}
	return true
}

// handlePub processes an inbound publication: dedup, local delivery,
// retention and forwarding.
func (n *Node) handlePub(from *transport.Endpoint, body []byte) error {
	msg, keyID, err := n.openPubBody(body)
	if err != nil {
		return err
	}
	if n.hist.Stale(msg.PubID, msg.SeqNum) {
		return ErrStale
	}
	n.hist.Add(msg.PubID, msg.SeqNum, from.Path)
	if r := n.remotes.get(from.Path); r != nil {
		r.expires = time.Now().Add(remoteExpiry)
	}

	view := &Publication{
		node:         n,
		id:           msg.PubID,
		seqNum:       msg.SeqNum,
		topics:       msg.Topics,
		noWildCard:   msg.NoWildCard,
		keyID:        keyID,
		ackRequested: msg.AckReq,
		senderAddr:   from.Path,
		initialized:  true,
	}
	n.deliverToSubs(view, msg.Payload)

	if msg.TTL == 0 {
		// A zero ttl expires any retained copy held for this id.
		if rp, ok := n.pubs[msg.PubID]; ok && !rp.local {
			delete(n.pubs, msg.PubID)
		}
	}
	if msg.TTL > 0 {
		// Retain a copy so late subscribers reachable through this node
		// can be replayed the original body.
		rp := view.Copy()
		rp.node = n
		rp.retained = true
		rp.ttl = msg.TTL
		rp.expires = time.Now().Add(time.Duration(msg.TTL) * time.Second)
		rp.lastBody = body
		rp.bf = pubBitVector(msg.Topics, n.separators, n.interestBits)
		rp.needs = pubNeedsVector(msg.Topics, n.separators)
		n.pubs[msg.PubID] = rp
		n.afterFunc(time.Duration(msg.TTL)*time.Second, func() { n.expireRetained(msg.PubID) })
	}

	n.forwardPub(msg, body, keyID, from.Path, PermForward)
	return nil
}

// deliverToSubs matches a publication against local subscriptions by
// full topic comparison and dispatches handlers.
func (n *Node) deliverToSubs(pub *Publication, payload []byte) {
	for sub := range n.subs {
		if !matchAll(sub.topics, pub.topics, n.separators, pub.noWildCard) {
			continue
		}
		if n.perms != nil && !n.perms.Allow(sub.keyID, pub.keyID, PermSub, pub.topics) {
			log.Debug().Strs("topics", pub.topics).Msg("subscription delivery denied")
			continue
		}
		s, v, data := sub, pub, payload
		n.deliver(func() { s.handler(s, v, data) })
	}
}

// replayRetained re-sends retained publications whose topics intersect
// a remote's freshly arrived interests, with their original id and
// sequence number.
func (n *Node) replayRetained(r *RemoteNode) {
	now := time.Now()
	for _, p := range n.pubs {
		if !p.retained || now.After(p.expires) || p.lastBody == nil {
			continue
		}
		if !n.pubCandidate(r, p.bf, p.needs, p.topics, p.keyID, p.senderAddr, PermForward) {
			continue
		}
		log.Debug().Str("pub", p.id.String()).Uint32("sn", p.seqNum).
			Str("to", r.addr).Msg("replaying retained publication")
		n.sendTo(r.ep, encodeEnvelope(MsgPub, p.lastBody))
	}
}

// expireRetained garbage-collects a retained publication whose ttl has
// elapsed.
func (n *Node) expireRetained(id uuid.UUID) {
	p, ok := n.pubs[id]
	if !ok || !p.retained || time.Now().Before(p.expires) {
		return
	}
	p.retained = false
	p.lastBody = nil
	if !p.local {
		delete(n.pubs, id)
	}
}

// handleAck delivers an acknowledgement to the owning publication or
// routes it one hop onward.
func (n *Node) handleAck(from *transport.Endpoint, body []byte) error {
	msg, err := decodeAckMsg(body)
	if err != nil {
		return err
	}
	p, ok := n.pubs[msg.PubID]
	if ok && p.local {
		if p.ackHandler == nil || msg.SeqNum > p.seqNum {
			return ErrInvalid
		}
		payload := msg.Payload
		if len(p.keyID) > 0 {
			if n.cose == nil {
				return ErrMissing
			}
			pt, _, nonce, err := n.cose.Open(msg.Payload, nil)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMissing, err)
			}
			if !bytes.Equal(nonce, makeNonce(msg.PubID, msg.SeqNum, MsgAck)) {
				return fmt.Errorf("ack nonce mismatch: %w", ErrInvalid)
			}
			payload = pt
		}
		handler := p.ackHandler
		view := &Publication{
			node:         n,
			id:           p.id,
			seqNum:       msg.SeqNum,
			topics:       p.Topics(),
			keyID:        p.keyID,
			ackRequested: true,
			initialized:  true,
		}
		n.deliver(func() { handler(view, payload) })
		return nil
	}
	// Not ours: continue along the recorded path.
	return n.routeAck(msg.PubID, msg.SeqNum, encodeEnvelope(MsgAck, body), from.Path)
}
