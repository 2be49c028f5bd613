package dps

import (
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"github.com/01org/dps-for-iot/internal/bitvec"
	"github.com/01org/dps-for-iot/transport"
)

// remoteSide is one direction of the subscription state shared with a
// remote node.
type remoteSide struct {
	syncReq         bool // full vector required on the next exchange
	checkForUpdates bool // outbound only: summaries may have changed
	interests       *bitvec.BitVector
	needs           *bitvec.BitVector
	seq             uint32
}

// RemoteNode is a peer known to this node.
type RemoteNode struct {
	addr         string
	ep           *transport.Endpoint
	linked       bool // we explicitly linked to it
	muted        bool // mesh loop detected
	contributing bool // inbound vectors are counted in the aggregates
	expires      time.Time
	inbound      remoteSide
	outbound     remoteSide
	onLinked     func(addr string, err error)
	relink       *backoff.Backoff
	slot         int
}

// Addr returns the remote's canonical address.
func (r *RemoteNode) Addr() string {
	return r.addr
}

// Linked reports whether this node explicitly linked to the remote.
func (r *RemoteNode) Linked() bool {
	return r.linked
}

// remoteTable is the remote-nodes ring: an arena of slots doubly linked
// by index, so remotes reference neighbors without owning them.
type remoteTable struct {
	slots  []remoteSlot
	free   []int
	head   int
	byAddr map[string]int
}

type remoteSlot struct {
	used       bool
	prev, next int
	r          *RemoteNode
}

func newRemoteTable() *remoteTable {
	return &remoteTable{head: -1, byAddr: make(map[string]int)}
}

func (t *remoteTable) len() int {
	return len(t.byAddr)
}

func (t *remoteTable) get(addr string) *RemoteNode {
	if i, ok := t.byAddr[addr]; ok {
		return t.slots[i].r
	}
	return nil
}

func (t *remoteTable) insert(r *RemoteNode) {
	var i int
	if len(t.free) > 0 {
		i = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
	} else {
		i = len(t.slots)
		t.slots = append(t.slots, remoteSlot{})
	}
	t.slots[i] = remoteSlot{used: true, r: r}
	r.slot = i
	if t.head < 0 {
		t.slots[i].prev, t.slots[i].next = i, i
		t.head = i
	} else {
		tail := t.slots[t.head].prev
		t.slots[tail].next = i
		t.slots[i].prev = tail
		t.slots[i].next = t.head
		t.slots[t.head].prev = i
	}
	t.byAddr[r.addr] = i
}

func (t *remoteTable) remove(r *RemoteNode) {
	i, ok := t.byAddr[r.addr]
	if !ok || t.slots[i].r != r {
		return
	}
	delete(t.byAddr, r.addr)
	prev, next := t.slots[i].prev, t.slots[i].next
	if next == i {
		t.head = -1
	} else {
		t.slots[prev].next = next
		t.slots[next].prev = prev
		if t.head == i {
			t.head = next
		}
	}
	t.slots[i] = remoteSlot{}
	t.free = append(t.free, i)
}

// each walks the ring once in link order.
func (t *remoteTable) each(fn func(r *RemoteNode)) {
	if t.head < 0 {
		return
	}
	// Collect first so fn may remove remotes while iterating.
	remotes := make([]*RemoteNode, 0, len(t.byAddr))
	for i := t.head; ; {
		remotes = append(remotes, t.slots[i].r)
		i = t.slots[i].next
		if i == t.head {
			break
		}
	}
	for _, r := range remotes {
		fn(r)
	}
}

// Link connects this node to a remote. onComplete is invoked when the
// remote acknowledges our first subscription exchange, or with an error
// if the link cannot be established.
func (n *Node) Link(addr string, onComplete func(addr string, err error)) error {
	if err := n.ensureStarted(); err != nil {
		return err
	}
	n.resolveAddr(addr, func(resolved string, rerr error) {
		n.exec(func() {
			if rerr != nil {
				log.Error().Err(rerr).Str("addr", addr).Msg("link resolve failed")
				if onComplete != nil {
					n.deliver(func() { onComplete(addr, ErrUnresolved) })
				}
				return
			}
			n.linkResolved(resolved, onComplete)
		})
	})
	return nil
}

func (n *Node) linkResolved(addr string, onComplete func(addr string, err error)) {
	if n.stopping() {
		if onComplete != nil {
			n.deliver(func() { onComplete(addr, ErrNodeDestroyed) })
		}
		return
	}
	if addr == n.addr {
		if onComplete != nil {
			n.deliver(func() { onComplete(addr, ErrInvalid) })
		}
		return
	}
	r := n.remotes.get(addr)
	if r != nil && r.linked {
		if onComplete != nil {
			n.deliver(func() { onComplete(addr, ErrExists) })
		}
		return
	}
	if r == nil {
		r = &RemoteNode{addr: addr, ep: transport.NewEndpoint(addr, nil)}
		n.remotes.insert(r)
	}
	r.linked = true
	r.onLinked = onComplete
	r.inbound.syncReq = true
	r.outbound.syncReq = true
	r.outbound.checkForUpdates = true
	// The first exchange goes out immediately; later ones are rate
	// limited.
	n.sendSubTo(r)
}

// Unlink disconnects from a remote. A terminal subscription with an
// empty interest vector tells the peer we no longer forward for it.
func (n *Node) Unlink(addr string, onComplete func(addr string)) error {
	return n.do(func() error {
		r := n.remotes.get(addr)
		if r == nil {
			return ErrMissing
		}
		empty, _ := bitvec.NewSize(n.interestBits, bitvec.DefaultHashes)
		r.outbound.seq++
		body := encodeSubMsg(&subMsg{
			MeshID:    n.meshID,
			Seq:       r.outbound.seq,
			Sync:      true,
			Interests: empty.Serialize(),
			Needs:     bitvec.NewNeeds().Serialize(),
		})
		n.sendTo(r.ep, encodeEnvelope(MsgSub, body))
		n.removeRemote(r)
		// Topology changed: new mesh id so stale loop hints age out.
		n.regenerateMeshID()
		if onComplete != nil {
			n.deliver(func() { onComplete(addr) })
		}
		return nil
	})
}

// removeRemote drops a remote from the ring, returning its interest
// contributions and releasing its connection.
func (n *Node) removeRemote(r *RemoteNode) {
	n.dropContributions(r)
	if r.ep != nil {
		r.ep.DecRef()
		r.ep = nil
	}
	n.remotes.remove(r)
	n.markOthersForUpdates(r)
	n.scheduleSubsUpdate()
}

func (n *Node) dropContributions(r *RemoteNode) {
	if !r.contributing {
		return
	}
	if err := n.interests.Sub(r.inbound.interests); err != nil {
		log.Error().Err(err).Str("remote", r.addr).Msg("interest accounting")
	}
	if err := n.needs.Sub(r.inbound.needs); err != nil {
		log.Error().Err(err).Str("remote", r.addr).Msg("needs accounting")
	}
	r.contributing = false
}

// remoteBroken handles a connection-level failure on an endpoint.
// Linked remotes are scheduled for relinking with backoff.
func (n *Node) remoteBroken(path string, err error) {
	r := n.remotes.get(path)
	if r == nil {
		return
	}
	log.Warn().Err(err).Str("remote", path).Msg("remote connection lost")
	if r.onLinked != nil {
		cb := r.onLinked
		addr := r.addr
		r.onLinked = nil
		n.deliver(func() { cb(addr, ErrNetwork) })
	}
	relink := r.linked && !n.stopping()
	b := r.relink
	n.removeRemote(r)
	if !relink {
		return
	}
	if b == nil {
		b = &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: true}
	}
	delay := b.Duration()
	log.Info().Str("remote", path).Dur("delay", delay).Msg("scheduling relink")
	n.afterFunc(delay, func() {
		if n.stopping() || n.remotes.get(path) != nil {
			return
		}
		n.linkResolved(path, nil)
		if nr := n.remotes.get(path); nr != nil {
			nr.relink = b
		}
	})
}

// findOrAddRemote returns the remote for an inbound message, creating
// it on first contact.
func (n *Node) findOrAddRemote(from *transport.Endpoint) *RemoteNode {
	r := n.remotes.get(from.Path)
	if r == nil {
		ep := from
		ep.AddRef()
		r = &RemoteNode{addr: from.Path, ep: ep}
		n.remotes.insert(r)
	} else if r.ep.Conn() == nil && from.Conn() != nil {
		// Upgrade a connectionless placeholder created by Link.
		from.AddRef()
		r.ep = from
	}
	r.expires = time.Now().Add(remoteExpiry)
	return r
}

func (n *Node) handleSub(from *transport.Endpoint, body []byte) error {
	msg, err := decodeSubMsg(body)
	if err != nil {
		return err
	}
	r := n.findOrAddRemote(from)

	if msg.MeshID == n.meshID {
		// Our own interests came back to us: this link closes a loop.
		if !r.muted {
			log.Info().Str("remote", r.addr).Msg("mesh loop detected, muting")
			r.muted = true
			n.muted.Add(msg.MeshID.String())
			n.dropContributions(r)
		}
		n.sendSak(r, msg.Seq, false)
		return nil
	}
	for _, id := range msg.Muted {
		if id == n.meshID {
			// The remote muted us; stop treating it as a forwarder.
			r.muted = true
		}
	}

	newInterests, _ := bitvec.NewSize(n.interestBits, bitvec.DefaultHashes)
	switch {
	case msg.Sync:
		if err := newInterests.Deserialize(msg.Interests); err != nil {
			return err
		}
		r.inbound.syncReq = false
	case r.inbound.interests == nil || r.inbound.syncReq:
		// We cannot apply a delta without a base; ask for a full
		// vector instead of silently dropping.
		n.sendSak(r, msg.Seq, true)
		return nil
	default:
		newInterests = r.inbound.interests.Clone()
		delta, _ := bitvec.NewSize(n.interestBits, bitvec.DefaultHashes)
		if err := delta.Deserialize(msg.Interests); err != nil {
			return err
		}
		if err := newInterests.Xor(delta); err != nil {
			return err
		}
	}
	newNeeds := bitvec.NewNeeds()
	if err := newNeeds.Deserialize(msg.Needs); err != nil {
		return err
	}

	// The old vectors must come out of the aggregates before they are
	// overwritten, whatever the mute state.
	n.dropContributions(r)
	if !r.muted {
		if err := n.interests.Add(newInterests); err != nil {
			return err
		}
		if err := n.needs.Add(newNeeds); err != nil {
			return err
		}
		r.contributing = true
	}
	r.inbound.interests = newInterests
	r.inbound.needs = newNeeds
	r.inbound.seq = msg.Seq

	if r.outbound.interests == nil {
		// First contact: the exchange is bidirectional, the peer needs
		// our summary too.
		r.outbound.syncReq = true
		r.outbound.checkForUpdates = true
	}
	n.markOthersForUpdates(r)
	n.scheduleSubsUpdate()
	n.sendSak(r, msg.Seq, false)
	n.replayRetained(r)
	return nil
}

func (n *Node) handleSak(from *transport.Endpoint, body []byte) error {
	msg, err := decodeSakMsg(body)
	if err != nil {
		return err
	}
	r := n.remotes.get(from.Path)
	if r == nil {
		return nil
	}
	r.expires = time.Now().Add(remoteExpiry)
	if r.onLinked != nil {
		cb := r.onLinked
		addr := r.addr
		r.onLinked = nil
		n.deliver(func() { cb(addr, nil) })
	}
	if msg.Resync {
		r.outbound.syncReq = true
		r.outbound.checkForUpdates = true
		n.scheduleSubsUpdate()
	}
	return nil
}

func (n *Node) sendSak(r *RemoteNode, ackSeq uint32, resync bool) {
	body := encodeSakMsg(&sakMsg{MeshID: n.meshID, AckSeq: ackSeq, Resync: resync})
	n.sendTo(r.ep, encodeEnvelope(MsgSak, body))
}

func (n *Node) markOthersForUpdates(except *RemoteNode) {
	n.remotes.each(func(r *RemoteNode) {
		if r != except {
			r.outbound.checkForUpdates = true
		}
	})
}

// markAllForUpdates flags every remote, used when local subscriptions
// change.
func (n *Node) markAllForUpdates() {
	n.remotes.each(func(r *RemoteNode) {
		r.outbound.checkForUpdates = true
	})
}

// scheduleSubsUpdate arms the coalescing timer. At most one
// subscription update goes to each peer per update interval.
func (n *Node) scheduleSubsUpdate() {
	if n.updatesArmed || n.stopping() {
		return
	}
	n.updatesArmed = true
	n.afterFunc(n.updateRate(), n.runSubsUpdates)
}

func (n *Node) runSubsUpdates() {
	n.updatesArmed = false
	if n.stopping() {
		return
	}
	n.remotes.each(func(r *RemoteNode) {
		if r.outbound.checkForUpdates || r.outbound.syncReq {
			n.sendSubTo(r)
		}
	})
}

// outboundVectors computes the summaries to advertise to r: the node's
// aggregate minus r's own contribution, so a remote never hears its own
// interests back.
func (n *Node) outboundVectors(r *RemoteNode) (*bitvec.BitVector, *bitvec.BitVector) {
	restore := false
	if r.contributing {
		_ = n.interests.Sub(r.inbound.interests)
		_ = n.needs.Sub(r.inbound.needs)
		restore = true
	}
	ints := n.interests.ToBitVector()
	needs := n.needs.ToIntersection()
	if restore {
		_ = n.interests.Add(r.inbound.interests)
		_ = n.needs.Add(r.inbound.needs)
	}
	return ints, needs
}

// collectMuted lists the mesh ids this node has muted, sent as loop
// hints with every subscription.
func (n *Node) collectMuted() []uuid.UUID {
	var ids []uuid.UUID
	for _, v := range n.muted.ToSlice() {
		if id, err := uuid.Parse(v.(string)); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (n *Node) sendSubTo(r *RemoteNode) {
	r.outbound.checkForUpdates = false
	ints, needs := n.outboundVectors(r)
	sync := r.outbound.syncReq || r.outbound.interests == nil

	var interestBytes []byte
	if sync {
		interestBytes = ints.Serialize()
	} else {
		delta := ints.Clone()
		if err := delta.Xor(r.outbound.interests); err != nil {
			return
		}
		if delta.IsClear() && needs.Equal(r.outbound.needs) {
			return // nothing changed
		}
		interestBytes = delta.Serialize()
	}

	r.outbound.seq++
	body := encodeSubMsg(&subMsg{
		MeshID:    n.meshID,
		Seq:       r.outbound.seq,
		Sync:      sync,
		Delta:     !sync,
		Interests: interestBytes,
		Needs:     needs.Serialize(),
		Muted:     n.collectMuted(),
	})
	n.sendTo(r.ep, encodeEnvelope(MsgSub, body))
	r.outbound.interests = ints
	r.outbound.needs = needs
	r.outbound.syncReq = false
}

// regenerateMeshID picks a fresh mesh id after a topology change so
// stale mute entries elsewhere age out. Every peer needs a full vector
// under the new id.
func (n *Node) regenerateMeshID() {
	n.meshID = n.uuids.New()
	n.muted.Clear()
	n.remotes.each(func(r *RemoteNode) {
		r.outbound.syncReq = true
		r.outbound.checkForUpdates = true
	})
	n.scheduleSubsUpdate()
}
