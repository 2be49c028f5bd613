package dps

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/01org/dps-for-iot/internal/bitvec"
	"github.com/01org/dps-for-iot/internal/cbor"
	"github.com/01org/dps-for-iot/internal/history"
	"github.com/01org/dps-for-iot/keystore"
	"github.com/01org/dps-for-iot/transport"
)

// DefaultSeparators is the default topic separator set.
const DefaultSeparators = "/"

// DefaultSubscriptionUpdateRate is the default delay between outbound
// subscription updates to a peer.
const DefaultSubscriptionUpdateRate = time.Second

// remoteExpiry is how long an unlinked remote is kept after its last
// message.
const remoteExpiry = 5 * time.Minute

// gcInterval paces expiry sweeps of remotes and history.
const gcInterval = 10 * time.Second

// Node states tracked atomically so the public API can refuse calls
// without taking the loop.
const (
	nodeIdle int32 = iota
	nodeStarted
	nodeDestroying
	nodeDead
)

// Options configures a Node.
type Options struct {
	// Separators is the topic separator set, "/" when empty.
	Separators string
	// KeyStore supplies key material. May be nil when nothing is
	// encrypted.
	KeyStore keystore.KeyStore
	// Codec seals and opens payloads. Defaults to the keystore codec
	// when a KeyStore is present.
	Codec keystore.Codec
	// Permissions gates sends, deliveries and acks. Nil allows all.
	Permissions PermissionStore
	// Transport moves messages. Required.
	Transport transport.Transport
	// SubsRate is the minimum delay between subscription updates per
	// peer.
	SubsRate time.Duration
	// InterestBits is the interest vector size. Zero selects the
	// default.
	InterestBits int
	// HistoryDepth bounds the publication history.
	HistoryDepth int
}

// Node is a participant in the mesh. All state is owned by a single
// loop goroutine; public methods marshal onto it and application
// callbacks run on a separate dispatch goroutine, so handlers may call
// back into the API.
type Node struct {
	separators   string
	ks           keystore.KeyStore
	cose         keystore.Codec
	perms        PermissionStore
	trans        transport.Transport
	interestBits int
	subsRate     int64 // nanoseconds, atomically updated

	state    int32
	tasks    chan func()
	cbq      *cbQueue
	loopStop chan struct{}
	loopExit chan struct{}

	// Everything below is loop-owned.
	meshID       uuid.UUID
	addr         string
	port         int
	uuids        *uuidSource
	interests    *bitvec.CountVector
	needs        *bitvec.CountVector
	pubs         map[uuid.UUID]*Publication
	subs         map[*Subscription]struct{}
	remotes      *remoteTable
	hist         *history.History
	muted        mapset.Set
	updatesArmed bool
	pendingSends int
	onDestroyed  func()
}

// NewNode returns an unstarted node.
func NewNode(opts Options) (*Node, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport: %w", ErrNull)
	}
	seps := opts.Separators
	if seps == "" {
		seps = DefaultSeparators
	}
	codec := opts.Codec
	if codec == nil && opts.KeyStore != nil {
		codec = keystore.NewCodec(opts.KeyStore)
	}
	perms := opts.Permissions
	if perms == nil {
		perms = AllowAll()
	}
	rate := opts.SubsRate
	if rate <= 0 {
		rate = DefaultSubscriptionUpdateRate
	}
	bits := opts.InterestBits
	if bits <= 0 {
		bits = bitvec.DefaultLen
	}
	template, err := bitvec.NewSize(bits, bitvec.DefaultHashes)
	if err != nil {
		return nil, err
	}
	uuids := newUUIDSource()
	n := &Node{
		separators:   seps,
		ks:           opts.KeyStore,
		cose:         codec,
		perms:        perms,
		trans:        opts.Transport,
		interestBits: bits,
		subsRate:     int64(rate),
		tasks:        make(chan func(), 1024),
		cbq:          newCBQueue(),
		loopStop:     make(chan struct{}),
		loopExit:     make(chan struct{}),
		meshID:       uuids.New(),
		uuids:        uuids,
		interests:    bitvec.NewCount(template),
		needs:        bitvec.NewCount(bitvec.NewNeeds()),
		pubs:         make(map[uuid.UUID]*Publication),
		subs:         make(map[*Subscription]struct{}),
		remotes:      newRemoteTable(),
		hist:         history.New(opts.HistoryDepth, 0),
		muted:        mapset.NewSet(),
	}
	return n, nil
}

// Start begins listening on the given port (zero for ephemeral) and
// launches the node loop. It returns the listen port.
func (n *Node) Start(port int) (int, error) {
	if !atomic.CompareAndSwapInt32(&n.state, nodeIdle, nodeStarted) {
		return 0, ErrExists
	}
	listenPort, err := n.trans.Start(port, n.onReceive)
	if err != nil {
		atomic.StoreInt32(&n.state, nodeDead)
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	n.addr = n.trans.Addr()
	n.port = listenPort

	go n.run()
	go n.dispatch()
	n.exec(n.runGC)
	log.Info().Str("addr", n.addr).Str("mesh", n.meshID.String()).Msg("node started")
	return listenPort, nil
}

func (n *Node) run() {
	for {
		select {
		case fn := <-n.tasks:
			fn()
		case <-n.loopStop:
			for {
				select {
				case fn := <-n.tasks:
					fn()
				default:
					close(n.loopExit)
					return
				}
			}
		}
	}
}

func (n *Node) dispatch() {
	n.cbq.run()
}

// cbQueue is an unbounded FIFO for application callbacks, so the loop
// never blocks behind a slow handler.
type cbQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	fns    []func()
	closed bool
}

func newCBQueue() *cbQueue {
	q := &cbQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *cbQueue) push(fn func()) {
	q.mu.Lock()
	if !q.closed {
		q.fns = append(q.fns, fn)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

func (q *cbQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

// run drains callbacks in order until the queue is closed and empty.
func (q *cbQueue) run() {
	q.mu.Lock()
	for {
		for len(q.fns) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.fns) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.fns[0]
		q.fns = q.fns[1:]
		q.mu.Unlock()
		fn()
		q.mu.Lock()
	}
}

// ensureStarted gates public calls that need a running loop.
func (n *Node) ensureStarted() error {
	switch atomic.LoadInt32(&n.state) {
	case nodeStarted:
		return nil
	case nodeIdle:
		return ErrNotStarted
	default:
		return ErrNodeDestroyed
	}
}

// post queues a task for the loop on behalf of the public API.
func (n *Node) post(fn func()) error {
	if atomic.LoadInt32(&n.state) != nodeStarted {
		if atomic.LoadInt32(&n.state) == nodeIdle {
			return ErrNotStarted
		}
		return ErrNodeDestroyed
	}
	select {
	case n.tasks <- fn:
		return nil
	case <-n.loopExit:
		return ErrNodeDestroyed
	}
}

// exec queues a task from transports, timers and completions. Tasks are
// dropped once the loop has exited.
func (n *Node) exec(fn func()) {
	select {
	case n.tasks <- fn:
	case <-n.loopExit:
	}
}

// do runs fn on the loop and waits for its result.
func (n *Node) do(fn func() error) error {
	errc := make(chan error, 1)
	if err := n.post(func() { errc <- fn() }); err != nil {
		return err
	}
	return <-errc
}

// deliver queues an application callback. Only called from the loop, so
// callback order follows loop order.
func (n *Node) deliver(fn func()) {
	n.cbq.push(fn)
}

// afterFunc schedules fn on the loop after d.
func (n *Node) afterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, func() { n.exec(fn) })
}

// Addr returns the canonical listen address.
func (n *Node) Addr() string {
	return n.addr
}

// Port returns the listen port.
func (n *Node) Port() int {
	return n.port
}

// MeshID returns the node's current mesh identifier.
func (n *Node) MeshID() uuid.UUID {
	return n.meshID
}

// Separators returns the topic separator set.
func (n *Node) Separators() string {
	return n.separators
}

// History reports whether (id, sn) is recorded in the node's history.
func (n *Node) History(id uuid.UUID, sn uint32) bool {
	seen := false
	_ = n.do(func() error {
		rec, ok := n.hist.SeqNum(id)
		seen = ok && rec >= sn
		return nil
	})
	return seen
}

// RemoteActive reports whether a remote is known and has advertised a
// nonempty interest vector. Useful for diagnostics and for waiting out
// the initial subscription exchange.
func (n *Node) RemoteActive(addr string) bool {
	active := false
	_ = n.do(func() error {
		r := n.remotes.get(addr)
		active = r != nil && r.inbound.interests != nil && !r.inbound.interests.IsClear()
		return nil
	})
	return active
}

// SetSubscriptionUpdateDelay adjusts the delay between subscription
// updates.
func (n *Node) SetSubscriptionUpdateDelay(d time.Duration) {
	if d <= 0 {
		d = DefaultSubscriptionUpdateRate
	}
	atomic.StoreInt64(&n.subsRate, int64(d))
}

func (n *Node) updateRate() time.Duration {
	return time.Duration(atomic.LoadInt64(&n.subsRate))
}

// Destroy stops the node asynchronously. New API calls fail
// immediately; in-flight sends drain, transports close, and then
// onDestroyed is called once.
func (n *Node) Destroy(onDestroyed func()) error {
	if !atomic.CompareAndSwapInt32(&n.state, nodeStarted, nodeDestroying) {
		if atomic.CompareAndSwapInt32(&n.state, nodeIdle, nodeDead) {
			if onDestroyed != nil {
				onDestroyed()
			}
			return nil
		}
		return ErrNodeDestroyed
	}
	n.exec(func() {
		n.onDestroyed = onDestroyed
		// Fail pending link completions before tearing anything down.
		n.remotes.each(func(r *RemoteNode) {
			if r.onLinked != nil {
				cb := r.onLinked
				addr := r.addr
				r.onLinked = nil
				n.deliver(func() { cb(addr, ErrNodeDestroyed) })
			}
		})
		n.checkDestroyDone()
	})
	return nil
}

func (n *Node) destroying() bool {
	return atomic.LoadInt32(&n.state) == nodeDestroying
}

// stopping reports whether the node is past accepting new work, either
// tearing down or already dead.
func (n *Node) stopping() bool {
	return atomic.LoadInt32(&n.state) != nodeStarted
}

func (n *Node) checkDestroyDone() {
	if !n.destroying() || n.pendingSends > 0 {
		return
	}
	atomic.StoreInt32(&n.state, nodeDead)
	if err := n.trans.Close(); err != nil {
		log.Debug().Err(err).Msg("transport close")
	}
	n.remotes.each(func(r *RemoteNode) {
		if r.ep != nil {
			r.ep.DecRef()
		}
	})
	n.pubs = make(map[uuid.UUID]*Publication)
	n.subs = make(map[*Subscription]struct{})
	if cb := n.onDestroyed; cb != nil {
		n.deliver(cb)
	}
	n.cbq.close()
	close(n.loopStop)
}

// runGC expires remotes, retained publications and history entries.
func (n *Node) runGC() {
	if n.stopping() {
		return
	}
	now := time.Now()
	var expired []*RemoteNode
	n.remotes.each(func(r *RemoteNode) {
		if !r.linked && !r.expires.IsZero() && now.After(r.expires) {
			expired = append(expired, r)
		}
	})
	for _, r := range expired {
		log.Debug().Str("remote", r.addr).Msg("remote expired")
		n.removeRemote(r)
	}
	for id, p := range n.pubs {
		if p.retained && now.After(p.expires) {
			n.expireRetained(id)
		}
	}
	n.hist.Expire()
	n.afterFunc(gcInterval, n.runGC)
}

// onReceive is the transport handler. It copies the message and hops
// onto the loop.
func (n *Node) onReceive(from *transport.Endpoint, data []byte, err error) {
	if err != nil {
		path := from.Path
		n.exec(func() { n.remoteBroken(path, err) })
		return
	}
	cp := append([]byte(nil), data...)
	n.exec(func() {
		if err := n.handleMessage(from, cp); err != nil {
			if errors.Is(err, ErrStale) {
				// Stale is not a transport error; recovered locally.
				log.Debug().Str("from", from.Path).Msg("stale publication")
				return
			}
			log.Warn().Err(err).Str("from", from.Path).Msg("dropping message")
		}
	})
}

func (n *Node) handleMessage(from *transport.Endpoint, data []byte) error {
	if n.stopping() {
		return nil
	}
	msgType, body, err := decodeEnvelope(data)
	if err != nil {
		if errors.Is(err, cbor.ErrEOD) {
			return fmt.Errorf("%w: truncated message", ErrEOD)
		}
		return err
	}
	switch msgType {
	case MsgPub:
		return n.handlePub(from, body)
	case MsgSub:
		return n.handleSub(from, body)
	case MsgSak:
		return n.handleSak(from, body)
	case MsgAck:
		return n.handleAck(from, body)
	}
	return ErrInvalid
}

// sendTo transmits one encoded message, tracking the in-flight count so
// Destroy can drain.
func (n *Node) sendTo(ep *transport.Endpoint, data []byte) {
	n.pendingSends++
	err := n.trans.Send(ep, data, func(to *transport.Endpoint, serr error) {
		n.exec(func() {
			n.pendingSends--
			if serr != nil {
				n.remoteBroken(to.Path, serr)
			}
			n.checkDestroyDone()
		})
	})
	if err != nil {
		n.pendingSends--
		n.remoteBroken(ep.Path, err)
		n.checkDestroyDone()
	}
}

// resolveAddr splits a dialable address and resolves it through the
// transport. Opaque (non host:port) addresses resolve as-is.
func (n *Node) resolveAddr(addr string, onComplete transport.ResolveComplete) {
	host, service, err := net.SplitHostPort(addr)
	if err != nil {
		host, service = addr, ""
	}
	n.trans.Resolve(host, service, onComplete)
}

// Resolve turns a host and service into a canonical address, invoking
// onComplete from the callback dispatcher.
func (n *Node) Resolve(host, service string, onComplete func(addr string, err error)) error {
	if onComplete == nil {
		return ErrNull
	}
	if err := n.ensureStarted(); err != nil {
		return err
	}
	n.trans.Resolve(host, service, func(addr string, err error) {
		n.exec(func() {
			if err != nil {
				err = fmt.Errorf("%w: %v", ErrUnresolved, err)
			}
			n.deliver(func() { onComplete(addr, err) })
		})
	})
	return nil
}
