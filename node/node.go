// Package node assembles a runnable mesh node from the core pieces:
// transport, key store, permission store and the publish/subscribe
// engine, with a notification callback for frontends.
package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/01org/dps-for-iot/dps"
	"github.com/01org/dps-for-iot/keystore"
	"github.com/01org/dps-for-iot/transport"
)

// ErrNoTopics is returned when a publish or subscribe names no topics.
var ErrNoTopics = errors.New("at least one topic is required")

// Options determines the configuration of a mesh node.
type Options struct {
	// ListenPort is the TCP port to listen on, zero for ephemeral.
	ListenPort int
	// Links are addresses of peers to link to at startup.
	Links []string
	// Separators is the topic separator set.
	Separators string
	// SubsRate is the delay between subscription updates to a peer.
	SubsRate time.Duration
	// KeyStore supplies key material for encrypted publications.
	KeyStore keystore.KeyStore
	// Permissions gates sends and deliveries.
	Permissions dps.PermissionStore
}

// Notify carries asynchronous results to the frontend.
type Notify struct {
	LinkResult *LinkResult
	PubResult  *PubResult
	SubEvent   *SubEvent
	AckEvent   *AckEvent
}

// LinkResult reports a completed or failed link.
type LinkResult struct {
	Addr string
	Err  string
}

// PubResult reports a completed publish.
type PubResult struct {
	PubID  string
	SeqNum uint32
	Err    string
}

// SubEvent reports a delivered publication.
type SubEvent struct {
	PubID   string
	SeqNum  uint32
	Topics  []string
	Payload []byte
}

// AckEvent reports an end-to-end acknowledgement.
type AckEvent struct {
	PubID   string
	SeqNum  uint32
	Payload []byte
}

// Node is a running mesh node.
type Node struct {
	dn    *dps.Node
	trans *transport.TCP
	port  int

	mu     sync.Mutex
	notify func(Notify)
	pubs   map[string]*dps.Publication
}

// New assembles and starts a node.
func New(opts Options) (*Node, error) {
	trans := transport.NewTCP()
	dn, err := dps.NewNode(dps.Options{
		Separators:  opts.Separators,
		KeyStore:    opts.KeyStore,
		Permissions: opts.Permissions,
		Transport:   trans,
		SubsRate:    opts.SubsRate,
	})
	if err != nil {
		return nil, err
	}
	port, err := dn.Start(opts.ListenPort)
	if err != nil {
		return nil, err
	}
	nd := &Node{dn: dn, trans: trans, port: port, pubs: make(map[string]*dps.Publication)}
	for _, addr := range opts.Links {
		nd.Link(addr)
	}
	return nd, nil
}

// send hits our notify callback if we attached one.
func (nd *Node) send(n Notify) {
	nd.mu.Lock()
	notify := nd.notify
	nd.mu.Unlock()

	if notify != nil {
		notify(n)
	} else {
		log.Info().Interface("notif", n).Msg("nil notify callback; dropping")
	}
}

// SetNotifyCallback attaches the frontend callback.
func (nd *Node) SetNotifyCallback(fn func(Notify)) {
	nd.mu.Lock()
	nd.notify = fn
	nd.mu.Unlock()
}

// Addr returns the node's canonical listen address.
func (nd *Node) Addr() string {
	return nd.dn.Addr()
}

// Port returns the listen port.
func (nd *Node) Port() int {
	return nd.port
}

// DPS returns the underlying core node.
func (nd *Node) DPS() *dps.Node {
	return nd.dn
}

// Link connects to a peer asynchronously; the result arrives as a
// LinkResult notification.
func (nd *Node) Link(addr string) {
	err := nd.dn.Link(addr, func(resolved string, err error) {
		res := LinkResult{Addr: resolved}
		if err != nil {
			res.Err = err.Error()
		}
		nd.send(Notify{LinkResult: &res})
	})
	if err != nil {
		nd.send(Notify{LinkResult: &LinkResult{Addr: addr, Err: err.Error()}})
	}
}

// Publish sends a payload on a set of topics. The publication is kept
// so repeated publishes on the same topics share an id and sequence.
func (nd *Node) Publish(topics []string, payload []byte, ttl int16, wantAck bool) {
	sendErr := func(err error) {
		nd.send(Notify{PubResult: &PubResult{Err: err.Error()}})
	}
	if len(topics) == 0 {
		sendErr(ErrNoTopics)
		return
	}
	key := fmt.Sprintf("%v", topics)
	nd.mu.Lock()
	pub := nd.pubs[key]
	nd.mu.Unlock()
	if pub == nil {
		pub = nd.dn.NewPublication()
		var handler dps.AckHandler
		if wantAck {
			handler = func(p *dps.Publication, payload []byte) {
				nd.send(Notify{AckEvent: &AckEvent{
					PubID:   p.ID().String(),
					SeqNum:  p.SeqNum(),
					Payload: payload,
				}})
			}
		}
		if err := pub.Init(topics, false, nil, handler); err != nil {
			sendErr(err)
			return
		}
		nd.mu.Lock()
		nd.pubs[key] = pub
		nd.mu.Unlock()
	}
	if err := pub.Publish(payload, ttl); err != nil {
		sendErr(err)
		return
	}
	nd.send(Notify{PubResult: &PubResult{PubID: pub.ID().String(), SeqNum: pub.SeqNum()}})
}

// Subscribe registers topics; matches arrive as SubEvent notifications.
func (nd *Node) Subscribe(topics []string) error {
	if len(topics) == 0 {
		return ErrNoTopics
	}
	_, err := nd.dn.Subscribe(topics, func(_ *dps.Subscription, pub *dps.Publication, payload []byte) {
		nd.send(Notify{SubEvent: &SubEvent{
			PubID:   pub.ID().String(),
			SeqNum:  pub.SeqNum(),
			Topics:  pub.Topics(),
			Payload: payload,
		}})
	})
	return err
}

// Shutdown destroys the node and waits for teardown to finish.
func (nd *Node) Shutdown() {
	done := make(chan struct{})
	if err := nd.dn.Destroy(func() { close(done) }); err != nil {
		return
	}
	<-done
}
