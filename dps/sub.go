package dps

import (
	"github.com/01org/dps-for-iot/internal/bitvec"
	"github.com/01org/dps-for-iot/keystore"
)

// PublicationHandler is called for each publication matching a
// subscription, with the decrypted payload and a read-only view of the
// publication. It runs on the node's callback dispatcher.
type PublicationHandler func(sub *Subscription, pub *Publication, payload []byte)

// Subscription registers interest in a set of topics. All topics must
// match a publication for it to be delivered.
type Subscription struct {
	node    *Node
	topics  []string
	bf      *bitvec.BitVector
	needs   *bitvec.BitVector
	keyID   keystore.KeyID
	handler PublicationHandler
	active  bool
}

// Topics returns the subscription's topic strings.
func (s *Subscription) Topics() []string {
	return append([]string(nil), s.topics...)
}

// Node returns the local node this subscription is attached to.
func (s *Subscription) Node() *Node {
	return s.node
}

// Subscribe registers a subscription. The topic bit vector is unioned
// into the node's interests and an update round is scheduled so peers
// learn about it.
func (n *Node) Subscribe(topics []string, handler PublicationHandler) (*Subscription, error) {
	return n.SubscribeWithKey(topics, nil, handler)
}

// SubscribeWithKey registers a subscription with an end-to-end identity
// used for permission checks on delivery.
func (n *Node) SubscribeWithKey(topics []string, keyID keystore.KeyID, handler PublicationHandler) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNull
	}
	var sub *Subscription
	err := n.do(func() error {
		if err := validateTopics(topics, n.separators, true); err != nil {
			return err
		}
		sub = &Subscription{
			node:    n,
			topics:  append([]string(nil), topics...),
			bf:      subBitVector(topics, n.separators, n.interestBits),
			needs:   needsVector(topics, n.separators),
			keyID:   append(keystore.KeyID(nil), keyID...),
			handler: handler,
			active:  true,
		}
		if len(keyID) == 0 {
			sub.keyID = nil
		}
		if err := n.interests.Add(sub.bf); err != nil {
			return err
		}
		if err := n.needs.Add(sub.needs); err != nil {
			return err
		}
		n.subs[sub] = struct{}{}
		n.markAllForUpdates()
		n.scheduleSubsUpdate()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Destroy cancels the subscription and subtracts its contribution from
// the node's aggregates.
func (s *Subscription) Destroy() error {
	return s.node.do(func() error {
		if !s.active {
			return nil
		}
		s.active = false
		delete(s.node.subs, s)
		if err := s.node.interests.Sub(s.bf); err != nil {
			return err
		}
		if err := s.node.needs.Sub(s.needs); err != nil {
			return err
		}
		s.node.markAllForUpdates()
		s.node.scheduleSubsUpdate()
		return nil
	})
}
