package dps

import (
	"sync"

	"github.com/01org/dps-for-iot/keystore"
)

// Permission names an access being requested.
type Permission int

const (
	// PermPub is permission to publish.
	PermPub Permission = 1 << iota
	// PermSub is permission to receive publications.
	PermSub
	// PermAck is permission to send end-to-end acknowledgements.
	PermAck
	// PermForward is permission to forward on behalf of others.
	PermForward
)

// PermissionStore decides whether an operation identified by key ids
// and topics is allowed. A nil id or topic list is a wildcard.
// Implementations may be mutated concurrently with use.
type PermissionStore interface {
	Allow(networkID, endToEndID keystore.KeyID, perm Permission, topics []string) bool
}

type permEntry struct {
	keyID  keystore.KeyID // nil matches any id
	topics []string       // nil matches any topics
	perms  Permission
}

// MemoryPermissionStore is an in-memory permission table. The zero
// value denies everything; see AllowAll for an open store.
type MemoryPermissionStore struct {
	mu      sync.RWMutex
	entries []permEntry
}

var _ PermissionStore = (*MemoryPermissionStore)(nil)

// NewMemoryPermissionStore returns an empty store.
func NewMemoryPermissionStore() *MemoryPermissionStore {
	return &MemoryPermissionStore{}
}

// Set creates or replaces the permissions for a key id and topic set.
// Nil arguments are wildcards; a zero perms removes the entry.
func (m *MemoryPermissionStore) Set(keyID keystore.KeyID, topics []string, perms Permission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.keyID.Equal(keyID) && sameTopics(e.topics, topics) {
			if perms == 0 {
				m.entries = append(m.entries[:i], m.entries[i+1:]...)
			} else {
				m.entries[i].perms = perms
			}
			return
		}
	}
	if perms != 0 {
		m.entries = append(m.entries, permEntry{
			keyID:  append(keystore.KeyID(nil), keyID...),
			topics: append([]string(nil), topics...),
			perms:  perms,
		})
	}
}

// Allow implements PermissionStore. An operation is allowed when some
// entry grants the permission for either of the presented ids and
// covers all the topics.
func (m *MemoryPermissionStore) Allow(networkID, endToEndID keystore.KeyID, perm Permission, topics []string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.perms&perm != perm {
			continue
		}
		if e.keyID != nil && !e.keyID.Equal(networkID) && !e.keyID.Equal(endToEndID) {
			continue
		}
		if e.topics != nil && !coversTopics(e.topics, topics) {
			continue
		}
		return true
	}
	return false
}

func sameTopics(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func coversTopics(granted, requested []string) bool {
	for _, r := range requested {
		ok := false
		for _, g := range granted {
			if g == r {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// allowAll is the default store when none is configured.
type allowAll struct{}

func (allowAll) Allow(keystore.KeyID, keystore.KeyID, Permission, []string) bool {
	return true
}

// AllowAll returns a permission store that grants everything.
func AllowAll() PermissionStore {
	return allowAll{}
}
