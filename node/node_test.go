package node

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// notifyLog records every notification so tests can wait for several
// kinds without racing each other.
type notifyLog struct {
	mu  sync.Mutex
	all []Notify
}

func (l *notifyLog) add(n Notify) {
	l.mu.Lock()
	l.all = append(l.all, n)
	l.mu.Unlock()
}

func (l *notifyLog) find(match func(Notify) bool) (Notify, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range l.all {
		if match(n) {
			return n, true
		}
	}
	return Notify{}, false
}

func setupNode(t *testing.T) (*Node, *notifyLog) {
	t.Helper()
	nd, err := New(Options{
		SubsRate: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(nd.Shutdown)

	notifs := &notifyLog{}
	nd.SetNotifyCallback(notifs.add)
	return nd, notifs
}

func waitNotify(t *testing.T, l *notifyLog, match func(Notify) bool) Notify {
	t.Helper()
	var got Notify
	require.Eventually(t, func() bool {
		n, ok := l.find(match)
		got = n
		return ok
	}, 5*time.Second, 10*time.Millisecond, "expected notification never arrived")
	return got
}

func TestPublishSubscribeLocal(t *testing.T) {
	nd, notifs := setupNode(t)

	require.NoError(t, nd.Subscribe([]string{"local/topic"}))
	nd.Publish([]string{"local/topic"}, []byte("hi"), 0, false)

	pr := waitNotify(t, notifs, func(n Notify) bool { return n.PubResult != nil })
	require.Empty(t, pr.PubResult.Err)
	require.Equal(t, uint32(1), pr.PubResult.SeqNum)

	se := waitNotify(t, notifs, func(n Notify) bool { return n.SubEvent != nil })
	require.Equal(t, []byte("hi"), se.SubEvent.Payload)
	require.Equal(t, []string{"local/topic"}, se.SubEvent.Topics)
}

func TestPublishAcrossLink(t *testing.T) {
	a, aNotifs := setupNode(t)
	require.NoError(t, a.Subscribe([]string{"over/the/wire"}))

	b, bNotifs := setupNode(t)
	b.Link(a.Addr())
	lr := waitNotify(t, bNotifs, func(n Notify) bool { return n.LinkResult != nil })
	require.Empty(t, lr.LinkResult.Err)

	// Publish until the interest summary has crossed the link.
	require.Eventually(t, func() bool {
		return b.DPS().RemoteActive(a.Addr())
	}, 2*time.Second, 10*time.Millisecond)

	b.Publish([]string{"over/the/wire"}, []byte("payload"), 0, false)
	se := waitNotify(t, aNotifs, func(n Notify) bool { return n.SubEvent != nil })
	require.Equal(t, []byte("payload"), se.SubEvent.Payload)
}

func TestRepeatedPublishSharesPublication(t *testing.T) {
	nd, notifs := setupNode(t)
	require.NoError(t, nd.Subscribe([]string{"again"}))

	nd.Publish([]string{"again"}, []byte("1"), 0, false)
	first := waitNotify(t, notifs, func(n Notify) bool {
		return n.PubResult != nil && n.PubResult.SeqNum == 1
	})
	nd.Publish([]string{"again"}, []byte("2"), 0, false)
	second := waitNotify(t, notifs, func(n Notify) bool {
		return n.PubResult != nil && n.PubResult.SeqNum == 2
	})

	require.Equal(t, first.PubResult.PubID, second.PubResult.PubID)
}

func TestPublishNoTopics(t *testing.T) {
	nd, notifs := setupNode(t)
	nd.Publish(nil, []byte("x"), 0, false)
	pr := waitNotify(t, notifs, func(n Notify) bool { return n.PubResult != nil })
	require.NotEmpty(t, pr.PubResult.Err)
}
