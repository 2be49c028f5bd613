package transport

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type capture struct {
	mu    sync.Mutex
	msgs  [][]byte
	froms []string
	errs  []error
}

func (c *capture) handler(from *Endpoint, data []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.errs = append(c.errs, err)
		return
	}
	c.msgs = append(c.msgs, append([]byte(nil), data...))
	c.froms = append(c.froms, from.Path)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *capture) errCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs)
}

func startTCP(t *testing.T, h ReceiveHandler) *TCP {
	t.Helper()
	tr := NewTCP()
	_, err := tr.Start(0, h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestTCPSendReceive(t *testing.T) {
	var rx capture
	receiver := startTCP(t, rx.handler)
	sender := startTCP(t, func(*Endpoint, []byte, error) {})

	done := make(chan error, 1)
	err := sender.Send(NewEndpoint(receiver.Addr(), nil), []byte("hello dps"), func(_ *Endpoint, err error) {
		done <- err
	})
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.Eventually(t, func() bool { return rx.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	rx.mu.Lock()
	defer rx.mu.Unlock()
	require.Equal(t, []byte("hello dps"), rx.msgs[0])
	// The sender's canonical listen address, not its ephemeral port.
	require.Equal(t, sender.Addr(), rx.froms[0])
}

func TestTCPMultipleFramesOneConnection(t *testing.T) {
	var rx capture
	receiver := startTCP(t, rx.handler)
	sender := startTCP(t, func(*Endpoint, []byte, error) {})

	var want [][]byte
	for i := 0; i < 20; i++ {
		msg := bytes.Repeat([]byte{byte(i)}, i*37+1)
		want = append(want, msg)
		require.NoError(t, sender.Send(NewEndpoint(receiver.Addr(), nil), msg, nil))
	}
	require.Eventually(t, func() bool { return rx.count() == 20 }, 5*time.Second, 10*time.Millisecond)

	rx.mu.Lock()
	defer rx.mu.Unlock()
	require.Equal(t, want, rx.msgs)
}

func TestTCPLargeMessage(t *testing.T) {
	var rx capture
	receiver := startTCP(t, rx.handler)
	sender := startTCP(t, func(*Endpoint, []byte, error) {})

	big := bytes.Repeat([]byte{0xAB}, 200_000)
	require.NoError(t, sender.Send(NewEndpoint(receiver.Addr(), nil), big, nil))
	require.Eventually(t, func() bool { return rx.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	rx.mu.Lock()
	defer rx.mu.Unlock()
	require.Equal(t, big, rx.msgs[0])
}

func TestTCPConnectionLossReported(t *testing.T) {
	var rxA capture
	a := startTCP(t, rxA.handler)
	b := startTCP(t, func(*Endpoint, []byte, error) {})

	require.NoError(t, b.Send(NewEndpoint(a.Addr(), nil), []byte("x"), nil))
	require.Eventually(t, func() bool { return rxA.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return rxA.errCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
	rxA.mu.Lock()
	defer rxA.mu.Unlock()
	require.ErrorIs(t, rxA.errs[0], ErrClosed)
}

func TestTCPResolve(t *testing.T) {
	tr := startTCP(t, func(*Endpoint, []byte, error) {})
	type result struct {
		addr string
		err  error
	}
	done := make(chan result, 1)
	tr.Resolve("127.0.0.1", "4444", func(addr string, err error) {
		done <- result{addr, err}
	})
	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, "127.0.0.1:4444", res.addr)
	case <-time.After(2 * time.Second):
		t.Fatal("resolve never completed")
	}
}

func TestConnRefCounting(t *testing.T) {
	closed := false
	c := NewConn(func() { closed = true })
	c.AddRef()
	c.DecRef()
	require.False(t, closed)
	c.DecRef()
	require.True(t, closed)
}

func TestInprocDelivery(t *testing.T) {
	net := NewNetwork()
	var rx capture
	a := net.Transport()
	_, err := a.Start(0, rx.handler)
	require.NoError(t, err)
	b := net.Transport()
	_, err = b.Start(0, func(*Endpoint, []byte, error) {})
	require.NoError(t, err)

	require.NoError(t, b.Send(NewEndpoint(a.Addr(), nil), []byte("ping"), nil))
	require.Eventually(t, func() bool { return rx.count() == 1 }, time.Second, 5*time.Millisecond)
	rx.mu.Lock()
	require.Equal(t, b.Addr(), rx.froms[0])
	rx.mu.Unlock()

	// Unknown destinations fail immediately.
	require.Error(t, b.Send(NewEndpoint("inproc-999", nil), []byte("x"), nil))

	// The filter can drop traffic without failing the send.
	net.SetFilter(func(_, _ string, _ []byte) bool { return false })
	require.NoError(t, b.Send(NewEndpoint(a.Addr(), nil), []byte("dropped"), nil))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rx.count())
}
