package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// maxFrame bounds a single framed message. Anything larger is a framing
// violation and the connection is dropped.
const maxFrame = 1 << 20

// TCP is a stream transport. Each message is framed as
// len:u32 ∥ pathLen:u16 ∥ senderPath ∥ payload, where len covers the
// remainder of the frame, so a receiver can associate an inbound
// connection with the sender's canonical listen address.
type TCP struct {
	mu       sync.Mutex
	listener net.Listener
	addr     string
	handler  ReceiveHandler
	conns    map[string]*tcpConn
	grp      errgroup.Group
	closed   bool
}

// NewTCP returns an unstarted TCP transport.
func NewTCP() *TCP {
	return &TCP{conns: make(map[string]*tcpConn)}
}

type tcpConn struct {
	c    net.Conn
	path string // remote's canonical listen address, once known
	wmu  sync.Mutex
	tail chan struct{} // closed when the last queued write finishes
	conn *Conn
}

// Start implements Transport.
func (t *TCP) Start(port int, onReceive ReceiveHandler) (int, error) {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.listener = l
	t.handler = onReceive
	t.addr = canonicalAddr(l.Addr())
	t.mu.Unlock()

	t.grp.Go(func() error {
		for {
			c, err := l.Accept()
			if err != nil {
				return nil // listener closed
			}
			tc := &tcpConn{c: c}
			tc.conn = NewConn(func() { _ = c.Close() })
			go t.readLoop(tc)
		}
	})
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Addr implements Transport.
func (t *TCP) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

func canonicalAddr(a net.Addr) string {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return a.String()
	}
	host := tcp.IP.String()
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", tcp.Port))
}

// readLoop reassembles frames from one connection until it fails.
func (t *TCP) readLoop(tc *tcpConn) {
	var head [4]byte
	for {
		if _, err := io.ReadFull(tc.c, head[:]); err != nil {
			t.connBroken(tc, err)
			return
		}
		size := binary.BigEndian.Uint32(head[:])
		if size < 2 || size > maxFrame {
			t.connBroken(tc, fmt.Errorf("bad frame length %d", size))
			return
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(tc.c, frame); err != nil {
			t.connBroken(tc, err)
			return
		}
		pathLen := binary.BigEndian.Uint16(frame[:2])
		if int(pathLen)+2 > len(frame) {
			t.connBroken(tc, fmt.Errorf("bad sender path length %d", pathLen))
			return
		}
		sender := string(frame[2 : 2+pathLen])
		payload := frame[2+pathLen:]
		if tc.path == "" {
			tc.path = sender
			t.register(tc)
		}
		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(NewEndpoint(tc.path, tc.conn), payload, nil)
		}
	}
}

func (t *TCP) register(tc *tcpConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.conns[tc.path]; ok && prev != tc {
		// Simultaneous connect from both sides; keep the newer one.
		prev.conn.DecRef()
	}
	t.conns[tc.path] = tc
}

func (t *TCP) connBroken(tc *tcpConn, err error) {
	t.mu.Lock()
	if t.conns[tc.path] == tc {
		delete(t.conns, tc.path)
	}
	handler := t.handler
	closed := t.closed
	t.mu.Unlock()
	tc.conn.DecRef()
	if handler != nil && !closed && tc.path != "" {
		handler(NewEndpoint(tc.path, nil), nil, fmt.Errorf("%w: %v", ErrClosed, err))
	}
}

func (t *TCP) dial(path string) (*tcpConn, error) {
	c, err := net.Dial("tcp", path)
	if err != nil {
		return nil, err
	}
	tc := &tcpConn{c: c, path: path}
	tc.conn = NewConn(func() { _ = c.Close() })
	t.register(tc)
	go t.readLoop(tc)
	return tc, nil
}

// Send implements Transport.
func (t *TCP) Send(to *Endpoint, data []byte, onComplete SendComplete) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	tc, ok := t.conns[to.Path]
	sender := t.addr
	t.mu.Unlock()

	var err error
	if !ok {
		tc, err = t.dial(to.Path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
	}

	frame := make([]byte, 4+2+len(sender)+len(data))
	binary.BigEndian.PutUint32(frame, uint32(2+len(sender)+len(data)))
	binary.BigEndian.PutUint16(frame[4:], uint16(len(sender)))
	copy(frame[6:], sender)
	copy(frame[6+len(sender):], data)

	// Writes on one connection go out in Send order: each waits for the
	// write queued before it.
	tc.wmu.Lock()
	prev := tc.tail
	done := make(chan struct{})
	tc.tail = done
	tc.wmu.Unlock()

	go func() {
		if prev != nil {
			<-prev
		}
		_, werr := tc.c.Write(frame)
		close(done)
		if werr != nil {
			log.Debug().Err(werr).Str("to", to.Path).Msg("tcp send failed")
		}
		if onComplete != nil {
			onComplete(NewEndpoint(to.Path, tc.conn), werr)
		}
	}()
	return nil
}

// Resolve implements Transport.
func (t *TCP) Resolve(host, service string, onComplete ResolveComplete) {
	go func() {
		addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, service))
		if err != nil {
			onComplete("", fmt.Errorf("%w: %v", ErrUnresolved, err))
			return
		}
		onComplete(canonicalAddr(addr), nil)
	}()
}

// Close implements Transport.
func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	l := t.listener
	conns := t.conns
	t.conns = make(map[string]*tcpConn)
	t.mu.Unlock()

	if l != nil {
		_ = l.Close()
	}
	for _, tc := range conns {
		tc.conn.DecRef()
	}
	return t.grp.Wait()
}
