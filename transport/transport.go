// Package transport defines the network contract the mesh core
// consumes and provides stream (TCP) and in-process implementations.
// A transport delivers whole protocol messages; framing and reassembly
// happen below this interface.
package transport

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrClosed is returned when sending through a stopped transport or
	// a released connection.
	ErrClosed = errors.New("transport: closed")
	// ErrUnresolved is returned when address resolution fails.
	ErrUnresolved = errors.New("transport: unresolved")
)

// ReceiveHandler is called with one complete message per invocation.
// The data slice is only valid for the duration of the call. A non-nil
// data with a nil error is a normal receive; a nil data with an error
// reports a connection-level failure on the endpoint.
type ReceiveHandler func(from *Endpoint, data []byte, err error)

// SendComplete is called when a send finishes and its buffers may be
// reused.
type SendComplete func(to *Endpoint, err error)

// ResolveComplete is called with the canonical address for a host and
// service pair.
type ResolveComplete func(addr string, err error)

// Transport moves protocol messages between nodes. Endpoints are
// opaque; connection-oriented transports attach refcounted connection
// state to them.
type Transport interface {
	// Start begins listening and delivering messages to onReceive.
	// A zero port selects an ephemeral one; the chosen port is returned.
	Start(port int, onReceive ReceiveHandler) (int, error)
	// Addr returns the canonical listen address once started.
	Addr() string
	// Send transmits one message to the endpoint. onComplete may be nil.
	Send(to *Endpoint, data []byte, onComplete SendComplete) error
	// Resolve turns a host and service into a canonical address.
	Resolve(host, service string, onComplete ResolveComplete)
	// Close stops the listener and drops all connections.
	Close() error
}

// Conn is refcounted connection state shared by the endpoints of one
// underlying stream.
type Conn struct {
	refs  int32
	close func()
}

// NewConn returns connection state that runs closeFn when the last
// reference is released. The caller holds the initial reference.
func NewConn(closeFn func()) *Conn {
	return &Conn{refs: 1, close: closeFn}
}

// AddRef takes an additional reference.
func (c *Conn) AddRef() {
	atomic.AddInt32(&c.refs, 1)
}

// DecRef releases a reference, closing the connection when none remain.
func (c *Conn) DecRef() {
	if atomic.AddInt32(&c.refs, -1) == 0 && c.close != nil {
		c.close()
	}
}

// Endpoint names a remote peer. Path is the peer's canonical listen
// address, stable across inbound and outbound connections.
type Endpoint struct {
	Path string
	conn *Conn
}

// NewEndpoint returns an endpoint for the given canonical address.
func NewEndpoint(path string, conn *Conn) *Endpoint {
	return &Endpoint{Path: path, conn: conn}
}

// Conn returns the connection state, or nil for datagram transports.
func (ep *Endpoint) Conn() *Conn {
	return ep.conn
}

// AddRef pins the endpoint's connection if it has one.
func (ep *Endpoint) AddRef() {
	if ep.conn != nil {
		ep.conn.AddRef()
	}
}

// DecRef unpins the endpoint's connection if it has one.
func (ep *Endpoint) DecRef() {
	if ep.conn != nil {
		ep.conn.DecRef()
	}
}

func (ep *Endpoint) String() string {
	return ep.Path
}
