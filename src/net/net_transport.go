package net

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	bufSize = 4096

	consumerBacklog = 64
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
)

/*
NetworkTransport provides a network based transport that carries overlay
envelopes. It requires an underlying stream layer to provide a stream
abstraction, which can be simple TCP, TLS, etc.

Every connection, accepted or dialed, gets a dedicated reader goroutine. The
readers never act on what they read: they turn frames and failures into
Events and push them onto a single consumer channel, so that all the state
changes they cause are applied by whoever drains the channel, one at a time.
*/
type NetworkTransport struct {
	logger *logrus.Entry

	conns     map[string]*Conn
	connsLock sync.Mutex

	consumeCh chan Event

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	timeout time.Duration
}

// NewNetworkTransport creates a new network transport with the given stream
// layer. The timeout bounds outgoing dials and frame writes.
func NewNetworkTransport(
	stream StreamLayer,
	timeout time.Duration,
	logger *logrus.Entry,
) *NetworkTransport {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	trans := &NetworkTransport{
		conns:      make(map[string]*Conn),
		consumeCh:  make(chan Event, consumerBacklog),
		logger:     logger,
		shutdownCh: make(chan struct{}),
		stream:     stream,
		timeout:    timeout,
	}

	return trans
}

// Close is used to stop the network transport. It closes the listener and
// every connection the transport knows about.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.stream.Close()

		n.connsLock.Lock()
		for id, c := range n.conns {
			c.Close()
			delete(n.conns, id)
		}
		n.connsLock.Unlock()

		n.shutdown = true
	}
	return nil
}

// Consumer implements the Transport interface.
func (n *NetworkTransport) Consumer() <-chan Event {
	return n.consumeCh
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	addr := n.stream.Addr()

	if addr != nil {
		return addr.String()
	}

	return ""
}

// AdvertiseAddr implements the Transport interface.
func (n *NetworkTransport) AdvertiseAddr() string {
	return n.stream.AdvertiseAddr()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Dial implements the Transport interface.
func (n *NetworkTransport) Dial(target string, timeout time.Duration) (*Conn, error) {
	if n.IsShutdown() {
		return nil, ErrTransportShutdown
	}

	if timeout == 0 {
		timeout = n.timeout
	}

	conn, err := n.stream.Dial(target, timeout)
	if err != nil {
		return nil, err
	}

	c := NewConn(conn, n.timeout)
	if !n.track(c) {
		c.Close()
		return nil, ErrTransportShutdown
	}

	n.logger.WithFields(logrus.Fields{
		"conn":   c.ID(),
		"target": target,
	}).Debug("dialed connection")

	return c, nil
}

// Serve implements the Transport interface.
func (n *NetworkTransport) Serve(c *Conn) {
	go n.handleConn(c)
}

// Forget implements the Transport interface.
func (n *NetworkTransport) Forget(c *Conn) {
	n.untrack(c)
	c.Close()
}

// Listen opens the stream and handles incoming connections.
func (n *NetworkTransport) Listen() {
	for {
		// Accept incoming connections
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			n.logger.WithField("error", err).Error("Failed to accept connection")
			continue
		}

		c := NewConn(conn, n.timeout)
		if !n.track(c) {
			c.Close()
			return
		}

		n.logger.WithFields(logrus.Fields{
			"conn": c.ID(),
			"node": conn.LocalAddr(),
			"from": conn.RemoteAddr(),
		}).Debug("accepted connection")

		// The accept event must be queued before the reader can queue
		// anything for this connection.
		if !n.emit(Event{Type: ConnAccepted, Conn: c}) {
			return
		}

		go n.handleConn(c)
	}
}

func (n *NetworkTransport) track(c *Conn) bool {
	n.connsLock.Lock()
	defer n.connsLock.Unlock()

	if n.IsShutdown() {
		return false
	}
	n.conns[c.ID()] = c
	return true
}

func (n *NetworkTransport) untrack(c *Conn) {
	n.connsLock.Lock()
	delete(n.conns, c.ID())
	n.connsLock.Unlock()
}

func (n *NetworkTransport) emit(ev Event) bool {
	select {
	case n.consumeCh <- ev:
		return true
	case <-n.shutdownCh:
		return false
	}
}

// handleConn reads envelopes from a connection for its lifespan.
func (n *NetworkTransport) handleConn(c *Conn) {
	defer n.untrack(c)

	for {
		e, frame, err := c.ReadEnvelope()
		if err != nil {
			if frame != nil && errors.Is(err, ErrMalformed) {
				if !n.emit(Event{Type: FrameMalformed, Conn: c, Frame: frame, Err: err}) {
					return
				}
				continue
			}

			if err != io.EOF && !n.IsShutdown() {
				n.logger.WithFields(logrus.Fields{
					"conn":  c.ID(),
					"error": err,
				}).Debug("connection read failed")
			}
			c.Close()
			n.emit(Event{Type: ConnClosed, Conn: c, Err: err})
			return
		}

		if !n.emit(Event{Type: EnvelopeReceived, Conn: c, Envelope: e, Frame: frame}) {
			return
		}
	}
}
