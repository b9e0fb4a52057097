package net

import "time"

// Transport provides an interface for network transports to allow a node to
// exchange envelopes with its parent and children.
type Transport interface {

	// Listen accepts incoming connections until the transport is closed.
	Listen()

	// Consumer returns the channel on which every connection event is
	// delivered, in the order it happened on each connection.
	Consumer() <-chan Event

	// Dial opens an outgoing connection, giving up after timeout. A zero
	// timeout falls back to the transport's own. Events for the new
	// connection are only produced after Serve is called.
	Dial(target string, timeout time.Duration) (*Conn, error)

	// Serve starts reading envelopes from a dialed connection.
	Serve(c *Conn)

	// Forget closes a dialed connection that will never be served and stops
	// tracking it.
	Forget(c *Conn)

	// LocalAddr is used to return our local address
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other peers
	// can reach us
	AdvertiseAddr() string

	// Close permanently closes a transport, stopping
	// any associated goroutines and freeing other resources.
	Close() error
}

// EventType identifies what happened on a connection.
type EventType uint8

const (
	// ConnAccepted is produced when the listener accepts a new connection.
	ConnAccepted EventType = iota
	// EnvelopeReceived is produced for every well-formed envelope.
	EnvelopeReceived
	// FrameMalformed is produced for a complete frame that could not be
	// interpreted. The connection stays open.
	FrameMalformed
	// ConnClosed is produced once when a connection can no longer be read,
	// because the peer closed it or because of a read error.
	ConnClosed
)

// String returns the string representation of an EventType
func (t EventType) String() string {
	switch t {
	case ConnAccepted:
		return "ConnAccepted"
	case EnvelopeReceived:
		return "EnvelopeReceived"
	case FrameMalformed:
		return "FrameMalformed"
	case ConnClosed:
		return "ConnClosed"
	default:
		return "Unknown"
	}
}

// Event is a readiness notification for one connection. Frame holds the raw
// bytes of the received envelope so that it can be forwarded unchanged.
type Event struct {
	Type     EventType
	Conn     *Conn
	Envelope *Envelope
	Frame    []byte
	Err      error
}
