// Package net implements the wire protocol and the transport that connect
// Prism nodes.
//
// # Wire protocol
//
// Every connection carries a stream of Envelopes. An Envelope has a Kind, an
// optional PeerDescriptor, and an optional payload. The binary layout is
// explicit and versioned (see Encode), and each frame states the length of its
// payload, so frames can be cut out of a TCP stream regardless of how the
// bytes were split or merged in transit.
//
// # Transport
//
// The NetworkTransport accepts connections on a StreamLayer and dials new
// ones. It does not interpret envelopes: one reader goroutine per connection
// turns incoming frames, malformed frames, and closed connections into Events
// delivered on a single channel. The node consumes that channel from one
// goroutine, which gives it a serialized view of everything that happens on
// the network without any locking of its own.
//
// # TCP
//
// To use a TCP transport, set the following configuration options in the
// Config object (cf config package):
//
// - BindAddr: the IP:PORT of the TCP socket that the node binds to.
//
// - AdvertiseAddr: (optional) The address that is reported to operators.
// Other nodes never rely on it: a node's address is taken from the remote end
// of its connection, and only its port is announced.
package net
