package net

import (
	"fmt"
	"net"
	"strconv"
)

// Kind identifies the purpose of an Envelope.
type Kind uint8

const (
	// Regular carries a chat message in its payload.
	Regular Kind = iota
	// Port is sent by a joining node to announce its own listening port.
	Port
	// Rebalance redirects an over-capacity joiner to another peer.
	Rebalance
	// Failover tells a child where to reconnect if its parent vanishes.
	Failover
	// Name announces the display name of the sender in its payload.
	Name
)

// String returns the string representation of a Kind
func (k Kind) String() string {
	switch k {
	case Regular:
		return "Regular"
	case Port:
		return "Port"
	case Rebalance:
		return "Rebalance"
	case Failover:
		return "Failover"
	case Name:
		return "Name"
	default:
		return "Unknown"
	}
}

// carriesPeer reports whether envelopes of this kind must carry a
// PeerDescriptor. Regular and Name never do.
func (k Kind) carriesPeer() bool {
	return k == Port || k == Rebalance || k == Failover
}

func (k Kind) valid() bool {
	return k <= Name
}

// PeerDescriptor is the reachable listening endpoint of a remote node. Addr is
// nil when the sender does not know (or does not need to state) the address,
// which is the case for Port envelopes: the receiver already knows where the
// connection comes from.
type PeerDescriptor struct {
	Addr net.IP
	Port uint16
}

// NewPeerDescriptor builds a PeerDescriptor from an IP and a port. IPv4
// addresses are stored in their 4-byte form.
func NewPeerDescriptor(ip net.IP, port uint16) PeerDescriptor {
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return PeerDescriptor{Addr: ip, Port: port}
}

// Equal compares two descriptors, treating the 4 and 16-byte forms of an IPv4
// address as equal.
func (p PeerDescriptor) Equal(o PeerDescriptor) bool {
	if p.Port != o.Port {
		return false
	}
	if p.Addr == nil || o.Addr == nil {
		return p.Addr == nil && o.Addr == nil
	}
	return p.Addr.Equal(o.Addr)
}

// HostPort returns the dialable "host:port" form of the descriptor.
func (p PeerDescriptor) HostPort() string {
	host := ""
	if p.Addr != nil {
		host = p.Addr.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(p.Port)))
}

func (p PeerDescriptor) String() string {
	return p.HostPort()
}

// Envelope is the unit of transmission on every overlay connection.
type Envelope struct {
	Kind    Kind
	Peer    *PeerDescriptor
	Payload []byte
}

// NewRegular returns a Regular envelope carrying a chat message.
func NewRegular(payload []byte) *Envelope {
	return &Envelope{Kind: Regular, Payload: payload}
}

// NewPort returns the Port envelope with which a node announces the port it
// listens on.
func NewPort(port uint16) *Envelope {
	return &Envelope{Kind: Port, Peer: &PeerDescriptor{Port: port}}
}

// NewRebalance returns a Rebalance envelope pointing at target.
func NewRebalance(target PeerDescriptor) *Envelope {
	return &Envelope{Kind: Rebalance, Peer: &target}
}

// NewFailover returns a Failover envelope describing target.
func NewFailover(target PeerDescriptor) *Envelope {
	return &Envelope{Kind: Failover, Peer: &target}
}

// NewName returns a Name envelope announcing a display name.
func NewName(name string) *Envelope {
	return &Envelope{Kind: Name, Payload: []byte(name)}
}

// Validate checks that the envelope respects the peer-presence rule of its
// kind.
func (e *Envelope) Validate() error {
	if !e.Kind.valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrMalformed, e.Kind)
	}
	if e.Kind.carriesPeer() && e.Peer == nil {
		return fmt.Errorf("%w: %s envelope without peer", ErrMalformed, e.Kind)
	}
	if !e.Kind.carriesPeer() && e.Peer != nil {
		return fmt.Errorf("%w: %s envelope with peer", ErrMalformed, e.Kind)
	}
	return nil
}
