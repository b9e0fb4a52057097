package peers

import (
	"fmt"

	"github.com/mosaicnetworks/prism/src/net"
)

// Peer is the record kept for one live connection, child or parent.
type Peer struct {
	Conn *net.Conn

	// Addr is the remote address of the connection.
	Addr string

	// Confirmed is set once the other end has announced its listening port
	// with a Port envelope. Only confirmed peers take part in failover and
	// rebalancing.
	Confirmed bool

	// Port is the listening port announced by the other end.
	Port uint16

	// Name is the display name of the other end.
	Name string
}

// NewPeer creates an unconfirmed record for conn.
func NewPeer(conn *net.Conn, name string) *Peer {
	return &Peer{
		Conn: conn,
		Addr: conn.RemoteAddr().String(),
		Name: name,
	}
}

// ID returns the identity of the underlying connection.
func (p *Peer) ID() string {
	return p.Conn.ID()
}

// Descriptor returns the endpoint other nodes should dial to reach this peer:
// the IP it connected from and the port it announced.
func (p *Peer) Descriptor() net.PeerDescriptor {
	return net.NewPeerDescriptor(p.Conn.RemoteIP(), p.Port)
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s(%s)", p.Name, p.Addr)
}

// Info is a detached, serializable view of a Peer.
type Info struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Addr      string `json:"addr"`
	Confirmed bool   `json:"confirmed"`
	Port      uint16 `json:"port"`
	Name      string `json:"name"`
	Successor bool   `json:"successor"`
}

// ExcludePeer is used to exclude a single peer from a list of peers.
func ExcludePeer(peers []*Peer, id string) (int, []*Peer) {
	index := -1
	otherPeers := make([]*Peer, 0, len(peers))
	for i, p := range peers {
		if p.ID() != id {
			otherPeers = append(otherPeers, p)
		} else {
			index = i
		}
	}
	return index, otherPeers
}
