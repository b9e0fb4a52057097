package node

import (
	"github.com/mosaicnetworks/prism/src/peers"
)

// PeerSelector defines an interface for Peer Selectors
type PeerSelector interface {
	Next(candidates []*peers.Peer, requesterID string) *peers.Peer
}

//+++++++++++++++++++++++++++++++++++++++
//ROUND ROBIN

// RoundRobinPeerSelector hands out candidates in turn, so that successive
// redirected joiners are spread over the children of a node.
type RoundRobinPeerSelector struct {
	cursor int
}

// NewRoundRobinPeerSelector is a factory method that returns a new instance of
// RoundRobinPeerSelector
func NewRoundRobinPeerSelector() *RoundRobinPeerSelector {
	return &RoundRobinPeerSelector{}
}

// Next returns the next peer, never the requester.
func (ps *RoundRobinPeerSelector) Next(candidates []*peers.Peer, requesterID string) *peers.Peer {
	_, selectablePeers := peers.ExcludePeer(candidates, requesterID)

	if len(selectablePeers) == 0 {
		return nil
	}

	peer := selectablePeers[ps.cursor%len(selectablePeers)]
	ps.cursor++

	return peer
}
