package node

import (
	"github.com/mosaicnetworks/prism/src/net"
	"github.com/mosaicnetworks/prism/src/peers"
	"github.com/sirupsen/logrus"
)

// broadcast writes an encoded frame to every child and to the parent, except
// the connection identified by excludeID. When onlyConfirmed is set,
// unconfirmed children are left out; the parent is always included. A failed
// write does not interrupt the flood: the connection's reader will report it
// closed soon enough.
func (n *Node) broadcast(frame []byte, kind net.Kind, excludeID string, onlyConfirmed bool) int {
	sent := 0
	for _, p := range n.registry.All() {
		if p.ID() == excludeID {
			continue
		}
		if onlyConfirmed && !p.Confirmed {
			continue
		}
		if n.write(p, kind, frame) {
			sent++
		}
	}
	return sent
}

// send encodes e and writes it to a single peer.
func (n *Node) send(p *peers.Peer, e *net.Envelope) bool {
	frame, err := net.Encode(e)
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"kind":  e.Kind.String(),
			"error": err,
		}).Error("Encoding envelope")
		return false
	}
	return n.write(p, e.Kind, frame)
}

func (n *Node) write(p *peers.Peer, kind net.Kind, frame []byte) bool {
	if err := p.Conn.Write(frame); err != nil {
		n.metrics.WriteFailures.Inc()
		n.logger.WithFields(logrus.Fields{
			"kind":     "WriteFailure",
			"envelope": kind.String(),
			"peer":     p.String(),
			"error":    err,
		}).Warn("Write failed")
		return false
	}
	n.metrics.EnvelopesSent.WithLabelValues(kind.String()).Inc()
	return true
}
