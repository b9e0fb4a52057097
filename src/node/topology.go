package node

import (
	"github.com/mosaicnetworks/prism/src/net"
	"github.com/mosaicnetworks/prism/src/node/state"
	"github.com/mosaicnetworks/prism/src/peers"
	"github.com/sirupsen/logrus"
)

const (
	parentName      = "Upstream"
	childNamePrefix = "Client "
)

type dialResult struct {
	seq    uint64
	reason string
	target net.PeerDescriptor
	conn   *net.Conn
	err    error
}

func (n *Node) processEvent(ev net.Event) {
	switch ev.Type {
	case net.ConnAccepted:
		n.addChild(ev.Conn)
	case net.EnvelopeReceived:
		n.processEnvelope(ev.Conn, ev.Envelope, ev.Frame)
	case net.FrameMalformed:
		n.metrics.Malformed.Inc()
		n.logger.WithFields(logrus.Fields{
			"kind":  "Malformed",
			"conn":  ev.Conn.ID(),
			"error": ev.Err,
		}).Warn("Dropping frame")
	case net.ConnClosed:
		n.removeConn(ev.Conn, ev.Err)
	}
}

func (n *Node) addChild(conn *net.Conn) {
	p := peers.NewPeer(conn, childNamePrefix+conn.ShortID())
	n.registry.AddChild(p)
	n.updateGauges()

	n.logger.WithFields(logrus.Fields{
		"conn": conn.ID(),
		"addr": p.Addr,
	}).Debug("New child")
}

func (n *Node) removeConn(conn *net.Conn, err error) {
	wasParent := n.registry.IsParent(conn.ID())
	succ := n.registry.Successor()
	wasSuccessor := succ != nil && succ.ID() == conn.ID()

	p, ok := n.registry.Remove(conn.ID())
	conn.Close()
	if !ok {
		return
	}
	n.updateGauges()

	n.println(p.Name + " Closed Connection")

	n.logger.WithFields(logrus.Fields{
		"kind":   "PeerClosed",
		"peer":   p.String(),
		"parent": wasParent,
		"error":  err,
	}).Debug("Connection closed")

	switch {
	case wasParent:
		n.onParentLost()
	case wasSuccessor:
		n.refreshFailover()
	}
}

func (n *Node) processEnvelope(conn *net.Conn, e *net.Envelope, frame []byte) {
	p := n.registry.ByID(conn.ID())
	if p == nil {
		n.logger.WithField("conn", conn.ID()).Debug("Envelope from unknown connection")
		return
	}

	n.metrics.EnvelopesReceived.WithLabelValues(e.Kind.String()).Inc()

	n.logger.WithFields(logrus.Fields{
		"from": p.String(),
		"kind": e.Kind.String(),
	}).Debug("Envelope")

	switch e.Kind {
	case net.Regular:
		n.handleRegular(p, e, frame)
	case net.Port:
		n.handlePort(p, e)
	case net.Rebalance:
		n.handleRebalance(p, e)
	case net.Failover:
		n.handleFailover(p, e)
	case net.Name:
		n.handleName(p, e)
	}
}

func (n *Node) handleRegular(from *peers.Peer, e *net.Envelope, frame []byte) {
	n.println(string(e.Payload))
	n.broadcast(frame, net.Regular, from.ID(), false)
}

// handlePort confirms a joining child, unless this node already has Capacity
// confirmed children, in which case the joiner is redirected to one of them.
func (n *Node) handlePort(from *peers.Peer, e *net.Envelope) {
	if n.registry.IsParent(from.ID()) {
		n.logger.WithField("peer", from.String()).Warn("Ignoring Port from parent")
		return
	}

	if n.registry.ConfirmedCount(from.ID()) >= n.conf.Capacity {
		target := n.selector.Next(n.registry.Confirmed(""), from.ID())
		if target != nil {
			n.metrics.Rebalances.Inc()
			n.logger.WithFields(logrus.Fields{
				"peer":   from.String(),
				"target": target.String(),
			}).Debug("At capacity => Rebalance")
			n.send(from, net.NewRebalance(target.Descriptor()))
			return
		}
	}

	n.registry.Confirm(from.ID(), e.Peer.Port)
	n.updateGauges()

	n.logger.WithFields(logrus.Fields{
		"peer": from.String(),
		"port": e.Peer.Port,
	}).Debug("Child confirmed")

	n.refreshFailover()
}

func (n *Node) handleFailover(from *peers.Peer, e *net.Envelope) {
	if !n.registry.IsParent(from.ID()) {
		n.logger.WithField("peer", from.String()).Warn("Ignoring Failover from non-parent")
		return
	}

	target := *e.Peer
	n.failover = &target

	n.logger.WithField("failover", target.String()).Debug("Failover candidate")
}

func (n *Node) handleRebalance(from *peers.Peer, e *net.Envelope) {
	if !n.registry.IsParent(from.ID()) {
		n.logger.WithField("peer", from.String()).Warn("Ignoring Rebalance from non-parent")
		return
	}

	target := *e.Peer

	n.logger.WithFields(logrus.Fields{
		"parent": from.String(),
		"target": target.String(),
	}).Info("Redirected by parent")

	n.registry.Remove(from.ID())
	from.Conn.Close()
	n.parentInfo = nil
	n.failover = nil
	n.updateGauges()

	n.reconnect(target, "rebalance")
}

func (n *Node) handleName(from *peers.Peer, e *net.Envelope) {
	name := string(e.Payload)
	if name == "" {
		n.logger.WithField("peer", from.String()).Debug("Ignoring empty Name")
		return
	}

	n.registry.Rename(from.ID(), name)

	msg := name + " has joined the Chat Room"
	n.println(msg)

	frame, err := net.Encode(net.NewRegular([]byte(msg)))
	if err != nil {
		n.logger.WithError(err).Error("Encoding join notice")
		return
	}
	n.broadcast(frame, net.Regular, from.ID(), false)
}

// assignFailover picks the peer the confirmed children should reconnect to if
// this node disappears: the parent when there is one, otherwise the current
// successor, otherwise the first confirmed child, which becomes successor.
func (n *Node) assignFailover() (*net.PeerDescriptor, string) {
	if parent := n.registry.Parent(); parent != nil && n.parentInfo != nil {
		n.registry.SetSuccessor(parent.ID())
		target := *n.parentInfo
		return &target, parent.ID()
	}

	if succ := n.registry.Successor(); succ != nil && succ.Confirmed {
		target := succ.Descriptor()
		return &target, succ.ID()
	}

	confirmed := n.registry.Confirmed("")
	if len(confirmed) == 0 {
		n.registry.SetSuccessor("")
		return nil, ""
	}
	succ := confirmed[0]
	n.registry.SetSuccessor(succ.ID())
	target := succ.Descriptor()
	return &target, succ.ID()
}

// refreshFailover recomputes the failover assignment and sends it to every
// confirmed child except the successor itself.
func (n *Node) refreshFailover() {
	target, successorID := n.assignFailover()
	if target == nil {
		return
	}

	frame, err := net.Encode(net.NewFailover(*target))
	if err != nil {
		n.logger.WithError(err).Error("Encoding Failover")
		return
	}

	n.logger.WithFields(logrus.Fields{
		"failover":  target.String(),
		"successor": successorID,
	}).Debug("Flooding Failover")

	n.broadcast(frame, net.Failover, successorID, true)
}

func (n *Node) onParentLost() {
	n.parentInfo = nil

	if n.failover == nil {
		n.logger.Info("Parent lost, no failover candidate => Rootless")
		n.SetState(state.Rootless)
		n.refreshFailover()
		return
	}

	target := *n.failover
	n.failover = nil

	n.logger.WithField("failover", target.String()).Info("Parent lost => Reconnecting")
	n.reconnect(target, "failover")
}

// reconnect dials target off the loop. The result comes back through dialCh.
func (n *Node) reconnect(target net.PeerDescriptor, reason string) {
	n.dialSeq++
	seq := n.dialSeq
	n.SetState(state.Reconnecting)

	started := n.GoFunc(func() {
		conn, err := n.trans.Dial(target.HostPort(), n.conf.DialTimeout)
		res := dialResult{
			seq:    seq,
			reason: reason,
			target: target,
			conn:   conn,
			err:    err,
		}
		select {
		case n.dialCh <- res:
		case <-n.shutdownCh:
			if conn != nil {
				n.trans.Forget(conn)
			}
		}
	})

	if !started {
		n.logger.WithField("target", target.String()).Error("Too many pending dials => Rootless")
		n.SetState(state.Rootless)
		n.refreshFailover()
	}
}

func (n *Node) processDial(res dialResult) {
	if res.seq != n.dialSeq || n.registry.Parent() != nil {
		if res.conn != nil {
			n.trans.Forget(res.conn)
		}
		return
	}

	if res.err != nil {
		n.metrics.Reconnects.WithLabelValues(res.reason, "failed").Inc()
		n.logger.WithFields(logrus.Fields{
			"kind":   "ConnectFailure",
			"reason": res.reason,
			"target": res.target.String(),
			"error":  res.err,
		}).Error("Reconnection failed => Rootless")
		n.SetState(state.Rootless)
		n.refreshFailover()
		return
	}

	n.metrics.Reconnects.WithLabelValues(res.reason, "ok").Inc()
	n.attachParent(res.conn, res.target)
}

// attachParent installs conn as the parent link and announces this node on
// it: Port first, then the display name if there is one.
func (n *Node) attachParent(conn *net.Conn, target net.PeerDescriptor) {
	p := peers.NewPeer(conn, parentName)
	p.Confirmed = true
	p.Port = target.Port

	if prev := n.registry.SetParent(p); prev != nil {
		prev.Conn.Close()
	}
	n.parentInfo = &target
	n.failover = nil

	n.trans.Serve(conn)

	n.send(p, net.NewPort(n.hostPort))
	if n.name != "" {
		n.send(p, net.NewName(n.name))
	}

	n.SetState(state.Attached)
	n.updateGauges()

	n.logger.WithFields(logrus.Fields{
		"parent":    target.String(),
		"host_port": n.hostPort,
	}).Info("Attached to parent")

	n.refreshFailover()
}
