package node

import (
	"bufio"
	"errors"
	gonet "net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mosaicnetworks/prism/src/common"
	"github.com/mosaicnetworks/prism/src/config"
	"github.com/mosaicnetworks/prism/src/net"
	"github.com/mosaicnetworks/prism/src/node/state"
	"github.com/mosaicnetworks/prism/src/peers"
	"github.com/mosaicnetworks/prism/src/telemetry"
)

const testTimeout = 3 * time.Second

type testNode struct {
	*Node
	out *common.SyncBuffer
}

func newTestNode(t *testing.T, capacity int, connect string) *testNode {
	t.Helper()

	conf := config.NewTestConfig(t, common.TestLogLevel)
	conf.Capacity = capacity
	conf.ConnectAddr = connect
	conf.DialTimeout = time.Second

	out := &common.SyncBuffer{}
	conf.Output = out

	trans, err := net.NewTCPTransport(conf.BindAddr, "", conf.TCPTimeout, conf.Logger())
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	node := NewNode(conf, trans, telemetry.NewMetrics())
	if err := node.Init(); err != nil {
		t.Fatalf("err: %v", err)
	}
	node.RunAsync()
	t.Cleanup(node.Shutdown)

	return &testNode{Node: node, out: out}
}

func (tn *testNode) addr() string {
	return "127.0.0.1:" + strconv.Itoa(int(tn.GetHostPort()))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func waitPeers(t *testing.T, n *testNode, count, confirmed int) []peers.Info {
	t.Helper()
	var infos []peers.Info
	waitFor(t, "peers", func() bool {
		infos = n.GetPeers()
		c := 0
		for _, i := range infos {
			if i.Confirmed && i.Role == peers.RoleChild {
				c++
			}
		}
		return len(infos) == count && c == confirmed
	})
	return infos
}

func waitOutput(t *testing.T, n *testNode, s string) {
	t.Helper()
	waitFor(t, "output "+s, func() bool {
		return strings.Contains(n.out.String(), s)
	})
}

// testPeer speaks the wire protocol directly over a TCP socket.
type testPeer struct {
	conn gonet.Conn
	r    *bufio.Reader
}

func newTestPeer(t *testing.T, conn gonet.Conn) *testPeer {
	t.Cleanup(func() { conn.Close() })
	return &testPeer{conn: conn, r: bufio.NewReader(conn)}
}

func dialTestPeer(t *testing.T, addr string) *testPeer {
	t.Helper()
	conn, err := gonet.DialTimeout("tcp", addr, testTimeout)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return newTestPeer(t, conn)
}

func (p *testPeer) send(t *testing.T, e *net.Envelope) {
	t.Helper()
	frame, err := net.Encode(e)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	p.sendRaw(t, frame)
}

func (p *testPeer) sendRaw(t *testing.T, frame []byte) {
	t.Helper()
	if _, err := p.conn.Write(frame); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func (p *testPeer) expect(t *testing.T, kind net.Kind) *net.Envelope {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(testTimeout))
	frame, err := net.ReadFrame(p.r)
	if err != nil {
		t.Fatalf("expected %s envelope: %v", kind, err)
	}
	e, _, err := net.Decode(frame)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if e.Kind != kind {
		t.Fatalf("expected %s envelope, got %s", kind, e.Kind)
	}
	return e
}

func (p *testPeer) expectNothing(t *testing.T) {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	frame, err := net.ReadFrame(p.r)
	if err == nil {
		e, _, _ := net.Decode(frame)
		t.Fatalf("expected nothing, got %v", e)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func (p *testPeer) expectClosed(t *testing.T) {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(testTimeout))
	for {
		if _, err := net.ReadFrame(p.r); err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				t.Fatalf("connection should have been closed")
			}
			return
		}
	}
}

// testParent is a listener standing in for a parent node.
type testParent struct {
	l    gonet.Listener
	port uint16
}

func newTestParent(t *testing.T) *testParent {
	t.Helper()
	l, err := gonet.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return &testParent{l: l, port: uint16(l.Addr().(*gonet.TCPAddr).Port)}
}

func (tp *testParent) addr() string {
	return tp.l.Addr().String()
}

func (tp *testParent) descriptor() net.PeerDescriptor {
	return net.NewPeerDescriptor(gonet.IPv4(127, 0, 0, 1), tp.port)
}

func (tp *testParent) accept(t *testing.T) *testPeer {
	t.Helper()
	tp.l.(*gonet.TCPListener).SetDeadline(time.Now().Add(testTimeout))
	conn, err := tp.l.Accept()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return newTestPeer(t, conn)
}

func loopback(port uint16) net.PeerDescriptor {
	return net.NewPeerDescriptor(gonet.IPv4(127, 0, 0, 1), port)
}

func TestNodeStartsRootless(t *testing.T) {
	node := newTestNode(t, 3, "")

	stats := node.GetStats()
	if stats["state"] != state.Rootless.String() {
		t.Fatalf("state should be Rootless, not %s", stats["state"])
	}
	if stats["parent"] != "" {
		t.Fatalf("parent should be empty, not %s", stats["parent"])
	}
	if node.GetHostPort() == 0 {
		t.Fatalf("host port should be the listener port")
	}
}

func TestNodeConnectFailure(t *testing.T) {
	tp := newTestParent(t)
	addr := tp.addr()
	tp.l.Close()

	node := newTestNode(t, 3, addr)

	if s := node.GetState(); s != state.Rootless {
		t.Fatalf("state should be Rootless, not %s", s)
	}
}

func TestNodeJoinSendsPort(t *testing.T) {
	tp := newTestParent(t)
	node := newTestNode(t, 3, tp.addr())

	parent := tp.accept(t)
	port := parent.expect(t, net.Port)
	if port.Peer.Port != node.GetHostPort() {
		t.Fatalf("Port should announce %d, not %d", node.GetHostPort(), port.Peer.Port)
	}

	if s := node.GetState(); s != state.Attached {
		t.Fatalf("state should be Attached, not %s", s)
	}

	infos := node.GetPeers()
	if len(infos) != 1 || infos[0].Role != peers.RoleParent || infos[0].Name != parentName {
		t.Fatalf("registry should hold the parent only: %#v", infos)
	}
}

func TestPortWithinCapacity(t *testing.T) {
	node := newTestNode(t, 2, "")

	a := dialTestPeer(t, node.addr())
	a.send(t, net.NewPort(5001))
	waitPeers(t, node, 1, 1)

	b := dialTestPeer(t, node.addr())
	b.send(t, net.NewPort(5002))
	waitPeers(t, node, 2, 2)

	// a is the successor: b is told to fail over to it, a is told nothing.
	failover := b.expect(t, net.Failover)
	if !failover.Peer.Equal(loopback(5001)) {
		t.Fatalf("failover should be %s, not %s", loopback(5001), failover.Peer)
	}
	a.expectNothing(t)

	stats := node.GetStats()
	if stats["confirmed"] != "2" {
		t.Fatalf("confirmed should be 2, not %s", stats["confirmed"])
	}
}

func TestPortBeyondCapacity(t *testing.T) {
	node := newTestNode(t, 2, "")

	a := dialTestPeer(t, node.addr())
	a.send(t, net.NewPort(5001))
	waitPeers(t, node, 1, 1)

	b := dialTestPeer(t, node.addr())
	b.send(t, net.NewPort(5002))
	waitPeers(t, node, 2, 2)
	b.expect(t, net.Failover)

	// Joiners beyond capacity are spread over the confirmed children.
	c := dialTestPeer(t, node.addr())
	c.send(t, net.NewPort(5003))
	rc := c.expect(t, net.Rebalance)
	if !rc.Peer.Equal(loopback(5001)) {
		t.Fatalf("first rebalance should target %s, not %s", loopback(5001), rc.Peer)
	}

	d := dialTestPeer(t, node.addr())
	d.send(t, net.NewPort(5004))
	rd := d.expect(t, net.Rebalance)
	if !rd.Peer.Equal(loopback(5002)) {
		t.Fatalf("second rebalance should target %s, not %s", loopback(5002), rd.Peer)
	}

	waitPeers(t, node, 4, 2)

	// A confirmed child announcing again is not redirected to itself.
	a.send(t, net.NewPort(5001))
	a.expectNothing(t)
	waitPeers(t, node, 4, 2)
}

func TestRebalanceNeverTargetsRequester(t *testing.T) {
	node := newTestNode(t, 1, "")

	a := dialTestPeer(t, node.addr())
	a.send(t, net.NewPort(5001))
	waitPeers(t, node, 1, 1)

	for i := 0; i < 3; i++ {
		p := dialTestPeer(t, node.addr())
		p.send(t, net.NewPort(uint16(6000+i)))
		r := p.expect(t, net.Rebalance)
		if !r.Peer.Equal(loopback(5001)) {
			t.Fatalf("rebalance should target the only confirmed child, not %s", r.Peer)
		}
	}
}

func TestRegularFloodExclusion(t *testing.T) {
	node := newTestNode(t, 3, "")

	a := dialTestPeer(t, node.addr())
	b := dialTestPeer(t, node.addr())
	c := dialTestPeer(t, node.addr())
	waitPeers(t, node, 3, 0)

	a.send(t, net.NewRegular([]byte("alice> hi")))

	for _, p := range []*testPeer{b, c} {
		e := p.expect(t, net.Regular)
		if string(e.Payload) != "alice> hi" {
			t.Fatalf("payload should be forwarded unchanged, got %q", e.Payload)
		}
	}
	a.expectNothing(t)

	waitOutput(t, node, "alice> hi")
}

func TestRegularFloodReachesParent(t *testing.T) {
	tp := newTestParent(t)
	node := newTestNode(t, 3, tp.addr())
	parent := tp.accept(t)
	parent.expect(t, net.Port)

	a := dialTestPeer(t, node.addr())
	b := dialTestPeer(t, node.addr())
	waitPeers(t, node, 3, 0)

	parent.send(t, net.NewRegular([]byte("down")))
	a.expect(t, net.Regular)
	b.expect(t, net.Regular)

	a.send(t, net.NewRegular([]byte("up")))
	if e := parent.expect(t, net.Regular); string(e.Payload) != "up" {
		t.Fatalf("parent should receive %q, got %q", "up", e.Payload)
	}
	b.expect(t, net.Regular)
	a.expectNothing(t)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	node := newTestNode(t, 3, "")

	a := dialTestPeer(t, node.addr())
	b := dialTestPeer(t, node.addr())
	waitPeers(t, node, 2, 0)

	// A Port envelope without a peer descriptor.
	a.sendRaw(t, []byte{net.WireVersion, byte(net.Port), 0, 0, 0, 0, 0})
	a.send(t, net.NewRegular([]byte("still here")))

	if e := b.expect(t, net.Regular); string(e.Payload) != "still here" {
		t.Fatalf("unexpected payload %q", e.Payload)
	}
	waitPeers(t, node, 2, 0)
}

func TestFailoverLastWriteWins(t *testing.T) {
	tp := newTestParent(t)
	node := newTestNode(t, 3, tp.addr())
	parent := tp.accept(t)
	parent.expect(t, net.Port)

	x := net.NewPeerDescriptor(gonet.IPv4(10, 0, 0, 1), 7000)
	y := loopback(7001)
	parent.send(t, net.NewFailover(x))
	parent.send(t, net.NewFailover(y))

	waitFor(t, "failover", func() bool {
		return node.GetStats()["failover"] == y.String()
	})

	// Failover from a child is ignored.
	child := dialTestPeer(t, node.addr())
	child.send(t, net.NewFailover(x))
	child.send(t, net.NewRegular([]byte("sync")))
	waitOutput(t, node, "sync")

	if f := node.GetStats()["failover"]; f != y.String() {
		t.Fatalf("failover should still be %s, not %s", y, f)
	}
}

func TestFailoverAssignmentWithParent(t *testing.T) {
	tp := newTestParent(t)
	node := newTestNode(t, 3, tp.addr())
	parent := tp.accept(t)
	parent.expect(t, net.Port)

	a := dialTestPeer(t, node.addr())
	a.send(t, net.NewPort(5001))

	// The parent is the successor: children fail over to it.
	f := a.expect(t, net.Failover)
	if !f.Peer.Equal(tp.descriptor()) {
		t.Fatalf("failover should be the parent %s, not %s", tp.descriptor(), f.Peer)
	}
	parent.expectNothing(t)
}

func TestSuccessorLossRefreshesFailover(t *testing.T) {
	node := newTestNode(t, 3, "")

	a := dialTestPeer(t, node.addr())
	a.send(t, net.NewPort(5001))
	waitPeers(t, node, 1, 1)

	b := dialTestPeer(t, node.addr())
	b.send(t, net.NewPort(5002))
	if f := b.expect(t, net.Failover); !f.Peer.Equal(loopback(5001)) {
		t.Fatalf("failover should be %s, not %s", loopback(5001), f.Peer)
	}

	c := dialTestPeer(t, node.addr())
	c.send(t, net.NewPort(5003))
	c.expect(t, net.Failover)
	b.expect(t, net.Failover)

	// The successor leaves: b is promoted and c is told about it.
	a.conn.Close()
	if f := c.expect(t, net.Failover); !f.Peer.Equal(loopback(5002)) {
		t.Fatalf("failover should now be %s, not %s", loopback(5002), f.Peer)
	}
	b.expectNothing(t)
}

func TestParentLossWithoutCandidate(t *testing.T) {
	tp := newTestParent(t)
	node := newTestNode(t, 3, tp.addr())
	parent := tp.accept(t)
	parent.expect(t, net.Port)

	parent.conn.Close()

	waitFor(t, "Rootless", func() bool {
		return node.GetState() == state.Rootless
	})
	if p := node.GetStats()["parent"]; p != "" {
		t.Fatalf("parent should be cleared, not %s", p)
	}
}

func TestParentLossDialFailure(t *testing.T) {
	tp := newTestParent(t)
	node := newTestNode(t, 3, tp.addr())
	parent := tp.accept(t)
	parent.expect(t, net.Port)

	dead := newTestParent(t)
	deadTarget := dead.descriptor()
	dead.l.Close()

	parent.send(t, net.NewFailover(deadTarget))
	waitFor(t, "failover", func() bool {
		return node.GetStats()["failover"] == deadTarget.String()
	})

	parent.conn.Close()

	waitFor(t, "Rootless", func() bool {
		return node.GetState() == state.Rootless && node.GetStats()["failover"] == ""
	})
}

func TestRebalanceFromParent(t *testing.T) {
	first := newTestParent(t)
	second := newTestParent(t)

	node := newTestNode(t, 3, first.addr())
	node.Submit("/name bob")

	p1 := first.accept(t)
	p1.expect(t, net.Port)
	p1.expect(t, net.Name)

	p1.send(t, net.NewRebalance(second.descriptor()))
	p1.expectClosed(t)

	p2 := second.accept(t)
	port := p2.expect(t, net.Port)
	if port.Peer.Port != node.GetHostPort() {
		t.Fatalf("Port should announce %d, not %d", node.GetHostPort(), port.Peer.Port)
	}
	if name := p2.expect(t, net.Name); string(name.Payload) != "bob" {
		t.Fatalf("Name should be replayed, got %q", name.Payload)
	}

	waitFor(t, "Attached", func() bool {
		return node.GetStats()["parent"] == second.descriptor().String()
	})
	if s := node.GetState(); s != state.Attached {
		t.Fatalf("state should be Attached, not %s", s)
	}
}

func TestRebalanceFromChildIgnored(t *testing.T) {
	node := newTestNode(t, 3, "")

	a := dialTestPeer(t, node.addr())
	a.send(t, net.NewRebalance(loopback(1)))
	a.send(t, net.NewRegular([]byte("sync")))
	waitOutput(t, node, "sync")

	if s := node.GetState(); s != state.Rootless {
		t.Fatalf("state should be Rootless, not %s", s)
	}
}

// A is the root, C and B its children, in that order. C is the successor, so
// B is told to fail over to C. When A dies, B must reconnect to C and announce
// its own port there.
func TestReconnectToFailoverCandidate(t *testing.T) {
	a := newTestNode(t, 3, "")
	c := newTestNode(t, 3, a.addr())
	waitPeers(t, a, 1, 1)

	b := newTestNode(t, 3, a.addr())
	waitPeers(t, a, 2, 2)

	waitFor(t, "failover on B", func() bool {
		return b.GetStats()["failover"] == loopback(c.GetHostPort()).String()
	})

	a.Shutdown()

	waitFor(t, "B attached to C", func() bool {
		return b.GetStats()["parent"] == loopback(c.GetHostPort()).String()
	})

	infos := waitPeers(t, c, 1, 1)
	if infos[0].Port != b.GetHostPort() {
		t.Fatalf("C should record B's port %d, not %d", b.GetHostPort(), infos[0].Port)
	}
	if s := b.GetState(); s != state.Attached {
		t.Fatalf("B should be Attached, not %s", s)
	}
	if s := c.GetState(); s != state.Rootless {
		t.Fatalf("C should be Rootless, not %s", s)
	}
}

func TestNamePropagation(t *testing.T) {
	tp := newTestParent(t)
	node := newTestNode(t, 3, tp.addr())
	parent := tp.accept(t)
	parent.expect(t, net.Port)

	a := dialTestPeer(t, node.addr())
	b := dialTestPeer(t, node.addr())
	waitPeers(t, node, 3, 0)

	a.send(t, net.NewName("alice"))

	const notice = "alice has joined the Chat Room"
	for _, p := range []*testPeer{b, parent} {
		if e := p.expect(t, net.Regular); string(e.Payload) != notice {
			t.Fatalf("expected %q, got %q", notice, e.Payload)
		}
	}
	a.expectNothing(t)
	waitOutput(t, node, notice)

	found := false
	for _, info := range node.GetPeers() {
		if info.Name == "alice" {
			found = true
		}
	}
	if !found {
		t.Fatalf("registry should record alice")
	}
}

func TestSetNameOnce(t *testing.T) {
	node := newTestNode(t, 3, "")

	a := dialTestPeer(t, node.addr())
	a.send(t, net.NewPort(5001))
	waitPeers(t, node, 1, 1)

	node.Submit("hello")
	waitOutput(t, node, msgNameRequired)

	node.Submit("/name")
	waitOutput(t, node, msgNameInvalid)

	node.Submit("/name bob")
	node.Submit("/name carol")
	waitOutput(t, node, msgNameAlreadySet)
	waitOutput(t, node, "Welcome bob!")
	if strings.Contains(node.out.String(), "Welcome carol!") {
		t.Fatalf("second name should not be welcomed")
	}

	if name := node.GetStats()["name"]; name != "bob" {
		t.Fatalf("name should be bob, not %s", name)
	}

	// The refused line was never sent: the first thing a sees is the name.
	if e := a.expect(t, net.Name); string(e.Payload) != "bob" {
		t.Fatalf("Name should be bob, got %q", e.Payload)
	}

	node.Submit("/unknown stuff")
	node.Submit("hello")
	if e := a.expect(t, net.Regular); string(e.Payload) != "bob> hello" {
		t.Fatalf("unexpected payload %q", e.Payload)
	}
	a.expectNothing(t)
}

func TestExitCommand(t *testing.T) {
	node := newTestNode(t, 3, "")

	a := dialTestPeer(t, node.addr())
	waitPeers(t, node, 1, 0)

	node.Submit("/exit")

	select {
	case <-node.Done():
	case <-time.After(testTimeout):
		t.Fatalf("node should have stopped")
	}

	if s := node.GetState(); s != state.Shutdown {
		t.Fatalf("state should be Shutdown, not %s", s)
	}
	a.expectClosed(t)

	if node.Submit("late") {
		t.Fatalf("Submit should fail after shutdown")
	}
}

// confirmUnderParent attaches two confirmed children to a node that has a
// parent, and drains the Failover envelopes pointing at that parent.
func confirmUnderParent(t *testing.T, node *testNode, tp *testParent) (*testPeer, *testPeer) {
	t.Helper()

	b := dialTestPeer(t, node.addr())
	b.send(t, net.NewPort(5001))
	if f := b.expect(t, net.Failover); !f.Peer.Equal(tp.descriptor()) {
		t.Fatalf("failover should be the parent %s, not %s", tp.descriptor(), f.Peer)
	}

	c := dialTestPeer(t, node.addr())
	c.send(t, net.NewPort(5002))
	for _, p := range []*testPeer{b, c} {
		if f := p.expect(t, net.Failover); !f.Peer.Equal(tp.descriptor()) {
			t.Fatalf("failover should be the parent %s, not %s", tp.descriptor(), f.Peer)
		}
	}
	waitPeers(t, node, 3, 2)

	return b, c
}

func TestParentLossPromotesChild(t *testing.T) {
	tp := newTestParent(t)
	node := newTestNode(t, 3, tp.addr())
	parent := tp.accept(t)
	parent.expect(t, net.Port)

	b, c := confirmUnderParent(t, node, tp)

	parent.conn.Close()

	// b is promoted: c is told to fail over to it. b itself is not told
	// anything and keeps the old parent as its candidate.
	if f := c.expect(t, net.Failover); !f.Peer.Equal(loopback(5001)) {
		t.Fatalf("failover should now be %s, not %s", loopback(5001), f.Peer)
	}
	b.expectNothing(t)

	if s := node.GetState(); s != state.Rootless {
		t.Fatalf("state should be Rootless, not %s", s)
	}
}

func TestReconnectRefreshesFailover(t *testing.T) {
	first := newTestParent(t)
	second := newTestParent(t)

	node := newTestNode(t, 3, first.addr())
	p1 := first.accept(t)
	p1.expect(t, net.Port)

	b, c := confirmUnderParent(t, node, first)

	p1.send(t, net.NewFailover(second.descriptor()))
	waitFor(t, "failover", func() bool {
		return node.GetStats()["failover"] == second.descriptor().String()
	})

	p1.conn.Close()

	p2 := second.accept(t)
	p2.expect(t, net.Port)

	for _, p := range []*testPeer{b, c} {
		if f := p.expect(t, net.Failover); !f.Peer.Equal(second.descriptor()) {
			t.Fatalf("failover should be the new parent %s, not %s", second.descriptor(), f.Peer)
		}
	}
	p2.expectNothing(t)
}

// A frame whose header cannot be trusted leaves no way to find the next
// frame, so the connection is closed rather than skipped.
func TestCorruptHeaderClosesConnection(t *testing.T) {
	node := newTestNode(t, 3, "")

	a := dialTestPeer(t, node.addr())
	b := dialTestPeer(t, node.addr())
	waitPeers(t, node, 2, 0)

	a.sendRaw(t, []byte{9, byte(net.Regular), 0, 0, 0, 0, 0})
	a.expectClosed(t)
	waitPeers(t, node, 1, 0)

	c := dialTestPeer(t, node.addr())
	waitPeers(t, node, 2, 0)
	b.send(t, net.NewRegular([]byte("still here")))
	if e := c.expect(t, net.Regular); string(e.Payload) != "still here" {
		t.Fatalf("unexpected payload %q", e.Payload)
	}
}

func TestClosedConnectionNotice(t *testing.T) {
	node := newTestNode(t, 3, "")

	a := dialTestPeer(t, node.addr())
	a.send(t, net.NewName("alice"))
	waitOutput(t, node, "alice has joined the Chat Room")

	a.conn.Close()
	waitOutput(t, node, "alice Closed Connection")
	waitPeers(t, node, 0, 0)
}
