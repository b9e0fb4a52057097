package node

import (
	"fmt"
	"io"
	gonet "net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mosaicnetworks/prism/src/config"
	"github.com/mosaicnetworks/prism/src/net"
	"github.com/mosaicnetworks/prism/src/node/state"
	"github.com/mosaicnetworks/prism/src/peers"
	"github.com/mosaicnetworks/prism/src/telemetry"
	"github.com/sirupsen/logrus"
)

// Node defines a Prism node
type Node struct {
	// The node's state and goroutine accounting. Only the state value is read
	// from other goroutines.
	state.Manager

	conf    *config.Config
	logger  *logrus.Entry
	out     io.Writer
	metrics *telemetry.Metrics

	trans net.Transport
	netCh <-chan net.Event

	// Everything below is owned by the loop goroutine.
	registry   *peers.Registry
	selector   PeerSelector
	hostPort   uint16
	name       string
	parentInfo *net.PeerDescriptor
	failover   *net.PeerDescriptor
	dialSeq    uint64

	submitCh chan string
	dialCh   chan dialResult
	queryCh  chan func()

	sigintCh     chan os.Signal
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	running      atomic.Bool
	doneCh       chan struct{}

	start time.Time
}

// NewNode is a factory method that returns a Node instance. The transport must
// already be bound; the node starts accepting children when Run is called.
func NewNode(conf *config.Config,
	trans net.Transport,
	metrics *telemetry.Metrics,
) *Node {
	// Prepare sigintCh to relay SIGINT and SIGTERM
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGTERM)

	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}

	hostPort := conf.AnnouncePort
	if hostPort == 0 {
		hostPort = listenPort(trans.LocalAddr())
	}

	node := Node{
		conf:       conf,
		logger:     conf.Logger().WithField("node", hostPort),
		out:        conf.Out(),
		metrics:    metrics,
		trans:      trans,
		netCh:      trans.Consumer(),
		registry:   peers.NewRegistry(),
		selector:   NewRoundRobinPeerSelector(),
		hostPort:   hostPort,
		name:       conf.Moniker,
		submitCh:   make(chan string),
		dialCh:     make(chan dialResult),
		queryCh:    make(chan func()),
		sigintCh:   sigintCh,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	return &node
}

func listenPort(addr string) uint16 {
	_, port, err := gonet.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(p)
}

// Init joins the parent configured in ConnectAddr, if any. A failure to reach
// it is not fatal: the node then runs as the root of its own tree.
func (n *Node) Init() error {
	n.SetState(state.Rootless)

	if n.conf.ConnectAddr == "" {
		n.logger.Debug("No parent configured => Rootless")
		return nil
	}

	_, portStr, err := gonet.SplitHostPort(n.conf.ConnectAddr)
	if err != nil {
		return fmt.Errorf("invalid parent address %q: %w", n.conf.ConnectAddr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid parent port %q: %w", portStr, err)
	}

	conn, err := n.trans.Dial(n.conf.ConnectAddr, n.conf.DialTimeout)
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"kind":   "ConnectFailure",
			"target": n.conf.ConnectAddr,
			"error":  err,
		}).Error("Could not reach parent => Rootless")
		return nil
	}

	n.attachParent(conn, net.NewPeerDescriptor(conn.RemoteIP(), uint16(port)))

	return nil
}

// RunAsync calls Run in a separate goroutine
func (n *Node) RunAsync() {
	n.logger.Debug("runasync")
	go n.Run()
}

// Run accepts children and processes events until the node is shut down,
// either by Shutdown, a signal, or the /exit command.
func (n *Node) Run() {
	n.running.Store(true)
	defer close(n.doneCh)

	n.start = time.Now()

	go n.trans.Listen()

	n.logger.WithFields(logrus.Fields{
		"listen":    n.trans.LocalAddr(),
		"host_port": n.hostPort,
		"state":     n.GetState().String(),
	}).Info("Node running")

	for {
		select {
		case ev := <-n.netCh:
			n.processEvent(ev)
		case line := <-n.submitCh:
			if exit := n.processCommand(line); exit {
				n.logger.Debug("Exit command")
				n.stop()
				return
			}
		case res := <-n.dialCh:
			n.processDial(res)
		case q := <-n.queryCh:
			q()
		case <-n.sigintCh:
			n.logger.Debug("Reacting to SIGINT")
			n.stop()
			return
		case <-n.shutdownCh:
			return
		}
	}
}

// Submit hands a line typed by the user to the node loop. It blocks until the
// loop takes it, and returns false if the node is shut down.
func (n *Node) Submit(line string) bool {
	select {
	case n.submitCh <- line:
		return true
	case <-n.shutdownCh:
		return false
	}
}

// Done is closed once Run has returned.
func (n *Node) Done() <-chan struct{} {
	return n.doneCh
}

// stop closes the transport, and with it every connection. It can be called
// from any goroutine, including the loop itself.
func (n *Node) stop() {
	n.shutdownOnce.Do(func() {
		n.logger.Debug("Shutdown")

		// Exit any non-shutdown state immediately
		n.SetState(state.Shutdown)

		signal.Stop(n.sigintCh)
		close(n.shutdownCh)

		n.trans.Close()
	})
}

// Shutdown stops the node and waits for the loop and the background dials to
// return. It is safe to call more than once.
func (n *Node) Shutdown() {
	n.stop()

	if n.running.Load() {
		<-n.doneCh
	}

	n.WaitRoutines()
}

// query runs f on the loop goroutine and waits for it to complete.
func (n *Node) query(f func()) bool {
	done := make(chan struct{})
	select {
	case n.queryCh <- func() { f(); close(done) }:
	case <-n.shutdownCh:
		return false
	}
	<-done
	return true
}

// GetStats returns stats
func (n *Node) GetStats() map[string]string {
	s := map[string]string{
		"state":     n.GetState().String(),
		"host_port": strconv.Itoa(int(n.hostPort)),
		"listen":    n.trans.LocalAddr(),
		"advertise": n.trans.AdvertiseAddr(),
		"capacity":  strconv.Itoa(n.conf.Capacity),
		"name":      "",
		"parent":    "",
		"failover":  "",
		"successor": "",
		"num_peers": "0",
		"children":  "0",
		"confirmed": "0",
		"uptime":    "0s",
	}

	n.query(func() {
		s["name"] = n.name
		s["num_peers"] = strconv.Itoa(n.registry.Len())
		s["children"] = strconv.Itoa(len(n.registry.Children()))
		s["confirmed"] = strconv.Itoa(n.registry.ConfirmedCount(""))
		if n.parentInfo != nil {
			s["parent"] = n.parentInfo.String()
		}
		if n.failover != nil {
			s["failover"] = n.failover.String()
		}
		if succ := n.registry.Successor(); succ != nil {
			s["successor"] = succ.ID()
		}
		if !n.start.IsZero() {
			s["uptime"] = time.Since(n.start).Round(time.Second).String()
		}
	})

	return s
}

// GetPeers returns a snapshot of the children and parent of the node.
func (n *Node) GetPeers() []peers.Info {
	var res []peers.Info
	n.query(func() {
		res = n.registry.Infos()
	})
	return res
}

// GetHostPort returns the port this node announces to its parent.
func (n *Node) GetHostPort() uint16 {
	return n.hostPort
}

// println writes a line meant for the user.
func (n *Node) println(msg string) {
	fmt.Fprintln(n.out, msg)
}

func (n *Node) updateGauges() {
	n.metrics.Children.Set(float64(len(n.registry.Children())))
	n.metrics.ConfirmedChildren.Set(float64(n.registry.ConfirmedCount("")))
	if n.registry.Parent() != nil {
		n.metrics.Attached.Set(1)
	} else {
		n.metrics.Attached.Set(0)
	}
}
