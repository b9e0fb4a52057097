package net

import (
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	errNotTCP = errors.New("local address is not a TCP address")
)

// NewTCPTransport returns a NetworkTransport that is built on top of
// a TCP streaming transport layer, with log output going to the supplied Logger
func NewTCPTransport(
	bindAddr string,
	advertise string,
	timeout time.Duration,
	logger *logrus.Entry,
) (*NetworkTransport, error) {
	return newTCPTransport(bindAddr, advertise, func(stream StreamLayer) *NetworkTransport {
		return NewNetworkTransport(stream, timeout, logger)
	})
}

func newTCPTransport(bindAddr string,
	advertiseAddr string,
	transportCreator func(stream StreamLayer) *NetworkTransport) (*NetworkTransport, error) {

	// Try to bind
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	// Try to resolve the advertise address
	if advertiseAddr != "" {
		if _, err := net.ResolveTCPAddr("tcp", advertiseAddr); err != nil {
			list.Close()
			return nil, err
		}
	}

	tcpList, ok := list.(*net.TCPListener)
	if !ok {
		list.Close()
		return nil, errNotTCP
	}

	// Create stream
	stream := &TCPStreamLayer{
		advertise: advertiseAddr,
		listener:  tcpList,
	}

	// Create the network transport
	trans := transportCreator(stream)
	return trans, nil
}
