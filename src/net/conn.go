package net

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn wraps a stream connection with an identity and envelope framing.
// Reads are performed by a single reader goroutine owned by the transport;
// writes are expected to come from the node loop only.
type Conn struct {
	id      string
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps conn. The timeout is applied as a write deadline to every
// frame, zero meaning no deadline.
func NewConn(conn net.Conn, timeout time.Duration) *Conn {
	return &Conn{
		id:      uuid.New().String(),
		conn:    conn,
		r:       bufio.NewReaderSize(conn, bufSize),
		timeout: timeout,
	}
}

// ID returns the unique identity of the connection.
func (c *Conn) ID() string {
	return c.id
}

// ShortID returns the first block of the connection ID, for display.
func (c *Conn) ShortID() string {
	return c.id[:8]
}

// RemoteAddr returns the address of the other end.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// RemoteIP returns the IP of the other end, or nil if the connection is not
// an IP connection.
func (c *Conn) RemoteIP() net.IP {
	switch addr := c.conn.RemoteAddr().(type) {
	case *net.TCPAddr:
		return addr.IP
	case *net.UDPAddr:
		return addr.IP
	}
	return nil
}

// Write sends an already encoded frame.
func (c *Conn) Write(frame []byte) error {
	if c.timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	_, err := c.conn.Write(frame)
	return err
}

// Send encodes and sends an envelope.
func (c *Conn) Send(e *Envelope) error {
	frame, err := Encode(e)
	if err != nil {
		return err
	}
	return c.Write(frame)
}

// ReadEnvelope blocks until a complete frame has been read and decodes it. The
// raw frame is returned even when decoding fails with ErrMalformed.
func (c *Conn) ReadEnvelope() (*Envelope, []byte, error) {
	frame, err := ReadFrame(c.r)
	if err != nil {
		return nil, nil, err
	}
	e, _, err := Decode(frame)
	return e, frame, err
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
