package net

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

/*
Envelopes are framed with an explicit layout; every integer is big-endian:

	[version u8][kind u8][flags u8]
	  flags&flagPeer:    [addrLen u8][addr bytes][port u16]
	[payloadLen u32][payload bytes]

addrLen is 0 (no address), 4 (IPv4) or 16 (IPv6). The payload length is
always present, so a frame can be cut out of a byte stream no matter how the
stream was split or coalesced in transit.
*/

const (
	// WireVersion is the only layout version this package speaks.
	WireVersion uint8 = 1

	// MaxPayloadSize bounds the payload of a single envelope.
	MaxPayloadSize = 1 << 20

	// MinHeaderSize is the size of a frame without peer and payload.
	MinHeaderSize = 7

	flagPeer    uint8 = 1 << 0
	flagPayload uint8 = 1 << 1
)

var (
	// ErrMalformed is returned for frames that cannot be interpreted.
	ErrMalformed = errors.New("malformed envelope")

	// ErrTruncated is returned by Decode when the buffer ends before the
	// lengths declared in the header. It wraps ErrMalformed.
	ErrTruncated = fmt.Errorf("%w: truncated frame", ErrMalformed)

	// ErrVersion is returned for frames of an unknown layout version.
	ErrVersion = errors.New("unsupported wire version")

	// ErrFrameTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Encode serializes an envelope into a single frame.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if len(e.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(e.Payload), MaxPayloadSize)
	}

	var flags uint8
	size := MinHeaderSize + len(e.Payload)
	var addr []byte
	if e.Peer != nil {
		flags |= flagPeer
		addr = wireIP(e.Peer)
		size += 1 + len(addr) + 2
	}
	if e.Payload != nil {
		flags |= flagPayload
	}

	buf := make([]byte, 0, size)
	buf = append(buf, WireVersion, uint8(e.Kind), flags)
	if e.Peer != nil {
		buf = append(buf, uint8(len(addr)))
		buf = append(buf, addr...)
		buf = binary.BigEndian.AppendUint16(buf, e.Peer.Port)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Payload)))
	buf = append(buf, e.Payload...)

	return buf, nil
}

func wireIP(p *PeerDescriptor) []byte {
	if p.Addr == nil {
		return nil
	}
	if ip4 := p.Addr.To4(); ip4 != nil {
		return ip4
	}
	return p.Addr.To16()
}

// Decode parses the frame at the start of b and returns the envelope along
// with the bytes that follow it. When the frame is complete but violates the
// kind/peer rules, the remaining bytes are still returned with ErrMalformed
// so that a caller can skip the offending frame.
func Decode(b []byte) (*Envelope, []byte, error) {
	if len(b) < MinHeaderSize {
		return nil, nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, len(b), MinHeaderSize)
	}
	if b[0] != WireVersion {
		return nil, nil, fmt.Errorf("%w: %d", ErrVersion, b[0])
	}

	e := &Envelope{Kind: Kind(b[1])}
	flags := b[2]
	off := 3

	if flags&flagPeer != 0 {
		addrLen := int(b[off])
		if !validAddrLen(addrLen) {
			return nil, nil, fmt.Errorf("%w: address length %d", ErrMalformed, addrLen)
		}
		off++
		if len(b) < off+addrLen+2+4 {
			return nil, nil, ErrTruncated
		}
		pd := &PeerDescriptor{}
		if addrLen > 0 {
			pd.Addr = append([]byte(nil), b[off:off+addrLen]...)
		}
		off += addrLen
		pd.Port = binary.BigEndian.Uint16(b[off:])
		off += 2
		e.Peer = pd
	}

	if len(b) < off+4 {
		return nil, nil, ErrTruncated
	}
	payloadLen := binary.BigEndian.Uint32(b[off:])
	off += 4
	if payloadLen > MaxPayloadSize {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, payloadLen, MaxPayloadSize)
	}
	end := off + int(payloadLen)
	if len(b) < end {
		return nil, nil, ErrTruncated
	}
	if flags&flagPayload != 0 {
		e.Payload = append([]byte{}, b[off:end]...)
	}
	rest := b[end:]

	if err := e.Validate(); err != nil {
		return nil, rest, err
	}

	return e, rest, nil
}

func validAddrLen(n int) bool {
	return n == 0 || n == 4 || n == 16
}

// ReadFrame reads exactly one frame from r, blocking until all the bytes
// declared by the frame's header have arrived. It returns io.EOF if the stream
// ends cleanly between frames.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	frame := make([]byte, 3, MinHeaderSize+64)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	if frame[0] != WireVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, frame[0])
	}

	var err error
	if frame[2]&flagPeer != 0 {
		addrLen, err := r.ReadByte()
		if err != nil {
			return nil, unexpected(err)
		}
		if !validAddrLen(int(addrLen)) {
			return nil, fmt.Errorf("%w: address length %d", ErrMalformed, addrLen)
		}
		frame = append(frame, addrLen)
		if frame, err = readN(r, frame, int(addrLen)+2); err != nil {
			return nil, err
		}
	}

	if frame, err = readN(r, frame, 4); err != nil {
		return nil, err
	}
	payloadLen := binary.BigEndian.Uint32(frame[len(frame)-4:])
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, payloadLen, MaxPayloadSize)
	}

	return readN(r, frame, int(payloadLen))
}

func readN(r io.Reader, buf []byte, n int) ([]byte, error) {
	start := len(buf)
	buf = append(buf, make([]byte, n)...)
	if _, err := io.ReadFull(r, buf[start:]); err != nil {
		return nil, unexpected(err)
	}
	return buf, nil
}

// unexpected turns a clean EOF in the middle of a frame into
// io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
