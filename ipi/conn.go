package ipi

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
)

// ackFrame marks a frame as an acknowledgement. Doorbell frames carry the target
// mask, which must leave this bit clear.
const ackFrame = 1 << 31

// connWire sends 4-byte little-endian frames over a stream.
type connWire struct {
	c   net.Conn
	wmu sync.Mutex
}

// NewConn returns an endpoint that rings the peer at the other end of c.
func NewConn(c net.Conn) *Endpoint {
	return newEndpoint(&connWire{c: c})
}

// Dial connects to a peer listening on a unix or tcp address.
func Dial(network, addr string) (*Endpoint, error) {
	c, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}

	return NewConn(c), nil
}

// Accept waits for the peer to connect to l.
func Accept(l net.Listener) (*Endpoint, error) {
	c, err := l.Accept()
	if err != nil {
		return nil, err
	}

	return NewConn(c), nil
}

func (w *connWire) ring(mask uint32) error {
	return w.write(mask)
}

func (w *connWire) ack() error {
	return w.write(ackFrame)
}

func (w *connWire) write(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)

	w.wmu.Lock()
	defer w.wmu.Unlock()

	_, err := w.c.Write(b[:])
	return err
}

func (w *connWire) wait() (rings, acks int, err error) {
	var b [4]byte
	if _, err := io.ReadFull(w.c, b[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return 0, 0, ErrClosed
		}

		return 0, 0, err
	}

	if binary.LittleEndian.Uint32(b[:])&ackFrame != 0 {
		return 0, 1, nil
	}

	return 1, 0, nil
}

func (w *connWire) interrupt() error {
	return w.c.Close()
}

func (w *connWire) release() error {
	return nil
}
