// Package ipi implements doorbell transports between a client processor and a
// service unit. A doorbell carries no payload: it only tells the receiver that
// something changed in shared memory.
package ipi

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Mailbox is an inter-processor interrupt line.
type Mailbox interface {

	// Send rings the doorbell of the targets in mask. If blocking is set, Send
	// returns once the peer has taken every doorbell sent so far.
	Send(mask uint32, blocking bool) error

	// SetReceiveCallback registers fn to be called once per doorbell received from
	// the peer. It is called from the transport's receive goroutine and must not block.
	SetReceiveCallback(fn func()) error

	// Close stops the transport.
	Close() error
}

// Opener opens the mailbox of a device instance.
type Opener func(deviceID uint32) (Mailbox, error)

// Registry maps device IDs to openers.
type Registry map[uint32]Opener

var (
	ErrClosed   = errors.New("ipi: mailbox closed")
	ErrMask     = errors.New("ipi: invalid target mask")
	ErrNoDevice = errors.New("ipi: no such device")
)

// Open opens the mailbox registered for deviceID.
func (r Registry) Open(deviceID uint32) (Mailbox, error) {
	open, ok := r[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoDevice, deviceID)
	}

	return open(deviceID)
}

// wire moves doorbells and their acknowledgements to the peer.
type wire interface {
	ring(mask uint32) error
	ack() error

	// wait blocks until the peer rang or acked. It returns ErrClosed after interrupt.
	wait() (rings, acks int, err error)

	// interrupt unblocks wait.
	interrupt() error

	// release frees resources once wait has returned for good.
	release() error
}

// Endpoint is one side of a doorbell transport.
type Endpoint struct {
	w wire

	mu     sync.Mutex
	fn     func()
	missed int // doorbells received before a callback was set

	sendMu  sync.Mutex
	unacked atomic.Int64
	ackC    chan struct{}

	doneC     chan struct{}
	closeOnce sync.Once
}

func newEndpoint(w wire) *Endpoint {
	e := &Endpoint{
		w:     w,
		ackC:  make(chan struct{}, 1),
		doneC: make(chan struct{}),
	}

	go e.serve()
	return e
}

func (e *Endpoint) Send(mask uint32, blocking bool) error {
	if mask == 0 || mask&ackFrame != 0 {
		return fmt.Errorf("%w: %#x", ErrMask, mask)
	}

	select {
	case <-e.doneC:
		return ErrClosed
	default:
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.unacked.Add(1)
	if err := e.w.ring(mask); err != nil {
		e.unacked.Add(-1)
		return fmt.Errorf("ipi: send: %w", err)
	}

	if !blocking {
		return nil
	}

	for e.unacked.Load() > 0 {
		select {
		case <-e.ackC:
		case <-e.doneC:
			return ErrClosed
		}
	}

	return nil
}

func (e *Endpoint) SetReceiveCallback(fn func()) error {
	select {
	case <-e.doneC:
		return ErrClosed
	default:
	}

	e.mu.Lock()
	e.fn = fn
	missed := e.missed
	e.missed = 0
	e.mu.Unlock()

	for i := 0; i < missed && fn != nil; i++ {
		fn()
	}

	return nil
}

func (e *Endpoint) Close() error {
	err := ErrClosed
	e.closeOnce.Do(func() {
		err = e.w.interrupt()
		<-e.doneC

		if rerr := e.w.release(); err == nil {
			err = rerr
		}
	})

	return err
}

// Done is closed when the endpoint stops receiving.
func (e *Endpoint) Done() <-chan struct{} {
	return e.doneC
}

func (e *Endpoint) serve() {
	defer close(e.doneC)

	for {
		rings, acks, err := e.w.wait()
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				slog.Error("ipi receive failed", "err", err)
			}

			return
		}

		if acks > 0 {
			e.unacked.Add(int64(-acks))
			select {
			case e.ackC <- struct{}{}:
			default:
			}
		}

		for i := 0; i < rings; i++ {
			e.deliver()
			if err := e.w.ack(); err != nil {
				slog.Error("ipi ack failed", "err", err)
			}
		}
	}
}

func (e *Endpoint) deliver() {
	e.mu.Lock()
	fn := e.fn
	if fn == nil {
		e.missed++
	}
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
}
