//go:build linux

package ipi

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// eventfdWire signals through Linux eventfds. Doorbells are counted, so several
// rings between two waits are delivered as several callbacks.
type eventfdWire struct {
	rx, tx       int // doorbells from/to the peer
	ackRx, ackTx int // acks from/to the peer
	stop         int
}

// NewEventfdPair returns two endpoints wired to each other. It's meant for a
// client and a service unit emulated in the same process, or for handing the
// descriptors to a co-located process.
func NewEventfdPair() (a, b *Endpoint, err error) {
	var fds []int

	defer func() {
		if err != nil {
			for _, fd := range fds {
				unix.Close(fd)
			}
		}
	}()

	newfd := func() (int, error) {
		fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		if err == nil {
			fds = append(fds, fd)
		}

		return fd, err
	}

	dup := func(fd int) (int, error) {
		nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err == nil {
			fds = append(fds, nfd)
		}

		return nfd, err
	}

	var wa, wb eventfdWire

	// a -> b doorbell, b -> a doorbell, a -> b ack, b -> a ack
	for _, p := range []struct{ tx, rx *int }{
		{&wa.tx, &wb.rx},
		{&wb.tx, &wa.rx},
		{&wa.ackTx, &wb.ackRx},
		{&wb.ackTx, &wa.ackRx},
	} {
		if *p.rx, err = newfd(); err != nil {
			return nil, nil, err
		}

		if *p.tx, err = dup(*p.rx); err != nil {
			return nil, nil, err
		}
	}

	if wa.stop, err = newfd(); err != nil {
		return nil, nil, err
	}

	if wb.stop, err = newfd(); err != nil {
		return nil, nil, err
	}

	return newEndpoint(&wa), newEndpoint(&wb), nil
}

func (w *eventfdWire) ring(uint32) error {
	return efdAdd(w.tx)
}

func (w *eventfdWire) ack() error {
	return efdAdd(w.ackTx)
}

func (w *eventfdWire) wait() (rings, acks int, err error) {
	fds := []unix.PollFd{
		{Fd: int32(w.rx), Events: unix.POLLIN},
		{Fd: int32(w.ackRx), Events: unix.POLLIN},
		{Fd: int32(w.stop), Events: unix.POLLIN},
	}

	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}

			return 0, 0, err
		}

		if fds[2].Revents != 0 {
			return 0, 0, ErrClosed
		}

		if fds[0].Revents != 0 {
			if rings, err = efdTake(w.rx); err != nil {
				return 0, 0, err
			}
		}

		if fds[1].Revents != 0 {
			if acks, err = efdTake(w.ackRx); err != nil {
				return 0, 0, err
			}
		}

		if rings > 0 || acks > 0 {
			return rings, acks, nil
		}
	}
}

func (w *eventfdWire) interrupt() error {
	return efdAdd(w.stop)
}

func (w *eventfdWire) release() error {
	var first error
	for _, fd := range []int{w.rx, w.tx, w.ackRx, w.ackTx, w.stop} {
		if err := unix.Close(fd); err != nil && first == nil {
			first = err
		}
	}

	return first
}

func efdAdd(fd int) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)

	for {
		_, err := unix.Write(fd, b[:])
		if err == unix.EINTR {
			continue
		}

		return err
	}
}

// efdTake reads and resets the counter. It returns 0 if another reader won the race.
func efdTake(fd int) (int, error) {
	var b [8]byte

	for {
		_, err := unix.Read(fd, b[:])
		switch {
		case err == nil:
			return int(binary.LittleEndian.Uint64(b[:])), nil

		case errors.Is(err, unix.EINTR):
			continue

		case errors.Is(err, unix.EAGAIN):
			return 0, nil

		default:
			return 0, err
		}
	}
}
