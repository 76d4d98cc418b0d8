package client_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c35s/ipiq/chq"
	"github.com/c35s/ipiq/client"
	"github.com/c35s/ipiq/ipi"
	"github.com/c35s/ipiq/shmem"
)

var errBoom = errors.New("boom")

// memory is sparse physical memory backed by the heap.
type memory map[uint64][]byte

func newMemory() memory {
	return memory{
		client.DefaultHighQueueAddr: make([]byte, 2*chq.SizeofQueue),
		client.DefaultStatusAddr:    make([]byte, 4),
	}
}

func (m memory) memAt(addr uint64, size int) ([]byte, error) {
	for base, b := range m {
		if addr >= base && addr-base <= uint64(len(b)) && uint64(size) <= uint64(len(b))-(addr-base) {
			off := addr - base
			return b[off : off+uint64(size) : off+uint64(size)], nil
		}
	}

	return nil, shmem.ErrOutOfRange
}

func (m memory) setPresent(t *testing.T) {
	t.Helper()

	b, err := m.memAt(client.DefaultStatusAddr, 4)
	if err != nil {
		t.Fatal(err)
	}

	reg, err := shmem.NewReg32(b)
	if err != nil {
		t.Fatal(err)
	}

	reg.Or(client.DefaultPresentMask)
}

func (m memory) queue(t *testing.T, p client.Priority) *chq.Queue {
	t.Helper()

	b, err := m.memAt(client.DefaultHighQueueAddr+uint64(p)*chq.SizeofQueue, chq.SizeofQueue)
	if err != nil {
		t.Fatal(err)
	}

	q, err := chq.New(b)
	if err != nil {
		t.Fatal(err)
	}

	return q
}

// unit is a fake service unit. It answers every pending slot from within Send,
// inverting the request bytes, unless it's holding.
type unit struct {
	q [2]*chq.DeviceQueue

	mu      sync.Mutex
	fn      func()
	rings   []uint32
	hold    bool
	sendErr error
	closed  bool
	opened  int
}

func newUnit(t *testing.T, m memory) *unit {
	t.Helper()

	u := new(unit)
	for p := range u.q {
		b, err := m.memAt(client.DefaultHighQueueAddr+uint64(p)*chq.SizeofQueue, chq.SizeofQueue)
		if err != nil {
			t.Fatal(err)
		}

		q, err := chq.NewDevice(b)
		if err != nil {
			t.Fatal(err)
		}

		u.q[p] = q
	}

	return u
}

func (u *unit) open(deviceID uint32) (ipi.Mailbox, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.opened++
	u.closed = false
	return u, nil
}

func (u *unit) Send(mask uint32, blocking bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return ipi.ErrClosed
	}

	if u.sendErr != nil {
		return u.sendErr
	}

	u.rings = append(u.rings, mask)
	if !u.hold {
		u.serve()
	}

	return nil
}

func (u *unit) SetReceiveCallback(fn func()) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.fn = fn
	return nil
}

func (u *unit) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.closed = true
	return nil
}

// release stops holding and answers everything pending.
func (u *unit) release() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.hold = false
	u.serve()
}

func (u *unit) setHold(hold bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.hold = hold
}

func (u *unit) setSendErr(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.sendErr = err
}

func (u *unit) ringCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	return len(u.rings)
}

func (u *unit) serve() {
	for _, q := range u.q {
		for i := 0; i < chq.Capacity; i++ {
			s := q.Slot(i)
			if !s.Pending() {
				continue
			}

			resp := s.ResponseBuffer()
			for j, b := range s.Request() {
				resp[j] = ^b
			}

			q.Complete(s)
			q.Drained()

			if u.fn != nil {
				u.fn()
			}
		}
	}
}

// invert returns b with every bit flipped, padded to the response size.
func invert(b []byte) []byte {
	r := make([]byte, chq.RespSize)
	for i := range r {
		var v byte
		if i < len(b) {
			v = b[i]
		}

		r[i] = ^v
	}

	return r
}

// newSession returns an initialized session served by a fake unit.
func newSession(t *testing.T, cfg client.Config) (*client.Session, *unit, memory) {
	t.Helper()

	m := newMemory()
	m.setPresent(t)

	u := newUnit(t, m)

	cfg.MemAt = m.memAt
	cfg.Open = u.open

	s, err := client.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Init(testContext(t), 0); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { s.Close() })
	return s, u, m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(time.Millisecond)
	}
}
