// Package chq implements the channel queues shared by a client processor and a
// service unit. A channel queue is a fixed array of request/response slots living in
// memory both processors can reach. Status words act as the hand-off latch between
// the two sides; every other field is written by exactly one side.
//
// The layout is a wire format. It assumes a little-endian host, like the service unit.
package chq

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	Capacity = 8   // slots per queue
	ReqSize  = 128 // request buffer bytes
	RespSize = 128 // response buffer bytes
)

const (
	StatusEmpty = 0x00
	StatusFull  = 0xff
)

const (
	SizeofSlot  = ReqSize + 4 + RespSize + 4
	SizeofQueue = 16 + Capacity*SizeofSlot
)

// queue header offsets
const (
	offCmdPresent = 0x00 // set by the client after posting (W client, W device)
	offReqSent    = 0x04 // submissions posted by the client (W client)
	offReqServed  = 0x08 // slots completed by the device (W device)
	offSlots      = 0x10 // first slot
)

var (
	ErrShortMemory = errors.New("chq: memory is too small for a queue")
	ErrAlignment   = errors.New("chq: memory is not 4-byte aligned")
	ErrFull        = errors.New("chq: queue is full")
	ErrBusy        = errors.New("chq: slot is owned by the device")
)

// queueMem has the same layout as the shared channel queue.
type queueMem struct {
	CmdPresent uint32
	ReqSent    uint32
	ReqServed  uint32
	_          uint32
	Slots      [Capacity]slotMem
}

// slotMem has the same layout as one shared slot.
type slotMem struct {
	Req        [ReqSize]byte
	ReqStatus  uint32
	Resp       [RespSize]byte
	RespStatus uint32
}

// Owner identifies which side may currently touch a slot's buffers.
type Owner int

const (
	OwnerClient Owner = iota
	OwnerDevice
)

// Queue is the client's view of a channel queue.
type Queue struct {
	m *queueMem
}

// DeviceQueue is the service unit's view of a channel queue.
type DeviceQueue struct {
	m *queueMem
}

// Slot is the client's view of one slot. The client writes the request buffer and
// reads the response buffer.
type Slot struct {
	m     *slotMem
	index int
}

// DeviceSlot is the service unit's view of one slot. The device reads the request
// buffer and writes the response buffer.
type DeviceSlot struct {
	m     *slotMem
	index int
}

// New returns a client view of the queue at the start of mem.
func New(mem []byte) (*Queue, error) {
	m, err := view(mem)
	if err != nil {
		return nil, err
	}

	return &Queue{m: m}, nil
}

// NewDevice returns a device view of the queue at the start of mem.
func NewDevice(mem []byte) (*DeviceQueue, error) {
	m, err := view(mem)
	if err != nil {
		return nil, err
	}

	return &DeviceQueue{m: m}, nil
}

func view(mem []byte) (*queueMem, error) {
	if len(mem) < SizeofQueue {
		return nil, fmt.Errorf("%w: %d < %d", ErrShortMemory, len(mem), SizeofQueue)
	}

	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, ErrAlignment
	}

	return (*queueMem)(unsafe.Pointer(&mem[0])), nil
}

// Slot returns the client view of slot i. It panics if i is out of range.
func (q *Queue) Slot(i int) *Slot {
	return &Slot{m: &q.m.Slots[i], index: i}
}

// CmdPresent reports whether the command-present flag is set.
func (q *Queue) CmdPresent() bool {
	return atomic.LoadUint32(&q.m.CmdPresent) != 0
}

// Sent returns the number of submissions the client has posted (mod 2^32).
func (q *Queue) Sent() uint32 {
	return atomic.LoadUint32(&q.m.ReqSent)
}

// Served returns the number of slots the device has completed (mod 2^32).
func (q *Queue) Served() uint32 {
	return atomic.LoadUint32(&q.m.ReqServed)
}

func (q *Queue) setCmdPresent() {
	atomic.AddUint32(&q.m.ReqSent, 1)
	atomic.StoreUint32(&q.m.CmdPresent, 1)
}

// Index returns the slot's position in its queue.
func (s *Slot) Index() int {
	return s.index
}

// Request returns the writable request buffer. It aliases shared memory.
func (s *Slot) Request() []byte {
	return s.m.Req[:]
}

// Response returns a copy of the response buffer.
func (s *Slot) Response() []byte {
	b := make([]byte, RespSize)
	copy(b, s.m.Resp[:])
	return b
}

func (s *Slot) RequestFull() bool {
	return atomic.LoadUint32(&s.m.ReqStatus) == StatusFull
}

func (s *Slot) ResponseFull() bool {
	return atomic.LoadUint32(&s.m.RespStatus) == StatusFull
}

// Owner reports which side owns the slot right now.
func (s *Slot) Owner() Owner {
	if s.RequestFull() && !s.ResponseFull() {
		return OwnerDevice
	}

	return OwnerClient
}

// Release empties both status words so the slot can carry a new request.
// It returns ErrBusy while the device owns the slot.
func (s *Slot) Release() error {
	if s.Owner() == OwnerDevice {
		return fmt.Errorf("%w: slot %d", ErrBusy, s.index)
	}

	atomic.StoreUint32(&s.m.RespStatus, StatusEmpty)
	atomic.StoreUint32(&s.m.ReqStatus, StatusEmpty)
	return nil
}

// post hands the slot to the device. The response status is cleared first so a
// stale response can't be mistaken for the new one.
func (s *Slot) post() {
	atomic.StoreUint32(&s.m.RespStatus, StatusEmpty)
	atomic.StoreUint32(&s.m.ReqStatus, StatusFull)
}

// Slot returns the device view of slot i. It panics if i is out of range.
func (q *DeviceQueue) Slot(i int) *DeviceSlot {
	return &DeviceSlot{m: &q.m.Slots[i], index: i}
}

// CmdPresent reports whether the client has posted work since the last Drained.
func (q *DeviceQueue) CmdPresent() bool {
	return atomic.LoadUint32(&q.m.CmdPresent) != 0
}

// Drained clears the command-present flag.
func (q *DeviceQueue) Drained() {
	atomic.StoreUint32(&q.m.CmdPresent, 0)
}

// Complete publishes the slot's response and counts it as served.
func (q *DeviceQueue) Complete(s *DeviceSlot) {
	atomic.StoreUint32(&s.m.RespStatus, StatusFull)
	atomic.AddUint32(&q.m.ReqServed, 1)
}

func (s *DeviceSlot) Index() int {
	return s.index
}

// Pending reports whether the slot holds a request the device hasn't answered.
func (s *DeviceSlot) Pending() bool {
	return atomic.LoadUint32(&s.m.ReqStatus) == StatusFull &&
		atomic.LoadUint32(&s.m.RespStatus) != StatusFull
}

// Request returns a copy of the request buffer.
func (s *DeviceSlot) Request() []byte {
	b := make([]byte, ReqSize)
	copy(b, s.m.Req[:])
	return b
}

// ResponseBuffer returns the writable response buffer. It aliases shared memory.
func (s *DeviceSlot) ResponseBuffer() []byte {
	return s.m.Resp[:]
}
