// Package client implements the client side of a priority-queued command channel to
// a service unit. Commands are posted to shared-memory channel queues and announced
// with a doorbell interrupt. The service unit answers in the same slot and rings back.
//
// A Session has at most one command in flight. Submit blocks until the service unit
// completes it, and concurrent callers are serialized. The queues' extra slots let
// the service unit pipeline sequential submissions; they don't allow concurrent ones.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/c35s/ipiq/chq"
	"github.com/c35s/ipiq/ipi"
	"github.com/c35s/ipiq/shmem"
)

// Config describes a new session. The addresses are properties of the platform
// and must match the service unit's firmware.
type Config struct {

	// MemAt returns the shared memory at a physical address. It's called for the
	// status register and both channel queues during Init.
	MemAt func(addr uint64, size int) ([]byte, error)

	// Open opens the doorbell transport of a device instance.
	Open ipi.Opener

	// HighQueueAddr and LowQueueAddr locate the channel queues.
	// They default to DefaultHighQueueAddr and HighQueueAddr+chq.SizeofQueue.
	HighQueueAddr uint64
	LowQueueAddr  uint64

	// StatusAddr locates the service unit's global control register.
	// PresentMask selects the bits that are set while the firmware runs.
	StatusAddr  uint64
	PresentMask uint32

	// TargetMask selects the service unit's doorbell.
	TargetMask uint32

	// BlockingSend makes each doorbell wait until the service unit has taken it.
	BlockingSend bool

	// ProbeTimeout bounds the wait for the firmware present bits during Init.
	// ProbeInterval is the pause between reads of the status register.
	ProbeTimeout  time.Duration
	ProbeInterval time.Duration

	// CompletionTimeout bounds the wait for the service unit's answer to a
	// command. If it's 0, Submit waits until the context is done.
	CompletionTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

const (
	DefaultHighQueueAddr = 0xebe415b8
	DefaultStatusAddr    = 0xebf80000
	DefaultPresentMask   = 0x10
	DefaultTargetMask    = 0x1
	DefaultProbeTimeout  = time.Second
	DefaultProbeInterval = time.Microsecond
)

var (
	ErrConfig            = errors.New("client: invalid config")
	ErrServiceNotPresent = errors.New("client: service unit firmware is not present")
	ErrTransport         = errors.New("client: doorbell transport failed")
	ErrQueue             = errors.New("client: channel queue unavailable")
	ErrNotReady          = errors.New("client: session is not initialized")
	ErrInvalidPriority   = errors.New("client: invalid priority")
	ErrQueueFull         = errors.New("client: channel queue is full")
	ErrTimeout           = errors.New("client: timed out waiting for the service unit")
	ErrTooLarge          = errors.New("client: request is too large")
)

// Session is a client's connection to one service unit.
type Session struct {
	cfg Config
	log *slog.Logger

	// mu guards everything below it. Submit holds it only while touching queues.
	mu     sync.Mutex
	ready  bool
	mbox   ipi.Mailbox
	q      [numPriorities]*chq.Tracker
	closeC chan struct{}

	// inflight is held for the duration of a submission.
	inflight chan struct{}

	// doneC holds one completion token, set by the doorbell callback.
	doneC chan struct{}
}

// New returns an uninitialized session. It doesn't touch shared memory or the
// transport; see Init.
func New(cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	s := &Session{
		cfg:      cfg,
		log:      cfg.Logger,
		inflight: make(chan struct{}, 1),
		doneC:    make(chan struct{}, 1),
	}

	return s, nil
}

// Init probes for the service unit's firmware, opens the doorbell transport of
// deviceID and binds both channel queues with their cursors at slot 0. Once the
// session is ready, Init does nothing and returns nil.
//
// If the firmware isn't present, Init fails with ErrServiceNotPresent before the
// transport or the queues are touched.
func (s *Session) Init(ctx context.Context, deviceID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil
	}

	status, err := s.statusRegister()
	if err != nil {
		return fmt.Errorf("%w: status register: %w", ErrServiceNotPresent, err)
	}

	if err := Probe(ctx, status, s.cfg.PresentMask, s.cfg.ProbeTimeout, s.cfg.ProbeInterval); err != nil {
		return err
	}

	mbox, err := s.cfg.Open(deviceID)
	if err != nil {
		return fmt.Errorf("%w: device %d: %w", ErrTransport, deviceID, err)
	}

	var q [numPriorities]*chq.Tracker
	for p, addr := range []uint64{s.cfg.HighQueueAddr, s.cfg.LowQueueAddr} {
		tr, err := s.bindQueue(addr)
		if err != nil {
			mbox.Close()
			return fmt.Errorf("%w: %v queue at %#x: %w", ErrQueue, Priority(p), addr, err)
		}

		q[p] = tr
	}

	// drop a completion left over from an earlier session
	select {
	case <-s.doneC:
	default:
	}

	if err := mbox.SetReceiveCallback(s.doorbell); err != nil {
		mbox.Close()
		return fmt.Errorf("%w: set receive callback: %w", ErrTransport, err)
	}

	s.mbox = mbox
	s.q = q
	s.closeC = make(chan struct{})
	s.ready = true

	s.log.Debug("client session ready", "device", deviceID,
		"high", fmt.Sprintf("%#x", s.cfg.HighQueueAddr),
		"low", fmt.Sprintf("%#x", s.cfg.LowQueueAddr))

	return nil
}

// Ready reports whether Init has succeeded.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Close closes the doorbell transport and returns the session to its
// uninitialized state. A Submit waiting for completion fails with ErrNotReady.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return nil
	}

	close(s.closeC)
	err := s.mbox.Close()

	s.ready = false
	s.mbox = nil
	s.q = [numPriorities]*chq.Tracker{}

	return err
}

// doorbell is the transport's receive callback.
func (s *Session) doorbell() {
	select {
	case s.doneC <- struct{}{}:
	default:
	}
}

func (s *Session) statusRegister() (*shmem.Reg32, error) {
	b, err := s.cfg.MemAt(s.cfg.StatusAddr, 4)
	if err != nil {
		return nil, err
	}

	return shmem.NewReg32(b)
}

func (s *Session) bindQueue(addr uint64) (*chq.Tracker, error) {
	mem, err := s.cfg.MemAt(addr, chq.SizeofQueue)
	if err != nil {
		return nil, err
	}

	q, err := chq.New(mem)
	if err != nil {
		return nil, err
	}

	return chq.NewTracker(q), nil
}

// tracker returns the tracker for p. The caller holds s.mu.
func (s *Session) tracker(p Priority) (*chq.Tracker, error) {
	if !p.valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, uint32(p))
	}

	if !s.ready {
		return nil, ErrNotReady
	}

	return s.q[p], nil
}

func (cfg Config) validate() error {
	if cfg.MemAt == nil {
		return errors.New("MemAt is not set")
	}

	if cfg.Open == nil {
		return errors.New("Open is not set")
	}

	if cfg.TargetMask&(1<<31) != 0 {
		return fmt.Errorf("target mask %#x uses bit 31", cfg.TargetMask)
	}

	if cfg.ProbeTimeout < 0 || cfg.ProbeInterval < 0 || cfg.CompletionTimeout < 0 {
		return errors.New("negative timeout")
	}

	var (
		hi = cfg.HighQueueAddr
		lo = cfg.LowQueueAddr
		sz = uint64(chq.SizeofQueue)
	)

	if hi > math.MaxUint64-sz || lo > math.MaxUint64-sz {
		return fmt.Errorf("queues at %#x and %#x don't fit below the top of memory", hi, lo)
	}

	if hi < lo+sz && lo < hi+sz {
		return fmt.Errorf("queues overlap: %#x and %#x are less than %d bytes apart", hi, lo, sz)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.HighQueueAddr == 0 {
		cfg.HighQueueAddr = DefaultHighQueueAddr
	}

	if cfg.LowQueueAddr == 0 {
		cfg.LowQueueAddr = cfg.HighQueueAddr + chq.SizeofQueue
	}

	if cfg.StatusAddr == 0 {
		cfg.StatusAddr = DefaultStatusAddr
	}

	if cfg.PresentMask == 0 {
		cfg.PresentMask = DefaultPresentMask
	}

	if cfg.TargetMask == 0 {
		cfg.TargetMask = DefaultTargetMask
	}

	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
