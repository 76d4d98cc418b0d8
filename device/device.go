// Package device emulates the service unit end of a command channel. It serves the
// channel queues a client.Session posts to, so the client can run without the real
// firmware.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/c35s/ipiq/chq"
	"github.com/c35s/ipiq/client"
	"github.com/c35s/ipiq/ipi"
	"github.com/c35s/ipiq/shmem"
	"golang.org/x/sync/errgroup"
)

// Config describes a new device. Zero addresses and masks default to the same
// values as client.Config.
type Config struct {

	// MemAt returns the shared memory at a physical address.
	MemAt func(addr uint64, size int) ([]byte, error)

	// Mailbox is the device's end of the doorbell transport.
	Mailbox ipi.Mailbox

	HighQueueAddr uint64
	LowQueueAddr  uint64

	StatusAddr  uint64
	PresentMask uint32

	// TargetMask selects the client's doorbell.
	TargetMask uint32

	// Handler answers commands. It defaults to Echo.
	Handler Handler

	// KeepPresent leaves the firmware present bits set when Run returns. A device
	// that serves one client connection after another announces itself once with
	// Announce, before any client probes, and sets KeepPresent.
	KeepPresent bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

var (
	ErrConfig = errors.New("device: invalid config")
	ErrQueue  = errors.New("device: channel queue unavailable")
)

// Device serves both channel queues, high priority first.
type Device struct {
	cfg Config
	log *slog.Logger

	status *shmem.Reg32
	q      [2]*chq.DeviceQueue
	next   [2]int // where the next scan of each queue starts

	// notifyC holds one doorbell token
	notifyC chan struct{}
}

// New binds the status register and both channel queues. It doesn't set the
// firmware present bits; see Run and Announce.
func New(cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	status, err := statusRegister(cfg.MemAt, cfg.StatusAddr)
	if err != nil {
		return nil, err
	}

	d := &Device{
		cfg:     cfg,
		log:     cfg.Logger,
		status:  status,
		notifyC: make(chan struct{}, 1),
	}

	for p, addr := range []uint64{cfg.HighQueueAddr, cfg.LowQueueAddr} {
		mem, err := cfg.MemAt(addr, chq.SizeofQueue)
		if err != nil {
			return nil, fmt.Errorf("%w: %v queue at %#x: %w", ErrQueue, client.Priority(p), addr, err)
		}

		q, err := chq.NewDevice(mem)
		if err != nil {
			return nil, fmt.Errorf("%w: %v queue at %#x: %w", ErrQueue, client.Priority(p), addr, err)
		}

		d.q[p] = q
	}

	return d, nil
}

// Announce sets the firmware present bits of the status register at addr and
// returns a function that clears them. Zero addr and mask default like Config.
func Announce(memAt func(addr uint64, size int) ([]byte, error), addr uint64, mask uint32) (withdraw func(), err error) {
	if addr == 0 {
		addr = client.DefaultStatusAddr
	}

	if mask == 0 {
		mask = client.DefaultPresentMask
	}

	status, err := statusRegister(memAt, addr)
	if err != nil {
		return nil, err
	}

	status.Or(mask)
	return func() { status.AndNot(mask) }, nil
}

// Run announces the firmware and serves commands until ctx is done or the
// mailbox closes. Unless KeepPresent is set, the present bits are cleared before
// Run returns.
func (d *Device) Run(ctx context.Context) error {
	if err := d.cfg.Mailbox.SetReceiveCallback(d.doorbell); err != nil {
		return err
	}

	d.status.Or(d.cfg.PresentMask)
	if !d.cfg.KeepPresent {
		defer d.status.AndNot(d.cfg.PresentMask)
	}

	d.log.Debug("device running", "status", fmt.Sprintf("%#x", d.status.Load()))

	// serve whatever was posted before the callback was set
	d.doorbell()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.serve(ctx)
	})

	if m, ok := d.cfg.Mailbox.(interface{ Done() <-chan struct{} }); ok {
		g.Go(func() error {
			select {
			case <-m.Done():
				return ipi.ErrClosed

			case <-ctx.Done():
				return nil
			}
		})
	}

	return g.Wait()
}

func (d *Device) doorbell() {
	select {
	case d.notifyC <- struct{}{}:
	default:
	}
}

func (d *Device) serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-d.notifyC:
		}

		if err := d.drain(); err != nil {
			return err
		}
	}
}

// drain serves pending slots until both queues are empty. The high priority queue
// is rescanned after every slot.
func (d *Device) drain() error {
	for {
		ok, err := d.serveNext()
		if err != nil {
			return err
		}

		if ok {
			continue
		}

		for _, q := range d.q {
			if q.CmdPresent() {
				q.Drained()
			}
		}

		// a post may have raced with the flag being cleared
		if ok, err = d.serveNext(); err != nil || !ok {
			return err
		}
	}
}

// serveNext serves the first pending slot, if any.
func (d *Device) serveNext() (bool, error) {
	for p, q := range d.q {
		for i := 0; i < chq.Capacity; i++ {
			s := q.Slot((d.next[p] + i) % chq.Capacity)
			if !s.Pending() {
				continue
			}

			d.next[p] = (s.Index() + 1) % chq.Capacity
			return true, d.complete(client.Priority(p), q, s)
		}
	}

	return false, nil
}

func (d *Device) complete(p client.Priority, q *chq.DeviceQueue, s *chq.DeviceSlot) error {
	resp := s.ResponseBuffer()
	clear(resp)

	if err := d.cfg.Handler.Handle(p, s.Request(), resp); err != nil {
		d.log.Error("device handler failed", "prio", p, "slot", s.Index(), "err", err)
		clear(resp)
	}

	q.Complete(s)

	if err := d.cfg.Mailbox.Send(d.cfg.TargetMask, false); err != nil {
		return fmt.Errorf("device: ring %v slot %d: %w", p, s.Index(), err)
	}

	return nil
}

func statusRegister(memAt func(addr uint64, size int) ([]byte, error), addr uint64) (*shmem.Reg32, error) {
	b, err := memAt(addr, 4)
	if err != nil {
		return nil, fmt.Errorf("%w: status register: %w", ErrConfig, err)
	}

	reg, err := shmem.NewReg32(b)
	if err != nil {
		return nil, fmt.Errorf("%w: status register: %w", ErrConfig, err)
	}

	return reg, nil
}

func (cfg Config) validate() error {
	if cfg.MemAt == nil {
		return errors.New("MemAt is not set")
	}

	if cfg.Mailbox == nil {
		return errors.New("Mailbox is not set")
	}

	if cfg.TargetMask&(1<<31) != 0 {
		return fmt.Errorf("target mask %#x uses bit 31", cfg.TargetMask)
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
		cfg.HighQueueAddr = client.DefaultHighQueueAddr
	}

	if cfg.LowQueueAddr == 0 {
		cfg.LowQueueAddr = cfg.HighQueueAddr + chq.SizeofQueue
	}

	if cfg.StatusAddr == 0 {
		cfg.StatusAddr = client.DefaultStatusAddr
	}

	if cfg.PresentMask == 0 {
		cfg.PresentMask = client.DefaultPresentMask
	}

	if cfg.TargetMask == 0 {
		cfg.TargetMask = client.DefaultTargetMask
	}

	if cfg.Handler == nil {
		cfg.Handler = Echo{}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
