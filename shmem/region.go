//go:build linux

package shmem

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Config describes a region to map.
type Config struct {

	// Path is the file backing the region, e.g. /dev/mem or a file under /dev/shm.
	// If Path is empty, the region is backed by an anonymous memfd that can be
	// shared with another process through Region.Fd.
	Path string

	// Name labels an anonymous region. It is ignored when Path is set.
	Name string

	// Base is the physical address of the region's first byte.
	Base uint64

	// Size is the size of the region in bytes.
	Size int

	// Offset is the file offset of Base. For /dev/mem it equals Base.
	// It doesn't have to be page aligned.
	Offset int64

	// Create creates Path (and grows it to Offset+Size) if necessary.
	Create bool
}

// Region is a mapped physical memory region.
type Region struct {
	Base uint64
	Mem  []byte

	f  *os.File
	mm []byte
}

var (
	ErrConfig = errors.New("shmem: invalid config")
	ErrOpen   = errors.New("shmem: open failed")
	ErrMmap   = errors.New("shmem: mmap failed")
)

// Map maps a region.
func Map(cfg Config) (*Region, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	f, err := cfg.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	var (
		pgsz  = int64(os.Getpagesize())
		pgoff = cfg.Offset % pgsz
	)

	mm, err := unix.Mmap(int(f.Fd()), cfg.Offset-pgoff, cfg.Size+int(pgoff),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrMmap, err)
	}

	r := &Region{
		Base: cfg.Base,
		Mem:  mm[pgoff : pgoff+int64(cfg.Size)],
		f:    f,
		mm:   mm,
	}

	return r, nil
}

// Fd returns the file descriptor backing the region.
func (r *Region) Fd() uintptr {
	return r.f.Fd()
}

// Contains reports whether [addr, addr+size) lies inside the region.
func (r *Region) Contains(addr uint64, size int) bool {
	if size < 0 || addr < r.Base {
		return false
	}

	var (
		off = addr - r.Base
		n   = uint64(len(r.Mem))
	)

	return off <= n && uint64(size) <= n-off
}

// MemAt returns the slice of the region at physical address addr.
func (r *Region) MemAt(addr uint64, size int) ([]byte, error) {
	if !r.Contains(addr, size) {
		return nil, fmt.Errorf("%w: %#x+%d not in %#x+%d", ErrOutOfRange, addr, size, r.Base, len(r.Mem))
	}

	off := addr - r.Base
	return r.Mem[off : off+uint64(size) : off+uint64(size)], nil
}

// Reg32 returns the 32-bit register at physical address addr.
func (r *Region) Reg32(addr uint64) (*Reg32, error) {
	b, err := r.MemAt(addr, 4)
	if err != nil {
		return nil, err
	}

	return NewReg32(b)
}

func (r *Region) Close() error {
	if r.mm == nil {
		return nil
	}

	err := unix.Munmap(r.mm)
	r.mm = nil
	r.Mem = nil

	if cerr := r.f.Close(); err == nil {
		err = cerr
	}

	return err
}

func (cfg Config) open() (*os.File, error) {
	if cfg.Path == "" {
		fd, err := unix.MemfdCreate(cfg.Name, unix.MFD_CLOEXEC)
		if err != nil {
			return nil, err
		}

		if err := unix.Ftruncate(fd, cfg.Offset+int64(cfg.Size)); err != nil {
			unix.Close(fd)
			return nil, err
		}

		return os.NewFile(uintptr(fd), "memfd:"+cfg.Name), nil
	}

	flag := os.O_RDWR | os.O_SYNC
	if cfg.Create {
		flag |= os.O_CREATE
	}

	f, err := os.OpenFile(cfg.Path, flag, 0o600)
	if err != nil {
		return nil, err
	}

	if cfg.Create {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}

		if need := cfg.Offset + int64(cfg.Size); fi.Size() < need {
			if err := f.Truncate(need); err != nil {
				f.Close()
				return nil, err
			}
		}
	}

	return f, nil
}

func (cfg Config) validate() error {
	if cfg.Size <= 0 {
		return fmt.Errorf("size must be positive: %d", cfg.Size)
	}

	if cfg.Offset < 0 {
		return fmt.Errorf("offset must not be negative: %d", cfg.Offset)
	}

	if cfg.Base+uint64(cfg.Size) < cfg.Base {
		return fmt.Errorf("region %#x+%d overflows", cfg.Base, cfg.Size)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Path == "" && cfg.Name == "" {
		cfg.Name = "shmem"
	}

	return cfg
}

// Regions resolves physical addresses across several regions.
type Regions []*Region

// MemAt returns the slice at addr from the first region that contains all of it.
func (rr Regions) MemAt(addr uint64, size int) ([]byte, error) {
	for _, r := range rr {
		if r.Contains(addr, size) {
			return r.MemAt(addr, size)
		}
	}

	return nil, fmt.Errorf("%w: %#x+%d", ErrOutOfRange, addr, size)
}

func (rr Regions) Close() error {
	var first error
	for _, r := range rr {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}
