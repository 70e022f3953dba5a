//go:build linux

package hostio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DevMem maps physical register banks through /dev/mem. It is the live
// hardware counterpart of Bus for bring-up from user space on a mapped
// system; each Map call produces an independent mapping.
type DevMem struct {
	f        *os.File
	mappings [][]byte
}

// OpenDevMem opens /dev/mem for register access.
func OpenDevMem() (*DevMem, error) {
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("hostio: open /dev/mem: %w", err)
	}
	return &DevMem{f: f}, nil
}

// Map implements Mapper.
func (d *DevMem) Map(addr, size uint64) (Window, error) {
	if addr%4 != 0 {
		return nil, fmt.Errorf("hostio: register bank 0x%x is not word aligned", addr)
	}
	pageSize := uint64(unix.Getpagesize())
	base := addr &^ (pageSize - 1)
	span := (addr + size + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(
		int(d.f.Fd()),
		int64(base),
		int(span-base),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("hostio: mmap 0x%x size 0x%x: %w", addr, size, err)
	}
	d.mappings = append(d.mappings, mem)

	bank := mem[addr-base:]
	return &devMemWindow{bank: bank, size: size}, nil
}

// Close unmaps all windows and closes /dev/mem. Outstanding windows must not
// be used afterwards.
func (d *DevMem) Close() error {
	var firstErr error
	for _, mem := range d.mappings {
		if err := unix.Munmap(mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("hostio: munmap: %w", err)
		}
	}
	d.mappings = nil
	if err := d.f.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("hostio: close /dev/mem: %w", err)
	}
	return firstErr
}

type devMemWindow struct {
	bank []byte
	size uint64
}

// Register accesses must reach the device as one 32-bit load or store. A
// read of an acknowledge register decomposed into byte loads would be four
// acknowledgments; atomic word accesses guarantee the single-access width.

func (w *devMemWindow) Readl(off uint64) uint32 {
	if off+4 > w.size || off%4 != 0 {
		return 0
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&w.bank[off])))
}

func (w *devMemWindow) Writel(off uint64, v uint32) {
	if off+4 > w.size || off%4 != 0 {
		return
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&w.bank[off])), v)
}

var (
	_ Mapper = (*DevMem)(nil)
	_ Window = (*devMemWindow)(nil)
)
