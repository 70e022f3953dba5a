package hostio

import "fmt"

type busBinding struct {
	addr, size uint64
	window     Window
}

// Bus is a Mapper over a table of windows bound at fixed physical addresses.
// Modelled hardware registers its banks on a Bus so that address-driven
// discovery code resolves them the same way it would resolve real banks.
type Bus struct {
	bindings []busBinding
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Bind attaches a window at the given physical address range.
func (b *Bus) Bind(addr, size uint64, w Window) error {
	if w == nil {
		return fmt.Errorf("window for 0x%x is nil", addr)
	}
	if size == 0 {
		return fmt.Errorf("window at 0x%x has zero size", addr)
	}
	if addr+size < addr {
		return fmt.Errorf("window at 0x%x with size 0x%x overflows", addr, size)
	}
	for _, existing := range b.bindings {
		if addr < existing.addr+existing.size && existing.addr < addr+size {
			return fmt.Errorf(
				"window 0x%x-0x%x overlaps existing window 0x%x-0x%x",
				addr, addr+size-1, existing.addr, existing.addr+existing.size-1)
		}
	}
	b.bindings = append(b.bindings, busBinding{addr: addr, size: size, window: w})
	return nil
}

// Map implements Mapper. The requested range must fall inside one binding.
func (b *Bus) Map(addr, size uint64) (Window, error) {
	for _, binding := range b.bindings {
		if addr >= binding.addr && addr+size <= binding.addr+binding.size {
			return Offset(binding.window, addr-binding.addr), nil
		}
	}
	return nil, fmt.Errorf("no window for 0x%x-0x%x", addr, addr+size-1)
}

var _ Mapper = (*Bus)(nil)
