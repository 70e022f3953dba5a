package hostio

import "testing"

func TestDevMemWindowWordAccess(t *testing.T) {
	w := &devMemWindow{bank: make([]byte, 0x20), size: 0x20}

	w.Writel(0x10, 0xdeadbeef)
	if got := w.Readl(0x10); got != 0xdeadbeef {
		t.Fatalf("read = 0x%x, want 0xdeadbeef", got)
	}

	// The whole word lands with one store, in native layout.
	var nonzero int
	for _, b := range w.bank[0x10:0x14] {
		if b != 0 {
			nonzero++
		}
	}
	if nonzero != 4 {
		t.Fatalf("stored word has %d nonzero bytes, want 4", nonzero)
	}
}

func TestDevMemWindowRejectsBadOffsets(t *testing.T) {
	w := &devMemWindow{bank: make([]byte, 0x10), size: 0x10}

	w.Writel(0x2, 0xffffffff) // misaligned
	w.Writel(0xe, 0xffffffff) // straddles the end
	w.Writel(0x10, 0xffffffff)

	for i, b := range w.bank {
		if b != 0 {
			t.Fatalf("rejected write reached byte 0x%x", i)
		}
	}
	if got := w.Readl(0x2); got != 0 {
		t.Fatalf("misaligned read = 0x%x, want 0", got)
	}
	if got := w.Readl(0x10); got != 0 {
		t.Fatalf("out-of-range read = 0x%x, want 0", got)
	}
}
