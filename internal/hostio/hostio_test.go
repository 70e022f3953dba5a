package hostio

import "testing"

func TestMemReadWrite(t *testing.T) {
	m := NewMem(0x100)

	m.Writel(0x10, 0xdeadbeef)
	if got := m.Readl(0x10); got != 0xdeadbeef {
		t.Fatalf("read = 0x%x, want 0xdeadbeef", got)
	}
	if got := m.Readl(0x14); got != 0 {
		t.Fatalf("untouched word = 0x%x, want 0", got)
	}
}

func TestMemOutOfRange(t *testing.T) {
	m := NewMem(0x10)

	m.Writel(0x10, 1)
	m.Writel(0xe, 1) // straddles the end
	if got := m.Readl(0x10); got != 0 {
		t.Fatalf("out-of-range read = 0x%x, want 0", got)
	}
	if got := m.Readl(0xc); got != 0 {
		t.Fatalf("straddling write landed: 0x%x", got)
	}
}

func TestOffsetWindow(t *testing.T) {
	m := NewMem(0x100)
	w := Offset(m, 0x40)

	w.Writel(0x10, 0x1234)
	if got := m.Readl(0x50); got != 0x1234 {
		t.Fatalf("offset write landed at wrong address: 0x%x", got)
	}
	if got := w.Readl(0x10); got != 0x1234 {
		t.Fatalf("offset read = 0x%x, want 0x1234", got)
	}
}

func TestBusBindValidation(t *testing.T) {
	bus := NewBus()

	if err := bus.Bind(0x1000, 0x100, nil); err == nil {
		t.Fatalf("nil window accepted")
	}
	if err := bus.Bind(0x1000, 0, NewMem(0x100)); err == nil {
		t.Fatalf("zero-size window accepted")
	}
	if err := bus.Bind(^uint64(0)-0x10, 0x100, NewMem(0x100)); err == nil {
		t.Fatalf("overflowing window accepted")
	}

	if err := bus.Bind(0x1000, 0x100, NewMem(0x100)); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := bus.Bind(0x1080, 0x100, NewMem(0x100)); err == nil {
		t.Fatalf("overlapping window accepted")
	}
	if err := bus.Bind(0x1100, 0x100, NewMem(0x100)); err != nil {
		t.Fatalf("adjacent bind: %v", err)
	}
}

func TestBusMap(t *testing.T) {
	bus := NewBus()
	backing := NewMem(0x1000)
	if err := bus.Bind(0x08000000, 0x1000, backing); err != nil {
		t.Fatalf("bind: %v", err)
	}

	w, err := bus.Map(0x08000100, 0x100)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	w.Writel(0x10, 0xcafe)
	if got := backing.Readl(0x110); got != 0xcafe {
		t.Fatalf("mapped write landed at wrong address: 0x%x", got)
	}

	if _, err := bus.Map(0x09000000, 0x100); err == nil {
		t.Fatalf("map of unbound range succeeded")
	}
	if _, err := bus.Map(0x08000f00, 0x200); err == nil {
		t.Fatalf("map crossing the binding end succeeded")
	}
}
