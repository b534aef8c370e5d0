package pcibus

import (
	"errors"
	"testing"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := NewAllocator(DefaultConfig())
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	return a
}

func TestAllocationIsDeterministic(t *testing.T) {
	kinds := []DeviceKind{KindConsole, KindBlock, KindNet, KindVsock, KindRng, KindBalloon}

	run := func() []Address {
		a := newTestAllocator(t)
		var out []Address
		for _, k := range kinds {
			addr, err := a.Allocate(k, nil)
			if err != nil {
				t.Fatalf("allocate %s: %v", k, err)
			}
			out = append(out, addr)
		}
		return out
	}

	first := run()
	second := run()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("allocation order differs at %d: %s vs %s", i, first[i], second[i])
		}
		if first[i].Slot != uint8(i) {
			t.Fatalf("expected lowest-first slots, got %s at index %d", first[i], i)
		}
	}
}

func TestHintConflict(t *testing.T) {
	a := newTestAllocator(t)

	hint := &Address{Slot: 5}
	first, err := a.Allocate(KindBlock, hint)
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}

	if _, err := a.Allocate(KindNet, hint); !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}

	// The first device's assignment is untouched by the failed allocation.
	if kind, err := a.KindAt(first); err != nil || kind != KindBlock {
		t.Fatalf("slot 5 after conflict: kind=%s err=%v", kind, err)
	}
}

func TestBusExhaustion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlotCount = 2
	a, err := NewAllocator(cfg)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}

	if _, err := a.Allocate(KindBlock, nil); err != nil {
		t.Fatalf("allocate 0: %v", err)
	}
	if _, err := a.Allocate(KindNet, nil); err != nil {
		t.Fatalf("allocate 1: %v", err)
	}
	if _, err := a.Allocate(KindRng, nil); !errors.Is(err, ErrBusFull) {
		t.Fatalf("expected ErrBusFull, got %v", err)
	}
}

func TestReleaseAndReuse(t *testing.T) {
	a := newTestAllocator(t)

	addr, err := a.Allocate(KindBlock, nil)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := a.Release(addr); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := a.Release(addr); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("double release: expected ErrNotAllocated, got %v", err)
	}

	// Freed slot is the lowest again, so the next device takes it.
	again, err := a.Allocate(KindNet, nil)
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	if again != addr {
		t.Fatalf("expected reuse of %s, got %s", addr, again)
	}
}

func TestInterruptRoutingAndWindows(t *testing.T) {
	cfg := DefaultConfig()
	a, err := NewAllocator(cfg)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}

	addr, err := a.Allocate(KindConsole, &Address{Slot: 3})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	line, err := a.RouteInterrupt(addr)
	if err != nil {
		t.Fatalf("route interrupt: %v", err)
	}
	if uint32(line) != cfg.IRQBase+3 {
		t.Fatalf("irq line = %d, want %d", line, cfg.IRQBase+3)
	}

	win, err := a.WindowFor(addr)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if win.Address != cfg.WindowBase+3*cfg.WindowSize || win.Size != cfg.WindowSize {
		t.Fatalf("window = %#v", win)
	}

	// Resources for unallocated slots are refused.
	if _, err := a.RouteInterrupt(Address{Slot: 9}); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("expected ErrNotAllocated, got %v", err)
	}
}
