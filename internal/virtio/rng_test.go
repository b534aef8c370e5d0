package virtio

import (
	"testing"
	"time"
)

// patternReader yields an endless repeating byte pattern.
type patternReader struct {
	next byte
}

func (r *patternReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.next
		r.next++
	}
	return len(p), nil
}

type rngHarness struct {
	t    *testing.T
	mem  *mockMemory
	ring *guestRing
	q    *Queue
	rng  *Rng
}

func newRngHarness(t *testing.T, cfg RngConfig) *rngHarness {
	t.Helper()
	if cfg.Source == nil {
		cfg.Source = &patternReader{}
	}
	rng, err := NewRng("rng0", cfg)
	if err != nil {
		t.Fatalf("NewRng: %v", err)
	}
	t.Cleanup(func() { rng.Shutdown() })

	mem := newMockMemory(0x40000)
	ring := newGuestRing(t, mem, 8, ringBase)
	q := NewQueue(0, mem, rngQueueMaxSize)
	ring.attach(q)
	if err := rng.Activate(FeatureVersion1, []*Queue{q}, nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return &rngHarness{t: t, mem: mem, ring: ring, q: q, rng: rng}
}

// request posts one writable buffer and kicks the device, returning the
// completion length from the used ring.
func (h *rngHarness) request(size uint32) uint32 {
	h.t.Helper()
	before := h.ring.usedIdx()
	h.ring.writeDesc(0, dataBase, size, descFWrite, 0)
	h.ring.pushAvail(0)
	if err := h.rng.Notify(0); err != nil {
		h.t.Fatalf("Notify: %v", err)
	}
	after := h.ring.usedIdx()
	if after == before {
		h.t.Fatal("request did not complete")
	}
	_, written := h.ring.usedElem((after - 1) % h.ring.size)
	return written
}

func TestRngFillsBuffer(t *testing.T) {
	h := newRngHarness(t, RngConfig{})

	if got := h.request(32); got != 32 {
		t.Fatalf("written = %d, want 32", got)
	}
	buf := make([]byte, 32)
	if _, err := h.mem.ReadAt(buf, dataBase); err != nil {
		t.Fatalf("read entropy: %v", err)
	}
	// patternReader starts at 0 and counts up.
	for i, b := range buf {
		if b != byte(i) {
			t.Fatalf("entropy[%d] = %d, want %d", i, b, i)
		}
	}
}

func TestRngBurstBoundsFirstFill(t *testing.T) {
	h := newRngHarness(t, RngConfig{BytesPerSec: 500, Burst: 32})

	got := h.request(256)
	if got < 32 || got > 48 {
		t.Errorf("first fill = %d bytes, want about the 32-byte burst", got)
	}
}

func TestRngSustainedRateCap(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-sensitive")
	}
	h := newRngHarness(t, RngConfig{BytesPerSec: 500, Burst: 32})

	var total uint32
	start := time.Now()
	for time.Since(start) < 200*time.Millisecond {
		total += h.request(64)
	}
	elapsed := time.Since(start).Seconds()

	// Burst plus the refill for the elapsed window, with slack for timer
	// coarseness. An unmetered device would deliver tens of kilobytes.
	limit := uint32(32 + int(elapsed*500) + 64)
	if total > limit {
		t.Errorf("delivered %d bytes in %.0fms, cap allows about %d", total, elapsed*1000, limit)
	}
	if total == 0 {
		t.Error("rate cap starved the device entirely")
	}
}
