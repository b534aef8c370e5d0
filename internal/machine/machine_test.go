package machine

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vireo-vmm/vireo/internal/pcibus"
)

func testImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	if err := f.Truncate(64 * 512); err != nil {
		t.Fatalf("truncate image: %v", err)
	}
	f.Close()
	return path
}

func fullConfig(t *testing.T) Config {
	return Config{
		Memory:    MemoryConfig{Size: "1M"},
		IOThreads: []string{"io-disk"},
		Devices: []DeviceConfig{
			{Kind: "block", ID: "disk0", File: testImage(t), IOThread: "io-disk"},
			{Kind: "net", ID: "net0", Backend: "discard"},
			{Kind: "console", ID: "console0"},
			{Kind: "balloon", ID: "balloon0"},
			{Kind: "rng", ID: "rng0", Rate: 4096},
			{Kind: "vsock", ID: "vsock0", CID: 3},
		},
	}
}

func newTestMachine(t *testing.T, cfg Config) *Machine {
	t.Helper()
	m, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMachineRealizesConfiguredDevices(t *testing.T) {
	m := newTestMachine(t, fullConfig(t))

	devs := m.Devices()
	if len(devs) != 6 {
		t.Fatalf("realized %d devices, want 6", len(devs))
	}
	wantKinds := []pcibus.DeviceKind{
		pcibus.KindBlock, pcibus.KindNet, pcibus.KindConsole,
		pcibus.KindBalloon, pcibus.KindRng, pcibus.KindVsock,
	}
	for i, d := range devs {
		if d.Kind != wantKinds[i] {
			t.Errorf("device %d kind = %s, want %s", i, d.Kind, wantKinds[i])
		}
		if d.Addr.Slot != uint8(i) {
			t.Errorf("device %d slot = %d, want %d", i, d.Addr.Slot, i)
		}
	}
	if _, ok := m.Device("rng0"); !ok {
		t.Error("Device(rng0) not found")
	}
}

func TestMachineMMIORouting(t *testing.T) {
	m := newTestMachine(t, fullConfig(t))

	// Every transport answers the identity registers at its own window.
	for _, d := range m.Devices() {
		window := d.Transport.MMIORegions()[0]
		buf := make([]byte, 4)
		if err := m.ReadMMIO(window.Address, buf); err != nil {
			t.Fatalf("%s: read magic: %v", d.ID, err)
		}
		if got := binary.LittleEndian.Uint32(buf); got != 0x74726976 {
			t.Errorf("%s: magic = 0x%x", d.ID, got)
		}
	}

	if err := m.ReadMMIO(0x0900_0000, make([]byte, 4)); err == nil {
		t.Error("read outside any window succeeded")
	}
}

func TestMachineDeterministicEnumeration(t *testing.T) {
	cfg := fullConfig(t)
	m1 := newTestMachine(t, cfg)
	m2 := newTestMachine(t, cfg)

	d1, d2 := m1.Devices(), m2.Devices()
	for i := range d1 {
		if d1[i].Addr != d2[i].Addr {
			t.Errorf("device %d: %s vs %s", i, d1[i].Addr, d2[i].Addr)
		}
	}
}

func TestMachineSlotHintConflict(t *testing.T) {
	slot := uint8(4)
	cfg := Config{
		Memory: MemoryConfig{Size: "1M"},
		Devices: []DeviceConfig{
			{Kind: "rng", ID: "rng0", Slot: &slot},
			{Kind: "console", ID: "console0", Slot: &slot},
		},
	}
	if _, err := New(cfg, Options{}); err == nil {
		t.Fatal("duplicate slot hint accepted")
	}
}

func TestMachineRunStopsOnCancel(t *testing.T) {
	m := newTestMachine(t, Config{
		Memory:  MemoryConfig{Size: "1M"},
		Devices: []DeviceConfig{{Kind: "rng", ID: "rng0"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestMachineCloseIdempotent(t *testing.T) {
	m := newTestMachine(t, fullConfig(t))
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestIndependentMachines(t *testing.T) {
	cfg := Config{
		Memory:  MemoryConfig{Size: "1M"},
		Devices: []DeviceConfig{{Kind: "rng", ID: "rng0"}},
	}
	m1 := newTestMachine(t, cfg)
	m2 := newTestMachine(t, cfg)

	// Closing one machine leaves the other serving MMIO.
	if err := m1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	d, _ := m2.Device("rng0")
	buf := make([]byte, 4)
	if err := m2.ReadMMIO(d.Transport.MMIORegions()[0].Address, buf); err != nil {
		t.Fatalf("surviving machine read: %v", err)
	}
}
