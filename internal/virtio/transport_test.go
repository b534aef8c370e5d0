package virtio

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vireo-vmm/vireo/internal/hv"
	"github.com/vireo-vmm/vireo/internal/iothread"
)

// recordingBackend is a minimal backend that records lifecycle calls.
type recordingBackend struct {
	BackendBase

	features  uint64
	numQueues int

	notified  []int
	notifyErr error
	resets    int
	shutdowns int
}

func (b *recordingBackend) DeviceID() uint16          { return DeviceIDRng }
func (b *recordingBackend) DeviceFeatures() uint64    { return b.features }
func (b *recordingBackend) NumQueues() int            { return b.numQueues }
func (b *recordingBackend) QueueMaxSize(int) uint16   { return 8 }
func (b *recordingBackend) ReadConfig(uint16) uint32  { return 0xdeadbeef }
func (b *recordingBackend) WriteConfig(uint16, uint32) {}

func (b *recordingBackend) Notify(queue int) error {
	b.notified = append(b.notified, queue)
	return b.notifyErr
}

func (b *recordingBackend) Reset() error {
	b.resets++
	b.Deactivate()
	return nil
}

func (b *recordingBackend) Shutdown() error {
	b.shutdowns++
	return nil
}

// countingInjector records interrupt deliveries.
type countingInjector struct {
	lines []hv.IRQLine
}

func (c *countingInjector) InjectIRQ(line hv.IRQLine) error {
	c.lines = append(c.lines, line)
	return nil
}

const transportBase = 0x0a000000

func newTestTransport(t *testing.T, backend Backend, mem hv.GuestMemory) (*Transport, *countingInjector) {
	t.Helper()
	inj := &countingInjector{}
	tr, err := NewTransport(TransportConfig{
		Name:     "virtio-test/dev0",
		Window:   hv.MMIORegion{Address: transportBase, Size: 0x200},
		Line:     5,
		Memory:   mem,
		Injector: inj,
		Backend:  backend,
	})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	return tr, inj
}

func readReg(t *testing.T, tr *Transport, off uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if err := tr.ReadMMIO(transportBase+off, buf[:]); err != nil {
		t.Fatalf("ReadMMIO 0x%x: %v", off, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func writeReg(t *testing.T, tr *Transport, off uint64, val uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	if err := tr.WriteMMIO(transportBase+off, buf[:]); err != nil {
		t.Fatalf("WriteMMIO 0x%x: %v", off, err)
	}
}

// driverSetup walks the driver side of initialization: status handshake,
// feature negotiation, and queue 0 configuration against the given ring.
func driverSetup(t *testing.T, tr *Transport, ring *guestRing, features uint64) {
	t.Helper()
	writeReg(t, tr, regStatus, statusAcknowledge)
	writeReg(t, tr, regStatus, statusAcknowledge|statusDriver)

	writeReg(t, tr, regDriverFeaturesSel, 0)
	writeReg(t, tr, regDriverFeatures, uint32(features))
	writeReg(t, tr, regDriverFeaturesSel, 1)
	writeReg(t, tr, regDriverFeatures, uint32(features>>32))
	writeReg(t, tr, regStatus, statusAcknowledge|statusDriver|statusFeaturesOK)
	if readReg(t, tr, regStatus)&statusFeaturesOK == 0 {
		t.Fatal("FEATURES_OK rejected")
	}

	writeReg(t, tr, regQueueSel, 0)
	writeReg(t, tr, regQueueNum, uint32(ring.size))
	writeReg(t, tr, regQueueDescLow, uint32(ring.descBase))
	writeReg(t, tr, regQueueDescHigh, uint32(ring.descBase>>32))
	writeReg(t, tr, regQueueAvailLow, uint32(ring.availBase))
	writeReg(t, tr, regQueueAvailHigh, uint32(ring.availBase>>32))
	writeReg(t, tr, regQueueUsedLow, uint32(ring.usedBase))
	writeReg(t, tr, regQueueUsedHigh, uint32(ring.usedBase>>32))
	writeReg(t, tr, regQueueReady, 1)

	writeReg(t, tr, regStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)
}

func TestTransportIdentity(t *testing.T) {
	backend := &recordingBackend{numQueues: 1}
	tr, _ := newTestTransport(t, backend, newMockMemory(0x20000))

	if got := readReg(t, tr, regMagicValue); got != magicValue {
		t.Errorf("magic = 0x%x, want 0x%x", got, magicValue)
	}
	if got := readReg(t, tr, regVersion); got != transportVersion {
		t.Errorf("version = %d, want %d", got, transportVersion)
	}
	if got := readReg(t, tr, regDeviceID); got != uint32(DeviceIDRng) {
		t.Errorf("device id = %d, want %d", got, DeviceIDRng)
	}
}

func TestTransportNegotiationAndActivate(t *testing.T) {
	mem := newMockMemory(0x20000)
	backend := &recordingBackend{numQueues: 1}
	tr, _ := newTestTransport(t, backend, mem)
	ring := newGuestRing(t, mem, 8, ringBase)

	driverSetup(t, tr, ring, FeatureVersion1|FeatureRingEventIdx)

	if !backend.Active() {
		t.Fatal("backend not activated after DRIVER_OK")
	}
	if got := backend.Features(); got != FeatureVersion1|FeatureRingEventIdx {
		t.Errorf("negotiated features = 0x%x", got)
	}
	if q := backend.Queue(0); q == nil || q.State() != QueueReady {
		t.Errorf("queue 0 not ready after setup")
	}
}

func TestTransportRejectsUnofferedFeatures(t *testing.T) {
	backend := &recordingBackend{numQueues: 1}
	tr, _ := newTestTransport(t, backend, newMockMemory(0x20000))

	writeReg(t, tr, regStatus, statusAcknowledge)
	writeReg(t, tr, regStatus, statusAcknowledge|statusDriver)
	writeReg(t, tr, regDriverFeaturesSel, 0)
	writeReg(t, tr, regDriverFeatures, 0xffff)
	writeReg(t, tr, regStatus, statusAcknowledge|statusDriver|statusFeaturesOK)

	if readReg(t, tr, regStatus)&statusFeaturesOK != 0 {
		t.Error("FEATURES_OK accepted features the device never offered")
	}
}

func TestTransportNotifyDispatch(t *testing.T) {
	mem := newMockMemory(0x20000)
	backend := &recordingBackend{numQueues: 1}
	tr, _ := newTestTransport(t, backend, mem)
	ring := newGuestRing(t, mem, 8, ringBase)
	driverSetup(t, tr, ring, FeatureVersion1)

	writeReg(t, tr, regQueueNotify, 0)
	if len(backend.notified) != 1 || backend.notified[0] != 0 {
		t.Fatalf("notified = %v, want [0]", backend.notified)
	}
	if q := backend.Queue(0); q.State() != QueueActive {
		t.Errorf("queue state = %s, want active", q.State())
	}
}

func TestTransportChainErrorContainment(t *testing.T) {
	mem := newMockMemory(0x20000)
	backend := &recordingBackend{numQueues: 1}
	tr, inj := newTestTransport(t, backend, mem)
	ring := newGuestRing(t, mem, 8, ringBase)
	driverSetup(t, tr, ring, FeatureVersion1)

	backend.notifyErr = &ChainError{Head: 0, Index: 200, Reason: "descriptor index beyond queue size"}
	writeReg(t, tr, regQueueNotify, 0)

	if readReg(t, tr, regStatus)&statusDeviceNeedsReset == 0 {
		t.Error("DEVICE_NEEDS_RESET not set after protocol violation")
	}
	if q := backend.Queue(0); q.State() != QueueStopped {
		t.Errorf("queue state = %s, want stopped", q.State())
	}
	if readReg(t, tr, regInterruptStatus)&intConfig == 0 {
		t.Error("config interrupt not raised")
	}
	if len(inj.lines) == 0 {
		t.Error("no interrupt injected")
	}
}

func TestTransportInterruptAck(t *testing.T) {
	backend := &recordingBackend{numQueues: 1}
	tr, inj := newTestTransport(t, backend, newMockMemory(0x20000))

	if err := tr.RaiseRing(); err != nil {
		t.Fatalf("RaiseRing: %v", err)
	}
	if got := readReg(t, tr, regInterruptStatus); got&intVRing == 0 {
		t.Fatalf("interrupt status = 0x%x, want ring bit", got)
	}
	if len(inj.lines) != 1 || inj.lines[0] != 5 {
		t.Errorf("injected lines = %v, want [5]", inj.lines)
	}

	writeReg(t, tr, regInterruptACK, intVRing)
	if got := readReg(t, tr, regInterruptStatus); got&intVRing != 0 {
		t.Errorf("interrupt status = 0x%x after ack", got)
	}
}

func TestTransportResetIdempotent(t *testing.T) {
	mem := newMockMemory(0x20000)
	backend := &recordingBackend{numQueues: 1}
	tr, _ := newTestTransport(t, backend, mem)
	ring := newGuestRing(t, mem, 8, ringBase)
	driverSetup(t, tr, ring, FeatureVersion1)

	writeReg(t, tr, regStatus, 0)
	writeReg(t, tr, regStatus, 0)

	if backend.resets != 2 {
		t.Errorf("resets = %d, want 2", backend.resets)
	}
	if got := readReg(t, tr, regStatus); got != 0 {
		t.Errorf("status after reset = 0x%x, want 0", got)
	}
	if backend.Active() {
		t.Error("backend still active after reset")
	}

	// The device renegotiates from scratch.
	driverSetup(t, tr, ring2(t, mem), FeatureVersion1)
	if !backend.Active() {
		t.Error("backend not activated after renegotiation")
	}
}

// ring2 lays out a fresh ring so renegotiation does not see stale state.
func ring2(t *testing.T, mem *mockMemory) *guestRing {
	return newGuestRing(t, mem, 8, ringBase+0x4000)
}

// drainBackend pops everything available and completes it, tolerating the
// queue being reset underneath.
type drainBackend struct {
	BackendBase
}

func (b *drainBackend) DeviceID() uint16           { return DeviceIDRng }
func (b *drainBackend) DeviceFeatures() uint64     { return 0 }
func (b *drainBackend) NumQueues() int             { return 1 }
func (b *drainBackend) QueueMaxSize(int) uint16    { return 8 }
func (b *drainBackend) ReadConfig(uint16) uint32   { return 0 }
func (b *drainBackend) WriteConfig(uint16, uint32) {}
func (b *drainBackend) Reset() error               { b.Deactivate(); return nil }
func (b *drainBackend) Shutdown() error            { return nil }

func (b *drainBackend) Notify(queue int) error {
	q := b.Queue(queue)
	if q == nil {
		return nil
	}
	var done []Completion
	for {
		chain, err := q.Pop()
		if err != nil {
			return nil
		}
		if chain == nil {
			break
		}
		done = append(done, Completion{Head: chain.Head})
	}
	_ = b.CompleteBatch(q, done)
	return nil
}

// A driver may reset and reinitialize the device while a kick is still being
// dispatched on the device's loop; queue state must stay coherent throughout.
func TestTransportResetDuringNotify(t *testing.T) {
	mem := newMockMemory(0x20000)
	backend := &drainBackend{}

	l := iothread.New("io-test", 0)
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.Quiesce(ctx)
	})

	tr, err := NewTransport(TransportConfig{
		Name:    "virtio-test/dev0",
		Window:  hv.MMIORegion{Address: transportBase, Size: 0x200},
		Line:    5,
		Memory:  mem,
		Loop:    l,
		Backend: backend,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}

	ring := newGuestRing(t, mem, 8, ringBase)
	driverSetup(t, tr, ring, FeatureVersion1)
	ring.writeDesc(0, dataBase, 16, 0, 0)
	ring.pushAvail(0)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var buf [4]byte
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = tr.WriteMMIO(transportBase+regQueueNotify, buf[:])
		}
	}()

	for i := 0; i < 50; i++ {
		writeReg(t, tr, regStatus, 0)
		driverSetup(t, tr, ring, FeatureVersion1)
	}
	close(stop)
	wg.Wait()
}

func TestTransportShutdownIdempotent(t *testing.T) {
	backend := &recordingBackend{numQueues: 1}
	tr, _ := newTestTransport(t, backend, newMockMemory(0x20000))

	if err := tr.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := tr.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if backend.shutdowns != 1 {
		t.Errorf("shutdowns = %d, want 1", backend.shutdowns)
	}
}

func TestTransportConfigSpaceSubWord(t *testing.T) {
	backend := &recordingBackend{numQueues: 1}
	tr, _ := newTestTransport(t, backend, newMockMemory(0x20000))

	// 0xdeadbeef little-endian: ef be ad de.
	var one [1]byte
	if err := tr.ReadMMIO(transportBase+regConfig+1, one[:]); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if one[0] != 0xbe {
		t.Errorf("config byte 1 = 0x%x, want 0xbe", one[0])
	}

	var half [2]byte
	if err := tr.ReadMMIO(transportBase+regConfig+2, half[:]); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if got := binary.LittleEndian.Uint16(half[:]); got != 0xdead {
		t.Errorf("config half-word = 0x%x, want 0xdead", got)
	}
}
