package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vireo-vmm/vireo/internal/hv"
	"github.com/vireo-vmm/vireo/internal/iothread"
)

// Register block offsets (virtio-mmio v2 layout; byte offsets within the
// device's bus window).
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptACK      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueAvailLow     = 0x090
	regQueueAvailHigh    = 0x094
	regQueueUsedLow      = 0x0a0
	regQueueUsedHigh     = 0x0a4
	regConfigGeneration  = 0x0fc
	regConfig            = 0x100

	magicValue       = 0x74726976 // "virt"
	transportVersion = 2
	vendorID         = 0x6f657269 // "ireo"
)

// Device status bits.
const (
	statusAcknowledge      = 0x01
	statusDriver           = 0x02
	statusDriverOK         = 0x04
	statusFeaturesOK       = 0x08
	statusDeviceNeedsReset = 0x40
	statusFailed           = 0x80
)

// Interrupt status bits.
const (
	intVRing  = 0x1
	intConfig = 0x2
)

// TransportConfig wires one backend onto the bus.
type TransportConfig struct {
	// Name identifies the device in logs and errors (e.g. "virtio-blk/disk0").
	Name string

	// Window is the register window assigned by the bus allocator.
	Window hv.MMIORegion

	// Line is the interrupt line routed by the bus allocator.
	Line hv.IRQLine

	// Memory resolves guest physical addresses.
	Memory hv.GuestMemory

	// Injector delivers interrupts to the guest.
	Injector hv.InterruptInjector

	// Loop is the dispatch context the device is pinned to. When nil,
	// notifications run inline on the caller (tests only).
	Loop *iothread.Loop

	Backend Backend

	Log *slog.Logger
}

// Transport is the guest-visible register block for one device: feature
// negotiation, queue setup, kick handling, and interrupt status. It
// implements hv.MemoryMappedIODevice; the vCPU loop routes trapped accesses
// here and must see bounded latency, so kicks are handed off to the dispatch
// context rather than processed on the exit path.
type Transport struct {
	name     string
	window   hv.MMIORegion
	line     hv.IRQLine
	mem      hv.GuestMemory
	injector hv.InterruptInjector
	loop     *iothread.Loop
	backend  Backend
	log      *slog.Logger

	mu             sync.Mutex
	pendingAddrs   map[uint32]*queueAddrs
	status         uint32
	deviceFeatSel  uint32
	driverFeatSel  uint32
	driverFeatures uint64
	queueSel       uint32
	queues         []*Queue
	intrStatus     uint32
	configGen      uint32
	activated      bool
	shutdown       bool
}

// NewTransport builds the register block for one backend.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("virtio: transport %q without backend", cfg.Name)
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("virtio: transport %q without guest memory", cfg.Name)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	t := &Transport{
		name:     cfg.Name,
		window:   cfg.Window,
		line:     cfg.Line,
		mem:      cfg.Memory,
		injector: cfg.Injector,
		loop:     cfg.Loop,
		backend:  cfg.Backend,
		log:      log,
	}
	t.queues = make([]*Queue, cfg.Backend.NumQueues())
	for i := range t.queues {
		t.queues[i] = NewQueue(i, cfg.Memory, cfg.Backend.QueueMaxSize(i))
	}
	return t, nil
}

func (t *Transport) Name() string     { return t.name }
func (t *Transport) Line() hv.IRQLine { return t.line }
func (t *Transport) Backend() Backend { return t.backend }

// MMIORegions implements hv.MemoryMappedIODevice.
func (t *Transport) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{t.window}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (t *Transport) ReadMMIO(addr uint64, data []byte) error {
	off := addr - t.window.Address

	if off >= regConfig {
		return t.readConfigSpace(off-regConfig, data)
	}

	t.mu.Lock()
	val := t.readRegisterLocked(uint32(off &^ 3))
	t.mu.Unlock()

	return sliceRegister(val, off, data)
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (t *Transport) WriteMMIO(addr uint64, data []byte) error {
	off := addr - t.window.Address

	if off >= regConfig {
		return t.writeConfigSpace(off-regConfig, data)
	}

	if len(data) != 4 || off&3 != 0 {
		return fmt.Errorf("%s: unaligned %d-byte register write at 0x%x", t.name, len(data), off)
	}
	val := binary.LittleEndian.Uint32(data)
	return t.writeRegister(uint32(off), val)
}

func (t *Transport) readRegisterLocked(off uint32) uint32 {
	switch off {
	case regMagicValue:
		return magicValue
	case regVersion:
		return transportVersion
	case regDeviceID:
		return uint32(t.backend.DeviceID())
	case regVendorID:
		return vendorID
	case regDeviceFeatures:
		features := t.backend.DeviceFeatures() | FeatureVersion1 | FeatureRingEventIdx
		if t.deviceFeatSel == 0 {
			return uint32(features)
		}
		return uint32(features >> 32)
	case regQueueNumMax:
		if q := t.selectedQueueLocked(); q != nil {
			return uint32(q.MaxSize())
		}
		return 0
	case regQueueReady:
		if q := t.selectedQueueLocked(); q != nil && q.State() != QueueUninitialized {
			return 1
		}
		return 0
	case regInterruptStatus:
		return t.intrStatus
	case regStatus:
		return t.status
	case regConfigGeneration:
		return t.configGen
	}
	return 0
}

func (t *Transport) writeRegister(off, val uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch off {
	case regDeviceFeaturesSel:
		t.deviceFeatSel = val
	case regDriverFeaturesSel:
		t.driverFeatSel = val
	case regDriverFeatures:
		if t.driverFeatSel == 0 {
			t.driverFeatures = (t.driverFeatures &^ 0xffffffff) | uint64(val)
		} else {
			t.driverFeatures = (t.driverFeatures & 0xffffffff) | uint64(val)<<32
		}
	case regQueueSel:
		t.queueSel = val
	case regQueueNum:
		if q := t.selectedQueueLocked(); q != nil {
			if err := q.SetSize(uint16(val)); err != nil {
				t.log.Warn("queue size rejected", "device", t.name, "err", err)
			}
		}
	case regQueueDescLow, regQueueDescHigh, regQueueAvailLow, regQueueAvailHigh, regQueueUsedLow, regQueueUsedHigh:
		t.setQueueAddressLocked(off, val)
	case regQueueReady:
		return t.setQueueReadyLocked(val)
	case regQueueNotify:
		return t.queueNotifyLocked(val)
	case regInterruptACK:
		t.intrStatus &^= val
	case regStatus:
		return t.setStatusLocked(val)
	}
	return nil
}

// queueAddrs accumulates the low/high halves the guest writes one register
// at a time.
type queueAddrs struct {
	desc, avail, used uint64
}

func (t *Transport) pendingAddrsLocked() *queueAddrs {
	if t.pendingAddrs == nil {
		t.pendingAddrs = map[uint32]*queueAddrs{}
	}
	a := t.pendingAddrs[t.queueSel]
	if a == nil {
		a = &queueAddrs{}
		t.pendingAddrs[t.queueSel] = a
	}
	return a
}

func (t *Transport) setQueueAddressLocked(off, val uint32) {
	a := t.pendingAddrsLocked()
	switch off {
	case regQueueDescLow:
		a.desc = a.desc&^0xffffffff | uint64(val)
	case regQueueDescHigh:
		a.desc = a.desc&0xffffffff | uint64(val)<<32
	case regQueueAvailLow:
		a.avail = a.avail&^0xffffffff | uint64(val)
	case regQueueAvailHigh:
		a.avail = a.avail&0xffffffff | uint64(val)<<32
	case regQueueUsedLow:
		a.used = a.used&^0xffffffff | uint64(val)
	case regQueueUsedHigh:
		a.used = a.used&0xffffffff | uint64(val)<<32
	}
	if q := t.selectedQueueLocked(); q != nil {
		q.SetAddresses(a.desc, a.avail, a.used)
	}
}

func (t *Transport) setQueueReadyLocked(val uint32) error {
	q := t.selectedQueueLocked()
	if q == nil {
		return fmt.Errorf("%s: queue ready for invalid queue %d", t.name, t.queueSel)
	}
	if val == 0 {
		q.Stop()
		q.Reset()
		return nil
	}
	q.SetEventIdx(t.driverFeatures&FeatureRingEventIdx != 0)
	if err := q.SetReady(); err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}
	return nil
}

func (t *Transport) setStatusLocked(val uint32) error {
	if val == 0 {
		return t.resetLocked()
	}

	if val&statusFeaturesOK != 0 && t.status&statusFeaturesOK == 0 {
		offered := t.backend.DeviceFeatures() | FeatureVersion1 | FeatureRingEventIdx
		if t.driverFeatures&^offered != 0 {
			t.log.Warn("driver requested unoffered features",
				"device", t.name, "requested", fmt.Sprintf("0x%x", t.driverFeatures))
			// Leave FEATURES_OK clear; the driver rereads status and gives up.
			t.status = val &^ statusFeaturesOK
			return nil
		}
	}

	t.status = val

	if val&statusDriverOK != 0 && !t.activated {
		t.activated = true
		queues := make([]*Queue, len(t.queues))
		copy(queues, t.queues)
		if err := t.backend.Activate(t.driverFeatures, queues, t); err != nil {
			t.status |= statusDeviceNeedsReset
			return fmt.Errorf("%s: activate: %w", t.name, err)
		}
	}
	return nil
}

func (t *Transport) resetLocked() error {
	for _, q := range t.queues {
		q.Stop()
		q.Reset()
	}
	t.status = 0
	t.intrStatus = 0
	t.driverFeatures = 0
	t.deviceFeatSel = 0
	t.driverFeatSel = 0
	t.queueSel = 0
	t.activated = false
	t.pendingAddrs = nil

	if err := t.backend.Reset(); err != nil {
		return fmt.Errorf("%s: reset: %w", t.name, err)
	}
	return nil
}

func (t *Transport) queueNotifyLocked(val uint32) error {
	if t.shutdown {
		return nil
	}
	idx := int(val)
	if idx < 0 || idx >= len(t.queues) {
		return fmt.Errorf("%s: notify for invalid queue %d", t.name, idx)
	}
	q := t.queues[idx]
	if err := q.Activate(); err != nil {
		// Kick before setup. Modern drivers do not do this; drop it.
		t.log.Warn("dropping kick", "device", t.name, "queue", idx, "err", err)
		return nil
	}

	if t.loop == nil {
		// dispatchNotify takes t.mu itself; drop the register lock around
		// the inline call just as the loop path runs it unlocked.
		t.mu.Unlock()
		defer t.mu.Lock()
		return t.dispatchNotify(idx)
	}
	// The register lock is held on the vCPU exit path; never wait for the
	// loop to drain. A dropped kick is recovered at the next guest kick.
	err := t.loop.TryPost(t.name, func() {
		if err := t.dispatchNotify(idx); err != nil {
			t.log.Error("notify failed", "device", t.name, "queue", idx, "err", err)
		}
	})
	if errors.Is(err, iothread.ErrSaturated) {
		t.log.Warn("dropping kick, dispatch queue full", "device", t.name, "queue", idx)
		return nil
	}
	if errors.Is(err, iothread.ErrQuiesced) {
		return nil
	}
	return err
}

// dispatchNotify runs on the pinned dispatch context. A protocol violation
// stops the offending queue and surfaces DEVICE_NEEDS_RESET; the machine
// keeps running.
func (t *Transport) dispatchNotify(idx int) error {
	err := t.backend.Notify(idx)
	if err == nil {
		return nil
	}

	var chainErr *ChainError
	if errors.As(err, &chainErr) {
		t.mu.Lock()
		t.queues[idx].Stop()
		t.status |= statusDeviceNeedsReset
		t.mu.Unlock()
		t.log.Error("protocol violation, queue stopped",
			"device", t.name, "queue", idx, "err", err)
		return t.RaiseConfig()
	}
	return err
}

// RaiseRing implements IRQRaiser.
func (t *Transport) RaiseRing() error {
	return t.raise(intVRing)
}

// RaiseConfig implements IRQRaiser. It also bumps the config generation so
// the guest rereads config space.
func (t *Transport) RaiseConfig() error {
	t.mu.Lock()
	t.configGen++
	t.mu.Unlock()
	return t.raise(intConfig)
}

func (t *Transport) raise(bit uint32) error {
	t.mu.Lock()
	t.intrStatus |= bit
	inj := t.injector
	t.mu.Unlock()

	if inj == nil {
		return nil
	}
	return inj.InjectIRQ(t.line)
}

// Shutdown quiesces the device: no further kicks are dispatched and the
// backend releases its resources. Idempotent.
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return nil
	}
	t.shutdown = true
	for _, q := range t.queues {
		q.Stop()
	}
	t.pendingAddrs = nil
	t.mu.Unlock()

	return t.backend.Shutdown()
}

func (t *Transport) selectedQueueLocked() *Queue {
	if int(t.queueSel) >= len(t.queues) {
		return nil
	}
	return t.queues[t.queueSel]
}

// readConfigSpace serves 1/2/4-byte guest reads from device config space.
func (t *Transport) readConfigSpace(off uint64, data []byte) error {
	word := t.backend.ReadConfig(uint16(off &^ 3))
	return sliceRegister(word, off, data)
}

func (t *Transport) writeConfigSpace(off uint64, data []byte) error {
	if len(data) == 4 && off&3 == 0 {
		t.backend.WriteConfig(uint16(off), binary.LittleEndian.Uint32(data))
		return nil
	}
	// Sub-word write: read-modify-write the containing word.
	base := uint16(off &^ 3)
	word := t.backend.ReadConfig(base)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)
	copy(buf[off&3:], data)
	t.backend.WriteConfig(base, binary.LittleEndian.Uint32(buf[:]))
	return nil
}

// sliceRegister copies the requested bytes of a 32-bit register value into
// data, honoring the access offset within the word.
func sliceRegister(val uint32, off uint64, data []byte) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	shift := off & 3
	if int(shift)+len(data) > 4 {
		return fmt.Errorf("virtio: register access of %d bytes at offset 0x%x crosses word boundary", len(data), off)
	}
	copy(data, buf[shift:shift+uint64(len(data))])
	return nil
}
