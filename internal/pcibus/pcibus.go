// Package pcibus assigns bus addresses, MMIO windows, and interrupt lines to
// devices on the emulated PCI-like bus. Allocation is deterministic for a
// fixed insertion order so guests see a stable topology across runs.
package pcibus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vireo-vmm/vireo/internal/hv"
)

var (
	ErrBusFull      = errors.New("pcibus: no free slots")
	ErrSlotTaken    = errors.New("pcibus: requested slot already allocated")
	ErrNotAllocated = errors.New("pcibus: address not allocated")
)

// DeviceKind tags the owner of a slot, for enumeration and diagnostics.
type DeviceKind string

const (
	KindBlock       DeviceKind = "block"
	KindNet         DeviceKind = "net"
	KindConsole     DeviceKind = "console"
	KindBalloon     DeviceKind = "balloon"
	KindRng         DeviceKind = "rng"
	KindVsock       DeviceKind = "vsock"
	KindPassthrough DeviceKind = "vfio"
)

// Address is the domain/bus/slot/function tuple identifying a device's
// position on the bus. Allocated once at device-add time, stable for the
// device's lifetime.
type Address struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%d", a.Domain, a.Bus, a.Slot, a.Function)
}

// Config sets the bus geometry. The zero value is not usable; call
// DefaultConfig for the standard layout.
type Config struct {
	// SlotCount is the number of slots on bus 0.
	SlotCount int

	// WindowBase is the guest physical base of the device register windows.
	// Slot n owns [WindowBase + n*WindowSize, +WindowSize).
	WindowBase uint64

	// WindowSize is the per-slot register window size.
	WindowSize uint64

	// IRQBase is the first interrupt line; slot n gets IRQBase + n.
	IRQBase uint32
}

// DefaultConfig matches the layout guests are told about on the kernel
// command line: 32 slots of 0x200 bytes at 0x0a000000, interrupts from 48.
func DefaultConfig() Config {
	return Config{
		SlotCount:  32,
		WindowBase: 0x0a000000,
		WindowSize: 0x200,
		IRQBase:    48,
	}
}

type slotEntry struct {
	kind DeviceKind
}

// Allocator hands out bus addresses and the resources tied to them.
type Allocator struct {
	mu    sync.Mutex
	cfg   Config
	slots []*slotEntry
}

// NewAllocator creates an allocator for one host bridge (domain 0, bus 0).
func NewAllocator(cfg Config) (*Allocator, error) {
	if cfg.SlotCount <= 0 || cfg.SlotCount > 256 {
		return nil, fmt.Errorf("pcibus: invalid slot count %d", cfg.SlotCount)
	}
	if cfg.WindowSize == 0 {
		return nil, fmt.Errorf("pcibus: invalid window size 0x%x", cfg.WindowSize)
	}
	return &Allocator{
		cfg:   cfg,
		slots: make([]*slotEntry, cfg.SlotCount),
	}, nil
}

// Allocate assigns the first free slot in lowest-numeric order, or the hinted
// slot exactly. A hint for a taken slot fails with ErrSlotTaken and leaves
// the existing assignment untouched.
func (a *Allocator) Allocate(kind DeviceKind, hint *Address) (Address, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if hint != nil {
		if hint.Domain != 0 || hint.Bus != 0 || hint.Function != 0 {
			return Address{}, fmt.Errorf("pcibus: hint %s outside bus 0 function 0", hint)
		}
		if int(hint.Slot) >= len(a.slots) {
			return Address{}, fmt.Errorf("pcibus: hint slot %d out of range (%d slots)", hint.Slot, len(a.slots))
		}
		if a.slots[hint.Slot] != nil {
			return Address{}, fmt.Errorf("pcibus: slot %d for %s: %w", hint.Slot, kind, ErrSlotTaken)
		}
		a.slots[hint.Slot] = &slotEntry{kind: kind}
		return Address{Slot: hint.Slot}, nil
	}

	for i := range a.slots {
		if a.slots[i] == nil {
			a.slots[i] = &slotEntry{kind: kind}
			return Address{Slot: uint8(i)}, nil
		}
	}
	return Address{}, fmt.Errorf("pcibus: allocate %s: %w", kind, ErrBusFull)
}

// Release frees a slot for reuse.
func (a *Allocator) Release(addr Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, err := a.lookupLocked(addr)
	if err != nil {
		return err
	}
	_ = e
	a.slots[addr.Slot] = nil
	return nil
}

// RouteInterrupt returns the interrupt line wired to the device at addr.
// The mapping is fixed per slot, so it survives device reset.
func (a *Allocator) RouteInterrupt(addr Address) (hv.IRQLine, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.lookupLocked(addr); err != nil {
		return 0, err
	}
	return hv.IRQLine(a.cfg.IRQBase + uint32(addr.Slot)), nil
}

// WindowFor returns the register window owned by the device at addr.
func (a *Allocator) WindowFor(addr Address) (hv.MMIORegion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.lookupLocked(addr); err != nil {
		return hv.MMIORegion{}, err
	}
	return hv.MMIORegion{
		Address: a.cfg.WindowBase + uint64(addr.Slot)*a.cfg.WindowSize,
		Size:    a.cfg.WindowSize,
	}, nil
}

// KindAt reports what occupies a slot, for enumeration.
func (a *Allocator) KindAt(addr Address) (DeviceKind, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, err := a.lookupLocked(addr)
	if err != nil {
		return "", err
	}
	return e.kind, nil
}

func (a *Allocator) lookupLocked(addr Address) (*slotEntry, error) {
	if addr.Domain != 0 || addr.Bus != 0 || addr.Function != 0 || int(addr.Slot) >= len(a.slots) {
		return nil, fmt.Errorf("pcibus: %s: %w", addr, ErrNotAllocated)
	}
	e := a.slots[addr.Slot]
	if e == nil {
		return nil, fmt.Errorf("pcibus: %s: %w", addr, ErrNotAllocated)
	}
	return e, nil
}
