// Package vfio attaches host PCI devices to the guest through the kernel's
// VFIO type1 interface. The bridge owns one IOMMU container whose DMA
// mappings shadow the guest address space; attached devices forward guest
// MMIO accesses to the host device's regions.
package vfio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vireo-vmm/vireo/internal/guestmem"
	"github.com/vireo-vmm/vireo/internal/hv"
)

var (
	// ErrPermission means the host denied access to the VFIO device node
	// or group.
	ErrPermission = errors.New("vfio: permission denied")

	// ErrDeviceBusy means the group or device is held by another user.
	ErrDeviceBusy = errors.New("vfio: device busy")

	// ErrGroupNotViable means not all devices in the IOMMU group are bound
	// to vfio-pci, so isolation cannot be guaranteed.
	ErrGroupNotViable = errors.New("vfio: iommu group not viable")

	// ErrNotAttached is returned by Detach for an unknown device.
	ErrNotAttached = errors.New("vfio: device not attached")
)

// RegionInfo describes one host device region (a PCI BAR or config space).
type RegionInfo struct {
	Index  uint32
	Size   uint64
	Offset uint64
}

// Interrupt index spaces within a VFIO PCI device.
const (
	intxIRQIndex = 0
	msiIRQIndex  = 1
)

// kernel abstracts the host's VFIO interface so the bridge logic can be
// exercised without /dev/vfio.
type kernel interface {
	OpenContainer() (int, error)
	APIVersion(containerFD int) (int, error)
	SupportsType1(containerFD int) (bool, error)
	GroupForDevice(id string) (int, error)
	OpenGroup(group int) (int, error)
	GroupViable(groupFD int) (bool, error)
	SetContainer(groupFD, containerFD int) error
	SetIOMMU(containerFD int) error
	MapDMA(containerFD int, iova, size uint64, vaddr uintptr) error
	UnmapDMA(containerFD int, iova, size uint64) error
	OpenDevice(groupFD int, id string) (int, error)
	Regions(deviceFD int) ([]RegionInfo, error)
	ReadRegion(deviceFD int, region RegionInfo, off uint64, p []byte) error
	WriteRegion(deviceFD int, region RegionInfo, off uint64, p []byte) error
	IRQInfo(deviceFD int, index uint32) (count uint32, err error)
	SetIRQs(deviceFD int, index uint32, eventFD int) error
	DisableIRQs(deviceFD int, index uint32) error
	Eventfd() (int, error)
	ReadEvent(fd int) error
	Close(fd int) error
}

// BridgeConfig configures the passthrough bridge.
type BridgeConfig struct {
	// Memory is the guest address space whose regions become DMA mappings.
	Memory *guestmem.AddressSpace

	// Injector delivers forwarded host interrupts to the guest. Nil leaves
	// attached devices without interrupt delivery.
	Injector hv.InterruptInjector

	Log *slog.Logger
}

// Bridge manages the VFIO container and the set of attached devices. Attach
// failures are fatal to that device only; the rest of the machine keeps
// running.
type Bridge struct {
	kern     kernel
	mem      *guestmem.AddressSpace
	injector hv.InterruptInjector
	log      *slog.Logger

	mu          sync.Mutex
	containerFD int
	haveIOMMU   bool
	devices     map[string]*Device
	closed      bool
}

// NewBridge creates a bridge using the host's /dev/vfio interface.
func NewBridge(cfg BridgeConfig) *Bridge {
	return newBridge(hostKernel{}, cfg)
}

func newBridge(kern kernel, cfg BridgeConfig) *Bridge {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		kern:        kern,
		mem:         cfg.Memory,
		injector:    cfg.Injector,
		log:         log,
		containerFD: -1,
		devices:     make(map[string]*Device),
	}
}

// Device is one attached host PCI device. It implements
// hv.MemoryMappedIODevice: guest accesses inside its window are forwarded to
// the corresponding host region.
type Device struct {
	bridge *Bridge
	id     string
	window hv.MMIORegion
	line   hv.IRQLine

	groupFD  int
	deviceFD int

	// irqFD is the eventfd registered for host interrupt delivery, or -1
	// when the device has none wired.
	irqFD    int
	irqIndex uint32

	// regions in index order; offsets lays each one out page-aligned
	// inside the window.
	regions []RegionInfo
	offsets []uint64
}

func (d *Device) ID() string       { return d.id }
func (d *Device) Line() hv.IRQLine { return d.line }

// Regions returns the host device's region layout.
func (d *Device) Regions() []RegionInfo {
	out := make([]RegionInfo, len(d.regions))
	copy(out, d.regions)
	return out
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (d *Device) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{d.window}
}

// ReadMMIO forwards a guest read to the host region covering the offset.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	region, off, err := d.resolve(addr, len(data))
	if err != nil {
		return err
	}
	return d.bridge.kern.ReadRegion(d.deviceFD, region, off, data)
}

// WriteMMIO forwards a guest write to the host region covering the offset.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	region, off, err := d.resolve(addr, len(data))
	if err != nil {
		return err
	}
	return d.bridge.kern.WriteRegion(d.deviceFD, region, off, data)
}

// resolve maps a guest window offset onto (region, region offset).
func (d *Device) resolve(addr uint64, length int) (RegionInfo, uint64, error) {
	off := addr - d.window.Address
	for i, r := range d.regions {
		base := d.offsets[i]
		if off >= base && off+uint64(length) <= base+r.Size {
			return r, off - base, nil
		}
	}
	return RegionInfo{}, 0, fmt.Errorf("vfio %s: access at window offset 0x%x outside any region", d.id, off)
}

const regionAlign = 0x1000

// layoutRegions packs device regions page-aligned into the window.
func layoutRegions(regions []RegionInfo, window hv.MMIORegion) ([]uint64, error) {
	offsets := make([]uint64, len(regions))
	next := uint64(0)
	for i, r := range regions {
		offsets[i] = next
		next += (r.Size + regionAlign - 1) &^ uint64(regionAlign-1)
	}
	if next > window.Size {
		return nil, fmt.Errorf("vfio: regions need 0x%x bytes, window has 0x%x", next, window.Size)
	}
	return offsets, nil
}

// Attach binds one host device into the guest: the IOMMU group is claimed,
// guest RAM is DMA-mapped, and the device's regions become guest MMIO.
func (b *Bridge) Attach(id string, window hv.MMIORegion, line hv.IRQLine) (*Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("vfio: bridge closed")
	}
	if _, ok := b.devices[id]; ok {
		return nil, fmt.Errorf("vfio %s: %w", id, ErrDeviceBusy)
	}

	if err := b.ensureContainerLocked(); err != nil {
		return nil, fmt.Errorf("vfio %s: %w", id, err)
	}

	group, err := b.kern.GroupForDevice(id)
	if err != nil {
		return nil, fmt.Errorf("vfio %s: resolve iommu group: %w", id, err)
	}
	groupFD, err := b.kern.OpenGroup(group)
	if err != nil {
		return nil, fmt.Errorf("vfio %s: open group %d: %w", id, group, err)
	}

	dev, err := b.attachGroupLocked(id, window, line, groupFD)
	if err != nil {
		b.kern.Close(groupFD)
		return nil, err
	}
	if err := b.wireInterruptsLocked(dev); err != nil {
		b.log.Warn("passthrough interrupts unavailable", "device", id, "err", err)
	}
	b.devices[id] = dev
	b.log.Info("passthrough device attached", "device", id, "group", group,
		"regions", len(dev.regions), "line", uint32(line))
	return dev, nil
}

func (b *Bridge) attachGroupLocked(id string, window hv.MMIORegion, line hv.IRQLine, groupFD int) (*Device, error) {
	viable, err := b.kern.GroupViable(groupFD)
	if err != nil {
		return nil, fmt.Errorf("vfio %s: group status: %w", id, err)
	}
	if !viable {
		return nil, fmt.Errorf("vfio %s: %w", id, ErrGroupNotViable)
	}
	if err := b.kern.SetContainer(groupFD, b.containerFD); err != nil {
		return nil, fmt.Errorf("vfio %s: set container: %w", id, err)
	}

	// SET_IOMMU needs at least one group in the container, so the IOMMU
	// model and the DMA map replay wait for the first attach.
	if !b.haveIOMMU {
		if err := b.kern.SetIOMMU(b.containerFD); err != nil {
			return nil, fmt.Errorf("vfio %s: set iommu: %w", id, err)
		}
		b.haveIOMMU = true
		if b.mem != nil {
			if err := b.mem.RegisterListener(&dmaListener{bridge: b}); err != nil {
				return nil, fmt.Errorf("vfio %s: dma map guest memory: %w", id, err)
			}
		}
	}

	deviceFD, err := b.kern.OpenDevice(groupFD, id)
	if err != nil {
		return nil, fmt.Errorf("vfio %s: open device: %w", id, err)
	}
	regions, err := b.kern.Regions(deviceFD)
	if err != nil {
		b.kern.Close(deviceFD)
		return nil, fmt.Errorf("vfio %s: enumerate regions: %w", id, err)
	}
	offsets, err := layoutRegions(regions, window)
	if err != nil {
		b.kern.Close(deviceFD)
		return nil, fmt.Errorf("vfio %s: %w", id, err)
	}

	return &Device{
		bridge:   b,
		id:       id,
		window:   window,
		line:     line,
		groupFD:  groupFD,
		deviceFD: deviceFD,
		irqFD:    -1,
		regions:  regions,
		offsets:  offsets,
	}, nil
}

// wireInterruptsLocked routes the device's host interrupts into the guest:
// an eventfd is registered for MSI, or legacy INTx when the device reports no
// MSI vectors, and a pump goroutine injects the device's line on every fire.
func (b *Bridge) wireInterruptsLocked(dev *Device) error {
	if b.injector == nil {
		return nil
	}

	index := uint32(msiIRQIndex)
	count, err := b.kern.IRQInfo(dev.deviceFD, index)
	if err != nil || count == 0 {
		index = intxIRQIndex
		if count, err = b.kern.IRQInfo(dev.deviceFD, index); err != nil {
			return fmt.Errorf("irq info: %w", err)
		}
	}
	if count == 0 {
		b.log.Info("passthrough device reports no interrupts", "device", dev.id)
		return nil
	}

	fd, err := b.kern.Eventfd()
	if err != nil {
		return fmt.Errorf("eventfd: %w", err)
	}
	if err := b.kern.SetIRQs(dev.deviceFD, index, fd); err != nil {
		b.kern.Close(fd)
		return fmt.Errorf("set irqs (index %d): %w", index, err)
	}
	dev.irqFD = fd
	dev.irqIndex = index
	go b.pumpInterrupts(dev, fd)
	return nil
}

// pumpInterrupts forwards host interrupt fires until the eventfd is closed.
func (b *Bridge) pumpInterrupts(dev *Device, fd int) {
	for {
		if err := b.kern.ReadEvent(fd); err != nil {
			return
		}
		if err := b.injector.InjectIRQ(dev.line); err != nil {
			b.log.Warn("passthrough interrupt dropped", "device", dev.id, "err", err)
		}
	}
}

// releaseDeviceLocked tears down one device's interrupt wiring and file
// descriptors. Closing the eventfd stops the pump.
func (b *Bridge) releaseDeviceLocked(dev *Device) {
	if dev.irqFD >= 0 {
		if err := b.kern.DisableIRQs(dev.deviceFD, dev.irqIndex); err != nil {
			b.log.Warn("disable passthrough interrupts failed", "device", dev.id, "err", err)
		}
		b.kern.Close(dev.irqFD)
		dev.irqFD = -1
	}
	b.kern.Close(dev.deviceFD)
	b.kern.Close(dev.groupFD)
}

func (b *Bridge) ensureContainerLocked() error {
	if b.containerFD >= 0 {
		return nil
	}
	fd, err := b.kern.OpenContainer()
	if err != nil {
		return fmt.Errorf("open container: %w", err)
	}
	if v, err := b.kern.APIVersion(fd); err != nil || v != 0 {
		b.kern.Close(fd)
		if err != nil {
			return fmt.Errorf("api version: %w", err)
		}
		return fmt.Errorf("unsupported vfio api version %d", v)
	}
	ok, err := b.kern.SupportsType1(fd)
	if err != nil {
		b.kern.Close(fd)
		return fmt.Errorf("check type1 iommu: %w", err)
	}
	if !ok {
		b.kern.Close(fd)
		return fmt.Errorf("host lacks type1 iommu support")
	}
	b.containerFD = fd
	return nil
}

// Detach unmaps one device and releases its group. Detaching a device that
// was never attached fails with ErrNotAttached and changes nothing.
func (b *Bridge) Detach(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, ok := b.devices[id]
	if !ok {
		return fmt.Errorf("vfio %s: %w", id, ErrNotAttached)
	}
	delete(b.devices, id)
	b.releaseDeviceLocked(dev)
	b.log.Info("passthrough device detached", "device", id)
	return nil
}

// Close detaches every device and releases the container.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, dev := range b.devices {
		b.releaseDeviceLocked(dev)
		delete(b.devices, id)
	}
	if b.containerFD >= 0 {
		b.kern.Close(b.containerFD)
		b.containerFD = -1
	}
	return nil
}

// dmaListener keeps the container's DMA mappings aligned with the guest
// address space: every RAM region is identity-mapped (iova = guest physical).
type dmaListener struct {
	bridge *Bridge
}

func (l *dmaListener) RegionAdded(r *guestmem.Region) error {
	b := l.bridge
	if b.closed || !b.haveIOMMU {
		return nil
	}
	if err := b.kern.MapDMA(b.containerFD, r.GuestBase, r.Size, r.HostAddr()); err != nil {
		return fmt.Errorf("vfio: dma map region %q: %w", r.Name, err)
	}
	return nil
}

func (l *dmaListener) RegionRemoved(r *guestmem.Region) {
	b := l.bridge
	if b.closed || !b.haveIOMMU {
		return
	}
	if err := b.kern.UnmapDMA(b.containerFD, r.GuestBase, r.Size); err != nil {
		b.log.Warn("dma unmap failed", "region", r.Name, "err", err)
	}
}
