// Package machine assembles a device core from a configuration: guest
// memory, the bus allocator, the dispatch contexts, and the configured
// devices, realized in that order and torn down in reverse. A Machine owns
// all of its state, so independent machines coexist in one process.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vireo-vmm/vireo/internal/guestmem"
	"github.com/vireo-vmm/vireo/internal/hv"
	"github.com/vireo-vmm/vireo/internal/iothread"
	"github.com/vireo-vmm/vireo/internal/netstack"
	"github.com/vireo-vmm/vireo/internal/pcibus"
	"github.com/vireo-vmm/vireo/internal/vfio"
	"github.com/vireo-vmm/vireo/internal/virtio"
)

const (
	defaultRAMBase = 0x4000_0000

	sharedLoopName = "io-shared"

	// Passthrough BARs need more room than the 0x200-byte virtio windows,
	// so they live in their own area above the virtio bus.
	vfioWindowBase = 0x0c00_0000
	vfioWindowSize = 0x10_0000

	quiesceTimeout = 5 * time.Second
)

// Options carries the host-side collaborators a configuration cannot name.
type Options struct {
	// Injector delivers device interrupts to the guest. Nil drops them,
	// which only makes sense in tests.
	Injector hv.InterruptInjector

	// ConsoleInput and ConsoleOutput back console devices. Defaults: no
	// input, discard output.
	ConsoleInput  io.Reader
	ConsoleOutput io.Writer

	Log *slog.Logger
}

type noopInjector struct{}

func (noopInjector) InjectIRQ(hv.IRQLine) error { return nil }

// Device is one realized device: its bus seat and its register block.
type Device struct {
	ID        string
	Kind      pcibus.DeviceKind
	Addr      pcibus.Address
	Transport *virtio.Transport
}

// Machine is a realized device core. It implements hv.GuestMemory and
// routes guest MMIO to the device owning the address.
type Machine struct {
	cfg Config
	log *slog.Logger

	mem   *guestmem.AddressSpace
	bus   *pcibus.Allocator
	loops map[string]*iothread.Loop

	devices []*Device
	byID    map[string]*Device

	mmio []hv.MemoryMappedIODevice

	nets   []*netstack.Stack
	vports *virtio.VsockPortMap
	bridge *vfio.Bridge

	injector hv.InterruptInjector

	mu       sync.Mutex
	teardown []func()
	closed   bool
}

// New validates the configuration and realizes the machine: memory, then
// the bus, then dispatch contexts, then devices in configuration order. Any
// failure unwinds what was already realized.
func New(cfg Config, opts Options) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	injector := opts.Injector
	if injector == nil {
		injector = noopInjector{}
	}

	m := &Machine{
		cfg:      cfg,
		log:      log,
		loops:    make(map[string]*iothread.Loop),
		byID:     make(map[string]*Device),
		injector: injector,
	}

	if err := m.realize(opts); err != nil {
		m.unwind()
		return nil, err
	}
	return m, nil
}

func (m *Machine) realize(opts Options) error {
	if err := m.realizeMemory(); err != nil {
		return err
	}
	if err := m.realizeBus(); err != nil {
		return err
	}
	m.realizeLoops()
	for i := range m.cfg.Devices {
		if err := m.realizeDevice(&m.cfg.Devices[i], opts); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) pushTeardown(fn func()) {
	m.teardown = append(m.teardown, fn)
}

func (m *Machine) unwind() {
	for i := len(m.teardown) - 1; i >= 0; i-- {
		m.teardown[i]()
	}
	m.teardown = nil
}

func (m *Machine) realizeMemory() error {
	size, err := parseSize(m.cfg.Memory.Size)
	if err != nil {
		return configErrf("memory.size", "%v", err)
	}
	backing, err := m.cfg.Memory.backing()
	if err != nil {
		return err
	}
	base := m.cfg.Memory.Base
	if base == 0 {
		base = defaultRAMBase
	}

	m.mem = guestmem.New()
	m.pushTeardown(func() { m.mem.Close() })
	if _, err := m.mem.Add("ram", base, size, backing); err != nil {
		return fmt.Errorf("machine: realize memory: %w", err)
	}
	m.log.Info("guest memory realized", "base", fmt.Sprintf("0x%x", base),
		"size", size, "backing", backing.Kind.String())
	return nil
}

func (m *Machine) realizeBus() error {
	bus, err := pcibus.NewAllocator(pcibus.DefaultConfig())
	if err != nil {
		return fmt.Errorf("machine: realize bus: %w", err)
	}
	m.bus = bus
	return nil
}

func (m *Machine) realizeLoops() {
	names := append([]string{sharedLoopName}, m.cfg.IOThreads...)
	for _, name := range names {
		loop := iothread.New(name, 0)
		m.loops[name] = loop
		m.pushTeardown(func() {
			ctx, cancel := context.WithTimeout(context.Background(), quiesceTimeout)
			defer cancel()
			if err := loop.Quiesce(ctx); err != nil {
				m.log.Warn("loop quiesce failed", "loop", loop.Name(), "err", err)
			}
		})
	}
}

func (m *Machine) loopFor(d *DeviceConfig) *iothread.Loop {
	if d.IOThread != "" {
		return m.loops[d.IOThread]
	}
	return m.loops[sharedLoopName]
}

func (m *Machine) realizeDevice(d *DeviceConfig, opts Options) error {
	if d.Kind == "vfio" {
		return m.realizePassthrough(d)
	}

	loop := m.loopFor(d)
	loop.Pin(d.ID)

	var (
		kind    pcibus.DeviceKind
		backend virtio.Backend
		cleanup func()
	)
	switch d.Kind {
	case "block":
		flags := os.O_RDWR
		if d.ReadOnly {
			flags = os.O_RDONLY
		}
		f, err := os.OpenFile(d.File, flags, 0)
		if err != nil {
			return fmt.Errorf("machine: device %s: open image: %w", d.ID, err)
		}
		blk, err := virtio.NewBlk(d.ID, virtio.BlkConfig{
			File:      f,
			ReadOnly:  d.ReadOnly,
			Serial:    d.Serial,
			IOPSLimit: d.IOPS,
			Loop:      loop,
			Log:       m.log,
		})
		if err != nil {
			f.Close()
			return fmt.Errorf("machine: device %s: %w", d.ID, err)
		}
		kind, backend = pcibus.KindBlock, blk
		cleanup = func() { f.Close() }

	case "net":
		dev, clean, err := m.realizeNet(d, loop)
		if err != nil {
			return err
		}
		kind, backend, cleanup = pcibus.KindNet, dev, clean

	case "console":
		con := virtio.NewConsole(d.ID, virtio.ConsoleConfig{
			Input:  opts.ConsoleInput,
			Output: opts.ConsoleOutput,
			Cols:   d.Cols,
			Rows:   d.Rows,
			Loop:   loop,
			Log:    m.log,
		})
		kind, backend = pcibus.KindConsole, con

	case "balloon":
		kind = pcibus.KindBalloon
		backend = virtio.NewBalloon(d.ID, virtio.BalloonConfig{
			Memory: m.mem,
			Log:    m.log,
		})

	case "rng":
		rng, err := virtio.NewRng(d.ID, virtio.RngConfig{
			BytesPerSec: d.Rate,
			Burst:       d.Burst,
			Loop:        loop,
			Log:         m.log,
		})
		if err != nil {
			return fmt.Errorf("machine: device %s: %w", d.ID, err)
		}
		kind, backend = pcibus.KindRng, rng

	case "vsock":
		var connector virtio.VsockConnector
		if d.Backend == "host" {
			connector = virtio.HostVsockConnector{}
		} else {
			if m.vports == nil {
				m.vports = virtio.NewVsockPortMap()
			}
			connector = m.vports
		}
		vs, err := virtio.NewVsock(d.ID, virtio.VsockDeviceConfig{
			GuestCID:  d.CID,
			Connector: connector,
			Loop:      loop,
			Log:       m.log,
		})
		if err != nil {
			return fmt.Errorf("machine: device %s: %w", d.ID, err)
		}
		kind, backend = pcibus.KindVsock, vs

	default:
		return configErrf("devices", "unknown kind %q", d.Kind)
	}

	if err := m.seatDevice(d, kind, backend); err != nil {
		backend.Shutdown()
		if cleanup != nil {
			cleanup()
		}
		return err
	}
	m.pushTeardown(func() {
		backend.Shutdown()
		if cleanup != nil {
			cleanup()
		}
	})
	return nil
}

func (m *Machine) realizeNet(d *DeviceConfig, loop *iothread.Loop) (*virtio.Net, func(), error) {
	mac, err := m.macFor(d)
	if err != nil {
		return nil, nil, err
	}

	var (
		sink    virtio.FrameSink
		cleanup func()
	)
	switch d.Backend {
	case "discard":
		sink = virtio.FrameSinkFunc(func([]byte) error { return nil })
	default:
		var capture *os.File
		if d.PCAP != "" {
			capture, err = os.Create(d.PCAP)
			if err != nil {
				return nil, nil, fmt.Errorf("machine: device %s: open capture: %w", d.ID, err)
			}
		}
		nsCfg := netstack.Config{
			Hosts: m.cfg.Hosts,
			Log:   m.log,
		}
		if capture != nil {
			nsCfg.Capture = capture
		}
		ns, err := netstack.New(nsCfg)
		if err != nil {
			if capture != nil {
				capture.Close()
			}
			return nil, nil, fmt.Errorf("machine: device %s: %w", d.ID, err)
		}
		if err := ns.StartDNS(); err != nil {
			ns.Close()
			if capture != nil {
				capture.Close()
			}
			return nil, nil, fmt.Errorf("machine: device %s: %w", d.ID, err)
		}
		m.nets = append(m.nets, ns)
		sink = ns
		cleanup = func() {
			ns.Close()
			if capture != nil {
				capture.Close()
			}
		}
	}

	pairs := d.Queues
	if pairs == 0 {
		pairs = 1
	}
	dev := virtio.NewNet(d.ID, virtio.NetConfig{
		MAC:        mac,
		Sink:       sink,
		QueuePairs: pairs,
		Loop:       loop,
		Log:        m.log,
	})
	if ns, ok := sink.(*netstack.Stack); ok {
		ns.SetDeliver(dev.InjectFrame)
	}
	return dev, cleanup, nil
}

// macFor returns the configured MAC, or a stable locally administered one
// derived from the device's position.
func (m *Machine) macFor(d *DeviceConfig) ([6]byte, error) {
	var mac [6]byte
	if d.MAC == "" {
		mac = [6]byte{0x52, 0x54, 0x00, 0x76, 0x69, byte(len(m.devices))}
		return mac, nil
	}
	hw, err := net.ParseMAC(d.MAC)
	if err != nil || len(hw) != 6 {
		return mac, configErrf("devices.mac", "bad address %q", d.MAC)
	}
	copy(mac[:], hw)
	return mac, nil
}

// seatDevice allocates a bus seat and builds the register block.
func (m *Machine) seatDevice(d *DeviceConfig, kind pcibus.DeviceKind, backend virtio.Backend) error {
	var hint *pcibus.Address
	if d.Slot != nil {
		hint = &pcibus.Address{Slot: *d.Slot}
	}
	addr, err := m.bus.Allocate(kind, hint)
	if err != nil {
		return fmt.Errorf("machine: device %s: %w", d.ID, err)
	}
	window, err := m.bus.WindowFor(addr)
	if err != nil {
		return fmt.Errorf("machine: device %s: %w", d.ID, err)
	}
	line, err := m.bus.RouteInterrupt(addr)
	if err != nil {
		return fmt.Errorf("machine: device %s: %w", d.ID, err)
	}

	tr, err := virtio.NewTransport(virtio.TransportConfig{
		Name:     fmt.Sprintf("virtio-%s/%s", d.Kind, d.ID),
		Window:   window,
		Line:     line,
		Memory:   m.mem,
		Injector: m.injector,
		Loop:     m.loopFor(d),
		Backend:  backend,
		Log:      m.log,
	})
	if err != nil {
		m.bus.Release(addr)
		return fmt.Errorf("machine: device %s: %w", d.ID, err)
	}

	dev := &Device{ID: d.ID, Kind: kind, Addr: addr, Transport: tr}
	m.devices = append(m.devices, dev)
	m.byID[d.ID] = dev
	m.mmio = append(m.mmio, tr)
	m.pushTeardown(func() {
		tr.Shutdown()
		m.bus.Release(addr)
	})
	m.log.Info("device realized", "device", d.ID, "kind", d.Kind,
		"addr", addr.String(), "line", uint32(line))
	return nil
}

// realizePassthrough attaches a host device. Attach failures are fatal to
// this device only when the machine is configured to continue; here, at
// realize time, they fail the machine like any other configuration problem.
func (m *Machine) realizePassthrough(d *DeviceConfig) error {
	if m.bridge == nil {
		m.bridge = vfio.NewBridge(vfio.BridgeConfig{Memory: m.mem, Injector: m.injector, Log: m.log})
		m.pushTeardown(func() { m.bridge.Close() })
	}

	var hint *pcibus.Address
	if d.Slot != nil {
		hint = &pcibus.Address{Slot: *d.Slot}
	}
	addr, err := m.bus.Allocate(pcibus.KindPassthrough, hint)
	if err != nil {
		return fmt.Errorf("machine: device %s: %w", d.ID, err)
	}
	line, err := m.bus.RouteInterrupt(addr)
	if err != nil {
		m.bus.Release(addr)
		return fmt.Errorf("machine: device %s: %w", d.ID, err)
	}

	window := hv.MMIORegion{
		Address: vfioWindowBase + uint64(addr.Slot)*vfioWindowSize,
		Size:    vfioWindowSize,
	}
	dev, err := m.bridge.Attach(d.HostDevice, window, line)
	if err != nil {
		m.bus.Release(addr)
		return fmt.Errorf("machine: device %s: %w", d.ID, err)
	}

	md := &Device{ID: d.ID, Kind: pcibus.KindPassthrough, Addr: addr}
	m.devices = append(m.devices, md)
	m.byID[d.ID] = md
	m.mmio = append(m.mmio, dev)
	host := d.HostDevice
	m.pushTeardown(func() {
		if err := m.bridge.Detach(host); err != nil && !errors.Is(err, vfio.ErrNotAttached) {
			m.log.Warn("detach failed", "device", host, "err", err)
		}
		m.bus.Release(addr)
	})
	return nil
}

// Devices returns the realized devices in configuration order.
func (m *Machine) Devices() []*Device {
	out := make([]*Device, len(m.devices))
	copy(out, m.devices)
	return out
}

// Device returns a realized device by its configured ID.
func (m *Machine) Device(id string) (*Device, bool) {
	d, ok := m.byID[id]
	return d, ok
}

// Memory exposes the guest address space.
func (m *Machine) Memory() *guestmem.AddressSpace { return m.mem }

// VsockPorts returns the in-process vsock port map, creating it if no local
// vsock device forced it into existence yet.
func (m *Machine) VsockPorts() *virtio.VsockPortMap {
	if m.vports == nil {
		m.vports = virtio.NewVsockPortMap()
	}
	return m.vports
}

// ReadAt implements hv.GuestMemory.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) { return m.mem.ReadAt(p, off) }

// WriteAt implements hv.GuestMemory.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) { return m.mem.WriteAt(p, off) }

// findMMIO returns the device owning the address, or nil.
func (m *Machine) findMMIO(addr uint64, size int) hv.MemoryMappedIODevice {
	for _, dev := range m.mmio {
		for _, r := range dev.MMIORegions() {
			if r.Contains(addr, size) {
				return dev
			}
		}
	}
	return nil
}

// ReadMMIO routes a trapped guest read to the owning device.
func (m *Machine) ReadMMIO(addr uint64, data []byte) error {
	dev := m.findMMIO(addr, len(data))
	if dev == nil {
		return fmt.Errorf("machine: unhandled MMIO read at 0x%x", addr)
	}
	return dev.ReadMMIO(addr, data)
}

// WriteMMIO routes a trapped guest write to the owning device.
func (m *Machine) WriteMMIO(addr uint64, data []byte) error {
	dev := m.findMMIO(addr, len(data))
	if dev == nil {
		return fmt.Errorf("machine: unhandled MMIO write at 0x%x", addr)
	}
	return dev.WriteMMIO(addr, data)
}

// Run drives the dispatch contexts until the context is cancelled or a loop
// fails. Cancellation is the normal stop path and is not reported as an
// error.
func (m *Machine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, loop := range m.loops {
		loop := loop
		g.Go(func() error { return loop.Run(ctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("machine: %w", err)
	}
	return nil
}

// Close tears the machine down in reverse realization order: devices, then
// dispatch contexts, then memory. Idempotent.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.unwind()
	return nil
}

var _ hv.GuestMemory = (*Machine)(nil)
var _ hv.MemoryMappedIODevice = (*Machine)(nil)

// MMIORegions implements hv.MemoryMappedIODevice over the whole bus.
func (m *Machine) MMIORegions() []hv.MMIORegion {
	var out []hv.MMIORegion
	for _, dev := range m.mmio {
		out = append(out, dev.MMIORegions()...)
	}
	return out
}
