package virtio

import (
	"fmt"
	"sync"
)

// Virtio device type identifiers.
const (
	DeviceIDNet     = 1
	DeviceIDBlock   = 2
	DeviceIDConsole = 3
	DeviceIDRng     = 4
	DeviceIDBalloon = 5
	DeviceIDVsock   = 19
)

// DeviceError is a backend-level operation failure. Protocol-visible status
// (e.g. the block status byte) is written separately; DeviceError is what
// surfaces to logs and machine teardown.
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// IRQRaiser lets a backend signal the guest. The transport owns the
// interrupt status bits and the routing to the allocated line.
type IRQRaiser interface {
	// RaiseRing signals used-buffer completions.
	RaiseRing() error
	// RaiseConfig signals a device configuration change.
	RaiseConfig() error
}

// Backend is the device-kind-specific state machine behind one transport.
// Notify is always invoked on the dispatch context the device is pinned to;
// Reset and Shutdown may be invoked from the machine control path and must
// be idempotent.
type Backend interface {
	// DeviceID returns the virtio device type (DeviceID*).
	DeviceID() uint16

	// DeviceFeatures returns the full 64-bit feature set the device offers.
	DeviceFeatures() uint64

	// NumQueues returns how many virtqueues the device exposes.
	NumQueues() int

	// QueueMaxSize returns the maximum ring size for one queue.
	QueueMaxSize(queue int) uint16

	// ReadConfig returns the 32-bit word at a device config space offset.
	ReadConfig(offset uint16) uint32

	// WriteConfig stores a 32-bit word into device config space.
	WriteConfig(offset uint16, val uint32)

	// Activate hands the backend its negotiated features, queues, and
	// interrupt raiser once the driver sets DRIVER_OK.
	Activate(features uint64, queues []*Queue, irq IRQRaiser) error

	// Notify processes one queue kick. Called on the pinned dispatch
	// context; must not block on slow host I/O.
	Notify(queue int) error

	// Reset returns the device to its post-construction state.
	Reset() error

	// Shutdown releases backing resources and unblocks in-flight work.
	Shutdown() error
}

// BackendBase carries the state every backend shares: negotiated queues, the
// interrupt raiser, and the active flag. Backends embed it and layer their
// own Activate/Reset on top.
type BackendBase struct {
	mu       sync.Mutex
	queues   []*Queue
	irq      IRQRaiser
	features uint64
	active   bool
}

func (b *BackendBase) Activate(features uint64, queues []*Queue, irq IRQRaiser) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.features = features
	b.queues = queues
	b.irq = irq
	b.active = true
	return nil
}

// Deactivate drops the queue references. Reset implementations call this.
func (b *BackendBase) Deactivate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues = nil
	b.irq = nil
	b.features = 0
	b.active = false
}

func (b *BackendBase) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *BackendBase) Features() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.features
}

// Queue returns the negotiated queue at index i, or nil before activation.
func (b *BackendBase) Queue(i int) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.queues) {
		return nil
	}
	return b.queues[i]
}

// Raiser returns the interrupt raiser, or nil before activation.
func (b *BackendBase) Raiser() IRQRaiser {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.irq
}

// CompleteBatch pushes completions in FIFO order and raises a single ring
// interrupt unless the guest suppressed notifications for this round.
func (b *BackendBase) CompleteBatch(q *Queue, done []Completion) error {
	if len(done) == 0 {
		return nil
	}
	oldUsed := q.UsedIdx()
	for _, c := range done {
		if err := q.Push(c.Head, c.Written); err != nil {
			return err
		}
	}
	if q.ShouldNotify(oldUsed) {
		if irq := b.Raiser(); irq != nil {
			return irq.RaiseRing()
		}
	}
	return nil
}

// Completion pairs a chain head with the number of bytes the device wrote.
type Completion struct {
	Head    uint16
	Written uint32
}
