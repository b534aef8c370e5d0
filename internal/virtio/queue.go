// Package virtio implements the paravirtualized transport: the split-ring
// virtqueue engine, the per-device register block, and the device backends
// (block, net, console, balloon, entropy, vsock). Ring and descriptor byte
// layouts are fixed by the virtio protocol; guests bring their own drivers.
package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/vireo-vmm/vireo/internal/hv"
)

// Descriptor flags.
const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4
)

// Ring suppression flags.
const (
	availFNoInterrupt = 1
)

// Device-independent feature bits.
const (
	FeatureRingEventIdx = uint64(1) << 29
	FeatureVersion1     = uint64(1) << 32
)

const descSize = 16

// QueueState tracks the queue lifecycle.
type QueueState int

const (
	QueueUninitialized QueueState = iota
	QueueReady
	QueueActive
	QueueStopped
)

func (s QueueState) String() string {
	switch s {
	case QueueUninitialized:
		return "uninitialized"
	case QueueReady:
		return "ready"
	case QueueActive:
		return "active"
	case QueueStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ChainError reports a malformed guest-supplied descriptor chain: an index
// beyond the queue size, a revisited descriptor (cycle), or an indirect
// descriptor when the feature was never negotiated. The engine rejects the
// chain without following it further; the transport stops the queue.
type ChainError struct {
	Head   uint16
	Index  uint16
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("virtio: bad descriptor chain (head %d, descriptor %d): %s", e.Head, e.Index, e.Reason)
}

// Buffer is one element of a descriptor chain: a guest physical range that
// is either device-readable or device-writable.
type Buffer struct {
	Addr   uint64
	Length uint32
	Write  bool
}

// Chain is one request/response unit popped from a queue. Buffers appear in
// guest order; by protocol all readable buffers precede writable ones.
type Chain struct {
	Head    uint16
	Buffers []Buffer

	mem hv.GuestMemory
}

// ReadableBytes is the total length of device-readable buffers.
func (c *Chain) ReadableBytes() int {
	n := 0
	for _, b := range c.Buffers {
		if !b.Write {
			n += int(b.Length)
		}
	}
	return n
}

// WritableBytes is the total length of device-writable buffers.
func (c *Chain) WritableBytes() int {
	n := 0
	for _, b := range c.Buffers {
		if b.Write {
			n += int(b.Length)
		}
	}
	return n
}

// CopyRead fills p from the concatenation of the chain's readable buffers,
// starting at byte offset off. Fails if the range is not fully present.
func (c *Chain) CopyRead(off int, p []byte) error {
	return c.copyAt(off, len(p), false, func(addr uint64, dst []byte) error {
		return readFull(c.mem, addr, dst)
	}, p)
}

// CopyWrite stores p into the concatenation of the chain's writable buffers,
// starting at byte offset off.
func (c *Chain) CopyWrite(off int, p []byte) error {
	return c.copyAt(off, len(p), true, func(addr uint64, src []byte) error {
		return writeFull(c.mem, addr, src)
	}, p)
}

func (c *Chain) copyAt(off, length int, writable bool, xfer func(addr uint64, chunk []byte) error, p []byte) error {
	if off < 0 || length < 0 {
		return fmt.Errorf("virtio: negative chain offset/length")
	}
	done := 0
	for _, b := range c.Buffers {
		if b.Write != writable {
			continue
		}
		blen := int(b.Length)
		if off >= blen {
			off -= blen
			continue
		}
		n := blen - off
		if n > length-done {
			n = length - done
		}
		if err := xfer(b.Addr+uint64(off), p[done:done+n]); err != nil {
			return err
		}
		done += n
		off = 0
		if done == length {
			return nil
		}
	}
	if done != length {
		return fmt.Errorf("virtio: chain too short: need %d bytes, have %d", length, done)
	}
	return nil
}

// Queue is one virtqueue. Pop and Push run on the owning device's dispatch
// context, but the vCPU's register writes (reset, size, addresses, ready)
// arrive on a different goroutine, so all queue state sits behind one mutex.
type Queue struct {
	index   int
	maxSize uint16
	mem     hv.GuestMemory

	mu        sync.Mutex
	size      uint16
	descTable uint64
	availRing uint64
	usedRing  uint64

	lastAvail uint16
	usedIdx   uint16

	state    QueueState
	eventIdx bool
}

// NewQueue creates an uninitialized queue.
func NewQueue(index int, mem hv.GuestMemory, maxSize uint16) *Queue {
	return &Queue{
		index:   index,
		maxSize: maxSize,
		mem:     mem,
	}
}

func (q *Queue) Index() int      { return q.index }
func (q *Queue) MaxSize() uint16 { return q.maxSize }

func (q *Queue) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *Queue) Size() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) UsedIdx() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.usedIdx
}

// SetEventIdx switches notification suppression to the used_event/avail_event
// scheme. Called once at feature negotiation.
func (q *Queue) SetEventIdx(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.eventIdx = on
}

// SetSize configures the ring size. Sizes are powers of two up to the
// device's maximum.
func (q *Queue) SetSize(size uint16) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if size == 0 || size > q.maxSize {
		return fmt.Errorf("virtio: queue %d size %d out of range (max %d)", q.index, size, q.maxSize)
	}
	if size&(size-1) != 0 {
		return fmt.Errorf("virtio: queue %d size %d is not a power of two", q.index, size)
	}
	q.size = size
	return nil
}

// SetAddresses configures the ring locations in guest memory.
func (q *Queue) SetAddresses(desc, avail, used uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.descTable = desc
	q.availRing = avail
	q.usedRing = used
}

// SetReady transitions Uninitialized -> Ready once the guest has written the
// queue size and ring addresses.
func (q *Queue) SetReady() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != QueueUninitialized {
		return fmt.Errorf("virtio: queue %d ready in state %s", q.index, q.state)
	}
	if q.size == 0 || q.descTable == 0 || q.availRing == 0 || q.usedRing == 0 {
		return fmt.Errorf("virtio: queue %d ready before setup", q.index)
	}
	q.state = QueueReady
	return nil
}

// Activate transitions Ready -> Active on the first kick.
func (q *Queue) Activate() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch q.state {
	case QueueActive:
		return nil
	case QueueReady:
		q.state = QueueActive
		return nil
	}
	return fmt.Errorf("virtio: queue %d notified in state %s", q.index, q.state)
}

// Stop halts the queue (device reset or protocol violation). A stopped queue
// refuses further pops until Reset.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != QueueUninitialized {
		q.state = QueueStopped
	}
}

// Reset returns the queue to its uninitialized state.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.size = 0
	q.descTable = 0
	q.availRing = 0
	q.usedRing = 0
	q.lastAvail = 0
	q.usedIdx = 0
	q.state = QueueUninitialized
}

// Pop consumes the next available descriptor chain. Returns (nil, nil) when
// the guest has made nothing new available. A malformed chain returns a
// *ChainError and must stop the queue.
func (q *Queue) Pop() (*Chain, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != QueueActive {
		return nil, fmt.Errorf("virtio: pop on queue %d in state %s", q.index, q.state)
	}

	availIdx, err := q.readAvailIdx()
	if err != nil {
		return nil, err
	}
	if q.lastAvail == availIdx {
		return nil, nil
	}

	slot := q.lastAvail % q.size
	head, err := readUint16(q.mem, q.availRing+4+uint64(slot)*2)
	if err != nil {
		return nil, err
	}

	chain, err := q.walkChain(head)
	if err != nil {
		return nil, err
	}

	q.lastAvail++
	if q.eventIdx {
		// Ask the guest to kick again once it publishes the next entry.
		if err := writeUint16(q.mem, q.usedRing+4+uint64(q.size)*8, q.lastAvail); err != nil {
			return nil, err
		}
	}
	return chain, nil
}

// walkChain follows next pointers from head, bounded by the queue size and a
// visited set so a cyclic or out-of-range chain is rejected, never followed.
func (q *Queue) walkChain(head uint16) (*Chain, error) {
	chain := &Chain{Head: head, mem: q.mem}
	visited := make([]bool, q.size)

	idx := head
	for {
		if idx >= q.size {
			return nil, &ChainError{Head: head, Index: idx, Reason: fmt.Sprintf("descriptor index %d beyond queue size %d", idx, q.size)}
		}
		if visited[idx] {
			return nil, &ChainError{Head: head, Index: idx, Reason: "descriptor chain contains a cycle"}
		}
		visited[idx] = true

		desc, err := q.readDescriptor(idx)
		if err != nil {
			return nil, err
		}
		if desc.flags&descFIndirect != 0 {
			return nil, &ChainError{Head: head, Index: idx, Reason: "indirect descriptor without negotiation"}
		}

		// Zero-length descriptors are valid separators and are kept so the
		// readable/writable split stays faithful to the guest layout.
		chain.Buffers = append(chain.Buffers, Buffer{
			Addr:   desc.addr,
			Length: desc.length,
			Write:  desc.flags&descFWrite != 0,
		})

		if desc.flags&descFNext == 0 {
			return chain, nil
		}
		idx = desc.next
	}
}

// Push records a completed chain in the used ring and publishes the new used
// index. Completion order is FIFO per queue: callers push in the order they
// popped.
func (q *Queue) Push(head uint16, written uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != QueueActive {
		return fmt.Errorf("virtio: push on queue %d in state %s", q.index, q.state)
	}

	slot := q.usedIdx % q.size
	base := q.usedRing + 4 + uint64(slot)*8

	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], written)
	if err := writeFull(q.mem, base, elem[:]); err != nil {
		return err
	}

	q.usedIdx++
	return writeUint16(q.mem, q.usedRing+2, q.usedIdx)
}

// ShouldNotify reports whether the guest wants an interrupt for completions
// pushed since oldUsed. With event-idx it implements the used_event check;
// otherwise it honors VIRTQ_AVAIL_F_NO_INTERRUPT.
func (q *Queue) ShouldNotify(oldUsed uint16) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != QueueActive {
		return false
	}
	if q.eventIdx {
		usedEvent, err := readUint16(q.mem, q.availRing+4+uint64(q.size)*2)
		if err != nil {
			return true
		}
		return ringNeedEvent(usedEvent, q.usedIdx, oldUsed)
	}
	flags, err := readUint16(q.mem, q.availRing)
	if err != nil {
		return true
	}
	return flags&availFNoInterrupt == 0
}

// ringNeedEvent is the virtio spec's vring_need_event.
func ringNeedEvent(eventIdx, newIdx, oldIdx uint16) bool {
	return newIdx-eventIdx-1 < newIdx-oldIdx
}

func (q *Queue) readAvailIdx() (uint16, error) {
	return readUint16(q.mem, q.availRing+2)
}

type descriptor struct {
	addr   uint64
	length uint32
	flags  uint16
	next   uint16
}

func (q *Queue) readDescriptor(idx uint16) (descriptor, error) {
	var buf [descSize]byte
	if err := readFull(q.mem, q.descTable+uint64(idx)*descSize, buf[:]); err != nil {
		return descriptor{}, err
	}
	return descriptor{
		addr:   binary.LittleEndian.Uint64(buf[0:8]),
		length: binary.LittleEndian.Uint32(buf[8:12]),
		flags:  binary.LittleEndian.Uint16(buf[12:14]),
		next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// Guest memory helpers shared by the queue engine and backends.

func readFull(mem hv.GuestMemory, addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	n, err := mem.ReadAt(p, int64(addr))
	if err != nil {
		return fmt.Errorf("virtio: guest read at 0x%x: %w", addr, err)
	}
	if n != len(p) {
		return fmt.Errorf("virtio: short guest read at 0x%x (want %d, got %d)", addr, len(p), n)
	}
	return nil
}

func writeFull(mem hv.GuestMemory, addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	n, err := mem.WriteAt(p, int64(addr))
	if err != nil {
		return fmt.Errorf("virtio: guest write at 0x%x: %w", addr, err)
	}
	if n != len(p) {
		return fmt.Errorf("virtio: short guest write at 0x%x (want %d, got %d)", addr, len(p), n)
	}
	return nil
}

func readUint16(mem hv.GuestMemory, addr uint64) (uint16, error) {
	var buf [2]byte
	if err := readFull(mem, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func writeUint16(mem hv.GuestMemory, addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return writeFull(mem, addr, buf[:])
}
