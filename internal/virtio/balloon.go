package virtio

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/vireo-vmm/vireo/internal/guestmem"
)

const (
	balloonInflateQueue = 0
	balloonDeflateQueue = 1
	balloonQueueSize    = 128

	// Balloon pages are always 4 KiB regardless of guest page size.
	balloonPageShift = 12
	balloonPageSize  = 1 << balloonPageShift
)

// BalloonConfig configures the memory balloon backend.
type BalloonConfig struct {
	// Memory is the guest address space pages are returned to and
	// reclaimed from.
	Memory *guestmem.AddressSpace

	Log *slog.Logger
}

// Balloon reclaims guest pages the guest driver inflates into the balloon
// and restores them on deflate. The host sets a target through
// SetTargetPages; the guest reports progress through the actual field.
type Balloon struct {
	BackendBase

	name string
	mem  *guestmem.AddressSpace
	log  *slog.Logger

	mu       sync.Mutex
	numPages uint32
	actual   uint32
}

// NewBalloon creates a balloon backend with a zero target.
func NewBalloon(name string, cfg BalloonConfig) *Balloon {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Balloon{
		name: name,
		mem:  cfg.Memory,
		log:  log,
	}
}

func (b *Balloon) DeviceID() uint16        { return DeviceIDBalloon }
func (b *Balloon) DeviceFeatures() uint64  { return 0 }
func (b *Balloon) NumQueues() int          { return 2 }
func (b *Balloon) QueueMaxSize(int) uint16 { return balloonQueueSize }

// ReadConfig exposes num_pages at offset 0 and actual at offset 4, both in
// 4 KiB pages.
func (b *Balloon) ReadConfig(offset uint16) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch offset {
	case 0:
		return b.numPages
	case 4:
		return b.actual
	}
	return 0
}

// WriteConfig accepts the guest's actual page count at offset 4.
func (b *Balloon) WriteConfig(offset uint16, val uint32) {
	if offset != 4 {
		return
	}
	b.mu.Lock()
	b.actual = val
	b.mu.Unlock()
}

// SetTargetPages updates the host's inflation target and notifies the guest
// through a config change interrupt.
func (b *Balloon) SetTargetPages(pages uint32) error {
	b.mu.Lock()
	b.numPages = pages
	b.mu.Unlock()
	if irq := b.Raiser(); irq != nil {
		return irq.RaiseConfig()
	}
	return nil
}

// TargetPages returns the current host target.
func (b *Balloon) TargetPages() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numPages
}

// ActualPages returns the guest's last reported balloon size.
func (b *Balloon) ActualPages() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.actual
}

// Notify processes a PFN list from the inflate or deflate queue. Each
// element is a little-endian u32 page frame number.
func (b *Balloon) Notify(queue int) error {
	if queue != balloonInflateQueue && queue != balloonDeflateQueue {
		return nil
	}
	q := b.Queue(queue)
	if q == nil {
		return nil
	}

	var done []Completion
	for {
		chain, err := q.Pop()
		if err != nil {
			if flushErr := b.CompleteBatch(q, done); flushErr != nil {
				return flushErr
			}
			return err
		}
		if chain == nil {
			break
		}

		n := chain.ReadableBytes()
		pfns := make([]byte, n-n%4)
		if len(pfns) > 0 {
			if err := chain.CopyRead(0, pfns); err != nil {
				done = append(done, Completion{Head: chain.Head})
				continue
			}
		}
		for off := 0; off < len(pfns); off += 4 {
			pfn := binary.LittleEndian.Uint32(pfns[off : off+4])
			b.handlePFN(queue, pfn)
		}
		done = append(done, Completion{Head: chain.Head})
	}
	return b.CompleteBatch(q, done)
}

// handlePFN reclaims or restores one 4 KiB page. Failures are logged and
// skipped so one bad PFN does not wedge the whole list.
func (b *Balloon) handlePFN(queue int, pfn uint32) {
	if b.mem == nil {
		return
	}
	addr := uint64(pfn) << balloonPageShift
	var err error
	if queue == balloonInflateQueue {
		err = b.mem.Reclaim(addr, balloonPageSize)
	} else {
		err = b.mem.Restore(addr, balloonPageSize)
	}
	if err != nil {
		b.log.Warn("balloon page skipped", "device", b.name, "pfn", pfn, "err", err)
	}
}

// Reset clears the target and deactivates. Idempotent.
func (b *Balloon) Reset() error {
	b.mu.Lock()
	b.numPages = 0
	b.actual = 0
	b.mu.Unlock()
	b.Deactivate()
	return nil
}

// Shutdown implements Backend. Idempotent.
func (b *Balloon) Shutdown() error {
	b.Deactivate()
	return nil
}
