package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/vireo-vmm/vireo/internal/iothread"
)

// Block request types.
const (
	VIRTIO_BLK_T_IN           = 0
	VIRTIO_BLK_T_OUT          = 1
	VIRTIO_BLK_T_FLUSH        = 4
	VIRTIO_BLK_T_GET_ID       = 8
	VIRTIO_BLK_T_DISCARD      = 11
	VIRTIO_BLK_T_WRITE_ZEROES = 13
)

// Block status codes, written to the final byte of every request chain.
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Block feature bits.
const (
	VIRTIO_BLK_F_SEG_MAX      = uint64(1) << 2
	VIRTIO_BLK_F_RO           = uint64(1) << 5
	VIRTIO_BLK_F_BLK_SIZE     = uint64(1) << 6
	VIRTIO_BLK_F_FLUSH        = uint64(1) << 9
	VIRTIO_BLK_F_DISCARD      = uint64(1) << 13
	VIRTIO_BLK_F_WRITE_ZEROES = uint64(1) << 14
)

const (
	blkSectorSize   = 512
	blkHeaderSize   = 16
	blkQueueMaxSize = 128
	blkSegMax       = blkQueueMaxSize - 2
	blkIDLen        = 20
)

// BlkConfig configures a block backend.
type BlkConfig struct {
	// File is the disk image. The device capacity is its size in sectors.
	File *os.File

	ReadOnly bool

	// Serial is the identifier returned for GET_ID requests.
	Serial string

	// IOPSLimit caps request starts per second; 0 means uncapped. Requests
	// over the cap are delayed, never rejected.
	IOPSLimit int

	// Loop delays rate-limited work without blocking the dispatch context.
	Loop *iothread.Loop

	Log *slog.Logger
}

// Blk is the virtio-blk backend: reads, writes, flush, discard and
// write-zeroes against a host file, with an optional IOPS cap. Host I/O runs
// on a dedicated worker goroutine; the dispatch context only pops chains and
// publishes completions.
type Blk struct {
	BackendBase

	name     string
	file     *os.File
	readonly bool
	serial   string
	capacity uint64 // sectors
	limiter  *rate.Limiter
	loop     *iothread.Loop
	log      *slog.Logger

	jobs  chan blkJob
	stopc chan struct{}

	mu       sync.Mutex
	started  bool
	shutdown bool
}

// blkJob is one popped request awaiting host I/O on the worker.
type blkJob struct {
	q     *Queue
	chain *Chain
}

// NewBlk opens a block backend over the given image file.
func NewBlk(name string, cfg BlkConfig) (*Blk, error) {
	if cfg.File == nil {
		return nil, fmt.Errorf("virtio-blk %s: no backing file", name)
	}
	fi, err := cfg.File.Stat()
	if err != nil {
		return nil, fmt.Errorf("virtio-blk %s: stat backing file: %w", name, err)
	}
	if fi.Size()%blkSectorSize != 0 {
		return nil, fmt.Errorf("virtio-blk %s: image size %d is not sector aligned", name, fi.Size())
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	b := &Blk{
		name:     name,
		file:     cfg.File,
		readonly: cfg.ReadOnly,
		serial:   cfg.Serial,
		capacity: uint64(fi.Size()) / blkSectorSize,
		loop:     cfg.Loop,
		log:      log,
		jobs:     make(chan blkJob, 2*blkQueueMaxSize),
		stopc:    make(chan struct{}),
	}
	if cfg.IOPSLimit > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.IOPSLimit), cfg.IOPSLimit)
	}
	return b, nil
}

func (b *Blk) DeviceID() uint16 { return DeviceIDBlock }

func (b *Blk) DeviceFeatures() uint64 {
	f := VIRTIO_BLK_F_SEG_MAX | VIRTIO_BLK_F_BLK_SIZE | VIRTIO_BLK_F_FLUSH |
		VIRTIO_BLK_F_DISCARD | VIRTIO_BLK_F_WRITE_ZEROES
	if b.readonly {
		f |= VIRTIO_BLK_F_RO
	}
	return f
}

func (b *Blk) NumQueues() int             { return 1 }
func (b *Blk) QueueMaxSize(int) uint16    { return blkQueueMaxSize }
func (b *Blk) WriteConfig(uint16, uint32) {}

func (b *Blk) ReadConfig(offset uint16) uint32 {
	switch offset {
	case 0: // capacity low
		return uint32(b.capacity)
	case 4: // capacity high
		return uint32(b.capacity >> 32)
	case 12: // seg_max
		return blkSegMax
	case 20: // blk_size
		return blkSectorSize
	case 36: // max_discard_sectors
		return 1 << 20
	case 40: // max_discard_seg
		return 1
	case 44: // discard_sector_alignment
		return 1
	case 48: // max_write_zeroes_sectors
		return 1 << 20
	case 52: // max_write_zeroes_seg
		return 1
	}
	return 0
}

// Activate implements Backend. With a dispatch context, a worker goroutine
// takes over the host I/O.
func (b *Blk) Activate(features uint64, queues []*Queue, irq IRQRaiser) error {
	if err := b.BackendBase.Activate(features, queues, irq); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loop != nil && !b.started && !b.shutdown {
		b.started = true
		go b.ioWorker()
	}
	return nil
}

// Notify drains the request queue. When the IOPS cap is hit, completed work
// is flushed and the remainder is rescheduled on the dispatch context after
// the limiter's delay; the loop itself never sleeps or touches the disk.
func (b *Blk) Notify(queue int) error {
	q := b.Queue(queue)
	if q == nil {
		return nil
	}

	var done []Completion
	for {
		if b.limiter != nil {
			now := time.Now()
			r := b.limiter.ReserveN(now, 1)
			if d := r.DelayFrom(now); d > 0 {
				r.Cancel()
				if err := b.CompleteBatch(q, done); err != nil {
					return err
				}
				if b.loop != nil {
					b.loop.AfterFunc(d, b.name, func() {
						if err := b.Notify(queue); err != nil {
							b.log.Error("deferred block work failed", "device", b.name, "err", err)
						}
					})
					return nil
				}
				done = nil
				time.Sleep(d)
				continue
			}
		}

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
		if b.loop != nil {
			select {
			case b.jobs <- blkJob{q: q, chain: chain}:
			default:
				// The job queue holds twice the ring size, so this only
				// fires with the worker wedged. Fail the request rather
				// than leave the chain unanswered.
				done = append(done, b.failRequest(chain))
			}
			continue
		}
		done = append(done, b.handleRequest(chain))
	}
	return b.CompleteBatch(q, done)
}

// ioWorker executes requests off the dispatch context, one at a time, and
// posts each completion back to the loop. Single worker plus ordered channel
// keeps used-ring order identical to pop order.
func (b *Blk) ioWorker() {
	for {
		select {
		case <-b.stopc:
			return
		case job := <-b.jobs:
			c := b.handleRequest(job.chain)
			b.completeOne(job.q, c)
		}
	}
}

// completeOne publishes one finished request on the dispatch context.
// Completions for a queue the guest has since reset are dropped.
func (b *Blk) completeOne(q *Queue, c Completion) {
	err := b.loop.Post(b.name, func() {
		if q.State() != QueueActive {
			return
		}
		if err := b.CompleteBatch(q, []Completion{c}); err != nil {
			b.log.Error("block completion failed", "device", b.name, "err", err)
		}
	})
	if err != nil {
		b.log.Warn("block completion dropped", "device", b.name, "err", err)
	}
}

// failRequest answers a chain with IOERR without touching the disk.
func (b *Blk) failRequest(chain *Chain) Completion {
	writable := chain.WritableBytes()
	if writable < 1 {
		return Completion{Head: chain.Head}
	}
	if err := chain.CopyWrite(writable-1, []byte{VIRTIO_BLK_S_IOERR}); err != nil {
		b.log.Error("block status writeback failed", "device", b.name, "err", err)
	}
	return Completion{Head: chain.Head, Written: 1}
}

// handleRequest executes one block request. Host I/O failures become a
// status byte the guest sees; they never take the queue down.
func (b *Blk) handleRequest(chain *Chain) Completion {
	writable := chain.WritableBytes()
	if writable < 1 {
		// Nowhere to put a status byte; complete with zero length.
		b.log.Warn("block request without status buffer", "device", b.name)
		return Completion{Head: chain.Head}
	}

	status := byte(VIRTIO_BLK_S_IOERR)
	written := 0

	var hdr [blkHeaderSize]byte
	if err := chain.CopyRead(0, hdr[:]); err == nil {
		reqType := binary.LittleEndian.Uint32(hdr[0:4])
		sector := binary.LittleEndian.Uint64(hdr[8:16])
		status, written = b.execute(chain, reqType, sector, writable-1)
	} else {
		b.log.Warn("block request header unreadable", "device", b.name, "err", err)
	}

	if err := chain.CopyWrite(writable-1, []byte{status}); err != nil {
		b.log.Error("block status writeback failed", "device", b.name, "err", err)
	}
	return Completion{Head: chain.Head, Written: uint32(written) + 1}
}

func (b *Blk) execute(chain *Chain, reqType uint32, sector uint64, dataLen int) (byte, int) {
	switch reqType {
	case VIRTIO_BLK_T_IN:
		if dataLen == 0 || dataLen%blkSectorSize != 0 {
			return VIRTIO_BLK_S_IOERR, 0
		}
		if sector+uint64(dataLen)/blkSectorSize > b.capacity {
			return VIRTIO_BLK_S_IOERR, 0
		}
		buf := make([]byte, dataLen)
		if err := b.hostRead(buf, int64(sector)*blkSectorSize); err != nil {
			b.log.Warn("block read failed", "device", b.name, "sector", sector, "err", err)
			return VIRTIO_BLK_S_IOERR, 0
		}
		if err := chain.CopyWrite(0, buf); err != nil {
			return VIRTIO_BLK_S_IOERR, 0
		}
		return VIRTIO_BLK_S_OK, dataLen

	case VIRTIO_BLK_T_OUT:
		if b.readonly {
			return VIRTIO_BLK_S_IOERR, 0
		}
		payload := chain.ReadableBytes() - blkHeaderSize
		if payload <= 0 || payload%blkSectorSize != 0 {
			return VIRTIO_BLK_S_IOERR, 0
		}
		if sector+uint64(payload)/blkSectorSize > b.capacity {
			return VIRTIO_BLK_S_IOERR, 0
		}
		buf := make([]byte, payload)
		if err := chain.CopyRead(blkHeaderSize, buf); err != nil {
			return VIRTIO_BLK_S_IOERR, 0
		}
		if err := b.hostWrite(buf, int64(sector)*blkSectorSize); err != nil {
			b.log.Warn("block write failed", "device", b.name, "sector", sector, "err", err)
			return VIRTIO_BLK_S_IOERR, 0
		}
		return VIRTIO_BLK_S_OK, 0

	case VIRTIO_BLK_T_FLUSH:
		if err := b.file.Sync(); err != nil {
			return VIRTIO_BLK_S_IOERR, 0
		}
		return VIRTIO_BLK_S_OK, 0

	case VIRTIO_BLK_T_GET_ID:
		id := make([]byte, blkIDLen)
		copy(id, b.serial)
		n := dataLen
		if n > blkIDLen {
			n = blkIDLen
		}
		if err := chain.CopyWrite(0, id[:n]); err != nil {
			return VIRTIO_BLK_S_IOERR, 0
		}
		return VIRTIO_BLK_S_OK, n

	case VIRTIO_BLK_T_DISCARD, VIRTIO_BLK_T_WRITE_ZEROES:
		if b.readonly {
			return VIRTIO_BLK_S_IOERR, 0
		}
		return b.discardRange(chain, reqType == VIRTIO_BLK_T_WRITE_ZEROES), 0
	}

	return VIRTIO_BLK_S_UNSUPP, 0
}

// discardRange handles the segment descriptor that follows the header for
// DISCARD and WRITE_ZEROES: {sector u64, num_sectors u32, flags u32}.
func (b *Blk) discardRange(chain *Chain, zero bool) byte {
	var seg [16]byte
	if err := chain.CopyRead(blkHeaderSize, seg[:]); err != nil {
		return VIRTIO_BLK_S_IOERR
	}
	sector := binary.LittleEndian.Uint64(seg[0:8])
	count := binary.LittleEndian.Uint32(seg[8:12])
	if sector+uint64(count) > b.capacity {
		return VIRTIO_BLK_S_IOERR
	}

	off := int64(sector) * blkSectorSize
	length := int64(count) * blkSectorSize

	if zero {
		mode := unix.FALLOC_FL_ZERO_RANGE | unix.FALLOC_FL_KEEP_SIZE
		if err := unix.Fallocate(int(b.file.Fd()), uint32(mode), off, length); err != nil {
			// Filesystems without zero-range support get explicit zeroes.
			buf := make([]byte, length)
			if err := b.hostWrite(buf, off); err != nil {
				return VIRTIO_BLK_S_IOERR
			}
		}
		return VIRTIO_BLK_S_OK
	}

	mode := unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE
	if err := unix.Fallocate(int(b.file.Fd()), uint32(mode), off, length); err != nil {
		return VIRTIO_BLK_S_UNSUPP
	}
	return VIRTIO_BLK_S_OK
}

// hostRead retries conditions the backend classifies as transient (EINTR,
// EAGAIN); everything else surfaces as a guest-visible I/O error.
func (b *Blk) hostRead(p []byte, off int64) error {
	for attempt := 0; ; attempt++ {
		_, err := b.file.ReadAt(p, off)
		if err == nil {
			return nil
		}
		if attempt < 3 && isTransient(err) {
			continue
		}
		return err
	}
}

func (b *Blk) hostWrite(p []byte, off int64) error {
	for attempt := 0; ; attempt++ {
		_, err := b.file.WriteAt(p, off)
		if err == nil {
			return nil
		}
		if attempt < 3 && isTransient(err) {
			continue
		}
		return err
	}
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}

// Reset implements Backend. Idempotent.
func (b *Blk) Reset() error {
	b.Deactivate()
	return nil
}

// Shutdown syncs and closes the image. Idempotent.
func (b *Blk) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return nil
	}
	b.shutdown = true
	close(b.stopc)
	b.Deactivate()
	if !b.readonly {
		if err := b.file.Sync(); err != nil {
			b.log.Warn("block sync on shutdown failed", "device", b.name, "err", err)
		}
	}
	return b.file.Close()
}
