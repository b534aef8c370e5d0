package virtio

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/vireo-vmm/vireo/internal/iothread"
)

// Net feature bits.
const (
	VIRTIO_NET_F_MAC     = 1 << 5
	VIRTIO_NET_F_STATUS  = 1 << 16
	VIRTIO_NET_F_CTRL_VQ = 1 << 17
	VIRTIO_NET_F_MQ      = 1 << 22
)

// Net link status bits.
const (
	VIRTIO_NET_S_LINK_UP = 1 << 0
)

// Control virtqueue commands.
const (
	VIRTIO_NET_CTRL_MQ              = 4
	VIRTIO_NET_CTRL_MQ_VQ_PAIRS_SET = 0

	VIRTIO_NET_OK  = 0
	VIRTIO_NET_ERR = 1
)

const (
	netRxQueue   = 0
	netTxQueue   = 1
	netQueueSize = 256

	netMaxQueuePairs = 8

	// Header prepended to every frame. No GSO or checksum offload is
	// offered, so the device only fills num_buffers on receive.
	netHdrSize = 12

	netPendingMax = 256
)

// FrameSink is the host side of a network device. Guest transmit frames are
// handed to it without the virtio-net header.
type FrameSink interface {
	// WriteFrame sends one ethernet frame toward the host network.
	WriteFrame(p []byte) error
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(p []byte) error

func (f FrameSinkFunc) WriteFrame(p []byte) error { return f(p) }

// NetConfig configures the network backend.
type NetConfig struct {
	// MAC is the guest-visible hardware address.
	MAC [6]byte

	// Sink receives guest transmit frames. May be nil to discard.
	Sink FrameSink

	// QueuePairs is the number of rx/tx queue pairs. Values outside
	// 1..netMaxQueuePairs are clamped. With more than one pair the device
	// offers VIRTIO_NET_F_MQ and a control queue, and starts with a single
	// pair enabled until the driver asks for more.
	QueuePairs int

	Loop *iothread.Loop
	Log  *slog.Logger
}

// Net is the network device. Transmit buffers are stripped of their header
// and handed to the sink on the dispatch context. Host frames enter through
// InjectFrame from any goroutine; a bounded holdback absorbs bursts and the
// oldest frames are dropped when the guest cannot keep up. Held frames are
// spread round-robin over the receive queues the driver has enabled.
type Net struct {
	BackendBase

	name  string
	mac   [6]byte
	sink  FrameSink
	pairs int
	loop  *iothread.Loop
	log   *slog.Logger

	mu       sync.Mutex
	pending  [][]byte
	dropped  uint64
	curPairs int
	rrNext   int
	shutdown bool
}

// NewNet creates a network backend.
func NewNet(name string, cfg NetConfig) *Net {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	pairs := cfg.QueuePairs
	if pairs < 1 {
		pairs = 1
	}
	if pairs > netMaxQueuePairs {
		pairs = netMaxQueuePairs
	}
	return &Net{
		name:     name,
		mac:      cfg.MAC,
		sink:     cfg.Sink,
		pairs:    pairs,
		curPairs: 1,
		loop:     cfg.Loop,
		log:      log,
	}
}

func (n *Net) DeviceID() uint16 { return DeviceIDNet }

func (n *Net) DeviceFeatures() uint64 {
	f := uint64(VIRTIO_NET_F_MAC | VIRTIO_NET_F_STATUS)
	if n.pairs > 1 {
		f |= VIRTIO_NET_F_MQ | VIRTIO_NET_F_CTRL_VQ
	}
	return f
}

func (n *Net) NumQueues() int {
	if n.pairs > 1 {
		return 2*n.pairs + 1
	}
	return 2
}

func (n *Net) QueueMaxSize(int) uint16 { return netQueueSize }

// ctrlQueue is the control queue index; only present with multiple pairs.
func (n *Net) ctrlQueue() int { return 2 * n.pairs }

// ReadConfig exposes the MAC at offset 0, the link status at offset 6, and
// the maximum queue pair count at offset 8.
func (n *Net) ReadConfig(offset uint16) uint32 {
	switch offset {
	case 0:
		return uint32(n.mac[0]) | uint32(n.mac[1])<<8 | uint32(n.mac[2])<<16 | uint32(n.mac[3])<<24
	case 4:
		return uint32(n.mac[4]) | uint32(n.mac[5])<<8 | uint32(VIRTIO_NET_S_LINK_UP)<<16
	case 8:
		return uint32(n.pairs)
	}
	return 0
}

func (n *Net) WriteConfig(uint16, uint32) {}

// Dropped returns how many host frames were discarded because the guest
// receive path was saturated.
func (n *Net) Dropped() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// InjectFrame queues one host ethernet frame for delivery to the guest. Safe
// to call from any goroutine. When the holdback is full the oldest frame is
// dropped to make room.
func (n *Net) InjectFrame(p []byte) error {
	frame := make([]byte, len(p))
	copy(frame, p)

	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return nil
	}
	if len(n.pending) >= netPendingMax {
		n.pending = n.pending[1:]
		n.dropped++
	}
	n.pending = append(n.pending, frame)
	n.mu.Unlock()

	if n.loop == nil {
		return n.deliverPending()
	}
	return n.loop.Post(n.name, func() {
		if err := n.deliverPending(); err != nil {
			n.log.Error("net receive failed", "device", n.name, "err", err)
		}
	})
}

// deliverPending writes held frames into guest receive buffers, spreading
// them round-robin over the enabled receive queues. Runs on the dispatch
// context. One frame consumes one chain; a frame too large for the posted
// buffer is dropped.
func (n *Net) deliverPending() error {
	n.mu.Lock()
	cur := n.curPairs
	n.mu.Unlock()

	queues := make([]*Queue, 0, cur)
	for i := 0; i < cur; i++ {
		if q := n.Queue(2 * i); q != nil && q.State() == QueueActive {
			queues = append(queues, q)
		}
	}
	if len(queues) == 0 {
		return nil
	}

	done := make([][]Completion, len(queues))
	flush := func() error {
		var firstErr error
		for i, q := range queues {
			if err := n.CompleteBatch(q, done[i]); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	idle := 0
	for idle < len(queues) {
		n.mu.Lock()
		if len(n.pending) == 0 {
			n.mu.Unlock()
			break
		}
		frame := n.pending[0]
		slot := n.rrNext % len(queues)
		n.rrNext++
		n.mu.Unlock()
		q := queues[slot]

		chain, err := q.Pop()
		if err != nil {
			if flushErr := flush(); flushErr != nil {
				return flushErr
			}
			return err
		}
		if chain == nil {
			// This queue has no buffers posted; a sibling may.
			idle++
			continue
		}
		idle = 0

		n.mu.Lock()
		n.pending = n.pending[1:]
		n.mu.Unlock()

		if chain.WritableBytes() < netHdrSize+len(frame) {
			n.mu.Lock()
			n.dropped++
			n.mu.Unlock()
			done[slot] = append(done[slot], Completion{Head: chain.Head})
			continue
		}

		hdr := make([]byte, netHdrSize)
		hdr[10] = 1 // num_buffers
		if err := chain.CopyWrite(0, hdr); err != nil {
			done[slot] = append(done[slot], Completion{Head: chain.Head})
			continue
		}
		if err := chain.CopyWrite(netHdrSize, frame); err != nil {
			done[slot] = append(done[slot], Completion{Head: chain.Head})
			continue
		}
		done[slot] = append(done[slot], Completion{Head: chain.Head, Written: uint32(netHdrSize + len(frame))})
	}
	return flush()
}

// Notify drains guest transmit buffers, retries receive delivery on a
// receive-queue kick, and executes control commands.
func (n *Net) Notify(queue int) error {
	if n.pairs > 1 && queue == n.ctrlQueue() {
		return n.handleControl()
	}
	if queue >= 2*n.pairs {
		return nil
	}
	if queue%2 == netRxQueue {
		return n.deliverPending()
	}
	return n.drainTransmit(queue)
}

// handleControl executes commands on the control queue. Only the MQ pair
// count command is recognized; everything else is answered with ERR.
func (n *Net) handleControl() error {
	q := n.Queue(n.ctrlQueue())
	if q == nil {
		return nil
	}

	var done []Completion
	for {
		chain, err := q.Pop()
		if err != nil {
			if flushErr := n.CompleteBatch(q, done); flushErr != nil {
				return flushErr
			}
			return err
		}
		if chain == nil {
			break
		}

		ack := byte(VIRTIO_NET_ERR)
		var cmd [2]byte
		if err := chain.CopyRead(0, cmd[:]); err == nil &&
			cmd[0] == VIRTIO_NET_CTRL_MQ && cmd[1] == VIRTIO_NET_CTRL_MQ_VQ_PAIRS_SET {
			var arg [2]byte
			if err := chain.CopyRead(2, arg[:]); err == nil {
				want := int(binary.LittleEndian.Uint16(arg[:]))
				if want >= 1 && want <= n.pairs {
					n.mu.Lock()
					n.curPairs = want
					n.rrNext = 0
					n.mu.Unlock()
					ack = VIRTIO_NET_OK
					n.log.Debug("queue pairs set", "device", n.name, "pairs", want)
				}
			}
		}

		written := uint32(0)
		if chain.WritableBytes() >= 1 {
			if err := chain.CopyWrite(0, []byte{ack}); err == nil {
				written = 1
			}
		}
		done = append(done, Completion{Head: chain.Head, Written: written})
	}
	return n.CompleteBatch(q, done)
}

func (n *Net) drainTransmit(queue int) error {
	q := n.Queue(queue)
	if q == nil {
		return nil
	}

	var done []Completion
	for {
		chain, err := q.Pop()
		if err != nil {
			if flushErr := n.CompleteBatch(q, done); flushErr != nil {
				return flushErr
			}
			return err
		}
		if chain == nil {
			break
		}

		size := chain.ReadableBytes()
		if size > netHdrSize && n.sink != nil {
			frame := make([]byte, size-netHdrSize)
			if err := chain.CopyRead(netHdrSize, frame); err == nil {
				if werr := n.sink.WriteFrame(frame); werr != nil {
					n.log.Warn("net transmit dropped", "device", n.name, "err", werr)
				}
			}
		}
		done = append(done, Completion{Head: chain.Head})
	}
	return n.CompleteBatch(q, done)
}

// Reset drops held frames and returns to a single enabled pair. Idempotent.
func (n *Net) Reset() error {
	n.mu.Lock()
	n.pending = nil
	n.curPairs = 1
	n.rrNext = 0
	n.mu.Unlock()
	n.Deactivate()
	return nil
}

// Shutdown stops accepting injected frames. Idempotent.
func (n *Net) Shutdown() error {
	n.mu.Lock()
	n.shutdown = true
	n.pending = nil
	n.mu.Unlock()
	n.Deactivate()
	return nil
}
