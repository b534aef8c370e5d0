package virtio

import (
	"io"
	"log/slog"
	"sync"

	"github.com/vireo-vmm/vireo/internal/iothread"
)

// Console feature bits.
const (
	VIRTIO_CONSOLE_F_SIZE = 1 << 0
)

const (
	consoleRxQueue     = 0
	consoleTxQueue     = 1
	consoleQueueSize   = 128
	consoleReadChunk   = 4096
	consolePendingHigh = 64
)

// ConsoleConfig configures the serial console backend.
type ConsoleConfig struct {
	// Input is the host side of the guest's receive stream. May be nil for
	// an output-only console.
	Input io.Reader

	// Output receives everything the guest transmits. May be nil to
	// discard guest output.
	Output io.Writer

	// Cols and Rows, when both nonzero, are exposed through config space
	// with VIRTIO_CONSOLE_F_SIZE offered.
	Cols uint16
	Rows uint16

	Loop *iothread.Loop
	Log  *slog.Logger
}

// Console is a two-queue byte stream device. Both directions cross a
// goroutine boundary so the dispatch context never waits on the host tty:
// host input is read by a helper goroutine and handed to guest receive
// buffers via posted events, and guest transmit bytes are copied out of the
// ring and flushed by a writer goroutine. Data held while the other side is
// not ready is bounded; past the high-water mark the reader parks and the
// transmit queue stops being drained, so a stalled peer exerts backpressure
// instead of losing bytes or wedging the loop.
type Console struct {
	BackendBase

	name   string
	input  io.Reader
	output io.Writer
	cols   uint16
	rows   uint16
	loop   *iothread.Loop
	log    *slog.Logger

	mu           sync.Mutex
	pending      [][]byte
	paused       bool
	resume       chan struct{}
	outPending   [][]byte
	outSaturated bool
	outKick      chan struct{}
	started      bool
	shutdown     bool
	stopc        chan struct{}
}

// NewConsole creates a console backend.
func NewConsole(name string, cfg ConsoleConfig) *Console {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Console{
		name:    name,
		input:   cfg.Input,
		output:  cfg.Output,
		cols:    cfg.Cols,
		rows:    cfg.Rows,
		loop:    cfg.Loop,
		log:     log,
		resume:  make(chan struct{}, 1),
		outKick: make(chan struct{}, 1),
		stopc:   make(chan struct{}),
	}
}

func (c *Console) DeviceID() uint16 { return DeviceIDConsole }

func (c *Console) DeviceFeatures() uint64 {
	if c.cols != 0 && c.rows != 0 {
		return VIRTIO_CONSOLE_F_SIZE
	}
	return 0
}

func (c *Console) NumQueues() int          { return 2 }
func (c *Console) QueueMaxSize(int) uint16 { return consoleQueueSize }

// ReadConfig exposes the terminal geometry: cols at offset 0, rows at 2.
func (c *Console) ReadConfig(offset uint16) uint32 {
	if offset == 0 {
		return uint32(c.cols) | uint32(c.rows)<<16
	}
	return 0
}

func (c *Console) WriteConfig(uint16, uint32) {}

// Activate starts the host reader and writer goroutines on first activation.
func (c *Console) Activate(features uint64, queues []*Queue, irq IRQRaiser) error {
	if err := c.BackendBase.Activate(features, queues, irq); err != nil {
		return err
	}
	c.mu.Lock()
	start := !c.started && c.loop != nil && !c.shutdown
	if start {
		c.started = true
	}
	c.mu.Unlock()
	if start {
		if c.input != nil {
			go c.readInput()
		}
		if c.output != nil {
			go c.writeOutput()
		}
	}
	return nil
}

// readInput pulls bytes from the host reader and posts them to the dispatch
// context. It parks when the holdback queue is deep and resumes once the
// guest drains it.
func (c *Console) readInput() {
	for {
		c.mu.Lock()
		for c.paused && !c.shutdown {
			c.mu.Unlock()
			select {
			case <-c.resume:
			case <-c.stopc:
				return
			}
			c.mu.Lock()
		}
		stopped := c.shutdown
		c.mu.Unlock()
		if stopped {
			return
		}

		buf := make([]byte, consoleReadChunk)
		n, err := c.input.Read(buf)
		if n > 0 {
			data := buf[:n]
			c.mu.Lock()
			c.pending = append(c.pending, data)
			if len(c.pending) >= consolePendingHigh {
				c.paused = true
			}
			c.mu.Unlock()
			if perr := c.loop.Post(c.name, func() {
				if derr := c.deliverPending(); derr != nil {
					c.log.Error("console receive failed", "device", c.name, "err", derr)
				}
			}); perr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				c.log.Error("console input failed", "device", c.name, "err", err)
			}
			return
		}
	}
}

// deliverPending copies held input into posted receive buffers. Runs on the
// dispatch context.
func (c *Console) deliverPending() error {
	q := c.Queue(consoleRxQueue)
	if q == nil {
		return nil
	}

	var done []Completion
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			break
		}
		data := c.pending[0]
		c.mu.Unlock()

		chain, err := q.Pop()
		if err != nil {
			if flushErr := c.CompleteBatch(q, done); flushErr != nil {
				return flushErr
			}
			return err
		}
		if chain == nil {
			// Guest has no buffers posted; keep the holdback until the
			// next receive-queue kick.
			break
		}

		n := chain.WritableBytes()
		if n > len(data) {
			n = len(data)
		}
		if n > 0 {
			if err := chain.CopyWrite(0, data[:n]); err != nil {
				done = append(done, Completion{Head: chain.Head})
				continue
			}
		}
		done = append(done, Completion{Head: chain.Head, Written: uint32(n)})

		c.mu.Lock()
		if n == len(data) {
			c.pending = c.pending[1:]
		} else {
			c.pending[0] = data[n:]
		}
		drained := len(c.pending) < consolePendingHigh/2
		c.mu.Unlock()
		if drained {
			c.unpause()
		}
	}
	return c.CompleteBatch(q, done)
}

func (c *Console) unpause() {
	c.mu.Lock()
	wasPaused := c.paused
	c.paused = false
	c.mu.Unlock()
	if wasPaused {
		select {
		case c.resume <- struct{}{}:
		default:
		}
	}
}

// Notify drains guest transmit buffers to the host writer, and retries
// pending input delivery on a receive-queue kick.
func (c *Console) Notify(queue int) error {
	switch queue {
	case consoleRxQueue:
		return c.deliverPending()
	case consoleTxQueue:
		return c.drainTransmit()
	}
	return nil
}

func (c *Console) drainTransmit() error {
	q := c.Queue(consoleTxQueue)
	if q == nil {
		return nil
	}
	async := c.loop != nil && c.output != nil

	var done []Completion
	for {
		if async {
			c.mu.Lock()
			full := len(c.outPending) >= consolePendingHigh
			if full {
				// Leave the rest in the ring; the writer re-kicks once it
				// drains below the watermark.
				c.outSaturated = true
			}
			c.mu.Unlock()
			if full {
				break
			}
		}

		chain, err := q.Pop()
		if err != nil {
			if flushErr := c.CompleteBatch(q, done); flushErr != nil {
				return flushErr
			}
			return err
		}
		if chain == nil {
			break
		}

		n := chain.ReadableBytes()
		if n > 0 && c.output != nil {
			data := make([]byte, n)
			if err := chain.CopyRead(0, data); err == nil {
				if async {
					c.mu.Lock()
					c.outPending = append(c.outPending, data)
					c.mu.Unlock()
					select {
					case c.outKick <- struct{}{}:
					default:
					}
				} else if _, werr := c.output.Write(data); werr != nil {
					c.log.Error("console output failed", "device", c.name, "err", werr)
				}
			}
		}
		done = append(done, Completion{Head: chain.Head})
	}
	return c.CompleteBatch(q, done)
}

// writeOutput flushes copied transmit bytes to the host writer off the
// dispatch context. When a saturated transmit drain left chains in the ring,
// it posts a fresh drain once the holdback shrinks.
func (c *Console) writeOutput() {
	for {
		select {
		case <-c.stopc:
			return
		case <-c.outKick:
		}

		for {
			c.mu.Lock()
			if len(c.outPending) == 0 {
				c.mu.Unlock()
				break
			}
			data := c.outPending[0]
			c.outPending = c.outPending[1:]
			resume := c.outSaturated && len(c.outPending) < consolePendingHigh/2
			if resume {
				c.outSaturated = false
			}
			c.mu.Unlock()

			if _, err := c.output.Write(data); err != nil {
				c.log.Error("console output failed", "device", c.name, "err", err)
			}
			if resume {
				_ = c.loop.Post(c.name, func() {
					if err := c.drainTransmit(); err != nil {
						c.log.Error("console transmit failed", "device", c.name, "err", err)
					}
				})
			}
		}
	}
}

// Reset drops held data in both directions and deactivates. Idempotent.
func (c *Console) Reset() error {
	c.mu.Lock()
	c.pending = nil
	c.outPending = nil
	c.outSaturated = false
	c.mu.Unlock()
	c.unpause()
	c.Deactivate()
	return nil
}

// Shutdown stops the input reader. Idempotent.
func (c *Console) Shutdown() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	c.mu.Unlock()
	close(c.stopc)
	c.Deactivate()
	return nil
}
