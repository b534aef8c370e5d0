package virtio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vireo-vmm/vireo/internal/iothread"
)

const rngQueueMaxSize = 64

// RngConfig configures the entropy backend.
type RngConfig struct {
	// Source supplies entropy. Defaults to the host's /dev/urandom.
	Source io.Reader

	// BytesPerSec and Burst form the token bucket. Zero BytesPerSec means
	// unlimited. Under sustained load no more than BytesPerSec bytes are
	// delivered per second.
	BytesPerSec int
	Burst       int

	Loop *iothread.Loop
	Log  *slog.Logger
}

// Rng fills device-writable buffers from a host entropy source, metered by a
// token bucket. Requests over the budget are delayed, not rejected.
type Rng struct {
	BackendBase

	name    string
	source  io.Reader
	closer  io.Closer
	limiter *rate.Limiter
	loop    *iothread.Loop
	log     *slog.Logger

	mu       sync.Mutex
	shutdown bool
}

// NewRng creates an entropy backend.
func NewRng(name string, cfg RngConfig) (*Rng, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	r := &Rng{
		name:   name,
		source: cfg.Source,
		loop:   cfg.Loop,
		log:    log,
	}
	if r.source == nil {
		f, err := os.Open("/dev/urandom")
		if err != nil {
			return nil, fmt.Errorf("virtio-rng %s: open entropy source: %w", name, err)
		}
		r.source = f
		r.closer = f
	}
	if cfg.BytesPerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.BytesPerSec
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.BytesPerSec), burst)
	}
	return r, nil
}

func (r *Rng) DeviceID() uint16         { return DeviceIDRng }
func (r *Rng) DeviceFeatures() uint64   { return 0 }
func (r *Rng) NumQueues() int           { return 1 }
func (r *Rng) QueueMaxSize(int) uint16  { return rngQueueMaxSize }
func (r *Rng) ReadConfig(uint16) uint32 { return 0 }

func (r *Rng) WriteConfig(uint16, uint32) {}

// Notify fills as many request buffers as the token bucket allows and
// reschedules itself for the remainder.
func (r *Rng) Notify(queue int) error {
	q := r.Queue(queue)
	if q == nil {
		return nil
	}

	var done []Completion
	for {
		chain, err := q.Pop()
		if err != nil {
			if flushErr := r.CompleteBatch(q, done); flushErr != nil {
				return flushErr
			}
			return err
		}
		if chain == nil {
			break
		}

		want := chain.WritableBytes()
		if want == 0 {
			done = append(done, Completion{Head: chain.Head})
			continue
		}

		grant := want
		if r.limiter != nil {
			grant = r.reserve(want)
			if grant == 0 {
				// Bucket is empty. The chain is already popped, so finish
				// it with a minimal grant once the bucket refills.
				grant = r.waitForOne(queue, q, &done, chain)
				if grant < 0 {
					return nil
				}
			}
		}

		buf := make([]byte, grant)
		if _, err := io.ReadFull(r.source, buf); err != nil {
			r.log.Error("entropy source failed", "device", r.name, "err", err)
			done = append(done, Completion{Head: chain.Head})
			continue
		}
		if err := chain.CopyWrite(0, buf); err != nil {
			done = append(done, Completion{Head: chain.Head})
			continue
		}
		done = append(done, Completion{Head: chain.Head, Written: uint32(grant)})
	}
	return r.CompleteBatch(q, done)
}

// reserve takes up to want tokens immediately, returning how many were
// granted without delay.
func (r *Rng) reserve(want int) int {
	now := time.Now()
	tokens := int(r.limiter.TokensAt(now))
	if tokens <= 0 {
		return 0
	}
	if tokens < want {
		want = tokens
	}
	if !r.limiter.AllowN(now, want) {
		return 0
	}
	return want
}

// waitForOne blocks the request (not the loop) until one byte of budget is
// available. Returns the granted byte count, or -1 when processing has been
// rescheduled onto the dispatch context.
func (r *Rng) waitForOne(queue int, q *Queue, done *[]Completion, chain *Chain) int {
	if r.loop == nil {
		// No dispatch context: wait out the bucket inline.
		_ = r.limiter.WaitN(context.Background(), 1)
		return 1
	}

	// Defer: push completions so far, then finish this chain after the
	// bucket refills enough for one byte.
	if err := r.CompleteBatch(q, *done); err != nil {
		r.log.Error("entropy completion flush failed", "device", r.name, "err", err)
	}
	*done = nil

	now := time.Now()
	res := r.limiter.ReserveN(now, 1)
	d := res.DelayFrom(now)
	r.loop.AfterFunc(d, r.name, func() {
		grant := 1
		buf := make([]byte, grant)
		if _, err := io.ReadFull(r.source, buf); err != nil {
			r.log.Error("entropy source failed", "device", r.name, "err", err)
			grant = 0
		}
		if grant > 0 {
			if err := chain.CopyWrite(0, buf); err != nil {
				grant = 0
			}
		}
		if err := r.CompleteBatch(q, []Completion{{Head: chain.Head, Written: uint32(grant)}}); err != nil {
			r.log.Error("entropy completion failed", "device", r.name, "err", err)
		}
		if err := r.Notify(queue); err != nil {
			r.log.Error("deferred entropy work failed", "device", r.name, "err", err)
		}
	})
	return -1
}

// Reset implements Backend. Idempotent.
func (r *Rng) Reset() error {
	r.Deactivate()
	return nil
}

// Shutdown closes the entropy source if the device opened it. Idempotent.
func (r *Rng) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil
	}
	r.shutdown = true
	r.Deactivate()
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
