// Package iothread provides the dispatch contexts device backends run on.
// Each Loop is an independent execution context with a bounded, ordered event
// queue: notification sources post events, the loop dispatches exactly one at
// a time. Devices are pinned to one loop for their lifetime; there is no work
// stealing between loops, which keeps per-device tail latency predictable.
package iothread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrQuiesced  = errors.New("iothread: loop is quiesced")
	ErrSaturated = errors.New("iothread: event queue full")
)

// DefaultQueueDepth bounds how many undispatched events a loop holds.
const DefaultQueueDepth = 256

type event struct {
	source string
	fn     func()
}

// Loop is one I/O dispatch context.
type Loop struct {
	name   string
	events chan event

	mu     sync.Mutex
	state  loopState
	stopc  chan struct{}
	donec  chan struct{}
	pinned []string
}

type loopState int

const (
	stateIdle loopState = iota
	stateRunning
	stateQuiescing
	stateStopped
)

// New creates a loop. depth <= 0 selects DefaultQueueDepth.
func New(name string, depth int) *Loop {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Loop{
		name:   name,
		events: make(chan event, depth),
		stopc:  make(chan struct{}),
		donec:  make(chan struct{}),
	}
}

func (l *Loop) Name() string { return l.name }

// Pin records a device as owned by this loop. Pinning is static: devices do
// not migrate between loops while running.
func (l *Loop) Pin(device string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pinned = append(l.pinned, device)
}

// Pinned returns the devices pinned to this loop.
func (l *Loop) Pinned() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.pinned))
	copy(out, l.pinned)
	return out
}

// Post queues an event for dispatch. Events from one source are dispatched
// in the order they were posted. Blocks when the queue is full; fails once
// the loop is quiescing.
func (l *Loop) Post(source string, fn func()) error {
	l.mu.Lock()
	if l.state == stateQuiescing || l.state == stateStopped {
		l.mu.Unlock()
		return fmt.Errorf("%w (source %s)", ErrQuiesced, source)
	}
	l.mu.Unlock()

	select {
	case l.events <- event{source: source, fn: fn}:
		return nil
	case <-l.stopc:
		return fmt.Errorf("%w (source %s)", ErrQuiesced, source)
	}
}

// TryPost queues an event without blocking. It fails with ErrSaturated when
// the queue is full, for callers that hold locks a vCPU exit path depends on
// and cannot wait for the loop to drain.
func (l *Loop) TryPost(source string, fn func()) error {
	l.mu.Lock()
	if l.state == stateQuiescing || l.state == stateStopped {
		l.mu.Unlock()
		return fmt.Errorf("%w (source %s)", ErrQuiesced, source)
	}
	l.mu.Unlock()

	select {
	case l.events <- event{source: source, fn: fn}:
		return nil
	default:
		return fmt.Errorf("%w (source %s)", ErrSaturated, source)
	}
}

// AfterFunc schedules fn to be dispatched on the loop after d. The returned
// timer can be stopped like time.AfterFunc's. A fire after quiesce is
// silently dropped.
func (l *Loop) AfterFunc(d time.Duration, source string, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		_ = l.Post(source, fn)
	})
}

// Run dispatches events until the context is cancelled or the loop is
// quiesced. It must be called exactly once.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.state != stateIdle {
		l.mu.Unlock()
		return fmt.Errorf("iothread: loop %s started twice", l.name)
	}
	l.state = stateRunning
	l.mu.Unlock()

	defer close(l.donec)

	for {
		select {
		case <-ctx.Done():
			l.markStopped()
			return ctx.Err()
		case <-l.stopc:
			l.drain()
			l.markStopped()
			return nil
		case ev := <-l.events:
			ev.fn()
		}
	}
}

// drain dispatches events already queued at quiesce time, preserving order.
func (l *Loop) drain() {
	for {
		select {
		case ev := <-l.events:
			ev.fn()
		default:
			return
		}
	}
}

func (l *Loop) markStopped() {
	l.mu.Lock()
	l.state = stateStopped
	l.mu.Unlock()
}

// Quiesce stops intake, lets already-queued events drain, and waits for the
// loop to exit. Safe to call more than once. New Posts fail immediately; the
// in-flight event, if any, completes.
func (l *Loop) Quiesce(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case stateIdle:
		// Never ran; nothing queued can ever be dispatched.
		l.state = stateStopped
		l.mu.Unlock()
		return nil
	case stateStopped:
		l.mu.Unlock()
		return nil
	case stateQuiescing:
		l.mu.Unlock()
	case stateRunning:
		l.state = stateQuiescing
		close(l.stopc)
		l.mu.Unlock()
	}

	select {
	case <-l.donec:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("iothread: quiesce %s: %w", l.name, ctx.Err())
	}
}
