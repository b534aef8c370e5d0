package iothread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func startLoop(t *testing.T, l *Loop) {
	t.Helper()
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.Quiesce(ctx)
	})
}

func TestEventsDispatchInOrder(t *testing.T) {
	l := New("test", 64)
	startLoop(t, l)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	for i := 0; i < 32; i++ {
		i := i
		if err := l.Post("src", func() {
			mu.Lock()
			got = append(got, i)
			if len(got) == 32 {
				close(done)
			}
			mu.Unlock()
		}); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order dispatch: got %v", got)
		}
	}
}

func TestOneEventAtATime(t *testing.T) {
	l := New("test", 64)
	startLoop(t, l)

	var inFlight, maxInFlight int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		if err := l.Post("src", func() {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			wg.Done()
		}); err != nil {
			t.Fatalf("post: %v", err)
		}
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("loop dispatched %d events concurrently", maxInFlight)
	}
}

func TestQuiesceDrainsThenRefuses(t *testing.T) {
	l := New("test", 64)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() { _ = l.Run(context.Background()) }()

	if err := l.Post("src", func() {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("post blocker: %v", err)
	}

	var drained bool
	if err := l.Post("src", func() { drained = true }); err != nil {
		t.Fatalf("post drain candidate: %v", err)
	}

	<-started

	quiesced := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		quiesced <- l.Quiesce(ctx)
	}()

	// Give Quiesce a moment to flip the state, then confirm intake is closed
	// while the in-flight event is still running.
	time.Sleep(10 * time.Millisecond)
	if err := l.Post("src", func() {}); !errors.Is(err, ErrQuiesced) {
		t.Fatalf("post during quiesce: got %v, want ErrQuiesced", err)
	}

	close(release)
	if err := <-quiesced; err != nil {
		t.Fatalf("quiesce: %v", err)
	}
	if !drained {
		t.Fatal("queued event was not drained before quiesce completed")
	}

	// Quiesce is idempotent.
	if err := l.Quiesce(context.Background()); err != nil {
		t.Fatalf("second quiesce: %v", err)
	}
}

func TestAfterFuncPostsToLoop(t *testing.T) {
	l := New("test", 64)
	startLoop(t, l)

	fired := make(chan struct{})
	l.AfterFunc(5*time.Millisecond, "timer", func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer event never dispatched")
	}
}

func TestPinnedDevices(t *testing.T) {
	l := New("io0", 0)
	l.Pin("virtio-blk/disk0")
	l.Pin("virtio-net/net0")

	got := l.Pinned()
	if len(got) != 2 || got[0] != "virtio-blk/disk0" || got[1] != "virtio-net/net0" {
		t.Fatalf("pinned = %v", got)
	}
}
