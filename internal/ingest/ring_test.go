package ingest

import (
	"context"
	"testing"
	"time"
)

func TestRingPushPopOrder(t *testing.T) {
	r := newRing()
	for i := 0; i < 3; i++ {
		var f Frame
		f.Samples[0] = float32(i)
		r.push(f)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f, ok := r.pop(ctx)
		if !ok {
			t.Fatalf("expected frame %d", i)
		}
		if f.Samples[0] != float32(i) {
			t.Fatalf("expected sample %d, got %v", i, f.Samples[0])
		}
	}
}

func TestRingDropsOldestWhenFull(t *testing.T) {
	r := newRing()
	for i := 0; i < ringSize+5; i++ {
		var f Frame
		f.Samples[0] = float32(i)
		r.push(f)
	}
	f, ok := r.pop(context.Background())
	if !ok {
		t.Fatalf("expected a frame")
	}
	if f.Samples[0] != 5 {
		t.Fatalf("expected oldest surviving frame to be index 5, got %v", f.Samples[0])
	}
}

func TestRingPopReturnsFalseOnCanceledContext(t *testing.T) {
	r := newRing()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_, ok := r.pop(ctx)
		if ok {
			t.Errorf("expected pop to fail on canceled context")
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for pop to observe cancellation")
	}
}

func TestDecoderSubscribeUnsubscribeRefCount(t *testing.T) {
	d := NewDecoder(42)
	c1 := d.Subscribe()
	c2 := d.Subscribe()
	if d.RefCount() != 2 {
		t.Fatalf("expected refcount 2, got %d", d.RefCount())
	}
	d.Unsubscribe(c1)
	if d.RefCount() != 1 {
		t.Fatalf("expected refcount 1, got %d", d.RefCount())
	}
	d.Unsubscribe(c2)
	if d.RefCount() != 0 {
		t.Fatalf("expected refcount 0, got %d", d.RefCount())
	}
}
