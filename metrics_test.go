package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"automarathon/internal/hub"
	"automarathon/internal/ingest"
	"automarathon/internal/mixer"
	"automarathon/internal/reconciler"
	"automarathon/internal/store"
)

func TestRunMetricsTicksWithoutPanicking(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "automarathon.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := hub.New(ctx, st, ingest.NewPool(ingest.NewResolver("")))
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	go h.Run(ctx)

	mx := mixer.New("desk-a", nil, nil)
	hosts := map[string]hostActors{
		"desk-a": {Mixer: mx},
		"desk-b": {Reconciler: nil},
	}
	_ = reconciler.StateDisconnected

	done := make(chan struct{})
	go func() {
		RunMetrics(ctx, h, hosts, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunMetrics did not return after context cancellation")
	}
}
