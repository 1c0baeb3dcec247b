package store

import (
	"context"
	"path/filepath"
	"testing"

	"automarathon/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "automarathon.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSaveAndLoadPerson(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	p := &domain.Person{Name: "Alice", Pronouns: "she/her"}
	if err := st.SavePerson(ctx, p); err != nil {
		t.Fatalf("save person: %v", err)
	}
	if p.ID == 0 {
		t.Fatalf("expected assigned id")
	}

	state, err := st.LoadState(ctx)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	got, ok := state.People[p.ID]
	if !ok {
		t.Fatalf("person %d not found after reload", p.ID)
	}
	if got.Name != "Alice" || got.Pronouns != "she/her" {
		t.Fatalf("unexpected person after reload: %+v", got)
	}
}

func TestRunnerRoundTripWithResolvedURLs(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	p := &domain.Person{Name: "Bob"}
	if err := st.SavePerson(ctx, p); err != nil {
		t.Fatalf("save person: %v", err)
	}

	r := &domain.Runner{
		ParticipantID:   p.ID,
		StreamURL:       "https://example.com/bob",
		ResolvedURLs:    map[string]string{"1080p": "https://cdn.example.com/bob-1080.m3u8"},
		StreamVolumePct: 80,
	}
	if err := st.SaveRunner(ctx, r); err != nil {
		t.Fatalf("save runner: %v", err)
	}

	state, err := st.LoadState(ctx)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	got, ok := state.Runners[r.ID]
	if !ok {
		t.Fatalf("runner %d not found after reload", r.ID)
	}
	if got.ResolvedURLs["1080p"] != "https://cdn.example.com/bob-1080.m3u8" {
		t.Fatalf("resolved_urls did not round-trip: %+v", got.ResolvedURLs)
	}
}

func TestStreamUpsertAndDelete(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	e := &domain.Event{Name: "Any% Glitchless"}
	if err := st.SaveEvent(ctx, e); err != nil {
		t.Fatalf("save event: %v", err)
	}
	audible := int64(10)
	str := &domain.Stream{
		EventID:         e.ID,
		ObsHost:         "host-a",
		AudibleRunner:   &audible,
		RequestedLayout: "S1",
		StreamRunners:   map[int]int64{1: 10},
	}
	if err := st.SaveStream(ctx, str); err != nil {
		t.Fatalf("save stream: %v", err)
	}

	state, err := st.LoadState(ctx)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	got, ok := state.Streams[e.ID]
	if !ok {
		t.Fatalf("stream for event %d not found", e.ID)
	}
	if got.StreamRunners[1] != 10 || got.AudibleRunner == nil || *got.AudibleRunner != 10 {
		t.Fatalf("unexpected stream after reload: %+v", got)
	}

	if err := st.DeleteEvent(ctx, e.ID); err != nil {
		t.Fatalf("delete event: %v", err)
	}
	state, err = st.LoadState(ctx)
	if err != nil {
		t.Fatalf("load state after delete: %v", err)
	}
	if _, ok := state.Streams[e.ID]; ok {
		t.Fatalf("expected stream detached after event delete")
	}
}

func TestLockStateDefaultAndSave(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	state, err := st.LoadState(ctx)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.Lock.Editor != "" {
		t.Fatalf("expected no editor by default, got %q", state.Lock.Editor)
	}

	if err := st.SaveLock(ctx, domain.LockState{Editor: "alice", HeartbeatEpochMs: 1000}); err != nil {
		t.Fatalf("save lock: %v", err)
	}
	state, err = st.LoadState(ctx)
	if err != nil {
		t.Fatalf("reload state: %v", err)
	}
	if state.Lock.Editor != "alice" || state.Lock.HeartbeatEpochMs != 1000 {
		t.Fatalf("unexpected lock state: %+v", state.Lock)
	}
}
