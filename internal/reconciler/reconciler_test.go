package reconciler

import (
	"testing"

	"automarathon/internal/hub"
)

// TestHashStateStableAcrossEqualInputs backs the "Reconciler idempotence"
// testable property: re-diffing an unchanged (observed, desired) pair must
// not look like a change, so reconcile() can skip issuing commands.
func TestHashStateStableAcrossEqualInputs(t *testing.T) {
	runner := int64(7)
	desired := hub.DesiredState{
		RequestedLayout: "S2",
		StreamRunners:   map[int]int64{1: runner, 2: 8},
		AudibleRunner:   &runner,
	}
	obs := observed{
		ProgramScene: "S2",
		SourceURL:    map[int]string{1: "https://example.invalid/a.m3u8", 2: "https://example.invalid/b.m3u8"},
		SourceMuted:  map[int]bool{1: false, 2: true},
	}

	a := hashState(obs, desired)
	b := hashState(obs, desired)
	if a != b {
		t.Fatalf("expected identical hashes for identical state, got %x vs %x", a, b)
	}

	desired2 := desired
	desired2.RequestedLayout = "S1"
	c := hashState(obs, desired2)
	if a == c {
		t.Fatalf("expected hash to change when requested layout changes")
	}
}

func TestHashStateDistinguishesAudibleRunner(t *testing.T) {
	r1, r2 := int64(1), int64(2)
	desired1 := hub.DesiredState{RequestedLayout: "S1", StreamRunners: map[int]int64{1: r1, 2: r2}, AudibleRunner: &r1}
	desired2 := desired1
	desired2.AudibleRunner = &r2
	obs := observed{ProgramScene: "S1", SourceURL: map[int]string{}, SourceMuted: map[int]bool{}}

	if hashState(obs, desired1) == hashState(obs, desired2) {
		t.Fatalf("expected hash to change when audible runner changes")
	}
}

func TestHashStateDistinguishesStreaming(t *testing.T) {
	desired1 := hub.DesiredState{RequestedLayout: "S1", Streaming: false}
	desired2 := desired1
	desired2.Streaming = true
	obs := observed{ProgramScene: "S1", SourceURL: map[int]string{}, SourceMuted: map[int]bool{}}

	if hashState(obs, desired1) == hashState(obs, desired2) {
		t.Fatalf("expected hash to change when requested streaming flag changes")
	}
}

func TestNewReconcilerStartsDisconnected(t *testing.T) {
	r := New("host-a", nil, nil, func(int64) string { return "" })
	if r.State() != StateDisconnected {
		t.Fatalf("expected initial state disconnected, got %s", r.State())
	}
}
