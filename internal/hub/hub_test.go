package hub

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"automarathon/internal/domain"
	"automarathon/internal/ingest"
	"automarathon/internal/store"
)

func newTestHub(t *testing.T) (*Hub, context.Context) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "automarathon.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h, err := New(ctx, st, ingest.NewPool(ingest.NewResolver("")))
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	go h.Run(ctx)
	return h, ctx
}

func seedEventWithHost(t *testing.T, h *Hub, ctx context.Context) (personID, runner1, runner2 int64, eventID int64) {
	t.Helper()

	pRes, err := h.Apply(ctx, domain.Mutation{Kind: domain.MutCreatePerson, Person: &domain.Person{Name: "Alice"}})
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	personID = pRes.AssignedID

	r1, err := h.Apply(ctx, domain.Mutation{Kind: domain.MutCreateRunner, Runner: &domain.Runner{ParticipantID: personID, StreamVolumePct: 100}})
	if err != nil {
		t.Fatalf("create runner 1: %v", err)
	}
	runner1 = r1.AssignedID

	r2, err := h.Apply(ctx, domain.Mutation{Kind: domain.MutCreateRunner, Runner: &domain.Runner{ParticipantID: personID, StreamVolumePct: 100}})
	if err != nil {
		t.Fatalf("create runner 2: %v", err)
	}
	runner2 = r2.AssignedID

	eRes, err := h.Apply(ctx, domain.Mutation{Kind: domain.MutCreateEvent, Event: &domain.Event{
		Name: "Any%",
		RunnerState: map[int64]domain.RunnerEntry{
			runner1: {Runner: runner1, Result: domain.SingleScoreResult("")},
			runner2: {Runner: runner2, Result: domain.SingleScoreResult("")},
		},
	}})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	eventID = eRes.AssignedID

	// Host with scenes S1 (1 source) and S2 (2 sources), per spec.md §8
	// scenario 1.
	h.mu.Lock()
	h.state.Hosts["host-a"] = domain.Host{
		Name: "host-a",
		Scenes: map[string]domain.Scene{
			"S1": {Name: "S1", Sources: map[int][]domain.StreamSource{1: {{Name: "src1"}}}},
			"S2": {Name: "S2", Sources: map[int][]domain.StreamSource{1: {{Name: "src1"}}, 2: {{Name: "src2"}}}},
		},
	}
	h.mu.Unlock()

	if _, err := h.Apply(ctx, domain.Mutation{Kind: domain.MutCreateStream, Stream: &domain.Stream{
		EventID:         eventID,
		ObsHost:         "host-a",
		RequestedLayout: "S1",
		StreamRunners:   map[int]int64{},
	}}); err != nil {
		t.Fatalf("create stream: %v", err)
	}
	return
}

// TestAddRunnerScenarios walks spec.md §8 scenarios 1-4 in sequence against
// one stream: add to empty layout, promote to a larger layout, swap
// occupied slots, and remove the audible runner.
func TestAddRunnerScenarios(t *testing.T) {
	t.Parallel()
	h, ctx := newTestHub(t)
	_, runner1, runner2, eventID := seedEventWithHost(t, h, ctx)

	// Scenario 1: addPlayer(10) on an empty stream.
	res, err := h.Apply(ctx, domain.Mutation{Kind: domain.MutAddPlayer, StreamID: eventID, AddedRunner: runner1})
	if err != nil {
		t.Fatalf("add player 1: %v", err)
	}
	str := res.Snapshot.Streams[eventID]
	if str.RequestedLayout != "S1" || str.StreamRunners[1] != runner1 || str.AudibleRunner == nil || *str.AudibleRunner != runner1 {
		t.Fatalf("scenario 1 mismatch: %+v", str)
	}

	// Scenario 2: addPlayer(11) promotes S1 -> S2, audible stays runner1.
	res, err = h.Apply(ctx, domain.Mutation{Kind: domain.MutAddPlayer, StreamID: eventID, AddedRunner: runner2})
	if err != nil {
		t.Fatalf("add player 2: %v", err)
	}
	str = res.Snapshot.Streams[eventID]
	if str.RequestedLayout != "S2" || str.StreamRunners[1] != runner1 || str.StreamRunners[2] != runner2 {
		t.Fatalf("scenario 2 mismatch: %+v", str)
	}
	if str.AudibleRunner == nil || *str.AudibleRunner != runner1 {
		t.Fatalf("scenario 2 expected audible unchanged at runner1, got %+v", str.AudibleRunner)
	}

	// Scenario 3: swap(1,2) -> {1: runner2, 2: runner1}, audible unchanged
	// (it follows the runner id, not the slot).
	res, err = h.Apply(ctx, domain.Mutation{Kind: domain.MutSwapSlots, StreamID: eventID, SwapSlotA: 1, SwapSlotB: 2})
	if err != nil {
		t.Fatalf("swap slots: %v", err)
	}
	str = res.Snapshot.Streams[eventID]
	if str.StreamRunners[1] != runner2 || str.StreamRunners[2] != runner1 {
		t.Fatalf("scenario 3 mismatch: %+v", str.StreamRunners)
	}
	if str.AudibleRunner == nil || *str.AudibleRunner != runner1 {
		t.Fatalf("scenario 3 expected audible still runner1, got %+v", str.AudibleRunner)
	}

	// Scenario 4: remove(slot=1) when slot 1 (runner2) is not audible leaves
	// audible unchanged; removing the audible runner's slot instead (slot 2,
	// which now holds runner1) demotes audibility to the new slot-1 occupant.
	res, err = h.Apply(ctx, domain.Mutation{Kind: domain.MutRemovePlayer, StreamID: eventID, RemovedSlot: 2})
	if err != nil {
		t.Fatalf("remove player: %v", err)
	}
	str = res.Snapshot.Streams[eventID]
	if str.StreamRunners[1] != runner2 {
		t.Fatalf("expected slot 2 removal to leave runner2 at slot 1, got %+v", str.StreamRunners)
	}
	if str.AudibleRunner == nil || *str.AudibleRunner != runner2 {
		t.Fatalf("expected audible to demote to new slot-1 occupant runner2, got %+v", str.AudibleRunner)
	}
}

// TestRunnerInEventCannotBeDeleted is spec.md §8 scenario 6.
func TestRunnerInEventCannotBeDeleted(t *testing.T) {
	t.Parallel()
	h, ctx := newTestHub(t)
	_, runner1, _, eventID := seedEventWithHost(t, h, ctx)

	_, err := h.Apply(ctx, domain.Mutation{Kind: domain.MutDeleteRunner, RunnerID: runner1})
	if err == nil {
		t.Fatalf("expected ERR_IN_USE deleting referenced runner")
	}
	var derr *domain.Error
	if !asDomainError(err, &derr) || derr.Kind != domain.ErrInUse {
		t.Fatalf("expected ERR_IN_USE, got %v", err)
	}

	if _, err := h.Apply(ctx, domain.Mutation{Kind: domain.MutDeleteEvent, EventID: eventID}); err != nil {
		t.Fatalf("delete event: %v", err)
	}
	if _, err := h.Apply(ctx, domain.Mutation{Kind: domain.MutDeleteRunner, RunnerID: runner1}); err != nil {
		t.Fatalf("expected delete to succeed after event removal: %v", err)
	}
}

// TestLockHandoff is spec.md §8 scenario 5 / testable property "Lock".
func TestLockHandoff(t *testing.T) {
	t.Parallel()
	h, ctx := newTestHub(t)

	if _, err := h.Apply(ctx, domain.Mutation{Kind: domain.MutClaimLock, LockEditor: "alice"}); err != nil {
		t.Fatalf("alice claims: %v", err)
	}
	if _, err := h.Apply(ctx, domain.Mutation{Kind: domain.MutClaimLock, LockEditor: "bob"}); err == nil {
		t.Fatalf("expected bob's claim to fail while alice is fresh")
	}

	// Force alice's heartbeat stale by rewinding it past the idle-takeover
	// threshold directly on the in-memory state (simulating 61s elapsed).
	h.mu.Lock()
	lock := h.state.Lock
	lock.HeartbeatEpochMs = nowEpochMs() - idleTakeoverMs - 1000
	h.state.Lock = lock
	h.mu.Unlock()

	if _, err := h.Apply(ctx, domain.Mutation{Kind: domain.MutClaimLock, LockEditor: "bob"}); err != nil {
		t.Fatalf("expected bob's claim to succeed after idle takeover window: %v", err)
	}
}

// TestSnapshotRoundTrip backs the "Mutation/snapshot" testable property:
// the final snapshot matches a fresh load from the Store.
func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	h, ctx := newTestHub(t)
	seedEventWithHost(t, h, ctx)

	snap := h.Snapshot()
	reloaded, err := h.store.LoadState(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(snap.People) != len(reloaded.People) || len(snap.Runners) != len(reloaded.Runners) ||
		len(snap.Events) != len(reloaded.Events) || len(snap.Streams) != len(reloaded.Streams) {
		t.Fatalf("snapshot does not match reloaded state: %+v vs %+v", snap, reloaded)
	}
}

func TestStateSubscriberReceivesCoalescedSnapshot(t *testing.T) {
	t.Parallel()
	h, ctx := newTestHub(t)
	ch := h.SubscribeState()
	defer h.UnsubscribeState(ch)

	if _, err := h.Apply(ctx, domain.Mutation{Kind: domain.MutCreatePerson, Person: &domain.Person{Name: "Eve"}}); err != nil {
		t.Fatalf("create person: %v", err)
	}

	select {
	case snap := <-ch:
		if len(snap.People) != 1 {
			t.Fatalf("expected 1 person in snapshot, got %d", len(snap.People))
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for state broadcast")
	}
}

func TestUpdateHostStatusPersistsObservedFields(t *testing.T) {
	t.Parallel()
	h, ctx := newTestHub(t)
	seedEventWithHost(t, h, ctx)

	connected := true
	scene := "S2"
	fps := 59.94
	if _, err := h.Apply(ctx, domain.Mutation{
		Kind:             domain.MutUpdateHostStatus,
		Host:             "host-a",
		HostConnected:    &connected,
		HostProgramScene: &scene,
		HostFrameRate:    &fps,
	}); err != nil {
		t.Fatalf("update host status: %v", err)
	}

	host := h.Snapshot().Hosts["host-a"]
	if !host.Connected || host.ProgramScene != "S2" || host.FrameRate != fps {
		t.Fatalf("host status not applied: %+v", host)
	}
}

func TestSetStreamingNotifiesHostWithCurrentLayout(t *testing.T) {
	t.Parallel()
	h, ctx := newTestHub(t)
	seedEventWithHost(t, h, ctx)

	cmds := h.SubscribeHost("host-a")
	defer h.UnsubscribeHost("host-a", cmds)

	if _, err := h.Apply(ctx, domain.Mutation{Kind: domain.MutSetStreaming, Host: "host-a", Streaming: true}); err != nil {
		t.Fatalf("set streaming: %v", err)
	}

	select {
	case cmd := <-cmds:
		if !cmd.Desired.Streaming {
			t.Fatalf("expected notified desired state to carry Streaming=true, got %+v", cmd.Desired)
		}
		if cmd.Desired.RequestedLayout != "S1" {
			t.Fatalf("expected notified desired state to keep the stream's layout, got %+v", cmd.Desired)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for host command")
	}

	if !h.Snapshot().Hosts["host-a"].Streaming {
		t.Fatalf("expected host.Streaming to be set")
	}
}

func TestSetResolvedURLsMergesIntoRunner(t *testing.T) {
	t.Parallel()
	h, ctx := newTestHub(t)
	_, runner1, _, _ := seedEventWithHost(t, h, ctx)

	if _, err := h.Apply(ctx, domain.Mutation{
		Kind:         domain.MutSetResolvedURLs,
		RunnerID:     runner1,
		ResolvedURLs: map[string]string{"auto": "https://example.invalid/resolved.m3u8"},
	}); err != nil {
		t.Fatalf("set resolved urls: %v", err)
	}

	got := h.Snapshot().Runners[runner1].ResolvedURLs["auto"]
	if got != "https://example.invalid/resolved.m3u8" {
		t.Fatalf("expected resolved url to be recorded, got %q", got)
	}
}

func TestRefreshRunnerURLsUnknownRunnerErrors(t *testing.T) {
	t.Parallel()
	h, ctx := newTestHub(t)

	_, err := h.Apply(ctx, domain.Mutation{Kind: domain.MutRefreshRunnerURLs, RunnerID: 999})
	var de *domain.Error
	if !asDomainError(err, &de) || de.Kind != domain.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func asDomainError(err error, out **domain.Error) bool {
	de, ok := err.(*domain.Error)
	if !ok {
		return false
	}
	*out = de
	return true
}
