package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"automarathon/internal/domain"
)

// apply runs one mutation to completion. Called only from Run's single
// goroutine; it holds h.mu while it mutates h.state, so concurrent readers
// and subscriber registration never see a half-applied mutation.
func (h *Hub) apply(m domain.Mutation) (domain.Result, error) {
	ctx := context.Background()

	h.mu.Lock()

	var assignedID int64
	var err error
	var notifyHost string
	var notifyDesired DesiredState
	doNotifyHost := false

	switch m.Kind {
	case domain.MutCreatePerson, domain.MutUpdatePerson:
		assignedID, err = h.applyUpsertPerson(ctx, m)
	case domain.MutDeletePerson:
		err = h.applyDeletePerson(ctx, m.PersonID)
	case domain.MutCreateRunner, domain.MutUpdateRunner:
		assignedID, err = h.applyUpsertRunner(ctx, m)
	case domain.MutDeleteRunner:
		err = h.applyDeleteRunner(ctx, m.RunnerID)
	case domain.MutRefreshRunnerURLs:
		err = h.applyRefreshRunnerURLs(ctx, m.RunnerID)
	case domain.MutSetResolvedURLs:
		err = h.applySetResolvedURLs(ctx, m.RunnerID, m.ResolvedURLs)
	case domain.MutCreateEvent, domain.MutUpdateEvent:
		assignedID, err = h.applyUpsertEvent(ctx, m)
	case domain.MutDeleteEvent:
		err = h.applyDeleteEvent(ctx, m.EventID)
	case domain.MutCreateStream, domain.MutUpdateStream:
		err = h.applyUpsertStream(ctx, m)
		if err == nil {
			notifyHost, notifyDesired, doNotifyHost = h.desiredFor(m.StreamID)
		}
	case domain.MutDeleteStream:
		err = h.applyDeleteStream(ctx, m.StreamID)
	case domain.MutSetStreaming:
		err = h.applySetStreaming(ctx, m)
		if err == nil {
			notifyHost, notifyDesired, doNotifyHost = h.desiredForHost(m.Host)
		}
	case domain.MutUpdateHostStatus:
		err = h.applyUpdateHostStatus(ctx, m)
	case domain.MutSetAudible:
		err = h.applySetAudible(ctx, m.StreamID, m.AudibleRunner)
		if err == nil {
			notifyHost, notifyDesired, doNotifyHost = h.desiredFor(m.StreamID)
		}
	case domain.MutSetStreamLayout:
		err = h.applySetStreamLayout(ctx, m)
		if err == nil {
			notifyHost, notifyDesired, doNotifyHost = h.desiredFor(m.StreamID)
		}
	case domain.MutAddPlayer:
		err = h.applyAddPlayer(ctx, m)
		if err == nil {
			notifyHost, notifyDesired, doNotifyHost = h.desiredFor(m.StreamID)
		}
	case domain.MutRemovePlayer:
		err = h.applyRemovePlayer(ctx, m)
		if err == nil {
			notifyHost, notifyDesired, doNotifyHost = h.desiredFor(m.StreamID)
		}
	case domain.MutSwapSlots:
		err = h.applySwapSlots(ctx, m)
		if err == nil {
			notifyHost, notifyDesired, doNotifyHost = h.desiredFor(m.StreamID)
		}
	case domain.MutSetTimer:
		err = h.applySetTimer(ctx, m)
	case domain.MutSetCustomField:
		err = h.applySetCustomField(ctx, m.CustomFieldKey, m.CustomFieldValue)
	case domain.MutSetVoiceGain:
		err = h.applySetVoiceGain(ctx, m.Host, m.VoiceUser, m.GainPercent)
	case domain.MutClaimLock:
		err = h.applyClaimLock(ctx, m.LockEditor)
	case domain.MutReleaseLock:
		err = h.applyReleaseLock(ctx, m.LockEditor)
	default:
		err = domain.NewError(domain.ErrBadRequest, fmt.Sprintf("unknown mutation kind %q", m.Kind))
	}

	if err != nil {
		h.mu.Unlock()
		return domain.Result{}, err
	}

	h.appendLog(m.Kind)
	snap := h.state.Clone()
	h.mu.Unlock()

	// Fan out after releasing h.mu; broadcastState/broadcastLock/notifyHost
	// each take their own lock just to read subscriber sets.
	h.broadcastState()
	if m.Kind == domain.MutClaimLock || m.Kind == domain.MutReleaseLock {
		h.broadcastLock()
	}
	if doNotifyHost {
		h.notifyHost(notifyHost, notifyDesired)
	}

	return domain.Result{Snapshot: snap, AssignedID: assignedID}, nil
}

func (h *Hub) applyUpsertPerson(ctx context.Context, m domain.Mutation) (int64, error) {
	if m.Person == nil {
		return 0, domain.NewError(domain.ErrBadRequest, "person payload required")
	}
	p := *m.Person
	if p.ID != 0 {
		if _, ok := h.state.People[p.ID]; !ok {
			return 0, domain.NewError(domain.ErrNotFound, fmt.Sprintf("person %d", p.ID))
		}
	}
	if err := h.store.SavePerson(ctx, &p); err != nil {
		return 0, domain.Wrap(domain.ErrStore, "save person", err)
	}
	h.state.People[p.ID] = p
	return p.ID, nil
}

func (h *Hub) applyDeletePerson(ctx context.Context, id int64) error {
	if _, ok := h.state.People[id]; !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("person %d", id))
	}
	// Invariant 1: a Runner cannot be deleted while any Event references it;
	// transitively, a Person cannot be deleted while their Runner is referenced.
	for _, r := range h.state.Runners {
		if r.ParticipantID != id {
			continue
		}
		if refs := h.eventsReferencingRunner(r.ID); len(refs) > 0 {
			return domain.NewError(domain.ErrInUse, fmt.Sprintf("runner %d referenced by event(s) %v", r.ID, refs))
		}
	}
	if err := h.store.DeletePerson(ctx, id); err != nil {
		return domain.Wrap(domain.ErrStore, "delete person", err)
	}
	for rid, r := range h.state.Runners {
		if r.ParticipantID == id {
			delete(h.state.Runners, rid)
		}
	}
	delete(h.state.People, id)
	return nil
}

func (h *Hub) applyUpsertRunner(ctx context.Context, m domain.Mutation) (int64, error) {
	if m.Runner == nil {
		return 0, domain.NewError(domain.ErrBadRequest, "runner payload required")
	}
	r := *m.Runner
	if _, ok := h.state.People[r.ParticipantID]; !ok {
		return 0, domain.Invariantf("runner.participant %d does not exist", r.ParticipantID)
	}
	if r.ID != 0 {
		if _, ok := h.state.Runners[r.ID]; !ok {
			return 0, domain.NewError(domain.ErrNotFound, fmt.Sprintf("runner %d", r.ID))
		}
	}
	if r.StreamVolumePct < 0 || r.StreamVolumePct > 100 {
		return 0, domain.Invariantf("stream_volume_percent %d out of [0,100]", r.StreamVolumePct)
	}
	if err := h.store.SaveRunner(ctx, &r); err != nil {
		return 0, domain.Wrap(domain.ErrStore, "save runner", err)
	}
	h.state.Runners[r.ID] = r
	return r.ID, nil
}

func (h *Hub) applyDeleteRunner(ctx context.Context, id int64) error {
	if _, ok := h.state.Runners[id]; !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("runner %d", id))
	}
	if refs := h.eventsReferencingRunner(id); len(refs) > 0 {
		return domain.NewError(domain.ErrInUse, fmt.Sprintf("runner %d referenced by event(s) %v", id, refs))
	}
	if err := h.store.DeleteRunner(ctx, id); err != nil {
		return domain.Wrap(domain.ErrStore, "delete runner", err)
	}
	delete(h.state.Runners, id)
	return nil
}

func (h *Hub) eventsReferencingRunner(runnerID int64) []int64 {
	var refs []int64
	for eid, e := range h.state.Events {
		if _, ok := e.RunnerState[runnerID]; ok {
			refs = append(refs, eid)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}

// applyRefreshRunnerURLs forces re-resolution of a runner's stream handle
// (spec.md §4.3 "RefreshRunnerUrls forces re-resolution and atomic swap").
// The resolver call runs out of band and feeds its result back in via
// MutSetResolvedURLs, since resolver errors must never block or fail this
// mutation (spec.md §7 propagation policy: "upstream errors... never
// surfaced to mutation callers"). Existing Ingest Pool consumers keep their
// ring until the new decode yields its first frame.
func (h *Hub) applyRefreshRunnerURLs(ctx context.Context, runnerID int64) error {
	r, ok := h.state.Runners[runnerID]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("runner %d", runnerID))
	}
	if h.pool == nil {
		return nil
	}
	handle := r.TheRunHandle
	if handle == "" {
		handle = r.StreamURL
	}
	if handle == "" {
		return nil
	}
	go h.refreshRunnerURLsAsync(runnerID, handle)
	return nil
}

func (h *Hub) refreshRunnerURLsAsync(runnerID int64, handle string) {
	url, err := h.pool.Refresh(context.Background(), runnerID, handle)
	if err != nil {
		slog.Warn("runner url re-resolution failed", "runner", runnerID, "err", err)
		return
	}
	if _, err := h.Apply(context.Background(), domain.Mutation{
		Kind:         domain.MutSetResolvedURLs,
		RunnerID:     runnerID,
		ResolvedURLs: map[string]string{"auto": url},
	}); err != nil {
		slog.Warn("apply resolved runner url failed", "runner", runnerID, "err", err)
	}
}

// applySetResolvedURLs merges a re-resolution result into a runner's
// resolved_urls map, keyed by quality.
func (h *Hub) applySetResolvedURLs(ctx context.Context, runnerID int64, urls map[string]string) error {
	r, ok := h.state.Runners[runnerID]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("runner %d", runnerID))
	}
	if r.ResolvedURLs == nil {
		r.ResolvedURLs = make(map[string]string, len(urls))
	}
	for q, u := range urls {
		r.ResolvedURLs[q] = u
	}
	if err := h.store.SaveRunner(ctx, &r); err != nil {
		return domain.Wrap(domain.ErrStore, "save runner", err)
	}
	h.state.Runners[runnerID] = r
	return nil
}

func (h *Hub) applyUpsertEvent(ctx context.Context, m domain.Mutation) (int64, error) {
	if m.Event == nil {
		return 0, domain.NewError(domain.ErrBadRequest, "event payload required")
	}
	e := *m.Event
	if e.ID != 0 {
		if _, ok := h.state.Events[e.ID]; !ok {
			return 0, domain.NewError(domain.ErrNotFound, fmt.Sprintf("event %d", e.ID))
		}
	}
	// Invariant 1: runner_state keys must reference existing runners.
	for rid := range e.RunnerState {
		if _, ok := h.state.Runners[rid]; !ok {
			return 0, domain.Invariantf("runner_state references unknown runner %d", rid)
		}
	}
	// Invariant 5: timer_end >= timer_start when both set; changing either
	// clears pause_accum, which is client-visible only (not stored).
	if e.TimerStartEpochMs != 0 && e.TimerEndEpochMs != 0 && e.TimerEndEpochMs < e.TimerStartEpochMs {
		return 0, domain.Invariantf("timer_end_epoch_ms %d < timer_start_epoch_ms %d", e.TimerEndEpochMs, e.TimerStartEpochMs)
	}
	if err := h.store.SaveEvent(ctx, &e); err != nil {
		return 0, domain.Wrap(domain.ErrStore, "save event", err)
	}
	h.state.Events[e.ID] = e
	return e.ID, nil
}

func (h *Hub) applyDeleteEvent(ctx context.Context, id int64) error {
	if _, ok := h.state.Events[id]; !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("event %d", id))
	}
	if err := h.store.DeleteEvent(ctx, id); err != nil {
		return domain.Wrap(domain.ErrStore, "delete event", err)
	}
	delete(h.state.Events, id)
	delete(h.state.Streams, id) // Stream lifecycle is bound to its Event.
	return nil
}

func (h *Hub) applyUpsertStream(ctx context.Context, m domain.Mutation) error {
	if m.Stream == nil {
		return domain.NewError(domain.ErrBadRequest, "stream payload required")
	}
	str := *m.Stream
	event, ok := h.state.Events[str.EventID]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("event %d", str.EventID))
	}
	host, ok := h.state.Hosts[str.ObsHost]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("host %q", str.ObsHost))
	}
	if err := validateStreamAgainstInvariants(str, event, host); err != nil {
		return err
	}
	// At most one Stream per Host; at most one Stream per Event.
	for eid, other := range h.state.Streams {
		if eid == str.EventID {
			continue
		}
		if other.ObsHost == str.ObsHost {
			return domain.Invariantf("host %q already bound to event %d", str.ObsHost, eid)
		}
	}
	if err := h.store.SaveStream(ctx, &str); err != nil {
		return domain.Wrap(domain.ErrStore, "save stream", err)
	}
	h.state.Streams[str.EventID] = str
	return nil
}

func validateStreamAgainstInvariants(str domain.Stream, event domain.Event, host domain.Host) error {
	scene, ok := host.Scenes[str.RequestedLayout]
	if !ok {
		return domain.Invariantf("requested_layout %q not in host %q scenes", str.RequestedLayout, host.Name)
	}
	seen := make(map[int64]struct{}, len(str.StreamRunners))
	for slot, runnerID := range str.StreamRunners {
		if slot > len(scene.Sources) || slot < 1 {
			return domain.Invariantf("slot %d out of range for scene %q (%d sources)", slot, scene.Name, len(scene.Sources))
		}
		if _, ok := event.RunnerState[runnerID]; !ok {
			return domain.Invariantf("stream_runners[%d]=%d not in event %d runner_state", slot, runnerID, event.ID)
		}
		if _, dup := seen[runnerID]; dup {
			return domain.Invariantf("runner %d occupies more than one slot", runnerID)
		}
		seen[runnerID] = struct{}{}
	}
	if str.AudibleRunner != nil {
		found := false
		for slot, runnerID := range str.StreamRunners {
			if runnerID == *str.AudibleRunner && slot <= len(scene.Sources) {
				found = true
				break
			}
		}
		if !found {
			return domain.Invariantf("audible_runner %d not an occupied in-range slot", *str.AudibleRunner)
		}
	}
	return nil
}

func (h *Hub) applyDeleteStream(ctx context.Context, eventID int64) error {
	if _, ok := h.state.Streams[eventID]; !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("stream for event %d", eventID))
	}
	if err := h.store.DeleteStream(ctx, eventID); err != nil {
		return domain.Wrap(domain.ErrStore, "delete stream", err)
	}
	delete(h.state.Streams, eventID)
	return nil
}

func (h *Hub) applySetStreaming(ctx context.Context, m domain.Mutation) error {
	host, ok := h.state.Hosts[m.Host]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("host %q", m.Host))
	}
	host.Streaming = m.Streaming
	if err := h.store.SaveHost(ctx, &host); err != nil {
		return domain.Wrap(domain.ErrStore, "save host", err)
	}
	h.state.Hosts[m.Host] = host
	return nil
}

// applyUpdateHostStatus records the Reconciler's observed compositor state
// for one host (spec.md §4.2): connectivity, program scene, frame rate, and
// actual streaming state, as distinct from the operator's requested
// Streaming flag set by applySetStreaming. Called with m.RequestedBy empty,
// since the Reconciler issues these as read-only reports, not edits.
func (h *Hub) applyUpdateHostStatus(ctx context.Context, m domain.Mutation) error {
	host, ok := h.state.Hosts[m.Host]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("host %q", m.Host))
	}
	if m.HostConnected != nil {
		host.Connected = *m.HostConnected
	}
	if m.HostStreaming != nil {
		host.Streaming = *m.HostStreaming
	}
	if m.HostProgramScene != nil {
		host.ProgramScene = *m.HostProgramScene
	}
	if m.HostFrameRate != nil {
		host.FrameRate = *m.HostFrameRate
	}
	if err := h.store.SaveHost(ctx, &host); err != nil {
		return domain.Wrap(domain.ErrStore, "save host", err)
	}
	h.state.Hosts[m.Host] = host
	return nil
}

func (h *Hub) applySetAudible(ctx context.Context, eventID int64, audible *int64) error {
	str, ok := h.state.Streams[eventID]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("stream for event %d", eventID))
	}
	host := h.state.Hosts[str.ObsHost]
	str.AudibleRunner = audible
	if err := validateStreamAgainstInvariants(str, h.state.Events[eventID], host); err != nil {
		return err
	}
	if err := h.store.SaveStream(ctx, &str); err != nil {
		return domain.Wrap(domain.ErrStore, "save stream", err)
	}
	h.state.Streams[eventID] = str
	return nil
}

func (h *Hub) applySetStreamLayout(ctx context.Context, m domain.Mutation) error {
	str, ok := h.state.Streams[m.StreamID]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("stream for event %d", m.StreamID))
	}
	if m.RequestedLayout != "" {
		str.RequestedLayout = m.RequestedLayout
	}
	if m.SlotAssignments != nil {
		str.StreamRunners = m.SlotAssignments
	}
	host, ok := h.state.Hosts[str.ObsHost]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("host %q", str.ObsHost))
	}
	if err := validateStreamAgainstInvariants(str, h.state.Events[m.StreamID], host); err != nil {
		return err
	}
	if err := h.store.SaveStream(ctx, &str); err != nil {
		return domain.Wrap(domain.ErrStore, "save stream", err)
	}
	h.state.Streams[m.StreamID] = str
	return nil
}

// desiredFor builds the DesiredState notification payload for a Stream's
// host after a successful mutation, so the Hub can push a read-only
// desired_changed event to that Host Reconciler (spec.md §4.2).
func (h *Hub) desiredFor(eventID int64) (hostName string, desired DesiredState, ok bool) {
	str, exists := h.state.Streams[eventID]
	if !exists {
		return "", DesiredState{}, false
	}
	return str.ObsHost, DesiredState{
		RequestedLayout: str.RequestedLayout,
		StreamRunners:   str.StreamRunners,
		AudibleRunner:   str.AudibleRunner,
	}, true
}

// desiredForHost builds a host-level DesiredState notification carrying the
// operator's requested streaming flag (spec.md §6.1 "PUT /hosts toggles
// streaming"), merged with that host's current Stream layout if one is
// bound so the Reconciler handles both in a single diff pass.
func (h *Hub) desiredForHost(hostName string) (string, DesiredState, bool) {
	host, ok := h.state.Hosts[hostName]
	if !ok {
		return "", DesiredState{}, false
	}
	for eventID, str := range h.state.Streams {
		if str.ObsHost != hostName {
			continue
		}
		_, desired, _ := h.desiredFor(eventID)
		desired.Streaming = host.Streaming
		return hostName, desired, true
	}
	return hostName, DesiredState{Streaming: host.Streaming}, true
}

func (h *Hub) applySetTimer(ctx context.Context, m domain.Mutation) error {
	event, ok := h.state.Events[m.EventID]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("event %d", m.EventID))
	}
	if m.TimerStartEpochMs != nil {
		event.TimerStartEpochMs = *m.TimerStartEpochMs
	}
	if m.TimerEndEpochMs != nil {
		event.TimerEndEpochMs = *m.TimerEndEpochMs
	}
	if event.TimerStartEpochMs != 0 && event.TimerEndEpochMs != 0 && event.TimerEndEpochMs < event.TimerStartEpochMs {
		return domain.Invariantf("timer_end_epoch_ms %d < timer_start_epoch_ms %d", event.TimerEndEpochMs, event.TimerStartEpochMs)
	}
	if err := h.store.SaveEvent(ctx, &event); err != nil {
		return domain.Wrap(domain.ErrStore, "save event", err)
	}
	h.state.Events[m.EventID] = event
	return nil
}

func (h *Hub) applySetCustomField(ctx context.Context, key, value string) error {
	if key == "" {
		return domain.NewError(domain.ErrBadRequest, "custom field key required")
	}
	if err := h.store.SetCustomField(ctx, key, value); err != nil {
		return domain.Wrap(domain.ErrStore, "save custom field", err)
	}
	h.state.CustomFields[key] = value
	return nil
}

func (h *Hub) applySetVoiceGain(ctx context.Context, hostName, userID string, gain int) error {
	host, ok := h.state.Hosts[hostName]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("host %q", hostName))
	}
	vu, ok := host.VoiceUsers[userID]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("voice user %q on host %q", userID, hostName))
	}
	vu.GainPercent = gain
	if host.VoiceUsers == nil {
		host.VoiceUsers = make(map[string]domain.VoiceUser)
	}
	host.VoiceUsers[userID] = vu
	if err := h.store.SaveHost(ctx, &host); err != nil {
		return domain.Wrap(domain.ErrStore, "save host", err)
	}
	h.state.Hosts[hostName] = host
	return nil
}

func (h *Hub) applyClaimLock(ctx context.Context, editor string) error {
	if editor == "" {
		return domain.NewError(domain.ErrBadRequest, "lock editor required")
	}
	now := nowEpochMs()
	lock := h.state.Lock
	if lock.Editor != "" && lock.Editor != editor && now-lock.HeartbeatEpochMs <= idleTakeoverMs {
		return domain.NewError(domain.ErrNotLockHolder, fmt.Sprintf("held by %q", lock.Editor))
	}
	lock.Editor = editor
	lock.HeartbeatEpochMs = now
	if err := h.store.SaveLock(ctx, lock); err != nil {
		return domain.Wrap(domain.ErrStore, "save lock", err)
	}
	h.state.Lock = lock
	return nil
}

func (h *Hub) applyReleaseLock(ctx context.Context, editor string) error {
	if editor != "" && h.state.Lock.Editor != editor {
		return domain.NewError(domain.ErrNotLockHolder, fmt.Sprintf("held by %q", h.state.Lock.Editor))
	}
	lock := domain.LockState{Editor: "", HeartbeatEpochMs: nowEpochMs()}
	if err := h.store.SaveLock(ctx, lock); err != nil {
		return domain.Wrap(domain.ErrStore, "save lock", err)
	}
	h.state.Lock = lock
	return nil
}

// idleTakeoverMs is the heartbeat staleness threshold after which any
// claimant may take the lock (spec.md §4.6).
const idleTakeoverMs = 60_000
