// Package hub implements the State Hub (spec.md §4.1): the single writer of
// the authoritative domain model, with a serialized mutation log and
// coalesced snapshot broadcast to subscribers.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"automarathon/internal/domain"
	"automarathon/internal/ingest"
	"automarathon/internal/store"
)

// SendTimeout bounds how long a snapshot push to one subscriber may block,
// mirroring the teacher's internal/core.SendTimeout.
const SendTimeout = 50 * time.Millisecond

// logRingCapacity bounds the in-memory mutation log (spec.md §4.1 "mutation
// log ring").
const logRingCapacity = 2000

// HostCommand is a read-only notification to a Host Reconciler that its
// desired state changed. The Reconciler owns diffing; the Hub never issues
// compositor commands directly (spec.md §4.2).
type HostCommand struct {
	Host    string
	Desired DesiredState
}

// DesiredState is the subset of Stream that the Reconciler reconciles
// against observed compositor state.
type DesiredState struct {
	RequestedLayout string
	StreamRunners   map[int]int64
	AudibleRunner   *int64
	Streaming       bool // operator's requested streaming flag (spec.md §6.1)
}

// Hub owns the authoritative AMState and serializes all mutations through a
// single goroutine (spec.md §5: "actors run ... single-threaded").
type Hub struct {
	mu    sync.Mutex // guards state and subscriber sets; Apply itself is called from one goroutine by convention
	state *domain.AMState
	store *store.Store

	// pool backs RefreshRunnerUrls' out-of-band re-resolution and atomic
	// decode swap (spec.md §4.3/§6.3): never called synchronously from
	// apply, since resolver errors must not block or fail the mutation.
	pool *ingest.Pool

	stateSubs map[chan *domain.AMState]struct{}
	lockSubs  map[chan domain.LockState]struct{}
	hostSubs  map[string]map[chan HostCommand]struct{}

	logRing []logEntry
	logPos  int
	logFull bool
	nextSeq int64

	applyCh chan applyRequest
	closed  chan struct{}
}

type logEntry struct {
	SeqNo int64
	Kind  domain.MutationKind
	At    int64
}

type applyRequest struct {
	mutation domain.Mutation
	reply    chan applyReply
}

type applyReply struct {
	result domain.Result
	err    error
}

// New constructs a Hub seeded from the Store's persisted state. pool may be
// nil in tests that never issue RefreshRunnerUrls.
func New(ctx context.Context, st *store.Store, pool *ingest.Pool) (*Hub, error) {
	state, err := st.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load initial state: %w", err)
	}
	h := &Hub{
		state:     state,
		store:     st,
		pool:      pool,
		stateSubs: make(map[chan *domain.AMState]struct{}),
		lockSubs:  make(map[chan domain.LockState]struct{}),
		hostSubs:  make(map[string]map[chan HostCommand]struct{}),
		logRing:   make([]logEntry, logRingCapacity),
		applyCh:   make(chan applyRequest, 64),
		closed:    make(chan struct{}),
	}
	return h, nil
}

// Run is the Hub's single-writer message loop. It must be started exactly
// once; Apply calls block on this loop to preserve total mutation order.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.closed)
			return
		case req := <-h.applyCh:
			result, err := h.apply(req.mutation)
			req.reply <- applyReply{result: result, err: err}
		}
	}
}

// Apply submits a mutation to the Hub's serial loop and waits for the
// result. Safe for concurrent callers; ordering is established by the
// single consumer of applyCh.
func (h *Hub) Apply(ctx context.Context, m domain.Mutation) (domain.Result, error) {
	reply := make(chan applyReply, 1)
	select {
	case h.applyCh <- applyRequest{mutation: m, reply: reply}:
	case <-ctx.Done():
		return domain.Result{}, ctx.Err()
	case <-h.closed:
		return domain.Result{}, fmt.Errorf("hub: closed")
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return domain.Result{}, ctx.Err()
	}
}

// Snapshot returns the current state directly (used by HTTP GET-style reads
// and newly-connecting Gateway subscribers before their first push).
func (h *Hub) Snapshot() *domain.AMState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Clone()
}

// SubscribeState registers a state-subscriber channel; buffer size 1
// enforces "at most one pending snapshot per subscriber" (spec.md §4.1).
func (h *Hub) SubscribeState() chan *domain.AMState {
	ch := make(chan *domain.AMState, 1)
	h.mu.Lock()
	h.stateSubs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// UnsubscribeState removes a state-subscriber.
func (h *Hub) UnsubscribeState(ch chan *domain.AMState) {
	h.mu.Lock()
	delete(h.stateSubs, ch)
	h.mu.Unlock()
}

// SubscribeLock registers a lock-subscriber channel.
func (h *Hub) SubscribeLock() chan domain.LockState {
	ch := make(chan domain.LockState, 1)
	h.mu.Lock()
	h.lockSubs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// UnsubscribeLock removes a lock-subscriber.
func (h *Hub) UnsubscribeLock(ch chan domain.LockState) {
	h.mu.Lock()
	delete(h.lockSubs, ch)
	h.mu.Unlock()
}

// SubscribeHost registers a host-commands channel for one Host Reconciler.
func (h *Hub) SubscribeHost(host string) chan HostCommand {
	ch := make(chan HostCommand, 1)
	h.mu.Lock()
	set, ok := h.hostSubs[host]
	if !ok {
		set = make(map[chan HostCommand]struct{})
		h.hostSubs[host] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// UnsubscribeHost removes a host-commands channel.
func (h *Hub) UnsubscribeHost(host string, ch chan HostCommand) {
	h.mu.Lock()
	if set, ok := h.hostSubs[host]; ok {
		delete(set, ch)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcastState() {
	h.mu.Lock()
	snap := h.state.Clone()
	targets := make([]chan *domain.AMState, 0, len(h.stateSubs))
	for ch := range h.stateSubs {
		targets = append(targets, ch)
	}
	h.mu.Unlock()

	sent := 0
	for _, ch := range targets {
		if trySendState(ch, snap) {
			sent++
		}
	}
	slog.Debug("state broadcast", "recipients", sent, "total", len(targets))
}

func (h *Hub) broadcastLock() {
	h.mu.Lock()
	lock := h.state.Lock
	targets := make([]chan domain.LockState, 0, len(h.lockSubs))
	for ch := range h.lockSubs {
		targets = append(targets, ch)
	}
	h.mu.Unlock()

	for _, ch := range targets {
		trySendLock(ch, lock)
	}
}

func (h *Hub) notifyHost(host string, desired DesiredState) {
	h.mu.Lock()
	targets := make([]chan HostCommand, 0, len(h.hostSubs[host]))
	for ch := range h.hostSubs[host] {
		targets = append(targets, ch)
	}
	h.mu.Unlock()

	cmd := HostCommand{Host: host, Desired: desired}
	for _, ch := range targets {
		trySendHostCommand(ch, cmd)
	}
}

func trySendState(ch chan *domain.AMState, msg *domain.AMState) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	// Coalesce: drop any stale pending snapshot before pushing the new one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- msg:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("state trySend timeout")
		return false
	}
}

func trySendLock(ch chan domain.LockState, msg domain.LockState) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- msg:
		return true
	case <-time.After(SendTimeout):
		return false
	}
}

func trySendHostCommand(ch chan HostCommand, msg HostCommand) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- msg:
		return true
	case <-time.After(SendTimeout):
		return false
	}
}
