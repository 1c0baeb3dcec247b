package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"automarathon/internal/domain"

	"github.com/gorilla/websocket"
)

// fakeHub is a minimal in-memory stand-in for *hub.Hub, just enough to
// drive the Gateway's mutation and subscription plumbing in tests.
type fakeHub struct {
	mu        sync.Mutex
	state     *domain.AMState
	lastMut   domain.Mutation
	applyErr  error
	nextID    int64
	stateSubs map[chan *domain.AMState]struct{}
	lockSubs  map[chan domain.LockState]struct{}
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		state:     domain.NewAMState(),
		stateSubs: make(map[chan *domain.AMState]struct{}),
		lockSubs:  make(map[chan domain.LockState]struct{}),
	}
}

func (f *fakeHub) Apply(ctx context.Context, m domain.Mutation) (domain.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMut = m
	if f.applyErr != nil {
		return domain.Result{}, f.applyErr
	}
	var assigned int64
	switch m.Kind {
	case domain.MutCreatePerson:
		f.nextID++
		assigned = f.nextID
		p := *m.Person
		p.ID = assigned
		f.state.People[assigned] = p
	case domain.MutClaimLock:
		f.state.Lock = domain.LockState{Editor: m.LockEditor, HeartbeatEpochMs: 1}
	case domain.MutReleaseLock:
		f.state.Lock = domain.LockState{}
	}
	snap := f.state.Clone()
	for ch := range f.stateSubs {
		select {
		case ch <- snap:
		default:
		}
	}
	for ch := range f.lockSubs {
		select {
		case ch <- snap.Lock:
		default:
		}
	}
	return domain.Result{Snapshot: snap, AssignedID: assigned}, nil
}

func (f *fakeHub) Snapshot() *domain.AMState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Clone()
}

func (f *fakeHub) SubscribeState() chan *domain.AMState {
	ch := make(chan *domain.AMState, 1)
	f.mu.Lock()
	f.stateSubs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *fakeHub) UnsubscribeState(ch chan *domain.AMState) {
	f.mu.Lock()
	delete(f.stateSubs, ch)
	f.mu.Unlock()
}

func (f *fakeHub) SubscribeLock() chan domain.LockState {
	ch := make(chan domain.LockState, 1)
	f.mu.Lock()
	f.lockSubs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *fakeHub) UnsubscribeLock(ch chan domain.LockState) {
	f.mu.Lock()
	delete(f.lockSubs, ch)
	f.mu.Unlock()
}

func newTestServer(t *testing.T, hub *fakeHub) *httptest.Server {
	t.Helper()
	srv, err := New(hub, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, newFakeHub())
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestCreatePersonAppliesMutation(t *testing.T) {
	hub := newFakeHub()
	ts := newTestServer(t, hub)

	body := `{"name":"Alice"}`
	resp, err := http.Post(ts.URL+"/participant", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /participant: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if hub.lastMut.Kind != domain.MutCreatePerson || hub.lastMut.Person.Name != "Alice" {
		t.Fatalf("unexpected mutation: %+v", hub.lastMut)
	}
}

func TestCreatePersonRejectsMissingName(t *testing.T) {
	ts := newTestServer(t, newFakeHub())

	resp, err := http.Post(ts.URL+"/participant", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /participant: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var eb errorBody
	if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if eb.Kind != string(domain.ErrBadRequest) {
		t.Fatalf("expected ERR_BAD_REQUEST, got %q", eb.Kind)
	}
}

func TestStreamRejectedWhenLockHeldByOther(t *testing.T) {
	hub := newFakeHub()
	hub.state.Lock = domain.LockState{Editor: "alice", HeartbeatEpochMs: 1}
	ts := newTestServer(t, hub)

	streamBody := `{"event":1,"obs_host":"host-a","requested_layout":"Solo"}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/stream", bytes.NewReader([]byte(streamBody)))
	req.Header.Set("X-Editor-Name", "bob")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestStreamAllowedWhenEditorMatchesLock(t *testing.T) {
	hub := newFakeHub()
	hub.state.Lock = domain.LockState{Editor: "alice", HeartbeatEpochMs: 1}
	ts := newTestServer(t, hub)

	streamBody := `{"event":1,"obs_host":"host-a","requested_layout":"Solo"}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/stream", bytes.NewReader([]byte(streamBody)))
	req.Header.Set("X-Editor-Name", "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if hub.lastMut.Kind != domain.MutCreateStream {
		t.Fatalf("unexpected mutation: %+v", hub.lastMut)
	}
}

func TestStreamAllowedWhenLockIsFree(t *testing.T) {
	hub := newFakeHub()
	ts := newTestServer(t, hub)

	streamBody := `{"event":1,"obs_host":"host-a","requested_layout":"Solo"}`
	resp, err := http.Post(ts.URL+"/stream", "application/json", strings.NewReader(streamBody))
	if err != nil {
		t.Fatalf("POST /stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestCommandExecutesSlashCommand(t *testing.T) {
	hub := newFakeHub()
	ts := newTestServer(t, hub)

	resp, err := http.Post(ts.URL+"/command", "application/json", strings.NewReader(`{"line":"/live host-a"}`))
	if err != nil {
		t.Fatalf("POST /command: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if hub.lastMut.Kind != domain.MutSetStreaming || hub.lastMut.Host != "host-a" {
		t.Fatalf("unexpected mutation: %+v", hub.lastMut)
	}
}

func TestTimerStart(t *testing.T) {
	hub := newFakeHub()
	ts := newTestServer(t, hub)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/timer", strings.NewReader(`{"event":7,"action":"start"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /timer: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if hub.lastMut.Kind != domain.MutSetTimer || hub.lastMut.EventID != 7 {
		t.Fatalf("unexpected mutation: %+v", hub.lastMut)
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestWSSendsSnapshotOnConnect(t *testing.T) {
	ts := newTestServer(t, newFakeHub())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if msg["type"] != "snapshot" {
		t.Fatalf("expected snapshot message, got %+v", msg)
	}
}

func TestLockWSClaimAppliesMutation(t *testing.T) {
	hub := newFakeHub()
	ts := newTestServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/ws/dashboard-editor", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initial map[string]interface{}
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("read initial lock: %v", err)
	}

	claim := map[string]interface{}{
		"type": "claim",
		"lock": map[string]interface{}{"editor": "carol", "heartbeat_epoch_ms": 1},
	}
	if err := conn.WriteJSON(claim); err != nil {
		t.Fatalf("write claim: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		k := hub.lastMut.Kind
		editor := hub.lastMut.LockEditor
		hub.mu.Unlock()
		if k == domain.MutClaimLock && editor == "carol" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for claim_lock mutation")
}
