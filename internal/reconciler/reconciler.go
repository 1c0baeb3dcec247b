// Package reconciler implements the Host Reconciler (spec.md §4.2): the
// per-host actor that drives a compositor's observed scene state toward
// the Hub's desired state, tolerating disconnects and slow compositors.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"automarathon/internal/compositor"
	"automarathon/internal/domain"
	"automarathon/internal/hub"
	"automarathon/internal/protocol"
)

// State is the Reconciler's connection lifecycle (spec.md §4.2
// "State machine").
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSyncing      State = "syncing"
	StateSteady       State = "steady"
	StateReconciling  State = "reconciling"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// observed mirrors the parts of compositor scene state the diff cares
// about: the program scene name and, per slot, the bound source URL and
// mute flag.
type observed struct {
	ProgramScene string
	SourceURL    map[int]string
	SourceMuted  map[int]bool
	Streaming    bool
	FrameRate    float64
}

// Reconciler drives one host's compositor connection.
type Reconciler struct {
	Host   string
	client *compositor.Client
	h      *hub.Hub

	resolvedURL func(runnerID int64) string // looks up a runner's resolved media URL

	mu          sync.Mutex
	state       State
	obs         observed
	lastDesired hub.DesiredState
	lastHash    [32]byte
	attempt     int
}

// New constructs a Reconciler for one host.
func New(host string, client *compositor.Client, h *hub.Hub, resolvedURL func(int64) string) *Reconciler {
	return &Reconciler{
		Host:        host,
		client:      client,
		h:           h,
		resolvedURL: resolvedURL,
		state:       StateDisconnected,
		obs:         observed{SourceURL: map[int]string{}, SourceMuted: map[int]bool{}},
	}
}

// State returns the Reconciler's current lifecycle state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	slog.Info("reconciler state", "host", r.Host, "state", s)
}

// reportConnected tells the Hub whether this host's compositor connection
// is currently live (spec.md §4.2). Best-effort: a failed report just means
// the Hub's Host.Connected lags until the next successful one.
func (r *Reconciler) reportConnected(ctx context.Context, connected bool) {
	r.applyHostStatus(ctx, domain.Mutation{HostConnected: &connected})
}

// applyHostStatus submits a MutUpdateHostStatus mutation carrying whichever
// fields m sets (Kind and Host are filled in here). These are read-only
// observations, so RequestedBy stays empty.
func (r *Reconciler) applyHostStatus(ctx context.Context, m domain.Mutation) {
	m.Kind = domain.MutUpdateHostStatus
	m.Host = r.Host
	if _, err := r.h.Apply(ctx, m); err != nil {
		slog.Debug("reconciler host status report failed", "host", r.Host, "err", err)
	}
}

// Run drives the full lifecycle until ctx is canceled: connect, sync, then
// alternate between steady-state and reconciling as desired/observed
// events arrive.
func (r *Reconciler) Run(ctx context.Context) {
	cmds := r.h.SubscribeHost(r.Host)
	defer r.h.UnsubscribeHost(r.Host, cmds)

	for {
		if ctx.Err() != nil {
			return
		}
		r.setState(StateConnecting)
		if err := r.client.Connect(ctx); err != nil {
			slog.Warn("reconciler connect failed", "host", r.Host, "err", err)
			r.reportConnected(ctx, false)
			if !r.sleepBackoff(ctx) {
				return
			}
			continue
		}
		r.attempt = 0
		r.reportConnected(ctx, true)

		r.setState(StateSyncing)
		if err := r.fullSync(ctx); err != nil {
			slog.Warn("reconciler full sync failed", "host", r.Host, "err", err)
			_ = r.client.Close()
			r.setState(StateDisconnected)
			r.reportConnected(ctx, false)
			if !r.sleepBackoff(ctx) {
				return
			}
			continue
		}

		r.setState(StateSteady)
		if err := r.steadyLoop(ctx, cmds); err != nil {
			slog.Warn("reconciler lost connection", "host", r.Host, "err", err)
		}
		_ = r.client.Close()
		r.setState(StateDisconnected)
		r.reportConnected(ctx, false)
		if !r.sleepBackoff(ctx) {
			return
		}
	}
}

// sleepBackoff waits base*2^attempt capped at backoffCap with full jitter
// (spec.md §4.2 "exponential backoff (base 500 ms, cap 30 s, full jitter)").
// Returns false if ctx was canceled while waiting.
func (r *Reconciler) sleepBackoff(ctx context.Context) bool {
	r.attempt++
	d := backoffBase << uint(min(r.attempt, 10))
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jittered := time.Duration(rand.Int63n(int64(d)))
	select {
	case <-time.After(jittered):
		return true
	case <-ctx.Done():
		return false
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// fullSync pulls the full scene graph after a (re)connect, per spec.md
// §4.2 "re-fetches the full scene graph before issuing further commands".
func (r *Reconciler) fullSync(ctx context.Context) error {
	resp, err := r.client.Call(ctx, protocol.OpGetSceneList, struct{}{})
	if err != nil {
		return fmt.Errorf("get scene list: %w", err)
	}
	var data protocol.SceneListData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return fmt.Errorf("decode scene list: %w", err)
	}

	statusResp, err := r.client.Call(ctx, protocol.OpGetStreamStatus, struct{}{})
	if err != nil {
		return fmt.Errorf("get stream status: %w", err)
	}
	var status protocol.StreamStatusData
	if err := json.Unmarshal(statusResp.Data, &status); err != nil {
		return fmt.Errorf("decode stream status: %w", err)
	}

	r.mu.Lock()
	r.obs.ProgramScene = data.ProgramScene
	r.obs.SourceURL = map[int]string{}
	r.obs.SourceMuted = map[int]bool{}
	r.obs.Streaming = status.Streaming
	r.obs.FrameRate = status.FrameRate
	r.mu.Unlock()

	connected := true
	r.applyHostStatus(ctx, domain.Mutation{
		HostConnected:    &connected,
		HostProgramScene: &data.ProgramScene,
		HostStreaming:    &status.Streaming,
		HostFrameRate:    &status.FrameRate,
	})
	return nil
}

// steadyLoop alternates between waiting for a desired-state change from the
// Hub and a pushed event from the compositor, re-diffing on either.
func (r *Reconciler) steadyLoop(ctx context.Context, cmds chan hub.HostCommand) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-cmds:
			r.mu.Lock()
			r.lastDesired = cmd.Desired
			r.mu.Unlock()
			r.setState(StateReconciling)
			if err := r.reconcile(ctx); err != nil {
				return err
			}
			r.setState(StateSteady)
		case evt, ok := <-r.client.Events:
			if !ok {
				return fmt.Errorf("compositor event channel closed")
			}
			r.applyObservedEvent(ctx, evt)
			r.setState(StateReconciling)
			if err := r.reconcile(ctx); err != nil {
				return err
			}
			r.setState(StateSteady)
		}
	}
}

func (r *Reconciler) applyObservedEvent(ctx context.Context, evt protocol.CompositorEvent) {
	switch evt.Event {
	case protocol.EventProgramSceneChanged:
		var d protocol.SetProgramSceneData
		if err := json.Unmarshal(evt.Data, &d); err != nil {
			return
		}
		r.mu.Lock()
		r.obs.ProgramScene = d.Scene
		r.mu.Unlock()
		r.applyHostStatus(ctx, domain.Mutation{HostProgramScene: &d.Scene})
	case protocol.EventStreamStateChanged:
		var d protocol.StreamStatusData
		if err := json.Unmarshal(evt.Data, &d); err != nil {
			return
		}
		r.mu.Lock()
		r.obs.Streaming = d.Streaming
		r.obs.FrameRate = d.FrameRate
		r.mu.Unlock()
		r.applyHostStatus(ctx, domain.Mutation{HostStreaming: &d.Streaming, HostFrameRate: &d.FrameRate})
	case protocol.EventInputSettingsChanged:
		// Source settings are keyed by name, not slot, on the wire; the
		// reconciler's own writes in reconcile() are authoritative for
		// r.obs.SourceURL, so externally pushed changes only invalidate
		// the idempotence hash via lastHash staying stale until the next
		// full sync rather than being parsed here.
	}
}

// reconcile implements spec.md §4.2's diff in four steps (program scene,
// slot source URLs, audible runner, streaming state). It is idempotent:
// if the hash of (observed, desired) is unchanged since the last run, no
// commands are issued (the "Convergence" edge case).
func (r *Reconciler) reconcile(ctx context.Context) error {
	r.mu.Lock()
	desired := r.lastDesired
	obs := r.obs
	r.mu.Unlock()

	hash := hashState(obs, desired)
	r.mu.Lock()
	unchanged := hash == r.lastHash
	r.mu.Unlock()
	if unchanged {
		slog.Debug("reconciler no-op, state unchanged", "host", r.Host)
		return nil
	}

	// Step 1: program scene.
	if obs.ProgramScene != desired.RequestedLayout && desired.RequestedLayout != "" {
		if _, err := r.client.Call(ctx, protocol.OpSetProgramScene, protocol.SetProgramSceneData{Scene: desired.RequestedLayout}); err != nil {
			return fmt.Errorf("set program scene: %w", err)
		}
		r.mu.Lock()
		r.obs.ProgramScene = desired.RequestedLayout
		r.mu.Unlock()
	}

	// Step 2: per-slot source URL.
	for slot, runnerID := range desired.StreamRunners {
		url := r.resolvedURL(runnerID)
		if url == "" {
			continue
		}
		r.mu.Lock()
		current := r.obs.SourceURL[slot]
		r.mu.Unlock()
		if current == url {
			continue
		}
		source := fmt.Sprintf("slot%d", slot)
		if _, err := r.client.Call(ctx, protocol.OpSetInputSettings, protocol.SetInputSettingsData{Source: source, URL: url}); err != nil {
			return fmt.Errorf("set input settings slot %d: %w", slot, err)
		}
		r.mu.Lock()
		r.obs.SourceURL[slot] = url
		r.mu.Unlock()
	}

	// Step 3: audible runner -> mute every non-audible source.
	for slot, runnerID := range desired.StreamRunners {
		wantMuted := desired.AudibleRunner == nil || *desired.AudibleRunner != runnerID
		r.mu.Lock()
		current := r.obs.SourceMuted[slot]
		r.mu.Unlock()
		if current == wantMuted {
			continue
		}
		source := fmt.Sprintf("slot%d", slot)
		if _, err := r.client.Call(ctx, protocol.OpSetInputMute, protocol.SetInputMuteData{Source: source, Muted: wantMuted}); err != nil {
			return fmt.Errorf("set input mute slot %d: %w", slot, err)
		}
		r.mu.Lock()
		r.obs.SourceMuted[slot] = wantMuted
		r.mu.Unlock()
	}

	// Step 4: start/stop streaming per the operator's requested flag
	// (spec.md §4.2/§6.1 "PUT /hosts toggles streaming").
	if desired.Streaming != obs.Streaming {
		op := protocol.OpStopStream
		if desired.Streaming {
			op = protocol.OpStartStream
		}
		if _, err := r.client.Call(ctx, op, struct{}{}); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		streaming := desired.Streaming
		r.mu.Lock()
		r.obs.Streaming = streaming
		r.mu.Unlock()
		r.applyHostStatus(ctx, domain.Mutation{HostStreaming: &streaming})
	}

	r.mu.Lock()
	r.lastHash = hash
	r.mu.Unlock()
	return nil
}

func hashState(obs observed, desired hub.DesiredState) [32]byte {
	h := blake3.New()
	fmt.Fprintf(h, "scene:%s|layout:%s|streaming:%v\n", obs.ProgramScene, desired.RequestedLayout, desired.Streaming)
	for slot := 1; slot <= len(desired.StreamRunners)+len(obs.SourceURL); slot++ {
		fmt.Fprintf(h, "slot:%d=runner:%d,url:%s,mute:%v\n", slot, desired.StreamRunners[slot], obs.SourceURL[slot], obs.SourceMuted[slot])
	}
	if desired.AudibleRunner != nil {
		fmt.Fprintf(h, "audible:%d\n", *desired.AudibleRunner)
	} else {
		fmt.Fprint(h, "audible:none\n")
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
