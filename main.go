package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"automarathon/internal/compositor"
	"automarathon/internal/domain"
	"automarathon/internal/gateway"
	"automarathon/internal/hub"
	"automarathon/internal/ingest"
	"automarathon/internal/mixer"
	"automarathon/internal/reconciler"
	"automarathon/internal/session"
	"automarathon/internal/store"
	"automarathon/internal/voice"
)

// Exit codes, spec.md §6.6.
const (
	exitOK           = 0
	exitBadConfig    = 2
	exitStoreInit    = 3
	exitPortBindFail = 4
)

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], "automarathon.db") {
			return
		}
	}

	cfg, err := resolveConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(exitBadConfig)
	}
	installLogger(cfg.LogLevel)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("store open failed", "err", err)
		os.Exit(exitStoreInit)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := ingest.NewResolver(cfg.ResolverURL)
	pool := ingest.NewPool(resolver)

	h, err := hub.New(ctx, st, pool)
	if err != nil {
		slog.Error("hub init failed", "err", err)
		os.Exit(exitStoreInit)
	}
	go h.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	var validator *session.Validator
	if cfg.SessionSecret != "" {
		validator = session.New(cfg.SessionSecret)
	} else {
		slog.Warn("no session secret configured, the gateway will accept unauthenticated requests")
	}

	voiceHostname := ""
	if host, _, err := net.SplitHostPort(cfg.VoiceBridgeAddr); err == nil && host != "" {
		voiceHostname = host
	}
	tlsConfig, fingerprint, err := generateTLSConfig(cfg.CertValidity, voiceHostname)
	if err != nil {
		slog.Error("tls config failed", "err", err)
		os.Exit(exitBadConfig)
	}
	slog.Info("tls certificate generated", "fingerprint", fingerprint)

	bridge := voice.New(cfg.VoiceBridgeAddr, tlsConfig)
	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("voice bridge stopped", "err", err)
		}
	}()

	actors := newHostActorSet()
	for _, hc := range cfg.Hosts {
		startHostActors(ctx, hc, h, pool, bridge, actors)
	}

	go RunMetrics(ctx, h, actors.snapshot(), 5*time.Second)

	srv, err := gateway.New(h, validator)
	if err != nil {
		slog.Error("gateway init failed", "err", err)
		os.Exit(exitBadConfig)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	if err := srv.Run(ctx, addr); err != nil {
		slog.Error("gateway server failed", "err", err)
		os.Exit(exitPortBindFail)
	}
}

func installLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// hostActorSet tracks each configured host's Reconciler and (once its audio
// sink dial succeeds) Mixer, so RunMetrics can report on whatever is live
// without main.go blocking startup on every host being reachable.
type hostActorSet struct {
	mu   sync.Mutex
	byHost map[string]hostActors
}

func newHostActorSet() *hostActorSet {
	return &hostActorSet{byHost: make(map[string]hostActors)}
}

func (s *hostActorSet) set(host string, a hostActors) {
	s.mu.Lock()
	s.byHost[host] = a
	s.mu.Unlock()
}

func (s *hostActorSet) snapshot() map[string]hostActors {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]hostActors, len(s.byHost))
	for k, v := range s.byHost {
		out[k] = v
	}
	return out
}

// startHostActors wires one configured host's Reconciler (compositor
// control) and Mixer (audio sink), per spec.md §4.2 and §4.4. The sink
// dial happens in the background with its own retry loop so one
// unreachable host never blocks the others or the gateway from starting.
func startHostActors(ctx context.Context, hc HostConfig, h *hub.Hub, pool *ingest.Pool, bridge *voice.Bridge, actors *hostActorSet) {
	client := compositor.New(hc.CompositorURL)
	rec := reconciler.New(hc.Name, client, h, resolvedURLFunc(h))
	actors.set(hc.Name, hostActors{Reconciler: rec})
	go rec.Run(ctx)

	voiceCh := voiceBedChannel(ctx, bridge)

	go func() {
		sink := dialSinkWithRetry(ctx, hc.Name, hc.AudioSinkURL)
		if sink == nil {
			return // ctx canceled before a sink connection succeeded
		}
		mx := mixer.New(hc.Name, sink, voiceCh)
		actors.set(hc.Name, hostActors{Reconciler: rec, Mixer: mx})
		go runAudioWiring(ctx, hc.Name, h, pool, mx)
		mx.Run(ctx)
	}()
}

// dialSinkWithRetry dials a host's WebTransport audio-sink endpoint,
// retrying with a fixed backoff until ctx is canceled. Mirrors the
// Reconciler's own "tolerate disconnects" posture (spec.md §4.2) for the
// audio sink session instead of the control channel.
func dialSinkWithRetry(ctx context.Context, host, url string) *mixer.Sink {
	if url == "" {
		slog.Warn("no audio sink url configured, mixer output is dropped", "host", host)
		return nil
	}
	dialer := &webtransport.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec — self-signed host cert
		QUICConfig:      &quic.Config{EnableDatagrams: true},
	}
	for {
		sink, err := mixer.DialSink(ctx, dialer, host, url)
		if err == nil {
			return sink
		}
		slog.Warn("mixer sink dial failed, retrying", "host", host, "err", err)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return nil
		}
	}
}

// voiceBedChannel adapts Bridge.VoicePCM's pull-based accessor into the
// push channel mixer.New expects, sampled once per mixer block.
func voiceBedChannel(ctx context.Context, bridge *voice.Bridge) <-chan ingest.Frame {
	ch := make(chan ingest.Frame, 1)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case ch <- bridge.VoicePCM():
				default:
				}
			}
		}
	}()
	return ch
}

// resolvedURLFunc looks up a runner's most recently resolved media URL
// for the Reconciler to hand the compositor (spec.md §4.2 step 2). The
// Hub refreshes Runner.ResolvedURLs via MutRefreshRunnerURLs, which merges
// the resolver's answer back in with MutSetResolvedURLs; this
// just reads the Hub's current snapshot rather than tracking its own copy.
func resolvedURLFunc(h *hub.Hub) func(int64) string {
	return func(runnerID int64) string {
		r, ok := h.Snapshot().Runners[runnerID]
		if !ok {
			return ""
		}
		if r.OverrideStreamURL != "" {
			return r.OverrideStreamURL
		}
		for _, url := range r.ResolvedURLs {
			return url
		}
		return r.StreamURL
	}
}

// runAudioWiring keeps one host's Mixer inputs in sync with the Hub's
// current Stream for that host, acquiring and releasing Ingest Pool
// consumers by reference count as runners are added to or removed from
// the layout (spec.md §4.3 "shared by reference count").
func runAudioWiring(ctx context.Context, host string, h *hub.Hub, pool *ingest.Pool, mx *mixer.Mixer) {
	sub := h.SubscribeState()
	defer h.UnsubscribeState(sub)

	consumers := make(map[int64]*ingest.Consumer)
	applyState(ctx, host, h.Snapshot(), pool, mx, consumers)

	for {
		select {
		case <-ctx.Done():
			for runnerID, c := range consumers {
				pool.Release(runnerID, c)
			}
			return
		case state, ok := <-sub:
			if !ok {
				return
			}
			applyState(ctx, host, state, pool, mx, consumers)
		}
	}
}

func applyState(ctx context.Context, host string, state *domain.AMState, pool *ingest.Pool, mx *mixer.Mixer, consumers map[int64]*ingest.Consumer) {
	var str *domain.Stream
	for _, s := range state.Streams {
		if s.ObsHost == host {
			sc := s
			str = &sc
			break
		}
	}
	if str == nil {
		for runnerID, c := range consumers {
			pool.Release(runnerID, c)
			delete(consumers, runnerID)
		}
		mx.SetInputs(nil)
		return
	}

	wanted := make(map[int64]struct{}, len(str.StreamRunners))
	for _, runnerID := range str.StreamRunners {
		wanted[runnerID] = struct{}{}
	}
	for runnerID, c := range consumers {
		if _, ok := wanted[runnerID]; !ok {
			pool.Release(runnerID, c)
			delete(consumers, runnerID)
		}
	}

	inputs := make([]mixer.RunnerInput, 0, len(str.StreamRunners))
	for _, runnerID := range str.StreamRunners {
		runner, ok := state.Runners[runnerID]
		if !ok {
			continue
		}
		c, ok := consumers[runnerID]
		if !ok {
			handle := runner.TheRunHandle
			if handle == "" {
				handle = runner.StreamURL
			}
			acquired, err := pool.Acquire(ctx, runnerID, handle)
			if err != nil {
				slog.Warn("ingest pool acquire failed", "host", host, "runner", runnerID, "err", err)
				continue
			}
			c = acquired
			consumers[runnerID] = c
		}
		inputs = append(inputs, mixer.RunnerInput{
			RunnerID:  runnerID,
			Consumer:  c,
			GainPct:   runner.StreamVolumePct,
			IsAudible: str.AudibleRunner != nil && *str.AudibleRunner == runnerID,
		})
	}
	mx.SetInputs(inputs)
}
