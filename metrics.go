package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"automarathon/internal/hub"
	"automarathon/internal/mixer"
	"automarathon/internal/reconciler"
)

// hostActors bundles one host's Reconciler and Mixer so RunMetrics can log
// both lifecycle state and audio levels together.
type hostActors struct {
	Reconciler *reconciler.Reconciler
	Mixer      *mixer.Mixer
}

// RunMetrics logs per-host reconciler state and mixer levels every
// interval, in the teacher's ticker-driven style (metrics.go's original
// RunMetrics), generalized from one Room's datagram counters to this
// server's per-host actor set.
func RunMetrics(ctx context.Context, h *hub.Hub, hosts map[string]hostActors, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := h.Snapshot()
			slog.Info("metrics tick",
				"uptime", humanize.RelTime(start, time.Now(), "", ""),
				"people", len(snap.People),
				"runners", len(snap.Runners),
				"events", len(snap.Events),
				"streams", len(snap.Streams),
				"lock_editor", snap.Lock.Editor,
			)
			for name, actors := range hosts {
				state := reconciler.State("unknown")
				if actors.Reconciler != nil {
					state = actors.Reconciler.State()
				}
				if actors.Mixer == nil {
					slog.Debug("metrics host", "host", name, "reconciler_state", state)
					continue
				}
				peakDB, rmsDB := actors.Mixer.PeakRMS()
				slog.Info("metrics host",
					"host", name,
					"reconciler_state", state,
					"peak_dbfs", humanize.FtoaWithDigits(peakDB, 1),
					"rms_dbfs", humanize.FtoaWithDigits(rmsDB, 1),
					"speaking", actors.Mixer.Speaking(),
				)
			}
		}
	}
}
