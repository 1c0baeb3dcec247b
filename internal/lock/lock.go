// Package lock implements the Editor Lock client-side watchdog (spec.md
// §4.6): a heartbeat ticker that keeps a claimed lock alive and releases
// it when the editor session ends. The
// claim/release/idle-takeover decision itself lives in the Hub
// (internal/hub/apply.go's applyClaimLock/applyReleaseLock), generalized
// from the teacher's lowest-ID-wins room ownership
// (room.go's ClaimOwnership/TransferOwnership) into heartbeat-timeout
// takeover; this package is the thing that calls into it on a schedule.
package lock

import (
	"context"
	"log/slog"
	"time"

	"automarathon/internal/domain"
)

// HeartbeatInterval is how often a held lock's session refreshes its
// heartbeat, well under the Hub's 60s idle-takeover threshold.
const HeartbeatInterval = 15 * time.Second

// Applier is the subset of Hub a Watchdog needs: submit a mutation and
// get back the error, if any.
type Applier interface {
	Apply(ctx context.Context, m domain.Mutation) (domain.Result, error)
}

// Watchdog periodically re-claims (heartbeats) a lock on behalf of an
// editor session, and releases it when the session ends.
type Watchdog struct {
	hub    Applier
	editor string

	cancel context.CancelFunc
}

// Start begins heartbeating editor's claim every HeartbeatInterval until
// Stop is called or ctx is canceled. The initial claim is attempted
// immediately and its error, if any, is returned.
func Start(ctx context.Context, hub Applier, editor string) (*Watchdog, error) {
	if _, err := hub.Apply(ctx, domain.Mutation{Kind: domain.MutClaimLock, LockEditor: editor}); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w := &Watchdog{hub: hub, editor: editor, cancel: cancel}
	go w.run(runCtx)
	return w, nil
}

func (w *Watchdog) run(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.hub.Apply(ctx, domain.Mutation{Kind: domain.MutClaimLock, LockEditor: w.editor}); err != nil {
				slog.Warn("lock heartbeat failed", "editor", w.editor, "err", err)
			}
		}
	}
}

// Stop releases the lock (if still held by this editor) and ends the
// heartbeat loop.
func (w *Watchdog) Stop(ctx context.Context) {
	w.cancel()
	if _, err := w.hub.Apply(ctx, domain.Mutation{Kind: domain.MutReleaseLock, LockEditor: w.editor}); err != nil {
		slog.Debug("lock release on stop failed, likely already taken over", "editor", w.editor, "err", err)
	}
}
