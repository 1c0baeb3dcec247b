// Package timer implements the Timer Service (spec.md §4.8): per-event
// start/end epoch persistence only. Per SPEC_FULL.md's decision on Open
// Question a, there is no server-side pause ledger — start/stop are the
// only two transitions, matching the teacher's preference for simple
// field mutations over stateful session tracking.
package timer

import (
	"context"

	"automarathon/internal/domain"
)

// Applier is the subset of Hub a timer command needs.
type Applier interface {
	Apply(ctx context.Context, m domain.Mutation) (domain.Result, error)
}

// Start records timer_start_epoch_ms for an event; timer_end_epoch_ms is
// left unchanged.
func Start(ctx context.Context, hub Applier, eventID int64, nowMs int64) error {
	_, err := hub.Apply(ctx, domain.Mutation{
		Kind:              domain.MutSetTimer,
		EventID:           eventID,
		TimerStartEpochMs: &nowMs,
	})
	return err
}

// Stop records timer_end_epoch_ms for an event. The Hub enforces
// timer_end_epoch_ms >= timer_start_epoch_ms (spec.md §3 invariant 5).
func Stop(ctx context.Context, hub Applier, eventID int64, nowMs int64) error {
	_, err := hub.Apply(ctx, domain.Mutation{
		Kind:              domain.MutSetTimer,
		EventID:           eventID,
		TimerEndEpochMs:   &nowMs,
	})
	return err
}
