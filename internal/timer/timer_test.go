package timer

import (
	"context"
	"testing"

	"automarathon/internal/domain"
)

type fakeHub struct {
	last domain.Mutation
}

func (f *fakeHub) Apply(ctx context.Context, m domain.Mutation) (domain.Result, error) {
	f.last = m
	return domain.Result{}, nil
}

func TestStartSetsTimerStart(t *testing.T) {
	h := &fakeHub{}
	if err := Start(context.Background(), h, 5, 1000); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.last.Kind != domain.MutSetTimer || h.last.EventID != 5 {
		t.Fatalf("unexpected mutation: %+v", h.last)
	}
	if h.last.TimerStartEpochMs == nil || *h.last.TimerStartEpochMs != 1000 {
		t.Fatalf("expected timer start 1000, got %+v", h.last.TimerStartEpochMs)
	}
	if h.last.TimerEndEpochMs != nil {
		t.Fatalf("expected no end time set on start")
	}
}

func TestStopSetsTimerEnd(t *testing.T) {
	h := &fakeHub{}
	if err := Stop(context.Background(), h, 5, 2000); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.last.TimerEndEpochMs == nil || *h.last.TimerEndEpochMs != 2000 {
		t.Fatalf("expected timer end 2000, got %+v", h.last.TimerEndEpochMs)
	}
	if h.last.TimerStartEpochMs != nil {
		t.Fatalf("expected no start time touched on stop")
	}
}
