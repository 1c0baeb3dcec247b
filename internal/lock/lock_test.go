package lock

import (
	"context"
	"testing"
	"time"

	"automarathon/internal/domain"
)

type fakeHub struct {
	claims   int
	releases int
	failNext bool
}

func (f *fakeHub) Apply(ctx context.Context, m domain.Mutation) (domain.Result, error) {
	if f.failNext {
		f.failNext = false
		return domain.Result{}, domain.NewError(domain.ErrNotLockHolder, "held by someone else")
	}
	switch m.Kind {
	case domain.MutClaimLock:
		f.claims++
	case domain.MutReleaseLock:
		f.releases++
	}
	return domain.Result{}, nil
}

func TestStartClaimsImmediately(t *testing.T) {
	h := &fakeHub{}
	w, err := Start(context.Background(), h, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(context.Background())

	if h.claims != 1 {
		t.Fatalf("expected 1 immediate claim, got %d", h.claims)
	}
}

func TestStartFailsIfInitialClaimRejected(t *testing.T) {
	h := &fakeHub{failNext: true}
	if _, err := Start(context.Background(), h, "bob"); err == nil {
		t.Fatalf("expected error when initial claim is rejected")
	}
}

func TestStopReleasesLock(t *testing.T) {
	h := &fakeHub{}
	w, err := Start(context.Background(), h, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	w.Stop(context.Background())
	if h.releases != 1 {
		t.Fatalf("expected 1 release on stop, got %d", h.releases)
	}
}

func TestHeartbeatIntervalIsWellUnderIdleTakeover(t *testing.T) {
	if HeartbeatInterval >= 60*time.Second {
		t.Fatalf("heartbeat interval %v must stay well under the 60s idle takeover window", HeartbeatInterval)
	}
}
