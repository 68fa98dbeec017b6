package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/breaker"
	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/store"
	"github.com/BTreeMap/HuntPipe/internal/testutil"
)

func setup(t *testing.T, opts ...Option) (*store.SQLiteStore, *Manager, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(testutil.Base)
	st := testutil.NewSQLiteStore(t, store.WithClock(clock.Now))
	m := NewManager(st, opts...)
	m.SetClock(clock.Now)
	return st, m, clock
}

func queueStubs(t *testing.T, st store.StubRepo, clock *testutil.Clock, tenantID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, created, err := st.InsertStub(testutil.TenantCtx(tenantID), models.Stub{
			Address:   tenantID + "@in.example.com",
			HistoryID: fmt.Sprintf("h-%d", i),
			QueuedAt:  clock.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil || !created {
			t.Fatalf("InsertStub failed: created=%v err=%v", created, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(nil, WithLeaseTimeout(0), WithMaxAttempts(-1))
	cfg := m.Config()
	if cfg.LeaseTimeout != DefaultLeaseTimeout {
		t.Errorf("LeaseTimeout = %v, want %v", cfg.LeaseTimeout, DefaultLeaseTimeout)
	}
	if cfg.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", cfg.MaxAttempts, DefaultMaxAttempts)
	}
}

func TestClaimBatchOrderAndLimit(t *testing.T) {
	st, m, clock := setup(t)
	ids := queueStubs(t, st, clock, "acme", 5)
	ctx := testutil.PlatformCtx()

	if _, err := m.ClaimBatch(ctx, 0); err == nil {
		t.Error("expected error for zero limit")
	}

	stubs, err := m.ClaimBatch(ctx, 3)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(stubs) != 3 {
		t.Fatalf("expected 3 stubs, got %d", len(stubs))
	}
	for i, s := range stubs {
		if s.ID != ids[i] {
			t.Errorf("stub %d: got %s, want %s", i, s.ID, ids[i])
		}
		if s.Status != models.StubStatusProcessing || s.Attempts != 1 || s.ClaimedAt == nil {
			t.Errorf("stub %d not claimed: %+v", i, s)
		}
	}

	rest, err := m.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("expected remaining 2 stubs, got %d", len(rest))
	}
}

func TestClaimBatchConcurrentNoDuplicates(t *testing.T) {
	st, m, clock := setup(t)
	queueStubs(t, st, clock, "acme", 20)
	queueStubs(t, st, clock, "globex", 20)

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				stubs, err := m.ClaimBatch(testutil.PlatformCtx(), 3)
				if err != nil {
					t.Errorf("ClaimBatch failed: %v", err)
					return
				}
				if len(stubs) == 0 {
					return
				}
				mu.Lock()
				for _, s := range stubs {
					seen[s.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 40 {
		t.Errorf("expected 40 distinct stubs, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("stub %s claimed %d times", id, n)
		}
	}
}

func TestLeaseExpiryAndLostLease(t *testing.T) {
	st, m, clock := setup(t)
	queueStubs(t, st, clock, "acme", 1)
	ctx := testutil.PlatformCtx()

	first, err := m.ClaimBatch(ctx, 1)
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim: %v %v", first, err)
	}

	clock.Advance(DefaultLeaseTimeout - time.Second)
	if again, _ := m.ClaimBatch(ctx, 1); len(again) != 0 {
		t.Fatalf("stub reclaimed before lease expiry")
	}

	clock.Advance(2 * time.Second)
	second, err := m.ClaimBatch(ctx, 1)
	if err != nil || len(second) != 1 {
		t.Fatalf("second claim: %v %v", second, err)
	}
	if second[0].ID != first[0].ID || second[0].Attempts != 2 {
		t.Errorf("expected same stub with attempts 2, got %+v", second[0])
	}

	if err := m.CompleteLease(ctx, first[0]); !errors.Is(err, store.ErrLeaseLost) {
		t.Errorf("stale CompleteLease: expected ErrLeaseLost, got %v", err)
	}
	if _, err := m.FailLease(ctx, first[0], errors.New("late")); !errors.Is(err, store.ErrLeaseLost) {
		t.Errorf("stale FailLease: expected ErrLeaseLost, got %v", err)
	}
	if err := m.CompleteLease(ctx, second[0]); err != nil {
		t.Fatalf("CompleteLease failed: %v", err)
	}
	if err := m.Complete(ctx, second[0].ID); err != nil {
		t.Errorf("repeat Complete should be a no-op, got %v", err)
	}
}

func TestFailRetriesThenExhausts(t *testing.T) {
	st, m, clock := setup(t, WithMaxAttempts(2))
	queueStubs(t, st, clock, "acme", 1)
	ctx := testutil.PlatformCtx()

	stubs, _ := m.ClaimBatch(ctx, 1)
	outcome, err := m.FailLease(ctx, stubs[0], errors.New("fetch timeout"))
	if err != nil {
		t.Fatalf("FailLease failed: %v", err)
	}
	if outcome != OutcomeRetried {
		t.Errorf("expected retried, got %s", outcome)
	}

	stubs, _ = m.ClaimBatch(ctx, 1)
	if len(stubs) != 1 {
		t.Fatalf("expected retried stub to be claimable")
	}
	outcome, err = m.Fail(ctx, stubs[0].ID, errors.New("parse error"))
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if outcome != OutcomeExhausted {
		t.Errorf("expected exhausted, got %s", outcome)
	}

	got, err := st.GetStub(ctx, stubs[0].ID)
	if err != nil {
		t.Fatalf("GetStub failed: %v", err)
	}
	if got.Status != models.StubStatusFailed || got.Error != "parse error" {
		t.Errorf("unexpected final stub: %+v", got)
	}
	if again, _ := m.ClaimBatch(ctx, 1); len(again) != 0 {
		t.Error("failed stub must not be claimed again")
	}
}

func TestReapExhaustsExpiredLease(t *testing.T) {
	st, m, clock := setup(t, WithMaxAttempts(1), WithLeaseTimeout(time.Minute))
	queueStubs(t, st, clock, "acme", 1)
	ctx := testutil.PlatformCtx()

	stubs, _ := m.ClaimBatch(ctx, 1)
	clock.Advance(2 * time.Minute)

	res, err := m.Reap(ctx)
	if err != nil {
		t.Fatalf("Reap failed: %v", err)
	}
	if res.Requeued != 0 || res.Exhausted != 1 || res.Expired != 0 {
		t.Errorf("expected 0 requeued/1 exhausted, got %+v", res)
	}
	got, _ := st.GetStub(ctx, stubs[0].ID)
	if got.Status != models.StubStatusFailed || got.Error != "lease expired after 1 attempts" {
		t.Errorf("unexpected reaped stub: %+v", got)
	}
}

func TestBacklogAgeExpiresOldStubs(t *testing.T) {
	st, m, clock := setup(t, WithBacklogAge(time.Hour))
	old := queueStubs(t, st, clock, "acme", 1)
	clock.Advance(2 * time.Hour)
	fresh := queueStubs(t, st, clock, "globex", 1)
	ctx := testutil.PlatformCtx()

	stubs, err := m.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(stubs) != 1 || stubs[0].ID != fresh[0] {
		t.Errorf("expected only the fresh stub, got %+v", stubs)
	}
	got, err := st.GetStub(ctx, old[0])
	if err != nil {
		t.Fatalf("GetStub failed: %v", err)
	}
	if got.Status != models.StubStatusFailed || got.Error != store.BacklogExpiredError || got.ProcessedAt == nil {
		t.Errorf("old stub should be failed with the backlog error: %+v", got)
	}
}

func TestBacklogExpiryClosesBreaker(t *testing.T) {
	st, m, clock := setup(t, WithBacklogAge(time.Hour))
	ctx := testutil.PlatformCtx()
	if _, err := st.SaveBreakerConfig(ctx, models.BreakerConfig{
		WorkerID: breaker.DefaultWorkerID, StaleThreshold: 24 * time.Hour, MaxDepth: 2,
	}); err != nil {
		t.Fatalf("SaveBreakerConfig failed: %v", err)
	}
	brk := breaker.New(st)
	brk.SetClock(clock.Now)

	queueStubs(t, st, clock, "acme", 3)
	if state := brk.Check(ctx); !state.Open || state.Reason != breaker.ReasonQueueDepth {
		t.Fatalf("expected the breaker open on depth, got %+v", state)
	}

	clock.Advance(2 * time.Hour)
	res, err := m.Reap(ctx)
	if err != nil {
		t.Fatalf("Reap failed: %v", err)
	}
	if res.Expired != 3 {
		t.Errorf("expected 3 expired stubs, got %+v", res)
	}
	stats, err := st.StubStats(ctx)
	if err != nil {
		t.Fatalf("StubStats failed: %v", err)
	}
	if stats[models.StubStatusPending] != 0 || stats[models.StubStatusFailed] != 3 {
		t.Errorf("unexpected stub stats: %v", stats)
	}
	if state := brk.Check(ctx); state.Open {
		t.Errorf("breaker should close once the backlog is expired, got %+v", state)
	}
}

func TestFailPermanent(t *testing.T) {
	st, m, clock := setup(t, WithMaxAttempts(5))
	queueStubs(t, st, clock, "acme", 1)
	ctx := testutil.PlatformCtx()

	stubs, err := m.ClaimBatch(ctx, 1)
	if err != nil || len(stubs) != 1 {
		t.Fatalf("ClaimBatch = %v, %v", stubs, err)
	}
	outcome, err := m.FailLease(ctx, stubs[0], Permanent(errors.New("message deleted")))
	if err != nil {
		t.Fatalf("FailLease failed: %v", err)
	}
	if outcome != OutcomeAbandoned {
		t.Errorf("outcome = %s, want %s", outcome, OutcomeAbandoned)
	}
	got, _ := st.GetStub(ctx, stubs[0].ID)
	if got.Status != models.StubStatusFailed || got.Attempts != 1 {
		t.Errorf("permanent failure should fail on the first attempt: %+v", got)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestRunnerPoll(t *testing.T) {
	st, m, clock := setup(t)
	ids := queueStubs(t, st, clock, "acme", 3)

	var handled []string
	handler := func(ctx context.Context, stub models.Stub) error {
		handled = append(handled, stub.ID)
		if stub.ID == ids[1] && stub.Attempts == 1 {
			return errors.New("fetch failed")
		}
		return nil
	}
	r := NewRunner(m, st, handler, "ingest-worker", time.Second)
	ctx := testutil.PlatformCtx()

	if n := r.poll(ctx); n != 3 {
		t.Fatalf("expected 3 handled, got %d", n)
	}
	if len(handled) != 3 {
		t.Errorf("handler called %d times", len(handled))
	}

	for i, want := range []models.StubStatus{models.StubStatusCompleted, models.StubStatusPending, models.StubStatusCompleted} {
		got, err := st.GetStub(ctx, ids[i])
		if err != nil {
			t.Fatalf("GetStub failed: %v", err)
		}
		if got.Status != want {
			t.Errorf("stub %d: status %s, want %s", i, got.Status, want)
		}
	}

	hb, err := st.GetHeartbeat(ctx, "ingest-worker")
	if err != nil {
		t.Fatalf("GetHeartbeat failed: %v", err)
	}
	if hb.Status != HeartbeatActive || !hb.LastProcessedAt.Equal(clock.Now()) {
		t.Errorf("unexpected heartbeat: %+v", hb)
	}

	clock.Advance(time.Minute)
	if n := r.poll(ctx); n != 1 {
		t.Errorf("expected the retried stub on the second poll, handled %d", n)
	}
	clock.Advance(time.Minute)
	if n := r.poll(ctx); n != 0 {
		t.Errorf("expected idle poll, handled %d", n)
	}
	hb, _ = st.GetHeartbeat(ctx, "ingest-worker")
	if hb.Status != HeartbeatIdle || !hb.LastProcessedAt.Equal(clock.Now()) {
		t.Errorf("idle poll should still refresh heartbeat: %+v", hb)
	}
}

func TestRunnerStopsOnCancel(t *testing.T) {
	st, m, _ := setup(t)
	r := NewRunner(m, st, func(context.Context, models.Stub) error { return nil }, "ingest-worker", 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
