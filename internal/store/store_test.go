package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/isolation"
	"github.com/BTreeMap/HuntPipe/internal/models"
)

var base = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "huntpipe_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(tempDir, "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func getenvOrSkip(t *testing.T, key string) string {
	t.Helper()
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := getenvOrSkip(t, "DATABASE_URL")
	s, err := NewPostgresStore(WithPostgresDSN(dsn))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	_, err = s.DB().Exec(`TRUNCATE hunt_matches, cooldown_states, receipts, content_records, load_contents,
		hunt_rules, stubs, rate_windows, worker_heartbeats, breaker_config, quarantine_records,
		audit_events, webhook_deliveries, queue_items, tenants`)
	if err != nil {
		t.Fatalf("failed to reset tables: %v", err)
	}
	return s
}

func countRows(t *testing.T, s Store, table string) int {
	t.Helper()
	db := s.(interface{ DB() *sql.DB }).DB()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		t.Fatalf("count %s failed: %v", table, err)
	}
	return n
}

func tenantCtx(id string) context.Context {
	return isolation.WithTenant(context.Background(), id)
}

func platformCtx() context.Context {
	return isolation.WithPlatform(context.Background(), "test")
}

var storeSuite = []struct {
	name string
	fn   func(t *testing.T, s Store)
}{
	{"StubInsertDedup", testStubInsertDedup},
	{"ConcurrentClaimUnique", testConcurrentClaimUnique},
	{"ClaimTenantScopeFIFO", testClaimTenantScopeFIFO},
	{"LeaseExpiryReclaim", testLeaseExpiryReclaim},
	{"LeaseExhaustion", testLeaseExhaustion},
	{"ConcurrentReap", testConcurrentReap},
	{"FailStub", testFailStub},
	{"SamplePendingBounded", testSamplePendingBounded},
	{"ContentDedup", testContentDedup},
	{"LoadContent", testLoadContent},
	{"CooldownWindow", testCooldownWindow},
	{"CooldownForeignRule", testCooldownForeignRule},
	{"CrossTenantMatchRejected", testCrossTenantMatchRejected},
	{"HuntRuleReassignment", testHuntRuleReassignment},
	{"RateWindows", testRateWindows},
	{"QueueMultiplex", testQueueMultiplex},
	{"QueueLeaseLost", testQueueLeaseLost},
	{"TenantRegistry", testTenantRegistry},
	{"OpsRecords", testOpsRecords},
	{"DeliveryDedup", testDeliveryDedup},
}

func TestSQLiteStoreSuite(t *testing.T) {
	for _, tc := range storeSuite {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newTestSQLiteStore(t))
		})
	}
}

func TestPostgresStoreSuite(t *testing.T) {
	getenvOrSkip(t, "DATABASE_URL")
	for _, tc := range storeSuite {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newTestPostgresStore(t))
		})
	}
}

func insertStub(t *testing.T, s Store, tenant, historyID string, queuedAt time.Time) string {
	t.Helper()
	id, created, err := s.InsertStub(tenantCtx(tenant), models.Stub{
		Address:   "loads+" + tenant + "@in.example.com",
		HistoryID: historyID,
		QueuedAt:  queuedAt,
	})
	if err != nil {
		t.Fatalf("InsertStub failed: %v", err)
	}
	if !created {
		t.Fatalf("Expected stub %s to be created", historyID)
	}
	return id
}

func testStubInsertDedup(t *testing.T, s Store) {
	ctx := tenantCtx("acme")
	stub := models.Stub{Address: "loads+acme@in.example.com", HistoryID: "100"}
	id1, created, err := s.InsertStub(ctx, stub)
	if err != nil || !created {
		t.Fatalf("InsertStub = (%v, %v)", created, err)
	}
	id2, created, err := s.InsertStub(ctx, stub)
	if err != nil {
		t.Fatalf("InsertStub repeat failed: %v", err)
	}
	if created || id2 != id1 {
		t.Errorf("Expected repeat to return %s without creating, got %s created=%v", id1, id2, created)
	}

	got, err := s.GetStub(ctx, id1)
	if err != nil {
		t.Fatalf("GetStub failed: %v", err)
	}
	if got.TenantID != "acme" || got.Status != models.StubStatusPending || got.Attempts != 0 {
		t.Errorf("unexpected stub: %+v", got)
	}
	if _, err := s.GetStub(tenantCtx("globex"), id1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected another tenant to see ErrNotFound, got %v", err)
	}

	if _, _, err := s.InsertStub(context.Background(), models.Stub{TenantID: "acme", Address: "a", HistoryID: "101"}); !errors.Is(err, isolation.ErrIsolationViolation) {
		t.Errorf("Expected violation without session, got %v", err)
	}
	if _, _, err := s.InsertStub(ctx, models.Stub{TenantID: "globex", Address: "a", HistoryID: "102"}); !errors.Is(err, isolation.ErrIsolationViolation) {
		t.Errorf("Expected violation for foreign tenant, got %v", err)
	}
	if n := countRows(t, s, "stubs"); n != 1 {
		t.Errorf("Expected 1 stub row, got %d", n)
	}
	events, err := s.ListAudit(platformCtx(), 10)
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 audit events, got %d", len(events))
	}
}

func testConcurrentClaimUnique(t *testing.T, s Store) {
	const total = 30
	for i := 0; i < total; i++ {
		tenant := "acme"
		if i%2 == 1 {
			tenant = "globex"
		}
		insertStub(t, s, tenant, fmt.Sprint(i), base.Add(time.Duration(i)*time.Second))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := s.ClaimStubs(platformCtx(), base.Add(time.Hour), ClaimOptions{Limit: 4, LeaseTimeout: time.Hour, MaxAttempts: 3})
				if err != nil {
					t.Errorf("ClaimStubs failed: %v", err)
					return
				}
				if len(res.Stubs) == 0 {
					return
				}
				mu.Lock()
				for _, st := range res.Stubs {
					seen[st.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("Expected %d distinct claimed stubs, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("stub %s claimed %d times", id, n)
		}
	}
}

func testConcurrentReap(t *testing.T, s Store) {
	const total = 20
	for i := 0; i < total; i++ {
		insertStub(t, s, "acme", fmt.Sprint(i), base.Add(time.Duration(i)*time.Millisecond))
	}
	opts := ClaimOptions{Limit: total, LeaseTimeout: time.Minute, MaxAttempts: 3}
	if res, err := s.ClaimStubs(platformCtx(), base.Add(time.Second), opts); err != nil || len(res.Stubs) != total {
		t.Fatalf("initial claim = %d stubs, err %v", len(res.Stubs), err)
	}

	var mu sync.Mutex
	requeued := 0
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ReapStaleStubs(platformCtx(), base.Add(time.Hour), opts)
			if err != nil {
				t.Errorf("ReapStaleStubs failed: %v", err)
				return
			}
			mu.Lock()
			requeued += res.Requeued
			mu.Unlock()
		}()
	}
	wg.Wait()

	if requeued != total {
		t.Errorf("Expected each expired lease reaped once (%d), got %d", total, requeued)
	}
	if n, err := s.SamplePendingStubs(platformCtx(), total+1); err != nil || n != total {
		t.Errorf("Expected %d pending after reap, got %d, %v", total, n, err)
	}
}

func testClaimTenantScopeFIFO(t *testing.T, s Store) {
	a2 := insertStub(t, s, "acme", "2", base.Add(2*time.Second))
	g1 := insertStub(t, s, "globex", "1", base)
	a1 := insertStub(t, s, "acme", "1", base.Add(time.Second))
	a3 := insertStub(t, s, "acme", "3", base.Add(3*time.Second))

	res, err := s.ClaimStubs(tenantCtx("acme"), base.Add(time.Minute), ClaimOptions{Limit: 10, LeaseTimeout: time.Minute})
	if err != nil {
		t.Fatalf("ClaimStubs failed: %v", err)
	}
	want := []string{a1, a2, a3}
	if len(res.Stubs) != len(want) {
		t.Fatalf("Expected %d stubs, got %d", len(want), len(res.Stubs))
	}
	for i, st := range res.Stubs {
		if st.ID != want[i] {
			t.Errorf("stub %d = %s, want %s", i, st.ID, want[i])
		}
		if st.TenantID != "acme" || st.Status != models.StubStatusProcessing || st.Attempts != 1 || st.ClaimedAt == nil {
			t.Errorf("unexpected claimed stub: %+v", st)
		}
	}

	res, err = s.ClaimStubs(platformCtx(), base.Add(time.Minute), ClaimOptions{Limit: 10, BacklogCutoff: base.Add(time.Second)})
	if err != nil {
		t.Fatalf("ClaimStubs failed: %v", err)
	}
	if len(res.Stubs) != 0 || res.Expired != 1 {
		t.Errorf("Expected backlog cutoff to expire the older globex stub, got %d claimed, %+v", len(res.Stubs), res)
	}
	expired, err := s.GetStub(platformCtx(), g1)
	if err != nil {
		t.Fatalf("GetStub failed: %v", err)
	}
	if expired.Status != models.StubStatusFailed || expired.Error != BacklogExpiredError {
		t.Errorf("Expected globex stub failed by the cutoff, got %+v", expired)
	}
	if n, err := s.SamplePendingStubs(platformCtx(), 10); err != nil || n != 0 {
		t.Errorf("Expired stub should leave the pending sample, got %d, %v", n, err)
	}
	if _, err := s.ClaimStubs(context.Background(), base, ClaimOptions{Limit: 1}); !errors.Is(err, isolation.ErrIsolationViolation) {
		t.Errorf("Expected violation without session, got %v", err)
	}
}

func testLeaseExpiryReclaim(t *testing.T, s Store) {
	id := insertStub(t, s, "acme", "1", base)
	opts := ClaimOptions{Limit: 10, LeaseTimeout: time.Minute, MaxAttempts: 3}
	ctx := platformCtx()

	first, err := s.ClaimStubs(ctx, base.Add(time.Second), opts)
	if err != nil || len(first.Stubs) != 1 {
		t.Fatalf("first claim = %d stubs, err %v", len(first.Stubs), err)
	}
	if res, _ := s.ClaimStubs(ctx, base.Add(30*time.Second), opts); len(res.Stubs) != 0 || res.Requeued != 0 {
		t.Errorf("Expected live lease to block reclaim, got %+v", res)
	}

	second, err := s.ClaimStubs(ctx, base.Add(2*time.Minute), opts)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if second.Requeued != 1 || len(second.Stubs) != 1 {
		t.Fatalf("Expected 1 requeued and reclaimed stub, got %+v", second)
	}
	if got := second.Stubs[0]; got.ID != id || got.Attempts != 2 {
		t.Errorf("Expected stub %s with attempts 2, got %+v", id, got)
	}

	if err := s.CompleteStub(ctx, id, first.Stubs[0].ClaimedAt, base.Add(3*time.Minute)); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Expected ErrLeaseLost for the stale claim, got %v", err)
	}
	if err := s.CompleteStub(ctx, id, second.Stubs[0].ClaimedAt, base.Add(3*time.Minute)); err != nil {
		t.Fatalf("CompleteStub failed: %v", err)
	}
	if err := s.CompleteStub(ctx, id, second.Stubs[0].ClaimedAt, base.Add(4*time.Minute)); err != nil {
		t.Errorf("Expected repeated complete to be a no-op, got %v", err)
	}
	got, err := s.GetStub(ctx, id)
	if err != nil {
		t.Fatalf("GetStub failed: %v", err)
	}
	if got.Status != models.StubStatusCompleted || got.ProcessedAt == nil || !got.ProcessedAt.Equal(base.Add(3*time.Minute)) {
		t.Errorf("unexpected completed stub: %+v", got)
	}
}

func testLeaseExhaustion(t *testing.T, s Store) {
	id := insertStub(t, s, "acme", "1", base)
	opts := ClaimOptions{Limit: 10, LeaseTimeout: time.Minute, MaxAttempts: 1}
	ctx := platformCtx()
	if res, err := s.ClaimStubs(ctx, base, opts); err != nil || len(res.Stubs) != 1 {
		t.Fatalf("claim = %+v, %v", res, err)
	}
	res, err := s.ClaimStubs(ctx, base.Add(5*time.Minute), opts)
	if err != nil {
		t.Fatalf("ClaimStubs failed: %v", err)
	}
	if res.Exhausted != 1 || res.Requeued != 0 || len(res.Stubs) != 0 {
		t.Errorf("Expected the stub to be exhausted, got %+v", res)
	}
	got, _ := s.GetStub(ctx, id)
	if got == nil || got.Status != models.StubStatusFailed || got.Error != "lease expired after 1 attempts" {
		t.Errorf("unexpected exhausted stub: %+v", got)
	}
}

func testFailStub(t *testing.T, s Store) {
	id := insertStub(t, s, "acme", "1", base)
	ctx := platformCtx()
	opts := ClaimOptions{Limit: 1, LeaseTimeout: time.Minute, MaxAttempts: 2}

	res, _ := s.ClaimStubs(ctx, base, opts)
	if len(res.Stubs) != 1 {
		t.Fatalf("Expected a claim")
	}
	if _, err := s.FailStub(tenantCtx("globex"), id, res.Stubs[0].ClaimedAt, "nope", 2, base); !errors.Is(err, isolation.ErrIsolationViolation) {
		t.Errorf("Expected violation for foreign tenant, got %v", err)
	}
	status, err := s.FailStub(ctx, id, res.Stubs[0].ClaimedAt, "fetch timeout", 2, base)
	if err != nil || status != models.StubStatusPending {
		t.Fatalf("FailStub = (%s, %v), want pending", status, err)
	}

	res, _ = s.ClaimStubs(ctx, base.Add(time.Second), opts)
	if len(res.Stubs) != 1 || res.Stubs[0].Attempts != 2 {
		t.Fatalf("Expected reclaim with attempts 2, got %+v", res)
	}
	status, err = s.FailStub(ctx, id, res.Stubs[0].ClaimedAt, "fetch timeout", 2, base.Add(2*time.Second))
	if err != nil || status != models.StubStatusFailed {
		t.Fatalf("FailStub = (%s, %v), want failed", status, err)
	}
	if _, err := s.FailStub(ctx, id, res.Stubs[0].ClaimedAt, "again", 2, base); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Expected ErrLeaseLost on a failed stub, got %v", err)
	}
}

func testSamplePendingBounded(t *testing.T, s Store) {
	for i := 0; i < 10; i++ {
		insertStub(t, s, "acme", fmt.Sprint(i), base)
	}
	if n, err := s.SamplePendingStubs(context.Background(), 3); err != nil || n != 3 {
		t.Errorf("SamplePendingStubs(3) = (%d, %v)", n, err)
	}
	if n, err := s.SamplePendingStubs(context.Background(), 100); err != nil || n != 10 {
		t.Errorf("SamplePendingStubs(100) = (%d, %v)", n, err)
	}
	stats, err := s.StubStats(context.Background())
	if err != nil || stats[models.StubStatusPending] != 10 {
		t.Errorf("StubStats = (%v, %v)", stats, err)
	}
}

func testContentDedup(t *testing.T, s Store) {
	acme := tenantCtx("acme")
	content := ContentInput{Provider: "gmail", ContentHash: "h1", SeenAt: base}

	r1, err := s.IngestContent(acme, content, ReceiptInput{MessageID: "m1", ReceivedAt: base})
	if err != nil {
		t.Fatalf("IngestContent failed: %v", err)
	}
	if r1.Content.Action != models.UpsertInserted || r1.Content.ReceiptCount != 1 || r1.Receipt.Duplicate {
		t.Errorf("unexpected first ingest: %+v", r1)
	}

	withPayload := ContentInput{Provider: "gmail", ContentHash: "h1", PayloadRef: "s3://raw/h1", SizeBytes: 42, SeenAt: base.Add(time.Minute)}
	r2, err := s.IngestContent(acme, withPayload, ReceiptInput{MessageID: "m2", ReceivedAt: base.Add(time.Minute)})
	if err != nil {
		t.Fatalf("IngestContent failed: %v", err)
	}
	if r2.Content.Action != models.UpsertIncremented || r2.Content.ReceiptCount != 2 || r2.Content.ContentID != r1.Content.ContentID {
		t.Errorf("unexpected second ingest: %+v", r2)
	}

	r3, err := s.IngestContent(acme, content, ReceiptInput{MessageID: "m1"})
	if err != nil {
		t.Fatalf("IngestContent repeat failed: %v", err)
	}
	if !r3.Receipt.Duplicate || r3.Receipt.ReceiptID != r1.Receipt.ReceiptID || r3.Content.ReceiptCount != 2 {
		t.Errorf("Expected duplicate receipt with unchanged count, got %+v", r3)
	}

	up, err := s.UpsertContent(context.Background(), ContentInput{Provider: "gmail", ContentHash: "h1", PayloadRef: "s3://other"})
	if err != nil {
		t.Fatalf("UpsertContent failed: %v", err)
	}
	if up.ReceiptCount != 3 {
		t.Errorf("Expected count 3 after direct upsert, got %d", up.ReceiptCount)
	}

	rec, err := s.GetContent(context.Background(), "gmail", "h1")
	if err != nil {
		t.Fatalf("GetContent failed: %v", err)
	}
	if rec.PayloadRef != "s3://raw/h1" || rec.SizeBytes != 42 {
		t.Errorf("Expected first payload to win, got %+v", rec)
	}
	if !rec.FirstSeenAt.Equal(base) {
		t.Errorf("first_seen_at = %v, want %v", rec.FirstSeenAt, base)
	}

	if _, err := s.IngestContent(tenantCtx("globex"), content, ReceiptInput{MessageID: "m1"}); err != nil {
		t.Fatalf("IngestContent for second tenant failed: %v", err)
	}
	if rs, _ := s.ListReceipts(acme, rec.ID); len(rs) != 2 {
		t.Errorf("Expected acme to see 2 receipts, got %d", len(rs))
	}
	if rs, _ := s.ListReceipts(platformCtx(), rec.ID); len(rs) != 3 {
		t.Errorf("Expected platform to see 3 receipts, got %d", len(rs))
	}

	stats, err := s.ContentStats(platformCtx())
	if err != nil {
		t.Fatalf("ContentStats failed: %v", err)
	}
	if stats.UniqueContent != 1 || stats.TotalReceipts != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if want := 1 - 1.0/3.0; stats.ReuseRate < want-1e-9 || stats.ReuseRate > want+1e-9 {
		t.Errorf("reuse rate = %v, want %v", stats.ReuseRate, want)
	}

	dup, err := s.RecordReceipt(acme, ReceiptInput{ContentID: rec.ID, MessageID: "m2"})
	if err != nil || !dup.Duplicate || dup.ReceiptID != r2.Receipt.ReceiptID {
		t.Errorf("RecordReceipt repeat = (%+v, %v)", dup, err)
	}
}

func testLoadContent(t *testing.T, s Store) {
	ctx := context.Background()
	in := LoadInput{Fingerprint: "fp1", Version: 1, CanonicalJSON: `{"o":"a"}`, SeenAt: base}
	r1, err := s.UpsertLoadContent(ctx, in)
	if err != nil || r1.Action != models.UpsertInserted {
		t.Fatalf("UpsertLoadContent = (%+v, %v)", r1, err)
	}
	r2, err := s.UpsertLoadContent(ctx, in)
	if err != nil || r2.Action != models.UpsertIncremented || r2.ReceiptCount != 2 || r2.ContentID != r1.ContentID {
		t.Errorf("UpsertLoadContent repeat = (%+v, %v)", r2, err)
	}
	in.Version = 2
	if r3, _ := s.UpsertLoadContent(ctx, in); r3.Action != models.UpsertInserted {
		t.Errorf("Expected a new version to insert, got %+v", r3)
	}
	got, err := s.GetLoadContent(ctx, "fp1", 1)
	if err != nil || got.ReceiptCount != 2 || got.CanonicalJSON != `{"o":"a"}` {
		t.Errorf("GetLoadContent = (%+v, %v)", got, err)
	}
}

func testCooldownWindow(t *testing.T, s Store) {
	ctx := tenantCtx("acme")
	check := func(offset time.Duration) bool {
		t.Helper()
		ok, err := s.ShouldTrigger(ctx, CooldownInput{
			RuleID:          "rule-1",
			Fingerprint:     "F",
			EventReceivedAt: base.Add(offset),
			Cooldown:        60 * time.Second,
			Now:             base.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("ShouldTrigger failed: %v", err)
		}
		return ok
	}

	if !check(0) {
		t.Error("Expected first event to trigger")
	}
	if check(30 * time.Second) {
		t.Error("Expected event at t=30 to be suppressed")
	}
	if !check(65 * time.Second) {
		t.Error("Expected event at t=65 to trigger")
	}
	if check(10 * time.Second) {
		t.Error("Expected an out-of-order older event to be suppressed")
	}

	st, err := s.GetCooldownState(ctx, "", "rule-1", "F")
	if err != nil {
		t.Fatalf("GetCooldownState failed: %v", err)
	}
	if !st.LastReceivedAt.Equal(base.Add(65*time.Second)) || st.ActionCount != 2 {
		t.Errorf("unexpected state: %+v", st)
	}

	other, err := s.ShouldTrigger(tenantCtx("globex"), CooldownInput{RuleID: "rule-1", Fingerprint: "F", EventReceivedAt: base.Add(30 * time.Second), Cooldown: time.Minute})
	if err != nil || !other {
		t.Errorf("Expected another tenant's window to be independent, got (%v, %v)", other, err)
	}
}

func testCooldownForeignRule(t *testing.T, s Store) {
	if err := s.UpsertHuntRule(tenantCtx("globex"), models.HuntRule{ID: "rule-g", Name: "g", Active: true}); err != nil {
		t.Fatalf("UpsertHuntRule failed: %v", err)
	}
	_, err := s.ShouldTrigger(tenantCtx("acme"), CooldownInput{RuleID: "rule-g", Fingerprint: "F", EventReceivedAt: base})
	if !errors.Is(err, isolation.ErrIsolationViolation) {
		t.Errorf("Expected violation for a foreign rule, got %v", err)
	}
	if n := countRows(t, s, "cooldown_states"); n != 0 {
		t.Errorf("Expected no cooldown rows, got %d", n)
	}
}

func testCrossTenantMatchRejected(t *testing.T, s Store) {
	acme, globex := tenantCtx("acme"), tenantCtx("globex")
	if err := s.UpsertHuntRule(acme, models.HuntRule{ID: "rule-a", Name: "a", Active: true}); err != nil {
		t.Fatalf("UpsertHuntRule failed: %v", err)
	}
	ga, err := s.IngestContent(globex, ContentInput{Provider: "gmail", ContentHash: "h"}, ReceiptInput{MessageID: "g1"})
	if err != nil {
		t.Fatalf("IngestContent failed: %v", err)
	}

	_, err = s.RecordHuntMatch(platformCtx(), models.HuntMatch{RuleID: "rule-a", ReceiptID: ga.Receipt.ReceiptID, Fingerprint: "F"})
	if !errors.Is(err, isolation.ErrIsolationViolation) {
		t.Fatalf("Expected violation, got %v", err)
	}
	if n := countRows(t, s, "hunt_matches"); n != 0 {
		t.Errorf("Expected no match rows, got %d", n)
	}
	events, err := s.ListAudit(platformCtx(), 10)
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(events) != 1 || events[0].Operation != "hunt_matches.insert" || events[0].Kind != "isolation_violation" {
		t.Errorf("unexpected audit events: %+v", events)
	}

	aa, err := s.IngestContent(acme, ContentInput{Provider: "gmail", ContentHash: "h"}, ReceiptInput{MessageID: "a1"})
	if err != nil {
		t.Fatalf("IngestContent failed: %v", err)
	}
	m := models.HuntMatch{RuleID: "rule-a", ReceiptID: aa.Receipt.ReceiptID, Fingerprint: "F", Triggered: true}
	id1, err := s.RecordHuntMatch(acme, m)
	if err != nil {
		t.Fatalf("RecordHuntMatch failed: %v", err)
	}
	id2, err := s.RecordHuntMatch(acme, m)
	if err != nil || id2 != id1 {
		t.Errorf("Expected repeat match to return %s, got (%s, %v)", id1, id2, err)
	}
	if _, err := s.RecordHuntMatch(globex, m); !errors.Is(err, isolation.ErrIsolationViolation) {
		t.Errorf("Expected violation for a session outside the parents' tenant, got %v", err)
	}

	got, err := s.GetHuntMatch(acme, "rule-a", aa.Receipt.ReceiptID, "F")
	if err != nil {
		t.Fatalf("GetHuntMatch failed: %v", err)
	}
	if got.ID != id1 || !got.Triggered || got.TenantID != "acme" {
		t.Errorf("Unexpected hunt match: %+v", got)
	}
	if _, err := s.GetHuntMatch(globex, "rule-a", aa.Receipt.ReceiptID, "F"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected another tenant's match to be invisible, got %v", err)
	}
	if _, err := s.GetHuntMatch(acme, "rule-a", aa.Receipt.ReceiptID, "G"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for another fingerprint, got %v", err)
	}
}

func testHuntRuleReassignment(t *testing.T, s Store) {
	acme := tenantCtx("acme")
	rule := models.HuntRule{ID: "r1", Name: "dallas", Origin: "dallas, tx", CooldownSeconds: 60, Active: true}
	if err := s.UpsertHuntRule(acme, rule); err != nil {
		t.Fatalf("UpsertHuntRule failed: %v", err)
	}
	if err := s.UpsertHuntRule(tenantCtx("globex"), rule); !errors.Is(err, isolation.ErrIsolationViolation) {
		t.Errorf("Expected violation for foreign update, got %v", err)
	}
	moved := rule
	moved.TenantID = "globex"
	if err := s.UpsertHuntRule(acme, moved); !errors.Is(err, isolation.ErrIsolationViolation) {
		t.Errorf("Expected violation for reassignment, got %v", err)
	}
	rule.Active = false
	if err := s.UpsertHuntRule(acme, rule); err != nil {
		t.Fatalf("UpsertHuntRule update failed: %v", err)
	}
	all, err := s.ListHuntRules(acme, "", false)
	if err != nil || len(all) != 1 || all[0].TenantID != "acme" || all[0].Active {
		t.Errorf("ListHuntRules = (%+v, %v)", all, err)
	}
	if active, _ := s.ListHuntRules(acme, "", true); len(active) != 0 {
		t.Errorf("Expected no active rules, got %d", len(active))
	}
}

func testRateWindows(t *testing.T, s Store) {
	ctx := tenantCtx("acme")
	var counts models.RateCounts
	var err error
	for i := 0; i < 6; i++ {
		counts, err = s.IncrementRate(ctx, "", base.Add(time.Duration(i)*time.Second), 1)
		if err != nil {
			t.Fatalf("IncrementRate failed: %v", err)
		}
	}
	if counts.Minute != 6 || counts.Day != 6 {
		t.Errorf("counts = %+v, want 6/6", counts)
	}
	got, err := s.GetRateCounts(ctx, "acme", base.Add(30*time.Second))
	if err != nil || got != counts {
		t.Errorf("GetRateCounts = (%+v, %v)", got, err)
	}

	next, err := s.IncrementRate(ctx, "", base.Add(time.Minute), 1)
	if err != nil || next.Minute != 1 || next.Day != 7 {
		t.Errorf("next minute counts = (%+v, %v)", next, err)
	}
	if _, err := s.IncrementRate(ctx, "globex", base, 1); !errors.Is(err, isolation.ErrIsolationViolation) {
		t.Errorf("Expected violation for foreign tenant, got %v", err)
	}

	n, err := s.PruneRateWindows(context.Background(), base.Add(time.Minute), models.RateWindowDay.Truncate(base))
	if err != nil || n != 1 {
		t.Errorf("PruneRateWindows = (%d, %v), want 1", n, err)
	}
}

func testQueueMultiplex(t *testing.T, s Store) {
	ctx := tenantCtx("acme")
	in, created, err := s.EnqueueQueueItem(ctx, models.QueueItem{DedupeKey: "msg-1", PayloadRef: "s3://raw/1", CreatedAt: base})
	if err != nil || !created {
		t.Fatalf("enqueue inbound = (%v, %v)", created, err)
	}
	out, _, err := s.EnqueueQueueItem(ctx, models.QueueItem{DedupeKey: "notify-1", Recipient: "+15550001", Subject: "load", Body: "Dallas to Austin", CreatedAt: base})
	if err != nil {
		t.Fatalf("enqueue outbound failed: %v", err)
	}
	again, created, err := s.EnqueueQueueItem(ctx, models.QueueItem{DedupeKey: "msg-1", PayloadRef: "s3://raw/1"})
	if err != nil || created || again != in {
		t.Errorf("dedupe enqueue = (%s, %v, %v)", again, created, err)
	}
	if _, _, err := s.EnqueueQueueItem(ctx, models.QueueItem{DedupeKey: "bad", PayloadRef: "x", Subject: "s"}); !errors.Is(err, models.ErrMixedQueueDirection) {
		t.Errorf("Expected ErrMixedQueueDirection, got %v", err)
	}

	opts := ClaimOptions{Limit: 10, LeaseTimeout: time.Minute, MaxAttempts: 1}
	inbound, err := s.ClaimQueueItems(platformCtx(), models.QueueInbound, base, opts)
	if err != nil || len(inbound) != 1 || inbound[0].ID != in {
		t.Fatalf("inbound claim = (%+v, %v)", inbound, err)
	}
	outbound, err := s.ClaimQueueItems(platformCtx(), models.QueueOutbound, base, opts)
	if err != nil || len(outbound) != 1 || outbound[0].ID != out {
		t.Fatalf("outbound claim = (%+v, %v)", outbound, err)
	}

	if err := s.CompleteQueueItem(platformCtx(), in, inbound[0].ClaimedAt, base.Add(time.Second)); err != nil {
		t.Fatalf("CompleteQueueItem failed: %v", err)
	}
	item, err := s.GetQueueItem(platformCtx(), in)
	if err != nil || item.Status != models.QueueStatusDone || item.ParsedAt == nil {
		t.Errorf("completed inbound = (%+v, %v)", item, err)
	}
	status, err := s.FailQueueItem(platformCtx(), out, nil, "twilio 500", 1, base.Add(time.Second), time.Time{})
	if err != nil || status != models.QueueStatusFailed {
		t.Errorf("FailQueueItem = (%s, %v)", status, err)
	}

	stats, err := s.QueueStats(context.Background())
	if err != nil {
		t.Fatalf("QueueStats failed: %v", err)
	}
	if stats[models.QueueInbound][models.QueueStatusDone] != 1 || stats[models.QueueOutbound][models.QueueStatusFailed] != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func testQueueLeaseLost(t *testing.T, s Store) {
	out, _, err := s.EnqueueQueueItem(tenantCtx("acme"), models.QueueItem{DedupeKey: "match:1", Recipient: "+15550001", Subject: "load", Body: "Dallas to Austin", CreatedAt: base})
	if err != nil {
		t.Fatalf("enqueue outbound failed: %v", err)
	}
	opts := ClaimOptions{Limit: 1, LeaseTimeout: time.Minute, MaxAttempts: 3}
	first, err := s.ClaimQueueItems(platformCtx(), models.QueueOutbound, base, opts)
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim = (%+v, %v)", first, err)
	}
	second, err := s.ClaimQueueItems(platformCtx(), models.QueueOutbound, base.Add(2*time.Minute), opts)
	if err != nil || len(second) != 1 || second[0].ID != out || second[0].Attempts != 2 {
		t.Fatalf("re-claim after expiry = (%+v, %v)", second, err)
	}

	if err := s.CompleteQueueItem(platformCtx(), out, first[0].ClaimedAt, base.Add(3*time.Minute)); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("stale complete: expected ErrLeaseLost, got %v", err)
	}
	if _, err := s.FailQueueItem(platformCtx(), out, first[0].ClaimedAt, "late", 3, base.Add(3*time.Minute), time.Time{}); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("stale fail: expected ErrLeaseLost, got %v", err)
	}
	item, _ := s.GetQueueItem(platformCtx(), out)
	if item.Status != models.QueueStatusProcessing {
		t.Errorf("stale worker must not change the item: %+v", item)
	}
	if err := s.CompleteQueueItem(platformCtx(), out, second[0].ClaimedAt, base.Add(3*time.Minute)); err != nil {
		t.Errorf("current lease complete failed: %v", err)
	}
	if err := s.CompleteQueueItem(platformCtx(), out, first[0].ClaimedAt, base.Add(4*time.Minute)); err != nil {
		t.Errorf("completing a done item should be a no-op, got %v", err)
	}
}

func testTenantRegistry(t *testing.T, s Store) {
	tenant := models.Tenant{ID: "acme", Name: "Acme Freight", Alias: "ACME", InboxAddress: "Dispatch@Acme.example.com", Active: true}
	if err := s.UpsertTenant(tenantCtx("acme"), tenant); !errors.Is(err, isolation.ErrIsolationViolation) {
		t.Errorf("Expected tenant session to be rejected, got %v", err)
	}
	if err := s.UpsertTenant(platformCtx(), tenant); err != nil {
		t.Fatalf("UpsertTenant failed: %v", err)
	}
	ctx := context.Background()
	if got, err := s.GetTenantByAlias(ctx, "Acme"); err != nil || got.ID != "acme" || got.Channel != "sms" {
		t.Errorf("GetTenantByAlias = (%+v, %v)", got, err)
	}
	if got, err := s.GetTenantByInbox(ctx, "dispatch@acme.example.com"); err != nil || got.ID != "acme" {
		t.Errorf("GetTenantByInbox = (%+v, %v)", got, err)
	}
	if _, err := s.GetTenantByAlias(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	tenant.Active = false
	if err := s.UpsertTenant(platformCtx(), tenant); err != nil {
		t.Fatalf("UpsertTenant update failed: %v", err)
	}
	list, err := s.ListTenants(ctx)
	if err != nil || len(list) != 1 || list[0].Active {
		t.Errorf("ListTenants = (%+v, %v)", list, err)
	}
}

func testOpsRecords(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.GetBreakerConfig(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound before save, got %v", err)
	}
	cfg := models.BreakerConfig{WorkerID: "ingest-worker", StaleThreshold: 5 * time.Minute, MaxDepth: 1000}
	if v, err := s.SaveBreakerConfig(ctx, cfg); err != nil || v != 1 {
		t.Fatalf("SaveBreakerConfig = (%d, %v)", v, err)
	}
	cfg.MaxDepth = 50
	if v, err := s.SaveBreakerConfig(ctx, cfg); err != nil || v != 2 {
		t.Fatalf("SaveBreakerConfig = (%d, %v)", v, err)
	}
	got, err := s.GetBreakerConfig(ctx)
	if err != nil || got.MaxDepth != 50 || got.StaleThreshold != 5*time.Minute || got.Version != 2 {
		t.Errorf("GetBreakerConfig = (%+v, %v)", got, err)
	}

	hb := models.WorkerHeartbeat{WorkerID: "ingest-worker", LastProcessedAt: base, Status: "running", UpdatedAt: base}
	if err := s.UpsertHeartbeat(ctx, hb); err != nil {
		t.Fatalf("UpsertHeartbeat failed: %v", err)
	}
	if got, err := s.GetHeartbeat(ctx, "ingest-worker"); err != nil || !got.LastProcessedAt.Equal(base) || got.Status != "running" {
		t.Errorf("GetHeartbeat = (%+v, %v)", got, err)
	}

	_, err = s.InsertQuarantine(ctx, models.QuarantineRecord{
		Address:    "nobody@in.example.com",
		HistoryID:  "9",
		ReasonCode: models.QuarantineUnknownInbox,
		Headers:    map[string]string{"X-Provider": "gmail"},
	})
	if err != nil {
		t.Fatalf("InsertQuarantine failed: %v", err)
	}
	qs, err := s.ListQuarantine(ctx, 10)
	if err != nil || len(qs) != 1 || qs[0].ReasonCode != models.QuarantineUnknownInbox || qs[0].Headers["X-Provider"] != "gmail" {
		t.Errorf("ListQuarantine = (%+v, %v)", qs, err)
	}
}

func testDeliveryDedup(t *testing.T, s Store) {
	ctx := tenantCtx("acme")
	if dup, err := s.IsDuplicateDelivery(ctx, "key-1"); err != nil || dup {
		t.Errorf("IsDuplicateDelivery before record = (%v, %v)", dup, err)
	}
	if ok, err := s.RecordDelivery(ctx, "key-1", ""); err != nil || !ok {
		t.Errorf("RecordDelivery = (%v, %v)", ok, err)
	}
	if ok, err := s.RecordDelivery(ctx, "key-1", ""); err != nil || ok {
		t.Errorf("RecordDelivery repeat = (%v, %v)", ok, err)
	}
	if dup, err := s.IsDuplicateDelivery(ctx, "key-1"); err != nil || !dup {
		t.Errorf("IsDuplicateDelivery after record = (%v, %v)", dup, err)
	}

	// Unrouted keys need no session and share the key space.
	bare := context.Background()
	if ok, err := s.RecordUnroutedDelivery(bare, "key-q"); err != nil || !ok {
		t.Errorf("RecordUnroutedDelivery = (%v, %v)", ok, err)
	}
	if ok, err := s.RecordUnroutedDelivery(bare, "key-q"); err != nil || ok {
		t.Errorf("RecordUnroutedDelivery repeat = (%v, %v)", ok, err)
	}
	if ok, err := s.RecordUnroutedDelivery(bare, "key-1"); err != nil || ok {
		t.Errorf("RecordUnroutedDelivery over a routed key = (%v, %v)", ok, err)
	}
	if dup, err := s.IsDuplicateDelivery(bare, "key-q"); err != nil || !dup {
		t.Errorf("IsDuplicateDelivery for unrouted key = (%v, %v)", dup, err)
	}
	if _, err := s.RecordUnroutedDelivery(bare, ""); err == nil {
		t.Error("expected error for empty key")
	}
}

// TestSQLiteStoreRestartRecovery claims a stub, "crashes" by closing the store,
// and checks a fresh store on the same file reclaims it once the lease expires.
func TestSQLiteStoreRestartRecovery(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "huntpipe_restart_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)
	dbPath := filepath.Join(tempDir, "test.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	id := insertStub(t, s1, "acme", "1", base)
	opts := ClaimOptions{Limit: 5, LeaseTimeout: time.Minute, MaxAttempts: 3}
	if res, err := s1.ClaimStubs(platformCtx(), base, opts); err != nil || len(res.Stubs) != 1 {
		t.Fatalf("phase 1 claim = (%+v, %v)", res, err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	if res, _ := s2.ClaimStubs(platformCtx(), base.Add(30*time.Second), opts); len(res.Stubs) != 0 {
		t.Errorf("Expected the lease to survive restart, got %d stubs", len(res.Stubs))
	}
	res, err := s2.ClaimStubs(platformCtx(), base.Add(2*time.Minute), opts)
	if err != nil {
		t.Fatalf("phase 2 claim failed: %v", err)
	}
	if len(res.Stubs) != 1 || res.Stubs[0].ID != id || res.Stubs[0].Attempts != 2 || res.Requeued != 1 {
		t.Errorf("Expected stub %s reclaimed with attempts 2, got %+v", id, res)
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := []struct{ dsn, want string }{
		{"postgres://u:p@localhost/db", "postgres"},
		{"postgresql://localhost/db", "postgres"},
		{"host=localhost dbname=huntpipe", "postgres"},
		{"/var/lib/huntpipe/huntpipe.db", "sqlite"},
		{"file:test.db", "sqlite"},
	}
	for _, tt := range tests {
		if got := DetectDSNType(tt.dsn); got != tt.want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y IN (SELECT z FROM u WHERE w = ?)`
	if got := postgresDialect.rebind(q); got != `SELECT a FROM t WHERE x = $1 AND y IN (SELECT z FROM u WHERE w = $2)` {
		t.Errorf("postgres rebind = %q", got)
	}
	if got := sqliteDialect.rebind(q); got != q {
		t.Errorf("sqlite rebind changed the query: %q", got)
	}
}
