package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/breaker"
	"github.com/BTreeMap/HuntPipe/internal/ingest"
	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/ratelimit"
	"github.com/BTreeMap/HuntPipe/internal/store"
	"github.com/BTreeMap/HuntPipe/internal/tenant"
	"github.com/BTreeMap/HuntPipe/internal/testutil"
)

func newServer(t *testing.T, limits ingest.Limits, opts ...Option) (*Server, *store.SQLiteStore) {
	t.Helper()
	clock := testutil.NewClock(testutil.Base)
	st := testutil.NewSQLiteStore(t, store.WithClock(clock.Now))
	testutil.SeedTenants(t, st, models.Tenant{ID: "acme", Name: "Acme", Alias: "acme", InboxAddress: "loads@acme.example.com", Active: true})
	brk := breaker.New(st)
	brk.SetClock(clock.Now)
	lim := ratelimit.NewLimiter(st)
	lim.SetClock(clock.Now)
	ing := ingest.New(tenant.NewResolver(st), brk, lim, st, limits)
	ing.SetClock(clock.Now)
	return NewServer(ing, brk, opts...), st
}

func post(t *testing.T, h http.Handler, body interface{}, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/webhooks/inbound", body)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestInboundAcceptedThenDuplicate(t *testing.T) {
	s, _ := newServer(t, ingest.Limits{})
	h := s.Handler()
	n := models.InboundNotification{Address: "loads+acme@in.example.com", HistoryID: "h-1"}

	rr := post(t, h, n, "evt-1")
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "first delivery")
	resp := testutil.AssertJSONResponse(t, rr, "accepted")
	result, _ := resp["result"].(map[string]interface{})
	if result["tenant_id"] != "acme" || result["stub_id"] == "" {
		t.Errorf("unexpected result: %v", result)
	}

	rr = post(t, h, n, "evt-1")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "redelivery")
	testutil.AssertJSONResponse(t, rr, "duplicate")
}

func TestInboundQuarantined(t *testing.T) {
	s, st := newServer(t, ingest.Limits{})
	rr := post(t, s.Handler(), models.InboundNotification{
		Address: "loads+unknown@in.example.com", HistoryID: "h-1", Headers: map[string]string{"Subject": "Loads"},
	}, "")
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "unknown alias")
	resp := testutil.AssertJSONResponse(t, rr, "quarantined")
	if resp["message"] != string(models.QuarantineUnknownAlias) {
		t.Errorf("unexpected message %v", resp["message"])
	}
	recs, err := st.ListQuarantine(context.Background(), 10)
	if err != nil || len(recs) != 1 || recs[0].Headers["Subject"] != "Loads" {
		t.Errorf("quarantine record not written: %+v, %v", recs, err)
	}
}

func TestInboundRateLimited(t *testing.T) {
	s, _ := newServer(t, ingest.Limits{PerMinute: 1})
	h := s.Handler()
	post(t, h, models.InboundNotification{Address: "loads+acme@in.example.com", HistoryID: "h-1"}, "")
	rr := post(t, h, models.InboundNotification{Address: "loads+acme@in.example.com", HistoryID: "h-2"}, "")
	testutil.AssertHTTPStatus(t, http.StatusTooManyRequests, rr.Code, "over quota")
	if got := rr.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	testutil.AssertJSONResponse(t, rr, "rate_limited")
}

func TestInboundDropped(t *testing.T) {
	s, st := newServer(t, ingest.Limits{})
	if _, err := st.SaveBreakerConfig(testutil.PlatformCtx(), models.BreakerConfig{
		WorkerID: breaker.DefaultWorkerID, StaleThreshold: time.Hour, MaxDepth: 1,
	}); err != nil {
		t.Fatalf("SaveBreakerConfig failed: %v", err)
	}
	h := s.Handler()
	post(t, h, models.InboundNotification{Address: "loads@acme.example.com", HistoryID: "h-1"}, "")
	post(t, h, models.InboundNotification{Address: "loads@acme.example.com", HistoryID: "h-2"}, "")
	rr := post(t, h, models.InboundNotification{Address: "loads@acme.example.com", HistoryID: "h-3"}, "")
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "breaker open")
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After on drop")
	}
	resp := testutil.AssertJSONResponse(t, rr, "dropped")
	if resp["message"] != string(breaker.ReasonQueueDepth) {
		t.Errorf("unexpected message %v", resp["message"])
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/breaker", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "breaker state")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	result, _ := resp["result"].(map[string]interface{})
	if result["open"] != true || result["reason"] != string(breaker.ReasonQueueDepth) {
		t.Errorf("unexpected breaker state: %v", result)
	}
}

func TestInboundBadRequests(t *testing.T) {
	s, _ := newServer(t, ingest.Limits{})
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/inbound", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad json")
	testutil.AssertJSONResponse(t, rr, "error")

	rr = post(t, h, models.InboundNotification{Address: "loads+acme@in.example.com"}, "")
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing history id")

	req = httptest.NewRequest(http.MethodGet, "/v1/webhooks/inbound", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "GET webhook")
	if rr.Header().Get("Allow") != http.MethodPost {
		t.Errorf("Allow header = %q", rr.Header().Get("Allow"))
	}
}

func TestIngressLimit(t *testing.T) {
	s, _ := newServer(t, ingest.Limits{}, WithIngressLimit(0.001, 1))
	h := s.Handler()
	rr := post(t, h, models.InboundNotification{Address: "loads+acme@in.example.com", HistoryID: "h-1"}, "")
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "within burst")
	rr = post(t, h, models.InboundNotification{Address: "loads+acme@in.example.com", HistoryID: "h-2"}, "")
	testutil.AssertHTTPStatus(t, http.StatusTooManyRequests, rr.Code, "over ingress rate")
	testutil.AssertJSONResponse(t, rr, "rate_limited")
}

func TestHealthAndMetrics(t *testing.T) {
	s, st := newServer(t, ingest.Limits{}, WithHealthCheck(func(ctx context.Context) error { return nil }))
	h := s.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")

	post(t, h, models.InboundNotification{Address: "loads+acme@in.example.com", HistoryID: "h-1"}, "")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !strings.Contains(rr.Body.String(), "huntpipe_ingest_outcomes_total") {
		t.Error("metrics output missing ingest outcomes")
	}

	failing := NewServer(s.ingestor, s.breaker, WithHealthCheck(func(ctx context.Context) error { return errors.New("db down") }))
	rr = httptest.NewRecorder()
	failing.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "failing healthz")

	withStore := NewServer(s.ingestor, s.breaker, WithHealthCheck(st.Ping))
	rr = httptest.NewRecorder()
	withStore.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "store healthz")
}

func TestRunShutsDown(t *testing.T) {
	s, _ := newServer(t, ingest.Limits{}, WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
