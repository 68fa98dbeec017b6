// Package testutil provides common test utilities and helpers for HuntPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/isolation"
	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/store"
)

// T is the subset of testing.T the assertion helpers use.
type T interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
	Fatal(args ...interface{})
}

// Base is the fixed instant tests build their timelines from.
var Base = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

// Clock is a settable time source for stores and services under test.
type Clock struct {
	t time.Time
}

// NewClock returns a clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{t: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time { return c.t }

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) { c.t = t }

// NewSQLiteStore opens a fresh SQLite store in a temp dir, closed on cleanup.
func NewSQLiteStore(t *testing.T, opts ...store.Option) *store.SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "huntpipe_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	opts = append([]store.Option{store.WithSQLiteDSN(filepath.Join(tempDir, "test.db"))}, opts...)
	s, err := store.NewSQLiteStore(opts...)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TenantCtx returns a background context carrying a tenant session.
func TenantCtx(tenantID string) context.Context {
	return isolation.WithTenant(context.Background(), tenantID)
}

// PlatformCtx returns a background context carrying a platform session.
func PlatformCtx() context.Context {
	return isolation.WithPlatform(context.Background(), "test")
}

// SeedTenants upserts the given registry entries.
func SeedTenants(t *testing.T, st store.TenantRepo, tenants ...models.Tenant) {
	t.Helper()
	for _, tn := range tenants {
		if err := st.UpsertTenant(PlatformCtx(), tn); err != nil {
			t.Fatalf("failed to seed tenant %s: %v", tn.ID, err)
		}
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
			return nil
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
