package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/ingest"
	"github.com/BTreeMap/HuntPipe/internal/models"
)

// encodeFailedBody replaces a response body that could not be encoded.
var encodeFailedBody = []byte(`{"status":"error","message":"response encoding failed"}` + "\n")

// Retry-After hints for shed webhook requests.
const (
	ingressRetryAfter   = time.Second
	breakerRetryAfter   = 30 * time.Second
	minuteRetryAfter    = time.Minute
	dayWindowRetryAfter = time.Hour
)

// retryAfter returns how long the provider should wait before redelivering,
// or zero when the outcome is final.
func retryAfter(res ingest.Result) time.Duration {
	switch res.Outcome {
	case ingest.OutcomeDropped:
		return breakerRetryAfter
	case ingest.OutcomeRateLimited:
		if res.RateLimit != nil && res.RateLimit.Window == models.RateWindowDay {
			return dayWindowRetryAfter
		}
		return minuteRetryAfter
	}
	return 0
}

// respond writes body as JSON with the given status. The body is encoded
// before any header goes out, so an encoding failure becomes a plain 500.
func respond(w http.ResponseWriter, status int, body interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		slog.Error("api.respond: failed to encode response", "status", status, "error", err)
		w.Header().Del("Retry-After")
		status = http.StatusInternalServerError
		buf.Reset()
		buf.Write(encodeFailedBody)
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Warn("api.respond: client went away", "status", status, "error", err)
	}
}

// respondError writes an error envelope.
func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, models.Error(message))
}

// respondRetry sets Retry-After in whole seconds, rounded up, then responds.
func respondRetry(w http.ResponseWriter, status int, after time.Duration, body interface{}) {
	if after > 0 {
		secs := int((after + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	respond(w, status, body)
}
