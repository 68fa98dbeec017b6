package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/HuntPipe/internal/ingest"
	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ingressRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "huntpipe_ingress_throttled_total",
	Help: "Webhook requests shed by the ingress token bucket.",
})

// outcomeStatus maps ingest outcomes to HTTP status codes.
var outcomeStatus = map[ingest.Outcome]int{
	ingest.OutcomeAccepted:    http.StatusAccepted,
	ingest.OutcomeDuplicate:   http.StatusOK,
	ingest.OutcomeQuarantined: http.StatusAccepted,
	ingest.OutcomeDropped:     http.StatusServiceUnavailable,
	ingest.OutcomeRateLimited: http.StatusTooManyRequests,
}

func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.inboundHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.ingress != nil && !s.ingress.Allow() {
		ingressRejectedTotal.Inc()
		respondRetry(w, http.StatusTooManyRequests, ingressRetryAfter, models.Outcome(models.APIStatusRateLimited, "ingress rate exceeded", nil))
		return
	}

	var n models.InboundNotification
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	if err := dec.Decode(&n); err != nil {
		slog.Warn("Server.inboundHandler: failed to decode JSON", "error", err)
		respondError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && n.IdempotencyKey == "" {
		n.IdempotencyKey = key
	}

	res, err := s.ingestor.Ingest(r.Context(), n)
	if errors.Is(err, ingest.ErrMissingHistoryID) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("Server.inboundHandler: ingest failed", "address", n.Address, "history_id", n.HistoryID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to ingest notification")
		return
	}

	respondRetry(w, outcomeStatus[res.Outcome], retryAfter(res), models.Outcome(models.APIStatus(res.Outcome), res.Reason, res))
}

func (s *Server) breakerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st := s.breaker.Check(r.Context())
	respond(w, http.StatusOK, models.Success(st))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			slog.Error("Server.healthHandler: health check failed", "error", err)
			respondError(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	respond(w, http.StatusOK, models.Success(nil))
}
