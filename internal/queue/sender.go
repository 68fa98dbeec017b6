package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/isolation"
	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/notify"
	"github.com/BTreeMap/HuntPipe/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "huntpipe_outbound_sends_total",
	Help: "Outbound notification send attempts by result.",
}, []string{"result"})

// MaxBackoff caps the retry delay between send attempts.
const MaxBackoff = 30 * time.Minute

// OutboundSender periodically claims outbound items and delivers them.
type OutboundSender struct {
	mux          *Multiplexer
	sender       notify.Sender
	pollInterval time.Duration
	claimLimit   int
	workerID     string
}

// NewOutboundSender creates an OutboundSender.
func NewOutboundSender(mux *Multiplexer, sender notify.Sender, workerID string, pollInterval time.Duration) *OutboundSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboundSender{
		mux:          mux,
		sender:       sender,
		pollInterval: pollInterval,
		claimLimit:   10,
		workerID:     workerID,
	}
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboundSender) Run(ctx context.Context) {
	slog.Info("OutboundSender.Run: starting outbound sender", "pollInterval", s.pollInterval, "worker_id", s.workerID)
	ctx = isolation.WithPlatform(ctx, s.workerID)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboundSender.Run: stopping")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll sends one batch and returns how many items were claimed.
func (s *OutboundSender) poll(ctx context.Context) int {
	items, err := s.mux.Claim(ctx, models.QueueOutbound, s.claimLimit)
	if err != nil {
		slog.Error("OutboundSender.poll: claim failed", "error", err)
		return 0
	}

	for _, item := range items {
		slog.Debug("OutboundSender.poll: sending", "id", item.ID, "tenant_id", item.TenantID, "attempt", item.Attempts)
		err := s.sender.Send(ctx, notify.Message{To: item.Recipient, Subject: item.Subject, Body: item.Body})
		if err != nil {
			sentTotal.WithLabelValues("error").Inc()
			slog.Error("OutboundSender.poll: send failed", "id", item.ID, "error", err)
			retryAt := s.mux.now().Add(Backoff(item.Attempts))
			if _, ferr := s.mux.FailLease(ctx, item, err, retryAt); ferr != nil {
				logFinishError("OutboundSender.poll: fail item error", item.ID, ferr)
			}
			continue
		}
		sentTotal.WithLabelValues("sent").Inc()
		if err := s.mux.CompleteLease(ctx, models.QueueOutbound, item); err != nil {
			logFinishError("OutboundSender.poll: complete error", item.ID, err)
		}
	}
	return len(items)
}

// logFinishError reports a failed completion; a lost lease is only a warning.
func logFinishError(msg, id string, err error) {
	if errors.Is(err, store.ErrLeaseLost) {
		slog.Warn("OutboundSender.poll: lease lost", "id", id)
		return
	}
	slog.Error(msg, "id", id, "error", err)
}

// Backoff is the delay after the given attempt: 10s, 20s, 40s, ... up to MaxBackoff.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 16 {
		return MaxBackoff
	}
	d := time.Duration(10*(1<<(attempts-1))) * time.Second
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}
