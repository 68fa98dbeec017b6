// Package breaker decides whether the ingest path should shed load.
//
// A decision reads two things, both in constant time: the processing worker's
// heartbeat row and a bounded sample of the pending stub backlog. Nothing is
// cached between decisions; thresholds come from the shared breaker_config row
// so every ingest process sees the same settings.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Defaults used when no breaker_config row has been saved.
const (
	DefaultStaleThreshold = 5 * time.Minute
	DefaultMaxDepth       = 1000
	DefaultWorkerID       = "ingest-worker"
)

// Reason explains why the breaker is open.
type Reason string

const (
	ReasonWorkerStalled Reason = "worker_stalled"
	ReasonQueueDepth    Reason = "queue_depth"
)

var dropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "huntpipe_breaker_drops_total",
	Help: "Inbound notifications dropped by the circuit breaker, by reason.",
}, []string{"reason"})

// Repo is the subset of the store the breaker reads.
type Repo interface {
	GetBreakerConfig(ctx context.Context) (*models.BreakerConfig, error)
	GetHeartbeat(ctx context.Context, workerID string) (*models.WorkerHeartbeat, error)
	SamplePendingStubs(ctx context.Context, limit int) (int, error)
}

// State is one breaker decision. It is derived on every Check and never stored.
type State struct {
	Open   bool   `json:"open"`
	Reason Reason `json:"reason,omitempty"`
	// HeartbeatAge is zero when no heartbeat has been written yet.
	HeartbeatAge time.Duration `json:"heartbeat_age"`
	// SampledDepth is at most MaxDepth+1.
	SampledDepth int                  `json:"sampled_depth"`
	Config       models.BreakerConfig `json:"config"`
}

// Breaker evaluates the shed-load decision.
type Breaker struct {
	repo Repo
	now  func() time.Time
}

// New creates a Breaker.
func New(repo Repo) *Breaker {
	return &Breaker{repo: repo, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (b *Breaker) SetClock(now func() time.Time) {
	b.now = now
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() models.BreakerConfig {
	return models.BreakerConfig{
		WorkerID:       DefaultWorkerID,
		StaleThreshold: DefaultStaleThreshold,
		MaxDepth:       DefaultMaxDepth,
	}
}

// Config reads the current thresholds, falling back to defaults when the row
// is absent or unreadable.
func (b *Breaker) Config(ctx context.Context) models.BreakerConfig {
	cfg, err := b.repo.GetBreakerConfig(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("Breaker.Config: read failed, using defaults", "error", err)
		}
		return DefaultConfig()
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = DefaultWorkerID
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	return *cfg
}

// Check evaluates the stall check, then the depth check. A store error fails
// open so the webhook stays available.
func (b *Breaker) Check(ctx context.Context) State {
	cfg := b.Config(ctx)
	st := State{Config: cfg}

	hb, err := b.repo.GetHeartbeat(ctx, cfg.WorkerID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		slog.Debug("Breaker.Check: no heartbeat yet, allowing", "worker_id", cfg.WorkerID)
	case err != nil:
		slog.Error("Breaker.Check: heartbeat read failed, failing open", "worker_id", cfg.WorkerID, "error", err)
		return st
	default:
		st.HeartbeatAge = b.now().Sub(hb.LastProcessedAt)
		if st.HeartbeatAge > cfg.StaleThreshold {
			st.Open = true
			st.Reason = ReasonWorkerStalled
			return st
		}
	}

	depth, err := b.repo.SamplePendingStubs(ctx, cfg.MaxDepth+1)
	if err != nil {
		slog.Error("Breaker.Check: depth sample failed, failing open", "error", err)
		return st
	}
	st.SampledDepth = depth
	if depth > cfg.MaxDepth {
		st.Open = true
		st.Reason = ReasonQueueDepth
	}
	return st
}

// RecordDrop logs and counts a notification refused while the breaker is open.
func RecordDrop(st State, n models.InboundNotification) {
	dropsTotal.WithLabelValues(string(st.Reason)).Inc()
	slog.Warn("breaker_drop",
		"reason", st.Reason,
		"address", n.Address,
		"history_id", n.HistoryID,
		"heartbeat_age", st.HeartbeatAge,
		"sampled_depth", st.SampledDepth,
		"max_depth", st.Config.MaxDepth)
}
