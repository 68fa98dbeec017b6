package claim

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/isolation"
	"github.com/BTreeMap/HuntPipe/internal/models"
	"github.com/BTreeMap/HuntPipe/internal/store"
)

// Heartbeat statuses written after each poll.
const (
	HeartbeatIdle   = "idle"
	HeartbeatActive = "active"
)

// Handler processes one claimed stub. A returned error fails the stub; nil
// completes it.
type Handler func(ctx context.Context, stub models.Stub) error

// HeartbeatWriter persists the worker's liveness row.
type HeartbeatWriter interface {
	UpsertHeartbeat(ctx context.Context, hb models.WorkerHeartbeat) error
}

// Runner periodically claims stubs and dispatches them to a Handler. After
// every successful poll it writes the worker heartbeat the circuit breaker
// reads, so an idle but healthy worker never looks stalled.
type Runner struct {
	manager      *Manager
	heartbeat    HeartbeatWriter
	handler      Handler
	workerID     string
	pollInterval time.Duration
	batchSize    int
}

// NewRunner creates a new Runner.
func NewRunner(manager *Manager, heartbeat HeartbeatWriter, handler Handler, workerID string, pollInterval time.Duration) *Runner {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Runner{
		manager:      manager,
		heartbeat:    heartbeat,
		handler:      handler,
		workerID:     workerID,
		pollInterval: pollInterval,
		batchSize:    DefaultBatchSize,
	}
}

// SetBatchSize overrides DefaultBatchSize.
func (r *Runner) SetBatchSize(n int) {
	if n > 0 {
		r.batchSize = n
	}
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	slog.Info("Runner.Run: starting stub runner", "workerID", r.workerID, "pollInterval", r.pollInterval, "batchSize", r.batchSize)
	ctx = isolation.WithPlatform(ctx, r.workerID)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Runner.Run: stopping", "workerID", r.workerID)
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll runs one claim-dispatch cycle and returns how many stubs it handled.
func (r *Runner) poll(ctx context.Context) int {
	stubs, err := r.manager.ClaimBatch(ctx, r.batchSize)
	if err != nil {
		slog.Error("Runner.poll: claim failed", "workerID", r.workerID, "error", err)
		return 0
	}

	for _, stub := range stubs {
		slog.Debug("Runner.poll: processing stub", "id", stub.ID, "tenant_id", stub.TenantID, "attempt", stub.Attempts)
		if err := r.handler(ctx, stub); err != nil {
			outcome, ferr := r.manager.FailLease(ctx, stub, err)
			if ferr != nil {
				if !errors.Is(ferr, store.ErrLeaseLost) {
					slog.Error("Runner.poll: fail stub error", "id", stub.ID, "error", ferr)
				}
				continue
			}
			slog.Error("Runner.poll: stub processing failed", "id", stub.ID, "outcome", outcome, "error", err)
			continue
		}
		if err := r.manager.CompleteLease(ctx, stub); err != nil && !errors.Is(err, store.ErrLeaseLost) {
			slog.Error("Runner.poll: complete stub error", "id", stub.ID, "error", err)
		}
	}

	status := HeartbeatIdle
	if len(stubs) > 0 {
		status = HeartbeatActive
	}
	now := r.manager.now().UTC()
	if err := r.heartbeat.UpsertHeartbeat(ctx, models.WorkerHeartbeat{
		WorkerID:        r.workerID,
		LastProcessedAt: now,
		Status:          status,
		UpdatedAt:       now,
	}); err != nil {
		slog.Error("Runner.poll: heartbeat failed", "workerID", r.workerID, "error", err)
	}
	return len(stubs)
}
