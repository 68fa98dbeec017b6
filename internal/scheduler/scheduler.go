// Package scheduler runs HuntPipe's periodic maintenance jobs on cron
// expressions: pruning expired rate windows and reaping stale stub leases.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/HuntPipe/internal/isolation"
	"github.com/BTreeMap/HuntPipe/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
)

// Default schedules for the maintenance jobs.
const (
	DefaultPruneSchedule = "*/10 * * * *"
	DefaultReapSchedule  = "* * * * *"
	DefaultJobTimeout    = 2 * time.Minute
)

// Job names.
const (
	JobPruneRateWindows = "prune-rate-windows"
	JobReapStaleLeases  = "reap-stale-leases"
)

const actor = "maintenance-scheduler"

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "huntpipe_maintenance_runs_total",
	Help: "Maintenance job runs by job and result.",
}, []string{"job", "result"})

// Task is one maintenance job body.
type Task func(ctx context.Context) error

// Pruner deletes expired rate-limit windows.
type Pruner interface {
	PruneExpired(ctx context.Context) (int, error)
}

// Reaper recovers expired stub leases and gives up on stale backlog.
type Reaper interface {
	Reap(ctx context.Context) (store.ClaimResult, error)
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]Task
}

// NewScheduler creates and starts a cron scheduler. Jobs run with a platform
// session derived from ctx and are skipped once ctx is done.
func NewScheduler(ctx context.Context) *Scheduler {
	// Standard 5-field parser (min, hour, dom, month, dow) with panic recovery.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{
		cron:    c,
		timeout: DefaultJobTimeout,
		ctx:     isolation.WithPlatform(ctx, actor),
		jobs:    make(map[string]Task),
	}
}

// SetJobTimeout bounds each job run.
func (s *Scheduler) SetJobTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// AddJob schedules task under name using the cron expression. It returns an
// error if the expression is invalid or the name is taken.
func (s *Scheduler) AddJob(name, expr string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already scheduled", name)
	}
	if _, err := s.cron.AddFunc(expr, func() { s.RunNow(name) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", expr, name, err)
	}
	s.jobs[name] = task
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "schedule", expr)
	return nil
}

// RunNow runs the named job once, synchronously.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	task, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	start := time.Now()
	if err := task(ctx); err != nil {
		runsTotal.WithLabelValues(name, "error").Inc()
		slog.Error("Scheduler.RunNow: job failed", "job", name, "error", err)
		return err
	}
	runsTotal.WithLabelValues(name, "ok").Inc()
	slog.Debug("Scheduler.RunNow: job finished", "job", name, "duration", time.Since(start))
	return nil
}

// Jobs returns the scheduled job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	return names
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// AddMaintenance registers the prune and reap jobs. An empty expression uses
// the default schedule; a nil dependency skips its job.
func (s *Scheduler) AddMaintenance(pruner Pruner, pruneExpr string, reaper Reaper, reapExpr string) error {
	if pruner != nil {
		if pruneExpr == "" {
			pruneExpr = DefaultPruneSchedule
		}
		err := s.AddJob(JobPruneRateWindows, pruneExpr, func(ctx context.Context) error {
			n, err := pruner.PruneExpired(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Info("Scheduler: pruned rate windows", "count", n)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if reaper != nil {
		if reapExpr == "" {
			reapExpr = DefaultReapSchedule
		}
		err := s.AddJob(JobReapStaleLeases, reapExpr, func(ctx context.Context) error {
			res, err := reaper.Reap(ctx)
			if err != nil {
				return err
			}
			if res.Requeued+res.Exhausted+res.Expired > 0 {
				slog.Info("Scheduler: reaped stale stubs", "requeued", res.Requeued, "exhausted", res.Exhausted, "expired", res.Expired)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
