package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/clausechat/clausechat/internal/store"
)

// ReaperStore is the store slice the reaper needs.
type ReaperStore interface {
	ListStaleJobs(ctx context.Context, cutoff time.Time) ([]store.ProcessingJob, error)
	FailJob(ctx context.Context, id, message string) error
	FinalizeProcessing(ctx context.Context, documentID string, success bool) error
}

// Reaper fails jobs stuck in processing past the stale deadline and
// releases their holds, so a crashed stage never leaks a reservation.
type Reaper struct {
	store      ReaperStore
	rdb        *redis.Client
	schedule   *cronexpr.Expression
	staleAfter time.Duration
	logger     *log.Logger
}

// NewReaper parses the cron schedule. rdb may be nil in single-node
// deployments; the sweep then runs without a distributed lock.
func NewReaper(st ReaperStore, rdb *redis.Client, cronSpec string, staleAfter time.Duration, logger *log.Logger) (*Reaper, error) {
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return nil, fmt.Errorf("parse reaper cron %q: %w", cronSpec, err)
	}
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[REAP] ", log.LstdFlags)
	}
	return &Reaper{store: st, rdb: rdb, schedule: expr, staleAfter: staleAfter, logger: logger}, nil
}

// Start runs the sweep loop until the context is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		for {
			next := r.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Sweep fails every stale job once. With redis configured, only one
// node performs a given sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	if r.rdb != nil {
		ok, err := r.rdb.SetNX(ctx, "clausechat:reaper:lock", "1", time.Minute).Result()
		if err != nil {
			r.logger.Printf("warn: reaper lock: %v", err)
			return
		}
		if !ok {
			return
		}
	}
	cutoff := time.Now().Add(-r.staleAfter)
	jobs, err := r.store.ListStaleJobs(ctx, cutoff)
	if err != nil {
		r.logger.Printf("warn: list stale jobs: %v", err)
		return
	}
	for _, job := range jobs {
		msg := fmt.Sprintf("stage %s stalled; no progress since %s", job.Stage, job.UpdatedAt.UTC().Format(time.RFC3339))
		if err := r.store.FailJob(ctx, job.ID, msg); err != nil {
			r.logger.Printf("warn: fail stale job %s: %v", job.ID, err)
			continue
		}
		if err := r.store.FinalizeProcessing(ctx, job.DocumentID, false); err != nil {
			r.logger.Printf("warn: finalize stale document %s: %v", job.DocumentID, err)
		}
		r.logger.Printf("reaped stale %s job %s (document %s)", job.Stage, job.ID, job.DocumentID)
	}
}
