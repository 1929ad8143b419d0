package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ReaperOperator identifies system-initiated archival in logs.
const ReaperOperator = "system:idle-reaper"

// IdleArchiver archives sessions with no activity since a cutoff.
type IdleArchiver interface {
	ArchiveIdleSessions(ctx context.Context, before time.Time) (int64, error)
}

// Reaper periodically archives idle sessions on a cron schedule.
type Reaper struct {
	repo      IdleArchiver
	ttl       time.Duration
	schedule  string
	log       *slog.Logger
	now       func() time.Time
	onArchive func(n int64)
}

// NewReaper creates a reaper archiving sessions idle longer than ttl.
// onArchive, if set, is called with the count after each sweep that archived something.
func NewReaper(repo IdleArchiver, ttl time.Duration, schedule string, onArchive func(n int64), log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{repo: repo, ttl: ttl, schedule: schedule, log: log, now: time.Now, onArchive: onArchive}
}

// Sweep archives sessions whose last activity is older than the TTL.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.ttl)
	n, err := r.repo.ArchiveIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive idle sessions: %w", err)
	}
	if n > 0 {
		r.log.Info("Idle reaper archived sessions", "count", n, "cutoff", cutoff, "operator", ReaperOperator)
		if r.onArchive != nil {
			r.onArchive(n)
		}
	}
	return n, nil
}

// Start schedules sweeps until ctx is done. A non-positive TTL disables the reaper.
func (r *Reaper) Start(ctx context.Context) error {
	if r.ttl <= 0 {
		r.log.Info("Idle reaper disabled")
		return nil
	}

	logger := cronLogger{log: r.log}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.log.Error("Idle reaper sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule idle reaper %q: %w", r.schedule, err)
	}

	c.Start()
	r.log.Info("Idle reaper started", "schedule", r.schedule, "ttl", r.ttl)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		r.log.Info("Idle reaper shutting down", "reason", ctx.Err())
	}()
	return nil
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
