package modclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const defaultSweepConcurrency = 4

// ThreadChecker reports whether a thread channel still exists.
// A missing thread is reported as (false, nil), not as an error.
type ThreadChecker interface {
	ThreadExists(ctx context.Context, threadID string) (bool, error)
}

// ThreadCheckerFunc adapts a function to [ThreadChecker].
type ThreadCheckerFunc func(ctx context.Context, threadID string) (bool, error)

func (f ThreadCheckerFunc) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	return f(ctx, threadID)
}

// CleanupSweeper removes claim records for threads that no longer exist.
type CleanupSweeper struct {
	store    ClaimStore
	notifier NotificationDispatcher
	logger   *slog.Logger

	// concurrency limits the number of simultaneous thread lookups
	concurrency int

	// guilds, if set, limits which guilds OnThreadDeleted acts on
	guilds func(guildID string) bool
}

func NewCleanupSweeper(
	store ClaimStore,
	notifier NotificationDispatcher,
	logger *slog.Logger,
) *CleanupSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupSweeper{
		store:       store,
		notifier:    notifier,
		logger:      logger.With(loggerNameKey, "cleanup_sweeper"),
		concurrency: defaultSweepConcurrency,
	}
}

// Sweep deletes each record in the guild whose thread no longer exists,
// and returns the number of deleted records. Lookup errors other than
// "not found" are logged and the record is left alone.
func (s *CleanupSweeper) Sweep(ctx context.Context, guildID string, checker ThreadChecker) (
	int,
	error,
) {
	logger := s.logger.With("guild_id", guildID)

	// collected first, so deletes don't run against an open cursor
	records, err := collectRecords(ctx, s.store, guildID)
	if err != nil {
		return 0, fmt.Errorf("error listing claim records: %w", err)
	}
	logger.DebugContext(ctx, "sweeping claim records", "count", len(records))

	var removed atomic.Int64
	var deleteErrs = make([]error, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.concurrency, 1))

	for idx, rec := range records {
		g.Go(
			func() error {
				exists, lookupErr := checker.ThreadExists(gctx, rec.ThreadID)
				if lookupErr != nil {
					logger.WarnContext(
						gctx,
						"error checking thread, skipping",
						"thread_id", rec.ThreadID,
						tint.Err(lookupErr),
					)
					return nil
				}
				if exists {
					return nil
				}
				deleted, delErr := s.store.DeleteRecord(gctx, guildID, rec.ThreadID)
				if delErr != nil {
					deleteErrs[idx] = fmt.Errorf("thread %s: %w", rec.ThreadID, delErr)
					return nil
				}
				if deleted {
					removed.Add(1)
					logger.InfoContext(gctx, "removed stale claim record", "thread_id", rec.ThreadID)
					s.notify(gctx, ClaimEventSwept, rec)
				}
				return nil
			},
		)
	}
	_ = g.Wait()

	count := int(removed.Load())
	if joined := errors.Join(deleteErrs...); joined != nil {
		logger.ErrorContext(ctx, "error deleting stale records", tint.Err(joined))
		return count, joined
	}
	return count, nil
}

// OnThreadDeleted deletes the record for a thread that was just deleted.
// Guilds not served by this bot are ignored.
func (s *CleanupSweeper) OnThreadDeleted(ctx context.Context, guildID, threadID string) (
	bool,
	error,
) {
	if s.guilds != nil && !s.guilds(guildID) {
		s.logger.DebugContext(
			ctx,
			"ignoring channel delete for unknown guild",
			"guild_id", guildID,
			"thread_id", threadID,
		)
		return false, nil
	}
	deleted, err := s.store.DeleteRecord(ctx, guildID, threadID)
	if err != nil {
		return false, fmt.Errorf("error deleting claim record: %w", err)
	}
	if deleted {
		s.logger.InfoContext(
			ctx,
			"removed claim record for deleted thread",
			"guild_id", guildID,
			"thread_id", threadID,
		)
		s.notify(ctx, ClaimEventSwept, ClaimRecord{GuildID: guildID, ThreadID: threadID})
	}
	return deleted, nil
}

// Run sweeps every guild with claim records each interval, until
// ctx is cancelled.
func (s *CleanupSweeper) Run(ctx context.Context, interval time.Duration, checker ThreadChecker) {
	if interval <= 0 {
		s.logger.InfoContext(ctx, "periodic sweep disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "stopping periodic sweep")
			return
		case <-ticker.C:
			s.sweepAll(ctx, checker)
		}
	}
}

func (s *CleanupSweeper) sweepAll(ctx context.Context, checker ThreadChecker) {
	guildIDs, err := s.store.ListGuilds(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "error listing guilds", tint.Err(err))
		return
	}
	for _, guildID := range guildIDs {
		if ctx.Err() != nil {
			return
		}
		if s.guilds != nil && !s.guilds(guildID) {
			continue
		}
		removed, sweepErr := s.Sweep(ctx, guildID, checker)
		if sweepErr != nil {
			s.logger.ErrorContext(ctx, "sweep failed", "guild_id", guildID, tint.Err(sweepErr))
			continue
		}
		if removed > 0 {
			s.logger.InfoContext(ctx, "periodic sweep finished", "guild_id", guildID, "removed", removed)
		}
	}
}

func (s *CleanupSweeper) notify(ctx context.Context, eventType ClaimEventType, rec ClaimRecord) {
	if s.notifier == nil {
		return
	}
	e := NewClaimEvent(eventType, rec.GuildID, rec.ThreadID, "")
	s.notifier.Notify(ctx, e)
}
