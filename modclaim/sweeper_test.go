package modclaim

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// existingThreads is a ThreadChecker reporting only the given threads
// as existing
func existingThreads(threadIDs ...string) ThreadCheckerFunc {
	set := make(map[string]struct{}, len(threadIDs))
	for _, id := range threadIDs {
		set[id] = struct{}{}
	}
	return func(_ context.Context, threadID string) (bool, error) {
		_, ok := set[threadID]
		return ok, nil
	}
}

func TestCleanupSweeper_Sweep(t *testing.T) {
	t.Parallel()
	forEachStore(
		t, func(t *testing.T, store Store) {
			ctx := context.Background()
			for _, threadID := range []string{"t1", "t2", "t3"} {
				_, err := store.UpsertRecord(ctx, "g1", threadID, []string{"u1"})
				require.NoError(t, err)
			}
			_, err := store.UpsertRecord(ctx, "g2", "t4", []string{"u1"})
			require.NoError(t, err)

			notifier := newRecordingNotifier()
			sweeper := NewCleanupSweeper(store, notifier, nil)

			removed, err := sweeper.Sweep(ctx, "g1", existingThreads("t2"))
			require.NoError(t, err)
			assert.Equal(t, 2, removed)

			records, err := collectRecords(ctx, store, "g1")
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "t2", records[0].ThreadID)
			assert.Equal(t, []string{"u1"}, records[0].Claimers)

			// other guilds are untouched
			_, err = store.GetRecord(ctx, "g2", "t4")
			require.NoError(t, err)

			events := notifier.Events()
			require.Len(t, events, 2)
			for _, e := range events {
				assert.Equal(t, ClaimEventSwept, e.Type)
				assert.Equal(t, "g1", e.GuildID)
			}
			assert.ElementsMatch(t, []string{"t1", "t3"}, []string{events[0].ThreadID, events[1].ThreadID})
		},
	)
}

func TestCleanupSweeper_LookupErrorKeepsRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestGormStore(t)
	for _, threadID := range []string{"t1", "t2"} {
		_, err := store.UpsertRecord(ctx, "g1", threadID, []string{"u1"})
		require.NoError(t, err)
	}

	sweeper := NewCleanupSweeper(store, nil, nil)
	checker := ThreadCheckerFunc(
		func(_ context.Context, threadID string) (bool, error) {
			if threadID == "t1" {
				return false, errors.New("discord unavailable")
			}
			return false, nil
		},
	)
	removed, err := sweeper.Sweep(ctx, "g1", checker)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetRecord(ctx, "g1", "t1")
	require.NoError(t, err)
	_, err = store.GetRecord(ctx, "g1", "t2")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestCleanupSweeper_EmptyGuild(t *testing.T) {
	t.Parallel()
	sweeper := NewCleanupSweeper(newTestGormStore(t), nil, nil)
	removed, err := sweeper.Sweep(context.Background(), "g1", existingThreads())
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestCleanupSweeper_OnThreadDeleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestGormStore(t)
	_, err := store.UpsertRecord(ctx, "g1", "t1", []string{"u1"})
	require.NoError(t, err)
	_, err = store.UpsertRecord(ctx, "other", "t2", []string{"u1"})
	require.NoError(t, err)

	notifier := newRecordingNotifier()
	sweeper := NewCleanupSweeper(store, notifier, nil)
	sweeper.guilds = func(guildID string) bool { return guildID == "g1" }

	deleted, err := sweeper.OnThreadDeleted(ctx, "g1", "t1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = sweeper.OnThreadDeleted(ctx, "g1", "t1")
	require.NoError(t, err)
	assert.False(t, deleted)

	// guilds the bot doesn't serve are ignored
	deleted, err = sweeper.OnThreadDeleted(ctx, "other", "t2")
	require.NoError(t, err)
	assert.False(t, deleted)
	_, err = store.GetRecord(ctx, "other", "t2")
	require.NoError(t, err)

	events := notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ClaimEventSwept, events[0].Type)
	assert.Equal(t, "t1", events[0].ThreadID)
}

func TestCleanupSweeper_Run(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := newTestRedisStore(t)
	_, err := store.UpsertRecord(ctx, "g1", "t1", []string{"u1"})
	require.NoError(t, err)
	_, err = store.UpsertRecord(ctx, "g2", "t2", []string{"u1"})
	require.NoError(t, err)

	sweeper := NewCleanupSweeper(store, nil, nil)
	var checked atomic.Int64
	checker := ThreadCheckerFunc(
		func(_ context.Context, _ string) (bool, error) {
			checked.Add(1)
			return false, nil
		},
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(ctx, 10*time.Millisecond, checker)
	}()

	require.Eventually(
		t, func() bool {
			guilds, listErr := store.ListGuilds(ctx)
			if listErr != nil {
				return false
			}
			for _, g := range guilds {
				records, collectErr := collectRecords(ctx, store, g)
				if collectErr != nil || len(records) > 0 {
					return false
				}
			}
			return true
		}, 5*time.Second, 20*time.Millisecond,
	)
	assert.GreaterOrEqual(t, checked.Load(), int64(2))

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper didn't stop")
	}
}

func TestCleanupSweeper_RunDisabled(t *testing.T) {
	t.Parallel()
	sweeper := NewCleanupSweeper(newTestGormStore(t), nil, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(context.Background(), 0, existingThreads())
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected Run to return immediately")
	}
}
