package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optrack.evalgo.org/statemanager"
)

func newTestStore(t *testing.T, retention time.Duration) (*HistoryStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store, err := NewHistoryStore(context.Background(), Config{
		RedisURL:  "redis://" + mr.Addr(),
		KeyPrefix: "test:",
		Retention: retention,
		Logger:    logrus.NewEntry(logger),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func entry(id uint64, label string, completedAt time.Time) statemanager.HistoryEntry {
	return statemanager.HistoryEntry{
		ID:          id,
		Key:         statemanager.OperationKey{SourceURL: "https://example.com/o/" + label + ".git", DestinationPath: "/addons"},
		Label:       label,
		CompletedAt: completedAt,
		Outcome:     statemanager.EventCompleted,
	}
}

// TestHistoryStore_AddAndRecent tests mirroring entries into the sorted set
func TestHistoryStore_AddAndRecent(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Add(ctx, entry(2, "second", now)))
	require.NoError(t, store.Add(ctx, entry(1, "first", now.Add(-time.Minute))))

	members, err := mr.ZMembers("test:history")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	recent, err := store.Recent(ctx)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "first", recent[0].Label)
	assert.Equal(t, "second", recent[1].Label)
	assert.Equal(t, "https://example.com/o/second.git", recent[1].Key.SourceURL)
	assert.WithinDuration(t, now, recent[1].CompletedAt, time.Millisecond)
}

// TestHistoryStore_Prune tests that entries older than the retention window are dropped
func TestHistoryStore_Prune(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Add(ctx, entry(1, "stale", now.Add(-10*time.Minute))))
	require.NoError(t, store.Add(ctx, entry(2, "fresh", now)))

	members, err := mr.ZMembers("test:history")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	recent, err := store.Recent(ctx)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "fresh", recent[0].Label)
}

// TestHistoryStore_Observer tests the HistoryObserver hooks through a Manager
func TestHistoryStore_Observer(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	m := statemanager.New(statemanager.Config{
		LiveRetention:    time.Hour,
		HistoryRetention: 100 * time.Millisecond,
		HistoryObserver:  store,
		Logger:           logrus.NewEntry(logger),
	})
	defer m.Close()

	key := statemanager.OperationKey{SourceURL: "https://example.com/o/repo.git", DestinationPath: "/addons"}
	require.NoError(t, m.Apply(statemanager.OperationEvent{Key: key, Kind: statemanager.EventError, Message: "boom"}))

	recent, err := store.Recent(context.Background())
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "repo", recent[0].Label)
	assert.Equal(t, "boom", recent[0].Message)

	// the in-process timer removes the mirrored entry as well
	assert.Eventually(t, func() bool {
		recent, err := store.Recent(context.Background())
		return err == nil && len(recent) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

// TestNewHistoryStore_Errors tests connection failures
func TestNewHistoryStore_Errors(t *testing.T) {
	_, err := NewHistoryStore(context.Background(), Config{RedisURL: "not-a-url"})
	assert.Error(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewHistoryStore(context.Background(), Config{RedisURL: "redis://" + addr})
	assert.Error(t, err)
}
