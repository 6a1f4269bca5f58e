// Package redis mirrors the completion history into a Redis sorted set, so
// other processes (and restarts of this one) can read recent outcomes.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"optrack.evalgo.org/common"
	"optrack.evalgo.org/statemanager"
)

// HistoryStore writes history entries into "<prefix>history", scored by
// completion time in milliseconds.
type HistoryStore struct {
	client    *redis.Client
	ctx       context.Context
	prefix    string
	retention time.Duration
	logger    *logrus.Entry
}

// Config configures the history store
type Config struct {
	RedisURL  string        // Redis URL (defaults to redis://localhost:6379/0)
	KeyPrefix string        // Key prefix (defaults to "optrack:")
	Retention time.Duration // entries older than this are pruned (defaults to the history retention)
	Logger    *logrus.Entry
}

// NewHistoryStore connects to Redis and verifies the connection
func NewHistoryStore(ctx context.Context, config Config) (*HistoryStore, error) {
	redisURL := config.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "optrack:"
	}
	retention := config.Retention
	if retention <= 0 {
		retention = statemanager.DefaultHistoryRetention
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}

	return &HistoryStore{
		client:    client,
		ctx:       ctx,
		prefix:    prefix,
		retention: retention,
		logger:    logger.WithField("component", "redis-history"),
	}, nil
}

// Close closes the Redis connection
func (s *HistoryStore) Close() error {
	return s.client.Close()
}

func (s *HistoryStore) key() string {
	return s.prefix + "history"
}

// Add stores an entry and prunes entries older than the retention window
func (s *HistoryStore) Add(ctx context.Context, entry statemanager.HistoryEntry) error {
	member, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	cutoff := time.Now().Add(-s.retention).UnixMilli()

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.key(), redis.Z{
		Score:  float64(entry.CompletedAt.UnixMilli()),
		Member: string(member),
	})
	pipe.ZRemRangeByScore(ctx, s.key(), "-inf", "("+strconv.FormatInt(cutoff, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store history entry: %w", err)
	}
	return nil
}

// Remove deletes an entry
func (s *HistoryStore) Remove(ctx context.Context, entry statemanager.HistoryEntry) error {
	member, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	if err := s.client.ZRem(ctx, s.key(), string(member)).Err(); err != nil {
		return fmt.Errorf("failed to remove history entry: %w", err)
	}
	return nil
}

// Recent returns the entries inside the retention window, oldest first
func (s *HistoryStore) Recent(ctx context.Context) ([]statemanager.HistoryEntry, error) {
	cutoff := time.Now().Add(-s.retention).UnixMilli()

	members, err := s.client.ZRangeByScore(ctx, s.key(), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	entries := make([]statemanager.HistoryEntry, 0, len(members))
	for _, m := range members {
		var entry statemanager.HistoryEntry
		if err := json.Unmarshal([]byte(m), &entry); err != nil {
			s.logger.WithError(err).Warn("Skipping unreadable history entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// EntryAdded implements statemanager.HistoryObserver
func (s *HistoryStore) EntryAdded(entry statemanager.HistoryEntry) {
	if err := s.Add(s.ctx, entry); err != nil {
		s.logger.WithError(err).Warn("Failed to mirror history entry")
	}
}

// EntryRemoved implements statemanager.HistoryObserver
func (s *HistoryStore) EntryRemoved(entry statemanager.HistoryEntry) {
	if err := s.Remove(s.ctx, entry); err != nil {
		s.logger.WithError(err).Warn("Failed to remove mirrored history entry")
	}
}
