package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"feed-crawler/internal/config"
	"feed-crawler/pkg/types"
)

// ErrNotFound is returned for a missing or expired key and an empty queue.
var ErrNotFound = errors.New("cache: not found")

// HotStore holds short-lived values: ranking snapshots and crawl progress.
type HotStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// FillQueue carries vision-fill requests to the external analysis step.
type FillQueue interface {
	Push(ctx context.Context, req types.FillRequest) error
	Pop(ctx context.Context) (*types.FillRequest, error)
	Len(ctx context.Context) (int64, error)
}

func RankingKey(account string) string {
	return "ranking:" + account
}

func ProgressKey(taskID string) string {
	return "progress:" + taskID
}

// Open builds the configured hot store and its fill queue. Both share one
// connection; closing the store releases it.
func Open(cfg config.HotConfig, logger *logrus.Logger) (HotStore, FillQueue, error) {
	switch cfg.Backend {
	case "redis":
		store, err := NewRedisStore(cfg.RedisURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, NewRedisQueue(store.client, cfg.FillQueue), nil
	case "badger":
		store, err := NewBadgerStore(cfg.BadgerPath, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, NewBadgerQueue(store.db, cfg.FillQueue), nil
	}
	return nil, nil, fmt.Errorf("unknown hot backend %q", cfg.Backend)
}
