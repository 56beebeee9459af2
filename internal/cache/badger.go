package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"feed-crawler/pkg/types"
)

// BadgerStore is the embedded hot tier. Expiry uses badger's entry TTL.
type BadgerStore struct {
	db     *badger.DB
	logger *logrus.Logger
}

// NewBadgerStore opens a store at path. An empty path keeps everything in memory.
func NewBadgerStore(path string, logger *logrus.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", path, err)
	}

	logger.Infof("Hot store opened: badger %q", path)
	return &BadgerStore{db: db, logger: logger}, nil
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return out, nil
}

func (s *BadgerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// BadgerQueue keeps requests under queue:{name}:{enqueuedAt}:{id}; iteration
// order is enqueue order.
type BadgerQueue struct {
	db     *badger.DB
	prefix []byte
}

func NewBadgerQueue(db *badger.DB, name string) *BadgerQueue {
	return &BadgerQueue{db: db, prefix: []byte(fmt.Sprintf("queue:%s:", name))}
}

func (q *BadgerQueue) key() []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", q.prefix, time.Now().UnixNano(), uuid.NewString()))
}

func (q *BadgerQueue) Push(ctx context.Context, req types.FillRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal fill request: %w", err)
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(q.key(), data)
	})
}

func (q *BadgerQueue) Pop(ctx context.Context) (*types.FillRequest, error) {
	var req *types.FillRequest
	err := q.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		it.Seek(q.prefix)
		if !it.ValidForPrefix(q.prefix) {
			return ErrNotFound
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error {
			req = &types.FillRequest{}
			return json.Unmarshal(val, req)
		}); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (q *BadgerQueue) Len(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(q.prefix); it.ValidForPrefix(q.prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
