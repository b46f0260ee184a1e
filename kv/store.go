package kv

import (
	"context"
	"encoding/binary"

	"github.com/jeanparpaillon/riak-kv/storage"
)

// Store is the slice of the partition's storage layer the tree manager
// consumes: a write path for the daemon and a synchronous full-scan fold.
type Store interface {
	Put(key []byte, objBytes []byte) error
	Get(key []byte) ([]byte, error)
	// Fold visits every (key, object bytes) pair currently held by the
	// partition, in unspecified order. It blocks until the scan completes
	// or ctx is cancelled.
	Fold(ctx context.Context, fn func(key, objBytes []byte) error) error
}

// DBStore adapts a storage.Database into a partition Store. Each partition
// keeps its objects under its own key prefix, so several partitions can
// share one database.
type DBStore struct {
	db     storage.Database
	prefix []byte
}

func NewDBStore(db storage.Database, partition uint64) *DBStore {
	prefix := make([]byte, 0, 2+8+1)
	prefix = append(prefix, 'o', '/')
	prefix = binary.BigEndian.AppendUint64(prefix, partition)
	prefix = append(prefix, '/')
	return &DBStore{db: db, prefix: prefix}
}

func (s *DBStore) objectKey(key []byte) []byte {
	k := make([]byte, 0, len(s.prefix)+len(key))
	k = append(k, s.prefix...)
	return append(k, key...)
}

func (s *DBStore) Put(key []byte, objBytes []byte) error {
	return s.db.Put(s.objectKey(key), objBytes)
}

func (s *DBStore) Get(key []byte) ([]byte, error) {
	return s.db.Get(s.objectKey(key))
}

func (s *DBStore) Fold(ctx context.Context, fn func(key, objBytes []byte) error) error {
	return s.db.Iterate(s.prefix, func(k, v []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(k[len(s.prefix):], v)
	})
}
