// Package dedup remembers recently seen message ids in a LevelDB directory so
// retried webhook deliveries are processed once.
package dedup

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const prefixSeen = "seen:"

// Store is a set of keys with per-entry expiry. Values hold the expiry as
// unix nanoseconds.
type Store struct {
	db  *leveldb.DB
	ttl time.Duration
	now func() time.Time
	mu  sync.Mutex
}

// Open opens (or creates) the store at path. An empty path keeps everything in
// memory.
func Open(path string, ttl time.Duration) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, &opt.Options{})
	}
	if err != nil {
		return nil, err
	}
	return &Store{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) Close() error { return s.db.Close() }

// Seen reports whether key was marked within the TTL and marks it if not.
func (s *Store) Seen(key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := []byte(prefixSeen + key)
	now := s.now()
	v, err := s.db.Get(k, nil)
	switch {
	case err == nil:
		exp, perr := strconv.ParseInt(string(v), 10, 64)
		if perr == nil && now.UnixNano() < exp {
			return true, nil
		}
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return false, err
	}
	exp := now.Add(s.ttl).UnixNano()
	if err := s.db.Put(k, []byte(strconv.FormatInt(exp, 10)), nil); err != nil {
		return false, err
	}
	return false, nil
}

// Forget unmarks key so a redelivery is processed again.
func (s *Store) Forget(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete([]byte(prefixSeen+key), nil)
}

// Purge drops expired entries and returns how many were removed.
func (s *Store) Purge() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UnixNano()
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixSeen)), nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		exp, err := strconv.ParseInt(string(iter.Value()), 10, 64)
		if err != nil || exp <= now {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	return batch.Len(), s.db.Write(batch, nil)
}
