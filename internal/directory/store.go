// Package directory persists object records in pebble and arbitrates
// per-key mutations through an in-memory lock table.
package directory

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/blobmesh/internal/record"
)

// recordPrefix namespaces record keys. The raw object key follows it
// unmodified, so keys of any length map to distinct pebble keys.
const recordPrefix = "r:"

// DefaultLockShards is the number of lock table shards when none is configured.
const DefaultLockShards = 64

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("record not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("directory store closed")
)

// Options configures a Store.
type Options struct {
	// LockShards is the number of independent lock table shards.
	LockShards int
	// FS overrides the pebble filesystem; tests use vfs.NewMem().
	FS vfs.FS
	// NoSync disables fsync on writes.
	NoSync bool
	// ReadOnly opens an existing database without write access. Put and
	// Delete fail with pebble.ErrReadOnly.
	ReadOnly bool
	Logger zerolog.Logger
}

// Store is the directory of object records.
//
// Records read back from the store never contain empty volume names; an
// empty replica set is returned as nil Volumes.
type Store struct {
	mu        sync.RWMutex // guards db against Close
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	locks     *lockTable
	logger    zerolog.Logger
}

// Open opens (or creates) the pebble database at path.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	pebbleOpts := &pebble.Options{ReadOnly: opts.ReadOnly}
	if opts.FS != nil {
		pebbleOpts.FS = opts.FS
	} else if !opts.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}

	writeOpts := pebble.Sync
	if opts.NoSync {
		writeOpts = pebble.NoSync
	}

	s := &Store{
		db:        db,
		writeOpts: writeOpts,
		locks:     newLockTable(opts.LockShards),
		logger:    opts.Logger.With().Str("component", "directory").Logger(),
	}
	s.logger.Info().
		Str("path", path).
		Int("lock_shards", len(s.locks.shards)).
		Bool("read_only", opts.ReadOnly).
		Msg("Directory store opened")
	return s, nil
}

// Close closes the underlying database. It waits for in-flight reads,
// writes and scans to finish.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	db := s.db
	s.db = nil
	if err := db.Close(); err != nil {
		return err
	}
	s.logger.Info().Msg("Directory store closed")
	return nil
}

// Ping reports whether the store is open.
func (s *Store) Ping() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	return nil
}

func recordKey(key []byte) []byte {
	k := make([]byte, 0, len(recordPrefix)+len(key))
	k = append(k, recordPrefix...)
	return append(k, key...)
}

// decodeRecord unmarshals a stored value. The codec yields [""] for an
// empty replica set; empty names are dropped here.
func decodeRecord(v []byte) (record.Record, error) {
	rec, err := record.Unmarshal(v)
	if err != nil {
		return record.Record{}, err
	}
	rec.Volumes = slices.DeleteFunc(rec.Volumes, func(name string) bool { return name == "" })
	if len(rec.Volumes) == 0 {
		rec.Volumes = nil
	}
	return rec, nil
}

// Get returns the record stored for key, or ErrNotFound.
func (s *Store) Get(key []byte) (record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return record.Record{}, ErrClosed
	}
	v, closer, err := s.db.Get(recordKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return record.Record{}, ErrNotFound
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("get record: %w", err)
	}
	defer func() { _ = closer.Close() }()

	rec, err := decodeRecord(v)
	if err != nil {
		return record.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// Put stores rec under key. rec must not be HardDeleted.
func (s *Store) Put(key []byte, rec record.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	if err := s.db.Set(recordKey(key), record.Marshal(rec), s.writeOpts); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// Delete removes the record for key. Deleting an absent key is not an error.
func (s *Store) Delete(key []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	if err := s.db.Delete(recordKey(key), s.writeOpts); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// ForEach calls fn for every record in key order. Iteration stops at the
// first error returned by fn or by decoding.
func (s *Store) ForEach(fn func(key []byte, rec record.Record) error) error {
	return s.Scan(nil, nil, fn)
}

// ErrStopScan may be returned by a Scan callback to end iteration without error.
var ErrStopScan = errors.New("stop scan")

// Scan calls fn, in key order, for every record whose key starts with prefix
// and sorts at or after start. fn must not call Close.
func (s *Store) Scan(prefix, start []byte, fn func(key []byte, rec record.Record) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	lower := recordKey(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return fmt.Errorf("create iterator: %w", err)
	}
	defer func() { _ = iter.Close() }()

	valid := iter.First()
	if len(start) > 0 {
		valid = iter.SeekGE(recordKey(start))
	}
	for ; valid; valid = iter.Next() {
		key := bytes.Clone(iter.Key()[len(recordPrefix):])
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return fmt.Errorf("decode record %q: %w", key, err)
		}
		if err := fn(key, rec); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return iter.Error()
}

func prefixUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Lock tries to take exclusive rights on key for one mutating operation.
// It never blocks on other keys beyond the shard's critical section.
func (s *Store) Lock(key []byte) bool {
	return s.locks.lock(key)
}

// Unlock releases key. Unlocking a key that is not held is a no-op.
func (s *Store) Unlock(key []byte) {
	s.locks.unlock(key)
}

// HeldLocks returns the number of keys currently locked.
func (s *Store) HeldLocks() int {
	return s.locks.held()
}
