package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lderrors "github.com/syndtr/goleveldb/leveldb/errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Database is the key-value store the chain index sits on.
type Database interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	// Write applies every write in the batch or none of them.
	Write(batch *Batch) error
	Close()
}

// Batch collects puts applied together by Database.Write.
type Batch struct {
	keys   [][]byte
	values [][]byte
}

// Put queues a write. key and value are copied.
func (b *Batch) Put(key, value []byte) {
	b.keys = append(b.keys, append([]byte(nil), key...))
	b.values = append(b.values, append([]byte(nil), value...))
}

// Len returns the number of queued writes.
func (b *Batch) Len() int { return len(b.keys) }

// MemDB keeps everything in a map. Used by tests.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (db *MemDB) Put(key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *MemDB) Write(batch *Batch) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i, key := range batch.keys {
		db.data[string(key)] = batch.values[i]
	}
	return nil
}

func (db *MemDB) Close() {}

// LevelDB is the on-disk store.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens or creates the database at path. A corrupted manifest is
// recovered from the table files instead of failing the open.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if lderrors.IsCorrupted(err) {
		slog.Default().Warn("Recovering corrupted database", slog.String("path", path), slog.Any("error", err))
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (ldb *LevelDB) Put(key, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

func (ldb *LevelDB) Write(batch *Batch) error {
	b := new(leveldb.Batch)
	for i, key := range batch.keys {
		b.Put(key, batch.values[i])
	}
	return ldb.db.Write(b, nil)
}

func (ldb *LevelDB) Close() {
	if err := ldb.db.Close(); err != nil {
		slog.Default().Warn("Closing database failed", slog.Any("error", err))
	}
}
