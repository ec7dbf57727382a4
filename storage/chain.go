package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"nhbpeer/core/types"
)

var (
	// ErrChainEmpty is returned when no block has been appended yet.
	ErrChainEmpty = errors.New("storage: chain is empty")
	// ErrNonContiguous is returned when an appended header does not extend the tip.
	ErrNonContiguous = errors.New("storage: header does not extend the chain tip")
)

var (
	tipKey       = []byte("chain/tip")
	heightPrefix = []byte("chain/h/")
)

// ChainStore indexes the locally accepted block headers by height. It is the
// local view peers are verified against.
type ChainStore struct {
	db Database

	mu  sync.RWMutex
	tip *types.BlockHeader
}

// NewChainStore opens a chain index on top of db, restoring the stored tip.
func NewChainStore(db Database) (*ChainStore, error) {
	if db == nil {
		return nil, errors.New("storage: nil database")
	}
	store := &ChainStore{db: db}
	raw, err := db.Get(tipKey)
	if errors.Is(err, ErrNotFound) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load chain tip: %w", err)
	}
	if len(raw) != 8 {
		return nil, fmt.Errorf("corrupt chain tip record")
	}
	tip, err := store.load(binary.BigEndian.Uint64(raw))
	if err != nil {
		return nil, fmt.Errorf("load chain tip header: %w", err)
	}
	store.tip = tip
	return store, nil
}

// Append stores header as the new tip. The first header may have any height;
// subsequent headers must be at tip+1 and link to the tip id.
func (s *ChainStore) Append(header *types.BlockHeader) error {
	if header == nil {
		return errors.New("storage: nil header")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tip != nil {
		if header.Height != s.tip.Height+1 {
			return fmt.Errorf("%w: height %d after %d", ErrNonContiguous, header.Height, s.tip.Height)
		}
		if header.PreviousBlock != s.tip.ID {
			return fmt.Errorf("%w: previous block %s, tip %s", ErrNonContiguous, header.PreviousBlock, s.tip.ID)
		}
	}
	body, err := json.Marshal(header)
	if err != nil {
		return err
	}
	var tip [8]byte
	binary.BigEndian.PutUint64(tip[:], header.Height)
	batch := new(Batch)
	batch.Put(heightKey(header.Height), body)
	batch.Put(tipKey, tip[:])
	if err := s.db.Write(batch); err != nil {
		return fmt.Errorf("store header %d: %w", header.Height, err)
	}
	cp := *header
	s.tip = &cp
	return nil
}

// LastBlock returns the current tip.
func (s *ChainStore) LastBlock(ctx context.Context) (*types.BlockHeader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tip == nil {
		return nil, ErrChainEmpty
	}
	cp := *s.tip
	return &cp, nil
}

// BlockAtHeight returns the header stored at height, or ErrNotFound.
func (s *ChainStore) BlockAtHeight(ctx context.Context, height uint64) (*types.BlockHeader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(height)
}

func (s *ChainStore) load(height uint64) (*types.BlockHeader, error) {
	raw, err := s.db.Get(heightKey(height))
	if err != nil {
		return nil, err
	}
	var header types.BlockHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("decode header %d: %w", height, err)
	}
	return &header, nil
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(heightPrefix)+8)
	copy(key, heightPrefix)
	binary.BigEndian.PutUint64(key[len(heightPrefix):], height)
	return key
}
