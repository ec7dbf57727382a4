package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	defaultBaseBackoff = time.Second
	defaultMaxBackoff  = 30 * time.Minute

	peerBookPrefix = "peer:"
)

// ErrUnknownPeer is returned for addresses the book has never seen.
var ErrUnknownPeer = errors.New("p2p: unknown peer")

// PeerBookEntry is the persisted bookkeeping for one peer address.
type PeerBookEntry struct {
	Addr        string    `json:"addr"`
	Source      string    `json:"source,omitempty"`
	Version     string    `json:"version,omitempty"`
	Height      uint64    `json:"height"`
	LastSeen    time.Time `json:"lastSeen"`
	LastSuccess time.Time `json:"lastSuccess"`
	Fails       int       `json:"fails"`
	BannedUntil time.Time `json:"bannedUntil"`
}

// PeerBook is a concurrency-safe persistent registry of peer addresses with
// exponential ping backoff.
type PeerBook struct {
	mu sync.RWMutex

	db     *leveldb.DB
	byAddr map[string]*PeerBookEntry

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// OpenPeerBook opens (or creates) a peer book backed by LevelDB at path.
func OpenPeerBook(path string, baseBackoff, maxBackoff time.Duration) (*PeerBook, error) {
	if path == "" {
		return nil, errors.New("p2p: peer book path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peer book: %w", err)
	}
	return newPeerBook(db, baseBackoff, maxBackoff)
}

// NewMemoryPeerBook returns a peer book that lives only in memory.
func NewMemoryPeerBook(baseBackoff, maxBackoff time.Duration) (*PeerBook, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open peer book: %w", err)
	}
	return newPeerBook(db, baseBackoff, maxBackoff)
}

func newPeerBook(db *leveldb.DB, baseBackoff, maxBackoff time.Duration) (*PeerBook, error) {
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	book := &PeerBook{
		db:          db,
		byAddr:      make(map[string]*PeerBookEntry),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
	if err := book.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return book, nil
}

// Close flushes and closes the underlying database.
func (b *PeerBook) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	b.byAddr = nil
	return err
}

// Add registers addr if it is not known yet. Existing bookkeeping is kept.
func (b *PeerBook) Add(addr, source string) (bool, error) {
	if addr == "" {
		return false, errors.New("p2p: peer address required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byAddr[addr]; ok {
		return false, nil
	}
	rec := &PeerBookEntry{Addr: addr, Source: source}
	b.byAddr[addr] = rec
	return true, b.persistLocked(rec)
}

// Get returns the entry for addr.
func (b *PeerBook) Get(addr string) (PeerBookEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec := b.byAddr[addr]
	if rec == nil {
		return PeerBookEntry{}, false
	}
	return *rec, true
}

// Entries returns every entry ordered by address.
func (b *PeerBook) Entries() []PeerBookEntry {
	b.mu.RLock()
	out := make([]PeerBookEntry, 0, len(b.byAddr))
	for _, rec := range b.byAddr {
		out = append(out, *rec)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Len returns the number of known addresses.
func (b *PeerBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byAddr)
}

// RecordSuccess stores the outcome of a verified ping and resets the backoff.
func (b *PeerBook) RecordSuccess(addr string, now time.Time, state PeerState, version string) (PeerBookEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.byAddr[addr]
	if rec == nil {
		return PeerBookEntry{}, fmt.Errorf("record success %s: %w", addr, ErrUnknownPeer)
	}
	rec.LastSeen = now
	rec.LastSuccess = now
	rec.Fails = 0
	rec.Height = state.Height
	if version != "" {
		rec.Version = version
	}
	if rec.BannedUntil.After(now) {
		rec.BannedUntil = time.Time{}
	}
	if err := b.persistLocked(rec); err != nil {
		return PeerBookEntry{}, err
	}
	return *rec, nil
}

// RecordFail increases the failure counter, which grows the backoff.
func (b *PeerBook) RecordFail(addr string, now time.Time) (PeerBookEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.byAddr[addr]
	if rec == nil {
		return PeerBookEntry{}, fmt.Errorf("record fail %s: %w", addr, ErrUnknownPeer)
	}
	rec.Fails++
	rec.LastSeen = now
	if err := b.persistLocked(rec); err != nil {
		return PeerBookEntry{}, err
	}
	return *rec, nil
}

// SetBan suspends pings of addr until the given time.
func (b *PeerBook) SetBan(addr string, until time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.byAddr[addr]
	if rec == nil {
		return fmt.Errorf("set ban %s: %w", addr, ErrUnknownPeer)
	}
	rec.BannedUntil = until
	return b.persistLocked(rec)
}

// IsBanned reports whether addr is currently banned.
func (b *PeerBook) IsBanned(addr string, now time.Time) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec := b.byAddr[addr]
	return rec != nil && rec.BannedUntil.After(now)
}

// NextPingAt returns when addr should be pinged next based on its backoff.
func (b *PeerBook) NextPingAt(addr string, now time.Time) time.Time {
	b.mu.RLock()
	rec := b.byAddr[addr]
	if rec == nil {
		b.mu.RUnlock()
		return now
	}
	snapshot := *rec
	b.mu.RUnlock()
	if snapshot.BannedUntil.After(now) {
		return snapshot.BannedUntil
	}
	if snapshot.Fails <= 0 {
		return now
	}
	backoff := b.baseBackoff
	for i := 1; i < snapshot.Fails && backoff < b.maxBackoff; i++ {
		backoff *= 2
	}
	if backoff > b.maxBackoff {
		backoff = b.maxBackoff
	}
	next := snapshot.LastSeen.Add(backoff)
	if next.Before(now) {
		return now
	}
	return next
}

// Due lists the addresses whose next ping time has been reached.
func (b *PeerBook) Due(now time.Time) []string {
	var out []string
	for _, entry := range b.Entries() {
		if !b.NextPingAt(entry.Addr, now).After(now) {
			out = append(out, entry.Addr)
		}
	}
	return out
}

func (b *PeerBook) persistLocked(rec *PeerBookEntry) error {
	if b.db == nil {
		return errors.New("p2p: peer book closed")
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Put([]byte(peerBookPrefix+rec.Addr), blob, nil)
}

func (b *PeerBook) load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	iter := b.db.NewIterator(util.BytesPrefix([]byte(peerBookPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec PeerBookEntry
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode peer %s: %w", iter.Key(), err)
		}
		entry := rec
		b.byAddr[rec.Addr] = &entry
	}
	return iter.Error()
}
