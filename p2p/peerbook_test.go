package p2p

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestPeerBook(t *testing.T) *PeerBook {
	t.Helper()
	book, err := NewMemoryPeerBook(500*time.Millisecond, 5*time.Second)
	if err != nil {
		t.Fatalf("new peer book: %v", err)
	}
	t.Cleanup(func() {
		_ = book.Close()
	})
	return book
}

func TestPeerBookBanExpiry(t *testing.T) {
	book := newTestPeerBook(t)
	if _, err := book.Add("127.0.0.1:1000", "config"); err != nil {
		t.Fatalf("add: %v", err)
	}
	now := time.Unix(0, 0)
	until := now.Add(2 * time.Minute)
	if err := book.SetBan("127.0.0.1:1000", until); err != nil {
		t.Fatalf("set ban: %v", err)
	}
	if !book.IsBanned("127.0.0.1:1000", now.Add(time.Minute)) {
		t.Fatalf("expected peer to be banned before expiry")
	}
	if got := book.NextPingAt("127.0.0.1:1000", now); !got.Equal(until) {
		t.Fatalf("expected next ping at ban expiry, got %v", got)
	}
	if book.IsBanned("127.0.0.1:1000", until.Add(time.Second)) {
		t.Fatalf("expected ban to expire")
	}
}

func TestPeerBookBackoffGrowthAndReset(t *testing.T) {
	book := newTestPeerBook(t)
	addr := "127.0.0.1:2000"
	if _, err := book.Add(addr, "config"); err != nil {
		t.Fatalf("add: %v", err)
	}
	base := 500 * time.Millisecond
	now := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		if _, err := book.RecordFail(addr, now); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
		expectedDelay := base * time.Duration(1<<uint(i))
		if expectedDelay > 5*time.Second {
			expectedDelay = 5 * time.Second
		}
		if got, want := book.NextPingAt(addr, now), now.Add(expectedDelay); !got.Equal(want) {
			t.Fatalf("fail %d: expected ping at %v got %v", i, want, got)
		}
		if len(book.Due(now)) != 0 {
			t.Fatalf("fail %d: peer in backoff must not be due", i)
		}
		now = now.Add(10 * time.Millisecond)
	}
	now = now.Add(time.Second)
	entry, err := book.RecordSuccess(addr, now, PeerState{Height: 42}, "3.0.0")
	if err != nil {
		t.Fatalf("success: %v", err)
	}
	if entry.Height != 42 || entry.Version != "3.0.0" || entry.Fails != 0 {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if got := book.NextPingAt(addr, now); !got.Equal(now) {
		t.Fatalf("expected backoff reset to now got %v", got)
	}
	if due := book.Due(now); len(due) != 1 || due[0] != addr {
		t.Fatalf("expected peer to be due, got %v", due)
	}
}

func TestPeerBookAddKeepsBookkeeping(t *testing.T) {
	book := newTestPeerBook(t)
	addr := "127.0.0.1:3000"
	added, err := book.Add(addr, "config")
	if err != nil || !added {
		t.Fatalf("first add: %v %v", added, err)
	}
	if _, err := book.RecordFail(addr, time.Unix(0, 0)); err != nil {
		t.Fatalf("fail: %v", err)
	}
	added, err = book.Add(addr, "discovered")
	if err != nil || added {
		t.Fatalf("second add should be a no-op: %v %v", added, err)
	}
	entry, _ := book.Get(addr)
	if entry.Fails != 1 || entry.Source != "config" {
		t.Fatalf("existing entry overwritten: %+v", entry)
	}
	if _, err := book.RecordFail("127.0.0.1:9", time.Unix(0, 0)); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestPeerBookPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers")
	book, err := OpenPeerBook(path, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := book.Add("127.0.0.1:4000", "config"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := book.RecordSuccess("127.0.0.1:4000", time.Unix(100, 0), PeerState{Height: 7}, "3.1.0"); err != nil {
		t.Fatalf("success: %v", err)
	}
	if err := book.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenPeerBook(path, 0, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	entry, ok := reopened.Get("127.0.0.1:4000")
	if !ok || entry.Height != 7 || entry.Version != "3.1.0" {
		t.Fatalf("entry not restored: %+v %v", entry, ok)
	}
	if reopened.Len() != 1 {
		t.Fatalf("expected one entry, got %d", reopened.Len())
	}
}
