package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nhbpeer/config"
	"nhbpeer/core/events"
	"nhbpeer/core/types"
	"nhbpeer/crypto"
	"nhbpeer/p2p"
	"nhbpeer/storage"
)

const testNethash = "abababababababababababababababababababababababababababababababab"

// scriptedConnector answers events from a fixed table. A nil table refuses
// every connection.
type scriptedConnector struct {
	mu           sync.Mutex
	replies      map[string]json.RawMessage
	disconnected []string
}

func (c *scriptedConnector) Connect(ctx context.Context, peer *p2p.Peer, maxPayloadBytes int64) (p2p.Connection, error) {
	if c.replies == nil {
		return nil, errors.New("connection refused")
	}
	return c, nil
}

func (c *scriptedConnector) Emit(ctx context.Context, event string, data any, headers map[string]string) (*p2p.Response, error) {
	raw, ok := c.replies[event]
	if !ok {
		return nil, fmt.Errorf("no reply scripted for %s", event)
	}
	return &p2p.Response{Data: raw}, nil
}

func (c *scriptedConnector) SetError(*p2p.Peer, p2p.ErrorKind) {}
func (c *scriptedConnector) ForgetError(*p2p.Peer)              {}

func (c *scriptedConnector) Disconnect(peer *p2p.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = append(c.disconnected, peer.Address())
}

func statusReply(height uint64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"state": {"height": %d, "forgingAllowed": false, "currentSlot": 3, "header": {"id": "abc", "height": %d}},
		"config": {"version": "3.0.0", "network": {"nethash": %q, "name": "testnet", "version": 1}, "plugins": {}}
	}`, height, height, testNethash))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Nethash = testNethash
	cfg.DataDir = t.TempDir()
	cfg.P2P.SkipStateVerification = true
	cfg.P2P.RateLimit.Disabled = true
	cfg.Watch.BanDurationSeconds = 60
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWatcher(t *testing.T, cfg *config.Config, connector *scriptedConnector) (*watcher, *p2p.PeerBook) {
	t.Helper()
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chain"))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	chain, err := storage.NewChainStore(db)
	require.NoError(t, err)

	queue := events.NewQueue(16)
	comm, err := p2p.NewCommunicator(cfg.CommunicatorConfig(), connector, chain,
		p2p.WithLogger(discardLogger()),
		p2p.WithDispatcher(queue),
		p2p.WithRateLimiter(p2p.NewRateLimiter(cfg.RateLimitConfig())))
	require.NoError(t, err)
	t.Cleanup(comm.Wait)

	book, err := p2p.NewMemoryPeerBook(time.Minute, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = book.Close() })

	a := &app{cfg: cfg, logger: discardLogger(), db: db, chain: chain, queue: queue, comm: comm}
	w := newWatcher(a, book)
	w.disconnector = connector
	return w, book
}

func TestRunPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 1, run(nil, &stdout, &stderr))
	require.Contains(t, stderr.String(), "Commands:")
	require.Contains(t, stderr.String(), "watch [-listen addr]")

	stderr.Reset()
	require.Equal(t, 1, run([]string{"launch"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "Unknown command: launch")
}

func TestRunRejectsBadPeerAddress(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "nhb-peer.toml")
	contents := fmt.Sprintf("Nethash = %q\nDataDir = %q\n", testNethash, filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	var stdout, stderr bytes.Buffer
	code := run([]string{"-config", path, "ping", "not-an-address"}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "Error:")
	require.Empty(t, stdout.String())
}

func TestWatcherRoundRecordsSuccessAndDiscovers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Watch.Discover = true
	connector := &scriptedConnector{replies: map[string]json.RawMessage{
		p2p.EventGetStatus: statusReply(12),
		p2p.EventGetPeers:  json.RawMessage(`[{"ip": "10.0.0.7", "port": 4002}, {"ip": "10.0.0.1", "port": 4002}]`),
	}}
	w, book := newTestWatcher(t, cfg, connector)
	_, err := book.Add("10.0.0.1:4002", "config")
	require.NoError(t, err)

	w.round(context.Background())

	entry, ok := book.Get("10.0.0.1:4002")
	require.True(t, ok)
	require.Equal(t, uint64(12), entry.Height)
	require.Zero(t, entry.Fails)

	discovered, ok := book.Get("10.0.0.7:4002")
	require.True(t, ok)
	require.Equal(t, "discovered:10.0.0.1:4002", discovered.Source)
	require.Equal(t, 2, book.Len())

	counts := w.statusCounts()
	require.Equal(t, 1, counts["unverified"])
	require.Equal(t, 1, counts["pending"])
}

func TestWatcherRoundBacksOffUnreachablePeers(t *testing.T) {
	cfg := testConfig(t)
	w, book := newTestWatcher(t, cfg, &scriptedConnector{})
	_, err := book.Add("10.0.0.2:4002", "config")
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	w.now = func() time.Time { return now }
	w.round(context.Background())

	entry, _ := book.Get("10.0.0.2:4002")
	require.Equal(t, 1, entry.Fails)
	require.Empty(t, book.Due(now), "a failing peer waits out its backoff")
	require.Equal(t, "failing", w.status(entry, now))
}

func TestHandleDisconnectBansPeer(t *testing.T) {
	cfg := testConfig(t)
	connector := &scriptedConnector{}
	w, book := newTestWatcher(t, cfg, connector)
	_, err := book.Add("10.0.0.3:4002", "config")
	require.NoError(t, err)
	_, err = w.peer("10.0.0.3:4002")
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	w.now = func() time.Time { return now }
	w.handleEvent(events.PeerDisconnect{Address: "10.0.0.3:4002", Reason: "nethash mismatch"})
	w.handleEvent(events.PeerDisconnect{Address: "10.0.0.99:4002", Reason: "unknown"})

	require.Equal(t, []string{"10.0.0.3:4002"}, connector.disconnected)
	require.True(t, book.IsBanned("10.0.0.3:4002", now.Add(59*time.Second)))
	require.False(t, book.IsBanned("10.0.0.3:4002", now.Add(61*time.Second)))
	require.Equal(t, pingOutcomeBanned, w.pingOne(context.Background(), "10.0.0.3:4002"))
}

type fakeSeeds map[string][]string

func (f fakeSeeds) Lookup(_ context.Context, domain string) ([]string, error) {
	addrs, ok := f[domain]
	if !ok {
		return nil, errors.New("NXDOMAIN")
	}
	return addrs, nil
}

func TestWatcherSeedAddsPublishedPeers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Watch.SeedDomains = []string{"seeds.example", "gone.example"}
	w, book := newTestWatcher(t, cfg, &scriptedConnector{})
	_, err := book.Add("10.0.0.1:4002", "config")
	require.NoError(t, err)
	w.seeds = fakeSeeds{"seeds.example": {"10.0.0.1:4002", "10.0.0.8:4002"}}

	w.seed(context.Background())

	require.Equal(t, 2, book.Len())
	entry, ok := book.Get("10.0.0.8:4002")
	require.True(t, ok)
	require.Equal(t, "dns:seeds.example", entry.Source)
	existing, _ := book.Get("10.0.0.1:4002")
	require.Equal(t, "config", existing.Source)
}

func TestDrainStopsWithContext(t *testing.T) {
	cfg := testConfig(t)
	connector := &scriptedConnector{}
	w, book := newTestWatcher(t, cfg, connector)
	_, err := book.Add("10.0.0.4:4002", "config")
	require.NoError(t, err)
	_, err = w.peer("10.0.0.4:4002")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.drain(ctx)
		close(done)
	}()
	w.queue.Dispatch(events.PeerDisconnect{Address: "10.0.0.4:4002", Reason: "CoreRemoteError"})
	require.Eventually(t, func() bool {
		return book.IsBanned("10.0.0.4:4002", time.Now())
	}, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("drain did not stop")
	}
}

func TestRouterServesPeers(t *testing.T) {
	cfg := testConfig(t)
	w, book := newTestWatcher(t, cfg, &scriptedConnector{})
	_, err := book.Add("10.0.0.5:4002", "config")
	require.NoError(t, err)

	srv := httptest.NewServer(w.router())
	t.Cleanup(srv.Close)

	res, err := http.Get(srv.URL + "/peers")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var views []peerView
	require.NoError(t, json.NewDecoder(res.Body).Decode(&views))
	require.Len(t, views, 1)
	require.Equal(t, "10.0.0.5:4002", views[0].Entry.Addr)
	require.Equal(t, "pending", views[0].Status)

	one, err := http.Get(srv.URL + "/peers/10.0.0.5:4002")
	require.NoError(t, err)
	one.Body.Close()
	require.Equal(t, http.StatusOK, one.StatusCode)

	missing, err := http.Get(srv.URL + "/peers/10.0.0.6:4002")
	require.NoError(t, err)
	missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(metrics.Body)
	metrics.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "nhb_watch_http_requests_total")
}

func TestStoreHeadersAppendsVerifiedBlocks(t *testing.T) {
	db, err := storage.NewLevelDB(filepath.Join(t.TempDir(), "chain"))
	require.NoError(t, err)
	defer db.Close()
	chain, err := storage.NewChainStore(db)
	require.NoError(t, err)
	a := &app{cfg: testConfig(t), logger: discardLogger(), db: db, chain: chain}

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	var blocks []*types.BlockData
	prev := ""
	for h := uint64(1); h <= 3; h++ {
		header := types.BlockHeader{Version: 1, Timestamp: h * 8, Height: h, PreviousBlock: prev, PayloadHash: "00"}
		require.NoError(t, header.Sign(key))
		prev = header.ID
		blocks = append(blocks, &types.BlockData{BlockHeader: header})
	}

	stored, err := storeHeaders(a, blocks)
	require.NoError(t, err)
	require.Equal(t, 3, stored)

	stored, err = storeHeaders(a, blocks)
	require.NoError(t, err)
	require.Zero(t, stored, "headers at or below the tip are skipped")

	tampered := *blocks[2]
	tampered.Height = 4
	tampered.PreviousBlock = blocks[2].ID
	_, err = storeHeaders(a, []*types.BlockData{&tampered})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "block 4"))
}
