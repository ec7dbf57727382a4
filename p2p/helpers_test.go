package p2p

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"nhbpeer/core/types"
	"nhbpeer/crypto"
	"nhbpeer/storage"
)

var testNethash = strings.Repeat("ab", 32)

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signedHeader(t *testing.T, key *crypto.PrivateKey, height uint64, prev string, salt uint64) *types.BlockHeader {
	t.Helper()
	h := &types.BlockHeader{
		Version:       1,
		Timestamp:     height*8 + salt,
		Height:        height,
		PreviousBlock: prev,
		PayloadHash:   "00",
	}
	if err := h.Sign(key); err != nil {
		t.Fatalf("sign header %d: %v", height, err)
	}
	return h
}

// buildChain returns headers 1..n.
func buildChain(t *testing.T, key *crypto.PrivateKey, n uint64) []*types.BlockHeader {
	t.Helper()
	return extendChain(t, key, nil, n, 0)
}

// extendChain copies base and appends blocks until height n. A non-zero salt
// produces a branch distinct from any other salt.
func extendChain(t *testing.T, key *crypto.PrivateKey, base []*types.BlockHeader, n uint64, salt uint64) []*types.BlockHeader {
	t.Helper()
	chain := append([]*types.BlockHeader(nil), base...)
	prev := ""
	if len(chain) > 0 {
		prev = chain[len(chain)-1].ID
	}
	for h := uint64(len(chain)) + 1; h <= n; h++ {
		header := signedHeader(t, key, h, prev, salt)
		chain = append(chain, header)
		prev = header.ID
	}
	return chain
}

func newChainStore(t *testing.T, chain []*types.BlockHeader) *storage.ChainStore {
	t.Helper()
	store, err := storage.NewChainStore(storage.NewMemDB())
	if err != nil {
		t.Fatalf("chain store: %v", err)
	}
	for _, h := range chain {
		if err := store.Append(h); err != nil {
			t.Fatalf("append %d: %v", h.Height, err)
		}
	}
	return store
}

func testPeerConfig() PeerConfig {
	return PeerConfig{
		Version: "3.0.0",
		Network: NetworkInfo{Nethash: testNethash, Name: "testnet", Version: 23},
		Plugins: map[string]PluginInfo{"@nhb/core-api": {Port: 4003, Enabled: true}},
	}
}

// fakeRemote answers peer events from an in-memory chain.
type fakeRemote struct {
	mu     sync.Mutex
	chain  []*types.BlockHeader
	txs    map[uint64][]string
	config PeerConfig
	peers  []PeerAddress
	// override, when set, answers first; a nil response and error falls
	// through to the chain-backed handlers.
	override func(ctx context.Context, event string, data json.RawMessage) (*Response, error)
}

func newFakeRemote(chain []*types.BlockHeader) *fakeRemote {
	return &fakeRemote{chain: chain, config: testPeerConfig(), txs: make(map[uint64][]string)}
}

func (r *fakeRemote) tip() *types.BlockHeader {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.chain) == 0 {
		return &types.BlockHeader{}
	}
	return r.chain[len(r.chain)-1]
}

func (r *fakeRemote) handle(ctx context.Context, event string, data json.RawMessage) (*Response, error) {
	if r.override != nil {
		if res, err := r.override(ctx, event, data); res != nil || err != nil {
			return res, err
		}
	}
	tip := r.tip()
	headers := map[string]string{"height": strconv.FormatUint(tip.Height, 10)}
	var body any
	switch event {
	case EventGetStatus:
		body = PingResponse{
			State:  PeerState{Height: tip.Height, CurrentSlot: tip.Height, Header: *tip},
			Config: r.config,
		}
	case EventGetPeers:
		peers := r.peers
		if peers == nil {
			peers = []PeerAddress{}
		}
		body = peers
	case EventGetCommonBlocks:
		var req struct {
			IDs []string `json:"ids"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, newSocketError(KindValidation, event, err)
		}
		reply := commonBlocksReply{LastBlockHeight: tip.Height}
		wanted := make(map[string]struct{}, len(req.IDs))
		for _, id := range req.IDs {
			wanted[id] = struct{}{}
		}
		r.mu.Lock()
		for _, h := range r.chain {
			if _, ok := wanted[h.ID]; ok {
				reply.Common = &CommonBlock{Height: h.Height, ID: h.ID}
			}
		}
		r.mu.Unlock()
		body = reply
	case EventGetBlocks:
		var req getBlocksRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, newSocketError(KindValidation, event, err)
		}
		out := []wireBlock{}
		r.mu.Lock()
		for _, h := range r.chain {
			if h.Height > req.LastBlockHeight && len(out) < req.BlockLimit {
				wb := wireBlock{BlockHeader: *h}
				if !req.HeadersOnly {
					wb.Transactions = r.txs[h.Height]
				}
				out = append(out, wb)
			}
		}
		r.mu.Unlock()
		body = out
	case EventPostBlock:
		body = PostBlockReply{Status: true, Height: tip.Height}
	case EventPostTransactions:
		body = []string{}
	default:
		return nil, newSocketError(KindEndpointNotFound, event, errors.New("unknown event"))
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Response{Data: raw, Headers: headers}, nil
}

type fakeConnector struct {
	remote func(ctx context.Context, event string, data json.RawMessage) (*Response, error)

	mu          sync.Mutex
	connectErr  error
	events      []string
	payloads    map[string]json.RawMessage
	maxPayloads map[string]int64
	errors      []ErrorKind
	forgets     int
}

func newFakeConnector(remote *fakeRemote) *fakeConnector {
	return &fakeConnector{
		remote:      remote.handle,
		payloads:    make(map[string]json.RawMessage),
		maxPayloads: make(map[string]int64),
	}
}

func (f *fakeConnector) Connect(ctx context.Context, peer *Peer, maxPayloadBytes int64) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &fakeConnection{f: f, maxPayload: maxPayloadBytes}, nil
}

func (f *fakeConnector) SetError(peer *Peer, kind ErrorKind) {
	f.mu.Lock()
	f.errors = append(f.errors, kind)
	f.mu.Unlock()
}

func (f *fakeConnector) ForgetError(peer *Peer) {
	f.mu.Lock()
	f.forgets++
	f.mu.Unlock()
}

func (f *fakeConnector) calls(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

func (f *fakeConnector) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeConnector) errorKinds() []ErrorKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ErrorKind(nil), f.errors...)
}

type fakeConnection struct {
	f          *fakeConnector
	maxPayload int64
}

func (c *fakeConnection) Emit(ctx context.Context, event string, data any, headers map[string]string) (*Response, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	c.f.mu.Lock()
	c.f.events = append(c.f.events, event)
	c.f.payloads[event] = raw
	c.f.maxPayloads[event] = c.maxPayload
	c.f.mu.Unlock()
	return c.f.remote(ctx, event, raw)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func unlimited() *RateLimiter {
	return NewRateLimiter(RateLimitConfig{Disabled: true})
}

func testCommunicatorConfig() CommunicatorConfig {
	cfg := DefaultCommunicatorConfig()
	cfg.Nethash = testNethash
	cfg.ThrottleInterval = 10 * time.Millisecond
	return cfg
}

func newTestCommunicator(t *testing.T, cfg CommunicatorConfig, connector Connector, chain ChainReader, opts ...CommunicatorOption) *Communicator {
	t.Helper()
	opts = append([]CommunicatorOption{WithRateLimiter(unlimited())}, opts...)
	c, err := NewCommunicator(cfg, connector, chain, opts...)
	if err != nil {
		t.Fatalf("new communicator: %v", err)
	}
	return c
}

func testTransaction(nonce uint64) *types.TransactionData {
	return &types.TransactionData{
		Version:         1,
		Network:         23,
		Type:            0,
		Nonce:           nonce,
		SenderPublicKey: "02" + strings.Repeat("11", 32),
		RecipientID:     "nhb1recipient",
		Amount:          big.NewInt(1000),
		Fee:             big.NewInt(10),
	}
}

func encodedTransaction(t *testing.T, tx *types.TransactionData) string {
	t.Helper()
	raw, err := types.EncodeTransaction(tx)
	if err != nil {
		t.Fatalf("encode transaction: %v", err)
	}
	return hex.EncodeToString(raw)
}
