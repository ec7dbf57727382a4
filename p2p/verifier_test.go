package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nhbpeer/core/types"
)

// chainClient serves a remote chain directly, without a communicator.
type chainClient struct {
	chain        []*types.BlockHeader
	commonCalls  int
	blockCalls   int
	lieAboutID   string
	dropBlocksAt uint64
}

func (c *chainClient) HasCommonBlocks(ctx context.Context, peer *Peer, ids []string, timeout time.Duration) (*CommonBlock, bool) {
	c.commonCalls++
	if c.lieAboutID != "" {
		return &CommonBlock{Height: 1, ID: c.lieAboutID}, true
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	var best *CommonBlock
	for _, h := range c.chain {
		if _, ok := wanted[h.ID]; ok {
			best = &CommonBlock{Height: h.Height, ID: h.ID}
		}
	}
	return best, best != nil
}

func (c *chainClient) GetPeerBlocks(ctx context.Context, peer *Peer, opts GetBlocksOptions) []*types.BlockData {
	c.blockCalls++
	out := []*types.BlockData{}
	for _, h := range c.chain {
		if c.dropBlocksAt != 0 && h.Height >= c.dropBlocksAt {
			break
		}
		if h.Height > opts.FromHeight && len(out) < opts.BlockLimit {
			out = append(out, &types.BlockData{BlockHeader: *h})
		}
	}
	return out
}

func claimOf(h *types.BlockHeader) *PeerState {
	return &PeerState{Height: h.Height, Header: *h}
}

func TestVerifierSameChainShortcut(t *testing.T) {
	key := mustKey(t)
	ours := buildChain(t, key, 20)
	client := &chainClient{chain: ours[:15]}
	v := NewPeerVerifier(client, NewPeer("1.1.1.1", 1), newChainStore(t, ours), VerifierConfig{})

	result := v.CheckState(context.Background(), claimOf(ours[14]), time.Now().Add(time.Second))
	require.NotNil(t, result)
	require.Equal(t, VerificationResult{MyHeight: 20, HisHeight: 15, HighestCommonHeight: 15}, *result)
	require.False(t, result.Forked())
	require.Zero(t, client.commonCalls+client.blockCalls, "a known block needs no network round trip")
}

func TestVerifierDetectsFork(t *testing.T) {
	key := mustKey(t)
	ours := buildChain(t, key, 50)
	theirs := extendChain(t, key, ours[:30], 40, 3)
	client := &chainClient{chain: theirs}
	v := NewPeerVerifier(client, NewPeer("1.1.1.1", 1), newChainStore(t, ours), VerifierConfig{MaxProbesPerRequest: 4, BatchSize: 4})

	result := v.CheckState(context.Background(), claimOf(theirs[39]), time.Now().Add(5*time.Second))
	require.NotNil(t, result)
	require.Equal(t, VerificationResult{MyHeight: 50, HisHeight: 40, HighestCommonHeight: 30}, *result)
	require.True(t, result.Forked())
	require.Greater(t, client.commonCalls, 1, "narrowing should take several probe rounds")
	require.Equal(t, 3, client.blockCalls)
}

func TestVerifierCapsDownloadedBlocks(t *testing.T) {
	key := mustKey(t)
	ours := buildChain(t, key, 10)
	theirs := extendChain(t, key, ours, 60, 0)
	client := &chainClient{chain: theirs}
	v := NewPeerVerifier(client, NewPeer("1.1.1.1", 1), newChainStore(t, ours), VerifierConfig{MaxBlocksToVerify: 5, BatchSize: 100})

	result := v.CheckState(context.Background(), claimOf(theirs[59]), time.Now().Add(5*time.Second))
	require.NotNil(t, result)
	require.Equal(t, uint64(10), result.HighestCommonHeight)
	require.Equal(t, 1, client.blockCalls)
}

func TestVerifierRejectsInconsistentClaims(t *testing.T) {
	key := mustKey(t)
	ours := buildChain(t, key, 10)
	theirs := extendChain(t, key, ours, 12, 0)
	store := newChainStore(t, ours)
	deadline := time.Now().Add(time.Second)

	cases := map[string]*PeerState{
		"nil": nil,
		"height mismatch": {Height: 13, Header: *theirs[11]},
		"tampered id": func() *PeerState {
			h := *theirs[11]
			h.ID = ours[9].ID
			return claimOf(&h)
		}(),
		"foreign signature": func() *PeerState {
			h := *theirs[11]
			if err := h.Sign(mustKey(t)); err != nil {
				t.Fatalf("sign: %v", err)
			}
			h.GeneratorPublicKey = theirs[11].GeneratorPublicKey
			id, err := h.ComputeID()
			if err != nil {
				t.Fatalf("id: %v", err)
			}
			h.ID = id
			return claimOf(&h)
		}(),
	}
	for name, claim := range cases {
		client := &chainClient{chain: theirs}
		v := NewPeerVerifier(client, NewPeer("1.1.1.1", 1), store, VerifierConfig{})
		if result := v.CheckState(context.Background(), claim, deadline); result != nil {
			t.Fatalf("%s: expected rejection, got %+v", name, result)
		}
	}
}

func TestVerifierRejectsUnprobedCommonBlock(t *testing.T) {
	key := mustKey(t)
	ours := buildChain(t, key, 10)
	theirs := extendChain(t, key, ours, 12, 0)
	client := &chainClient{chain: theirs, lieAboutID: "deadbeef"}
	v := NewPeerVerifier(client, NewPeer("1.1.1.1", 1), newChainStore(t, ours), VerifierConfig{})
	if result := v.CheckState(context.Background(), claimOf(theirs[11]), time.Now().Add(time.Second)); result != nil {
		t.Fatalf("expected rejection when the peer names an id we never sent")
	}
}

func TestVerifierRejectsMissingBlocks(t *testing.T) {
	key := mustKey(t)
	ours := buildChain(t, key, 10)
	theirs := extendChain(t, key, ours, 20, 0)
	client := &chainClient{chain: theirs, dropBlocksAt: 15}
	v := NewPeerVerifier(client, NewPeer("1.1.1.1", 1), newChainStore(t, ours), VerifierConfig{BatchSize: 3})
	if result := v.CheckState(context.Background(), claimOf(theirs[19]), time.Now().Add(time.Second)); result != nil {
		t.Fatalf("expected rejection when the peer cannot serve its claimed chain")
	}
}

func TestVerifierRejectsUnrelatedChain(t *testing.T) {
	key := mustKey(t)
	ours := buildChain(t, key, 10)
	theirs := extendChain(t, key, nil, 12, 7)
	client := &chainClient{chain: theirs}
	v := NewPeerVerifier(client, NewPeer("1.1.1.1", 1), newChainStore(t, ours), VerifierConfig{})
	if result := v.CheckState(context.Background(), claimOf(theirs[11]), time.Now().Add(time.Second)); result != nil {
		t.Fatalf("expected rejection without any common block")
	}
}

func TestVerifierFailsClosedAfterDeadline(t *testing.T) {
	key := mustKey(t)
	ours := buildChain(t, key, 10)
	theirs := extendChain(t, key, ours, 12, 0)
	clock := newTestClock()
	deadline := clock.Now().Add(time.Second)
	clock.Advance(2 * time.Second)
	client := &chainClient{chain: theirs}
	v := NewPeerVerifier(client, NewPeer("1.1.1.1", 1), newChainStore(t, ours), VerifierConfig{},
		WithVerifierClock(clock.Now))

	if result := v.CheckState(context.Background(), claimOf(theirs[11]), deadline); result != nil {
		t.Fatalf("expected nil result past the deadline")
	}
	if client.commonCalls != 0 {
		t.Fatalf("no probing should happen past the deadline")
	}
}

func TestProbeHeights(t *testing.T) {
	require.Equal(t, []uint64{5}, probeHeights(5, 5, 8))
	require.Equal(t, []uint64{1, 2, 3, 4}, probeHeights(1, 4, 8))
	heights := probeHeights(1, 100, 8)
	require.Len(t, heights, 8)
	require.Equal(t, uint64(1), heights[0])
	require.Equal(t, uint64(100), heights[7])
	for i := 1; i < len(heights); i++ {
		require.Greater(t, heights[i], heights[i-1])
	}
}
