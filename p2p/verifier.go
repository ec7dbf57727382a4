package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nhbpeer/core/types"
)

const (
	defaultMaxProbesPerRequest = 8
	defaultMaxBlocksToVerify   = 1000
	defaultVerifyBatchSize     = 400
)

var errVerifyDeadline = errors.New("p2p: verification deadline exceeded")

// ChainReader exposes the locally accepted chain.
type ChainReader interface {
	LastBlock(ctx context.Context) (*types.BlockHeader, error)
	BlockAtHeight(ctx context.Context, height uint64) (*types.BlockHeader, error)
}

// VerificationResult summarises a successful verification of a peer's state.
type VerificationResult struct {
	MyHeight            uint64 `json:"myHeight"`
	HisHeight           uint64 `json:"hisHeight"`
	HighestCommonHeight uint64 `json:"highestCommonHeight"`
}

// Forked reports whether the peer is on a branch that diverges from ours
// below both tips.
func (r *VerificationResult) Forked() bool {
	return r.HighestCommonHeight != r.MyHeight && r.HighestCommonHeight != r.HisHeight
}

// VerifierConfig bounds the work a single verification may do.
type VerifierConfig struct {
	// MaxProbesPerRequest is the number of block ids sent per getCommonBlocks call.
	MaxProbesPerRequest int
	// MaxBlocksToVerify caps the blocks downloaded above the common point.
	MaxBlocksToVerify uint64
	// BatchSize is the block limit of each getBlocks call.
	BatchSize int
}

func (c VerifierConfig) withDefaults() VerifierConfig {
	if c.MaxProbesPerRequest < 2 {
		c.MaxProbesPerRequest = defaultMaxProbesPerRequest
	}
	if c.MaxBlocksToVerify == 0 {
		c.MaxBlocksToVerify = defaultMaxBlocksToVerify
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultVerifyBatchSize
	}
	return c
}

// BlockVerifier checks individual blocks served by a peer.
type BlockVerifier interface {
	VerifyHeader(header *types.BlockHeader) error
	VerifyBlock(block *types.BlockData) error
}

// SignatureVerifier accepts blocks carrying a valid generator signature.
type SignatureVerifier struct{}

func (SignatureVerifier) VerifyHeader(header *types.BlockHeader) error {
	return header.VerifySignature()
}

func (v SignatureVerifier) VerifyBlock(block *types.BlockData) error {
	if err := v.VerifyHeader(&block.BlockHeader); err != nil {
		return err
	}
	if n := len(block.Transactions); n > 0 && uint32(n) != block.NumberOfTransactions {
		return fmt.Errorf("block %d carries %d transactions, header says %d", block.Height, n, block.NumberOfTransactions)
	}
	return nil
}

// StateChecker verifies a state claimed by a peer.
type StateChecker interface {
	CheckState(ctx context.Context, claimed *PeerState, deadline time.Time) *VerificationResult
}

type peerClient interface {
	HasCommonBlocks(ctx context.Context, peer *Peer, ids []string, timeout time.Duration) (*CommonBlock, bool)
	GetPeerBlocks(ctx context.Context, peer *Peer, opts GetBlocksOptions) []*types.BlockData
}

// PeerVerifier checks a peer's claimed chain state against the local chain.
type PeerVerifier struct {
	client  peerClient
	peer    *Peer
	chain   ChainReader
	cfg     VerifierConfig
	blocks  BlockVerifier
	logger  *slog.Logger
	now     func() time.Time
	metrics *outboundMetrics
}

// VerifierOption customises a PeerVerifier.
type VerifierOption func(*PeerVerifier)

// WithBlockVerifier replaces the default signature checks.
func WithBlockVerifier(b BlockVerifier) VerifierOption {
	return func(v *PeerVerifier) {
		if b != nil {
			v.blocks = b
		}
	}
}

// WithVerifierLogger sets the logger.
func WithVerifierLogger(l *slog.Logger) VerifierOption {
	return func(v *PeerVerifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithVerifierClock overrides the time source used for deadline checks.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *PeerVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewPeerVerifier binds a verifier to one peer.
func NewPeerVerifier(client peerClient, peer *Peer, chain ChainReader, cfg VerifierConfig, opts ...VerifierOption) *PeerVerifier {
	v := &PeerVerifier{
		client:  client,
		peer:    peer,
		chain:   chain,
		cfg:     cfg.withDefaults(),
		blocks:  SignatureVerifier{},
		logger:  slog.Default().With(slog.String("component", "p2p_verifier")),
		now:     time.Now,
		metrics: newOutboundMetrics(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CheckState verifies claimed and returns nil if the state cannot be trusted
// or the work did not finish before deadline.
func (v *PeerVerifier) CheckState(ctx context.Context, claimed *PeerState, deadline time.Time) *VerificationResult {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	result, err := v.checkState(ctx, claimed, deadline)
	if err == nil {
		err = v.checkDeadline(deadline)
	}

	outcome := "verified"
	switch {
	case errors.Is(err, errVerifyDeadline):
		outcome = "timeout"
	case err != nil:
		outcome = "rejected"
	case result.Forked():
		outcome = "forked"
	}
	v.metrics.recordVerification(ctx, outcome)

	if err != nil {
		v.logger.Debug("Peer state rejected",
			slog.String("peer", v.peer.Address()),
			slog.String("outcome", outcome),
			slog.Any("error", err))
		return nil
	}
	v.logger.Debug("Peer state verified",
		slog.String("peer", v.peer.Address()),
		slog.Uint64("my_height", result.MyHeight),
		slog.Uint64("his_height", result.HisHeight),
		slog.Uint64("common_height", result.HighestCommonHeight),
		slog.Bool("forked", result.Forked()))
	return result
}

func (v *PeerVerifier) checkDeadline(deadline time.Time) error {
	if !deadline.IsZero() && !v.now().Before(deadline) {
		return errVerifyDeadline
	}
	return nil
}

func (v *PeerVerifier) checkState(ctx context.Context, claimed *PeerState, deadline time.Time) (*VerificationResult, error) {
	if claimed == nil {
		return nil, errors.New("no state claimed")
	}
	if claimed.Height != claimed.Header.Height {
		return nil, fmt.Errorf("claimed height %d differs from header height %d", claimed.Height, claimed.Header.Height)
	}
	if err := claimed.Header.VerifyID(); err != nil {
		return nil, fmt.Errorf("claimed header: %w", err)
	}
	if err := v.blocks.VerifyHeader(&claimed.Header); err != nil {
		return nil, fmt.Errorf("claimed header: %w", err)
	}

	ours, err := v.chain.LastBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("read local tip: %w", err)
	}
	myHeight, hisHeight := ours.Height, claimed.Height

	if hisHeight <= myHeight {
		local, err := v.chain.BlockAtHeight(ctx, hisHeight)
		if err == nil && local.ID == claimed.Header.ID {
			return &VerificationResult{MyHeight: myHeight, HisHeight: hisHeight, HighestCommonHeight: hisHeight}, nil
		}
	}

	if err := v.checkDeadline(deadline); err != nil {
		return nil, err
	}
	common, err := v.findHighestCommonHeight(ctx, 1, min(myHeight, hisHeight), deadline)
	if err != nil {
		return nil, err
	}
	if err := v.verifyPeerBlocks(ctx, claimed, common, deadline); err != nil {
		return nil, err
	}
	return &VerificationResult{MyHeight: myHeight, HisHeight: hisHeight, HighestCommonHeight: common}, nil
}

// probeHeights spreads at most n heights evenly over [low, high], always
// including both ends.
func probeHeights(low, high uint64, n int) []uint64 {
	if high <= low {
		return []uint64{low}
	}
	span := high - low
	if span+1 <= uint64(n) {
		out := make([]uint64, 0, span+1)
		for h := low; h <= high; h++ {
			out = append(out, h)
		}
		return out
	}
	out := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		h := low + span*uint64(i)/uint64(n-1)
		if len(out) > 0 && out[len(out)-1] == h {
			continue
		}
		out = append(out, h)
	}
	return out
}

func (v *PeerVerifier) findHighestCommonHeight(ctx context.Context, low, high uint64, deadline time.Time) (uint64, error) {
	for {
		if err := v.checkDeadline(deadline); err != nil {
			return 0, err
		}
		heights := probeHeights(low, high, v.cfg.MaxProbesPerRequest)
		sent := make(map[string]uint64, len(heights))
		ids := make([]string, 0, len(heights))
		probed := make([]uint64, 0, len(heights))
		for _, h := range heights {
			local, err := v.chain.BlockAtHeight(ctx, h)
			if err != nil {
				continue
			}
			sent[local.ID] = h
			ids = append(ids, local.ID)
			probed = append(probed, h)
		}
		if len(ids) == 0 {
			return 0, fmt.Errorf("no local blocks in [%d, %d] to probe", low, high)
		}

		common, ok := v.client.HasCommonBlocks(ctx, v.peer, ids, v.remaining(deadline))
		if !ok || common == nil {
			return 0, fmt.Errorf("no common block in [%d, %d]", low, high)
		}
		h, known := sent[common.ID]
		if !known || h != common.Height {
			return 0, fmt.Errorf("peer named block %s at %d which was not probed", common.ID, common.Height)
		}

		next := uint64(0)
		for _, p := range probed {
			if p > h {
				next = p
				break
			}
		}
		if next == 0 || next == h+1 {
			return h, nil
		}
		low, high = h, next-1
	}
}

func (v *PeerVerifier) remaining(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return 0
	}
	return deadline.Sub(v.now())
}

func (v *PeerVerifier) verifyPeerBlocks(ctx context.Context, claimed *PeerState, common uint64, deadline time.Time) error {
	target := claimed.Height
	if limit := common + v.cfg.MaxBlocksToVerify; limit < target {
		target = limit
	}
	anchor, err := v.chain.BlockAtHeight(ctx, common)
	if err != nil {
		return fmt.Errorf("read local block %d: %w", common, err)
	}
	prevHeight, prevID := common, anchor.ID

	for prevHeight < target {
		if err := v.checkDeadline(deadline); err != nil {
			return err
		}
		limit := v.cfg.BatchSize
		if left := target - prevHeight; left < uint64(limit) {
			limit = int(left)
		}
		blocks := v.client.GetPeerBlocks(ctx, v.peer, GetBlocksOptions{
			FromHeight:  prevHeight,
			BlockLimit:  limit,
			HeadersOnly: true,
		})
		if len(blocks) == 0 {
			return fmt.Errorf("peer returned no blocks above %d", prevHeight)
		}
		for _, block := range blocks {
			if prevHeight >= target {
				break
			}
			if block.Height != prevHeight+1 {
				return fmt.Errorf("expected block %d, got %d", prevHeight+1, block.Height)
			}
			if block.PreviousBlock != prevID {
				return fmt.Errorf("block %d does not link to %s", block.Height, prevID)
			}
			if err := block.VerifyID(); err != nil {
				return fmt.Errorf("block %d: %w", block.Height, err)
			}
			if err := v.blocks.VerifyBlock(block); err != nil {
				return fmt.Errorf("block %d: %w", block.Height, err)
			}
			prevHeight, prevID = block.Height, block.ID
		}
	}

	if prevHeight == claimed.Height && prevID != claimed.Header.ID {
		return fmt.Errorf("peer chain tip %s differs from claimed header %s", prevID, claimed.Header.ID)
	}
	return nil
}
