package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"nhbpeer/core/types"
	"nhbpeer/p2p"
)

func newFlagSet(name, summary string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: nhb-peer %s\n", summary)
		fs.PrintDefaults()
	}
	return fs
}

// parsePeerArgs parses flags around a leading host:port argument.
func parsePeerArgs(fs *flag.FlagSet, args []string) (*p2p.Peer, []string, error) {
	if len(args) == 0 || args[0] == "" || args[0][0] == '-' {
		fs.Usage()
		return nil, nil, errors.New("peer address required")
	}
	peer, err := p2p.ParsePeer(args[0])
	if err != nil {
		return nil, nil, err
	}
	if err := fs.Parse(args[1:]); err != nil {
		return nil, nil, err
	}
	return peer, fs.Args(), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

type pingOutput struct {
	Skipped bool              `json:"skipped,omitempty"`
	State   *p2p.PeerState    `json:"state,omitempty"`
	Peer    p2p.PeerSnapshot  `json:"peer"`
	Result  *verificationJSON `json:"verification,omitempty"`
}

type verificationJSON struct {
	MyHeight            uint64 `json:"myHeight"`
	HisHeight           uint64 `json:"hisHeight"`
	HighestCommonHeight uint64 `json:"highestCommonHeight"`
	Forked              bool   `json:"forked"`
}

func newPingOutput(peer *p2p.Peer, state *p2p.PeerState) pingOutput {
	out := pingOutput{Skipped: state == nil, State: state, Peer: peer.Snapshot()}
	if res := peer.VerificationResult(); res != nil {
		out.Result = &verificationJSON{
			MyHeight:            res.MyHeight,
			HisHeight:           res.HisHeight,
			HighestCommonHeight: res.HighestCommonHeight,
			Forked:              res.Forked(),
		}
	}
	return out
}

func runPing(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("ping", "ping <host:port> [-timeout d] [-force]", stderr)
	timeout := fs.Duration("timeout", a.cfg.PingTimeout(), "End-to-end ping budget including verification")
	force := fs.Bool("force", false, "Ping even if the peer was pinged recently")
	peer, _, err := parsePeerArgs(fs, args)
	if err != nil {
		return fail(stderr, err)
	}
	state, err := a.comm.Ping(ctx, peer, *timeout, *force)
	if err != nil {
		return fail(stderr, err)
	}
	if err := writeJSON(stdout, newPingOutput(peer, state)); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runPeers(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("peers", "peers <host:port>", stderr)
	peer, _, err := parsePeerArgs(fs, args)
	if err != nil {
		return fail(stderr, err)
	}
	peers, ok := a.comm.GetPeers(ctx, peer)
	if !ok {
		return fail(stderr, fmt.Errorf("getPeers from %s failed", peer.Address()))
	}
	if err := writeJSON(stdout, peers); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runBlocks(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("blocks", "blocks <host:port> -from h [-limit n] [-headers] [-store]", stderr)
	from := fs.Uint64("from", 0, "Download blocks above this height")
	limit := fs.Int("limit", a.cfg.P2P.MaxDownloadBlocks, "Maximum number of blocks")
	headersOnly := fs.Bool("headers", false, "Download headers without transactions")
	store := fs.Bool("store", false, "Append verified headers to the local chain index")
	peer, _, err := parsePeerArgs(fs, args)
	if err != nil {
		return fail(stderr, err)
	}
	blocks := a.comm.GetPeerBlocks(ctx, peer, p2p.GetBlocksOptions{
		FromHeight:  *from,
		BlockLimit:  *limit,
		HeadersOnly: *headersOnly,
	})
	if *store {
		stored, err := storeHeaders(a, blocks)
		if err != nil {
			return fail(stderr, fmt.Errorf("stored %d of %d blocks: %w", stored, len(blocks), err))
		}
		a.logger.Info("Blocks appended to local chain", slog.Int("count", stored))
	}
	if err := writeJSON(stdout, blocks); err != nil {
		return fail(stderr, err)
	}
	return 0
}

// storeHeaders appends every header whose id and signature check out.
// Headers not above the local tip are skipped.
func storeHeaders(a *app, blocks []*types.BlockData) (int, error) {
	stored := 0
	for _, block := range blocks {
		if tip, err := a.chain.LastBlock(context.Background()); err == nil && block.Height <= tip.Height {
			continue
		}
		header := block.BlockHeader
		if err := header.VerifyID(); err != nil {
			return stored, fmt.Errorf("block %d: %w", header.Height, err)
		}
		if err := header.VerifySignature(); err != nil {
			return stored, fmt.Errorf("block %d: %w", header.Height, err)
		}
		if err := a.chain.Append(&header); err != nil {
			return stored, err
		}
		a.logger.Debug("Header appended",
			slog.Uint64("height", header.Height),
			slog.String("id", header.ID),
			slog.String("generator", header.GeneratorAddress()))
		stored++
	}
	return stored, nil
}

type commonOutput struct {
	Found  bool             `json:"found"`
	Common *p2p.CommonBlock `json:"common,omitempty"`
}

func runCommon(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("common", "common <host:port> <id>...", stderr)
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	peer, ids, err := parsePeerArgs(fs, args)
	if err != nil {
		return fail(stderr, err)
	}
	if len(ids) == 0 {
		return fail(stderr, errors.New("at least one block id required"))
	}
	common, found := a.comm.HasCommonBlocks(ctx, peer, ids, *timeout)
	if err := writeJSON(stdout, commonOutput{Found: found, Common: common}); err != nil {
		return fail(stderr, err)
	}
	if !found {
		return 1
	}
	return 0
}

func runPorts(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("ports", "ports <host:port>", stderr)
	peer, _, err := parsePeerArgs(fs, args)
	if err != nil {
		return fail(stderr, err)
	}
	if _, err := a.comm.Ping(ctx, peer, a.cfg.PingTimeout(), true); err != nil {
		return fail(stderr, err)
	}
	a.comm.PingPorts(ctx, peer)
	if err := writeJSON(stdout, peer.Ports()); err != nil {
		return fail(stderr, err)
	}
	return 0
}
