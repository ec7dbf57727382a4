package p2p

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"nhbpeer/core/events"
	"nhbpeer/core/types"
)

const (
	kilobyte = 1024

	postTimeout         = 10 * time.Second
	statusTimeoutCap    = 5 * time.Second
	getPeersTimeout     = 5 * time.Second
	commonBlocksTimeout = 5 * time.Second
)

var errThrottleAborted = errors.New("p2p: throttle wait aborted")

// CommunicatorConfig tunes outbound calls.
type CommunicatorConfig struct {
	Nethash               string
	SkipStateVerification bool
	// DebugExtra logs reply validation and socket errors that are otherwise silent.
	DebugExtra             bool
	GetBlocksTimeout       time.Duration
	MaxPayloadBytes        int64
	DefaultMaxPayloadBytes int64
	MaxDownloadBlocks      int
	ThrottleInterval       time.Duration
	PortProbeTimeout       time.Duration
	Verifier               VerifierConfig
}

// DefaultCommunicatorConfig returns the stock limits.
func DefaultCommunicatorConfig() CommunicatorConfig {
	return CommunicatorConfig{
		GetBlocksTimeout:       30 * time.Second,
		MaxPayloadBytes:        20 * 1024 * 1024,
		DefaultMaxPayloadBytes: 100 * kilobyte,
		MaxDownloadBlocks:      400,
		ThrottleInterval:       time.Second,
		PortProbeTimeout:       5 * time.Second,
		Verifier: VerifierConfig{
			MaxProbesPerRequest: defaultMaxProbesPerRequest,
			MaxBlocksToVerify:   defaultMaxBlocksToVerify,
		},
	}
}

func (c CommunicatorConfig) withDefaults() CommunicatorConfig {
	def := DefaultCommunicatorConfig()
	if c.GetBlocksTimeout <= 0 {
		c.GetBlocksTimeout = def.GetBlocksTimeout
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if c.DefaultMaxPayloadBytes <= 0 {
		c.DefaultMaxPayloadBytes = def.DefaultMaxPayloadBytes
	}
	if c.MaxDownloadBlocks <= 0 {
		c.MaxDownloadBlocks = def.MaxDownloadBlocks
	}
	if c.ThrottleInterval <= 0 {
		c.ThrottleInterval = def.ThrottleInterval
	}
	if c.PortProbeTimeout <= 0 {
		c.PortProbeTimeout = def.PortProbeTimeout
	}
	if c.Verifier.BatchSize <= 0 {
		c.Verifier.BatchSize = c.MaxDownloadBlocks
	}
	c.Verifier = c.Verifier.withDefaults()
	return c
}

// Communicator sends every outbound request to peers and interprets the
// replies. Network failures never escape: they mark the peer errored, may
// request a disconnect and surface as a failed result.
type Communicator struct {
	cfg        CommunicatorConfig
	connector  Connector
	chain      ChainReader
	logger     *slog.Logger
	dispatcher events.Dispatcher
	limiter    *RateLimiter
	versions   VersionPolicy
	schemas    *ReplySchemas
	httpClient *http.Client
	now        func() time.Time
	metrics    *outboundMetrics
	tracer     trace.Tracer

	newVerifier func(peer *Peer) StateChecker

	// probes tracks RefreshPorts goroutines so Wait can drain them.
	probes sync.WaitGroup
	// throttleLog samples the throttling notice; every wait is still counted.
	throttleLog rate.Sometimes
}

// CommunicatorOption customises a Communicator.
type CommunicatorOption func(*Communicator)

func WithLogger(l *slog.Logger) CommunicatorOption {
	return func(c *Communicator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithDispatcher(d events.Dispatcher) CommunicatorOption {
	return func(c *Communicator) {
		if d != nil {
			c.dispatcher = d
		}
	}
}

func WithRateLimiter(l *RateLimiter) CommunicatorOption {
	return func(c *Communicator) {
		if l != nil {
			c.limiter = l
		}
	}
}

func WithVersionPolicy(p VersionPolicy) CommunicatorOption {
	return func(c *Communicator) {
		if p != nil {
			c.versions = p
		}
	}
}

func WithReplySchemas(s *ReplySchemas) CommunicatorOption {
	return func(c *Communicator) {
		if s != nil {
			c.schemas = s
		}
	}
}

// WithVerifierFactory replaces the per-peer state checker used by Ping.
func WithVerifierFactory(f func(peer *Peer) StateChecker) CommunicatorOption {
	return func(c *Communicator) {
		if f != nil {
			c.newVerifier = f
		}
	}
}

// WithHTTPClient sets the client used for plugin port probes.
func WithHTTPClient(h *http.Client) CommunicatorOption {
	return func(c *Communicator) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func WithClock(now func() time.Time) CommunicatorOption {
	return func(c *Communicator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCommunicator wires a communicator. chain is the local view peers are
// verified against.
func NewCommunicator(cfg CommunicatorConfig, connector Connector, chain ChainReader, opts ...CommunicatorOption) (*Communicator, error) {
	if connector == nil {
		return nil, errors.New("p2p: communicator requires a connector")
	}
	if chain == nil {
		return nil, errors.New("p2p: communicator requires a chain reader")
	}
	cfg = cfg.withDefaults()
	c := &Communicator{
		cfg:        cfg,
		connector:  connector,
		chain:      chain,
		logger:     slog.Default().With(slog.String("component", "p2p_communicator")),
		dispatcher: events.NoopDispatcher{},
		limiter:    NewRateLimiter(DefaultRateLimitConfig()),
		versions:   &MinimumVersionPolicy{},
		now:        time.Now,
		metrics:    newOutboundMetrics(),
		tracer:     otel.Tracer(instrumentationName),

		throttleLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.schemas == nil {
		c.schemas = DefaultReplySchemas()
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout:   cfg.PortProbeTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if c.newVerifier == nil {
		c.newVerifier = func(peer *Peer) StateChecker {
			return NewPeerVerifier(c, peer, c.chain, c.cfg.Verifier,
				WithVerifierLogger(c.logger),
				WithVerifierClock(c.now))
		}
	}
	return c, nil
}

// PostBlock propagates block to peer.
func (c *Communicator) PostBlock(ctx context.Context, peer *Peer, block *types.BlockData) (*PostBlockReply, bool) {
	payload, err := types.SerializeWithTransactions(block)
	if err != nil {
		c.logger.Error("Cannot serialize block for propagation",
			slog.String("peer", peer.Address()),
			slog.Any("error", err))
		return nil, false
	}
	raw, ok := c.emit(ctx, peer, EventPostBlock, map[string]string{"block": hex.EncodeToString(payload)}, postTimeout, 0)
	if !ok {
		return nil, false
	}
	var reply PostBlockReply
	if !c.decode(peer, EventPostBlock, raw, &reply) {
		return nil, false
	}
	return &reply, true
}

// PostTransactions propagates transactions to peer and returns the ids it accepted.
func (c *Communicator) PostTransactions(ctx context.Context, peer *Peer, txs []*types.TransactionData) ([]string, bool) {
	raw, ok := c.emit(ctx, peer, EventPostTransactions, map[string]any{"transactions": txs}, postTimeout, 0)
	if !ok {
		return nil, false
	}
	var accepted []string
	if !c.decode(peer, EventPostTransactions, raw, &accepted) {
		return nil, false
	}
	return accepted, true
}

// Ping fetches the peer status and, unless verification is disabled, verifies
// the claimed state before trusting it. A nil state with a nil error means
// the peer was pinged recently and force was not set.
func (c *Communicator) Ping(ctx context.Context, peer *Peer, timeout time.Duration, force bool) (*PeerState, error) {
	now := c.now()
	deadline := now.Add(timeout)

	if peer.RecentlyPinged(now) && !force {
		return nil, nil
	}

	statusTimeout := timeout
	if statusTimeout <= 0 || statusTimeout > statusTimeoutCap {
		statusTimeout = statusTimeoutCap
	}
	raw, ok := c.emit(ctx, peer, EventGetStatus, nil, statusTimeout, 0)
	if !ok {
		return nil, &StatusResponseError{IP: peer.IP}
	}
	var resp PingResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &StatusResponseError{IP: peer.IP}
	}

	if !c.cfg.SkipStateVerification {
		if !c.ValidatePeerConfig(peer, resp.Config) {
			return nil, &VerificationFailedError{IP: peer.IP, Reason: "peer config rejected"}
		}
		if !c.now().Before(deadline) {
			return nil, &PingTimeoutError{Timeout: timeout}
		}
		result := c.newVerifier(peer).CheckState(ctx, &resp.State, deadline)
		peer.setVerificationResult(result)
		if result == nil {
			return nil, &VerificationFailedError{IP: peer.IP, Reason: "claimed chain state not verified"}
		}
	}

	peer.commitPing(c.now(), resp.State, resp.Config.Plugins)
	state := peer.State()
	return &state, nil
}

// ValidatePeerConfig reports whether config belongs to our network and
// advertises an acceptable version. The advertised version is recorded on
// the peer once the nethash matches, even if the version is then rejected.
func (c *Communicator) ValidatePeerConfig(peer *Peer, config PeerConfig) bool {
	if config.Network.Nethash != c.cfg.Nethash {
		return false
	}
	peer.setVersion(config.Version)
	return c.versions.IsValidVersion(peer)
}

// GetPeers asks peer for the peers it knows.
func (c *Communicator) GetPeers(ctx context.Context, peer *Peer) ([]PeerAddress, bool) {
	c.logger.Debug("Fetching a fresh peer list", slog.String("peer", peer.URL()))
	raw, ok := c.emit(ctx, peer, EventGetPeers, nil, getPeersTimeout, 0)
	if !ok {
		return nil, false
	}
	var peers []PeerAddress
	if !c.decode(peer, EventGetPeers, raw, &peers) {
		return nil, false
	}
	return peers, true
}

// HasCommonBlocks returns the highest of ids that peer also has. Any failure
// to get an answer disconnects the peer.
func (c *Communicator) HasCommonBlocks(ctx context.Context, peer *Peer, ids []string, timeout time.Duration) (*CommonBlock, bool) {
	callTimeout := timeout
	if callTimeout <= 0 || callTimeout > commonBlocksTimeout {
		callTimeout = commonBlocksTimeout
	}
	raw, err := c.request(ctx, peer, EventGetCommonBlocks, map[string][]string{"ids": ids}, callTimeout, 0)
	var reply commonBlocksReply
	if err == nil {
		if decodeErr := json.Unmarshal(raw, &reply); decodeErr != nil {
			err = newSocketError(KindGeneric, EventGetCommonBlocks, decodeErr)
		}
	}
	if err != nil {
		if errors.Is(err, errThrottleAborted) {
			c.logger.Debug("Dropped common blocks request", slog.String("peer", peer.Address()), slog.Any("error", err))
			return nil, false
		}
		kind := KindOf(err)
		if kind == KindNone {
			kind = KindGeneric
		}
		c.connector.SetError(peer, kind)
		c.metrics.recordSocketError(kind)
		attrs := []any{slog.String("peer", peer.IP), slog.Any("error", err)}
		if timeout > 0 {
			attrs = append(attrs, slog.Duration("within", timeout))
		}
		c.logger.Error("Could not determine common blocks", attrs...)
		c.disconnect(peer, "common blocks: "+kind.String())
		return nil, false
	}
	if reply.Common == nil {
		return nil, false
	}
	return reply.Common, true
}

// GetPeerBlocks downloads blocks above opts.FromHeight. It returns an empty
// slice when the peer has none or the call failed.
func (c *Communicator) GetPeerBlocks(ctx context.Context, peer *Peer, opts GetBlocksOptions) []*types.BlockData {
	limit := opts.BlockLimit
	if limit <= 0 {
		limit = c.cfg.MaxDownloadBlocks
	}
	maxPayload := c.cfg.MaxPayloadBytes
	if opts.HeadersOnly {
		maxPayload = int64(limit) * kilobyte
	}
	req := getBlocksRequest{
		LastBlockHeight: opts.FromHeight,
		BlockLimit:      limit,
		HeadersOnly:     opts.HeadersOnly,
		Serialized:      true,
	}
	raw, ok := c.emit(ctx, peer, EventGetBlocks, req, c.cfg.GetBlocksTimeout, maxPayload)
	var wire []wireBlock
	if ok {
		if err := json.Unmarshal(raw, &wire); err != nil {
			c.handleSocketError(peer, EventGetBlocks, newSocketError(KindGeneric, EventGetBlocks, err))
			return []*types.BlockData{}
		}
		if len(wire) > limit {
			c.handleSocketError(peer, EventGetBlocks, newSocketError(KindGeneric, EventGetBlocks,
				fmt.Errorf("%w: %d blocks returned for blockLimit %d", ErrInvalidReply, len(wire), limit)))
			return []*types.BlockData{}
		}
	}
	if len(wire) == 0 {
		c.logger.Debug("Peer did not return any blocks",
			slog.String("peer", peer.IP),
			slog.Uint64("from_height", opts.FromHeight))
		return []*types.BlockData{}
	}

	blocks := make([]*types.BlockData, 0, len(wire))
	for _, wb := range wire {
		block := &types.BlockData{BlockHeader: wb.BlockHeader}
		for i, encoded := range wb.Transactions {
			tx, err := types.DecodeTransactionHex(encoded)
			if err != nil {
				c.handleSocketError(peer, EventGetBlocks, newSocketError(KindGeneric, EventGetBlocks,
					fmt.Errorf("block %s transaction %d: %w", wb.ID, i, err)))
				return []*types.BlockData{}
			}
			tx.BlockID = block.ID
			block.Transactions = append(block.Transactions, tx)
		}
		blocks = append(blocks, block)
	}
	return blocks
}

func (c *Communicator) decode(peer *Peer, event string, raw json.RawMessage, out any) bool {
	if err := json.Unmarshal(raw, out); err != nil {
		c.handleSocketError(peer, event, newSocketError(KindGeneric, event, err))
		return false
	}
	return true
}

// emit performs request and absorbs its failure.
func (c *Communicator) emit(ctx context.Context, peer *Peer, event string, data any, timeout time.Duration, maxPayload int64) (json.RawMessage, bool) {
	raw, err := c.request(ctx, peer, event, data, timeout, maxPayload)
	if err != nil {
		if errors.Is(err, errThrottleAborted) {
			c.logger.Debug("Dropped throttled request",
				slog.String("peer", peer.IP),
				slog.String("event", event),
				slog.Any("error", err))
			return nil, false
		}
		c.handleSocketError(peer, event, err)
		return nil, false
	}
	return raw, true
}

func (c *Communicator) request(ctx context.Context, peer *Peer, event string, data any, timeout time.Duration, maxPayload int64) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "p2p.emit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("p2p.event", event),
			attribute.String("p2p.peer", peer.Address()),
		))
	defer span.End()

	raw, err := c.roundTrip(ctx, peer, event, data, timeout, maxPayload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).String())
	}
	return raw, err
}

func (c *Communicator) roundTrip(ctx context.Context, peer *Peer, event string, data any, timeout time.Duration, maxPayload int64) (json.RawMessage, error) {
	if err := c.throttle(ctx, peer, event); err != nil {
		return nil, err
	}

	c.connector.ForgetError(peer)
	if maxPayload <= 0 {
		maxPayload = c.cfg.DefaultMaxPayloadBytes
	}

	start := c.now()
	conn, err := c.connector.Connect(ctx, peer, maxPayload)
	if err != nil {
		c.metrics.recordRequest(ctx, event, "error", 0)
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	res, err := conn.Emit(callCtx, event, data, map[string]string{"Content-Type": "application/json"})
	cancel()
	elapsed := c.now().Sub(start)
	if err != nil {
		c.metrics.recordRequest(ctx, event, "error", elapsed)
		return nil, err
	}

	peer.setLatency(elapsed)
	c.metrics.observePeerLatency(peer.Address(), elapsed)
	c.parseHeaders(peer, res)

	if err := c.validateReply(peer, res.Data, event); err != nil {
		c.metrics.recordRequest(ctx, event, "invalid", elapsed)
		return nil, newSocketError(KindGeneric, event, err)
	}
	c.metrics.recordRequest(ctx, event, "ok", elapsed)
	return res.Data, nil
}

// throttle waits until the local limiter lets a call to event through.
func (c *Communicator) throttle(ctx context.Context, peer *Peer, event string) error {
	for c.limiter.HasExceededRateLimit(peer.IP, event) {
		c.throttleLog.Do(func() {
			c.logger.Debug("Throttling outgoing requests to avoid triggering the peer rate limit",
				slog.String("peer", peer.IP),
				slog.String("event", event))
		})
		c.metrics.recordThrottle(event)
		timer := time.NewTimer(c.cfg.ThrottleInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", errThrottleAborted, ctx.Err())
		case <-timer.C:
		}
	}
	return nil
}

func (c *Communicator) parseHeaders(peer *Peer, res *Response) {
	raw := strings.TrimSpace(res.Headers["height"])
	if raw == "" {
		return
	}
	height, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return
	}
	peer.setHeight(height)
}

func (c *Communicator) validateReply(peer *Peer, raw json.RawMessage, event string) error {
	err := c.schemas.Validate(event, raw)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNoSchema) {
		c.logger.Error("Cannot validate reply, no schema matches the endpoint",
			slog.String("event", event))
		return err
	}
	if c.cfg.DebugExtra {
		c.logger.Debug("Got unexpected reply",
			slog.String("peer", peer.URL()),
			slog.String("event", event),
			slog.Any("error", err))
	}
	return err
}

func (c *Communicator) handleSocketError(peer *Peer, event string, err error) {
	kind := KindOf(err)
	if kind == KindNone {
		return
	}
	c.connector.SetError(peer, kind)
	c.metrics.recordSocketError(kind)

	switch kind {
	case KindValidation:
		c.logger.Debug("Socket data validation error",
			slog.String("peer", peer.IP),
			slog.Any("error", err))
	case KindGeneric:
		if c.cfg.DebugExtra {
			c.logger.Debug("Response error",
				slog.String("peer", peer.IP),
				slog.String("event", event),
				slog.Any("error", err))
		}
	default:
		if c.cfg.DebugExtra {
			c.logger.Debug("Socket error",
				slog.String("peer", peer.IP),
				slog.Any("error", err))
		}
		c.disconnect(peer, kind.String())
	}
}

func (c *Communicator) disconnect(peer *Peer, reason string) {
	c.metrics.removePeer(peer.Address())
	c.dispatcher.Dispatch(events.PeerDisconnect{Address: peer.Address(), Reason: reason})
}
