package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	defaultDialTimeout = 5 * time.Second
	minReadLimit       = 32 * 1024
)

var errConnectionClosed = errors.New("p2p: connection closed")

type wireRequest struct {
	ID      string            `json:"id"`
	Event   string            `json:"event"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type wireError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type wireReply struct {
	ID      string            `json:"id"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Error   *wireError        `json:"error,omitempty"`

	err error
}

// WSConnectorConfig configures the websocket connector.
type WSConnectorConfig struct {
	DialTimeout time.Duration
	// Path is the websocket endpoint on the peer, "/" when empty.
	Path   string
	Logger *slog.Logger
}

// WSConnector is a Connector that keeps one multiplexed websocket per peer.
type WSConnector struct {
	cfg    WSConnectorConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[string]*wsConnection
	errors map[string]ErrorKind
}

// NewWSConnector returns a connector. Close releases every pooled connection.
func NewWSConnector(cfg WSConnectorConfig) *WSConnector {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "p2p_connector"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSConnector{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*wsConnection),
		errors: make(map[string]ErrorKind),
	}
}

// Connect returns the pooled connection for peer, dialing when needed. Replies
// larger than maxPayloadBytes fail with KindPayloadTooLarge.
func (c *WSConnector) Connect(ctx context.Context, peer *Peer, maxPayloadBytes int64) (Connection, error) {
	addr := peer.Address()
	if conn := c.pooled(addr); conn != nil {
		return &wsHandle{conn: conn, maxPayload: maxPayloadBytes}, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, "ws://"+addr+c.cfg.Path, nil)
	if err != nil {
		kind := KindSocketNotOpen
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return nil, newSocketError(kind, "", fmt.Errorf("dial %s: %w", addr, err))
	}

	conn := newWSConnection(addr, ws, c.logger, c.forget)

	c.mu.Lock()
	if existing := c.conns[addr]; existing != nil && !existing.isClosed() {
		c.mu.Unlock()
		conn.close(websocket.StatusNormalClosure, "duplicate connection")
		return &wsHandle{conn: existing, maxPayload: maxPayloadBytes}, nil
	}
	c.conns[addr] = conn
	c.mu.Unlock()

	go conn.readLoop(c.ctx)
	return &wsHandle{conn: conn, maxPayload: maxPayloadBytes}, nil
}

func (c *WSConnector) pooled(addr string) *wsConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conns[addr]
	if conn == nil || conn.isClosed() {
		delete(c.conns, addr)
		return nil
	}
	return conn
}

func (c *WSConnector) forget(conn *wsConnection) {
	c.mu.Lock()
	if c.conns[conn.addr] == conn {
		delete(c.conns, conn.addr)
	}
	c.mu.Unlock()
}

// SetError records the last error kind observed for peer.
func (c *WSConnector) SetError(peer *Peer, kind ErrorKind) {
	c.mu.Lock()
	c.errors[peer.Address()] = kind
	c.mu.Unlock()
}

// ForgetError clears the recorded error for peer.
func (c *WSConnector) ForgetError(peer *Peer) {
	c.mu.Lock()
	delete(c.errors, peer.Address())
	c.mu.Unlock()
}

// LastError returns the recorded error kind for peer, if any.
func (c *WSConnector) LastError(peer *Peer) (ErrorKind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kind, ok := c.errors[peer.Address()]
	return kind, ok
}

// Disconnect closes and forgets the pooled connection for peer.
func (c *WSConnector) Disconnect(peer *Peer) {
	c.mu.Lock()
	conn := c.conns[peer.Address()]
	delete(c.conns, peer.Address())
	c.mu.Unlock()
	if conn != nil {
		conn.close(websocket.StatusNormalClosure, "disconnect")
	}
}

// Close tears down every pooled connection.
func (c *WSConnector) Close() error {
	c.cancel()
	c.mu.Lock()
	conns := make([]*wsConnection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.conns = make(map[string]*wsConnection)
	c.mu.Unlock()
	for _, conn := range conns {
		conn.close(websocket.StatusGoingAway, "shutting down")
	}
	return nil
}

type wsHandle struct {
	conn       *wsConnection
	maxPayload int64
}

func (h *wsHandle) Emit(ctx context.Context, event string, data any, headers map[string]string) (*Response, error) {
	return h.conn.emit(ctx, event, data, headers, h.maxPayload)
}

type pendingCall struct {
	reply      chan wireReply
	maxPayload int64
}

type wsConnection struct {
	addr    string
	ws      *websocket.Conn
	logger  *slog.Logger
	onClose func(*wsConnection)

	mu       sync.Mutex
	pending  map[string]*pendingCall
	closed   bool
	closeErr error
	done     chan struct{}
}

func newWSConnection(addr string, ws *websocket.Conn, logger *slog.Logger, onClose func(*wsConnection)) *wsConnection {
	conn := &wsConnection{
		addr:    addr,
		ws:      ws,
		logger:  logger,
		onClose: onClose,
		pending: make(map[string]*pendingCall),
		done:    make(chan struct{}),
	}
	ws.SetReadLimit(minReadLimit)
	return conn
}

func (c *wsConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *wsConnection) emit(ctx context.Context, event string, data any, headers map[string]string, maxPayload int64) (*Response, error) {
	req := wireRequest{ID: uuid.NewString(), Event: event, Headers: headers}
	if data != nil {
		body, err := json.Marshal(data)
		if err != nil {
			return nil, newSocketError(KindGeneric, event, fmt.Errorf("encode request: %w", err))
		}
		req.Data = body
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, newSocketError(KindGeneric, event, fmt.Errorf("encode frame: %w", err))
	}

	call := &pendingCall{reply: make(chan wireReply, 1), maxPayload: maxPayload}
	if err := c.register(req.ID, call); err != nil {
		return nil, newSocketError(KindSocketNotOpen, event, err)
	}
	defer c.unregister(req.ID)

	if err := c.ws.Write(ctx, websocket.MessageText, frame); err != nil {
		return nil, newSocketError(contextKind(ctx, KindSocketNotOpen), event, fmt.Errorf("write: %w", err))
	}

	select {
	case reply := <-call.reply:
		if reply.err != nil {
			return nil, newSocketError(KindOf(reply.err), event, reply.err)
		}
		if reply.Error != nil {
			return nil, newSocketError(ParseErrorKind(reply.Error.Name), event, errors.New(reply.Error.Message))
		}
		return &Response{Data: reply.Data, Headers: reply.Headers}, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newSocketError(KindTimeout, event, fmt.Errorf("no reply from %s: %w", c.addr, ctx.Err()))
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.failure()
	}
}

func contextKind(ctx context.Context, fallback ErrorKind) ErrorKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}
	return fallback
}

func (c *wsConnection) register(id string, call *pendingCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnectionClosed
	}
	c.pending[id] = call
	c.applyReadLimitLocked()
	return nil
}

func (c *wsConnection) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	c.applyReadLimitLocked()
}

// applyReadLimitLocked sizes the shared read limit to the largest reply any
// in-flight call accepts; each call still enforces its own cap.
func (c *wsConnection) applyReadLimitLocked() {
	if c.closed {
		return
	}
	limit := int64(minReadLimit)
	for _, call := range c.pending {
		if call.maxPayload > limit {
			limit = call.maxPayload
		}
	}
	c.ws.SetReadLimit(limit)
}

func (c *wsConnection) readLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			c.fail(newSocketError(readErrorKind(err), "", fmt.Errorf("read from %s: %w", c.addr, err)))
			return
		}
		var reply wireReply
		if err := json.Unmarshal(data, &reply); err != nil {
			c.logger.Debug("Discarding malformed frame",
				slog.String("peer", c.addr),
				slog.Any("error", err))
			continue
		}
		c.mu.Lock()
		call := c.pending[reply.ID]
		c.mu.Unlock()
		if call == nil {
			continue
		}
		if call.maxPayload > 0 && int64(len(data)) > call.maxPayload {
			reply = wireReply{err: newSocketError(KindPayloadTooLarge, "",
				fmt.Errorf("reply of %d bytes exceeds %d byte cap", len(data), call.maxPayload))}
		}
		select {
		case call.reply <- reply:
		default:
		}
	}
}

func (c *wsConnection) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return newSocketError(KindSocketNotOpen, "", errConnectionClosed)
}

func (c *wsConnection) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	close(c.done)
	c.mu.Unlock()
	if c.onClose != nil {
		c.onClose(c)
	}
}

func (c *wsConnection) close(code websocket.StatusCode, reason string) {
	c.fail(newSocketError(KindSocketNotOpen, "", errConnectionClosed))
	_ = c.ws.Close(code, reason)
}

// readErrorKind classifies a failed read. An oversized frame closes with
// StatusMessageTooBig; older releases only report it in the error text.
func readErrorKind(err error) ErrorKind {
	if websocket.CloseStatus(err) == websocket.StatusMessageTooBig {
		return KindPayloadTooLarge
	}
	if strings.Contains(err.Error(), "read limited at") {
		return KindPayloadTooLarge
	}
	return KindSocketNotOpen
}
