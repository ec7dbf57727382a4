package p2p

import (
	"context"
	"encoding/json"
)

// Response is a raw peer reply.
type Response struct {
	Data    json.RawMessage
	Headers map[string]string
}

// Connection performs request/reply calls against one peer.
type Connection interface {
	Emit(ctx context.Context, event string, data any, headers map[string]string) (*Response, error)
}

// Connector owns connection lifecycle and per-peer error bookkeeping. Peer
// health subsystems read the recorded errors to evict chronically failing
// peers; the communicator only writes them.
type Connector interface {
	Connect(ctx context.Context, peer *Peer, maxPayloadBytes int64) (Connection, error)
	SetError(peer *Peer, kind ErrorKind)
	ForgetError(peer *Peer)
}
