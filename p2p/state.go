package p2p

import "nhbpeer/core/types"

// Wire event names used against peers.
const (
	EventPostBlock        = "p2p.peer.postBlock"
	EventPostTransactions = "p2p.peer.postTransactions"
	EventGetStatus        = "p2p.peer.getStatus"
	EventGetPeers         = "p2p.peer.getPeers"
	EventGetCommonBlocks  = "p2p.peer.getCommonBlocks"
	EventGetBlocks        = "p2p.peer.getBlocks"
)

// PeerState is the chain state a peer reports about itself.
type PeerState struct {
	Height         uint64            `json:"height"`
	ForgingAllowed bool              `json:"forgingAllowed"`
	CurrentSlot    uint64            `json:"currentSlot"`
	Header         types.BlockHeader `json:"header"`
}

// PluginInfo describes a plugin a peer advertises.
type PluginInfo struct {
	Port    int  `json:"port"`
	Enabled bool `json:"enabled"`
}

// NetworkInfo identifies the network a peer belongs to.
type NetworkInfo struct {
	Nethash string `json:"nethash"`
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// PeerConfig is the self-reported identity of a peer.
type PeerConfig struct {
	Version string                `json:"version"`
	Network NetworkInfo           `json:"network"`
	Plugins map[string]PluginInfo `json:"plugins"`
}

// PingResponse is the decoded getStatus reply.
type PingResponse struct {
	State  PeerState  `json:"state"`
	Config PeerConfig `json:"config"`
}

// CommonBlock is the highest block a peer reports sharing with us.
type CommonBlock struct {
	Height uint64 `json:"height"`
	ID     string `json:"id"`
}

type commonBlocksReply struct {
	Common          *CommonBlock `json:"common"`
	LastBlockHeight uint64       `json:"lastBlockHeight"`
}

// PeerAddress is one entry of a getPeers reply.
type PeerAddress struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// PostBlockReply acknowledges a posted block.
type PostBlockReply struct {
	Status bool   `json:"status"`
	Height uint64 `json:"height"`
}

// GetBlocksOptions bounds a block download.
type GetBlocksOptions struct {
	FromHeight  uint64
	BlockLimit  int
	HeadersOnly bool
}

type getBlocksRequest struct {
	LastBlockHeight uint64 `json:"lastBlockHeight"`
	BlockLimit      int    `json:"blockLimit"`
	HeadersOnly     bool   `json:"headersOnly"`
	Serialized      bool   `json:"serialized"`
}

type wireBlock struct {
	types.BlockHeader
	Transactions []string `json:"transactions,omitempty"`
}

func clonePlugins(in map[string]PluginInfo) map[string]PluginInfo {
	if in == nil {
		return nil
	}
	out := make(map[string]PluginInfo, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
