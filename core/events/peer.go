package events

const (
	// TypePeerDisconnect is emitted when a peer should be dropped by the peer manager.
	TypePeerDisconnect = "p2p.peer.disconnect"
)

// PeerDisconnect asks the peer-management subsystem to drop a peer.
type PeerDisconnect struct {
	Address string
	Reason  string
}

// EventType implements the Event interface.
func (PeerDisconnect) EventType() string { return TypePeerDisconnect }
