package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nhbpeer/core/events"
)

func serveRemote(t *testing.T, remote *fakeRemote) *Peer {
	t.Helper()
	return newWSTestServer(t, func(req wireRequest) *wireReply {
		res, err := remote.handle(context.Background(), req.Event, req.Data)
		if err != nil {
			name := string(KindGeneric)
			var se *SocketError
			if errors.As(err, &se) {
				name = string(se.Kind)
			}
			return &wireReply{Error: &wireError{Name: name, Message: err.Error()}}
		}
		return &wireReply{Data: res.Data, Headers: res.Headers}
	})
}

func TestPingOverWebsocket(t *testing.T) {
	key := mustKey(t)
	ours := buildChain(t, key, 100)
	theirs := extendChain(t, key, ours, 101, 0)
	peer := serveRemote(t, newFakeRemote(theirs))

	connector := newTestConnector(t)
	queue := events.NewQueue(8)
	comm := newTestCommunicator(t, testCommunicatorConfig(), connector, newChainStore(t, ours), WithDispatcher(queue))

	state, err := comm.Ping(context.Background(), peer, 5*time.Second, false)
	require.NoError(t, err)
	require.Equal(t, uint64(101), state.Height)
	require.Equal(t, &VerificationResult{MyHeight: 100, HisHeight: 101, HighestCommonHeight: 100}, peer.VerificationResult())
	require.Greater(t, peer.Latency(), time.Duration(0))

	_, ok := connector.LastError(peer)
	require.False(t, ok, "a clean ping leaves no recorded error")
	select {
	case ev := <-queue.Events():
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestUnknownEndpointOverWebsocketDisconnects(t *testing.T) {
	key := mustKey(t)
	chain := buildChain(t, key, 3)
	remote := newFakeRemote(chain)
	remote.override = func(ctx context.Context, event string, data json.RawMessage) (*Response, error) {
		return nil, newSocketError(KindEndpointNotFound, event, errors.New("no such endpoint"))
	}
	peer := serveRemote(t, remote)

	connector := newTestConnector(t)
	queue := events.NewQueue(8)
	schemas, err := ParseReplySchemas([]byte("p2p.peer.getPeers:\n  type: array\n"))
	require.NoError(t, err)
	comm := newTestCommunicator(t, testCommunicatorConfig(), connector, newChainStore(t, chain),
		WithDispatcher(queue), WithReplySchemas(schemas))
	_, ok := comm.GetPeers(context.Background(), peer)
	require.False(t, ok)

	kind, recorded := connector.LastError(peer)
	require.True(t, recorded)
	require.Equal(t, KindEndpointNotFound, kind)

	select {
	case ev := <-queue.Events():
		disconnect, isDisconnect := ev.(events.PeerDisconnect)
		require.True(t, isDisconnect)
		require.Equal(t, peer.Address(), disconnect.Address)
	case <-time.After(time.Second):
		t.Fatalf("expected a disconnect event")
	}
}
