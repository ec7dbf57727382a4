package p2p

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultReplySchemasCoverEveryEvent(t *testing.T) {
	schemas := DefaultReplySchemas()
	for _, event := range []string{
		EventPostBlock, EventPostTransactions, EventGetStatus,
		EventGetPeers, EventGetCommonBlocks, EventGetBlocks,
	} {
		require.Contains(t, schemas.Endpoints(), event)
	}
}

func TestValidateStatusReply(t *testing.T) {
	schemas := DefaultReplySchemas()
	good := `{"state":{"height":10,"forgingAllowed":false,"currentSlot":3,` +
		`"header":{"id":"abc","height":10}},` +
		`"config":{"version":"3.0.0","network":{"nethash":"` + strings.Repeat("a", 64) + `","name":"devnet","version":30},"plugins":{}}}`
	require.NoError(t, schemas.Validate(EventGetStatus, json.RawMessage(good)))

	bad := strings.Replace(good, `"height":10,"forgingAllowed"`, `"height":"10","forgingAllowed"`, 1)
	err := schemas.Validate(EventGetStatus, json.RawMessage(bad))
	require.ErrorIs(t, err, ErrInvalidReply)
	require.Contains(t, err.Error(), "/state/height")

	missing := `{"state":{"height":10,"forgingAllowed":false,"currentSlot":3,"header":{"id":"abc","height":10}}}`
	require.ErrorIs(t, schemas.Validate(EventGetStatus, json.RawMessage(missing)), ErrInvalidReply)
}

func TestValidateCommonBlocksAllowsNullCommon(t *testing.T) {
	schemas := DefaultReplySchemas()
	require.NoError(t, schemas.Validate(EventGetCommonBlocks, json.RawMessage(`{"common":null,"lastBlockHeight":5}`)))
	require.NoError(t, schemas.Validate(EventGetCommonBlocks, json.RawMessage(`{"common":{"height":4,"id":"x"}}`)))
	require.Error(t, schemas.Validate(EventGetCommonBlocks, json.RawMessage(`{"common":{"height":0,"id":"x"}}`)))
}

func TestValidateBlocksReply(t *testing.T) {
	schemas := DefaultReplySchemas()
	require.NoError(t, schemas.Validate(EventGetBlocks, nil))
	require.NoError(t, schemas.Validate(EventGetBlocks, json.RawMessage(`[]`)))
	require.NoError(t, schemas.Validate(EventGetBlocks, json.RawMessage(`[{"id":"a","height":1,"previousBlock":"","transactions":["00ff"]}]`)))
	require.Error(t, schemas.Validate(EventGetBlocks, json.RawMessage(`[{"id":"a","height":1.5,"previousBlock":""}]`)))
	require.Error(t, schemas.Validate(EventGetBlocks, json.RawMessage(`{"id":"a"}`)))
}

func TestValidatePeersMaxItems(t *testing.T) {
	schemas, err := ParseReplySchemas([]byte(`
p2p.peer.getPeers:
  type: array
  maxItems: 1
  items:
    type: object
    required: [ip]
    properties:
      ip:
        type: string
`))
	require.NoError(t, err)
	require.NoError(t, schemas.Validate(EventGetPeers, json.RawMessage(`[{"ip":"1.2.3.4"}]`)))
	require.Error(t, schemas.Validate(EventGetPeers, json.RawMessage(`[{"ip":"1.2.3.4"},{"ip":"5.6.7.8"}]`)))
}

func TestValidateUnknownEndpoint(t *testing.T) {
	err := DefaultReplySchemas().Validate("p2p.peer.nothing", json.RawMessage(`{}`))
	if !errors.Is(err, ErrNoSchema) {
		t.Fatalf("expected ErrNoSchema, got %v", err)
	}
}

func TestParseReplySchemasRejectsUnknownType(t *testing.T) {
	_, err := ParseReplySchemas([]byte("x:\n  type: tuple\n"))
	require.Error(t, err)
}

func TestValidateBlocksReplyHasNoFixedCap(t *testing.T) {
	items := make([]string, 450)
	for i := range items {
		items[i] = `{"id":"b","height":1,"previousBlock":""}`
	}
	raw := json.RawMessage("[" + strings.Join(items, ",") + "]")
	require.NoError(t, DefaultReplySchemas().Validate(EventGetBlocks, raw))
}
