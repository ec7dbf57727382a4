package types

import (
	"math/big"
	"testing"

	"nhbpeer/crypto"

	"github.com/stretchr/testify/require"
)

func newSignedHeader(t *testing.T, key *crypto.PrivateKey, height uint64, prev string) *BlockHeader {
	t.Helper()
	h := &BlockHeader{
		Version:       1,
		Timestamp:     1_700_000_000 + height,
		Height:        height,
		PreviousBlock: prev,
		PayloadHash:   "00",
	}
	require.NoError(t, h.Sign(key))
	return h
}

func TestHeaderSignAndVerify(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	h := newSignedHeader(t, key, 7, "abcd")
	require.NoError(t, h.VerifySignature())
	require.NoError(t, h.VerifyID())
	require.NotEmpty(t, h.GeneratorAddress())

	tampered := *h
	tampered.Height = 8
	require.Error(t, tampered.VerifySignature())
	require.ErrorIs(t, tampered.VerifyID(), ErrBlockIDMismatch)
}

func TestHeaderRejectsForeignSignature(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	h := newSignedHeader(t, key, 3, "")
	h.GeneratorPublicKey = other.PubKey().Hex()
	require.ErrorIs(t, h.VerifySignature(), crypto.ErrInvalidSignature)
}

func TestSerializeWithTransactionsStampsBlockID(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	tx := &TransactionData{
		Version:         2,
		Network:         30,
		Type:            0,
		Nonce:           4,
		SenderPublicKey: key.PubKey().Hex(),
		RecipientID:     "nhb1recipient",
		Amount:          big.NewInt(1000),
		Fee:             big.NewInt(10),
	}
	block := &BlockData{BlockHeader: *newSignedHeader(t, key, 12, "ff"), Transactions: []*TransactionData{tx}}

	payload, err := SerializeWithTransactions(block)
	require.NoError(t, err)

	decoded, err := DeserializeBlock(payload)
	require.NoError(t, err)
	require.Equal(t, block.ID, decoded.ID)
	require.Len(t, decoded.Transactions, 1)

	got := decoded.Transactions[0]
	require.Equal(t, block.ID, got.BlockID)
	wantID, err := tx.ComputeID()
	require.NoError(t, err)
	require.Equal(t, wantID, got.ID)
	require.Equal(t, 0, got.Amount.Cmp(big.NewInt(1000)))
	require.Equal(t, "nhb1recipient", got.RecipientID)
}

func TestDecodeTransactionHexRejectsGarbage(t *testing.T) {
	_, err := DecodeTransactionHex("zz")
	require.Error(t, err)
	_, err = DecodeTransactionHex("c0ffee")
	require.Error(t, err)
}
