package types

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"nhbpeer/crypto"

	"github.com/ethereum/go-ethereum/rlp"
)

// TransactionData is the peer-facing view of a transaction. ID and BlockID
// are derived locally and never travel in the RLP encoding.
type TransactionData struct {
	ID              string   `json:"id" rlp:"-"`
	BlockID         string   `json:"blockId,omitempty" rlp:"-"`
	Version         uint8    `json:"version"`
	Network         uint8    `json:"network"`
	Type            uint16   `json:"type"`
	Nonce           uint64   `json:"nonce"`
	SenderPublicKey string   `json:"senderPublicKey"`
	RecipientID     string   `json:"recipientId,omitempty"`
	Amount          *big.Int `json:"amount"`
	Fee             *big.Int `json:"fee"`
	VendorField     string   `json:"vendorField,omitempty"`
	Signature       string   `json:"signature,omitempty"`
}

// EncodeTransaction returns the RLP wire encoding of tx.
func EncodeTransaction(tx *TransactionData) ([]byte, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	return rlp.EncodeToBytes(tx)
}

// DecodeTransaction decodes the RLP wire encoding and derives the id from
// the raw bytes. Signatures are not verified.
func DecodeTransaction(data []byte) (*TransactionData, error) {
	var tx TransactionData
	if err := rlp.DecodeBytes(data, &tx); err != nil {
		return nil, err
	}
	tx.ID = hex.EncodeToString(crypto.Keccak256(data))
	return &tx, nil
}

// DecodeTransactionHex is DecodeTransaction for hex encoded payloads.
func DecodeTransactionHex(value string) (*TransactionData, error) {
	raw, err := decodeHexField(value)
	if err != nil {
		return nil, fmt.Errorf("decode transaction hex: %w", err)
	}
	return DecodeTransaction(raw)
}

// ComputeID returns the id that DecodeTransaction would assign to tx.
func (tx *TransactionData) ComputeID() (string, error) {
	enc, err := EncodeTransaction(tx)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(crypto.Keccak256(enc)), nil
}
