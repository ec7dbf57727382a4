package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"nhbpeer/crypto"

	"github.com/ethereum/go-ethereum/rlp"
)

// ErrBlockIDMismatch reports a header whose id does not match its contents.
var ErrBlockIDMismatch = errors.New("types: block id mismatch")

// BlockHeader represents the header of a block as exchanged between peers.
// The ID is derived from the remaining fields and the generator signature.
type BlockHeader struct {
	ID                   string `json:"id"`
	Version              uint32 `json:"version"`
	Timestamp            uint64 `json:"timestamp"`
	Height               uint64 `json:"height"`
	PreviousBlock        string `json:"previousBlock"`
	NumberOfTransactions uint32 `json:"numberOfTransactions"`
	PayloadHash          string `json:"payloadHash"`
	GeneratorPublicKey   string `json:"generatorPublicKey"`
	BlockSignature       string `json:"blockSignature"`
}

// BlockData is a header together with its (possibly omitted) transactions.
type BlockData struct {
	BlockHeader
	Transactions []*TransactionData `json:"transactions,omitempty"`
}

type unsignedHeader struct {
	Version              uint32
	Timestamp            uint64
	Height               uint64
	PreviousBlock        string
	NumberOfTransactions uint32
	PayloadHash          string
	GeneratorPublicKey   string
}

type signedHeader struct {
	Header    unsignedHeader
	Signature []byte
}

type wireBlock struct {
	Header       signedHeader
	Transactions [][]byte
}

func (h *BlockHeader) unsigned() unsignedHeader {
	return unsignedHeader{
		Version:              h.Version,
		Timestamp:            h.Timestamp,
		Height:               h.Height,
		PreviousBlock:        h.PreviousBlock,
		NumberOfTransactions: h.NumberOfTransactions,
		PayloadHash:          h.PayloadHash,
		GeneratorPublicKey:   h.GeneratorPublicKey,
	}
}

func (h *BlockHeader) signed() (signedHeader, error) {
	sig, err := decodeHexField(h.BlockSignature)
	if err != nil {
		return signedHeader{}, fmt.Errorf("decode block signature: %w", err)
	}
	return signedHeader{Header: h.unsigned(), Signature: sig}, nil
}

// SigningHash returns the digest the generator signs.
func (h *BlockHeader) SigningHash() ([]byte, error) {
	enc, err := rlp.EncodeToBytes(h.unsigned())
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(enc), nil
}

// ComputeID derives the block id from the header fields and signature.
func (h *BlockHeader) ComputeID() (string, error) {
	sh, err := h.signed()
	if err != nil {
		return "", err
	}
	enc, err := rlp.EncodeToBytes(sh)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(crypto.Keccak256(enc)), nil
}

// VerifyID reports whether the stored id matches the header contents.
func (h *BlockHeader) VerifyID() error {
	id, err := h.ComputeID()
	if err != nil {
		return err
	}
	if !strings.EqualFold(id, h.ID) {
		return fmt.Errorf("%w: have %s computed %s", ErrBlockIDMismatch, h.ID, id)
	}
	return nil
}

// Sign sets the generator public key, signature and id using the supplied key.
func (h *BlockHeader) Sign(key *crypto.PrivateKey) error {
	h.GeneratorPublicKey = key.PubKey().Hex()
	digest, err := h.SigningHash()
	if err != nil {
		return err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return fmt.Errorf("sign header: %w", err)
	}
	h.BlockSignature = hex.EncodeToString(sig)
	id, err := h.ComputeID()
	if err != nil {
		return err
	}
	h.ID = id
	return nil
}

// VerifySignature checks the generator signature over the header.
func (h *BlockHeader) VerifySignature() error {
	digest, err := h.SigningHash()
	if err != nil {
		return err
	}
	sig, err := decodeHexField(h.BlockSignature)
	if err != nil {
		return fmt.Errorf("decode block signature: %w", err)
	}
	return crypto.VerifyDigest(h.GeneratorPublicKey, digest, sig)
}

// GeneratorAddress returns the bech32 address of the block generator, or an
// empty string when the public key is malformed.
func (h *BlockHeader) GeneratorAddress() string {
	pub, err := crypto.ParsePublicKeyHex(h.GeneratorPublicKey)
	if err != nil {
		return ""
	}
	return pub.Address().String()
}

// SerializeWithTransactions encodes the block header, signature and all
// transactions into a single RLP payload.
func SerializeWithTransactions(b *BlockData) ([]byte, error) {
	if b == nil {
		return nil, errors.New("types: nil block")
	}
	sh, err := b.signed()
	if err != nil {
		return nil, err
	}
	wb := wireBlock{Header: sh, Transactions: make([][]byte, 0, len(b.Transactions))}
	for i, tx := range b.Transactions {
		enc, err := EncodeTransaction(tx)
		if err != nil {
			return nil, fmt.Errorf("encode transaction %d: %w", i, err)
		}
		wb.Transactions = append(wb.Transactions, enc)
	}
	return rlp.EncodeToBytes(wb)
}

// DeserializeBlock decodes a payload produced by SerializeWithTransactions.
// Ids are recomputed and transactions are stamped with the block id.
func DeserializeBlock(data []byte) (*BlockData, error) {
	var wb wireBlock
	if err := rlp.DecodeBytes(data, &wb); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	u := wb.Header.Header
	block := &BlockData{BlockHeader: BlockHeader{
		Version:              u.Version,
		Timestamp:            u.Timestamp,
		Height:               u.Height,
		PreviousBlock:        u.PreviousBlock,
		NumberOfTransactions: u.NumberOfTransactions,
		PayloadHash:          u.PayloadHash,
		GeneratorPublicKey:   u.GeneratorPublicKey,
		BlockSignature:       hex.EncodeToString(wb.Header.Signature),
	}}
	id, err := block.ComputeID()
	if err != nil {
		return nil, err
	}
	block.ID = id
	for i, raw := range wb.Transactions {
		tx, err := DecodeTransaction(raw)
		if err != nil {
			return nil, fmt.Errorf("decode transaction %d: %w", i, err)
		}
		tx.BlockID = id
		block.Transactions = append(block.Transactions, tx)
	}
	return block, nil
}

func decodeHexField(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		value = value[2:]
	}
	if value == "" {
		return []byte{}, nil
	}
	return hex.DecodeString(value)
}
