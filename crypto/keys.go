package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// GeneratorPrefix is the human-readable prefix for block generator addresses.
const GeneratorPrefix = "nhb"

// ErrInvalidSignature is returned when a signature does not verify against the supplied key.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Address represents a 20-byte account address with a human-readable prefix.
type Address struct {
	prefix string
	bytes  []byte
}

func NewAddress(prefix string, b []byte) (Address, error) {
	if len(b) != 20 {
		return Address{}, fmt.Errorf("address must be 20 bytes long, got %d", len(b))
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}, nil
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(a.prefix, conv)
	if err != nil {
		return ""
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(prefix, conv)
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a 65-byte recoverable signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, k.PrivateKey)
}

// Hex returns the compressed public key encoded as lowercase hex.
func (k *PublicKey) Hex() string {
	return hex.EncodeToString(crypto.CompressPubkey(k.PublicKey))
}

func (k *PublicKey) Address() Address {
	addr, _ := NewAddress(GeneratorPrefix, crypto.PubkeyToAddress(*k.PublicKey).Bytes())
	return addr
}

// ParsePublicKeyHex decodes a compressed or uncompressed secp256k1 public key.
func ParsePublicKeyHex(value string) (*PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	switch len(raw) {
	case 33:
		pub, err := crypto.DecompressPubkey(raw)
		if err != nil {
			return nil, err
		}
		return &PublicKey{pub}, nil
	case 65:
		pub, err := crypto.UnmarshalPubkey(raw)
		if err != nil {
			return nil, err
		}
		return &PublicKey{pub}, nil
	default:
		return nil, fmt.Errorf("invalid public key length %d", len(raw))
	}
}

// VerifyDigest checks a signature produced by Sign against a hex encoded public key.
func VerifyDigest(pubHex string, digest []byte, sig []byte) error {
	pub, err := ParsePublicKeyHex(pubHex)
	if err != nil {
		return err
	}
	if len(sig) == 65 {
		sig = sig[:64]
	}
	if len(sig) != 64 {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}
	if !crypto.VerifySignature(crypto.FromECDSAPub(pub.PublicKey), digest, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Keccak256 hashes the concatenation of the supplied byte slices.
func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}
