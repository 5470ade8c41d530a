package swap

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// PrivateKeySize is the length of a serialized private key.
	PrivateKeySize = 32

	// PublicKeySize is the length of a compressed public key.
	PublicKeySize = 33

	// XOnlySize is the length of a public key x coordinate.
	XOnlySize = 32

	// Hash160Size is the length of a ripemd160(sha256) digest.
	Hash160Size = 20

	// Hash256Size is the length of a sha256 digest.
	Hash256Size = 32
)

var (
	// ErrInvalidLength is returned when a fixed size value is built from a
	// slice of the wrong length.
	ErrInvalidLength = errors.New("invalid length")

	// ErrInvalidScalar is returned for private keys that are zero or not
	// below the curve order.
	ErrInvalidScalar = errors.New("invalid secp256k1 scalar")
)

// PrivateKey is a secp256k1 private scalar.
type PrivateKey [PrivateKeySize]byte

// NewPrivateKey copies b into a PrivateKey after checking its length. The
// scalar itself is not range checked, see Valid.
func NewPrivateKey(b []byte) (PrivateKey, error) {
	var k PrivateKey
	if len(b) != PrivateKeySize {
		return k, fmt.Errorf("private key: %w: %d", ErrInvalidLength,
			len(b))
	}
	copy(k[:], b)

	return k, nil
}

// IsZero returns true if the key is all zero bytes. Zeroed keys mark deck
// entries that were withheld or wiped.
func (k *PrivateKey) IsZero() bool {
	var zero PrivateKey
	return subtle.ConstantTimeCompare(k[:], zero[:]) == 1
}

// Valid reports whether the key is a usable scalar: non-zero and below the
// group order.
func (k *PrivateKey) Valid() bool {
	var s secp.ModNScalar
	overflow := s.SetByteSlice(k[:])

	return !overflow && !s.IsZero()
}

// Zero wipes the key material.
func (k *PrivateKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// BTCEC returns the btcec form of the key.
func (k *PrivateKey) BTCEC() *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(k[:])
	return priv
}

// PubKey derives the compressed public key of k.
func (k *PrivateKey) PubKey() (PublicKey, error) {
	if !k.Valid() {
		return PublicKey{}, ErrInvalidScalar
	}

	var pub PublicKey
	copy(pub[:], k.BTCEC().PubKey().SerializeCompressed())

	return pub, nil
}

// Hash160 returns ripemd160(sha256(k)), the short form of the secret that
// payment scripts commit to.
func (k *PrivateKey) Hash160() Hash160 {
	var h Hash160
	copy(h[:], btcutil.Hash160(k[:]))

	return h
}

// Hash256 returns sha256(k), the long form of the secret.
func (k *PrivateKey) Hash256() Hash256 {
	var h Hash256
	copy(h[:], chainhash.HashB(k[:]))

	return h
}

// PublicKey is a compressed secp256k1 public key.
type PublicKey [PublicKeySize]byte

// NewPublicKey validates b as a compressed point and returns it.
func NewPublicKey(b []byte) (PublicKey, error) {
	var p PublicKey
	if len(b) != PublicKeySize {
		return p, fmt.Errorf("public key: %w: %d", ErrInvalidLength,
			len(b))
	}
	if _, err := btcec.ParsePubKey(b); err != nil {
		return p, err
	}
	copy(p[:], b)

	return p, nil
}

// PublicKeyFromX rebuilds a compressed key from its x coordinate and the
// prefix byte implied by the owner's role.
func PublicKeyFromX(prefix byte, x [XOnlySize]byte) (PublicKey, error) {
	var b [PublicKeySize]byte
	b[0] = prefix
	copy(b[1:], x[:])

	return NewPublicKey(b[:])
}

// Prefix returns the leading parity byte of the key.
func (p PublicKey) Prefix() byte {
	return p[0]
}

// X returns the x coordinate of the key.
func (p PublicKey) X() [XOnlySize]byte {
	var x [XOnlySize]byte
	copy(x[:], p[1:])

	return x
}

// IsZero returns true if the key was never set.
func (p PublicKey) IsZero() bool {
	return p == PublicKey{}
}

// String returns the hex encoding of the key.
func (p PublicKey) String() string {
	return hex.EncodeToString(p[:])
}

// Hash160 is a ripemd160(sha256) digest.
type Hash160 [Hash160Size]byte

// NewHash160 copies b into a Hash160 after checking its length.
func NewHash160(b []byte) (Hash160, error) {
	var h Hash160
	if len(b) != Hash160Size {
		return h, fmt.Errorf("hash160: %w: %d", ErrInvalidLength, len(b))
	}
	copy(h[:], b)

	return h, nil
}

// String returns the hex encoding of the digest.
func (h Hash160) String() string {
	return hex.EncodeToString(h[:])
}

// Hash256 is a sha256 digest.
type Hash256 [Hash256Size]byte

// NewHash256 copies b into a Hash256 after checking its length.
func NewHash256(b []byte) (Hash256, error) {
	var h Hash256
	if len(b) != Hash256Size {
		return h, fmt.Errorf("hash256: %w: %d", ErrInvalidLength, len(b))
	}
	copy(h[:], b)

	return h, nil
}

// String returns the hex encoding of the digest.
func (h Hash256) String() string {
	return hex.EncodeToString(h[:])
}
