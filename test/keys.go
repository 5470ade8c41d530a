package test

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightninglabs/xswap/swap"
)

// CreateKey returns a deterministically generated key pair.
func CreateKey(index int32) (*btcec.PrivateKey, *btcec.PublicKey) {
	// Avoid all zeros, because it results in an invalid key.
	privKey, pubKey := btcec.PrivKeyFromBytes([]byte{
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, byte(index + 1),
	})

	return privKey, pubKey
}

// CreateSwapKey returns the deterministic key of CreateKey as a swap key.
func CreateSwapKey(index int32) swap.PrivateKey {
	privKey, _ := CreateKey(index)

	var key swap.PrivateKey
	copy(key[:], privKey.Serialize())

	return key
}
