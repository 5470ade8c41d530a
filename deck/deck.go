package deck

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lightninglabs/xswap/swap"
	"github.com/lightninglabs/xswap/swapmsg"
	"github.com/lightningnetwork/lnd/lntypes"
	"golang.org/x/crypto/curve25519"
)

// candidatesPerKey bounds key derivation: generation gives up after this
// many candidates per requested key.
const candidatesPerKey = 100

var (
	// ErrDeckSize is returned for decks smaller than two entries.
	ErrDeckSize = errors.New("deck needs at least two entries")

	// ErrExhausted is returned when key derivation does not yield enough
	// keys with the requested prefix.
	ErrExhausted = errors.New("key derivation exhausted")
)

// Entry is one committed deck key.
type Entry struct {
	Priv swap.PrivateKey
	Pair swapmsg.Pair
}

// Deck is the ordered set of ephemeral keys one party commits to, together
// with the two first-use keys that appear in the non-secret script
// branches.
type Deck struct {
	// Tag is the public key prefix byte of every key in the deck.
	Tag byte

	// FirstUse holds the two first accepted keys.
	FirstUse [2]swap.PrivateKey

	// FirstUsePub holds the public keys of FirstUse.
	FirstUsePub [2]swap.PublicKey

	// Entries holds the committed keys.
	Entries []Entry
}

// deriveNext returns sha256(orderHash || X25519(priv, orderHash)).
func deriveNext(priv swap.PrivateKey, orderHash lntypes.Hash) (
	swap.PrivateKey, error) {

	shared, err := curve25519.X25519(priv[:], orderHash[:])
	if err != nil {
		return swap.PrivateKey{}, err
	}

	h := sha256.New()
	h.Write(orderHash[:])
	h.Write(shared)

	var next swap.PrivateKey
	copy(next[:], h.Sum(nil))

	return next, nil
}

// Generate derives a deck of count keys from seed and the swap's order
// hash. Only keys whose compressed public key begins with tag are kept. The
// first two accepted keys become the first-use pair, the following count
// keys the deck entries.
func Generate(tag byte, count int, seed swap.PrivateKey,
	orderHash lntypes.Hash) (*Deck, error) {

	if count < 2 {
		return nil, ErrDeckSize
	}
	if seed.IsZero() {
		return nil, swap.ErrInvalidScalar
	}

	d := &Deck{
		Tag:     tag,
		Entries: make([]Entry, 0, count),
	}

	var (
		priv     = seed
		accepted int
		want     = count + 2
		err      error
	)
	for i := 0; i < want*candidatesPerKey && accepted < want; i++ {
		priv, err = deriveNext(priv, orderHash)
		if err != nil {
			return nil, err
		}

		if !priv.Valid() {
			continue
		}

		pub, err := priv.PubKey()
		if err != nil {
			return nil, err
		}
		if pub.Prefix() != tag {
			continue
		}

		if accepted < 2 {
			d.FirstUse[accepted] = priv
			d.FirstUsePub[accepted] = pub
		} else {
			d.Entries = append(d.Entries, Entry{
				Priv: priv,
				Pair: PairOf(priv, pub),
			})
		}
		accepted++
	}

	if accepted < want {
		return nil, fmt.Errorf("%w: %d of %d keys", ErrExhausted,
			accepted, want)
	}

	return d, nil
}

// PairOf returns the commitment pair of a key.
func PairOf(priv swap.PrivateKey, pub swap.PublicKey) swapmsg.Pair {
	var pair swapmsg.Pair

	h := priv.Hash160()
	copy(pair.Hash[:], h[:8])
	copy(pair.Tag[:], pub[1:9])

	return pair
}

// Size returns the number of committed entries.
func (d *Deck) Size() int {
	return len(d.Entries)
}

// Pairs returns the commitment pairs of every entry in order.
func (d *Deck) Pairs() []swapmsg.Pair {
	pairs := make([]swapmsg.Pair, len(d.Entries))
	for i, entry := range d.Entries {
		pairs[i] = entry.Pair
	}

	return pairs
}

// Wipe zeroes every private key held by the deck.
func (d *Deck) Wipe() {
	for i := range d.Entries {
		d.Entries[i].Priv.Zero()
	}
	d.FirstUse[0].Zero()
	d.FirstUse[1].Zero()
}

// RandomChoice draws an index uniformly from [0, size).
func RandomChoice(size int) (uint32, error) {
	if size <= 0 {
		return 0, ErrDeckSize
	}

	// Draws at or above the largest multiple of size are rejected.
	limit := ^uint32(0) - ^uint32(0)%uint32(size)

	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}

		v := binary.LittleEndian.Uint32(b[:])
		if v < limit {
			return v % uint32(size), nil
		}
	}
}
