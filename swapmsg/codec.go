package swapmsg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	// PairSize is the serialized size of one deck commitment pair.
	PairSize = 16

	// commitmentHeaderSize covers the identifiers, the four confirmation
	// bytes, the trust flag and the persistent public key.
	commitmentHeaderSize = 4 + 4 + 5 + 33

	// ChoiceSize is the size of a cut index message.
	ChoiceSize = 4 + 32 + 32

	// revealTrailerSize covers the secret public key and both secret
	// hashes that follow the revealed private keys.
	revealTrailerSize = 32 + 20 + 32

	// envelopeHeaderSize covers the length fields and the aux chain
	// reference.
	envelopeHeaderSize = 2 + 1 + common.HashLength

	// MaxBodySize is the largest raw transaction an envelope can carry.
	MaxBodySize = 0xffff

	// MaxRedeemSize is the largest redeem script an envelope can carry.
	MaxRedeemSize = 0xff
)

var (
	// byteOrder is the integer encoding used by every swap message.
	byteOrder = binary.LittleEndian

	// ErrBadLength is returned when a payload does not have the size its
	// fixed layout requires.
	ErrBadLength = errors.New("payload size mismatch")

	// ErrTooLarge is returned when a field exceeds its length prefix.
	ErrTooLarge = errors.New("field too large")
)

// Pair is the commitment to a single deck key: the first eight bytes of
// its hash160 and the first eight bytes of its public key x coordinate.
type Pair struct {
	Hash [8]byte
	Tag  [8]byte
}

// IsZero returns true for an unset pair.
func (p Pair) IsZero() bool {
	return p == Pair{}
}

// Commitment is the deck commitment message.
type Commitment struct {
	RequestID        uint32
	QuoteID          uint32
	AliceConfirms    uint8
	BobConfirms      uint8
	AliceMaxConfirms uint8
	BobMaxConfirms   uint8
	Trust            bool
	PersistentPub    [33]byte
	Deck             []Pair
}

// CommitmentSize returns the payload size of a commitment over a deck of
// count entries.
func CommitmentSize(count int) int {
	return commitmentHeaderSize + count*PairSize
}

// Encode serializes the commitment.
func (c *Commitment) Encode() []byte {
	b := make([]byte, CommitmentSize(len(c.Deck)))
	byteOrder.PutUint32(b[0:], c.RequestID)
	byteOrder.PutUint32(b[4:], c.QuoteID)
	b[8] = c.AliceConfirms
	b[9] = c.BobConfirms
	b[10] = c.AliceMaxConfirms
	b[11] = c.BobMaxConfirms
	if c.Trust {
		b[12] = 1
	}
	copy(b[13:], c.PersistentPub[:])

	offset := commitmentHeaderSize
	for _, pair := range c.Deck {
		copy(b[offset:], pair.Hash[:])
		copy(b[offset+8:], pair.Tag[:])
		offset += PairSize
	}

	return b
}

// DecodeCommitment parses a commitment over a deck of count entries.
func DecodeCommitment(b []byte, count int) (*Commitment, error) {
	if len(b) != CommitmentSize(count) {
		return nil, fmt.Errorf("commitment: %w: %d != %d", ErrBadLength,
			len(b), CommitmentSize(count))
	}

	c := &Commitment{
		RequestID:        byteOrder.Uint32(b[0:]),
		QuoteID:          byteOrder.Uint32(b[4:]),
		AliceConfirms:    b[8],
		BobConfirms:      b[9],
		AliceMaxConfirms: b[10],
		BobMaxConfirms:   b[11],
		Trust:            b[12] != 0,
		Deck:             make([]Pair, count),
	}
	copy(c.PersistentPub[:], b[13:commitmentHeaderSize])

	offset := commitmentHeaderSize
	for i := range c.Deck {
		copy(c.Deck[i].Hash[:], b[offset:])
		copy(c.Deck[i].Tag[:], b[offset+8:])
		offset += PairSize
	}

	return c, nil
}

// Choice is the cut index message. It also carries the sender's two
// first-use public keys as x coordinates.
type Choice struct {
	Index uint32
	Pub0  [32]byte
	Pub1  [32]byte
}

// Encode serializes the choice.
func (c *Choice) Encode() []byte {
	b := make([]byte, ChoiceSize)
	byteOrder.PutUint32(b, c.Index)
	copy(b[4:], c.Pub0[:])
	copy(b[36:], c.Pub1[:])

	return b
}

// DecodeChoice parses a cut index message.
func DecodeChoice(b []byte) (*Choice, error) {
	if len(b) != ChoiceSize {
		return nil, fmt.Errorf("choice: %w: %d != %d", ErrBadLength,
			len(b), ChoiceSize)
	}

	c := &Choice{Index: byteOrder.Uint32(b)}
	copy(c.Pub0[:], b[4:36])
	copy(c.Pub1[:], b[36:])

	return c, nil
}

// Reveal is the bulk reveal message: every deck private key, with the one
// at the counterpart's chosen index zeroed, followed by the sender's
// secret public key and both hash forms of that secret.
type Reveal struct {
	Privs     [][32]byte
	Pub       [32]byte
	Secret160 [20]byte
	Secret256 [32]byte
}

// RevealSize returns the payload size of a reveal over count keys.
func RevealSize(count int) int {
	return count*32 + revealTrailerSize
}

// Encode serializes the reveal.
func (r *Reveal) Encode() []byte {
	b := make([]byte, RevealSize(len(r.Privs)))

	offset := 0
	for _, priv := range r.Privs {
		copy(b[offset:], priv[:])
		offset += 32
	}
	copy(b[offset:], r.Pub[:])
	copy(b[offset+32:], r.Secret160[:])
	copy(b[offset+52:], r.Secret256[:])

	return b
}

// DecodeReveal parses a reveal over count keys.
func DecodeReveal(b []byte, count int) (*Reveal, error) {
	if len(b) != RevealSize(count) {
		return nil, fmt.Errorf("reveal: %w: %d != %d", ErrBadLength,
			len(b), RevealSize(count))
	}

	r := &Reveal{Privs: make([][32]byte, count)}

	offset := 0
	for i := range r.Privs {
		copy(r.Privs[i][:], b[offset:])
		offset += 32
	}
	copy(r.Pub[:], b[offset:])
	copy(r.Secret160[:], b[offset+32:])
	copy(r.Secret256[:], b[offset+52:])

	return r, nil
}

// Envelope carries a raw transaction and its redeem script between the
// parties.
type Envelope struct {
	// AuxRef references a transaction on an auxiliary chain. It is all
	// zero when unused.
	AuxRef common.Hash

	// Body is the raw transaction.
	Body []byte

	// Redeem is the redeem script of the transaction's swap output, if
	// it has one.
	Redeem []byte
}

// Encode serializes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	if len(e.Body) > MaxBodySize {
		return nil, fmt.Errorf("envelope body: %w: %d", ErrTooLarge,
			len(e.Body))
	}
	if len(e.Redeem) > MaxRedeemSize {
		return nil, fmt.Errorf("envelope redeem: %w: %d", ErrTooLarge,
			len(e.Redeem))
	}

	b := make([]byte, envelopeHeaderSize, envelopeHeaderSize+
		len(e.Body)+len(e.Redeem))
	b[0] = byte(len(e.Body))
	b[1] = byte(len(e.Body) >> 8)
	b[2] = byte(len(e.Redeem))
	copy(b[3:], e.AuxRef[:])

	b = append(b, e.Body...)
	b = append(b, e.Redeem...)

	return b, nil
}

// DecodeEnvelope parses an envelope.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	if len(b) < envelopeHeaderSize {
		return nil, fmt.Errorf("envelope: %w: %d", ErrBadLength, len(b))
	}

	bodyLen := int(b[0]) | int(b[1])<<8
	redeemLen := int(b[2])

	if len(b) != envelopeHeaderSize+bodyLen+redeemLen {
		return nil, fmt.Errorf("envelope: %w: %d != %d", ErrBadLength,
			len(b), envelopeHeaderSize+bodyLen+redeemLen)
	}

	e := &Envelope{
		AuxRef: common.BytesToHash(b[3:envelopeHeaderSize]),
		Body:   make([]byte, bodyLen),
	}
	copy(e.Body, b[envelopeHeaderSize:])

	if redeemLen > 0 {
		e.Redeem = make([]byte, redeemLen)
		copy(e.Redeem, b[envelopeHeaderSize+bodyLen:])
	}

	return e, nil
}

// ParseAuxRef parses a 0x prefixed auxiliary chain transaction id.
func ParseAuxRef(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("aux chain ref %q: %w", s, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("aux chain ref: %w: %d",
			ErrBadLength, len(b))
	}

	return common.BytesToHash(b), nil
}
