package deck

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/lightninglabs/xswap/swap"
	"github.com/lightninglabs/xswap/swapmsg"
)

var (
	// ErrIDMismatch is returned when a commitment names another swap.
	ErrIDMismatch = errors.New("request/quote id mismatch")

	// ErrConfirmsExceedMax is returned when reconciled confirmation
	// requirements exceed the agreed maxima.
	ErrConfirmsExceedMax = errors.New("required confirmations exceed " +
		"maximum")

	// ErrEmptyDeck is returned for a commitment without any non-zero
	// pair.
	ErrEmptyDeck = errors.New("commitment deck is empty")

	// ErrChoiceRange is returned for a cut index outside the deck.
	ErrChoiceRange = errors.New("choice index out of range")

	// ErrChoiceReplay is returned when a second, different choice
	// message arrives.
	ErrChoiceReplay = errors.New("conflicting choice message")

	// ErrNoChoice is returned when the bulk reveal is built or verified
	// before the choices were exchanged.
	ErrNoChoice = errors.New("choices not exchanged")

	// ErrNoCommitment is returned when a reveal arrives before the
	// counterpart's commitment.
	ErrNoCommitment = errors.New("no commitment received")

	// ErrAuditFailed is returned when the bulk reveal does not match the
	// commitment.
	ErrAuditFailed = errors.New("cut and choose audit failed")

	// ErrAlreadyVerified is returned for a second bulk reveal.
	ErrAlreadyVerified = errors.New("cut already verified")
)

// Policy holds the confirmation requirements of both chains.
type Policy struct {
	AliceConfirms    uint8
	BobConfirms      uint8
	AliceMaxConfirms uint8
	BobMaxConfirms   uint8
}

// reconcile merges a counterpart proposal into p. Maxima never grow, the
// required counts take the larger value. The result is an error if a count
// no longer fits under its maximum.
func (p Policy) reconcile(remote Policy) (Policy, error) {
	merged := p

	if remote.AliceMaxConfirms < merged.AliceMaxConfirms {
		merged.AliceMaxConfirms = remote.AliceMaxConfirms
	}
	if remote.BobMaxConfirms < merged.BobMaxConfirms {
		merged.BobMaxConfirms = remote.BobMaxConfirms
	}
	if remote.AliceConfirms > merged.AliceConfirms {
		merged.AliceConfirms = remote.AliceConfirms
	}
	if remote.BobConfirms > merged.BobConfirms {
		merged.BobConfirms = remote.BobConfirms
	}

	if merged.AliceConfirms > merged.AliceMaxConfirms ||
		merged.BobConfirms > merged.BobMaxConfirms {

		return p, fmt.Errorf("%w: alice %d/%d bob %d/%d",
			ErrConfirmsExceedMax, merged.AliceConfirms,
			merged.AliceMaxConfirms, merged.BobConfirms,
			merged.BobMaxConfirms)
	}

	return merged, nil
}

// Config holds the fixed parameters of a cut-and-choose session.
type Config struct {
	// Role is the local side.
	Role swap.Role

	// RequestID and QuoteID identify the swap.
	RequestID uint32
	QuoteID   uint32

	// PersistentPub is the long lived key of the local party.
	PersistentPub swap.PublicKey

	// TrustsOther is set if the local party trusts the counterpart.
	TrustsOther bool
}

// Session runs the commitment, choice and audit rounds for one swap.
type Session struct {
	cfg Config

	// Policy is the reconciled confirmation policy.
	Policy Policy

	// Mine is the local deck.
	Mine *Deck

	// MyChoice is the index of the counterpart's deck that stays hidden
	// from the audit.
	MyChoice uint32

	// TheirChoice is the counterpart's index into the local deck. It is
	// only meaningful once HaveChoice is set.
	TheirChoice uint32
	HaveChoice  bool

	// OtherTrusts is the trust flag received from the counterpart.
	OtherTrusts bool

	// TheirPersistentPub is the counterpart's long lived key.
	TheirPersistentPub [swap.PublicKeySize]byte

	// TheirPairs are the counterpart's commitment pairs.
	TheirPairs []swapmsg.Pair

	// TheirFirstUse are the counterpart's first-use keys.
	TheirFirstUse [2]swap.PublicKey

	// EarlySecret is the local deck key at TheirChoice. It is the secret
	// the payment scripts are locked to on the local side.
	EarlySecret  swap.PrivateKey
	EarlyPub     swap.PublicKey
	EarlyHash160 swap.Hash160
	EarlyHash256 swap.Hash256

	// TheirSecretPub and the two hashes describe the counterpart's
	// secret, learned from its bulk reveal.
	TheirSecretPub swap.PublicKey
	TheirSecret160 swap.Hash160
	TheirSecret256 swap.Hash256

	// CutVerified is set once the counterpart's bulk reveal passed the
	// audit.
	CutVerified bool

	choice []byte
}

// NewSession creates a session over the local deck. The index is the one
// the local party keeps hidden in the counterpart's deck.
func NewSession(cfg Config, policy Policy, mine *Deck,
	myChoice uint32) (*Session, error) {

	if mine.Size() < 2 {
		return nil, ErrDeckSize
	}
	if int(myChoice) >= mine.Size() {
		return nil, ErrChoiceRange
	}

	return &Session{
		cfg:      cfg,
		Policy:   policy,
		Mine:     mine,
		MyChoice: myChoice,
	}, nil
}

// CommitmentPayload serializes the deck commitment.
func (s *Session) CommitmentPayload() []byte {
	msg := &swapmsg.Commitment{
		RequestID:        s.cfg.RequestID,
		QuoteID:          s.cfg.QuoteID,
		AliceConfirms:    s.Policy.AliceConfirms,
		BobConfirms:      s.Policy.BobConfirms,
		AliceMaxConfirms: s.Policy.AliceMaxConfirms,
		BobMaxConfirms:   s.Policy.BobMaxConfirms,
		Trust:            s.cfg.TrustsOther,
		PersistentPub:    s.cfg.PersistentPub,
		Deck:             s.Mine.Pairs(),
	}

	return msg.Encode()
}

// VerifyCommitment checks and records the counterpart's commitment and
// reconciles the confirmation policy. On error the session is unchanged.
func (s *Session) VerifyCommitment(payload []byte) error {
	msg, err := swapmsg.DecodeCommitment(payload, s.Mine.Size())
	if err != nil {
		return err
	}

	if msg.RequestID != s.cfg.RequestID || msg.QuoteID != s.cfg.QuoteID {
		return fmt.Errorf("%w: have r.%d q.%d got r.%d q.%d",
			ErrIDMismatch, s.cfg.RequestID, s.cfg.QuoteID,
			msg.RequestID, msg.QuoteID)
	}

	nonZero := false
	for _, pair := range msg.Deck {
		if !pair.IsZero() {
			nonZero = true
			break
		}
	}
	if !nonZero {
		return ErrEmptyDeck
	}

	policy, err := s.Policy.reconcile(Policy{
		AliceConfirms:    msg.AliceConfirms,
		BobConfirms:      msg.BobConfirms,
		AliceMaxConfirms: msg.AliceMaxConfirms,
		BobMaxConfirms:   msg.BobMaxConfirms,
	})
	if err != nil {
		return err
	}

	s.OtherTrusts = msg.Trust
	if s.OtherTrusts && s.cfg.TrustsOther {
		log.Debugf("Mutually trusted swap r.%d q.%d, dropping "+
			"required confirmations", s.cfg.RequestID,
			s.cfg.QuoteID)

		policy.AliceConfirms = 0
		policy.BobConfirms = 0
	}

	s.Policy = policy
	s.TheirPersistentPub = msg.PersistentPub
	s.TheirPairs = msg.Deck

	return nil
}

// ChoicePayload serializes the local cut index and first-use keys.
func (s *Session) ChoicePayload() []byte {
	msg := &swapmsg.Choice{
		Index: s.MyChoice,
		Pub0:  s.Mine.FirstUsePub[0].X(),
		Pub1:  s.Mine.FirstUsePub[1].X(),
	}

	return msg.Encode()
}

// VerifyChoice records the counterpart's cut index and first-use keys and
// pulls the local deck key at that index out as the early secret. The
// entry is zeroed in the deck so it is never revealed.
func (s *Session) VerifyChoice(payload []byte) error {
	if s.HaveChoice {
		if bytes.Equal(payload, s.choice) {
			return nil
		}

		return ErrChoiceReplay
	}

	msg, err := swapmsg.DecodeChoice(payload)
	if err != nil {
		return err
	}
	if int(msg.Index) >= s.Mine.Size() {
		return fmt.Errorf("%w: %d >= %d", ErrChoiceRange, msg.Index,
			s.Mine.Size())
	}

	otherTag := s.cfg.Role.Other().Tag()
	pub0, err := swap.PublicKeyFromX(otherTag, msg.Pub0)
	if err != nil {
		return fmt.Errorf("first-use key 0: %w", err)
	}
	pub1, err := swap.PublicKeyFromX(otherTag, msg.Pub1)
	if err != nil {
		return fmt.Errorf("first-use key 1: %w", err)
	}

	entry := &s.Mine.Entries[msg.Index]
	secret := entry.Priv
	secretPub, err := secret.PubKey()
	if err != nil {
		return err
	}

	s.TheirChoice = msg.Index
	s.HaveChoice = true
	s.TheirFirstUse = [2]swap.PublicKey{pub0, pub1}
	s.EarlySecret = secret
	s.EarlyPub = secretPub
	s.EarlyHash160 = secret.Hash160()
	s.EarlyHash256 = secret.Hash256()
	s.choice = append([]byte(nil), payload...)

	entry.Priv.Zero()

	return nil
}

// BulkRevealPayload serializes every local deck key, with the entry at the
// counterpart's index zeroed, followed by the early secret's public key
// and hashes.
func (s *Session) BulkRevealPayload() ([]byte, error) {
	if !s.HaveChoice {
		return nil, ErrNoChoice
	}

	msg := &swapmsg.Reveal{
		Privs:     make([][32]byte, s.Mine.Size()),
		Pub:       s.EarlyPub.X(),
		Secret160: s.EarlyHash160,
		Secret256: s.EarlyHash256,
	}
	for i, entry := range s.Mine.Entries {
		if uint32(i) == s.TheirChoice {
			continue
		}
		msg.Privs[i] = entry.Priv
	}

	return msg.Encode(), nil
}

// VerifyBulkReveal audits the counterpart's revealed keys against its
// commitment. The entry at MyChoice is skipped. It returns the number of
// mismatching entries; the session is only marked cut verified if that
// number is zero.
func (s *Session) VerifyBulkReveal(payload []byte) (int, error) {
	if s.CutVerified {
		return 0, ErrAlreadyVerified
	}
	if !s.HaveChoice {
		return 0, ErrNoChoice
	}
	if len(s.TheirPairs) != s.Mine.Size() {
		return 0, ErrNoCommitment
	}

	msg, err := swapmsg.DecodeReveal(payload, s.Mine.Size())
	if err != nil {
		return 0, err
	}

	var (
		otherTag       = s.cfg.Role.Other().Tag()
		errs           int
		wrongFirstByte int
	)
	for i, raw := range msg.Privs {
		if uint32(i) == s.MyChoice {
			continue
		}

		priv := swap.PrivateKey(raw)
		pub, err := priv.PubKey()
		if err != nil {
			errs++
			continue
		}

		if pub.Prefix() != otherTag {
			wrongFirstByte++
			continue
		}

		if PairOf(priv, pub) != s.TheirPairs[i] {
			errs++
		}
	}

	// The withheld entry is checked through the trailer: its public key
	// and hash must carry the committed tags.
	secretPub, err := swap.PublicKeyFromX(otherTag, msg.Pub)
	if err != nil {
		errs++
	} else {
		committed := s.TheirPairs[s.MyChoice]
		if !bytes.Equal(committed.Tag[:], secretPub[1:9]) ||
			!bytes.Equal(committed.Hash[:], msg.Secret160[:8]) {

			errs++
		}
	}

	if errs != 0 || wrongFirstByte != 0 {
		return errs + wrongFirstByte, fmt.Errorf("%w: errs %d wrong "+
			"first byte %d", ErrAuditFailed, errs, wrongFirstByte)
	}

	s.CutVerified = true
	s.TheirSecretPub = secretPub
	s.TheirSecret160 = msg.Secret160
	s.TheirSecret256 = msg.Secret256

	log.Debugf("Cut verified for r.%d q.%d", s.cfg.RequestID,
		s.cfg.QuoteID)

	return 0, nil
}

// Wipe zeroes the deck keys. The early secret is kept since recovery paths
// depend on it.
func (s *Session) Wipe() {
	s.Mine.Wipe()
}
