package deck

import (
	"crypto/sha256"
	"testing"

	"github.com/lightninglabs/xswap/swap"
	"github.com/lightninglabs/xswap/swapmsg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

const testDeckSize = 12

var (
	testOrderHash = lntypes.Hash(sha256.Sum256([]byte("order")))

	testPolicy = Policy{
		AliceConfirms:    1,
		BobConfirms:      1,
		AliceMaxConfirms: 7,
		BobMaxConfirms:   7,
	}
)

func testSeed(b byte) swap.PrivateKey {
	return swap.PrivateKey(sha256.Sum256([]byte{b}))
}

// newTestSession creates a session for role with a freshly derived deck.
func newTestSession(t *testing.T, role swap.Role, seed byte,
	myChoice uint32) *Session {

	t.Helper()

	d, err := Generate(role.Tag(), testDeckSize, testSeed(seed),
		testOrderHash)
	require.NoError(t, err)

	persistent := testSeed(seed + 100)
	pub, err := persistent.PubKey()
	require.NoError(t, err)

	s, err := NewSession(Config{
		Role:          role,
		RequestID:     11,
		QuoteID:       22,
		PersistentPub: pub,
	}, testPolicy, d, myChoice)
	require.NoError(t, err)

	return s
}

// exchange runs the commitment and choice rounds between both sessions.
func exchange(t *testing.T, alice, bob *Session) {
	t.Helper()

	require.NoError(t, bob.VerifyCommitment(alice.CommitmentPayload()))
	require.NoError(t, alice.VerifyCommitment(bob.CommitmentPayload()))

	require.NoError(t, bob.VerifyChoice(alice.ChoicePayload()))
	require.NoError(t, alice.VerifyChoice(bob.ChoicePayload()))
}

// TestGenerate checks that every derived key carries the role tag and
// matches its committed pair, and that derivation is deterministic.
func TestGenerate(t *testing.T) {
	for _, role := range []swap.Role{swap.RoleAlice, swap.RoleBob} {
		d, err := Generate(role.Tag(), testDeckSize, testSeed(1),
			testOrderHash)
		require.NoError(t, err)
		require.Equal(t, testDeckSize, d.Size())

		for i := range d.FirstUse {
			pub, err := d.FirstUse[i].PubKey()
			require.NoError(t, err)
			require.Equal(t, d.FirstUsePub[i], pub)
			require.Equal(t, role.Tag(), pub.Prefix())
		}

		for _, entry := range d.Entries {
			require.True(t, entry.Priv.Valid())

			pub, err := entry.Priv.PubKey()
			require.NoError(t, err)
			require.Equal(t, role.Tag(), pub.Prefix())
			require.Equal(t, PairOf(entry.Priv, pub), entry.Pair)
		}

		again, err := Generate(role.Tag(), testDeckSize, testSeed(1),
			testOrderHash)
		require.NoError(t, err)
		require.Equal(t, d, again)
	}

	_, err := Generate(0x02, 1, testSeed(1), testOrderHash)
	require.ErrorIs(t, err, ErrDeckSize)

	_, err = Generate(0x02, 4, swap.PrivateKey{}, testOrderHash)
	require.ErrorIs(t, err, swap.ErrInvalidScalar)

	// No compressed key starts with 0x04.
	_, err = Generate(0x04, 2, testSeed(1), testOrderHash)
	require.ErrorIs(t, err, ErrExhausted)
}

// TestRandomChoice checks the range of drawn indices.
func TestRandomChoice(t *testing.T) {
	for i := 0; i < 100; i++ {
		idx, err := RandomChoice(3)
		require.NoError(t, err)
		require.Less(t, idx, uint32(3))
	}

	_, err := RandomChoice(0)
	require.ErrorIs(t, err, ErrDeckSize)
}

// TestCutAndChoose runs the complete audit for a range of choices and
// checks that each side learns the other's secret commitments.
func TestCutAndChoose(t *testing.T) {
	choices := [][2]uint32{{0, 0}, {3, 7}, {testDeckSize - 1, 5}}

	for _, c := range choices {
		alice := newTestSession(t, swap.RoleAlice, 1, c[0])
		bob := newTestSession(t, swap.RoleBob, 2, c[1])

		// Keep copies of the entries about to be withheld.
		bobEarly := bob.Mine.Entries[c[0]].Priv
		aliceEarly := alice.Mine.Entries[c[1]].Priv

		exchange(t, alice, bob)

		require.Equal(t, bobEarly, bob.EarlySecret)
		require.Equal(t, aliceEarly, alice.EarlySecret)
		require.True(t, bob.Mine.Entries[c[0]].Priv.IsZero())
		require.True(t, alice.Mine.Entries[c[1]].Priv.IsZero())

		require.Equal(t, bob.Mine.FirstUsePub, alice.TheirFirstUse)
		require.Equal(t, alice.Mine.FirstUsePub, bob.TheirFirstUse)

		aliceReveal, err := alice.BulkRevealPayload()
		require.NoError(t, err)
		bobReveal, err := bob.BulkRevealPayload()
		require.NoError(t, err)

		n, err := bob.VerifyBulkReveal(aliceReveal)
		require.NoError(t, err)
		require.Zero(t, n)
		n, err = alice.VerifyBulkReveal(bobReveal)
		require.NoError(t, err)
		require.Zero(t, n)

		require.True(t, alice.CutVerified)
		require.True(t, bob.CutVerified)

		require.Equal(t, bob.EarlyHash160, alice.TheirSecret160)
		require.Equal(t, bob.EarlyHash256, alice.TheirSecret256)
		require.Equal(t, bob.EarlyPub, alice.TheirSecretPub)
		require.Equal(t, alice.EarlyHash160, bob.TheirSecret160)
		require.Equal(t, alice.EarlyPub, bob.TheirSecretPub)

		_, err = bob.VerifyBulkReveal(aliceReveal)
		require.ErrorIs(t, err, ErrAlreadyVerified)
	}
}

// TestAuditSoundness checks that a single altered key in the reveal fails
// the audit.
func TestAuditSoundness(t *testing.T) {
	alice := newTestSession(t, swap.RoleAlice, 1, 2)
	bob := newTestSession(t, swap.RoleBob, 2, 4)
	exchange(t, alice, bob)

	reveal, err := alice.BulkRevealPayload()
	require.NoError(t, err)

	// Swap in a valid key from another seed at an audited index.
	other := newTestSession(t, swap.RoleAlice, 3, 0)
	tampered := append([]byte(nil), reveal...)
	copy(tampered[32*0:], other.Mine.Entries[0].Priv[:])

	n, err := bob.VerifyBulkReveal(tampered)
	require.ErrorIs(t, err, ErrAuditFailed)
	require.Equal(t, 1, n)
	require.False(t, bob.CutVerified)
	require.True(t, bob.TheirSecretPub.IsZero())

	// A key of the wrong tag is counted as well.
	wrongTag := newTestSession(t, swap.RoleBob, 4, 0)
	tampered = append([]byte(nil), reveal...)
	copy(tampered[32*1:], wrongTag.Mine.Entries[0].Priv[:])

	n, err = bob.VerifyBulkReveal(tampered)
	require.ErrorIs(t, err, ErrAuditFailed)
	require.Equal(t, 1, n)

	// A trailer pointing at another secret fails.
	tampered = append([]byte(nil), reveal...)
	tampered[32*testDeckSize+32] ^= 0xff

	n, err = bob.VerifyBulkReveal(tampered)
	require.ErrorIs(t, err, ErrAuditFailed)
	require.Equal(t, 1, n)

	// The honest reveal still passes.
	n, err = bob.VerifyBulkReveal(reveal)
	require.NoError(t, err)
	require.Zero(t, n)
}

// TestBulkRevealOrder checks that the audit needs the choice round first.
func TestBulkRevealOrder(t *testing.T) {
	alice := newTestSession(t, swap.RoleAlice, 1, 2)
	bob := newTestSession(t, swap.RoleBob, 2, 4)

	_, err := alice.BulkRevealPayload()
	require.ErrorIs(t, err, ErrNoChoice)

	_, err = bob.VerifyBulkReveal(
		make([]byte, swapmsg.RevealSize(testDeckSize)),
	)
	require.ErrorIs(t, err, ErrNoChoice)
}

// TestReconcile tests the confirmation policy reconciliation.
func TestReconcile(t *testing.T) {
	tests := []struct {
		name   string
		local  Policy
		remote Policy
		result Policy
		err    error
	}{
		{
			name:   "raise required counts",
			local:  Policy{1, 1, 7, 7},
			remote: Policy{3, 2, 7, 7},
			result: Policy{3, 2, 7, 7},
		},
		{
			name:   "remote maxima are clamped",
			local:  Policy{1, 1, 5, 5},
			remote: Policy{1, 1, 9, 9},
			result: Policy{1, 1, 5, 5},
		},
		{
			name:   "lower remote maxima win",
			local:  Policy{1, 1, 7, 7},
			remote: Policy{1, 1, 3, 2},
			result: Policy{1, 1, 3, 2},
		},
		{
			name:   "required exceeds remote maximum",
			local:  Policy{3, 6, 7, 7},
			remote: Policy{1, 1, 2, 10},
			err:    ErrConfirmsExceedMax,
		},
		{
			name:   "remote required exceeds local maximum",
			local:  Policy{1, 1, 7, 7},
			remote: Policy{8, 1, 9, 7},
			err:    ErrConfirmsExceedMax,
		},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			result, err := test.local.reconcile(test.remote)
			if test.err != nil {
				require.ErrorIs(t, err, test.err)
				require.Equal(t, test.local, result)

				return
			}

			require.NoError(t, err)
			require.Equal(t, test.result, result)
		})
	}
}

// TestVerifyCommitment tests commitment checks and the trust handling.
func TestVerifyCommitment(t *testing.T) {
	alice := newTestSession(t, swap.RoleAlice, 1, 2)
	bob := newTestSession(t, swap.RoleBob, 2, 4)

	// Wrong size.
	err := bob.VerifyCommitment(alice.CommitmentPayload()[1:])
	require.ErrorIs(t, err, swapmsg.ErrBadLength)

	// Wrong identifiers.
	msg, err := swapmsg.DecodeCommitment(
		alice.CommitmentPayload(), testDeckSize,
	)
	require.NoError(t, err)
	msg.QuoteID++
	err = bob.VerifyCommitment(msg.Encode())
	require.ErrorIs(t, err, ErrIDMismatch)

	// All zero deck.
	msg.QuoteID--
	msg.Deck = make([]swapmsg.Pair, testDeckSize)
	err = bob.VerifyCommitment(msg.Encode())
	require.ErrorIs(t, err, ErrEmptyDeck)

	// Rejected policies leave the session untouched.
	msg, err = swapmsg.DecodeCommitment(
		alice.CommitmentPayload(), testDeckSize,
	)
	require.NoError(t, err)
	msg.BobConfirms = 9
	err = bob.VerifyCommitment(msg.Encode())
	require.ErrorIs(t, err, ErrConfirmsExceedMax)
	require.Equal(t, testPolicy, bob.Policy)
	require.Nil(t, bob.TheirPairs)

	// Trust only drops the requirements if it is mutual.
	msg.BobConfirms = 2
	msg.Trust = true
	require.NoError(t, bob.VerifyCommitment(msg.Encode()))
	require.True(t, bob.OtherTrusts)
	require.EqualValues(t, 2, bob.Policy.BobConfirms)

	bob.cfg.TrustsOther = true
	require.NoError(t, bob.VerifyCommitment(msg.Encode()))
	require.Zero(t, bob.Policy.AliceConfirms)
	require.Zero(t, bob.Policy.BobConfirms)
	require.Equal(t, alice.Mine.Pairs(), bob.TheirPairs)
}

// TestVerifyChoice tests the range check and replays of the choice message.
func TestVerifyChoice(t *testing.T) {
	alice := newTestSession(t, swap.RoleAlice, 1, 2)
	bob := newTestSession(t, swap.RoleBob, 2, 4)

	choice := &swapmsg.Choice{
		Index: testDeckSize,
		Pub0:  alice.Mine.FirstUsePub[0].X(),
		Pub1:  alice.Mine.FirstUsePub[1].X(),
	}
	err := bob.VerifyChoice(choice.Encode())
	require.ErrorIs(t, err, ErrChoiceRange)
	require.False(t, bob.HaveChoice)

	err = bob.VerifyChoice(choice.Encode()[1:])
	require.ErrorIs(t, err, swapmsg.ErrBadLength)

	choice.Index = 2
	require.NoError(t, bob.VerifyChoice(choice.Encode()))
	require.EqualValues(t, 2, bob.TheirChoice)

	// The same message again is accepted, a different one is not.
	require.NoError(t, bob.VerifyChoice(choice.Encode()))

	choice.Index = 3
	require.ErrorIs(t, bob.VerifyChoice(choice.Encode()), ErrChoiceReplay)
	require.EqualValues(t, 2, bob.TheirChoice)
}

// TestNewSession tests session construction bounds.
func TestNewSession(t *testing.T) {
	d, err := Generate(0x02, 2, testSeed(1), testOrderHash)
	require.NoError(t, err)

	_, err = NewSession(Config{}, testPolicy, d, 2)
	require.ErrorIs(t, err, ErrChoiceRange)

	s, err := NewSession(Config{}, testPolicy, d, 1)
	require.NoError(t, err)

	s.Wipe()
	for _, entry := range d.Entries {
		require.True(t, entry.Priv.IsZero())
	}
	require.True(t, d.FirstUse[0].IsZero())
}
