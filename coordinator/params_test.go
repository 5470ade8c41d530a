package coordinator

import (
	"testing"

	"github.com/lightninglabs/xswap/deck"
	"github.com/lightninglabs/xswap/swap"
	"github.com/stretchr/testify/require"
)

func testRequest() *Request {
	return &Request{
		RequestID:   1,
		QuoteID:     2,
		UUID:        "1-2",
		Bob:         &swap.Coin{Symbol: "BTC", TxFee: 10_000},
		Alice:       &swap.Coin{Symbol: "LTC", TxFee: 10_000},
		BobAmount:   1_000_000,
		AliceAmount: 2_000_000,
		Timestamp:   testTime,
	}
}

// TestNewSwapParams checks the amounts and locktimes of a swap.
func TestNewSwapParams(t *testing.T) {
	p, err := NewSwapParams(testRequest(), swap.RoleBob, false)
	require.NoError(t, err)

	started := uint32(testTime.Unix())
	require.Equal(t, started, p.Started)
	require.EqualValues(t, swap.DefaultLocktime, p.PutDuration)
	require.EqualValues(t, swap.DefaultLocktime, p.CallDuration)
	require.Equal(t, started+2*swap.DefaultLocktime, p.Expiration)
	require.Equal(t, started+swap.DefaultLocktime+1, p.BobReclaimLocktime)
	require.Equal(t, p.Expiration+1, p.AliceClaimLocktime)

	require.EqualValues(t, 1_145_000, p.Deposit)
	require.EqualValues(t, 1_020_000, p.BobPayment)
	require.EqualValues(t, 2_020_000, p.AlicePayment)
	require.Equal(t, swap.MinTxFee, p.DexFee)
	require.Equal(t, swap.MinTxFee, p.BobInsurance)
	require.Equal(t, p.Expiration, uint32(p.ExpirationTime().Unix()))
}

// TestNewSwapParamsPolicy checks the proposed confirmation policy.
func TestNewSwapParamsPolicy(t *testing.T) {
	tests := []struct {
		name    string
		role    swap.Role
		trusts  bool
		modify  func(*Request)
		expPol  deck.Policy
		expPut  uint32
		expCall uint32
	}{
		{
			name: "bob trusts himself",
			role: swap.RoleBob,
			expPol: deck.Policy{
				AliceConfirms:    1,
				AliceMaxConfirms: swap.DefaultMaxConfirms,
				BobMaxConfirms:   swap.DefaultMaxConfirms,
			},
		},
		{
			name: "alice trusts herself",
			role: swap.RoleAlice,
			expPol: deck.Policy{
				BobConfirms:      1,
				AliceMaxConfirms: swap.DefaultMaxConfirms,
				BobMaxConfirms:   swap.DefaultMaxConfirms,
			},
		},
		{
			name:   "trusted counterpart",
			role:   swap.RoleAlice,
			trusts: true,
			expPol: deck.Policy{
				AliceMaxConfirms: swap.DefaultMaxConfirms,
				BobMaxConfirms:   swap.DefaultMaxConfirms,
			},
		},
		{
			name: "user confirms capped by max",
			role: swap.RoleBob,
			modify: func(r *Request) {
				r.Alice.UserConfirms = 5
				r.Alice.MaxConfirms = 4
			},
			expPol: deck.Policy{
				AliceConfirms:    4,
				AliceMaxConfirms: 4,
				BobMaxConfirms:   swap.DefaultMaxConfirms,
			},
		},
		{
			name: "asset chain",
			role: swap.RoleBob,
			modify: func(r *Request) {
				r.Alice.AssetChain = true
			},
			expPol: deck.Policy{
				AliceConfirms:    swap.DefaultMaxConfirms / 2,
				AliceMaxConfirms: swap.DefaultMaxConfirms,
				BobMaxConfirms:   swap.DefaultMaxConfirms,
			},
		},
		{
			name: "negative option extends put",
			role: swap.RoleBob,
			modify: func(r *Request) {
				r.OptionDuration = -100
			},
			expPol: deck.Policy{
				AliceConfirms:    1,
				AliceMaxConfirms: swap.DefaultMaxConfirms,
				BobMaxConfirms:   swap.DefaultMaxConfirms,
			},
			expPut: swap.DefaultLocktime + 100,
		},
		{
			name: "positive option extends call",
			role: swap.RoleBob,
			modify: func(r *Request) {
				r.OptionDuration = 100
			},
			expPol: deck.Policy{
				AliceConfirms:    1,
				AliceMaxConfirms: swap.DefaultMaxConfirms,
				BobMaxConfirms:   swap.DefaultMaxConfirms,
			},
			expCall: swap.DefaultLocktime + 100,
		},
	}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			req := testRequest()
			if tc.modify != nil {
				tc.modify(req)
			}

			p, err := NewSwapParams(req, tc.role, tc.trusts)
			require.NoError(t, err)
			require.Equal(t, tc.expPol, p.Policy)

			expPut, expCall := tc.expPut, tc.expCall
			if expPut == 0 {
				expPut = swap.DefaultLocktime
			}
			if expCall == 0 {
				expCall = swap.DefaultLocktime
			}
			require.Equal(t, expPut, p.PutDuration)
			require.Equal(t, expCall, p.CallDuration)
			require.Equal(t, p.Started+expPut+1, p.BobReclaimLocktime)
		})
	}
}

// TestNewSwapParamsInvalid checks that malformed requests are rejected.
func TestNewSwapParamsInvalid(t *testing.T) {
	req := testRequest()
	req.Alice = nil
	_, err := NewSwapParams(req, swap.RoleBob, false)
	require.ErrorIs(t, err, ErrMissingCoin)

	req = testRequest()
	req.AliceAmount = 0
	_, err = NewSwapParams(req, swap.RoleBob, false)
	require.ErrorIs(t, err, ErrInvalidAmount)

	req = testRequest()
	req.Bob.TxFee = -1
	_, err = NewSwapParams(req, swap.RoleBob, false)
	require.ErrorIs(t, err, ErrInvalidFee)
}

// TestOrderHash checks that the order hash binds the session id.
func TestOrderHash(t *testing.T) {
	req := testRequest()
	hash := req.OrderHash()
	require.Equal(t, hash, testRequest().OrderHash())

	req.UUID = "other"
	require.NotEqual(t, hash, req.OrderHash())
}
