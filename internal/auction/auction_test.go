package auction

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"peg-stabilizer/internal/access"
	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/sim"
)

var (
	node  = common.HexToAddress("0x57ab")
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
)

// fakePurchaser burns one token per unit of collateral.
type fakePurchaser struct {
	calls int
	err   error
}

func (f *fakePurchaser) PurchaseAndBurn(_ context.Context, _ common.Address, collateral *uint256.Int) (*uint256.Int, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return fixed.Clone(collateral), nil
}

func newMarket(t *testing.T) (*Market, *sim.Clock, *fakePurchaser) {
	t.Helper()
	clock := sim.NewClock(1_000)
	purchaser := &fakePurchaser{}
	policy := access.NewTable()
	policy.Grant(access.StabilizerRole, node)
	m, err := New(clock, purchaser, policy, zerolog.Nop())
	require.NoError(t, err)
	return m, clock, purchaser
}

func create(t *testing.T, m *Market, raise string, duration uint64, start, end string) *Auction {
	t.Helper()
	a, err := m.Create(context.Background(), node, CreateParams{
		TargetRaise: fixed.MustParse(raise),
		Duration:    duration,
		StartPrice:  fixed.MustParse(start),
		EndPrice:    fixed.MustParse(end),
	})
	require.NoError(t, err)
	return a
}

func TestLinearPriceDecay(t *testing.T) {
	m, clock, _ := newMarket(t)
	a := create(t, m, "100", 600, "1", "0.5")

	price, err := m.CurrentPrice(a.ID)
	require.NoError(t, err)
	require.Equal(t, fixed.One(), price)

	clock.Advance(300)
	price, err = m.CurrentPrice(a.ID)
	require.NoError(t, err)
	require.Equal(t, fixed.MustParse("0.75"), price)

	clock.Advance(300)
	price, err = m.CurrentPrice(a.ID)
	require.NoError(t, err)
	require.Equal(t, fixed.MustParse("0.5"), price)

	clock.Advance(1_000)
	price, err = m.CurrentPrice(a.ID)
	require.NoError(t, err)
	require.Equal(t, fixed.MustParse("0.5"), price)

	_, err = m.CurrentPrice(7)
	require.ErrorIs(t, err, ErrUnknownAuction)
}

func TestPriceIsMonotonic(t *testing.T) {
	m, _, _ := newMarket(t)
	a := create(t, m, "100", 777, "1", "0.3")
	prev := fixed.One()
	for ts := a.StartTime; ts <= a.EndTime+10; ts += 13 {
		p, err := m.PriceAt(a.ID, ts)
		require.NoError(t, err)
		require.False(t, p.Gt(prev), "price rose at %d", ts)
		prev = p
	}
	end, err := m.PriceAt(a.ID, a.EndTime)
	require.NoError(t, err)
	require.Equal(t, fixed.MustParse("0.3"), end)
}

func TestExactPledgeFinalizesEarly(t *testing.T) {
	ctx := context.Background()
	m, clock, _ := newMarket(t)
	a := create(t, m, "46.8875801945", 600, "1", "0.5")

	clock.Advance(120)
	receipt, err := m.Pledge(ctx, node, a.ID, alice, fixed.MustParse("46.8875801945"))
	require.NoError(t, err)
	require.True(t, receipt.Finalized)
	require.True(t, receipt.Refund.IsZero())

	got, err := m.Auction(a.ID)
	require.NoError(t, err)
	require.Equal(t, got.MaxCommitments, got.Commitments)
	require.True(t, got.Finalized)
	require.False(t, got.Active)
	require.Equal(t, fixed.MustParse("0.9"), got.FinalPrice)

	_, active := m.ActiveAuction()
	require.False(t, active)

	awarded, err := m.AccountAwarded(a.ID, alice)
	require.NoError(t, err)
	want, _ := fixed.DivFixed(fixed.MustParse("46.8875801945"), fixed.MustParse("0.9"))
	require.Equal(t, want, awarded)
}

func TestPledgeCapAndRefund(t *testing.T) {
	ctx := context.Background()
	m, _, purchaser := newMarket(t)
	a := create(t, m, "100", 600, "1", "0.5")

	r, err := m.Pledge(ctx, node, a.ID, alice, fixed.FromUint(60))
	require.NoError(t, err)
	require.Equal(t, fixed.FromUint(60), r.Accepted)
	require.False(t, r.Finalized)

	r, err = m.Pledge(ctx, node, a.ID, bob, fixed.FromUint(70))
	require.NoError(t, err)
	require.Equal(t, fixed.FromUint(40), r.Accepted)
	require.Equal(t, fixed.FromUint(30), r.Refund)
	require.True(t, r.Finalized)

	got, err := m.Auction(a.ID)
	require.NoError(t, err)
	require.Equal(t, got.MaxCommitments, got.Commitments)
	require.Equal(t, fixed.FromUint(100), got.TokensPurchased)
	require.Equal(t, []common.Address{alice, bob}, got.Participants)
	require.Equal(t, 2, purchaser.calls)

	_, err = m.Pledge(ctx, node, a.ID, alice, fixed.FromUint(1))
	require.ErrorIs(t, err, ErrNotActive)
}

func TestPledgeRejections(t *testing.T) {
	ctx := context.Background()
	m, clock, purchaser := newMarket(t)
	a := create(t, m, "100", 600, "1", "0.5")

	_, err := m.Pledge(ctx, alice, a.ID, alice, fixed.One())
	require.ErrorIs(t, err, access.ErrUnauthorized)
	_, err = m.Pledge(ctx, node, a.ID, alice, fixed.Zero())
	require.ErrorIs(t, err, ErrZeroAmount)
	_, err = m.Pledge(ctx, node, 3, alice, fixed.One())
	require.ErrorIs(t, err, ErrUnknownAuction)

	purchaser.err = errors.New("swap reverted")
	_, err = m.Pledge(ctx, node, a.ID, alice, fixed.One())
	require.Error(t, err)
	got, _ := m.Auction(a.ID)
	require.True(t, got.Commitments.IsZero())
	purchaser.err = nil

	clock.Advance(600)
	_, err = m.Pledge(ctx, node, a.ID, alice, fixed.One())
	require.ErrorIs(t, err, ErrNotActive)
}

func TestCreateRules(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMarket(t)

	_, err := m.Create(ctx, node, CreateParams{TargetRaise: fixed.One(), Duration: 10, StartPrice: fixed.MustParse("0.5"), EndPrice: fixed.One()})
	require.ErrorIs(t, err, ErrInvalidPrices)
	_, err = m.Create(ctx, node, CreateParams{TargetRaise: fixed.One(), Duration: 10, StartPrice: fixed.One(), EndPrice: fixed.Zero()})
	require.ErrorIs(t, err, ErrInvalidPrices)
	_, err = m.Create(ctx, node, CreateParams{TargetRaise: fixed.Zero(), Duration: 10, StartPrice: fixed.One(), EndPrice: fixed.One()})
	require.ErrorIs(t, err, ErrInvalidParams)

	create(t, m, "10", 60, "1", "0.9")
	_, err = m.Create(ctx, node, CreateParams{TargetRaise: fixed.One(), Duration: 10, StartPrice: fixed.One(), EndPrice: fixed.One()})
	require.ErrorIs(t, err, ErrAuctionActive)
	require.Equal(t, uint64(1), m.Count())
}

func TestReservePledgeFillsAuction(t *testing.T) {
	m, _, _ := newMarket(t)
	a, err := m.Create(context.Background(), node, CreateParams{
		TargetRaise:   fixed.FromUint(10),
		Duration:      60,
		StartPrice:    fixed.One(),
		EndPrice:      fixed.MustParse("0.9"),
		ReservePledge: fixed.FromUint(10),
		ReserveBurned: fixed.FromUint(9),
	})
	require.NoError(t, err)
	require.True(t, a.Finalized)
	require.True(t, a.ArbTokens.IsZero())
	require.Equal(t, fixed.FromUint(9), a.TokensPurchased)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, clock, _ := newMarket(t)
	a := create(t, m, "100", 600, "1", "0.5")
	_, err := m.Pledge(ctx, node, a.ID, alice, fixed.FromUint(30))
	require.NoError(t, err)

	_, err = m.Finalize(ctx, node, a.ID)
	require.ErrorIs(t, err, ErrNotFinalizable)

	clock.Advance(900)
	first, err := m.Finalize(ctx, node, a.ID)
	require.NoError(t, err)
	require.True(t, first.NewlyFinalized)
	require.False(t, first.Filled)
	require.Equal(t, fixed.MustParse("0.5"), first.FinalPrice)
	awarded, _ := m.AccountAwarded(a.ID, alice)

	clock.Advance(100)
	second, err := m.Finalize(ctx, node, a.ID)
	require.NoError(t, err)
	require.False(t, second.NewlyFinalized)
	require.Equal(t, first.FinalPrice, second.FinalPrice)
	again, _ := m.AccountAwarded(a.ID, alice)
	require.Equal(t, awarded, again)
	require.Equal(t, fixed.FromUint(60), again)
}

func TestNoClaimWithoutFinalization(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMarket(t)
	a := create(t, m, "100", 600, "1", "0.5")
	_, err := m.Pledge(ctx, node, a.ID, alice, fixed.FromUint(30))
	require.NoError(t, err)

	for _, amount := range []*uint256.Int{fixed.Raw(1), fixed.One(), fixed.FromUint(1_000)} {
		err := m.Claim(ctx, node, a.ID, alice, amount)
		require.ErrorIs(t, err, ErrNotFinalized)
	}
	claimable, err := m.Claimable(a.ID, alice)
	require.NoError(t, err)
	require.True(t, claimable.IsZero())
}

func TestAllocateAndClaimOldestFirst(t *testing.T) {
	ctx := context.Background()
	m, clock, _ := newMarket(t)

	// auction 0: alice commits 50 at final price 0.5, owed 100
	a0 := create(t, m, "100", 600, "1", "0.5")
	_, err := m.Pledge(ctx, node, a0.ID, alice, fixed.FromUint(50))
	require.NoError(t, err)
	clock.Advance(600)
	_, err = m.Finalize(ctx, node, a0.ID)
	require.NoError(t, err)

	// auction 1: alice and bob fill 20 at price 1.0, owed 10 each
	a1 := create(t, m, "20", 600, "1", "0.5")
	_, err = m.Pledge(ctx, node, a1.ID, alice, fixed.FromUint(10))
	require.NoError(t, err)
	_, err = m.Pledge(ctx, node, a1.ID, bob, fixed.FromUint(10))
	require.NoError(t, err)

	leftover, allocs, err := m.AllocateArbRewards(ctx, node, fixed.FromUint(105))
	require.NoError(t, err)
	require.True(t, leftover.IsZero())
	require.Len(t, allocs, 2)
	require.Equal(t, fixed.FromUint(100), allocs[0].Amount)
	require.Equal(t, fixed.FromUint(5), allocs[1].Amount)
	require.Equal(t, fixed.FromUint(105), m.ClaimPool())

	// auction 0 is fully replenished, so alice may claim from auction 1 too
	err = m.Claim(ctx, node, a1.ID, alice, fixed.One())
	require.NoError(t, err)

	// bob never joined auction 0 and can take from auction 1
	require.NoError(t, m.Claim(ctx, node, a1.ID, bob, fixed.FromUint(4)))
	err = m.Claim(ctx, node, a1.ID, bob, fixed.FromUint(1))
	require.ErrorIs(t, err, ErrClaimExceedsAvailable)

	require.NoError(t, m.Claim(ctx, node, a0.ID, alice, fixed.FromUint(100)))
	require.Equal(t, fixed.Zero(), m.ClaimPool())

	leftover, _, err = m.AllocateArbRewards(ctx, node, fixed.FromUint(50))
	require.NoError(t, err)
	require.Equal(t, fixed.FromUint(35), leftover)
	claimable, err := m.Claimable(a1.ID, bob)
	require.NoError(t, err)
	require.Equal(t, fixed.FromUint(6), claimable)
}

func TestEarlierShortfallGatesLaterClaims(t *testing.T) {
	ctx := context.Background()
	m, clock, _ := newMarket(t)

	a0 := create(t, m, "100", 600, "1", "0.5")
	_, err := m.Pledge(ctx, node, a0.ID, alice, fixed.FromUint(10))
	require.NoError(t, err)
	clock.Advance(600)
	_, err = m.Finalize(ctx, node, a0.ID)
	require.NoError(t, err)

	a1 := create(t, m, "10", 600, "1", "0.5")
	_, err = m.Pledge(ctx, node, a1.ID, alice, fixed.FromUint(10))
	require.NoError(t, err)

	_, _, err = m.AllocateArbRewards(ctx, node, fixed.FromUint(5))
	require.NoError(t, err)
	err = m.Claim(ctx, node, a1.ID, alice, fixed.One())
	require.ErrorIs(t, err, ErrEarlierAuctionOutstanding)
}

func TestCloneRestore(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMarket(t)
	a := create(t, m, "100", 600, "1", "0.5")
	snap := m.Clone()

	_, err := m.Pledge(ctx, node, a.ID, alice, fixed.FromUint(100))
	require.NoError(t, err)
	_, active := m.ActiveAuction()
	require.False(t, active)

	m.Restore(snap)
	got, active := m.ActiveAuction()
	require.True(t, active)
	require.True(t, got.Commitments.IsZero())
	require.Empty(t, got.Participants)
}

func TestCloneSharesSettledAuctionsAndRestoresClaims(t *testing.T) {
	ctx := context.Background()
	m, clock, _ := newMarket(t)
	a := create(t, m, "100", 600, "1", "0.5")
	_, err := m.Pledge(ctx, node, a.ID, alice, fixed.FromUint(50))
	require.NoError(t, err)
	clock.Advance(600)
	_, err = m.Finalize(ctx, node, a.ID)
	require.NoError(t, err)
	_, _, err = m.AllocateArbRewards(ctx, node, fixed.FromUint(100))
	require.NoError(t, err)

	snap := m.Clone()
	require.Same(t, m.auctions[a.ID], snap.auctions[a.ID])

	require.NoError(t, m.Claim(ctx, node, a.ID, alice, fixed.FromUint(40)))
	require.NotSame(t, m.auctions[a.ID], snap.auctions[a.ID])
	require.True(t, snap.auctions[a.ID].Claimed.IsZero())

	m.Restore(snap)
	claimed, err := m.AccountClaimed(a.ID, alice)
	require.NoError(t, err)
	require.True(t, claimed.IsZero())
	require.Equal(t, fixed.FromUint(100), m.ClaimPool())
}
