package reserve

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"peg-stabilizer/internal/access"
	"peg-stabilizer/internal/burner"
	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/sim"
)

var (
	reserveAddr = common.HexToAddress("0x4e5e")
	auctionAddr = common.HexToAddress("0xa0c7")
	admin       = common.HexToAddress("0xad")
)

type fixedLab struct {
	token, collateral *uint256.Int
	err               error
}

func (l fixedLab) SmoothedReserves(uint64) (*uint256.Int, *uint256.Int, error) {
	return l.token, l.collateral, l.err
}

func setup(t *testing.T, lab Lab, balance uint64) (*Buffer, *sim.Host) {
	t.Helper()
	ctx := context.Background()
	h, err := sim.NewHost(ctx, sim.HostConfig{
		Start:             100,
		TokenReserve:      fixed.FromUint(1_000),
		CollateralReserve: fixed.FromUint(1_000),
		TotalBonded:       fixed.Zero(),
		LiquidityProvider: common.HexToAddress("0x1f"),
	})
	require.NoError(t, err)
	if balance > 0 {
		require.NoError(t, h.Collateral.Mint(ctx, reserveAddr, fixed.FromUint(balance)))
	}
	policy := access.NewTable()
	policy.Grant(access.AuctionRole, auctionAddr)
	policy.Grant(access.AdminRole, admin)
	b, err := New(Options{
		Address:  reserveAddr,
		MinRatio: fixed.MustParse("0.4"),
		Lookback: 600,
	}, lab, h.Collateral, burner.New(h.Pool, h.Token, h.Token, zerolog.Nop()), policy, zerolog.Nop())
	require.NoError(t, err)
	return b, h
}

func TestRatioAndDeficit(t *testing.T) {
	ctx := context.Background()
	b, _ := setup(t, fixedLab{token: fixed.FromUint(1_000), collateral: fixed.FromUint(1_000)}, 250)

	ratio, decimals, err := b.ReserveRatio(ctx)
	require.NoError(t, err)
	require.Equal(t, uint8(18), decimals)
	require.Equal(t, fixed.MustParse("0.25"), ratio)

	deficit, err := b.CollateralDeficit(ctx)
	require.NoError(t, err)
	require.Equal(t, fixed.FromUint(150), deficit)

	ok, err := b.HasMinimumReserves(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	capacity, err := b.Capacity(ctx)
	require.NoError(t, err)
	require.True(t, capacity.IsZero())

	toFull, err := b.DeficitAt(ctx, fixed.One())
	require.NoError(t, err)
	require.Equal(t, fixed.FromUint(750), toFull)
}

func TestCapacityAboveMinimum(t *testing.T) {
	ctx := context.Background()
	b, _ := setup(t, fixedLab{token: fixed.FromUint(1_000), collateral: fixed.FromUint(1_000)}, 500)

	ok, err := b.HasMinimumReserves(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	capacity, err := b.Capacity(ctx)
	require.NoError(t, err)
	require.Equal(t, fixed.FromUint(100), capacity)
	deficit, err := b.CollateralDeficit(ctx)
	require.NoError(t, err)
	require.True(t, deficit.IsZero())
}

func TestRatioZeroWithoutPoolReserves(t *testing.T) {
	b, _ := setup(t, fixedLab{token: fixed.Zero(), collateral: fixed.Zero()}, 10)
	ratio, _, err := b.ReserveRatio(context.Background())
	require.NoError(t, err)
	require.True(t, ratio.IsZero())
}

func TestLabErrorPropagates(t *testing.T) {
	b, _ := setup(t, fixedLab{err: errors.New("not tracked")}, 10)
	_, _, err := b.ReserveRatio(context.Background())
	require.Error(t, err)
}

func TestPurchaseAndBurn(t *testing.T) {
	ctx := context.Background()
	b, h := setup(t, fixedLab{token: fixed.FromUint(1_000), collateral: fixed.FromUint(1_000)}, 100)

	_, err := b.PurchaseAndBurn(ctx, admin, fixed.FromUint(1))
	require.ErrorIs(t, err, access.ErrUnauthorized)

	_, err = b.PurchaseAndBurn(ctx, auctionAddr, fixed.FromUint(101))
	require.ErrorIs(t, err, ErrInsufficientReserve)

	burned, err := b.PurchaseAndBurn(ctx, auctionAddr, fixed.FromUint(100))
	require.NoError(t, err)
	require.False(t, burned.IsZero())

	bal, err := b.Balance(ctx)
	require.NoError(t, err)
	require.True(t, bal.IsZero())

	supply, err := h.Token.TotalSupply(ctx)
	require.NoError(t, err)
	require.True(t, supply.Lt(fixed.FromUint(1_000)))
}

func TestDepositAndSetMinRatio(t *testing.T) {
	ctx := context.Background()
	b, h := setup(t, fixedLab{token: fixed.FromUint(1_000), collateral: fixed.FromUint(1_000)}, 0)
	treasury := common.HexToAddress("0x7e")
	require.NoError(t, h.Collateral.Mint(ctx, treasury, fixed.FromUint(50)))
	require.NoError(t, b.Deposit(ctx, treasury, fixed.FromUint(50)))
	require.ErrorIs(t, b.Deposit(ctx, treasury, fixed.Zero()), ErrZeroAmount)

	require.ErrorIs(t, b.SetMinRatio(auctionAddr, fixed.One()), access.ErrUnauthorized)
	snap := b.Clone()
	require.NoError(t, b.SetMinRatio(admin, fixed.MustParse("0.01")))
	ok, err := b.HasMinimumReserves(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	b.Restore(snap)
	require.Equal(t, fixed.MustParse("0.4"), b.MinRatio())
}
