// Package host declares the collaborators the stabilization core consumes but does not
// implement: the block clock, the AMM pair, the token contracts and the bonding ledger.
package host

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Clock returns the current block timestamp in seconds.
type Clock interface {
	Now() uint64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() uint64

func (f ClockFunc) Now() uint64 { return f() }

// SystemClock reads wall-clock time.
var SystemClock Clock = ClockFunc(func() uint64 { return uint64(time.Now().Unix()) })

// PoolState is one read of the AMM pair. PriceCumulativeLast is the running integral
// of the collateral-per-token price (1e18 scaled) over seconds, as of TimestampLast.
type PoolState struct {
	PriceCumulativeLast *uint256.Int
	ReserveToken        *uint256.Int
	ReserveCollateral   *uint256.Int
	TimestampLast       uint64
	LPTotalSupply       *uint256.Int
}

// PoolSource reads raw pool state.
type PoolSource interface {
	PoolState(ctx context.Context) (PoolState, error)
}

// DEX executes trades against the pair. Buys and sells settle against payer's balances.
type DEX interface {
	Reserves(ctx context.Context) (token, collateral *uint256.Int, err error)
	BuyToken(ctx context.Context, payer common.Address, collateralIn *uint256.Int) (tokenOut *uint256.Int, err error)
	SellToken(ctx context.Context, payer common.Address, tokenIn *uint256.Int) (collateralOut *uint256.Int, err error)
	AddLiquidity(ctx context.Context, provider common.Address, token, collateral *uint256.Int) (liquidity *uint256.Int, err error)
	RemoveLiquidity(ctx context.Context, provider common.Address, liquidity *uint256.Int) (token, collateral *uint256.Int, err error)
}

// Token is the stabilized token.
type Token interface {
	Mint(ctx context.Context, to common.Address, amount *uint256.Int) error
	Burn(ctx context.Context, from common.Address, amount *uint256.Int) error
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error
	BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error)
	TotalSupply(ctx context.Context) (*uint256.Int, error)
}

// TransferVerifier is the token's pre-transfer hook. It must approve every mint and
// burn the core performs; a zero address stands for mint source or burn sink.
type TransferVerifier interface {
	VerifyTransfer(ctx context.Context, from, to common.Address, amount *uint256.Int) (ok bool, reason string, err error)
}

// Collateral moves the collateral asset between accounts.
type Collateral interface {
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error
	BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error)
}

// BondingLedger is the LP staking pool that receives expansion rewards.
type BondingLedger interface {
	TotalBonded(ctx context.Context) (*uint256.Int, error)
	DistributeReward(ctx context.Context, amount *uint256.Int) error
}

// Checkpointer is implemented by collaborators whose state can be rolled back when a
// controller call fails. The returned function restores the state at the checkpoint.
type Checkpointer interface {
	Checkpoint() (revert func())
}
