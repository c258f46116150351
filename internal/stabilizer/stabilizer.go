// Package stabilizer is the control loop that keeps the token on peg. Each entry point
// runs to completion under the controller's lock and either commits every change it
// made or none of them.
package stabilizer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"peg-stabilizer/internal/access"
	"peg-stabilizer/internal/auction"
	"peg-stabilizer/internal/burner"
	"peg-stabilizer/internal/datalab"
	"peg-stabilizer/internal/events"
	"peg-stabilizer/internal/faults"
	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/host"
	"peg-stabilizer/internal/reserve"
	"peg-stabilizer/internal/skew"
)

var (
	ErrCooldown        = faults.Precondition("stabilizer: cooldown has not elapsed")
	ErrNoActiveAuction = faults.Precondition("stabilizer: no active auction")
	ErrNothingToClaim  = faults.Precondition("stabilizer: nothing to claim")
)

// ProtocolState is every piece of core state a call may touch.
type ProtocolState struct {
	Lab          *datalab.DataLab
	Reserve      *reserve.Buffer
	Skew         *skew.Controller
	Auctions     *auction.Market
	LastCallTime uint64
}

type stateSnapshot struct {
	lab          *datalab.DataLab
	reserve      *reserve.Buffer
	skew         *skew.Controller
	auctions     *auction.Market
	lastCallTime uint64
	params       Params
}

// Deps are the external collaborators.
type Deps struct {
	Clock      host.Clock
	DEX        host.DEX
	Token      host.Token
	Verifier   host.TransferVerifier
	Collateral host.Collateral
	Bonding    host.BondingLedger
	Policy     access.Policy
	// Checkpointers are rolled back with the core state when a call fails.
	Checkpointers []host.Checkpointer
	Sink          events.Sink
}

// Controller serializes every entry point with mu; getters take the read lock.
type Controller struct {
	mu       sync.RWMutex
	state    *ProtocolState
	params   Params
	accounts Accounts
	deps     Deps
	logger   zerolog.Logger
}

func New(state *ProtocolState, params Params, accounts Accounts, deps Deps, logger zerolog.Logger) (*Controller, error) {
	if state == nil || state.Lab == nil || state.Reserve == nil || state.Skew == nil || state.Auctions == nil {
		return nil, errors.New("stabilizer: incomplete protocol state")
	}
	if deps.Clock == nil || deps.DEX == nil || deps.Token == nil || deps.Collateral == nil || deps.Bonding == nil {
		return nil, errors.New("stabilizer: missing collaborator")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("stabilizer params: %w", err)
	}
	params = params.clone()
	if params.CallerRewardFloor == nil {
		params.CallerRewardFloor = fixed.Zero()
	}
	return &Controller{
		state:    state,
		params:   params,
		accounts: accounts,
		deps:     deps,
		logger:   logger.With().Str("component", "stabilizer").Logger(),
	}, nil
}

func (c *Controller) snapshot() stateSnapshot {
	return stateSnapshot{
		lab:          c.state.Lab.Clone(),
		reserve:      c.state.Reserve.Clone(),
		skew:         c.state.Skew.Clone(),
		auctions:     c.state.Auctions.Clone(),
		lastCallTime: c.state.LastCallTime,
		params:       c.params.clone(),
	}
}

func (c *Controller) restore(s stateSnapshot) {
	c.state.Lab.Restore(s.lab)
	c.state.Reserve.Restore(s.reserve)
	c.state.Skew.Restore(s.skew)
	c.state.Auctions.Restore(s.auctions)
	c.state.LastCallTime = s.lastCallTime
	c.params = s.params
}

// transact runs fn against the live state. On error every change, including those
// made to checkpointed collaborators, is reverted and fn's events are dropped.
// Callers hold mu.
func (c *Controller) transact(ctx context.Context, op string, fn func(j *events.Journal) error) error {
	snap := c.snapshot()
	reverts := make([]func(), 0, len(c.deps.Checkpointers))
	for _, cp := range c.deps.Checkpointers {
		reverts = append(reverts, cp.Checkpoint())
	}

	var journal events.Journal
	if err := fn(&journal); err != nil {
		for i := len(reverts) - 1; i >= 0; i-- {
			reverts[i]()
		}
		c.restore(snap)
		journal.Discard()
		c.logger.Debug().Err(err).Str("op", op).Msg("call reverted")
		return err
	}
	if err := journal.Commit(ctx, c.deps.Sink); err != nil {
		c.logger.Warn().Err(err).Str("op", op).Msg("publish events failed")
	}
	return nil
}

// Track samples the pool into the data lab.
func (c *Controller) Track(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transact(ctx, "track", func(*events.Journal) error {
		return c.state.Lab.Track(ctx)
	})
}

// Params returns a copy of the current policy.
func (c *Controller) Params() Params {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.clone()
}

func (c *Controller) Accounts() Accounts { return c.accounts }

func (c *Controller) LastCallTime() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.LastCallTime
}

func (c *Controller) PriceTarget() *uint256.Int { return c.state.Lab.PriceTarget() }

// SmoothedPrice is the price the next stabilize would act on, without tracking.
func (c *Controller) SmoothedPrice() (*uint256.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Lab.SmoothedPrice(c.params.PriceLookback)
}

// PoolSnapshot is the last tracked pool state.
func (c *Controller) PoolSnapshot() datalab.PoolSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Lab.Snapshot()
}

// ReserveStatus summarizes the reserve buffer.
type ReserveStatus struct {
	Balance  *uint256.Int
	Ratio    *uint256.Int
	Decimals uint8
	MinRatio *uint256.Int
	Deficit  *uint256.Int
	Capacity *uint256.Int
}

func (c *Controller) ReserveStatus(ctx context.Context) (ReserveStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := c.state.Reserve
	balance, err := r.Balance(ctx)
	if err != nil {
		return ReserveStatus{}, err
	}
	ratio, decimals, err := r.ReserveRatio(ctx)
	if err != nil {
		return ReserveStatus{}, err
	}
	deficit, err := r.CollateralDeficit(ctx)
	if err != nil {
		return ReserveStatus{}, err
	}
	capacity, err := r.Capacity(ctx)
	if err != nil {
		return ReserveStatus{}, err
	}
	return ReserveStatus{
		Balance:  balance,
		Ratio:    ratio,
		Decimals: decimals,
		MinRatio: r.MinRatio(),
		Deficit:  deficit,
		Capacity: capacity,
	}, nil
}

func (c *Controller) SkewBps() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Skew.BiasBps()
}

func (c *Controller) AuctionCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Auctions.Count()
}

func (c *Controller) Auction(id uint64) (*auction.Auction, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Auctions.Auction(id)
}

func (c *Controller) ActiveAuction() (*auction.Auction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Auctions.ActiveAuction()
}

func (c *Controller) AuctionPrice(id uint64) (*uint256.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Auctions.CurrentPrice(id)
}

// AccountPosition is one account's standing in one auction.
type AccountPosition struct {
	Commitment *uint256.Int
	Awarded    *uint256.Int
	Claimed    *uint256.Int
	Claimable  *uint256.Int
}

func (c *Controller) AccountPosition(id uint64, account common.Address) (AccountPosition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.state.Auctions
	commitment, err := m.AccountCommitment(id, account)
	if err != nil {
		return AccountPosition{}, err
	}
	awarded, err := m.AccountAwarded(id, account)
	if err != nil {
		return AccountPosition{}, err
	}
	claimed, err := m.AccountClaimed(id, account)
	if err != nil {
		return AccountPosition{}, err
	}
	claimable, err := m.Claimable(id, account)
	if err != nil {
		return AccountPosition{}, err
	}
	return AccountPosition{Commitment: commitment, Awarded: awarded, Claimed: claimed, Claimable: claimable}, nil
}

func (c *Controller) ClaimPool() *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Auctions.ClaimPool()
}

// verifiedMint mints after the token hook approves the movement from the zero address.
func (c *Controller) verifiedMint(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if err := burner.Verify(ctx, c.deps.Verifier, common.Address{}, to, amount); err != nil {
		return err
	}
	if err := c.deps.Token.Mint(ctx, to, amount); err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	return nil
}
