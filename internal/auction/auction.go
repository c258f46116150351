// Package auction runs the descending-price auctions that sell arbitrage claims below
// peg, and redeems those claims from expansion rewards oldest auction first.
//
// At most one auction is active. Auctions are append-only; commitments never exceed the
// raise target and a finalized auction's price and awards never change.
package auction

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"peg-stabilizer/internal/access"
	"peg-stabilizer/internal/faults"
	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/host"
)

var (
	ErrAuctionActive             = faults.Precondition("auction: an auction is already active")
	ErrUnknownAuction            = faults.Precondition("auction: unknown auction")
	ErrNotActive                 = faults.Precondition("auction: auction is not active")
	ErrNotFinalized              = faults.Precondition("auction: auction is not finalized")
	ErrNotFinalizable            = faults.Precondition("auction: auction has not ended and is not fully subscribed")
	ErrInvalidPrices             = faults.Precondition("auction: prices must satisfy 0 < end <= start")
	ErrInvalidParams             = faults.Precondition("auction: invalid auction parameters")
	ErrZeroAmount                = faults.Precondition("auction: zero amount")
	ErrClaimExceedsAvailable     = faults.Precondition("auction: claim exceeds available amount")
	ErrEarlierAuctionOutstanding = faults.Precondition("auction: an earlier auction still has an outstanding claim")
	ErrCommitmentsExceedRaise    = faults.Invariant("auction: commitments exceed raise target")
)

// Purchaser turns a pledger's collateral into burned tokens.
type Purchaser interface {
	PurchaseAndBurn(ctx context.Context, payer common.Address, collateral *uint256.Int) (*uint256.Int, error)
}

// Auction is one descending-price sale. Prices are collateral per token, 1e18 = peg.
type Auction struct {
	ID             uint64
	StartTime      uint64
	EndTime        uint64
	StartingPrice  *uint256.Int
	EndingPrice    *uint256.Int
	FinalPrice     *uint256.Int
	MaxCommitments *uint256.Int
	Commitments    *uint256.Int
	// TokensPurchased counts tokens bought and burned by pledges and the reserve.
	TokensPurchased *uint256.Int
	// ReservePledged is the part of Commitments pre-pledged by the reserve; it earns no
	// claims.
	ReservePledged *uint256.Int
	Active         bool
	Finalized      bool
	// ArbTokens is the total claims owed once finalized.
	ArbTokens *uint256.Int
	// Replenished is the reward allocated to this auction's claims; Claimed what has
	// been paid out of it.
	Replenished *uint256.Int
	Claimed     *uint256.Int

	Participants       []common.Address
	AccountCommitments map[common.Address]*uint256.Int
	AccountAwarded     map[common.Address]*uint256.Int
	AccountClaimed     map[common.Address]*uint256.Int
}

func (a *Auction) clone() *Auction {
	c := *a
	c.StartingPrice = fixed.Clone(a.StartingPrice)
	c.EndingPrice = fixed.Clone(a.EndingPrice)
	c.FinalPrice = fixed.Clone(a.FinalPrice)
	c.MaxCommitments = fixed.Clone(a.MaxCommitments)
	c.Commitments = fixed.Clone(a.Commitments)
	c.TokensPurchased = fixed.Clone(a.TokensPurchased)
	c.ReservePledged = fixed.Clone(a.ReservePledged)
	c.ArbTokens = fixed.Clone(a.ArbTokens)
	c.Replenished = fixed.Clone(a.Replenished)
	c.Claimed = fixed.Clone(a.Claimed)
	c.Participants = append([]common.Address(nil), a.Participants...)
	c.AccountCommitments = cloneBook(a.AccountCommitments)
	c.AccountAwarded = cloneBook(a.AccountAwarded)
	c.AccountClaimed = cloneBook(a.AccountClaimed)
	return &c
}

func cloneBook(m map[common.Address]*uint256.Int) map[common.Address]*uint256.Int {
	out := make(map[common.Address]*uint256.Int, len(m))
	for k, v := range m {
		out[k] = fixed.Clone(v)
	}
	return out
}

func entry(m map[common.Address]*uint256.Int, account common.Address) *uint256.Int {
	return fixed.Clone(m[account])
}

// FullySubscribed reports commitments == max.
func (a *Auction) FullySubscribed() bool { return a.Commitments.Eq(a.MaxCommitments) }

// Remaining is the raise still open.
func (a *Auction) Remaining() *uint256.Int { return fixed.SubFloor(a.MaxCommitments, a.Commitments) }

// Shortfall is claims owed but not yet replenished.
func (a *Auction) Shortfall() *uint256.Int { return fixed.SubFloor(a.ArbTokens, a.Replenished) }

// priceAt interpolates linearly between start and end prices, clamped to end.
func (a *Auction) priceAt(ts uint64) *uint256.Int {
	if ts <= a.StartTime {
		return fixed.Clone(a.StartingPrice)
	}
	duration := a.EndTime - a.StartTime
	elapsed := ts - a.StartTime
	if duration == 0 || elapsed >= duration {
		return fixed.Clone(a.EndingPrice)
	}
	spread := new(uint256.Int).Sub(a.StartingPrice, a.EndingPrice)
	// MulDiv widens to 512 bits, so this cannot overflow
	decay, _ := fixed.MulDiv(spread, uint256.NewInt(elapsed), uint256.NewInt(duration))
	return new(uint256.Int).Sub(a.StartingPrice, decay)
}

// CreateParams describe a new auction.
type CreateParams struct {
	TargetRaise *uint256.Int
	Duration    uint64
	StartPrice  *uint256.Int
	EndPrice    *uint256.Int
	// ReservePledge counts toward commitments at creation; ReserveBurned is the token
	// amount the reserve burned for it.
	ReservePledge *uint256.Int
	ReserveBurned *uint256.Int
}

// Receipt reports a pledge.
type Receipt struct {
	Accepted     *uint256.Int
	Refund       *uint256.Int
	TokensBurned *uint256.Int
	Finalized    bool
}

// Outcome reports a finalization.
type Outcome struct {
	Filled         bool
	NewlyFinalized bool
	FinalPrice     *uint256.Int
}

// Market owns every auction and the claimable reward pool.
type Market struct {
	clock     host.Clock
	purchaser Purchaser
	policy    access.Policy
	logger    zerolog.Logger

	auctions    []*Auction
	hasActive   bool
	activeID    uint64
	claimPool   *uint256.Int
	replenishID uint64
}

func New(clock host.Clock, purchaser Purchaser, policy access.Policy, logger zerolog.Logger) (*Market, error) {
	if clock == nil || purchaser == nil {
		return nil, errors.New("auction: clock and purchaser are required")
	}
	return &Market{
		clock:     clock,
		purchaser: purchaser,
		policy:    policy,
		logger:    logger.With().Str("component", "auction").Logger(),
		claimPool: new(uint256.Int),
	}, nil
}

func (m *Market) authorize(caller common.Address) error {
	return access.Require(m.policy, access.StabilizerRole, caller)
}

func (m *Market) get(id uint64) (*Auction, error) {
	if id >= uint64(len(m.auctions)) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAuction, id)
	}
	return m.auctions[id], nil
}

// Count is the number of auctions ever created.
func (m *Market) Count() uint64 { return uint64(len(m.auctions)) }

// Auction returns a copy of auction id.
func (m *Market) Auction(id uint64) (*Auction, error) {
	a, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return a.clone(), nil
}

// ActiveAuction returns a copy of the active auction, if any.
func (m *Market) ActiveAuction() (*Auction, bool) {
	if !m.hasActive {
		return nil, false
	}
	return m.auctions[m.activeID].clone(), true
}

// ClaimPool is the rewards allocated to claims and not yet redeemed.
func (m *Market) ClaimPool() *uint256.Int { return fixed.Clone(m.claimPool) }

// CurrentPrice is the auction's price at the current block time.
func (m *Market) CurrentPrice(id uint64) (*uint256.Int, error) {
	a, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if a.Finalized {
		return fixed.Clone(a.FinalPrice), nil
	}
	return a.priceAt(m.clock.Now()), nil
}

// PriceAt is the undecayed schedule at ts, for charts and previews.
func (m *Market) PriceAt(id uint64, ts uint64) (*uint256.Int, error) {
	a, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return a.priceAt(ts), nil
}

func (m *Market) AccountCommitment(id uint64, account common.Address) (*uint256.Int, error) {
	a, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return entry(a.AccountCommitments, account), nil
}

func (m *Market) AccountAwarded(id uint64, account common.Address) (*uint256.Int, error) {
	a, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return entry(a.AccountAwarded, account), nil
}

func (m *Market) AccountClaimed(id uint64, account common.Address) (*uint256.Int, error) {
	a, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return entry(a.AccountClaimed, account), nil
}

// Create opens a new auction.
func (m *Market) Create(ctx context.Context, caller common.Address, p CreateParams) (*Auction, error) {
	if err := m.authorize(caller); err != nil {
		return nil, err
	}
	if m.hasActive {
		return nil, fmt.Errorf("%w: %d", ErrAuctionActive, m.activeID)
	}
	if p.TargetRaise == nil || p.TargetRaise.IsZero() || p.Duration == 0 {
		return nil, fmt.Errorf("%w: raise and duration must be positive", ErrInvalidParams)
	}
	if p.StartPrice == nil || p.EndPrice == nil || p.EndPrice.IsZero() || p.EndPrice.Gt(p.StartPrice) {
		return nil, ErrInvalidPrices
	}
	pledge := fixed.Clone(p.ReservePledge)
	if pledge.Gt(p.TargetRaise) {
		return nil, fmt.Errorf("%w: reserve pledge exceeds raise", ErrInvalidParams)
	}

	now := m.clock.Now()
	a := &Auction{
		ID:                 uint64(len(m.auctions)),
		StartTime:          now,
		EndTime:            now + p.Duration,
		StartingPrice:      fixed.Clone(p.StartPrice),
		EndingPrice:        fixed.Clone(p.EndPrice),
		FinalPrice:         new(uint256.Int),
		MaxCommitments:     fixed.Clone(p.TargetRaise),
		Commitments:        pledge,
		TokensPurchased:    fixed.Clone(p.ReserveBurned),
		ReservePledged:     fixed.Clone(pledge),
		Active:             true,
		ArbTokens:          new(uint256.Int),
		Replenished:        new(uint256.Int),
		Claimed:            new(uint256.Int),
		AccountCommitments: make(map[common.Address]*uint256.Int),
		AccountAwarded:     make(map[common.Address]*uint256.Int),
		AccountClaimed:     make(map[common.Address]*uint256.Int),
	}
	m.auctions = append(m.auctions, a)
	m.hasActive = true
	m.activeID = a.ID

	m.logger.Info().
		Uint64("auction_id", a.ID).
		Str("raise", fixed.Format(a.MaxCommitments)).
		Str("reserve_pledge", fixed.Format(pledge)).
		Str("start_price", fixed.Format(a.StartingPrice)).
		Str("end_price", fixed.Format(a.EndingPrice)).
		Uint64("end_time", a.EndTime).
		Msg("auction created")

	if a.FullySubscribed() {
		m.finalize(a, now)
	}
	return a.clone(), nil
}

// Pledge commits account's collateral to auction id. The accepted amount is clamped to
// the remaining raise and the excess is reported as Refund. A pledge that fills the
// raise finalizes the auction at the current price.
func (m *Market) Pledge(ctx context.Context, caller common.Address, id uint64, account common.Address, amount *uint256.Int) (Receipt, error) {
	if err := m.authorize(caller); err != nil {
		return Receipt{}, err
	}
	if amount == nil || amount.IsZero() {
		return Receipt{}, ErrZeroAmount
	}
	a, err := m.get(id)
	if err != nil {
		return Receipt{}, err
	}
	now := m.clock.Now()
	if !a.Active || now >= a.EndTime {
		return Receipt{}, fmt.Errorf("%w: %d", ErrNotActive, id)
	}

	accepted := fixed.Min(amount, a.Remaining())
	refund := new(uint256.Int).Sub(amount, accepted)
	if accepted.IsZero() {
		return Receipt{}, fmt.Errorf("%w: %d", ErrNotActive, id)
	}

	burned, err := m.purchaser.PurchaseAndBurn(ctx, account, accepted)
	if err != nil {
		return Receipt{}, fmt.Errorf("pledge purchase: %w", err)
	}

	commitments, err := fixed.Add(a.Commitments, accepted)
	if err != nil {
		return Receipt{}, err
	}
	if commitments.Gt(a.MaxCommitments) {
		return Receipt{}, ErrCommitmentsExceedRaise
	}
	a.Commitments = commitments
	a.TokensPurchased.Add(a.TokensPurchased, burned)
	if _, seen := a.AccountCommitments[account]; !seen {
		a.Participants = append(a.Participants, account)
	}
	a.AccountCommitments[account] = new(uint256.Int).Add(entry(a.AccountCommitments, account), accepted)

	receipt := Receipt{Accepted: accepted, Refund: refund, TokensBurned: burned}
	if a.FullySubscribed() {
		m.finalize(a, now)
		receipt.Finalized = true
	}

	m.logger.Info().
		Uint64("auction_id", id).
		Str("account", account.Hex()).
		Str("accepted", fixed.Format(accepted)).
		Str("refund", fixed.Format(refund)).
		Bool("finalized", receipt.Finalized).
		Msg("pledge accepted")
	return receipt, nil
}

// Finalize closes auction id once it has ended or filled. Repeat calls return the
// same price without changing anything.
func (m *Market) Finalize(ctx context.Context, caller common.Address, id uint64) (Outcome, error) {
	if err := m.authorize(caller); err != nil {
		return Outcome{}, err
	}
	a, err := m.get(id)
	if err != nil {
		return Outcome{}, err
	}
	if a.Finalized {
		return Outcome{Filled: a.FullySubscribed(), FinalPrice: fixed.Clone(a.FinalPrice)}, nil
	}
	now := m.clock.Now()
	if now < a.EndTime && !a.FullySubscribed() {
		return Outcome{}, fmt.Errorf("%w: %d ends at %d", ErrNotFinalizable, id, a.EndTime)
	}
	m.finalize(a, now)
	return Outcome{Filled: a.FullySubscribed(), NewlyFinalized: true, FinalPrice: fixed.Clone(a.FinalPrice)}, nil
}

func (m *Market) finalize(a *Auction, now uint64) {
	ts := now
	if ts > a.EndTime {
		ts = a.EndTime
	}
	a.FinalPrice = a.priceAt(ts)
	total := new(uint256.Int)
	for _, account := range a.Participants {
		// FinalPrice >= EndingPrice > 0
		awarded, _ := fixed.DivFixed(a.AccountCommitments[account], a.FinalPrice)
		a.AccountAwarded[account] = awarded
		total.Add(total, awarded)
	}
	a.ArbTokens = total
	a.Active = false
	a.Finalized = true
	if m.hasActive && m.activeID == a.ID {
		m.hasActive = false
	}
	m.logger.Info().
		Uint64("auction_id", a.ID).
		Str("final_price", fixed.Format(a.FinalPrice)).
		Str("commitments", fixed.Format(a.Commitments)).
		Str("arb_tokens", fixed.Format(a.ArbTokens)).
		Msg("auction finalized")
}

// Allocation is one auction's share of a reward allocation.
type Allocation struct {
	AuctionID uint64
	Amount    *uint256.Int
}

// AllocateArbRewards assigns amount to finalized auctions' unreplenished claims,
// oldest first, and returns what is left over.
func (m *Market) AllocateArbRewards(ctx context.Context, caller common.Address, amount *uint256.Int) (*uint256.Int, []Allocation, error) {
	if err := m.authorize(caller); err != nil {
		return nil, nil, err
	}
	remaining := fixed.Clone(amount)
	var allocations []Allocation
	for id := m.replenishID; id < uint64(len(m.auctions)) && !remaining.IsZero(); id++ {
		a := m.auctions[id]
		if !a.Finalized {
			break
		}
		need := a.Shortfall()
		if need.IsZero() {
			if id == m.replenishID {
				m.replenishID++
			}
			continue
		}
		give := fixed.Min(need, remaining)
		a.Replenished.Add(a.Replenished, give)
		m.claimPool.Add(m.claimPool, give)
		remaining.Sub(remaining, give)
		allocations = append(allocations, Allocation{AuctionID: id, Amount: give})
		if a.Shortfall().IsZero() && id == m.replenishID {
			m.replenishID++
		}
	}
	return remaining, allocations, nil
}

// Claimable is what account can redeem from auction id right now.
func (m *Market) Claimable(id uint64, account common.Address) (*uint256.Int, error) {
	a, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if !a.Finalized {
		return fixed.Zero(), nil
	}
	owed := fixed.SubFloor(entry(a.AccountAwarded, account), entry(a.AccountClaimed, account))
	available := fixed.SubFloor(a.Replenished, a.Claimed)
	return fixed.Min(fixed.Min(owed, available), m.claimPool), nil
}

// Claim redeems amount of account's claims on auction id.
func (m *Market) Claim(ctx context.Context, caller common.Address, id uint64, account common.Address, amount *uint256.Int) error {
	if err := m.authorize(caller); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	a, err := m.get(id)
	if err != nil {
		return err
	}
	if !a.Finalized {
		return fmt.Errorf("%w: %d", ErrNotFinalized, id)
	}
	for prev := uint64(0); prev < id; prev++ {
		earlier := m.auctions[prev]
		owed := fixed.SubFloor(entry(earlier.AccountAwarded, account), entry(earlier.AccountClaimed, account))
		if !owed.IsZero() && !earlier.Shortfall().IsZero() {
			return fmt.Errorf("%w: auction %d", ErrEarlierAuctionOutstanding, prev)
		}
	}
	claimable, err := m.Claimable(id, account)
	if err != nil {
		return err
	}
	if amount.Gt(claimable) {
		return fmt.Errorf("%w: requested %s, available %s", ErrClaimExceedsAvailable, fixed.Format(amount), fixed.Format(claimable))
	}
	// settled auctions may be shared with a snapshot, so replace instead of writing in place
	a = a.clone()
	a.AccountClaimed[account] = new(uint256.Int).Add(entry(a.AccountClaimed, account), amount)
	a.Claimed.Add(a.Claimed, amount)
	m.auctions[id] = a
	m.claimPool.Sub(m.claimPool, amount)

	m.logger.Info().
		Uint64("auction_id", id).
		Str("account", account.Hex()).
		Str("amount", fixed.Format(amount)).
		Msg("arbitrage claimed")
	return nil
}

// Clone snapshots the market for rollback. Auctions before the replenish cursor are
// settled and only Claim touches them, which swaps in a copy, so they are shared.
// The rest are deep-copied.
func (m *Market) Clone() *Market {
	c := *m
	c.auctions = make([]*Auction, len(m.auctions))
	copy(c.auctions, m.auctions)
	for i := m.replenishID; i < uint64(len(m.auctions)); i++ {
		c.auctions[i] = m.auctions[i].clone()
	}
	c.claimPool = fixed.Clone(m.claimPool)
	return &c
}

// Restore overwrites m with a snapshot taken by Clone.
func (m *Market) Restore(snapshot *Market) { *m = *snapshot }
