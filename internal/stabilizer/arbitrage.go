package stabilizer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"peg-stabilizer/internal/auction"
	"peg-stabilizer/internal/events"
)

// PurchaseArbitrageToken pledges account's collateral to the active auction. Only the
// accepted part is spent; the receipt reports the rest as refund.
func (c *Controller) PurchaseArbitrageToken(ctx context.Context, account common.Address, amount *uint256.Int) (auction.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var receipt auction.Receipt
	err := c.transact(ctx, "purchase_arbitrage", func(j *events.Journal) error {
		now := c.deps.Clock.Now()
		if _, err := c.finalizeExpired(ctx, j); err != nil {
			return err
		}
		active, ok := c.state.Auctions.ActiveAuction()
		if !ok {
			return ErrNoActiveAuction
		}
		r, err := c.state.Auctions.Pledge(ctx, c.accounts.Self, active.ID, account, amount)
		if err != nil {
			return err
		}
		receipt = r
		j.Emit(events.New(events.ArbitragePurchased, now).
			With("auction_id", strconv.FormatUint(active.ID, 10)).
			With("account", account.Hex()).
			WithAmount("accepted", r.Accepted).
			WithAmount("refund", r.Refund).
			WithAmount("burned", r.TokensBurned))
		if r.Finalized {
			a, err := c.state.Auctions.Auction(active.ID)
			if err != nil {
				return err
			}
			c.afterFinalize(a.ID, true, a.FinalPrice, now, j)
		}
		return nil
	})
	if err != nil {
		return auction.Receipt{}, err
	}
	return receipt, nil
}

// ClaimArbitrage redeems everything account can currently claim from auction id and
// pays it in collateral.
func (c *Controller) ClaimArbitrage(ctx context.Context, account common.Address, id uint64) (*uint256.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var paid *uint256.Int
	err := c.transact(ctx, "claim_arbitrage", func(j *events.Journal) error {
		a, err := c.state.Auctions.Auction(id)
		if err != nil {
			return err
		}
		if !a.Finalized {
			return fmt.Errorf("%w: %d", auction.ErrNotFinalized, id)
		}
		amount, err := c.state.Auctions.Claimable(id, account)
		if err != nil {
			return err
		}
		if amount.IsZero() {
			return fmt.Errorf("%w: auction %d", ErrNothingToClaim, id)
		}
		if err := c.state.Auctions.Claim(ctx, c.accounts.Self, id, account, amount); err != nil {
			return err
		}
		if err := c.deps.Collateral.Transfer(ctx, c.accounts.Self, account, amount); err != nil {
			return fmt.Errorf("pay claim: %w", err)
		}
		paid = amount
		j.Emit(events.New(events.ArbitrageClaimed, c.deps.Clock.Now()).
			With("auction_id", strconv.FormatUint(id, 10)).
			With("account", account.Hex()).
			WithAmount("amount", amount))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// CheckAuctionFinalization finalizes the active auction if it has ended. Anyone may
// call it.
func (c *Controller) CheckAuctionFinalization(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var finalized bool
	err := c.transact(ctx, "check_finalization", func(j *events.Journal) error {
		var err error
		finalized, err = c.finalizeExpired(ctx, j)
		return err
	})
	return finalized, err
}

// finalizeExpired closes an active auction whose end time has passed and feeds the
// outcome to the skew.
func (c *Controller) finalizeExpired(ctx context.Context, j *events.Journal) (bool, error) {
	active, ok := c.state.Auctions.ActiveAuction()
	now := c.deps.Clock.Now()
	if !ok || now < active.EndTime {
		return false, nil
	}
	out, err := c.state.Auctions.Finalize(ctx, c.accounts.Self, active.ID)
	if err != nil {
		return false, fmt.Errorf("finalize auction %d: %w", active.ID, err)
	}
	if out.NewlyFinalized {
		c.afterFinalize(active.ID, out.Filled, out.FinalPrice, now, j)
	}
	return out.NewlyFinalized, nil
}

func (c *Controller) afterFinalize(id uint64, filled bool, finalPrice *uint256.Int, now uint64, j *events.Journal) {
	from := c.state.Skew.BiasBps()
	to := c.state.Skew.Adjust(filled)
	j.Emit(events.New(events.AuctionFinalized, now).
		With("auction_id", strconv.FormatUint(id, 10)).
		With("filled", strconv.FormatBool(filled)).
		WithAmount("final_price", finalPrice))
	j.Emit(events.New(events.SkewAdjusted, now).
		With("auction_id", strconv.FormatUint(id, 10)).
		With("filled", strconv.FormatBool(filled)).
		With("from", strconv.FormatUint(from, 10)).
		With("to", strconv.FormatUint(to, 10)))
}
