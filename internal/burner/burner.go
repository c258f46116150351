// Package burner buys the stabilized token off the pair with collateral and burns it.
package burner

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"peg-stabilizer/internal/faults"
	"peg-stabilizer/internal/fixed"
	"peg-stabilizer/internal/host"
)

var (
	ErrTransferRejected = faults.Precondition("burner: transfer rejected by token hook")
	ErrZeroAmount       = faults.Precondition("burner: zero amount")
)

// Verify consults the token hook. The zero address stands for the mint source or burn
// sink.
func Verify(ctx context.Context, v host.TransferVerifier, from, to common.Address, amount *uint256.Int) error {
	if v == nil {
		return nil
	}
	ok, reason, err := v.VerifyTransfer(ctx, from, to, amount)
	if err != nil {
		return fmt.Errorf("verify transfer: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransferRejected, reason)
	}
	return nil
}

// Burner is shared by the reserve buffer and the auction market.
type Burner struct {
	dex      host.DEX
	token    host.Token
	verifier host.TransferVerifier
	logger   zerolog.Logger
}

func New(dex host.DEX, token host.Token, verifier host.TransferVerifier, logger zerolog.Logger) *Burner {
	return &Burner{
		dex:      dex,
		token:    token,
		verifier: verifier,
		logger:   logger.With().Str("component", "burner").Logger(),
	}
}

// PurchaseAndBurn spends payer's collateral on the pair and burns every token bought.
func (b *Burner) PurchaseAndBurn(ctx context.Context, payer common.Address, collateral *uint256.Int) (*uint256.Int, error) {
	if collateral == nil || collateral.IsZero() {
		return nil, ErrZeroAmount
	}
	bought, err := b.dex.BuyToken(ctx, payer, collateral)
	if err != nil {
		return nil, fmt.Errorf("buy token: %w", err)
	}
	if err := Verify(ctx, b.verifier, payer, common.Address{}, bought); err != nil {
		return nil, err
	}
	if err := b.token.Burn(ctx, payer, bought); err != nil {
		return nil, fmt.Errorf("burn token: %w", err)
	}
	b.logger.Debug().
		Str("payer", payer.Hex()).
		Str("collateral", fixed.Format(collateral)).
		Str("burned", fixed.Format(bought)).
		Msg("purchased and burned")
	return bought, nil
}
