// Package engine assembles the stabilization core from configuration and a host.
package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"peg-stabilizer/internal/access"
	"peg-stabilizer/internal/auction"
	"peg-stabilizer/internal/burner"
	"peg-stabilizer/internal/config"
	"peg-stabilizer/internal/datalab"
	"peg-stabilizer/internal/events"
	"peg-stabilizer/internal/host"
	"peg-stabilizer/internal/reserve"
	"peg-stabilizer/internal/sim"
	"peg-stabilizer/internal/skew"
	"peg-stabilizer/internal/stabilizer"
)

// Host is every collaborator the core needs from its environment.
type Host struct {
	Clock         host.Clock
	Pool          host.PoolSource
	DEX           host.DEX
	Token         host.Token
	Verifier      host.TransferVerifier
	Collateral    host.Collateral
	Bonding       host.BondingLedger
	Checkpointers []host.Checkpointer
}

// SimHost adapts a simulated market.
func SimHost(h *sim.Host) Host {
	return Host{
		Clock:         h.Clock,
		Pool:          h.Pool,
		DEX:           h.Pool,
		Token:         h.Token,
		Verifier:      h.Token,
		Collateral:    h.Collateral,
		Bonding:       h.Bonding,
		Checkpointers: h.Checkpointers(),
	}
}

// Engine is the assembled core.
type Engine struct {
	Controller *stabilizer.Controller
	Lab        *datalab.DataLab
	Reserve    *reserve.Buffer
	Policy     *access.Table
}

// NewPolicy grants the configured accounts their roles.
func NewPolicy(acc config.AccountsConfig) *access.Table {
	policy := access.NewTable()
	policy.Grant(access.StabilizerRole, acc.Self)
	policy.Grant(access.AuctionRole, acc.Self)
	if acc.Keeper != (common.Address{}) {
		policy.Grant(access.KeeperRole, acc.Keeper)
	}
	policy.Grant(access.AdminRole, acc.Admins...)
	return policy
}

// NewLab builds the data lab alone. Watch-only deployments stop here.
func NewLab(cfg config.ProtocolConfig, pool host.PoolSource, clock host.Clock, logger zerolog.Logger) (*datalab.DataLab, error) {
	opts := datalab.Options{
		PriceTarget:     cfg.PriceTarget,
		SampleLength:    cfg.SampleLength,
		SampleMemory:    cfg.SampleMemory,
		ReserveLookback: cfg.ReserveLookback,
	}
	if cfg.DefaultPrice != nil && !cfg.DefaultPrice.IsZero() {
		opts.DefaultPrice = cfg.DefaultPrice
	}
	lab, err := datalab.New(opts, pool, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("build data lab: %w", err)
	}
	return lab, nil
}

// Build wires the data lab, reserve, skew, auction market and controller.
func Build(cfg config.ProtocolConfig, h Host, sink events.Sink, logger zerolog.Logger) (*Engine, error) {
	policy := NewPolicy(cfg.Accounts)

	lab, err := NewLab(cfg, h.Pool, h.Clock, logger)
	if err != nil {
		return nil, err
	}
	b := burner.New(h.DEX, h.Token, h.Verifier, logger)
	buf, err := reserve.New(reserve.Options{
		Address:  cfg.Accounts.Reserve,
		MinRatio: cfg.ReserveMinRatio,
		Lookback: cfg.ReserveLookback,
	}, lab, h.Collateral, b, policy, logger)
	if err != nil {
		return nil, fmt.Errorf("build reserve: %w", err)
	}
	sk, err := skew.New(skew.Options{
		Initial: cfg.Skew.Initial,
		Floor:   cfg.Skew.Floor,
		Ceiling: cfg.Skew.Ceiling,
		Step:    cfg.Skew.Step,
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("build skew: %w", err)
	}
	market, err := auction.New(h.Clock, b, policy, logger)
	if err != nil {
		return nil, fmt.Errorf("build auction market: %w", err)
	}

	ctrl, err := stabilizer.New(
		&stabilizer.ProtocolState{Lab: lab, Reserve: buf, Skew: sk, Auctions: market},
		cfg.Params,
		stabilizer.Accounts{
			Self:       cfg.Accounts.Self,
			DAO:        cfg.Accounts.DAO,
			Treasury:   cfg.Accounts.Treasury,
			RewardPool: cfg.Accounts.RewardPool,
		},
		stabilizer.Deps{
			Clock:         h.Clock,
			DEX:           h.DEX,
			Token:         h.Token,
			Verifier:      h.Verifier,
			Collateral:    h.Collateral,
			Bonding:       h.Bonding,
			Policy:        policy,
			Checkpointers: h.Checkpointers,
			Sink:          sink,
		}, logger)
	if err != nil {
		return nil, err
	}
	return &Engine{Controller: ctrl, Lab: lab, Reserve: buf, Policy: policy}, nil
}
