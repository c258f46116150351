// Package sim is an in-memory host: a manual block clock, ERC-20 style ledgers, a
// fee-less constant-product pair with a cumulative price oracle, and a bonding pool.
// It backs the offline simulation command and every engine test.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"peg-stabilizer/internal/faults"
	"peg-stabilizer/internal/host"
)

var (
	ErrInsufficientBalance = faults.Precondition("sim: insufficient balance")
	ErrInsufficientSupply  = faults.Invariant("sim: burn exceeds supply")
)

// Clock is a manually advanced block clock.
type Clock struct {
	mu  sync.Mutex
	now uint64
}

func NewClock(start uint64) *Clock { return &Clock{now: start} }

func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(seconds uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += seconds
	return c.now
}

func (c *Clock) Set(ts uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = ts
}

// Ledger is a fungible balance book with a transfer blocklist standing in for the
// token's verification hook.
type Ledger struct {
	mu       sync.Mutex
	symbol   string
	balances map[common.Address]*uint256.Int
	supply   *uint256.Int
	blocked  map[common.Address]bool
}

func NewLedger(symbol string) *Ledger {
	return &Ledger{
		symbol:   symbol,
		balances: make(map[common.Address]*uint256.Int),
		supply:   new(uint256.Int),
		blocked:  make(map[common.Address]bool),
	}
}

func (l *Ledger) Symbol() string { return l.symbol }

// Block makes VerifyTransfer reject any movement touching account.
func (l *Ledger) Block(account common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[account] = true
}

func (l *Ledger) Mint(_ context.Context, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(to, amount)
	l.supply.Add(l.supply, amount)
	return nil
}

func (l *Ledger) Burn(_ context.Context, from common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.supply.Lt(amount) {
		return ErrInsufficientSupply
	}
	if err := l.debit(from, amount); err != nil {
		return err
	}
	l.supply.Sub(l.supply, amount)
	return nil
}

func (l *Ledger) Transfer(_ context.Context, from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(from, amount); err != nil {
		return err
	}
	l.credit(to, amount)
	return nil
}

func (l *Ledger) BalanceOf(_ context.Context, account common.Address) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(account), nil
}

func (l *Ledger) TotalSupply(context.Context) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.supply), nil
}

func (l *Ledger) VerifyTransfer(_ context.Context, from, to common.Address, _ *uint256.Int) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.blocked[from] {
		return false, fmt.Sprintf("%s sender %s is blocked", l.symbol, from.Hex()), nil
	}
	if l.blocked[to] {
		return false, fmt.Sprintf("%s receiver %s is blocked", l.symbol, to.Hex()), nil
	}
	return true, "", nil
}

func (l *Ledger) balance(account common.Address) *uint256.Int {
	if b, ok := l.balances[account]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

func (l *Ledger) credit(account common.Address, amount *uint256.Int) {
	l.balances[account] = new(uint256.Int).Add(l.balance(account), amount)
}

func (l *Ledger) debit(account common.Address, amount *uint256.Int) error {
	current := l.balance(account)
	if current.Lt(amount) {
		return fmt.Errorf("%w: %s %s has %s, needs %s", ErrInsufficientBalance, l.symbol, account.Hex(), current.Dec(), amount.Dec())
	}
	l.balances[account] = current.Sub(current, amount)
	return nil
}

// Checkpoint snapshots balances and supply.
func (l *Ledger) Checkpoint() func() {
	l.mu.Lock()
	balances := make(map[common.Address]*uint256.Int, len(l.balances))
	for k, v := range l.balances {
		balances[k] = new(uint256.Int).Set(v)
	}
	supply := new(uint256.Int).Set(l.supply)
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.balances = balances
		l.supply = supply
	}
}

var (
	_ host.Token            = (*Ledger)(nil)
	_ host.Collateral       = (*Ledger)(nil)
	_ host.TransferVerifier = (*Ledger)(nil)
	_ host.Checkpointer     = (*Ledger)(nil)
	_ host.Clock            = (*Clock)(nil)
)
