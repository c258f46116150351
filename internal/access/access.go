// Package access is the capability object consulted at every mutating entry point.
package access

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"peg-stabilizer/internal/faults"
)

// Role identifies a permission, derived the same way contracts derive role ids.
type Role = common.Hash

var (
	AdminRole      = NewRole("ADMIN_ROLE")
	KeeperRole     = NewRole("KEEPER_ROLE")
	StabilizerRole = NewRole("STABILIZER_NODE_ROLE")
	AuctionRole    = NewRole("AUCTION_ROLE")

	ErrUnauthorized = faults.Precondition("access: unauthorized")
)

// NewRole hashes a role name.
func NewRole(name string) Role { return crypto.Keccak256Hash([]byte(name)) }

// Policy answers role membership questions.
type Policy interface {
	HasRole(role Role, account common.Address) bool
}

// Require returns ErrUnauthorized unless account holds role.
func Require(p Policy, role Role, account common.Address) error {
	if p == nil || !p.HasRole(role, account) {
		return fmt.Errorf("%w: %s lacks role %s", ErrUnauthorized, account.Hex(), role.TerminalString())
	}
	return nil
}

// Table is an in-memory Policy. A role opened with Open is held by every account.
type Table struct {
	mu      sync.RWMutex
	members map[Role]map[common.Address]struct{}
	open    map[Role]bool
}

func NewTable() *Table {
	return &Table{
		members: make(map[Role]map[common.Address]struct{}),
		open:    make(map[Role]bool),
	}
}

func (t *Table) Grant(role Role, accounts ...common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.members[role]
	if !ok {
		set = make(map[common.Address]struct{})
		t.members[role] = set
	}
	for _, account := range accounts {
		set[account] = struct{}{}
	}
}

func (t *Table) Revoke(role Role, account common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.members[role], account)
}

// Open makes role public.
func (t *Table) Open(role Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open[role] = true
}

func (t *Table) HasRole(role Role, account common.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.open[role] {
		return true
	}
	_, ok := t.members[role][account]
	return ok
}

var _ Policy = (*Table)(nil)
