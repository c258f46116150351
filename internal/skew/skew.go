// Package skew holds the auction burn reserve skew: a bounded basis-point bias that
// decides how much of the next auction's raise the reserve pre-pledges.
package skew

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"peg-stabilizer/internal/access"
	"peg-stabilizer/internal/faults"
	"peg-stabilizer/internal/fixed"
)

var ErrInvalidBounds = faults.Precondition("skew: invalid bounds")

// Options configure a Controller. Values are basis points.
type Options struct {
	Initial uint64
	Floor   uint64
	Ceiling uint64
	Step    uint64
}

func (o Options) validate() error {
	if o.Floor > o.Ceiling || o.Ceiling > fixed.BasisPoints {
		return fmt.Errorf("%w: floor %d ceiling %d", ErrInvalidBounds, o.Floor, o.Ceiling)
	}
	if o.Step > fixed.BasisPoints {
		return fmt.Errorf("%w: step %d", ErrInvalidBounds, o.Step)
	}
	return nil
}

// Controller is the feedback value. bps always lies in [floor, ceiling].
type Controller struct {
	bps     uint64
	floor   uint64
	ceiling uint64
	step    uint64
	policy  access.Policy
}

func New(opts Options, policy access.Policy) (*Controller, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	c := &Controller{floor: opts.Floor, ceiling: opts.Ceiling, step: opts.Step, policy: policy}
	c.bps = c.clamp(opts.Initial)
	return c, nil
}

// BiasBps is the current skew.
func (c *Controller) BiasBps() uint64 { return c.bps }

// Bounds returns floor, ceiling and step.
func (c *Controller) Bounds() (floor, ceiling, step uint64) { return c.floor, c.ceiling, c.step }

// Adjust moves the skew one step after an auction outcome: down when the market filled
// the raise, up when it did not. It returns the new value.
func (c *Controller) Adjust(filled bool) uint64 {
	if filled {
		if c.bps < c.step {
			c.bps = 0
		} else {
			c.bps -= c.step
		}
	} else {
		c.bps += c.step
	}
	c.bps = c.clamp(c.bps)
	return c.bps
}

// PrePledge is the share of raise the reserve commits up front.
func (c *Controller) PrePledge(raise *uint256.Int) (*uint256.Int, error) {
	return fixed.Bps(raise, c.bps)
}

// SetBounds is an admin setter; the current value is re-clamped.
func (c *Controller) SetBounds(caller common.Address, floor, ceiling, step uint64) error {
	if err := access.Require(c.policy, access.AdminRole, caller); err != nil {
		return err
	}
	if err := (Options{Floor: floor, Ceiling: ceiling, Step: step}).validate(); err != nil {
		return err
	}
	c.floor, c.ceiling, c.step = floor, ceiling, step
	c.bps = c.clamp(c.bps)
	return nil
}

func (c *Controller) clamp(v uint64) uint64 {
	if v < c.floor {
		return c.floor
	}
	if v > c.ceiling {
		return c.ceiling
	}
	return v
}

func (c *Controller) Clone() *Controller {
	cp := *c
	return &cp
}

// Restore overwrites c with a snapshot taken by Clone.
func (c *Controller) Restore(snapshot *Controller) { *c = *snapshot }
