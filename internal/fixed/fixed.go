// Package fixed implements unsigned 18-decimal fixed-point arithmetic on 256-bit words.
//
// Every checked operation returns a fresh value and never mutates its arguments.
// Overflow and underflow are invariant violations; the only clamping helpers are the
// explicitly named ones (SubFloor, Min).
package fixed

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"peg-stabilizer/internal/faults"
)

const (
	// Decimals is the number of fractional digits carried by every amount.
	Decimals = 18
	// BasisPoints is the denominator of every bps parameter.
	BasisPoints = 10_000
)

var (
	ErrOverflow       = faults.Invariant("fixed: arithmetic overflow")
	ErrUnderflow      = faults.Invariant("fixed: arithmetic underflow")
	ErrDivisionByZero = faults.Invariant("fixed: division by zero")
	ErrNegative       = faults.Precondition("fixed: negative amount")

	one = uint256.NewInt(1_000_000_000_000_000_000)
)

// One returns 1.0 (1e18).
func One() *uint256.Int { return new(uint256.Int).Set(one) }

// Zero returns a new zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// FromUint returns v whole units.
func FromUint(v uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(v), one)
}

// Raw wraps an already-scaled integer.
func Raw(v uint64) *uint256.Int { return uint256.NewInt(v) }

// Clone copies x, treating nil as zero.
func Clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}

func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// SubFloor returns max(0, x-y).
func SubFloor(x, y *uint256.Int) *uint256.Int {
	if x.Cmp(y) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

// Mul is the raw integer product.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDiv computes floor(x*y/d) with a 512-bit intermediate.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulFixed multiplies two fixed-point values.
func MulFixed(x, y *uint256.Int) (*uint256.Int, error) { return MulDiv(x, y, one) }

// DivFixed divides two fixed-point values.
func DivFixed(x, y *uint256.Int) (*uint256.Int, error) { return MulDiv(x, one, y) }

// Bps returns x * bps / 10000.
func Bps(x *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDiv(x, uint256.NewInt(bps), uint256.NewInt(BasisPoints))
}

// Sqrt is the integer square root of a raw value.
func Sqrt(x *uint256.Int) *uint256.Int { return new(uint256.Int).Sqrt(x) }

// SqrtFixed is the square root of a fixed-point value, still in fixed point.
func SqrtFixed(x *uint256.Int) (*uint256.Int, error) {
	scaled, err := Mul(x, one)
	if err != nil {
		return nil, err
	}
	return Sqrt(scaled), nil
}

func Min(x, y *uint256.Int) *uint256.Int {
	if x.Cmp(y) <= 0 {
		return new(uint256.Int).Set(x)
	}
	return new(uint256.Int).Set(y)
}

// Parse reads a human decimal such as "46.8875801945" into fixed point. Digits past
// the 18th decimal are truncated.
func Parse(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse fixed %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) *uint256.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FromDecimal converts a decimal into fixed point.
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegative
	}
	scaled := d.Shift(Decimals).Truncate(0).BigInt()
	v, overflow := uint256.FromBig(scaled)
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

// ToDecimal converts fixed point into a decimal for display and storage.
func ToDecimal(x *uint256.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), -Decimals)
}

// Format renders x as a plain decimal string.
func Format(x *uint256.Int) string { return ToDecimal(x).String() }

// FormatFixed renders x rounded to the given number of places.
func FormatFixed(x *uint256.Int, places int32) string { return ToDecimal(x).StringFixed(places) }

// FromBig converts an RPC integer, failing on negative or oversized input.
func FromBig(b *big.Int) (*uint256.Int, error) {
	if b == nil {
		return new(uint256.Int), nil
	}
	if b.Sign() < 0 {
		return nil, ErrNegative
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}
