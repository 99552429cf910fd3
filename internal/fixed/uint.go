// Package fixed implements the unsigned 128-bit integer domain used for every
// ledger amount and price. Arithmetic is checked: an operation whose exact
// result does not fit in 128 bits returns an error instead of wrapping.
//
// Values are backed by holiman/uint256 so that the product of two 128-bit
// operands never overflows the backing word; the 128-bit bound is enforced
// after every operation.
package fixed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Bits is the width of the amount domain.
const Bits = 128

// MaxPow10 is the largest n for which 10^n fits in the amount domain.
const MaxPow10 = 38

var (
	// ErrOverflow is returned when a result exceeds 2^128-1.
	ErrOverflow = errors.New("arithmetic overflow")

	// ErrUnderflow is returned when a subtraction would go below zero.
	ErrUnderflow = errors.New("arithmetic underflow")

	// ErrDivisionByZero is an overflow-class failure.
	ErrDivisionByZero = fmt.Errorf("%w: division by zero", ErrOverflow)

	// ErrSyntax is returned for malformed decimal strings.
	ErrSyntax = errors.New("invalid unsigned integer")
)

// Uint is an unsigned integer in [0, 2^128). The zero value is 0.
type Uint struct {
	v uint256.Int
}

var (
	// Zero is 0.
	Zero = Uint{}

	// Max is 2^128-1.
	Max = func() Uint {
		var m Uint
		m.v.Lsh(uint256.NewInt(1), Bits)
		m.v.Sub(&m.v, uint256.NewInt(1))
		return m
	}()

	pow10 = func() [MaxPow10 + 1]Uint {
		var table [MaxPow10 + 1]Uint
		table[0] = New(1)
		ten := uint256.NewInt(10)
		for i := 1; i <= MaxPow10; i++ {
			table[i].v.Mul(&table[i-1].v, ten)
		}
		return table
	}()
)

// New returns x as a Uint.
func New(x uint64) Uint {
	var u Uint
	u.v.SetUint64(x)
	return u
}

// Parse reads a base-10 unsigned integer.
func Parse(s string) (Uint, error) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] == '+' || s[0] == '-' {
		return Zero, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Zero, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	return FromBig(b)
}

// MustParse is Parse that panics on error. Intended for constants and tests.
func MustParse(s string) Uint {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// FromBig converts a non-negative big.Int.
func FromBig(b *big.Int) (Uint, error) {
	if b == nil || b.Sign() < 0 {
		return Zero, fmt.Errorf("%w: negative value", ErrUnderflow)
	}
	if b.BitLen() > Bits {
		return Zero, fmt.Errorf("%w: %s exceeds 128 bits", ErrOverflow, b.String())
	}
	var u Uint
	u.v.SetFromBig(b)
	return u, nil
}

// Pow10 returns 10^n.
func Pow10(n uint) (Uint, error) {
	if n > MaxPow10 {
		return Zero, fmt.Errorf("%w: 10^%d", ErrOverflow, n)
	}
	return pow10[n], nil
}

func bounded(v *uint256.Int) (Uint, error) {
	if v.BitLen() > Bits {
		return Zero, ErrOverflow
	}
	return Uint{v: *v}, nil
}

// Add returns a+b.
func (a Uint) Add(b Uint) (Uint, error) {
	var z uint256.Int
	z.Add(&a.v, &b.v)
	return bounded(&z)
}

// Sub returns a-b.
func (a Uint) Sub(b Uint) (Uint, error) {
	if a.v.Lt(&b.v) {
		return Zero, ErrUnderflow
	}
	var z uint256.Int
	z.Sub(&a.v, &b.v)
	return Uint{v: z}, nil
}

// Mul returns a*b.
func (a Uint) Mul(b Uint) (Uint, error) {
	var z uint256.Int
	z.Mul(&a.v, &b.v)
	return bounded(&z)
}

// Div returns a/b truncated toward zero.
func (a Uint) Div(b Uint) (Uint, error) {
	if b.v.IsZero() {
		return Zero, ErrDivisionByZero
	}
	var z uint256.Int
	z.Div(&a.v, &b.v)
	return Uint{v: z}, nil
}

// SaturatingAdd returns a+b clamped to Max.
func (a Uint) SaturatingAdd(b Uint) Uint {
	sum, err := a.Add(b)
	if err != nil {
		return Max
	}
	return sum
}

// SaturatingSub returns a-b clamped to Zero.
func (a Uint) SaturatingSub(b Uint) Uint {
	diff, err := a.Sub(b)
	if err != nil {
		return Zero
	}
	return diff
}

// Cmp compares a and b and returns -1, 0 or +1.
func (a Uint) Cmp(b Uint) int { return a.v.Cmp(&b.v) }

// Eq reports whether a == b.
func (a Uint) Eq(b Uint) bool { return a.v.Eq(&b.v) }

// Lt reports whether a < b.
func (a Uint) Lt(b Uint) bool { return a.v.Lt(&b.v) }

// Gt reports whether a > b.
func (a Uint) Gt(b Uint) bool { return a.v.Gt(&b.v) }

// IsZero reports whether a == 0.
func (a Uint) IsZero() bool { return a.v.IsZero() }

// Big returns a as a new big.Int.
func (a Uint) Big() *big.Int { return a.v.ToBig() }

// String returns the base-10 representation.
func (a Uint) String() string { return a.v.Dec() }

// Decimal interprets a as a fixed-point number with the given number of
// fractional digits.
func (a Uint) Decimal(decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(a.Big(), -int32(decimals))
}

// Format renders a in whole units, e.g. 1500000 with 6 decimals is "1.5".
func (a Uint) Format(decimals uint8) string {
	return a.Decimal(decimals).String()
}

// MarshalJSON encodes a as a quoted decimal string; JSON numbers cannot hold
// 128-bit values portably.
func (a Uint) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a quoted decimal string or a bare integer.
func (a *Uint) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*a = Zero
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	u, err := Parse(s)
	if err != nil {
		return err
	}
	*a = u
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Uint) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Uint) UnmarshalText(text []byte) error {
	u, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = u
	return nil
}
