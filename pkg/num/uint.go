// Package num wraps a 256-bit unsigned integer for ledger amounts and prices.
// Every amount crossing the wire fits in 128 bits; intermediate products use
// the full 256 bits and report overflow instead of wrapping.
package num

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
)

// Uint A wrapper for a big unsigned int
type Uint struct {
	u uint256.Int
}

var maxUint128 = func() uint256.Int {
	var v uint256.Int
	v.Lsh(uint256.NewInt(1), 128)
	v.SubUint64(&v, 1)
	return v
}()

// NewUint creates a new Uint with the value of the
// uint64 passed as a paramter.
func NewUint(val uint64) *Uint {
	return &Uint{*uint256.NewInt(val)}
}

func Zero() *Uint { return NewUint(0) }

// MaxUint128 returns 2^128 - 1, the largest amount an order or solution may carry.
func MaxUint128() *Uint {
	return &Uint{maxUint128}
}

// Pow10 returns 10^n. Overflowing exponents return zero and true.
func Pow10(n uint64) (*Uint, bool) {
	z := NewUint(1)
	ten := NewUint(10)
	for i := uint64(0); i < n; i++ {
		if _, overflow := z.MulOverflow(z, ten); overflow {
			return Zero(), true
		}
	}
	return z, false
}

// UintFromString parses a decimal string.
// will return true if an error/overflow happened
func UintFromString(str string) (*Uint, bool) {
	var z Uint
	if err := z.u.SetFromDecimal(str); err != nil {
		return Zero(), true
	}
	return &z, false
}

// UintFromBytes interprets b as a big-endian unsigned integer of at most 32 bytes.
func UintFromBytes(b []byte) *Uint {
	var z Uint
	z.u.SetBytes(b)
	return &z
}

// Min returns the smallest of the 2 numbers
func Min(a, b *Uint) *Uint {
	if a.LT(b) {
		return a
	}
	return b
}

// Sum just removes the need to write num.Zero().Add(x, y) chains.
func Sum(vals ...*Uint) *Uint {
	z := Zero()
	for _, v := range vals {
		z.u.Add(&z.u, &v.u)
	}
	return z
}

func (z *Uint) Set(oth *Uint) *Uint {
	z.u.Set(&oth.u)
	return z
}

func (z Uint) Clone() *Uint {
	return &Uint{z.u}
}

func (z Uint) Uint64() uint64 {
	return z.u.Uint64()
}

// Add will add x and y then store the result into z
// this is equivalent to:
// `z = x + y`
func (z *Uint) Add(x, y *Uint) *Uint {
	z.u.Add(&x.u, &y.u)
	return z
}

// AddOverflow is Add reporting whether the sum wrapped.
func (z *Uint) AddOverflow(x, y *Uint) (*Uint, bool) {
	_, ok := z.u.AddOverflow(&x.u, &y.u)
	return z, ok
}

// Sub will substract y from x then store the result into z.
// Callers must know x >= y; use SubOverflow otherwise.
func (z *Uint) Sub(x, y *Uint) *Uint {
	z.u.Sub(&x.u, &y.u)
	return z
}

// SubOverflow will substract y to x then store the result
// into z
// True is returned if the result would have been negative
func (z *Uint) SubOverflow(x, y *Uint) (*Uint, bool) {
	_, ok := z.u.SubOverflow(&x.u, &y.u)
	return z, ok
}

func (z *Uint) Mul(x, y *Uint) *Uint {
	z.u.Mul(&x.u, &y.u)
	return z
}

// MulOverflow is Mul reporting whether the product exceeded 256 bits.
func (z *Uint) MulOverflow(x, y *Uint) (*Uint, bool) {
	_, ok := z.u.MulOverflow(&x.u, &y.u)
	return z, ok
}

// Div will divide x by y then store the result in z, truncating.
// Division by zero yields zero.
func (z *Uint) Div(x, y *Uint) *Uint {
	z.u.Div(&x.u, &y.u)
	return z
}

// Mod sets z to x mod y. Mod by zero yields zero.
func (z *Uint) Mod(x, y *Uint) *Uint {
	z.u.Mod(&x.u, &y.u)
	return z
}

func (u Uint) LT(oth *Uint) bool  { return u.u.Lt(&oth.u) }
func (u Uint) LTE(oth *Uint) bool { return !u.u.Gt(&oth.u) }
func (u Uint) GT(oth *Uint) bool  { return u.u.Gt(&oth.u) }
func (u Uint) GTE(oth *Uint) bool { return !u.u.Lt(&oth.u) }
func (u Uint) EQ(oth *Uint) bool  { return u.u.Eq(&oth.u) }

func (u Uint) LTUint64(oth uint64) bool { return u.u.LtUint64(oth) }

func (u Uint) IsZero() bool { return u.u.IsZero() }

// FitsUint128 reports whether u is representable in 16 bytes.
func (u Uint) FitsUint128() bool { return u.u.BitLen() <= 128 }

// IsMaxUint128 reports whether u equals 2^128 - 1.
func (u Uint) IsMaxUint128() bool { return u.u.Eq(&maxUint128) }

// PutBytes writes u big-endian into dst, keeping the low len(dst) bytes.
// dst must not be longer than 32 bytes.
func (u Uint) PutBytes(dst []byte) {
	b := u.u.Bytes32()
	copy(dst, b[32-len(dst):])
}

func (u Uint) Bytes() [32]byte {
	return u.u.Bytes32()
}

func (u Uint) String() string {
	return u.u.Dec()
}

func (u Uint) Format(s fmt.State, ch rune) {
	fmt.Fprint(s, u.String())
}

// MarshalBinary lets gob and other binary codecs carry a Uint as 32 big-endian bytes.
func (u Uint) MarshalBinary() ([]byte, error) {
	b := u.u.Bytes32()
	return b[:], nil
}

func (u *Uint) UnmarshalBinary(b []byte) error {
	if len(b) > 32 {
		return fmt.Errorf("uint too long: %d bytes", len(b))
	}
	u.u.SetBytes(b)
	return nil
}

// MarshalJSON encodes as a quoted decimal string so amounts above 2^53 survive JSON clients.
func (u Uint) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *Uint) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("amount must be a decimal string: %w", err)
	}
	if err := u.u.SetFromDecimal(s); err != nil {
		return fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return nil
}
