package num_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/batchex/pkg/num"
)

func TestUintFromString(t *testing.T) {
	n, overflow := num.UintFromString("20020020020020020020")
	require.False(t, overflow)
	assert.Equal(t, "20020020020020020020", n.String())

	_, overflow = num.UintFromString("not a number")
	assert.True(t, overflow)
}

func TestUintClone(t *testing.T) {
	first := num.NewUint(42)
	second := first.Clone()
	second.Add(second, num.NewUint(42))

	assert.Equal(t, uint64(42), first.Uint64())
	assert.Equal(t, uint64(84), second.Uint64())
}

func TestUintOverflowReporting(t *testing.T) {
	_, neg := num.Zero().SubOverflow(num.NewUint(1), num.NewUint(2))
	assert.True(t, neg)

	_, neg = num.Zero().SubOverflow(num.NewUint(2), num.NewUint(2))
	assert.False(t, neg)

	big := num.MaxUint128()
	_, overflow := num.Zero().MulOverflow(big, big)
	assert.False(t, overflow, "2^256 > (2^128-1)^2")

	_, overflow = num.Zero().MulOverflow(num.Zero().Mul(big, big), num.NewUint(2))
	assert.True(t, overflow)
}

func TestUint128Bounds(t *testing.T) {
	max := num.MaxUint128()
	assert.True(t, max.FitsUint128())
	assert.True(t, max.IsMaxUint128())

	over := num.Zero().Add(max, num.NewUint(1))
	assert.False(t, over.FitsUint128())
	assert.False(t, num.NewUint(7).IsMaxUint128())
}

func TestUintPutBytes(t *testing.T) {
	buf := make([]byte, 16)
	num.NewUint(0x0102).PutBytes(buf)
	assert.Equal(t, byte(0x01), buf[14])
	assert.Equal(t, byte(0x02), buf[15])

	back := num.UintFromBytes(buf)
	assert.Equal(t, uint64(0x0102), back.Uint64())
}

func TestUintDivModTruncate(t *testing.T) {
	x := num.NewUint(20)
	y := num.NewUint(3)
	assert.Equal(t, uint64(6), num.Zero().Div(x, y).Uint64())
	assert.Equal(t, uint64(2), num.Zero().Mod(x, y).Uint64())
}

func TestPow10(t *testing.T) {
	e18, overflow := num.Pow10(18)
	require.False(t, overflow)
	assert.Equal(t, "1000000000000000000", e18.String())

	_, overflow = num.Pow10(80)
	assert.True(t, overflow)
}

func TestUintJSON(t *testing.T) {
	type wrapper struct {
		Amount *num.Uint `json:"amount"`
	}
	in := wrapper{Amount: num.MaxUint128()}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"340282366920938463463374607431768211455"}`, string(data))

	var out wrapper
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.Amount.EQ(in.Amount))

	assert.Error(t, json.Unmarshal([]byte(`{"amount":12}`), &out))
}
