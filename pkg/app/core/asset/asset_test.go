package asset

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/batchex/pkg/num"
)

func TestVaultTransfers(t *testing.T) {
	alice := common.HexToAddress("0xAA00000000000000000000000000000000000000")
	v := NewVault()
	v.Mint(alice, 1, num.NewUint(100))

	require.NoError(t, v.TransferIn(alice, 1, num.NewUint(60)))
	assert.Equal(t, uint64(40), v.Holding(alice, 1).Uint64())

	err := v.TransferIn(alice, 1, num.NewUint(41))
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.Equal(t, uint64(40), v.Holding(alice, 1).Uint64(), "failed transfer must not move funds")

	require.NoError(t, v.TransferOut(alice, 1, num.NewUint(10)))
	assert.Equal(t, uint64(50), v.Holding(alice, 1).Uint64())
	assert.True(t, v.Holding(alice, 2).IsZero())
}

type holdingRecorder struct {
	saved map[common.Address]*num.Uint
	fail  error
}

func (r *holdingRecorder) SaveHolding(owner common.Address, _ ID, amount *num.Uint) error {
	if r.fail != nil {
		return r.fail
	}
	r.saved[owner] = amount.Clone()
	return nil
}

func TestPersistentVault(t *testing.T) {
	alice := common.HexToAddress("0xAA00000000000000000000000000000000000000")
	store := &holdingRecorder{saved: make(map[common.Address]*num.Uint)}
	v := NewPersistentVault(store)

	require.NoError(t, v.Mint(alice, 1, num.NewUint(100)))
	require.NoError(t, v.TransferIn(alice, 1, num.NewUint(30)))
	assert.Equal(t, uint64(70), store.saved[alice].Uint64())

	store.fail = errors.New("disk full")
	assert.Error(t, v.TransferOut(alice, 1, num.NewUint(5)))
	assert.Error(t, v.Mint(alice, 1, num.NewUint(5)))
	assert.Equal(t, uint64(70), v.Holding(alice, 1).Uint64(), "unsaved change must not be visible")

	restored := NewVault()
	restored.Restore(alice, 1, store.saved[alice])
	assert.Equal(t, uint64(70), restored.Holding(alice, 1).Uint64())
}

func TestVaultMintOverflow(t *testing.T) {
	alice := common.HexToAddress("0xAA00000000000000000000000000000000000000")
	big, _ := num.Pow10(77)
	v := NewVault()
	require.NoError(t, v.Mint(alice, 1, big))
	assert.ErrorIs(t, v.Mint(alice, 1, big), ErrHoldingOverflow)
	assert.Equal(t, big.String(), v.Holding(alice, 1).String())
}
