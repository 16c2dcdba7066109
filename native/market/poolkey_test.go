package market

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleKey() PoolKey {
	return PoolKey{
		Currency0:   common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Currency1:   common.HexToAddress("0x0000000000000000000000000000000000000002"),
		Fee:         3000,
		TickSpacing: 60,
		Hooks:       common.HexToAddress("0x00000000000000000000000000000000000000ff"),
	}
}

func word(b []byte) []byte {
	return common.LeftPadBytes(b, 32)
}

func TestPoolKeyID(t *testing.T) {
	t.Run("matches manual abi encoding", func(t *testing.T) {
		key := sampleKey()
		var manual []byte
		manual = append(manual, word(key.Currency0.Bytes())...)
		manual = append(manual, word(key.Currency1.Bytes())...)
		manual = append(manual, word(big.NewInt(3000).Bytes())...)
		manual = append(manual, word(big.NewInt(60).Bytes())...)
		manual = append(manual, word(key.Hooks.Bytes())...)

		encoded, err := key.Encode()
		require.NoError(t, err)
		assert.Equal(t, manual, encoded)
		assert.Equal(t, PoolID(crypto.Keccak256Hash(manual)), key.ID())
	})

	t.Run("identical fields give identical ids", func(t *testing.T) {
		assert.Equal(t, sampleKey().ID(), sampleKey().ID())
	})

	t.Run("any field change gives a different id", func(t *testing.T) {
		base := sampleKey().ID()
		changed := sampleKey()
		changed.Fee = 500
		assert.NotEqual(t, base, changed.ID())

		changed = sampleKey()
		changed.Hooks = common.HexToAddress("0x01")
		assert.NotEqual(t, base, changed.ID())
	})
}

func TestPoolKeyValidate(t *testing.T) {
	require.NoError(t, sampleKey().Validate())

	unsorted := sampleKey()
	unsorted.Currency0, unsorted.Currency1 = unsorted.Currency1, unsorted.Currency0
	assert.True(t, errors.Is(unsorted.Validate(), ErrCurrenciesOutOfOrder))

	fee := sampleKey()
	fee.Fee = MaxFee + 1
	assert.True(t, errors.Is(fee.Validate(), ErrFeeTooLarge))

	dynamic := sampleKey()
	dynamic.Fee = DynamicFeeFlag
	assert.NoError(t, dynamic.Validate())

	spacing := sampleKey()
	spacing.TickSpacing = 0
	assert.True(t, errors.Is(spacing.Validate(), ErrTickSpacingRange))
}

func TestPoolIDJSON(t *testing.T) {
	id := sampleKey().ID()
	raw, err := json.Marshal(id)
	require.NoError(t, err)

	var decoded PoolID
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, id, decoded)

	_, err = ParsePoolID("0x1234")
	assert.True(t, errors.Is(err, ErrInvalidPoolID))

	bare, err := ParsePoolID(id.String()[2:])
	require.NoError(t, err)
	assert.Equal(t, id, bare)
}
