package market

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// MaxFee is the largest static fee in hundredths of a bip.
	MaxFee = 1_000_000
	// DynamicFeeFlag marks pools whose fee is set by the hook.
	DynamicFeeFlag = 0x800000

	MinTickSpacing = 1
	MaxTickSpacing = 32767
)

var (
	ErrCurrenciesOutOfOrder = errors.New("market: currency0 must sort before currency1")
	ErrFeeTooLarge          = errors.New("market: fee exceeds maximum")
	ErrTickSpacingRange     = errors.New("market: tick spacing out of range")
	ErrInvalidPoolID        = errors.New("market: invalid pool id")
)

var poolKeyArguments = abi.Arguments{
	{Type: mustType("address")},
	{Type: mustType("address")},
	{Type: mustType("uint24")},
	{Type: mustType("int24")},
	{Type: mustType("address")},
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// PoolKey identifies a market: the currency pair, the fee tier, the tick
// spacing and the hook contract that owns lending state for the pool.
type PoolKey struct {
	Currency0   common.Address `json:"currency0"`
	Currency1   common.Address `json:"currency1"`
	Fee         uint32         `json:"fee"`
	TickSpacing int32          `json:"tickSpacing"`
	Hooks       common.Address `json:"hooks"`
}

// Validate checks the structural rules a pool manager enforces on keys.
func (k PoolKey) Validate() error {
	if bytes.Compare(k.Currency0.Bytes(), k.Currency1.Bytes()) >= 0 {
		return ErrCurrenciesOutOfOrder
	}
	if k.Fee != DynamicFeeFlag && k.Fee > MaxFee {
		return ErrFeeTooLarge
	}
	if k.TickSpacing < MinTickSpacing || k.TickSpacing > MaxTickSpacing {
		return ErrTickSpacingRange
	}
	return nil
}

// Encode returns abi.encode(currency0, currency1, fee, tickSpacing, hooks).
func (k PoolKey) Encode() ([]byte, error) {
	return poolKeyArguments.Pack(
		k.Currency0,
		k.Currency1,
		new(big.Int).SetUint64(uint64(k.Fee)),
		big.NewInt(int64(k.TickSpacing)),
		k.Hooks,
	)
}

// ID derives the deterministic market identifier. Keys with identical fields
// always map to the same ID.
func (k PoolKey) ID() PoolID {
	encoded, err := k.Encode()
	if err != nil {
		// Only out-of-range fee or tick spacing values fail to pack; hash the
		// raw fields so callers still get a stable, distinct identifier.
		encoded = []byte(fmt.Sprintf("%s/%s/%d/%d/%s", k.Currency0.Hex(), k.Currency1.Hex(), k.Fee, k.TickSpacing, k.Hooks.Hex()))
	}
	return PoolID(crypto.Keccak256Hash(encoded))
}

// PoolID is the keccak256 hash of an encoded PoolKey.
type PoolID [32]byte

// String returns the 0x-prefixed hex encoding.
func (id PoolID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id PoolID) IsZero() bool {
	return id == PoolID{}
}

// MarshalJSON encodes the identifier as a hex string.
func (id PoolID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON accepts a 0x-prefixed or bare 64-character hex string.
func (id *PoolID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParsePoolID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParsePoolID decodes a hex pool identifier.
func ParsePoolID(s string) (PoolID, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(trimmed) != 64 {
		return PoolID{}, fmt.Errorf("%w: expected 64 hex characters, got %d", ErrInvalidPoolID, len(trimmed))
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return PoolID{}, fmt.Errorf("%w: %v", ErrInvalidPoolID, err)
	}
	var id PoolID
	copy(id[:], raw)
	return id, nil
}
