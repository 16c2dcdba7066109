package chain

import (
	"bytes"
	_ "embed"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"miladybank/native/market"
)

var (
	//go:embed abi/MiladyBank.json
	bankABIJSON []byte
	//go:embed abi/MiladyBankRouter.json
	routerABIJSON []byte
)

var (
	bankABI   = mustParseABI("MiladyBank", bankABIJSON)
	routerABI = mustParseABI("MiladyBankRouter", routerABIJSON)
)

func mustParseABI(name string, raw []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: parse %s abi: %v", name, err))
	}
	return parsed
}

// poolKeyTuple is the ABI shape of the PoolKey struct argument.
type poolKeyTuple struct {
	Currency0   common.Address
	Currency1   common.Address
	Fee         *big.Int
	TickSpacing *big.Int
	Hooks       common.Address
}

func toTuple(key market.PoolKey) poolKeyTuple {
	return poolKeyTuple{
		Currency0:   key.Currency0,
		Currency1:   key.Currency1,
		Fee:         new(big.Int).SetUint64(uint64(key.Fee)),
		TickSpacing: big.NewInt(int64(key.TickSpacing)),
		Hooks:       key.Hooks,
	}
}
