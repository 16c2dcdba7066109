package events

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func formatPoolID(id [32]byte) string {
	return common.Hash(id).Hex()
}

func uintToString(v uint64) string {
	return strconv.FormatUint(v, 10)
}
