package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"miladybank/core/types"
)

const (
	TypeRouterDeposited = "router.deposited"
	TypeRouterWithdrawn = "router.withdrawn"
	TypeRouterBorrowed  = "router.borrowed"
	TypeRouterRepaid    = "router.repaid"
)

// RouterTransfer describes Deposited/Withdrawn/Borrowed/Repaid. Quoted holds
// amountOut for borrows and amountIn for repays and is nil otherwise.
type RouterTransfer struct {
	Kind   string
	User   common.Address
	Token  common.Address
	PoolID [32]byte
	Amount *big.Int
	Quoted *big.Int
}

func (e RouterTransfer) EventType() string { return e.Kind }

func (e RouterTransfer) Event() *types.Event {
	attrs := map[string]string{
		"user":   formatAddress(e.User),
		"token":  formatAddress(e.Token),
		"poolId": formatPoolID(e.PoolID),
		"amount": formatAmount(e.Amount),
	}
	switch e.Kind {
	case TypeRouterBorrowed:
		attrs["amountOut"] = formatAmount(e.Quoted)
	case TypeRouterRepaid:
		attrs["amountIn"] = formatAmount(e.Quoted)
	}
	return &types.Event{Type: e.Kind, Attributes: attrs}
}
