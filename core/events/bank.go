package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"miladybank/core/types"
)

const (
	TypeBankDeposit              = "bank.deposit"
	TypeBankWithdraw             = "bank.withdraw"
	TypeBankBorrow               = "bank.borrow"
	TypeBankRepay                = "bank.repay"
	TypeBankLiquidation          = "bank.liquidation"
	TypeBankPaused               = "bank.paused"
	TypeBankUnpaused             = "bank.unpaused"
	TypeBankOwnershipTransferred = "bank.ownership_transferred"
	TypeBankRouterUpdated        = "bank.router_updated"
)

// PositionChange covers the four position events that share the
// (user, poolId, amount) shape.
type PositionChange struct {
	Kind   string
	User   common.Address
	PoolID [32]byte
	Amount *big.Int
}

func (e PositionChange) EventType() string { return e.Kind }

func (e PositionChange) Event() *types.Event {
	return &types.Event{
		Type: e.Kind,
		Attributes: map[string]string{
			"user":   formatAddress(e.User),
			"poolId": formatPoolID(e.PoolID),
			"amount": formatAmount(e.Amount),
		},
	}
}

type Liquidation struct {
	Liquidator           common.Address
	User                 common.Address
	PoolID               [32]byte
	DebtAmount           *big.Int
	CollateralLiquidated *big.Int
}

func (Liquidation) EventType() string { return TypeBankLiquidation }

func (e Liquidation) Event() *types.Event {
	return &types.Event{
		Type: TypeBankLiquidation,
		Attributes: map[string]string{
			"liquidator":           formatAddress(e.Liquidator),
			"user":                 formatAddress(e.User),
			"poolId":               formatPoolID(e.PoolID),
			"debtAmount":           formatAmount(e.DebtAmount),
			"collateralLiquidated": formatAmount(e.CollateralLiquidated),
		},
	}
}

// Event sources for PauseChanged and OwnershipTransferred.
const (
	SourceBank   = "bank"
	SourceRouter = "router"
)

// PauseChanged is emitted by both the bank and the router; Source names the
// emitting component.
type PauseChanged struct {
	Source  string
	Account common.Address
	Paused  bool
}

func (e PauseChanged) EventType() string {
	if e.Paused {
		return e.Source + ".paused"
	}
	return e.Source + ".unpaused"
}

func (e PauseChanged) Event() *types.Event {
	return &types.Event{
		Type: e.EventType(),
		Attributes: map[string]string{
			"account": formatAddress(e.Account),
		},
	}
}

type OwnershipTransferred struct {
	Source   string
	Previous common.Address
	NewOwner common.Address
}

func (e OwnershipTransferred) EventType() string { return e.Source + ".ownership_transferred" }

func (e OwnershipTransferred) Event() *types.Event {
	return &types.Event{
		Type: e.EventType(),
		Attributes: map[string]string{
			"user":     formatAddress(e.Previous),
			"newOwner": formatAddress(e.NewOwner),
		},
	}
}

type RouterUpdated struct {
	Previous common.Address
	Router   common.Address
}

func (RouterUpdated) EventType() string { return TypeBankRouterUpdated }

func (e RouterUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeBankRouterUpdated,
		Attributes: map[string]string{
			"previous": formatAddress(e.Previous),
			"router":   formatAddress(e.Router),
		},
	}
}
