package engine

import (
	"context"

	"miladybank/core/types"
)

// Engine describes the operations required by the bank gateway and gRPC
// surface. Amounts and addresses travel as strings; markets are identified by
// their hex pool id.
type Engine interface {
	Deposit(ctx context.Context, user, market, amount string) error
	Withdraw(ctx context.Context, user, market, amount string) error
	Borrow(ctx context.Context, user, market, amount, minAmountOut string) (string, error)
	Repay(ctx context.Context, user, market, amount, maxAmountIn string) (string, error)
	DepositAndBorrow(ctx context.Context, req DepositAndBorrowRequest) (string, error)
	RepayAndWithdraw(ctx context.Context, req RepayAndWithdrawRequest) (string, error)
	EmergencyWithdraw(ctx context.Context, user, market, amount string) error
	Liquidate(ctx context.Context, liquidator, user, market, debtAmount string) (string, error)

	GetMarket(ctx context.Context, market string) (Market, error)
	ListMarkets(ctx context.Context) ([]Market, error)
	GetPosition(ctx context.Context, user, market string) (Position, error)
	CheckHealth(ctx context.Context, user, market string) (Health, error)
	GetPrice(ctx context.Context, market string) (Price, error)
	GetParams(ctx context.Context) (Params, error)

	Pause(ctx context.Context, caller, target string) error
	Unpause(ctx context.Context, caller, target string) error

	// Subscribe streams events until ctx is cancelled. Events with a
	// sequence above since are replayed first when still buffered.
	Subscribe(ctx context.Context, since uint64) (<-chan types.Event, error)
}

// Pause targets.
const (
	TargetBank   = "bank"
	TargetRouter = "router"
)

// DepositAndBorrowRequest carries the router's composite deposit leg and
// borrow leg. Empty bounds are not enforced.
type DepositAndBorrowRequest struct {
	User          string `json:"user"`
	Market        string `json:"market"`
	DepositAmount string `json:"depositAmount"`
	BorrowAmount  string `json:"borrowAmount"`
	MinAmountOut  string `json:"minAmountOut,omitempty"`
	MaxAmountIn   string `json:"maxAmountIn,omitempty"`
}

// RepayAndWithdrawRequest carries the router's composite repay leg and
// withdraw leg. Empty bounds are not enforced.
type RepayAndWithdrawRequest struct {
	User           string `json:"user"`
	Market         string `json:"market"`
	RepayAmount    string `json:"repayAmount"`
	WithdrawAmount string `json:"withdrawAmount"`
	MaxAmountIn    string `json:"maxAmountIn,omitempty"`
	MinAmountOut   string `json:"minAmountOut,omitempty"`
}

// Market is a pool key joined with its current lending state. Rates and
// utilization are ray (1e27) fixed point; Price is 1e18 fixed point and empty
// while the oracle is stale.
type Market struct {
	ID            string `json:"id"`
	Currency0     string `json:"currency0"`
	Currency1     string `json:"currency1"`
	Fee           uint32 `json:"fee"`
	TickSpacing   int32  `json:"tickSpacing"`
	Hooks         string `json:"hooks"`
	TotalDeposits string `json:"totalDeposits"`
	TotalBorrows  string `json:"totalBorrows"`
	CurrentRate   string `json:"currentRate"`
	Utilization   string `json:"utilization"`
	SupplyRate    string `json:"supplyRate,omitempty"`
	Price         string `json:"price,omitempty"`
	Stale         bool   `json:"stale"`
}

// Position mirrors getUserPosition.
type Position struct {
	User             string `json:"user"`
	Market           string `json:"market"`
	Deposits         string `json:"deposits"`
	Borrows          string `json:"borrows"`
	LastBorrowTime   uint64 `json:"lastBorrowTime"`
	BorrowedInWindow string `json:"borrowedInWindow"`
}

// Health reports a 1e18 fixed point health factor.
type Health struct {
	User         string `json:"user"`
	Market       string `json:"market"`
	HealthFactor string `json:"healthFactor"`
	Liquidatable bool   `json:"liquidatable"`
}

// Price is the oracle view of a market.
type Price struct {
	Market string `json:"market"`
	Price  string `json:"price,omitempty"`
	Stale  bool   `json:"stale"`
}

// Params lists the protocol constants.
type Params struct {
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	LiquidationBonusBps     uint64 `json:"liquidationBonusBps"`
	MaxBorrowPerWindow      string `json:"maxBorrowPerWindow"`
	RateLimitWindow         uint64 `json:"rateLimitWindow"`
	MinHoldTime             uint64 `json:"minHoldTime"`
	StalenessPeriod         uint32 `json:"stalenessPeriod"`
	TwapPeriod              uint32 `json:"twapPeriod"`
	RouterFeeBps            uint64 `json:"routerFeeBps"`
}
