package server

import "miladybank/services/bank/engine"

type MarketRequest struct {
	Market string `json:"market"`
}

type PositionRequest struct {
	User   string `json:"user"`
	Market string `json:"market"`
}

// AmountRequest carries a single-leg write. Bound is minAmountOut for borrows
// and maxAmountIn for repays; it is ignored elsewhere.
type AmountRequest struct {
	User   string `json:"user"`
	Market string `json:"market"`
	Amount string `json:"amount"`
	Bound  string `json:"bound,omitempty"`
}

type LiquidateRequest struct {
	Liquidator string `json:"liquidator"`
	User       string `json:"user"`
	Market     string `json:"market"`
	DebtAmount string `json:"debtAmount"`
}

type PauseRequest struct {
	Caller string `json:"caller"`
	Target string `json:"target"`
}

type SubscribeRequest struct {
	Since uint64 `json:"since"`
}

type Empty struct{}

// AmountResponse returns the quoted or seized amount of a write.
type AmountResponse struct {
	Amount string `json:"amount"`
}

type ListMarketsResponse struct {
	Markets []engine.Market `json:"markets"`
}
