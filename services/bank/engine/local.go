package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"miladybank/core/types"
	nativecommon "miladybank/native/common"
	"miladybank/native/lending"
	"miladybank/native/market"
	"miladybank/native/oracle"
	"miladybank/native/poolmanager"
	"miladybank/native/router"
)

// Local adapts the in-process bank, router and pool manager to the Engine
// interface. Calls are serialised with a mutex.
type Local struct {
	mu      sync.Mutex
	bank    *lending.Bank
	router  *router.Router
	manager *poolmanager.Manager
	feed    *Feed
}

var _ Engine = (*Local)(nil)

// NewLocal wires the native components together and routes their events into
// feed. A nil feed gets a default one.
func NewLocal(bank *lending.Bank, r *router.Router, manager *poolmanager.Manager, feed *Feed) *Local {
	if feed == nil {
		feed = NewFeed(DefaultFeedHistory)
	}
	bank.SetEmitter(feed)
	r.SetEmitter(feed)
	return &Local{bank: bank, router: r, manager: manager, feed: feed}
}

// Feed exposes the event feed the native components emit into.
func (l *Local) Feed() *Feed { return l.feed }

// InitializeMarket creates the pool on the manager, which in turn initialises
// the bank's market through the hook callbacks.
func (l *Local) InitializeMarket(ctx context.Context, key market.PoolKey, tick int32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id, err := l.manager.Initialize(key, tick)
	if err != nil {
		return "", translateError(err)
	}
	return id.String(), nil
}

// AddLiquidity changes in-range liquidity of a market. Negative amounts
// remove liquidity.
func (l *Local) AddLiquidity(ctx context.Context, marketID, delta string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(delta), 10)
	if !ok || value.Sign() == 0 {
		return fmt.Errorf("invalid liquidity delta: %w", ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key, err := l.resolve(marketID)
	if err != nil {
		return err
	}
	return translateError(l.manager.ModifyLiquidity(key, value))
}

// Swap moves the market to tick, writing an oracle observation on the way.
func (l *Local) Swap(ctx context.Context, marketID string, tick int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key, err := l.resolve(marketID)
	if err != nil {
		return err
	}
	return translateError(l.manager.Swap(key, tick))
}

func (l *Local) Deposit(ctx context.Context, user, marketID, amount string) error {
	return l.userCall(ctx, user, marketID, amount, func(addr common.Address, key market.PoolKey, value *big.Int) error {
		return l.router.Deposit(addr, key, value)
	})
}

func (l *Local) Withdraw(ctx context.Context, user, marketID, amount string) error {
	return l.userCall(ctx, user, marketID, amount, func(addr common.Address, key market.PoolKey, value *big.Int) error {
		return l.router.Withdraw(addr, key, value)
	})
}

func (l *Local) EmergencyWithdraw(ctx context.Context, user, marketID, amount string) error {
	return l.userCall(ctx, user, marketID, amount, func(addr common.Address, key market.PoolKey, value *big.Int) error {
		return l.router.EmergencyWithdraw(addr, key, value)
	})
}

func (l *Local) Borrow(ctx context.Context, user, marketID, amount, minAmountOut string) (string, error) {
	bound, err := parseBound(minAmountOut)
	if err != nil {
		return "", err
	}
	var out *big.Int
	err = l.userCall(ctx, user, marketID, amount, func(addr common.Address, key market.PoolKey, value *big.Int) error {
		var callErr error
		out, callErr = l.router.Borrow(addr, key, value, bound)
		return callErr
	})
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

func (l *Local) Repay(ctx context.Context, user, marketID, amount, maxAmountIn string) (string, error) {
	bound, err := parseBound(maxAmountIn)
	if err != nil {
		return "", err
	}
	var in *big.Int
	err = l.userCall(ctx, user, marketID, amount, func(addr common.Address, key market.PoolKey, value *big.Int) error {
		var callErr error
		in, callErr = l.router.Repay(addr, key, value, bound)
		return callErr
	})
	if err != nil {
		return "", err
	}
	return in.String(), nil
}

func (l *Local) DepositAndBorrow(ctx context.Context, req DepositAndBorrowRequest) (string, error) {
	deposit, err := parseAmount(req.DepositAmount)
	if err != nil {
		return "", err
	}
	minOut, err := parseBound(req.MinAmountOut)
	if err != nil {
		return "", err
	}
	maxIn, err := parseBound(req.MaxAmountIn)
	if err != nil {
		return "", err
	}
	var out *big.Int
	err = l.userCall(ctx, req.User, req.Market, req.BorrowAmount, func(addr common.Address, key market.PoolKey, borrow *big.Int) error {
		var callErr error
		out, callErr = l.router.DepositAndBorrow(addr, key, deposit, borrow, minOut, maxIn)
		return callErr
	})
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

func (l *Local) RepayAndWithdraw(ctx context.Context, req RepayAndWithdrawRequest) (string, error) {
	withdraw, err := parseAmount(req.WithdrawAmount)
	if err != nil {
		return "", err
	}
	maxIn, err := parseBound(req.MaxAmountIn)
	if err != nil {
		return "", err
	}
	minOut, err := parseBound(req.MinAmountOut)
	if err != nil {
		return "", err
	}
	var in *big.Int
	err = l.userCall(ctx, req.User, req.Market, req.RepayAmount, func(addr common.Address, key market.PoolKey, repay *big.Int) error {
		var callErr error
		in, callErr = l.router.RepayAndWithdraw(addr, key, repay, withdraw, maxIn, minOut)
		return callErr
	})
	if err != nil {
		return "", err
	}
	return in.String(), nil
}

func (l *Local) Liquidate(ctx context.Context, liquidator, user, marketID, debtAmount string) (string, error) {
	liquidatorAddr, err := parseAddress(liquidator)
	if err != nil {
		return "", err
	}
	var seized *big.Int
	err = l.userCall(ctx, user, marketID, debtAmount, func(addr common.Address, key market.PoolKey, value *big.Int) error {
		var callErr error
		seized, callErr = l.bank.Liquidate(liquidatorAddr, key, addr, value)
		return callErr
	})
	if err != nil {
		return "", err
	}
	return seized.String(), nil
}

func (l *Local) GetMarket(ctx context.Context, marketID string) (Market, error) {
	if err := ctx.Err(); err != nil {
		return Market{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key, err := l.resolve(marketID)
	if err != nil {
		return Market{}, err
	}
	return l.snapshot(key)
}

func (l *Local) ListMarkets(ctx context.Context) ([]Market, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	markets, err := l.bank.Markets()
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]Market, 0, len(markets))
	for _, m := range markets {
		snap, err := l.snapshot(m.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (l *Local) snapshot(key market.PoolKey) (Market, error) {
	state, err := l.bank.GetLendingPool(key)
	if err != nil {
		return Market{}, translateError(err)
	}
	out := Market{
		ID:            key.ID().String(),
		Currency0:     formatAddress(key.Currency0),
		Currency1:     formatAddress(key.Currency1),
		Fee:           key.Fee,
		TickSpacing:   key.TickSpacing,
		Hooks:         formatAddress(key.Hooks),
		TotalDeposits: state.TotalDeposits.String(),
		TotalBorrows:  state.TotalBorrows.String(),
		CurrentRate:   state.CurrentRate.String(),
		Utilization:   state.Utilization.String(),
	}
	if supply, err := l.bank.SupplyRate(key); err == nil {
		out.SupplyRate = supply.String()
	}
	price, err := l.bank.GetPrice(key)
	switch {
	case err == nil:
		out.Price = price.String()
	case errors.Is(err, lending.ErrStalePrice):
		out.Stale = true
	default:
		return Market{}, translateError(err)
	}
	return out, nil
}

func (l *Local) GetPosition(ctx context.Context, user, marketID string) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	addr, err := parseAddress(user)
	if err != nil {
		return Position{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key, err := l.resolve(marketID)
	if err != nil {
		return Position{}, err
	}
	view, err := l.bank.GetUserPosition(key, addr)
	if err != nil {
		return Position{}, translateError(err)
	}
	return Position{
		User:             formatAddress(addr),
		Market:           key.ID().String(),
		Deposits:         view.Deposits.String(),
		Borrows:          view.Borrows.String(),
		LastBorrowTime:   view.LastBorrowTime,
		BorrowedInWindow: view.BorrowedInWindow.String(),
	}, nil
}

func (l *Local) CheckHealth(ctx context.Context, user, marketID string) (Health, error) {
	if err := ctx.Err(); err != nil {
		return Health{}, err
	}
	addr, err := parseAddress(user)
	if err != nil {
		return Health{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key, err := l.resolve(marketID)
	if err != nil {
		return Health{}, err
	}
	hf, err := l.bank.CheckHealth(key, addr)
	if err != nil {
		return Health{}, translateError(err)
	}
	return Health{
		User:         formatAddress(addr),
		Market:       key.ID().String(),
		HealthFactor: hf.String(),
		Liquidatable: hf.Cmp(lending.HealthFactorOne) < 0,
	}, nil
}

func (l *Local) GetPrice(ctx context.Context, marketID string) (Price, error) {
	if err := ctx.Err(); err != nil {
		return Price{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key, err := l.resolve(marketID)
	if err != nil {
		return Price{}, err
	}
	out := Price{Market: key.ID().String()}
	stale, err := l.bank.IsStale(key)
	if err != nil {
		return Price{}, translateError(err)
	}
	out.Stale = stale
	if stale {
		return out, nil
	}
	price, err := l.bank.GetPrice(key)
	if err != nil {
		return Price{}, translateError(err)
	}
	out.Price = price.String()
	return out, nil
}

func (l *Local) GetParams(ctx context.Context) (Params, error) {
	if err := ctx.Err(); err != nil {
		return Params{}, err
	}
	p := l.bank.Params()
	out := Params{
		LiquidationThresholdBps: p.LiquidationThresholdBps,
		LiquidationBonusBps:     p.LiquidationBonusBps,
		MaxBorrowPerWindow:      "0",
		RateLimitWindow:         p.RateLimitWindow,
		MinHoldTime:             p.MinHoldTime,
		StalenessPeriod:         p.StalenessPeriod,
		TwapPeriod:              p.TwapPeriod,
		RouterFeeBps:            l.router.FeeBps(),
	}
	if p.MaxBorrowPerWindow != nil {
		out.MaxBorrowPerWindow = p.MaxBorrowPerWindow.String()
	}
	return out, nil
}

func (l *Local) Pause(ctx context.Context, caller, target string) error {
	return l.setPaused(ctx, caller, target, true)
}

func (l *Local) Unpause(ctx context.Context, caller, target string) error {
	return l.setPaused(ctx, caller, target, false)
}

func (l *Local) setPaused(ctx context.Context, caller, target string, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr, err := parseAddress(caller)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch strings.ToLower(strings.TrimSpace(target)) {
	case TargetBank, "":
		if paused {
			return translateError(l.bank.Pause(addr))
		}
		return translateError(l.bank.Unpause(addr))
	case TargetRouter:
		if paused {
			return translateError(l.router.Pause(addr))
		}
		return translateError(l.router.Unpause(addr))
	default:
		return fmt.Errorf("unknown pause target %q: %w", target, ErrNotFound)
	}
}

func (l *Local) Subscribe(ctx context.Context, since uint64) (<-chan types.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.feed.Subscribe(ctx, since), nil
}

// Borrowers lists users with open debt in a market.
func (l *Local) Borrowers(ctx context.Context, marketID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key, err := l.resolve(marketID)
	if err != nil {
		return nil, err
	}
	users, err := l.bank.Borrowers(key)
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = formatAddress(u)
	}
	return out, nil
}

func (l *Local) userCall(ctx context.Context, user, marketID, amount string, fn func(common.Address, market.PoolKey, *big.Int) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr, err := parseAddress(user)
	if err != nil {
		return err
	}
	value, err := parseAmount(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key, err := l.resolve(marketID)
	if err != nil {
		return err
	}
	return translateError(fn(addr, key, value))
}

func (l *Local) resolve(marketID string) (market.PoolKey, error) {
	id, err := market.ParsePoolID(marketID)
	if err != nil {
		return market.PoolKey{}, fmt.Errorf("market %q: %w", marketID, ErrNotFound)
	}
	key, err := l.bank.Market(id)
	if err != nil {
		return market.PoolKey{}, translateError(err)
	}
	return key, nil
}

func parseAddress(addr string) (common.Address, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("address required: %w", ErrInvalidAmount)
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address: %w", ErrInvalidAmount)
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(amount string) (*big.Int, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required: %w", ErrInvalidAmount)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %w", ErrInvalidAmount)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", ErrInvalidAmount)
	}
	return value, nil
}

// parseBound accepts an empty string as "no bound".
func parseBound(bound string) (*big.Int, error) {
	trimmed := strings.TrimSpace(bound)
	if trimmed == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid slippage bound: %w", ErrInvalidAmount)
	}
	return value, nil
}

func formatAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// translateError maps native errors onto the engine sentinels, keeping the
// original message.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var predates *oracle.TargetPredatesOldestObservationError
	var sentinel error
	switch {
	case errors.Is(err, lending.ErrPoolNotInitialized),
		errors.Is(err, poolmanager.ErrPoolNotFound):
		sentinel = ErrNotFound
	case errors.Is(err, nativecommon.ErrModulePaused):
		sentinel = ErrPaused
	case errors.Is(err, lending.ErrNotAuthorized),
		errors.Is(err, lending.ErrNotPoolManager),
		errors.Is(err, router.ErrNotAuthorized):
		sentinel = ErrUnauthorized
	case errors.Is(err, router.ErrSlippage):
		sentinel = ErrSlippage
	case errors.Is(err, lending.ErrStalePrice),
		errors.As(err, &predates):
		sentinel = ErrStalePrice
	case errors.Is(err, lending.ErrRateLimited),
		errors.Is(err, router.ErrRateLimited),
		errors.Is(err, lending.ErrHoldTime):
		sentinel = ErrRateLimited
	case errors.Is(err, lending.ErrInsufficientDeposits),
		errors.Is(err, lending.ErrHealthCheckFailed),
		errors.Is(err, lending.ErrUtilizationCeiling),
		errors.Is(err, lending.ErrNotLiquidatable):
		sentinel = ErrInsufficientCollateral
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, router.ErrInvalidAmount),
		errors.Is(err, lending.ErrZeroAddress),
		errors.Is(err, router.ErrZeroAddress),
		errors.Is(err, lending.ErrDebtAmountExceedsDebt),
		errors.Is(err, lending.ErrNoDebtToRepay),
		errors.Is(err, poolmanager.ErrZeroLiquidityDelta),
		errors.Is(err, poolmanager.ErrInsufficientLiquidity):
		sentinel = ErrInvalidAmount
	case errors.Is(err, lending.ErrAlreadyPaused),
		errors.Is(err, lending.ErrNotPaused),
		errors.Is(err, router.ErrAlreadyPaused),
		errors.Is(err, router.ErrNotPaused),
		errors.Is(err, lending.ErrPoolAlreadyInitialized),
		errors.Is(err, poolmanager.ErrPoolAlreadyExists):
		sentinel = ErrConflict
	default:
		sentinel = ErrInternal
	}
	return fmt.Errorf("%w: %s", sentinel, err.Error())
}
