package lending

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"miladybank/core/events"
	nativecommon "miladybank/native/common"
	"miladybank/native/market"
)

const moduleName = nativecommon.ModuleBank

// PoolManager is the read surface of the pool manager the bank hooks into.
type PoolManager interface {
	Address() common.Address
	Slot0(id market.PoolID) (tick int32, err error)
	Liquidity(id market.PoolID) (*uint256.Int, error)
}

// Bank owns the collateral and debt ledger of every market that routes its
// hook callbacks to it. Bank is not safe for concurrent use; callers
// serialise access.
type Bank struct {
	self     common.Address
	deployer common.Address
	state    engineState
	manager  PoolManager
	params   Params
	interest *InterestModel
	emitter  events.Emitter
	pauses   nativecommon.PauseView
	now      func() time.Time
	inAtomic bool
}

// NewBank constructs a bank deployed at self. deployer becomes the owner the
// first time admin state is read from an empty store.
func NewBank(self, deployer common.Address, params Params) *Bank {
	return &Bank{
		self:     self,
		deployer: deployer,
		params:   params.Clone(),
		interest: DefaultInterestModel.Clone(),
		emitter:  events.NoopEmitter{},
		now:      time.Now,
	}
}

// SetState wires the bank to the persistence layer.
func (e *Bank) SetState(state engineState) { e.state = state }

// SetPoolManager wires the pool manager used for hook authentication and
// slot reads.
func (e *Bank) SetPoolManager(pm PoolManager) {
	if e == nil {
		return
	}
	e.manager = pm
}

// SetInterestModel configures the interest rate curve.
func (e *Bank) SetInterestModel(model *InterestModel) {
	if e == nil {
		return
	}
	e.interest = model.Clone()
}

// SetEmitter configures where events are delivered.
func (e *Bank) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetPauses adds an external pause switch on top of the owner pause.
func (e *Bank) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetClock overrides the time source.
func (e *Bank) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// Address returns the hook address of the bank.
func (e *Bank) Address() common.Address { return e.self }

// Params returns a copy of the active parameters.
func (e *Bank) Params() Params { return e.params.Clone() }

// IsPaused implements nativecommon.PauseView.
func (e *Bank) IsPaused(module string) bool {
	if e.pauses != nil && e.pauses.IsPaused(module) {
		return true
	}
	if module != moduleName {
		return false
	}
	admin, err := e.loadAdmin()
	return err == nil && admin.Paused
}

func (e *Bank) timestamp() uint64 {
	return uint64(e.now().Unix())
}

func (e *Bank) emit(evt events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}

// Atomic runs fn against a write buffer. State changes and events produced
// inside fn are applied only when fn returns nil.
func (e *Bank) Atomic(fn func() error) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.inAtomic {
		return fn()
	}
	base, emitter := e.state, e.emitter
	buffer := newOverlay(base)
	recorder := &events.Recorder{}
	e.state, e.emitter, e.inAtomic = buffer, recorder, true
	defer func() {
		e.state, e.emitter, e.inAtomic = base, emitter, false
	}()

	if err := fn(); err != nil {
		return err
	}
	if err := buffer.commit(); err != nil {
		return fmt.Errorf("bank: commit: %w", err)
	}
	for _, evt := range recorder.Events() {
		emitter.Emit(evt)
	}
	return nil
}

// Deposit adds amount of currency0 collateral for sender.
func (e *Bank) Deposit(sender common.Address, key market.PoolKey, amount *big.Int) error {
	return e.deposit(sender, key, amount)
}

// DepositFor credits user on behalf of the router.
func (e *Bank) DepositFor(sender common.Address, key market.PoolKey, user common.Address, amount *big.Int) error {
	if err := e.onlyRouter(sender); err != nil {
		return err
	}
	return e.deposit(user, key, amount)
}

func (e *Bank) deposit(user common.Address, key market.PoolKey, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := nativecommon.Guard(e, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	id, pool, err := e.ensurePool(key)
	if err != nil {
		return err
	}
	now := e.timestamp()
	e.accrueInterest(pool, now)
	e.refreshRate(key, id, pool)

	pos, err := e.ensurePosition(id, user)
	if err != nil {
		return err
	}
	pos.Deposits = new(big.Int).Add(pos.Deposits, amount)
	pool.TotalDeposits = new(big.Int).Add(pool.TotalDeposits, amount)
	e.refreshRate(key, id, pool)

	if err := e.state.PutPosition(id, pos); err != nil {
		return err
	}
	if err := e.state.PutPool(id, pool); err != nil {
		return err
	}
	e.emit(events.PositionChange{Kind: events.TypeBankDeposit, User: user, PoolID: id, Amount: new(big.Int).Set(amount)})
	return nil
}

// Withdraw releases amount of sender's collateral. The withdrawal must keep
// the health factor at or above one and respect the hold time after a
// borrow.
func (e *Bank) Withdraw(sender common.Address, key market.PoolKey, amount *big.Int) error {
	return e.withdraw(sender, key, amount, true)
}

// WithdrawFor releases collateral on behalf of the router. enforceHold is
// false for emergency withdrawals.
func (e *Bank) WithdrawFor(sender common.Address, key market.PoolKey, user common.Address, amount *big.Int, enforceHold bool) error {
	if err := e.onlyRouter(sender); err != nil {
		return err
	}
	return e.withdraw(user, key, amount, enforceHold)
}

func (e *Bank) withdraw(user common.Address, key market.PoolKey, amount *big.Int, enforceHold bool) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := nativecommon.Guard(e, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	id, pool, err := e.ensurePool(key)
	if err != nil {
		return err
	}
	now := e.timestamp()
	e.accrueInterest(pool, now)
	e.refreshRate(key, id, pool)

	pos, err := e.ensurePosition(id, user)
	if err != nil {
		return err
	}
	if pos.Deposits.Cmp(amount) < 0 {
		return ErrInsufficientDeposits
	}
	if enforceHold {
		usage := nativecommon.WindowUsage{LastBorrowTime: pos.LastBorrowTime, BorrowedInWindow: pos.BorrowedInWindow}
		if err := nativecommon.CheckHold(e.params.MinHoldTime, now, usage); err != nil {
			return fmt.Errorf("%w: %w", ErrHoldTime, err)
		}
	}

	remaining := new(big.Int).Sub(pos.Deposits, amount)
	remainingTotal := new(big.Int).Sub(pool.TotalDeposits, amount)
	if remainingTotal.Sign() < 0 {
		remainingTotal = big.NewInt(0)
	}

	debt := debtFromScaled(pos.ScaledBorrows, pool.BorrowIndex)
	var price *big.Int
	if debt.Sign() > 0 {
		price, err = e.freshPrice(key, id, pool)
		if err != nil {
			return err
		}
		if healthFactor(remaining, debt, price, e.params.LiquidationThresholdBps).Cmp(HealthFactorOne) < 0 {
			return ErrHealthCheckFailed
		}
	} else if pool.TotalBorrows.Sign() > 0 {
		price = pool.LastPrice
	}
	if price != nil && !e.withinCeiling(pool.TotalBorrows, remainingTotal, price) {
		return ErrUtilizationCeiling
	}

	pos.Deposits = remaining
	pool.TotalDeposits = remainingTotal
	e.refreshRate(key, id, pool)

	if err := e.state.PutPosition(id, pos); err != nil {
		return err
	}
	if err := e.state.PutPool(id, pool); err != nil {
		return err
	}
	e.emit(events.PositionChange{Kind: events.TypeBankWithdraw, User: user, PoolID: id, Amount: new(big.Int).Set(amount)})
	return nil
}

// Borrow opens amount of currency1 debt for user. Only the router may call it.
func (e *Bank) Borrow(sender common.Address, key market.PoolKey, user common.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.onlyRouter(sender); err != nil {
		return err
	}
	if err := nativecommon.Guard(e, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	id, pool, err := e.ensurePool(key)
	if err != nil {
		return err
	}
	now := e.timestamp()
	e.accrueInterest(pool, now)
	e.refreshRate(key, id, pool)

	price, err := e.freshPrice(key, id, pool)
	if err != nil {
		return err
	}

	pos, err := e.ensurePosition(id, user)
	if err != nil {
		return err
	}
	usage, err := nativecommon.CheckWindow(e.borrowWindow(), now, nativecommon.WindowUsage{
		LastBorrowTime:   pos.LastBorrowTime,
		BorrowedInWindow: pos.BorrowedInWindow,
	}, amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}

	newTotal := new(big.Int).Add(pool.TotalBorrows, amount)
	if !e.withinCeiling(newTotal, pool.TotalDeposits, price) {
		return ErrUtilizationCeiling
	}

	scaled := new(big.Int).Add(pos.ScaledBorrows, scaledDebtFromAmount(amount, pool.BorrowIndex))
	debt := debtFromScaled(scaled, pool.BorrowIndex)
	if healthFactor(pos.Deposits, debt, price, e.params.LiquidationThresholdBps).Cmp(HealthFactorOne) < 0 {
		return ErrHealthCheckFailed
	}

	pos.ScaledBorrows = scaled
	pos.LastBorrowTime = usage.LastBorrowTime
	pos.BorrowedInWindow = usage.BorrowedInWindow
	pool.TotalBorrows = newTotal
	e.refreshRate(key, id, pool)

	if err := e.state.PutPosition(id, pos); err != nil {
		return err
	}
	if err := e.state.PutPool(id, pool); err != nil {
		return err
	}
	e.emit(events.PositionChange{Kind: events.TypeBankBorrow, User: user, PoolID: id, Amount: new(big.Int).Set(amount)})
	return nil
}

// Repay reduces user's debt by up to amount and returns the amount applied.
// Only the router may call it.
func (e *Bank) Repay(sender common.Address, key market.PoolKey, user common.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := e.onlyRouter(sender); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	id, pool, err := e.ensurePool(key)
	if err != nil {
		return nil, err
	}
	now := e.timestamp()
	e.accrueInterest(pool, now)
	e.refreshRate(key, id, pool)

	pos, err := e.ensurePosition(id, user)
	if err != nil {
		return nil, err
	}
	debt := debtFromScaled(pos.ScaledBorrows, pool.BorrowIndex)
	if debt.Sign() == 0 {
		return nil, ErrNoDebtToRepay
	}
	applied := minInt(amount, debt)
	e.reduceDebt(pool, pos, applied, debt)
	e.refreshRate(key, id, pool)

	if err := e.state.PutPosition(id, pos); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(id, pool); err != nil {
		return nil, err
	}
	e.emit(events.PositionChange{Kind: events.TypeBankRepay, User: user, PoolID: id, Amount: new(big.Int).Set(applied)})
	return applied, nil
}

// Liquidate repays debtAmount of an under-water user's debt and seizes
// collateral worth debtAmount plus the liquidation bonus. The seized amount is
// capped at the user's deposits and returned.
func (e *Bank) Liquidate(sender common.Address, key market.PoolKey, user common.Address, debtAmount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e, moduleName); err != nil {
		return nil, err
	}
	if debtAmount == nil || debtAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	id, pool, err := e.ensurePool(key)
	if err != nil {
		return nil, err
	}
	now := e.timestamp()
	e.accrueInterest(pool, now)
	e.refreshRate(key, id, pool)

	price, err := e.freshPrice(key, id, pool)
	if err != nil {
		return nil, err
	}

	pos, err := e.ensurePosition(id, user)
	if err != nil {
		return nil, err
	}
	debt := debtFromScaled(pos.ScaledBorrows, pool.BorrowIndex)
	if debt.Sign() == 0 {
		return nil, ErrNoDebtToRepay
	}
	if healthFactor(pos.Deposits, debt, price, e.params.LiquidationThresholdBps).Cmp(HealthFactorOne) >= 0 {
		return nil, ErrNotLiquidatable
	}
	if debtAmount.Cmp(debt) > 0 {
		return nil, ErrDebtAmountExceedsDebt
	}

	seized := new(big.Int).Mul(debtAmount, wad)
	seized.Quo(seized, price)
	seized = bps(seized, 10_000+e.params.LiquidationBonusBps)
	if seized.Cmp(pos.Deposits) > 0 {
		seized = new(big.Int).Set(pos.Deposits)
	}

	e.reduceDebt(pool, pos, debtAmount, debt)
	pos.Deposits = new(big.Int).Sub(pos.Deposits, seized)
	pool.TotalDeposits = new(big.Int).Sub(pool.TotalDeposits, seized)
	if pool.TotalDeposits.Sign() < 0 {
		pool.TotalDeposits = big.NewInt(0)
	}
	e.refreshRate(key, id, pool)

	if err := e.state.PutPosition(id, pos); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(id, pool); err != nil {
		return nil, err
	}
	e.emit(events.Liquidation{
		Liquidator:           sender,
		User:                 user,
		PoolID:               id,
		DebtAmount:           new(big.Int).Set(debtAmount),
		CollateralLiquidated: new(big.Int).Set(seized),
	})
	return seized, nil
}

func (e *Bank) reduceDebt(pool *LendingPool, pos *UserPosition, amount, debt *big.Int) {
	if amount.Cmp(debt) >= 0 {
		pos.ScaledBorrows = big.NewInt(0)
	} else {
		scaled := new(big.Int).Sub(pos.ScaledBorrows, scaledDebtFromAmount(amount, pool.BorrowIndex))
		if scaled.Sign() < 0 {
			scaled = big.NewInt(0)
		}
		pos.ScaledBorrows = scaled
	}
	pool.TotalBorrows = new(big.Int).Sub(pool.TotalBorrows, amount)
	if pool.TotalBorrows.Sign() < 0 {
		pool.TotalBorrows = big.NewInt(0)
	}
}

func (e *Bank) onlyRouter(sender common.Address) error {
	admin, err := e.loadAdmin()
	if err != nil {
		return err
	}
	if admin.Router == (common.Address{}) || sender != admin.Router {
		return ErrNotAuthorized
	}
	return nil
}

func (e *Bank) borrowWindow() nativecommon.Window {
	return nativecommon.Window{
		MaxPerWindow:  e.params.MaxBorrowPerWindow,
		WindowSeconds: e.params.RateLimitWindow,
	}
}

func (e *Bank) ensurePool(key market.PoolKey) (market.PoolID, *LendingPool, error) {
	id := key.ID()
	pool, err := e.state.GetPool(id)
	if err != nil {
		return id, nil, err
	}
	if pool == nil {
		return id, nil, ErrPoolNotInitialized
	}
	normalizePool(pool)
	return id, pool, nil
}

func normalizePool(pool *LendingPool) {
	if pool.TotalDeposits == nil {
		pool.TotalDeposits = big.NewInt(0)
	}
	if pool.TotalBorrows == nil {
		pool.TotalBorrows = big.NewInt(0)
	}
	if pool.LastInterestRate == nil {
		pool.LastInterestRate = big.NewInt(0)
	}
	if pool.BorrowIndex == nil || pool.BorrowIndex.Sign() == 0 {
		pool.BorrowIndex = new(big.Int).Set(ray)
	}
}

func (e *Bank) ensurePosition(id market.PoolID, user common.Address) (*UserPosition, error) {
	pos, err := e.state.GetPosition(id, user)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &UserPosition{User: user}
	}
	if pos.Deposits == nil {
		pos.Deposits = big.NewInt(0)
	}
	if pos.ScaledBorrows == nil {
		pos.ScaledBorrows = big.NewInt(0)
	}
	if pos.BorrowedInWindow == nil {
		pos.BorrowedInWindow = big.NewInt(0)
	}
	return pos, nil
}

// accrueInterest grows the borrow index and total borrows by the stored rate
// over the time elapsed since the last update.
func (e *Bank) accrueInterest(pool *LendingPool, now uint64) {
	if now <= pool.LastUpdateTimestamp {
		return
	}
	delta := now - pool.LastUpdateTimestamp
	pool.LastUpdateTimestamp = now
	if pool.TotalBorrows.Sign() == 0 || pool.LastInterestRate.Sign() == 0 {
		return
	}
	factor := rateFactor(pool.LastInterestRate, delta)
	pool.BorrowIndex = rayMul(pool.BorrowIndex, factor)
	pool.TotalBorrows = rayMul(pool.TotalBorrows, factor)
}

// refreshRate recomputes the stored rate from current utilisation. It uses the
// fresh TWAP when available and the cached price otherwise.
func (e *Bank) refreshRate(key market.PoolKey, id market.PoolID, pool *LendingPool) {
	if price, err := e.priceFor(key, id); err == nil {
		pool.LastPrice = price
	}
	util := Utilisation(pool.TotalBorrows, valueOf(pool.TotalDeposits, pool.LastPrice))
	pool.LastInterestRate = ratToRay(e.interest.BorrowRate(util))
}

func (e *Bank) freshPrice(key market.PoolKey, id market.PoolID, pool *LendingPool) (*big.Int, error) {
	price, err := e.priceFor(key, id)
	if err != nil {
		return nil, err
	}
	pool.LastPrice = new(big.Int).Set(price)
	return price, nil
}

func (e *Bank) withinCeiling(totalBorrows, totalDeposits, price *big.Int) bool {
	if totalBorrows.Sign() == 0 {
		return true
	}
	limit := bps(valueOf(totalDeposits, price), e.params.MaxUtilizationBps)
	return totalBorrows.Cmp(limit) <= 0
}

// healthFactor returns collateral value scaled by the liquidation threshold
// over debt in 1e18 precision.
func healthFactor(deposits, debt, price *big.Int, thresholdBps uint64) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}
	collateral := bps(valueOf(deposits, price), thresholdBps)
	hf := new(big.Int).Mul(collateral, wad)
	return hf.Quo(hf, debt)
}

func (e *Bank) loadAdmin() (*AdminState, error) {
	if e.state == nil {
		return nil, ErrNilState
	}
	admin, err := e.state.GetAdmin()
	if err != nil {
		return nil, err
	}
	if admin == nil {
		admin = &AdminState{Owner: e.deployer}
	}
	return admin, nil
}
