package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"miladybank/core/events"
	nativecommon "miladybank/native/common"
	"miladybank/native/market"
	"miladybank/storage"
)

const moduleName = nativecommon.ModuleRouter

var (
	ErrSlippage       = errors.New("router: slippage bound exceeded")
	ErrRateLimited    = errors.New("router: borrow rate limit exceeded")
	ErrInvalidAmount  = errors.New("router: amount must be positive")
	ErrNotAuthorized  = errors.New("router: caller not authorized")
	ErrZeroAddress    = errors.New("router: zero address")
	ErrAlreadyPaused  = errors.New("router: already paused")
	ErrNotPaused      = errors.New("router: not paused")
	ErrNilBank        = errors.New("router: bank not configured")
	ErrFeeOutOfBounds = errors.New("router: fee must be below 10000 bps")
)

// Bank is the subset of the lending bank the router drives.
type Bank interface {
	Atomic(fn func() error) error
	DepositFor(sender common.Address, key market.PoolKey, user common.Address, amount *big.Int) error
	WithdrawFor(sender common.Address, key market.PoolKey, user common.Address, amount *big.Int, enforceHold bool) error
	Borrow(sender common.Address, key market.PoolKey, user common.Address, amount *big.Int) error
	Repay(sender common.Address, key market.PoolKey, user common.Address, amount *big.Int) (*big.Int, error)
}

// Config holds the router's economic knobs.
type Config struct {
	// FeeBps is withheld from borrows and added to repayments.
	FeeBps uint64
	// Window bounds how much a user may borrow through the router across all
	// markets.
	Window nativecommon.Window
}

// Router composes bank calls into user-facing operations with slippage
// bounds. Router is not safe for concurrent use.
type Router struct {
	self     common.Address
	deployer common.Address
	bank     Bank
	db       storage.Database
	cfg      Config
	emitter  events.Emitter
	pauses   nativecommon.PauseView
	now      func() time.Time
}

// New constructs a router deployed at self. The router must be registered on
// the bank with SetRouter before borrows succeed.
func New(self, deployer common.Address, bank Bank, db storage.Database, cfg Config) (*Router, error) {
	if cfg.FeeBps >= 10_000 {
		return nil, ErrFeeOutOfBounds
	}
	if db == nil {
		db = storage.NewMemDB()
	}
	cfg.Window.MaxPerWindow = cloneInt(cfg.Window.MaxPerWindow)
	return &Router{
		self:     self,
		deployer: deployer,
		bank:     bank,
		db:       db,
		cfg:      cfg,
		emitter:  events.NoopEmitter{},
		now:      time.Now,
	}, nil
}

// SetEmitter configures where router events are delivered.
func (r *Router) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.emitter = emitter
}

// SetPauses adds an external pause switch on top of the owner pause.
func (r *Router) SetPauses(p nativecommon.PauseView) { r.pauses = p }

// SetClock overrides the time source.
func (r *Router) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Address returns the router address registered on the bank.
func (r *Router) Address() common.Address { return r.self }

// FeeBps returns the configured fee.
func (r *Router) FeeBps() uint64 { return r.cfg.FeeBps }

// IsPaused implements nativecommon.PauseView.
func (r *Router) IsPaused(module string) bool {
	if r.pauses != nil && r.pauses.IsPaused(module) {
		return true
	}
	if module != moduleName {
		return false
	}
	admin, err := r.loadAdmin()
	return err == nil && admin.Paused
}

func (r *Router) timestamp() uint64 { return uint64(r.now().Unix()) }

// QuoteBorrow returns what the user receives for borrowing amount.
func (r *Router) QuoteBorrow(amount *big.Int) *big.Int {
	fee := r.fee(amount)
	return fee.Sub(amount, fee)
}

// QuoteRepay returns what the user pays to repay amount.
func (r *Router) QuoteRepay(amount *big.Int) *big.Int {
	fee := r.fee(amount)
	return fee.Add(amount, fee)
}

func (r *Router) fee(amount *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(r.cfg.FeeBps))
	return out.Quo(out, big.NewInt(10_000))
}

func (r *Router) ready(amounts ...*big.Int) error {
	if r.bank == nil {
		return ErrNilBank
	}
	if err := nativecommon.Guard(r, moduleName); err != nil {
		return err
	}
	for _, amount := range amounts {
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
	}
	return nil
}

// Deposit adds collateral for user.
func (r *Router) Deposit(user common.Address, key market.PoolKey, amount *big.Int) error {
	if err := r.ready(amount); err != nil {
		return err
	}
	if err := r.bank.DepositFor(r.self, key, user, amount); err != nil {
		return err
	}
	r.emitter.Emit(r.transfer(events.TypeRouterDeposited, user, key.Currency0, key, amount, nil))
	return nil
}

// Withdraw releases collateral for user, subject to the bank's hold time and
// health checks.
func (r *Router) Withdraw(user common.Address, key market.PoolKey, amount *big.Int) error {
	if err := r.ready(amount); err != nil {
		return err
	}
	if err := r.bank.WithdrawFor(r.self, key, user, amount, true); err != nil {
		return err
	}
	r.emitter.Emit(r.transfer(events.TypeRouterWithdrawn, user, key.Currency0, key, amount, nil))
	return nil
}

// Borrow opens amount of debt and returns the amount delivered to the user
// after fees. amountOut below minAmountOut fails with ErrSlippage.
func (r *Router) Borrow(user common.Address, key market.PoolKey, amount, minAmountOut *big.Int) (*big.Int, error) {
	if err := r.ready(amount); err != nil {
		return nil, err
	}
	amountOut, err := r.checkOut(amount, minAmountOut)
	if err != nil {
		return nil, err
	}
	usage, err := r.admitBorrow(user, amount)
	if err != nil {
		return nil, err
	}
	err = r.commitBorrow(user, usage, func() error {
		return r.bank.Borrow(r.self, key, user, amount)
	})
	if err != nil {
		return nil, err
	}
	r.emitter.Emit(r.transfer(events.TypeRouterBorrowed, user, key.Currency1, key, amount, amountOut))
	return amountOut, nil
}

// Repay reduces user's debt by up to amount and returns what the user paid
// including fees. amountIn above maxAmountIn fails with ErrSlippage.
func (r *Router) Repay(user common.Address, key market.PoolKey, amount, maxAmountIn *big.Int) (*big.Int, error) {
	if err := r.ready(amount); err != nil {
		return nil, err
	}
	if _, err := r.checkIn(amount, maxAmountIn); err != nil {
		return nil, err
	}
	applied, err := r.bank.Repay(r.self, key, user, amount)
	if err != nil {
		return nil, err
	}
	amountIn := r.QuoteRepay(applied)
	r.emitter.Emit(r.transfer(events.TypeRouterRepaid, user, key.Currency1, key, applied, amountIn))
	return amountIn, nil
}

// DepositAndBorrow deposits collateral and borrows against it in one step.
// Either both legs apply or neither does.
func (r *Router) DepositAndBorrow(user common.Address, key market.PoolKey, depositAmount, borrowAmount, minAmountOut, maxAmountIn *big.Int) (*big.Int, error) {
	if err := r.ready(depositAmount, borrowAmount); err != nil {
		return nil, err
	}
	if maxAmountIn != nil && maxAmountIn.Sign() > 0 && depositAmount.Cmp(maxAmountIn) > 0 {
		return nil, ErrSlippage
	}
	amountOut, err := r.checkOut(borrowAmount, minAmountOut)
	if err != nil {
		return nil, err
	}
	usage, err := r.admitBorrow(user, borrowAmount)
	if err != nil {
		return nil, err
	}
	err = r.commitBorrow(user, usage, func() error {
		if err := r.bank.DepositFor(r.self, key, user, depositAmount); err != nil {
			return err
		}
		return r.bank.Borrow(r.self, key, user, borrowAmount)
	})
	if err != nil {
		return nil, err
	}
	r.emitter.Emit(r.transfer(events.TypeRouterDeposited, user, key.Currency0, key, depositAmount, nil))
	r.emitter.Emit(r.transfer(events.TypeRouterBorrowed, user, key.Currency1, key, borrowAmount, amountOut))
	return amountOut, nil
}

// RepayAndWithdraw repays debt and withdraws collateral in one step. Either
// both legs apply or neither does. It returns the amount paid in.
func (r *Router) RepayAndWithdraw(user common.Address, key market.PoolKey, repayAmount, withdrawAmount, maxAmountIn, minAmountOut *big.Int) (*big.Int, error) {
	if err := r.ready(repayAmount, withdrawAmount); err != nil {
		return nil, err
	}
	if _, err := r.checkIn(repayAmount, maxAmountIn); err != nil {
		return nil, err
	}
	if minAmountOut != nil && withdrawAmount.Cmp(minAmountOut) < 0 {
		return nil, ErrSlippage
	}
	var applied *big.Int
	err := r.bank.Atomic(func() error {
		var err error
		applied, err = r.bank.Repay(r.self, key, user, repayAmount)
		if err != nil {
			return err
		}
		return r.bank.WithdrawFor(r.self, key, user, withdrawAmount, true)
	})
	if err != nil {
		return nil, err
	}
	amountIn := r.QuoteRepay(applied)
	r.emitter.Emit(r.transfer(events.TypeRouterRepaid, user, key.Currency1, key, applied, amountIn))
	r.emitter.Emit(r.transfer(events.TypeRouterWithdrawn, user, key.Currency0, key, withdrawAmount, nil))
	return amountIn, nil
}

// EmergencyWithdraw lets users pull collateral while the router is paused.
// The hold time is skipped; the bank's health checks still apply.
func (r *Router) EmergencyWithdraw(user common.Address, key market.PoolKey, amount *big.Int) error {
	if r.bank == nil {
		return ErrNilBank
	}
	if !r.IsPaused(moduleName) {
		return ErrNotPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := r.bank.WithdrawFor(r.self, key, user, amount, false); err != nil {
		return err
	}
	r.emitter.Emit(r.transfer(events.TypeRouterWithdrawn, user, key.Currency0, key, amount, nil))
	return nil
}

func (r *Router) checkOut(amount, minAmountOut *big.Int) (*big.Int, error) {
	amountOut := r.QuoteBorrow(amount)
	if minAmountOut != nil && amountOut.Cmp(minAmountOut) < 0 {
		return nil, ErrSlippage
	}
	return amountOut, nil
}

func (r *Router) checkIn(amount, maxAmountIn *big.Int) (*big.Int, error) {
	amountIn := r.QuoteRepay(amount)
	if maxAmountIn != nil && amountIn.Cmp(maxAmountIn) > 0 {
		return nil, ErrSlippage
	}
	return amountIn, nil
}

// admitBorrow checks the router window without recording usage. Callers
// persist the returned usage once the bank accepted the borrow.
func (r *Router) admitBorrow(user common.Address, amount *big.Int) (nativecommon.WindowUsage, error) {
	prev, err := r.usage(user)
	if err != nil {
		return nativecommon.WindowUsage{}, err
	}
	next, err := nativecommon.CheckWindow(r.cfg.Window, r.timestamp(), prev, amount)
	if err != nil {
		return nativecommon.WindowUsage{}, fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return next, nil
}

func (r *Router) transfer(kind string, user, token common.Address, key market.PoolKey, amount, quoted *big.Int) events.RouterTransfer {
	return events.RouterTransfer{
		Kind:   kind,
		User:   user,
		Token:  token,
		PoolID: key.ID(),
		Amount: cloneInt(amount),
		Quoted: cloneInt(quoted),
	}
}

// LastBorrowTime returns the unix time of user's last borrow through the
// router.
func (r *Router) LastBorrowTime(user common.Address) (uint64, error) {
	usage, err := r.usage(user)
	if err != nil {
		return 0, err
	}
	return usage.LastBorrowTime, nil
}

// BorrowedInWindow returns the amount user borrowed in the current window.
// Expired windows report zero.
func (r *Router) BorrowedInWindow(user common.Address) (*big.Int, error) {
	usage, err := r.usage(user)
	if err != nil {
		return nil, err
	}
	return r.cfg.Window.Borrowed(r.timestamp(), usage), nil
}

// Owner returns the router owner.
func (r *Router) Owner() (common.Address, error) {
	admin, err := r.loadAdmin()
	if err != nil {
		return common.Address{}, err
	}
	return admin.Owner, nil
}

// Paused reports whether the owner paused the router.
func (r *Router) Paused() (bool, error) {
	admin, err := r.loadAdmin()
	if err != nil {
		return false, err
	}
	return admin.Paused, nil
}

// TransferOwnership hands the router to newOwner.
func (r *Router) TransferOwnership(sender, newOwner common.Address) error {
	admin, err := r.ownerOnly(sender)
	if err != nil {
		return err
	}
	if newOwner == (common.Address{}) {
		return ErrZeroAddress
	}
	previous := admin.Owner
	admin.Owner = newOwner
	if err := r.putAdmin(admin); err != nil {
		return err
	}
	r.emitter.Emit(events.OwnershipTransferred{Source: moduleName, Previous: previous, NewOwner: newOwner})
	return nil
}

// Pause halts router operations except EmergencyWithdraw.
func (r *Router) Pause(sender common.Address) error { return r.setPaused(sender, true) }

// Unpause resumes router operations.
func (r *Router) Unpause(sender common.Address) error { return r.setPaused(sender, false) }

func (r *Router) setPaused(sender common.Address, paused bool) error {
	admin, err := r.ownerOnly(sender)
	if err != nil {
		return err
	}
	switch {
	case paused && admin.Paused:
		return ErrAlreadyPaused
	case !paused && !admin.Paused:
		return ErrNotPaused
	}
	admin.Paused = paused
	if err := r.putAdmin(admin); err != nil {
		return err
	}
	r.emitter.Emit(events.PauseChanged{Source: moduleName, Account: sender, Paused: paused})
	return nil
}

func (r *Router) ownerOnly(sender common.Address) (*adminState, error) {
	admin, err := r.loadAdmin()
	if err != nil {
		return nil, err
	}
	if sender != admin.Owner {
		return nil, ErrNotAuthorized
	}
	return admin, nil
}

type adminState struct {
	Owner  common.Address `json:"owner"`
	Paused bool           `json:"paused"`
}

var (
	keyAdmin    = []byte("router/admin")
	prefixUsage = []byte("router/usage/")
)

func usageKey(user common.Address) []byte {
	return append(append([]byte(nil), prefixUsage...), strings.ToLower(user.Hex())...)
}

func (r *Router) loadAdmin() (*adminState, error) {
	raw, err := r.db.Get(keyAdmin)
	if errors.Is(err, storage.ErrNotFound) {
		return &adminState{Owner: r.deployer}, nil
	}
	if err != nil {
		return nil, err
	}
	var admin adminState
	if err := json.Unmarshal(raw, &admin); err != nil {
		return nil, fmt.Errorf("router: decode admin: %w", err)
	}
	return &admin, nil
}

func (r *Router) putAdmin(admin *adminState) error {
	raw, err := json.Marshal(admin)
	if err != nil {
		return fmt.Errorf("router: encode admin: %w", err)
	}
	return r.db.Put(keyAdmin, raw)
}

type usageRecord struct {
	LastBorrowTime   uint64   `json:"lastBorrowTime"`
	BorrowedInWindow *big.Int `json:"borrowedInWindow"`
}

func (r *Router) usage(user common.Address) (nativecommon.WindowUsage, error) {
	raw, err := r.db.Get(usageKey(user))
	if errors.Is(err, storage.ErrNotFound) {
		return nativecommon.WindowUsage{BorrowedInWindow: big.NewInt(0)}, nil
	}
	if err != nil {
		return nativecommon.WindowUsage{}, err
	}
	var rec usageRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nativecommon.WindowUsage{}, fmt.Errorf("router: decode usage: %w", err)
	}
	return nativecommon.WindowUsage{LastBorrowTime: rec.LastBorrowTime, BorrowedInWindow: cloneInt(rec.BorrowedInWindow)}.Clone(), nil
}

// commitBorrow runs borrow inside the bank's write buffer and records the new
// window usage with it. A failed usage write discards the bank changes; a
// failed bank commit restores the previous usage.
func (r *Router) commitBorrow(user common.Address, usage nativecommon.WindowUsage, borrow func() error) error {
	prev, err := r.usage(user)
	if err != nil {
		return err
	}
	written := false
	err = r.bank.Atomic(func() error {
		if err := borrow(); err != nil {
			return err
		}
		if err := r.putUsage(user, usage); err != nil {
			return err
		}
		written = true
		return nil
	})
	if err != nil && written {
		if restoreErr := r.putUsage(user, prev); restoreErr != nil {
			return errors.Join(err, restoreErr)
		}
	}
	return err
}

func (r *Router) putUsage(user common.Address, usage nativecommon.WindowUsage) error {
	raw, err := json.Marshal(usageRecord{LastBorrowTime: usage.LastBorrowTime, BorrowedInWindow: usage.BorrowedInWindow})
	if err != nil {
		return fmt.Errorf("router: encode usage: %w", err)
	}
	return r.db.Put(usageKey(user), raw)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
