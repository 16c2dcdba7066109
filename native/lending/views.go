package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "miladybank/native/common"
	"miladybank/native/market"
)

// CheckHealth returns the health factor of user with 1e18 precision.
// Positions without debt report MaxHealthFactor.
func (e *Bank) CheckHealth(key market.PoolKey, user common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	id, pool, err := e.ensurePool(key)
	if err != nil {
		return nil, err
	}
	e.accrueInterest(pool, e.timestamp())
	pos, err := e.ensurePosition(id, user)
	if err != nil {
		return nil, err
	}
	debt := debtFromScaled(pos.ScaledBorrows, pool.BorrowIndex)
	if debt.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor), nil
	}
	price, err := e.priceFor(key, id)
	if err != nil {
		return nil, err
	}
	return healthFactor(pos.Deposits, debt, price, e.params.LiquidationThresholdBps), nil
}

// GetUserPosition returns the position of user with debt accrued to now. An
// expired borrow window reports zero usage.
func (e *Bank) GetUserPosition(key market.PoolKey, user common.Address) (PositionView, error) {
	if e == nil || e.state == nil {
		return PositionView{}, ErrNilState
	}
	id, pool, err := e.ensurePool(key)
	if err != nil {
		return PositionView{}, err
	}
	e.accrueInterest(pool, e.timestamp())
	pos, err := e.ensurePosition(id, user)
	if err != nil {
		return PositionView{}, err
	}
	usage := nativecommon.WindowUsage{LastBorrowTime: pos.LastBorrowTime, BorrowedInWindow: pos.BorrowedInWindow}
	return PositionView{
		Deposits:         cloneInt(pos.Deposits),
		Borrows:          debtFromScaled(pos.ScaledBorrows, pool.BorrowIndex),
		LastBorrowTime:   pos.LastBorrowTime,
		BorrowedInWindow: e.borrowWindow().Borrowed(e.timestamp(), usage),
	}, nil
}

// GetLendingPool returns pool totals with interest accrued to now and the rate
// implied by current utilisation.
func (e *Bank) GetLendingPool(key market.PoolKey) (PoolState, error) {
	if e == nil || e.state == nil {
		return PoolState{}, ErrNilState
	}
	id, pool, err := e.ensurePool(key)
	if err != nil {
		return PoolState{}, err
	}
	e.accrueInterest(pool, e.timestamp())
	if price, err := e.priceFor(key, id); err == nil {
		pool.LastPrice = price
	}
	util := Utilisation(pool.TotalBorrows, valueOf(pool.TotalDeposits, pool.LastPrice))
	return PoolState{
		TotalDeposits: cloneInt(pool.TotalDeposits),
		TotalBorrows:  cloneInt(pool.TotalBorrows),
		CurrentRate:   ratToRay(e.interest.BorrowRate(util)),
		Utilization:   ratToRay(util),
	}, nil
}

// GetPoolState is an alias of GetLendingPool.
func (e *Bank) GetPoolState(key market.PoolKey) (PoolState, error) {
	return e.GetLendingPool(key)
}

// SupplyRate returns the annual rate quoted to depositors in ray precision.
func (e *Bank) SupplyRate(key market.PoolKey) (*big.Int, error) {
	state, err := e.GetLendingPool(key)
	if err != nil {
		return nil, err
	}
	util := new(big.Rat).SetFrac(state.Utilization, ray)
	return ratToRay(e.interest.SupplyRate(util, e.params.ReserveFactorBps)), nil
}

// LendingPools returns the stored pool fields without accrual.
func (e *Bank) LendingPools(id market.PoolID) (PoolSnapshot, error) {
	if e == nil || e.state == nil {
		return PoolSnapshot{}, ErrNilState
	}
	pool, err := e.state.GetPool(id)
	if err != nil {
		return PoolSnapshot{}, err
	}
	if pool == nil {
		return PoolSnapshot{TotalDeposits: big.NewInt(0), TotalBorrows: big.NewInt(0), LastInterestRate: big.NewInt(0)}, nil
	}
	normalizePool(pool)
	return PoolSnapshot{
		TotalDeposits:       pool.TotalDeposits,
		TotalBorrows:        pool.TotalBorrows,
		LastInterestRate:    pool.LastInterestRate,
		LastUpdateTimestamp: pool.LastUpdateTimestamp,
	}, nil
}

// Markets lists every initialised market.
func (e *Bank) Markets() ([]Market, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.state.Markets()
}

// Market resolves a pool identifier to its key.
func (e *Bank) Market(id market.PoolID) (market.PoolKey, error) {
	if e == nil || e.state == nil {
		return market.PoolKey{}, ErrNilState
	}
	m, err := e.state.GetMarket(id)
	if err != nil {
		return market.PoolKey{}, err
	}
	if m == nil {
		return market.PoolKey{}, ErrPoolNotInitialized
	}
	return m.Key, nil
}

// Borrowers lists users of a market holding debt.
func (e *Bank) Borrowers(key market.PoolKey) ([]common.Address, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	positions, err := e.state.Positions(key.ID())
	if err != nil {
		return nil, err
	}
	var out []common.Address
	for _, p := range positions {
		if p.ScaledBorrows != nil && p.ScaledBorrows.Sign() > 0 {
			out = append(out, p.User)
		}
	}
	return out, nil
}
