package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"miladybank/native/market"
	"miladybank/native/oracle"
)

// LendingPool captures the aggregate accounting state of one market. Deposits
// are collateral denominated in currency0 and borrows are debt denominated in
// currency1.
type LendingPool struct {
	TotalDeposits *big.Int `json:"totalDeposits"`
	TotalBorrows  *big.Int `json:"totalBorrows"`
	// LastInterestRate is the annual borrow rate in ray precision applied
	// since LastUpdateTimestamp.
	LastInterestRate    *big.Int `json:"lastInterestRate"`
	LastUpdateTimestamp uint64   `json:"lastUpdateTimestamp"`
	// BorrowIndex is the cumulative interest index applied to scaled debt.
	BorrowIndex *big.Int `json:"borrowIndex"`
	// LastPrice caches the most recent fresh TWAP price so utilisation can be
	// derived while the oracle is stale.
	LastPrice *big.Int `json:"lastPrice,omitempty"`
}

// Clone returns a deep copy of the pool.
func (p *LendingPool) Clone() *LendingPool {
	if p == nil {
		return nil
	}
	return &LendingPool{
		TotalDeposits:       cloneInt(p.TotalDeposits),
		TotalBorrows:        cloneInt(p.TotalBorrows),
		LastInterestRate:    cloneInt(p.LastInterestRate),
		LastUpdateTimestamp: p.LastUpdateTimestamp,
		BorrowIndex:         cloneInt(p.BorrowIndex),
		LastPrice:           cloneOptionalInt(p.LastPrice),
	}
}

// UserPosition maintains the lending position for one user in one market.
type UserPosition struct {
	User     common.Address `json:"user"`
	Deposits *big.Int       `json:"deposits"`
	// ScaledBorrows is the debt divided by the borrow index at the time it
	// was taken.
	ScaledBorrows    *big.Int `json:"scaledBorrows"`
	LastBorrowTime   uint64   `json:"lastBorrowTime"`
	BorrowedInWindow *big.Int `json:"borrowedInWindow"`
}

// Clone returns a deep copy of the position.
func (p *UserPosition) Clone() *UserPosition {
	if p == nil {
		return nil
	}
	return &UserPosition{
		User:             p.User,
		Deposits:         cloneInt(p.Deposits),
		ScaledBorrows:    cloneInt(p.ScaledBorrows),
		LastBorrowTime:   p.LastBorrowTime,
		BorrowedInWindow: cloneInt(p.BorrowedInWindow),
	}
}

// IsEmpty reports whether the position holds neither deposits nor debt.
func (p *UserPosition) IsEmpty() bool {
	return p == nil || (p.Deposits.Sign() == 0 && p.ScaledBorrows.Sign() == 0)
}

// PositionView is the externally reported position with accrued debt.
type PositionView struct {
	Deposits         *big.Int `json:"deposits"`
	Borrows          *big.Int `json:"borrows"`
	LastBorrowTime   uint64   `json:"lastBorrowTime"`
	BorrowedInWindow *big.Int `json:"borrowedInWindow"`
}

// PoolState is the view returned by GetLendingPool and GetPoolState.
// CurrentRate and Utilization are expressed in ray precision.
type PoolState struct {
	TotalDeposits *big.Int `json:"totalDeposits"`
	TotalBorrows  *big.Int `json:"totalBorrows"`
	CurrentRate   *big.Int `json:"currentRate"`
	Utilization   *big.Int `json:"utilization"`
}

// PoolSnapshot mirrors the raw stored pool fields.
type PoolSnapshot struct {
	TotalDeposits       *big.Int `json:"totalDeposits"`
	TotalBorrows        *big.Int `json:"totalBorrows"`
	LastInterestRate    *big.Int `json:"lastInterestRate"`
	LastUpdateTimestamp uint64   `json:"lastUpdateTimestamp"`
}

// OracleRecord bundles the observation ring and its cursor for a pool.
type OracleRecord struct {
	State        oracle.State `json:"state"`
	Observations oracle.Ring  `json:"observations"`
}

// Clone returns a deep copy of the record.
func (r *OracleRecord) Clone() *OracleRecord {
	if r == nil {
		return nil
	}
	out := &OracleRecord{State: r.State, Observations: make(oracle.Ring, len(r.Observations))}
	for i, obs := range r.Observations {
		out.Observations[i] = obs.Clone()
	}
	return out
}

// AdminState holds the ownership and pause switches of the bank.
type AdminState struct {
	Owner  common.Address `json:"owner"`
	Router common.Address `json:"router"`
	Paused bool           `json:"paused"`
}

// Market pairs a pool key with its identifier.
type Market struct {
	ID  market.PoolID  `json:"id"`
	Key market.PoolKey `json:"key"`
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func cloneOptionalInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
