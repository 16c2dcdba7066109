package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"miladybank/native/market"
	"miladybank/native/oracle"
)

// GetHookPermissions lists the pool manager callbacks the bank handles.
func (e *Bank) GetHookPermissions() market.Permissions {
	return market.Permissions{
		BeforeInitialize:      true,
		AfterInitialize:       true,
		BeforeAddLiquidity:    true,
		BeforeRemoveLiquidity: true,
		BeforeSwap:            true,
	}
}

func (e *Bank) onlyPoolManager(sender common.Address) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.manager == nil {
		return ErrNilPoolManager
	}
	if sender != e.manager.Address() {
		return ErrNotPoolManager
	}
	return nil
}

// BeforeInitialize rejects keys that do not route to this bank.
func (e *Bank) BeforeInitialize(sender common.Address, key market.PoolKey, tick int32) error {
	if err := e.onlyPoolManager(sender); err != nil {
		return err
	}
	if key.Hooks != e.self {
		return ErrHookAddressMismatch
	}
	if err := key.Validate(); err != nil {
		return err
	}
	if tick < oracle.MinTick || tick > oracle.MaxTick {
		return oracle.ErrTickOutOfRange
	}
	existing, err := e.state.GetPool(key.ID())
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrPoolAlreadyInitialized
	}
	return nil
}

// AfterInitialize creates the lending pool and seeds its oracle.
func (e *Bank) AfterInitialize(sender common.Address, key market.PoolKey, tick int32) error {
	if err := e.onlyPoolManager(sender); err != nil {
		return err
	}
	id := key.ID()
	now := e.timestamp()

	rec := &OracleRecord{}
	cardinality, cardinalityNext := rec.Observations.Initialize(uint32(now), tick)
	rec.State = oracle.State{Index: 0, Cardinality: cardinality, CardinalityNext: cardinalityNext}
	grown, err := rec.Observations.Grow(cardinalityNext, e.params.DefaultCardinalityNext)
	if err != nil {
		return err
	}
	rec.State.CardinalityNext = grown

	pool := &LendingPool{
		TotalDeposits:       big.NewInt(0),
		TotalBorrows:        big.NewInt(0),
		LastInterestRate:    ratToRay(e.interest.BorrowRate(nil)),
		LastUpdateTimestamp: now,
		BorrowIndex:         new(big.Int).Set(ray),
	}
	if err := e.state.PutMarket(&Market{ID: id, Key: key}); err != nil {
		return err
	}
	if err := e.state.PutOracle(id, rec); err != nil {
		return err
	}
	return e.state.PutPool(id, pool)
}

// BeforeSwap records an observation with the pre-swap tick.
func (e *Bank) BeforeSwap(sender common.Address, key market.PoolKey) error {
	if err := e.onlyPoolManager(sender); err != nil {
		return err
	}
	return e.recordObservation(key.ID())
}

// BeforeAddLiquidity records an observation before liquidity changes.
func (e *Bank) BeforeAddLiquidity(sender common.Address, key market.PoolKey) error {
	if err := e.onlyPoolManager(sender); err != nil {
		return err
	}
	return e.recordObservation(key.ID())
}

// BeforeRemoveLiquidity records an observation before liquidity changes.
func (e *Bank) BeforeRemoveLiquidity(sender common.Address, key market.PoolKey) error {
	if err := e.onlyPoolManager(sender); err != nil {
		return err
	}
	return e.recordObservation(key.ID())
}

func (e *Bank) notImplemented(sender common.Address) error {
	if err := e.onlyPoolManager(sender); err != nil {
		return err
	}
	return ErrHookNotImplemented
}

func (e *Bank) AfterSwap(sender common.Address, _ market.PoolKey) error {
	return e.notImplemented(sender)
}

func (e *Bank) AfterAddLiquidity(sender common.Address, _ market.PoolKey) error {
	return e.notImplemented(sender)
}

func (e *Bank) AfterRemoveLiquidity(sender common.Address, _ market.PoolKey) error {
	return e.notImplemented(sender)
}

func (e *Bank) BeforeDonate(sender common.Address, _ market.PoolKey) error {
	return e.notImplemented(sender)
}

func (e *Bank) AfterDonate(sender common.Address, _ market.PoolKey) error {
	return e.notImplemented(sender)
}
