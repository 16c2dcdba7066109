package lending

import (
	"fmt"
	"math/big"

	"miladybank/native/market"
	"miladybank/native/oracle"
)

// GetPrice returns the TWAP price of currency0 in currency1 with 1e18
// precision. Stale oracles return ErrStalePrice.
func (e *Bank) GetPrice(key market.PoolKey) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.priceFor(key, key.ID())
}

// IsStale reports whether the newest observation is older than the staleness
// period. Pools without an oracle are stale.
func (e *Bank) IsStale(key market.PoolKey) (bool, error) {
	if e == nil || e.state == nil {
		return false, ErrNilState
	}
	rec, err := e.state.GetOracle(key.ID())
	if err != nil {
		return false, err
	}
	return e.stale(rec), nil
}

func (e *Bank) stale(rec *OracleRecord) bool {
	if rec == nil || !rec.State.Initialized() || int(rec.State.Index) >= len(rec.Observations) {
		return true
	}
	latest := rec.Observations[rec.State.Index].BlockTimestamp
	now := uint32(e.timestamp())
	return now-latest > e.params.StalenessPeriod
}

func (e *Bank) priceFor(key market.PoolKey, id market.PoolID) (*big.Int, error) {
	rec, err := e.state.GetOracle(id)
	if err != nil {
		return nil, err
	}
	if e.stale(rec) {
		return nil, ErrStalePrice
	}
	if e.manager == nil {
		return nil, ErrNilPoolManager
	}
	tick, err := e.manager.Slot0(id)
	if err != nil {
		return nil, err
	}
	liquidity, err := e.manager.Liquidity(id)
	if err != nil {
		return nil, err
	}

	period := e.params.TwapPeriod
	now := uint32(e.timestamp())
	cumulatives, _, err := rec.Observations.Observe(now, []uint32{period, 0}, tick, rec.State.Index, liquidity, rec.State.Cardinality)
	if err != nil {
		return nil, fmt.Errorf("bank: observe %s: %w", key.ID(), err)
	}
	meanTick, err := oracle.ArithmeticMeanTick(cumulatives, period)
	if err != nil {
		return nil, err
	}
	return oracle.PriceAtTick(meanTick)
}

// Observations returns slot i of the observation ring of a pool.
func (e *Bank) Observations(id market.PoolID, i uint16) (oracle.Observation, error) {
	if e == nil || e.state == nil {
		return oracle.Observation{}, ErrNilState
	}
	rec, err := e.state.GetOracle(id)
	if err != nil {
		return oracle.Observation{}, err
	}
	if rec == nil || int(i) >= len(rec.Observations) {
		return oracle.Observation{}, ErrObservationIndex
	}
	return rec.Observations[i].Clone(), nil
}

// States returns the ring cursor of a pool. Unknown pools report the zero
// state.
func (e *Bank) States(id market.PoolID) (oracle.State, error) {
	if e == nil || e.state == nil {
		return oracle.State{}, ErrNilState
	}
	rec, err := e.state.GetOracle(id)
	if err != nil || rec == nil {
		return oracle.State{}, err
	}
	return rec.State, nil
}

// IncreaseCardinalityNext grows the observation ring of a pool and returns the
// previous and new pending cardinality.
func (e *Bank) IncreaseCardinalityNext(key market.PoolKey, next uint16) (uint16, uint16, error) {
	if e == nil || e.state == nil {
		return 0, 0, ErrNilState
	}
	id := key.ID()
	rec, err := e.state.GetOracle(id)
	if err != nil {
		return 0, 0, err
	}
	if rec == nil {
		return 0, 0, ErrPoolNotInitialized
	}
	old := rec.State.CardinalityNext
	grown, err := rec.Observations.Grow(old, next)
	if err != nil {
		return 0, 0, err
	}
	rec.State.CardinalityNext = grown
	if err := e.state.PutOracle(id, rec); err != nil {
		return 0, 0, err
	}
	return old, grown, nil
}

// recordObservation writes the current slot into the ring of a pool.
func (e *Bank) recordObservation(id market.PoolID) error {
	if e.manager == nil {
		return ErrNilPoolManager
	}
	rec, err := e.state.GetOracle(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrPoolNotInitialized
	}
	tick, err := e.manager.Slot0(id)
	if err != nil {
		return err
	}
	liquidity, err := e.manager.Liquidity(id)
	if err != nil {
		return err
	}
	index, cardinality := rec.Observations.Write(rec.State.Index, uint32(e.timestamp()), tick, liquidity, rec.State.Cardinality, rec.State.CardinalityNext)
	rec.State.Index = index
	rec.State.Cardinality = cardinality
	return e.state.PutOracle(id, rec)
}
