package oracle

import (
	"github.com/holiman/uint256"
)

// Ring is the fixed-capacity observation buffer of a single pool. Slots past
// the active cardinality are pre-allocated by Grow and become live once the
// write index wraps into them.
type Ring []Observation

// Initialize seeds the first slot and returns the starting cardinality.
func (r *Ring) Initialize(time uint32, tick int32) (cardinality, cardinalityNext uint16) {
	if len(*r) == 0 {
		*r = make(Ring, 1)
	}
	(*r)[0] = Observation{
		BlockTimestamp:                    time,
		PrevTick:                          tick,
		TickCumulative:                    0,
		SecondsPerLiquidityCumulativeX128: new(uint256.Int),
		Initialized:                       true,
	}
	return 1, 1
}

// Write records an observation at most once per timestamp. When the write
// index reaches the end of the active ring and a larger cardinality is
// pending, the ring expands into the pre-allocated slots.
func (r Ring) Write(index uint16, time uint32, tick int32, liquidity *uint256.Int, cardinality, cardinalityNext uint16) (indexUpdated, cardinalityUpdated uint16) {
	last := r[index]
	if last.BlockTimestamp == time {
		return index, cardinality
	}

	if cardinalityNext > cardinality && index == cardinality-1 {
		cardinalityUpdated = cardinalityNext
	} else {
		cardinalityUpdated = cardinality
	}

	indexUpdated = (index + 1) % cardinalityUpdated
	r[indexUpdated] = transform(last, time, tick, liquidity)
	return indexUpdated, cardinalityUpdated
}

// Grow pre-allocates slots so the ring can hold next observations.
func (r *Ring) Grow(current, next uint16) (uint16, error) {
	if current == 0 {
		return 0, ErrOracleCardinalityCannotBeZero
	}
	if next <= current {
		return current, nil
	}
	for i := len(*r); i < int(next); i++ {
		// A non-zero timestamp marks the slot as allocated without making it
		// a valid observation.
		*r = append(*r, Observation{BlockTimestamp: 1})
	}
	return next, nil
}

// ObserveSingle returns the cumulative values as of secondsAgo before time,
// interpolating between stored observations when needed.
func (r Ring) ObserveSingle(time, secondsAgo uint32, tick int32, index uint16, liquidity *uint256.Int, cardinality uint16) (int64, *uint256.Int, error) {
	if cardinality == 0 {
		return 0, nil, ErrOracleCardinalityCannotBeZero
	}
	if secondsAgo == 0 {
		last := r[index]
		if last.BlockTimestamp != time {
			last = transform(last, time, tick, liquidity)
		}
		return last.TickCumulative, last.secondsPerLiquidity().Clone(), nil
	}

	target := time - secondsAgo
	beforeOrAt, atOrAfter, err := r.surroundingObservations(time, target, tick, index, liquidity, cardinality)
	if err != nil {
		return 0, nil, err
	}

	switch {
	case target == beforeOrAt.BlockTimestamp:
		return beforeOrAt.TickCumulative, beforeOrAt.secondsPerLiquidity().Clone(), nil
	case target == atOrAfter.BlockTimestamp:
		return atOrAfter.TickCumulative, atOrAfter.secondsPerLiquidity().Clone(), nil
	}

	observationDelta := atOrAfter.BlockTimestamp - beforeOrAt.BlockTimestamp
	targetDelta := target - beforeOrAt.BlockTimestamp

	tickCumulative := beforeOrAt.TickCumulative +
		((atOrAfter.TickCumulative-beforeOrAt.TickCumulative)/int64(observationDelta))*int64(targetDelta)

	spl := new(uint256.Int).Sub(atOrAfter.secondsPerLiquidity(), beforeOrAt.secondsPerLiquidity())
	spl.Mul(spl, uint256.NewInt(uint64(targetDelta)))
	spl.Div(spl, uint256.NewInt(uint64(observationDelta)))
	spl.Add(spl, beforeOrAt.secondsPerLiquidity())
	return tickCumulative, spl, nil
}

// Observe returns cumulative values for every entry in secondsAgos.
func (r Ring) Observe(time uint32, secondsAgos []uint32, tick int32, index uint16, liquidity *uint256.Int, cardinality uint16) ([]int64, []*uint256.Int, error) {
	if cardinality == 0 {
		return nil, nil, ErrOracleCardinalityCannotBeZero
	}
	tickCumulatives := make([]int64, len(secondsAgos))
	secondsPerLiquidity := make([]*uint256.Int, len(secondsAgos))
	for i, ago := range secondsAgos {
		tc, spl, err := r.ObserveSingle(time, ago, tick, index, liquidity, cardinality)
		if err != nil {
			return nil, nil, err
		}
		tickCumulatives[i] = tc
		secondsPerLiquidity[i] = spl
	}
	return tickCumulatives, secondsPerLiquidity, nil
}

func (r Ring) surroundingObservations(time, target uint32, tick int32, index uint16, liquidity *uint256.Int, cardinality uint16) (Observation, Observation, error) {
	beforeOrAt := r[index]
	if lte(time, beforeOrAt.BlockTimestamp, target) {
		if beforeOrAt.BlockTimestamp == target {
			return beforeOrAt, Observation{}, nil
		}
		return beforeOrAt, transform(beforeOrAt, target, tick, liquidity), nil
	}

	beforeOrAt = r[(index+1)%cardinality]
	if !beforeOrAt.Initialized {
		beforeOrAt = r[0]
	}
	if !lte(time, beforeOrAt.BlockTimestamp, target) {
		return Observation{}, Observation{}, &TargetPredatesOldestObservationError{
			OldestTimestamp: beforeOrAt.BlockTimestamp,
			TargetTimestamp: target,
		}
	}
	before, after := r.binarySearch(time, target, index, cardinality)
	return before, after, nil
}

func (r Ring) binarySearch(time, target uint32, index, cardinality uint16) (Observation, Observation) {
	l := (uint32(index) + 1) % uint32(cardinality)
	h := l + uint32(cardinality) - 1
	var beforeOrAt, atOrAfter Observation
	for {
		i := (l + h) / 2
		beforeOrAt = r[i%uint32(cardinality)]
		if !beforeOrAt.Initialized {
			l = i + 1
			continue
		}
		atOrAfter = r[(i+1)%uint32(cardinality)]

		targetAtOrAfter := lte(time, beforeOrAt.BlockTimestamp, target)
		if targetAtOrAfter && lte(time, target, atOrAfter.BlockTimestamp) {
			return beforeOrAt, atOrAfter
		}
		if !targetAtOrAfter {
			h = i - 1
		} else {
			l = i + 1
		}
	}
}

// transform projects last forward to time assuming tick and liquidity held
// for the whole interval.
func transform(last Observation, time uint32, tick int32, liquidity *uint256.Int) Observation {
	delta := time - last.BlockTimestamp

	switch {
	case tick-last.PrevTick > MaxAbsTickMove:
		tick = last.PrevTick + MaxAbsTickMove
	case last.PrevTick-tick > MaxAbsTickMove:
		tick = last.PrevTick - MaxAbsTickMove
	}

	divisor := uint256.NewInt(1)
	if liquidity != nil && !liquidity.IsZero() {
		divisor = liquidity
	}
	increment := new(uint256.Int).Lsh(uint256.NewInt(uint64(delta)), 128)
	increment.Div(increment, divisor)

	return Observation{
		BlockTimestamp:                    time,
		PrevTick:                          tick,
		TickCumulative:                    last.TickCumulative + int64(tick)*int64(delta),
		SecondsPerLiquidityCumulativeX128: new(uint256.Int).Add(last.secondsPerLiquidity(), increment),
		Initialized:                       true,
	}
}

// lte compares two timestamps that are both at or before time, accounting for
// a single uint32 overflow.
func lte(time, a, b uint32) bool {
	if a <= time && b <= time {
		return a <= b
	}
	aAdjusted := uint64(a)
	if a <= time {
		aAdjusted += 1 << 32
	}
	bAdjusted := uint64(b)
	if b <= time {
		bAdjusted += 1 << 32
	}
	return aAdjusted <= bAdjusted
}
