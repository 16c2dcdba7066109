package oracle

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// MaxAbsTickMove bounds how far the recorded tick may move between two
// consecutive observations. Larger moves are truncated to this distance.
const MaxAbsTickMove int32 = 9116

var ErrOracleCardinalityCannotBeZero = errors.New("oracle: cardinality cannot be zero")

// TargetPredatesOldestObservationError is returned when an observation is
// requested for a timestamp older than anything left in the ring.
type TargetPredatesOldestObservationError struct {
	OldestTimestamp uint32
	TargetTimestamp uint32
}

func (e *TargetPredatesOldestObservationError) Error() string {
	return fmt.Sprintf("oracle: target %d predates oldest observation %d", e.TargetTimestamp, e.OldestTimestamp)
}

// Observation is one slot of the ring buffer.
type Observation struct {
	BlockTimestamp                    uint32       `json:"blockTimestamp"`
	PrevTick                          int32        `json:"prevTick"`
	TickCumulative                    int64        `json:"tickCumulative"`
	SecondsPerLiquidityCumulativeX128 *uint256.Int `json:"secondsPerLiquidityCumulativeX128"`
	Initialized                       bool         `json:"initialized"`
}

func (o Observation) Clone() Observation {
	out := o
	if o.SecondsPerLiquidityCumulativeX128 != nil {
		out.SecondsPerLiquidityCumulativeX128 = o.SecondsPerLiquidityCumulativeX128.Clone()
	}
	return out
}

func (o Observation) secondsPerLiquidity() *uint256.Int {
	if o.SecondsPerLiquidityCumulativeX128 == nil {
		return new(uint256.Int)
	}
	return o.SecondsPerLiquidityCumulativeX128
}

// State tracks the ring position and size for a pool.
type State struct {
	Index           uint16 `json:"index"`
	Cardinality     uint16 `json:"cardinality"`
	CardinalityNext uint16 `json:"cardinalityNext"`
}

// Initialized reports whether the ring has been seeded.
func (s State) Initialized() bool {
	return s.Cardinality > 0
}
