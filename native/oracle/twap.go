package oracle

import (
	"errors"
	"math/big"
)

const (
	MinTick int32 = -887272
	MaxTick int32 = 887272

	floatPrecision = 256
)

var (
	ErrTickOutOfRange = errors.New("oracle: tick out of range")
	ErrZeroPeriod     = errors.New("oracle: twap period must be positive")
)

var (
	wad       = new(big.Float).SetPrec(floatPrecision).SetInt64(1_000_000_000_000_000_000)
	tickBase  = mustFloat("1.0001")
	halfFloat = new(big.Float).SetPrec(floatPrecision).SetFloat64(0.5)
)

func mustFloat(s string) *big.Float {
	f, _, err := big.ParseFloat(s, 10, floatPrecision, big.ToNearestEven)
	if err != nil {
		panic(err)
	}
	return f
}

// ArithmeticMeanTick converts two tick cumulatives taken period seconds apart
// (oldest first) into the mean tick, rounding toward negative infinity.
func ArithmeticMeanTick(tickCumulatives []int64, period uint32) (int32, error) {
	if period == 0 {
		return 0, ErrZeroPeriod
	}
	if len(tickCumulatives) != 2 {
		return 0, errors.New("oracle: expected two tick cumulatives")
	}
	delta := tickCumulatives[1] - tickCumulatives[0]
	mean := delta / int64(period)
	if delta < 0 && delta%int64(period) != 0 {
		mean--
	}
	return int32(mean), nil
}

// PriceAtTick returns 1.0001^tick scaled by 1e18 and rounded to the nearest
// integer. The result is the price of currency0 denominated in currency1.
func PriceAtTick(tick int32) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, ErrTickOutOfRange
	}
	abs := tick
	if abs < 0 {
		abs = -abs
	}

	result := new(big.Float).SetPrec(floatPrecision).SetInt64(1)
	base := new(big.Float).SetPrec(floatPrecision).Set(tickBase)
	for e := uint32(abs); e > 0; e >>= 1 {
		if e&1 == 1 {
			result.Mul(result, base)
		}
		base.Mul(base, base)
	}
	if tick < 0 {
		result.Quo(new(big.Float).SetPrec(floatPrecision).SetInt64(1), result)
	}

	result.Mul(result, wad)
	result.Add(result, halfFloat)
	out, _ := result.Int(nil)
	return out, nil
}
