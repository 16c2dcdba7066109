package chain

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"miladybank/services/bank/engine"
)

var errTxReverted = errors.New("chain: transaction reverted")

// translateError classifies a call or transaction failure onto the engine
// sentinels. Custom contract errors are matched by selector; revert strings
// by their wording.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	reason := err.Error()
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data := revertData(dataErr.ErrorData()); len(data) >= 4 {
			if name, ok := customError(data); ok {
				return fmt.Errorf("%w: %s", classifyCustom(name), name)
			}
			if unpacked, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
				reason = unpacked
			}
		}
	}
	return fmt.Errorf("%w: %s", classifyReason(reason), reason)
}

func revertData(raw interface{}) []byte {
	switch v := raw.(type) {
	case string:
		decoded, err := hexutil.Decode(v)
		if err != nil {
			return nil
		}
		return decoded
	case []byte:
		return v
	default:
		return nil
	}
}

func customError(data []byte) (string, bool) {
	for name, e := range bankABI.Errors {
		if bytes.Equal(e.ID[:4], data[:4]) {
			return name, true
		}
	}
	return "", false
}

func classifyCustom(name string) error {
	switch name {
	case "NotPoolManager":
		return engine.ErrUnauthorized
	case "TargetPredatesOldestObservation":
		return engine.ErrStalePrice
	default:
		return engine.ErrInternal
	}
}

func classifyReason(reason string) error {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "paused"):
		return engine.ErrPaused
	case strings.Contains(lower, "stale"):
		return engine.ErrStalePrice
	case strings.Contains(lower, "slippage"):
		return engine.ErrSlippage
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "window") || strings.Contains(lower, "hold"):
		return engine.ErrRateLimited
	case strings.Contains(lower, "health") || strings.Contains(lower, "insufficient") || strings.Contains(lower, "utilization") || strings.Contains(lower, "liquidat"):
		return engine.ErrInsufficientCollateral
	case strings.Contains(lower, "owner") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "not authorized"):
		return engine.ErrUnauthorized
	case strings.Contains(lower, "amount") || strings.Contains(lower, "invalid"):
		return engine.ErrInvalidAmount
	case strings.Contains(lower, "not found") || strings.Contains(lower, "not initialized"):
		return engine.ErrNotFound
	default:
		return engine.ErrInternal
	}
}
