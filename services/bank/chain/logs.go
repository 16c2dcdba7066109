package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"miladybank/core/events"
)

const (
	resubscribeMin = time.Second
	resubscribeMax = 30 * time.Second
)

var errUnknownLog = errors.New("chain: unknown log")

// Run streams bank and router logs into the feed until ctx is cancelled,
// resubscribing with backoff when the subscription drops.
func (e *Engine) Run(ctx context.Context) error {
	query := ethereum.FilterQuery{Addresses: []common.Address{e.cfg.Bank, e.cfg.Router}}
	backoff := resubscribeMin
	for {
		logs := make(chan gethtypes.Log, 128)
		sub, err := e.client.SubscribeFilterLogs(ctx, query, logs)
		if err != nil {
			e.logger.Warn("bank log subscription failed", slog.Any("error", err), slog.Duration("retry", backoff))
		} else {
			backoff = resubscribeMin
			err = e.consume(ctx, sub, logs)
			sub.Unsubscribe()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("bank log subscription dropped", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > resubscribeMax {
			backoff = resubscribeMax
		}
	}
}

func (e *Engine) consume(ctx context.Context, sub ethereum.Subscription, logs <-chan gethtypes.Log) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case l := <-logs:
			if l.Removed {
				continue
			}
			e.publishLog(l)
		}
	}
}

func (e *Engine) publishLog(l gethtypes.Log) {
	evt, err := toEvent(l, e.cfg.Bank, e.cfg.Router)
	if err != nil {
		if !errors.Is(err, errUnknownLog) {
			e.logger.Warn("decode bank log", slog.String("tx", l.TxHash.Hex()), slog.Any("error", err))
		}
		return
	}
	e.feed.Emit(evt)
}

// decodeLog unpacks indexed and data fields of a bank or router log.
func decodeLog(l gethtypes.Log, bank, router common.Address) (string, map[string]interface{}, error) {
	var contract abi.ABI
	switch l.Address {
	case bank:
		contract = bankABI
	case router:
		contract = routerABI
	default:
		return "", nil, errUnknownLog
	}
	if len(l.Topics) == 0 {
		return "", nil, errUnknownLog
	}
	ev, err := contract.EventByID(l.Topics[0])
	if err != nil {
		return "", nil, errUnknownLog
	}
	values := make(map[string]interface{})
	if len(l.Data) > 0 {
		if err := contract.UnpackIntoMap(values, ev.Name, l.Data); err != nil {
			return "", nil, fmt.Errorf("unpack %s: %w", ev.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, l.Topics[1:]); err != nil {
		return "", nil, fmt.Errorf("topics %s: %w", ev.Name, err)
	}
	return ev.Name, values, nil
}

// toEvent maps a contract log onto the event types the native bank emits.
func toEvent(l gethtypes.Log, bank, router common.Address) (events.Event, error) {
	name, v, err := decodeLog(l, bank, router)
	if err != nil {
		return nil, err
	}
	source := events.SourceBank
	if l.Address == router {
		source = events.SourceRouter
	}
	switch {
	case l.Address == bank && (name == "Deposit" || name == "Withdraw" || name == "Borrow" || name == "Repay"):
		kinds := map[string]string{
			"Deposit":  events.TypeBankDeposit,
			"Withdraw": events.TypeBankWithdraw,
			"Borrow":   events.TypeBankBorrow,
			"Repay":    events.TypeBankRepay,
		}
		return events.PositionChange{
			Kind:   kinds[name],
			User:   addressOf(v["user"]),
			PoolID: hashOf(v["poolId"]),
			Amount: bigOf(v["amount"]),
		}, nil
	case name == "Liquidation":
		return events.Liquidation{
			Liquidator:           addressOf(v["liquidator"]),
			User:                 addressOf(v["user"]),
			PoolID:               hashOf(v["poolId"]),
			DebtAmount:           bigOf(v["debtAmount"]),
			CollateralLiquidated: bigOf(v["collateralLiquidated"]),
		}, nil
	case name == "Paused" || name == "Unpaused":
		return events.PauseChanged{Source: source, Account: addressOf(v["owner"]), Paused: name == "Paused"}, nil
	case name == "OwnershipTransferred":
		return events.OwnershipTransferred{Source: source, Previous: addressOf(v["user"]), NewOwner: addressOf(v["newOwner"])}, nil
	case l.Address == router:
		kinds := map[string]string{
			"Deposited": events.TypeRouterDeposited,
			"Withdrawn": events.TypeRouterWithdrawn,
			"Borrowed":  events.TypeRouterBorrowed,
			"Repaid":    events.TypeRouterRepaid,
		}
		kind, ok := kinds[name]
		if !ok {
			return nil, errUnknownLog
		}
		quoted := v["amountOut"]
		if name == "Repaid" {
			quoted = v["amountIn"]
		}
		out := events.RouterTransfer{
			Kind:   kind,
			User:   addressOf(v["user"]),
			Token:  addressOf(v["token"]),
			Amount: bigOf(v["amount"]),
		}
		if quoted != nil {
			out.Quoted = bigOf(quoted)
		}
		return out, nil
	}
	return nil, errUnknownLog
}

func addressOf(v interface{}) common.Address {
	addr, _ := v.(common.Address)
	return addr
}

func hashOf(v interface{}) [32]byte {
	switch h := v.(type) {
	case [32]byte:
		return h
	case common.Hash:
		return h
	}
	return [32]byte{}
}

func bigOf(v interface{}) *big.Int {
	if b, ok := v.(*big.Int); ok && b != nil {
		return b
	}
	return big.NewInt(0)
}
