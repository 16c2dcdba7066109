package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	coretypes "miladybank/core/types"
	"miladybank/native/lending"
	"miladybank/native/market"
	"miladybank/services/bank/engine"
)

const defaultReceiptPoll = 2 * time.Second

// Config addresses the deployed contracts and the markets served.
type Config struct {
	Bank    common.Address
	Router  common.Address
	Markets []market.PoolKey
	// ReceiptPoll is the interval between receipt lookups after a send.
	ReceiptPoll time.Duration
	// FeedHistory bounds the replay buffer of the event feed.
	FeedHistory int
}

// Engine implements engine.Engine against a deployed MiladyBank and its
// router. Reads are eth_calls; writes are transactions signed by the
// configured key and awaited until mined.
type Engine struct {
	client  Client
	signer  *Signer
	cfg     Config
	markets map[market.PoolID]market.PoolKey
	feed    *engine.Feed
	logger  *slog.Logger

	sendMu  sync.Mutex
	chainID *big.Int
}

var _ engine.Engine = (*Engine)(nil)

// New constructs a contract engine. signer may be nil for read-only use.
func New(client Client, signer *Signer, cfg Config, logger *slog.Logger) (*Engine, error) {
	if client == nil {
		return nil, errors.New("chain: client required")
	}
	if (cfg.Bank == common.Address{}) || (cfg.Router == common.Address{}) {
		return nil, errors.New("chain: bank and router addresses required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = defaultReceiptPoll
	}
	markets := make(map[market.PoolID]market.PoolKey, len(cfg.Markets))
	for _, key := range cfg.Markets {
		if err := key.Validate(); err != nil {
			return nil, fmt.Errorf("chain: market %s: %w", key.ID(), err)
		}
		markets[key.ID()] = key
	}
	return &Engine{
		client:  client,
		signer:  signer,
		cfg:     cfg,
		markets: markets,
		feed:    engine.NewFeed(cfg.FeedHistory),
		logger:  logger,
	}, nil
}

// Feed exposes the feed decoded contract logs are published to.
func (e *Engine) Feed() *engine.Feed { return e.feed }

func (e *Engine) Deposit(ctx context.Context, user, marketID, amount string) error {
	key, value, err := e.prepareWrite(user, marketID, amount)
	if err != nil {
		return err
	}
	_, err = e.transact(ctx, e.cfg.Router, routerABI, "deposit", toTuple(key), value)
	return err
}

func (e *Engine) Withdraw(ctx context.Context, user, marketID, amount string) error {
	key, value, err := e.prepareWrite(user, marketID, amount)
	if err != nil {
		return err
	}
	_, err = e.transact(ctx, e.cfg.Router, routerABI, "withdraw", toTuple(key), value)
	return err
}

func (e *Engine) EmergencyWithdraw(ctx context.Context, user, marketID, amount string) error {
	key, value, err := e.prepareWrite(user, marketID, amount)
	if err != nil {
		return err
	}
	_, err = e.transact(ctx, e.cfg.Router, routerABI, "emergencyWithdraw", toTuple(key), value)
	return err
}

func (e *Engine) Borrow(ctx context.Context, user, marketID, amount, minAmountOut string) (string, error) {
	key, value, err := e.prepareWrite(user, marketID, amount)
	if err != nil {
		return "", err
	}
	bound, err := parseBound(minAmountOut)
	if err != nil {
		return "", err
	}
	receipt, err := e.transact(ctx, e.cfg.Router, routerABI, "borrow", toTuple(key), value, bound)
	if err != nil {
		return "", err
	}
	return e.receiptValue(receipt, "Borrowed", "amountOut"), nil
}

func (e *Engine) Repay(ctx context.Context, user, marketID, amount, maxAmountIn string) (string, error) {
	key, value, err := e.prepareWrite(user, marketID, amount)
	if err != nil {
		return "", err
	}
	bound, err := parseBound(maxAmountIn)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(maxAmountIn) == "" {
		bound = maxInt256
	}
	receipt, err := e.transact(ctx, e.cfg.Router, routerABI, "repay", toTuple(key), value, bound)
	if err != nil {
		return "", err
	}
	return e.receiptValue(receipt, "Repaid", "amountIn"), nil
}

func (e *Engine) DepositAndBorrow(ctx context.Context, req engine.DepositAndBorrowRequest) (string, error) {
	key, borrow, err := e.prepareWrite(req.User, req.Market, req.BorrowAmount)
	if err != nil {
		return "", err
	}
	deposit, err := parseAmount(req.DepositAmount)
	if err != nil {
		return "", err
	}
	minOut, err := parseBound(req.MinAmountOut)
	if err != nil {
		return "", err
	}
	maxIn, err := parseBound(req.MaxAmountIn)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(req.MaxAmountIn) == "" {
		maxIn = maxInt256
	}
	receipt, err := e.transact(ctx, e.cfg.Router, routerABI, "depositAndBorrow", toTuple(key), deposit, borrow, minOut, maxIn)
	if err != nil {
		return "", err
	}
	return e.receiptValue(receipt, "Borrowed", "amountOut"), nil
}

func (e *Engine) RepayAndWithdraw(ctx context.Context, req engine.RepayAndWithdrawRequest) (string, error) {
	key, repay, err := e.prepareWrite(req.User, req.Market, req.RepayAmount)
	if err != nil {
		return "", err
	}
	withdraw, err := parseAmount(req.WithdrawAmount)
	if err != nil {
		return "", err
	}
	maxIn, err := parseBound(req.MaxAmountIn)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(req.MaxAmountIn) == "" {
		maxIn = maxInt256
	}
	minOut, err := parseBound(req.MinAmountOut)
	if err != nil {
		return "", err
	}
	receipt, err := e.transact(ctx, e.cfg.Router, routerABI, "repayAndWithdraw", toTuple(key), repay, withdraw, maxIn, minOut)
	if err != nil {
		return "", err
	}
	return e.receiptValue(receipt, "Repaid", "amountIn"), nil
}

func (e *Engine) Liquidate(ctx context.Context, liquidator, user, marketID, debtAmount string) (string, error) {
	key, value, err := e.prepareWrite(liquidator, marketID, debtAmount)
	if err != nil {
		return "", err
	}
	borrower, err := parseAddress(user)
	if err != nil {
		return "", err
	}
	receipt, err := e.transact(ctx, e.cfg.Bank, bankABI, "liquidate", toTuple(key), borrower, value)
	if err != nil {
		return "", err
	}
	return e.receiptValue(receipt, "Liquidation", "collateralLiquidated"), nil
}

func (e *Engine) GetMarket(ctx context.Context, marketID string) (engine.Market, error) {
	key, err := e.resolve(marketID)
	if err != nil {
		return engine.Market{}, err
	}
	return e.snapshot(ctx, key)
}

func (e *Engine) ListMarkets(ctx context.Context) ([]engine.Market, error) {
	out := make([]engine.Market, 0, len(e.cfg.Markets))
	for _, key := range e.cfg.Markets {
		snap, err := e.snapshot(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (e *Engine) snapshot(ctx context.Context, key market.PoolKey) (engine.Market, error) {
	values, err := e.call(ctx, e.cfg.Bank, bankABI, "getLendingPool", toTuple(key))
	if err != nil {
		return engine.Market{}, err
	}
	price, err := e.GetPrice(ctx, key.ID().String())
	if err != nil {
		return engine.Market{}, err
	}
	return engine.Market{
		ID:            key.ID().String(),
		Currency0:     formatAddress(key.Currency0),
		Currency1:     formatAddress(key.Currency1),
		Fee:           key.Fee,
		TickSpacing:   key.TickSpacing,
		Hooks:         formatAddress(key.Hooks),
		TotalDeposits: bigAt(values, 0).String(),
		TotalBorrows:  bigAt(values, 1).String(),
		CurrentRate:   bigAt(values, 2).String(),
		Utilization:   bigAt(values, 3).String(),
		Price:         price.Price,
		Stale:         price.Stale,
	}, nil
}

func (e *Engine) GetPosition(ctx context.Context, user, marketID string) (engine.Position, error) {
	key, err := e.resolve(marketID)
	if err != nil {
		return engine.Position{}, err
	}
	addr, err := parseAddress(user)
	if err != nil {
		return engine.Position{}, err
	}
	values, err := e.call(ctx, e.cfg.Bank, bankABI, "getUserPosition", toTuple(key), addr)
	if err != nil {
		return engine.Position{}, err
	}
	return engine.Position{
		User:             formatAddress(addr),
		Market:           key.ID().String(),
		Deposits:         bigAt(values, 0).String(),
		Borrows:          bigAt(values, 1).String(),
		LastBorrowTime:   bigAt(values, 2).Uint64(),
		BorrowedInWindow: bigAt(values, 3).String(),
	}, nil
}

func (e *Engine) CheckHealth(ctx context.Context, user, marketID string) (engine.Health, error) {
	key, err := e.resolve(marketID)
	if err != nil {
		return engine.Health{}, err
	}
	addr, err := parseAddress(user)
	if err != nil {
		return engine.Health{}, err
	}
	values, err := e.call(ctx, e.cfg.Bank, bankABI, "checkHealth", addr, toTuple(key))
	if err != nil {
		return engine.Health{}, err
	}
	hf := bigAt(values, 0)
	return engine.Health{
		User:         formatAddress(addr),
		Market:       key.ID().String(),
		HealthFactor: hf.String(),
		Liquidatable: hf.Cmp(lending.HealthFactorOne) < 0,
	}, nil
}

func (e *Engine) GetPrice(ctx context.Context, marketID string) (engine.Price, error) {
	key, err := e.resolve(marketID)
	if err != nil {
		return engine.Price{}, err
	}
	out := engine.Price{Market: key.ID().String()}
	values, err := e.call(ctx, e.cfg.Bank, bankABI, "isStale", toTuple(key))
	if err != nil {
		return engine.Price{}, err
	}
	stale, _ := values[0].(bool)
	out.Stale = stale
	if stale {
		return out, nil
	}
	values, err = e.call(ctx, e.cfg.Bank, bankABI, "getPrice", toTuple(key))
	if err != nil {
		return engine.Price{}, err
	}
	out.Price = bigAt(values, 0).String()
	return out, nil
}

func (e *Engine) GetParams(ctx context.Context) (engine.Params, error) {
	var out engine.Params
	read := func(method string) (*big.Int, error) {
		values, err := e.call(ctx, e.cfg.Bank, bankABI, method)
		if err != nil {
			return nil, err
		}
		switch v := values[0].(type) {
		case uint32:
			return new(big.Int).SetUint64(uint64(v)), nil
		default:
			return bigAt(values, 0), nil
		}
	}
	fields := []struct {
		method string
		set    func(*big.Int)
	}{
		{"LIQUIDATION_THRESHOLD", func(v *big.Int) { out.LiquidationThresholdBps = v.Uint64() }},
		{"LIQUIDATION_BONUS", func(v *big.Int) { out.LiquidationBonusBps = v.Uint64() }},
		{"MAX_BORROW_PER_WINDOW", func(v *big.Int) { out.MaxBorrowPerWindow = v.String() }},
		{"RATE_LIMIT_WINDOW", func(v *big.Int) { out.RateLimitWindow = v.Uint64() }},
		{"MIN_HOLD_TIME", func(v *big.Int) { out.MinHoldTime = v.Uint64() }},
		{"STALENESS_PERIOD", func(v *big.Int) { out.StalenessPeriod = uint32(v.Uint64()) }},
		{"TWAP_PERIOD", func(v *big.Int) { out.TwapPeriod = uint32(v.Uint64()) }},
	}
	for _, f := range fields {
		v, err := read(f.method)
		if err != nil {
			return engine.Params{}, err
		}
		f.set(v)
	}
	return out, nil
}

func (e *Engine) Pause(ctx context.Context, caller, target string) error {
	return e.setPaused(ctx, caller, target, "pause")
}

func (e *Engine) Unpause(ctx context.Context, caller, target string) error {
	return e.setPaused(ctx, caller, target, "unpause")
}

func (e *Engine) setPaused(ctx context.Context, caller, target, method string) error {
	if err := e.requireSigner(caller); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(target)) {
	case engine.TargetBank, "":
		_, err := e.transact(ctx, e.cfg.Bank, bankABI, method)
		return err
	case engine.TargetRouter:
		_, err := e.transact(ctx, e.cfg.Router, routerABI, method)
		return err
	default:
		return fmt.Errorf("unknown pause target %q: %w", target, engine.ErrNotFound)
	}
}

func (e *Engine) Subscribe(ctx context.Context, since uint64) (<-chan coretypes.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.feed.Subscribe(ctx, since), nil
}

func (e *Engine) prepareWrite(user, marketID, amount string) (market.PoolKey, *big.Int, error) {
	if err := e.requireSigner(user); err != nil {
		return market.PoolKey{}, nil, err
	}
	key, err := e.resolve(marketID)
	if err != nil {
		return market.PoolKey{}, nil, err
	}
	value, err := parseAmount(amount)
	if err != nil {
		return market.PoolKey{}, nil, err
	}
	return key, value, nil
}

func (e *Engine) requireSigner(user string) error {
	if e.signer == nil {
		return fmt.Errorf("no signing key configured: %w", engine.ErrUnauthorized)
	}
	addr, err := parseAddress(user)
	if err != nil {
		return err
	}
	if addr != e.signer.Address() {
		return fmt.Errorf("%s is not the signing account: %w", formatAddress(addr), engine.ErrUnauthorized)
	}
	return nil
}

func (e *Engine) resolve(marketID string) (market.PoolKey, error) {
	id, err := market.ParsePoolID(marketID)
	if err != nil {
		return market.PoolKey{}, fmt.Errorf("market %q: %w", marketID, engine.ErrNotFound)
	}
	key, ok := e.markets[id]
	if !ok {
		return market.PoolKey{}, fmt.Errorf("market %s: %w", id, engine.ErrNotFound)
	}
	return key, nil
}

func (e *Engine) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: pack %s: %v", engine.ErrInternal, method, err)
	}
	output, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, translateError(err)
	}
	values, err := contract.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", engine.ErrInternal, method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: %s returned no values", engine.ErrInternal, method)
	}
	return values, nil
}

func (e *Engine) transact(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) (*gethtypes.Receipt, error) {
	if e.signer == nil {
		return nil, fmt.Errorf("no signing key configured: %w", engine.ErrUnauthorized)
	}
	input, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: pack %s: %v", engine.ErrInternal, method, err)
	}
	tx, err := e.send(ctx, to, input)
	if err != nil {
		return nil, err
	}
	e.logger.Info("bank transaction sent", slog.String("method", method), slog.String("tx", tx.Hash().Hex()))
	receipt, err := e.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s %s", engine.ErrInternal, method, errTxReverted.Error())
	}
	for _, l := range receipt.Logs {
		if l != nil {
			e.publishLog(*l)
		}
	}
	return receipt, nil
}

func (e *Engine) send(ctx context.Context, to common.Address, input []byte) (*gethtypes.Transaction, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	from := e.signer.Address()
	if e.chainID == nil {
		id, err := e.client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: chain id: %v", engine.ErrInternal, err)
		}
		e.chainID = id
	}
	gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: input})
	if err != nil {
		// Reverting calls fail estimation; surface the contract's reason.
		return nil, translateError(err)
	}
	nonce, err := e.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", engine.ErrInternal, err)
	}
	head, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: head: %v", engine.ErrInternal, err)
	}

	var txData gethtypes.TxData
	if head != nil && head.BaseFee != nil {
		tip, err := e.client.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: tip: %v", engine.ErrInternal, err)
		}
		feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
		feeCap.Add(feeCap, tip)
		txData = &gethtypes.DynamicFeeTx{
			ChainID:   e.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Data:      input,
		}
	} else {
		price, err := e.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: gas price: %v", engine.ErrInternal, err)
		}
		txData = &gethtypes.LegacyTx{Nonce: nonce, GasPrice: price, Gas: gas, To: &to, Data: input}
	}
	signed, err := gethtypes.SignNewTx(e.signer.key, gethtypes.LatestSignerForChainID(e.chainID), txData)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", engine.ErrInternal, err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return nil, translateError(err)
	}
	return signed, nil
}

func (e *Engine) waitMined(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(e.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: receipt %s: %v", engine.ErrInternal, hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// receiptValue extracts a field of the first matching event in the receipt.
func (e *Engine) receiptValue(receipt *gethtypes.Receipt, event, field string) string {
	for _, l := range receipt.Logs {
		if l == nil {
			continue
		}
		name, values, err := decodeLog(*l, e.cfg.Bank, e.cfg.Router)
		if err != nil || name != event {
			continue
		}
		if v, ok := values[field].(*big.Int); ok {
			return v.String()
		}
	}
	return ""
}

var maxInt256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))

func bigAt(values []interface{}, i int) *big.Int {
	if i >= len(values) {
		return big.NewInt(0)
	}
	if v, ok := values[i].(*big.Int); ok && v != nil {
		return v
	}
	return big.NewInt(0)
}

func parseAddress(addr string) (common.Address, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("address required: %w", engine.ErrInvalidAmount)
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address: %w", engine.ErrInvalidAmount)
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(amount string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %w", engine.ErrInvalidAmount)
	}
	if value.Sign() <= 0 || value.Cmp(maxInt256) > 0 {
		return nil, fmt.Errorf("amount out of range: %w", engine.ErrInvalidAmount)
	}
	return value, nil
}

// parseBound treats an empty string as zero, which the router reads as no
// lower bound.
func parseBound(bound string) (*big.Int, error) {
	trimmed := strings.TrimSpace(bound)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 || value.Cmp(maxInt256) > 0 {
		return nil, fmt.Errorf("invalid slippage bound: %w", engine.ErrInvalidAmount)
	}
	return value, nil
}

func formatAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
