package chain

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/require"

	"miladybank/core/events"
	"miladybank/native/market"
	"miladybank/services/bank/engine"
)

var (
	bankAddr   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	routerAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	chainID    = big.NewInt(1337)
)

type revertError struct {
	msg  string
	data string
}

func (e revertError) Error() string          { return e.msg }
func (e revertError) ErrorData() interface{} { return e.data }

type fakeClient struct {
	mu        sync.Mutex
	responses map[string][]interface{}
	estimate  error
	sent      []*gethtypes.Transaction
	logs      []*gethtypes.Log
	stream    chan gethtypes.Log
}

func newFakeClient() *fakeClient {
	return &fakeClient{responses: make(map[string][]interface{}), stream: make(chan gethtypes.Log, 8)}
}

func (f *fakeClient) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	contract := bankABI
	if *msg.To == routerAddr {
		contract = routerABI
	}
	method, err := contract.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	values, ok := f.responses[method.Name]
	f.mu.Unlock()
	if !ok {
		return nil, revertError{msg: "execution reverted", data: hexutil.Encode(bankABI.Errors["HookNotImplemented"].ID[:4])}
	}
	return method.Outputs.Pack(values...)
}

func (f *fakeClient) FilterLogs(context.Context, ethereum.FilterQuery) ([]gethtypes.Log, error) {
	return nil, nil
}

func (f *fakeClient) SubscribeFilterLogs(ctx context.Context, _ ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error) {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		for {
			select {
			case l := <-f.stream:
				select {
				case ch <- l:
				case <-quit:
					return nil
				}
			case <-quit:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	}), nil
}

func (f *fakeClient) ChainID(context.Context) (*big.Int, error) { return chainID, nil }
func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}
func (f *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, f.estimate
}
func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error)  { return big.NewInt(1), nil }
func (f *fakeClient) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeClient) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: big.NewInt(10), BaseFee: big.NewInt(1_000_000_000)}, nil
}
func (f *fakeClient) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, TxHash: hash, Logs: f.logs}, nil
}

func testKey() market.PoolKey {
	return market.PoolKey{
		Currency0:   common.HexToAddress("0x0000000000000000000000000000000000000a01"),
		Currency1:   common.HexToAddress("0x0000000000000000000000000000000000000a02"),
		Fee:         3000,
		TickSpacing: 60,
		Hooks:       bankAddr,
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeClient, *Signer) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner(key)
	require.NoError(t, err)
	client := newFakeClient()
	eng, err := New(client, signer, Config{
		Bank:        bankAddr,
		Router:      routerAddr,
		Markets:     []market.PoolKey{testKey()},
		ReceiptPoll: time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return eng, client, signer
}

func routerLog(t *testing.T, name string, user common.Address, data ...interface{}) *gethtypes.Log {
	t.Helper()
	ev := routerABI.Events[name]
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	require.NoError(t, err)
	return &gethtypes.Log{
		Address: routerAddr,
		Topics:  []common.Hash{ev.ID, common.BytesToHash(user.Bytes())},
		Data:    packed,
	}
}

func TestChainReads(t *testing.T) {
	eng, client, _ := newTestEngine(t)
	ctx := context.Background()
	id := testKey().ID().String()
	user := "0x0000000000000000000000000000000000001111"

	client.responses["getLendingPool"] = []interface{}{big.NewInt(1000), big.NewInt(400), big.NewInt(5), big.NewInt(6)}
	client.responses["isStale"] = []interface{}{false}
	client.responses["getPrice"] = []interface{}{big.NewInt(1e18)}
	client.responses["getUserPosition"] = []interface{}{big.NewInt(1000), big.NewInt(400), big.NewInt(77), big.NewInt(400)}
	client.responses["checkHealth"] = []interface{}{big.NewInt(9e17)}

	m, err := eng.GetMarket(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "1000", m.TotalDeposits)
	require.Equal(t, "400", m.TotalBorrows)
	require.Equal(t, "1000000000000000000", m.Price)

	pos, err := eng.GetPosition(ctx, user, id)
	require.NoError(t, err)
	require.Equal(t, uint64(77), pos.LastBorrowTime)
	require.Equal(t, "400", pos.BorrowedInWindow)

	health, err := eng.CheckHealth(ctx, user, id)
	require.NoError(t, err)
	require.True(t, health.Liquidatable)

	client.responses["isStale"] = []interface{}{true}
	price, err := eng.GetPrice(ctx, id)
	require.NoError(t, err)
	require.True(t, price.Stale)
	require.Empty(t, price.Price)

	_, err = eng.GetMarket(ctx, common.Hash{}.Hex())
	require.ErrorIs(t, err, engine.ErrNotFound)

	delete(client.responses, "getLendingPool")
	_, err = eng.GetMarket(ctx, id)
	require.ErrorIs(t, err, engine.ErrInternal)
}

func TestChainParams(t *testing.T) {
	eng, client, _ := newTestEngine(t)
	for name, v := range map[string]*big.Int{
		"LIQUIDATION_THRESHOLD": big.NewInt(8000),
		"LIQUIDATION_BONUS":     big.NewInt(500),
		"MAX_BORROW_PER_WINDOW": big.NewInt(1e18),
		"RATE_LIMIT_WINDOW":     big.NewInt(3600),
		"MIN_HOLD_TIME":         big.NewInt(300),
	} {
		client.responses[name] = []interface{}{v}
	}
	client.responses["STALENESS_PERIOD"] = []interface{}{uint32(3600)}
	client.responses["TWAP_PERIOD"] = []interface{}{uint32(1800)}

	params, err := eng.GetParams(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(8000), params.LiquidationThresholdBps)
	require.Equal(t, uint32(1800), params.TwapPeriod)
	require.Equal(t, "1000000000000000000", params.MaxBorrowPerWindow)
}

func TestChainBorrowSignsAndDecodesReceipt(t *testing.T) {
	eng, client, signer := newTestEngine(t)
	ctx := context.Background()
	id := testKey().ID().String()
	client.logs = []*gethtypes.Log{
		routerLog(t, "Borrowed", signer.Address(), testKey().Currency1, big.NewInt(1000), big.NewInt(997)),
	}

	out, err := eng.Borrow(ctx, signer.Address().Hex(), id, "1000", "990")
	require.NoError(t, err)
	require.Equal(t, "997", out)

	require.Len(t, client.sent, 1)
	tx := client.sent[0]
	require.Equal(t, routerAddr, *tx.To())
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(chainID), tx)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), from)

	method, err := routerABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, "borrow", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, "1000", args[1].(*big.Int).String())
	require.Equal(t, "990", args[2].(*big.Int).String())

	replay := eng.Feed().Since(0)
	require.Len(t, replay, 1)
	require.Equal(t, events.TypeRouterBorrowed, replay[0].Type)
	require.Equal(t, "997", replay[0].Attributes["amountOut"])
}

func TestChainWritesRequireSigner(t *testing.T) {
	eng, client, signer := newTestEngine(t)
	ctx := context.Background()
	id := testKey().ID().String()

	err := eng.Deposit(ctx, "0x0000000000000000000000000000000000001111", id, "1")
	require.ErrorIs(t, err, engine.ErrUnauthorized)
	require.Empty(t, client.sent)

	client.estimate = revertError{msg: "execution reverted: bank: minimum hold time not elapsed"}
	err = eng.Withdraw(ctx, signer.Address().Hex(), id, "1")
	require.ErrorIs(t, err, engine.ErrRateLimited)

	client.estimate = revertError{msg: "execution reverted", data: hexutil.Encode(bankABI.Errors["NotPoolManager"].ID[:4])}
	err = eng.Pause(ctx, signer.Address().Hex(), engine.TargetBank)
	require.ErrorIs(t, err, engine.ErrUnauthorized)
	require.Empty(t, client.sent)
}

func TestChainRunStreamsLogs(t *testing.T) {
	eng, client, signer := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := eng.Subscribe(ctx, 0)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	pid := testKey().ID()
	ev := bankABI.Events["Deposit"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(55))
	require.NoError(t, err)
	client.stream <- gethtypes.Log{
		Address: bankAddr,
		Topics:  []common.Hash{ev.ID, common.BytesToHash(signer.Address().Bytes()), common.Hash(pid)},
		Data:    data,
	}
	client.stream <- gethtypes.Log{Address: common.HexToAddress("0xdead"), Topics: []common.Hash{ev.ID}}

	select {
	case evt := <-stream:
		require.Equal(t, events.TypeBankDeposit, evt.Type)
		require.Equal(t, "55", evt.Attributes["amount"])
		require.Equal(t, pid.String(), evt.Attributes["poolId"])
	case <-time.After(2 * time.Second):
		t.Fatal("log not streamed")
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestChainEmptyMaxAmountInIsUnbounded(t *testing.T) {
	eng, client, signer := newTestEngine(t)
	ctx := context.Background()
	id := testKey().ID().String()
	user := signer.Address().Hex()
	client.logs = []*gethtypes.Log{
		routerLog(t, "Borrowed", signer.Address(), testKey().Currency1, big.NewInt(500), big.NewInt(500)),
	}

	out, err := eng.DepositAndBorrow(ctx, engine.DepositAndBorrowRequest{User: user, Market: id, DepositAmount: "1000", BorrowAmount: "500"})
	require.NoError(t, err)
	require.Equal(t, "500", out)
	_, err = eng.RepayAndWithdraw(ctx, engine.RepayAndWithdrawRequest{User: user, Market: id, RepayAmount: "500", WithdrawAmount: "1000"})
	require.NoError(t, err)
	_, err = eng.DepositAndBorrow(ctx, engine.DepositAndBorrowRequest{User: user, Market: id, DepositAmount: "1000", BorrowAmount: "500", MaxAmountIn: "1000"})
	require.NoError(t, err)

	require.Len(t, client.sent, 3)
	wantMaxIn := []struct {
		method string
		index  int
		value  *big.Int
	}{
		{"depositAndBorrow", 4, maxInt256},
		{"repayAndWithdraw", 3, maxInt256},
		{"depositAndBorrow", 4, big.NewInt(1000)},
	}
	for i, want := range wantMaxIn {
		data := client.sent[i].Data()
		method, err := routerABI.MethodById(data[:4])
		require.NoError(t, err)
		require.Equal(t, want.method, method.Name)
		args, err := method.Inputs.Unpack(data[4:])
		require.NoError(t, err)
		require.Equal(t, want.value.String(), args[want.index].(*big.Int).String())
	}
}
