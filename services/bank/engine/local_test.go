package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"miladybank/core/events"
	nativecommon "miladybank/native/common"
	"miladybank/native/lending"
	"miladybank/native/market"
	"miladybank/native/router"
	"miladybank/storage"
)

var (
	bankAddr    = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	managerAddr = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	routerAddr  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	ownerAddr   = common.HexToAddress("0x0000000000000000000000000000000000000001")

	alice = "0x0000000000000000000000000000000000001111"
	bob   = "0x0000000000000000000000000000000000002222"
	owner = "0x0000000000000000000000000000000000000001"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time        { return c.now }
func (c *clock) advance(seconds int64) { c.now = c.now.Add(time.Duration(seconds) * time.Second) }

type env struct {
	engine *Local
	clock  *clock
	market string
	params lending.Params
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

func newEnv(t *testing.T, db storage.Database) *env {
	t.Helper()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	params := lending.DefaultParams()
	local, err := NewNative(NativeConfig{
		Bank:    bankAddr,
		Router:  routerAddr,
		Manager: managerAddr,
		Owner:   ownerAddr,
		Params:  params,
		RouterConfig: router.Config{
			FeeBps: 30,
			Window: nativecommon.Window{MaxPerWindow: big.NewInt(1_000_000), WindowSeconds: 3_600},
		},
		Clock: c.Now,
	}, db)
	require.NoError(t, err)

	ctx := context.Background()
	id, err := local.InitializeMarket(ctx, testKey(), 0)
	require.NoError(t, err)
	require.NoError(t, local.AddLiquidity(ctx, id, "1000000"))
	c.advance(int64(params.TwapPeriod))
	require.NoError(t, local.Swap(ctx, id, 0))
	return &env{engine: local, clock: c, market: id, params: params}
}

func TestLocalDepositBorrowRepay(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, e.engine.Deposit(ctx, alice, e.market, "1000"))
	out, err := e.engine.Borrow(ctx, alice, e.market, "500", "498")
	require.NoError(t, err)
	require.Equal(t, "499", out)

	pos, err := e.engine.GetPosition(ctx, alice, e.market)
	require.NoError(t, err)
	require.Equal(t, "1000", pos.Deposits)
	require.Equal(t, "500", pos.Borrows)
	require.Equal(t, uint64(e.clock.now.Unix()), pos.LastBorrowTime)

	health, err := e.engine.CheckHealth(ctx, alice, e.market)
	require.NoError(t, err)
	require.False(t, health.Liquidatable)
	require.Equal(t, "1600000000000000000", health.HealthFactor)

	in, err := e.engine.Repay(ctx, alice, e.market, "500", "")
	require.NoError(t, err)
	require.Equal(t, "501", in)

	m, err := e.engine.GetMarket(ctx, e.market)
	require.NoError(t, err)
	require.Equal(t, "1000", m.TotalDeposits)
	require.Equal(t, "0", m.TotalBorrows)
	require.Equal(t, "1000000000000000000", m.Price)
	require.False(t, m.Stale)
}

func TestLocalErrorTranslation(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, e.engine.Deposit(ctx, alice, e.market, "1000"))

	cases := []struct {
		name string
		call func() error
		want error
	}{
		{"bad amount", func() error { return e.engine.Deposit(ctx, alice, e.market, "-1") }, ErrInvalidAmount},
		{"bad address", func() error { return e.engine.Deposit(ctx, "nope", e.market, "1") }, ErrInvalidAmount},
		{"unknown market", func() error {
			return e.engine.Deposit(ctx, alice, common.Hash{}.Hex(), "1")
		}, ErrNotFound},
		{"malformed market", func() error { return e.engine.Deposit(ctx, alice, "0x12", "1") }, ErrNotFound},
		{"unhealthy borrow", func() error {
			_, err := e.engine.Borrow(ctx, alice, e.market, "900", "")
			return err
		}, ErrInsufficientCollateral},
		{"slippage", func() error {
			_, err := e.engine.Borrow(ctx, alice, e.market, "1000", "1000")
			return err
		}, ErrSlippage},
		{"not owner", func() error { return e.engine.Pause(ctx, bob, TargetBank) }, ErrUnauthorized},
		{"unknown target", func() error { return e.engine.Pause(ctx, owner, "vault") }, ErrNotFound},
		{"emergency while live", func() error { return e.engine.EmergencyWithdraw(ctx, alice, e.market, "1") }, ErrConflict},
		{"liquidate healthy", func() error {
			_, err := e.engine.Liquidate(ctx, bob, alice, e.market, "1")
			return err
		}, ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, tc.call(), tc.want)
		})
	}

	_, err := e.engine.Borrow(ctx, alice, e.market, "100", "")
	require.NoError(t, err)
	require.ErrorIs(t, e.engine.Withdraw(ctx, alice, e.market, "1"), ErrRateLimited)
}

func TestLocalStalePrice(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, e.engine.Deposit(ctx, alice, e.market, "1000"))

	e.clock.advance(int64(e.params.StalenessPeriod) + 1)
	price, err := e.engine.GetPrice(ctx, e.market)
	require.NoError(t, err)
	require.True(t, price.Stale)
	require.Empty(t, price.Price)

	_, err = e.engine.Borrow(ctx, alice, e.market, "10", "")
	require.ErrorIs(t, err, ErrStalePrice)

	markets, err := e.engine.ListMarkets(ctx)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	require.True(t, markets[0].Stale)
}

func TestLocalPauseTargets(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, e.engine.Deposit(ctx, alice, e.market, "1000"))

	require.NoError(t, e.engine.Pause(ctx, owner, TargetRouter))
	require.ErrorIs(t, e.engine.Deposit(ctx, alice, e.market, "1"), ErrPaused)
	require.NoError(t, e.engine.EmergencyWithdraw(ctx, alice, e.market, "400"))
	require.ErrorIs(t, e.engine.Pause(ctx, owner, TargetRouter), ErrConflict)
	require.NoError(t, e.engine.Unpause(ctx, owner, TargetRouter))

	require.NoError(t, e.engine.Pause(ctx, owner, TargetBank))
	require.ErrorIs(t, e.engine.Deposit(ctx, alice, e.market, "1"), ErrPaused)
	pos, err := e.engine.GetPosition(ctx, alice, e.market)
	require.NoError(t, err)
	require.Equal(t, "600", pos.Deposits)
}

func TestLocalComposites(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	out, err := e.engine.DepositAndBorrow(ctx, DepositAndBorrowRequest{
		User: alice, Market: e.market, DepositAmount: "1000", BorrowAmount: "900",
	})
	require.ErrorIs(t, err, ErrInsufficientCollateral)
	require.Empty(t, out)
	pos, err := e.engine.GetPosition(ctx, alice, e.market)
	require.NoError(t, err)
	require.Equal(t, "0", pos.Deposits, "failed composite must not leave a deposit behind")

	out, err = e.engine.DepositAndBorrow(ctx, DepositAndBorrowRequest{
		User: alice, Market: e.market, DepositAmount: "1000", BorrowAmount: "400", MinAmountOut: "398",
	})
	require.NoError(t, err)
	require.Equal(t, "399", out)

	e.clock.advance(int64(e.params.MinHoldTime))
	require.NoError(t, e.engine.Swap(ctx, e.market, 0))
	in, err := e.engine.RepayAndWithdraw(ctx, RepayAndWithdrawRequest{
		User: alice, Market: e.market, RepayAmount: "400", WithdrawAmount: "1000", MaxAmountIn: "402",
	})
	require.NoError(t, err)
	require.Equal(t, "401", in)
}

func TestLocalSubscribeReceivesEvents(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := e.engine.Subscribe(ctx, e.engine.Feed().Sequence())
	require.NoError(t, err)
	require.NoError(t, e.engine.Deposit(context.Background(), alice, e.market, "10"))

	want := []string{events.TypeBankDeposit, events.TypeRouterDeposited}
	for _, typ := range want {
		select {
		case evt := <-stream:
			require.Equal(t, typ, evt.Type)
			require.Equal(t, "10", evt.Attributes["amount"])
			require.Equal(t, e.clock.now.Unix(), evt.Timestamp)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestLocalStatePersists(t *testing.T) {
	db := storage.NewMemDB()
	e := newEnv(t, db)
	ctx := context.Background()
	require.NoError(t, e.engine.Deposit(ctx, alice, e.market, "77"))

	reopened, err := NewNative(NativeConfig{
		Bank:    bankAddr,
		Router:  routerAddr,
		Manager: managerAddr,
		Owner:   ownerAddr,
		Params:  e.params,
		Clock:   e.clock.Now,
	}, db)
	require.NoError(t, err)
	pos, err := reopened.GetPosition(ctx, alice, e.market)
	require.NoError(t, err)
	require.Equal(t, "77", pos.Deposits)
	users, err := reopened.Borrowers(ctx, e.market)
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestLocalHonoursCancelledContext(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.engine.Deposit(ctx, alice, e.market, "1")
	require.True(t, errors.Is(err, context.Canceled))
}
