package keeper

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	nativecommon "miladybank/native/common"
	"miladybank/native/lending"
	"miladybank/native/market"
	"miladybank/native/router"
	"miladybank/services/bank/engine"
	"miladybank/storage"
)

const (
	alice      = "0x0000000000000000000000000000000000001111"
	bob        = "0x0000000000000000000000000000000000002222"
	liquidator = "0x000000000000000000000000000000000000beef"
)

var bankAddr = common.HexToAddress("0x00000000000000000000000000000000000000b0")

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func (c *clock) advance(seconds uint32) {
	c.now = c.now.Add(time.Duration(seconds) * time.Second)
}

type env struct {
	engine *engine.Local
	clock  *clock
	market string
	params lending.Params
}

func newEnv(t *testing.T) *env {
	t.Helper()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	params := lending.DefaultParams()
	local, err := engine.NewNative(engine.NativeConfig{
		Bank:    bankAddr,
		Router:  common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		Manager: common.HexToAddress("0x00000000000000000000000000000000000000a0"),
		Owner:   common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Params:  params,
		RouterConfig: router.Config{
			Window: nativecommon.Window{MaxPerWindow: big.NewInt(1_000_000), WindowSeconds: 3_600},
		},
		Clock: c.Now,
	}, storage.NewMemDB())
	require.NoError(t, err)

	ctx := context.Background()
	id, err := local.InitializeMarket(ctx, market.PoolKey{
		Currency0:   common.HexToAddress("0x0000000000000000000000000000000000000a01"),
		Currency1:   common.HexToAddress("0x0000000000000000000000000000000000000a02"),
		Fee:         3000,
		TickSpacing: 60,
		Hooks:       bankAddr,
	}, 0)
	require.NoError(t, err)
	require.NoError(t, local.AddLiquidity(ctx, id, "1000000"))
	c.advance(params.TwapPeriod)
	require.NoError(t, local.Swap(ctx, id, 0))
	return &env{engine: local, clock: c, market: id, params: params}
}

func (e *env) openPosition(t *testing.T, user string, deposit, borrow string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.engine.Deposit(ctx, user, e.market, deposit))
	_, err := e.engine.Borrow(ctx, user, e.market, borrow, "")
	require.NoError(t, err)
}

// dropPrice moves the pool to a lower tick and lets a full TWAP period elapse.
func (e *env) dropPrice(t *testing.T, tick int32) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.engine.Swap(ctx, e.market, tick))
	e.clock.advance(e.params.TwapPeriod)
	require.NoError(t, e.engine.Swap(ctx, e.market, tick))
}

func newKeeper(t *testing.T, e *env, cfg Config) *Keeper {
	t.Helper()
	if cfg.Liquidator == "" {
		cfg.Liquidator = liquidator
	}
	k, err := New(e.engine, e.engine, cfg, nil)
	require.NoError(t, err)
	k.now = e.clock.Now
	t.Cleanup(k.Stop)
	return k
}

func TestConfigNormalize(t *testing.T) {
	t.Parallel()
	cfg, err := Config{Liquidator: liquidator}.normalize()
	require.NoError(t, err)
	require.Equal(t, DefaultSchedule, cfg.Schedule)
	require.Equal(t, DefaultWorkers, cfg.Workers)
	require.Equal(t, uint64(DefaultCloseFactorBps), cfg.CloseFactorBps)
	require.Equal(t, DefaultTimeout, cfg.Timeout)

	_, err = Config{}.normalize()
	require.ErrorIs(t, err, ErrNoLiquidator)
	_, err = Config{Liquidator: liquidator, CloseFactorBps: 10_001}.normalize()
	require.ErrorIs(t, err, ErrInvalidCloseFactor)
}

func TestCloseAmount(t *testing.T) {
	t.Parallel()
	k := &Keeper{cfg: Config{CloseFactorBps: 5_000}}
	tests := []struct {
		debt string
		want string
		ok   bool
	}{
		{"790", "395", true},
		{"1", "1", true},
		{"0", "", false},
		{"garbage", "", false},
	}
	for _, tc := range tests {
		got, ok := k.closeAmount(tc.debt)
		require.Equal(t, tc.ok, ok, tc.debt)
		require.Equal(t, tc.want, got, tc.debt)
	}
}

func TestScanLiquidatesUnhealthyPositions(t *testing.T) {
	e := newEnv(t)
	e.openPosition(t, alice, "1000", "790")
	e.openPosition(t, bob, "1000", "100")

	k := newKeeper(t, e, Config{Workers: 2})
	ctx := context.Background()
	require.NoError(t, k.Seed(ctx))
	require.Equal(t, 2, k.Tracked())

	res, err := k.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Checked: 2}, res)

	e.dropPrice(t, -2_000)
	health, err := e.engine.CheckHealth(ctx, alice, e.market)
	require.NoError(t, err)
	require.True(t, health.Liquidatable)

	res, err = k.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Checked: 2, Liquidated: 1}, res)

	pos, err := e.engine.GetPosition(ctx, alice, e.market)
	require.NoError(t, err)
	require.Equal(t, "395", pos.Borrows)

	var aliceStatus Status
	for _, s := range k.Snapshot() {
		if s.User == alice {
			aliceStatus = s
		}
	}
	require.Equal(t, "395", aliceStatus.LastLiquidation)
	require.True(t, aliceStatus.Liquidatable)
	require.Equal(t, e.clock.Now().UTC(), aliceStatus.CheckedAt)
}

func TestScanUntracksRepaidPositions(t *testing.T) {
	e := newEnv(t)
	e.openPosition(t, alice, "1000", "100")
	k := newKeeper(t, e, Config{})
	k.Track(e.market, alice)

	e.clock.advance(uint32(e.params.MinHoldTime))
	_, err := e.engine.Repay(context.Background(), alice, e.market, "100", "")
	require.NoError(t, err)
	e.dropPrice(t, -2_000)

	res, err := k.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Checked: 1}, res)
	require.Zero(t, k.Tracked())
	require.Empty(t, k.Snapshot())
}

func TestScanRecordsHealthErrors(t *testing.T) {
	e := newEnv(t)
	k := newKeeper(t, e, Config{})
	unknown := "0x" + strings.Repeat("11", 32)
	k.Track(unknown, alice)

	res, err := k.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Checked: 1, Failed: 1}, res)
	require.Zero(t, k.Tracked())
}

func TestFollowTracksBorrowers(t *testing.T) {
	e := newEnv(t)
	k := newKeeper(t, e, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- k.Follow(ctx) }()

	e.openPosition(t, alice, "1000", "100")
	require.Eventually(t, func() bool { return k.Tracked() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not stop")
	}
}

func TestStartRunsScheduledScans(t *testing.T) {
	e := newEnv(t)
	e.openPosition(t, alice, "1000", "790")
	e.dropPrice(t, -2_000)

	k := newKeeper(t, e, Config{Schedule: "@every 1s"})
	k.Track(e.market, alice)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, k.Start(ctx))
	require.Error(t, k.Start(ctx))

	require.Eventually(t, func() bool {
		pos, err := e.engine.GetPosition(context.Background(), alice, e.market)
		return err == nil && pos.Borrows != "790"
	}, 5*time.Second, 50*time.Millisecond)
}
