package server

import (
	"context"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"miladybank/core/events"
	nativecommon "miladybank/native/common"
	"miladybank/native/lending"
	"miladybank/native/market"
	"miladybank/native/router"
	"miladybank/services/bank/engine"
	"miladybank/storage"
)

const (
	bufSize   = 1024 * 1024
	testToken = "secret-token"
	alice     = "0x0000000000000000000000000000000000001111"
	bob       = "0x0000000000000000000000000000000000002222"
	owner     = "0x0000000000000000000000000000000000000001"
)

func nativeEngine(t *testing.T) (*engine.Local, string) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	bank := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	params := lending.DefaultParams()
	local, err := engine.NewNative(engine.NativeConfig{
		Bank:    bank,
		Router:  common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		Manager: common.HexToAddress("0x00000000000000000000000000000000000000a0"),
		Owner:   common.HexToAddress(owner),
		Params:  params,
		RouterConfig: router.Config{
			FeeBps: 30,
			Window: nativecommon.Window{MaxPerWindow: big.NewInt(1_000_000), WindowSeconds: 3_600},
		},
		Clock: clock,
	}, storage.NewMemDB())
	if err != nil {
		t.Fatalf("native engine: %v", err)
	}
	ctx := context.Background()
	id, err := local.InitializeMarket(ctx, market.PoolKey{
		Currency0:   common.HexToAddress("0x0000000000000000000000000000000000000a01"),
		Currency1:   common.HexToAddress("0x0000000000000000000000000000000000000a02"),
		Fee:         3000,
		TickSpacing: 60,
		Hooks:       bank,
	}, 0)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := local.AddLiquidity(ctx, id, "1000000"); err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	now = now.Add(time.Duration(params.TwapPeriod) * time.Second)
	if err := local.Swap(ctx, id, 0); err != nil {
		t.Fatalf("swap: %v", err)
	}
	return local, id
}

func startServer(t *testing.T, eng engine.Engine) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	srv, _, err := NewGRPCServer(Config{
		AllowInsecure:   true,
		APITokens:       []string{testToken},
		Accounts:        map[string][]string{testToken: {alice}},
		RateLimitPerMin: 600,
	}, New(eng, nil, NewInterceptorAuthorizer()))
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestIntegrationBankService(t *testing.T) {
	local, id := nativeEngine(t)
	conn := startServer(t, local)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	anonymous := NewClient(conn, "")
	client := NewClient(conn, testToken)

	t.Run("health", func(t *testing.T) {
		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			t.Fatalf("health: %v", err)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("unexpected status %v", resp.GetStatus())
		}
	})

	t.Run("writes require token", func(t *testing.T) {
		err := anonymous.Deposit(ctx, alice, id, "1000")
		if !errors.Is(err, engine.ErrUnauthorized) {
			t.Fatalf("expected unauthorized, got %v", err)
		}
	})

	t.Run("token acts only for its accounts", func(t *testing.T) {
		if err := client.Deposit(ctx, bob, id, "1000"); !errors.Is(err, engine.ErrUnauthorized) {
			t.Fatalf("expected unauthorized deposit for bob, got %v", err)
		}
		if err := client.Pause(ctx, owner, engine.TargetBank); !errors.Is(err, engine.ErrUnauthorized) {
			t.Fatalf("expected unauthorized pause as owner, got %v", err)
		}
		if _, err := client.Liquidate(ctx, bob, alice, id, "1"); !errors.Is(err, engine.ErrUnauthorized) {
			t.Fatalf("expected unauthorized liquidation as bob, got %v", err)
		}
	})

	t.Run("reads are open", func(t *testing.T) {
		markets, err := anonymous.ListMarkets(ctx)
		if err != nil {
			t.Fatalf("list markets: %v", err)
		}
		if len(markets) != 1 || markets[0].ID != id {
			t.Fatalf("unexpected markets %+v", markets)
		}
		params, err := anonymous.GetParams(ctx)
		if err != nil {
			t.Fatalf("params: %v", err)
		}
		if params.RouterFeeBps != 30 {
			t.Fatalf("unexpected router fee %d", params.RouterFeeBps)
		}
	})

	t.Run("deposit and borrow", func(t *testing.T) {
		if err := client.Deposit(ctx, alice, id, "1000"); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		out, err := client.Borrow(ctx, alice, id, "500", "")
		if err != nil {
			t.Fatalf("borrow: %v", err)
		}
		if out != "499" {
			t.Fatalf("expected 499 after fee, got %s", out)
		}
		pos, err := client.GetPosition(ctx, alice, id)
		if err != nil {
			t.Fatalf("position: %v", err)
		}
		if pos.Deposits != "1000" || pos.Borrows != "500" {
			t.Fatalf("unexpected position %+v", pos)
		}
		health, err := client.CheckHealth(ctx, alice, id)
		if err != nil {
			t.Fatalf("health: %v", err)
		}
		if health.Liquidatable {
			t.Fatalf("position should be healthy: %+v", health)
		}
	})

	t.Run("errors keep their sentinel", func(t *testing.T) {
		unknown := "0x" + "22222222222222222222222222222222" + "22222222222222222222222222222222"
		if _, err := client.GetMarket(ctx, unknown); !errors.Is(err, engine.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if _, err := client.Borrow(ctx, alice, id, "1000", "1000"); !errors.Is(err, engine.ErrSlippage) {
			t.Fatalf("expected slippage, got %v", err)
		}
		if err := client.Withdraw(ctx, alice, id, "0"); !errors.Is(err, engine.ErrInvalidAmount) {
			t.Fatalf("expected invalid amount, got %v", err)
		}
	})

	t.Run("subscribe", func(t *testing.T) {
		subCtx, subCancel := context.WithCancel(ctx)
		defer subCancel()
		ch, err := anonymous.Subscribe(subCtx, 0)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					t.Fatalf("stream closed before borrow event")
				}
				if evt.Type == events.TypeRouterBorrowed {
					if evt.Attr("amountOut") != "499" {
						t.Fatalf("unexpected borrow payload %+v", evt.Attributes)
					}
					return
				}
			case <-subCtx.Done():
				t.Fatalf("timed out waiting for borrow event")
			}
		}
	})
}
