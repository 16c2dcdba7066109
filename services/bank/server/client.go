package server

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"miladybank/core/types"
	"miladybank/services/bank/engine"
)

// Client is a remote engine.Engine backed by a BankService connection.
type Client struct {
	conn  grpc.ClientConnInterface
	token string
}

var _ engine.Engine = (*Client)(nil)

// NewClient wraps conn. A non-empty token is sent as a bearer credential on
// every call.
func NewClient(conn grpc.ClientConnInterface, token string) *Client {
	return &Client{conn: conn, token: strings.TrimSpace(token)}
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	err := c.conn.Invoke(c.outgoing(ctx), FullMethod(method), in, out, grpc.CallContentSubtype(CodecName))
	return fromStatus(err)
}

func (c *Client) amount(ctx context.Context, method string, in interface{}) (string, error) {
	var out AmountResponse
	if err := c.invoke(ctx, method, in, &out); err != nil {
		return "", err
	}
	return out.Amount, nil
}

func (c *Client) Deposit(ctx context.Context, user, market, amount string) error {
	return c.invoke(ctx, MethodDeposit, &AmountRequest{User: user, Market: market, Amount: amount}, &Empty{})
}

func (c *Client) Withdraw(ctx context.Context, user, market, amount string) error {
	return c.invoke(ctx, MethodWithdraw, &AmountRequest{User: user, Market: market, Amount: amount}, &Empty{})
}

func (c *Client) EmergencyWithdraw(ctx context.Context, user, market, amount string) error {
	return c.invoke(ctx, MethodEmergencyWithdraw, &AmountRequest{User: user, Market: market, Amount: amount}, &Empty{})
}

func (c *Client) Borrow(ctx context.Context, user, market, amount, minAmountOut string) (string, error) {
	return c.amount(ctx, MethodBorrow, &AmountRequest{User: user, Market: market, Amount: amount, Bound: minAmountOut})
}

func (c *Client) Repay(ctx context.Context, user, market, amount, maxAmountIn string) (string, error) {
	return c.amount(ctx, MethodRepay, &AmountRequest{User: user, Market: market, Amount: amount, Bound: maxAmountIn})
}

func (c *Client) DepositAndBorrow(ctx context.Context, req engine.DepositAndBorrowRequest) (string, error) {
	return c.amount(ctx, MethodDepositAndBorrow, &req)
}

func (c *Client) RepayAndWithdraw(ctx context.Context, req engine.RepayAndWithdrawRequest) (string, error) {
	return c.amount(ctx, MethodRepayAndWithdraw, &req)
}

func (c *Client) Liquidate(ctx context.Context, liquidator, user, market, debtAmount string) (string, error) {
	return c.amount(ctx, MethodLiquidate, &LiquidateRequest{Liquidator: liquidator, User: user, Market: market, DebtAmount: debtAmount})
}

func (c *Client) GetMarket(ctx context.Context, market string) (engine.Market, error) {
	var out engine.Market
	err := c.invoke(ctx, MethodGetMarket, &MarketRequest{Market: market}, &out)
	return out, err
}

func (c *Client) ListMarkets(ctx context.Context) ([]engine.Market, error) {
	var out ListMarketsResponse
	if err := c.invoke(ctx, MethodListMarkets, &Empty{}, &out); err != nil {
		return nil, err
	}
	return out.Markets, nil
}

func (c *Client) GetPosition(ctx context.Context, user, market string) (engine.Position, error) {
	var out engine.Position
	err := c.invoke(ctx, MethodGetPosition, &PositionRequest{User: user, Market: market}, &out)
	return out, err
}

func (c *Client) CheckHealth(ctx context.Context, user, market string) (engine.Health, error) {
	var out engine.Health
	err := c.invoke(ctx, MethodCheckHealth, &PositionRequest{User: user, Market: market}, &out)
	return out, err
}

func (c *Client) GetPrice(ctx context.Context, market string) (engine.Price, error) {
	var out engine.Price
	err := c.invoke(ctx, MethodGetPrice, &MarketRequest{Market: market}, &out)
	return out, err
}

func (c *Client) GetParams(ctx context.Context) (engine.Params, error) {
	var out engine.Params
	err := c.invoke(ctx, MethodGetParams, &Empty{}, &out)
	return out, err
}

func (c *Client) Pause(ctx context.Context, caller, target string) error {
	return c.invoke(ctx, MethodPause, &PauseRequest{Caller: caller, Target: target}, &Empty{})
}

func (c *Client) Unpause(ctx context.Context, caller, target string) error {
	return c.invoke(ctx, MethodUnpause, &PauseRequest{Caller: caller, Target: target}, &Empty{})
}

// Subscribe opens a server stream. The channel closes when ctx is cancelled
// or the stream ends.
func (c *Client) Subscribe(ctx context.Context, since uint64) (<-chan types.Event, error) {
	stream, err := c.conn.NewStream(c.outgoing(ctx), &ServiceDesc.Streams[0], FullMethod(MethodSubscribe), grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(&SubscribeRequest{Since: since}); err != nil {
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fromStatus(err)
	}
	out := make(chan types.Event, 16)
	go func() {
		defer close(out)
		for {
			var evt types.Event
			if err := stream.RecvMsg(&evt); err != nil {
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
