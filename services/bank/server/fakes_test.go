package server

import (
	"context"

	"miladybank/core/types"
	"miladybank/services/bank/engine"
)

type fakeEngine struct {
	depositFn     func(ctx context.Context, user, market, amount string) error
	borrowFn      func(ctx context.Context, user, market, amount, minOut string) (string, error)
	repayFn       func(ctx context.Context, user, market, amount, maxIn string) (string, error)
	liquidateFn   func(ctx context.Context, liquidator, user, market, amount string) (string, error)
	getMarketFn   func(ctx context.Context, market string) (engine.Market, error)
	listMarketsFn func(ctx context.Context) ([]engine.Market, error)
	getPositionFn func(ctx context.Context, user, market string) (engine.Position, error)
	pauseFn       func(ctx context.Context, caller, target string) error
	events        []types.Event
}

func (f *fakeEngine) Deposit(ctx context.Context, user, market, amount string) error {
	if f != nil && f.depositFn != nil {
		return f.depositFn(ctx, user, market, amount)
	}
	return nil
}

func (f *fakeEngine) Withdraw(context.Context, string, string, string) error { return nil }

func (f *fakeEngine) EmergencyWithdraw(context.Context, string, string, string) error { return nil }

func (f *fakeEngine) Borrow(ctx context.Context, user, market, amount, minOut string) (string, error) {
	if f != nil && f.borrowFn != nil {
		return f.borrowFn(ctx, user, market, amount, minOut)
	}
	return amount, nil
}

func (f *fakeEngine) Repay(ctx context.Context, user, market, amount, maxIn string) (string, error) {
	if f != nil && f.repayFn != nil {
		return f.repayFn(ctx, user, market, amount, maxIn)
	}
	return amount, nil
}

func (f *fakeEngine) DepositAndBorrow(_ context.Context, req engine.DepositAndBorrowRequest) (string, error) {
	return req.BorrowAmount, nil
}

func (f *fakeEngine) RepayAndWithdraw(_ context.Context, req engine.RepayAndWithdrawRequest) (string, error) {
	return req.RepayAmount, nil
}

func (f *fakeEngine) Liquidate(ctx context.Context, liquidator, user, market, amount string) (string, error) {
	if f != nil && f.liquidateFn != nil {
		return f.liquidateFn(ctx, liquidator, user, market, amount)
	}
	return "0", nil
}

func (f *fakeEngine) GetMarket(ctx context.Context, market string) (engine.Market, error) {
	if f != nil && f.getMarketFn != nil {
		return f.getMarketFn(ctx, market)
	}
	return engine.Market{ID: market}, nil
}

func (f *fakeEngine) ListMarkets(ctx context.Context) ([]engine.Market, error) {
	if f != nil && f.listMarketsFn != nil {
		return f.listMarketsFn(ctx)
	}
	return nil, nil
}

func (f *fakeEngine) GetPosition(ctx context.Context, user, market string) (engine.Position, error) {
	if f != nil && f.getPositionFn != nil {
		return f.getPositionFn(ctx, user, market)
	}
	return engine.Position{User: user, Market: market}, nil
}

func (f *fakeEngine) CheckHealth(_ context.Context, user, market string) (engine.Health, error) {
	return engine.Health{User: user, Market: market}, nil
}

func (f *fakeEngine) GetPrice(_ context.Context, market string) (engine.Price, error) {
	return engine.Price{Market: market}, nil
}

func (f *fakeEngine) GetParams(context.Context) (engine.Params, error) {
	return engine.Params{}, nil
}

func (f *fakeEngine) Pause(ctx context.Context, caller, target string) error {
	if f != nil && f.pauseFn != nil {
		return f.pauseFn(ctx, caller, target)
	}
	return nil
}

func (f *fakeEngine) Unpause(context.Context, string, string) error { return nil }

func (f *fakeEngine) Subscribe(ctx context.Context, since uint64) (<-chan types.Event, error) {
	out := make(chan types.Event, len(f.events))
	for _, evt := range f.events {
		if evt.Sequence > since {
			out <- evt
		}
	}
	close(out)
	return out, nil
}

type fakeAuthorizer struct {
	called bool
	actor  string
	err    error
}

func (f *fakeAuthorizer) Authorize(_ context.Context, actor string) error {
	f.called = true
	f.actor = actor
	return f.err
}
