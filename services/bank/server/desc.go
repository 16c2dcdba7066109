package server

import (
	"context"

	"google.golang.org/grpc"

	"miladybank/services/bank/engine"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "miladybank.bank.v1.BankService"

const (
	MethodDeposit           = "Deposit"
	MethodWithdraw          = "Withdraw"
	MethodBorrow            = "Borrow"
	MethodRepay             = "Repay"
	MethodDepositAndBorrow  = "DepositAndBorrow"
	MethodRepayAndWithdraw  = "RepayAndWithdraw"
	MethodEmergencyWithdraw = "EmergencyWithdraw"
	MethodLiquidate         = "Liquidate"
	MethodGetMarket         = "GetMarket"
	MethodListMarkets       = "ListMarkets"
	MethodGetPosition       = "GetPosition"
	MethodCheckHealth       = "CheckHealth"
	MethodGetPrice          = "GetPrice"
	MethodGetParams         = "GetParams"
	MethodPause             = "Pause"
	MethodUnpause           = "Unpause"
	MethodSubscribe         = "Subscribe"
)

// FullMethod returns the gRPC path of a BankService method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// BankServiceServer is the server API for BankService.
type BankServiceServer interface {
	Deposit(context.Context, *AmountRequest) (*Empty, error)
	Withdraw(context.Context, *AmountRequest) (*Empty, error)
	Borrow(context.Context, *AmountRequest) (*AmountResponse, error)
	Repay(context.Context, *AmountRequest) (*AmountResponse, error)
	DepositAndBorrow(context.Context, *engine.DepositAndBorrowRequest) (*AmountResponse, error)
	RepayAndWithdraw(context.Context, *engine.RepayAndWithdrawRequest) (*AmountResponse, error)
	EmergencyWithdraw(context.Context, *AmountRequest) (*Empty, error)
	Liquidate(context.Context, *LiquidateRequest) (*AmountResponse, error)
	GetMarket(context.Context, *MarketRequest) (*engine.Market, error)
	ListMarkets(context.Context, *Empty) (*ListMarketsResponse, error)
	GetPosition(context.Context, *PositionRequest) (*engine.Position, error)
	CheckHealth(context.Context, *PositionRequest) (*engine.Health, error)
	GetPrice(context.Context, *MarketRequest) (*engine.Price, error)
	GetParams(context.Context, *Empty) (*engine.Params, error)
	Pause(context.Context, *PauseRequest) (*Empty, error)
	Unpause(context.Context, *PauseRequest) (*Empty, error)
	Subscribe(*SubscribeRequest, grpc.ServerStream) error
}

func unary[Req, Resp any](method string, call func(BankServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			impl := srv.(BankServiceServer)
			if interceptor == nil {
				return call(impl, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(impl, ctx, req.(*Req))
			})
		},
	}
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BankServiceServer).Subscribe(in, stream)
}

// ServiceDesc describes BankService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BankServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodDeposit, BankServiceServer.Deposit),
		unary(MethodWithdraw, BankServiceServer.Withdraw),
		unary(MethodBorrow, BankServiceServer.Borrow),
		unary(MethodRepay, BankServiceServer.Repay),
		unary(MethodDepositAndBorrow, BankServiceServer.DepositAndBorrow),
		unary(MethodRepayAndWithdraw, BankServiceServer.RepayAndWithdraw),
		unary(MethodEmergencyWithdraw, BankServiceServer.EmergencyWithdraw),
		unary(MethodLiquidate, BankServiceServer.Liquidate),
		unary(MethodGetMarket, BankServiceServer.GetMarket),
		unary(MethodListMarkets, BankServiceServer.ListMarkets),
		unary(MethodGetPosition, BankServiceServer.GetPosition),
		unary(MethodCheckHealth, BankServiceServer.CheckHealth),
		unary(MethodGetPrice, BankServiceServer.GetPrice),
		unary(MethodGetParams, BankServiceServer.GetParams),
		unary(MethodPause, BankServiceServer.Pause),
		unary(MethodUnpause, BankServiceServer.Unpause),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    MethodSubscribe,
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
}

// RegisterBankServiceServer registers srv on s.
func RegisterBankServiceServer(s grpc.ServiceRegistrar, srv BankServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
