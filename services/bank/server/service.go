package server

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"miladybank/services/bank/engine"
)

// Service implements BankService and proxies requests into the bank engine.
type Service struct {
	engine engine.Engine
	logger *slog.Logger
	auth   Authorizer
}

var _ BankServiceServer = (*Service)(nil)

// Authorizer evaluates whether the caller of an incoming write may act for
// the given account.
type Authorizer interface {
	Authorize(ctx context.Context, actor string) error
}

type interceptorAuthorizer struct{}

// NewInterceptorAuthorizer constructs an Authorizer that checks the actor
// against the principal installed by the gRPC auth interceptors.
func NewInterceptorAuthorizer() Authorizer {
	return interceptorAuthorizer{}
}

func (interceptorAuthorizer) Authorize(ctx context.Context, actor string) error {
	principal, ok := PrincipalFrom(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "authentication required")
	}
	if !principal.MayActFor(actor) {
		return status.Errorf(codes.PermissionDenied, "%s may not act for %s", principal.Name, actor)
	}
	return nil
}

// New constructs a bank service instance. A nil auth admits every write.
func New(eng engine.Engine, logger *slog.Logger, auth Authorizer) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: eng, logger: logger, auth: auth}
}

func (s *Service) Deposit(ctx context.Context, req *AmountRequest) (*Empty, error) {
	if err := s.ensureEngine(); err != nil {
		return nil, err
	}
	user, market, amount, err := validateAmountRequest(req)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, user); err != nil {
		return nil, err
	}
	if err := s.engine.Deposit(ctx, user, market, amount); err != nil {
		return nil, s.translateEngineError("deposit", err)
	}
	return &Empty{}, nil
}

func (s *Service) Withdraw(ctx context.Context, req *AmountRequest) (*Empty, error) {
	if err := s.ensureEngine(); err != nil {
		return nil, err
	}
	user, market, amount, err := validateAmountRequest(req)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, user); err != nil {
		return nil, err
	}
	if err := s.engine.Withdraw(ctx, user, market, amount); err != nil {
		return nil, s.translateEngineError("withdraw", err)
	}
	return &Empty{}, nil
}

func (s *Service) EmergencyWithdraw(ctx context.Context, req *AmountRequest) (*Empty, error) {
	if err := s.ensureEngine(); err != nil {
		return nil, err
	}
	user, market, amount, err := validateAmountRequest(req)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, user); err != nil {
		return nil, err
	}
	if err := s.engine.EmergencyWithdraw(ctx, user, market, amount); err != nil {
		return nil, s.translateEngineError("emergency_withdraw", err)
	}
	return &Empty{}, nil
}

// Borrow returns the amount delivered to the user after the router fee.
func (s *Service) Borrow(ctx context.Context, req *AmountRequest) (*AmountResponse, error) {
	if err := s.ensureEngine(); err != nil {
		return nil, err
	}
	user, market, amount, err := validateAmountRequest(req)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, user); err != nil {
		return nil, err
	}
	out, err := s.engine.Borrow(ctx, user, market, amount, strings.TrimSpace(req.Bound))
	if err != nil {
		return nil, s.translateEngineError("borrow", err)
	}
	return &AmountResponse{Amount: out}, nil
}

// Repay returns the amount charged to the user including the router fee.
func (s *Service) Repay(ctx context.Context, req *AmountRequest) (*AmountResponse, error) {
	if err := s.ensureEngine(); err != nil {
		return nil, err
	}
	user, market, amount, err := validateAmountRequest(req)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, user); err != nil {
		return nil, err
	}
	in, err := s.engine.Repay(ctx, user, market, amount, strings.TrimSpace(req.Bound))
	if err != nil {
		return nil, s.translateEngineError("repay", err)
	}
	return &AmountResponse{Amount: in}, nil
}

func (s *Service) DepositAndBorrow(ctx context.Context, req *engine.DepositAndBorrowRequest) (*AmountResponse, error) {
	if err := s.ensureEngine(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request required")
	}
	if err := requireFields(req.User, req.Market, req.DepositAmount, req.BorrowAmount); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, req.User); err != nil {
		return nil, err
	}
	out, err := s.engine.DepositAndBorrow(ctx, *req)
	if err != nil {
		return nil, s.translateEngineError("deposit_and_borrow", err)
	}
	return &AmountResponse{Amount: out}, nil
}

func (s *Service) RepayAndWithdraw(ctx context.Context, req *engine.RepayAndWithdrawRequest) (*AmountResponse, error) {
	if err := s.ensureEngine(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request required")
	}
	if err := requireFields(req.User, req.Market, req.RepayAmount, req.WithdrawAmount); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, req.User); err != nil {
		return nil, err
	}
	in, err := s.engine.RepayAndWithdraw(ctx, *req)
	if err != nil {
		return nil, s.translateEngineError("repay_and_withdraw", err)
	}
	return &AmountResponse{Amount: in}, nil
}

// Liquidate returns the collateral seized by the liquidator.
func (s *Service) Liquidate(ctx context.Context, req *LiquidateRequest) (*AmountResponse, error) {
	if err := s.ensureEngine(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request required")
	}
	if err := requireFields(req.Liquidator, req.User, req.Market, req.DebtAmount); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, req.Liquidator); err != nil {
		return nil, err
	}
	seized, err := s.engine.Liquidate(ctx, strings.TrimSpace(req.Liquidator), strings.TrimSpace(req.User), strings.TrimSpace(req.Market), strings.TrimSpace(req.DebtAmount))
	if err != nil {
		return nil, s.translateEngineError("liquidate", err)
	}
	return &AmountResponse{Amount: seized}, nil
}

func (s *Service) GetMarket(ctx context.Context, req *MarketRequest) (*engine.Market, error) {
	if err := s.ensureEngine(); err != nil {
		return nil, err
	}
	if req == nil || strings.TrimSpace(req.Market) == "" {
		return nil, status.Error(codes.InvalidArgument, "market required")
	}
	m, err := s.engine.GetMarket(ctx, strings.TrimSpace(req.Market))
	if err != nil {
		return nil, s.translateEngineError("get_market", err)
	}
	return &m, nil
}

func (s *Service) ListMarkets(ctx context.Context, _ *Empty) (*ListMarketsResponse, error) {
	if err := s.ensureEngine(); err != nil {
		return nil, err
	}
	markets, err := s.engine.ListMarkets(ctx)
	if err != nil {
		return nil, s.translateEngineError("list_markets", err)
	}
	if markets == nil {
		markets = []engine.Market{}
	}
	return &ListMarketsResponse{Markets: markets}, nil
}

func (s *Service) GetPosition(ctx context.Context, req *PositionRequest) (*engine.Position, error) {
	if err := s.ensureEngine(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request required")
	}
	if err := requireFields(req.User, req.Market); err != nil {
		return nil, err
	}
	pos, err := s.engine.GetPosition(ctx, strings.TrimSpace(req.User), strings.TrimSpace(req.Market))
	if err != nil {
		return nil, s.translateEngineError("get_position", err)
	}
	return &pos, nil
}

func (s *Service) CheckHealth(ctx context.Context, req *PositionRequest) (*engine.Health, error) {
	if err := s.ensureEngine(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request required")
	}
	if err := requireFields(req.User, req.Market); err != nil {
		return nil, err
	}
	health, err := s.engine.CheckHealth(ctx, strings.TrimSpace(req.User), strings.TrimSpace(req.Market))
	if err != nil {
		return nil, s.translateEngineError("check_health", err)
	}
	return &health, nil
}

func (s *Service) GetPrice(ctx context.Context, req *MarketRequest) (*engine.Price, error) {
	if err := s.ensureEngine(); err != nil {
		return nil, err
	}
	if req == nil || strings.TrimSpace(req.Market) == "" {
		return nil, status.Error(codes.InvalidArgument, "market required")
	}
	price, err := s.engine.GetPrice(ctx, strings.TrimSpace(req.Market))
	if err != nil {
		return nil, s.translateEngineError("get_price", err)
	}
	return &price, nil
}

func (s *Service) GetParams(ctx context.Context, _ *Empty) (*engine.Params, error) {
	if err := s.ensureEngine(); err != nil {
		return nil, err
	}
	params, err := s.engine.GetParams(ctx)
	if err != nil {
		return nil, s.translateEngineError("get_params", err)
	}
	return &params, nil
}

func (s *Service) Pause(ctx context.Context, req *PauseRequest) (*Empty, error) {
	return s.setPaused(ctx, req, true)
}

func (s *Service) Unpause(ctx context.Context, req *PauseRequest) (*Empty, error) {
	return s.setPaused(ctx, req, false)
}

func (s *Service) setPaused(ctx context.Context, req *PauseRequest, paused bool) (*Empty, error) {
	if err := s.ensureEngine(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request required")
	}
	if err := requireFields(req.Caller, req.Target); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, req.Caller); err != nil {
		return nil, err
	}
	caller, target := strings.TrimSpace(req.Caller), strings.ToLower(strings.TrimSpace(req.Target))
	var err error
	action := "unpause"
	if paused {
		action = "pause"
		err = s.engine.Pause(ctx, caller, target)
	} else {
		err = s.engine.Unpause(ctx, caller, target)
	}
	if err != nil {
		return nil, s.translateEngineError(action, err)
	}
	return &Empty{}, nil
}

// Subscribe streams engine events until the client goes away.
func (s *Service) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	if err := s.ensureEngine(); err != nil {
		return err
	}
	var since uint64
	if req != nil {
		since = req.Since
	}
	ctx := stream.Context()
	ch, err := s.engine.Subscribe(ctx, since)
	if err != nil {
		return s.translateEngineError("subscribe", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(&evt); err != nil {
				return err
			}
		}
	}
}

func (s *Service) authorize(ctx context.Context, actor string) error {
	if s == nil {
		return status.Error(codes.Internal, "service not initialised")
	}
	if s.auth == nil {
		return nil
	}
	return s.auth.Authorize(ctx, strings.TrimSpace(actor))
}

func (s *Service) ensureEngine() error {
	if s == nil || s.engine == nil {
		return status.Error(codes.FailedPrecondition, "bank engine unavailable")
	}
	return nil
}

func (s *Service) translateEngineError(action string, err error) error {
	if err == nil {
		return nil
	}
	stErr := toStatus(err)
	if status.Code(stErr) == codes.Internal {
		s.log().Error("bank engine error", "action", action, "error", err)
	}
	return stErr
}

func (s *Service) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func validateAmountRequest(req *AmountRequest) (string, string, string, error) {
	if req == nil {
		return "", "", "", status.Error(codes.InvalidArgument, "request required")
	}
	user := strings.TrimSpace(req.User)
	if user == "" {
		return "", "", "", status.Error(codes.InvalidArgument, "user required")
	}
	market := strings.TrimSpace(req.Market)
	if market == "" {
		return "", "", "", status.Error(codes.InvalidArgument, "market required")
	}
	amount := strings.TrimSpace(req.Amount)
	if amount == "" {
		return "", "", "", status.Error(codes.InvalidArgument, "amount required")
	}
	return user, market, amount, nil
}

func requireFields(values ...string) error {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return status.Error(codes.InvalidArgument, "missing required field")
		}
	}
	return nil
}
