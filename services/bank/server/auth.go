package server

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type authContextKey struct{}

// AnyAccount in an account binding lets the credential act for every address.
const AnyAccount = "*"

// AuthConfig lists the credentials accepted on write RPCs. Accounts binds each
// credential (an API token or an mTLS common name) to the addresses it may act
// for. Credentials without a binding authenticate but may not write.
type AuthConfig struct {
	APITokens          []string
	AllowedCommonNames []string
	Accounts           map[string][]string
}

// NewAuthInterceptors constructs unary and stream interceptors that enforce
// authentication on write RPCs. Requests must present either a configured API
// token or an mTLS client certificate with an allowed common name.
func NewAuthInterceptors(cfg AuthConfig) (grpc.UnaryServerInterceptor, grpc.StreamServerInterceptor) {
	authenticator := newAuthenticator(cfg)
	return authenticator.unaryInterceptor(), authenticator.streamInterceptor()
}

// Principal is the authenticated caller of a write RPC.
type Principal struct {
	// Name identifies the credential in logs. API tokens are never echoed.
	Name     string
	any      bool
	accounts map[string]struct{}
}

// MayActFor reports whether the principal may sign for account.
func (p *Principal) MayActFor(account string) bool {
	if p == nil {
		return false
	}
	if p.any {
		return true
	}
	_, ok := p.accounts[normalizeAccount(account)]
	return ok
}

// PrincipalFrom returns the principal installed by the auth interceptors.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	p, ok := ctx.Value(authContextKey{}).(*Principal)
	return p, ok && p != nil
}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, authContextKey{}, p)
}

func normalizeAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

func newPrincipal(name string, accounts []string) *Principal {
	p := &Principal{Name: name, accounts: make(map[string]struct{}, len(accounts))}
	for _, account := range accounts {
		normalized := normalizeAccount(account)
		switch normalized {
		case "":
		case AnyAccount:
			p.any = true
		default:
			p.accounts[normalized] = struct{}{}
		}
	}
	return p
}

type authenticator struct {
	tokens       map[string]*Principal
	commonNames  map[string]*Principal
	allowByToken bool
	allowByMTLS  bool
}

func newAuthenticator(cfg AuthConfig) *authenticator {
	bindings := make(map[string][]string, len(cfg.Accounts))
	for credential, accounts := range cfg.Accounts {
		bindings[strings.TrimSpace(credential)] = accounts
	}
	tokens := make(map[string]*Principal)
	for i, token := range cfg.APITokens {
		trimmed := strings.TrimSpace(token)
		if trimmed == "" {
			continue
		}
		tokens[trimmed] = newPrincipal(fmt.Sprintf("api-token-%d", i+1), bindings[trimmed])
	}
	commonNames := make(map[string]*Principal)
	for _, name := range cfg.AllowedCommonNames {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		commonNames[trimmed] = newPrincipal("cn:"+trimmed, bindings[trimmed])
	}
	return &authenticator{
		tokens:       tokens,
		commonNames:  commonNames,
		allowByToken: len(tokens) > 0,
		allowByMTLS:  len(commonNames) > 0,
	}
}

func (a *authenticator) unaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !isWriteMethod(info.FullMethod) {
			return handler(ctx, req)
		}
		ctx, err := a.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (a *authenticator) streamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !isWriteMethod(info.FullMethod) {
			return handler(srv, ss)
		}
		ctx, err := a.authenticate(ss.Context())
		if err != nil {
			return err
		}
		wrapped := &authStream{ServerStream: ss, ctx: ctx}
		return handler(srv, wrapped)
	}
}

func (a *authenticator) authenticate(ctx context.Context) (context.Context, error) {
	if a == nil {
		return ctx, status.Error(codes.Internal, "authenticator unavailable")
	}
	if !a.allowByToken && !a.allowByMTLS {
		return ctx, status.Error(codes.PermissionDenied, "authentication is not configured")
	}
	if a.allowByToken {
		if p := a.authenticateByToken(ctx); p != nil {
			return withPrincipal(ctx, p), nil
		}
	}
	if a.allowByMTLS {
		if p := a.authenticateByMTLS(ctx); p != nil {
			return withPrincipal(ctx, p), nil
		}
	}
	return ctx, status.Error(codes.Unauthenticated, "authentication required")
}

func (a *authenticator) authenticateByToken(ctx context.Context) *Principal {
	if ctx == nil || len(a.tokens) == 0 {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	for _, header := range md.Get("authorization") {
		if p := a.tokens[parseBearerToken(header)]; p != nil {
			return p
		}
	}
	for _, token := range md.Get("x-api-token") {
		if p := a.tokens[strings.TrimSpace(token)]; p != nil {
			return p
		}
	}
	return nil
}

func (a *authenticator) authenticateByMTLS(ctx context.Context) *Principal {
	if ctx == nil || len(a.commonNames) == 0 {
		return nil
	}
	pr, ok := peer.FromContext(ctx)
	if !ok {
		return nil
	}
	info, ok := pr.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return nil
	}
	for _, chain := range info.State.VerifiedChains {
		if len(chain) == 0 {
			continue
		}
		if p := a.commonNames[strings.TrimSpace(chain[0].Subject.CommonName)]; p != nil {
			return p
		}
	}
	for _, cert := range info.State.PeerCertificates {
		if p := a.commonNames[strings.TrimSpace(cert.Subject.CommonName)]; p != nil {
			return p
		}
	}
	return nil
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func isWriteMethod(fullMethod string) bool {
	switch fullMethod {
	case FullMethod(MethodDeposit),
		FullMethod(MethodWithdraw),
		FullMethod(MethodBorrow),
		FullMethod(MethodRepay),
		FullMethod(MethodDepositAndBorrow),
		FullMethod(MethodRepayAndWithdraw),
		FullMethod(MethodEmergencyWithdraw),
		FullMethod(MethodLiquidate),
		FullMethod(MethodPause),
		FullMethod(MethodUnpause):
		return true
	default:
		return false
	}
}

type authStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authStream) Context() context.Context {
	if s == nil {
		return nil
	}
	if s.ctx != nil {
		return s.ctx
	}
	return s.ServerStream.Context()
}
