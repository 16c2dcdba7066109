package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"miladybank/observability"
)

// Config captures the settings required to construct gRPC server options.
type Config struct {
	TLSCertFile      string
	TLSKeyFile       string
	TLSClientCAFile  string
	AllowInsecure    bool
	MTLSRequired     bool
	AllowedClientCNs []string
	RateLimitPerMin  int
	APITokens        []string
	// Accounts binds an API token or client common name to the addresses
	// it may act for on write RPCs. "*" admits every address.
	Accounts map[string][]string
	Logger   *slog.Logger
}

// GrpcServerCreds builds the grpc.ServerOption configuring TLS credentials.
func GrpcServerCreds(cfg Config) (grpc.ServerOption, error) {
	certPath := strings.TrimSpace(cfg.TLSCertFile)
	keyPath := strings.TrimSpace(cfg.TLSKeyFile)
	clientCAPath := strings.TrimSpace(cfg.TLSClientCAFile)

	if certPath == "" || keyPath == "" {
		if cfg.MTLSRequired || len(cfg.AllowedClientCNs) > 0 {
			return nil, fmt.Errorf("mtls requires server certificate, key, and client ca configuration")
		}
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls certificate and key are required")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}

	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}

	requireClientCert := cfg.MTLSRequired || len(cfg.AllowedClientCNs) > 0
	if clientCAPath != "" {
		pem, err := os.ReadFile(clientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
	}

	if requireClientCert {
		if tlsCfg.ClientCAs == nil {
			return nil, fmt.Errorf("client ca bundle required for mtls")
		}
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else if tlsCfg.ClientCAs != nil {
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	} else {
		tlsCfg.ClientAuth = tls.NoClientCert
	}

	if len(cfg.AllowedClientCNs) > 0 {
		allowed := make(map[string]struct{}, len(cfg.AllowedClientCNs))
		for _, name := range cfg.AllowedClientCNs {
			if trimmed := strings.TrimSpace(name); trimmed != "" {
				allowed[trimmed] = struct{}{}
			}
		}
		tlsCfg.VerifyConnection = func(cs tls.ConnectionState) error {
			for _, chain := range cs.VerifiedChains {
				if len(chain) == 0 {
					continue
				}
				if _, ok := allowed[strings.TrimSpace(chain[0].Subject.CommonName)]; ok {
					return nil
				}
			}
			for _, cert := range cs.PeerCertificates {
				if _, ok := allowed[strings.TrimSpace(cert.Subject.CommonName)]; ok {
					return nil
				}
			}
			return fmt.Errorf("client certificate common name not allowed")
		}
	}

	return grpc.Creds(credentials.NewTLS(tlsCfg)), nil
}

// Interceptors constructs the grpc.ServerOptions installing recovery, logging,
// per-peer rate limiting and authentication middleware.
func Interceptors(cfg Config) ([]grpc.ServerOption, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	authUnary, authStream := NewAuthInterceptors(AuthConfig{
		APITokens:          cfg.APITokens,
		AllowedCommonNames: cfg.AllowedClientCNs,
		Accounts:           cfg.Accounts,
	})

	unaryInterceptors := []grpc.UnaryServerInterceptor{
		loggingUnaryInterceptor(logger),
		recoveryUnaryInterceptor(logger),
	}
	streamInterceptors := []grpc.StreamServerInterceptor{
		loggingStreamInterceptor(logger),
		recoveryStreamInterceptor(logger),
	}

	if limiter := newRequestLimiter(cfg.RateLimitPerMin); limiter != nil {
		unaryInterceptors = append(unaryInterceptors, limiter.unaryInterceptor())
		streamInterceptors = append(streamInterceptors, limiter.streamInterceptor())
	}

	unaryInterceptors = append(unaryInterceptors, authUnary)
	streamInterceptors = append(streamInterceptors, authStream)

	options := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unaryInterceptors...),
		grpc.ChainStreamInterceptor(streamInterceptors...),
	}
	return options, nil
}

func loggingUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ interface{}, err error) {
		start := time.Now()
		defer func() {
			code := status.Code(err)
			elapsed := time.Since(start)
			observability.ModuleMetrics().Observe("grpc", methodName(info.FullMethod), httpStatus(code), elapsed)
			logger.Info("grpc unary", "method", info.FullMethod, "code", code.String(), "duration", elapsed)
		}()
		return handler(ctx, req)
	}
}

func loggingStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		start := time.Now()
		defer func() {
			code := status.Code(err)
			logger.Info("grpc stream", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start))
		}()
		return handler(srv, ss)
	}
}

func methodName(fullMethod string) string {
	if i := strings.LastIndex(fullMethod, "/"); i >= 0 {
		return fullMethod[i+1:]
	}
	return fullMethod
}

// httpStatus maps a gRPC code onto the HTTP status reported in metrics so
// both surfaces share one label space.
func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return 200
	case codes.InvalidArgument, codes.OutOfRange:
		return 400
	case codes.Unauthenticated:
		return 401
	case codes.PermissionDenied:
		return 403
	case codes.NotFound:
		return 404
	case codes.AlreadyExists, codes.Aborted, codes.FailedPrecondition:
		return 409
	case codes.ResourceExhausted:
		return 429
	case codes.Canceled:
		return 499
	case codes.Unavailable:
		return 503
	case codes.DeadlineExceeded:
		return 504
	default:
		return 500
	}
}

func recoveryUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in unary handler", "method", info.FullMethod, "panic", r)
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func recoveryStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in stream handler", "method", info.FullMethod, "panic", r)
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(srv, ss)
	}
}

type requestLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *xsync.Map[string, *rate.Limiter]
}

// newRequestLimiter builds a per-peer token bucket allowing perMinute calls.
func newRequestLimiter(perMinute int) *requestLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &requestLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		limiters: xsync.NewMap[string, *rate.Limiter](),
	}
}

func (r *requestLimiter) allow(ctx context.Context) bool {
	if r == nil || r.limiters == nil {
		return true
	}
	limiter, _ := r.limiters.Compute(peerKey(ctx), func(old *rate.Limiter, loaded bool) (*rate.Limiter, xsync.ComputeOp) {
		if !loaded {
			old = rate.NewLimiter(r.limit, r.burst)
		}
		return old, xsync.UpdateOp
	})
	return limiter.Allow()
}

func peerKey(ctx context.Context) string {
	pr, ok := peer.FromContext(ctx)
	if !ok || pr.Addr == nil {
		return "unknown"
	}
	addr := pr.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (r *requestLimiter) unaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !r.allow(ctx) {
			observability.ModuleMetrics().RecordThrottle("grpc", "rate_limit")
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func (r *requestLimiter) streamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !r.allow(ss.Context()) {
			observability.ModuleMetrics().RecordThrottle("grpc", "rate_limit")
			return status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(srv, ss)
	}
}

// NewGRPCServer assembles a grpc.Server with credentials, interceptors,
// otelgrpc instrumentation, the bank service and the standard health service.
func NewGRPCServer(cfg Config, svc BankServiceServer) (*grpc.Server, *health.Server, error) {
	creds, err := GrpcServerCreds(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts, err := Interceptors(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	if creds != nil {
		opts = append(opts, creds)
	} else {
		opts = append(opts, InsecureServerOption())
	}
	srv := grpc.NewServer(opts...)
	RegisterBankServiceServer(srv, svc)
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, healthSrv)
	return srv, healthSrv, nil
}

// InsecureServerOption exposes grpc insecure credentials for tests when TLS is disabled.
func InsecureServerOption() grpc.ServerOption {
	return grpc.Creds(insecure.NewCredentials())
}
