package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"miladybank/gateway/middleware"
	"miladybank/gateway/routes"
	"miladybank/observability/logging"
	telemetry "miladybank/observability/otel"
	"miladybank/services/bank/indexer"
	"miladybank/services/bank/keeper"
	"miladybank/services/bank/server"
	"miladybank/services/bankd/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", os.Getenv("BANKD_CONFIG"), "path to bankd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bankd: %v\n", err)
		os.Exit(2)
	}

	logger, logCloser := logging.SetupWithOptions("bankd", cfg.Environment, logging.Options{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("bankd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryCfg := telemetry.Config{
		ServiceName: cfg.Observability.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Insecure:    cfg.Observability.OTLPInsecure,
		Headers:     cfg.Observability.OTLPHeaders,
		Metrics:     cfg.Observability.Metrics,
		Traces:      cfg.Observability.Tracing,
	}
	telemetryCfg.ApplyEnv()
	shutdownTelemetry, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	be, err := openBackend(ctx, cfg.Engine, logger.With(slog.String("component", "engine")))
	if err != nil {
		return err
	}
	defer be.close()
	logger.Info("engine ready", slog.String("mode", cfg.Engine.Mode))

	group, gctx := errgroup.WithContext(ctx)
	if be.run != nil {
		group.Go(func() error { return ignoreCanceled(be.run(gctx)) })
	}

	var archive *indexer.Store
	if cfg.Indexer.Enabled {
		db, err := indexer.Open(cfg.Indexer.Driver, cfg.Indexer.DSN)
		if err != nil {
			return fmt.Errorf("open indexer: %w", err)
		}
		archive = indexer.NewStore(db, logger.With(slog.String("component", "indexer")))
		group.Go(func() error { return ignoreCanceled(archive.Run(gctx, be.engine)) })
		logger.Info("indexer enabled", slog.String("driver", cfg.Indexer.Driver))
	}

	var liquidations *keeper.Keeper
	if cfg.Keeper.Enabled {
		liquidations, err = startKeeper(gctx, group, cfg.Keeper, be, archive, logger)
		if err != nil {
			return err
		}
		defer liquidations.Stop()
	}

	httpServer, limiter, err := newHTTPServer(cfg, be, archive, liquidations, logger)
	if err != nil {
		return err
	}
	group.Go(func() error {
		limiter.Run(gctx, 5*time.Minute)
		return nil
	})
	group.Go(func() error {
		listener, err := net.Listen("tcp", cfg.HTTP.ListenAddress)
		if err != nil {
			return fmt.Errorf("listen http: %w", err)
		}
		if cfg.HTTP.MaxConnections > 0 {
			listener = netutil.LimitListener(listener, cfg.HTTP.MaxConnections)
		}
		logger.Info("http listening", slog.String("addr", listener.Addr().String()), slog.Int("max_connections", cfg.HTTP.MaxConnections))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.GRPC.Enabled {
		if err := serveGRPC(gctx, group, cfg, be, logger); err != nil {
			return err
		}
	}

	err = group.Wait()
	logger.Info("bankd stopped")
	return ignoreCanceled(err)
}

func startKeeper(ctx context.Context, group *errgroup.Group, cfg config.KeeperConfig, be *backend, archive *indexer.Store, logger *slog.Logger) (*keeper.Keeper, error) {
	var source keeper.BorrowerSource = be.borrowers
	if be.borrowers == nil {
		if archive == nil {
			return nil, errors.New("keeper requires the indexer when the engine cannot list borrowers")
		}
		source = archive
	}
	k, err := keeper.New(be.engine, source, keeper.Config{
		Schedule:       cfg.Schedule,
		Workers:        cfg.Workers,
		CloseFactorBps: cfg.CloseFactorBps,
		Liquidator:     cfg.Liquidator,
		Timeout:        cfg.Timeout,
	}, logger.With(slog.String("component", "keeper")))
	if err != nil {
		return nil, err
	}
	if err := k.Seed(ctx); err != nil {
		logger.Warn("keeper seed failed", slog.Any("error", err))
	}
	group.Go(func() error { return ignoreCanceled(k.Follow(ctx)) })
	if err := k.Start(ctx); err != nil {
		return nil, err
	}
	return k, nil
}

func newHTTPServer(cfg config.Config, be *backend, archive *indexer.Store, liquidations *keeper.Keeper, logger *slog.Logger) (*http.Server, *middleware.RateLimiter, error) {
	limits := map[string]middleware.RateLimit{
		routes.RateLimitReads:  {RatePerSecond: 20, Burst: 40},
		routes.RateLimitWrites: {RatePerSecond: 5, Burst: 10},
		routes.RateLimitAdmin:  {RatePerSecond: 1, Burst: 5},
	}
	for _, limit := range cfg.RateLimits {
		limits[limit.ID] = middleware.RateLimit{
			RatePerSecond: limit.Rate(),
			Burst:         limit.Burst,
			DefaultTokens: limit.DefaultTokens,
			Tokens:        limit.Tokens,
		}
	}
	limiter := middleware.NewRateLimiter(limits, logger)

	var auth *middleware.Authenticator
	if cfg.Auth.Enabled {
		auth = middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ScopeClaim: cfg.Auth.ScopeClaim,
			ClockSkew:  cfg.Auth.ClockSkew,
		}, logger)
	} else {
		logger.Warn("http auth disabled; writes are not bound to a token subject")
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics,
	}, logger)

	rc := routes.Config{
		Engine:        be.engine,
		Authenticator: auth,
		RateLimiter:   limiter,
		Observability: obs,
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.HTTP.CORS.AllowedOrigins,
			AllowCredentials: cfg.HTTP.CORS.AllowCredentials,
		},
		Logger:  logger.With(slog.String("component", "http")),
		Timeout: cfg.HTTP.RequestTimeout,
		HealthCheck: func(ctx context.Context) error {
			_, err := be.engine.GetParams(ctx)
			return err
		},
	}
	// Interface fields stay nil rather than holding typed nil pointers.
	if archive != nil {
		rc.Archive = archive
	}
	if liquidations != nil {
		rc.Keeper = liquidations
	}
	router, err := routes.New(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("configure routes: %w", err)
	}

	handler := router
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(router, "bankd")
	}
	return &http.Server{
		Addr:         cfg.HTTP.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}, limiter, nil
}

func serveGRPC(ctx context.Context, group *errgroup.Group, cfg config.Config, be *backend, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", cfg.GRPC.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPC.ListenAddress, err)
	}
	if cfg.GRPC.TLS.AllowInsecure {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(cfg.Environment, "dev") && !loopback {
			_ = listener.Close()
			return errors.New("plaintext gRPC is restricted to loopback listeners or the dev environment")
		}
	}
	grpcLogger := logger.With(slog.String("component", "grpc"))
	svc := server.New(be.engine, grpcLogger, server.NewInterceptorAuthorizer())
	grpcServer, healthSrv, err := server.NewGRPCServer(server.Config{
		TLSCertFile:      cfg.GRPC.TLS.CertPath,
		TLSKeyFile:       cfg.GRPC.TLS.KeyPath,
		TLSClientCAFile:  cfg.GRPC.TLS.ClientCAPath,
		AllowInsecure:    cfg.GRPC.TLS.AllowInsecure,
		MTLSRequired:     cfg.GRPC.TLS.MTLSEnabled(),
		AllowedClientCNs: cfg.GRPC.Auth.MTLS.AllowedCommonNames,
		RateLimitPerMin:  cfg.GRPC.RateLimitPerMin,
		APITokens:        cfg.GRPC.Auth.APITokens,
		Accounts:         cfg.GRPC.Auth.Accounts,
		Logger:           grpcLogger,
	}, svc)
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("configure grpc: %w", err)
	}
	group.Go(func() error {
		grpcLogger.Info("grpc listening", slog.String("addr", cfg.GRPC.ListenAddress))
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve grpc: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		healthSrv.Shutdown()
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			grpcLogger.Warn("forcing grpc stop")
			grpcServer.Stop()
		}
		return nil
	})
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
