package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"miladybank/gateway/middleware"
	"miladybank/services/bank/engine"
	"miladybank/services/bank/indexer"
	"miladybank/services/bank/keeper"
)

// Rate limit keys used by the router.
const (
	RateLimitReads  = "reads"
	RateLimitWrites = "writes"
	RateLimitAdmin  = "admin"
)

const defaultTimeout = 10 * time.Second

// EventArchive is the indexer view the gateway serves.
type EventArchive interface {
	Query(ctx context.Context, f indexer.Filter) ([]indexer.EventRecord, error)
	ExportParquet(ctx context.Context, path string, f indexer.Filter) (int, error)
}

// Liquidations is the keeper view the gateway serves.
type Liquidations interface {
	Snapshot() []keeper.Status
	Tracked() int
	Scan(ctx context.Context) (keeper.Result, error)
}

type Config struct {
	Engine        engine.Engine
	Archive       EventArchive
	Keeper        Liquidations
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
	// Timeout bounds each engine call. Streams are not bounded.
	Timeout time.Duration
	// HealthCheck, when set, backs /readyz.
	HealthCheck func(context.Context) error
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("gateway: engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	api := &bankRoutes{
		engine:  cfg.Engine,
		archive: cfg.Archive,
		keeper:  cfg.Keeper,
		auth:    cfg.Authenticator,
		logger:  cfg.Logger,
		timeout: cfg.Timeout,
		origins: cfg.CORS.AllowedOrigins,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestIDs)
	r.Use(middleware.CORS(cfg.CORS))
	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("bank"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.HealthCheck != nil {
			if err := cfg.HealthCheck(r.Context()); err != nil {
				writeJSONError(w, http.StatusServiceUnavailable, err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(reads chi.Router) {
			limit(reads, cfg.RateLimiter, RateLimitReads)
			api.mountReads(reads)
		})
		v1.Group(func(writes chi.Router) {
			writes.Use(cfg.Authenticator.Middleware())
			limit(writes, cfg.RateLimiter, RateLimitWrites)
			api.mountWrites(writes)
		})
		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(cfg.Authenticator.Middleware(middleware.ScopeAdmin))
			limit(admin, cfg.RateLimiter, RateLimitAdmin)
			api.mountAdmin(admin)
		})
	})
	return r, nil
}

func limit(r chi.Router, limiter *middleware.RateLimiter, key string) {
	if limiter != nil {
		r.Use(limiter.Middleware(key))
	}
}
