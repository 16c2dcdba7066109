package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"miladybank/core/events"
	"miladybank/core/types"
	"miladybank/native/lending"
	"miladybank/observability/metrics"
	"miladybank/services/bank/engine"
)

const (
	DefaultSchedule       = "@every 30s"
	DefaultWorkers        = 8
	DefaultCloseFactorBps = 5_000
	DefaultTimeout        = 25 * time.Second
)

var (
	ErrNoLiquidator       = errors.New("keeper: liquidator address required")
	ErrInvalidCloseFactor = errors.New("keeper: close factor must be within (0, 10000]")
)

// Config controls the liquidation keeper.
type Config struct {
	Schedule       string
	Workers        int
	CloseFactorBps uint64
	Liquidator     string
	// Timeout bounds a single scheduled scan.
	Timeout time.Duration
}

func (c Config) normalize() (Config, error) {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.CloseFactorBps == 0 {
		c.CloseFactorBps = DefaultCloseFactorBps
	}
	if c.CloseFactorBps > 10_000 {
		return c, ErrInvalidCloseFactor
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	c.Liquidator = strings.TrimSpace(c.Liquidator)
	if c.Liquidator == "" {
		return c, ErrNoLiquidator
	}
	return c, nil
}

// BorrowerSource lists candidate borrowers for a market. The native engine
// and the event indexer both provide one.
type BorrowerSource interface {
	Borrowers(ctx context.Context, market string) ([]string, error)
}

// Status is the last observed health of a tracked position.
type Status struct {
	User            string    `json:"user"`
	Market          string    `json:"market"`
	HealthFactor    string    `json:"healthFactor,omitempty"`
	Liquidatable    bool      `json:"liquidatable"`
	CheckedAt       time.Time `json:"checkedAt"`
	LastLiquidation string    `json:"lastLiquidation,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// Result summarises one scan.
type Result struct {
	Checked    int `json:"checked"`
	Liquidated int `json:"liquidated"`
	Failed     int `json:"failed"`
}

type position struct {
	User   string
	Market string
}

var noDebtHealth = lending.MaxHealthFactor.String()

func positionKey(market, user string) string {
	return strings.ToLower(market) + "/" + strings.ToLower(user)
}

// Keeper periodically checks tracked positions and liquidates unhealthy ones.
type Keeper struct {
	engine  engine.Engine
	source  BorrowerSource
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.KeeperMetrics
	now     func() time.Time

	tracked *xsync.Map[string, position]
	status  *xsync.Map[string, Status]

	pool pond.Pool

	scanMu sync.Mutex
	cronMu sync.Mutex
	cron   *cron.Cron
}

// New builds a keeper over eng. source may be nil, in which case positions are
// only discovered from the event stream.
func New(eng engine.Engine, source BorrowerSource, cfg Config, logger *slog.Logger) (*Keeper, error) {
	if eng == nil {
		return nil, fmt.Errorf("keeper: engine required")
	}
	normalized, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		engine:  eng,
		source:  source,
		cfg:     normalized,
		logger:  logger.With("component", "keeper"),
		metrics: metrics.Keeper(),
		now:     time.Now,
		tracked: xsync.NewMap[string, position](),
		status:  xsync.NewMap[string, Status](),
		pool:    pond.NewPool(normalized.Workers, pond.WithQueueSize(normalized.Workers*4)),
	}, nil
}

// Config returns the normalised configuration.
func (k *Keeper) Config() Config { return k.cfg }

// Track adds a position to the scan set.
func (k *Keeper) Track(market, user string) {
	market = strings.ToLower(strings.TrimSpace(market))
	user = strings.ToLower(strings.TrimSpace(user))
	if market == "" || user == "" {
		return
	}
	k.tracked.Store(positionKey(market, user), position{User: user, Market: market})
	k.metrics.SetTracked(k.tracked.Size())
}

// Untrack removes a position and its last status.
func (k *Keeper) Untrack(market, user string) {
	key := positionKey(market, user)
	k.tracked.Delete(key)
	k.status.Delete(key)
	k.metrics.SetTracked(k.tracked.Size())
}

// Tracked reports the number of positions in the scan set.
func (k *Keeper) Tracked() int { return k.tracked.Size() }

// Seed loads borrowers for every listed market from the borrower source.
func (k *Keeper) Seed(ctx context.Context) error {
	if k.source == nil {
		return nil
	}
	markets, err := k.engine.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("keeper: list markets: %w", err)
	}
	for _, m := range markets {
		users, err := k.source.Borrowers(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("keeper: borrowers for %s: %w", m.ID, err)
		}
		for _, user := range users {
			k.Track(m.ID, user)
		}
	}
	return nil
}

// Observe tracks the borrower named by a bank or router borrow event.
func (k *Keeper) Observe(evt types.Event) {
	switch evt.Type {
	case events.TypeBankBorrow, events.TypeRouterBorrowed:
		k.Track(evt.Attr("poolId"), evt.Attr("user"))
	}
}

// Follow consumes the engine's event stream until ctx is cancelled.
func (k *Keeper) Follow(ctx context.Context) error {
	ch, err := k.engine.Subscribe(ctx, 0)
	if err != nil {
		return fmt.Errorf("keeper: subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			k.Observe(evt)
		}
	}
}

// Scan checks every tracked position once and liquidates those below a health
// factor of one. Concurrent calls are serialised.
func (k *Keeper) Scan(ctx context.Context) (Result, error) {
	k.scanMu.Lock()
	defer k.scanMu.Unlock()

	start := k.now()
	positions := make([]position, 0, k.tracked.Size())
	k.tracked.Range(func(_ string, p position) bool {
		positions = append(positions, p)
		return true
	})

	var checked, liquidated, failed atomic.Int64
	group := k.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, p := range positions {
		p := p
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			done, err := k.check(groupCtx, p)
			checked.Add(1)
			if err != nil {
				failed.Add(1)
				return
			}
			if done {
				liquidated.Add(1)
			}
		})
	}
	err := group.Wait()
	res := Result{
		Checked:    int(checked.Load()),
		Liquidated: int(liquidated.Load()),
		Failed:     int(failed.Load()),
	}
	k.metrics.ObserveScan(k.now().Sub(start).Seconds())
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return res, fmt.Errorf("keeper: scan: %w", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	return res, nil
}

func (k *Keeper) check(ctx context.Context, p position) (bool, error) {
	key := positionKey(p.Market, p.User)
	k.metrics.ObserveChecked(p.Market)
	health, err := k.engine.CheckHealth(ctx, p.User, p.Market)
	if err != nil {
		k.metrics.IncFailure("health")
		k.record(key, p, func(s *Status) { s.Error = err.Error() })
		if errors.Is(err, engine.ErrNotFound) {
			k.Untrack(p.Market, p.User)
		}
		return false, err
	}
	k.record(key, p, func(s *Status) {
		s.HealthFactor = health.HealthFactor
		s.Liquidatable = health.Liquidatable
		s.Error = ""
	})
	if health.HealthFactor == noDebtHealth {
		k.Untrack(p.Market, p.User)
		return false, nil
	}
	if !health.Liquidatable {
		return false, nil
	}

	pos, err := k.engine.GetPosition(ctx, p.User, p.Market)
	if err != nil {
		k.metrics.IncFailure("position")
		k.record(key, p, func(s *Status) { s.Error = err.Error() })
		return false, err
	}
	amount, ok := k.closeAmount(pos.Borrows)
	if !ok {
		k.Untrack(p.Market, p.User)
		return false, nil
	}
	seized, err := k.engine.Liquidate(ctx, k.cfg.Liquidator, p.User, p.Market, amount)
	if err != nil {
		k.metrics.IncFailure("liquidate")
		k.record(key, p, func(s *Status) { s.Error = err.Error() })
		k.logger.Warn("liquidation failed",
			slog.String("market", p.Market),
			slog.String("user", p.User),
			slog.String("debt", amount),
			slog.Any("error", err))
		return false, err
	}
	k.metrics.ObserveLiquidation(p.Market)
	k.record(key, p, func(s *Status) { s.LastLiquidation = amount })
	k.logger.Info("position liquidated",
		slog.String("market", p.Market),
		slog.String("user", p.User),
		slog.String("debt", amount),
		slog.String("collateral", seized))
	return true, nil
}

// closeAmount returns CloseFactorBps of the debt, at least one unit. ok is
// false when there is no debt left.
func (k *Keeper) closeAmount(borrows string) (string, bool) {
	debt, ok := new(big.Int).SetString(borrows, 10)
	if !ok || debt.Sign() <= 0 {
		return "", false
	}
	amount := new(big.Int).Mul(debt, new(big.Int).SetUint64(k.cfg.CloseFactorBps))
	amount.Quo(amount, big.NewInt(10_000))
	if amount.Sign() == 0 {
		amount.SetInt64(1)
	}
	return amount.String(), true
}

func (k *Keeper) record(key string, p position, update func(*Status)) {
	now := k.now().UTC()
	k.status.Compute(key, func(old Status, loaded bool) (Status, xsync.ComputeOp) {
		if !loaded {
			old = Status{User: p.User, Market: p.Market}
		}
		old.CheckedAt = now
		update(&old)
		return old, xsync.UpdateOp
	})
}

// Snapshot returns the last status of every checked position.
func (k *Keeper) Snapshot() []Status {
	out := make([]Status, 0, k.status.Size())
	k.status.Range(func(_ string, s Status) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Start registers the scan on the cron schedule and starts the scheduler.
func (k *Keeper) Start(ctx context.Context) error {
	k.cronMu.Lock()
	defer k.cronMu.Unlock()
	if k.cron != nil {
		return fmt.Errorf("keeper: already started")
	}
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{k.logger})))
	_, err := c.AddFunc(k.cfg.Schedule, func() {
		rctx, cancel := context.WithTimeout(ctx, k.cfg.Timeout)
		defer cancel()
		res, err := k.Scan(rctx)
		if err != nil {
			k.logger.Warn("scan failed", slog.Any("error", err))
			return
		}
		k.logger.Debug("scan complete",
			slog.Int("checked", res.Checked),
			slog.Int("liquidated", res.Liquidated),
			slog.Int("failed", res.Failed))
	})
	if err != nil {
		return fmt.Errorf("keeper: schedule %q: %w", k.cfg.Schedule, err)
	}
	c.Start()
	k.cron = c
	k.logger.Info("keeper started", slog.String("schedule", k.cfg.Schedule))
	return nil
}

// Stop halts the scheduler, waits for a running scan and releases the worker
// pool.
func (k *Keeper) Stop() {
	k.cronMu.Lock()
	c := k.cron
	k.cron = nil
	k.cronMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	k.pool.StopAndWait()
}

type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
