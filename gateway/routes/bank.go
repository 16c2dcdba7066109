package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"miladybank/gateway/middleware"
	"miladybank/services/bank/engine"
	"miladybank/services/bank/indexer"
	"miladybank/services/bank/keeper"
)

const bankRequestLimit = 1 << 20 // 1 MiB

var errCallerMismatch = errors.New("caller does not match token subject")

// bankRoutes serves engine.Engine over JSON.
type bankRoutes struct {
	engine  engine.Engine
	archive EventArchive
	keeper  Liquidations
	auth    *middleware.Authenticator
	logger  *slog.Logger
	timeout time.Duration
	origins []string
}

// AmountRequest is the body of the single-leg write endpoints. Bound is the
// slippage limit: minAmountOut for borrows, maxAmountIn for repays.
type AmountRequest struct {
	User   string `json:"user"`
	Market string `json:"market"`
	Amount string `json:"amount"`
	Bound  string `json:"bound,omitempty"`
}

type LiquidateRequest struct {
	Liquidator string `json:"liquidator"`
	User       string `json:"user"`
	Market     string `json:"market"`
	DebtAmount string `json:"debtAmount"`
}

type PauseRequest struct {
	Caller string `json:"caller"`
	Target string `json:"target"`
}

type AmountResponse struct {
	Amount string `json:"amount"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type KeeperResponse struct {
	Tracked   int             `json:"tracked"`
	Positions []keeper.Status `json:"positions"`
}

func (br *bankRoutes) mountReads(r chi.Router) {
	r.Get("/params", br.getParams)
	r.Get("/markets", br.listMarkets)
	r.Get("/markets/{market}", br.getMarket)
	r.Get("/markets/{market}/price", br.getPrice)
	r.Get("/markets/{market}/positions/{user}", br.getPosition)
	r.Get("/markets/{market}/positions/{user}/health", br.checkHealth)
	r.Get("/events", br.queryEvents)
	r.Get("/events/stream", br.streamEvents)
}

func (br *bankRoutes) mountWrites(r chi.Router) {
	r.Post("/deposit", br.deposit)
	r.Post("/withdraw", br.withdraw)
	r.Post("/emergency-withdraw", br.emergencyWithdraw)
	r.Post("/borrow", br.borrow)
	r.Post("/repay", br.repay)
	r.Post("/deposit-and-borrow", br.depositAndBorrow)
	r.Post("/repay-and-withdraw", br.repayAndWithdraw)
	r.Post("/liquidate", br.liquidate)
}

func (br *bankRoutes) mountAdmin(r chi.Router) {
	r.Post("/pause", br.pause)
	r.Post("/unpause", br.unpause)
	r.Post("/events/export", br.exportEvents)
	r.Get("/keeper", br.keeperStatus)
	r.Post("/keeper/scan", br.keeperScan)
}

func (br *bankRoutes) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, br.timeout)
}

func (br *bankRoutes) getParams(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := br.context(r.Context())
	defer cancel()
	params, err := br.engine.GetParams(ctx)
	if err != nil {
		br.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

func (br *bankRoutes) listMarkets(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := br.context(r.Context())
	defer cancel()
	markets, err := br.engine.ListMarkets(ctx)
	if err != nil {
		br.writeEngineError(w, r, err)
		return
	}
	if markets == nil {
		markets = []engine.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

func (br *bankRoutes) getMarket(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := br.context(r.Context())
	defer cancel()
	market, err := br.engine.GetMarket(ctx, chi.URLParam(r, "market"))
	if err != nil {
		br.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

func (br *bankRoutes) getPrice(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := br.context(r.Context())
	defer cancel()
	price, err := br.engine.GetPrice(ctx, chi.URLParam(r, "market"))
	if err != nil {
		br.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, price)
}

func (br *bankRoutes) getPosition(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := br.context(r.Context())
	defer cancel()
	pos, err := br.engine.GetPosition(ctx, chi.URLParam(r, "user"), chi.URLParam(r, "market"))
	if err != nil {
		br.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (br *bankRoutes) checkHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := br.context(r.Context())
	defer cancel()
	health, err := br.engine.CheckHealth(ctx, chi.URLParam(r, "user"), chi.URLParam(r, "market"))
	if err != nil {
		br.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (br *bankRoutes) deposit(w http.ResponseWriter, r *http.Request) {
	br.simpleWrite(w, r, br.engine.Deposit)
}

func (br *bankRoutes) withdraw(w http.ResponseWriter, r *http.Request) {
	br.simpleWrite(w, r, br.engine.Withdraw)
}

func (br *bankRoutes) emergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	br.simpleWrite(w, r, br.engine.EmergencyWithdraw)
}

func (br *bankRoutes) borrow(w http.ResponseWriter, r *http.Request) {
	br.boundedWrite(w, r, br.engine.Borrow)
}

func (br *bankRoutes) repay(w http.ResponseWriter, r *http.Request) {
	br.boundedWrite(w, r, br.engine.Repay)
}

func (br *bankRoutes) simpleWrite(w http.ResponseWriter, r *http.Request, call func(ctx context.Context, user, market, amount string) error) {
	var req AmountRequest
	if !br.decodeAs(w, r, &req, func() string { return req.User }) {
		return
	}
	ctx, cancel := br.context(r.Context())
	defer cancel()
	if err := call(ctx, req.User, req.Market, req.Amount); err != nil {
		br.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (br *bankRoutes) boundedWrite(w http.ResponseWriter, r *http.Request, call func(ctx context.Context, user, market, amount, bound string) (string, error)) {
	var req AmountRequest
	if !br.decodeAs(w, r, &req, func() string { return req.User }) {
		return
	}
	ctx, cancel := br.context(r.Context())
	defer cancel()
	amount, err := call(ctx, req.User, req.Market, req.Amount, req.Bound)
	if err != nil {
		br.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AmountResponse{Amount: amount})
}

func (br *bankRoutes) depositAndBorrow(w http.ResponseWriter, r *http.Request) {
	var req engine.DepositAndBorrowRequest
	if !br.decodeAs(w, r, &req, func() string { return req.User }) {
		return
	}
	ctx, cancel := br.context(r.Context())
	defer cancel()
	amount, err := br.engine.DepositAndBorrow(ctx, req)
	if err != nil {
		br.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AmountResponse{Amount: amount})
}

func (br *bankRoutes) repayAndWithdraw(w http.ResponseWriter, r *http.Request) {
	var req engine.RepayAndWithdrawRequest
	if !br.decodeAs(w, r, &req, func() string { return req.User }) {
		return
	}
	ctx, cancel := br.context(r.Context())
	defer cancel()
	amount, err := br.engine.RepayAndWithdraw(ctx, req)
	if err != nil {
		br.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AmountResponse{Amount: amount})
}

func (br *bankRoutes) liquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if !br.decodeAs(w, r, &req, func() string { return req.Liquidator }) {
		return
	}
	ctx, cancel := br.context(r.Context())
	defer cancel()
	seized, err := br.engine.Liquidate(ctx, req.Liquidator, req.User, req.Market, req.DebtAmount)
	if err != nil {
		br.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AmountResponse{Amount: seized})
}

func (br *bankRoutes) pause(w http.ResponseWriter, r *http.Request) {
	br.setPaused(w, r, br.engine.Pause)
}

func (br *bankRoutes) unpause(w http.ResponseWriter, r *http.Request) {
	br.setPaused(w, r, br.engine.Unpause)
}

func (br *bankRoutes) setPaused(w http.ResponseWriter, r *http.Request, call func(ctx context.Context, caller, target string) error) {
	var req PauseRequest
	if !br.decodeAs(w, r, &req, func() string { return req.Caller }) {
		return
	}
	ctx, cancel := br.context(r.Context())
	defer cancel()
	if err := call(ctx, req.Caller, strings.ToLower(strings.TrimSpace(req.Target))); err != nil {
		br.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (br *bankRoutes) keeperStatus(w http.ResponseWriter, r *http.Request) {
	if br.keeper == nil {
		writeJSONError(w, http.StatusNotFound, errors.New("liquidation keeper disabled"))
		return
	}
	positions := br.keeper.Snapshot()
	if positions == nil {
		positions = []keeper.Status{}
	}
	writeJSON(w, http.StatusOK, KeeperResponse{Tracked: br.keeper.Tracked(), Positions: positions})
}

func (br *bankRoutes) keeperScan(w http.ResponseWriter, r *http.Request) {
	if br.keeper == nil {
		writeJSONError(w, http.StatusNotFound, errors.New("liquidation keeper disabled"))
		return
	}
	res, err := br.keeper.Scan(r.Context())
	if err != nil {
		br.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decodeAs reads the body into dst and checks that the acting account named
// by caller matches the token subject.
func (br *bankRoutes) decodeAs(w http.ResponseWriter, r *http.Request, dst interface{}, caller func() string) bool {
	if err := decodeRequest(r, dst); err != nil {
		writeBadRequest(w, err)
		return false
	}
	if err := br.authorizeCaller(r.Context(), caller()); err != nil {
		writeJSONError(w, http.StatusForbidden, err)
		return false
	}
	return true
}

func (br *bankRoutes) authorizeCaller(ctx context.Context, caller string) error {
	if !br.auth.Enabled() {
		return nil
	}
	subject, ok := middleware.Subject(ctx)
	if !ok || subject != strings.ToLower(strings.TrimSpace(caller)) {
		return errCallerMismatch
	}
	return nil
}

func decodeRequest(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, bankRequestLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// parseFilter reads indexer filters from the query string.
func parseFilter(r *http.Request) (indexer.Filter, error) {
	q := r.URL.Query()
	f := indexer.Filter{
		PoolID: strings.TrimSpace(q.Get("market")),
		User:   strings.TrimSpace(q.Get("user")),
		Type:   strings.TrimSpace(q.Get("type")),
	}
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid after: %q", raw)
		}
		f.AfterSequence = after
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return f, fmt.Errorf("invalid limit: %q", raw)
		}
		f.Limit = limit
	}
	for _, bound := range []struct {
		key string
		dst *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		raw := q.Get(bound.key)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("invalid %s: %q", bound.key, raw)
		}
		*bound.dst = parsed
	}
	return f, nil
}
