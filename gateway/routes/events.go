package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"miladybank/core/types"
	"miladybank/services/bank/indexer"
)

const wsWriteTimeout = 10 * time.Second

var errArchiveDisabled = errors.New("event archive disabled")

// EventView is an archived event as served by the API.
type EventView struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Market     string            `json:"market,omitempty"`
	User       string            `json:"user,omitempty"`
	Amount     string            `json:"amount,omitempty"`
	Attributes map[string]string `json:"attributes"`
	OccurredAt time.Time         `json:"occurredAt"`
}

func (br *bankRoutes) queryEvents(w http.ResponseWriter, r *http.Request) {
	if br.archive == nil {
		writeJSONError(w, http.StatusNotFound, errArchiveDisabled)
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := br.context(r.Context())
	defer cancel()
	records, err := br.archive.Query(ctx, filter)
	if err != nil {
		br.writeEngineError(w, r, err)
		return
	}
	out := make([]EventView, 0, len(records))
	for _, rec := range records {
		attrs, err := rec.Decode()
		if err != nil {
			br.logger.Warn("skip undecodable archived event", slog.Uint64("sequence", rec.Sequence), slog.Any("error", err))
			continue
		}
		out = append(out, EventView{
			Sequence:   rec.Sequence,
			Type:       rec.Type,
			Market:     rec.PoolID,
			User:       rec.Account,
			Amount:     rec.Amount,
			Attributes: attrs,
			OccurredAt: rec.OccurredAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// exportEvents streams a parquet archive of the matching events.
func (br *bankRoutes) exportEvents(w http.ResponseWriter, r *http.Request) {
	if br.archive == nil {
		writeJSONError(w, http.StatusNotFound, errArchiveDisabled)
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	tmp, err := os.CreateTemp("", "bank-events-*.parquet")
	if err != nil {
		writeInternalError(w, errors.New("internal error"))
		return
	}
	path := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(path)

	rows, err := br.archive.ExportParquet(r.Context(), path, filter)
	if err != nil {
		br.writeEngineError(w, r, err)
		return
	}
	file, err := os.Open(path)
	if err != nil {
		br.writeEngineError(w, r, fmt.Errorf("open export: %w", err))
		return
	}
	defer file.Close()

	name := fmt.Sprintf("bank-events-%s.parquet", time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("X-Row-Count", strconv.Itoa(rows))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, file); err != nil {
		br.logger.Warn("event export interrupted", slog.Any("error", err))
	}
}

// streamEvents upgrades to a websocket and forwards engine events with a
// sequence greater than the since query parameter.
func (br *bankRoutes) streamEvents(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeBadRequest(w, fmt.Errorf("invalid since: %q", raw))
			return
		}
		since = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: br.originPatterns()})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Clients never send data; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := br.forwardEvents(ctx, conn, since); err != nil && !errors.Is(err, context.Canceled) {
		if status := websocket.CloseStatus(err); status == -1 {
			br.logger.Warn("event stream failed", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (br *bankRoutes) forwardEvents(ctx context.Context, conn *websocket.Conn, since uint64) error {
	events, err := br.engine.Subscribe(ctx, since)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// originPatterns derives websocket origin patterns from the CORS allow list.
func (br *bankRoutes) originPatterns() []string {
	if len(br.origins) == 0 {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(br.origins))
	for _, origin := range br.origins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			return []string{"*"}
		}
		if idx := strings.Index(origin, "://"); idx >= 0 {
			origin = origin[idx+3:]
		}
		if origin != "" {
			patterns = append(patterns, origin)
		}
	}
	return patterns
}

var _ EventArchive = (*indexer.Store)(nil)
