package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"miladybank/gateway/middleware"
	"miladybank/services/bank/engine"
)

var httpStatuses = []struct {
	err    error
	status int
}{
	{engine.ErrNotFound, http.StatusNotFound},
	{engine.ErrPaused, http.StatusServiceUnavailable},
	{engine.ErrUnauthorized, http.StatusForbidden},
	{engine.ErrInvalidAmount, http.StatusBadRequest},
	{engine.ErrInsufficientCollateral, http.StatusConflict},
	{engine.ErrRateLimited, http.StatusTooManyRequests},
	{engine.ErrSlippage, http.StatusConflict},
	{engine.ErrStalePrice, http.StatusConflict},
	{engine.ErrConflict, http.StatusConflict},
}

// statusFor maps an engine error onto an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	for _, entry := range httpStatuses {
		if errors.Is(err, entry.err) {
			return entry.status
		}
	}
	return http.StatusInternalServerError
}

func (br *bankRoutes) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		br.logger.Error("bank request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.RequestID(r.Context())),
			slog.Any("error", err),
		)
		writeJSONError(w, status, errors.New("internal error"))
		return
	}
	writeJSONError(w, status, err)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		writeInternalError(w, fmt.Errorf("marshal response: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusInternalServerError, err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	payload, marshalErr := json.Marshal(map[string]string{"error": message})
	if marshalErr != nil {
		payload = []byte(fmt.Sprintf("{\"error\":%q}", http.StatusText(status)))
	}
	_, _ = w.Write(payload)
}
