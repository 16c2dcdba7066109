package server

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"miladybank/services/bank/engine"
)

func TestToStatusRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"not found", engine.ErrNotFound, codes.NotFound},
		{"paused", engine.ErrPaused, codes.Unavailable},
		{"unauthorized", engine.ErrUnauthorized, codes.PermissionDenied},
		{"invalid amount", engine.ErrInvalidAmount, codes.InvalidArgument},
		{"insufficient collateral", engine.ErrInsufficientCollateral, codes.ResourceExhausted},
		{"rate limited", engine.ErrRateLimited, codes.ResourceExhausted},
		{"slippage", engine.ErrSlippage, codes.Aborted},
		{"stale price", engine.ErrStalePrice, codes.FailedPrecondition},
		{"conflict", engine.ErrConflict, codes.FailedPrecondition},
		{"internal", engine.ErrInternal, codes.Internal},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			wrapped := fmt.Errorf("invalid address: %w", tc.err)
			st := toStatus(wrapped)
			if code := status.Code(st); code != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, code)
			}
			back := fromStatus(st)
			if !errors.Is(back, tc.err) {
				t.Fatalf("expected %v after round trip, got %v", tc.err, back)
			}
		})
	}
}

func TestToStatusHidesUnknownErrors(t *testing.T) {
	t.Parallel()
	st := toStatus(errors.New("leveldb: corrupted"))
	if status.Code(st) != codes.Internal {
		t.Fatalf("expected internal, got %v", st)
	}
	if s, _ := status.FromError(st); s.Message() != "internal error" {
		t.Fatalf("unexpected message %q", s.Message())
	}
}

func TestToStatusContextErrors(t *testing.T) {
	t.Parallel()
	if code := status.Code(toStatus(context.Canceled)); code != codes.Canceled {
		t.Fatalf("expected canceled, got %s", code)
	}
	if code := status.Code(toStatus(fmt.Errorf("call: %w", context.DeadlineExceeded))); code != codes.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %s", code)
	}
	if err := fromStatus(status.Error(codes.Canceled, "gone")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFromStatusLimiterAndAuth(t *testing.T) {
	t.Parallel()
	if err := fromStatus(status.Error(codes.ResourceExhausted, "rate limit exceeded")); !errors.Is(err, engine.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if err := fromStatus(status.Error(codes.Unauthenticated, "authentication required")); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := fromStatus(status.Error(codes.PermissionDenied, "api-token-1 may not act for 0xabc")); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for permission denied, got %v", err)
	}
}

func TestHTTPStatusForMetrics(t *testing.T) {
	t.Parallel()

	cases := map[codes.Code]int{
		codes.OK:                 200,
		codes.InvalidArgument:    400,
		codes.Unauthenticated:    401,
		codes.PermissionDenied:   403,
		codes.NotFound:           404,
		codes.FailedPrecondition: 409,
		codes.ResourceExhausted:  429,
		codes.Internal:           500,
	}
	for code, want := range cases {
		if got := httpStatus(code); got != want {
			t.Fatalf("httpStatus(%s) = %d, want %d", code, got, want)
		}
	}
	if got := methodName(FullMethod("Borrow")); got != "Borrow" {
		t.Fatalf("unexpected method name %q", got)
	}
}
