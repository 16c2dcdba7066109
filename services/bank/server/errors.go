package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"miladybank/services/bank/engine"
)

var statusCodes = []struct {
	err  error
	code codes.Code
}{
	{engine.ErrNotFound, codes.NotFound},
	{engine.ErrPaused, codes.Unavailable},
	{engine.ErrUnauthorized, codes.PermissionDenied},
	{engine.ErrInvalidAmount, codes.InvalidArgument},
	{engine.ErrInsufficientCollateral, codes.ResourceExhausted},
	{engine.ErrRateLimited, codes.ResourceExhausted},
	{engine.ErrSlippage, codes.Aborted},
	{engine.ErrStalePrice, codes.FailedPrecondition},
	{engine.ErrConflict, codes.FailedPrecondition},
}

// toStatus maps engine sentinels onto gRPC codes. The message keeps the
// engine's text so clients can recover the sentinel.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	for _, entry := range statusCodes {
		if errors.Is(err, entry.err) {
			return status.Error(entry.code, err.Error())
		}
	}
	return status.Error(codes.Internal, "internal error")
}

// fromStatus reverses toStatus on the client side.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %s", engine.ErrUnauthorized, st.Message())
	}
	msg := st.Message()
	for _, entry := range statusCodes {
		if entry.code == st.Code() && strings.Contains(msg, entry.err.Error()) {
			return fmt.Errorf("%w: %s", entry.err, msg)
		}
	}
	if st.Code() == codes.ResourceExhausted {
		return fmt.Errorf("%w: %s", engine.ErrRateLimited, msg)
	}
	return fmt.Errorf("%w: %s", engine.ErrInternal, msg)
}
