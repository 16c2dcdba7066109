package common

import (
	"errors"
	"math/big"
)

var (
	ErrWindowCapExceeded = errors.New("borrow window cap exceeded")
	ErrHoldTimeActive    = errors.New("minimum hold time not elapsed")
)

// WindowUsage captures the borrow counters tracked for an address.
type WindowUsage struct {
	LastBorrowTime   uint64
	BorrowedInWindow *big.Int
}

// Clone returns a deep copy of the usage counters.
func (u WindowUsage) Clone() WindowUsage {
	out := WindowUsage{LastBorrowTime: u.LastBorrowTime, BorrowedInWindow: big.NewInt(0)}
	if u.BorrowedInWindow != nil {
		out.BorrowedInWindow.Set(u.BorrowedInWindow)
	}
	return out
}

// Window defines the rolling borrow limit. The window restarts once
// WindowSeconds have passed since the last borrow.
type Window struct {
	MaxPerWindow  *big.Int
	WindowSeconds uint64
}

// Borrowed returns the amount counted against the window at now. Expired
// windows report zero.
func (w Window) Borrowed(now uint64, usage WindowUsage) *big.Int {
	if usage.LastBorrowTime == 0 || usage.BorrowedInWindow == nil || now >= usage.LastBorrowTime+w.WindowSeconds {
		return big.NewInt(0)
	}
	return new(big.Int).Set(usage.BorrowedInWindow)
}

// CheckWindow verifies whether amount fits in the window at now. The returned
// WindowUsage reflects the updated counters when the cap is not exceeded; on
// denial prev is returned unchanged.
func CheckWindow(w Window, now uint64, prev WindowUsage, amount *big.Int) (WindowUsage, error) {
	next := prev.Clone()
	next.BorrowedInWindow = w.Borrowed(now, prev)
	if amount != nil && amount.Sign() > 0 {
		next.BorrowedInWindow.Add(next.BorrowedInWindow, amount)
	}
	if w.MaxPerWindow != nil && w.MaxPerWindow.Sign() > 0 && next.BorrowedInWindow.Cmp(w.MaxPerWindow) > 0 {
		return prev, ErrWindowCapExceeded
	}
	next.LastBorrowTime = now
	return next, nil
}

// CheckHold rejects withdrawals made less than holdSeconds after the last
// borrow. Addresses that never borrowed are not held.
func CheckHold(holdSeconds, now uint64, usage WindowUsage) error {
	if usage.LastBorrowTime == 0 || holdSeconds == 0 {
		return nil
	}
	if now < usage.LastBorrowTime+holdSeconds {
		return ErrHoldTimeActive
	}
	return nil
}
