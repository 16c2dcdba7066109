package lending

import (
	"errors"
	"math/big"
	"testing"

	"miladybank/core/events"
)

func TestLiquidationAfterPriceDrop(t *testing.T) {
	params := DefaultParams()
	h := newHarness(t, params)
	h.deposit(t, alice, 1_000)
	if err := h.borrow(alice, 790); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := h.bank.Liquidate(bob, h.key, alice, big.NewInt(10)); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}

	// Move the pool down and let a full TWAP period elapse at the new tick.
	h.manager.tick = -2_000
	if err := h.bank.BeforeSwap(managerAddr, h.key); err != nil {
		t.Fatalf("observation: %v", err)
	}
	h.warm(t)

	price, err := h.bank.GetPrice(h.key)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price.Cmp(wad) >= 0 {
		t.Fatalf("expected price below 1.0, got %s", price)
	}
	health, err := h.bank.CheckHealth(h.key, alice)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Cmp(HealthFactorOne) >= 0 {
		t.Fatalf("expected unhealthy position, got %s", health)
	}
	before := h.position(t, alice)

	if _, err := h.bank.Liquidate(bob, h.key, alice, new(big.Int).Add(before.Borrows, big.NewInt(1))); !errors.Is(err, ErrDebtAmountExceedsDebt) {
		t.Fatalf("expected ErrDebtAmountExceedsDebt, got %v", err)
	}

	h.recorder.Reset()
	seized, err := h.bank.Liquidate(bob, h.key, alice, big.NewInt(100))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(100), wad)
	want.Quo(want, price)
	want = bps(want, 10_000+params.LiquidationBonusBps)
	if seized.Cmp(want) != 0 {
		t.Fatalf("expected %s seized, got %s", want, seized)
	}

	after := h.position(t, alice)
	if got := new(big.Int).Sub(before.Deposits, after.Deposits); got.Cmp(seized) != 0 {
		t.Fatalf("deposits dropped by %s, expected %s", got, seized)
	}
	if got := new(big.Int).Sub(before.Borrows, after.Borrows); got.Int64() != 100 {
		t.Fatalf("debt dropped by %s, expected 100", got)
	}

	recorded := h.recorder.Events()
	if len(recorded) != 1 || recorded[0].EventType() != events.TypeBankLiquidation {
		t.Fatalf("unexpected events %v", h.recorder.Types())
	}
	evt := recorded[0].Event()
	if evt.Attributes["collateralLiquidated"] != seized.String() {
		t.Fatalf("unexpected liquidation payload %+v", evt.Attributes)
	}
}

func TestLiquidationSeizeCappedAtDeposits(t *testing.T) {
	params := DefaultParams()
	params.LiquidationBonusBps = 5_000
	h := newHarness(t, params)
	h.deposit(t, alice, 1_000)
	if err := h.borrow(alice, 790); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	h.manager.tick = -9_000
	if err := h.bank.BeforeSwap(managerAddr, h.key); err != nil {
		t.Fatalf("observation: %v", err)
	}
	h.warm(t)

	debt := h.position(t, alice).Borrows
	seized, err := h.bank.Liquidate(bob, h.key, alice, debt)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if seized.Int64() != 1_000 {
		t.Fatalf("expected all 1000 deposits seized, got %s", seized)
	}
	pos := h.position(t, alice)
	if pos.Deposits.Sign() != 0 || pos.Borrows.Sign() != 0 {
		t.Fatalf("expected position wiped, got %+v", pos)
	}
}
