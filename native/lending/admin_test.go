package lending

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"miladybank/core/events"
	nativecommon "miladybank/native/common"
)

func TestPauseBlocksUserOperations(t *testing.T) {
	h := newHarness(t, DefaultParams())
	h.deposit(t, alice, 1_000)
	h.recorder.Reset()

	if err := h.bank.Pause(alice); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if err := h.bank.Pause(ownerAddr); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := h.bank.Pause(ownerAddr); !errors.Is(err, ErrAlreadyPaused) {
		t.Fatalf("expected ErrAlreadyPaused, got %v", err)
	}
	if err := h.bank.Deposit(alice, h.key, big.NewInt(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := h.bank.Withdraw(alice, h.key, big.NewInt(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := h.borrow(alice, 1); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := h.bank.Liquidate(bob, h.key, alice, big.NewInt(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	// Views keep working while paused.
	if _, err := h.bank.GetUserPosition(h.key, alice); err != nil {
		t.Fatalf("position while paused: %v", err)
	}

	if err := h.bank.Unpause(ownerAddr); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := h.bank.Unpause(ownerAddr); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}
	h.deposit(t, alice, 1)

	want := []string{events.TypeBankPaused, events.TypeBankUnpaused, events.TypeBankDeposit}
	got := h.recorder.Types()
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: want %s got %s", i, want[i], got[i])
		}
	}
}

func TestExternalPauseSwitch(t *testing.T) {
	h := newHarness(t, DefaultParams())
	pauses := nativecommon.PauseSet{}
	h.bank.SetPauses(pauses)
	h.deposit(t, alice, 10)

	pauses[nativecommon.ModuleBank] = true
	if !h.bank.IsPaused(nativecommon.ModuleBank) {
		t.Fatalf("expected bank to report paused")
	}
	if err := h.bank.Deposit(alice, h.key, big.NewInt(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	paused, err := h.bank.Paused()
	if err != nil {
		t.Fatalf("paused: %v", err)
	}
	if paused {
		t.Fatalf("owner pause flag must not be set by the external switch")
	}
}

func TestOwnershipAndRouter(t *testing.T) {
	h := newHarness(t, DefaultParams())

	owner, err := h.bank.Owner()
	if err != nil || owner != ownerAddr {
		t.Fatalf("unexpected owner %s err %v", owner.Hex(), err)
	}
	router, err := h.bank.Router()
	if err != nil || router != routerAddr {
		t.Fatalf("unexpected router %s err %v", router.Hex(), err)
	}

	if err := h.bank.TransferOwnership(alice, bob); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if err := h.bank.TransferOwnership(ownerAddr, common.Address{}); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}
	if err := h.bank.TransferOwnership(ownerAddr, alice); err != nil {
		t.Fatalf("transfer ownership: %v", err)
	}
	if err := h.bank.SetRouter(ownerAddr, bob); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("previous owner must lose rights, got %v", err)
	}
	if err := h.bank.SetRouter(alice, bob); err != nil {
		t.Fatalf("set router: %v", err)
	}

	// The replaced router can no longer borrow.
	h.deposit(t, alice, 1_000)
	if err := h.borrow(alice, 10); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if err := h.bank.Borrow(bob, h.key, alice, big.NewInt(10)); err != nil {
		t.Fatalf("borrow through new router: %v", err)
	}

	types := h.recorder.Types()
	if len(types) < 2 || types[0] != events.TypeBankOwnershipTransferred || types[1] != events.TypeBankRouterUpdated {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestParamsValidate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	bad := DefaultParams()
	bad.LiquidationThresholdBps = 10_001
	if err := bad.Validate(); !errors.Is(err, errInvalidParams) {
		t.Fatalf("expected errInvalidParams, got %v", err)
	}
	bad = DefaultParams()
	bad.TwapPeriod = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected zero twap period to be rejected")
	}
}

func TestConfigParams(t *testing.T) {
	cfg, err := ParseConfig(`
LiquidationThresholdBps = 7500
MaxBorrowPerWindowWei = "5000"
TwapPeriodSeconds = 600

[interest]
BaseRate = 0.01
Slope1 = 0.1
Slope2 = 1.0
Kink = 0.9
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	params, err := cfg.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.LiquidationThresholdBps != 7_500 || params.TwapPeriod != 600 {
		t.Fatalf("unexpected params %+v", params)
	}
	if params.MaxBorrowPerWindow.Int64() != 5_000 {
		t.Fatalf("unexpected window cap %s", params.MaxBorrowPerWindow)
	}
	if params.MinHoldTime != DefaultParams().MinHoldTime {
		t.Fatalf("unset fields must keep defaults")
	}
	model := cfg.InterestModel()
	if f, _ := model.Kink.Float64(); f != 0.9 {
		t.Fatalf("unexpected kink %s", model.Kink)
	}

	if _, err := (Config{MaxBorrowPerWindowWei: "lots"}).Params(); err == nil {
		t.Fatalf("expected invalid window cap to be rejected")
	}
}
