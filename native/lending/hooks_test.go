package lending

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"miladybank/native/oracle"
)

func TestHooksRejectForeignCaller(t *testing.T) {
	h := newHarness(t, DefaultParams())
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000ff")

	calls := map[string]func() error{
		"beforeInitialize":      func() error { return h.bank.BeforeInitialize(stranger, h.key, 0) },
		"afterInitialize":       func() error { return h.bank.AfterInitialize(stranger, h.key, 0) },
		"beforeSwap":            func() error { return h.bank.BeforeSwap(stranger, h.key) },
		"beforeAddLiquidity":    func() error { return h.bank.BeforeAddLiquidity(stranger, h.key) },
		"beforeRemoveLiquidity": func() error { return h.bank.BeforeRemoveLiquidity(stranger, h.key) },
		"afterSwap":             func() error { return h.bank.AfterSwap(stranger, h.key) },
		"beforeDonate":          func() error { return h.bank.BeforeDonate(stranger, h.key) },
	}
	for name, call := range calls {
		if err := call(); !errors.Is(err, ErrNotPoolManager) {
			t.Fatalf("%s: expected ErrNotPoolManager, got %v", name, err)
		}
	}
}

func TestUnusedHooksNotImplemented(t *testing.T) {
	h := newHarness(t, DefaultParams())
	calls := []func() error{
		func() error { return h.bank.AfterSwap(managerAddr, h.key) },
		func() error { return h.bank.AfterAddLiquidity(managerAddr, h.key) },
		func() error { return h.bank.AfterRemoveLiquidity(managerAddr, h.key) },
		func() error { return h.bank.BeforeDonate(managerAddr, h.key) },
		func() error { return h.bank.AfterDonate(managerAddr, h.key) },
	}
	for i, call := range calls {
		if err := call(); !errors.Is(err, ErrHookNotImplemented) {
			t.Fatalf("call %d: expected ErrHookNotImplemented, got %v", i, err)
		}
	}

	perms := h.bank.GetHookPermissions()
	if !perms.BeforeInitialize || !perms.AfterInitialize || !perms.BeforeSwap {
		t.Fatalf("missing required permissions: %+v", perms)
	}
	if perms.AfterSwap || perms.BeforeDonate || perms.AfterDonate {
		t.Fatalf("unexpected permissions: %+v", perms)
	}
}

func TestInitializeValidation(t *testing.T) {
	h := newHarness(t, DefaultParams())

	if err := h.bank.BeforeInitialize(managerAddr, h.key, 0); !errors.Is(err, ErrPoolAlreadyInitialized) {
		t.Fatalf("expected ErrPoolAlreadyInitialized, got %v", err)
	}

	foreign := h.key
	foreign.Hooks = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	if err := h.bank.BeforeInitialize(managerAddr, foreign, 0); !errors.Is(err, ErrHookAddressMismatch) {
		t.Fatalf("expected ErrHookAddressMismatch, got %v", err)
	}

	other := h.key
	other.Fee = 500
	if err := h.bank.BeforeInitialize(managerAddr, other, oracle.MaxTick+1); !errors.Is(err, oracle.ErrTickOutOfRange) {
		t.Fatalf("expected ErrTickOutOfRange, got %v", err)
	}

	markets, err := h.bank.Markets()
	if err != nil {
		t.Fatalf("markets: %v", err)
	}
	if len(markets) != 1 || markets[0].ID != h.key.ID() {
		t.Fatalf("unexpected markets %+v", markets)
	}
	key, err := h.bank.Market(h.key.ID())
	if err != nil || key != h.key {
		t.Fatalf("market lookup returned %+v err %v", key, err)
	}
}

func TestOracleRingViews(t *testing.T) {
	params := DefaultParams()
	h := newHarness(t, params)

	state, err := h.bank.States(h.key.ID())
	if err != nil {
		t.Fatalf("states: %v", err)
	}
	if state.Cardinality != params.DefaultCardinalityNext || state.Index != 1 {
		t.Fatalf("unexpected oracle state %+v", state)
	}
	obs, err := h.bank.Observations(h.key.ID(), 1)
	if err != nil {
		t.Fatalf("observation: %v", err)
	}
	if !obs.Initialized || obs.BlockTimestamp != uint32(h.clock.now.Unix()) {
		t.Fatalf("unexpected observation %+v", obs)
	}
	if _, err := h.bank.Observations(h.key.ID(), params.DefaultCardinalityNext); !errors.Is(err, ErrObservationIndex) {
		t.Fatalf("expected ErrObservationIndex, got %v", err)
	}

	old, grown, err := h.bank.IncreaseCardinalityNext(h.key, 128)
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	if old != params.DefaultCardinalityNext || grown != 128 {
		t.Fatalf("unexpected cardinality change %d -> %d", old, grown)
	}
	if _, _, err := h.bank.IncreaseCardinalityNext(h.key, 16); err != nil {
		t.Fatalf("shrinking request must be a no-op: %v", err)
	}
	state, _ = h.bank.States(h.key.ID())
	if state.CardinalityNext != 128 {
		t.Fatalf("cardinality next must not shrink, got %d", state.CardinalityNext)
	}
}
