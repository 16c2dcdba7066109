package lending

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"miladybank/core/events"
	"miladybank/native/market"
	"miladybank/storage"
)

var (
	bankAddr    = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	managerAddr = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	ownerAddr   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	routerAddr  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	alice       = common.HexToAddress("0x0000000000000000000000000000000000001111")
	bob         = common.HexToAddress("0x0000000000000000000000000000000000002222")
)

type stubManager struct {
	tick      int32
	liquidity *uint256.Int
}

func (m *stubManager) Address() common.Address { return managerAddr }

func (m *stubManager) Slot0(market.PoolID) (int32, error) { return m.tick, nil }

func (m *stubManager) Liquidity(market.PoolID) (*uint256.Int, error) {
	return m.liquidity.Clone(), nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) advance(seconds uint64) {
	c.now = c.now.Add(time.Duration(seconds) * time.Second)
}

type harness struct {
	bank     *Bank
	manager  *stubManager
	clock    *testClock
	key      market.PoolKey
	recorder *events.Recorder
}

func newHarness(t *testing.T, params Params) *harness {
	t.Helper()
	h := &harness{
		bank:     NewBank(bankAddr, ownerAddr, params),
		manager:  &stubManager{liquidity: uint256.NewInt(1_000_000)},
		clock:    &testClock{now: time.Unix(1_700_000_000, 0)},
		recorder: &events.Recorder{},
		key: market.PoolKey{
			Currency0:   common.HexToAddress("0x0000000000000000000000000000000000000a01"),
			Currency1:   common.HexToAddress("0x0000000000000000000000000000000000000a02"),
			Fee:         3000,
			TickSpacing: 60,
			Hooks:       bankAddr,
		},
	}
	h.bank.SetState(NewStore(storage.NewMemDB()))
	h.bank.SetPoolManager(h.manager)
	h.bank.SetClock(h.clock.Now)
	h.bank.SetEmitter(h.recorder)

	if err := h.bank.BeforeInitialize(managerAddr, h.key, 0); err != nil {
		t.Fatalf("before initialize: %v", err)
	}
	if err := h.bank.AfterInitialize(managerAddr, h.key, 0); err != nil {
		t.Fatalf("after initialize: %v", err)
	}
	if err := h.bank.SetRouter(ownerAddr, routerAddr); err != nil {
		t.Fatalf("set router: %v", err)
	}
	h.warm(t)
	h.recorder.Reset()
	return h
}

// warm advances one TWAP period and records an observation so the oracle
// reports a price at the current tick.
func (h *harness) warm(t *testing.T) {
	t.Helper()
	h.clock.advance(uint64(h.bank.Params().TwapPeriod))
	if err := h.bank.BeforeSwap(managerAddr, h.key); err != nil {
		t.Fatalf("record observation: %v", err)
	}
}

func (h *harness) deposit(t *testing.T, user common.Address, amount int64) {
	t.Helper()
	if err := h.bank.Deposit(user, h.key, big.NewInt(amount)); err != nil {
		t.Fatalf("deposit %d: %v", amount, err)
	}
}

func (h *harness) borrow(user common.Address, amount int64) error {
	return h.bank.Borrow(routerAddr, h.key, user, big.NewInt(amount))
}

func (h *harness) position(t *testing.T, user common.Address) PositionView {
	t.Helper()
	view, err := h.bank.GetUserPosition(h.key, user)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	return view
}
