package engine

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "miladybank/native/common"
	"miladybank/native/lending"
	"miladybank/native/poolmanager"
	"miladybank/native/router"
	"miladybank/storage"
)

// NativeConfig describes an in-process deployment of the bank, its router and
// the pool manager driving the hooks.
type NativeConfig struct {
	Bank     common.Address
	Router   common.Address
	Manager  common.Address
	Owner    common.Address
	Params   lending.Params
	Interest *lending.InterestModel
	// RouterConfig sets the router fee and borrow window.
	RouterConfig router.Config
	// Pauses is consulted in addition to the owner pause flags.
	Pauses nativecommon.PauseView
	Clock  func() time.Time
	// FeedHistory bounds the replay buffer of the event feed.
	FeedHistory int
}

// NewNative builds a Local engine backed by db. Bank, router and pool manager
// share the database under disjoint key prefixes.
func NewNative(cfg NativeConfig, db storage.Database) (*Local, error) {
	if db == nil {
		db = storage.NewMemDB()
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	bank := lending.NewBank(cfg.Bank, cfg.Owner, cfg.Params)
	bank.SetState(lending.NewStore(db))
	if cfg.Interest != nil {
		bank.SetInterestModel(cfg.Interest)
	}
	if cfg.Clock != nil {
		bank.SetClock(cfg.Clock)
	}
	if cfg.Pauses != nil {
		bank.SetPauses(cfg.Pauses)
	}

	manager, err := poolmanager.New(cfg.Manager, db)
	if err != nil {
		return nil, fmt.Errorf("pool manager: %w", err)
	}
	manager.Register(bank)
	bank.SetPoolManager(manager)

	r, err := router.New(cfg.Router, cfg.Owner, bank, db, cfg.RouterConfig)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	if cfg.Clock != nil {
		r.SetClock(cfg.Clock)
	}
	if cfg.Pauses != nil {
		r.SetPauses(cfg.Pauses)
	}

	current, err := bank.Router()
	if err != nil {
		return nil, fmt.Errorf("bank router: %w", err)
	}
	if current == (common.Address{}) {
		if err := bank.SetRouter(cfg.Owner, cfg.Router); err != nil {
			return nil, fmt.Errorf("register router: %w", err)
		}
	}

	feed := NewFeed(cfg.FeedHistory)
	if cfg.Clock != nil {
		feed.SetClock(cfg.Clock)
	}
	return NewLocal(bank, r, manager, feed), nil
}
