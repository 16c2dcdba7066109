package poolmanager

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"miladybank/native/market"
	"miladybank/native/oracle"
	"miladybank/storage"
)

var (
	ErrPoolNotFound          = errors.New("pool manager: pool not initialised")
	ErrPoolAlreadyExists     = errors.New("pool manager: pool already initialised")
	ErrHooksNotRegistered    = errors.New("pool manager: hooks address not registered")
	ErrInsufficientLiquidity = errors.New("pool manager: insufficient liquidity")
	ErrZeroLiquidityDelta    = errors.New("pool manager: liquidity delta must be non-zero")
)

// Hooks is the callback surface of a hook contract.
type Hooks interface {
	Address() common.Address
	GetHookPermissions() market.Permissions
	BeforeInitialize(sender common.Address, key market.PoolKey, tick int32) error
	AfterInitialize(sender common.Address, key market.PoolKey, tick int32) error
	BeforeAddLiquidity(sender common.Address, key market.PoolKey) error
	AfterAddLiquidity(sender common.Address, key market.PoolKey) error
	BeforeRemoveLiquidity(sender common.Address, key market.PoolKey) error
	AfterRemoveLiquidity(sender common.Address, key market.PoolKey) error
	BeforeSwap(sender common.Address, key market.PoolKey) error
	AfterSwap(sender common.Address, key market.PoolKey) error
	BeforeDonate(sender common.Address, key market.PoolKey) error
	AfterDonate(sender common.Address, key market.PoolKey) error
}

// Pool is the slot state of one pool.
type Pool struct {
	Key       market.PoolKey `json:"key"`
	Tick      int32          `json:"tick"`
	Liquidity *uint256.Int   `json:"liquidity"`
}

var prefixPool = []byte("pm/pool/")

// Manager is an in-process pool manager. It keeps the current tick and
// liquidity per pool and invokes hook callbacks according to the hook's
// permissions.
type Manager struct {
	address common.Address
	db      storage.Database

	mu    sync.RWMutex
	pools map[market.PoolID]*Pool
	hooks map[common.Address]Hooks
}

// New constructs a manager at address. When db is non-nil pool slots are
// persisted and reloaded from it.
func New(address common.Address, db storage.Database) (*Manager, error) {
	m := &Manager{
		address: address,
		db:      db,
		pools:   make(map[market.PoolID]*Pool),
		hooks:   make(map[common.Address]Hooks),
	}
	if db == nil {
		return m, nil
	}
	var decodeErr error
	err := db.Iterate(prefixPool, func(_, value []byte) bool {
		var p Pool
		if err := json.Unmarshal(value, &p); err != nil {
			decodeErr = err
			return false
		}
		if p.Liquidity == nil {
			p.Liquidity = new(uint256.Int)
		}
		m.pools[p.Key.ID()] = &p
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("pool manager: load: %w", err)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("pool manager: decode: %w", decodeErr)
	}
	return m, nil
}

// Address returns the manager address hooks authenticate against.
func (m *Manager) Address() common.Address { return m.address }

// Register makes h reachable for keys whose Hooks field equals h.Address().
func (m *Manager) Register(h Hooks) {
	m.mu.Lock()
	m.hooks[h.Address()] = h
	m.mu.Unlock()
}

// Slot0 returns the current tick of a pool.
func (m *Manager) Slot0(id market.PoolID) (int32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[id]
	if !ok {
		return 0, ErrPoolNotFound
	}
	return p.Tick, nil
}

// Liquidity returns the in-range liquidity of a pool.
func (m *Manager) Liquidity(id market.PoolID) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[id]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return p.Liquidity.Clone(), nil
}

// Pools lists every initialised pool.
func (m *Manager) Pools() []Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, Pool{Key: p.Key, Tick: p.Tick, Liquidity: p.Liquidity.Clone()})
	}
	return out
}

func (m *Manager) hooksFor(key market.PoolKey) (Hooks, market.Permissions, error) {
	if key.Hooks == (common.Address{}) {
		return nil, market.Permissions{}, nil
	}
	m.mu.RLock()
	h, ok := m.hooks[key.Hooks]
	m.mu.RUnlock()
	if !ok {
		return nil, market.Permissions{}, ErrHooksNotRegistered
	}
	return h, h.GetHookPermissions(), nil
}

// Initialize creates a pool at tick.
func (m *Manager) Initialize(key market.PoolKey, tick int32) (market.PoolID, error) {
	if err := key.Validate(); err != nil {
		return market.PoolID{}, err
	}
	if tick < oracle.MinTick || tick > oracle.MaxTick {
		return market.PoolID{}, oracle.ErrTickOutOfRange
	}
	id := key.ID()
	m.mu.RLock()
	_, exists := m.pools[id]
	m.mu.RUnlock()
	if exists {
		return id, ErrPoolAlreadyExists
	}

	h, perms, err := m.hooksFor(key)
	if err != nil {
		return id, err
	}
	if h != nil && perms.BeforeInitialize {
		if err := h.BeforeInitialize(m.address, key, tick); err != nil {
			return id, err
		}
	}

	pool := &Pool{Key: key, Tick: tick, Liquidity: new(uint256.Int)}
	if err := m.store(id, pool); err != nil {
		return id, err
	}

	if h != nil && perms.AfterInitialize {
		if err := h.AfterInitialize(m.address, key, tick); err != nil {
			return id, err
		}
	}
	return id, nil
}

// ModifyLiquidity adds (positive delta) or removes (negative delta) in-range
// liquidity.
func (m *Manager) ModifyLiquidity(key market.PoolKey, delta *big.Int) error {
	if delta == nil || delta.Sign() == 0 {
		return ErrZeroLiquidityDelta
	}
	id := key.ID()
	pool, err := m.pool(id)
	if err != nil {
		return err
	}
	abs, overflow := uint256.FromBig(new(big.Int).Abs(delta))
	if overflow {
		return fmt.Errorf("pool manager: liquidity delta overflows uint256")
	}
	adding := delta.Sign() > 0
	if !adding && pool.Liquidity.Lt(abs) {
		return ErrInsufficientLiquidity
	}

	h, perms, err := m.hooksFor(key)
	if err != nil {
		return err
	}
	if h != nil {
		if adding && perms.BeforeAddLiquidity {
			err = h.BeforeAddLiquidity(m.address, key)
		} else if !adding && perms.BeforeRemoveLiquidity {
			err = h.BeforeRemoveLiquidity(m.address, key)
		}
		if err != nil {
			return err
		}
	}

	if adding {
		pool.Liquidity = new(uint256.Int).Add(pool.Liquidity, abs)
	} else {
		pool.Liquidity = new(uint256.Int).Sub(pool.Liquidity, abs)
	}
	if err := m.store(id, pool); err != nil {
		return err
	}

	if h != nil {
		if adding && perms.AfterAddLiquidity {
			return h.AfterAddLiquidity(m.address, key)
		}
		if !adding && perms.AfterRemoveLiquidity {
			return h.AfterRemoveLiquidity(m.address, key)
		}
	}
	return nil
}

// Swap moves the pool to tickAfter.
func (m *Manager) Swap(key market.PoolKey, tickAfter int32) error {
	if tickAfter < oracle.MinTick || tickAfter > oracle.MaxTick {
		return oracle.ErrTickOutOfRange
	}
	id := key.ID()
	pool, err := m.pool(id)
	if err != nil {
		return err
	}
	h, perms, err := m.hooksFor(key)
	if err != nil {
		return err
	}
	if h != nil && perms.BeforeSwap {
		if err := h.BeforeSwap(m.address, key); err != nil {
			return err
		}
	}
	pool.Tick = tickAfter
	if err := m.store(id, pool); err != nil {
		return err
	}
	if h != nil && perms.AfterSwap {
		return h.AfterSwap(m.address, key)
	}
	return nil
}

// Donate runs the donate callbacks of a pool.
func (m *Manager) Donate(key market.PoolKey) error {
	if _, err := m.pool(key.ID()); err != nil {
		return err
	}
	h, perms, err := m.hooksFor(key)
	if err != nil || h == nil {
		return err
	}
	if perms.BeforeDonate {
		if err := h.BeforeDonate(m.address, key); err != nil {
			return err
		}
	}
	if perms.AfterDonate {
		return h.AfterDonate(m.address, key)
	}
	return nil
}

func (m *Manager) pool(id market.PoolID) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[id]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return &Pool{Key: p.Key, Tick: p.Tick, Liquidity: p.Liquidity.Clone()}, nil
}

func (m *Manager) store(id market.PoolID, pool *Pool) error {
	if m.db != nil {
		raw, err := json.Marshal(pool)
		if err != nil {
			return fmt.Errorf("pool manager: encode: %w", err)
		}
		key := append(append([]byte(nil), prefixPool...), hex.EncodeToString(id[:])...)
		if err := m.db.Put(key, raw); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.pools[id] = pool
	m.mu.Unlock()
	return nil
}
