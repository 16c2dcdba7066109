package lending

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"lukechampine.com/blake3"

	"miladybank/native/market"
	"miladybank/storage"
)

// engineState is the persistence surface used by the bank. Getters return a
// nil record and no error when nothing is stored.
type engineState interface {
	GetMarket(id market.PoolID) (*Market, error)
	PutMarket(m *Market) error
	GetPool(id market.PoolID) (*LendingPool, error)
	PutPool(id market.PoolID, pool *LendingPool) error
	GetPosition(id market.PoolID, user common.Address) (*UserPosition, error)
	PutPosition(id market.PoolID, pos *UserPosition) error
	GetOracle(id market.PoolID) (*OracleRecord, error)
	PutOracle(id market.PoolID, rec *OracleRecord) error
	GetAdmin() (*AdminState, error)
	PutAdmin(admin *AdminState) error
	Markets() ([]Market, error)
	Positions(id market.PoolID) ([]*UserPosition, error)
}

var (
	prefixMarket   = []byte("bank/market/")
	prefixPool     = []byte("bank/pool/")
	prefixPosition = []byte("bank/position/")
	prefixOracle   = []byte("bank/oracle/")
	keyAdmin       = []byte("bank/admin")
)

// Store persists bank state as JSON records in a storage.Database.
type Store struct {
	db storage.Database
}

// NewStore wraps db.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func idKey(prefix []byte, id market.PoolID) []byte {
	return append(append([]byte(nil), prefix...), hex.EncodeToString(id[:])...)
}

// positionKey groups positions under their pool and spreads users with a
// blake3 digest of pool and address.
func positionKey(id market.PoolID, user common.Address) []byte {
	digest := blake3.Sum256(append(append([]byte(nil), id[:]...), user.Bytes()...))
	key := idKey(prefixPosition, id)
	key = append(key, '/')
	return append(key, hex.EncodeToString(digest[:16])...)
}

func (s *Store) load(key []byte, out any) (bool, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("bank store: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) save(key []byte, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("bank store: encode %s: %w", key, err)
	}
	return s.db.Put(key, raw)
}

func (s *Store) GetMarket(id market.PoolID) (*Market, error) {
	var m Market
	ok, err := s.load(idKey(prefixMarket, id), &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

func (s *Store) PutMarket(m *Market) error {
	return s.save(idKey(prefixMarket, m.ID), m)
}

func (s *Store) GetPool(id market.PoolID) (*LendingPool, error) {
	var p LendingPool
	ok, err := s.load(idKey(prefixPool, id), &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

func (s *Store) PutPool(id market.PoolID, pool *LendingPool) error {
	return s.save(idKey(prefixPool, id), pool)
}

func (s *Store) GetPosition(id market.PoolID, user common.Address) (*UserPosition, error) {
	var p UserPosition
	ok, err := s.load(positionKey(id, user), &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

func (s *Store) PutPosition(id market.PoolID, pos *UserPosition) error {
	return s.save(positionKey(id, pos.User), pos)
}

func (s *Store) GetOracle(id market.PoolID) (*OracleRecord, error) {
	var rec OracleRecord
	ok, err := s.load(idKey(prefixOracle, id), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PutOracle(id market.PoolID, rec *OracleRecord) error {
	return s.save(idKey(prefixOracle, id), rec)
}

func (s *Store) GetAdmin() (*AdminState, error) {
	var admin AdminState
	ok, err := s.load(keyAdmin, &admin)
	if err != nil || !ok {
		return nil, err
	}
	return &admin, nil
}

func (s *Store) PutAdmin(admin *AdminState) error {
	return s.save(keyAdmin, admin)
}

func (s *Store) Markets() ([]Market, error) {
	var out []Market
	var decodeErr error
	err := s.db.Iterate(prefixMarket, func(_, value []byte) bool {
		var m Market
		if err := json.Unmarshal(value, &m); err != nil {
			decodeErr = err
			return false
		}
		out = append(out, m)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

func (s *Store) Positions(id market.PoolID) ([]*UserPosition, error) {
	prefix := append(idKey(prefixPosition, id), '/')
	var out []*UserPosition
	var decodeErr error
	err := s.db.Iterate(prefix, func(_, value []byte) bool {
		var p UserPosition
		if err := json.Unmarshal(value, &p); err != nil {
			decodeErr = err
			return false
		}
		out = append(out, &p)
		return true
	})
	if err != nil {
		return nil, err
	}
	sortPositions(out)
	return out, decodeErr
}

func sortPositions(positions []*UserPosition) {
	sort.Slice(positions, func(i, j int) bool {
		return bytes.Compare(positions[i].User.Bytes(), positions[j].User.Bytes()) < 0
	})
}

// overlay buffers writes on top of a base state until commit.
type overlay struct {
	base      engineState
	markets   map[market.PoolID]*Market
	pools     map[market.PoolID]*LendingPool
	positions map[market.PoolID]map[common.Address]*UserPosition
	oracles   map[market.PoolID]*OracleRecord
	admin     *AdminState
}

func newOverlay(base engineState) *overlay {
	return &overlay{
		base:      base,
		markets:   make(map[market.PoolID]*Market),
		pools:     make(map[market.PoolID]*LendingPool),
		positions: make(map[market.PoolID]map[common.Address]*UserPosition),
		oracles:   make(map[market.PoolID]*OracleRecord),
	}
}

func (o *overlay) GetMarket(id market.PoolID) (*Market, error) {
	if m, ok := o.markets[id]; ok {
		copied := *m
		return &copied, nil
	}
	return o.base.GetMarket(id)
}

func (o *overlay) PutMarket(m *Market) error {
	copied := *m
	o.markets[m.ID] = &copied
	return nil
}

func (o *overlay) GetPool(id market.PoolID) (*LendingPool, error) {
	if p, ok := o.pools[id]; ok {
		return p.Clone(), nil
	}
	return o.base.GetPool(id)
}

func (o *overlay) PutPool(id market.PoolID, pool *LendingPool) error {
	o.pools[id] = pool.Clone()
	return nil
}

func (o *overlay) GetPosition(id market.PoolID, user common.Address) (*UserPosition, error) {
	if byUser, ok := o.positions[id]; ok {
		if p, ok := byUser[user]; ok {
			return p.Clone(), nil
		}
	}
	return o.base.GetPosition(id, user)
}

func (o *overlay) PutPosition(id market.PoolID, pos *UserPosition) error {
	byUser, ok := o.positions[id]
	if !ok {
		byUser = make(map[common.Address]*UserPosition)
		o.positions[id] = byUser
	}
	byUser[pos.User] = pos.Clone()
	return nil
}

func (o *overlay) GetOracle(id market.PoolID) (*OracleRecord, error) {
	if rec, ok := o.oracles[id]; ok {
		return rec.Clone(), nil
	}
	return o.base.GetOracle(id)
}

func (o *overlay) PutOracle(id market.PoolID, rec *OracleRecord) error {
	o.oracles[id] = rec.Clone()
	return nil
}

func (o *overlay) GetAdmin() (*AdminState, error) {
	if o.admin != nil {
		copied := *o.admin
		return &copied, nil
	}
	return o.base.GetAdmin()
}

func (o *overlay) PutAdmin(admin *AdminState) error {
	copied := *admin
	o.admin = &copied
	return nil
}

func (o *overlay) Markets() ([]Market, error) {
	base, err := o.base.Markets()
	if err != nil {
		return nil, err
	}
	seen := make(map[market.PoolID]bool, len(base))
	for _, m := range base {
		seen[m.ID] = true
	}
	for id, m := range o.markets {
		if !seen[id] {
			base = append(base, *m)
		}
	}
	return base, nil
}

func (o *overlay) Positions(id market.PoolID) ([]*UserPosition, error) {
	base, err := o.base.Positions(id)
	if err != nil {
		return nil, err
	}
	buffered := o.positions[id]
	out := make([]*UserPosition, 0, len(base)+len(buffered))
	for _, p := range base {
		if b, ok := buffered[p.User]; ok {
			out = append(out, b.Clone())
			continue
		}
		out = append(out, p)
	}
	for user, p := range buffered {
		found := false
		for _, existing := range base {
			if existing.User == user {
				found = true
				break
			}
		}
		if !found {
			out = append(out, p.Clone())
		}
	}
	sortPositions(out)
	return out, nil
}

// commit flushes buffered writes to the base state.
func (o *overlay) commit() error {
	for _, m := range o.markets {
		if err := o.base.PutMarket(m); err != nil {
			return err
		}
	}
	for id, p := range o.pools {
		if err := o.base.PutPool(id, p); err != nil {
			return err
		}
	}
	for id, byUser := range o.positions {
		for _, p := range byUser {
			if err := o.base.PutPosition(id, p); err != nil {
				return err
			}
		}
	}
	for id, rec := range o.oracles {
		if err := o.base.PutOracle(id, rec); err != nil {
			return err
		}
	}
	if o.admin != nil {
		if err := o.base.PutAdmin(o.admin); err != nil {
			return err
		}
	}
	return nil
}
