package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"miladybank/core/events"
	"miladybank/core/types"
	"miladybank/observability"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

var ErrUnknownDriver = errors.New("indexer: unknown database driver")

// Open connects to the event database and migrates the schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open %s: %w", driver, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	return db, nil
}

// Filter narrows event queries. Zero values match everything.
type Filter struct {
	PoolID        string
	User          string
	Type          string
	AfterSequence uint64
	Since         time.Time
	Until         time.Time
	Limit         int
}

// Store persists the event archive.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStore wraps an opened database.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Record stores one event.
func (s *Store) Record(ctx context.Context, evt types.Event) (*EventRecord, error) {
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return nil, fmt.Errorf("indexer: encode attributes: %w", err)
	}
	rec := &EventRecord{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		PoolID:     strings.ToLower(evt.Attr("poolId")),
		Account:    strings.ToLower(evt.Attr("user")),
		Amount:     evt.Attr("amount"),
		Attributes: string(attrs),
		OccurredAt: time.Unix(evt.Timestamp, 0).UTC(),
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("indexer: insert: %w", err)
	}
	observability.Events().RecordEvent(evt.Type)
	return rec, nil
}

// Query returns matching events ordered by occurrence then sequence.
func (s *Store) Query(ctx context.Context, f Filter) ([]EventRecord, error) {
	q := s.filtered(ctx, f)
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	var out []EventRecord
	if err := q.Order("occurred_at ASC, sequence ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("indexer: query: %w", err)
	}
	return out, nil
}

// Users lists distinct users seen in a pool.
func (s *Store) Users(ctx context.Context, poolID string) ([]string, error) {
	var users []string
	err := s.db.WithContext(ctx).Model(&EventRecord{}).
		Where("pool_id = ? AND account <> ''", strings.ToLower(poolID)).
		Distinct("account").Order("account").Pluck("account", &users).Error
	if err != nil {
		return nil, fmt.Errorf("indexer: users: %w", err)
	}
	return users, nil
}

// Borrowers lists accounts that have borrowed in a pool at least once.
func (s *Store) Borrowers(ctx context.Context, poolID string) ([]string, error) {
	var users []string
	err := s.db.WithContext(ctx).Model(&EventRecord{}).
		Where("pool_id = ? AND type IN ?", strings.ToLower(poolID), []string{events.TypeBankBorrow, events.TypeRouterBorrowed}).
		Distinct("account").Order("account").Pluck("account", &users).Error
	if err != nil {
		return nil, fmt.Errorf("indexer: borrowers: %w", err)
	}
	return users, nil
}

func (s *Store) filtered(ctx context.Context, f Filter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&EventRecord{})
	if f.PoolID != "" {
		q = q.Where("pool_id = ?", strings.ToLower(f.PoolID))
	}
	if f.User != "" {
		q = q.Where("account = ?", strings.ToLower(f.User))
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.AfterSequence > 0 {
		q = q.Where("sequence > ?", f.AfterSequence)
	}
	if !f.Since.IsZero() {
		q = q.Where("occurred_at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("occurred_at < ?", f.Until.UTC())
	}
	return q
}

// Decode returns the stored attribute map.
func (r EventRecord) Decode() (map[string]string, error) {
	out := make(map[string]string)
	if r.Attributes == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(r.Attributes), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Source is the event stream the indexer follows.
type Source interface {
	Subscribe(ctx context.Context, since uint64) (<-chan types.Event, error)
}

// Run records every event from src until ctx is cancelled.
func (s *Store) Run(ctx context.Context, src Source) error {
	stream, err := src.Subscribe(ctx, 0)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-stream:
			if !ok {
				return ctx.Err()
			}
			if _, err := s.Record(ctx, evt); err != nil {
				s.logger.Error("index bank event", slog.String("type", evt.Type), slog.Uint64("sequence", evt.Sequence), slog.Any("error", err))
			}
		}
	}
}
