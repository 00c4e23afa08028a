package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/regenlab/regencache/types"
	"github.com/regenlab/regencache/utils"
)

type SQLiteConfig struct {
	Path        string `json:"path"`
	BusyTimeout int    `json:"busy_timeout_ms"`
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	key          TEXT PRIMARY KEY,
	payload      BLOB NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	generated_at INTEGER NOT NULL,
	revalidate   INTEGER NOT NULL,
	params       TEXT NOT NULL DEFAULT '{}',
	state        TEXT NOT NULL,
	generation   INTEGER NOT NULL,
	hard_epoch   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS entry_tags (
	key TEXT NOT NULL,
	tag TEXT NOT NULL,
	PRIMARY KEY (key, tag)
);
CREATE INDEX IF NOT EXISTS idx_entry_tags_tag ON entry_tags(tag);

CREATE TABLE IF NOT EXISTS hard_epochs (
	key   TEXT PRIMARY KEY,
	epoch INTEGER NOT NULL
);
`

// SQLiteStore is the embedded durable backend. Each replace runs inside one
// transaction, which is the per-key serialization point the cache contract
// requires.
type SQLiteStore struct {
	ctx     context.Context
	logger  types.Logger
	health  types.HealthManager
	config  *SQLiteConfig
	db      *sql.DB
	started int32
}

func NewSQLiteStore(ctx context.Context, logger types.Logger, config *types.StoreConfig, health types.HealthManager) (types.EntryStore, error) {
	sqliteConfig := &SQLiteConfig{
		Path:        "regencache.db",
		BusyTimeout: 5000,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, sqliteConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal sqlite store config")
		}
	}

	dsn := sqliteConfig.Path + "?_busy_timeout=" + strconv.Itoa(sqliteConfig.BusyTimeout) + "&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, types.WrapError(types.ErrStoreConnectionFailed, err.Error())
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, types.WrapError(err, "failed to apply sqlite schema")
	}

	ss := &SQLiteStore{
		ctx:    ctx,
		logger: logger,
		health: health,
		config: sqliteConfig,
		db:     db,
	}

	if health != nil {
		health.RegisterChecker("store_sqlite", ss.healthCheck)
	}

	return ss, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*types.Entry, error) {
	if key == "" {
		return nil, types.ErrEntryKeyEmpty
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT key, payload, content_type, generated_at, revalidate, params, state, generation, hard_epoch
		FROM entries WHERE key = ?`, key)

	entry, err := scanEntryRow(row)
	if err != nil {
		if types.IsError(err, sql.ErrNoRows) {
			return nil, types.ErrEntryNotFound
		}
		return nil, types.WrapError(types.ErrStoreUnavailable, err.Error())
	}

	tags, err := s.tagsForKey(ctx, key)
	if err != nil {
		return nil, err
	}
	entry.Tags = tags

	return entry, nil
}

func (s *SQLiteStore) Replace(ctx context.Context, entry *types.Entry, observedHardEpoch uint64) error {
	if entry == nil || entry.Key == "" {
		return types.ErrEntryKeyEmpty
	}

	params, err := utils.Marshal(entry.Params)
	if err != nil {
		return types.WrapError(err, "failed to marshal params")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}
	defer tx.Rollback()

	var epoch uint64
	err = tx.QueryRowContext(ctx, `SELECT epoch FROM hard_epochs WHERE key = ?`, entry.Key).Scan(&epoch)
	if err != nil && !types.IsError(err, sql.ErrNoRows) {
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}

	if epoch > observedHardEpoch {
		return types.ErrInvalidationConflict
	}

	var generation uint64
	err = tx.QueryRowContext(ctx, `SELECT generation FROM entries WHERE key = ?`, entry.Key).Scan(&generation)
	if err != nil && !types.IsError(err, sql.ErrNoRows) {
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (key, payload, content_type, generated_at, revalidate, params, state, generation, hard_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			content_type = excluded.content_type,
			generated_at = excluded.generated_at,
			revalidate = excluded.revalidate,
			params = excluded.params,
			state = excluded.state,
			generation = excluded.generation,
			hard_epoch = excluded.hard_epoch`,
		entry.Key, entry.Payload, entry.ContentType, entry.GeneratedAt.UnixNano(),
		int64(entry.Revalidate), string(params), string(types.StateCommitted),
		generation+1, epoch)
	if err != nil {
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entry_tags WHERE key = ?`, entry.Key); err != nil {
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}
	for _, tag := range entry.Tags {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO entry_tags (key, tag) VALUES (?, ?)`, entry.Key, tag); err != nil {
			return types.WrapError(types.ErrStoreUnavailable, err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}

	return nil
}

func (s *SQLiteStore) MarkInvalidated(ctx context.Context, key string, hard bool) error {
	if key == "" {
		return types.ErrEntryKeyEmpty
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}
	defer tx.Rollback()

	if hard {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO hard_epochs (key, epoch) VALUES (?, 1)
			ON CONFLICT(key) DO UPDATE SET epoch = epoch + 1`, key); err != nil {
			return types.WrapError(types.ErrStoreUnavailable, err.Error())
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE entries SET state = ?, hard_epoch = (SELECT epoch FROM hard_epochs WHERE key = ?)
			WHERE key = ?`, string(types.StateInvalidated), key, key); err != nil {
			return types.WrapError(types.ErrStoreUnavailable, err.Error())
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE entries SET state = ? WHERE key = ?`, string(types.StateInvalidated), key); err != nil {
			return types.WrapError(types.ErrStoreUnavailable, err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}

	return nil
}

func (s *SQLiteStore) InvalidateTag(ctx context.Context, tag string, hard bool) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM entry_tags WHERE tag = ?`, tag)
	if err != nil {
		return 0, types.WrapError(types.ErrStoreUnavailable, err.Error())
	}

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return 0, types.WrapError(types.ErrStoreUnavailable, err.Error())
		}
		keys = append(keys, key)
	}
	rows.Close()

	count := 0
	for _, key := range keys {
		if err := s.MarkInvalidated(ctx, key, hard); err != nil {
			s.logger.Error("failed to invalidate tagged entry",
				zap.String("tag", tag), zap.String("key", key), zap.Error(err))
			continue
		}
		count++
	}

	return count, nil
}

func (s *SQLiteStore) Scan(ctx context.Context, fn func(*types.Entry) bool) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.key, e.payload, e.content_type, e.generated_at, e.revalidate, e.params, e.state, e.generation, e.hard_epoch,
			COALESCE(GROUP_CONCAT(t.tag, ','), '')
		FROM entries e LEFT JOIN entry_tags t ON e.key = t.key
		GROUP BY e.key`)
	if err != nil {
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}
	defer rows.Close()

	for rows.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var (
			entry       types.Entry
			generatedAt int64
			revalidate  int64
			params      string
			state       string
			tagList     string
		)
		if err := rows.Scan(&entry.Key, &entry.Payload, &entry.ContentType, &generatedAt,
			&revalidate, &params, &state, &entry.Generation, &entry.HardEpoch, &tagList); err != nil {
			return types.WrapError(types.ErrStoreUnavailable, err.Error())
		}

		entry.GeneratedAt = time.Unix(0, generatedAt)
		entry.Revalidate = time.Duration(revalidate)
		entry.State = types.EntryState(state)
		if tagList != "" {
			entry.Tags = strings.Split(tagList, ",")
		}
		if params != "" && params != "null" {
			if err := utils.Unmarshal([]byte(params), &entry.Params); err != nil {
				entry.Params = nil
			}
		}

		if !fn(&entry) {
			return nil
		}
	}

	return rows.Err()
}

func (s *SQLiteStore) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	s.logger.Info("SQLite store started", zap.String("path", s.config.Path))
	return nil
}

func (s *SQLiteStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	if err := s.db.Close(); err != nil {
		return types.WrapError(err, "failed to close sqlite db")
	}

	s.logger.Info("SQLite store stopped")
	return nil
}

func (s *SQLiteStore) IsRunning() bool {
	return atomic.LoadInt32(&s.started) == 1
}

func (s *SQLiteStore) tagsForKey(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM entry_tags WHERE key = ? ORDER BY tag`, key)
	if err != nil {
		return nil, types.WrapError(types.ErrStoreUnavailable, err.Error())
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, types.WrapError(types.ErrStoreUnavailable, err.Error())
		}
		tags = append(tags, tag)
	}

	return tags, rows.Err()
}

func (s *SQLiteStore) healthCheck(ctx context.Context) types.HealthCheck {
	start := time.Now()
	check := types.HealthCheck{
		Name:      "store_sqlite",
		LastCheck: start,
	}

	if err := s.db.PingContext(ctx); err != nil {
		check.Status = types.StatusUnhealthy
		check.Message = err.Error()
	} else {
		check.Status = types.StatusHealthy
	}

	check.Duration = time.Since(start)
	return check
}

type entryRow interface {
	Scan(dest ...interface{}) error
}

func scanEntryRow(row entryRow) (*types.Entry, error) {
	var (
		entry       types.Entry
		generatedAt int64
		revalidate  int64
		params      string
		state       string
	)

	if err := row.Scan(&entry.Key, &entry.Payload, &entry.ContentType, &generatedAt,
		&revalidate, &params, &state, &entry.Generation, &entry.HardEpoch); err != nil {
		return nil, err
	}

	entry.GeneratedAt = time.Unix(0, generatedAt)
	entry.Revalidate = time.Duration(revalidate)
	entry.State = types.EntryState(state)
	if params != "" && params != "null" {
		if err := utils.Unmarshal([]byte(params), &entry.Params); err != nil {
			entry.Params = nil
		}
	}

	return &entry, nil
}
