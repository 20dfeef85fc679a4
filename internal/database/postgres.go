package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/npezzotti/chat-relay/internal/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	insertEventQuery = "INSERT INTO messages (content, nickname, timestamp, message_type) " +
		"VALUES ($1, $2, $3, $4) RETURNING id"
	historyQuery = "SELECT id, content, nickname, timestamp, message_type FROM messages " +
		"ORDER BY timestamp DESC, id DESC LIMIT $1"
	lastTimestampQuery = "SELECT COALESCE(MAX(timestamp), 'epoch'::timestamptz) FROM messages"
)

type PgEventStore struct {
	dsn   string
	log   zerolog.Logger
	conn  *sql.DB
	mu    sync.Mutex
	clock monotonicClock
}

func NewPgEventStore(dsn string, logger zerolog.Logger) *PgEventStore {
	return &PgEventStore{
		dsn: dsn,
		log: logger.With().Str("store", "postgres").Logger(),
	}
}

// Initialize connects and applies the embedded migrations. An already
// migrated schema is left untouched.
func (db *PgEventStore) Initialize(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.conn == nil {
		conn, err := sql.Open("postgres", db.dsn)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}

		if err := conn.PingContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("%w: ping: %v", ErrStorageUnavailable, err)
		}
		db.conn = conn
	}

	if err := db.migrate(); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrStorageUnavailable, err)
	}

	var last sql.NullTime
	if err := db.conn.QueryRowContext(ctx, lastTimestampQuery).Scan(&last); err != nil {
		return fmt.Errorf("%w: read last timestamp: %v", ErrStorageUnavailable, err)
	}
	if last.Valid && last.Time.After(db.clock.last) {
		db.clock.last = last.Time.UTC()
	}

	return nil
}

// migrate must not Close the migrate instance: that would close db.conn too.
func (db *PgEventStore) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}

	driver, err := migratepg.WithInstance(db.conn, &migratepg.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	version, _, _ := m.Version()
	db.log.Debug().Uint("schema_version", version).Msg("migrations applied")
	return nil
}

func (db *PgEventStore) Append(ctx context.Context, content, nickname string, kind types.EventKind) (types.ChatEvent, error) {
	if err := validateAppend(content, kind); err != nil {
		return types.ChatEvent{}, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.conn == nil {
		return types.ChatEvent{}, fmt.Errorf("%w: store not initialized", ErrStorageUnavailable)
	}

	evt := types.ChatEvent{
		Content:   content,
		Nickname:  nickname,
		Timestamp: db.clock.next(),
		Kind:      kind,
	}

	err := db.conn.QueryRowContext(ctx, insertEventQuery,
		evt.Content,
		sql.NullString{String: nickname, Valid: nickname != ""},
		evt.Timestamp,
		string(evt.Kind),
	).Scan(&evt.Id)
	if err != nil {
		return types.ChatEvent{}, fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	return evt, nil
}

func (db *PgEventStore) History(ctx context.Context, limit int) ([]types.ChatEvent, error) {
	if limit < 1 {
		return nil, ErrInvalidLimit
	}

	db.mu.Lock()
	conn := db.conn
	db.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("%w: store not initialized", ErrStorageUnavailable)
	}

	rows, err := conn.QueryContext(ctx, historyQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query history: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	events := make([]types.ChatEvent, 0, min(limit, 128))
	for rows.Next() {
		var (
			evt      types.ChatEvent
			nickname sql.NullString
			kind     string
		)
		if err := rows.Scan(&evt.Id, &evt.Content, &nickname, &evt.Timestamp, &kind); err != nil {
			return nil, fmt.Errorf("%w: scan history: %v", ErrStorageUnavailable, err)
		}

		evt.Nickname = nickname.String
		evt.Kind = types.EventKind(kind)
		evt.Timestamp = evt.Timestamp.UTC()
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read history: %v", ErrStorageUnavailable, err)
	}

	return lo.Reverse(events), nil
}

func (db *PgEventStore) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.conn == nil {
		return nil
	}

	err := db.conn.Close()
	db.conn = nil
	return err
}
