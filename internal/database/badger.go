package database

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/npezzotti/chat-relay/internal/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	eventPrefix   = "evt:"
	lastIdKey     = "meta:last_id"
	schemaKey     = "meta:schema_version"
	schemaVersion = "1"
)

// BadgerEventStore keeps the log in an embedded Badger directory. Event keys
// are "evt:{unix nanos}:{id}", both zero padded to 19 digits, so a key scan is
// a scan in (timestamp, id) order.
type BadgerEventStore struct {
	path   string
	log    zerolog.Logger
	db     *badger.DB
	mu     sync.Mutex
	lastId int64
	clock  monotonicClock
}

// NewBadgerEventStore returns a store rooted at path. An empty path keeps
// everything in memory.
func NewBadgerEventStore(path string, logger zerolog.Logger) *BadgerEventStore {
	return &BadgerEventStore{
		path: path,
		log:  logger.With().Str("store", "badger").Logger(),
	}
}

func (s *BadgerEventStore) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		opts := badger.DefaultOptions(s.path).WithLogger(badgerLogger{s.log})
		if s.path == "" {
			opts = opts.WithInMemory(true)
		}

		db, err := badger.Open(opts)
		if err != nil {
			return fmt.Errorf("%w: open badger at %q: %v", ErrStorageUnavailable, s.path, err)
		}
		s.db = db
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(schemaKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set([]byte(schemaKey), []byte(schemaVersion))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: write schema marker: %v", ErrStorageUnavailable, err)
	}

	return s.loadTail()
}

// loadTail restores the id counter and newest timestamp so a reopened store
// keeps both increasing.
func (s *BadgerEventStore) loadTail() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(lastIdKey))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			s.lastId = 0
		case err != nil:
			return fmt.Errorf("%w: read last id: %v", ErrStorageUnavailable, err)
		default:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("%w: read last id: %v", ErrStorageUnavailable, err)
			}
			s.lastId = int64(binary.BigEndian.Uint64(raw))
		}

		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(eventPrefix)
		it.Seek(seekLast(prefix))
		if it.ValidForPrefix(prefix) {
			if ts, _, err := parseEventKey(it.Item().Key()); err == nil {
				s.clock.last = ts
			}
		}
		return nil
	})
}

func (s *BadgerEventStore) Append(ctx context.Context, content, nickname string, kind types.EventKind) (types.ChatEvent, error) {
	if err := ctx.Err(); err != nil {
		return types.ChatEvent{}, err
	}
	if err := validateAppend(content, kind); err != nil {
		return types.ChatEvent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return types.ChatEvent{}, fmt.Errorf("%w: store not initialized", ErrStorageUnavailable)
	}

	evt := types.ChatEvent{
		Id:        s.lastId + 1,
		Content:   content,
		Nickname:  nickname,
		Timestamp: s.clock.next(),
		Kind:      kind,
	}

	value, err := json.Marshal(evt)
	if err != nil {
		return types.ChatEvent{}, fmt.Errorf("%w: encode event: %v", ErrStorageWrite, err)
	}

	idBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(idBytes, uint64(evt.Id))

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(eventKey(evt), value); err != nil {
			return err
		}
		return txn.Set([]byte(lastIdKey), idBytes)
	})
	if err != nil {
		return types.ChatEvent{}, fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	s.lastId = evt.Id
	return evt, nil
}

// History walks the event keys backwards from the newest, stopping at limit,
// then flips the batch into chronological order.
func (s *BadgerEventStore) History(ctx context.Context, limit int) ([]types.ChatEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit < 1 {
		return nil, ErrInvalidLimit
	}

	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("%w: store not initialized", ErrStorageUnavailable)
	}

	events := make([]types.ChatEvent, 0, min(limit, 128))
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(eventPrefix)
		for it.Seek(seekLast(prefix)); it.ValidForPrefix(prefix); it.Next() {
			if len(events) == limit {
				break
			}

			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			var evt types.ChatEvent
			if err := json.Unmarshal(raw, &evt); err != nil {
				return fmt.Errorf("decode %q: %w", it.Item().Key(), err)
			}
			events = append(events, evt)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read history: %v", ErrStorageUnavailable, err)
	}

	return lo.Reverse(events), nil
}

func (s *BadgerEventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil
	return err
}

func eventKey(evt types.ChatEvent) []byte {
	return fmt.Appendf(nil, "%s%019d:%019d", eventPrefix, evt.Timestamp.UnixNano(), evt.Id)
}

func parseEventKey(key []byte) (time.Time, int64, error) {
	parts := strings.Split(strings.TrimPrefix(string(key), eventPrefix), ":")
	if len(parts) != 2 {
		return time.Time{}, 0, fmt.Errorf("malformed event key %q", key)
	}

	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("malformed event key %q: %w", key, err)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("malformed event key %q: %w", key, err)
	}

	return time.Unix(0, nanos).UTC(), id, nil
}

// seekLast is the smallest key sorting after every key under prefix.
func seekLast(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), 0xff)
}

type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Trace().Msgf(format, args...)
}
