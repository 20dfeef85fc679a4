package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/chat-relay/internal/types"
	"github.com/rs/zerolog"
)

var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStorageWrite       = errors.New("storage write failed")
	ErrInvalidLimit       = errors.New("history limit must be a positive integer")
	ErrInvalidKind        = errors.New("invalid event kind")
)

// EventStore is the durable append-only chat log.
type EventStore interface {
	// Initialize creates the underlying structures if they do not exist yet.
	// It is safe to call more than once.
	Initialize(ctx context.Context) error
	// Append stores an immutable event, assigning its id and timestamp.
	Append(ctx context.Context, content, nickname string, kind types.EventKind) (types.ChatEvent, error)
	// History returns the newest limit events, oldest first.
	History(ctx context.Context, limit int) ([]types.ChatEvent, error)
	Close() error
}

// NewEventStore returns an uninitialized store for the named driver.
func NewEventStore(driver, path, dsn string, logger zerolog.Logger) (EventStore, error) {
	switch driver {
	case "badger":
		return NewBadgerEventStore(path, logger), nil
	case "postgres":
		return NewPgEventStore(dsn, logger), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

func validateAppend(content string, kind types.EventKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if content == "" {
		return fmt.Errorf("%w: empty content", ErrStorageWrite)
	}
	return nil
}
