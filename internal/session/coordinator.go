// Package session turns connection events into registry updates, log appends
// and fan-out deliveries.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/npezzotti/chat-relay/internal/database"
	"github.com/npezzotti/chat-relay/internal/logging"
	"github.com/npezzotti/chat-relay/internal/presence"
	"github.com/npezzotti/chat-relay/internal/protocol"
	"github.com/npezzotti/chat-relay/internal/stats"
	"github.com/npezzotti/chat-relay/internal/types"
	"github.com/rs/zerolog"
)

const (
	QuitCommand         = "quit"
	DefaultHistoryLimit = 100

	connectedPrompt = "Connected to server. Please enter your nickname."
)

var ErrNotRegistered = errors.New("connection has no nickname")

// Fanout delivers server messages to live connections. Delivery is best
// effort: implementations drop messages for connections that cannot take them.
type Fanout interface {
	SendTo(connId string, msg *protocol.ServerMessage) bool
	BroadcastAll(msg *protocol.ServerMessage) int
	Disconnect(connId string)
}

type Coordinator struct {
	log          zerolog.Logger
	store        database.EventStore
	registry     *presence.Registry
	fanout       Fanout
	stats        stats.StatsProvider
	historyLimit int
	// mu serializes registry mutation, log append and broadcast for every
	// state-changing event so their effects interleave as whole units.
	mu sync.Mutex
}

func NewCoordinator(logger zerolog.Logger, store database.EventStore, registry *presence.Registry, fanout Fanout, su stats.StatsProvider, historyLimit int) *Coordinator {
	if historyLimit < 1 {
		historyLimit = DefaultHistoryLimit
	}

	su.RegisterMetric(stats.NumRegisteredSessions)
	su.RegisterMetric(stats.NumEventsPersisted)

	return &Coordinator{
		log:          logger,
		store:        store,
		registry:     registry,
		fanout:       fanout,
		stats:        su,
		historyLimit: historyLimit,
	}
}

func (c *Coordinator) OnConnect(connId string) {
	c.log.Debug().Str(logging.FieldConnId, connId).Msg("connected")
	c.fanout.SendTo(connId, protocol.NewStatus(connectedPrompt))
}

// OnSetNickname registers the nickname, records and announces the join, and
// replays history to the new session. The join event is appended before the
// history read so it is the last entry the newcomer sees.
func (c *Coordinator) OnSetNickname(ctx context.Context, connId, candidate string) error {
	nickname := presence.NormalizeNickname(candidate)
	if nickname == "" {
		c.replyError(connId, presence.ErrEmptyNickname)
		return presence.ErrEmptyNickname
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing := c.registry.Nicknames()
	if _, err := c.registry.Register(connId, nickname); err != nil {
		c.replyError(connId, err)
		return err
	}

	log := c.log.With().Str(logging.FieldConnId, connId).Str(logging.FieldNickname, nickname).Logger()

	joined := fmt.Sprintf("%s joined the chat!", nickname)
	evt, err := c.store.Append(ctx, joined, nickname, types.KindJoin)
	if err != nil {
		c.registry.Discard(connId)
		log.Error().Err(err).Msg("append join event")
		c.replyError(connId, err)
		return fmt.Errorf("append join event: %w", err)
	}
	c.stats.Incr(stats.NumEventsPersisted)
	c.stats.Incr(stats.NumRegisteredSessions)
	log.Info().Int64(logging.FieldEventId, evt.Id).Msg("joined")

	c.fanout.BroadcastAll(protocol.NewChatLine(joined))
	c.fanout.SendTo(connId, protocol.NewStatus(fmt.Sprintf("Welcome, %s!", nickname)))

	var historyErr error
	history, err := c.store.History(ctx, c.historyLimit)
	if err != nil {
		log.Error().Err(err).Msg("load history")
		c.replyError(connId, err)
		historyErr = fmt.Errorf("load history: %w", err)
	} else {
		c.fanout.SendTo(connId, protocol.NewMessageHistory(history))
	}

	c.fanout.SendTo(connId, protocol.NewNicknameSet(nickname, existing))
	c.fanout.BroadcastAll(protocol.NewUsersList(c.registry.Nicknames()))

	return historyErr
}

func (c *Coordinator) OnMessage(ctx context.Context, connId, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	nickname, ok := c.registry.Nickname(connId)
	if !ok {
		c.replyError(connId, ErrNotRegistered)
		return ErrNotRegistered
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if strings.EqualFold(text, QuitCommand) {
		err := c.leave(ctx, connId)
		c.fanout.Disconnect(connId)
		return err
	}

	evt, err := c.store.Append(ctx, text, nickname, types.KindRegular)
	if err != nil {
		c.log.Error().Err(err).Str(logging.FieldConnId, connId).Msg("append message")
		c.replyError(connId, err)
		return fmt.Errorf("append message: %w", err)
	}
	c.stats.Incr(stats.NumEventsPersisted)
	c.log.Debug().Int64(logging.FieldEventId, evt.Id).Str(logging.FieldNickname, nickname).Msg("message stored")

	c.fanout.BroadcastAll(protocol.NewChatLine(fmt.Sprintf("%s: %s", nickname, text)))
	return nil
}

func (c *Coordinator) OnDisconnect(ctx context.Context, connId string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	defer c.registry.Forget(connId)
	return c.leave(ctx, connId)
}

func (c *Coordinator) OnGetUsers(connId string) {
	c.fanout.SendTo(connId, protocol.NewUsersList(c.registry.Nicknames()))
}

// leave removes a registered session and announces it. Callers hold c.mu.
// A leave that could not be persisted is not broadcast; the presence list is.
func (c *Coordinator) leave(ctx context.Context, connId string) error {
	nickname, ok := c.registry.Unregister(connId)
	if !ok {
		return nil
	}
	c.stats.Decr(stats.NumRegisteredSessions)

	log := c.log.With().Str(logging.FieldConnId, connId).Str(logging.FieldNickname, nickname).Logger()

	var appendErr error
	left := fmt.Sprintf("%s left the chat!", nickname)
	if evt, err := c.store.Append(ctx, left, nickname, types.KindLeave); err != nil {
		log.Error().Err(err).Msg("append leave event")
		appendErr = fmt.Errorf("append leave event: %w", err)
	} else {
		c.stats.Incr(stats.NumEventsPersisted)
		log.Info().Int64(logging.FieldEventId, evt.Id).Msg("left")
		c.fanout.BroadcastAll(protocol.NewChatLine(left))
	}

	c.fanout.BroadcastAll(protocol.NewUsersList(c.registry.Nicknames()))
	return appendErr
}

// History returns up to limit recent events, capped at the configured history
// limit.
func (c *Coordinator) History(ctx context.Context, limit int) ([]types.ChatEvent, error) {
	if limit < 1 || limit > c.historyLimit {
		limit = c.historyLimit
	}
	return c.store.History(ctx, limit)
}

func (c *Coordinator) Users() []string {
	return c.registry.Nicknames()
}

func (c *Coordinator) HistoryLimit() int {
	return c.historyLimit
}

func (c *Coordinator) replyError(connId string, err error) {
	c.fanout.SendTo(connId, protocol.NewError(ErrorMessage(err)))
}

// ErrorMessage maps an operation error to the text shown to the client.
// Storage and unknown errors are not described beyond "internal server error".
func ErrorMessage(err error) string {
	switch {
	case errors.Is(err, presence.ErrEmptyNickname):
		return "Nickname cannot be empty"
	case errors.Is(err, presence.ErrAlreadyRegistered):
		return "Nickname has already been set"
	case errors.Is(err, presence.ErrNicknameTaken):
		return "Nickname is already in use"
	case errors.Is(err, ErrNotRegistered):
		return "Please set your nickname first"
	default:
		return "internal server error"
	}
}
