package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/chat-relay/internal/logging"
	"github.com/npezzotti/chat-relay/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// SessionHandler receives the events of one connection's lifecycle.
type SessionHandler interface {
	OnConnect(connId string)
	OnSetNickname(ctx context.Context, connId, nickname string) error
	OnMessage(ctx context.Context, connId, text string) error
	OnGetUsers(connId string)
	OnDisconnect(ctx context.Context, connId string) error
}

type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	handler    SessionHandler
	log        zerolog.Logger
	send       chan *protocol.ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(conn *websocket.Conn, cs *ChatServer, handler SessionHandler, l zerolog.Logger) (*Client, error) {
	id, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate connection id: %w", err)
	}

	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		handler:    handler,
		log:        l.With().Str(logging.FieldConnId, id).Logger(),
		send:       make(chan *protocol.ServerMessage, sendBufferSize),
		stop:       make(chan struct{}),
	}, nil
}

func (c *Client) Id() string {
	return c.id
}

// Write drains the send queue to the socket. On stop it flushes what is
// already queued and sends a close frame before closing the connection.
func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.writeServerMessage(msg) {
				return
			}
		case <-c.stop:
			c.flush()
			c.sendMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if !c.writeServerMessage(msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.handler.OnConnect(c.id)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws read")
			}
			break
		}

		c.log.Trace().Bytes("frame", raw).Msg("received message")
		c.dispatch(raw)
	}
}

// dispatch decodes one inbound frame and hands it to the session handler.
// Handlers reply to the client themselves; returned errors are only logged.
func (c *Client) dispatch(raw []byte) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Debug().Err(err).Msg("parse message")
		c.queueMessage(protocol.ErrInvalidFormat())
		return
	}
	if err := msg.Validate(); err != nil {
		c.log.Debug().Err(err).Msg("validate message")
		c.queueMessage(protocol.ErrInvalidFormat())
		return
	}

	ctx := context.Background()
	var err error
	switch {
	case msg.SetNickname != nil:
		err = c.handler.OnSetNickname(ctx, c.id, msg.SetNickname.Nickname)
	case msg.Message != nil:
		err = c.handler.OnMessage(ctx, c.id, msg.Message.Message)
	case msg.GetUsers != nil:
		c.handler.OnGetUsers(c.id)
	}
	if err != nil {
		c.log.Debug().Err(err).Msg("message rejected")
	}
}

func (c *Client) queueMessage(msg *protocol.ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *protocol.ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) writeServerMessage(msg *protocol.ServerMessage) bool {
	bytes, err := serializeMessage(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to serialize message")
		return true
	}
	return c.sendMessage(websocket.TextMessage, bytes)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanup ends the session before the connection leaves the fan-out set.
func (c *Client) cleanup() {
	if err := c.handler.OnDisconnect(context.Background(), c.id); err != nil {
		c.log.Error().Err(err).Msg("disconnect")
	}
	c.chatServer.removeClient(c)
	c.stopClient()
}
