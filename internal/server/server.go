package server

import (
	"context"
	"errors"
	"sync"

	"github.com/npezzotti/chat-relay/internal/logging"
	"github.com/npezzotti/chat-relay/internal/protocol"
	"github.com/npezzotti/chat-relay/internal/stats"
	"github.com/rs/zerolog"
)

var ErrServerClosed = errors.New("chat server closed")

// ChatServer tracks live connections and delivers server messages to them.
type ChatServer struct {
	log         zerolog.Logger
	stats       stats.StatsProvider
	clients     map[string]*Client
	clientsLock sync.RWMutex
	closed      bool
	wg          sync.WaitGroup
}

func NewChatServer(logger zerolog.Logger, su stats.StatsProvider) *ChatServer {
	su.RegisterMetric(stats.NumActiveConnections)
	su.RegisterMetric(stats.NumDroppedDeliveries)

	return &ChatServer{
		log:     logger,
		stats:   su,
		clients: make(map[string]*Client),
	}
}

// ServeClient registers c and starts its read and write pumps. It fails once
// Shutdown has started.
func (cs *ChatServer) ServeClient(c *Client) error {
	if err := cs.addClient(c); err != nil {
		return err
	}

	go func() {
		defer cs.wg.Done()
		c.Write()
	}()
	go func() {
		defer cs.wg.Done()
		c.Read()
	}()
	return nil
}

func (cs *ChatServer) addClient(c *Client) error {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if cs.closed {
		return ErrServerClosed
	}

	cs.clients[c.id] = c
	cs.wg.Add(2)
	cs.stats.Incr(stats.NumActiveConnections)
	cs.log.Debug().Str(logging.FieldConnId, c.id).Int("clients", len(cs.clients)).Msg("client registered")
	return nil
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c.id]; !ok {
		return
	}
	delete(cs.clients, c.id)
	cs.stats.Decr(stats.NumActiveConnections)
	cs.log.Debug().Str(logging.FieldConnId, c.id).Int("clients", len(cs.clients)).Msg("client removed")
}

func (cs *ChatServer) getClient(connId string) (*Client, bool) {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	c, ok := cs.clients[connId]
	return c, ok
}

func (cs *ChatServer) snapshot() []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.clients))
	for _, c := range cs.clients {
		clients = append(clients, c)
	}
	return clients
}

func (cs *ChatServer) Len() int {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()
	return len(cs.clients)
}

// SendTo queues msg for one connection. It reports false if the connection is
// unknown or its queue is full.
func (cs *ChatServer) SendTo(connId string, msg *protocol.ServerMessage) bool {
	c, ok := cs.getClient(connId)
	if !ok {
		return false
	}
	if !c.queueMessage(msg) {
		cs.stats.Incr(stats.NumDroppedDeliveries)
		return false
	}
	return true
}

// BroadcastAll queues msg for every live connection and returns how many
// accepted it.
func (cs *ChatServer) BroadcastAll(msg *protocol.ServerMessage) int {
	delivered := 0
	for _, c := range cs.snapshot() {
		if c.queueMessage(msg) {
			delivered++
		} else {
			cs.stats.Incr(stats.NumDroppedDeliveries)
		}
	}
	return delivered
}

// Disconnect closes a connection after its queued messages are written.
func (cs *ChatServer) Disconnect(connId string) {
	if c, ok := cs.getClient(connId); ok {
		c.stopClient()
	}
}

// Shutdown stops every client and waits for their pumps to exit.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("shutting down chat server")

	cs.clientsLock.Lock()
	cs.closed = true
	cs.clientsLock.Unlock()

	for _, c := range cs.snapshot() {
		c.stopClient()
	}

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
