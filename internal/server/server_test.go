package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/chat-relay/internal/protocol"
	"github.com/npezzotti/chat-relay/internal/stats"
	"github.com/npezzotti/chat-relay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newStatsMock() *stats.MockStatsUpdater {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Return().Maybe()
	su.On("Decr", mock.Anything).Return().Maybe()
	return su
}

// newTestChatServer creates a ChatServer whose stats calls are all permitted.
func newTestChatServer(t *testing.T) *ChatServer {
	return NewChatServer(testutil.TestLogger(t), newStatsMock())
}

func newTestClient(id string, buf int) *Client {
	return &Client{
		id:   id,
		send: make(chan *protocol.ServerMessage, buf),
		stop: make(chan struct{}),
	}
}

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", stats.NumActiveConnections).Once()
	su.On("RegisterMetric", stats.NumDroppedDeliveries).Once()

	logger := testutil.TestLogger(t)
	cs := NewChatServer(logger, su)
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.Equal(t, 0, cs.Len())
}

func TestChatServer_addClient_removeClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)
	su.On("Incr", stats.NumActiveConnections).Once()
	su.On("Decr", stats.NumActiveConnections).Once()
	defer su.AssertExpectations(t)

	cs := NewChatServer(testutil.TestLogger(t), su)
	client := newTestClient("c1", 1)

	require.NoError(t, cs.addClient(client))
	assert.Equal(t, 1, cs.Len(), "expected 1 client after adding")
	got, ok := cs.getClient("c1")
	assert.True(t, ok)
	assert.Same(t, client, got)

	cs.removeClient(client)
	assert.Equal(t, 0, cs.Len(), "expected 0 clients after removing")

	// removing twice does not double count
	cs.removeClient(client)

	// balance the WaitGroup taken by addClient
	cs.wg.Add(-2)
}

func TestChatServer_addClientAfterShutdown(t *testing.T) {
	cs := newTestChatServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))

	err := cs.addClient(newTestClient("late", 1))
	assert.ErrorIs(t, err, ErrServerClosed)
	assert.Equal(t, 0, cs.Len())
}

func TestChatServer_SendTo(t *testing.T) {
	t.Run("unknown connection", func(t *testing.T) {
		cs := newTestChatServer(t)
		assert.False(t, cs.SendTo("nobody", protocol.NewStatus("hi")))
	})

	t.Run("delivered", func(t *testing.T) {
		cs := newTestChatServer(t)
		c := newTestClient("c1", 1)
		cs.clients[c.id] = c

		assert.True(t, cs.SendTo("c1", protocol.NewStatus("hi")))
		require.Len(t, c.send, 1)
		assert.Equal(t, "hi", (<-c.send).Status.Msg)
	})

	t.Run("queue full is counted as dropped", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("RegisterMetric", mock.Anything)
		su.On("Incr", stats.NumDroppedDeliveries).Once()
		defer su.AssertExpectations(t)

		cs := NewChatServer(testutil.TestLogger(t), su)
		c := newTestClient("c1", 1)
		c.log = testutil.TestLogger(t)
		c.send <- protocol.NewStatus("first")
		cs.clients[c.id] = c

		assert.False(t, cs.SendTo("c1", protocol.NewStatus("second")))
	})
}

func TestChatServer_BroadcastAll(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)
	su.On("Incr", stats.NumDroppedDeliveries).Once()
	defer su.AssertExpectations(t)

	cs := NewChatServer(testutil.TestLogger(t), su)
	fast1 := newTestClient("fast1", 4)
	fast2 := newTestClient("fast2", 4)
	slow := newTestClient("slow", 1)
	slow.log = testutil.TestLogger(t)
	slow.send <- protocol.NewStatus("backlog")
	for _, c := range []*Client{fast1, fast2, slow} {
		cs.clients[c.id] = c
	}

	n := cs.BroadcastAll(protocol.NewChatLine("Alice joined the chat!"))
	assert.Equal(t, 2, n, "expected the full client to be skipped")
	assert.Len(t, fast1.send, 1)
	assert.Len(t, fast2.send, 1)
	assert.Len(t, slow.send, 1)
}

func TestChatServer_Disconnect(t *testing.T) {
	cs := newTestChatServer(t)
	c := newTestClient("c1", 1)
	cs.clients[c.id] = c

	cs.Disconnect("c1")
	select {
	case <-c.stop:
	default:
		t.Error("expected client to be stopped")
	}

	assert.NotPanics(t, func() { cs.Disconnect("c1") })
	assert.NotPanics(t, func() { cs.Disconnect("unknown") })
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("no clients", func(t *testing.T) {
		cs := newTestChatServer(t)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, cs.Shutdown(ctx))
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t)
		// a pump that never exits
		cs.wg.Add(1)
		defer cs.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

type wsHarness struct {
	cs      *ChatServer
	handler *mockSessionHandler
	srv     *httptest.Server
	clients chan *Client
}

func newWsHarness(t *testing.T, handler *mockSessionHandler) *wsHarness {
	h := &wsHarness{
		cs:      newTestChatServer(t),
		handler: handler,
		clients: make(chan *Client, 1),
	}

	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		c, err := NewClient(conn, h.cs, handler, testutil.TestLogger(t))
		if err != nil {
			t.Errorf("new client: %v", err)
			return
		}
		if err := h.cs.ServeClient(c); err != nil {
			t.Errorf("serve client: %v", err)
			return
		}
		h.clients <- c
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *wsHarness) dial(t *testing.T) (*websocket.Conn, *Client) {
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	select {
	case c := <-h.clients:
		return conn, c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server side client")
	}
	return nil, nil
}

func readServerMessage(t *testing.T, conn *websocket.Conn) *protocol.ServerMessage {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg protocol.ServerMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return &msg
}

func TestClientPumps_Integration(t *testing.T) {
	handler := &mockSessionHandler{}
	connected := make(chan string, 1)
	disconnected := make(chan string, 1)
	received := make(chan string, 1)

	handler.On("OnConnect", mock.Anything).Run(func(args mock.Arguments) {
		connected <- args.String(0)
	}).Once()
	handler.On("OnMessage", mock.Anything, mock.Anything, "hello").Run(func(args mock.Arguments) {
		received <- args.String(1)
	}).Return(nil).Once()
	handler.On("OnDisconnect", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		disconnected <- args.String(1)
	}).Return(nil).Once()

	h := newWsHarness(t, handler)
	conn, client := h.dial(t)

	select {
	case id := <-connected:
		assert.Equal(t, client.Id(), id)
	case <-time.After(time.Second):
		t.Fatal("expected OnConnect")
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message":{"message":"hello"}}`)))
	select {
	case id := <-received:
		assert.Equal(t, client.Id(), id)
	case <-time.After(time.Second):
		t.Fatal("expected OnMessage")
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	msg := readServerMessage(t, conn)
	require.NotNil(t, msg.Error)
	assert.Equal(t, "invalid message format", msg.Error.Msg)

	assert.True(t, h.cs.SendTo(client.Id(), protocol.NewStatus("queued before close")))
	h.cs.Disconnect(client.Id())

	msg = readServerMessage(t, conn)
	require.NotNil(t, msg.Status, "expected queued message to be flushed before close")
	assert.Equal(t, "queued before close", msg.Status.Msg)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)

	select {
	case id := <-disconnected:
		assert.Equal(t, client.Id(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnDisconnect")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, h.cs.Shutdown(ctx), "expected pumps to have exited")
	assert.Equal(t, 0, h.cs.Len())
	handler.AssertExpectations(t)
}

func TestClientPumps_PeerClose(t *testing.T) {
	handler := &mockSessionHandler{}
	disconnected := make(chan struct{})
	handler.On("OnConnect", mock.Anything).Once()
	handler.On("OnDisconnect", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(disconnected)
	}).Return(nil).Once()

	h := newWsHarness(t, handler)
	conn, _ := h.dial(t)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	conn.Close()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnDisconnect after peer close")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, h.cs.Shutdown(ctx))
	assert.Equal(t, 0, h.cs.Len())
}

func TestChatServerShutdown_Integration(t *testing.T) {
	handler := &mockSessionHandler{}
	handler.On("OnConnect", mock.Anything)
	handler.On("OnDisconnect", mock.Anything, mock.Anything).Return(nil)

	h := newWsHarness(t, handler)
	conn1, _ := h.dial(t)
	conn2, _ := h.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.cs.Shutdown(ctx))

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
	}
	handler.AssertNumberOfCalls(t, "OnDisconnect", 2)
}
