package server

import (
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/chat-relay/internal/protocol"
	"github.com/npezzotti/chat-relay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *protocol.ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(protocol.NewStatus("hi"))
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *protocol.ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- protocol.NewStatus("first")
		res := c.queueMessage(protocol.NewStatus("second"))
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_serializeMessage(t *testing.T) {
	message := protocol.NewChatLine("Alice: hi")

	expected := `{"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","message":{"msg":"Alice: hi"}}`

	bytes, err := serializeMessage(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.Equal(t, expected, string(bytes), "expected serialized message to match the expected format")
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()
	assert.NotPanics(t, c.stopClient, "expected repeated stop to be a no-op")

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}
}

func TestNewClient(t *testing.T) {
	cs := newTestChatServer(t)
	handler := &mockSessionHandler{}

	c1, err := NewClient(nil, cs, handler, testutil.TestLogger(t))
	require.NoError(t, err)
	c2, err := NewClient(nil, cs, handler, testutil.TestLogger(t))
	require.NoError(t, err)

	assert.NotEmpty(t, c1.Id(), "expected connection id")
	assert.NotEqual(t, c1.Id(), c2.Id(), "expected unique connection ids")
	assert.Equal(t, sendBufferSize, cap(c1.send))
	assert.NotNil(t, c1.stop)
}

func Test_dispatch(t *testing.T) {
	tcases := []struct {
		name      string
		frame     string
		setup     func(h *mockSessionHandler)
		wantError bool
	}{
		{
			name:  "set nickname",
			frame: `{"set_nickname":{"nickname":"Alice"}}`,
			setup: func(h *mockSessionHandler) {
				h.On("OnSetNickname", mock.Anything, "c1", "Alice").Return(nil).Once()
			},
		},
		{
			name:  "message",
			frame: `{"message":{"message":"hello"}}`,
			setup: func(h *mockSessionHandler) {
				h.On("OnMessage", mock.Anything, "c1", "hello").Return(nil).Once()
			},
		},
		{
			name:  "handler error is not fatal",
			frame: `{"message":{"message":"hello"}}`,
			setup: func(h *mockSessionHandler) {
				h.On("OnMessage", mock.Anything, "c1", "hello").Return(errors.New("not registered")).Once()
			},
		},
		{
			name:  "get users",
			frame: `{"get_users":{}}`,
			setup: func(h *mockSessionHandler) {
				h.On("OnGetUsers", "c1").Once()
			},
		},
		{
			name:      "malformed json",
			frame:     `{"set_nickname":`,
			setup:     func(h *mockSessionHandler) {},
			wantError: true,
		},
		{
			name:      "no member set",
			frame:     `{}`,
			setup:     func(h *mockSessionHandler) {},
			wantError: true,
		},
		{
			name:      "two members set",
			frame:     `{"get_users":{},"message":{"message":"x"}}`,
			setup:     func(h *mockSessionHandler) {},
			wantError: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			handler := &mockSessionHandler{}
			defer handler.AssertExpectations(t)
			tc.setup(handler)

			c := &Client{
				id:      "c1",
				handler: handler,
				send:    make(chan *protocol.ServerMessage, 1),
				log:     testutil.TestLogger(t),
			}

			c.dispatch([]byte(tc.frame))

			if tc.wantError {
				require.Len(t, c.send, 1, "expected an error reply")
				msg := <-c.send
				require.NotNil(t, msg.Error)
				assert.Equal(t, "invalid message format", msg.Error.Msg)
			} else {
				assert.Len(t, c.send, 0, "expected no reply from the client itself")
			}
		})
	}
}
