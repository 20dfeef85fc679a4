package server

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type mockSessionHandler struct {
	mock.Mock
}

func (m *mockSessionHandler) OnConnect(connId string) {
	m.Called(connId)
}

func (m *mockSessionHandler) OnSetNickname(ctx context.Context, connId, nickname string) error {
	args := m.Called(ctx, connId, nickname)
	return args.Error(0)
}

func (m *mockSessionHandler) OnMessage(ctx context.Context, connId, text string) error {
	args := m.Called(ctx, connId, text)
	return args.Error(0)
}

func (m *mockSessionHandler) OnGetUsers(connId string) {
	m.Called(connId)
}

func (m *mockSessionHandler) OnDisconnect(ctx context.Context, connId string) error {
	args := m.Called(ctx, connId)
	return args.Error(0)
}
