package database

import (
	"context"

	"github.com/npezzotti/chat-relay/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockEventStore struct {
	mock.Mock
}

func (m *MockEventStore) Initialize(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockEventStore) Append(ctx context.Context, content, nickname string, kind types.EventKind) (types.ChatEvent, error) {
	args := m.Called(ctx, content, nickname, kind)
	return args.Get(0).(types.ChatEvent), args.Error(1)
}
func (m *MockEventStore) History(ctx context.Context, limit int) ([]types.ChatEvent, error) {
	args := m.Called(ctx, limit)
	if events, ok := args.Get(0).([]types.ChatEvent); ok {
		return events, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockEventStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
