package abuse

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/campchat/chat-relay/internal/messaging"
	"github.com/campchat/chat-relay/internal/store"
)

// MockStore is a testify mock of store.Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) LoadBans(ctx context.Context) ([]store.Ban, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.Ban), args.Error(1)
}

func (m *MockStore) AppendReport(ctx context.Context, r store.Report) error {
	return m.Called(ctx, r).Error(0)
}

func (m *MockStore) CountReports(ctx context.Context, identity string) (int, error) {
	args := m.Called(ctx, identity)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) InsertBan(ctx context.Context, b store.Ban) error {
	return m.Called(ctx, b).Error(0)
}

func (m *MockStore) DeleteBan(ctx context.Context, identity string) error {
	return m.Called(ctx, identity).Error(0)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}

// MockNotifier records moderation events.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) PublishReport(ev messaging.ReportEvent) error {
	return m.Called(ev).Error(0)
}

func (m *MockNotifier) PublishBan(ev messaging.BanEvent) error {
	return m.Called(ev).Error(0)
}

func (m *MockNotifier) PublishUnban(ev messaging.BanEvent) error {
	return m.Called(ev).Error(0)
}

// roomsFunc adapts a function to RoomChecker.
type roomsFunc func(roomID, reporter, reported string) bool

func (f roomsFunc) CanReport(roomID, reporter, reported string) bool {
	return f(roomID, reporter, reported)
}
