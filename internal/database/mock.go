package database

import (
	"context"

	"github.com/npezzotti/go-fitsocial/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) GetUser(ctx context.Context, userId string) (types.User, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(types.User), args.Error(1)
}
func (m *MockRepository) UpsertUser(ctx context.Context, params UpsertUserParams) (types.User, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.User), args.Error(1)
}
func (m *MockRepository) AppendMessage(ctx context.Context, params AppendMessageParams) (types.Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockRepository) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockRepository) ListRooms(ctx context.Context, memberId string) ([]types.Room, error) {
	args := m.Called(ctx, memberId)
	if rooms, ok := args.Get(0).([]types.Room); ok {
		return rooms, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) ListMessages(ctx context.Context, roomId string, limit int) ([]types.Message, error) {
	args := m.Called(ctx, roomId, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) IncrementUnread(ctx context.Context, roomId, memberId string) error {
	args := m.Called(ctx, roomId, memberId)
	return args.Error(0)
}
func (m *MockRepository) ResetUnread(ctx context.Context, roomId, memberId string) error {
	args := m.Called(ctx, roomId, memberId)
	return args.Error(0)
}
func (m *MockRepository) TotalUnread(ctx context.Context, memberId string) (int, error) {
	args := m.Called(ctx, memberId)
	return args.Int(0), args.Error(1)
}
func (m *MockRepository) AddBlock(ctx context.Context, blockerId, blockedId string) (bool, error) {
	args := m.Called(ctx, blockerId, blockedId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) ListBlocked(ctx context.Context, blockerId string) ([]string, error) {
	args := m.Called(ctx, blockerId)
	if ids, ok := args.Get(0).([]string); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) IsBlocked(ctx context.Context, blockerId, blockedId string) (bool, error) {
	args := m.Called(ctx, blockerId, blockedId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) CreateReport(ctx context.Context, report types.Report) (types.Report, error) {
	args := m.Called(ctx, report)
	return args.Get(0).(types.Report), args.Error(1)
}
func (m *MockRepository) CreatePost(ctx context.Context, post types.Post) (types.Post, error) {
	args := m.Called(ctx, post)
	return args.Get(0).(types.Post), args.Error(1)
}
func (m *MockRepository) GetPost(ctx context.Context, postId string) (types.Post, error) {
	args := m.Called(ctx, postId)
	return args.Get(0).(types.Post), args.Error(1)
}
func (m *MockRepository) ListPosts(ctx context.Context, groupId *string, limit int) ([]types.Post, error) {
	args := m.Called(ctx, groupId, limit)
	if posts, ok := args.Get(0).([]types.Post); ok {
		return posts, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) AddLike(ctx context.Context, postId, userId string) (bool, error) {
	args := m.Called(ctx, postId, userId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) AddComment(ctx context.Context, comment types.Comment) (types.Comment, error) {
	args := m.Called(ctx, comment)
	return args.Get(0).(types.Comment), args.Error(1)
}
