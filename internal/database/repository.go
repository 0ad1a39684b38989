package database

import (
	"context"

	"github.com/npezzotti/go-fitsocial/internal/types"
)

// Repository is the storage contract of the messaging core. Every method
// that mutates more than one record runs as a single transaction.
type Repository interface {
	Ping(ctx context.Context) error

	GetUser(ctx context.Context, userId string) (types.User, error)
	UpsertUser(ctx context.Context, params UpsertUserParams) (types.User, error)

	AppendMessage(ctx context.Context, params AppendMessageParams) (types.Message, error)
	GetRoom(ctx context.Context, roomId string) (types.Room, error)
	ListRooms(ctx context.Context, memberId string) ([]types.Room, error)
	ListMessages(ctx context.Context, roomId string, limit int) ([]types.Message, error)

	IncrementUnread(ctx context.Context, roomId, memberId string) error
	ResetUnread(ctx context.Context, roomId, memberId string) error
	TotalUnread(ctx context.Context, memberId string) (int, error)

	AddBlock(ctx context.Context, blockerId, blockedId string) (bool, error)
	ListBlocked(ctx context.Context, blockerId string) ([]string, error)
	IsBlocked(ctx context.Context, blockerId, blockedId string) (bool, error)
	CreateReport(ctx context.Context, report types.Report) (types.Report, error)

	CreatePost(ctx context.Context, post types.Post) (types.Post, error)
	GetPost(ctx context.Context, postId string) (types.Post, error)
	ListPosts(ctx context.Context, groupId *string, limit int) ([]types.Post, error)
	AddLike(ctx context.Context, postId, userId string) (bool, error)
	AddComment(ctx context.Context, comment types.Comment) (types.Comment, error)
}
