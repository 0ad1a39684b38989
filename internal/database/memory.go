package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-fitsocial/internal/types"
)

// MemoryRepository is an in-process Repository. It serializes all writes
// behind one lock, which gives the same all-or-nothing behavior as the
// Postgres transactions.
type MemoryRepository struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      int64
	users    map[string]types.User
	rooms    map[string]*types.Room
	messages map[string][]types.Message
	blocks   map[string][]string
	reports  []types.Report
	posts    map[string]*types.Post
	likes    map[string]map[string]struct{}
	comments []types.Comment
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:      func() time.Time { return time.Now().UTC() },
		users:    make(map[string]types.User),
		rooms:    make(map[string]*types.Room),
		messages: make(map[string][]types.Message),
		blocks:   make(map[string][]string),
		posts:    make(map[string]*types.Post),
		likes:    make(map[string]map[string]struct{}),
	}
}

// WithClock replaces the timestamp source.
func (r *MemoryRepository) WithClock(now func() time.Time) *MemoryRepository {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemoryRepository) GetUser(ctx context.Context, userId string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userId]
	if !ok {
		return types.User{}, fmt.Errorf("%w: user %s", ErrNotFound, userId)
	}
	u.BlockedUsers = append([]string{}, r.blocks[userId]...)
	return u, nil
}

func (r *MemoryRepository) UpsertUser(ctx context.Context, params UpsertUserParams) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	u, ok := r.users[params.Id]
	if !ok {
		u.CreatedAt = now
	}
	u.Id = params.Id
	u.DisplayName = params.DisplayName
	u.AvatarUrl = params.AvatarUrl
	u.NotificationsEnabled = params.NotificationsEnabled
	u.UpdatedAt = now
	r.users[u.Id] = u

	return u, nil
}

func (r *MemoryRepository) memberInfo(userId string) types.MemberInfo {
	u := r.users[userId]
	return types.MemberInfo{Name: u.DisplayName, AvatarUrl: u.AvatarUrl}
}

func (r *MemoryRepository) AppendMessage(ctx context.Context, params AppendMessageParams) (types.Message, error) {
	if err := ctx.Err(); err != nil {
		return types.Message{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	msg := params.Message
	now := r.now()

	room, ok := r.rooms[msg.RoomId]
	if !ok {
		room = &types.Room{
			Id:           msg.RoomId,
			Members:      params.Members,
			UnreadCounts: make(map[string]int),
			MemberInfo:   make(map[string]types.MemberInfo),
			CreatedAt:    now,
		}
		r.rooms[msg.RoomId] = room
	}
	for _, m := range params.Members {
		if _, ok := room.UnreadCounts[m]; !ok {
			room.UnreadCounts[m] = 0
		}
		room.MemberInfo[m] = r.memberInfo(m)
	}

	r.seq++
	msg.Seq = r.seq
	msg.CreatedAt = now
	msg.Sender = room.MemberInfo[msg.SenderId]
	r.messages[msg.RoomId] = append(r.messages[msg.RoomId], msg)

	room.LastMessageText = params.Summary
	room.UpdatedAt = now
	for _, m := range params.recipients() {
		room.UnreadCounts[m]++
	}

	return msg, nil
}

func copyRoom(room *types.Room) types.Room {
	out := *room
	out.UnreadCounts = make(map[string]int, len(room.UnreadCounts))
	for k, v := range room.UnreadCounts {
		out.UnreadCounts[k] = v
	}
	out.MemberInfo = make(map[string]types.MemberInfo, len(room.MemberInfo))
	for k, v := range room.MemberInfo {
		out.MemberInfo[k] = v
	}
	return out
}

func (r *MemoryRepository) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomId]
	if !ok {
		return types.Room{}, fmt.Errorf("%w: room %s", ErrNotFound, roomId)
	}
	return copyRoom(room), nil
}

func (r *MemoryRepository) ListRooms(ctx context.Context, memberId string) ([]types.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rooms []types.Room
	for _, room := range r.rooms {
		if _, ok := room.UnreadCounts[memberId]; ok {
			rooms = append(rooms, copyRoom(room))
		}
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].UpdatedAt.After(rooms[j].UpdatedAt)
	})
	return rooms, nil
}

func (r *MemoryRepository) ListMessages(ctx context.Context, roomId string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := slices.Clone(r.messages[roomId])
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Less(msgs[j]) })
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (r *MemoryRepository) IncrementUnread(ctx context.Context, roomId, memberId string) error {
	return r.updateUnread(roomId, memberId, func(n int) int { return n + 1 })
}

func (r *MemoryRepository) ResetUnread(ctx context.Context, roomId, memberId string) error {
	return r.updateUnread(roomId, memberId, func(int) int { return 0 })
}

func (r *MemoryRepository) updateUnread(roomId, memberId string, fn func(int) int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomId]
	if !ok {
		return fmt.Errorf("%w: room %s", ErrNotFound, roomId)
	}
	n, ok := room.UnreadCounts[memberId]
	if !ok {
		return fmt.Errorf("%w: %s is not a member of room %s", ErrNotFound, memberId, roomId)
	}
	room.UnreadCounts[memberId] = fn(n)
	return nil
}

func (r *MemoryRepository) TotalUnread(ctx context.Context, memberId string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, room := range r.rooms {
		total += room.UnreadCounts[memberId]
	}
	return total, nil
}

func (r *MemoryRepository) AddBlock(ctx context.Context, blockerId, blockedId string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.Contains(r.blocks[blockerId], blockedId) {
		return false, nil
	}
	r.blocks[blockerId] = append(r.blocks[blockerId], blockedId)
	return true, nil
}

func (r *MemoryRepository) ListBlocked(ctx context.Context, blockerId string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string{}, r.blocks[blockerId]...), nil
}

func (r *MemoryRepository) IsBlocked(ctx context.Context, blockerId, blockedId string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Contains(r.blocks[blockerId], blockedId), nil
}

func (r *MemoryRepository) CreateReport(ctx context.Context, report types.Report) (types.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report.CreatedAt = r.now()
	r.reports = append(r.reports, report)
	return report, nil
}

// Reports returns every stored report in creation order.
func (r *MemoryRepository) Reports() []types.Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.reports)
}

func (r *MemoryRepository) CreatePost(ctx context.Context, post types.Post) (types.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.posts[post.Id]; ok {
		return types.Post{}, fmt.Errorf("post %s already exists", post.Id)
	}

	post.Author = r.memberInfo(post.AuthorId)
	post.CreatedAt = r.now()
	if post.ImageUrls == nil {
		post.ImageUrls = []string{}
	}
	stored := post
	r.posts[post.Id] = &stored
	return post, nil
}

func (r *MemoryRepository) GetPost(ctx context.Context, postId string) (types.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.posts[postId]
	if !ok {
		return types.Post{}, fmt.Errorf("%w: post %s", ErrNotFound, postId)
	}
	return *p, nil
}

func (r *MemoryRepository) ListPosts(ctx context.Context, groupId *string, limit int) ([]types.Post, error) {
	if limit <= 0 {
		limit = DefaultPostLimit
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var posts []types.Post
	for _, p := range r.posts {
		if groupId != nil && (p.GroupId == nil || *p.GroupId != *groupId) {
			continue
		}
		posts = append(posts, *p)
	}
	sort.Slice(posts, func(i, j int) bool {
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})
	if len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (r *MemoryRepository) AddLike(ctx context.Context, postId, userId string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.posts[postId]
	if !ok {
		return false, fmt.Errorf("%w: post %s", ErrNotFound, postId)
	}

	set, ok := r.likes[postId]
	if !ok {
		set = make(map[string]struct{})
		r.likes[postId] = set
	}
	if _, ok := set[userId]; ok {
		return false, nil
	}
	set[userId] = struct{}{}
	p.LikeCount++
	return true, nil
}

func (r *MemoryRepository) AddComment(ctx context.Context, comment types.Comment) (types.Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.posts[comment.PostId]
	if !ok {
		return types.Comment{}, fmt.Errorf("%w: post %s", ErrNotFound, comment.PostId)
	}

	comment.CreatedAt = r.now()
	r.comments = append(r.comments, comment)
	p.CommentCount++
	return comment, nil
}
