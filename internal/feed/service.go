package feed

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/npezzotti/go-fitsocial/internal/chat"
	"github.com/npezzotti/go-fitsocial/internal/database"
	"github.com/npezzotti/go-fitsocial/internal/media"
	"github.com/npezzotti/go-fitsocial/internal/stream"
	"github.com/npezzotti/go-fitsocial/internal/types"
	"github.com/npezzotti/go-fitsocial/internal/visibility"
	"github.com/teris-io/shortid"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentUploads = 4

type Notifier interface {
	LikeRecorded(ctx context.Context, postId, actorId, ownerId string)
	CommentRecorded(ctx context.Context, postId, actorId, ownerId, text string)
}

type Service struct {
	repo     database.Repository
	broker   *stream.Broker
	uploader media.Uploader
	notifier Notifier
	logger   *log.Logger
	limit    int
}

func NewService(
	repo database.Repository,
	broker *stream.Broker,
	uploader media.Uploader,
	notifier Notifier,
	logger *log.Logger,
	limit int,
) *Service {
	if limit <= 0 {
		limit = database.DefaultPostLimit
	}

	return &Service{
		repo:     repo,
		broker:   broker,
		uploader: uploader,
		notifier: notifier,
		logger:   logger,
		limit:    limit,
	}
}

// SubscribePosts emits the newest posts, optionally of one group, on
// subscription and after every feed change.
func (s *Service) SubscribePosts(groupId *string, emit func([]types.Post), fail func(error)) (cancel func()) {
	return s.broker.Subscribe(stream.FeedTopic, func(ctx context.Context) error {
		posts, err := s.repo.ListPosts(ctx, groupId, s.limit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = chat.StoreError(err)
			fail(err)
			return err
		}
		emit(posts)
		return nil
	})
}

// Posts returns the newest posts, optionally of one group.
func (s *Service) Posts(ctx context.Context, groupId *string) ([]types.Post, error) {
	posts, err := s.repo.ListPosts(ctx, groupId, s.limit)
	if err != nil {
		return nil, chat.StoreError(err)
	}
	return posts, nil
}

// Subscribe is the viewer's feed: SubscribePosts without posts by
// authors on the viewer's blocklist.
func (s *Service) Subscribe(
	groupId *string,
	blocklist visibility.Source[[]string],
	emit func([]types.Post),
	fail func(error),
) (cancel func()) {
	content := func(emit func([]types.Post), fail func(error)) func() {
		return s.SubscribePosts(groupId, emit, fail)
	}

	return visibility.Compose(content, blocklist, postAuthor, emit, fail)
}

type CreatePostParams struct {
	AuthorId   string
	Text       string
	GroupId    *string
	Activities []types.Activity
	Images     []types.Media
}

// CreatePost uploads the images, keeping their order, then stores the
// post. Nothing is stored if any upload fails.
func (s *Service) CreatePost(ctx context.Context, p CreatePostParams) (types.Post, error) {
	if strings.TrimSpace(p.Text) == "" && len(p.Images) == 0 && len(p.Activities) == 0 {
		return types.Post{}, fmt.Errorf("%w: post has no content", types.ErrInvalidRecord)
	}

	urls, err := s.uploadAll(ctx, p.Images)
	if err != nil {
		return types.Post{}, err
	}

	id, err := shortid.Generate()
	if err != nil {
		return types.Post{}, fmt.Errorf("generate post id: %w", err)
	}

	post := types.Post{
		Id:         id,
		AuthorId:   p.AuthorId,
		Text:       p.Text,
		ImageUrls:  urls,
		GroupId:    p.GroupId,
		Activities: p.Activities,
	}
	if err := post.Validate(); err != nil {
		return types.Post{}, err
	}

	stored, err := s.repo.CreatePost(ctx, post)
	if err != nil {
		return types.Post{}, chat.StoreError(err)
	}

	s.broker.Publish(stream.FeedTopic)
	return stored, nil
}

func (s *Service) uploadAll(ctx context.Context, images []types.Media) ([]string, error) {
	urls := make([]string, len(images))
	if len(images) == 0 {
		return urls, nil
	}
	if s.uploader == nil {
		return nil, fmt.Errorf("%w: no media uploader configured", chat.ErrPermission)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentUploads)
	for i, img := range images {
		g.Go(func() error {
			u, err := s.uploader.Upload(gctx, img)
			if err != nil {
				return fmt.Errorf("%w: upload %s: %w", chat.ErrNetwork, img.Name, err)
			}
			urls[i] = u
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

// RecordLike adds userId's like to a post. It reports false if the user
// had already liked it.
func (s *Service) RecordLike(ctx context.Context, postId, userId string) (bool, error) {
	post, err := s.repo.GetPost(ctx, postId)
	if err != nil {
		return false, chat.StoreError(err)
	}

	liked, err := s.repo.AddLike(ctx, postId, userId)
	if err != nil {
		return false, chat.StoreError(err)
	}
	if !liked {
		return false, nil
	}

	s.broker.Publish(stream.FeedTopic)
	if s.notifier != nil {
		s.notifier.LikeRecorded(ctx, postId, userId, post.AuthorId)
	}
	return true, nil
}

func (s *Service) RecordComment(ctx context.Context, postId, userId, text string) (types.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return types.Comment{}, fmt.Errorf("%w: comment text is required", types.ErrInvalidRecord)
	}

	post, err := s.repo.GetPost(ctx, postId)
	if err != nil {
		return types.Comment{}, chat.StoreError(err)
	}

	id, err := shortid.Generate()
	if err != nil {
		return types.Comment{}, fmt.Errorf("generate comment id: %w", err)
	}

	comment, err := s.repo.AddComment(ctx, types.Comment{
		Id:     id,
		PostId: postId,
		UserId: userId,
		Text:   text,
	})
	if err != nil {
		return types.Comment{}, chat.StoreError(err)
	}

	s.broker.Publish(stream.FeedTopic)
	if s.notifier != nil {
		s.notifier.CommentRecorded(ctx, postId, userId, post.AuthorId, text)
	}
	return comment, nil
}

func postAuthor(p types.Post) string {
	return p.AuthorId
}
