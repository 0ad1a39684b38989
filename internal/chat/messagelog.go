package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/npezzotti/go-fitsocial/internal/database"
	"github.com/npezzotti/go-fitsocial/internal/media"
	"github.com/npezzotti/go-fitsocial/internal/stream"
	"github.com/npezzotti/go-fitsocial/internal/types"
	"github.com/npezzotti/go-fitsocial/internal/visibility"
	"github.com/teris-io/shortid"
)

const (
	DefaultAppendRetries = 3
	// MediaSummary is the room summary of a message that only carries an
	// attachment.
	MediaSummary = "sent an image"

	retryBackoff = 20 * time.Millisecond
)

type Order int

const (
	OldestFirst Order = iota
	NewestFirst
)

// Notifier receives append events once the append has committed.
type Notifier interface {
	MessageAppended(ctx context.Context, msg types.Message, recipientId string)
}

type Options struct {
	AppendRetries int
	MessageLimit  int
}

type MessageLog struct {
	repo     database.Repository
	broker   *stream.Broker
	uploader media.Uploader
	notifier Notifier
	logger   *log.Logger
	retries  int
	limit    int
	newId    func() (string, error)
}

func NewMessageLog(
	repo database.Repository,
	broker *stream.Broker,
	uploader media.Uploader,
	notifier Notifier,
	logger *log.Logger,
	opts Options,
) *MessageLog {
	if opts.AppendRetries <= 0 {
		opts.AppendRetries = DefaultAppendRetries
	}
	if opts.MessageLimit <= 0 {
		opts.MessageLimit = database.DefaultMessageLimit
	}

	return &MessageLog{
		repo:     repo,
		broker:   broker,
		uploader: uploader,
		notifier: notifier,
		logger:   logger,
		retries:  opts.AppendRetries,
		limit:    opts.MessageLimit,
		newId:    shortid.Generate,
	}
}

type AppendParams struct {
	RoomId        string
	SenderId      string
	Text          string
	AttachmentUrl *string
}

type SendParams struct {
	RoomId     string
	SenderId   string
	Text       string
	Attachment *types.Media
}

// Send uploads the attachment, if any, and appends the message with the
// uploaded URL. A failed upload aborts the send before anything is
// stored.
func (l *MessageLog) Send(ctx context.Context, p SendParams) (string, error) {
	if _, err := roomMembers(p.RoomId, p.SenderId); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.Text) == "" && p.Attachment == nil {
		return "", ErrEmptyMessage
	}

	var attachmentUrl *string
	if p.Attachment != nil {
		if l.uploader == nil {
			return "", fmt.Errorf("%w: no media uploader configured", ErrPermission)
		}
		u, err := l.uploader.Upload(ctx, *p.Attachment)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		attachmentUrl = &u
	}

	return l.Append(ctx, AppendParams{
		RoomId:        p.RoomId,
		SenderId:      p.SenderId,
		Text:          p.Text,
		AttachmentUrl: attachmentUrl,
	})
}

// Append stores a message together with the room summary and the
// recipient's unread increment. Conflicting transactions are retried a
// bounded number of times.
func (l *MessageLog) Append(ctx context.Context, p AppendParams) (string, error) {
	members, err := roomMembers(p.RoomId, p.SenderId)
	if err != nil {
		return "", err
	}

	var attachmentUrl *string
	if p.AttachmentUrl != nil && strings.TrimSpace(*p.AttachmentUrl) != "" {
		attachmentUrl = p.AttachmentUrl
	}
	if strings.TrimSpace(p.Text) == "" && attachmentUrl == nil {
		return "", ErrEmptyMessage
	}

	recipient := members[0]
	if recipient == p.SenderId {
		recipient = members[1]
	}

	blocked, err := l.repo.IsBlocked(ctx, recipient, p.SenderId)
	if err != nil {
		return "", StoreError(err)
	}
	if blocked {
		return "", fmt.Errorf("%w: %s does not accept messages from %s", ErrPermission, recipient, p.SenderId)
	}

	id, err := l.newId()
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}

	msg := types.Message{
		Id:            id,
		RoomId:        p.RoomId,
		SenderId:      p.SenderId,
		Text:          p.Text,
		AttachmentUrl: attachmentUrl,
	}
	if err := msg.Validate(); err != nil {
		return "", err
	}

	summary := p.Text
	if strings.TrimSpace(summary) == "" {
		summary = MediaSummary
	}

	params := database.AppendMessageParams{
		Message: msg,
		Members: members,
		Summary: summary,
	}

	var stored types.Message
	for attempt := 0; ; attempt++ {
		stored, err = l.repo.AppendMessage(ctx, params)
		if err == nil {
			break
		}
		if !errors.Is(err, database.ErrConflict) {
			return "", StoreError(err)
		}
		if attempt >= l.retries {
			l.logger.Printf("append to room %s: giving up after %d attempts", p.RoomId, attempt+1)
			return "", StoreError(err)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrNetwork, ctx.Err())
		case <-time.After(retryBackoff * time.Duration(attempt+1)):
		}
	}

	l.broker.Publish(stream.RoomTopic(p.RoomId))
	l.broker.Publish(stream.UnreadTopic(recipient))

	if l.notifier != nil {
		l.notifier.MessageAppended(ctx, stored, recipient)
	}

	return stored.Id, nil
}

// Subscribe emits the most recent messages of a room, in the requested
// order, on subscription and after every append. A read failure is
// passed to fail and ends the stream.
func (l *MessageLog) Subscribe(roomId string, order Order, emit func([]types.Message), fail func(error)) (cancel func()) {
	_, parseErr := ParseRoomId(roomId)

	return l.broker.Subscribe(stream.RoomTopic(roomId), func(ctx context.Context) error {
		if parseErr != nil {
			fail(parseErr)
			return parseErr
		}

		msgs, err := l.repo.ListMessages(ctx, roomId, l.limit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = StoreError(err)
			fail(err)
			return err
		}

		if order == NewestFirst {
			slices.Reverse(msgs)
		}
		emit(msgs)
		return nil
	})
}

// SubscribeVisible is Subscribe filtered against the viewer's live
// blocklist.
func (l *MessageLog) SubscribeVisible(
	roomId string,
	order Order,
	blocklist visibility.Source[[]string],
	emit func([]types.Message),
	fail func(error),
) (cancel func()) {
	content := func(emit func([]types.Message), fail func(error)) func() {
		return l.Subscribe(roomId, order, emit, fail)
	}

	return visibility.Compose(content, blocklist, messageAuthor, emit, fail)
}

// History returns the most recent messages of a room the viewer belongs
// to, in the requested order.
func (l *MessageLog) History(ctx context.Context, roomId, viewerId string, order Order) ([]types.Message, error) {
	if _, err := roomMembers(roomId, viewerId); err != nil {
		return nil, err
	}

	msgs, err := l.repo.ListMessages(ctx, roomId, l.limit)
	if err != nil {
		return nil, StoreError(err)
	}
	if order == NewestFirst {
		slices.Reverse(msgs)
	}
	return msgs, nil
}

// Rooms lists the rooms a member belongs to, most recently active first.
func (l *MessageLog) Rooms(ctx context.Context, memberId string) ([]types.Room, error) {
	rooms, err := l.repo.ListRooms(ctx, memberId)
	return rooms, StoreError(err)
}

func messageAuthor(m types.Message) string {
	return m.SenderId
}

func roomMembers(roomId, senderId string) ([2]string, error) {
	members, err := ParseRoomId(roomId)
	if err != nil {
		return [2]string{}, err
	}
	if senderId != members[0] && senderId != members[1] {
		return [2]string{}, fmt.Errorf("%w: %s is not a member of room %s", ErrInvalidParticipants, senderId, roomId)
	}
	return members, nil
}
