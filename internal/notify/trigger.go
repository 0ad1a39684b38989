package notify

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-fitsocial/internal/database"
	"github.com/npezzotti/go-fitsocial/internal/types"
)

const deliverTimeout = 5 * time.Second

// Trigger turns committed state changes into notification events.
type Trigger struct {
	repo   database.Repository
	sink   Sink
	logger *log.Logger
	now    func() time.Time
}

func NewTrigger(repo database.Repository, sink Sink, logger *log.Logger) *Trigger {
	return &Trigger{
		repo:   repo,
		sink:   sink,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (t *Trigger) MessageAppended(ctx context.Context, msg types.Message, recipientId string) {
	t.emit(ctx, types.Event{
		Kind:        types.EventMessage,
		ActorId:     msg.SenderId,
		RecipientId: recipientId,
		Payload: map[string]string{
			"room_id":      msg.RoomId,
			"message_id":   msg.Id,
			"sender_id":    msg.SenderId,
			"recipient_id": recipientId,
		},
	})
}

func (t *Trigger) LikeRecorded(ctx context.Context, postId, actorId, ownerId string) {
	t.emit(ctx, types.Event{
		Kind:        types.EventLike,
		ActorId:     actorId,
		RecipientId: ownerId,
		Payload: map[string]string{
			"post_id":  postId,
			"actor_id": actorId,
			"owner_id": ownerId,
		},
	})
}

func (t *Trigger) CommentRecorded(ctx context.Context, postId, actorId, ownerId, text string) {
	t.emit(ctx, types.Event{
		Kind:        types.EventComment,
		ActorId:     actorId,
		RecipientId: ownerId,
		Payload: map[string]string{
			"post_id":  postId,
			"actor_id": actorId,
			"owner_id": ownerId,
			"text":     text,
		},
	})
}

func (t *Trigger) emit(ctx context.Context, ev types.Event) {
	if ev.ActorId == ev.RecipientId || ev.RecipientId == "" {
		return
	}

	// the state change has committed, delivery outlives the request
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
	defer cancel()

	// recipients without a user record have no device to reach
	user, err := t.repo.GetUser(ctx, ev.RecipientId)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return
	case err != nil:
		t.logger.Printf("load notification settings for %s: %v", ev.RecipientId, err)
	case !user.NotificationsEnabled:
		return
	}

	ev.Id = uuid.NewString()
	ev.CreatedAt = t.now()

	if err := t.sink.Deliver(ctx, ev); err != nil {
		t.logger.Printf("deliver %s event %s to %s: %v", ev.Kind, ev.Id, ev.RecipientId, err)
	}
}
