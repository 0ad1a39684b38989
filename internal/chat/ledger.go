package chat

import (
	"context"
	"log"

	"github.com/npezzotti/go-fitsocial/internal/database"
	"github.com/npezzotti/go-fitsocial/internal/stream"
)

// UnreadLedger keeps per-room, per-member unread counters. Counter
// updates are performed by the store so concurrent increments are never
// lost.
type UnreadLedger struct {
	repo   database.Repository
	broker *stream.Broker
	logger *log.Logger
}

func NewUnreadLedger(repo database.Repository, broker *stream.Broker, logger *log.Logger) *UnreadLedger {
	return &UnreadLedger{
		repo:   repo,
		broker: broker,
		logger: logger,
	}
}

func (u *UnreadLedger) Increment(ctx context.Context, roomId, memberId string) error {
	if _, err := roomMembers(roomId, memberId); err != nil {
		return err
	}

	if err := u.repo.IncrementUnread(ctx, roomId, memberId); err != nil {
		return StoreError(err)
	}

	u.broker.Publish(stream.UnreadTopic(memberId))
	return nil
}

// Reset zeroes memberId's counter in roomId only.
func (u *UnreadLedger) Reset(ctx context.Context, roomId, memberId string) error {
	if _, err := roomMembers(roomId, memberId); err != nil {
		return err
	}

	if err := u.repo.ResetUnread(ctx, roomId, memberId); err != nil {
		return StoreError(err)
	}

	u.broker.Publish(stream.UnreadTopic(memberId))
	u.broker.Publish(stream.RoomTopic(roomId))
	return nil
}

// TotalFor is the badge count: the sum of memberId's counters over all
// their rooms.
func (u *UnreadLedger) TotalFor(ctx context.Context, memberId string) (int, error) {
	total, err := u.repo.TotalUnread(ctx, memberId)
	if err != nil {
		return 0, StoreError(err)
	}
	return total, nil
}

// SubscribeTotal emits the badge count on subscription and whenever one
// of memberId's counters changes.
func (u *UnreadLedger) SubscribeTotal(memberId string, emit func(int), fail func(error)) (cancel func()) {
	last := -1
	return u.broker.Subscribe(stream.UnreadTopic(memberId), func(ctx context.Context) error {
		total, err := u.repo.TotalUnread(ctx, memberId)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = StoreError(err)
			fail(err)
			return err
		}

		if total != last {
			last = total
			emit(total)
		}
		return nil
	})
}
