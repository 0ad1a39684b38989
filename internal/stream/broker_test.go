package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/npezzotti/go-fitsocial/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSubscribeDeliversInitialState(t *testing.T) {
	b := NewBroker(testutil.TestLogger(t))
	defer b.Close()

	calls := make(chan struct{}, 4)
	cancel := b.Subscribe("room:a_b", func(ctx context.Context) error {
		calls <- struct{}{}
		return nil
	})
	defer cancel()

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("expected initial delivery")
	}
	assert.Equal(t, 1, b.Subscribers("room:a_b"))
}

func TestPublishCoalesces(t *testing.T) {
	b := NewBroker(testutil.TestLogger(t))
	defer b.Close()

	release := make(chan struct{})
	var calls atomic.Int32
	cancel := b.Subscribe("feed", func(ctx context.Context) error {
		calls.Add(1)
		<-release
		return nil
	})
	defer cancel()

	// the initial delivery is blocked, the burst collapses into one more
	for i := 0; i < 100; i++ {
		b.Publish("feed")
	}
	close(release)

	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPublishIsScopedToTopic(t *testing.T) {
	b := NewBroker(testutil.TestLogger(t))
	defer b.Close()

	var a, other atomic.Int32
	cancelA := b.Subscribe("unread:a", func(ctx context.Context) error { a.Add(1); return nil })
	defer cancelA()
	cancelB := b.Subscribe("unread:b", func(ctx context.Context) error { other.Add(1); return nil })
	defer cancelB()

	assert.Eventually(t, func() bool { return a.Load() == 1 && other.Load() == 1 }, time.Second, 5*time.Millisecond)

	b.Publish("unread:a")
	assert.Eventually(t, func() bool { return a.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), other.Load())
}

func TestCancelWaitsForInflightHandler(t *testing.T) {
	b := NewBroker(testutil.TestLogger(t))
	defer b.Close()

	started := make(chan struct{})
	var finished atomic.Bool
	var after atomic.Int32
	cancel := b.Subscribe("room:a_b", func(ctx context.Context) error {
		if !finished.Load() && after.Load() == 0 {
			close(started)
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
			return nil
		}
		after.Add(1)
		return nil
	})

	<-started
	cancel()
	assert.True(t, finished.Load(), "cancel returned before the handler finished")

	b.Publish("room:a_b")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, after.Load())
	assert.Zero(t, b.Subscribers("room:a_b"))
}

func TestHandlerErrorEndsSubscription(t *testing.T) {
	b := NewBroker(testutil.TestLogger(t))
	defer b.Close()

	var calls atomic.Int32
	cancel := b.Subscribe("blocklist:a", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("read failed")
	})
	defer cancel()

	assert.Eventually(t, func() bool { return b.Subscribers("blocklist:a") == 0 }, time.Second, 5*time.Millisecond)

	b.Publish("blocklist:a")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPublishAll(t *testing.T) {
	b := NewBroker(testutil.TestLogger(t))
	defer b.Close()

	var calls atomic.Int32
	for _, topic := range []string{"feed", "room:a_b", "unread:a"} {
		cancel := b.Subscribe(topic, func(ctx context.Context) error { calls.Add(1); return nil })
		defer cancel()
	}
	assert.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)

	b.PublishAll()
	assert.Eventually(t, func() bool { return calls.Load() == 6 }, time.Second, 5*time.Millisecond)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "room:u1_u2", RoomTopic("u1_u2"))
	assert.Equal(t, "unread:u1", UnreadTopic("u1"))
	assert.Equal(t, "blocklist:u1", BlocklistTopic("u1"))
}
