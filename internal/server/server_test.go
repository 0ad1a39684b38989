package server

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-fitsocial/internal/chat"
	"github.com/npezzotti/go-fitsocial/internal/database"
	"github.com/npezzotti/go-fitsocial/internal/feed"
	"github.com/npezzotti/go-fitsocial/internal/safety"
	"github.com/npezzotti/go-fitsocial/internal/stats"
	"github.com/npezzotti/go-fitsocial/internal/stream"
	"github.com/npezzotti/go-fitsocial/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// newTestServices wires every service on an in-memory store.
func newTestServices(t *testing.T, repo *database.MemoryRepository) Services {
	logger := testutil.TestLogger(t)
	broker := stream.NewBroker(logger)
	t.Cleanup(broker.Close)

	return Services{
		Messages: chat.NewMessageLog(repo, broker, nil, nil, logger, chat.Options{}),
		Ledger:   chat.NewUnreadLedger(repo, broker, logger),
		Feed:     feed.NewService(repo, broker, nil, nil, logger, 0),
		Safety:   safety.NewService(repo, broker, logger, safety.Options{}),
	}
}

// newTestChatServer creates a new ChatServer instance for testing purposes
func newTestChatServer(t *testing.T, repo *database.MemoryRepository, su *stats.MockStatsProvider) *ChatServer {
	su.On("RegisterMetric", mock.Anything).Return().Times(2)
	su.On("Incr", mock.Anything).Return().Maybe()
	su.On("Decr", mock.Anything).Return().Maybe()

	cs, err := NewChatServer(testutil.TestLogger(t), newTestServices(t, repo), su)
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsProvider{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", metricConnections).Return().Once()
	su.On("RegisterMetric", metricSubscriptions).Return().Once()

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, Services{}, su)
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.NotNil(t, cs.registerChan, "expected registerChan to be initialized")
	assert.NotNil(t, cs.deregisterChan, "expected deregisterChan to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
}

func TestChatServerRegisterDeregister(t *testing.T) {
	su := &stats.MockStatsProvider{}
	cs := newTestChatServer(t, database.NewMemoryRepository(), su)
	go cs.Run()
	defer cs.Shutdown(context.Background())

	c := NewClient("u1", nil, cs, cs.log)
	assert.True(t, cs.Register(c))
	assert.Eventually(t, func() bool { return cs.clientCount() == 1 }, time.Second, 5*time.Millisecond)

	cs.deregister(c)
	assert.Eventually(t, func() bool { return cs.clientCount() == 0 }, time.Second, 5*time.Millisecond)

	// a second deregister is ignored
	cs.deregister(c)
	assert.Zero(t, cs.clientCount())
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, database.NewMemoryRepository(), &stats.MockStatsProvider{})
		go cs.Run()

		c := NewClient("u1", nil, cs, cs.log)
		cs.Register(c)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		assert.NoError(t, cs.Shutdown(ctx))
		assert.NoError(t, cs.Shutdown(ctx), "expected repeated shutdown to be safe")

		select {
		case <-c.stop:
		default:
			t.Error("expected client to be stopped")
		}
		assert.False(t, cs.Register(NewClient("u2", nil, cs, cs.log)))
	})

	t.Run("shutdown timeout", func(t *testing.T) {
		cs := newTestChatServer(t, database.NewMemoryRepository(), &stats.MockStatsProvider{})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		// Run was never started, so the loop cannot acknowledge
		assert.ErrorIs(t, cs.Shutdown(ctx), context.DeadlineExceeded)
	})
}
