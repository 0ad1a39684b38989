package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/npezzotti/go-fitsocial/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrementConcurrent(t *testing.T) {
	ctx := context.Background()
	tl := newTestLog(t, database.NewMemoryRepository())

	_, err := tl.log.Append(ctx, AppendParams{RoomId: "u1_u2", SenderId: "u1", Text: "hi"})
	require.NoError(t, err)

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tl.ledger.Increment(ctx, "u1_u2", "u2"))
		}()
	}
	wg.Wait()

	room, err := tl.repo.GetRoom(ctx, "u1_u2")
	require.NoError(t, err)
	assert.Equal(t, 1+n, room.UnreadCounts["u2"])
	assert.Equal(t, 0, room.UnreadCounts["u1"])
}

func TestResetIsScopedToMemberAndRoom(t *testing.T) {
	ctx := context.Background()
	tl := newTestLog(t, database.NewMemoryRepository())

	sends := []AppendParams{
		{RoomId: "u1_u2", SenderId: "u1", Text: "to u2"},
		{RoomId: "u1_u2", SenderId: "u2", Text: "to u1"},
		{RoomId: "u1_u3", SenderId: "u3", Text: "to u1"},
		{RoomId: "u1_u3", SenderId: "u3", Text: "to u1 again"},
	}
	for _, p := range sends {
		_, err := tl.log.Append(ctx, p)
		require.NoError(t, err)
	}

	total, err := tl.ledger.TotalFor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	require.NoError(t, tl.ledger.Reset(ctx, "u1_u2", "u1"))

	room, err := tl.repo.GetRoom(ctx, "u1_u2")
	require.NoError(t, err)
	assert.Equal(t, 0, room.UnreadCounts["u1"])
	assert.Equal(t, 1, room.UnreadCounts["u2"])

	other, err := tl.repo.GetRoom(ctx, "u1_u3")
	require.NoError(t, err)
	assert.Equal(t, 2, other.UnreadCounts["u1"])

	total, err = tl.ledger.TotalFor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestLedgerRejectsNonMembers(t *testing.T) {
	ctx := context.Background()
	tl := newTestLog(t, database.NewMemoryRepository())

	assert.ErrorIs(t, tl.ledger.Increment(ctx, "u1_u2", "u3"), ErrInvalidParticipants)
	assert.ErrorIs(t, tl.ledger.Reset(ctx, "u1_u2", "u1"), ErrNotFound)
}

func TestSubscribeTotal(t *testing.T) {
	ctx := context.Background()
	tl := newTestLog(t, database.NewMemoryRepository())

	totals := make(chan int, 8)
	cancel := tl.ledger.SubscribeTotal("u2", func(n int) { totals <- n }, func(error) {})
	defer cancel()

	assert.Equal(t, 0, waitFor(t, totals))

	_, err := tl.log.Append(ctx, AppendParams{RoomId: "u1_u2", SenderId: "u1", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, waitFor(t, totals))

	require.NoError(t, tl.ledger.Reset(ctx, "u1_u2", "u2"))
	assert.Equal(t, 0, waitFor(t, totals))
}
