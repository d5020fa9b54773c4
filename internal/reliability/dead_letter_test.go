package reliability

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryDeadLetterStore(t *testing.T) {
	ctx := context.Background()
	sms := contracts.Destination{Type: contracts.DestinationSMS, Address: "+15550001111"}

	t.Run("stores and retrieves entries", func(t *testing.T) {
		store := NewInMemoryDeadLetterStore(10)
		dl := &DeadLetter{MessageID: "m1", Destination: sms, Reason: ReasonPermanent}

		require.NoError(t, store.Store(ctx, dl))
		assert.NotEmpty(t, dl.ID)
		assert.False(t, dl.RecordedAt.IsZero())

		got, err := store.Get(ctx, dl.ID)
		require.NoError(t, err)
		assert.Equal(t, "m1", got.MessageID)

		byMsg, err := store.GetByMessageID(ctx, "m1")
		require.NoError(t, err)
		assert.Len(t, byMsg, 1)
	})

	t.Run("rejects invalid entries", func(t *testing.T) {
		store := NewInMemoryDeadLetterStore(10)
		assert.ErrorIs(t, store.Store(ctx, nil), ErrInvalidDeadLetter)
		assert.ErrorIs(t, store.Store(ctx, &DeadLetter{}), ErrInvalidDeadLetter)
	})

	t.Run("evicts oldest when full", func(t *testing.T) {
		store := NewInMemoryDeadLetterStore(2)
		for i := 0; i < 3; i++ {
			require.NoError(t, store.Store(ctx, &DeadLetter{MessageID: fmt.Sprintf("m%d", i), Reason: ReasonExhausted}))
		}

		list, err := store.List(ctx, 0)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "m2", list[0].MessageID)
		assert.Equal(t, "m1", list[1].MessageID)

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Total)
		assert.Equal(t, int64(1), stats.Evicted)
		assert.Equal(t, 2, stats.ByReason[ReasonExhausted])
	})

	t.Run("list honours limit", func(t *testing.T) {
		store := NewInMemoryDeadLetterStore(10)
		for i := 0; i < 5; i++ {
			require.NoError(t, store.Store(ctx, &DeadLetter{MessageID: fmt.Sprintf("m%d", i)}))
		}
		list, err := store.List(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("delete and not found", func(t *testing.T) {
		store := NewInMemoryDeadLetterStore(10)
		dl := &DeadLetter{MessageID: "m1"}
		require.NoError(t, store.Store(ctx, dl))

		require.NoError(t, store.Delete(ctx, dl.ID))
		_, err := store.Get(ctx, dl.ID)
		assert.ErrorIs(t, err, ErrDeadLetterNotFound)
		assert.ErrorIs(t, store.Delete(ctx, dl.ID), ErrDeadLetterNotFound)
	})

	t.Run("cleanup removes old entries", func(t *testing.T) {
		store := NewInMemoryDeadLetterStore(10)
		now := time.Now()
		store.now = func() time.Time { return now }

		require.NoError(t, store.Store(ctx, &DeadLetter{MessageID: "old", RecordedAt: now.Add(-2 * time.Hour)}))
		require.NoError(t, store.Store(ctx, &DeadLetter{MessageID: "new"}))

		n, err := store.Cleanup(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		list, _ := store.List(ctx, 0)
		require.Len(t, list, 1)
		assert.Equal(t, "new", list[0].MessageID)
	})
}
