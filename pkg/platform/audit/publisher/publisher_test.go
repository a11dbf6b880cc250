package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "escrow/pkg/domain"
	audit "escrow/pkg/platform/audit"
	"escrow/pkg/platform/audit/store/memory"
)

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	contractID := id.ContractID(uuid.New())
	err := pub.Emit(context.Background(), audit.Event{
		ContractID: contractID,
		Action:     string(audit.EventEvidenceSubmitted),
	})
	require.NoError(t, err)

	events, err := pub.List(context.Background(), contractID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventEvidenceSubmitted), events[0].Action)
	assert.Equal(t, audit.CategoryOperations, events[0].Category)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	contractID := id.ContractID(uuid.New())
	for range 10 {
		require.NoError(t, pub.Emit(context.Background(), audit.Event{
			ContractID: contractID,
			Action:     string(audit.EventHoldRaised),
		}))
	}

	pub.Close()

	events, err := store.ListByContract(context.Background(), contractID)
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
	assert.Equal(t, audit.CategorySecurity, events[0].Category)
}

func TestPublisher_BufferFullNeverBlocks(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))
	defer pub.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pub.Emit(context.Background(), audit.Event{ContractID: id.ContractID(uuid.New()), Action: "x"})
			if err != nil {
				assert.ErrorIs(t, err, ErrBufferFull)
			}
		}()
	}
	wg.Wait()
}

func TestPublisher_Timestamps(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()
	contractID := id.ContractID(uuid.New())

	before := time.Now()
	require.NoError(t, pub.Emit(context.Background(), audit.Event{ContractID: contractID, Action: "a"}))
	after := time.Now()

	custom := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, pub.Emit(context.Background(), audit.Event{ContractID: contractID, Action: "b", Timestamp: custom}))

	events, err := pub.List(context.Background(), contractID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.False(t, events[0].Timestamp.Before(before))
	assert.False(t, events[0].Timestamp.After(after))
	assert.Equal(t, custom, events[1].Timestamp)
}

func TestPublisher_EmitAfterClose(t *testing.T) {
	pub := NewPublisher(memory.NewInMemoryStore(), WithAsyncBuffer(4))
	pub.Close()
	err := pub.Emit(context.Background(), audit.Event{Action: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}
