package compliance

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "escrow/pkg/domain"
	audit "escrow/pkg/platform/audit"
	"escrow/pkg/platform/audit/store/memory"
)

func TestEmit_FailClosed(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := New(store)
	contractID := id.ContractID(uuid.New())

	t.Run("persists with compliance category", func(t *testing.T) {
		err := pub.Emit(context.Background(), audit.ComplianceEvent{
			ContractID: contractID,
			Action:     audit.EventPaymentDisbursed,
			Amount:     id.Dollars(8000),
		})
		require.NoError(t, err)

		events, err := store.ListByContract(context.Background(), contractID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, audit.CategoryCompliance, events[0].Category)
		assert.Equal(t, id.Dollars(8000), events[0].Amount)
		assert.False(t, events[0].Timestamp.IsZero())
	})

	t.Run("store failure is returned to the caller", func(t *testing.T) {
		store.FailWith(errors.New("outbox unavailable"))
		defer store.FailWith(nil)

		err := pub.Emit(context.Background(), audit.ComplianceEvent{
			ContractID: contractID,
			Action:     audit.EventPaymentDisbursed,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "compliance audit persistence failed")
	})

	t.Run("requires contract and action", func(t *testing.T) {
		assert.Error(t, pub.Emit(context.Background(), audit.ComplianceEvent{Action: audit.EventDepositRecorded}))
		assert.Error(t, pub.Emit(context.Background(), audit.ComplianceEvent{ContractID: contractID}))
	})
}
