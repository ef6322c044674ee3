package messaging

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicquest/xp-ledger/internal/domain/shared"
)

func TestInMemoryEventBus_SyncDelivery(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{EnableMetrics: true})

	var granted, all int32
	require.NoError(t, bus.Subscribe(shared.EventXPGranted, func(shared.Event) error {
		atomic.AddInt32(&granted, 1)
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		atomic.AddInt32(&all, 1)
		return errors.New("ignored")
	}))

	require.NoError(t, bus.Publish(shared.NewXPGrantedEvent("u1", "s1", 50, "BONUS", "", 50, 2)))
	require.NoError(t, bus.Publish(shared.NewLevelUpEvent("u1", "s1", 1, 2)))

	assert.Equal(t, int32(1), granted)
	assert.Equal(t, int32(2), all)

	snap := bus.Metrics().Snapshot()
	assert.Equal(t, int64(3), snap.HandlerExecutions)
	assert.Equal(t, int64(2), snap.HandlerFailures)
	assert.Equal(t, int64(1), snap.Published[shared.EventLevelUp])
}

func TestInMemoryEventBus_AsyncCloseWaits(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2})

	var calls int32
	require.NoError(t, bus.Subscribe(shared.EventXPGranted, func(shared.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))
	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(shared.NewXPGrantedEvent("u1", "s1", 1, "BONUS", "", i, 1)))
	}
	require.NoError(t, bus.Close())

	assert.Equal(t, int32(20), atomic.LoadInt32(&calls))
	assert.ErrorIs(t, bus.Publish(shared.NewLevelUpEvent("u1", "s1", 1, 2)), ErrEventBusClosed)
}

func TestInMemoryEventBus_RecoversPanics(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{EnableMetrics: true})
	require.NoError(t, bus.Subscribe(shared.EventLevelUp, func(shared.Event) error {
		panic("boom")
	}))

	assert.NotPanics(t, func() {
		_ = bus.Publish(shared.NewLevelUpEvent("u1", "s1", 1, 2))
	})
	assert.Equal(t, int64(1), bus.Metrics().Snapshot().HandlerFailures)
}
