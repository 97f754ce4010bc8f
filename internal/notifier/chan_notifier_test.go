package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/patrol/internal/models"
)

func TestNotifyQueuesEvents(t *testing.T) {
	n := NewNotifier(2)
	ctx := context.Background()

	require.NoError(t, n.NotifyStatusChange(ctx, models.StatusChange{CheckID: 1, NewStatus: "down"}))
	require.NoError(t, n.NotifyStatusChange(ctx, models.StatusChange{CheckID: 2, NewStatus: "up"}))

	first := <-n.GetEventChan()
	assert.Equal(t, models.CheckID(1), first.CheckID)
	second := <-n.GetEventChan()
	assert.Equal(t, "up", second.NewStatus)
}

func TestNotifyBlocksUntilContextDone(t *testing.T) {
	n := NewNotifier(1)
	require.NoError(t, n.NotifyStatusChange(context.Background(), models.StatusChange{CheckID: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := n.NotifyStatusChange(ctx, models.StatusChange{CheckID: 2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseReleasesBlockedNotify(t *testing.T) {
	n := NewNotifier(1)
	require.NoError(t, n.NotifyStatusChange(context.Background(), models.StatusChange{CheckID: 1}))

	done := make(chan error, 1)
	go func() {
		done <- n.NotifyStatusChange(context.Background(), models.StatusChange{CheckID: 2})
	}()
	time.Sleep(10 * time.Millisecond)
	n.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked notify was not released")
	}

	assert.ErrorIs(t, n.NotifyStatusChange(context.Background(), models.StatusChange{}), ErrClosed)
	n.Close()

	// buffered events stay readable after close
	event, ok := <-n.GetEventChan()
	assert.True(t, ok)
	assert.Equal(t, models.CheckID(1), event.CheckID)
	_, ok = <-n.GetEventChan()
	assert.False(t, ok)
}
