package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/patrol/internal/models"
	"github.com/Sh00ty/patrol/internal/store"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func pingCheck(name string, interval time.Duration, last time.Time) models.CheckDefinition {
	return models.CheckDefinition{
		UserID:    1,
		Name:      name,
		Type:      models.CheckTypePing,
		Params:    models.CheckParams{IPPort: &models.IPPortParams{IP: "10.0.0.1"}},
		Interval:  interval,
		LastCheck: last,
	}
}

func TestCreateCheckAssignsIDs(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, err := s.CreateCheck(ctx, pingCheck("a", time.Minute, epoch))
	require.NoError(t, err)
	second, err := s.CreateCheck(ctx, pingCheck("b", time.Minute, epoch))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	_, err = s.CreateCheck(ctx, pingCheck("a", time.Minute, epoch))
	assert.ErrorIs(t, err, store.ErrDuplicateCheck)

	invalid := pingCheck("c", time.Minute, epoch)
	invalid.Params = models.CheckParams{}
	_, err = s.CreateCheck(ctx, invalid)
	assert.Error(t, err)
}

func TestListDueChecksOrdersByNextDue(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.CreateCheck(ctx, pingCheck("late", time.Minute, epoch))
	require.NoError(t, err)
	_, err = s.CreateCheck(ctx, pingCheck("early", 10*time.Second, epoch))
	require.NoError(t, err)
	_, err = s.CreateCheck(ctx, pingCheck("future", time.Hour, epoch))
	require.NoError(t, err)

	due, err := s.ListDueChecks(ctx, epoch.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].Name)
	assert.Equal(t, "late", due[1].Name)

	// listing does not consume entries
	again, err := s.ListDueChecks(ctx, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestStampCheckedPushesNextDue(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.CreateCheck(ctx, pingCheck("a", time.Minute, epoch))
	require.NoError(t, err)

	now := epoch.Add(time.Minute)
	require.NoError(t, s.StampChecked(ctx, []models.CheckID{id, 999}, now))

	due, err := s.ListDueChecks(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ListDueChecks(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, now, due[0].LastCheck)
}

func TestStatusUpdates(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.CreateCheck(ctx, pingCheck("a", time.Minute, epoch))
	require.NoError(t, err)

	state, err := s.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.False(t, state.Known())

	require.NoError(t, s.SetErrorFlag(ctx, id, true))
	require.NoError(t, s.SetStatus(ctx, id, "up", false, epoch))

	state, err = s.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.CheckState{Status: "up"}, state)
	assert.True(t, state.Known())

	check, ok := s.Check(id)
	require.True(t, ok)
	assert.Equal(t, epoch, check.StatusChangedAt)

	_, err = s.GetStatus(ctx, 42)
	assert.ErrorIs(t, err, store.ErrCheckNotFound)
	assert.ErrorIs(t, s.SetStatus(ctx, 42, "up", false, epoch), store.ErrCheckNotFound)
	assert.ErrorIs(t, s.SetErrorFlag(ctx, 42, true), store.ErrCheckNotFound)
}

func TestAlertContacts(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.GetAlertContact(ctx, 7)
	assert.ErrorIs(t, err, store.ErrContactNotFound)

	require.NoError(t, s.SetAlertContact(ctx, models.AlertContact{UserID: 7, Email: "ops@example.com"}))
	contact, err := s.GetAlertContact(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", contact.Email)
}

func TestCreateCheckRejectsTakenID(t *testing.T) {
	ctx := context.Background()
	s := New()

	check := pingCheck("a", time.Minute, epoch)
	check.ID = 5
	_, err := s.CreateCheck(ctx, check)
	require.NoError(t, err)

	check.Name = "b"
	_, err = s.CreateCheck(ctx, check)
	assert.ErrorIs(t, err, store.ErrCheckIDTaken)

	next, err := s.CreateCheck(ctx, pingCheck("c", time.Minute, epoch))
	require.NoError(t, err)
	assert.Greater(t, next, models.CheckID(5))
}
