package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/patrol/internal/executor"
	"github.com/Sh00ty/patrol/internal/models"
	"github.com/Sh00ty/patrol/internal/store/memory"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingSubmitter struct {
	mu     sync.Mutex
	checks []models.CheckID
	reject map[models.CheckID]bool
}

func (r *recordingSubmitter) Submit(ctx context.Context, check models.CheckDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject[check.ID] {
		return executor.ErrClosed
	}
	r.checks = append(r.checks, check.ID)
	return nil
}

func (r *recordingSubmitter) submitted() []models.CheckID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.CheckID(nil), r.checks...)
}

type failingSource struct {
	*memory.Store
}

func (failingSource) StampChecked(context.Context, []models.CheckID, time.Time) error {
	return errors.New("db down")
}

func seed(t *testing.T, s *memory.Store, intervals ...time.Duration) []models.CheckID {
	t.Helper()

	ids := make([]models.CheckID, 0, len(intervals))
	for i, interval := range intervals {
		id, err := s.CreateCheck(context.Background(), models.CheckDefinition{
			UserID:    1,
			Name:      string(rune('a' + i)),
			Type:      models.CheckTypeStatus,
			Interval:  interval,
			LastCheck: epoch,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestPollDueSubmitsAndStamps(t *testing.T) {
	ctx := context.Background()
	src := memory.New()
	ids := seed(t, src, time.Minute, time.Minute, time.Hour)

	now := epoch.Add(time.Minute)
	sub := &recordingSubmitter{}
	s := New(Config{}, src, sub, WithClock(func() time.Time { return now }))

	n, err := s.PollDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, ids[:2], sub.submitted())

	check, ok := src.Check(ids[0])
	require.True(t, ok)
	assert.Equal(t, now, check.LastCheck)

	// a second poll at the same instant finds nothing: stamping is what
	// keeps a check from being dispatched twice in one window
	n, err = s.PollDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, sub.submitted(), 2)
}

func TestPollDueLeavesUnacceptedChecksDue(t *testing.T) {
	ctx := context.Background()
	src := memory.New()
	ids := seed(t, src, 30*time.Second, 40*time.Second, 50*time.Second)

	now := epoch.Add(time.Minute)
	sub := &recordingSubmitter{reject: map[models.CheckID]bool{ids[1]: true}}
	s := New(Config{}, src, sub, WithClock(func() time.Time { return now }))

	n, err := s.PollDue(ctx)
	assert.ErrorIs(t, err, executor.ErrClosed)
	assert.Equal(t, 1, n)
	assert.Equal(t, []models.CheckID{ids[0]}, sub.submitted())

	accepted, ok := src.Check(ids[0])
	require.True(t, ok)
	assert.Equal(t, now, accepted.LastCheck)

	for _, id := range ids[1:] {
		left, ok := src.Check(id)
		require.True(t, ok)
		assert.Equal(t, epoch, left.LastCheck)
	}
}

type countingOrchestrator struct {
	mu   sync.Mutex
	seen map[models.CheckID]int
}

func (o *countingOrchestrator) Orchestrate(ctx context.Context, check models.CheckDefinition) {
	time.Sleep(time.Millisecond)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen[check.ID]++
}

func (o *countingOrchestrator) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.seen)
}

func TestPollDueBurstLargerThanExecutorBuffer(t *testing.T) {
	ctx := context.Background()
	src := memory.New()
	intervals := make([]time.Duration, 20)
	for i := range intervals {
		intervals[i] = time.Hour
	}
	seed(t, src, intervals...)

	orch := &countingOrchestrator{seen: make(map[models.CheckID]int)}
	exec := executor.New(executor.Config{Concurrency: 4, Buffer: 1}, orch)
	exec.Run(ctx)

	now := epoch.Add(time.Hour)
	s := New(Config{}, src, exec, WithClock(func() time.Time { return now }))

	n, err := s.PollDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(intervals), n)

	exec.Close()
	assert.Equal(t, len(intervals), orch.total())

	due, err := src.ListDueChecks(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestPollDueNothingDue(t *testing.T) {
	src := memory.New()
	seed(t, src, time.Hour)

	sub := &recordingSubmitter{}
	s := New(Config{}, src, sub, WithClock(func() time.Time { return epoch }))

	n, err := s.PollDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sub.submitted())
}

func TestPollDueReportsStampFailure(t *testing.T) {
	src := failingSource{Store: memory.New()}
	seed(t, src.Store, time.Minute)

	sub := &recordingSubmitter{}
	s := New(Config{}, src, sub, WithClock(func() time.Time { return epoch.Add(time.Minute) }))

	n, err := s.PollDue(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestRunStopsOnCancel(t *testing.T) {
	src := memory.New()
	seed(t, src, time.Minute)

	sub := &recordingSubmitter{}
	s := New(Config{PollInterval: 10 * time.Millisecond}, src, sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(sub.submitted()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
