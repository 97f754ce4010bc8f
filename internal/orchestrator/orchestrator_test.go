package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/patrol/internal/models"
)

var errStoreDown = errors.New("store is down")

func TestReduce(t *testing.T) {
	tests := []struct {
		outcomes [3]string
		want     string
	}{
		{[3]string{"ok", "ok", "ok"}, "ok"},
		{[3]string{"ok", "ok", "down"}, "ok"},
		{[3]string{"ok", "down", "ok"}, "ok"},
		{[3]string{"ok", "down", "down"}, "down"},
		{[3]string{"ok", "down", "error"}, "error"},
		{[3]string{"error", "error", "ok"}, "error"},
		{[3]string{"down", "error", "error"}, "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Reduce(tt.outcomes), "outcomes %v", tt.outcomes)
	}
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name      string
		state     models.CheckState
		consensus string
		want      Action
	}{
		{"error while flagged", models.CheckState{Status: "ok", ErrorState: true}, "error", ActionNone},
		{"first error", models.CheckState{Status: "ok"}, "error", ActionFlagError},
		{"same status after error", models.CheckState{Status: "ok", ErrorState: true}, "ok", ActionClearError},
		{"same status", models.CheckState{Status: "ok"}, "ok", ActionNone},
		{"changed status", models.CheckState{Status: "ok"}, "down", ActionChangeStatus},
		{"changed status after error", models.CheckState{Status: "ok", ErrorState: true}, "down", ActionChangeStatus},
		{"first status", models.CheckState{}, "ok", ActionChangeStatus},
		{"first error without status", models.CheckState{}, "error", ActionFlagError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transition(tt.state, tt.consensus))
		})
	}
}

func TestBuildPayload(t *testing.T) {
	port := uint16(27015)
	tests := []struct {
		name    string
		check   models.CheckDefinition
		want    any
		wantErr bool
	}{
		{
			name:  "status",
			check: models.CheckDefinition{Type: models.CheckTypeStatus},
			want:  statusPayload{},
		},
		{
			name: "steam server",
			check: models.CheckDefinition{
				Type:   models.CheckTypeSteamServer,
				Params: models.CheckParams{IPPort: &models.IPPortParams{IP: "1.2.3.4", Port: &port}},
			},
			want: models.IPPortParams{IP: "1.2.3.4", Port: &port},
		},
		{
			name: "http response",
			check: models.CheckDefinition{
				Type:   models.CheckTypeHTTPResponse,
				Params: models.CheckParams{HTTP: &models.HTTPParams{Hostname: "example.com", Redirects: 3, CheckString: "Welcome"}},
			},
			want: models.HTTPParams{Hostname: "example.com", Redirects: 3, CheckString: "Welcome"},
		},
		{
			name: "cert",
			check: models.CheckDefinition{
				Type:   models.CheckTypeCert,
				Params: models.CheckParams{Cert: &models.CertParams{Hostname: "example.com", Buffer: 14}},
			},
			want: models.CertParams{Hostname: "example.com", Buffer: 14},
		},
		{name: "ping without params", check: models.CheckDefinition{Type: models.CheckTypePing}, wantErr: true},
		{name: "cert without params", check: models.CheckDefinition{Type: models.CheckTypeCert}, wantErr: true},
		{name: "unknown type", check: models.CheckDefinition{Type: 42}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildPayload(tt.check)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeQuorum struct {
	endpoints []string
	err       error
	requested []models.Capability
}

func (q *fakeQuorum) RequestQuorum(ctx context.Context, capability models.Capability) ([]string, error) {
	q.requested = append(q.requested, capability)
	return q.endpoints, q.err
}

type fakeWorkers struct {
	mu       sync.Mutex
	outcomes map[string]string
	delays   map[string]time.Duration
	calls    []string
}

func (w *fakeWorkers) Check(ctx context.Context, endpoint string, path string, payload any) string {
	if d := w.delays[endpoint]; d > 0 {
		time.Sleep(d)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, endpoint+path)
	return w.outcomes[endpoint]
}

type fakeStore struct {
	state      models.CheckState
	changedAt  time.Time
	writes     int
	getErr     error
	setErr     error
	flagWrites []bool
}

func (s *fakeStore) GetStatus(ctx context.Context, id models.CheckID) (models.CheckState, error) {
	return s.state, s.getErr
}

func (s *fakeStore) SetStatus(ctx context.Context, id models.CheckID, status string, errorState bool, changedAt time.Time) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.writes++
	s.state = models.CheckState{Status: status, ErrorState: errorState}
	s.changedAt = changedAt
	return nil
}

func (s *fakeStore) SetErrorFlag(ctx context.Context, id models.CheckID, errorState bool) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.writes++
	s.flagWrites = append(s.flagWrites, errorState)
	s.state.ErrorState = errorState
	return nil
}

type fakeNotifier struct {
	changes []models.StatusChange
	err     error
}

func (n *fakeNotifier) NotifyStatusChange(ctx context.Context, change models.StatusChange) error {
	if n.err != nil {
		return n.err
	}
	n.changes = append(n.changes, change)
	return nil
}

var testEndpoints = []string{"http://w1:1", "http://w2:1", "http://w3:1"}

type harness struct {
	quorum   *fakeQuorum
	workers  *fakeWorkers
	store    *fakeStore
	notifier *fakeNotifier
	orch     *Orchestrator
	now      time.Time
}

func newHarness(state models.CheckState) *harness {
	h := &harness{
		quorum:   &fakeQuorum{endpoints: testEndpoints},
		workers:  &fakeWorkers{outcomes: map[string]string{}},
		store:    &fakeStore{state: state},
		notifier: &fakeNotifier{},
		now:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h.orch = New(h.quorum, h.workers, h.store, h.notifier, WithClock(func() time.Time { return h.now }))
	return h
}

func (h *harness) answer(r0, r1, r2 string) {
	h.workers.outcomes = map[string]string{
		testEndpoints[0]: r0,
		testEndpoints[1]: r1,
		testEndpoints[2]: r2,
	}
}

var pingCheck = models.CheckDefinition{
	ID:     7,
	UserID: 3,
	Name:   "edge router",
	Type:   models.CheckTypePing,
	Params: models.CheckParams{IPPort: &models.IPPortParams{IP: "10.1.1.1"}},
}

func TestRunFirstErrorOnlyRaisesFlag(t *testing.T) {
	h := newHarness(models.CheckState{Status: "ok"})
	h.answer("ok", "down", models.OutcomeError)

	action, err := h.orch.Run(context.Background(), pingCheck)
	require.NoError(t, err)
	assert.Equal(t, ActionFlagError, action)
	assert.Equal(t, models.CheckState{Status: "ok", ErrorState: true}, h.store.state)
	assert.Empty(t, h.notifier.changes)
}

func TestRunSilentRecoveryAfterError(t *testing.T) {
	h := newHarness(models.CheckState{Status: "ok"})

	h.answer(models.OutcomeError, models.OutcomeError, "ok")
	action, err := h.orch.Run(context.Background(), pingCheck)
	require.NoError(t, err)
	assert.Equal(t, ActionFlagError, action)

	h.answer("ok", "ok", "down")
	action, err = h.orch.Run(context.Background(), pingCheck)
	require.NoError(t, err)
	assert.Equal(t, ActionClearError, action)
	assert.Equal(t, models.CheckState{Status: "ok", ErrorState: false}, h.store.state)
	assert.Empty(t, h.notifier.changes)
}

func TestRunStatusChangeNotifiesOnce(t *testing.T) {
	h := newHarness(models.CheckState{Status: "ok"})
	h.answer("down", "down", "ok")

	action, err := h.orch.Run(context.Background(), pingCheck)
	require.NoError(t, err)
	assert.Equal(t, ActionChangeStatus, action)
	assert.Equal(t, models.CheckState{Status: "down", ErrorState: false}, h.store.state)
	assert.Equal(t, h.now, h.store.changedAt)
	require.Len(t, h.notifier.changes, 1)
	assert.Equal(t, models.StatusChange{
		CheckID:   7,
		UserID:    3,
		CheckName: "edge router",
		CheckType: models.CheckTypePing,
		OldStatus: "ok",
		NewStatus: "down",
		ChangedAt: h.now,
	}, h.notifier.changes[0])
}

func TestRunRepeatedErrorWritesOnce(t *testing.T) {
	h := newHarness(models.CheckState{Status: "ok"})
	h.answer("a", "b", "c")

	action, err := h.orch.Run(context.Background(), pingCheck)
	require.NoError(t, err)
	assert.Equal(t, ActionFlagError, action)

	action, err = h.orch.Run(context.Background(), pingCheck)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)

	assert.Equal(t, 1, h.store.writes)
	assert.Equal(t, []bool{true}, h.store.flagWrites)
}

func TestRunQuorumUnavailableLeavesStateUntouched(t *testing.T) {
	h := newHarness(models.CheckState{Status: "ok"})
	h.quorum.err = errors.New("no quorum")

	action, err := h.orch.Run(context.Background(), pingCheck)
	assert.ErrorIs(t, err, ErrQuorumUnavailable)
	assert.Equal(t, ActionNone, action)
	assert.Zero(t, h.store.writes)
	assert.Empty(t, h.workers.calls)

	h.quorum.err = nil
	h.quorum.endpoints = testEndpoints[:2]
	_, err = h.orch.Run(context.Background(), pingCheck)
	assert.ErrorIs(t, err, ErrQuorumUnavailable)
	assert.Empty(t, h.workers.calls)
}

func TestRunRequestsCapabilityByType(t *testing.T) {
	h := newHarness(models.CheckState{Status: "ok"})
	h.answer("ok", "ok", "ok")

	ping6 := pingCheck
	ping6.Type = models.CheckTypePing6
	_, err := h.orch.Run(context.Background(), ping6)
	require.NoError(t, err)
	_, err = h.orch.Run(context.Background(), pingCheck)
	require.NoError(t, err)

	assert.Equal(t, []models.Capability{models.CapabilityIPv6, models.CapabilityIPv4}, h.quorum.requested)
	assert.Contains(t, h.workers.calls, "http://w1:1/ping6")
	assert.Contains(t, h.workers.calls, "http://w1:1/ping")
}

func TestRunWaitsForEverySlot(t *testing.T) {
	h := newHarness(models.CheckState{Status: "ok"})
	h.answer("down", "down", "down")
	h.workers.delays = map[string]time.Duration{testEndpoints[2]: 50 * time.Millisecond}

	_, err := h.orch.Run(context.Background(), pingCheck)
	require.NoError(t, err)
	assert.Len(t, h.workers.calls, 3)
}

func TestRunStoreFailuresAbandonCycle(t *testing.T) {
	h := newHarness(models.CheckState{Status: "ok"})
	h.answer("down", "down", "down")
	h.store.setErr = errStoreDown

	_, err := h.orch.Run(context.Background(), pingCheck)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, models.CheckState{Status: "ok"}, h.store.state)
	assert.Empty(t, h.notifier.changes, "no notification without a persisted status")

	h.store.setErr = nil
	h.store.getErr = errStoreDown
	_, err = h.orch.Run(context.Background(), pingCheck)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Zero(t, h.store.writes)
}

func TestRunMissingParamsAbandonsBeforeDispatch(t *testing.T) {
	h := newHarness(models.CheckState{Status: "ok"})
	check := pingCheck
	check.Params = models.CheckParams{}

	_, err := h.orch.Run(context.Background(), check)
	assert.ErrorIs(t, err, ErrMissingParams)
	assert.Empty(t, h.workers.calls)
}

func TestOrchestrateSwallowsErrors(t *testing.T) {
	h := newHarness(models.CheckState{Status: "ok"})
	h.answer("down", "down", "down")
	h.notifier.err = errors.New("sink closed")

	assert.NotPanics(t, func() {
		h.orch.Orchestrate(context.Background(), pingCheck)
	})
	assert.Equal(t, "down", h.store.state.Status)
}
