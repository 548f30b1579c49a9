package poller_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castkit/castkit/internal/app/track"
	"github.com/castkit/castkit/internal/ledger/memory"
	"github.com/castkit/castkit/internal/model"
	"github.com/castkit/castkit/internal/poller"
)

// staticConnection reports a fixed link state.
type staticConnection struct{ connected bool }

func (c staticConnection) Connected() bool { return c.connected }

// fakeStatus serves canned status events per owner context.
type fakeStatus struct {
	mu           sync.Mutex
	events       map[string][]model.Event
	err          error
	calls        int
	callsByOwner map[string]int
}

func (f *fakeStatus) OperationStatus(ctx context.Context, operationID string) (*model.Event, error) {
	return nil, fmt.Errorf("not used")
}

func (f *fakeStatus) OwnerStatus(ctx context.Context, ownerContext string) ([]model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.callsByOwner == nil {
		f.callsByOwner = map[string]int{}
	}
	f.callsByOwner[ownerContext]++
	if f.err != nil {
		return nil, f.err
	}
	return f.events[ownerContext], nil
}

func (f *fakeStatus) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeStatus) ownerCallCount(ownerContext string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callsByOwner[ownerContext]
}

func newTracker(t *testing.T) *track.Service {
	t.Helper()

	l, err := memory.NewLedger(memory.LedgerConfig{})
	require.NoError(t, err)

	svc, err := track.NewService(track.ServiceConfig{Ledger: l})
	require.NoError(t, err)

	return svc
}

func TestSchedulerRecoversSilentlyDroppedTerminal(t *testing.T) {
	// Scenario: op2 is tracked for context win1 but no push event ever
	// arrives; the poll's status query reports completed, op2 resolves
	// through the live-event code path and is untracked.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tracker := newTracker(t)
	require.NoError(t, tracker.TrackPending(ctx, "op2", "win1", nil))

	h, err := tracker.RegisterOperation("op2")
	require.NoError(t, err)

	st := &fakeStatus{events: map[string][]model.Event{
		"win1": {{OperationID: "op2", Status: model.StatusCompleted, Outputs: map[string]any{"image": "u.png"}}},
	}}

	s, err := poller.NewScheduler(poller.SchedulerConfig{
		Interval:   10 * time.Millisecond,
		Grace:      time.Nanosecond,
		Ledger:     tracker.Ledger(),
		Status:     st,
		Tracker:    tracker,
		Connection: staticConnection{connected: true},
	})
	require.NoError(t, err)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() { _ = s.Run(runCtx) }()

	res, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Event.Status)

	require.Eventually(t, func() bool {
		pending, err := tracker.HasPending(ctx)
		return err == nil && !pending
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerDisarmedWithoutPendingWork(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tracker := newTracker(t)
	st := &fakeStatus{}

	s, err := poller.NewScheduler(poller.SchedulerConfig{
		Interval:   10 * time.Millisecond,
		Grace:      time.Nanosecond,
		Ledger:     tracker.Ledger(),
		Status:     st,
		Tracker:    tracker,
		Connection: staticConnection{connected: false},
	})
	require.NoError(t, err)

	runCtx, runCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer runCancel()
	_ = s.Run(runCtx)

	// No pending records anywhere: no fetch should have been issued.
	assert.Equal(t, 0, st.callCount())
}

func TestSchedulerNotArmedWhileChannelHealthyAndFresh(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tracker := newTracker(t)
	require.NoError(t, tracker.TrackPending(ctx, "op1", "win1", nil))

	// An event just arrived: the channel is alive, no silent drop.
	tracker.Ingest(ctx, model.Event{OperationID: "op1", Status: model.StatusProgressing})

	st := &fakeStatus{}
	s, err := poller.NewScheduler(poller.SchedulerConfig{
		Interval:   10 * time.Millisecond,
		Grace:      time.Hour,
		Ledger:     tracker.Ledger(),
		Status:     st,
		Tracker:    tracker,
		Connection: staticConnection{connected: true},
	})
	require.NoError(t, err)

	runCtx, runCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer runCancel()
	_ = s.Run(runCtx)

	assert.Equal(t, 0, st.callCount())
}

func TestSchedulerArmsOnDisconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tracker := newTracker(t)
	require.NoError(t, tracker.TrackPending(ctx, "op1", "win1", nil))
	tracker.Ingest(ctx, model.Event{OperationID: "op1", Status: model.StatusProgressing})

	st := &fakeStatus{}
	s, err := poller.NewScheduler(poller.SchedulerConfig{
		Interval: 10 * time.Millisecond,
		Grace:    time.Hour,
		Ledger:   tracker.Ledger(),
		Status:   st,
		Tracker:  tracker,
		// Disconnected overrides the fresh grace window.
		Connection: staticConnection{connected: false},
	})
	require.NoError(t, err)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() { _ = s.Run(runCtx) }()

	require.Eventually(t, func() bool { return st.callCount() > 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerPollsQuietContextDespiteBusySibling(t *testing.T) {
	// A busy context keeps receiving live events while another context's
	// only terminal is silently dropped: arming is keyed on each context's
	// own clock, so the quiet context gets polled and the busy one does not.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tracker := newTracker(t)
	require.NoError(t, tracker.TrackPending(ctx, "busy-op", "busy", nil))
	require.NoError(t, tracker.TrackPending(ctx, "quiet-op", "quiet", nil))

	h, err := tracker.RegisterOperation("quiet-op")
	require.NoError(t, err)

	st := &fakeStatus{events: map[string][]model.Event{
		"quiet": {{OperationID: "quiet-op", Status: model.StatusCompleted}},
	}}

	s, err := poller.NewScheduler(poller.SchedulerConfig{
		Interval:   10 * time.Millisecond,
		Grace:      75 * time.Millisecond,
		Ledger:     tracker.Ledger(),
		Status:     st,
		Tracker:    tracker,
		Connection: staticConnection{connected: true},
	})
	require.NoError(t, err)

	// Keep the busy context fresh for the whole test.
	feedCtx, feedCancel := context.WithCancel(ctx)
	defer feedCancel()
	go func() {
		for {
			select {
			case <-feedCtx.Done():
				return
			case <-time.After(5 * time.Millisecond):
				tracker.Ingest(feedCtx, model.Event{OperationID: "busy-op", Status: model.StatusProgressing})
			}
		}
	}()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() { _ = s.Run(runCtx) }()

	res, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Event.Status)

	assert.Greater(t, st.ownerCallCount("quiet"), 0)
	assert.Equal(t, 0, st.ownerCallCount("busy"))
}

func TestSchedulerToleratesFetchFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tracker := newTracker(t)
	require.NoError(t, tracker.TrackPending(ctx, "op1", "win1", nil))

	st := &fakeStatus{err: fmt.Errorf("status backend down")}
	s, err := poller.NewScheduler(poller.SchedulerConfig{
		Interval:   10 * time.Millisecond,
		Grace:      time.Nanosecond,
		Ledger:     tracker.Ledger(),
		Status:     st,
		Tracker:    tracker,
		Connection: staticConnection{connected: false},
	})
	require.NoError(t, err)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() { _ = s.Run(runCtx) }()

	// Fetch keeps failing: state untouched, fetch retried on later ticks.
	require.Eventually(t, func() bool { return st.callCount() >= 3 }, 2*time.Second, 10*time.Millisecond)

	rec, err := tracker.Ledger().Get(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(t, "win1", rec.OwnerContext)
}
