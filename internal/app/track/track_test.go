package track_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castkit/castkit/internal/app/track"
	"github.com/castkit/castkit/internal/cost"
	"github.com/castkit/castkit/internal/ledger/memory"
	"github.com/castkit/castkit/internal/model"
)

func newService(t *testing.T, cfg track.ServiceConfig) *track.Service {
	t.Helper()

	if cfg.Ledger == nil {
		l, err := memory.NewLedger(memory.LedgerConfig{})
		require.NoError(t, err)
		cfg.Ledger = l
	}

	svc, err := track.NewService(cfg)
	require.NoError(t, err)
	return svc
}

func newTestReconciler(t *testing.T) *cost.Reconciler {
	t.Helper()

	conv, err := cost.NewConverter(cost.ConverterConfig{
		Static: map[string]float64{"PTS": 100},
	})
	require.NoError(t, err)

	r, err := cost.NewReconciler(cost.ReconcilerConfig{
		Rates:       cost.RateTable{"gpu": 0.5},
		DefaultRate: 0.1,
		Converter:   conv,
	})
	require.NoError(t, err)

	return r
}

func TestServiceOperationLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc := newService(t, track.ServiceConfig{Reconciler: newTestReconciler(t)})

	h, err := svc.RegisterOperation("op1")
	require.NoError(t, err)

	// Progress creates the pending mirror.
	svc.Ingest(ctx, model.Event{OperationID: "op1", Status: model.StatusProgressing, Progress: 0.4})

	rec, err := svc.Ledger().Get(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProgressing, rec.Status)
	assert.Equal(t, 0.4, rec.Progress)
	assert.Equal(t, model.KindTool, rec.Kind)

	// Terminal resolves the handle, attaches the quote and untracks.
	svc.Ingest(ctx, model.Event{
		OperationID:   "op1",
		Status:        model.StatusCompleted,
		Outputs:       map[string]any{"image": "u.png"},
		DurationMs:    2000,
		ResourceClass: "gpu",
	})

	res, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Event.Status)
	require.NotNil(t, res.Quote)
	assert.Equal(t, float64(1), res.Quote.CostBase) // 2s * 0.5/s
	assert.True(t, res.Quote.Estimated)
	assert.Equal(t, float64(100), res.Quote.Denominations["PTS"])

	_, err = svc.Ledger().Get(ctx, "op1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	pending, err := svc.HasPending(ctx)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestServiceCastRouting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc := newService(t, track.ServiceConfig{})

	opHandle, err := svc.RegisterOperation("step1")
	require.NoError(t, err)

	observed := 0
	castHandle, err := svc.RegisterCast("cast1", 2, func(completed, total int, payload model.Event) {
		observed++
	})
	require.NoError(t, err)

	// An event carrying a cast id routes only to the correlator, never to
	// the registry, even when it also names an operation id.
	svc.Ingest(ctx, model.Event{OperationID: "step1", CastID: "cast1", Status: model.StatusCompleted})
	svc.Ingest(ctx, model.Event{OperationID: "step2", CastID: "cast1", Status: model.StatusCompleted})

	res, err := castHandle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Event.Status)
	assert.Equal(t, 2, observed)

	// The single-operation handle for step1 must not have been resolved.
	waitCtx, waitCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer waitCancel()
	_, err = opHandle.Wait(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServiceCastStepLedgerSync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc := newService(t, track.ServiceConfig{OwnerContext: "win1"})

	_, err := svc.RegisterCast("cast1", 2, nil)
	require.NoError(t, err)

	svc.Ingest(ctx, model.Event{OperationID: "step1", CastID: "cast1", Status: model.StatusProgressing, Progress: 0.1})

	rec, err := svc.Ledger().Get(ctx, "step1")
	require.NoError(t, err)
	assert.Equal(t, model.KindSpell, rec.Kind)
	assert.Equal(t, "cast1", rec.CastID)
	assert.Equal(t, "win1", rec.OwnerContext)

	svc.Ingest(ctx, model.Event{OperationID: "step1", CastID: "cast1", Status: model.StatusCompleted})

	_, err = svc.Ledger().Get(ctx, "step1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestServiceUnknownTerminalIsNoop(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, track.ServiceConfig{})

	// Never registered, never tracked: silently ignored.
	svc.Ingest(ctx, model.Event{OperationID: "ghost", Status: model.StatusCompleted})
	svc.Ingest(ctx, model.Event{CastID: "ghost-cast", Status: model.StatusFailed})
	svc.Ingest(ctx, model.Event{Status: model.StatusCompleted})

	pending, err := svc.HasPending(ctx)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestServiceTrackPendingExplicit(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, track.ServiceConfig{OwnerContext: "win1"})

	err := svc.TrackPending(ctx, "op2", "", map[string]string{"tool": "txt2img"})
	require.NoError(t, err)

	rec, err := svc.Ledger().Get(ctx, "op2")
	require.NoError(t, err)
	assert.Equal(t, "win1", rec.OwnerContext)
	assert.Equal(t, map[string]string{"tool": "txt2img"}, rec.Metadata)

	// Progress keeps the explicit owner and metadata.
	svc.Ingest(ctx, model.Event{OperationID: "op2", Status: model.StatusProgressing, Progress: 0.7})

	rec, err = svc.Ledger().Get(ctx, "op2")
	require.NoError(t, err)
	assert.Equal(t, "win1", rec.OwnerContext)
	assert.Equal(t, map[string]string{"tool": "txt2img"}, rec.Metadata)
	assert.Equal(t, 0.7, rec.Progress)

	require.NoError(t, svc.UntrackPending(ctx, "op2"))

	_, err = svc.Ledger().Get(ctx, "op2")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// brokenLedger fails every call, to exercise the in-memory degradation.
type brokenLedger struct{}

func (brokenLedger) Track(ctx context.Context, record model.PendingRecord) error {
	return fmt.Errorf("disk full")
}
func (brokenLedger) Untrack(ctx context.Context, operationID string) error {
	return fmt.Errorf("disk full")
}
func (brokenLedger) Get(ctx context.Context, operationID string) (*model.PendingRecord, error) {
	return nil, fmt.Errorf("disk full")
}
func (brokenLedger) List(ctx context.Context) ([]model.PendingRecord, error) {
	return nil, fmt.Errorf("disk full")
}
func (brokenLedger) ListByOwner(ctx context.Context, ownerContext string) ([]model.PendingRecord, error) {
	return nil, fmt.Errorf("disk full")
}
func (brokenLedger) Owners(ctx context.Context) ([]string, error) {
	return nil, fmt.Errorf("disk full")
}

func TestServiceDegradesToMemoryOnPersistenceFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc := newService(t, track.ServiceConfig{Ledger: brokenLedger{}})

	// The failed write degrades to memory and still lands there.
	err := svc.TrackPending(ctx, "op1", "win1", nil)
	require.NoError(t, err)

	rec, err := svc.Ledger().Get(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(t, "win1", rec.OwnerContext)

	// Live tracking keeps working through the fallback.
	h, err := svc.RegisterOperation("op1")
	require.NoError(t, err)

	svc.Ingest(ctx, model.Event{OperationID: "op1", Status: model.StatusCompleted})

	_, err = h.Wait(ctx)
	require.NoError(t, err)

	_, err = svc.Ledger().Get(ctx, "op1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestServiceLastOwnerEventAt(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, track.ServiceConfig{OwnerContext: "win1"})

	assert.True(t, svc.LastOwnerEventAt("win1").IsZero())
	assert.True(t, svc.LastOwnerEventAt("win2").IsZero())

	// An event for a tracked record is attributed to the record's owner
	// context, not to the service default.
	require.NoError(t, svc.TrackPending(ctx, "op2", "win2", nil))
	svc.Ingest(ctx, model.Event{OperationID: "op2", Status: model.StatusProgressing})

	assert.False(t, svc.LastOwnerEventAt("win2").IsZero())
	assert.True(t, svc.LastOwnerEventAt("win1").IsZero())

	// An event for an untracked id falls back to the service owner context.
	svc.Ingest(ctx, model.Event{OperationID: "op9", Status: model.StatusProgressing})
	assert.False(t, svc.LastOwnerEventAt("win1").IsZero())
}
