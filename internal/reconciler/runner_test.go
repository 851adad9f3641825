package reconciler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robotfleet/internal/engine"
)

type mockReconciler struct {
	passes atomic.Int32
	sweeps atomic.Int32
	block  chan struct{}
	err    error
	// cancelled records whether a pass observed a cancelled context.
	cancelled atomic.Bool
}

func (m *mockReconciler) Reconcile(ctx context.Context) (engine.ReconcileSummary, error) {
	n := m.passes.Add(1)
	if m.block != nil {
		<-m.block
	}
	if ctx.Err() != nil {
		m.cancelled.Store(true)
	}
	return engine.ReconcileSummary{RunID: "run", RobotsRecovered: int(n)}, m.err
}

func (m *mockReconciler) SweepExpiredLicences(ctx context.Context) (engine.ReconcileSummary, error) {
	m.sweeps.Add(1)
	return engine.ReconcileSummary{LicencesUpdated: 1}, m.err
}

func TestRunner_RunOnceRecordsSummary(t *testing.T) {
	rec := &mockReconciler{}
	r := New(rec, 0, nil)

	r.runOnce(context.Background())

	s, runs, err := r.Last()
	require.NoError(t, err)
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, s.RobotsRecovered)
}

func TestRunner_RunOnceKeepsError(t *testing.T) {
	rec := &mockReconciler{err: errors.New("store down")}
	r := New(rec, 0, nil)

	r.runOnce(context.Background())

	_, runs, err := r.Last()
	assert.EqualError(t, err, "store down")
	assert.Equal(t, 1, runs)
}

func TestRunner_Start_RunsPeriodically(t *testing.T) {
	rec := &mockReconciler{}
	r := New(rec, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	assert.Eventually(t, func() bool {
		return rec.passes.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestRunner_TriggersCoalesce(t *testing.T) {
	rec := &mockReconciler{block: make(chan struct{})}
	r := New(rec, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	r.Trigger()
	require.Eventually(t, func() bool { return rec.passes.Load() == 1 }, time.Second, time.Millisecond)
	// The first pass is blocked; these collapse into one follow-up pass.
	r.Trigger()
	r.Trigger()
	r.Trigger()
	close(rec.block)

	require.Eventually(t, func() bool {
		_, runs, _ := r.Last()
		return runs == 2
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), rec.passes.Load())
}

func TestRunner_Start_StopsOnContextCancel(t *testing.T) {
	r := New(&mockReconciler{}, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_Startup(t *testing.T) {
	rec := &mockReconciler{}
	r := New(rec, 0, nil)
	require.NoError(t, r.Startup(context.Background()))
	assert.Equal(t, int32(1), rec.sweeps.Load())
	assert.Zero(t, rec.passes.Load())

	rec.err = errors.New("boom")
	assert.Error(t, r.Startup(context.Background()))
}

func TestRunner_PassInFlightSurvivesCancel(t *testing.T) {
	rec := &mockReconciler{block: make(chan struct{})}
	r := New(rec, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	r.Trigger()
	require.Eventually(t, func() bool { return rec.passes.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
		t.Fatal("runner returned while a pass was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(rec.block)
	<-done

	_, runs, err := r.Last()
	require.NoError(t, err)
	assert.Equal(t, 1, runs)
	assert.False(t, rec.cancelled.Load())
}

func TestRunner_PendingTriggerRunsAtShutdown(t *testing.T) {
	for i := 0; i < 50; i++ {
		rec := &mockReconciler{}
		r := New(rec, 0, nil)
		ctx, cancel := context.WithCancel(context.Background())
		r.Trigger()
		cancel()

		r.Start(ctx)

		require.Equal(t, int32(1), rec.passes.Load(), "round %d", i)
		assert.False(t, rec.cancelled.Load())
	}
}
