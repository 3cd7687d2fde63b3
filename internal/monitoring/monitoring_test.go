package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/audit"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/config"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "mon.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCollector_Collect_CountsBacklogByStatus(t *testing.T) {
	st := newTestStore(t)
	auditLog := audit.New(st)

	require.NoError(t, st.CreateBooking(context.Background(), model.Booking{ID: "b1", ClientID: "c1", Status: model.StateBlocked}))
	require.NoError(t, st.CreateBooking(context.Background(), model.Booking{ID: "b2", ClientID: "c1", Status: model.StateNeedsReview}))
	require.NoError(t, st.CreateBooking(context.Background(), model.Booking{ID: "b3", ClientID: "c1", Status: model.StateApproved, ExportAttempts: 2}))

	c := NewCollector(st, auditLog)
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, snap.BlockedCount)
	require.Equal(t, 1, snap.NeedsReviewCount)
	require.Equal(t, 1, snap.ExportPending)
	require.True(t, snap.AuditChainOK)
}

func TestAlerter_Evaluate_BreachesThresholds(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{BlockedBacklogWarn: 2, NeedsReviewBacklogWarn: 5})
	alerts := a.Evaluate(Snapshot{BlockedCount: 3, NeedsReviewCount: 1}, time.Now())
	require.Len(t, alerts, 1)
	require.Equal(t, AlertBlockedBacklog, alerts[0].Type)
}

func TestChecker_Run_StopsOnCancel(t *testing.T) {
	st := newTestStore(t)
	auditLog := audit.New(st)
	collector := NewCollector(st, auditLog)
	alerter := NewAlerter(config.MonitoringConfig{})
	checker := NewChecker(collector, alerter, config.MonitoringConfig{CheckIntervalSecs: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_OnFatal_NotFiredForHealthyChain(t *testing.T) {
	// Full audit-chain-tampering-to-VerifyAll-failure path is covered by
	// internal/audit's own tests; this only proves check() leaves onFatal
	// uncalled when the audit chain verifies.
	st := newTestStore(t)
	auditLog := audit.New(st)
	collector := NewCollector(st, auditLog)
	alerter := NewAlerter(config.MonitoringConfig{})

	var fatalReason string
	checker := NewChecker(collector, alerter, config.MonitoringConfig{}, func(reason string) { fatalReason = reason })
	checker.check(context.Background(), zap.NewNop())
	require.Empty(t, fatalReason, "a healthy chain must never fire onFatal")
}
