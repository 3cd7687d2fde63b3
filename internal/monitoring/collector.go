// Package monitoring runs a background integrity/backlog checker: it
// periodically verifies the audit hash chain and counts bookings stuck in
// BLOCKED or NEEDS_REVIEW, alerting over a webhook when either backlog
// crosses its configured threshold. A broken audit chain is escalated
// through Checker.Run's fatal callback rather than an alert, per the
// specification's AuditIntegrityError contract: the process must refuse
// further writes and exit non-zero, not merely notify.
package monitoring

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/audit"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
)

// Snapshot is one point-in-time read of the health signals the checker
// evaluates against thresholds.
type Snapshot struct {
	BlockedCount     int
	NeedsReviewCount int
	ExportPending    int
	DLQDepth         int
	AuditChainOK     bool
	AuditErr         error
}

// Collector gathers a Snapshot from the store and audit log.
type Collector struct {
	st    store.Store
	audit *audit.Log
}

// NewCollector builds a Collector.
func NewCollector(st store.Store, auditLog *audit.Log) *Collector {
	return &Collector{st: st, audit: auditLog}
}

// Collect gathers the current backlog counts and verifies the audit chain.
func (c *Collector) Collect(ctx context.Context) (Snapshot, error) {
	blocked, err := c.st.ListBookings(ctx, store.BookingFilter{Status: model.StateBlocked, Limit: 1000})
	if err != nil {
		return Snapshot{}, eris.Wrap(err, "monitoring: list blocked bookings")
	}
	needsReview, err := c.st.ListBookings(ctx, store.BookingFilter{Status: model.StateNeedsReview, Limit: 1000})
	if err != nil {
		return Snapshot{}, eris.Wrap(err, "monitoring: list needs_review bookings")
	}
	approved, err := c.st.ListBookings(ctx, store.BookingFilter{Status: model.StateApproved, Limit: 1000})
	if err != nil {
		return Snapshot{}, eris.Wrap(err, "monitoring: list approved bookings")
	}

	pending := 0
	for _, b := range approved {
		if b.ExportAttempts > 0 {
			pending++
		}
	}

	dlqDepth, err := c.st.CountDLQ(ctx)
	if err != nil {
		return Snapshot{}, eris.Wrap(err, "monitoring: count dlq")
	}

	snap := Snapshot{
		BlockedCount:     len(blocked),
		NeedsReviewCount: len(needsReview),
		ExportPending:    pending,
		DLQDepth:         dlqDepth,
		AuditChainOK:     true,
	}
	if verr := c.audit.VerifyAll(ctx); verr != nil {
		snap.AuditChainOK = false
		snap.AuditErr = verr
	}
	return snap, nil
}
