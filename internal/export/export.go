// Package export implements C9: rendering an approved booking into a
// deterministic ERP artifact and delivering it to a configured target
// exactly once.
package export

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/audit"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/resilience"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
)

// dlqStageExport tags a dead-letter-queue entry as an export delivery
// failure, as opposed to inference (dlqStageInference in internal/booking).
const dlqStageExport = "export"

// Target delivers a rendered artifact somewhere: a watched directory or a
// local HTTP endpoint. A permanent error (schema-level, never resolved by
// retrying) must be a *SchemaError; anything else is treated as transient.
type Target interface {
	Deliver(ctx context.Context, filename string, data []byte) error
}

// SchemaError marks a delivery failure that retrying cannot fix — the
// artifact itself is invalid for the target.
type SchemaError struct{ Err error }

func (e *SchemaError) Error() string { return "export: schema violation: " + e.Err.Error() }
func (e *SchemaError) Unwrap() error { return e.Err }

// Renderer turns a booking into artifact bytes for one export format.
type Renderer interface {
	Render(b model.Booking) (filename string, data []byte, err error)
}

// Config binds a named target to its renderer and delivery mechanism, plus
// the transient-retry cap.
type Config struct {
	Targets             map[string]TargetBinding
	MaxTransientRetries int
}

// TargetBinding pairs a Renderer with the Target it delivers to.
type TargetBinding struct {
	Renderer Renderer
	Target   Target
}

// Exporter is the C9 contract implementation.
type Exporter struct {
	st    store.Store
	audit *audit.Log
	cfg   Config
	log   *zap.Logger
}

// New builds an Exporter.
func New(st store.Store, auditLog *audit.Log, cfg Config, log *zap.Logger) *Exporter {
	if cfg.MaxTransientRetries <= 0 {
		cfg.MaxTransientRetries = 3
	}
	return &Exporter{st: st, audit: auditLog, cfg: cfg, log: log}
}

// Receipt mirrors store.ExportReceiptRow for callers outside the store
// package.
type Receipt = store.ExportReceiptRow

// Export renders and delivers booking to targetName, exactly once. A repeat
// call for a booking/target pair that already has a receipt is a no-op that
// returns the prior receipt.
func (e *Exporter) Export(ctx context.Context, b model.Booking, targetName, actor string) (Receipt, error) {
	if existing, err := e.st.GetExportReceipt(ctx, b.ID, targetName); err == nil && existing != nil {
		return *existing, nil
	}

	binding, ok := e.cfg.Targets[targetName]
	if !ok {
		return Receipt{}, apperr.New(apperr.KindInput, "export: unknown target "+targetName)
	}

	filename, data, err := binding.Renderer.Render(b)
	if err != nil {
		return Receipt{}, e.escalatePermanent(ctx, b.ID, actor, targetName, err)
	}
	hash := hashBytes(data)

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = e.cfg.MaxTransientRetries

	deliverErr := resilience.Do(ctx, retryCfg, func(ctx context.Context) error {
		return binding.Target.Deliver(ctx, filename, data)
	})
	if deliverErr != nil {
		var schemaErr *SchemaError
		if errors.As(deliverErr, &schemaErr) {
			return Receipt{}, e.escalatePermanent(ctx, b.ID, actor, targetName, deliverErr)
		}
		return Receipt{}, e.markExportPending(ctx, b.ID, actor, targetName, deliverErr)
	}

	created, err := e.st.InsertExportReceipt(ctx, store.ExportReceiptRow{
		BookingID: b.ID, Target: targetName, Filename: filename, BytesHash: hash,
	})
	if err != nil {
		return Receipt{}, eris.Wrap(err, "export: insert receipt")
	}
	if !created {
		// A concurrent export won the race; its receipt is authoritative.
		existing, err := e.st.GetExportReceipt(ctx, b.ID, targetName)
		if err != nil || existing == nil {
			return Receipt{}, eris.Wrap(err, "export: reload receipt after race")
		}
		return *existing, nil
	}

	if _, err := e.st.TransitionBooking(ctx, b.ID, []model.State{model.StateApproved}, func(bk *model.Booking) error {
		bk.Status = model.StateExported
		return nil
	}); err != nil && !apperr.IsKind(err, apperr.KindConflict) {
		return Receipt{}, eris.Wrap(err, "export: finalize booking status")
	}

	receipt, err := e.st.GetExportReceipt(ctx, b.ID, targetName)
	if err != nil || receipt == nil {
		return Receipt{}, eris.Wrap(err, "export: reload receipt")
	}
	if _, aerr := e.audit.Append(ctx, actor, model.AuditExportReceipt, b.ID, map[string]any{
		"target": targetName, "filename": filename, "bytes_hash": hash,
	}); aerr != nil {
		e.log.Warn("export: audit append failed", zap.Error(aerr))
	}
	if err := e.st.RemoveDLQ(ctx, b.ID, dlqStageExport); err != nil {
		e.log.Warn("export: dlq cleanup failed", zap.Error(err))
	}
	return *receipt, nil
}

func (e *Exporter) markExportPending(ctx context.Context, bookingID, actor, targetName string, cause error) error {
	var attempts int
	if updated, err := e.st.TransitionBooking(ctx, bookingID, []model.State{model.StateApproved}, func(bk *model.Booking) error {
		bk.ExportAttempts++
		return nil
	}); err != nil && !apperr.IsKind(err, apperr.KindConflict) {
		e.log.Warn("export: could not record export attempt", zap.Error(err))
	} else {
		attempts = updated.ExportAttempts
	}

	now := time.Now().UTC()
	dlqErr := e.st.EnqueueDLQ(ctx, resilience.DLQEntry{
		BookingID:    bookingID,
		Stage:        dlqStageExport,
		Error:        cause.Error(),
		ErrorType:    resilience.ClassifyError(cause),
		FailedPhase:  targetName,
		RetryCount:   attempts,
		MaxRetries:   e.cfg.MaxTransientRetries,
		NextRetryAt:  now,
		CreatedAt:    now,
		LastFailedAt: now,
	})
	if dlqErr != nil {
		e.log.Warn("export: dlq enqueue failed", zap.Error(dlqErr))
	}

	if _, aerr := e.audit.Append(ctx, actor, model.AuditPipelineFailure, bookingID, map[string]any{
		"target": targetName, "reason": "export_pending", "cause": cause.Error(),
	}); aerr != nil {
		e.log.Warn("export: audit append failed", zap.Error(aerr))
	}
	return apperr.Wrap(apperr.KindExportPending, cause, "export: transient delivery failure, booking remains APPROVED")
}

func (e *Exporter) escalatePermanent(ctx context.Context, bookingID, actor, targetName string, cause error) error {
	if _, err := e.st.TransitionBooking(ctx, bookingID, []model.State{
		model.StateApproved, model.StateProposed, model.StateNeedsReview, model.StateCorrected,
	}, func(bk *model.Booking) error {
		bk.Status = model.StateBlocked
		return nil
	}); err != nil && !apperr.IsKind(err, apperr.KindConflict) {
		e.log.Warn("export: could not escalate to blocked", zap.Error(err))
	}
	if err := e.st.RemoveDLQ(ctx, bookingID, dlqStageExport); err != nil {
		e.log.Warn("export: dlq cleanup failed", zap.Error(err))
	}
	if _, aerr := e.audit.Append(ctx, actor, model.AuditSafetyRefusal, bookingID, map[string]any{
		"target": targetName, "reason": "export_schema_violation", "diagnostic": cause.Error(),
	}); aerr != nil {
		e.log.Warn("export: audit append failed", zap.Error(aerr))
	}
	return apperr.Wrap(apperr.KindExportFailed, cause, "export: permanent schema violation, booking blocked")
}
