package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
)

// Approve moves a PROPOSED booking to APPROVED. Per-booking transitions are
// serialized through the pipeline's lock table so a concurrent approve and
// correct on the same booking never interleave.
func (p *Pipeline) Approve(ctx context.Context, id, actor string) (*model.Booking, error) {
	mu := p.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := p.st.TransitionBooking(ctx, id, []model.State{model.StateProposed}, func(b *model.Booking) error {
		b.Status = model.StateApproved
		b.ApprovedBy = actor
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := p.audit.Append(ctx, actor, model.AuditOperatorAction, id, map[string]any{"action": "approve"}); err != nil {
		p.log.Warn("booking: audit append failed", zap.Error(err))
	}
	return &b, nil
}

// Reject moves a PROPOSED, NEEDS_REVIEW, EXTRACTED, VERIFIED or CORRECTED
// booking to REJECTED (terminal).
func (p *Pipeline) Reject(ctx context.Context, id, actor, reason string) (*model.Booking, error) {
	mu := p.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := p.st.TransitionBooking(ctx, id, []model.State{
		model.StateProposed, model.StateNeedsReview, model.StateExtracted, model.StateVerified, model.StateCorrected,
	}, func(b *model.Booking) error {
		b.Status = model.StateRejected
		now := time.Now().UTC()
		b.FinalizedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := p.audit.Append(ctx, actor, model.AuditOperatorAction, id, map[string]any{"action": "reject", "reason": reason}); err != nil {
		p.log.Warn("booking: audit append failed", zap.Error(err))
	}
	return &b, nil
}

// Patch is an operator's correction to a booking's proposed fields.
// Correct does not read Account or VATClass; a changed account reaches the
// booking only through replacement entries in Amounts.
type Patch struct {
	Account               string
	VATClass              string
	Amounts               []model.Entry
	Narrative             string
	Citations             []model.CitationRef
	OverrideJustification string // set if this patch overrides a rule-check blocker
}

// Correct applies patch to a PROPOSED or NEEDS_REVIEW booking, producing a
// *new* booking referencing the predecessor by corrected_from; the
// predecessor moves to REJECTED. The new booking re-enters verification
// before landing on PROPOSED' or NEEDS_REVIEW again. An override may only
// advance past a 2of3 consensus, never past 1of3 on a monetary field.
func (p *Pipeline) Correct(ctx context.Context, id, actor string, patch Patch) (*model.Booking, error) {
	mu := p.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	prev, err := p.st.GetBooking(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "booking: correct lookup")
	}

	next := *prev
	next.ID = uuid.NewString()
	next.CorrectedFrom = prev.ID
	next.ProposedBy = model.ProposedByUser(actor)
	next.CreatedAt = time.Now().UTC()
	next.ApprovedBy = ""
	next.FinalizedAt = nil
	next.Status = model.StateCorrected
	next.OverrideJustification = patch.OverrideJustification

	if patch.Narrative != "" {
		next.Narrative = patch.Narrative
	}
	if len(patch.Amounts) > 0 {
		next.Entries = patch.Amounts
	}
	if len(patch.Citations) > 0 {
		next.Citations = patch.Citations
	}
	next.Fingerprint = next.ComputeFingerprint()

	blockers := p.reverifyAfterCorrection(next, patch)
	next.Blockers = blockers

	hasMonetaryBlock := containsBlocker(blockers, model.BlockerFieldConsensus)
	switch {
	case len(blockers) == 0:
		next.Status = model.StateProposed
	case patch.OverrideJustification != "" && !hasMonetaryBlock:
		next.Status = model.StateProposed
	default:
		next.Status = model.StateNeedsReview
	}

	if _, err := p.st.TransitionBooking(ctx, prev.ID, []model.State{model.StateProposed, model.StateNeedsReview}, func(b *model.Booking) error {
		b.Status = model.StateRejected
		now := time.Now().UTC()
		b.FinalizedAt = &now
		return nil
	}); err != nil {
		return nil, eris.Wrap(err, "booking: retire predecessor")
	}

	if err := p.st.CreateBooking(ctx, next); err != nil {
		return nil, eris.Wrap(err, "booking: create correction")
	}
	if _, err := p.audit.Append(ctx, actor, model.AuditOperatorAction, next.ID, map[string]any{
		"action": "correct", "corrected_from": prev.ID, "override": patch.OverrideJustification != "",
	}); err != nil {
		p.log.Warn("booking: audit append failed", zap.Error(err))
	}
	return &next, nil
}

// reverifyAfterCorrection re-runs the ledger/AML blocker checks against the
// corrected entries, and re-derives BlockerFieldConsensus from the
// booking's carried-forward FieldVerification: correcting the derived
// ledger entries does not retroactively resolve what the AI, algo, and
// rule checks disagreed on for the underlying extracted fields, so a
// monetary field still sitting at 1of3/none keeps blocking regardless of
// what the operator wrote into patch.Amounts.
func (p *Pipeline) reverifyAfterCorrection(b model.Booking, patch Patch) []model.Blocker {
	var blockers []model.Blocker

	for name, c := range b.FieldVerification {
		if !p.checks.IsMonetary(name) {
			continue
		}
		if c.Agreement == model.Agreement1of3 || c.Agreement == model.AgreementNone {
			blockers = append(blockers, model.BlockerFieldConsensus)
			break
		}
	}

	if !b.BalancedPerCurrency() {
		blockers = append(blockers, model.BlockerLedgerImbalance)
	}
	if isCashClass(b.Class) && exceedsAMLThreshold(b.Entries, p.cfg.AMLCashThreshold, p.cfg.HomeCurrency) {
		blockers = append(blockers, model.BlockerAMLThreshold)
	}
	return blockers
}

func containsBlocker(blockers []model.Blocker, b model.Blocker) bool {
	for _, x := range blockers {
		if x == b {
			return true
		}
	}
	return false
}

// SafetyBlock moves any pre-terminal booking to BLOCKED,
// terminal and audit-only, per §4.7's safety_violation transition.
func (p *Pipeline) SafetyBlock(ctx context.Context, id, actor, reason string) (*model.Booking, error) {
	mu := p.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := p.st.TransitionBooking(ctx, id, []model.State{
		model.StateIngested, model.StateExtracted, model.StateVerified,
		model.StateProposed, model.StateNeedsReview, model.StateCorrected,
		model.StateApproved,
	}, func(b *model.Booking) error {
		b.Status = model.StateBlocked
		now := time.Now().UTC()
		b.FinalizedAt = &now
		return nil
	})
	if err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			return nil, err
		}
		return nil, eris.Wrap(err, "booking: safety block")
	}
	if _, err := p.audit.Append(ctx, actor, model.AuditSafetyRefusal, id, map[string]any{"reason": reason}); err != nil {
		p.log.Warn("booking: audit append failed", zap.Error(err))
	}
	return &b, nil
}
