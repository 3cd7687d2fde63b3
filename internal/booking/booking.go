// Package booking implements C7: the FSM and construction pipeline that
// turns an ingested blob into a proposed double-entry booking, and the
// operator-driven transitions (approve/reject/correct) that carry it to a
// terminal state.
package booking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/audit"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/blobstore"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/extract"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/memory"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/money"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/rag"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/resilience"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/verify"
)

// dlqStageInference tags a dead-letter-queue entry as an ingest-time
// classification failure. No booking exists yet at this point, so the
// blob ID stands in for the booking ID — the entry becomes retryable once
// the blob is re-ingested.
const dlqStageInference = "inference"

// Classifier is the narrow slice of internal/inference the pipeline needs:
// suggest an account and VAT class for a document, given the extracted
// fields and any RAG citations retrieved for the posting date. Kept as an
// interface so the pipeline is testable without a live model.
type Classifier interface {
	Classify(ctx context.Context, doc model.ExtractedDoc, citations []model.CitationRef) (account, vatClass string, err error)
}

// Config carries the pipeline's tunables sourced from config.AMLConfig /
// config.HomeConfig.
type Config struct {
	AMLCashThreshold money.Decimal
	HomeCurrency     string
	StandardVATRate  money.Decimal // home-country standard VAT rate, percent (e.g. 25.00)
	AutoAdvanceFloor float64       // configured consensus floor (0.95); Ingest does not read it: PROPOSED needs no blockers and no field at 1of3, whatever the score
}

// Pipeline is the C7 contract implementation.
type Pipeline struct {
	st        store.Store
	blobs     blobstore.Store
	extractor *extract.Registry
	checks    *verify.CheckRegistry
	mem       *memory.Store
	ragIndex  *rag.Index
	classify  Classifier
	audit     *audit.Log
	cfg       Config
	log       *zap.Logger

	locks sync.Map // booking id -> *sync.Mutex, single-writer per booking
}

// New builds a Pipeline.
func New(st store.Store, blobs blobstore.Store, extractor *extract.Registry, checks *verify.CheckRegistry, mem *memory.Store, ragIndex *rag.Index, classify Classifier, auditLog *audit.Log, cfg Config, log *zap.Logger) *Pipeline {
	return &Pipeline{
		st: st, blobs: blobs, extractor: extractor, checks: checks,
		mem: mem, ragIndex: ragIndex, classify: classify, audit: auditLog,
		cfg: cfg, log: log,
	}
}

func (p *Pipeline) lockFor(id string) *sync.Mutex {
	v, _ := p.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Ingest runs the full construction pipeline for one blob: extract, verify,
// classify, compute deterministic monetary fields, and either land on
// PROPOSED or NEEDS_REVIEW. Idempotent: a repeat ingest of the same blob for
// the same (client, doc_class) returns the existing booking instead of a
// duplicate.
func (p *Pipeline) Ingest(ctx context.Context, clientID string, class model.DocClass, blobID, mediaType string, actor string) (*model.Booking, error) {
	data, _, err := p.blobs.Get(blobID)
	if err != nil {
		return nil, eris.Wrap(err, "booking: fetch blob")
	}

	doc, err := p.extractor.Run(ctx, class, extract.Input{BlobID: blobID, MediaType: mediaType, Bytes: data})
	if err != nil {
		auditErr := p.recordFailure(ctx, actor, "", "extract failed: "+err.Error())
		if auditErr != nil {
			p.log.Warn("booking: audit append failed after extraction failure", zap.Error(auditErr))
		}
		return nil, apperr.Wrap(apperr.KindUnextractable, err, "booking: no extractor tier matched")
	}

	verified := p.verifyFields(doc)

	suggestions, err := p.mem.Suggest(ctx, memoryKeyFor(clientID, class, doc))
	if err != nil {
		p.log.Warn("booking: memory suggest failed, proceeding without L2 context", zap.Error(err))
	}

	asOf := postingDateFrom(doc)
	var citations []model.CitationRef
	if p.ragIndex != nil {
		hits, err := p.ragIndex.Search(ctx, string(class), asOf, 5)
		if err != nil {
			p.log.Warn("booking: rag search failed, proceeding without citations", zap.Error(err))
		}
		for _, h := range hits {
			citations = append(citations, h.Citation)
		}
	}

	account, vatClass, err := p.classify.Classify(ctx, doc, citations)
	if err != nil {
		now := time.Now().UTC()
		if dlqErr := p.st.EnqueueDLQ(ctx, resilience.DLQEntry{
			BookingID:    blobID,
			Stage:        dlqStageInference,
			Error:        err.Error(),
			ErrorType:    resilience.ClassifyError(err),
			FailedPhase:  "classify",
			MaxRetries:   3,
			NextRetryAt:  now,
			CreatedAt:    now,
			LastFailedAt: now,
		}); dlqErr != nil {
			p.log.Warn("booking: dlq enqueue failed", zap.Error(dlqErr))
		}
		return nil, apperr.Wrap(apperr.KindInferenceFailed, err, "booking: classification failed")
	}
	if err := p.st.RemoveDLQ(ctx, blobID, dlqStageInference); err != nil {
		p.log.Warn("booking: dlq cleanup failed", zap.Error(err))
	}

	entries, vatLines, err := computeEntries(doc, class, account, p.cfg.HomeCurrency, p.cfg.StandardVATRate)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnextractable, err, "booking: could not compute monetary fields")
	}

	blockers := p.computeBlockers(verified, entries, suggestions, account, vatClass)

	b := model.Booking{
		ID:                uuid.NewString(),
		ClientID:          clientID,
		SourceBlobID:      blobID,
		Class:             class,
		Entries:           entries,
		VATBreakdown:      vatLines,
		PostingDate:       asOf,
		Narrative:         narrativeFor(class, doc),
		Citations:         citations,
		ProposedBy:        model.ProposedByPipeline,
		CreatedAt:         time.Now().UTC(),
		Blockers:          blockers,
		FieldVerification: verified.Verification,
	}
	b.Fingerprint = b.ComputeFingerprint()

	if existing, err := p.st.FindBookingByFingerprint(ctx, clientID, class, b.Fingerprint); err == nil && existing != nil {
		return existing, nil
	}

	worst := verified.WorstAgreement()
	switch {
	case len(blockers) == 0 && worst != model.Agreement1of3:
		b.Status = model.StateProposed
	default:
		b.Status = model.StateNeedsReview
	}

	if err := p.st.CreateBooking(ctx, b); err != nil {
		return nil, eris.Wrap(err, "booking: create")
	}
	if _, err := p.audit.Append(ctx, actor, model.AuditStateTransition, b.ID, map[string]any{"to": string(b.Status), "blockers": b.Blockers}); err != nil {
		p.log.Warn("booking: audit append failed", zap.Error(err))
	}
	return &b, nil
}

func (p *Pipeline) recordFailure(ctx context.Context, actor, bookingID, reason string) error {
	_, err := p.audit.Append(ctx, actor, model.AuditPipelineFailure, bookingID, map[string]any{"reason": reason})
	return err
}

func (p *Pipeline) verifyFields(doc model.ExtractedDoc) model.VerifiedDoc {
	verification := make(map[string]model.Consensus, len(doc.Fields))
	for name, fv := range doc.Fields {
		verification[name] = p.checks.Evaluate(name, fv, false)
	}
	return model.VerifiedDoc{ExtractedDoc: doc, Verification: verification}
}

// computeBlockers implements the §4.7 blocker bullet list.
func (p *Pipeline) computeBlockers(v model.VerifiedDoc, entries []model.Entry, l2 []model.MemoryRule, account, vatClass string) []model.Blocker {
	var blockers []model.Blocker

	if v.HasBlockingField() {
		blockers = append(blockers, model.BlockerFieldConsensus)
	}

	b := model.Booking{Entries: entries}
	if !b.BalancedPerCurrency() {
		blockers = append(blockers, model.BlockerLedgerImbalance)
	}

	if isCashClass(v.DocClass) && exceedsAMLThreshold(entries, p.cfg.AMLCashThreshold, p.cfg.HomeCurrency) {
		blockers = append(blockers, model.BlockerAMLThreshold)
	}

	for _, rule := range l2 {
		if rule.Conflict {
			continue
		}
		if rule.SuggestedAccount != "" && rule.SuggestedAccount != account {
			blockers = append(blockers, model.BlockerMemoryConflict)
			break
		}
		if rule.VATClass != "" && rule.VATClass != vatClass {
			blockers = append(blockers, model.BlockerMemoryConflict)
			break
		}
	}

	if v.Currency != "" && v.Currency != p.cfg.HomeCurrency {
		if _, ok := v.Fields["fx_rate"]; !ok {
			blockers = append(blockers, model.BlockerMissingFXRate)
		}
	}

	return blockers
}

func isCashClass(class model.DocClass) bool {
	return class == model.DocClassCashRegister
}

func exceedsAMLThreshold(entries []model.Entry, threshold money.Decimal, homeCurrency string) bool {
	if threshold.IsZero() {
		return false
	}
	for _, e := range entries {
		if e.Currency == homeCurrency && e.Amount.Cmp(threshold) > 0 {
			return true
		}
	}
	return false
}

func memoryKeyFor(clientID string, class model.DocClass, doc model.ExtractedDoc) model.MemoryRuleKey {
	supplierID := ""
	if fv, ok := doc.Fields["supplier_id"]; ok {
		if s, ok := fv.Value.(string); ok {
			supplierID = s
		}
	}
	return model.MemoryRuleKey{ClientID: clientID, SupplierID: supplierID, DocClass: class, FeatureHash: doc.BlobID}
}

func postingDateFrom(doc model.ExtractedDoc) time.Time {
	if fv, ok := doc.Fields["issue_date"]; ok {
		if s, ok := fv.Value.(string); ok {
			if t, err := time.Parse("2006-01-02", s); err == nil {
				return t
			}
		}
	}
	return doc.ExtractedAt.UTC()
}

func narrativeFor(class model.DocClass, doc model.ExtractedDoc) string {
	if fv, ok := doc.Fields["invoice_id"]; ok {
		if s, ok := fv.Value.(string); ok {
			return string(class) + " " + s
		}
	}
	return string(class) + " " + doc.BlobID
}

// computeEntries derives the deterministic double-entry lines from the
// extracted net/VAT fields. The model never emits monetary values; it only
// classifies and suggests an account, so every amount here is computed from
// the extractor's own fields, never from a classifier output.
//
// An invoice_eu document with no supplier-charged VAT is a reverse-charge
// candidate (spec.md §8 S2): the recipient self-assesses VAT at the
// home-country standard rate instead of remitting it to the supplier. The
// self-assessed input VAT debit and output VAT-liability credit cancel each
// other in the home currency, so BalancedPerCurrency still holds.
func computeEntries(doc model.ExtractedDoc, class model.DocClass, expenseAccount, homeCurrency string, standardVATRate money.Decimal) ([]model.Entry, []model.VATLine, error) {
	payable, err := fieldDecimal(doc, "payable_amount")
	if err != nil {
		return nil, nil, err
	}
	vatAmt, err := fieldDecimal(doc, "tax_amount")
	if err != nil {
		vatAmt = money.Zero
	}
	net := payable.Sub(vatAmt)

	currency := doc.Currency
	if currency == "" {
		currency = homeCurrency
	}

	entries := []model.Entry{
		{Account: expenseAccount, Side: model.SideDebit, Amount: net, Currency: currency},
		{Account: "2200", Side: model.SideCredit, Amount: payable, Currency: currency}, // trade payables
	}

	var vatLines []model.VATLine
	switch {
	case class == model.DocClassInvoiceEU && vatAmt.IsZero():
		selfAssessed := net.Mul(standardVATRate).Div(money.MustParse("100"), 2)
		entries = append(entries,
			model.Entry{Account: "1400", Side: model.SideDebit, Amount: selfAssessed, Currency: homeCurrency},  // input VAT, self-assessed
			model.Entry{Account: "2400", Side: model.SideCredit, Amount: selfAssessed, Currency: homeCurrency}, // VAT payable to tax authority
		)
		vatLines = append(vatLines, model.VATLine{Rate: standardVATRate, Net: net, VAT: selfAssessed, ReverseCharge: true})
	case !vatAmt.IsZero():
		entries = append(entries, model.Entry{Account: "1400", Side: model.SideDebit, Amount: vatAmt, Currency: currency}) // input VAT
		vatLines = append(vatLines, model.VATLine{Net: net, VAT: vatAmt})
	}
	return entries, vatLines, nil
}

func fieldDecimal(doc model.ExtractedDoc, name string) (money.Decimal, error) {
	fv, ok := doc.Fields[name]
	if !ok {
		return money.Zero, eris.Errorf("booking: missing required field %q", name)
	}
	switch v := fv.Value.(type) {
	case string:
		return money.Parse(v)
	case money.Decimal:
		return v, nil
	default:
		return money.Zero, eris.Errorf("booking: field %q is not a monetary value", name)
	}
}
