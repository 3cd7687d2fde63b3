package booking

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/audit"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/blobstore"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/extract"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/memory"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/money"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/verify"
)

type fakeBlobs struct {
	data map[string][]byte
	mt   map[string]string
}

func (f *fakeBlobs) Put(b []byte, mediaType string) (string, error) {
	id := "b" + strconv.Itoa(len(f.data))
	f.data[id] = b
	f.mt[id] = mediaType
	return id, nil
}
func (f *fakeBlobs) Get(id string) ([]byte, string, error)          { return f.data[id], f.mt[id], nil }
func (f *fakeBlobs) Stat(id string) (model.Blob, error)             { return model.Blob{}, nil }
func (f *fakeBlobs) GC(blobstore.GCPolicy) (int, error)             { return 0, nil }

type fakeClassifier struct{ account, vatClass string }

func (c fakeClassifier) Classify(ctx context.Context, doc model.ExtractedDoc, citations []model.CitationRef) (string, string, error) {
	return c.account, c.vatClass, nil
}

const sampleXML = `<?xml version="1.0" encoding="UTF-8"?>
<Invoice xmlns="urn:oasis:names:ubl">
  <ID>2026-0001</ID>
  <IssueDate>2026-02-01</IssueDate>
  <DocumentCurrencyCode>EUR</DocumentCurrencyCode>
  <AccountingSupplierParty><Party><PartyIdentification><ID>HR11111111111</ID></PartyIdentification></Party></AccountingSupplierParty>
  <LegalMonetaryTotal><PayableAmount>1250.00</PayableAmount></LegalMonetaryTotal>
  <TaxTotal><TaxAmount>250.00</TaxAmount></TaxTotal>
</Invoice>`

const reverseChargeXML = `<?xml version="1.0" encoding="UTF-8"?>
<Invoice xmlns="urn:oasis:names:ubl">
  <ID>DE-2026-771</ID>
  <IssueDate>2026-03-10</IssueDate>
  <DocumentCurrencyCode>EUR</DocumentCurrencyCode>
  <AccountingSupplierParty><Party><PartyIdentification><ID>DE123456789</ID></PartyIdentification></Party></AccountingSupplierParty>
  <LegalMonetaryTotal><PayableAmount>5000.00</PayableAmount></LegalMonetaryTotal>
  <TaxTotal><TaxAmount>0.00</TaxAmount></TaxTotal>
</Invoice>`

// newTestCheckRegistry mirrors cmd/buildCheckRegistry for the field names
// the XML extractor emits, so tests exercise the real consensus scoring
// path instead of the always-1of3 fallback an empty registry produces.
func newTestCheckRegistry() *verify.CheckRegistry {
	r := verify.NewCheckRegistry()

	positive := func(fv model.FieldValue) model.Check {
		s, _ := fv.Value.(string)
		d, err := money.Parse(s)
		return model.Check{Source: model.CheckSourceRule, Value: fv.Value, OK: err == nil && d.IsPositive()}
	}
	algoOK := func(fv model.FieldValue) model.Check {
		return model.Check{Source: model.CheckSourceAlgo, Value: fv.Value, OK: true}
	}
	nonEmpty := func(fv model.FieldValue) model.Check {
		s, _ := fv.Value.(string)
		return model.Check{Source: model.CheckSourceRule, Value: fv.Value, OK: len(s) > 0}
	}

	r.Register(verify.FieldSpec{FieldName: "payable_amount", Monetary: true, AlgoCheck: algoOK, RuleCheck: positive})
	r.Register(verify.FieldSpec{FieldName: "tax_amount", Monetary: true, AlgoCheck: algoOK, RuleCheck: positive})
	r.Register(verify.FieldSpec{FieldName: "invoice_id", Identifier: true, RuleCheck: nonEmpty})
	r.Register(verify.FieldSpec{FieldName: "supplier_id", Identifier: true, RuleCheck: nonEmpty})
	r.Register(verify.FieldSpec{FieldName: "issue_date", Identifier: true, RuleCheck: nonEmpty})

	return r
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeBlobs) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "booking.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	blobs := &fakeBlobs{data: map[string][]byte{}, mt: map[string]string{}}

	reg := extract.NewRegistry()
	reg.Register(model.DocClassInvoiceIn, extract.NewXMLExtractor())
	reg.Register(model.DocClassInvoiceEU, extract.NewXMLExtractor())

	checks := newTestCheckRegistry()

	memCfg := memory.Config{
		L1RetentionDays: 30, L2ScoreFloor: 0.15, L2ReinforceAfter: 2,
		L3DatasetPath: filepath.Join(dir, "pairs.jsonl"),
	}
	mem := memory.New(st, memCfg)

	auditLog := audit.New(st)

	cfg := Config{HomeCurrency: "EUR", StandardVATRate: money.MustParse("25.00"), AutoAdvanceFloor: 0.95}
	p := New(st, blobs, reg, checks, mem, nil, fakeClassifier{account: "4000", vatClass: "P25"}, auditLog, cfg, zap.NewNop())
	return p, blobs
}

func TestPipeline_Ingest_ProposesBalancedBooking(t *testing.T) {
	p, blobs := newTestPipeline(t)
	blobID, _ := blobs.Put([]byte(sampleXML), "application/xml")

	b, err := p.Ingest(context.Background(), "client1", model.DocClassInvoiceIn, blobID, "application/xml", "system")
	require.NoError(t, err)
	require.Equal(t, model.StateProposed, b.Status)
	require.True(t, b.BalancedPerCurrency())
	require.Equal(t, "4000", b.Entries[0].Account)
}

func TestPipeline_Ingest_IsIdempotentByFingerprint(t *testing.T) {
	p, blobs := newTestPipeline(t)
	blobID, _ := blobs.Put([]byte(sampleXML), "application/xml")

	first, err := p.Ingest(context.Background(), "client1", model.DocClassInvoiceIn, blobID, "application/xml", "system")
	require.NoError(t, err)

	second, err := p.Ingest(context.Background(), "client1", model.DocClassInvoiceIn, blobID, "application/xml", "system")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestPipeline_ApproveThenReject_EnforcesFSM(t *testing.T) {
	p, blobs := newTestPipeline(t)
	blobID, _ := blobs.Put([]byte(sampleXML), "application/xml")
	b, err := p.Ingest(context.Background(), "client1", model.DocClassInvoiceIn, blobID, "application/xml", "system")
	require.NoError(t, err)

	approved, err := p.Approve(context.Background(), b.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, model.StateApproved, approved.Status)

	_, err = p.Reject(context.Background(), b.ID, "alice", "changed mind")
	require.Error(t, err) // APPROVED is not in Reject's fromStates
}

func TestPipeline_Correct_ProducesNewBookingAndRetiresPredecessor(t *testing.T) {
	p, blobs := newTestPipeline(t)
	blobID, _ := blobs.Put([]byte(sampleXML), "application/xml")
	b, err := p.Ingest(context.Background(), "client1", model.DocClassInvoiceIn, blobID, "application/xml", "system")
	require.NoError(t, err)

	patch := Patch{
		Amounts: []model.Entry{
			{Account: "4010", Side: model.SideDebit, Amount: money.MustParse("1000.00"), Currency: "EUR"},
			{Account: "1400", Side: model.SideDebit, Amount: money.MustParse("250.00"), Currency: "EUR"},
			{Account: "2200", Side: model.SideCredit, Amount: money.MustParse("1250.00"), Currency: "EUR"},
		},
	}
	corrected, err := p.Correct(context.Background(), b.ID, "alice", patch)
	require.NoError(t, err)
	require.Equal(t, b.ID, corrected.CorrectedFrom)
	require.NotEqual(t, b.ID, corrected.ID)

	predecessor, err := p.st.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateRejected, predecessor.Status)
}

func TestPipeline_Correct_OverrideCannotBypassMonetaryFieldConsensus(t *testing.T) {
	p, blobs := newTestPipeline(t)

	algoOK := func(fv model.FieldValue) model.Check {
		return model.Check{Source: model.CheckSourceAlgo, Value: fv.Value, OK: true}
	}
	positive := func(fv model.FieldValue) model.Check {
		s, _ := fv.Value.(string)
		d, err := money.Parse(s)
		return model.Check{Source: model.CheckSourceRule, Value: fv.Value, OK: err == nil && d.IsPositive()}
	}
	checks := verify.NewCheckRegistry()
	checks.Register(verify.FieldSpec{FieldName: "payable_amount", Monetary: true, AlgoCheck: algoOK, RuleCheck: positive})
	// tax_amount is declared monetary but carries no rule check, so it can
	// never clear AgreementNone: this stands in for a field the extractor
	// disagreed with itself on and no operator correction of the ledger
	// entries can silently resolve.
	checks.Register(verify.FieldSpec{FieldName: "tax_amount", Monetary: true, AlgoCheck: algoOK})
	p.checks = checks

	blobID, _ := blobs.Put([]byte(sampleXML), "application/xml")
	b, err := p.Ingest(context.Background(), "client1", model.DocClassInvoiceIn, blobID, "application/xml", "system")
	require.NoError(t, err)
	require.Equal(t, model.StateNeedsReview, b.Status)

	patch := Patch{
		Amounts: []model.Entry{
			{Account: "4000", Side: model.SideDebit, Amount: money.MustParse("1000.00"), Currency: "EUR"},
			{Account: "1400", Side: model.SideDebit, Amount: money.MustParse("250.00"), Currency: "EUR"},
			{Account: "2200", Side: model.SideCredit, Amount: money.MustParse("1250.00"), Currency: "EUR"},
		},
		OverrideJustification: "operator confirmed VAT amount against the paper invoice",
	}
	corrected, err := p.Correct(context.Background(), b.ID, "alice", patch)
	require.NoError(t, err)
	require.Equal(t, model.StateNeedsReview, corrected.Status, "override must not bypass a still-blocking monetary field consensus")
}

func TestPipeline_Ingest_ReverseChargeSelfAssessesVAT(t *testing.T) {
	p, blobs := newTestPipeline(t)
	blobID, _ := blobs.Put([]byte(reverseChargeXML), "application/xml")

	b, err := p.Ingest(context.Background(), "client1", model.DocClassInvoiceEU, blobID, "application/xml", "system")
	require.NoError(t, err)
	require.True(t, b.BalancedPerCurrency())

	require.Len(t, b.VATBreakdown, 1)
	vatLine := b.VATBreakdown[0]
	require.True(t, vatLine.ReverseCharge)
	require.Equal(t, "25.00", vatLine.Rate.StringFixed(2))
	require.Equal(t, "1250.00", vatLine.VAT.StringFixed(2))

	var sawInputVAT, sawVATPayable bool
	for _, e := range b.Entries {
		switch e.Account {
		case "1400":
			sawInputVAT = e.Side == model.SideDebit && e.Amount.StringFixed(2) == "1250.00"
		case "2400":
			sawVATPayable = e.Side == model.SideCredit && e.Amount.StringFixed(2) == "1250.00"
		}
	}
	require.True(t, sawInputVAT, "reverse charge must self-assess an input VAT debit")
	require.True(t, sawVATPayable, "reverse charge must self-assess a VAT-payable credit at the home standard rate")
}

func TestPipeline_SafetyBlock_IsTerminal(t *testing.T) {
	p, blobs := newTestPipeline(t)
	blobID, _ := blobs.Put([]byte(sampleXML), "application/xml")
	b, err := p.Ingest(context.Background(), "client1", model.DocClassInvoiceIn, blobID, "application/xml", "system")
	require.NoError(t, err)

	blocked, err := p.SafetyBlock(context.Background(), b.ID, "system", "suspected fraud pattern")
	require.NoError(t, err)
	require.Equal(t, model.StateBlocked, blocked.Status)
	require.True(t, blocked.Status.Terminal())
	require.WithinDuration(t, time.Now().UTC(), *blocked.FinalizedAt, 5*time.Second)
}
