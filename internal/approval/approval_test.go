package approval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/audit"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/blobstore"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/booking"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/extract"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/memory"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/money"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/verify"
)

type fakeClassifier struct{}

func (fakeClassifier) Classify(ctx context.Context, doc model.ExtractedDoc, citations []model.CitationRef) (string, string, error) {
	return "4000", "P25", nil
}

// newTestCheckRegistry registers checks for the fields the XML extractor
// emits, so the ingested booking lands on PROPOSED; an empty registry leaves
// every field at 1of3 and the booking on NEEDS_REVIEW, which Approve refuses.
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

func newTestGateway(t *testing.T) (*Gateway, store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "approval.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	blobs, err := blobstore.New(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	blobID, err := blobs.Put([]byte(sampleXML), "application/xml")
	require.NoError(t, err)

	reg := extract.NewRegistry()
	reg.Register(model.DocClassInvoiceIn, extract.NewXMLExtractor())

	mem := memory.New(st, memory.Config{L1RetentionDays: 30, L2ScoreFloor: 0.15, L2ReinforceAfter: 2, L3DatasetPath: filepath.Join(dir, "pairs.jsonl")})
	auditLog := audit.New(st)
	pipeline := booking.New(st, blobs, reg, newTestCheckRegistry(), mem, nil, fakeClassifier{}, auditLog, booking.Config{HomeCurrency: "EUR"}, zap.NewNop())

	b, err := pipeline.Ingest(context.Background(), "client1", model.DocClassInvoiceIn, blobID, "application/xml", "system")
	require.NoError(t, err)

	return New(pipeline, st), st, b.ID
}

const sampleXML = `<?xml version="1.0" encoding="UTF-8"?>
<Invoice xmlns="urn:oasis:names:ubl">
  <ID>2026-0099</ID>
  <IssueDate>2026-02-01</IssueDate>
  <DocumentCurrencyCode>EUR</DocumentCurrencyCode>
  <AccountingSupplierParty><Party><PartyIdentification><ID>HR11111111111</ID></PartyIdentification></Party></AccountingSupplierParty>
  <LegalMonetaryTotal><PayableAmount>500.00</PayableAmount></LegalMonetaryTotal>
  <TaxTotal><TaxAmount>100.00</TaxAmount></TaxTotal>
</Invoice>`

func TestGateway_Approve_ForbiddenForAssistant(t *testing.T) {
	g, _, id := newTestGateway(t)
	sess := model.Session{Username: "bob", Role: model.RoleAssistant}
	_, err := g.Approve(context.Background(), sess, id)
	require.Error(t, err)
}

func TestGateway_Approve_AllowedForAccountant(t *testing.T) {
	g, _, id := newTestGateway(t)
	sess := model.Session{Username: "alice", Role: model.RoleAccountant}
	b, err := g.Approve(context.Background(), sess, id)
	require.NoError(t, err)
	require.Equal(t, model.StateApproved, b.Status)
}

func TestGateway_List_AllowedForAssistant(t *testing.T) {
	g, _, _ := newTestGateway(t)
	sess := model.Session{Username: "bob", Role: model.RoleAssistant}
	rows, err := g.List(context.Background(), sess, store.BookingFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
