package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/money"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func sampleBooking(id string) model.Booking {
	return model.Booking{
		ID:           id,
		ClientID:     "client-1",
		SourceBlobID: "blob-1",
		Class:        model.DocClassInvoiceIn,
		Entries: []model.Entry{
			{Account: "4000", Side: model.SideDebit, Amount: money.MustParse("100.00"), Currency: "EUR"},
			{Account: "2200", Side: model.SideCredit, Amount: money.MustParse("100.00"), Currency: "EUR"},
		},
		Status:      model.StateProposed,
		ProposedBy:  model.ProposedByPipeline,
		Fingerprint: "fp-" + id,
		CreatedAt:   time.Now().UTC(),
	}
}

// --- Bookings ---

func TestSQLite_Booking_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	b := sampleBooking("b1")
	require.NoError(t, st.CreateBooking(ctx, b))

	got, err := st.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StateProposed, got.Status)
	assert.True(t, got.BalancedPerCurrency())
}

func TestSQLite_Booking_GetMissing(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetBooking(context.Background(), "nonexistent")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestSQLite_Booking_TransitionBooking_HappyPath(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	b := sampleBooking("b2")
	require.NoError(t, st.CreateBooking(ctx, b))

	updated, err := st.TransitionBooking(ctx, "b2", []model.State{model.StateProposed}, func(b *model.Booking) error {
		b.Status = model.StateApproved
		b.ApprovedBy = "ana"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, updated.Status)

	got, err := st.GetBooking(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, got.Status)
	assert.Equal(t, "ana", got.ApprovedBy)
}

func TestSQLite_Booking_TransitionBooking_RejectsWrongState(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	b := sampleBooking("b3")
	require.NoError(t, st.CreateBooking(ctx, b))

	_, err := st.TransitionBooking(ctx, "b3", []model.State{model.StateApproved}, func(b *model.Booking) error {
		b.Status = model.StateExported
		return nil
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestSQLite_Booking_TransitionBooking_ConcurrentRaceHasOneWinner(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	b := sampleBooking("b4")
	require.NoError(t, st.CreateBooking(ctx, b))

	var g errgroup.Group
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		g.Go(func() error {
			_, err := st.TransitionBooking(ctx, "b4", []model.State{model.StateProposed}, func(b *model.Booking) error {
				b.Status = model.StateApproved
				return nil
			})
			results[i] = err
			return nil
		})
	}
	require.NoError(t, g.Wait())

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else {
			assert.True(t, apperr.IsKind(err, apperr.KindConflict))
		}
	}
	assert.Equal(t, 1, successes)
}

func TestSQLite_Booking_FindByFingerprint(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	b := sampleBooking("b5")
	require.NoError(t, st.CreateBooking(ctx, b))

	found, err := st.FindBookingByFingerprint(ctx, "client-1", model.DocClassInvoiceIn, "fp-b5")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "b5", found.ID)

	notFound, err := st.FindBookingByFingerprint(ctx, "client-1", model.DocClassInvoiceIn, "fp-missing")
	require.NoError(t, err)
	assert.Nil(t, notFound)
}

func TestSQLite_Booking_ListFiltersByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateBooking(ctx, sampleBooking("b6")))
	b7 := sampleBooking("b7")
	b7.Status = model.StateApproved
	require.NoError(t, st.CreateBooking(ctx, b7))

	proposed, err := st.ListBookings(ctx, BookingFilter{Status: model.StateProposed})
	require.NoError(t, err)
	require.Len(t, proposed, 1)
	assert.Equal(t, "b6", proposed[0].ID)
}

// --- Audit ---

func TestSQLite_Audit_ChainLinksHashes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := st.AppendAudit(ctx, "ana", model.AuditStateTransition, "b1", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Empty(t, first.PrevHash)

	second, err := st.AppendAudit(ctx, "ana", model.AuditOperatorAction, "b1", map[string]any{"x": 2})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.NotEqual(t, first.Hash, second.Hash)
}

func TestSQLite_Audit_LastEventMatchesRange(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Migrate(ctx))
	_, err := st.AppendAudit(ctx, "ana", model.AuditStateTransition, "b1", map[string]any{})
	require.NoError(t, err)
	second, err := st.AppendAudit(ctx, "ana", model.AuditOperatorAction, "b1", map[string]any{})
	require.NoError(t, err)

	last, err := st.LastAuditEvent(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, second.Seq, last.Seq)
}

// --- Sessions & auth ---

func TestSQLite_Session_CreateGetDelete(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	sess := model.Session{
		UserID: "u1", Username: "ana", Role: model.RoleAccountant,
		CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().Add(time.Hour).UTC(),
	}
	require.NoError(t, st.CreateSession(ctx, sess, "hash-1"))

	got, err := st.GetSessionByTokenHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "ana", got.Username)

	require.NoError(t, st.DeleteSession(ctx, "hash-1"))
	_, err = st.GetSessionByTokenHash(ctx, "hash-1")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestSQLite_LoginFailures_RecordAndClear(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	count, err := st.RecordLoginFailure(ctx, "ana", now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = st.RecordLoginFailure(ctx, "ana", now)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, st.ClearLoginFailures(ctx, "ana"))
	remaining, err := st.LoginFailureCount(ctx, "ana", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

// --- Memory ---

func TestSQLite_MemoryRule_UpsertAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	key := model.MemoryRuleKey{ClientID: "client-1", SupplierID: "supplier-1", DocClass: model.DocClassInvoiceIn, FeatureHash: "hash-1"}
	rule := model.MemoryRule{
		Key: key, SuggestedAccount: "4000", VATClass: "25", Confidence: 0.8, Hits: 1,
		LastUsed: time.Now().UTC(), CreatedFrom: "booking-1", HalfLifeDays: 90,
	}
	require.NoError(t, st.UpsertMemoryRule(ctx, rule))

	rules, err := st.ListMemoryRules(ctx, key)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "4000", rules[0].SuggestedAccount)
}

func TestSQLite_Journal_AppendAndPrune(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	old := model.JournalEntry{ClientID: "client-1", Kind: "extraction", Payload: map[string]any{"a": 1}, CreatedAt: time.Now().Add(-72 * time.Hour).UTC()}
	require.NoError(t, st.AppendJournal(ctx, old))

	pruned, err := st.PruneJournal(ctx, time.Now().Add(-24*time.Hour).UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}

// --- RAG ---

func TestSQLite_LegalChunk_InsertFindSupersede(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	chunk := model.LegalChunk{
		ID: "c1", CorpusID: "vat-act", LawCode: "VAT", Article: "38", Paragraph: "1",
		Text: "standard rate provision", GazetteRef: "NN 73/13", EffectiveFrom: time.Now().Add(-48 * time.Hour).UTC(),
		Confirmed: true, Keywords: []string{"vat", "rate"},
	}
	require.NoError(t, st.InsertLegalChunk(ctx, chunk))

	open, err := st.FindOpenChunk(ctx, "VAT", "38", "1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "c1", open.ID)

	hits, err := st.SearchChunksAsOf(ctx, time.Now().UTC(), []string{"rate"}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	now := time.Now().UTC()
	chunk.EffectiveTo = &now
	require.NoError(t, st.UpdateLegalChunk(ctx, chunk))

	stillOpen, err := st.FindOpenChunk(ctx, "VAT", "38", "1")
	require.NoError(t, err)
	assert.Nil(t, stillOpen)
}

func TestSQLite_LegalChunk_QuarantinedExcludedFromSearch(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	chunk := model.LegalChunk{
		ID: "c2", CorpusID: "vat-act", LawCode: "VAT", Article: "40", Text: "unconfirmed text",
		GazetteRef: "NN 1/24", EffectiveFrom: time.Now().Add(-time.Hour).UTC(), Confirmed: false,
	}
	require.NoError(t, st.InsertLegalChunk(ctx, chunk))

	hits, err := st.SearchChunksAsOf(ctx, time.Now().UTC(), nil, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	quarantined, err := st.ListQuarantined(ctx)
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.Equal(t, "c2", quarantined[0].ID)
}

// --- Export receipts ---

func TestSQLite_ExportReceipt_ExactlyOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	row := ExportReceiptRow{BookingID: "b1", Target: "erp_xml", Filename: "b1.xml", BytesHash: "abc", DeliveredAt: time.Now().UTC()}
	created, err := st.InsertExportReceipt(ctx, row)
	require.NoError(t, err)
	assert.True(t, created)

	createdAgain, err := st.InsertExportReceipt(ctx, row)
	require.NoError(t, err)
	assert.False(t, createdAgain)

	got, err := st.GetExportReceipt(ctx, "b1", "erp_xml")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b1.xml", got.Filename)
}
