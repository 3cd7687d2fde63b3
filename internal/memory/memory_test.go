package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "memory.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	l3 := filepath.Join(dir, "preference_pairs.jsonl")
	cfg := Config{
		L1RetentionDays:  30,
		L2HalfLifeDays:   map[string]int{"client_supplier_account": 180, "supplier_vat_class": 365},
		L2ScoreFloor:     0.15,
		L2ReinforceAfter: 2,
		L3DatasetPath:    l3,
	}
	return New(st, cfg), l3
}

func TestStore_RecordCorrection_CreatesThenReinforces(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := model.MemoryRuleKey{ClientID: "K1", SupplierID: "S1", DocClass: model.DocClassInvoiceIn, FeatureHash: "h1"}

	require.NoError(t, s.RecordCorrection(ctx, key, "bk_1", "4000", "P25"))
	rules, err := s.Suggest(ctx, key)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, 1, rules[0].Hits)

	require.NoError(t, s.RecordCorrection(ctx, key, "bk_2", "4000", "P25"))
	rules, err = s.Suggest(ctx, key)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, 2, rules[0].Hits)
	require.Greater(t, rules[0].Confidence, 0.5)
}

func TestStore_RecordCorrection_ConflictAfterReinforcement(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := model.MemoryRuleKey{ClientID: "K1", SupplierID: "S1", DocClass: model.DocClassInvoiceIn, FeatureHash: "h1"}

	require.NoError(t, s.RecordCorrection(ctx, key, "bk_1", "4000", "P25"))
	require.NoError(t, s.RecordCorrection(ctx, key, "bk_2", "4000", "P25"))

	// A contradictory correction after reaching L2ReinforceAfter hits must
	// create a second, conflict-flagged rule rather than overwrite.
	require.NoError(t, s.RecordCorrection(ctx, key, "bk_3", "5000", "P0"))

	rules, err := s.Suggest(ctx, key)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	var sawConflict bool
	for _, r := range rules {
		if r.SuggestedAccount == "5000" {
			sawConflict = r.Conflict
		}
	}
	require.True(t, sawConflict)
}

func TestStore_Suggest_ExcludesDecayedBelowFloor(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := model.MemoryRuleKey{ClientID: "K1", DocClass: model.DocClassInvoiceIn, FeatureHash: "h2"}

	rule := model.MemoryRule{
		Key: key, SuggestedAccount: "4000", VATClass: "P25",
		Confidence: 0.2, Hits: 1, LastUsed: time.Now().UTC().AddDate(-2, 0, 0),
		CreatedFrom: "bk_9", HalfLifeDays: 30,
	}
	require.NoError(t, s.st.UpsertMemoryRule(ctx, rule))

	rules, err := s.Suggest(ctx, key)
	require.NoError(t, err)
	require.Empty(t, rules)
}

func TestStore_JournalAppendAndPrune(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	old := model.JournalEntry{ClientID: "K1", Kind: "note", Payload: map[string]any{"x": 1}, CreatedAt: time.Now().UTC().AddDate(0, 0, -40)}
	fresh := model.JournalEntry{ClientID: "K1", Kind: "note", Payload: map[string]any{"x": 2}, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Journal(ctx, old))
	require.NoError(t, s.Journal(ctx, fresh))

	n, err := s.PruneJournal(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestStore_PreferencePair_AppendsJSONL(t *testing.T) {
	s, path := newTestStore(t)
	pair := model.PreferencePair{ID: "p1", BookingID: "bk_1", Chosen: "approved", Rejected: "corrected", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.PreferencePair(pair))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "bk_1")
}
