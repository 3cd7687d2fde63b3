package export

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/audit"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/money"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "export.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleBooking(t *testing.T, st store.Store) model.Booking {
	t.Helper()
	b := model.Booking{
		ID:       "bk-1",
		ClientID: "client1",
		Class:    model.DocClassInvoiceIn,
		Entries: []model.Entry{
			{Account: "4000", Side: model.SideDebit, Amount: money.MustParse("1000.00"), Currency: "EUR"},
			{Account: "1400", Side: model.SideDebit, Amount: money.MustParse("250.00"), Currency: "EUR"},
			{Account: "2200", Side: model.SideCredit, Amount: money.MustParse("1250.00"), Currency: "EUR"},
		},
		Status: model.StateApproved,
	}
	require.NoError(t, st.CreateBooking(context.Background(), b))
	return b
}

func TestExporter_Export_XMLIsDeterministic(t *testing.T) {
	st := newTestStore(t)
	b := sampleBooking(t, st)
	dir := t.TempDir()

	cfg := Config{Targets: map[string]TargetBinding{
		"erp_xml": {Renderer: NewXMLRenderer(), Target: NewFileTarget(dir)},
	}}
	exp := New(st, audit.New(st), cfg, zap.NewNop())

	r1, err := exp.Export(context.Background(), b, "erp_xml", "system")
	require.NoError(t, err)

	fresh, err := st.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateExported, fresh.Status)

	_, data1, err := NewXMLRenderer().Render(b)
	require.NoError(t, err)
	_, data2, err := NewXMLRenderer().Render(b)
	require.NoError(t, err)
	require.Equal(t, data1, data2)
	require.Equal(t, hashBytes(data1), r1.BytesHash)
}

func TestExporter_Export_IsExactlyOnce(t *testing.T) {
	st := newTestStore(t)
	b := sampleBooking(t, st)
	dir := t.TempDir()

	cfg := Config{Targets: map[string]TargetBinding{
		"erp_csv": {Renderer: NewCSVRenderer(), Target: NewFileTarget(dir)},
	}}
	exp := New(st, audit.New(st), cfg, zap.NewNop())

	first, err := exp.Export(context.Background(), b, "erp_csv", "system")
	require.NoError(t, err)

	second, err := exp.Export(context.Background(), b, "erp_csv", "system")
	require.NoError(t, err)
	require.Equal(t, first.Filename, second.Filename)
	require.Equal(t, first.BytesHash, second.BytesHash)
}

func TestExporter_Export_HTTPPermanentFailureBlocksBooking(t *testing.T) {
	st := newTestStore(t)
	b := sampleBooking(t, st)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	cfg := Config{Targets: map[string]TargetBinding{
		"erp_http": {Renderer: NewCSVRenderer(), Target: NewHTTPTarget(srv.URL, srv.Client())},
	}}
	exp := New(st, audit.New(st), cfg, zap.NewNop())

	_, err := exp.Export(context.Background(), b, "erp_http", "system")
	require.Error(t, err)

	fresh, err := st.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateBlocked, fresh.Status)
}

func TestExporter_Export_UnknownTargetIsInputError(t *testing.T) {
	st := newTestStore(t)
	b := sampleBooking(t, st)
	exp := New(st, audit.New(st), Config{Targets: map[string]TargetBinding{}}, zap.NewNop())

	_, err := exp.Export(context.Background(), b, "nope", "system")
	require.Error(t, err)
}
