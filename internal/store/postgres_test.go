package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresWithPool(mock), mock
}

func TestPostgresStore_GetBooking_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM bookings WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetBooking(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindBookingByFingerprint_NoMatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM bookings WHERE client_id = \$1 AND doc_class = \$2 AND fingerprint = \$3`).
		WithArgs("client-1", "invoice_in", "fp-1").
		WillReturnError(pgx.ErrNoRows)

	b, err := s.FindBookingByFingerprint(context.Background(), "client-1", "invoice_in", "fp-1")
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertExportReceipt_ReportsCreated(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO export_receipts`).
		WithArgs("booking-1", "erp_xml", "booking-1.xml", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	created, err := s.InsertExportReceipt(context.Background(), ExportReceiptRow{
		BookingID: "booking-1", Target: "erp_xml", Filename: "booking-1.xml",
		BytesHash: "deadbeef", DeliveredAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertExportReceipt_ReplayIsNoop(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO export_receipts`).
		WithArgs("booking-1", "erp_xml", "booking-1.xml", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := s.InsertExportReceipt(context.Background(), ExportReceiptRow{
		BookingID: "booking-1", Target: "erp_xml", Filename: "booking-1.xml",
		BytesHash: "deadbeef", DeliveredAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoginFailureCount(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM login_failures WHERE username = \$1 AND at >= \$2`).
		WithArgs("ana", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	count, err := s.LoginFailureCount(context.Background(), "ana", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
