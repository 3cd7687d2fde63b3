// Package store defines the relational persistence interface shared by all
// core subsystems (bookings, audit, sessions, memory, RAG chunk metadata,
// export receipts) and provides two backends: an embedded modernc.org/sqlite
// implementation for the single-office default deployment, and a
// jackc/pgx/v5 implementation for a shared/networked deployment. Monetary
// columns are stored as decimal strings, never binary float.
package store

import (
	"context"
	"time"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/resilience"
)

// BookingFilter narrows ListBookings.
type BookingFilter struct {
	Status   model.State
	ClientID string
	Limit    int
	Offset   int
}

// Store is the persistence contract used by every core component.
type Store interface {
	// Bookings (C7)
	CreateBooking(ctx context.Context, b model.Booking) error
	// TransitionBooking atomically updates a booking only if its current
	// status is one of fromStates, applying mutate to the loaded record
	// before writing it back. Returns apperr Conflict if the CAS misses —
	// The loser of a race observes a Conflict rather than clobbering the winner.
	TransitionBooking(ctx context.Context, id string, fromStates []model.State, mutate func(*model.Booking) error) (model.Booking, error)
	GetBooking(ctx context.Context, id string) (*model.Booking, error)
	ListBookings(ctx context.Context, filter BookingFilter) ([]model.Booking, error)
	FindBookingByFingerprint(ctx context.Context, clientID string, docClass model.DocClass, fingerprint string) (*model.Booking, error)

	// Audit (C10)
	AppendAudit(ctx context.Context, actor string, kind model.AuditKind, subjectID string, payload map[string]any) (model.AuditEvent, error)
	AuditRange(ctx context.Context, from, to int64) ([]model.AuditEvent, error)
	LastAuditEvent(ctx context.Context) (*model.AuditEvent, error)

	// Sessions & auth (C11)
	CreateSession(ctx context.Context, s model.Session, tokenHash string) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error)
	DeleteSession(ctx context.Context, tokenHash string) error
	RecordLoginFailure(ctx context.Context, username string, at time.Time) (count int, err error)
	ClearLoginFailures(ctx context.Context, username string) error
	LoginFailureCount(ctx context.Context, username string, since time.Time) (int, error)

	// Memory (C4)
	AppendJournal(ctx context.Context, e model.JournalEntry) error
	PruneJournal(ctx context.Context, before time.Time) (int, error)
	UpsertMemoryRule(ctx context.Context, r model.MemoryRule) error
	ListMemoryRules(ctx context.Context, key model.MemoryRuleKey) ([]model.MemoryRule, error)
	GetMemoryRuleExact(ctx context.Context, key model.MemoryRuleKey, account, vatClass string) (*model.MemoryRule, error)

	// RAG (C5)
	InsertLegalChunk(ctx context.Context, c model.LegalChunk) error
	UpdateLegalChunk(ctx context.Context, c model.LegalChunk) error
	GetLegalChunk(ctx context.Context, id string) (*model.LegalChunk, error)
	FindOpenChunk(ctx context.Context, lawCode, article, paragraph string) (*model.LegalChunk, error)
	SearchChunksAsOf(ctx context.Context, asOf time.Time, keywords []string, topK int) ([]model.LegalChunk, error)
	ListQuarantined(ctx context.Context) ([]model.LegalChunk, error)

	// Export receipts (C9)
	InsertExportReceipt(ctx context.Context, r ExportReceiptRow) (created bool, err error)
	GetExportReceipt(ctx context.Context, bookingID, target string) (*ExportReceiptRow, error)

	// Dead letter queue (C6/C9 retry exhaustion)
	// EnqueueDLQ records or bumps a failed pipeline stage for bookingID/stage;
	// a repeat call for the same pair increments retry_count instead of
	// inserting a second row.
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	RemoveDLQ(ctx context.Context, bookingID, stage string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ExportReceiptRow is the persisted shape of an export receipt
// exactly once per (booking, target) pair.
type ExportReceiptRow struct {
	BookingID   string
	Target      string
	Filename    string
	BytesHash   string
	DeliveredAt time.Time
}
