package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite — the default,
// embedded, single-office backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// The audit log and booking CAS both rely on serialized single-writer
	// semantics; SQLite's own single-writer lock backs that up directly.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS bookings (
	id          TEXT PRIMARY KEY,
	client_id   TEXT NOT NULL,
	doc_class   TEXT NOT NULL,
	status      TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	data        TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status);
CREATE INDEX IF NOT EXISTS idx_bookings_client ON bookings(client_id);
CREATE INDEX IF NOT EXISTS idx_bookings_fingerprint ON bookings(client_id, doc_class, fingerprint);

CREATE TABLE IF NOT EXISTS audit_events (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp    DATETIME NOT NULL,
	actor        TEXT NOT NULL,
	kind         TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	payload      TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	prev_hash    TEXT NOT NULL,
	hash         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	token_hash TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	username   TEXT NOT NULL,
	role       TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS login_failures (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL,
	at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_login_failures_username ON login_failures(username);

CREATE TABLE IF NOT EXISTS journal_entries (
	id         TEXT PRIMARY KEY,
	client_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_created ON journal_entries(created_at);

CREATE TABLE IF NOT EXISTS memory_rules (
	id                TEXT PRIMARY KEY,
	client_id         TEXT NOT NULL,
	supplier_id       TEXT NOT NULL DEFAULT '',
	doc_class         TEXT NOT NULL,
	feature_hash      TEXT NOT NULL,
	suggested_account TEXT NOT NULL,
	vat_class         TEXT NOT NULL,
	confidence        REAL NOT NULL,
	hits              INTEGER NOT NULL,
	last_used         DATETIME NOT NULL,
	created_from      TEXT NOT NULL,
	half_life_days    INTEGER NOT NULL,
	conflict          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_memory_rules_key ON memory_rules(client_id, supplier_id, doc_class, feature_hash);

CREATE TABLE IF NOT EXISTS legal_chunks (
	id             TEXT PRIMARY KEY,
	corpus_id      TEXT NOT NULL,
	law_code       TEXT NOT NULL,
	article        TEXT NOT NULL,
	paragraph      TEXT NOT NULL DEFAULT '',
	text           TEXT NOT NULL,
	gazette_ref    TEXT NOT NULL,
	effective_from DATETIME NOT NULL,
	effective_to   DATETIME,
	supersedes     TEXT NOT NULL DEFAULT '',
	vector         TEXT,
	keywords       TEXT,
	confirmed      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_legal_chunks_law ON legal_chunks(law_code, article, paragraph);

CREATE TABLE IF NOT EXISTS export_receipts (
	booking_id   TEXT NOT NULL,
	target       TEXT NOT NULL,
	filename     TEXT NOT NULL,
	bytes_hash   TEXT NOT NULL,
	delivered_at DATETIME NOT NULL,
	PRIMARY KEY (booking_id, target)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	booking_id     TEXT NOT NULL,
	stage          TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	failed_phase   TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL,
	UNIQUE (booking_id, stage)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Bookings ---

func (s *SQLiteStore) CreateBooking(ctx context.Context, b model.Booking) error {
	data, err := json.Marshal(b)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal booking")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bookings (id, client_id, doc_class, status, fingerprint, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ClientID, string(b.Class), string(b.Status), b.Fingerprint, string(data), b.CreatedAt, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: insert booking")
}

func (s *SQLiteStore) getBookingTx(ctx context.Context, q querier, id string) (*model.Booking, error) {
	row := q.QueryRowContext(ctx, `SELECT data FROM bookings WHERE id = ?`, id)
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.KindNotFound, "booking not found: "+id)
		}
		return nil, eris.Wrap(err, "sqlite: scan booking")
	}
	var b model.Booking
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode booking")
	}
	return &b, nil
}

func (s *SQLiteStore) GetBooking(ctx context.Context, id string) (*model.Booking, error) {
	return s.getBookingTx(ctx, s.db, id)
}

// TransitionBooking performs the CAS transition inside a transaction: this
// is what makes concurrent operator actions on the same booking serialize
// with first acquirer wins semantics: the loser observes a conflict.
func (s *SQLiteStore) TransitionBooking(ctx context.Context, id string, fromStates []model.State, mutate func(*model.Booking) error) (model.Booking, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Booking{}, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	b, err := s.getBookingTx(ctx, tx, id)
	if err != nil {
		return model.Booking{}, err
	}

	allowed := false
	for _, st := range fromStates {
		if b.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return model.Booking{}, apperr.StateConflict(id, string(b.Status))
	}

	if err := mutate(b); err != nil {
		return model.Booking{}, err
	}

	data, err := json.Marshal(b)
	if err != nil {
		return model.Booking{}, eris.Wrap(err, "sqlite: marshal booking")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE bookings SET status = ?, doc_class = ?, fingerprint = ?, data = ?, updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(len(fromStates))+`)`,
		append([]any{string(b.Status), string(b.Class), b.Fingerprint, string(data), time.Now().UTC(), id}, statesToAny(fromStates)...)...,
	)
	if err != nil {
		return model.Booking{}, eris.Wrap(err, "sqlite: update booking")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Booking{}, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return model.Booking{}, apperr.StateConflict(id, string(b.Status))
	}

	if err := tx.Commit(); err != nil {
		return model.Booking{}, eris.Wrap(err, "sqlite: commit")
	}
	return *b, nil
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += "?"
	}
	return out
}

func statesToAny(states []model.State) []any {
	out := make([]any, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

func (s *SQLiteStore) ListBookings(ctx context.Context, filter BookingFilter) ([]model.Booking, error) {
	query := `SELECT data FROM bookings WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, filter.ClientID)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list bookings")
	}
	defer rows.Close()

	var out []model.Booking
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan booking row")
		}
		var b model.Booking
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode booking row")
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list bookings rows")
}

func (s *SQLiteStore) FindBookingByFingerprint(ctx context.Context, clientID string, docClass model.DocClass, fingerprint string) (*model.Booking, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM bookings WHERE client_id = ? AND doc_class = ? AND fingerprint = ?
		 ORDER BY created_at ASC LIMIT 1`,
		clientID, string(docClass), fingerprint,
	)
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: find booking by fingerprint")
	}
	var b model.Booking
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode booking")
	}
	return &b, nil
}

// --- Audit ---

// AppendAudit is the sole writer of the hash chain: it computes seq and
// hash inside the same transaction as the insert, so §8 testable property
// 2 (no transition observable without a matching, chain-verifying event)
// holds even under concurrent callers.
func (s *SQLiteStore) AppendAudit(ctx context.Context, actor string, kind model.AuditKind, subjectID string, payload map[string]any) (model.AuditEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.AuditEvent{}, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	var prevHash string
	row := tx.QueryRowContext(ctx, `SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&prevHash); err != nil && err != sql.ErrNoRows {
		return model.AuditEvent{}, eris.Wrap(err, "sqlite: read last audit hash")
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return model.AuditEvent{}, eris.Wrap(err, "sqlite: marshal audit payload")
	}
	payloadHash := hashHex(payloadJSON)
	now := time.Now().UTC()
	hash := hashHex([]byte(prevHash + payloadHash))

	res, err := tx.ExecContext(ctx,
		`INSERT INTO audit_events (timestamp, actor, kind, subject_id, payload, payload_hash, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		now, actor, string(kind), subjectID, string(payloadJSON), payloadHash, prevHash, hash,
	)
	if err != nil {
		return model.AuditEvent{}, eris.Wrap(err, "sqlite: insert audit event")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return model.AuditEvent{}, eris.Wrap(err, "sqlite: last insert id")
	}
	if err := tx.Commit(); err != nil {
		return model.AuditEvent{}, eris.Wrap(err, "sqlite: commit audit")
	}

	return model.AuditEvent{
		Seq: seq, Timestamp: now, Actor: actor, Kind: kind, SubjectID: subjectID,
		Payload: payload, PayloadHash: payloadHash, PrevHash: prevHash, Hash: hash,
	}, nil
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (s *SQLiteStore) AuditRange(ctx context.Context, from, to int64) ([]model.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, timestamp, actor, kind, subject_id, payload, payload_hash, prev_hash, hash
		 FROM audit_events WHERE seq >= ? AND seq <= ? ORDER BY seq ASC`, from, to)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: audit range")
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		var payloadJSON string
		var kind string
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Actor, &kind, &e.SubjectID, &payloadJSON, &e.PayloadHash, &e.PrevHash, &e.Hash); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit event")
		}
		e.Kind = model.AuditKind(kind)
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode audit payload")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: audit range rows")
}

func (s *SQLiteStore) LastAuditEvent(ctx context.Context) (*model.AuditEvent, error) {
	events, err := s.AuditRange(ctx, 0, 1<<62)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[len(events)-1], nil
}

// --- Sessions & auth ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess model.Session, tokenHash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token_hash, user_id, username, role, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		tokenHash, sess.UserID, sess.Username, string(sess.Role), sess.CreatedAt, sess.ExpiresAt,
	)
	return eris.Wrap(err, "sqlite: create session")
}

func (s *SQLiteStore) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, role, created_at, expires_at FROM sessions WHERE token_hash = ?`, tokenHash)
	var sess model.Session
	var role string
	if err := row.Scan(&sess.UserID, &sess.Username, &role, &sess.CreatedAt, &sess.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.KindNotFound, "session not found")
		}
		return nil, eris.Wrap(err, "sqlite: get session")
	}
	sess.Role = model.Role(role)
	return &sess, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?`, tokenHash)
	return eris.Wrap(err, "sqlite: delete session")
}

func (s *SQLiteStore) RecordLoginFailure(ctx context.Context, username string, at time.Time) (int, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO login_failures (username, at) VALUES (?, ?)`, username, at); err != nil {
		return 0, eris.Wrap(err, "sqlite: record login failure")
	}
	return s.LoginFailureCount(ctx, username, time.Time{})
}

func (s *SQLiteStore) ClearLoginFailures(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM login_failures WHERE username = ?`, username)
	return eris.Wrap(err, "sqlite: clear login failures")
}

func (s *SQLiteStore) LoginFailureCount(ctx context.Context, username string, since time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM login_failures WHERE username = ? AND at >= ?`, username, since)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, eris.Wrap(err, "sqlite: count login failures")
	}
	return count, nil
}

// --- Memory (L1/L2) ---

func (s *SQLiteStore) AppendJournal(ctx context.Context, e model.JournalEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal journal payload")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journal_entries (id, client_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.ClientID, e.Kind, string(payload), e.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: append journal")
}

func (s *SQLiteStore) PruneJournal(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM journal_entries WHERE created_at < ?`, before)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune journal")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: prune journal rows affected")
}

func (s *SQLiteStore) UpsertMemoryRule(ctx context.Context, r model.MemoryRule) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_rules (id, client_id, supplier_id, doc_class, feature_hash, suggested_account, vat_class, confidence, hits, last_used, created_from, half_life_days, conflict)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   suggested_account = excluded.suggested_account,
		   vat_class = excluded.vat_class,
		   confidence = excluded.confidence,
		   hits = excluded.hits,
		   last_used = excluded.last_used,
		   conflict = excluded.conflict`,
		r.ID, r.Key.ClientID, r.Key.SupplierID, string(r.Key.DocClass), r.Key.FeatureHash,
		r.SuggestedAccount, r.VATClass, r.Confidence, r.Hits, r.LastUsed, r.CreatedFrom, r.HalfLifeDays, boolToInt(r.Conflict),
	)
	return eris.Wrap(err, "sqlite: upsert memory rule")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) ListMemoryRules(ctx context.Context, key model.MemoryRuleKey) ([]model.MemoryRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, supplier_id, doc_class, feature_hash, suggested_account, vat_class, confidence, hits, last_used, created_from, half_life_days, conflict
		 FROM memory_rules WHERE client_id = ? AND supplier_id = ? AND doc_class = ? AND feature_hash = ?
		 ORDER BY confidence DESC`,
		key.ClientID, key.SupplierID, string(key.DocClass), key.FeatureHash,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list memory rules")
	}
	defer rows.Close()

	var out []model.MemoryRule
	for rows.Next() {
		r, err := scanMemoryRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list memory rules rows")
}

func (s *SQLiteStore) GetMemoryRuleExact(ctx context.Context, key model.MemoryRuleKey, account, vatClass string) (*model.MemoryRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, supplier_id, doc_class, feature_hash, suggested_account, vat_class, confidence, hits, last_used, created_from, half_life_days, conflict
		 FROM memory_rules WHERE client_id = ? AND supplier_id = ? AND doc_class = ? AND feature_hash = ? AND suggested_account = ? AND vat_class = ?`,
		key.ClientID, key.SupplierID, string(key.DocClass), key.FeatureHash, account, vatClass,
	)
	r, err := scanMemoryRuleRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get memory rule exact")
	}
	return &r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryRule(r *sql.Rows) (model.MemoryRule, error) {
	return scanMemoryRuleRow(r)
}

func scanMemoryRuleRow(r rowScanner) (model.MemoryRule, error) {
	var m model.MemoryRule
	var docClass string
	var conflict int
	if err := r.Scan(&m.ID, &m.Key.ClientID, &m.Key.SupplierID, &docClass, &m.Key.FeatureHash,
		&m.SuggestedAccount, &m.VATClass, &m.Confidence, &m.Hits, &m.LastUsed, &m.CreatedFrom, &m.HalfLifeDays, &conflict); err != nil {
		return model.MemoryRule{}, err
	}
	m.Key.DocClass = model.DocClass(docClass)
	m.Conflict = conflict != 0
	return m, nil
}

// --- RAG ---

func (s *SQLiteStore) InsertLegalChunk(ctx context.Context, c model.LegalChunk) error {
	vectorJSON, err := json.Marshal(c.Vector)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal vector")
	}
	keywordsJSON, err := json.Marshal(c.Keywords)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal keywords")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO legal_chunks (id, corpus_id, law_code, article, paragraph, text, gazette_ref, effective_from, effective_to, supersedes, vector, keywords, confirmed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CorpusID, c.LawCode, c.Article, c.Paragraph, c.Text, c.GazetteRef, c.EffectiveFrom, c.EffectiveTo, c.Supersedes,
		string(vectorJSON), string(keywordsJSON), boolToInt(c.Confirmed),
	)
	return eris.Wrap(err, "sqlite: insert legal chunk")
}

func (s *SQLiteStore) UpdateLegalChunk(ctx context.Context, c model.LegalChunk) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE legal_chunks SET effective_to = ?, confirmed = ? WHERE id = ?`,
		c.EffectiveTo, boolToInt(c.Confirmed), c.ID,
	)
	return eris.Wrap(err, "sqlite: update legal chunk")
}

func (s *SQLiteStore) GetLegalChunk(ctx context.Context, id string) (*model.LegalChunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, corpus_id, law_code, article, paragraph, text, gazette_ref, effective_from, effective_to, supersedes, vector, keywords, confirmed
		 FROM legal_chunks WHERE id = ?`, id)
	c, err := scanLegalChunk(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "legal chunk not found: "+id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get legal chunk")
	}
	return &c, nil
}

func (s *SQLiteStore) FindOpenChunk(ctx context.Context, lawCode, article, paragraph string) (*model.LegalChunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, corpus_id, law_code, article, paragraph, text, gazette_ref, effective_from, effective_to, supersedes, vector, keywords, confirmed
		 FROM legal_chunks WHERE law_code = ? AND article = ? AND paragraph = ? AND effective_to IS NULL`,
		lawCode, article, paragraph,
	)
	c, err := scanLegalChunk(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find open chunk")
	}
	return &c, nil
}

func scanLegalChunk(r rowScanner) (model.LegalChunk, error) {
	var c model.LegalChunk
	var effectiveTo sql.NullTime
	var vectorJSON, keywordsJSON string
	var confirmed int
	if err := r.Scan(&c.ID, &c.CorpusID, &c.LawCode, &c.Article, &c.Paragraph, &c.Text, &c.GazetteRef,
		&c.EffectiveFrom, &effectiveTo, &c.Supersedes, &vectorJSON, &keywordsJSON, &confirmed); err != nil {
		return model.LegalChunk{}, err
	}
	if effectiveTo.Valid {
		t := effectiveTo.Time
		c.EffectiveTo = &t
	}
	_ = json.Unmarshal([]byte(vectorJSON), &c.Vector)
	_ = json.Unmarshal([]byte(keywordsJSON), &c.Keywords)
	c.Confirmed = confirmed != 0
	return c, nil
}

func (s *SQLiteStore) SearchChunksAsOf(ctx context.Context, asOf time.Time, keywords []string, topK int) ([]model.LegalChunk, error) {
	query := `SELECT id, corpus_id, law_code, article, paragraph, text, gazette_ref, effective_from, effective_to, supersedes, vector, keywords, confirmed
		 FROM legal_chunks
		 WHERE confirmed = 1 AND effective_from <= ? AND (effective_to IS NULL OR effective_to >= ?)`
	args := []any{asOf, asOf}
	for _, kw := range keywords {
		query += ` AND (text LIKE ? OR keywords LIKE ?)`
		args = append(args, "%"+kw+"%", "%"+kw+"%")
	}
	query += ` ORDER BY effective_from DESC`
	if topK > 0 {
		query += ` LIMIT ?`
		args = append(args, topK)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search chunks")
	}
	defer rows.Close()

	var out []model.LegalChunk
	for rows.Next() {
		c, err := scanLegalChunk(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chunk")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: search chunks rows")
}

func (s *SQLiteStore) ListQuarantined(ctx context.Context) ([]model.LegalChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, corpus_id, law_code, article, paragraph, text, gazette_ref, effective_from, effective_to, supersedes, vector, keywords, confirmed
		 FROM legal_chunks WHERE confirmed = 0 ORDER BY effective_from DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list quarantined")
	}
	defer rows.Close()

	var out []model.LegalChunk
	for rows.Next() {
		c, err := scanLegalChunk(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan quarantined chunk")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list quarantined rows")
}

// --- Export receipts ---

// InsertExportReceipt inserts the receipt if none exists yet for
// (booking_id, target); created reports whether this call did the
// inserting, so callers can tell a fresh export from a replayed one.
func (s *SQLiteStore) InsertExportReceipt(ctx context.Context, r ExportReceiptRow) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO export_receipts (booking_id, target, filename, bytes_hash, delivered_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(booking_id, target) DO NOTHING`,
		r.BookingID, r.Target, r.Filename, r.BytesHash, r.DeliveredAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert export receipt")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: export receipt rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetExportReceipt(ctx context.Context, bookingID, target string) (*ExportReceiptRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT booking_id, target, filename, bytes_hash, delivered_at FROM export_receipts WHERE booking_id = ? AND target = ?`,
		bookingID, target,
	)
	var r ExportReceiptRow
	if err := row.Scan(&r.BookingID, &r.Target, &r.Filename, &r.BytesHash, &r.DeliveredAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get export receipt")
	}
	return &r, nil
}

// --- Dead letter queue ---

// EnqueueDLQ inserts a new entry for (booking_id, stage), or bumps
// retry_count and error on an existing one — a booking whose export or
// inference stage keeps failing accumulates retries on one row rather than
// growing the queue unboundedly.
func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, booking_id, stage, error, error_type, failed_phase, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(booking_id, stage) DO UPDATE SET
		   error = excluded.error,
		   error_type = excluded.error_type,
		   retry_count = dead_letter_queue.retry_count + 1,
		   next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.BookingID, entry.Stage, entry.Error, entry.ErrorType, entry.FailedPhase,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, booking_id, stage, error, error_type, failed_phase, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{time.Now().UTC()}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at ASC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.BookingID, &e.Stage, &e.Error, &e.ErrorType, &e.FailedPhase,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: dequeue dlq rows")
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, bookingID, stage string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE booking_id = ? AND stage = ?`, bookingID, stage)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`)
	var count int
	err := row.Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
