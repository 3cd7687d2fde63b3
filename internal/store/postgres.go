package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/resilience"
)

// Pool is the subset of *pgxpool.Pool this package needs, satisfied by
// pgxmock in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store for a shared/networked deployment.
type PostgresStore struct {
	pool Pool
}

// NewPostgres connects to a Postgres database via pgxpool.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing Pool (e.g. a pgxmock pool in tests).
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS bookings (
	id          TEXT PRIMARY KEY,
	client_id   TEXT NOT NULL,
	doc_class   TEXT NOT NULL,
	status      TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	data        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status);
CREATE INDEX IF NOT EXISTS idx_bookings_client ON bookings(client_id);
CREATE INDEX IF NOT EXISTS idx_bookings_fingerprint ON bookings(client_id, doc_class, fingerprint);

CREATE TABLE IF NOT EXISTS audit_events (
	seq          BIGSERIAL PRIMARY KEY,
	timestamp    TIMESTAMPTZ NOT NULL,
	actor        TEXT NOT NULL,
	kind         TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	payload      JSONB NOT NULL,
	payload_hash TEXT NOT NULL,
	prev_hash    TEXT NOT NULL,
	hash         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	token_hash TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	username   TEXT NOT NULL,
	role       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS login_failures (
	id       BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL,
	at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS journal_entries (
	id         TEXT PRIMARY KEY,
	client_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_rules (
	id                TEXT PRIMARY KEY,
	client_id         TEXT NOT NULL,
	supplier_id       TEXT NOT NULL DEFAULT '',
	doc_class         TEXT NOT NULL,
	feature_hash      TEXT NOT NULL,
	suggested_account TEXT NOT NULL,
	vat_class         TEXT NOT NULL,
	confidence        DOUBLE PRECISION NOT NULL,
	hits              INTEGER NOT NULL,
	last_used         TIMESTAMPTZ NOT NULL,
	created_from      TEXT NOT NULL,
	half_life_days    INTEGER NOT NULL,
	conflict          BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS legal_chunks (
	id             TEXT PRIMARY KEY,
	corpus_id      TEXT NOT NULL,
	law_code       TEXT NOT NULL,
	article        TEXT NOT NULL,
	paragraph      TEXT NOT NULL DEFAULT '',
	text           TEXT NOT NULL,
	gazette_ref    TEXT NOT NULL,
	effective_from TIMESTAMPTZ NOT NULL,
	effective_to   TIMESTAMPTZ,
	supersedes     TEXT NOT NULL DEFAULT '',
	vector         JSONB,
	keywords       JSONB,
	confirmed      BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS export_receipts (
	booking_id   TEXT NOT NULL,
	target       TEXT NOT NULL,
	filename     TEXT NOT NULL,
	bytes_hash   TEXT NOT NULL,
	delivered_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (booking_id, target)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	booking_id     TEXT NOT NULL,
	stage          TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	failed_phase   TEXT NOT NULL DEFAULT '',
	retry_count    INT NOT NULL DEFAULT 0,
	max_retries    INT NOT NULL,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	last_failed_at TIMESTAMPTZ NOT NULL,
	UNIQUE (booking_id, stage)
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) CreateBooking(ctx context.Context, b model.Booking) error {
	data, err := json.Marshal(b)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal booking")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO bookings (id, client_id, doc_class, status, fingerprint, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.ClientID, string(b.Class), string(b.Status), b.Fingerprint, data, b.CreatedAt, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: insert booking")
}

func (s *PostgresStore) GetBooking(ctx context.Context, id string) (*model.Booking, error) {
	row := s.pool.QueryRow(ctx, `SELECT data FROM bookings WHERE id = $1`, id)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.New(apperr.KindNotFound, "booking not found: "+id)
		}
		return nil, eris.Wrap(err, "postgres: get booking")
	}
	var b model.Booking
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, eris.Wrap(err, "postgres: decode booking")
	}
	return &b, nil
}

func (s *PostgresStore) TransitionBooking(ctx context.Context, id string, fromStates []model.State, mutate func(*model.Booking) error) (model.Booking, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Booking{}, eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT data FROM bookings WHERE id = $1 FOR UPDATE`, id)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == pgx.ErrNoRows {
			return model.Booking{}, apperr.New(apperr.KindNotFound, "booking not found: "+id)
		}
		return model.Booking{}, eris.Wrap(err, "postgres: get booking for update")
	}
	var b model.Booking
	if err := json.Unmarshal(data, &b); err != nil {
		return model.Booking{}, eris.Wrap(err, "postgres: decode booking")
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

	if err := mutate(&b); err != nil {
		return model.Booking{}, err
	}

	newData, err := json.Marshal(b)
	if err != nil {
		return model.Booking{}, eris.Wrap(err, "postgres: marshal booking")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE bookings SET status = $1, doc_class = $2, fingerprint = $3, data = $4, updated_at = $5 WHERE id = $6`,
		string(b.Status), string(b.Class), b.Fingerprint, newData, time.Now().UTC(), id,
	)
	if err != nil {
		return model.Booking{}, eris.Wrap(err, "postgres: update booking")
	}
	if tag.RowsAffected() == 0 {
		return model.Booking{}, apperr.StateConflict(id, string(b.Status))
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Booking{}, eris.Wrap(err, "postgres: commit")
	}
	return b, nil
}

func (s *PostgresStore) ListBookings(ctx context.Context, filter BookingFilter) ([]model.Booking, error) {
	query := `SELECT data FROM bookings WHERE TRUE`
	var args []any
	idx := 1
	if filter.Status != "" {
		query += ` AND status = $` + itoa(idx)
		args = append(args, string(filter.Status))
		idx++
	}
	if filter.ClientID != "" {
		query += ` AND client_id = $` + itoa(idx)
		args = append(args, filter.ClientID)
		idx++
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT $` + itoa(idx) + ` OFFSET $` + itoa(idx+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list bookings")
	}
	defer rows.Close()

	var out []model.Booking
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan booking row")
		}
		var b model.Booking
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, eris.Wrap(err, "postgres: decode booking row")
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list bookings rows")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *PostgresStore) FindBookingByFingerprint(ctx context.Context, clientID string, docClass model.DocClass, fingerprint string) (*model.Booking, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT data FROM bookings WHERE client_id = $1 AND doc_class = $2 AND fingerprint = $3 ORDER BY created_at ASC LIMIT 1`,
		clientID, string(docClass), fingerprint,
	)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find booking by fingerprint")
	}
	var b model.Booking
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, eris.Wrap(err, "postgres: decode booking")
	}
	return &b, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, actor string, kind model.AuditKind, subjectID string, payload map[string]any) (model.AuditEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.AuditEvent{}, eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	var prevHash string
	row := tx.QueryRow(ctx, `SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&prevHash); err != nil && err != pgx.ErrNoRows {
		return model.AuditEvent{}, eris.Wrap(err, "postgres: read last audit hash")
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return model.AuditEvent{}, eris.Wrap(err, "postgres: marshal audit payload")
	}
	payloadHash := hashHex(payloadJSON)
	now := time.Now().UTC()
	hash := hashHex([]byte(prevHash + payloadHash))

	var seq int64
	row = tx.QueryRow(ctx,
		`INSERT INTO audit_events (timestamp, actor, kind, subject_id, payload, payload_hash, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING seq`,
		now, actor, string(kind), subjectID, payloadJSON, payloadHash, prevHash, hash,
	)
	if err := row.Scan(&seq); err != nil {
		return model.AuditEvent{}, eris.Wrap(err, "postgres: insert audit event")
	}
	if err := tx.Commit(ctx); err != nil {
		return model.AuditEvent{}, eris.Wrap(err, "postgres: commit audit")
	}

	return model.AuditEvent{
		Seq: seq, Timestamp: now, Actor: actor, Kind: kind, SubjectID: subjectID,
		Payload: payload, PayloadHash: payloadHash, PrevHash: prevHash, Hash: hash,
	}, nil
}

func (s *PostgresStore) AuditRange(ctx context.Context, from, to int64) ([]model.AuditEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, timestamp, actor, kind, subject_id, payload, payload_hash, prev_hash, hash
		 FROM audit_events WHERE seq >= $1 AND seq <= $2 ORDER BY seq ASC`, from, to)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: audit range")
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		var payloadJSON []byte
		var kind string
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Actor, &kind, &e.SubjectID, &payloadJSON, &e.PayloadHash, &e.PrevHash, &e.Hash); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit event")
		}
		e.Kind = model.AuditKind(kind)
		if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
			return nil, eris.Wrap(err, "postgres: decode audit payload")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: audit range rows")
}

func (s *PostgresStore) LastAuditEvent(ctx context.Context) (*model.AuditEvent, error) {
	events, err := s.AuditRange(ctx, 0, 1<<62)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[len(events)-1], nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess model.Session, tokenHash string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (token_hash, user_id, username, role, created_at, expires_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		tokenHash, sess.UserID, sess.Username, string(sess.Role), sess.CreatedAt, sess.ExpiresAt,
	)
	return eris.Wrap(err, "postgres: create session")
}

func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT user_id, username, role, created_at, expires_at FROM sessions WHERE token_hash = $1`, tokenHash)
	var sess model.Session
	var role string
	if err := row.Scan(&sess.UserID, &sess.Username, &role, &sess.CreatedAt, &sess.ExpiresAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.New(apperr.KindNotFound, "session not found")
		}
		return nil, eris.Wrap(err, "postgres: get session")
	}
	sess.Role = model.Role(role)
	return &sess, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
	return eris.Wrap(err, "postgres: delete session")
}

func (s *PostgresStore) RecordLoginFailure(ctx context.Context, username string, at time.Time) (int, error) {
	if _, err := s.pool.Exec(ctx, `INSERT INTO login_failures (username, at) VALUES ($1, $2)`, username, at); err != nil {
		return 0, eris.Wrap(err, "postgres: record login failure")
	}
	return s.LoginFailureCount(ctx, username, time.Time{})
}

func (s *PostgresStore) ClearLoginFailures(ctx context.Context, username string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM login_failures WHERE username = $1`, username)
	return eris.Wrap(err, "postgres: clear login failures")
}

func (s *PostgresStore) LoginFailureCount(ctx context.Context, username string, since time.Time) (int, error) {
	row := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM login_failures WHERE username = $1 AND at >= $2`, username, since)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, eris.Wrap(err, "postgres: count login failures")
	}
	return count, nil
}

func (s *PostgresStore) AppendJournal(ctx context.Context, e model.JournalEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal journal payload")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO journal_entries (id, client_id, kind, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.ClientID, e.Kind, payload, e.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append journal")
}

func (s *PostgresStore) PruneJournal(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM journal_entries WHERE created_at < $1`, before)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune journal")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) UpsertMemoryRule(ctx context.Context, r model.MemoryRule) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_rules (id, client_id, supplier_id, doc_class, feature_hash, suggested_account, vat_class, confidence, hits, last_used, created_from, half_life_days, conflict)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   suggested_account = EXCLUDED.suggested_account,
		   vat_class = EXCLUDED.vat_class,
		   confidence = EXCLUDED.confidence,
		   hits = EXCLUDED.hits,
		   last_used = EXCLUDED.last_used,
		   conflict = EXCLUDED.conflict`,
		r.ID, r.Key.ClientID, r.Key.SupplierID, string(r.Key.DocClass), r.Key.FeatureHash,
		r.SuggestedAccount, r.VATClass, r.Confidence, r.Hits, r.LastUsed, r.CreatedFrom, r.HalfLifeDays, r.Conflict,
	)
	return eris.Wrap(err, "postgres: upsert memory rule")
}

func (s *PostgresStore) ListMemoryRules(ctx context.Context, key model.MemoryRuleKey) ([]model.MemoryRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, client_id, supplier_id, doc_class, feature_hash, suggested_account, vat_class, confidence, hits, last_used, created_from, half_life_days, conflict
		 FROM memory_rules WHERE client_id = $1 AND supplier_id = $2 AND doc_class = $3 AND feature_hash = $4 ORDER BY confidence DESC`,
		key.ClientID, key.SupplierID, string(key.DocClass), key.FeatureHash,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list memory rules")
	}
	defer rows.Close()

	var out []model.MemoryRule
	for rows.Next() {
		var m model.MemoryRule
		var docClass string
		if err := rows.Scan(&m.ID, &m.Key.ClientID, &m.Key.SupplierID, &docClass, &m.Key.FeatureHash,
			&m.SuggestedAccount, &m.VATClass, &m.Confidence, &m.Hits, &m.LastUsed, &m.CreatedFrom, &m.HalfLifeDays, &m.Conflict); err != nil {
			return nil, eris.Wrap(err, "postgres: scan memory rule")
		}
		m.Key.DocClass = model.DocClass(docClass)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list memory rules rows")
}

func (s *PostgresStore) GetMemoryRuleExact(ctx context.Context, key model.MemoryRuleKey, account, vatClass string) (*model.MemoryRule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, client_id, supplier_id, doc_class, feature_hash, suggested_account, vat_class, confidence, hits, last_used, created_from, half_life_days, conflict
		 FROM memory_rules WHERE client_id = $1 AND supplier_id = $2 AND doc_class = $3 AND feature_hash = $4 AND suggested_account = $5 AND vat_class = $6`,
		key.ClientID, key.SupplierID, string(key.DocClass), key.FeatureHash, account, vatClass,
	)
	var m model.MemoryRule
	var docClass string
	if err := row.Scan(&m.ID, &m.Key.ClientID, &m.Key.SupplierID, &docClass, &m.Key.FeatureHash,
		&m.SuggestedAccount, &m.VATClass, &m.Confidence, &m.Hits, &m.LastUsed, &m.CreatedFrom, &m.HalfLifeDays, &m.Conflict); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get memory rule exact")
	}
	m.Key.DocClass = model.DocClass(docClass)
	return &m, nil
}

func (s *PostgresStore) InsertLegalChunk(ctx context.Context, c model.LegalChunk) error {
	vectorJSON, _ := json.Marshal(c.Vector)
	keywordsJSON, _ := json.Marshal(c.Keywords)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO legal_chunks (id, corpus_id, law_code, article, paragraph, text, gazette_ref, effective_from, effective_to, supersedes, vector, keywords, confirmed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.CorpusID, c.LawCode, c.Article, c.Paragraph, c.Text, c.GazetteRef, c.EffectiveFrom, c.EffectiveTo, c.Supersedes,
		vectorJSON, keywordsJSON, c.Confirmed,
	)
	return eris.Wrap(err, "postgres: insert legal chunk")
}

func (s *PostgresStore) UpdateLegalChunk(ctx context.Context, c model.LegalChunk) error {
	_, err := s.pool.Exec(ctx, `UPDATE legal_chunks SET effective_to = $1, confirmed = $2 WHERE id = $3`, c.EffectiveTo, c.Confirmed, c.ID)
	return eris.Wrap(err, "postgres: update legal chunk")
}

func (s *PostgresStore) GetLegalChunk(ctx context.Context, id string) (*model.LegalChunk, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, corpus_id, law_code, article, paragraph, text, gazette_ref, effective_from, effective_to, supersedes, vector, keywords, confirmed
		 FROM legal_chunks WHERE id = $1`, id)
	c, err := scanPgLegalChunk(row)
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "legal chunk not found: "+id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get legal chunk")
	}
	return &c, nil
}

func (s *PostgresStore) FindOpenChunk(ctx context.Context, lawCode, article, paragraph string) (*model.LegalChunk, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, corpus_id, law_code, article, paragraph, text, gazette_ref, effective_from, effective_to, supersedes, vector, keywords, confirmed
		 FROM legal_chunks WHERE law_code = $1 AND article = $2 AND paragraph = $3 AND effective_to IS NULL`,
		lawCode, article, paragraph,
	)
	c, err := scanPgLegalChunk(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find open chunk")
	}
	return &c, nil
}

func scanPgLegalChunk(row pgx.Row) (model.LegalChunk, error) {
	var c model.LegalChunk
	var effectiveTo sql.NullTime
	var vectorJSON, keywordsJSON []byte
	if err := row.Scan(&c.ID, &c.CorpusID, &c.LawCode, &c.Article, &c.Paragraph, &c.Text, &c.GazetteRef,
		&c.EffectiveFrom, &effectiveTo, &c.Supersedes, &vectorJSON, &keywordsJSON, &c.Confirmed); err != nil {
		return model.LegalChunk{}, err
	}
	if effectiveTo.Valid {
		t := effectiveTo.Time
		c.EffectiveTo = &t
	}
	_ = json.Unmarshal(vectorJSON, &c.Vector)
	_ = json.Unmarshal(keywordsJSON, &c.Keywords)
	return c, nil
}

func (s *PostgresStore) SearchChunksAsOf(ctx context.Context, asOf time.Time, keywords []string, topK int) ([]model.LegalChunk, error) {
	query := `SELECT id, corpus_id, law_code, article, paragraph, text, gazette_ref, effective_from, effective_to, supersedes, vector, keywords, confirmed
		 FROM legal_chunks WHERE confirmed = TRUE AND effective_from <= $1 AND (effective_to IS NULL OR effective_to >= $2)`
	args := []any{asOf, asOf}
	idx := 3
	for _, kw := range keywords {
		query += ` AND (text ILIKE $` + itoa(idx) + ` OR keywords::text ILIKE $` + itoa(idx) + `)`
		args = append(args, "%"+kw+"%")
		idx++
	}
	query += ` ORDER BY effective_from DESC`
	if topK > 0 {
		query += ` LIMIT $` + itoa(idx)
		args = append(args, topK)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search chunks")
	}
	defer rows.Close()

	var out []model.LegalChunk
	for rows.Next() {
		c, err := scanPgLegalChunk(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan chunk")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: search chunks rows")
}

func (s *PostgresStore) ListQuarantined(ctx context.Context) ([]model.LegalChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, corpus_id, law_code, article, paragraph, text, gazette_ref, effective_from, effective_to, supersedes, vector, keywords, confirmed
		 FROM legal_chunks WHERE confirmed = FALSE ORDER BY effective_from DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list quarantined")
	}
	defer rows.Close()

	var out []model.LegalChunk
	for rows.Next() {
		c, err := scanPgLegalChunk(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan quarantined chunk")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list quarantined rows")
}

func (s *PostgresStore) InsertExportReceipt(ctx context.Context, r ExportReceiptRow) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO export_receipts (booking_id, target, filename, bytes_hash, delivered_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (booking_id, target) DO NOTHING`,
		r.BookingID, r.Target, r.Filename, r.BytesHash, r.DeliveredAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert export receipt")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetExportReceipt(ctx context.Context, bookingID, target string) (*ExportReceiptRow, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT booking_id, target, filename, bytes_hash, delivered_at FROM export_receipts WHERE booking_id = $1 AND target = $2`,
		bookingID, target,
	)
	var r ExportReceiptRow
	if err := row.Scan(&r.BookingID, &r.Target, &r.Filename, &r.BytesHash, &r.DeliveredAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get export receipt")
	}
	return &r, nil
}

// --- Dead letter queue ---

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, booking_id, stage, error, error_type, failed_phase, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (booking_id, stage) DO UPDATE SET
		   error = excluded.error,
		   error_type = excluded.error_type,
		   retry_count = dead_letter_queue.retry_count + 1,
		   next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.BookingID, entry.Stage, entry.Error, entry.ErrorType, entry.FailedPhase,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, booking_id, stage, error, error_type, failed_phase, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	idx := 1
	if filter.ErrorType != "" {
		query += ` AND error_type = $` + itoa(idx)
		args = append(args, filter.ErrorType)
		idx++
	}
	query += ` ORDER BY next_retry_at ASC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT $` + itoa(idx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.BookingID, &e.Stage, &e.Error, &e.ErrorType, &e.FailedPhase,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: dequeue dlq rows")
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, bookingID, stage string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE booking_id = $1 AND stage = $2`, bookingID, stage)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}
