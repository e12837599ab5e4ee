package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/visibility-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	domain      TEXT NOT NULL UNIQUE,
	industry    TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	competitors TEXT NOT NULL DEFAULT '[]',
	personas    TEXT NOT NULL DEFAULT '[]',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS audits (
	id            TEXT PRIMARY KEY,
	company_id    TEXT NOT NULL REFERENCES companies(id),
	status        TEXT NOT NULL DEFAULT 'pending',
	phase         TEXT NOT NULL DEFAULT 'generation',
	total_queries INTEGER NOT NULL,
	providers     TEXT NOT NULL DEFAULT '[]',
	config        TEXT NOT NULL DEFAULT '{}',
	attempts      INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	lease_owner   TEXT NOT NULL DEFAULT '',
	heartbeat_at  DATETIME,
	started_at    DATETIME,
	completed_at  DATETIME,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_audits_status ON audits(status);
CREATE INDEX IF NOT EXISTS idx_audits_company ON audits(company_id);

CREATE TABLE IF NOT EXISTS queries (
	id              TEXT PRIMARY KEY,
	audit_id        TEXT NOT NULL REFERENCES audits(id),
	phase           TEXT NOT NULL,
	legacy_category TEXT NOT NULL DEFAULT '',
	intent          TEXT NOT NULL DEFAULT '',
	text            TEXT NOT NULL,
	content_hash    TEXT NOT NULL,
	complexity      REAL NOT NULL DEFAULT 0,
	priority        REAL NOT NULL DEFAULT 0,
	position        INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (audit_id, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_queries_audit ON queries(audit_id);

CREATE TABLE IF NOT EXISTS responses (
	id            TEXT PRIMARY KEY,
	audit_id      TEXT NOT NULL REFERENCES audits(id),
	query_id      TEXT NOT NULL REFERENCES queries(id),
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	raw_text      TEXT NOT NULL DEFAULT '',
	response_hash TEXT NOT NULL DEFAULT '',
	cache_hit     BOOLEAN NOT NULL DEFAULT 0,
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	failure_kind  TEXT NOT NULL DEFAULT '',
	analysis      TEXT,
	analyzed_at   DATETIME,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (query_id, provider)
);

CREATE INDEX IF NOT EXISTS idx_responses_audit ON responses(audit_id);

CREATE TABLE IF NOT EXISTS response_cache (
	id            TEXT PRIMARY KEY,
	query_hash    TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	raw_text      TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at    DATETIME NOT NULL,
	UNIQUE (query_hash, provider)
);

CREATE INDEX IF NOT EXISTS idx_response_cache_expires ON response_cache(expires_at);

CREATE TABLE IF NOT EXISTS batch_insights (
	id           TEXT PRIMARY KEY,
	audit_id     TEXT NOT NULL REFERENCES audits(id),
	phase        TEXT NOT NULL,
	batch_index  INTEGER NOT NULL,
	type         TEXT NOT NULL,
	items        TEXT NOT NULL DEFAULT '[]',
	response_ids TEXT NOT NULL DEFAULT '[]',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (audit_id, phase, batch_index, type)
);

CREATE TABLE IF NOT EXISTS category_insights (
	id         TEXT PRIMARY KEY,
	audit_id   TEXT NOT NULL REFERENCES audits(id),
	phase      TEXT NOT NULL,
	type       TEXT NOT NULL,
	items      TEXT NOT NULL DEFAULT '[]',
	summary    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (audit_id, phase, type)
);

CREATE TABLE IF NOT EXISTS strategic_priorities (
	id            TEXT PRIMARY KEY,
	audit_id      TEXT NOT NULL REFERENCES audits(id),
	type          TEXT NOT NULL,
	rank          INTEGER NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	item          TEXT NOT NULL DEFAULT '{}',
	source_phases TEXT NOT NULL DEFAULT '[]',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (audit_id, type, rank)
);

CREATE TABLE IF NOT EXISTS executive_summaries (
	audit_id        TEXT PRIMARY KEY REFERENCES audits(id),
	company_name    TEXT NOT NULL DEFAULT '',
	persona_context TEXT NOT NULL DEFAULT '',
	sections        TEXT NOT NULL DEFAULT '{}',
	degraded        BOOLEAN NOT NULL DEFAULT 0,
	missing_types   TEXT NOT NULL DEFAULT '[]',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS processing_metadata (
	id          TEXT PRIMARY KEY,
	audit_id    TEXT NOT NULL,
	phase       TEXT NOT NULL DEFAULT '',
	metric      TEXT NOT NULL,
	count       INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	detail      TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_metadata_audit ON processing_metadata(audit_id);
CREATE INDEX IF NOT EXISTS idx_metadata_metric ON processing_metadata(metric, created_at);

CREATE TABLE IF NOT EXISTS reprocess_log (
	id             TEXT PRIMARY KEY,
	audit_id       TEXT NOT NULL,
	attempt        INTEGER NOT NULL,
	trigger_source TEXT NOT NULL,
	before_status  TEXT NOT NULL DEFAULT '',
	before_phase   TEXT NOT NULL DEFAULT '',
	after_status   TEXT NOT NULL DEFAULT '',
	after_phase    TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_reprocess_audit ON reprocess_log(audit_id, created_at);

CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	audit_id   TEXT NOT NULL,
	type       TEXT NOT NULL,
	detail     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_audit ON audit_events(audit_id, created_at);

CREATE TABLE IF NOT EXISTS dashboards (
	audit_id     TEXT PRIMARY KEY REFERENCES audits(id),
	company_id   TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '{}',
	populated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	sf_synced_at DATETIME
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Companies ---

func (s *SQLiteStore) UpsertCompany(ctx context.Context, c *model.Company) (*model.Company, error) {
	out := *c
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	competitorsJSON, err := json.Marshal(out.Competitors)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal competitors")
	}
	personasJSON, err := json.Marshal(out.Personas)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal personas")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO companies (id, name, domain, industry, description, competitors, personas, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET name = excluded.name, industry = excluded.industry,
		   description = excluded.description, competitors = excluded.competitors,
		   personas = excluded.personas, updated_at = excluded.updated_at`,
		out.ID, out.Name, out.Domain, out.Industry, out.Description,
		string(competitorsJSON), string(personasJSON), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert company %s", out.Domain)
	}

	// The domain's original row survives a conflict, so read back the
	// canonical id.
	err = s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM companies WHERE domain = ?`, out.Domain,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read back company %s", out.Domain)
	}
	out.UpdatedAt = now
	return &out, nil
}

func (s *SQLiteStore) GetCompany(ctx context.Context, companyID string) (*model.Company, error) {
	var c model.Company
	var competitorsJSON, personasJSON string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, domain, industry, description, competitors, personas, created_at, updated_at FROM companies WHERE id = ?`,
		companyID,
	).Scan(&c.ID, &c.Name, &c.Domain, &c.Industry, &c.Description, &competitorsJSON, &personasJSON, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: company %s", companyID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get company %s", companyID)
	}
	if err := json.Unmarshal([]byte(competitorsJSON), &c.Competitors); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal competitors")
	}
	if err := json.Unmarshal([]byte(personasJSON), &c.Personas); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal personas")
	}
	return &c, nil
}

// --- Audits ---

const sqliteAuditColumns = `id, company_id, status, phase, total_queries, providers, config, attempts, error_message, lease_owner, heartbeat_at, started_at, completed_at, created_at, updated_at`

func (s *SQLiteStore) CreateAudit(ctx context.Context, a *model.Audit) (*model.Audit, error) {
	out := *a
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.Status == "" {
		out.Status = model.AuditStatusPending
	}
	if out.Phase == "" {
		out.Phase = model.PhaseGeneration
	}
	now := time.Now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now

	providersJSON, err := json.Marshal(out.Providers)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal providers")
	}
	configJSON, err := json.Marshal(out.Config)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal audit config")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audits (`+sqliteAuditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.CompanyID, string(out.Status), string(out.Phase), out.TotalQueries,
		string(providersJSON), string(configJSON), out.Attempts, out.ErrorMessage, out.LeaseOwner,
		out.HeartbeatAt, out.StartedAt, out.CompletedAt, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert audit")
	}
	return &out, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func scanAuditRow(row scannable) (*model.Audit, error) {
	var a model.Audit
	var providersJSON, configJSON string
	var heartbeatAt, startedAt, completedAt sql.NullTime

	err := row.Scan(&a.ID, &a.CompanyID, &a.Status, &a.Phase, &a.TotalQueries,
		&providersJSON, &configJSON, &a.Attempts, &a.ErrorMessage, &a.LeaseOwner,
		&heartbeatAt, &startedAt, &completedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.HeartbeatAt = nullableTime(heartbeatAt)
	a.StartedAt = nullableTime(startedAt)
	a.CompletedAt = nullableTime(completedAt)

	if err := json.Unmarshal([]byte(providersJSON), &a.Providers); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal providers")
	}
	if err := json.Unmarshal([]byte(configJSON), &a.Config); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal audit config")
	}
	return &a, nil
}

func (s *SQLiteStore) GetAudit(ctx context.Context, auditID string) (*model.Audit, error) {
	a, err := scanAuditRow(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAuditColumns+` FROM audits WHERE id = ?`, auditID))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: audit %s", auditID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get audit %s", auditID)
	}
	return a, nil
}

func (s *SQLiteStore) ListAudits(ctx context.Context, filter AuditFilter) ([]model.Audit, error) {
	query := `SELECT ` + sqliteAuditColumns + ` FROM audits WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CompanyID != "" {
		query += ` AND company_id = ?`
		args = append(args, filter.CompanyID)
	}
	if filter.Active {
		query += ` AND status IN ('pending', 'processing')`
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audits")
	}
	defer rows.Close()

	var audits []model.Audit
	for rows.Next() {
		a, err := scanAuditRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		audits = append(audits, *a)
	}
	return audits, eris.Wrap(rows.Err(), "sqlite: list audits iterate")
}

func (s *SQLiteStore) NextPendingAudit(ctx context.Context) (*model.Audit, error) {
	a, err := scanAuditRow(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAuditColumns+` FROM audits WHERE status = 'pending' ORDER BY created_at ASC LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: next pending audit")
	}
	return a, nil
}

func (s *SQLiteStore) ListStuckAudits(ctx context.Context, staleBefore time.Time) ([]model.Audit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteAuditColumns+` FROM audits
		 WHERE status = 'processing' AND COALESCE(heartbeat_at, started_at, created_at) < ?
		 ORDER BY created_at ASC`,
		staleBefore,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stuck audits")
	}
	defer rows.Close()

	var audits []model.Audit
	for rows.Next() {
		a, err := scanAuditRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stuck audit")
		}
		audits = append(audits, *a)
	}
	return audits, eris.Wrap(rows.Err(), "sqlite: list stuck audits iterate")
}

func (s *SQLiteStore) CountAuditsByStatus(ctx context.Context) (map[model.AuditStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM audits GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count audits by status")
	}
	defer rows.Close()

	counts := make(map[model.AuditStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.AuditStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count audits iterate")
}

func (s *SQLiteStore) DeleteAudit(ctx context.Context, auditID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: delete audit begin")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range auditChildTables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE audit_id = ?`, table), auditID); err != nil {
			return eris.Wrapf(err, "sqlite: delete audit %s rows from %s", auditID, table)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM audits WHERE id = ?`, auditID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete audit %s", auditID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: audit %s", auditID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: delete audit commit")
}

func (s *SQLiteStore) DeleteFailedAudits(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete failed begin")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range auditChildTables {
		stmt := fmt.Sprintf(`DELETE FROM %s WHERE audit_id IN (SELECT id FROM audits WHERE status = 'failed')`, table)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, eris.Wrapf(err, "sqlite: delete failed rows from %s", table)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM audits WHERE status = 'failed'`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete failed audits")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: delete failed commit")
	}
	return int(n), nil
}

// --- Audit lease and lifecycle transitions ---

func (s *SQLiteStore) execTransition(ctx context.Context, op, stmt string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: %s", op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ClaimAudit(ctx context.Context, auditID, owner string) (bool, error) {
	now := time.Now().UTC()
	return s.execTransition(ctx, "claim audit "+auditID,
		`UPDATE audits SET status = 'processing', lease_owner = ?, heartbeat_at = ?, started_at = COALESCE(started_at, ?), error_message = '', updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		owner, now, now, now, auditID,
	)
}

func (s *SQLiteStore) HeartbeatAudit(ctx context.Context, auditID, owner string) (bool, error) {
	now := time.Now().UTC()
	return s.execTransition(ctx, "heartbeat audit "+auditID,
		`UPDATE audits SET heartbeat_at = ?, updated_at = ? WHERE id = ? AND lease_owner = ? AND status = 'processing'`,
		now, now, auditID, owner,
	)
}

func (s *SQLiteStore) AdvanceAuditPhase(ctx context.Context, auditID, owner string, from, to model.PipelinePhase) (bool, error) {
	return s.execTransition(ctx, "advance audit "+auditID,
		`UPDATE audits SET phase = ?, updated_at = ? WHERE id = ? AND phase = ? AND status = 'processing' AND lease_owner = ?`,
		string(to), time.Now().UTC(), auditID, string(from), owner,
	)
}

func (s *SQLiteStore) SetAuditPhase(ctx context.Context, auditID string, phase model.PipelinePhase) (bool, error) {
	return s.execTransition(ctx, "set audit phase "+auditID,
		`UPDATE audits SET phase = ?, updated_at = ? WHERE id = ?`,
		string(phase), time.Now().UTC(), auditID,
	)
}

func (s *SQLiteStore) CompleteAudit(ctx context.Context, auditID, owner string) (bool, error) {
	now := time.Now().UTC()
	return s.execTransition(ctx, "complete audit "+auditID,
		`UPDATE audits SET status = 'completed', completed_at = ?, error_message = '', lease_owner = '', updated_at = ?
		 WHERE id = ? AND status = 'processing' AND lease_owner = ?`,
		now, now, auditID, owner,
	)
}

// FailAudit with a named owner only fails an audit whose lease that
// owner still holds; the empty owner is the operator path and applies
// regardless of lease.
func (s *SQLiteStore) FailAudit(ctx context.Context, auditID, owner, reason string) (bool, error) {
	return s.execTransition(ctx, "fail audit "+auditID,
		`UPDATE audits SET status = 'failed', error_message = ?, lease_owner = '', updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'cancelled') AND (? = '' OR lease_owner = ?)`,
		reason, time.Now().UTC(), auditID, owner, owner,
	)
}

// StopAudit flips a processing audit to stopped, or a pending one to
// cancelled. The empty status return means the audit was not in a
// stoppable state.
func (s *SQLiteStore) StopAudit(ctx context.Context, auditID string) (model.AuditStatus, error) {
	now := time.Now().UTC()
	stopped, err := s.execTransition(ctx, "stop audit "+auditID,
		`UPDATE audits SET status = 'stopped', lease_owner = '', updated_at = ? WHERE id = ? AND status = 'processing'`,
		now, auditID,
	)
	if err != nil {
		return "", err
	}
	if stopped {
		return model.AuditStatusStopped, nil
	}

	cancelled, err := s.execTransition(ctx, "cancel audit "+auditID,
		`UPDATE audits SET status = 'cancelled', updated_at = ? WHERE id = ? AND status = 'pending'`,
		now, auditID,
	)
	if err != nil {
		return "", err
	}
	if cancelled {
		return model.AuditStatusCancelled, nil
	}
	return "", nil
}

func (s *SQLiteStore) ResetAuditForReprocess(ctx context.Context, auditID string) (bool, error) {
	return s.execTransition(ctx, "reset audit "+auditID,
		`UPDATE audits SET status = 'pending', lease_owner = '', heartbeat_at = NULL, error_message = '', attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status <> 'pending'`,
		time.Now().UTC(), auditID,
	)
}

// --- Queries ---

func (s *SQLiteStore) InsertQueries(ctx context.Context, queries []model.Query) (int64, error) {
	if len(queries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert queries begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO queries (id, audit_id, phase, legacy_category, intent, text, content_hash, complexity, priority, position, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert query")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for i := range queries {
		q := &queries[i]
		if q.ID == "" {
			q.ID = uuid.New().String()
		}
		if q.CreatedAt.IsZero() {
			q.CreatedAt = now
		}
		if _, err := stmt.ExecContext(ctx,
			q.ID, q.AuditID, string(q.Phase), q.LegacyCategory, string(q.Intent),
			q.Text, q.ContentHash, q.Complexity, q.Priority, q.Position, q.CreatedAt,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert query %s", q.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: insert queries commit")
	}
	return int64(len(queries)), nil
}

func (s *SQLiteStore) ListQueries(ctx context.Context, auditID string) ([]model.Query, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, audit_id, phase, legacy_category, intent, text, content_hash, complexity, priority, position, created_at
		 FROM queries WHERE audit_id = ? ORDER BY created_at ASC, position ASC`,
		auditID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list queries for %s", auditID)
	}
	defer rows.Close()

	var queries []model.Query
	for rows.Next() {
		var q model.Query
		if err := rows.Scan(&q.ID, &q.AuditID, &q.Phase, &q.LegacyCategory, &q.Intent,
			&q.Text, &q.ContentHash, &q.Complexity, &q.Priority, &q.Position, &q.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan query")
		}
		queries = append(queries, q)
	}
	return queries, eris.Wrap(rows.Err(), "sqlite: list queries iterate")
}

func (s *SQLiteStore) DeleteQueries(ctx context.Context, auditID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queries WHERE audit_id = ?`, auditID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete queries for %s", auditID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Responses ---

const sqliteResponseColumns = `id, audit_id, query_id, provider, model, raw_text, response_hash, cache_hit, latency_ms, input_tokens, output_tokens, cost_usd, status, failure_kind, analysis, analyzed_at, created_at, updated_at`

func (s *SQLiteStore) UpsertResponse(ctx context.Context, r *model.Response) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	var analysisArg any
	if r.Analysis != nil {
		b, err := json.Marshal(r.Analysis)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal analysis")
		}
		analysisArg = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO responses (`+sqliteResponseColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(query_id, provider) DO UPDATE SET
		   model = excluded.model, raw_text = excluded.raw_text, response_hash = excluded.response_hash,
		   cache_hit = excluded.cache_hit, latency_ms = excluded.latency_ms, input_tokens = excluded.input_tokens,
		   output_tokens = excluded.output_tokens, cost_usd = excluded.cost_usd, status = excluded.status,
		   failure_kind = excluded.failure_kind, analysis = excluded.analysis, analyzed_at = excluded.analyzed_at,
		   updated_at = excluded.updated_at`,
		r.ID, r.AuditID, r.QueryID, r.Provider, r.Model, r.RawText, r.ResponseHash,
		r.CacheHit, r.LatencyMS, r.Usage.InputTokens, r.Usage.OutputTokens, r.Usage.Cost,
		string(r.Status), string(r.FailureKind), analysisArg, r.AnalyzedAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert response for query %s", r.QueryID)
	}

	// On conflict the stored row id wins; rewrite r.ID to it.
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM responses WHERE query_id = ? AND provider = ?`, r.QueryID, r.Provider,
	).Scan(&r.ID)
	return eris.Wrapf(err, "sqlite: read back response for query %s", r.QueryID)
}

func scanResponseRow(row scannable) (*model.Response, error) {
	var r model.Response
	var analysisJSON sql.NullString
	var analyzedAt sql.NullTime

	err := row.Scan(&r.ID, &r.AuditID, &r.QueryID, &r.Provider, &r.Model, &r.RawText,
		&r.ResponseHash, &r.CacheHit, &r.LatencyMS, &r.Usage.InputTokens, &r.Usage.OutputTokens,
		&r.Usage.Cost, &r.Status, &r.FailureKind, &analysisJSON, &analyzedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.AnalyzedAt = nullableTime(analyzedAt)
	if analysisJSON.Valid {
		r.Analysis = &model.Analysis{}
		if err := json.Unmarshal([]byte(analysisJSON.String), r.Analysis); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal analysis")
		}
	}
	return &r, nil
}

func (s *SQLiteStore) ListResponses(ctx context.Context, auditID string) ([]model.Response, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteResponseColumns+` FROM responses WHERE audit_id = ? ORDER BY created_at ASC`,
		auditID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list responses for %s", auditID)
	}
	defer rows.Close()

	var responses []model.Response
	for rows.Next() {
		r, err := scanResponseRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan response")
		}
		responses = append(responses, *r)
	}
	return responses, eris.Wrap(rows.Err(), "sqlite: list responses iterate")
}

func (s *SQLiteStore) UpdateResponseAnalysis(ctx context.Context, responseID string, a *model.Analysis, analyzedAt time.Time) error {
	analysisJSON, err := json.Marshal(a)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal analysis")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE responses SET analysis = ?, analyzed_at = ?, updated_at = ? WHERE id = ?`,
		string(analysisJSON), analyzedAt, time.Now().UTC(), responseID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update analysis %s", responseID)
	}
	return checkRowsAffected(res, "response", responseID)
}

func (s *SQLiteStore) ClearAnalyses(ctx context.Context, auditID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE responses SET analysis = NULL, analyzed_at = NULL, updated_at = ? WHERE audit_id = ? AND analysis IS NOT NULL`,
		time.Now().UTC(), auditID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: clear analyses for %s", auditID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Response cache ---

func (s *SQLiteStore) GetCachedResponse(ctx context.Context, queryHash, provider string) (*model.CachedResponse, error) {
	var c model.CachedResponse
	err := s.db.QueryRowContext(ctx,
		`SELECT id, query_hash, provider, model, raw_text, input_tokens, output_tokens, created_at, expires_at
		 FROM response_cache WHERE query_hash = ? AND provider = ? AND expires_at > ?`,
		queryHash, provider, time.Now().UTC(),
	).Scan(&c.ID, &c.QueryHash, &c.Provider, &c.Model, &c.RawText,
		&c.Usage.InputTokens, &c.Usage.OutputTokens, &c.CreatedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cached response")
	}
	return &c, nil
}

func (s *SQLiteStore) PutCachedResponse(ctx context.Context, entry *model.CachedResponse, ttl time.Duration) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(ttl)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_cache (id, query_hash, provider, model, raw_text, input_tokens, output_tokens, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(query_hash, provider) DO UPDATE SET model = excluded.model, raw_text = excluded.raw_text,
		   input_tokens = excluded.input_tokens, output_tokens = excluded.output_tokens,
		   created_at = excluded.created_at, expires_at = excluded.expires_at`,
		entry.ID, entry.QueryHash, entry.Provider, entry.Model, entry.RawText,
		entry.Usage.InputTokens, entry.Usage.OutputTokens, entry.CreatedAt, entry.ExpiresAt,
	)
	return eris.Wrap(err, "sqlite: put cached response")
}

func (s *SQLiteStore) DeleteExpiredCache(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE expires_at <= ?`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired cache")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Insight ladder ---

func (s *SQLiteStore) UpsertBatchInsight(ctx context.Context, bi *model.BatchInsight) error {
	if bi.ID == "" {
		bi.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if bi.CreatedAt.IsZero() {
		bi.CreatedAt = now
	}
	bi.UpdatedAt = now

	itemsJSON, err := json.Marshal(bi.Items)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal batch items")
	}
	responseIDsJSON, err := json.Marshal(bi.ResponseIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal response ids")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batch_insights (id, audit_id, phase, batch_index, type, items, response_ids, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(audit_id, phase, batch_index, type) DO UPDATE SET
		   items = excluded.items, response_ids = excluded.response_ids, updated_at = excluded.updated_at`,
		bi.ID, bi.AuditID, string(bi.Phase), bi.BatchIndex, string(bi.Type),
		string(itemsJSON), string(responseIDsJSON), bi.CreatedAt, bi.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert batch insight %s/%s/%d", bi.AuditID, bi.Type, bi.BatchIndex)
}

func (s *SQLiteStore) ListBatchInsights(ctx context.Context, auditID string) ([]model.BatchInsight, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, audit_id, phase, batch_index, type, items, response_ids, created_at, updated_at
		 FROM batch_insights WHERE audit_id = ? ORDER BY phase, batch_index, type`,
		auditID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list batch insights for %s", auditID)
	}
	defer rows.Close()

	var insights []model.BatchInsight
	for rows.Next() {
		var bi model.BatchInsight
		var itemsJSON, responseIDsJSON string
		if err := rows.Scan(&bi.ID, &bi.AuditID, &bi.Phase, &bi.BatchIndex, &bi.Type,
			&itemsJSON, &responseIDsJSON, &bi.CreatedAt, &bi.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch insight")
		}
		if err := json.Unmarshal([]byte(itemsJSON), &bi.Items); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal batch items")
		}
		if err := json.Unmarshal([]byte(responseIDsJSON), &bi.ResponseIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal response ids")
		}
		insights = append(insights, bi)
	}
	return insights, eris.Wrap(rows.Err(), "sqlite: list batch insights iterate")
}

func (s *SQLiteStore) UpsertCategoryInsight(ctx context.Context, ci *model.CategoryInsight) error {
	if ci.ID == "" {
		ci.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if ci.CreatedAt.IsZero() {
		ci.CreatedAt = now
	}
	ci.UpdatedAt = now

	itemsJSON, err := json.Marshal(ci.Items)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal category items")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO category_insights (id, audit_id, phase, type, items, summary, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(audit_id, phase, type) DO UPDATE SET
		   items = excluded.items, summary = excluded.summary, updated_at = excluded.updated_at`,
		ci.ID, ci.AuditID, string(ci.Phase), string(ci.Type), string(itemsJSON), ci.Summary, ci.CreatedAt, ci.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert category insight %s/%s/%s", ci.AuditID, ci.Phase, ci.Type)
}

func (s *SQLiteStore) ListCategoryInsights(ctx context.Context, auditID string) ([]model.CategoryInsight, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, audit_id, phase, type, items, summary, created_at, updated_at
		 FROM category_insights WHERE audit_id = ? ORDER BY phase, type`,
		auditID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list category insights for %s", auditID)
	}
	defer rows.Close()

	var insights []model.CategoryInsight
	for rows.Next() {
		var ci model.CategoryInsight
		var itemsJSON string
		if err := rows.Scan(&ci.ID, &ci.AuditID, &ci.Phase, &ci.Type, &itemsJSON,
			&ci.Summary, &ci.CreatedAt, &ci.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan category insight")
		}
		if err := json.Unmarshal([]byte(itemsJSON), &ci.Items); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal category items")
		}
		insights = append(insights, ci)
	}
	return insights, eris.Wrap(rows.Err(), "sqlite: list category insights iterate")
}

// ReplacePriorities reconciles strategic_priorities with the given set
// in one transaction: stale ranks beyond each type's new maximum go
// away, the rest are upserted in place on (audit_id, type, rank).
func (s *SQLiteStore) ReplacePriorities(ctx context.Context, auditID string, ps []model.StrategicPriority) error {
	maxRank := make(map[model.ExtractionType]int)
	for _, p := range ps {
		if p.Rank > maxRank[p.Type] {
			maxRank[p.Type] = p.Rank
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: replace priorities begin")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, et := range model.ExtractionTypes {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM strategic_priorities WHERE audit_id = ? AND type = ? AND rank > ?`,
			auditID, string(et), maxRank[et],
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: prune priorities %s/%s", auditID, et)
		}
	}

	now := time.Now().UTC()
	for i := range ps {
		p := &ps[i]
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		itemJSON, err := json.Marshal(p.Item)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal priority item")
		}
		phasesJSON, err := json.Marshal(p.SourcePhases)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal source phases")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO strategic_priorities (id, audit_id, type, rank, title, item, source_phases, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(audit_id, type, rank) DO UPDATE SET
			   title = excluded.title, item = excluded.item, source_phases = excluded.source_phases, updated_at = excluded.updated_at`,
			p.ID, auditID, string(p.Type), p.Rank, p.Title, string(itemJSON), string(phasesJSON), p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert priority %s/%s/%d", auditID, p.Type, p.Rank)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: replace priorities commit")
}

func (s *SQLiteStore) ListPriorities(ctx context.Context, auditID string) ([]model.StrategicPriority, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, audit_id, type, rank, title, item, source_phases, created_at, updated_at
		 FROM strategic_priorities WHERE audit_id = ? ORDER BY type, rank`,
		auditID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list priorities for %s", auditID)
	}
	defer rows.Close()

	var priorities []model.StrategicPriority
	for rows.Next() {
		var p model.StrategicPriority
		var itemJSON, phasesJSON string
		if err := rows.Scan(&p.ID, &p.AuditID, &p.Type, &p.Rank, &p.Title,
			&itemJSON, &phasesJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan priority")
		}
		if err := json.Unmarshal([]byte(itemJSON), &p.Item); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal priority item")
		}
		if err := json.Unmarshal([]byte(phasesJSON), &p.SourcePhases); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal source phases")
		}
		priorities = append(priorities, p)
	}
	return priorities, eris.Wrap(rows.Err(), "sqlite: list priorities iterate")
}

func (s *SQLiteStore) UpsertExecutiveSummary(ctx context.Context, es *model.ExecutiveSummary) error {
	now := time.Now().UTC()
	if es.CreatedAt.IsZero() {
		es.CreatedAt = now
	}
	es.UpdatedAt = now

	sectionsJSON, err := json.Marshal(es.Sections)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary sections")
	}
	missingJSON, err := json.Marshal(es.MissingTypes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal missing types")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executive_summaries (audit_id, company_name, persona_context, sections, degraded, missing_types, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(audit_id) DO UPDATE SET company_name = excluded.company_name, persona_context = excluded.persona_context,
		   sections = excluded.sections, degraded = excluded.degraded, missing_types = excluded.missing_types, updated_at = excluded.updated_at`,
		es.AuditID, es.CompanyName, es.PersonaContext, string(sectionsJSON), es.Degraded, string(missingJSON), es.CreatedAt, es.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert executive summary %s", es.AuditID)
}

func (s *SQLiteStore) GetExecutiveSummary(ctx context.Context, auditID string) (*model.ExecutiveSummary, error) {
	var es model.ExecutiveSummary
	var sectionsJSON, missingJSON string

	err := s.db.QueryRowContext(ctx,
		`SELECT audit_id, company_name, persona_context, sections, degraded, missing_types, created_at, updated_at
		 FROM executive_summaries WHERE audit_id = ?`,
		auditID,
	).Scan(&es.AuditID, &es.CompanyName, &es.PersonaContext, &sectionsJSON, &es.Degraded, &missingJSON, &es.CreatedAt, &es.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get executive summary %s", auditID)
	}
	if err := json.Unmarshal([]byte(sectionsJSON), &es.Sections); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal summary sections")
	}
	if err := json.Unmarshal([]byte(missingJSON), &es.MissingTypes); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal missing types")
	}
	return &es, nil
}

// --- Accounting ---

func (s *SQLiteStore) AppendMetadata(ctx context.Context, entries ...model.ProcessingMetadata) error {
	now := time.Now().UTC()
	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		var detailArg any
		if e.Detail != nil {
			b, err := json.Marshal(e.Detail)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal metadata detail")
			}
			detailArg = string(b)
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO processing_metadata (id, audit_id, phase, metric, count, duration_ms, detail, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.AuditID, string(e.Phase), e.Metric, e.Count, e.DurationMS, detailArg, e.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: append metadata %s", e.Metric)
		}
	}
	return nil
}

func (s *SQLiteStore) ListMetadata(ctx context.Context, auditID string) ([]model.ProcessingMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, audit_id, phase, metric, count, duration_ms, detail, created_at
		 FROM processing_metadata WHERE audit_id = ? ORDER BY created_at ASC`,
		auditID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list metadata for %s", auditID)
	}
	defer rows.Close()

	var entries []model.ProcessingMetadata
	for rows.Next() {
		var e model.ProcessingMetadata
		var detailJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.AuditID, &e.Phase, &e.Metric, &e.Count,
			&e.DurationMS, &detailJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan metadata")
		}
		if detailJSON.Valid {
			if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal metadata detail")
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list metadata iterate")
}

func (s *SQLiteStore) SumMetric(ctx context.Context, metric string, since time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0) FROM processing_metadata WHERE metric = ? AND created_at >= ?`,
		metric, since,
	).Scan(&total)
	return total, eris.Wrapf(err, "sqlite: sum metric %s", metric)
}

// --- Reprocess log and audit events ---

func (s *SQLiteStore) AppendReprocess(ctx context.Context, e *model.ReprocessEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reprocess_log (id, audit_id, attempt, trigger_source, before_status, before_phase, after_status, after_phase, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AuditID, e.Attempt, string(e.Trigger), string(e.BeforeStatus), string(e.BeforePhase),
		string(e.AfterStatus), string(e.AfterPhase), e.Reason, e.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: append reprocess for %s", e.AuditID)
}

func (s *SQLiteStore) ListReprocesses(ctx context.Context, auditID string) ([]model.ReprocessEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, audit_id, attempt, trigger_source, before_status, before_phase, after_status, after_phase, reason, created_at
		 FROM reprocess_log WHERE audit_id = ? ORDER BY attempt ASC`,
		auditID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list reprocesses for %s", auditID)
	}
	defer rows.Close()

	var entries []model.ReprocessEntry
	for rows.Next() {
		var e model.ReprocessEntry
		if err := rows.Scan(&e.ID, &e.AuditID, &e.Attempt, &e.Trigger, &e.BeforeStatus,
			&e.BeforePhase, &e.AfterStatus, &e.AfterPhase, &e.Reason, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reprocess entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list reprocesses iterate")
}

func (s *SQLiteStore) CountRecentReprocesses(ctx context.Context, auditID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reprocess_log WHERE audit_id = ? AND created_at >= ?`,
		auditID, since,
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count recent reprocesses for %s", auditID)
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, e *model.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var detailArg any
	if e.Detail != nil {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal event detail")
		}
		detailArg = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, audit_id, type, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.AuditID, e.Type, detailArg, e.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: append event %s", e.Type)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, auditID string) ([]model.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, audit_id, type, detail, created_at FROM audit_events WHERE audit_id = ? ORDER BY created_at ASC`,
		auditID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list events for %s", auditID)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		var detailJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.AuditID, &e.Type, &detailJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		if detailJSON.Valid {
			if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal event detail")
			}
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

// --- Progress and dashboard ---

func (s *SQLiteStore) GetAuditProgress(ctx context.Context, auditID string) (*model.AuditProgress, error) {
	var p model.AuditProgress
	var summaries, dashboards int

	err := s.db.QueryRowContext(ctx,
		`SELECT
		 (SELECT COUNT(*) FROM queries WHERE audit_id = ?),
		 (SELECT COUNT(*) FROM responses WHERE audit_id = ? AND status = 'ok'),
		 (SELECT COUNT(*) FROM responses WHERE audit_id = ? AND status = 'failed'),
		 (SELECT COUNT(*) FROM responses WHERE audit_id = ? AND analyzed_at IS NOT NULL),
		 (SELECT COUNT(*) FROM batch_insights WHERE audit_id = ?),
		 (SELECT COUNT(*) FROM category_insights WHERE audit_id = ?),
		 (SELECT COUNT(*) FROM strategic_priorities WHERE audit_id = ?),
		 (SELECT COUNT(*) FROM executive_summaries WHERE audit_id = ?),
		 (SELECT COUNT(*) FROM dashboards WHERE audit_id = ?)`,
		auditID, auditID, auditID, auditID, auditID, auditID, auditID, auditID, auditID,
	).Scan(&p.QueriesGenerated, &p.ResponsesCollected, &p.ResponsesFailed, &p.ResponsesAnalyzed,
		&p.BatchInsights, &p.CategoryInsights, &p.StrategicPriorities, &summaries, &dashboards)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: audit progress %s", auditID)
	}
	p.HasExecutiveSummary = summaries > 0
	p.HasDashboard = dashboards > 0
	return &p, nil
}

// UpsertDashboard writes the read-optimized projection. Repopulating
// clears sf_synced_at: the CRM copy no longer reflects this payload.
func (s *SQLiteStore) UpsertDashboard(ctx context.Context, d *model.Dashboard) error {
	if d.PopulatedAt.IsZero() {
		d.PopulatedAt = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(d.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dashboard payload")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dashboards (audit_id, company_id, payload, populated_at, sf_synced_at)
		 VALUES (?, ?, ?, ?, NULL)
		 ON CONFLICT(audit_id) DO UPDATE SET company_id = excluded.company_id, payload = excluded.payload,
		   populated_at = excluded.populated_at, sf_synced_at = NULL`,
		d.AuditID, d.CompanyID, string(payloadJSON), d.PopulatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert dashboard %s", d.AuditID)
}

func (s *SQLiteStore) GetDashboard(ctx context.Context, auditID string) (*model.Dashboard, error) {
	var d model.Dashboard
	var payloadJSON string
	var syncedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT audit_id, company_id, payload, populated_at, sf_synced_at FROM dashboards WHERE audit_id = ?`,
		auditID,
	).Scan(&d.AuditID, &d.CompanyID, &payloadJSON, &d.PopulatedAt, &syncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get dashboard %s", auditID)
	}
	d.SFSyncedAt = nullableTime(syncedAt)
	if err := json.Unmarshal([]byte(payloadJSON), &d.Payload); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal dashboard payload")
	}
	return &d, nil
}

func (s *SQLiteStore) MarkDashboardSynced(ctx context.Context, auditID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dashboards SET sf_synced_at = ? WHERE audit_id = ?`,
		at, auditID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark dashboard synced %s", auditID)
	}
	return checkRowsAffected(res, "dashboard", auditID)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}
