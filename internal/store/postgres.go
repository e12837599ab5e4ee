package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/db"
	"github.com/sells-group/visibility-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const auditColumns = `id, company_id, status, phase, total_queries, providers, config, attempts, error_message, lease_owner, heartbeat_at, started_at, completed_at, created_at, updated_at`

const responseColumns = `id, audit_id, query_id, provider, model, raw_text, response_hash, cache_hit, latency_ms, input_tokens, output_tokens, cost_usd, status, failure_kind, analysis, analyzed_at, created_at, updated_at`

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations: the lease protocol
// and the per-response persistence path.
var preparedStatements = map[string]string{
	"claim_audit":     `UPDATE audits SET status = 'processing', lease_owner = $2, heartbeat_at = $3, started_at = COALESCE(started_at, $3), error_message = '', updated_at = $3 WHERE id = $1 AND status = 'pending'`,
	"heartbeat_audit": `UPDATE audits SET heartbeat_at = $3, updated_at = $3 WHERE id = $1 AND lease_owner = $2 AND status = 'processing'`,
	"advance_phase":   `UPDATE audits SET phase = $3, updated_at = $4 WHERE id = $1 AND phase = $2 AND status = 'processing'`,
	"get_audit":       `SELECT ` + auditColumns + ` FROM audits WHERE id = $1`,
	"next_pending":    `SELECT ` + auditColumns + ` FROM audits WHERE status = 'pending' ORDER BY created_at ASC LIMIT 1`,
	"get_cached":      `SELECT id, query_hash, provider, model, raw_text, input_tokens, output_tokens, created_at, expires_at FROM response_cache WHERE query_hash = $1 AND provider = $2 AND expires_at > $3`,
	"update_analysis": `UPDATE responses SET analysis = $2, analyzed_at = $3, updated_at = $4 WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	domain      TEXT NOT NULL UNIQUE,
	industry    TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	competitors JSONB NOT NULL DEFAULT '[]',
	personas    JSONB NOT NULL DEFAULT '[]',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audits (
	id            TEXT PRIMARY KEY,
	company_id    TEXT NOT NULL REFERENCES companies(id),
	status        TEXT NOT NULL DEFAULT 'pending',
	phase         TEXT NOT NULL DEFAULT 'generation',
	total_queries INTEGER NOT NULL,
	providers     JSONB NOT NULL DEFAULT '[]',
	config        JSONB NOT NULL DEFAULT '{}',
	attempts      INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	lease_owner   TEXT NOT NULL DEFAULT '',
	heartbeat_at  TIMESTAMPTZ,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audits_status ON audits(status);
CREATE INDEX IF NOT EXISTS idx_audits_company ON audits(company_id);
CREATE INDEX IF NOT EXISTS idx_audits_status_heartbeat ON audits(status, heartbeat_at);

CREATE TABLE IF NOT EXISTS queries (
	id              TEXT PRIMARY KEY,
	audit_id        TEXT NOT NULL REFERENCES audits(id),
	phase           TEXT NOT NULL,
	legacy_category TEXT NOT NULL DEFAULT '',
	intent          TEXT NOT NULL DEFAULT '',
	text            TEXT NOT NULL,
	content_hash    TEXT NOT NULL,
	complexity      DOUBLE PRECISION NOT NULL DEFAULT 0,
	priority        DOUBLE PRECISION NOT NULL DEFAULT 0,
	position        INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	cache_hit     BOOLEAN NOT NULL DEFAULT false,
	latency_ms    BIGINT NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	failure_kind  TEXT NOT NULL DEFAULT '',
	analysis      JSONB,
	analyzed_at   TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (query_hash, provider)
);

CREATE INDEX IF NOT EXISTS idx_response_cache_expires ON response_cache(expires_at);

CREATE TABLE IF NOT EXISTS batch_insights (
	id           TEXT PRIMARY KEY,
	audit_id     TEXT NOT NULL REFERENCES audits(id),
	phase        TEXT NOT NULL,
	batch_index  INTEGER NOT NULL,
	type         TEXT NOT NULL,
	items        JSONB NOT NULL DEFAULT '[]',
	response_ids JSONB NOT NULL DEFAULT '[]',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (audit_id, phase, batch_index, type)
);

CREATE TABLE IF NOT EXISTS category_insights (
	id         TEXT PRIMARY KEY,
	audit_id   TEXT NOT NULL REFERENCES audits(id),
	phase      TEXT NOT NULL,
	type       TEXT NOT NULL,
	items      JSONB NOT NULL DEFAULT '[]',
	summary    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (audit_id, phase, type)
);

CREATE TABLE IF NOT EXISTS strategic_priorities (
	id            TEXT PRIMARY KEY,
	audit_id      TEXT NOT NULL REFERENCES audits(id),
	type          TEXT NOT NULL,
	rank          INTEGER NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	item          JSONB NOT NULL DEFAULT '{}',
	source_phases JSONB NOT NULL DEFAULT '[]',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (audit_id, type, rank)
);

CREATE TABLE IF NOT EXISTS executive_summaries (
	audit_id        TEXT PRIMARY KEY REFERENCES audits(id),
	company_name    TEXT NOT NULL DEFAULT '',
	persona_context TEXT NOT NULL DEFAULT '',
	sections        JSONB NOT NULL DEFAULT '{}',
	degraded        BOOLEAN NOT NULL DEFAULT false,
	missing_types   JSONB NOT NULL DEFAULT '[]',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS processing_metadata (
	id          TEXT PRIMARY KEY,
	audit_id    TEXT NOT NULL,
	phase       TEXT NOT NULL DEFAULT '',
	metric      TEXT NOT NULL,
	count       BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	detail      JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
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
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reprocess_audit ON reprocess_log(audit_id, created_at);

CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	audit_id   TEXT NOT NULL,
	type       TEXT NOT NULL,
	detail     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_audit ON audit_events(audit_id, created_at);

CREATE TABLE IF NOT EXISTS dashboards (
	audit_id     TEXT PRIMARY KEY REFERENCES audits(id),
	company_id   TEXT NOT NULL,
	payload      JSONB NOT NULL DEFAULT '{}',
	populated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	sf_synced_at TIMESTAMPTZ
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Companies ---

func (s *PostgresStore) UpsertCompany(ctx context.Context, c *model.Company) (*model.Company, error) {
	out := *c
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	competitorsJSON, err := json.Marshal(out.Competitors)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal competitors")
	}
	personasJSON, err := json.Marshal(out.Personas)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal personas")
	}

	// RETURNING resolves to the surviving row on conflict, so callers
	// always get the canonical company id for the domain.
	err = s.pool.QueryRow(ctx,
		`INSERT INTO companies (id, name, domain, industry, description, competitors, personas, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (domain) DO UPDATE SET name = $2, industry = $4, description = $5, competitors = $6, personas = $7, updated_at = $9
		 RETURNING id, created_at`,
		out.ID, out.Name, out.Domain, out.Industry, out.Description, competitorsJSON, personasJSON, now, now,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert company %s", out.Domain)
	}
	out.UpdatedAt = now
	return &out, nil
}

func (s *PostgresStore) GetCompany(ctx context.Context, companyID string) (*model.Company, error) {
	var c model.Company
	var competitorsJSON, personasJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, name, domain, industry, description, competitors, personas, created_at, updated_at FROM companies WHERE id = $1`,
		companyID,
	).Scan(&c.ID, &c.Name, &c.Domain, &c.Industry, &c.Description, &competitorsJSON, &personasJSON, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: company %s", companyID)
		}
		return nil, eris.Wrapf(err, "postgres: get company %s", companyID)
	}
	if err := json.Unmarshal(competitorsJSON, &c.Competitors); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal competitors")
	}
	if err := json.Unmarshal(personasJSON, &c.Personas); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal personas")
	}
	return &c, nil
}

// --- Audits ---

func (s *PostgresStore) CreateAudit(ctx context.Context, a *model.Audit) (*model.Audit, error) {
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
		return nil, eris.Wrap(err, "postgres: marshal providers")
	}
	configJSON, err := json.Marshal(out.Config)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal audit config")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO audits (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		out.ID, out.CompanyID, string(out.Status), string(out.Phase), out.TotalQueries,
		providersJSON, configJSON, out.Attempts, out.ErrorMessage, out.LeaseOwner,
		out.HeartbeatAt, out.StartedAt, out.CompletedAt, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert audit")
	}
	return &out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAudit(row rowScanner) (*model.Audit, error) {
	var a model.Audit
	var providersJSON, configJSON []byte

	err := row.Scan(&a.ID, &a.CompanyID, &a.Status, &a.Phase, &a.TotalQueries,
		&providersJSON, &configJSON, &a.Attempts, &a.ErrorMessage, &a.LeaseOwner,
		&a.HeartbeatAt, &a.StartedAt, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(providersJSON, &a.Providers); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal providers")
	}
	if err := json.Unmarshal(configJSON, &a.Config); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal audit config")
	}
	return &a, nil
}

func (s *PostgresStore) GetAudit(ctx context.Context, auditID string) (*model.Audit, error) {
	a, err := scanAudit(s.pool.QueryRow(ctx,
		`SELECT `+auditColumns+` FROM audits WHERE id = $1`, auditID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: audit %s", auditID)
		}
		return nil, eris.Wrapf(err, "postgres: get audit %s", auditID)
	}
	return a, nil
}

func (s *PostgresStore) ListAudits(ctx context.Context, filter AuditFilter) ([]model.Audit, error) {
	query := `SELECT ` + auditColumns + ` FROM audits WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.CompanyID != "" {
		query += fmt.Sprintf(` AND company_id = $%d`, argIdx)
		args = append(args, filter.CompanyID)
		argIdx++
	}
	if filter.Active {
		query += ` AND status IN ('pending', 'processing')`
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audits")
	}
	defer rows.Close()

	var audits []model.Audit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		audits = append(audits, *a)
	}
	return audits, eris.Wrap(rows.Err(), "postgres: list audits iterate")
}

func (s *PostgresStore) NextPendingAudit(ctx context.Context) (*model.Audit, error) {
	a, err := scanAudit(s.pool.QueryRow(ctx,
		`SELECT `+auditColumns+` FROM audits WHERE status = 'pending' ORDER BY created_at ASC LIMIT 1`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: next pending audit")
	}
	return a, nil
}

func (s *PostgresStore) ListStuckAudits(ctx context.Context, staleBefore time.Time) ([]model.Audit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audits
		 WHERE status = 'processing' AND COALESCE(heartbeat_at, started_at, created_at) < $1
		 ORDER BY created_at ASC`,
		staleBefore,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stuck audits")
	}
	defer rows.Close()

	var audits []model.Audit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan stuck audit")
		}
		audits = append(audits, *a)
	}
	return audits, eris.Wrap(rows.Err(), "postgres: list stuck audits iterate")
}

func (s *PostgresStore) CountAuditsByStatus(ctx context.Context) (map[model.AuditStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM audits GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count audits by status")
	}
	defer rows.Close()

	counts := make(map[model.AuditStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.AuditStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count audits iterate")
}

func (s *PostgresStore) DeleteAudit(ctx context.Context, auditID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: delete audit begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, table := range auditChildTables {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE audit_id = $1`, table), auditID); err != nil {
			return eris.Wrapf(err, "postgres: delete audit %s rows from %s", auditID, table)
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM audits WHERE id = $1`, auditID)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete audit %s", auditID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: audit %s", auditID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: delete audit commit")
}

func (s *PostgresStore) DeleteFailedAudits(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete failed begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, table := range auditChildTables {
		stmt := fmt.Sprintf(`DELETE FROM %s WHERE audit_id IN (SELECT id FROM audits WHERE status = 'failed')`, table)
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return 0, eris.Wrapf(err, "postgres: delete failed rows from %s", table)
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM audits WHERE status = 'failed'`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete failed audits")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: delete failed commit")
	}
	return int(tag.RowsAffected()), nil
}

// --- Audit lease and lifecycle transitions ---

func (s *PostgresStore) ClaimAudit(ctx context.Context, auditID, owner string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE audits SET status = 'processing', lease_owner = $2, heartbeat_at = $3, started_at = COALESCE(started_at, $3), error_message = '', updated_at = $3
		 WHERE id = $1 AND status = 'pending'`,
		auditID, owner, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim audit %s", auditID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) HeartbeatAudit(ctx context.Context, auditID, owner string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE audits SET heartbeat_at = $3, updated_at = $3 WHERE id = $1 AND lease_owner = $2 AND status = 'processing'`,
		auditID, owner, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: heartbeat audit %s", auditID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AdvanceAuditPhase(ctx context.Context, auditID, owner string, from, to model.PipelinePhase) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE audits SET phase = $3, updated_at = $4 WHERE id = $1 AND phase = $2 AND status = 'processing' AND lease_owner = $5`,
		auditID, string(from), string(to), time.Now().UTC(), owner,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: advance audit %s to %s", auditID, to)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetAuditPhase(ctx context.Context, auditID string, phase model.PipelinePhase) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE audits SET phase = $2, updated_at = $3 WHERE id = $1`,
		auditID, string(phase), time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: set audit %s phase %s", auditID, phase)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompleteAudit(ctx context.Context, auditID, owner string) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE audits SET status = 'completed', completed_at = $2, error_message = '', lease_owner = '', updated_at = $2
		 WHERE id = $1 AND status = 'processing' AND lease_owner = $3`,
		auditID, now, owner,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: complete audit %s", auditID)
	}
	return tag.RowsAffected() == 1, nil
}

// FailAudit with a named owner only fails an audit whose lease that
// owner still holds; the empty owner is the operator path and applies
// regardless of lease.
func (s *PostgresStore) FailAudit(ctx context.Context, auditID, owner, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE audits SET status = 'failed', error_message = $2, lease_owner = '', updated_at = $3
		 WHERE id = $1 AND status NOT IN ('completed', 'cancelled') AND ($4 = '' OR lease_owner = $4)`,
		auditID, reason, time.Now().UTC(), owner,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: fail audit %s", auditID)
	}
	return tag.RowsAffected() == 1, nil
}

// StopAudit flips a processing audit to stopped, or a pending one to
// cancelled. The empty status return means the audit was not in a
// stoppable state.
func (s *PostgresStore) StopAudit(ctx context.Context, auditID string) (model.AuditStatus, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE audits SET status = 'stopped', lease_owner = '', updated_at = $2 WHERE id = $1 AND status = 'processing'`,
		auditID, now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: stop audit %s", auditID)
	}
	if tag.RowsAffected() == 1 {
		return model.AuditStatusStopped, nil
	}

	tag, err = s.pool.Exec(ctx,
		`UPDATE audits SET status = 'cancelled', updated_at = $2 WHERE id = $1 AND status = 'pending'`,
		auditID, now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: cancel audit %s", auditID)
	}
	if tag.RowsAffected() == 1 {
		return model.AuditStatusCancelled, nil
	}
	return "", nil
}

func (s *PostgresStore) ResetAuditForReprocess(ctx context.Context, auditID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE audits SET status = 'pending', lease_owner = '', heartbeat_at = NULL, error_message = '', attempts = attempts + 1, updated_at = $2
		 WHERE id = $1 AND status <> 'pending'`,
		auditID, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: reset audit %s", auditID)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Queries ---

func (s *PostgresStore) InsertQueries(ctx context.Context, queries []model.Query) (int64, error) {
	if len(queries) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	cols := []string{"id", "audit_id", "phase", "legacy_category", "intent", "text", "content_hash", "complexity", "priority", "position", "created_at"}
	rows := make([][]any, 0, len(queries))
	for i := range queries {
		q := &queries[i]
		if q.ID == "" {
			q.ID = uuid.New().String()
		}
		if q.CreatedAt.IsZero() {
			q.CreatedAt = now
		}
		rows = append(rows, []any{
			q.ID, q.AuditID, string(q.Phase), q.LegacyCategory, string(q.Intent),
			q.Text, q.ContentHash, q.Complexity, q.Priority, q.Position, q.CreatedAt,
		})
	}
	n, err := db.CopyFrom(ctx, s.pool, "queries", cols, rows)
	return n, eris.Wrap(err, "postgres: insert queries")
}

func (s *PostgresStore) ListQueries(ctx context.Context, auditID string) ([]model.Query, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, audit_id, phase, legacy_category, intent, text, content_hash, complexity, priority, position, created_at
		 FROM queries WHERE audit_id = $1 ORDER BY created_at ASC, position ASC`,
		auditID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list queries for %s", auditID)
	}
	defer rows.Close()

	var queries []model.Query
	for rows.Next() {
		var q model.Query
		if err := rows.Scan(&q.ID, &q.AuditID, &q.Phase, &q.LegacyCategory, &q.Intent,
			&q.Text, &q.ContentHash, &q.Complexity, &q.Priority, &q.Position, &q.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan query")
		}
		queries = append(queries, q)
	}
	return queries, eris.Wrap(rows.Err(), "postgres: list queries iterate")
}

func (s *PostgresStore) DeleteQueries(ctx context.Context, auditID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queries WHERE audit_id = $1`, auditID)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete queries for %s", auditID)
	}
	return int(tag.RowsAffected()), nil
}

// --- Responses ---

// UpsertResponse inserts or supersedes the response for the row's
// (query, provider) pair. On conflict the stored row id wins; r.ID is
// rewritten to it so callers always hold the persisted identity.
func (s *PostgresStore) UpsertResponse(ctx context.Context, r *model.Response) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	var analysisJSON []byte
	if r.Analysis != nil {
		var err error
		analysisJSON, err = json.Marshal(r.Analysis)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal analysis")
		}
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO responses (`+responseColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (query_id, provider) DO UPDATE SET
		   model = $5, raw_text = $6, response_hash = $7, cache_hit = $8, latency_ms = $9,
		   input_tokens = $10, output_tokens = $11, cost_usd = $12, status = $13,
		   failure_kind = $14, analysis = $15, analyzed_at = $16, updated_at = $18
		 RETURNING id`,
		r.ID, r.AuditID, r.QueryID, r.Provider, r.Model, r.RawText, r.ResponseHash,
		r.CacheHit, r.LatencyMS, r.Usage.InputTokens, r.Usage.OutputTokens, r.Usage.Cost,
		string(r.Status), string(r.FailureKind), analysisJSON, r.AnalyzedAt, r.CreatedAt, r.UpdatedAt,
	).Scan(&r.ID)
	return eris.Wrapf(err, "postgres: upsert response for query %s", r.QueryID)
}

func scanResponse(row rowScanner) (*model.Response, error) {
	var r model.Response
	var analysisJSON []byte

	err := row.Scan(&r.ID, &r.AuditID, &r.QueryID, &r.Provider, &r.Model, &r.RawText,
		&r.ResponseHash, &r.CacheHit, &r.LatencyMS, &r.Usage.InputTokens, &r.Usage.OutputTokens,
		&r.Usage.Cost, &r.Status, &r.FailureKind, &analysisJSON, &r.AnalyzedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(analysisJSON) > 0 {
		r.Analysis = &model.Analysis{}
		if err := json.Unmarshal(analysisJSON, r.Analysis); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal analysis")
		}
	}
	return &r, nil
}

func (s *PostgresStore) ListResponses(ctx context.Context, auditID string) ([]model.Response, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE audit_id = $1 ORDER BY created_at ASC`,
		auditID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list responses for %s", auditID)
	}
	defer rows.Close()

	var responses []model.Response
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan response")
		}
		responses = append(responses, *r)
	}
	return responses, eris.Wrap(rows.Err(), "postgres: list responses iterate")
}

func (s *PostgresStore) UpdateResponseAnalysis(ctx context.Context, responseID string, a *model.Analysis, analyzedAt time.Time) error {
	analysisJSON, err := json.Marshal(a)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal analysis")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE responses SET analysis = $2, analyzed_at = $3, updated_at = $4 WHERE id = $1`,
		responseID, analysisJSON, analyzedAt, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update analysis %s", responseID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: response %s", responseID)
	}
	return nil
}

// ClearAnalyses strips analysis fields from every response of the audit
// without touching raw provider output.
func (s *PostgresStore) ClearAnalyses(ctx context.Context, auditID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE responses SET analysis = NULL, analyzed_at = NULL, updated_at = $2 WHERE audit_id = $1 AND analysis IS NOT NULL`,
		auditID, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: clear analyses for %s", auditID)
	}
	return int(tag.RowsAffected()), nil
}

// --- Response cache ---

func (s *PostgresStore) GetCachedResponse(ctx context.Context, queryHash, provider string) (*model.CachedResponse, error) {
	var c model.CachedResponse
	err := s.pool.QueryRow(ctx,
		`SELECT id, query_hash, provider, model, raw_text, input_tokens, output_tokens, created_at, expires_at
		 FROM response_cache WHERE query_hash = $1 AND provider = $2 AND expires_at > $3`,
		queryHash, provider, time.Now().UTC(),
	).Scan(&c.ID, &c.QueryHash, &c.Provider, &c.Model, &c.RawText,
		&c.Usage.InputTokens, &c.Usage.OutputTokens, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get cached response")
	}
	return &c, nil
}

func (s *PostgresStore) PutCachedResponse(ctx context.Context, entry *model.CachedResponse, ttl time.Duration) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(ttl)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO response_cache (id, query_hash, provider, model, raw_text, input_tokens, output_tokens, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (query_hash, provider) DO UPDATE SET model = $4, raw_text = $5, input_tokens = $6, output_tokens = $7, created_at = $8, expires_at = $9`,
		entry.ID, entry.QueryHash, entry.Provider, entry.Model, entry.RawText,
		entry.Usage.InputTokens, entry.Usage.OutputTokens, entry.CreatedAt, entry.ExpiresAt,
	)
	return eris.Wrap(err, "postgres: put cached response")
}

func (s *PostgresStore) DeleteExpiredCache(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM response_cache WHERE expires_at <= $1`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired cache")
	}
	return int(tag.RowsAffected()), nil
}

// --- Insight ladder ---

func (s *PostgresStore) UpsertBatchInsight(ctx context.Context, bi *model.BatchInsight) error {
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
		return eris.Wrap(err, "postgres: marshal batch items")
	}
	responseIDsJSON, err := json.Marshal(bi.ResponseIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal response ids")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO batch_insights (id, audit_id, phase, batch_index, type, items, response_ids, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (audit_id, phase, batch_index, type) DO UPDATE SET items = $6, response_ids = $7, updated_at = $9`,
		bi.ID, bi.AuditID, string(bi.Phase), bi.BatchIndex, string(bi.Type),
		itemsJSON, responseIDsJSON, bi.CreatedAt, bi.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert batch insight %s/%s/%d", bi.AuditID, bi.Type, bi.BatchIndex)
}

func (s *PostgresStore) ListBatchInsights(ctx context.Context, auditID string) ([]model.BatchInsight, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, audit_id, phase, batch_index, type, items, response_ids, created_at, updated_at
		 FROM batch_insights WHERE audit_id = $1 ORDER BY phase, batch_index, type`,
		auditID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list batch insights for %s", auditID)
	}
	defer rows.Close()

	var insights []model.BatchInsight
	for rows.Next() {
		var bi model.BatchInsight
		var itemsJSON, responseIDsJSON []byte
		if err := rows.Scan(&bi.ID, &bi.AuditID, &bi.Phase, &bi.BatchIndex, &bi.Type,
			&itemsJSON, &responseIDsJSON, &bi.CreatedAt, &bi.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch insight")
		}
		if err := json.Unmarshal(itemsJSON, &bi.Items); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal batch items")
		}
		if err := json.Unmarshal(responseIDsJSON, &bi.ResponseIDs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal response ids")
		}
		insights = append(insights, bi)
	}
	return insights, eris.Wrap(rows.Err(), "postgres: list batch insights iterate")
}

func (s *PostgresStore) UpsertCategoryInsight(ctx context.Context, ci *model.CategoryInsight) error {
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
		return eris.Wrap(err, "postgres: marshal category items")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO category_insights (id, audit_id, phase, type, items, summary, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (audit_id, phase, type) DO UPDATE SET items = $5, summary = $6, updated_at = $8`,
		ci.ID, ci.AuditID, string(ci.Phase), string(ci.Type), itemsJSON, ci.Summary, ci.CreatedAt, ci.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert category insight %s/%s/%s", ci.AuditID, ci.Phase, ci.Type)
}

func (s *PostgresStore) ListCategoryInsights(ctx context.Context, auditID string) ([]model.CategoryInsight, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, audit_id, phase, type, items, summary, created_at, updated_at
		 FROM category_insights WHERE audit_id = $1 ORDER BY phase, type`,
		auditID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list category insights for %s", auditID)
	}
	defer rows.Close()

	var insights []model.CategoryInsight
	for rows.Next() {
		var ci model.CategoryInsight
		var itemsJSON []byte
		if err := rows.Scan(&ci.ID, &ci.AuditID, &ci.Phase, &ci.Type, &itemsJSON,
			&ci.Summary, &ci.CreatedAt, &ci.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan category insight")
		}
		if err := json.Unmarshal(itemsJSON, &ci.Items); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal category items")
		}
		insights = append(insights, ci)
	}
	return insights, eris.Wrap(rows.Err(), "postgres: list category insights iterate")
}

// ReplacePriorities reconciles strategic_priorities with the given set:
// ranks beyond each type's new maximum are pruned first, then the set is
// bulk-upserted on (audit_id, type, rank). Surviving rows keep their
// original ids so re-invocation yields identical content.
func (s *PostgresStore) ReplacePriorities(ctx context.Context, auditID string, ps []model.StrategicPriority) error {
	maxRank := make(map[model.ExtractionType]int)
	for _, p := range ps {
		if p.Rank > maxRank[p.Type] {
			maxRank[p.Type] = p.Rank
		}
	}
	for _, et := range model.ExtractionTypes {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM strategic_priorities WHERE audit_id = $1 AND type = $2 AND rank > $3`,
			auditID, string(et), maxRank[et],
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: prune priorities %s/%s", auditID, et)
		}
	}
	if len(ps) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(ps))
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
			return eris.Wrap(err, "postgres: marshal priority item")
		}
		phasesJSON, err := json.Marshal(p.SourcePhases)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal source phases")
		}
		rows = append(rows, []any{
			p.ID, auditID, string(p.Type), p.Rank, p.Title, itemJSON, phasesJSON, p.CreatedAt, p.UpdatedAt,
		})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "strategic_priorities",
		Columns:      []string{"id", "audit_id", "type", "rank", "title", "item", "source_phases", "created_at", "updated_at"},
		ConflictKeys: []string{"audit_id", "type", "rank"},
		UpdateCols:   []string{"title", "item", "source_phases", "updated_at"},
	}, rows)
	return eris.Wrapf(err, "postgres: upsert priorities for %s", auditID)
}

func (s *PostgresStore) ListPriorities(ctx context.Context, auditID string) ([]model.StrategicPriority, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, audit_id, type, rank, title, item, source_phases, created_at, updated_at
		 FROM strategic_priorities WHERE audit_id = $1 ORDER BY type, rank`,
		auditID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list priorities for %s", auditID)
	}
	defer rows.Close()

	var priorities []model.StrategicPriority
	for rows.Next() {
		var p model.StrategicPriority
		var itemJSON, phasesJSON []byte
		if err := rows.Scan(&p.ID, &p.AuditID, &p.Type, &p.Rank, &p.Title,
			&itemJSON, &phasesJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan priority")
		}
		if err := json.Unmarshal(itemJSON, &p.Item); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal priority item")
		}
		if err := json.Unmarshal(phasesJSON, &p.SourcePhases); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal source phases")
		}
		priorities = append(priorities, p)
	}
	return priorities, eris.Wrap(rows.Err(), "postgres: list priorities iterate")
}

func (s *PostgresStore) UpsertExecutiveSummary(ctx context.Context, es *model.ExecutiveSummary) error {
	now := time.Now().UTC()
	if es.CreatedAt.IsZero() {
		es.CreatedAt = now
	}
	es.UpdatedAt = now

	sectionsJSON, err := json.Marshal(es.Sections)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary sections")
	}
	missingJSON, err := json.Marshal(es.MissingTypes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal missing types")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO executive_summaries (audit_id, company_name, persona_context, sections, degraded, missing_types, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (audit_id) DO UPDATE SET company_name = $2, persona_context = $3, sections = $4, degraded = $5, missing_types = $6, updated_at = $8`,
		es.AuditID, es.CompanyName, es.PersonaContext, sectionsJSON, es.Degraded, missingJSON, es.CreatedAt, es.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert executive summary %s", es.AuditID)
}

func (s *PostgresStore) GetExecutiveSummary(ctx context.Context, auditID string) (*model.ExecutiveSummary, error) {
	var es model.ExecutiveSummary
	var sectionsJSON, missingJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT audit_id, company_name, persona_context, sections, degraded, missing_types, created_at, updated_at
		 FROM executive_summaries WHERE audit_id = $1`,
		auditID,
	).Scan(&es.AuditID, &es.CompanyName, &es.PersonaContext, &sectionsJSON, &es.Degraded, &missingJSON, &es.CreatedAt, &es.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get executive summary %s", auditID)
	}
	if err := json.Unmarshal(sectionsJSON, &es.Sections); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal summary sections")
	}
	if err := json.Unmarshal(missingJSON, &es.MissingTypes); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal missing types")
	}
	return &es, nil
}

// --- Accounting ---

func (s *PostgresStore) AppendMetadata(ctx context.Context, entries ...model.ProcessingMetadata) error {
	now := time.Now().UTC()
	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		var detailJSON []byte
		if e.Detail != nil {
			var err error
			detailJSON, err = json.Marshal(e.Detail)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal metadata detail")
			}
		}
		_, err := s.pool.Exec(ctx,
			`INSERT INTO processing_metadata (id, audit_id, phase, metric, count, duration_ms, detail, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.AuditID, string(e.Phase), e.Metric, e.Count, e.DurationMS, detailJSON, e.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: append metadata %s", e.Metric)
		}
	}
	return nil
}

func (s *PostgresStore) ListMetadata(ctx context.Context, auditID string) ([]model.ProcessingMetadata, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, audit_id, phase, metric, count, duration_ms, detail, created_at
		 FROM processing_metadata WHERE audit_id = $1 ORDER BY created_at ASC`,
		auditID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list metadata for %s", auditID)
	}
	defer rows.Close()

	var entries []model.ProcessingMetadata
	for rows.Next() {
		var e model.ProcessingMetadata
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.AuditID, &e.Phase, &e.Metric, &e.Count,
			&e.DurationMS, &detailJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan metadata")
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal metadata detail")
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list metadata iterate")
}

func (s *PostgresStore) SumMetric(ctx context.Context, metric string, since time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(count), 0) FROM processing_metadata WHERE metric = $1 AND created_at >= $2`,
		metric, since,
	).Scan(&total)
	return total, eris.Wrapf(err, "postgres: sum metric %s", metric)
}

// --- Reprocess log and audit events ---

func (s *PostgresStore) AppendReprocess(ctx context.Context, e *model.ReprocessEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reprocess_log (id, audit_id, attempt, trigger_source, before_status, before_phase, after_status, after_phase, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.AuditID, e.Attempt, string(e.Trigger), string(e.BeforeStatus), string(e.BeforePhase),
		string(e.AfterStatus), string(e.AfterPhase), e.Reason, e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append reprocess for %s", e.AuditID)
}

func (s *PostgresStore) ListReprocesses(ctx context.Context, auditID string) ([]model.ReprocessEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, audit_id, attempt, trigger_source, before_status, before_phase, after_status, after_phase, reason, created_at
		 FROM reprocess_log WHERE audit_id = $1 ORDER BY attempt ASC`,
		auditID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list reprocesses for %s", auditID)
	}
	defer rows.Close()

	var entries []model.ReprocessEntry
	for rows.Next() {
		var e model.ReprocessEntry
		if err := rows.Scan(&e.ID, &e.AuditID, &e.Attempt, &e.Trigger, &e.BeforeStatus,
			&e.BeforePhase, &e.AfterStatus, &e.AfterPhase, &e.Reason, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan reprocess entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list reprocesses iterate")
}

func (s *PostgresStore) CountRecentReprocesses(ctx context.Context, auditID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM reprocess_log WHERE audit_id = $1 AND created_at >= $2`,
		auditID, since,
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count recent reprocesses for %s", auditID)
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *model.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var detailJSON []byte
	if e.Detail != nil {
		var err error
		detailJSON, err = json.Marshal(e.Detail)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal event detail")
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, audit_id, type, detail, created_at) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.AuditID, e.Type, detailJSON, e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append event %s", e.Type)
}

func (s *PostgresStore) ListEvents(ctx context.Context, auditID string) ([]model.AuditEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, audit_id, type, detail, created_at FROM audit_events WHERE audit_id = $1 ORDER BY created_at ASC`,
		auditID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list events for %s", auditID)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.AuditID, &e.Type, &detailJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal event detail")
			}
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

// --- Progress and dashboard ---

func (s *PostgresStore) GetAuditProgress(ctx context.Context, auditID string) (*model.AuditProgress, error) {
	var p model.AuditProgress
	var summaries, dashboards int

	err := s.pool.QueryRow(ctx,
		`SELECT
		 (SELECT COUNT(*) FROM queries WHERE audit_id = $1),
		 (SELECT COUNT(*) FROM responses WHERE audit_id = $1 AND status = 'ok'),
		 (SELECT COUNT(*) FROM responses WHERE audit_id = $1 AND status = 'failed'),
		 (SELECT COUNT(*) FROM responses WHERE audit_id = $1 AND analyzed_at IS NOT NULL),
		 (SELECT COUNT(*) FROM batch_insights WHERE audit_id = $1),
		 (SELECT COUNT(*) FROM category_insights WHERE audit_id = $1),
		 (SELECT COUNT(*) FROM strategic_priorities WHERE audit_id = $1),
		 (SELECT COUNT(*) FROM executive_summaries WHERE audit_id = $1),
		 (SELECT COUNT(*) FROM dashboards WHERE audit_id = $1)`,
		auditID,
	).Scan(&p.QueriesGenerated, &p.ResponsesCollected, &p.ResponsesFailed, &p.ResponsesAnalyzed,
		&p.BatchInsights, &p.CategoryInsights, &p.StrategicPriorities, &summaries, &dashboards)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: audit progress %s", auditID)
	}
	p.HasExecutiveSummary = summaries > 0
	p.HasDashboard = dashboards > 0
	return &p, nil
}

// UpsertDashboard writes the read-optimized projection. Repopulating
// clears sf_synced_at: the CRM copy no longer reflects this payload.
func (s *PostgresStore) UpsertDashboard(ctx context.Context, d *model.Dashboard) error {
	if d.PopulatedAt.IsZero() {
		d.PopulatedAt = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(d.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dashboard payload")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dashboards (audit_id, company_id, payload, populated_at, sf_synced_at)
		 VALUES ($1, $2, $3, $4, NULL)
		 ON CONFLICT (audit_id) DO UPDATE SET company_id = $2, payload = $3, populated_at = $4, sf_synced_at = NULL`,
		d.AuditID, d.CompanyID, payloadJSON, d.PopulatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert dashboard %s", d.AuditID)
}

func (s *PostgresStore) GetDashboard(ctx context.Context, auditID string) (*model.Dashboard, error) {
	var d model.Dashboard
	var payloadJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT audit_id, company_id, payload, populated_at, sf_synced_at FROM dashboards WHERE audit_id = $1`,
		auditID,
	).Scan(&d.AuditID, &d.CompanyID, &payloadJSON, &d.PopulatedAt, &d.SFSyncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get dashboard %s", auditID)
	}
	if err := json.Unmarshal(payloadJSON, &d.Payload); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal dashboard payload")
	}
	return &d, nil
}

func (s *PostgresStore) MarkDashboardSynced(ctx context.Context, auditID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dashboards SET sf_synced_at = $2 WHERE audit_id = $1`,
		auditID, at,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark dashboard synced %s", auditID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: dashboard %s", auditID)
	}
	return nil
}
