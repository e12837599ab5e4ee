package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/model"
)

// ErrNotFound is returned by point lookups when no row matches.
// Callers discriminate with eris.Is.
var ErrNotFound = eris.New("store: not found")

// AuditFilter specifies criteria for listing audits.
type AuditFilter struct {
	Status    model.AuditStatus `json:"status,omitempty"`
	CompanyID string            `json:"company_id,omitempty"`
	Active    bool              `json:"active,omitempty"` // pending or processing only
	Limit     int               `json:"limit,omitempty"`
	Offset    int               `json:"offset,omitempty"`
}

// Store defines the persistence interface for the audit pipeline.
//
// Conditional transitions (claim, heartbeat, advance, complete, fail,
// reset) return false when the row's current state no longer satisfies
// the precondition; the audit row is the single ownership source of
// truth and is only ever mutated through these compare-and-swap paths.
type Store interface {
	// Companies
	UpsertCompany(ctx context.Context, c *model.Company) (*model.Company, error)
	GetCompany(ctx context.Context, companyID string) (*model.Company, error)

	// Audits
	CreateAudit(ctx context.Context, a *model.Audit) (*model.Audit, error)
	GetAudit(ctx context.Context, auditID string) (*model.Audit, error)
	ListAudits(ctx context.Context, filter AuditFilter) ([]model.Audit, error)
	NextPendingAudit(ctx context.Context) (*model.Audit, error)
	ListStuckAudits(ctx context.Context, staleBefore time.Time) ([]model.Audit, error)
	CountAuditsByStatus(ctx context.Context) (map[model.AuditStatus]int, error)
	DeleteAudit(ctx context.Context, auditID string) error
	DeleteFailedAudits(ctx context.Context) (int, error)

	// Audit lease and lifecycle transitions. Advance and complete are
	// scoped to the lease holder; FailAudit with an empty owner is an
	// operator action that applies regardless of lease.
	ClaimAudit(ctx context.Context, auditID, owner string) (bool, error)
	HeartbeatAudit(ctx context.Context, auditID, owner string) (bool, error)
	AdvanceAuditPhase(ctx context.Context, auditID, owner string, from, to model.PipelinePhase) (bool, error)
	SetAuditPhase(ctx context.Context, auditID string, phase model.PipelinePhase) (bool, error)
	CompleteAudit(ctx context.Context, auditID, owner string) (bool, error)
	FailAudit(ctx context.Context, auditID, owner, reason string) (bool, error)
	StopAudit(ctx context.Context, auditID string) (model.AuditStatus, error)
	ResetAuditForReprocess(ctx context.Context, auditID string) (bool, error)

	// Queries
	InsertQueries(ctx context.Context, queries []model.Query) (int64, error)
	ListQueries(ctx context.Context, auditID string) ([]model.Query, error)
	DeleteQueries(ctx context.Context, auditID string) (int, error)

	// Responses
	UpsertResponse(ctx context.Context, r *model.Response) error
	ListResponses(ctx context.Context, auditID string) ([]model.Response, error)
	UpdateResponseAnalysis(ctx context.Context, responseID string, a *model.Analysis, analyzedAt time.Time) error
	ClearAnalyses(ctx context.Context, auditID string) (int, error)

	// Response cache
	GetCachedResponse(ctx context.Context, queryHash, provider string) (*model.CachedResponse, error)
	PutCachedResponse(ctx context.Context, entry *model.CachedResponse, ttl time.Duration) error
	DeleteExpiredCache(ctx context.Context) (int, error)

	// Insight ladder
	UpsertBatchInsight(ctx context.Context, bi *model.BatchInsight) error
	ListBatchInsights(ctx context.Context, auditID string) ([]model.BatchInsight, error)
	UpsertCategoryInsight(ctx context.Context, ci *model.CategoryInsight) error
	ListCategoryInsights(ctx context.Context, auditID string) ([]model.CategoryInsight, error)
	ReplacePriorities(ctx context.Context, auditID string, ps []model.StrategicPriority) error
	ListPriorities(ctx context.Context, auditID string) ([]model.StrategicPriority, error)
	UpsertExecutiveSummary(ctx context.Context, es *model.ExecutiveSummary) error
	GetExecutiveSummary(ctx context.Context, auditID string) (*model.ExecutiveSummary, error)

	// Accounting
	AppendMetadata(ctx context.Context, entries ...model.ProcessingMetadata) error
	ListMetadata(ctx context.Context, auditID string) ([]model.ProcessingMetadata, error)
	SumMetric(ctx context.Context, metric string, since time.Time) (int64, error)

	// Reprocess log and audit events
	AppendReprocess(ctx context.Context, e *model.ReprocessEntry) error
	ListReprocesses(ctx context.Context, auditID string) ([]model.ReprocessEntry, error)
	CountRecentReprocesses(ctx context.Context, auditID string, since time.Time) (int, error)
	AppendEvent(ctx context.Context, e *model.AuditEvent) error
	ListEvents(ctx context.Context, auditID string) ([]model.AuditEvent, error)

	// Progress and dashboard
	GetAuditProgress(ctx context.Context, auditID string) (*model.AuditProgress, error)
	UpsertDashboard(ctx context.Context, d *model.Dashboard) error
	GetDashboard(ctx context.Context, auditID string) (*model.Dashboard, error)
	MarkDashboardSynced(ctx context.Context, auditID string, at time.Time) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// auditChildTables lists every table holding per-audit rows, ordered so
// children delete before the rows they reference.
var auditChildTables = []string{
	"dashboards",
	"executive_summaries",
	"strategic_priorities",
	"category_insights",
	"batch_insights",
	"audit_events",
	"reprocess_log",
	"processing_metadata",
	"responses",
	"queries",
}
