package dashboard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/resilience"
	"github.com/sells-group/visibility-cli/internal/store"
	"github.com/sells-group/visibility-cli/pkg/salesforce"
)

// Syncer mirrors the dashboard summary onto the company's Salesforce
// account.
type Syncer struct {
	store store.Store
	sf    salesforce.Client
	retry resilience.RetryConfig
}

// NewSyncer creates a Syncer around an authenticated client.
func NewSyncer(st store.Store, sf salesforce.Client) *Syncer {
	return &Syncer{store: st, sf: sf, retry: resilience.DefaultRetryConfig()}
}

// SyncAccount upserts the visibility summary onto the matching account,
// retrying transient API failures. Success stamps sf_synced_at and
// records the sync in processing metadata.
func (s *Syncer) SyncAccount(ctx context.Context, audit *model.Audit, company *model.Company, payload *model.DashboardPayload) error {
	fields := summaryFields(audit, payload)

	var accountID string
	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		id, err := salesforce.UpsertAccountSummary(ctx, s.sf, company.Name, company.Domain, fields)
		if err != nil {
			return err
		}
		accountID = id
		return nil
	})

	detail := map[string]string{"account_id": accountID}
	count := int64(1)
	if err != nil {
		detail = map[string]string{"error": err.Error()}
		count = 0
	}
	if merr := s.store.AppendMetadata(ctx, model.ProcessingMetadata{
		AuditID: audit.ID,
		Phase:   model.PhaseDashboard,
		Metric:  model.MetricSalesforceSync,
		Count:   count,
		Detail:  detail,
	}); merr != nil {
		zap.L().Warn("dashboard: record sync metric", zap.String("audit_id", audit.ID), zap.Error(merr))
	}
	if err != nil {
		return err
	}

	if err := s.store.MarkDashboardSynced(ctx, audit.ID, time.Now().UTC()); err != nil {
		zap.L().Warn("dashboard: stamp sf_synced_at", zap.String("audit_id", audit.ID), zap.Error(err))
	}
	zap.L().Info("dashboard: salesforce synced",
		zap.String("audit_id", audit.ID),
		zap.String("account_id", accountID),
	)
	return nil
}

// summaryFields maps the payload onto the CRM custom fields.
func summaryFields(audit *model.Audit, payload *model.DashboardPayload) map[string]any {
	fields := map[string]any{
		"Visibility_Audit_Id__c":    audit.ID,
		"Visibility_Rate__c":        payload.VisibilityRate,
		"Visibility_Sentiment__c":   payload.AvgSentiment,
		"Visibility_Audited_At__c":  time.Now().UTC().Format(time.RFC3339),
		"Visibility_Query_Count__c": payload.Progress.QueriesGenerated,
	}
	if payload.Summary != nil {
		var top string
		for _, typ := range model.ExtractionTypes {
			if items := payload.Priorities[typ]; len(items) > 0 {
				top = items[0].Label
				break
			}
		}
		if top != "" {
			fields["Visibility_Top_Priority__c"] = top
		}
		if payload.Summary.Degraded {
			fields["Visibility_Degraded__c"] = fmt.Sprintf("missing: %v", payload.Summary.MissingTypes)
		}
	}
	return fields
}
