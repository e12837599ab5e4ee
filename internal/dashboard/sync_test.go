package dashboard

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/pkg/salesforce"
)

// fakeSF records calls and serves a canned account lookup.
type fakeSF struct {
	existing  *salesforce.Account
	queryErr  error
	updates   []map[string]any
	inserts   []map[string]any
	updateIDs []string
}

func (f *fakeSF) Query(_ context.Context, _ string, out any) error {
	if f.queryErr != nil {
		return f.queryErr
	}
	if f.existing != nil {
		*out.(*[]salesforce.Account) = []salesforce.Account{*f.existing}
	}
	return nil
}

func (f *fakeSF) InsertOne(_ context.Context, _ string, record map[string]any) (string, error) {
	f.inserts = append(f.inserts, record)
	return "001new", nil
}

func (f *fakeSF) UpdateOne(_ context.Context, _ string, id string, fields map[string]any) error {
	f.updateIDs = append(f.updateIDs, id)
	f.updates = append(f.updates, fields)
	return nil
}

func TestSyncAccountCreatesAndStamps(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	audit, company := seedAudit(t, st)

	sf := &fakeSF{}
	syncer := NewSyncer(st, sf)
	p := NewPopulator(st, syncer)
	require.NoError(t, p.Populate(ctx, audit, company))

	// No matching account: the syncer inserts one with the summary fields.
	require.Len(t, sf.inserts, 1)
	record := sf.inserts[0]
	assert.Equal(t, "Brightline Analytics", record["Name"])
	assert.Equal(t, audit.ID, record["Visibility_Audit_Id__c"])
	assert.InDelta(t, 0.5, record["Visibility_Rate__c"].(float64), 1e-9)

	d, err := st.GetDashboard(ctx, audit.ID)
	require.NoError(t, err)
	assert.NotNil(t, d.SFSyncedAt)

	entries, err := st.ListMetadata(ctx, audit.ID)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Metric == model.MetricSalesforceSync {
			found = true
			assert.EqualValues(t, 1, e.Count)
			assert.Equal(t, "001new", e.Detail["account_id"])
		}
	}
	assert.True(t, found, "sync metric recorded")
}

func TestSyncAccountUpdatesExisting(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	audit, company := seedAudit(t, st)

	sf := &fakeSF{existing: &salesforce.Account{ID: "001old", Name: "Brightline Analytics"}}
	p := NewPopulator(st, NewSyncer(st, sf))
	require.NoError(t, p.Populate(ctx, audit, company))

	require.Empty(t, sf.inserts)
	require.Len(t, sf.updates, 1)
	assert.Equal(t, []string{"001old"}, sf.updateIDs)
	assert.Equal(t, audit.ID, sf.updates[0]["Visibility_Audit_Id__c"])
}

func TestSyncFailureDoesNotFailPopulate(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	audit, company := seedAudit(t, st)

	sf := &fakeSF{queryErr: eris.New("sf down")}
	p := NewPopulator(st, NewSyncer(st, sf))

	// Populate succeeds even though the CRM copy could not be written.
	require.NoError(t, p.Populate(ctx, audit, company))

	d, err := st.GetDashboard(ctx, audit.ID)
	require.NoError(t, err)
	assert.Nil(t, d.SFSyncedAt)

	entries, err := st.ListMetadata(ctx, audit.ID)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Metric == model.MetricSalesforceSync {
			found = true
			assert.Zero(t, e.Count)
			assert.Contains(t, e.Detail["error"], "sf down")
		}
	}
	assert.True(t, found, "failed sync recorded")
}
