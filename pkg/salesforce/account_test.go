package salesforce

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockClient implements Client for testing.
type mockClient struct {
	mock.Mock
}

func (m *mockClient) Query(ctx context.Context, soql string, out any) error {
	args := m.Called(ctx, soql, out)
	return args.Error(0)
}

func (m *mockClient) InsertOne(ctx context.Context, sObjectName string, record map[string]any) (string, error) {
	args := m.Called(ctx, sObjectName, record)
	return args.String(0), args.Error(1)
}

func (m *mockClient) UpdateOne(ctx context.Context, sObjectName string, id string, fields map[string]any) error {
	args := m.Called(ctx, sObjectName, id, fields)
	return args.Error(0)
}

func TestFindAccountByWebsite(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		m := &mockClient{}
		m.On("Query", ctx, mock.MatchedBy(func(soql string) bool {
			return assert.Contains(t, soql, "Website LIKE '%brightline.io%'")
		}), mock.Anything).Run(func(args mock.Arguments) {
			out := args.Get(2).(*[]Account)
			*out = []Account{{ID: "001xx0001", Name: "Brightline", Website: "https://brightline.io"}}
		}).Return(nil)

		acct, err := FindAccountByWebsite(ctx, m, "brightline.io")
		require.NoError(t, err)
		require.NotNil(t, acct)
		assert.Equal(t, "001xx0001", acct.ID)
	})

	t.Run("not found returns nil", func(t *testing.T) {
		m := &mockClient{}
		m.On("Query", ctx, mock.Anything, mock.Anything).Return(nil)

		acct, err := FindAccountByWebsite(ctx, m, "nosuch.example")
		require.NoError(t, err)
		assert.Nil(t, acct)
	})

	t.Run("escapes quotes", func(t *testing.T) {
		m := &mockClient{}
		m.On("Query", ctx, mock.MatchedBy(func(soql string) bool {
			return assert.Contains(t, soql, `o\'brien.com`)
		}), mock.Anything).Return(nil)

		_, err := FindAccountByWebsite(ctx, m, "o'brien.com")
		require.NoError(t, err)
	})
}

func TestUpsertAccountSummary(t *testing.T) {
	ctx := context.Background()
	fields := map[string]any{"Visibility_Score__c": 0.75}

	t.Run("updates existing account", func(t *testing.T) {
		m := &mockClient{}
		m.On("Query", ctx, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			out := args.Get(2).(*[]Account)
			*out = []Account{{ID: "001xx0002", Name: "Brightline"}}
		}).Return(nil)
		m.On("UpdateOne", ctx, "Account", "001xx0002", fields).Return(nil)

		id, err := UpsertAccountSummary(ctx, m, "Brightline", "brightline.io", fields)
		require.NoError(t, err)
		assert.Equal(t, "001xx0002", id)
		m.AssertExpectations(t)
	})

	t.Run("creates when missing", func(t *testing.T) {
		m := &mockClient{}
		m.On("Query", ctx, mock.Anything, mock.Anything).Return(nil)
		m.On("InsertOne", ctx, "Account", mock.MatchedBy(func(record map[string]any) bool {
			return record["Name"] == "Brightline" && record["Website"] == "brightline.io"
		})).Return("001xx0003", nil)

		id, err := UpsertAccountSummary(ctx, m, "Brightline", "brightline.io", fields)
		require.NoError(t, err)
		assert.Equal(t, "001xx0003", id)
	})

	t.Run("requires name and fields", func(t *testing.T) {
		m := &mockClient{}
		_, err := UpsertAccountSummary(ctx, m, "", "brightline.io", fields)
		assert.Error(t, err)

		_, err = UpsertAccountSummary(ctx, m, "Brightline", "brightline.io", nil)
		assert.Error(t, err)
	})

	t.Run("propagates query failure", func(t *testing.T) {
		m := &mockClient{}
		m.On("Query", ctx, mock.Anything, mock.Anything).Return(eris.New("boom"))

		_, err := UpsertAccountSummary(ctx, m, "Brightline", "brightline.io", fields)
		assert.Error(t, err)
	})
}
